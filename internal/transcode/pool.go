package transcode

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hearth-family/backend/internal/telemetry"
	"github.com/hearth-family/backend/pkg/queue"
)

const depthInterval = 15 * time.Second

// JobSource hands out jobs and applies the retry policy to failed ones.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.TranscodeJob, error)
	Retry(ctx context.Context, job *queue.TranscodeJob, cause error) (bool, error)
	SetProgress(ctx context.Context, p queue.Progress) error
	Depth(ctx context.Context) (int64, error)
}

// JobProcessor runs a single job attempt.
type JobProcessor interface {
	Process(ctx context.Context, job *queue.TranscodeJob) error
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers      int
	RetryBackoff time.Duration
	PollTimeout  time.Duration
}

// Pool runs N workers, each taking one job at a time.
type Pool struct {
	jobs   JobSource
	proc   JobProcessor
	cfg    PoolConfig
	logger *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(jobs JobSource, proc JobProcessor, cfg PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = queue.DefaultPollTimeout
	}
	return &Pool{jobs: jobs, proc: proc, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. Cancellation stops dequeueing; jobs already
// started run to completion before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.work(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.reportDepth(gctx)
		return nil
	})
	p.logger.Info("transcode pool started", zap.Int("workers", p.cfg.Workers))
	err := g.Wait()
	p.logger.Info("transcode pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		job, err := p.jobs.Dequeue(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.cfg.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}
		if p.handle(context.WithoutCancel(ctx), log, job) {
			sleep(ctx, p.cfg.RetryBackoff)
		}
	}
}

// handle processes one job and reports whether it was re-enqueued. A failed
// attempt is published as failed only when no retry follows it.
func (p *Pool) handle(ctx context.Context, log *zap.Logger, job *queue.TranscodeJob) bool {
	telemetry.TranscodeInFlight.Inc()
	defer telemetry.TranscodeInFlight.Dec()

	log.Debug("processing transcode job", zap.String("job_id", job.ID), zap.String("object_key", job.ObjectKey))
	err := p.proc.Process(ctx, job)
	if err == nil {
		return false
	}
	report := queue.Progress{ObjectKey: job.ObjectKey, JobID: job.ID, State: queue.StateFailed, Error: err.Error()}
	var attempt *AttemptError
	if errors.As(err, &attempt) {
		report.Percent = attempt.Percent
		report.ElapsedMs = attempt.Elapsed.Milliseconds()
	}

	retried, rerr := p.jobs.Retry(ctx, job, err)
	if rerr != nil {
		log.Error("record failed job", zap.Error(rerr), zap.String("job_id", job.ID))
	}
	if retried {
		report.State = queue.StateEnqueued
		report.Percent = 0
	}
	if perr := p.jobs.SetProgress(ctx, report); perr != nil {
		log.Warn("publish progress failed", zap.Error(perr))
	}
	return retried
}

func (p *Pool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		if n, err := p.jobs.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
