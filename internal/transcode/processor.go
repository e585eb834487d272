package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hearth-family/backend/internal/telemetry"
	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/storage"
)

// ErrTranscodeFailed marks a failed job attempt. The original object stays in
// place and the upload record is not touched.
var ErrTranscodeFailed = errors.New("transcode failed")

// AttemptError is returned by Process for a failed attempt. It matches
// ErrTranscodeFailed and the underlying cause with errors.Is.
type AttemptError struct {
	Percent int
	Elapsed time.Duration
	Err     error
}

func (e *AttemptError) Error() string {
	return ErrTranscodeFailed.Error() + ": " + e.Err.Error()
}

func (e *AttemptError) Unwrap() []error {
	return []error{ErrTranscodeFailed, e.Err}
}

// outputContentType is what the fixed profile produces.
const outputContentType = "video/mp4"

// Encoder turns one local file into one local output file.
type Encoder interface {
	Encode(ctx context.Context, input, output string, onProgress func(percent int)) error
}

// ObjectStore is the object storage the worker reads from and writes back to.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (map[string]string, error)
	Put(ctx context.Context, key, contentType string, body io.Reader, contentLength int64, metadata map[string]string) error
}

// ProgressSink receives progress snapshots.
type ProgressSink interface {
	SetProgress(ctx context.Context, p queue.Progress) error
}

// Processor runs one transcode job: acquire source, encode, overwrite the same key.
type Processor struct {
	objects  ObjectStore
	encoder  Encoder
	progress ProgressSink
	tempDir  string
	step     int
	now      func() time.Time
	logger   *zap.Logger
}

// NewProcessor creates a processor. tempDir "" means os.TempDir().
func NewProcessor(objects ObjectStore, encoder Encoder, progress ProgressSink, tempDir string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Processor{
		objects:  objects,
		encoder:  encoder,
		progress: progress,
		tempDir:  tempDir,
		step:     DefaultProgressStep,
		now:      time.Now,
		logger:   logger,
	}
}

// Process executes one attempt. Temp files are removed on every path. A failure is
// returned as *AttemptError; whether it is terminal is up to the caller, so no
// failed state is reported here.
func (p *Processor) Process(ctx context.Context, job *queue.TranscodeJob) error {
	start := p.now()
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("object_key", job.ObjectKey), zap.Int("attempt", job.Attempt))
	p.report(ctx, queue.Progress{ObjectKey: job.ObjectKey, JobID: job.ID, State: queue.StateActive})

	var temps []string
	defer func() {
		for _, path := range temps {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("remove temp file failed", zap.Error(err), zap.String("path", path))
			}
		}
	}()

	lastPercent := 0
	err := func() error {
		if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
			return fmt.Errorf("temp dir: %w", err)
		}
		input, err := p.acquire(ctx, job)
		if input != "" {
			temps = append(temps, input)
		}
		if err != nil {
			return err
		}
		output := filepath.Join(p.tempDir, "transcode-"+job.ID+"-out.mp4")
		temps = append(temps, output)

		th := newThrottle(p.step, 0)
		onProgress := func(percent int) {
			v, ok := th.next(percent)
			if !ok {
				return
			}
			lastPercent = v
			p.report(ctx, queue.Progress{ObjectKey: job.ObjectKey, JobID: job.ID, State: queue.StateActive, Percent: v})
		}
		if err := p.encoder.Encode(ctx, input, output, onProgress); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		return p.store(ctx, job, output)
	}()

	elapsed := p.now().Sub(start)
	if err != nil {
		telemetry.TranscodeFailed.Inc()
		log.Error("transcode attempt failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return &AttemptError{Percent: lastPercent, Elapsed: elapsed, Err: err}
	}
	telemetry.TranscodeCompleted.Inc()
	telemetry.TranscodeDuration.Observe(elapsed.Seconds())
	p.report(ctx, queue.Progress{
		ObjectKey: job.ObjectKey, JobID: job.ID, State: queue.StateCompleted,
		Percent: 100, ElapsedMs: elapsed.Milliseconds(),
	})
	log.Info("transcode completed", zap.Duration("elapsed", elapsed))
	return nil
}

// acquire returns a local path to the source bytes. A producer-supplied path is
// used when it exists; otherwise the object is downloaded. The returned path is
// owned by the job and removed afterwards.
func (p *Processor) acquire(ctx context.Context, job *queue.TranscodeJob) (string, error) {
	if job.LocalSourcePath != "" {
		if info, err := os.Stat(job.LocalSourcePath); err == nil && info.Mode().IsRegular() {
			return job.LocalSourcePath, nil
		}
		p.logger.Debug("local source missing, downloading", zap.String("path", job.LocalSourcePath))
	}

	body, err := p.objects.Get(ctx, job.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer body.Close()

	f, err := os.CreateTemp(p.tempDir, "transcode-"+job.ID+"-src-*"+storage.ExtensionFor(job.ObjectKey))
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	path := f.Name()
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return path, fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close temp: %w", err)
	}
	return path, nil
}

// store overwrites the original key, keeping its metadata and tagging it optimized.
// Without the existing metadata the original is left in place.
func (p *Processor) store(ctx context.Context, job *queue.TranscodeJob, output string) error {
	metadata, err := p.objects.Head(ctx, job.ObjectKey)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	merged := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		merged[k] = v
	}
	merged[storage.MetaOptimized] = "true"
	merged[storage.MetaOptimizedAt] = p.now().UTC().Format(time.RFC3339)

	f, err := os.Open(output)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if err := p.objects.Put(ctx, job.ObjectKey, outputContentType, f, info.Size(), merged); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func (p *Processor) report(ctx context.Context, pr queue.Progress) {
	if p.progress == nil {
		return
	}
	pr.UpdatedAt = p.now().UTC()
	if err := p.progress.SetProgress(ctx, pr); err != nil {
		p.logger.Warn("publish progress failed", zap.Error(err), zap.String("object_key", pr.ObjectKey))
	}
}
