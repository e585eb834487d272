package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueTranscode is the Redis list key for pending transcode jobs.
	QueueTranscode = "transcode:jobs"
	// QueueFailed keeps the most recent terminally failed jobs for operators.
	QueueFailed = "transcode:failed"
	// FailedKeep bounds the failed list.
	FailedKeep = 1000
	// DefaultPollTimeout is how long Dequeue blocks before returning an empty result.
	DefaultPollTimeout = 5 * time.Second
)

// TranscodeJob is one attempt to re-encode a video object. It is identified by
// ObjectKey; ID only distinguishes enqueues for logging.
type TranscodeJob struct {
	ID              string    `json:"id"`
	ObjectKey       string    `json:"object_key"`
	UploadID        string    `json:"upload_id,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	LocalSourcePath string    `json:"local_source_path,omitempty"`
	Attempt         int       `json:"attempt"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// FailedJob is an entry in the failed list.
type FailedJob struct {
	Job      TranscodeJob `json:"job"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
}

// Queue enqueues and dequeues transcode jobs via Redis.
type Queue struct {
	client      *redis.Client
	maxAttempts int
	logger      *zap.Logger
}

// NewQueue creates a Redis-backed transcode queue. maxAttempts < 1 is treated as 1 (no retry).
func NewQueue(client *redis.Client, maxAttempts int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{client: client, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue appends a transcode job and marks its progress as enqueued.
func (q *Queue) Enqueue(ctx context.Context, job TranscodeJob) error {
	if job.ObjectKey == "" {
		return errors.New("enqueue: object key required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueTranscode, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	if err := q.SetProgress(ctx, Progress{ObjectKey: job.ObjectKey, JobID: job.ID, State: StateEnqueued}); err != nil {
		q.logger.Warn("record enqueued progress failed", zap.Error(err), zap.String("object_key", job.ObjectKey))
	}
	q.logger.Debug("enqueued transcode job", zap.String("job_id", job.ID), zap.String("object_key", job.ObjectKey))
	return nil
}

// Dequeue blocks up to timeout for a job. It returns nil, nil when none arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*TranscodeJob, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	result, err := q.client.BLPop(ctx, timeout, QueueTranscode).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job TranscodeJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a failed attempt while attempts remain; otherwise it records the job
// as failed. It reports whether the job was re-enqueued.
func (q *Queue) Retry(ctx context.Context, job *TranscodeJob, cause error) (bool, error) {
	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		return false, q.Fail(ctx, job, cause)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := q.client.RPush(ctx, QueueTranscode, raw).Err(); err != nil {
		return false, err
	}
	q.logger.Info("transcode job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return true, nil
}

// Fail pushes the job onto the failed list, trimming it to FailedKeep entries.
func (q *Queue) Fail(ctx context.Context, job *TranscodeJob, cause error) error {
	entry := FailedJob{Job: *job, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, QueueFailed, raw)
	pipe.LTrim(ctx, QueueFailed, 0, FailedKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed-list push failed", zap.Error(err), zap.String("job_id", job.ID))
		return err
	}
	q.logger.Warn("transcode job failed", zap.String("job_id", job.ID), zap.String("object_key", job.ObjectKey), zap.String("error", entry.Error))
	return nil
}

// Failed returns up to n of the most recently failed jobs, newest first.
func (q *Queue) Failed(ctx context.Context, n int64) ([]FailedJob, error) {
	if n <= 0 {
		n = 50
	}
	raws, err := q.client.LRange(ctx, QueueFailed, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(raws))
	for _, raw := range raws {
		var f FailedJob
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Depth returns the number of jobs waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueTranscode).Result()
}
