package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	progressKeyPrefix   = "transcode:progress:"
	eventsChannelPrefix = "transcode:events:"
	progressTTL         = 24 * time.Hour
	publishTimeout      = 5 * time.Second
)

// State is the lifecycle of one job attempt.
type State string

const (
	StateEnqueued  State = "enqueued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Progress is the latest observable state of the transcode for one object key.
type Progress struct {
	ObjectKey string    `json:"object_key"`
	JobID     string    `json:"job_id"`
	State     State     `json:"state"`
	Percent   int       `json:"percent"`
	Error     string    `json:"error,omitempty"`
	ElapsedMs int64     `json:"elapsed_ms,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func progressKey(objectKey string) string { return progressKeyPrefix + objectKey }

func eventsChannel(objectKey string) string { return eventsChannelPrefix + objectKey }

// SetProgress stores p as the latest snapshot and publishes it to subscribers.
func (q *Queue) SetProgress(ctx context.Context, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	pipe := q.client.Pipeline()
	pipe.Set(ctx, progressKey(p.ObjectKey), body, progressTTL)
	pipe.Publish(ctx, eventsChannel(p.ObjectKey), body)
	_, err = pipe.Exec(ctx)
	return err
}

// GetProgress returns the latest snapshot, or nil if none was recorded.
func (q *Queue) GetProgress(ctx context.Context, objectKey string) (*Progress, error) {
	raw, err := q.client.Get(ctx, progressKey(objectKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}

// SubscribeProgress calls handler for every progress event of objectKey until the
// returned cancel function is called or ctx is done.
func (q *Queue) SubscribeProgress(ctx context.Context, objectKey string, handler func(Progress)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := q.client.Subscribe(ctx, eventsChannel(objectKey))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p Progress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p)
			}
		}
	}()
	return cancelCtx, nil
}
