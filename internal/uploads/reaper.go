package uploads

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hearth-family/backend/internal/telemetry"
)

const (
	// DefaultReaperTTL is how long a pending upload may wait for confirmation.
	DefaultReaperTTL = time.Hour
	// DefaultReaperBatch bounds how many records one sweep handles.
	DefaultReaperBatch = 500
)

// SweepResult reports one reaper pass. Skipped counts records that left pending
// before they could be claimed; Cleaned+Skipped < Processed means some records or
// objects could not be reclaimed.
type SweepResult struct {
	Processed int `json:"processed"`
	Cleaned   int `json:"cleaned"`
	Skipped   int `json:"skipped"`
}

// Reaper reclaims uploads that stayed pending past their TTL.
type Reaper struct {
	store   Store
	objects ObjectStore
	ttl     time.Duration
	batch   int
	now     func() time.Time
	logger  *zap.Logger
}

// NewReaper creates a stale upload reaper.
func NewReaper(store Store, objects ObjectStore, ttl time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultReaperTTL
	}
	return &Reaper{store: store, objects: objects, ttl: ttl, batch: DefaultReaperBatch, now: time.Now, logger: logger}
}

// Sweep runs one pass. Each stale record is first claimed with a conditional
// pending -> deleted update, so a record confirmed concurrently keeps its object.
// Object deletion is best effort.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := r.now().Add(-r.ttl)
	stale, err := r.store.ListStalePending(ctx, cutoff, r.batch)
	if err != nil {
		return res, unavailable("list stale uploads", err)
	}
	for _, u := range stale {
		if ctx.Err() != nil {
			break
		}
		res.Processed++
		claimed, err := r.store.MarkDeleted(ctx, u.ID)
		if err != nil {
			r.logger.Warn("mark upload deleted failed", zap.Error(err), zap.String("upload_id", u.ID.String()))
			continue
		}
		if !claimed {
			res.Skipped++
			r.logger.Debug("upload left pending before reaping", zap.String("upload_id", u.ID.String()))
			continue
		}
		if err := r.objects.Delete(ctx, u.ObjectKey); err != nil {
			r.logger.Warn("delete stale object failed", zap.Error(err), zap.String("object_key", u.ObjectKey))
			continue
		}
		res.Cleaned++
	}
	telemetry.ReaperProcessed.Add(float64(res.Processed))
	telemetry.ReaperCleaned.Add(float64(res.Cleaned))
	if res.Processed > 0 {
		r.logger.Info("reaper sweep finished", zap.Int("processed", res.Processed), zap.Int("cleaned", res.Cleaned), zap.Int("skipped", res.Skipped))
	}
	return res, ctx.Err()
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping")
			return
		case <-ticker.C:
		}
	}
}
