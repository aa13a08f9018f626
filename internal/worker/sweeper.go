package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clipvault/backend/internal/metrics"
	"github.com/clipvault/backend/internal/models"
	"github.com/clipvault/backend/internal/videos"
)

// StaleFailer moves long-stuck in-flight videos to Failed. videos.Repository implements it.
type StaleFailer interface {
	FailStale(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

// Sweeper fails videos left in Uploading or Processing by a crashed request.
type Sweeper struct {
	store      StaleFailer
	staleAfter time.Duration
	notifier   videos.Notifier
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *zap.Logger
}

// NewSweeper creates a sweeper. notifier may be nil.
func NewSweeper(store StaleFailer, staleAfter time.Duration, notifier videos.Notifier, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, staleAfter: staleAfter, notifier: notifier, metrics: m, now: time.Now, logger: logger}
}

// Sweep runs one pass and returns the number of videos failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().Add(-s.staleAfter)
	ids, err := s.store.FailStale(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("fail stale videos: %w", err)
	}
	for _, id := range ids {
		s.logger.Warn("stale video marked failed", zap.String("video_id", id.String()), zap.Time("before", before))
		if s.notifier != nil {
			s.notifier.Publish(id, videos.EventStatus, videos.StatusEvent{ID: id, Status: models.VideoStatusFailed})
		}
	}
	s.metrics.StaleFailed(len(ids))
	return len(ids), nil
}

// Schedule registers the sweep on c using a standard cron spec (e.g. "@every 5m").
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := s.Sweep(runCtx); err != nil {
			s.logger.Error("stale sweep failed", zap.Error(err))
		}
	})
}
