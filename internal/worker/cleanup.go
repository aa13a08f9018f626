package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipvault/backend/internal/metrics"
	"github.com/clipvault/backend/pkg/queue"
	"github.com/clipvault/backend/pkg/storage"
)

// ObjectDeleter removes one object. storage.S3 implements it.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// ObjectCleaner processes object delete jobs that the API could not finish inline.
type ObjectCleaner struct {
	objects ObjectDeleter
	queue   *queue.Queue
	metrics *metrics.Metrics
	backoff time.Duration
	logger  *zap.Logger
}

// NewObjectCleaner creates a cleanup job processor.
func NewObjectCleaner(objects ObjectDeleter, q *queue.Queue, m *metrics.Metrics, logger *zap.Logger) *ObjectCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectCleaner{objects: objects, queue: q, metrics: m, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one cleanup job. An object that is already gone counts as done.
func (p *ObjectCleaner) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeObjectDelete {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ObjectDeletePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.Key == "" {
		return errors.New("job has no object key")
	}

	err := p.objects.Delete(ctx, payload.Key)
	switch {
	case err == nil:
		p.metrics.CleanupFinished("deleted")
	case errors.Is(err, storage.ErrObjectNotFound):
		p.metrics.CleanupFinished("missing")
	default:
		p.metrics.CleanupFinished("error")
		return fmt.Errorf("delete %s: %w", payload.Key, err)
	}
	p.logger.Info("object cleaned up",
		zap.String("key", payload.Key),
		zap.String("video_id", payload.VideoID.String()),
		zap.String("reason", payload.Reason),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// RunOnce dequeues and processes at most one job. It reports whether a job was handled.
func (p *ObjectCleaner) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	if err := p.Process(ctx, job); err != nil {
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
		if reErr := p.queue.Retry(ctx, job); reErr != nil {
			p.logger.Error("retry enqueue failed", zap.Error(reErr))
		}
		return true, err
	}
	return true, nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ObjectCleaner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("cleanup worker stopping")
			return
		}
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("cleanup step failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(p.backoff):
			}
		}
	}
}
