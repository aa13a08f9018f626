package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvault/backend/internal/metrics"
	"github.com/clipvault/backend/internal/videos"
	"github.com/clipvault/backend/pkg/queue"
	"github.com/clipvault/backend/pkg/storage"
)

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (d *fakeDeleter) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, key)
	return nil
}

func newQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewQueue(rdb, nil), mr
}

func TestObjectCleanerDeletes(t *testing.T) {
	q, _ := newQueue(t)
	del := &fakeDeleter{}
	cleaner := NewObjectCleaner(del, q, metrics.New(), nil)
	ctx := context.Background()

	require.NoError(t, q.EnqueueObjectDelete(ctx, queue.ObjectDeletePayload{Key: "segments/a/b_seg0.mp4", VideoID: uuid.New(), Reason: "split_failed"}))
	handled, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"segments/a/b_seg0.mp4"}, del.deleted)

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestObjectCleanerMissingObjectIsDone(t *testing.T) {
	q, _ := newQueue(t)
	cleaner := NewObjectCleaner(&fakeDeleter{err: storage.ErrObjectNotFound}, q, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.EnqueueObjectDelete(ctx, queue.ObjectDeletePayload{Key: "videos/x_demo.mp4"}))
	handled, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	n, _ := q.Pending(ctx)
	assert.Zero(t, n)
}

func TestObjectCleanerRetriesThenDeadLetters(t *testing.T) {
	q, mr := newQueue(t)
	cleaner := NewObjectCleaner(&fakeDeleter{err: errors.New("503 slow down")}, q, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.EnqueueObjectDelete(ctx, queue.ObjectDeletePayload{Key: "videos/x_demo.mp4"}))
	for i := 0; i < queue.MaxRetries; i++ {
		handled, err := cleaner.RunOnce(ctx)
		require.Error(t, err)
		assert.True(t, handled)
	}
	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	dlq, err := mr.List(queue.QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
}

func TestObjectCleanerRejectsUnknownJob(t *testing.T) {
	cleaner := NewObjectCleaner(&fakeDeleter{}, nil, nil, nil)
	err := cleaner.Process(context.Background(), &queue.Job{Type: "transcode"})
	assert.Error(t, err)
}

func TestObjectCleanerRunStopsOnCancel(t *testing.T) {
	q, _ := newQueue(t)
	cleaner := NewObjectCleaner(&fakeDeleter{}, q, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeStale struct {
	before time.Time
	ids    []uuid.UUID
}

func (f *fakeStale) FailStale(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	f.before = before
	return f.ids, nil
}

type notified struct {
	mu     sync.Mutex
	events []videos.StatusEvent
}

func (n *notified) Publish(_ uuid.UUID, _ string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, payload.(videos.StatusEvent))
}

func TestSweeper(t *testing.T) {
	store := &fakeStale{ids: []uuid.UUID{uuid.New(), uuid.New()}}
	n := &notified{}
	s := NewSweeper(store, 2*time.Hour, n, metrics.New(), nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	count, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, now.Add(-2*time.Hour), store.before)
	require.Len(t, n.events, 2)
	assert.Equal(t, "Failed", string(n.events[0].Status))
}

func TestSweeperSchedule(t *testing.T) {
	s := NewSweeper(&fakeStale{}, time.Hour, nil, nil, nil)
	c := cron.New()
	_, err := s.Schedule(context.Background(), c, "@every 5m")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = s.Schedule(context.Background(), c, "not a schedule")
	assert.Error(t, err)
}
