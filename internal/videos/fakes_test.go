package videos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipvault/backend/internal/models"
	"github.com/clipvault/backend/pkg/queue"
	"github.com/clipvault/backend/pkg/storage"
)

// memStore is an in-memory Store. InTx restores a snapshot when fn fails.
type memStore struct {
	mu       sync.Mutex
	videos   map[uuid.UUID]models.Video
	segments map[uuid.UUID]models.Segment
	runs     map[uuid.UUID]uuid.UUID
	clock    time.Time
	calls    int

	createSegmentErr error
}

func newMemStore() *memStore {
	return &memStore{
		videos:   map[uuid.UUID]models.Video{},
		segments: map[uuid.UUID]models.Segment{},
		runs:     map[uuid.UUID]uuid.UUID{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) touch() time.Time {
	s.calls++
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memStore) InTx(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	videos := make(map[uuid.UUID]models.Video, len(s.videos))
	for k, v := range s.videos {
		videos[k] = v
	}
	segments := make(map[uuid.UUID]models.Segment, len(s.segments))
	for k, v := range s.segments {
		segments[k] = v
	}
	runs := make(map[uuid.UUID]uuid.UUID, len(s.runs))
	for k, v := range s.runs {
		runs[k] = v
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.videos, s.segments, s.runs = videos, segments, runs
		s.mu.Unlock()
		return err
	}
	return nil
}

func visible(v models.Video, owner *uuid.UUID) bool {
	return owner == nil || (v.OwnerID != nil && *v.OwnerID == *owner)
}

func (s *memStore) CreateVideo(_ context.Context, v *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.touch()
	for _, other := range s.videos {
		if other.FileKey == v.FileKey {
			return errors.New("duplicate file_key")
		}
	}
	v.CreatedAt, v.UpdatedAt = now, now
	s.videos[v.ID] = *v
	return nil
}

func (s *memStore) GetVideo(_ context.Context, id uuid.UUID, owner *uuid.UUID) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	v, ok := s.videos[id]
	if !ok || !visible(v, owner) {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *memStore) UpdateVideo(_ context.Context, v *models.Video, expected models.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.videos[v.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	v.UpdatedAt = s.touch()
	v.CreatedAt = cur.CreatedAt
	s.videos[v.ID] = *v
	return nil
}

func (s *memStore) SetStatus(_ context.Context, id uuid.UUID, status models.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return ErrNotFound
	}
	v.Status = status
	v.UpdatedAt = s.touch()
	s.videos[id] = v
	return nil
}

func (s *memStore) StartSplit(_ context.Context, id uuid.UUID, owner *uuid.UUID, from []models.VideoStatus, run uuid.UUID) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok || !visible(v, owner) {
		return nil, ErrNotFound
	}
	for _, st := range from {
		if v.Status == st {
			v.Status = models.VideoStatusProcessing
			v.UpdatedAt = s.touch()
			s.videos[id] = v
			s.runs[id] = run
			return &v, nil
		}
	}
	return nil, ErrConflict
}

func (s *memStore) FinishSplit(_ context.Context, id, run uuid.UUID, status models.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status != models.VideoStatusProcessing || s.runs[id] != run {
		return ErrConflict
	}
	v.Status = status
	v.UpdatedAt = s.touch()
	s.videos[id] = v
	delete(s.runs, id)
	return nil
}

func (s *memStore) DeleteVideo(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	v, ok := s.videos[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status.InFlight() {
		return ErrConflict
	}
	for _, seg := range s.segments {
		if seg.VideoID == id {
			return errors.New("foreign key violation: segments still reference video")
		}
	}
	delete(s.videos, id)
	return nil
}

func (s *memStore) ListVideos(_ context.Context, q ListQuery) ([]models.Video, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var all []models.Video
	for _, v := range s.videos {
		if q.OwnerID != nil && !visible(v, q.OwnerID) {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(v.Title), strings.ToLower(q.Search)) {
			continue
		}
		if q.Status != nil && v.Status != *q.Status {
			continue
		}
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})
	total := len(all)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.Size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *memStore) CreateSegment(_ context.Context, seg *models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createSegmentErr != nil {
		return s.createSegmentErr
	}
	if _, ok := s.videos[seg.VideoID]; !ok {
		return errors.New("foreign key violation: video missing")
	}
	seg.CreatedAt = s.touch()
	s.segments[seg.ID] = *seg
	return nil
}

func (s *memStore) DeleteSegmentsByVideo(_ context.Context, videoID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for id, seg := range s.segments {
		if seg.VideoID == videoID {
			delete(s.segments, id)
		}
	}
	return nil
}

func (s *memStore) ListSegmentsByVideo(_ context.Context, videoID uuid.UUID) ([]models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	list := []models.Segment{}
	for _, seg := range s.segments {
		if seg.VideoID == videoID {
			list = append(list, seg)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position != list[j].Position {
			return list[i].Position < list[j].Position
		}
		return list[i].Start < list[j].Start
	})
	return list, nil
}

func (s *memStore) GetSegment(_ context.Context, id uuid.UUID, owner *uuid.UUID) (*models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if v, ok := s.videos[seg.VideoID]; !ok || !visible(v, owner) {
		return nil, ErrNotFound
	}
	return &seg, nil
}

func (s *memStore) FailStale(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, v := range s.videos {
		if v.Status.InFlight() && v.UpdatedAt.Before(before) {
			v.Status = models.VideoStatusFailed
			v.UpdatedAt = s.touch()
			s.videos[id] = v
			delete(s.runs, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) video(id uuid.UUID) models.Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videos[id]
}

func (s *memStore) segmentsOf(id uuid.UUID) []models.Segment {
	list, _ := s.ListSegmentsByVideo(context.Background(), id)
	return list
}

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string

	putErr      func(key string) error
	downloadErr error
	deleteErr   error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, baseURL: "https://signed.test"}
}

func (o *memObjects) PutFile(_ context.Context, key, localPath, _ string) (string, error) {
	if o.putErr != nil {
		if err := o.putErr(key); err != nil {
			return "", err
		}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return key, nil
}

func (o *memObjects) Download(_ context.Context, key string, w io.Writer) (int64, error) {
	if o.downloadErr != nil {
		return 0, o.downloadErr
	}
	o.mu.Lock()
	data, ok := o.objects[key]
	o.mu.Unlock()
	if !ok {
		return 0, storage.ErrObjectNotFound
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (o *memObjects) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return o.baseURL + "/" + key, nil
}

func (o *memObjects) Delete(_ context.Context, key string) error {
	if o.deleteErr != nil {
		return o.deleteErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(o.objects, key)
	return nil
}

func (o *memObjects) PresignExpire() time.Duration { return time.Hour }

func (o *memObjects) has(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[key]
	return ok
}

func (o *memObjects) keysWithPrefix(prefix string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys []string
	for k := range o.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

type fakeProber struct {
	duration float64
	err      error
}

func (p fakeProber) Probe(context.Context, string) (float64, error) { return p.duration, p.err }

// fakeExtractor writes a small marker file; fail decides per range start.
type fakeExtractor struct {
	fail func(start float64) error
}

func (e fakeExtractor) Extract(_ context.Context, src string, start, duration float64, out string) error {
	if e.fail != nil {
		if err := e.fail(start); err != nil {
			return err
		}
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("clip %g+%g", start, duration)), 0o600)
}

type fakeCleaner struct {
	mu   sync.Mutex
	jobs []queue.ObjectDeletePayload
}

func (c *fakeCleaner) EnqueueObjectDelete(_ context.Context, p queue.ObjectDeletePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, p)
	return nil
}

type recordedEvent struct {
	videoID uuid.UUID
	event   string
	payload interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *fakeNotifier) Publish(videoID uuid.UUID, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{videoID, event, payload})
}

func (n *fakeNotifier) statuses(videoID uuid.UUID) []models.VideoStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.VideoStatus
	for _, e := range n.events {
		if se, ok := e.payload.(StatusEvent); ok && e.videoID == videoID {
			out = append(out, se.Status)
		}
	}
	return out
}
