package videos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipvault/backend/internal/metrics"
	"github.com/clipvault/backend/internal/models"
	"github.com/clipvault/backend/pkg/queue"
	"github.com/clipvault/backend/pkg/storage"
)

// Store is the metadata store used by the service. Repository implements it over PostgreSQL.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id uuid.UUID, owner *uuid.UUID) (*models.Video, error)
	UpdateVideo(ctx context.Context, v *models.Video, expected models.VideoStatus) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error
	StartSplit(ctx context.Context, id uuid.UUID, owner *uuid.UUID, from []models.VideoStatus, run uuid.UUID) (*models.Video, error)
	FinishSplit(ctx context.Context, id, run uuid.UUID, status models.VideoStatus) error
	DeleteVideo(ctx context.Context, id uuid.UUID) error
	ListVideos(ctx context.Context, q ListQuery) ([]models.Video, int, error)

	CreateSegment(ctx context.Context, s *models.Segment) error
	DeleteSegmentsByVideo(ctx context.Context, videoID uuid.UUID) error
	ListSegmentsByVideo(ctx context.Context, videoID uuid.UUID) ([]models.Segment, error)
	GetSegment(ctx context.Context, id uuid.UUID, owner *uuid.UUID) (*models.Segment, error)

	FailStale(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

// ObjectStore is the binary store. storage.S3 implements it.
type ObjectStore interface {
	PutFile(ctx context.Context, key, localPath, contentType string) (string, error)
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	PresignExpire() time.Duration
}

// Prober returns the duration in seconds of a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// Extractor writes [start, start+duration) of src into out.
type Extractor interface {
	Extract(ctx context.Context, src string, start, duration float64, out string) error
}

// Cleaner takes object deletions that failed inline and retries them later. queue.Queue implements it.
type Cleaner interface {
	EnqueueObjectDelete(ctx context.Context, payload queue.ObjectDeletePayload) error
}

// Notifier receives video events for the realtime status feed.
type Notifier interface {
	Publish(videoID uuid.UUID, event string, payload interface{})
}

// Event names sent to the Notifier.
const (
	EventStatus  = "status"
	EventDeleted = "deleted"
)

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	ID       uuid.UUID          `json:"id"`
	Status   models.VideoStatus `json:"status"`
	Duration *float64           `json:"duration"`
}

// Fetch modes for retrieving the primary asset before a split.
const (
	FetchDirect    = "direct"
	FetchSignedURL = "signed_url"
)

// Options tunes the service.
type Options struct {
	TempDir          string // empty = os.TempDir()
	FetchMode        string
	SplitConcurrency int
	MaxSegments      int
	MaxUploadBytes   int64 // 0 = unlimited
	HTTPClient       *http.Client
}

// detachedTimeout bounds writes that must land even if the request was cancelled.
const detachedTimeout = 15 * time.Second

// Service runs the video lifecycle: create, read, patch, split and delete.
type Service struct {
	store     Store
	objects   ObjectStore
	prober    Prober
	extractor Extractor
	cleaner   Cleaner
	notifier  Notifier
	metrics   *metrics.Metrics
	opts      Options
	logger    *zap.Logger
}

// NewService creates the lifecycle manager.
func NewService(store Store, objects ObjectStore, prober Prober, extractor Extractor, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FetchMode == "" {
		opts.FetchMode = FetchDirect
	}
	if opts.SplitConcurrency < 1 {
		opts.SplitConcurrency = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Service{store: store, objects: objects, prober: prober, extractor: extractor, opts: opts, logger: logger}
}

// SetCleaner sets the queue used for object deletions that fail inline.
func (s *Service) SetCleaner(c Cleaner) { s.cleaner = c }

// SetNotifier sets the realtime status feed.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetMetrics sets the Prometheus instruments.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// CreateInput is an upload request.
type CreateInput struct {
	OwnerID     *uuid.UUID
	Title       string
	Description *string
	Filename    string
	ContentType string
	Size        int64 // -1 when unknown
	Body        io.Reader
}

// Create stores a new video: row in Uploading, object upload, soft probe, then Draft.
// On storage failure the video is left in Failed and returned together with the error.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Video, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title", "title is required")
	}
	if in.Body == nil || in.Size == 0 {
		return nil, invalid("file", "file is required")
	}
	if s.opts.MaxUploadBytes > 0 && in.Size > s.opts.MaxUploadBytes {
		return nil, invalid("file", "file exceeds %d bytes", s.opts.MaxUploadBytes)
	}
	// Any file is accepted; ffprobe decides later whether it has a duration.
	contentType := in.ContentType
	if !storage.ValidateVideoFileType(contentType, "") {
		contentType = storage.ContentTypeForFilename(in.Filename)
	}

	v := &models.Video{
		ID:          uuid.New(),
		OwnerID:     in.OwnerID,
		FileKey:     storage.VideoKey(in.Filename),
		Title:       title,
		Description: normalizeDescription(in.Description),
		Status:      models.VideoStatusUploading,
	}
	if err := s.store.CreateVideo(ctx, v); err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	s.notifyStatus(v)

	local, err := s.spool(in.Body)
	if local != "" {
		defer os.Remove(local)
	}
	if err == nil {
		_, err = s.objects.PutFile(ctx, v.FileKey, local, contentType)
	}
	if err != nil {
		s.logger.Error("video upload failed", zap.String("video_id", v.ID.String()), zap.String("key", v.FileKey), zap.Error(err))
		s.fail(ctx, v)
		s.metrics.UploadFinished(string(models.VideoStatusFailed))
		return v, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if d, perr := s.prober.Probe(ctx, local); perr != nil {
		s.logger.Warn("probe failed, keeping video without duration", zap.String("video_id", v.ID.String()), zap.Error(perr))
		s.metrics.ProbeFailed()
	} else {
		v.DurationSeconds = &d
	}

	v.Status = models.VideoStatusDraft
	v.FileStored = true
	if err := s.store.UpdateVideo(ctx, v, models.VideoStatusUploading); err != nil {
		s.fail(ctx, v)
		return v, fmt.Errorf("finalize video: %w", err)
	}
	s.notifyStatus(v)
	s.metrics.UploadFinished(string(v.Status))
	s.logger.Info("video uploaded", zap.String("video_id", v.ID.String()), zap.String("key", v.FileKey))
	return v, nil
}

// spool copies the upload body to a random local temp file and returns its path.
func (s *Service) spool(body io.Reader) (string, error) {
	f, err := os.CreateTemp(s.opts.TempDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.CopyBuffer(f, body, make([]byte, storage.CopyChunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return f.Name(), fmt.Errorf("spool upload: %w", err)
	}
	if n == 0 {
		return f.Name(), errors.New("empty upload")
	}
	return f.Name(), nil
}

func normalizeDescription(d *string) *string {
	if d == nil || strings.TrimSpace(*d) == "" {
		return nil
	}
	out := *d
	return &out
}

// fail persists Failed with a context that survives request cancellation.
func (s *Service) fail(ctx context.Context, v *models.Video) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()
	v.Status = models.VideoStatusFailed
	if err := s.store.SetStatus(ctx, v.ID, models.VideoStatusFailed); err != nil {
		s.logger.Error("failed to persist Failed status", zap.String("video_id", v.ID.String()), zap.Error(err))
		return
	}
	s.notifyStatus(v)
}

func (s *Service) notifyStatus(v *models.Video) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(v.ID, EventStatus, StatusEvent{ID: v.ID, Status: v.Status, Duration: v.DurationSeconds})
}

// SegmentView is a segment with a pre-signed URL.
type SegmentView struct {
	models.Segment
	URL string `json:"segment_url"`
}

// VideoDetail is a video with its segments and pre-signed URLs.
type VideoDetail struct {
	models.Video
	VideoURL string        `json:"video_url,omitempty"`
	Segments []SegmentView `json:"segments"`
}

// Lookup returns the video visible to owner.
func (s *Service) Lookup(ctx context.Context, owner *uuid.UUID, id uuid.UUID) (*models.Video, error) {
	return s.store.GetVideo(ctx, id, owner)
}

// Get returns the video with segments ordered by start, each with a signed URL.
func (s *Service) Get(ctx context.Context, owner *uuid.UUID, id uuid.UUID) (*VideoDetail, error) {
	v, err := s.store.GetVideo(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	segs, err := s.store.ListSegmentsByVideo(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	ttl := s.objects.PresignExpire()
	d := &VideoDetail{Video: *v, Segments: make([]SegmentView, 0, len(segs))}
	if v.FileStored {
		if d.VideoURL, err = s.objects.SignedURL(ctx, v.FileKey, ttl); err != nil {
			return nil, fmt.Errorf("sign video url: %w", err)
		}
	}
	for _, seg := range segs {
		url, err := s.objects.SignedURL(ctx, seg.SegmentKey, ttl)
		if err != nil {
			return nil, fmt.Errorf("sign segment url: %w", err)
		}
		d.Segments = append(d.Segments, SegmentView{Segment: seg, URL: url})
	}
	return d, nil
}

// SegmentURL returns a signed URL for one segment and its lifetime.
func (s *Service) SegmentURL(ctx context.Context, owner *uuid.UUID, id uuid.UUID) (string, time.Duration, error) {
	seg, err := s.store.GetSegment(ctx, id, owner)
	if err != nil {
		return "", 0, err
	}
	ttl := s.objects.PresignExpire()
	url, err := s.objects.SignedURL(ctx, seg.SegmentKey, ttl)
	if err != nil {
		return "", 0, fmt.Errorf("sign segment url: %w", err)
	}
	return url, ttl, nil
}

// Pagination bounds.
const (
	DefaultPage = 1
	DefaultSize = 10
	MaxSize     = 100
)

// ListQuery is a validated list request.
type ListQuery struct {
	Page    int
	Size    int
	Search  string
	Status  *models.VideoStatus
	OwnerID *uuid.UUID
}

// Offset is the number of rows skipped before this page.
func (q ListQuery) Offset() int { return (q.Page - 1) * q.Size }

// Page is one page of videos.
type Page struct {
	Items []models.Video `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Pages int            `json:"pages"`
}

// NewListQuery validates paging and filters. status may be empty for no filter.
func NewListQuery(owner *uuid.UUID, page, size int, search, status string) (ListQuery, error) {
	q := ListQuery{Page: page, Size: size, Search: strings.TrimSpace(search), OwnerID: owner}
	if q.Page < 1 {
		return q, invalid("page", "must be >= 1")
	}
	if q.Size < 1 || q.Size > MaxSize {
		return q, invalid("size", "must be between 1 and %d", MaxSize)
	}
	if status != "" {
		st := models.VideoStatus(status)
		if !st.Valid() {
			return q, invalid("status", "unknown status %q", status)
		}
		q.Status = &st
	}
	return q, nil
}

// List returns one page of videos, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	if q.Page < 1 || q.Size < 1 || q.Size > MaxSize {
		return nil, invalid("page", "invalid paging")
	}
	items, total, err := s.store.ListVideos(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	if items == nil {
		items = []models.Video{}
	}
	return &Page{
		Items: items,
		Total: total,
		Page:  q.Page,
		Size:  q.Size,
		Pages: int(math.Ceil(float64(total) / float64(q.Size))),
	}, nil
}

// Update applies a partial update. Status changes are refused while a pipeline step owns the video.
func (s *Service) Update(ctx context.Context, owner *uuid.UUID, id uuid.UUID, u VideoUpdate) (*models.Video, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	v, err := s.store.GetVideo(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if u.Empty() {
		return v, nil
	}
	current := v.Status
	if u.Status != nil && *u.Status != current && current.InFlight() {
		return nil, fmt.Errorf("%w: video is %s", ErrConflict, current)
	}
	changed := ApplyUpdate(v, u)
	if err := s.store.UpdateVideo(ctx, v, current); err != nil {
		return nil, err
	}
	if changed {
		s.notifyStatus(v)
	}
	return v, nil
}

// Delete removes the video, its segments and their objects. Object deletes are best-effort.
// Videos an upload or split currently owns are refused with ErrConflict.
func (s *Service) Delete(ctx context.Context, owner *uuid.UUID, id uuid.UUID) error {
	v, err := s.store.GetVideo(ctx, id, owner)
	if err != nil {
		return err
	}
	if v.Status.InFlight() {
		return fmt.Errorf("%w: video is %s", ErrConflict, v.Status)
	}
	segs, err := s.store.ListSegmentsByVideo(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for _, seg := range segs {
		s.removeObject(ctx, v.ID, seg.SegmentKey, "video_deleted")
	}
	s.removeObject(ctx, v.ID, v.FileKey, "video_deleted")

	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.DeleteSegmentsByVideo(ctx, v.ID); err != nil {
			return err
		}
		return tx.DeleteVideo(ctx, v.ID)
	})
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if s.notifier != nil {
		s.notifier.Publish(v.ID, EventDeleted, map[string]uuid.UUID{"id": v.ID})
	}
	s.logger.Info("video deleted", zap.String("video_id", v.ID.String()), zap.Int("segments", len(segs)))
	return nil
}

// removeObject deletes one object; failures other than not-found are handed to the cleaner.
func (s *Service) removeObject(ctx context.Context, videoID uuid.UUID, key, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()
	err := s.objects.Delete(ctx, key)
	switch {
	case err == nil:
		s.metrics.CleanupFinished("deleted")
		return
	case errors.Is(err, storage.ErrObjectNotFound):
		s.metrics.CleanupFinished("missing")
		return
	}
	s.logger.Warn("object delete failed", zap.String("key", key), zap.String("video_id", videoID.String()), zap.Error(err))
	if s.cleaner == nil {
		s.metrics.CleanupFinished("error")
		return
	}
	payload := queue.ObjectDeletePayload{Key: key, VideoID: videoID, Reason: reason}
	if qerr := s.cleaner.EnqueueObjectDelete(ctx, payload); qerr != nil {
		s.logger.Error("enqueue object delete failed", zap.String("key", key), zap.Error(qerr))
		s.metrics.CleanupFinished("error")
		return
	}
	s.metrics.CleanupFinished("deferred")
}
