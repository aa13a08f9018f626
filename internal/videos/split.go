package videos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clipvault/backend/internal/models"
	"github.com/clipvault/backend/pkg/storage"
)

// Range is a half-open time range [Start, End) in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// splittable are the statuses a split may start from.
var splittable = []models.VideoStatus{
	models.VideoStatusDraft,
	models.VideoStatusReady,
	models.VideoStatusFailed,
}

func (s *Service) validateRanges(ranges []Range) error {
	if len(ranges) == 0 {
		return invalid("segments", "at least one segment is required")
	}
	if s.opts.MaxSegments > 0 && len(ranges) > s.opts.MaxSegments {
		return invalid("segments", "at most %d segments per split", s.opts.MaxSegments)
	}
	for i, r := range ranges {
		field := fmt.Sprintf("segments[%d]", i)
		if !finite(r.Start) || !finite(r.End) {
			return invalid(field, "start and end must be finite numbers")
		}
		if r.Start < 0 {
			return invalid(field, "start must be >= 0")
		}
		if r.End <= r.Start {
			return invalid(field, "end must be greater than start")
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Split cuts the video into the given ranges and replaces its segment set as a unit.
// It returns signed URLs of the new segments in input order.
func (s *Service) Split(ctx context.Context, owner *uuid.UUID, id uuid.UUID, ranges []Range) ([]string, error) {
	if err := s.validateRanges(ranges); err != nil {
		return nil, err
	}
	v, err := s.store.GetVideo(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if v.DurationSeconds != nil {
		for i, r := range ranges {
			if r.Start >= *v.DurationSeconds {
				return nil, invalid(fmt.Sprintf("segments[%d]", i), "start is beyond the video duration (%.3fs)", *v.DurationSeconds)
			}
		}
	}
	if v.Status.InFlight() {
		s.metrics.SplitFinished("conflict", 0)
		return nil, fmt.Errorf("%w: video is %s", ErrConflict, v.Status)
	}
	run := uuid.New()
	v, err = s.store.StartSplit(ctx, id, owner, splittable, run)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.SplitFinished("conflict", 0)
		}
		return nil, err
	}
	s.notifyStatus(v)
	log := s.logger.With(zap.String("video_id", v.ID.String()), zap.Int("segments", len(ranges)))
	log.Info("split started")

	segs, err := s.runSplit(ctx, v, run, ranges)
	if errors.Is(err, ErrConflict) {
		log.Warn("split superseded, results discarded", zap.Error(err))
		s.metrics.SplitFinished("conflict", 0)
		return nil, err
	}
	if err != nil {
		log.Error("split failed", zap.Error(err))
		s.failSplit(ctx, v, run)
		s.metrics.SplitFinished("failed", 0)
		return nil, err
	}
	v.Status = models.VideoStatusReady
	s.notifyStatus(v)
	s.metrics.SplitFinished("ready", len(segs))
	log.Info("split finished")

	ttl := s.objects.PresignExpire()
	urls := make([]string, len(segs))
	for i, seg := range segs {
		if urls[i], err = s.objects.SignedURL(ctx, seg.SegmentKey, ttl); err != nil {
			return nil, fmt.Errorf("sign segment url: %w", err)
		}
	}
	return urls, nil
}

// runSplit fetches the source, extracts and uploads every range, then commits the new segment set.
// The commit only succeeds while run still owns the video; otherwise it returns ErrConflict.
// Objects uploaded by a run that does not commit are handed to removeObject.
func (s *Service) runSplit(ctx context.Context, v *models.Video, run uuid.UUID, ranges []Range) ([]models.Segment, error) {
	dir, err := os.MkdirTemp(s.opts.TempDir, "split-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "source")
	if err := s.fetchSource(ctx, v, src); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFetch, err)
	}

	segs := make([]models.Segment, len(ranges))
	uploaded := make([]string, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SplitConcurrency)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := filepath.Join(dir, fmt.Sprintf("%s_seg%d.mp4", uuid.NewString(), i))
			if err := s.extractor.Extract(gctx, src, r.Start, r.End-r.Start, out); err != nil {
				return fmt.Errorf("%w: range %d [%g, %g): %w", ErrExtraction, i, r.Start, r.End, err)
			}
			key := storage.SegmentKey(v.ID, i)
			if _, err := s.objects.PutFile(gctx, key, out, "video/mp4"); err != nil {
				return fmt.Errorf("%w: segment %d: %w", ErrStorage, i, err)
			}
			uploaded[i] = key
			_ = os.Remove(out)
			segs[i] = models.Segment{ID: uuid.New(), VideoID: v.ID, Position: i, Start: r.Start, End: r.End, SegmentKey: key}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.discard(ctx, v.ID, uploaded, "split_failed")
		return nil, err
	}

	var replaced []models.Segment
	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.FinishSplit(ctx, v.ID, run, models.VideoStatusReady); err != nil {
			return err
		}
		old, err := tx.ListSegmentsByVideo(ctx, v.ID)
		if err != nil {
			return err
		}
		if err := tx.DeleteSegmentsByVideo(ctx, v.ID); err != nil {
			return err
		}
		for i := range segs {
			if err := tx.CreateSegment(ctx, &segs[i]); err != nil {
				return err
			}
		}
		replaced = old
		return nil
	})
	if err != nil {
		s.discard(ctx, v.ID, uploaded, "split_failed")
		return nil, fmt.Errorf("commit segments: %w", err)
	}
	for _, seg := range replaced {
		s.removeObject(ctx, v.ID, seg.SegmentKey, "split_replaced")
	}
	return segs, nil
}

// failSplit persists Failed unless the run lost ownership of the video in the meantime.
func (s *Service) failSplit(ctx context.Context, v *models.Video, run uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()
	err := s.store.FinishSplit(ctx, v.ID, run, models.VideoStatusFailed)
	if errors.Is(err, ErrConflict) {
		s.logger.Warn("split no longer owns video, status left as is", zap.String("video_id", v.ID.String()))
		return
	}
	if err != nil {
		s.logger.Error("failed to persist Failed status", zap.String("video_id", v.ID.String()), zap.Error(err))
		return
	}
	v.Status = models.VideoStatusFailed
	s.notifyStatus(v)
}

func (s *Service) discard(ctx context.Context, videoID uuid.UUID, keys []string, reason string) {
	for _, key := range keys {
		if key != "" {
			s.removeObject(ctx, videoID, key, reason)
		}
	}
}

// fetchSource writes the primary asset to dst, by direct retrieval or through a signed URL.
func (s *Service) fetchSource(ctx context.Context, v *models.Video, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	var n int64
	switch s.opts.FetchMode {
	case FetchSignedURL:
		var url string
		url, err = s.objects.SignedURL(ctx, v.FileKey, s.objects.PresignExpire())
		if err == nil {
			n, err = fetchURL(ctx, s.opts.HTTPClient, url, f)
		}
	default:
		n, err = s.objects.Download(ctx, v.FileKey, f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("source object is empty")
	}
	return nil
}
