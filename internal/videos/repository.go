package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipvault/backend/internal/models"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles video and segment persistence.
type Repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// InTx runs fn inside one transaction: commit when fn returns nil, rollback otherwise.
// Calls on a repository that is already bound to a transaction reuse it.
func (r *Repository) InTx(ctx context.Context, fn func(Store) error) error {
	if r.pool == nil {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&Repository{db: tx})
	})
}

const videoColumns = `id, owner_id, file_key, title, description, duration_seconds, status, file_stored, created_at, updated_at`

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	var status string
	err := row.Scan(&v.ID, &v.OwnerID, &v.FileKey, &v.Title, &v.Description, &v.DurationSeconds, &status, &v.FileStored, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = models.VideoStatus(status)
	return &v, nil
}

// CreateVideo inserts a new video. ID, owner, key, title, description and status come from v.
func (r *Repository) CreateVideo(ctx context.Context, v *models.Video) error {
	const q = `INSERT INTO videos (id, owner_id, file_key, title, description, duration_seconds, status, file_stored)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, q, v.ID, v.OwnerID, v.FileKey, v.Title, v.Description, v.DurationSeconds, string(v.Status), v.FileStored).
		Scan(&v.CreatedAt, &v.UpdatedAt)
}

// GetVideo returns a video by ID. A non-nil owner restricts the lookup to that owner's videos.
func (r *Repository) GetVideo(ctx context.Context, id uuid.UUID, owner *uuid.UUID) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 AND ($2::uuid IS NULL OR owner_id = $2)`
	v, err := scanVideo(r.db.QueryRow(ctx, q, id, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// UpdateVideo writes title, description, duration, status and file_stored, provided the stored status is still expected.
// It returns ErrConflict when the status moved underneath the caller.
func (r *Repository) UpdateVideo(ctx context.Context, v *models.Video, expected models.VideoStatus) error {
	const q = `UPDATE videos SET title = $2, description = $3, duration_seconds = $4, status = $5, file_stored = $7, updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING updated_at`
	err := r.db.QueryRow(ctx, q, v.ID, v.Title, v.Description, v.DurationSeconds, string(v.Status), string(expected), v.FileStored).Scan(&v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missingOrConflict(ctx, v.ID)
	}
	return err
}

// SetStatus sets the status unconditionally.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error {
	const q = `UPDATE videos SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StartSplit moves the video to Processing under run, only if its current status is one of from.
func (r *Repository) StartSplit(ctx context.Context, id uuid.UUID, owner *uuid.UUID, from []models.VideoStatus, run uuid.UUID) (*models.Video, error) {
	const q = `UPDATE videos SET status = 'Processing', split_run = $3, updated_at = NOW()
		WHERE id = $1 AND ($2::uuid IS NULL OR owner_id = $2) AND status = ANY($4)
		RETURNING ` + videoColumns
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	v, err := scanVideo(r.db.QueryRow(ctx, q, id, owner, run, allowed))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.GetVideo(ctx, id, owner); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	return v, err
}

// FinishSplit moves a Processing video owned by run to status and releases the run.
// It returns ErrConflict when another run took over or the sweeper failed the video.
// Inside a transaction the row stays locked until commit, so concurrent finishers serialize.
func (r *Repository) FinishSplit(ctx context.Context, id, run uuid.UUID, status models.VideoStatus) error {
	const q = `UPDATE videos SET status = $3, split_run = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'Processing' AND split_run = $2`
	tag, err := r.db.Exec(ctx, q, id, run, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *Repository) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	if _, err := r.GetVideo(ctx, id, nil); err != nil {
		return err
	}
	return ErrConflict
}

// DeleteVideo removes the video row. Segment rows must be deleted first.
// Videos owned by an upload or a split are refused with ErrConflict.
func (r *Repository) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM videos WHERE id = $1 AND status NOT IN ('Uploading', 'Processing')`
	tag, err := r.db.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// ListVideos returns one page of videos matching q and the total number of matches.
func (r *Repository) ListVideos(ctx context.Context, q ListQuery) ([]models.Video, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.OwnerID != nil {
		where = append(where, "owner_id = "+arg(*q.OwnerID))
	}
	if q.Search != "" {
		where = append(where, `title ILIKE `+arg("%"+escapeLike(q.Search)+"%")+` ESCAPE '\'`)
	}
	if q.Status != nil {
		where = append(where, "status = "+arg(string(*q.Status)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM videos`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sel := `SELECT ` + videoColumns + ` FROM videos` + cond +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(q.Size) + ` OFFSET ` + arg(q.Offset())
	rows, err := r.db.Query(ctx, sel, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := make([]models.Video, 0, q.Size)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *v)
	}
	return list, total, rows.Err()
}

// escapeLike escapes the ILIKE metacharacters so search text matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// CreateSegment inserts a segment row.
func (r *Repository) CreateSegment(ctx context.Context, s *models.Segment) error {
	const q = `INSERT INTO video_segments (id, video_id, position, start_seconds, end_seconds, segment_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	return r.db.QueryRow(ctx, q, s.ID, s.VideoID, s.Position, s.Start, s.End, s.SegmentKey).Scan(&s.CreatedAt)
}

// DeleteSegmentsByVideo removes every segment row of a video.
func (r *Repository) DeleteSegmentsByVideo(ctx context.Context, videoID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM video_segments WHERE video_id = $1`, videoID)
	return err
}

// ListSegmentsByVideo returns the segments of a video in split request order.
func (r *Repository) ListSegmentsByVideo(ctx context.Context, videoID uuid.UUID) ([]models.Segment, error) {
	const q = `SELECT id, video_id, position, start_seconds, end_seconds, segment_key, created_at
		FROM video_segments WHERE video_id = $1 ORDER BY position, start_seconds`
	rows, err := r.db.Query(ctx, q, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Segment{}
	for rows.Next() {
		var s models.Segment
		if err := rows.Scan(&s.ID, &s.VideoID, &s.Position, &s.Start, &s.End, &s.SegmentKey, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// GetSegment returns one segment, scoped through its video's owner.
func (r *Repository) GetSegment(ctx context.Context, id uuid.UUID, owner *uuid.UUID) (*models.Segment, error) {
	const q = `SELECT s.id, s.video_id, s.position, s.start_seconds, s.end_seconds, s.segment_key, s.created_at
		FROM video_segments s JOIN videos v ON v.id = s.video_id
		WHERE s.id = $1 AND ($2::uuid IS NULL OR v.owner_id = $2)`
	var s models.Segment
	err := r.db.QueryRow(ctx, q, id, owner).Scan(&s.ID, &s.VideoID, &s.Position, &s.Start, &s.End, &s.SegmentKey, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FailStale marks videos stuck in Uploading or Processing since before `before` as Failed and returns their IDs.
func (r *Repository) FailStale(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	const q = `UPDATE videos SET status = 'Failed', split_run = NULL, updated_at = NOW()
		WHERE status IN ('Uploading', 'Processing') AND updated_at < $1
		RETURNING id`
	rows, err := r.db.Query(ctx, q, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
