package videos

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipvault/backend/internal/middleware"
	"github.com/clipvault/backend/pkg/response"
)

// SplitRequest is the body for POST /videos/:id/split.
type SplitRequest struct {
	Segments []Range `json:"segments"`
}

// Handler handles video HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// multipartSlack covers form fields and part headers on top of the file itself.
const multipartSlack = 1 << 20

// Create handles POST /videos (multipart: title, description, file).
func (h *Handler) Create(c *gin.Context) {
	if limit := h.svc.opts.MaxUploadBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartSlack)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RequestTooLarge(c, "upload exceeds the size limit")
			return
		}
		response.UnprocessableEntity(c, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.UnprocessableEntity(c, "cannot read file")
		return
	}
	defer f.Close()

	in := CreateInput{
		OwnerID:     middleware.Owner(c),
		Title:       c.PostForm("title"),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}
	if d, ok := c.GetPostForm("description"); ok {
		in.Description = &d
	}
	v, err := h.svc.Create(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "upload failed")
		return
	}
	response.OK(c, v)
}

// List handles GET /videos?page&size&search&status.
func (h *Handler) List(c *gin.Context) {
	page, err := intQuery(c, "page", DefaultPage)
	if err != nil {
		response.UnprocessableEntity(c, "page must be an integer")
		return
	}
	size, err := intQuery(c, "size", DefaultSize)
	if err != nil {
		response.UnprocessableEntity(c, "size must be an integer")
		return
	}
	q, err := NewListQuery(middleware.Owner(c), page, size, c.Query("search"), c.Query("status"))
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	p, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err, "failed to list videos")
		return
	}
	response.OK(c, p)
}

// Get handles GET /videos/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	d, err := h.svc.Get(c.Request.Context(), middleware.Owner(c), id)
	if err != nil {
		h.writeError(c, err, "failed to load video")
		return
	}
	response.OK(c, d)
}

// Update handles PATCH /videos/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		response.UnprocessableEntity(c, "invalid request: body must be a JSON object")
		return
	}
	u, err := ParseUpdate(raw)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	v, err := h.svc.Update(c.Request.Context(), middleware.Owner(c), id, u)
	if err != nil {
		h.writeError(c, err, "failed to update video")
		return
	}
	response.OK(c, v)
}

// Split handles POST /videos/:id/split.
func (h *Handler) Split(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	var req SplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.UnprocessableEntity(c, "invalid request: "+err.Error())
		return
	}
	urls, err := h.svc.Split(c.Request.Context(), middleware.Owner(c), id, req.Segments)
	if err != nil {
		h.writeError(c, err, "split failed")
		return
	}
	response.OK(c, gin.H{"segment_urls": urls})
}

// Delete handles DELETE /videos/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), middleware.Owner(c), id); err != nil {
		h.writeError(c, err, "failed to delete video")
		return
	}
	response.NoContent(c)
}

// SegmentURL handles GET /media/segments/:id. With ?redirect=1 it answers 307 to the signed URL.
func (h *Handler) SegmentURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "segment not found")
		return
	}
	url, ttl, err := h.svc.SegmentURL(c.Request.Context(), middleware.Owner(c), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "segment not found")
		return
	}
	if err != nil {
		h.writeError(c, err, "failed to sign segment url")
		return
	}
	if redirect, _ := strconv.ParseBool(c.Query("redirect")); redirect {
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in": int(ttl.Seconds())})
}

// videoID parses :id; an id that cannot exist is reported as not found.
func (h *Handler) videoID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "video not found")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}

// writeError maps service errors to HTTP statuses. msg is the client message for unexpected errors.
func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		response.UnprocessableEntity(c, ve.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "video not found")
	case errors.Is(err, ErrConflict):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrUpstreamFetch):
		h.logger.Warn("upstream fetch failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.BadGateway(c, err.Error())
	case errors.Is(err, ErrExtraction), errors.Is(err, ErrStorage):
		h.logger.Error("video pipeline failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, err.Error())
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		if msg == "" {
			msg = "internal error"
		}
		response.Internal(c, msg)
	}
}
