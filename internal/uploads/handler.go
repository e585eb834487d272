package uploads

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearth-family/backend/internal/middleware"
	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/response"
	"github.com/hearth-family/backend/pkg/storage"
)

// IssueUploadRequest is the body for POST /uploads.
type IssueUploadRequest struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Size        *int64 `json:"size"`
	MemoryID    *int64 `json:"memory_id"`
	PostID      *int64 `json:"post_id"`
}

// ConfirmUploadRequest is the body for POST /uploads/:id/confirm.
type ConfirmUploadRequest struct {
	ObjectKey string `json:"object_key"`
	MemoryID  *int64 `json:"memory_id"`
	PostID    *int64 `json:"post_id"`
}

// CancelUploadRequest is the body for POST /uploads/:id/cancel.
type CancelUploadRequest struct {
	ObjectKey string `json:"object_key"`
}

// ProgressSource reads the latest transcode snapshot for an object key.
type ProgressSource interface {
	GetProgress(ctx context.Context, objectKey string) (*queue.Progress, error)
}

// Handler handles upload HTTP endpoints.
type Handler struct {
	svc      *Service
	progress ProgressSource
	logger   *zap.Logger
}

// NewHandler creates an uploads handler. progress may be nil.
func NewHandler(svc *Service, progress ProgressSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, progress: progress, logger: logger}
}

// Register mounts the upload routes on a JWT-protected group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/uploads", h.Issue)
	rg.GET("/uploads/:id", h.Get)
	rg.POST("/uploads/:id/confirm", h.Confirm)
	rg.POST("/uploads/:id/cancel", h.Cancel)
	rg.GET("/uploads/:id/progress", h.Progress)
}

// Issue handles POST /uploads.
func (h *Handler) Issue(c *gin.Context) {
	var req IssueUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Issue(c.Request.Context(), IssueRequest{
		OwnerID:     ownerID(c),
		ContentType: req.ContentType,
		Filename:    req.Filename,
		Size:        req.Size,
		MemoryID:    req.MemoryID,
		PostID:      req.PostID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, res)
}

// Confirm handles POST /uploads/:id/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}
	var req ConfirmUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	u, err := h.svc.Confirm(c.Request.Context(), ConfirmRequest{
		OwnerID:   ownerID(c),
		UploadID:  uploadID,
		ObjectKey: req.ObjectKey,
		MemoryID:  req.MemoryID,
		PostID:    req.PostID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, u)
}

// Cancel handles POST /uploads/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}
	var req CancelUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	u, err := h.svc.Cancel(c.Request.Context(), ownerID(c), uploadID, req.ObjectKey)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, u)
}

// Get handles GET /uploads/:id.
func (h *Handler) Get(c *gin.Context) {
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}
	u, err := h.svc.Get(c.Request.Context(), ownerID(c), uploadID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, u)
}

// Progress handles GET /uploads/:id/progress. Non-video uploads and videos that were
// never queued report state "none".
func (h *Handler) Progress(c *gin.Context) {
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}
	u, err := h.svc.Get(c.Request.Context(), ownerID(c), uploadID)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.progress == nil || !storage.IsVideo(u.ContentType) {
		response.OK(c, gin.H{"object_key": u.ObjectKey, "state": "none"})
		return
	}
	p, err := h.progress.GetProgress(c.Request.Context(), u.ObjectKey)
	if err != nil {
		h.logger.Error("read transcode progress failed", zap.Error(err), zap.String("object_key", u.ObjectKey))
		response.ServiceUnavailable(c, "progress unavailable")
		return
	}
	if p == nil {
		response.OK(c, gin.H{"object_key": u.ObjectKey, "state": "none"})
		return
	}
	response.OK(c, p)
}

func ownerID(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

func parseUploadID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// An unparseable id cannot belong to the caller.
		response.NotFound(c, ErrNotFoundOrForbidden.Error())
		return uuid.Nil, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	var tooLarge *PayloadTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		response.PayloadTooLarge(c, tooLarge.Error(), tooLarge.Limit)
	case errors.Is(err, ErrInvalidRequest):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotFoundOrForbidden):
		response.NotFound(c, ErrNotFoundOrForbidden.Error())
	case errors.Is(err, ErrStorageUnavailable):
		response.ServiceUnavailable(c, "storage unavailable, retry later")
	default:
		response.Internal(c, "internal error")
	}
}
