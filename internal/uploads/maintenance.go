package uploads

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/response"
)

// FailedJobSource lists terminally failed transcode jobs.
type FailedJobSource interface {
	Failed(ctx context.Context, n int64) ([]queue.FailedJob, error)
}

// MaintenanceHandler exposes operator endpoints.
type MaintenanceHandler struct {
	reaper *Reaper
	failed FailedJobSource
	logger *zap.Logger
}

// NewMaintenanceHandler creates the operator handler. failed may be nil.
func NewMaintenanceHandler(reaper *Reaper, failed FailedJobSource, logger *zap.Logger) *MaintenanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaintenanceHandler{reaper: reaper, failed: failed, logger: logger}
}

// Reap handles POST /maintenance/reap.
func (h *MaintenanceHandler) Reap(c *gin.Context) {
	res, err := h.reaper.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Error("manual reap failed", zap.Error(err))
		writeError(c, err)
		return
	}
	response.OK(c, res)
}

// FailedTranscodes handles GET /maintenance/transcode/failed?limit=N.
func (h *MaintenanceHandler) FailedTranscodes(c *gin.Context) {
	if h.failed == nil {
		response.ServiceUnavailable(c, "transcode queue not configured")
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 || limit > queue.FailedKeep {
		response.BadRequest(c, "limit must be between 1 and "+strconv.Itoa(queue.FailedKeep))
		return
	}
	list, err := h.failed.Failed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list failed transcodes failed", zap.Error(err))
		response.ServiceUnavailable(c, "queue unavailable")
		return
	}
	response.OK(c, list)
}
