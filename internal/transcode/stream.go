package transcode

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hearth-family/backend/internal/models"
	"github.com/hearth-family/backend/internal/uploads"
	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/storage"
)

const (
	// EventProgress is the websocket event carrying a queue.Progress.
	EventProgress = "transcode.progress"

	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token in the query string authenticates the stream
	},
}

// ProgressFeed exposes stored and live progress for object keys.
type ProgressFeed interface {
	GetProgress(ctx context.Context, objectKey string) (*queue.Progress, error)
	SubscribeProgress(ctx context.Context, objectKey string, handler func(queue.Progress)) (cancel func(), err error)
}

// UploadLookup resolves an owner's upload.
type UploadLookup interface {
	Get(ctx context.Context, ownerID, uploadID uuid.UUID) (*models.Upload, error)
}

// TokenValidator returns the user id carried by a bearer token.
type TokenValidator func(token string) (uuid.UUID, error)

type wsMessage struct {
	Event string         `json:"event"`
	Data  queue.Progress `json:"data"`
}

// ServeProgress streams transcode progress for ?upload_id= to the owner holding
// ?token=. The latest snapshot is sent first; the socket closes after a terminal state.
func ServeProgress(feed ProgressFeed, lookup UploadLookup, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		uploadIDStr := c.Query("upload_id")
		token := c.Query("token")
		if uploadIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upload_id and token required"})
			return
		}
		ownerID, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		uploadID, err := uuid.Parse(uploadIDStr)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": uploads.ErrNotFoundOrForbidden.Error()})
			return
		}
		u, err := lookup.Get(c.Request.Context(), ownerID, uploadID)
		if err != nil {
			if errors.Is(err, uploads.ErrNotFoundOrForbidden) {
				c.JSON(http.StatusNotFound, gin.H{"error": uploads.ErrNotFoundOrForbidden.Error()})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
			return
		}
		if !storage.IsVideo(u.ContentType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upload is not a video"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s := &progressStream{conn: conn, objectKey: u.ObjectKey, logger: logger.With(zap.String("object_key", u.ObjectKey))}
		s.run(c.Request.Context(), feed)
	}
}

type progressStream struct {
	conn      *websocket.Conn
	objectKey string
	last      *queue.Progress
	logger    *zap.Logger
}

func (s *progressStream) run(parent context.Context, feed ProgressFeed) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	events := make(chan queue.Progress, 16)
	stop, err := feed.SubscribeProgress(ctx, s.objectKey, func(p queue.Progress) {
		select {
		case events <- p:
		case <-ctx.Done():
		}
	})
	if err != nil {
		s.logger.Warn("subscribe progress failed", zap.Error(err))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "progress unavailable"))
		return
	}
	defer stop()

	go s.readPump(cancel)

	// Subscribing first means no event between snapshot and live stream is lost.
	snapshot, err := feed.GetProgress(ctx, s.objectKey)
	if err != nil {
		s.logger.Warn("read progress snapshot failed", zap.Error(err))
	}
	if snapshot != nil {
		if done, ok := s.send(*snapshot); !ok || done {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-events:
			if done, ok := s.send(p); !ok || done {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send writes p unless it would move an attempt's progress backwards. It reports
// whether the stream reached a terminal state and whether the write succeeded.
func (s *progressStream) send(p queue.Progress) (done, ok bool) {
	if s.last != nil && s.last.JobID == p.JobID && p.State == queue.StateActive &&
		s.last.State == queue.StateActive && p.Percent < s.last.Percent {
		return false, true
	}
	s.last = &p
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(wsMessage{Event: EventProgress, Data: p}); err != nil {
		return false, false
	}
	if p.State == queue.StateCompleted || p.State == queue.StateFailed {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(p.State)))
		return true, true
	}
	return false, true
}

// readPump discards client frames and cancels the stream when the peer goes away.
func (s *progressStream) readPump(cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
