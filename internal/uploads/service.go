package uploads

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearth-family/backend/internal/models"
	"github.com/hearth-family/backend/internal/telemetry"
	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/storage"
)

// maxKeyAttempts bounds retries when a generated object key collides.
const maxKeyAttempts = 3

// Store is the upload record persistence used by the service and reaper.
type Store interface {
	Create(ctx context.Context, u *models.Upload) error
	GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Upload, error)
	Confirm(ctx context.Context, p ConfirmParams) (*ConfirmResult, error)
	Cancel(ctx context.Context, id, ownerID uuid.UUID, objectKey string) (*models.Upload, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Upload, error)
	MarkDeleted(ctx context.Context, id uuid.UUID) (bool, error)
}

// ObjectStore is the subset of object storage the upload protocol needs.
type ObjectStore interface {
	SignUploadURL(ctx context.Context, key, contentType string, metadata map[string]string, expires time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	FileURL(key string) string
}

// JobQueue accepts transcode jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.TranscodeJob) error
}

// Options tunes upload policy.
type Options struct {
	MaxBytes      int64
	PresignExpiry time.Duration
}

// IssueRequest is a client's declared upload.
type IssueRequest struct {
	OwnerID     uuid.UUID
	ContentType string
	Filename    string
	Size        *int64
	MemoryID    *int64
	PostID      *int64
}

// IssueResult is returned to the client for the direct-to-storage transfer.
type IssueResult struct {
	UploadID        uuid.UUID         `json:"upload_id"`
	ObjectKey       string            `json:"object_key"`
	SignedUploadURL string            `json:"signed_upload_url"`
	FileURL         string            `json:"file_url"`
	ExpiresIn       int               `json:"expires_in"`
	UploadHeaders   map[string]string `json:"upload_headers"`
}

// ConfirmRequest is a client's claim that the transfer finished.
type ConfirmRequest struct {
	OwnerID   uuid.UUID
	UploadID  uuid.UUID
	ObjectKey string
	MemoryID  *int64
	PostID    *int64
}

// Service implements upload issuance, confirmation and cancellation.
type Service struct {
	store   Store
	objects ObjectStore
	jobs    JobQueue
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates an upload service.
func NewService(store Store, objects ObjectStore, jobs JobQueue, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = 30 * time.Minute
	}
	return &Service{store: store, objects: objects, jobs: jobs, opts: opts, now: time.Now, logger: logger}
}

// Issue validates the declared upload, records it as pending and returns a signed
// write URL. No bytes pass through this process.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	req.ContentType = strings.TrimSpace(req.ContentType)
	req.Filename = strings.TrimSpace(req.Filename)
	switch {
	case req.ContentType == "":
		return nil, invalid("content_type is required")
	case req.Filename == "":
		return nil, invalid("filename is required")
	case req.MemoryID != nil && req.PostID != nil:
		return nil, invalid("an upload targets a memory or a post, not both")
	case req.Size != nil && *req.Size < 0:
		return nil, invalid("size must not be negative")
	}
	if req.Size != nil && s.opts.MaxBytes > 0 && *req.Size > s.opts.MaxBytes {
		return nil, &PayloadTooLargeError{Size: *req.Size, Limit: s.opts.MaxBytes}
	}

	now := s.now().UTC()
	u := &models.Upload{
		ID:               uuid.New(),
		OwnerID:          req.OwnerID,
		ContentType:      req.ContentType,
		OriginalFilename: req.Filename,
		Status:           models.UploadStatusPending,
		MemoryID:         req.MemoryID,
		PostID:           req.PostID,
	}
	var err error
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		u.ObjectKey = newObjectKey(req.OwnerID, req.MemoryID, req.PostID, req.Filename, now)
		u.FileURL = s.objects.FileURL(u.ObjectKey)
		if err = s.store.Create(ctx, u); !errors.Is(err, errDuplicateKey) {
			break
		}
		s.logger.Warn("object key collision, regenerating", zap.String("object_key", u.ObjectKey))
	}
	if err != nil {
		s.logger.Error("create upload record failed", zap.Error(err), zap.String("owner_id", req.OwnerID.String()))
		return nil, unavailable("create upload", err)
	}

	metadata := uploadMetadata(u, now)
	url, err := s.objects.SignUploadURL(ctx, u.ObjectKey, u.ContentType, metadata, s.opts.PresignExpiry)
	if err != nil {
		// The pending record is left for the reaper.
		s.logger.Error("presign upload failed", zap.Error(err), zap.String("upload_id", u.ID.String()))
		return nil, unavailable("sign upload url", err)
	}
	telemetry.UploadsIssued.Inc()
	s.logger.Info("upload issued",
		zap.String("upload_id", u.ID.String()),
		zap.String("object_key", u.ObjectKey),
		zap.String("content_type", u.ContentType),
	)

	headers := make(map[string]string, len(metadata)+1)
	headers["Content-Type"] = u.ContentType
	for k, v := range metadata {
		headers["x-amz-meta-"+k] = v
	}
	return &IssueResult{
		UploadID:        u.ID,
		ObjectKey:       u.ObjectKey,
		SignedUploadURL: url,
		FileURL:         u.FileURL,
		ExpiresIn:       int(s.opts.PresignExpiry.Seconds()),
		UploadHeaders:   headers,
	}, nil
}

func uploadMetadata(u *models.Upload, now time.Time) map[string]string {
	m := map[string]string{
		storage.MetaOwnerID:          u.OwnerID.String(),
		storage.MetaOriginalFilename: asciiOnly(u.OriginalFilename),
		storage.MetaUploadedAt:       now.Format(time.RFC3339),
	}
	if u.MemoryID != nil {
		m[storage.MetaMemoryID] = strconv.FormatInt(*u.MemoryID, 10)
	}
	if u.PostID != nil {
		m[storage.MetaPostID] = strconv.FormatInt(*u.PostID, 10)
	}
	return m
}

// asciiOnly replaces characters that cannot travel in an HTTP header value.
func asciiOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, s)
}

// Confirm completes an upload after the client finished the transfer. Video
// uploads that leave pending on this call get a transcode job.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*models.Upload, error) {
	if strings.TrimSpace(req.ObjectKey) == "" {
		return nil, invalid("object_key is required")
	}
	if req.MemoryID != nil && req.PostID != nil {
		return nil, invalid("an upload targets a memory or a post, not both")
	}
	res, err := s.store.Confirm(ctx, ConfirmParams{
		ID:        req.UploadID,
		OwnerID:   req.OwnerID,
		ObjectKey: req.ObjectKey,
		MemoryID:  req.MemoryID,
		PostID:    req.PostID,
	})
	if err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) {
			return nil, err
		}
		s.logger.Error("confirm upload failed", zap.Error(err), zap.String("upload_id", req.UploadID.String()))
		return nil, unavailable("confirm upload", err)
	}
	u := res.Upload
	if res.AttachErr != nil {
		telemetry.AttachmentFailures.Inc()
		s.logger.Warn("memory attachment failed; upload stays confirmed",
			zap.Error(res.AttachErr),
			zap.String("upload_id", u.ID.String()),
			zap.Int64p("memory_id", u.MemoryID),
		)
	}
	if !res.Transitioned {
		return u, nil
	}
	telemetry.UploadsConfirmed.Inc()

	if storage.IsVideo(u.ContentType) {
		err := s.jobs.Enqueue(ctx, queue.TranscodeJob{
			ObjectKey:   u.ObjectKey,
			UploadID:    u.ID.String(),
			ContentType: u.ContentType,
		})
		if err != nil {
			s.logger.Error("enqueue transcode failed", zap.Error(err), zap.String("object_key", u.ObjectKey))
		} else {
			telemetry.TranscodeEnqueued.Inc()
		}
	}
	s.logger.Info("upload confirmed", zap.String("upload_id", u.ID.String()), zap.String("object_key", u.ObjectKey))
	return u, nil
}

// Cancel abandons a pending upload: the record is cancelled and the object removed.
func (s *Service) Cancel(ctx context.Context, ownerID, uploadID uuid.UUID, objectKey string) (*models.Upload, error) {
	if strings.TrimSpace(objectKey) == "" {
		return nil, invalid("object_key is required")
	}
	u, err := s.store.Cancel(ctx, uploadID, ownerID, objectKey)
	if err != nil {
		return nil, unavailable("cancel upload", err)
	}
	if u == nil {
		return nil, ErrNotFoundOrForbidden
	}
	if err := s.objects.Delete(ctx, u.ObjectKey); err != nil {
		s.logger.Warn("delete cancelled object failed", zap.Error(err), zap.String("object_key", u.ObjectKey))
	}
	telemetry.UploadsCancelled.Inc()
	return u, nil
}

// Get returns an upload owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, uploadID uuid.UUID) (*models.Upload, error) {
	u, err := s.store.GetForOwner(ctx, uploadID, ownerID)
	if err != nil {
		return nil, unavailable("get upload", err)
	}
	if u == nil {
		return nil, ErrNotFoundOrForbidden
	}
	return u, nil
}
