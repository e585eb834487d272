package models

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the lifecycle of an upload record.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusCancelled UploadStatus = "cancelled"
	UploadStatusDeleted   UploadStatus = "deleted"
)

// uploadTransitions lists the allowed forward moves. completed -> completed is the
// idempotent re-confirmation merge; nothing re-enters pending.
var uploadTransitions = map[UploadStatus][]UploadStatus{
	UploadStatusPending:   {UploadStatusCompleted, UploadStatusCancelled, UploadStatusDeleted},
	UploadStatusCompleted: {UploadStatusCompleted},
}

// CanTransition reports whether an upload may move from one status to another.
func (s UploadStatus) CanTransition(to UploadStatus) bool {
	for _, allowed := range uploadTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusCancelled || s == UploadStatusDeleted
}

// Upload is one client-declared media item (the upload record).
type Upload struct {
	ID               uuid.UUID    `json:"id"`
	OwnerID          uuid.UUID    `json:"owner_id"`
	ObjectKey        string       `json:"object_key"`
	ContentType      string       `json:"content_type"`
	OriginalFilename string       `json:"original_filename"`
	FileURL          string       `json:"file_url"`
	Status           UploadStatus `json:"status"`
	MemoryID         *int64       `json:"memory_id,omitempty"`
	PostID           *int64       `json:"post_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// MemoryContent is a gallery attachment row pointing at a confirmed upload.
type MemoryContent struct {
	ID          uuid.UUID `json:"id"`
	MemoryID    int64     `json:"memory_id"`
	UploadID    uuid.UUID `json:"upload_id"`
	FileURL     string    `json:"file_url"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}
