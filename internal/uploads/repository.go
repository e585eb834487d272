package uploads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearth-family/backend/internal/models"
)

// errDuplicateKey is returned by Create when object_key is already taken.
var errDuplicateKey = errors.New("object key already exists")

const uploadColumns = `id, owner_id, object_key, content_type, original_filename, file_url, status, memory_id, post_id, created_at, updated_at`

// ConfirmParams identifies the upload by its full (id, owner, key) triple.
type ConfirmParams struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	ObjectKey string
	MemoryID  *int64
	PostID    *int64
}

// ConfirmResult describes what a confirmation changed.
type ConfirmResult struct {
	Upload *models.Upload
	// Transitioned is true when this call moved the record out of pending.
	Transitioned bool
	// AttachErr is set when the gallery attachment insert failed; the confirmation
	// itself was still committed.
	AttachErr error
}

// Repository handles upload record persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an uploads repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanUpload(row pgx.Row) (*models.Upload, error) {
	var u models.Upload
	var status string
	if err := row.Scan(&u.ID, &u.OwnerID, &u.ObjectKey, &u.ContentType, &u.OriginalFilename, &u.FileURL, &status, &u.MemoryID, &u.PostID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Status = models.UploadStatus(status)
	return &u, nil
}

// Create inserts a new pending upload.
func (r *Repository) Create(ctx context.Context, u *models.Upload) error {
	const q = `INSERT INTO uploads (id, owner_id, object_key, content_type, original_filename, file_url, status, memory_id, post_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, u.ID, u.OwnerID, u.ObjectKey, u.ContentType, u.OriginalFilename, u.FileURL, string(u.Status), u.MemoryID, u.PostID).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errDuplicateKey
		}
		return err
	}
	return nil
}

// GetForOwner returns the upload if it exists and belongs to ownerID, or nil.
func (r *Repository) GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Upload, error) {
	q := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1 AND owner_id = $2`
	u, err := scanUpload(r.pool.QueryRow(ctx, q, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// Confirm moves a pending (or already completed) upload to completed, merges
// associations first-writer-wins and, when the record belongs to a memory, inserts
// the gallery attachment under a savepoint so that its failure does not undo the
// confirmation. It returns ErrNotFoundOrForbidden when the triple does not match a
// live record.
func (r *Repository) Confirm(ctx context.Context, p ConfirmParams) (*ConfirmResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const lockQ = `SELECT status, memory_id, post_id FROM uploads
		WHERE id = $1 AND owner_id = $2 AND object_key = $3 FOR UPDATE`
	var status string
	var curMemory, curPost *int64
	if err := tx.QueryRow(ctx, lockQ, p.ID, p.OwnerID, p.ObjectKey).Scan(&status, &curMemory, &curPost); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFoundOrForbidden
		}
		return nil, err
	}
	from := models.UploadStatus(status)
	if !from.CanTransition(models.UploadStatusCompleted) {
		return nil, ErrNotFoundOrForbidden
	}

	memoryID, postID := mergeAssociation(curMemory, curPost, p.MemoryID, p.PostID)
	updateQ := `UPDATE uploads SET status = $1, memory_id = $2, post_id = $3, updated_at = NOW()
		WHERE id = $4 RETURNING ` + uploadColumns
	u, err := scanUpload(tx.QueryRow(ctx, updateQ, string(models.UploadStatusCompleted), memoryID, postID, p.ID))
	if err != nil {
		return nil, err
	}
	res := &ConfirmResult{Upload: u, Transitioned: from == models.UploadStatusPending}

	if u.MemoryID != nil {
		res.AttachErr = attachToMemory(ctx, tx, u)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// attachToMemory inserts the content row inside a nested transaction (savepoint).
// ON CONFLICT keeps repeated confirmations from duplicating the row.
func attachToMemory(ctx context.Context, tx pgx.Tx, u *models.Upload) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	const q = `INSERT INTO memory_contents (memory_id, upload_id, file_url, content_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (memory_id, upload_id) DO NOTHING`
	if _, err := sp.Exec(ctx, q, *u.MemoryID, u.ID, u.FileURL, u.ContentType); err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("insert memory content: %w", err)
	}
	return sp.Commit(ctx)
}

// Cancel marks a pending upload cancelled. It returns nil when the triple does not
// match a pending record.
func (r *Repository) Cancel(ctx context.Context, id, ownerID uuid.UUID, objectKey string) (*models.Upload, error) {
	q := `UPDATE uploads SET status = $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3 AND object_key = $4 AND status = $5
		RETURNING ` + uploadColumns
	u, err := scanUpload(r.pool.QueryRow(ctx, q, string(models.UploadStatusCancelled), id, ownerID, objectKey, string(models.UploadStatusPending)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// ListStalePending returns pending uploads created before cutoff, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Upload, error) {
	q := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`
	rows, err := r.pool.Query(ctx, q, string(models.UploadStatusPending), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *u)
	}
	return list, rows.Err()
}

// MarkDeleted moves a still-pending upload to deleted. It reports false when the
// record had already left pending.
func (r *Repository) MarkDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE uploads SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	tag, err := r.pool.Exec(ctx, q, string(models.UploadStatusDeleted), id, string(models.UploadStatusPending))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
