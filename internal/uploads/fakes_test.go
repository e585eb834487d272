package uploads

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-family/backend/internal/models"
	"github.com/hearth-family/backend/pkg/queue"
)

type attachKey struct {
	memoryID int64
	uploadID uuid.UUID
}

// fakeStore mirrors Repository semantics in memory.
type fakeStore struct {
	mu          sync.Mutex
	uploads     map[uuid.UUID]*models.Upload
	attachments map[attachKey]models.MemoryContent
	now         func() time.Time

	createErrs []error
	confirmErr error
	attachErr  error
	listErr    error
	markErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads:     make(map[uuid.UUID]*models.Upload),
		attachments: make(map[attachKey]models.MemoryContent),
		now:         time.Now,
	}
}

func (f *fakeStore) Create(_ context.Context, u *models.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, existing := range f.uploads {
		if existing.ObjectKey == u.ObjectKey {
			return errDuplicateKey
		}
	}
	u.CreatedAt = f.now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	f.uploads[u.ID] = &cp
	return nil
}

func (f *fakeStore) GetForOwner(_ context.Context, id, ownerID uuid.UUID) (*models.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok || u.OwnerID != ownerID {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) Confirm(_ context.Context, p ConfirmParams) (*ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	u, ok := f.uploads[p.ID]
	if !ok || u.OwnerID != p.OwnerID || u.ObjectKey != p.ObjectKey {
		return nil, ErrNotFoundOrForbidden
	}
	if !u.Status.CanTransition(models.UploadStatusCompleted) {
		return nil, ErrNotFoundOrForbidden
	}
	from := u.Status
	u.MemoryID, u.PostID = mergeAssociation(u.MemoryID, u.PostID, p.MemoryID, p.PostID)
	u.Status = models.UploadStatusCompleted
	u.UpdatedAt = f.now()
	res := &ConfirmResult{Transitioned: from == models.UploadStatusPending}
	if u.MemoryID != nil {
		if f.attachErr != nil {
			res.AttachErr = f.attachErr
		} else {
			k := attachKey{memoryID: *u.MemoryID, uploadID: u.ID}
			if _, exists := f.attachments[k]; !exists {
				f.attachments[k] = models.MemoryContent{ID: uuid.New(), MemoryID: *u.MemoryID, UploadID: u.ID, FileURL: u.FileURL, ContentType: u.ContentType}
			}
		}
	}
	cp := *u
	res.Upload = &cp
	return res, nil
}

func (f *fakeStore) Cancel(_ context.Context, id, ownerID uuid.UUID, objectKey string) (*models.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok || u.OwnerID != ownerID || u.ObjectKey != objectKey || u.Status != models.UploadStatusPending {
		return nil, nil
	}
	u.Status = models.UploadStatusCancelled
	u.UpdatedAt = f.now()
	cp := *u
	return &cp, nil
}

func (f *fakeStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]models.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Upload
	for _, u := range f.uploads {
		if u.Status == models.UploadStatusPending && u.CreatedAt.Before(cutoff) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkDeleted(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return false, f.markErr
	}
	u, ok := f.uploads[id]
	if !ok || u.Status != models.UploadStatusPending {
		return false, nil
	}
	u.Status = models.UploadStatusDeleted
	u.UpdatedAt = f.now()
	return true, nil
}

func (f *fakeStore) get(id uuid.UUID) models.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.uploads[id]
}

func (f *fakeStore) attachmentCount(memoryID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.attachments {
		if k.memoryID == memoryID {
			n++
		}
	}
	return n
}

type signCall struct {
	key         string
	contentType string
	metadata    map[string]string
	expires     time.Duration
}

type fakeObjects struct {
	mu        sync.Mutex
	signs     []signCall
	deleted   []string
	signErr   error
	deleteErr error
}

func (f *fakeObjects) SignUploadURL(_ context.Context, key, contentType string, metadata map[string]string, expires time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return "", f.signErr
	}
	f.signs = append(f.signs, signCall{key: key, contentType: contentType, metadata: metadata, expires: expires})
	return "https://signed.test/" + key + "?X-Amz-Signature=abc", nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return f.deleteErr
}

func (f *fakeObjects) FileURL(key string) string { return "https://media.test/" + key }

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.TranscodeJob
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.TranscodeJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

var errBoom = errors.New("boom")
