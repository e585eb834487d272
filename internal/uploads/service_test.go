package uploads

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-family/backend/internal/models"
	"github.com/hearth-family/backend/pkg/storage"
)

const testMaxBytes = 100 * 1024 * 1024

type fixture struct {
	svc     *Service
	store   *fakeStore
	objects *fakeObjects
	jobs    *fakeQueue
}

func newFixture() *fixture {
	f := &fixture{store: newFakeStore(), objects: &fakeObjects{}, jobs: &fakeQueue{}}
	f.svc = NewService(f.store, f.objects, f.jobs, Options{MaxBytes: testMaxBytes, PresignExpiry: 30 * time.Minute}, nil)
	return f
}

func i64(v int64) *int64 { return &v }

func (f *fixture) issue(t *testing.T, owner uuid.UUID, contentType, filename string, memoryID, postID *int64) *IssueResult {
	t.Helper()
	res, err := f.svc.Issue(context.Background(), IssueRequest{
		OwnerID: owner, ContentType: contentType, Filename: filename, Size: i64(50 * 1024 * 1024),
		MemoryID: memoryID, PostID: postID,
	})
	require.NoError(t, err)
	return res
}

func TestIssueCreatesPendingRecordAndSignedURL(t *testing.T) {
	f := newFixture()
	owner := uuid.New()

	res := f.issue(t, owner, "video/mp4", "movie.mp4", i64(42), nil)

	keyPattern := regexp.MustCompile(fmt.Sprintf(`^media/%s/memory-42/\d+-[0-9a-f]{16}\.mp4$`, owner))
	assert.Regexp(t, keyPattern, res.ObjectKey)
	assert.Equal(t, "https://media.test/"+res.ObjectKey, res.FileURL)
	assert.Contains(t, res.SignedUploadURL, res.ObjectKey)
	assert.Equal(t, 1800, res.ExpiresIn)

	rec := f.store.get(res.UploadID)
	assert.Equal(t, models.UploadStatusPending, rec.Status)
	assert.Equal(t, owner, rec.OwnerID)
	assert.Equal(t, res.ObjectKey, rec.ObjectKey)
	assert.Equal(t, "movie.mp4", rec.OriginalFilename)
	assert.Equal(t, int64(42), *rec.MemoryID)

	require.Len(t, f.objects.signs, 1)
	sign := f.objects.signs[0]
	assert.Equal(t, 30*time.Minute, sign.expires)
	assert.Equal(t, "video/mp4", sign.contentType)
	assert.Equal(t, owner.String(), sign.metadata[storage.MetaOwnerID])
	assert.Equal(t, "movie.mp4", sign.metadata[storage.MetaOriginalFilename])
	assert.Equal(t, "42", sign.metadata[storage.MetaMemoryID])
	assert.NotEmpty(t, sign.metadata[storage.MetaUploadedAt])
	assert.Equal(t, "42", res.UploadHeaders["x-amz-meta-"+storage.MetaMemoryID])
	assert.Equal(t, "video/mp4", res.UploadHeaders["Content-Type"])
}

func TestIssueKeysAreUniqueAndEncodeContext(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		res := f.issue(t, owner, "image/jpeg", "photo.jpg", nil, i64(7))
		assert.False(t, seen[res.ObjectKey], "duplicate key %s", res.ObjectKey)
		seen[res.ObjectKey] = true
		assert.Regexp(t, fmt.Sprintf(`^media/%s/post-7/`, owner), res.ObjectKey)
	}

	general := f.issue(t, owner, "image/jpeg", "photo", nil, nil)
	assert.Regexp(t, fmt.Sprintf(`^media/%s/general/\d+-[0-9a-f]{16}$`, owner), general.ObjectKey)
}

func TestIssueValidation(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	cases := map[string]IssueRequest{
		"missing content type": {OwnerID: owner, Filename: "a.mp4"},
		"blank content type":   {OwnerID: owner, ContentType: "  ", Filename: "a.mp4"},
		"missing filename":     {OwnerID: owner, ContentType: "video/mp4"},
		"both targets":         {OwnerID: owner, ContentType: "video/mp4", Filename: "a.mp4", MemoryID: i64(1), PostID: i64(2)},
		"negative size":        {OwnerID: owner, ContentType: "video/mp4", Filename: "a.mp4", Size: i64(-1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Issue(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.store.uploads)
	assert.Empty(t, f.objects.signs)
}

func TestIssueRejectsOversizedPayload(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Issue(context.Background(), IssueRequest{
		OwnerID: uuid.New(), ContentType: "video/mp4", Filename: "big.mp4", Size: i64(testMaxBytes + 1),
	})
	var tooLarge *PayloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(testMaxBytes), tooLarge.Limit)
	assert.Empty(t, f.store.uploads)
}

func TestIssueAllowsUnknownSize(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Issue(context.Background(), IssueRequest{OwnerID: uuid.New(), ContentType: "image/png", Filename: "a.png"})
	assert.NoError(t, err)
}

func TestIssueRegeneratesKeyOnCollision(t *testing.T) {
	f := newFixture()
	f.store.createErrs = []error{errDuplicateKey}
	res := f.issue(t, uuid.New(), "image/png", "a.png", nil, nil)
	assert.Len(t, f.store.uploads, 1)
	assert.Equal(t, res.ObjectKey, f.store.get(res.UploadID).ObjectKey)
}

func TestIssueStoreFailureIsStorageUnavailable(t *testing.T) {
	f := newFixture()
	f.store.createErrs = []error{errBoom}
	_, err := f.svc.Issue(context.Background(), IssueRequest{OwnerID: uuid.New(), ContentType: "image/png", Filename: "a.png"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, errBoom)
}

func TestIssuePresignFailureLeavesPendingRecordForReaper(t *testing.T) {
	f := newFixture()
	f.objects.signErr = errBoom
	_, err := f.svc.Issue(context.Background(), IssueRequest{OwnerID: uuid.New(), ContentType: "image/png", Filename: "a.png"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	require.Len(t, f.store.uploads, 1)
	for _, u := range f.store.uploads {
		assert.Equal(t, models.UploadStatusPending, u.Status)
	}
}

func TestIssueSanitizesFilenameMetadata(t *testing.T) {
	f := newFixture()
	f.issue(t, uuid.New(), "image/jpeg", "café.jpg", nil, nil)
	assert.Equal(t, "caf_.jpg", f.objects.signs[0].metadata[storage.MetaOriginalFilename])
}

func TestConfirmVideoIntoMemoryScenario(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "video/mp4", "movie.mp4", nil, nil)

	u, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey, MemoryID: i64(42),
	})
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, u.Status)
	require.NotNil(t, u.MemoryID)
	assert.Equal(t, int64(42), *u.MemoryID)
	assert.Equal(t, 1, f.store.attachmentCount(42))

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, res.ObjectKey, f.jobs.jobs[0].ObjectKey)
	assert.Equal(t, res.UploadID.String(), f.jobs.jobs[0].UploadID)
	assert.Empty(t, f.jobs.jobs[0].LocalSourcePath)
}

func TestConfirmTwiceIsNoOpMerge(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "video/mp4", "movie.mp4", i64(42), nil)
	req := ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey, MemoryID: i64(42)}

	_, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	u, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.UploadStatusCompleted, u.Status)
	assert.Equal(t, 1, f.store.attachmentCount(42))
	assert.Len(t, f.jobs.jobs, 1)
}

func TestConfirmFirstWriterWins(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "image/png", "a.png", nil, i64(7))

	u, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey, MemoryID: i64(42),
	})
	require.NoError(t, err)
	assert.Nil(t, u.MemoryID)
	require.NotNil(t, u.PostID)
	assert.Equal(t, int64(7), *u.PostID)
	assert.Equal(t, 0, f.store.attachmentCount(42))

	// A later confirmation without associations never clears the existing one.
	u, err = f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey})
	require.NoError(t, err)
	require.NotNil(t, u.PostID)
}

func TestConfirmForeignOwnerOrKeyIsNotFound(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "video/mp4", "movie.mp4", nil, nil)

	cases := map[string]ConfirmRequest{
		"other owner": {OwnerID: uuid.New(), UploadID: res.UploadID, ObjectKey: res.ObjectKey},
		"other key":   {OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey + "x"},
		"unknown id":  {OwnerID: owner, UploadID: uuid.New(), ObjectKey: res.ObjectKey},
		"other both":  {OwnerID: uuid.New(), UploadID: uuid.New(), ObjectKey: "media/x"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Confirm(context.Background(), req)
			assert.ErrorIs(t, err, ErrNotFoundOrForbidden)
			assert.Equal(t, ErrNotFoundOrForbidden.Error(), err.Error())
		})
	}
	assert.Equal(t, models.UploadStatusPending, f.store.get(res.UploadID).Status)
	assert.Empty(t, f.jobs.jobs)
}

func TestConfirmTerminalRecordIsNotFound(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "image/png", "a.png", nil, nil)
	_, err := f.svc.Cancel(context.Background(), owner, res.UploadID, res.ObjectKey)
	require.NoError(t, err)

	_, err = f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey})
	assert.ErrorIs(t, err, ErrNotFoundOrForbidden)
	assert.Equal(t, models.UploadStatusCancelled, f.store.get(res.UploadID).Status)
}

func TestConfirmAttachmentFailureKeepsConfirmation(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "video/mp4", "movie.mp4", nil, nil)
	f.store.attachErr = errBoom

	u, err := f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey, MemoryID: i64(42)})
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, u.Status)
	assert.Equal(t, 0, f.store.attachmentCount(42))
	assert.Len(t, f.jobs.jobs, 1)

	// A repeat confirmation repairs the missing attachment.
	f.store.attachErr = nil
	_, err = f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey})
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.attachmentCount(42))
	assert.Len(t, f.jobs.jobs, 1)
}

func TestConfirmImageDoesNotEnqueue(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "image/jpeg", "a.jpg", nil, nil)
	_, err := f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey})
	require.NoError(t, err)
	assert.Empty(t, f.jobs.jobs)
}

func TestConfirmEnqueueFailureStillConfirms(t *testing.T) {
	f := newFixture()
	f.jobs.err = errBoom
	owner := uuid.New()
	res := f.issue(t, owner, "video/quicktime", "clip.mov", nil, nil)
	u, err := f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey})
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, u.Status)
}

func TestConfirmStoreFailureIsStorageUnavailable(t *testing.T) {
	f := newFixture()
	f.store.confirmErr = errBoom
	_, err := f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: uuid.New(), UploadID: uuid.New(), ObjectKey: "k"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.False(t, errors.Is(err, ErrNotFoundOrForbidden))
}

func TestConfirmValidation(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: uuid.New(), UploadID: uuid.New()})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: uuid.New(), UploadID: uuid.New(), ObjectKey: "k", MemoryID: i64(1), PostID: i64(2)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelPendingUpload(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "video/mp4", "movie.mp4", nil, nil)

	u, err := f.svc.Cancel(context.Background(), owner, res.UploadID, res.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCancelled, u.Status)
	assert.Equal(t, []string{res.ObjectKey}, f.objects.deleted)
}

func TestCancelCompletedOrForeignUploadIsNotFound(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "image/png", "a.png", nil, nil)

	_, err := f.svc.Cancel(context.Background(), uuid.New(), res.UploadID, res.ObjectKey)
	assert.ErrorIs(t, err, ErrNotFoundOrForbidden)

	_, err = f.svc.Confirm(context.Background(), ConfirmRequest{OwnerID: owner, UploadID: res.UploadID, ObjectKey: res.ObjectKey})
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), owner, res.UploadID, res.ObjectKey)
	assert.ErrorIs(t, err, ErrNotFoundOrForbidden)
	assert.Empty(t, f.objects.deleted)
}

func TestCancelToleratesObjectDeleteFailure(t *testing.T) {
	f := newFixture()
	f.objects.deleteErr = errBoom
	owner := uuid.New()
	res := f.issue(t, owner, "image/png", "a.png", nil, nil)
	u, err := f.svc.Cancel(context.Background(), owner, res.UploadID, res.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCancelled, u.Status)
}

func TestGetIsOwnerScoped(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	res := f.issue(t, owner, "image/png", "a.png", nil, nil)

	u, err := f.svc.Get(context.Background(), owner, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, res.ObjectKey, u.ObjectKey)

	_, err = f.svc.Get(context.Background(), uuid.New(), res.UploadID)
	assert.ErrorIs(t, err, ErrNotFoundOrForbidden)
}
