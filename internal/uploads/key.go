package uploads

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-family/backend/pkg/storage"
)

// contextSegment names the key segment for the upload's target entity.
func contextSegment(memoryID, postID *int64) string {
	switch {
	case memoryID != nil:
		return "memory-" + strconv.FormatInt(*memoryID, 10)
	case postID != nil:
		return "post-" + strconv.FormatInt(*postID, 10)
	default:
		return storage.ContextGeneral
	}
}

// randomSuffix returns 16 hex characters from a v4 UUID.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// newObjectKey derives media/{owner}/{context}/{unix_ms}-{random}{ext}.
func newObjectKey(ownerID uuid.UUID, memoryID, postID *int64, filename string, now time.Time) string {
	return storage.MediaKey(ownerID.String(), contextSegment(memoryID, postID), now, randomSuffix(), storage.ExtensionFor(filename))
}

// mergeAssociation applies first-writer-wins: an existing association is never
// replaced or cleared, and a record never carries both a memory and a post.
func mergeAssociation(curMemory, curPost, reqMemory, reqPost *int64) (memoryID, postID *int64) {
	if curMemory != nil || curPost != nil {
		return curMemory, curPost
	}
	if reqMemory != nil {
		return reqMemory, nil
	}
	return nil, reqPost
}
