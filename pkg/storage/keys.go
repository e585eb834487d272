package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// FolderMedia is the S3 prefix reserved for user media. Downstream jobs key off it.
	FolderMedia = "media"
	// ContextGeneral is the key segment used when an upload has no memory or post.
	ContextGeneral = "general"
)

// Object metadata keys (sent as x-amz-meta-*).
const (
	MetaOwnerID          = "owner-id"
	MetaOriginalFilename = "original-filename"
	MetaUploadedAt       = "uploaded-at"
	MetaMemoryID         = "memory-id"
	MetaPostID           = "post-id"
	MetaOptimized        = "optimized"
	MetaOptimizedAt      = "optimized-at"
)

// MediaKey returns the object key: media/{owner}/{context}/{unix_ms}-{suffix}{ext}.
func MediaKey(ownerID, context string, at time.Time, suffix, ext string) string {
	if context == "" {
		context = ContextGeneral
	}
	name := fmt.Sprintf("%d-%s%s", at.UnixMilli(), suffix, ext)
	return path.Join(FolderMedia, ownerID, context, name)
}

// ExtensionFor returns a lower-cased, sanitized extension for filename ("" if none).
func ExtensionFor(filename string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/"))))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// IsVideo reports whether contentType designates video.
func IsVideo(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "video/")
}

// ObjectURL returns the public URL for an object (no signing).
func ObjectURL(cfg S3Config, key string) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/") + "/" + key
	}
	if cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}
