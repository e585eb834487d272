package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMediaKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "media/u1/memory-42/1700000000123-abcd.mp4", MediaKey("u1", "memory-42", at, "abcd", ".mp4"))
	assert.Equal(t, "media/u1/general/1700000000123-abcd", MediaKey("u1", "", at, "abcd", ""))
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"movie.MP4":           ".mp4",
		"photo.jpeg":          ".jpeg",
		"noext":               "",
		"../../etc/passwd":    "",
		"weird.m p4":          "",
		`C:\clips\home.mov`:   ".mov",
		"archive.tar.gz":      ".gz",
		"x.averyveryverylong": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtensionFor(in), in)
	}
}

func TestIsVideo(t *testing.T) {
	assert.True(t, IsVideo("video/mp4"))
	assert.True(t, IsVideo(" Video/QuickTime"))
	assert.False(t, IsVideo("image/png"))
	assert.False(t, IsVideo(""))
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "https://media.s3.eu-west-1.amazonaws.com/media/a/b",
		ObjectURL(S3Config{Bucket: "media", Region: "eu-west-1"}, "media/a/b"))
	assert.Equal(t, "http://localhost:9000/media/media/a/b",
		ObjectURL(S3Config{Bucket: "media", Endpoint: "http://localhost:9000/"}, "media/a/b"))
	assert.Equal(t, "https://cdn.example.com/media/a/b",
		ObjectURL(S3Config{Bucket: "media", PublicBaseURL: "https://cdn.example.com/"}, "media/a/b"))
}
