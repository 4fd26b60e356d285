// Package objectstore wraps the content-addressable bucket holding uploaded
// sources and transcoded artifacts. In-flight uploads live under
// uploads/{videoID}/ and transcoder output under videos/{videoID}/.
package objectstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrIncompleteUpload is returned by CompleteMultipartUpload when the
// submitted part list has gaps or does not start at part 1. Storage enforces
// contiguity; the gateway forwards the failure without masking it.
var ErrIncompleteUpload = errors.New("multipart upload parts incomplete or out of sequence")

// Part identifies one uploaded chunk of a multipart upload. The integrity
// tag is the storage-issued ETag for that part; re-uploading a part number
// replaces the previous tag.
type Part struct {
	PartNumber int32  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// ObjectRef addresses a stored object.
type ObjectRef struct {
	Key string
	URL string
}

// Gateway is the thin capability surface over the bucket. Implementations
// must tolerate repeated part uploads for the same part number within one
// multipart session.
type Gateway interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (ObjectRef, error)
	Download(ctx context.Context, key string, dst io.Writer) error

	StartMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectRef, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	ListKeys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error

	PublicURL(key string) string
}

// SourceKey returns the bucket key for an in-flight upload's source object.
func SourceKey(videoID, fileName string) string {
	return "uploads/" + videoID + "/" + path.Base(strings.TrimSpace(fileName))
}

// SourcePrefix namespaces every source object for a video.
func SourcePrefix(videoID string) string {
	return "uploads/" + videoID + "/"
}

// OutputKey returns the bucket key for one transcoded artifact, preserving
// the engine's relative output layout.
func OutputKey(videoID, relativePath string) string {
	return "videos/" + videoID + "/" + strings.TrimLeft(path.Clean(relativePath), "/")
}

// OutputPrefix namespaces every transcoded artifact for a video.
func OutputPrefix(videoID string) string {
	return "videos/" + videoID + "/"
}

// ContentTypeFor maps artifact extensions to their transport content types.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
