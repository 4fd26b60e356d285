package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type memoryObject struct {
	data        []byte
	contentType string
}

type memoryMultipart struct {
	key         string
	contentType string
	parts       map[int32][]byte
	tags        map[int32]string
}

// MemoryGateway is an in-process Gateway with real multipart semantics:
// per-part overwrite by part number, contiguity checks on completion, and
// prefix listing and deletion. It backs tests and single-process dev mode.
type MemoryGateway struct {
	mu         sync.RWMutex
	objects    map[string]memoryObject
	multiparts map[string]*memoryMultipart
	baseURL    string
}

func NewMemoryGateway(baseURL string) *MemoryGateway {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "memory://bucket"
	}
	return &MemoryGateway{
		objects:    make(map[string]memoryObject),
		multiparts: make(map[string]*memoryMultipart),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (g *MemoryGateway) Upload(ctx context.Context, key, contentType string, body io.Reader) (ObjectRef, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("read upload body: %w", err)
	}
	g.mu.Lock()
	g.objects[key] = memoryObject{data: data, contentType: contentType}
	g.mu.Unlock()
	return ObjectRef{Key: key, URL: g.PublicURL(key)}, nil
}

func (g *MemoryGateway) Download(ctx context.Context, key string, dst io.Writer) error {
	g.mu.RLock()
	obj, ok := g.objects[key]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("object %s not found", key)
	}
	_, err := io.Copy(dst, bytes.NewReader(obj.data))
	return err
}

func (g *MemoryGateway) StartMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	uploadID := uuid.NewString()
	g.mu.Lock()
	g.multiparts[uploadID] = &memoryMultipart{
		key:         key,
		contentType: contentType,
		parts:       make(map[int32][]byte),
		tags:        make(map[int32]string),
	}
	g.mu.Unlock()
	return uploadID, nil
}

func (g *MemoryGateway) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error) {
	g.mu.RLock()
	upload, ok := g.multiparts[uploadID]
	g.mu.RUnlock()
	if !ok || upload.key != key {
		return "", fmt.Errorf("multipart upload %s not found for key %s", uploadID, key)
	}
	if partNumber < 1 {
		return "", fmt.Errorf("part number must be positive, got %d", partNumber)
	}
	return fmt.Sprintf("%s/%s?uploadId=%s&partNumber=%d", g.baseURL, key, uploadID, partNumber), nil
}

// PutPart stores one part's payload, standing in for the direct-to-storage
// transfer a presigned URL permits. Re-submitting a part number replaces the
// earlier payload and issues a fresh tag.
func (g *MemoryGateway) PutPart(uploadID string, partNumber int32, data []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	upload, ok := g.multiparts[uploadID]
	if !ok {
		return "", fmt.Errorf("multipart upload %s not found", uploadID)
	}
	if partNumber < 1 {
		return "", fmt.Errorf("part number must be positive, got %d", partNumber)
	}
	sum := md5.Sum(data)
	tag := `"` + hex.EncodeToString(sum[:]) + `"`
	upload.parts[partNumber] = append([]byte(nil), data...)
	upload.tags[partNumber] = tag
	return tag, nil
}

func (g *MemoryGateway) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	upload, ok := g.multiparts[uploadID]
	if !ok || upload.key != key {
		return ObjectRef{}, fmt.Errorf("multipart upload %s not found for key %s", uploadID, key)
	}
	if len(parts) == 0 {
		return ObjectRef{}, ErrIncompleteUpload
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var assembled []byte
	for i, part := range sorted {
		if part.PartNumber != int32(i+1) {
			return ObjectRef{}, fmt.Errorf("%w: expected part %d, got %d", ErrIncompleteUpload, i+1, part.PartNumber)
		}
		data, ok := upload.parts[part.PartNumber]
		if !ok {
			return ObjectRef{}, fmt.Errorf("%w: part %d was never uploaded", ErrIncompleteUpload, part.PartNumber)
		}
		if tag := upload.tags[part.PartNumber]; tag != part.ETag {
			return ObjectRef{}, fmt.Errorf("%w: part %d tag mismatch", ErrIncompleteUpload, part.PartNumber)
		}
		assembled = append(assembled, data...)
	}

	g.objects[key] = memoryObject{data: assembled, contentType: upload.contentType}
	delete(g.multiparts, uploadID)
	return ObjectRef{Key: key, URL: g.PublicURL(key)}, nil
}

func (g *MemoryGateway) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	upload, ok := g.multiparts[uploadID]
	if !ok || upload.key != key {
		return fmt.Errorf("multipart upload %s not found for key %s", uploadID, key)
	}
	delete(g.multiparts, uploadID)
	return nil
}

func (g *MemoryGateway) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var keys []string
	for key := range g.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *MemoryGateway) DeletePrefix(ctx context.Context, prefix string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.objects {
		if strings.HasPrefix(key, prefix) {
			delete(g.objects, key)
		}
	}
	return nil
}

func (g *MemoryGateway) PublicURL(key string) string {
	return g.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Object returns a stored object's payload, for test assertions.
func (g *MemoryGateway) Object(key string) ([]byte, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

var _ Gateway = (*MemoryGateway)(nil)
