package objectstore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestUploadAndDownload(t *testing.T) {
	gw := NewMemoryGateway("")
	ctx := context.Background()

	ref, err := gw.Upload(ctx, "uploads/v1/in.mp4", "video/mp4", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Key != "uploads/v1/in.mp4" || ref.URL == "" {
		t.Fatalf("unexpected ref %+v", ref)
	}

	var buf bytes.Buffer
	if err := gw.Download(ctx, ref.Key, &buf); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if buf.String() != "payload" {
		t.Fatalf("payload = %q", buf.String())
	}
}

func TestMultipartUnorderedCompletion(t *testing.T) {
	gw := NewMemoryGateway("")
	ctx := context.Background()
	key := "uploads/v1/big.mp4"

	uploadID, err := gw.StartMultipartUpload(ctx, key, "video/mp4")
	if err != nil {
		t.Fatalf("StartMultipartUpload: %v", err)
	}

	tags := make(map[int32]string)
	for n, chunk := range map[int32]string{1: "aaa", 2: "bbb", 3: "ccc"} {
		tag, err := gw.PutPart(uploadID, n, []byte(chunk))
		if err != nil {
			t.Fatalf("PutPart %d: %v", n, err)
		}
		tags[n] = tag
	}

	// Parts submitted in non-ascending order must assemble identically.
	parts := []Part{
		{PartNumber: 3, ETag: tags[3]},
		{PartNumber: 1, ETag: tags[1]},
		{PartNumber: 2, ETag: tags[2]},
	}
	ref, err := gw.CompleteMultipartUpload(ctx, key, uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}
	data, ok := gw.Object(ref.Key)
	if !ok {
		t.Fatal("object missing after completion")
	}
	if string(data) != "aaabbbccc" {
		t.Fatalf("assembled = %q", data)
	}
}

func TestMultipartPartOverwriteWins(t *testing.T) {
	gw := NewMemoryGateway("")
	ctx := context.Background()
	key := "uploads/v1/video.mp4"

	uploadID, _ := gw.StartMultipartUpload(ctx, key, "video/mp4")
	tag1, _ := gw.PutPart(uploadID, 1, []byte("first"))
	if _, err := gw.PutPart(uploadID, 2, []byte("stale")); err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	// Retry of part 2 replaces the earlier payload.
	tag2, _ := gw.PutPart(uploadID, 2, []byte("fresh"))

	ref, err := gw.CompleteMultipartUpload(ctx, key, uploadID, []Part{
		{PartNumber: 1, ETag: tag1},
		{PartNumber: 2, ETag: tag2},
	})
	if err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}
	data, _ := gw.Object(ref.Key)
	if string(data) != "firstfresh" {
		t.Fatalf("assembled = %q, want latest part payload", data)
	}
}

func TestMultipartCompletionGapsFail(t *testing.T) {
	gw := NewMemoryGateway("")
	ctx := context.Background()
	key := "uploads/v1/gap.mp4"

	uploadID, _ := gw.StartMultipartUpload(ctx, key, "video/mp4")
	tag1, _ := gw.PutPart(uploadID, 1, []byte("a"))
	tag3, _ := gw.PutPart(uploadID, 3, []byte("c"))

	_, err := gw.CompleteMultipartUpload(ctx, key, uploadID, []Part{
		{PartNumber: 1, ETag: tag1},
		{PartNumber: 3, ETag: tag3},
	})
	if !errors.Is(err, ErrIncompleteUpload) {
		t.Fatalf("err = %v, want ErrIncompleteUpload", err)
	}
	if _, ok := gw.Object(key); ok {
		t.Fatal("object must not exist after failed completion")
	}
}

func TestAbortMultipartUpload(t *testing.T) {
	gw := NewMemoryGateway("")
	ctx := context.Background()
	key := "uploads/v1/aborted.mp4"

	uploadID, _ := gw.StartMultipartUpload(ctx, key, "video/mp4")
	if err := gw.AbortMultipartUpload(ctx, key, uploadID); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
	if _, err := gw.PutPart(uploadID, 1, []byte("a")); err == nil {
		t.Fatal("PutPart after abort should fail")
	}
}

func TestDeletePrefix(t *testing.T) {
	gw := NewMemoryGateway("")
	ctx := context.Background()

	for _, key := range []string{
		"videos/v1/master.m3u8",
		"videos/v1/v0/segment000.ts",
		"videos/v2/master.m3u8",
	} {
		if _, err := gw.Upload(ctx, key, "", strings.NewReader("x")); err != nil {
			t.Fatalf("Upload %s: %v", key, err)
		}
	}

	if err := gw.DeletePrefix(ctx, "videos/v1/"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	remaining, err := gw.ListKeys(ctx, "videos/")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "videos/v2/master.m3u8" {
		t.Fatalf("remaining = %v", remaining)
	}
}

func TestKeyLayoutHelpers(t *testing.T) {
	if got := SourceKey("vid-1", "/tmp/../movie.mp4"); got != "uploads/vid-1/movie.mp4" {
		t.Fatalf("SourceKey = %q", got)
	}
	if got := OutputKey("vid-1", "v0/segment000.ts"); got != "videos/vid-1/v0/segment000.ts" {
		t.Fatalf("OutputKey = %q", got)
	}
	cases := map[string]string{
		"master.m3u8":   "application/vnd.apple.mpegurl",
		"seg001.ts":     "video/mp2t",
		"thumbnail.jpg": "image/jpeg",
		"input.mp4":     "video/mp4",
		"notes.txt":     "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentTypeFor(name); got != want {
			t.Fatalf("ContentTypeFor(%s) = %s, want %s", name, got, want)
		}
	}
}
