package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	fail error
}

func (q *captureQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Subscribe() queue.Subscription { return nil }
func (q *captureQueue) Close() error                  { return nil }

func (q *captureQueue) enqueued() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

type apiFixture struct {
	handler  *Handler
	store    *storage.Storage
	objects  *objectstore.MemoryGateway
	queue    *captureQueue
	progress *progress.MemoryStore
	notifier *progress.Notifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	f := &apiFixture{
		store:    store,
		objects:  objectstore.NewMemoryGateway("https://cdn.test"),
		queue:    &captureQueue{},
		progress: progress.NewMemoryStore(time.Hour),
		notifier: progress.NewNotifier(64),
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f.handler = NewHandler(f.store, f.objects, f.queue, f.progress, f.notifier, logger)
	return f
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestInitUploadCreatesPlaceholderAndSession(t *testing.T) {
	f := newAPIFixture(t)
	rec := postJSON(t, f.handler.InitUpload, "/videos/init-upload", map[string]string{
		"title":       "conference keynote",
		"description": "day one",
		"fileName":    "keynote.mp4",
		"contentType": "video/mp4",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		VideoID  string `json:"videoId"`
		UploadID string `json:"uploadId"`
		Key      string `json:"key"`
	}
	decodeBody(t, rec, &resp)
	if resp.VideoID == "" || resp.UploadID == "" {
		t.Fatalf("missing resumption token fields: %+v", resp)
	}
	if want := "uploads/" + resp.VideoID + "/keynote.mp4"; resp.Key != want {
		t.Fatalf("key = %q, want %q", resp.Key, want)
	}
	video, ok := f.store.GetVideo(resp.VideoID)
	if !ok {
		t.Fatal("placeholder video not created")
	}
	if video.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING", video.Status)
	}
	if len(f.queue.enqueued()) != 0 {
		t.Fatal("init must not enqueue")
	}
}

func TestInitUploadValidation(t *testing.T) {
	f := newAPIFixture(t)
	cases := []map[string]string{
		{"fileName": "clip.mp4"}, // missing title
		{"title": "no file"},     // missing fileName
	}
	for _, payload := range cases {
		rec := postJSON(t, f.handler.InitUpload, "/videos/init-upload", payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload %v: status = %d, want 400", payload, rec.Code)
		}
	}
	if got := len(f.store.ListVideos()); got != 0 {
		t.Fatalf("rejected requests left %d videos behind", got)
	}
}

func TestUploadURLRequiresSessionParams(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/videos/upload-url?key=uploads/v/f.mp4", nil)
	rec := httptest.NewRecorder()
	f.handler.UploadURL(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/videos/upload-url?key=uploads/v/f.mp4&uploadId=u&partNumber=0", nil)
	rec = httptest.NewRecorder()
	f.handler.UploadURL(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partNumber 0: status = %d, want 400", rec.Code)
	}
}

func TestUploadURLReturnsSignedURL(t *testing.T) {
	f := newAPIFixture(t)
	uploadID, err := f.objects.StartMultipartUpload(context.Background(), "uploads/v1/clip.mp4", "video/mp4")
	if err != nil {
		t.Fatal(err)
	}
	target := fmt.Sprintf("/videos/upload-url?key=uploads/v1/clip.mp4&uploadId=%s&partNumber=3", uploadID)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.handler.UploadURL(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["signedUrl"] == "" {
		t.Fatalf("no signedUrl in %v", resp)
	}
}

func initUpload(t *testing.T, f *apiFixture, title, fileName string) (videoID, uploadID, key string) {
	t.Helper()
	rec := postJSON(t, f.handler.InitUpload, "/videos/init-upload", map[string]string{
		"title":    title,
		"fileName": fileName,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("init: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		VideoID  string `json:"videoId"`
		UploadID string `json:"uploadId"`
		Key      string `json:"key"`
	}
	decodeBody(t, rec, &resp)
	return resp.VideoID, resp.UploadID, resp.Key
}

func TestCompleteUploadOutOfOrderParts(t *testing.T) {
	f := newAPIFixture(t)
	videoID, uploadID, key := initUpload(t, f, "resume test", "big.mp4")

	etags := make(map[int32]string)
	for part, payload := range map[int32]string{1: "aaa", 2: "bbb", 3: "ccc"} {
		etag, err := f.objects.PutPart(uploadID, part, []byte(payload))
		if err != nil {
			t.Fatal(err)
		}
		etags[part] = etag
	}

	rec := postJSON(t, f.handler.CompleteUpload, "/videos/complete-upload", map[string]interface{}{
		"videoId":  videoID,
		"uploadId": uploadID,
		"key":      key,
		"parts": []objectstore.Part{
			{PartNumber: 3, ETag: etags[3]},
			{PartNumber: 1, ETag: etags[1]},
			{PartNumber: 2, ETag: etags[2]},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	data, ok := f.objects.Object(key)
	if !ok || string(data) != "aaabbbccc" {
		t.Fatalf("assembled object = %q, %v", data, ok)
	}
	video, _ := f.store.GetVideo(videoID)
	if video.OriginalPath != key {
		t.Fatalf("originalPath = %q, want %q", video.OriginalPath, key)
	}
	jobs := f.queue.enqueued()
	if len(jobs) != 1 || jobs[0].VideoID != videoID || jobs[0].Source != key {
		t.Fatalf("enqueued jobs = %+v", jobs)
	}
}

func TestCompleteUploadMissingPartStaysPending(t *testing.T) {
	f := newAPIFixture(t)
	videoID, uploadID, key := initUpload(t, f, "gap test", "big.mp4")

	etag2, err := f.objects.PutPart(uploadID, 2, []byte("bbb"))
	if err != nil {
		t.Fatal(err)
	}

	rec := postJSON(t, f.handler.CompleteUpload, "/videos/complete-upload", map[string]interface{}{
		"videoId":  videoID,
		"uploadId": uploadID,
		"key":      key,
		"parts":    []objectstore.Part{{PartNumber: 2, ETag: etag2}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
	video, _ := f.store.GetVideo(videoID)
	if video.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING for retry", video.Status)
	}
	if len(f.queue.enqueued()) != 0 {
		t.Fatal("failed finalize must not enqueue")
	}
}

func TestCompleteUploadDeriveVideoIDFromKey(t *testing.T) {
	f := newAPIFixture(t)
	videoID, uploadID, key := initUpload(t, f, "derived id", "clip.mp4")
	etag, err := f.objects.PutPart(uploadID, 1, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	rec := postJSON(t, f.handler.CompleteUpload, "/videos/complete-upload", map[string]interface{}{
		"uploadId": uploadID,
		"key":      key,
		"parts":    []objectstore.Part{{PartNumber: 1, ETag: etag}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	jobs := f.queue.enqueued()
	if len(jobs) != 1 || jobs[0].VideoID != videoID {
		t.Fatalf("jobs = %+v, want one for %s", jobs, videoID)
	}
}

func TestCompleteUploadConflictsWhenAlreadyFinalized(t *testing.T) {
	f := newAPIFixture(t)
	videoID, uploadID, key := initUpload(t, f, "retry race", "clip.mp4")
	etag, err := f.objects.PutPart(uploadID, 1, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]interface{}{
		"videoId":  videoID,
		"uploadId": uploadID,
		"key":      key,
		"parts":    []objectstore.Part{{PartNumber: 1, ETag: etag}},
	}
	if rec := postJSON(t, f.handler.CompleteUpload, "/videos/complete-upload", payload); rec.Code != http.StatusOK {
		t.Fatalf("first finalize: %d", rec.Code)
	}

	// A worker picked the job up in the meantime.
	if _, won, err := f.store.ClaimForProcessing(videoID, 0); err != nil || !won {
		t.Fatalf("claim: %v %v", won, err)
	}

	rec := postJSON(t, f.handler.CompleteUpload, "/videos/complete-upload", payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate finalize status = %d, want 409", rec.Code)
	}
	if got := len(f.queue.enqueued()); got != 1 {
		t.Fatalf("jobs enqueued = %d, want 1", got)
	}
}

func TestCompleteUploadUnknownVideo(t *testing.T) {
	f := newAPIFixture(t)
	rec := postJSON(t, f.handler.CompleteUpload, "/videos/complete-upload", map[string]interface{}{
		"videoId":  "missing",
		"uploadId": "u",
		"key":      "uploads/missing/clip.mp4",
		"parts":    []objectstore.Part{{PartNumber: 1, ETag: "x"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func multipartUpload(t *testing.T, title, fileName, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if title != "" {
		if err := writer.WriteField("title", title); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName)}
		header["Content-Type"] = []string{contentType}
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/videos/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestDirectUploadStoresAndEnqueues(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.DirectUpload(rec, multipartUpload(t, "holiday cut", "holiday.mp4", "video/mp4", []byte("rawbytes")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "PENDING" {
		t.Fatalf("status = %s, want PENDING", resp.Status)
	}
	key := "uploads/" + resp.ID + "/holiday.mp4"
	if data, ok := f.objects.Object(key); !ok || string(data) != "rawbytes" {
		t.Fatalf("stored object = %q, %v", data, ok)
	}
	jobs := f.queue.enqueued()
	if len(jobs) != 1 || jobs[0].Source != key {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestDirectUploadRejectsUnknownMimetype(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.DirectUpload(rec, multipartUpload(t, "nope", "script.sh", "application/x-sh", []byte("#!/bin/sh")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := len(f.store.ListVideos()); got != 0 {
		t.Fatalf("rejected upload created %d videos", got)
	}
}

func TestDirectUploadRequiresTitleAndFile(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.handler.DirectUpload(rec, multipartUpload(t, "", "clip.mp4", "video/mp4", []byte("x")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing title: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.DirectUpload(rec, multipartUpload(t, "no file", "", "", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file: status = %d", rec.Code)
	}
}

func TestVideosListDerivesProgress(t *testing.T) {
	f := newAPIFixture(t)
	pending, _ := f.store.CreateVideo(storage.CreateVideoParams{Title: "still pending"})
	working, _ := f.store.CreateVideo(storage.CreateVideoParams{Title: "halfway"})
	if _, _, err := f.store.ClaimForProcessing(working.ID, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.progress.SetProgress(context.Background(), working.ID, 45); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/videos", nil)
	rec := httptest.NewRecorder()
	f.handler.Videos(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp []struct {
		ID       string `json:"id"`
		Progress int    `json:"progress"`
	}
	decodeBody(t, rec, &resp)
	if len(resp) != 2 {
		t.Fatalf("got %d videos", len(resp))
	}
	byID := map[string]int{}
	for _, v := range resp {
		byID[v.ID] = v.Progress
	}
	if byID[pending.ID] != 0 || byID[working.ID] != 45 {
		t.Fatalf("progress = %v", byID)
	}
}

func TestVideoByIDNotFound(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/videos/missing", nil)
	rec := httptest.NewRecorder()
	f.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteVideoRemovesObjectsBeforeMetadata(t *testing.T) {
	f := newAPIFixture(t)
	video, _ := f.store.CreateVideo(storage.CreateVideoParams{Title: "to remove"})
	ctx := context.Background()
	for _, key := range []string{
		objectstore.SourceKey(video.ID, "clip.mp4"),
		objectstore.OutputKey(video.ID, "master.m3u8"),
		objectstore.OutputKey(video.ID, "v0/segment000.ts"),
	} {
		if _, err := f.objects.Upload(ctx, key, "application/octet-stream", strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.progress.SetProgress(ctx, video.ID, 50); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/videos/"+video.ID, nil)
	rec := httptest.NewRecorder()
	f.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	for _, prefix := range []string{objectstore.SourcePrefix(video.ID), objectstore.OutputPrefix(video.ID)} {
		keys, err := f.objects.ListKeys(ctx, prefix)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Fatalf("prefix %s still has %v", prefix, keys)
		}
	}
	if _, ok := f.store.GetVideo(video.ID); ok {
		t.Fatal("metadata row still present")
	}
	if _, ok, _ := f.progress.GetProgress(ctx, video.ID); ok {
		t.Fatal("progress record still present")
	}
}

func TestDeleteVideoUnknownIsUntouched(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if _, err := f.objects.Upload(ctx, "uploads/other/clip.mp4", "video/mp4", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodDelete, "/videos/ghost", nil)
	rec := httptest.NewRecorder()
	f.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	keys, err := f.objects.ListKeys(ctx, "uploads/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("unrelated objects mutated: %v", keys)
	}
}
