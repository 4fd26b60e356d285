package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

// allowedUploadTypes is the mimetype whitelist for the legacy single-shot
// upload path. The resumable path trusts the declared content type since
// the bytes never pass through this process.
var allowedUploadTypes = map[string]struct{}{
	"video/mp4":        {},
	"video/quicktime":  {},
	"video/x-matroska": {},
	"video/avi":        {},
}

const maxUploadMemory = 32 << 20

type initUploadRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type initUploadResponse struct {
	VideoID  string `json:"videoId"`
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

// InitUpload creates the placeholder record and opens a multipart session.
// The returned triple is the client's sole resumption token.
func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("fileName is required"))
		return
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		Title:            req.Title,
		Description:      req.Description,
		OriginalFileName: path.Base(req.FileName),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := objectstore.SourceKey(video.ID, req.FileName)
	uploadID, err := h.Objects.StartMultipartUpload(r.Context(), key, contentType)
	if err != nil {
		// No session means nothing to resume; drop the placeholder so the
		// client can simply retry init.
		if deleteErr := h.Store.DeleteVideo(video.ID); deleteErr != nil {
			h.Logger.Error("failed to remove placeholder after init failure", "video_id", video.ID, "error", deleteErr)
		}
		h.Logger.Error("failed to start multipart upload", "video_id", video.ID, "key", key, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("start upload session: %w", err))
		return
	}

	metrics.ObserveUploadEvent("init")
	writeJSON(w, http.StatusCreated, initUploadResponse{VideoID: video.ID, UploadID: uploadID, Key: key})
}

// UploadURL issues a short-lived presigned URL for one part so the chunk
// bytes go directly to storage.
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	uploadID := strings.TrimSpace(r.URL.Query().Get("uploadId"))
	partValue := strings.TrimSpace(r.URL.Query().Get("partNumber"))
	if key == "" || uploadID == "" || partValue == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("key, uploadId and partNumber are required"))
		return
	}
	partNumber, err := strconv.ParseInt(partValue, 10, 32)
	if err != nil || partNumber < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("partNumber must be a positive integer"))
		return
	}

	signedURL, err := h.Objects.PresignUploadPart(r.Context(), key, uploadID, int32(partNumber))
	if err != nil {
		h.Logger.Error("failed to presign part", "key", key, "part", partNumber, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("presign part: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signedUrl": signedURL})
}

type completeUploadRequest struct {
	VideoID  string             `json:"videoId"`
	UploadID string             `json:"uploadId"`
	Key      string             `json:"key"`
	Parts    []objectstore.Part `json:"parts"`
}

// CompleteUpload finalizes the multipart session and hands the video to the
// transcode queue. A finalize failure leaves the record PENDING so the call
// can be retried with the same session.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" || strings.TrimSpace(req.UploadID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("key and uploadId are required"))
		return
	}
	if len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parts list is empty"))
		return
	}
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		videoID = videoIDFromKey(req.Key)
	}
	video, ok := h.Store.GetVideo(videoID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}
	if video.Status != models.StatusPending {
		writeError(w, http.StatusConflict, fmt.Errorf("video %s is %s, upload already finalized", videoID, video.Status))
		return
	}

	// Client part ordering is not trusted.
	parts := append([]objectstore.Part(nil), req.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	ref, err := h.Objects.CompleteMultipartUpload(r.Context(), req.Key, req.UploadID, parts)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, objectstore.ErrIncompleteUpload) {
			status = http.StatusBadRequest
		}
		h.Logger.Error("failed to finalize upload", "video_id", videoID, "key", req.Key, "error", err)
		writeError(w, status, fmt.Errorf("finalize upload: %w", err))
		return
	}

	originalPath := ref.Key
	video, err = h.Store.UpdateVideo(videoID, storage.VideoUpdate{OriginalPath: &originalPath})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("persist source path: %w", err))
		return
	}

	if err := h.Queue.Enqueue(r.Context(), queue.Job{VideoID: videoID, Source: ref.Key}); err != nil {
		// The source object and its path are durable; startup recovery will
		// re-enqueue the record.
		h.Logger.Error("failed to enqueue transcode job", "video_id", videoID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("enqueue transcode job: %w", err))
		return
	}

	metrics.ObserveUploadEvent("complete")
	h.Logger.Info("upload finalized", "video_id", videoID, "key", ref.Key, "parts", len(parts))
	writeJSON(w, http.StatusOK, h.newVideoResponse(r.Context(), video))
}

// DirectUpload is the legacy single-shot path: the whole file travels
// through this process as one multipart form.
func (h *Handler) DirectUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video file is required"))
		return
	}
	defer file.Close()

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if _, ok := allowedUploadTypes[contentType]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported file type %q", contentType))
		return
	}

	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		Title:            title,
		Description:      r.FormValue("description"),
		OriginalFileName: path.Base(header.Filename),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := objectstore.SourceKey(video.ID, header.Filename)
	if _, err := h.Objects.Upload(r.Context(), key, contentType, file); err != nil {
		if deleteErr := h.Store.DeleteVideo(video.ID); deleteErr != nil {
			h.Logger.Error("failed to remove placeholder after upload failure", "video_id", video.ID, "error", deleteErr)
		}
		h.Logger.Error("failed to store upload", "video_id", video.ID, "key", key, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("store upload: %w", err))
		return
	}

	originalPath := key
	video, err = h.Store.UpdateVideo(video.ID, storage.VideoUpdate{OriginalPath: &originalPath})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("persist source path: %w", err))
		return
	}
	if err := h.Queue.Enqueue(r.Context(), queue.Job{VideoID: video.ID, Source: key}); err != nil {
		h.Logger.Error("failed to enqueue transcode job", "video_id", video.ID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("enqueue transcode job: %w", err))
		return
	}

	metrics.ObserveUploadEvent("direct")
	h.Logger.Info("upload received", "video_id", video.ID, "key", key, "size", header.Size)
	writeJSON(w, http.StatusCreated, h.newVideoResponse(r.Context(), video))
}

// Videos lists the catalog, newest first.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	videos := h.Store.ListVideos()
	response := make([]videoResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, h.newVideoResponse(r.Context(), video))
	}
	writeJSON(w, http.StatusOK, response)
}

// VideoByID dispatches /videos/{id} and /videos/{id}/progress.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/videos/")
	if rest == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	parts := strings.Split(rest, "/")
	videoID := strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		if len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodGet {
			h.streamProgress(w, r, videoID)
			return
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		video, ok := h.Store.GetVideo(videoID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		writeJSON(w, http.StatusOK, h.newVideoResponse(r.Context(), video))
	case http.MethodDelete:
		h.deleteVideo(w, r, videoID)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// deleteVideo removes stored objects before the metadata row: if the row
// delete fails, storage is already clean and the retry is cheap, whereas a
// dangling row pointing at deleted assets would look READY and play nothing.
func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	if _, ok := h.Store.GetVideo(videoID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}
	for _, prefix := range []string{objectstore.SourcePrefix(videoID), objectstore.OutputPrefix(videoID)} {
		if err := h.Objects.DeletePrefix(r.Context(), prefix); err != nil {
			h.Logger.Error("failed to delete stored objects", "video_id", videoID, "prefix", prefix, "error", err)
			writeError(w, http.StatusBadGateway, fmt.Errorf("delete stored objects: %w", err))
			return
		}
	}
	if err := h.Store.DeleteVideo(videoID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Progress.DeleteProgress(r.Context(), videoID); err != nil {
		h.Logger.Warn("failed to drop progress record", "video_id", videoID, "error", err)
	}
	h.Logger.Info("video deleted", "video_id", videoID)
	w.WriteHeader(http.StatusNoContent)
}

// videoIDFromKey recovers the video id from an uploads/{id}/{file} key.
func videoIDFromKey(key string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "uploads/")
	if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
		return trimmed[:idx]
	}
	return ""
}
