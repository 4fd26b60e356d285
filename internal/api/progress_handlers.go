package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
)

// streamProgress serves the SSE feed for one video: the durable snapshot
// first, then live events until a terminal state or client disconnect.
// Subscribing before reading the snapshot means an event raced between the
// two may arrive twice, never not at all; stale duplicates are filtered so
// the percentages a subscriber sees never decrease.
func (h *Handler) streamProgress(w http.ResponseWriter, r *http.Request, videoID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := h.Notifier.Subscribe(videoID)
	defer sub.Close()
	metrics.ProgressStreamOpened()
	defer metrics.ProgressStreamClosed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot := h.progressSnapshot(r.Context(), videoID)
	if err := writeEvent(w, flusher, snapshot); err != nil {
		return
	}
	if snapshot.Status.Terminal() {
		return
	}

	lastPercent := snapshot.Progress
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if !event.Status.Terminal() && event.Progress < lastPercent {
				continue
			}
			if event.Progress > lastPercent {
				lastPercent = event.Progress
			}
			if err := writeEvent(w, flusher, event); err != nil {
				return
			}
			if event.Status.Terminal() {
				return
			}
		}
	}
}

// progressSnapshot derives the initial event from the durable record. A
// video that is not yet visible degrades to a synthetic CONNECTED event
// rather than a hard failure, since clients may subscribe a beat before the
// placeholder lands.
func (h *Handler) progressSnapshot(ctx context.Context, videoID string) models.ProgressEvent {
	video, ok := h.Store.GetVideo(videoID)
	if !ok {
		return models.ProgressEvent{VideoID: videoID, Status: models.StatusConnected, Progress: 0}
	}
	return models.ProgressEvent{
		VideoID:  videoID,
		Status:   video.Status,
		Progress: h.deriveProgress(ctx, video),
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
