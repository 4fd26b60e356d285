// Package api implements the HTTP boundary of the video pipeline: the
// resumable upload coordinator, the video catalog, and the live progress
// stream.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

type Handler struct {
	Store    storage.Repository
	Objects  objectstore.Gateway
	Queue    queue.Queue
	Progress progress.Store
	Notifier *progress.Notifier
	Logger   *slog.Logger
}

func NewHandler(store storage.Repository, objects objectstore.Gateway, jobs queue.Queue, progressStore progress.Store, notifier *progress.Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:    store,
		Objects:  objects,
		Queue:    jobs,
		Progress: progressStore,
		Notifier: notifier,
		Logger:   logger,
	}
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, statusCode := h.componentHealth(r.Context())
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

// deriveProgress backfills the display percentage from the cache for
// in-flight videos; terminal and untouched records have fixed values.
func (h *Handler) deriveProgress(ctx context.Context, video models.Video) int {
	switch video.Status {
	case models.StatusReady:
		return 100
	case models.StatusProcessing:
		if percent, ok, err := h.Progress.GetProgress(ctx, video.ID); err == nil && ok {
			return percent
		}
		return 0
	default:
		return 0
	}
}

type videoResponse struct {
	models.Video
	Progress int `json:"progress"`
}

func (h *Handler) newVideoResponse(ctx context.Context, video models.Video) videoResponse {
	return videoResponse{Video: video, Progress: h.deriveProgress(ctx, video)}
}
