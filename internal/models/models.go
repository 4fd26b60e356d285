package models

import "time"

// VideoStatus tracks a video through the ingestion pipeline. The only legal
// transitions are PENDING -> PROCESSING -> {READY, FAILED}; a re-delivered
// job may move FAILED back to PROCESSING for another attempt.
type VideoStatus string

const (
	StatusPending    VideoStatus = "PENDING"
	StatusProcessing VideoStatus = "PROCESSING"
	StatusReady      VideoStatus = "READY"
	StatusFailed     VideoStatus = "FAILED"

	// StatusConnected is never persisted. It is the synthetic status sent to
	// a progress subscriber whose video is not yet visible in the datastore.
	StatusConnected VideoStatus = "CONNECTED"
)

// Terminal reports whether the status ends a job attempt.
func (s VideoStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next follows the
// lifecycle state machine.
func (s VideoStatus) CanTransitionTo(next VideoStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusReady || next == StatusFailed
	case StatusFailed:
		return next == StatusProcessing
	default:
		return false
	}
}

type Video struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	OriginalFileName  string      `json:"originalFileName,omitempty"`
	OriginalPath      string      `json:"originalPath,omitempty"`
	MasterPlaylistURL string      `json:"masterPlaylistUrl,omitempty"`
	ThumbnailURL      string      `json:"thumbnailUrl,omitempty"`
	Status            VideoStatus `json:"status"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// ProgressEvent is the payload pushed to live progress subscribers. Events
// are transient; a subscriber that missed one reconciles against the durable
// Video record on its next connect.
type ProgressEvent struct {
	VideoID  string      `json:"videoId"`
	Status   VideoStatus `json:"status"`
	Progress int         `json:"progress"`
}
