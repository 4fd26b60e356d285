package storage

import (
	"context"
	"errors"
	"time"

	"vodforge/internal/models"
)

// ErrNotFound is returned when no video exists for the requested id.
var ErrNotFound = errors.New("video not found")

// ErrInvalidTransition is returned when an update would move a video's
// status off the lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// CreateVideoParams carries the caller-supplied fields for a new video
// record. Title is required; everything else is optional.
type CreateVideoParams struct {
	Title            string
	Description      string
	OriginalFileName string
}

// VideoUpdate mutates a subset of a video's fields. Nil pointers leave the
// corresponding field untouched. Updates always bump UpdatedAt.
type VideoUpdate struct {
	Title             *string
	Description       *string
	Status            *models.VideoStatus
	OriginalPath      *string
	MasterPlaylistURL *string
	ThumbnailURL      *string
	Error             *string
}

// Repository exposes the datastore operations required by the upload
// coordinator, the API handlers, and the transcoding worker.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	// ListVideos returns every video, newest first.
	ListVideos() []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(id string) error

	// ClaimForProcessing atomically moves a video into PROCESSING and
	// reports whether this caller won the claim. The claim succeeds from
	// PENDING or FAILED, and from PROCESSING when the record has been stale
	// for longer than staleAfter (a crashed worker never finished the job).
	// A staleAfter of zero disables re-claiming stuck PROCESSING rows.
	// This check-and-set is the only concurrency-control point in the
	// pipeline: concurrently dispatched duplicate jobs for the same video
	// resolve here, with exactly one winner.
	ClaimForProcessing(id string, staleAfter time.Duration) (models.Video, bool, error)

	// ListUnfinished returns videos still awaiting or undergoing
	// processing, used to re-enqueue work after a restart.
	ListUnfinished() []models.Video

	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
var _ Repository = (*postgresRepository)(nil)
