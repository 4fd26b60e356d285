package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/models"
)

type dataset struct {
	Videos map[string]models.Video `json:"videos"`
}

// Storage is an in-memory video repository with optional JSON file
// persistence, intended for development deployments and tests. All methods
// are safe for concurrent use.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, used by tests exercising staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStorage initialises the in-memory repository. When filePath is
// non-empty the dataset is loaded from and persisted to that JSON file.
func NewStorage(filePath string, opts ...Option) (*Storage, error) {
	s := &Storage{
		filePath: strings.TrimSpace(filePath),
		data:     dataset{Videos: make(map[string]models.Video)},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.filePath != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read datastore %s: %w", s.filePath, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode datastore %s: %w", s.filePath, err)
	}
	if data.Videos == nil {
		data.Videos = make(map[string]models.Video)
	}
	s.data = data
	return nil
}

// persist writes the dataset to disk while holding the write lock.
func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create datastore directory: %w", err)
		}
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	video := models.Video{
		ID:               uuid.NewString(),
		Title:            title,
		Description:      strings.TrimSpace(params.Description),
		OriginalFileName: strings.TrimSpace(params.OriginalFileName),
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.data.Videos[video.ID] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, video.ID)
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.data.Videos[id]
	return video, ok
}

func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID > videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos
}

func (s *Storage) ListUnfinished() []models.Video {
	videos := s.ListVideos()
	unfinished := videos[:0]
	for _, video := range videos {
		if video.Status == models.StatusPending || video.Status == models.StatusProcessing {
			unfinished = append(unfinished, video)
		}
	}
	return unfinished
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	original := video

	if update.Status != nil && *update.Status != video.Status {
		if !video.Status.CanTransitionTo(*update.Status) {
			return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, video.Status, *update.Status)
		}
		video.Status = *update.Status
	}
	applyFieldUpdates(&video, update)
	video.UpdatedAt = s.now()

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = video
		return err
	}
	return nil
}

func (s *Storage) ClaimForProcessing(id string, staleAfter time.Duration) (models.Video, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false, ErrNotFound
	}

	now := s.now()
	switch video.Status {
	case models.StatusPending, models.StatusFailed:
	case models.StatusProcessing:
		if staleAfter <= 0 || now.Sub(video.UpdatedAt) < staleAfter {
			return video, false, nil
		}
	default:
		return video, false, nil
	}

	original := video
	video.Status = models.StatusProcessing
	video.Error = ""
	video.UpdatedAt = now
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, false, err
	}
	return video, true, nil
}

func applyFieldUpdates(video *models.Video, update VideoUpdate) {
	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			video.Title = trimmed
		}
	}
	if update.Description != nil {
		video.Description = strings.TrimSpace(*update.Description)
	}
	if update.OriginalPath != nil {
		video.OriginalPath = strings.TrimSpace(*update.OriginalPath)
	}
	if update.MasterPlaylistURL != nil {
		video.MasterPlaylistURL = strings.TrimSpace(*update.MasterPlaylistURL)
	}
	if update.ThumbnailURL != nil {
		video.ThumbnailURL = strings.TrimSpace(*update.ThumbnailURL)
	}
	if update.Error != nil {
		video.Error = strings.TrimSpace(*update.Error)
	}
}
