// Package progress holds the ephemeral side of the pipeline's state: a lossy
// TTL cache of last-known completion percentages, and the live fan-out of
// progress events to subscribers. Neither is ever the source of truth for a
// video's terminal status; the durable Video record is.
package progress

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long an untouched progress record survives.
const DefaultTTL = time.Hour

const keyPrefix = "video:progress:"

// Store caches the last reported completion percentage per video.
type Store interface {
	// SetProgress records the percentage, clamped to [0,100], and refreshes
	// the record's lifetime.
	SetProgress(ctx context.Context, videoID string, percent int) error
	// GetProgress returns the cached percentage, or ok=false when the
	// record is absent or expired.
	GetProgress(ctx context.Context, videoID string) (int, bool, error)
	DeleteProgress(ctx context.Context, videoID string) error
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

type memoryRecord struct {
	percent   int
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node dev mode.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryRecord
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) SetProgress(ctx context.Context, videoID string, percent int) error {
	if strings.TrimSpace(videoID) == "" {
		return nil
	}
	s.mu.Lock()
	s.records[videoID] = memoryRecord{
		percent:   clampPercent(percent),
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetProgress(ctx context.Context, videoID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[videoID]
	if !ok {
		return 0, false, nil
	}
	if s.now().After(record.expiresAt) {
		delete(s.records, videoID)
		return 0, false, nil
	}
	return record.percent, true, nil
}

func (s *MemoryStore) DeleteProgress(ctx context.Context, videoID string) error {
	s.mu.Lock()
	delete(s.records, videoID)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
