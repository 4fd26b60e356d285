package progress

import (
	"sync"

	"vodforge/internal/models"
)

const defaultSubscriptionBuffer = 32

// Notifier fans progress events out to live subscribers of a specific
// video. Publishing never blocks: a subscriber that cannot keep up drops
// events and reconciles from the durable record, and publishing with zero
// subscribers is a no-op.
type Notifier struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
}

// NewNotifier initialises an empty hub. buffer controls each subscriber's
// channel capacity.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Notifier{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is one subscriber's live event stream for one video.
type Subscription struct {
	notifier *Notifier
	videoID  string
	once     sync.Once
	ch       chan models.ProgressEvent
}

// Events yields the subscriber's event stream. The channel closes when the
// subscription is closed.
func (s *Subscription) Events() <-chan models.ProgressEvent {
	return s.ch
}

// Close detaches the subscriber and releases its resources. Safe to call
// more than once; in-flight processing of the video is unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.notifier.mu.Lock()
		if subs, ok := s.notifier.rooms[s.videoID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.notifier.rooms, s.videoID)
			}
		}
		s.notifier.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe attaches a new subscriber to the video's event stream.
func (n *Notifier) Subscribe(videoID string) *Subscription {
	sub := &Subscription{
		notifier: n,
		videoID:  videoID,
		ch:       make(chan models.ProgressEvent, n.buffer),
	}
	n.mu.Lock()
	subs, ok := n.rooms[videoID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		n.rooms[videoID] = subs
	}
	subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

// Publish delivers the event to every current subscriber of its video.
func (n *Notifier) Publish(event models.ProgressEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub := range n.rooms[event.VideoID] {
		select {
		case sub.ch <- event:
		default:
			// Drop instead of blocking to keep the worker's emit path
			// responsive. Subscribers reconcile on their next snapshot.
		}
	}
}

// Subscribers reports how many subscribers a video currently has.
func (n *Notifier) Subscribers(videoID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.rooms[videoID])
}
