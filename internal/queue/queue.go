// Package queue carries transcode jobs from upload finalization to the
// worker pool with at-least-once delivery. The Video status field is the
// idempotent guard against duplicate deliveries; the queue never needs to
// dedupe.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Job asks a worker to transcode one finalized upload.
type Job struct {
	VideoID string `json:"videoId"`
	// Source is the bucket key of the uploaded original.
	Source string `json:"source"`
}

// Delivery is one received job. Ack marks it consumed; an unacked delivery
// becomes eligible for re-delivery (backend permitting).
type Delivery struct {
	Job Job
	ack func()
}

// Ack confirms the delivery. Safe to call more than once.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Queue accepts transcode tasks and dispatches them to competing consumers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Subscribe() Subscription
	Close() error
}

// Subscription is one consumer's live view of the queue.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close()
}

// NewMemoryQueue initialises an in-process queue suitable for tests and
// single-process deployments where the worker pool runs inside the API
// binary. Every subscriber competes for jobs.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		jobs: make(chan Delivery, buffer),
		done: make(chan struct{}),
	}
}

type memoryQueue struct {
	// jobs is never closed: producers may be blocked mid-send when Close
	// runs, so shutdown is signalled through done instead.
	jobs chan Delivery
	done chan struct{}
	once sync.Once
}

func (q *memoryQueue) Enqueue(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.VideoID) == "" {
		return errors.New("job video id is required")
	}
	select {
	case <-q.done:
		return errors.New("queue is closed")
	default:
	}
	select {
	case q.jobs <- Delivery{Job: job}:
		return nil
	case <-q.done:
		return errors.New("queue is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	return &memorySubscription{jobs: q.jobs}
}

func (q *memoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

type memorySubscription struct {
	jobs chan Delivery
}

func (s *memorySubscription) Deliveries() <-chan Delivery {
	return s.jobs
}

func (s *memorySubscription) Close() {}
