// Package events fans job and image transitions out to live subscribers.
// Polling GET /v1/jobs/{id} stays the source of truth; events are best effort.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"drisya/internal/domain"
)

// Event types.
const (
	TypeImage = "image"
	TypeJob   = "job"
)

// Event describes one durable transition after it committed.
type Event struct {
	Type            string             `json:"type"`
	JobID           string             `json:"job_id"`
	ImageID         string             `json:"image_id,omitempty"`
	ImageStatus     domain.ImageStatus `json:"image_status,omitempty"`
	ErrorKind       domain.ErrorKind   `json:"error_kind,omitempty"`
	JobStatus       domain.JobStatus   `json:"job_status"`
	TotalImages     int                `json:"total_images"`
	CompletedImages int                `json:"completed_images"`
	FailedImages    int                `json:"failed_images"`
	At              time.Time          `json:"at"`
}

// Publisher delivers events. Implementations must not block the caller for
// long and must tolerate having no subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Hub is an in-process publisher keyed by job id.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Event
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[string]chan Event{},
	}
}

// Subscribe registers a buffered listener for a job. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(jobID string, buf int) (string, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := h.subs[jobID]; !ok {
		h.subs[jobID] = map[string]chan Event{}
	}
	ch := make(chan Event, buf)
	h.subs[jobID][subID] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		jobSubs, ok := h.subs[jobID]
		if !ok {
			return
		}
		c, ok := jobSubs[subID]
		if !ok {
			return
		}
		delete(jobSubs, subID)
		close(c)
		if len(jobSubs) == 0 {
			delete(h.subs, jobID)
		}
	}
	return subID, ch, unsubscribe
}

// Publish delivers to current subscribers of evt.JobID without blocking.
func (h *Hub) Publish(_ context.Context, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	jobSubs, ok := h.subs[evt.JobID]
	if !ok {
		return
	}
	for _, ch := range jobSubs {
		select {
		case ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers returns the number of listeners for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
