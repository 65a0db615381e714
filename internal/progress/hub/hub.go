package hub

import (
	"errors"
	"sync"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

// Event is a best-effort progress notification. Delivery is at-most-once;
// the stored row counter stays authoritative. Status is empty on plain
// increment events and set only by terminal or informational publishes.
type Event struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Hub fans job events out to in-process subscribers. One mutex covers the
// stream table and every backlog; sends to subscribers happen outside the
// lock and never block.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	backlog []Event
	subs    map[*Subscription]struct{}
}

type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan Event
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{streams: make(map[string]*stream)}
}

// Publish appends to the job's backlog and delivers to current subscribers
// without blocking; a slow subscriber loses the event. Jobs nobody watches
// have no stream and the event is dropped outright.
func (h *Hub) Publish(jobID string, event Event) {
	if jobID == "" {
		return
	}

	h.mu.Lock()
	st := h.streams[jobID]
	if st == nil {
		h.mu.Unlock()
		return
	}
	st.backlog = append(st.backlog, event)
	if len(st.backlog) > DefaultBufferSize {
		st.backlog = st.backlog[len(st.backlog)-DefaultBufferSize:]
	}
	targets := make([]chan Event, 0, len(st.subs))
	for sub := range st.subs {
		targets = append(targets, sub.ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers for a job's events and returns the buffered backlog.
func (h *Hub) Subscribe(jobID string) (*Subscription, []Event, error) {
	if jobID == "" {
		return nil, nil, errors.New("invalid_job_id")
	}

	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan Event, DefaultSubscriberBuffer),
	}

	h.mu.Lock()
	st := h.streams[jobID]
	if st == nil {
		st = &stream{subs: make(map[*Subscription]struct{})}
		h.streams[jobID] = st
	}
	st.subs[sub] = struct{}{}
	backlog := append([]Event(nil), st.backlog...)
	h.mu.Unlock()

	return sub, backlog, nil
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Close drops the subscription. The last subscriber takes the stream and its
// backlog with it.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if st := h.streams[s.jobID]; st != nil {
			delete(st.subs, s)
			if len(st.subs) == 0 {
				delete(h.streams, s.jobID)
			}
		}
		h.mu.Unlock()
	})
}
