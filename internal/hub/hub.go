// Package hub fans server events out to subscribers with bounded,
// lossy per-subscriber queues. Delivery is at-most-once: a subscriber
// that falls behind loses its oldest events and is flagged as lagged,
// but never blocks publishers or other subscribers.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/metrics"
)

// queueSize bounds each subscriber's pending events.
const queueSize = 256

// Hub routes events by subject to live subscriptions.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty hub.
func New(log *slog.Logger) *Hub {
	return &Hub{
		log:  log.With("component", "hub"),
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	hub      *Hub
	subjects map[string]struct{}
	ch       chan event.Event
	lagged   atomic.Bool
	closed   bool
}

// Subscribe registers for the given subjects. Passing no subjects or
// event.SubjectAll receives every event.
func (h *Hub) Subscribe(subjects ...string) *Subscription {
	s := &Subscription{
		hub:      h,
		subjects: make(map[string]struct{}, len(subjects)),
		ch:       make(chan event.Event, queueSize),
	}
	if len(subjects) == 0 {
		s.subjects[event.SubjectAll] = struct{}{}
	}
	for _, subj := range subjects {
		s.subjects[subj] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	metrics.HubSubscriptions.Inc()
	return s
}

// C is the subscriber's receive channel. It closes on Close.
func (s *Subscription) C() <-chan event.Event { return s.ch }

// Lagged reports and clears the overflow flag. A true result means at
// least one event was dropped since the last call.
func (s *Subscription) Lagged() bool { return s.lagged.Swap(false) }

// Close removes the subscription and closes its channel. Safe to call
// once; pending events are discarded.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.hub.subs, s)
	metrics.HubSubscriptions.Dec()
	close(s.ch)
}

// notifyLagged sheds one more event to tell the subscriber it fell
// behind. Callers clear the flag with Lagged and may resubscribe.
func (s *Subscription) notifyLagged(at int64) {
	lag := event.Event{Type: event.TypeLagged, Subject: event.SubjectAll, At: at}
	select {
	case s.ch <- lag:
	default:
		select {
		case <-s.ch:
			metrics.HubEventsDropped.Inc()
		default:
		}
		select {
		case s.ch <- lag:
		default:
		}
	}
}

func (s *Subscription) matches(subject string) bool {
	if _, ok := s.subjects[event.SubjectAll]; ok {
		return true
	}
	_, ok := s.subjects[subject]
	return ok
}

// Publish delivers e to every matching subscriber. A full queue sheds
// its oldest event to make room; publishers never block.
func (h *Hub) Publish(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	metrics.HubEventsPublished.Inc()
	for s := range h.subs {
		if !s.matches(e.Subject) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			select {
			case <-s.ch:
				metrics.HubEventsDropped.Inc()
			default:
			}
			select {
			case s.ch <- e:
			default:
				metrics.HubEventsDropped.Inc()
			}
			if !s.lagged.Swap(true) {
				h.log.Warn("subscriber lagging, dropping oldest events", "subject", e.Subject)
				s.notifyLagged(e.At)
			}
		}
	}
}

// Close shuts the hub down, closing every subscriber channel. Publish
// becomes a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.closed = true
		metrics.HubSubscriptions.Dec()
		close(s.ch)
	}
	h.subs = nil
}
