// Package notify fans session state changes out to live viewers.
//
// The Hub keeps one topic per session id. Publishing delivers to the current
// subscribers of that topic only and never blocks: a subscriber whose buffer
// is full is evicted and its channel closed.
package notify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/models"
	"go.uber.org/zap"
)

// ErrHubClosed is returned by Subscribe after Close
var ErrHubClosed = errors.New("notification hub closed")

// EventTypeSessionUpdate is the only event type pushed to viewers today
const EventTypeSessionUpdate = "session_update"

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 16

// Event is a session state change as sent to viewers
type Event struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Response  string               `json:"response,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// SessionUpdate builds the event describing the current state of s
func SessionUpdate(s *models.Session) Event {
	ev := Event{
		Type:      EventTypeSessionUpdate,
		SessionID: s.ID.String(),
		Status:    s.Status,
		Timestamp: s.UpdatedAt,
	}
	if s.Response != nil {
		ev.Response = *s.Response
	}
	if s.ErrorMessage != nil {
		ev.Error = *s.ErrorMessage
	}
	return ev
}

// Subscription is one viewer attached to one session
type Subscription struct {
	hub       *Hub
	sessionID string
	ch        chan Event
	evicted   atomic.Bool
}

// Events returns the delivery channel. It is closed on Close, eviction or
// hub shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// SessionID returns the session the subscription listens to
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Evicted reports whether the hub dropped the subscription for falling behind
func (s *Subscription) Evicted() bool {
	return s.evicted.Load()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type topic struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Hub is the registry of session topics
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	buffer  int
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHub creates a hub whose subscribers buffer up to buffer events
func NewHub(buffer int, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics:  make(map[string]*topic),
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe attaches a new viewer to sessionID
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[sessionID] = t
	}

	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan Event, h.buffer),
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	h.metrics.SubscriberAdded()
	h.logger.Debug("subscriber attached", zap.String("session_id", sessionID))

	return sub, nil
}

// Publish delivers ev to every current subscriber of sessionID and returns how
// many received it. Subscribers with a full buffer are evicted.
func (h *Hub) Publish(sessionID string, ev Event) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	delivered := 0
	var slow []*Subscription

	// Channels are only closed under the topic write lock, so sends here are safe.
	t.mu.RLock()
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range slow {
		sub.evicted.Store(true)
		h.unsubscribe(sub)
		h.metrics.SubscriberEvicted()
		h.logger.Warn("evicted slow subscriber",
			zap.String("session_id", sessionID),
			zap.Int("buffer", h.buffer))
	}

	return delivered
}

// SubscriberCount returns the number of live subscribers of sessionID
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.sessionID]
	if !ok {
		return
	}

	t.mu.Lock()
	if _, ok := t.subs[sub]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.subs, sub)
	close(sub.ch)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(h.topics, sub.sessionID)
	}

	h.metrics.SubscriberRemoved()
}

// Close closes every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	closedSubs := 0
	for sessionID, t := range h.topics {
		t.mu.Lock()
		for sub := range t.subs {
			delete(t.subs, sub)
			close(sub.ch)
			h.metrics.SubscriberRemoved()
			closedSubs++
		}
		t.mu.Unlock()
		delete(h.topics, sessionID)
	}

	h.logger.Info("notification hub closed", zap.Int("subscriptions_closed", closedSubs))
}
