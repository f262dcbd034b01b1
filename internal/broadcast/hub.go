// Package broadcast fans newly committed labels out to live subscribers.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/metrics"
	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 1024

// Subscriber is one registered live consumer.
type Subscriber struct {
	id     string
	ch     chan domain.Label
	done   chan struct{}
	once   sync.Once
	reason error
}

func (s *Subscriber) ID() string { return s.id }

// C delivers labels in publish order.
func (s *Subscriber) C() <-chan domain.Label { return s.ch }

// Done is closed when the hub removes the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err reports why the subscriber was removed: nil after a normal Remove,
// an error wrapping domain.ErrDelivery when it fell behind.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

func (s *Subscriber) close(reason error) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// Hub is the registry of live subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscriber
	buffer  int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHub builds a hub whose subscribers buffer up to buffer labels.
func NewHub(buffer int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		subs:    make(map[string]*Subscriber),
		buffer:  buffer,
		logger:  logger.With("component", "broadcast"),
		metrics: m,
	}
}

// Register adds a subscriber. Labels published after Register returns
// are delivered to it.
func (h *Hub) Register() *Subscriber {
	s := &Subscriber{
		id:   uuid.NewString(),
		ch:   make(chan domain.Label, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.metrics.SetSubscribers(n)
	h.mu.Unlock()

	h.logger.Debug("subscriber registered", "subscriber", s.id, "subscribers", n)
	return s
}

// Remove deregisters s. It is safe to call more than once.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	n := len(h.subs)
	if ok {
		h.metrics.SetSubscribers(n)
	}
	h.mu.Unlock()

	s.close(nil)
	if ok {
		h.logger.Debug("subscriber removed", "subscriber", s.id, "subscribers", n)
	}
}

// Publish hands l to every subscriber without blocking. A subscriber
// whose queue is full is removed and its Done channel closed.
func (h *Hub) Publish(l domain.Label) {
	var dropped []*Subscriber

	h.mu.Lock()
	for id, s := range h.subs {
		select {
		case s.ch <- l:
		default:
			delete(h.subs, id)
			dropped = append(dropped, s)
		}
	}
	if len(dropped) > 0 {
		h.metrics.SetSubscribers(len(h.subs))
	}
	h.mu.Unlock()

	for _, s := range dropped {
		s.close(fmt.Errorf("%w: subscriber %s fell behind at seq %d", domain.ErrDelivery, s.id, l.Seq))
		h.metrics.SubscriberDropped(metrics.DropSlow)
		h.logger.Warn("dropping slow subscriber", "subscriber", s.id, "seq", l.Seq)
	}
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes every subscriber, used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.metrics.SetSubscribers(0)
	h.mu.Unlock()

	for _, s := range subs {
		s.close(nil)
	}
}
