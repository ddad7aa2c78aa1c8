// Package events fans out orchestrator events to subscribers. Each
// subscriber owns a bounded queue; when it is full the oldest event is
// dropped so a slow reader never blocks the publisher.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/types"
)

var ErrClosed = errors.New("subscription closed")

type Kind string

const (
	OperationApplied   Kind = "operation_applied"
	OperationFailed    Kind = "operation_failed"
	NodeQuarantined    Kind = "node_quarantined"
	NodeReleased       Kind = "node_released"
	IntegrityViolation Kind = "integrity_violation"
	HealthChanged      Kind = "health_changed"
)

type Event struct {
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"at"`
	Operation *operation.Key `json:"operation,omitempty"`
	Index     types.LogIndex `json:"index,omitempty"`
	Node      types.NodeID   `json:"node,omitempty"`
	Message   string         `json:"message,omitempty"`
}

const DefaultCapacity = 256

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with a queue of capacity events.
func (b *Bus) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:       b.nextID,
		bus:      b,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish hands ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.push(ev) {
			b.logger.Debug("Subscriber queue full, dropped oldest event", "subscriber", s.id, "kind", ev.Kind)
		}
	}
}

// Close ends every subscription. Queued events remain readable.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type Subscription struct {
	id       uint64
	bus      *Bus
	capacity int
	notify   chan struct{}

	mu      sync.Mutex
	queue   []Event
	dropped uint64
	closed  bool
}

// push queues ev and reports whether an older event was dropped for it.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	dropped := false
	if !s.closed {
		if len(s.queue) >= s.capacity {
			s.queue = s.queue[1:]
			s.dropped++
			dropped = true
		}
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is available, the subscription is closed or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok, closed := s.pop(); ok {
			return ev, nil
		} else if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryNext returns the oldest queued event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	ev, ok, _ := s.pop()
	return ev, ok
}

func (s *Subscription) pop() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false, s.closed
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true, false
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
