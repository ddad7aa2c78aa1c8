package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/witnz/quorum/internal/types"
)

// Filter decides whether a payload from one member reaches another.
// Returning false drops it.
type Filter func(from, to types.NodeID, data []byte) bool

// MemNetwork connects endpoints inside one process. It supports partitions,
// message filters and a fixed delivery delay for fault-injection tests.
type MemNetwork struct {
	mu        sync.RWMutex
	endpoints map[types.NodeID]*MemEndpoint
	groups    map[types.NodeID]int
	filters   map[string]Filter
	delay     time.Duration
	logger    *slog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewMemNetwork(logger *slog.Logger) *MemNetwork {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemNetwork{
		endpoints: make(map[types.NodeID]*MemEndpoint),
		groups:    make(map[types.NodeID]int),
		filters:   make(map[string]Filter),
		logger:    logger,
	}
}

// Join registers id and returns its endpoint. buffer bounds the inbound
// queue; messages to a full queue are dropped.
func (n *MemNetwork) Join(id types.NodeID, buffer int) *MemEndpoint {
	if buffer <= 0 {
		buffer = 1024
	}
	ep := &MemEndpoint{
		id:      id,
		network: n,
		inbound: make(chan Message, buffer),
	}

	n.mu.Lock()
	n.endpoints[id] = ep
	n.mu.Unlock()
	return ep
}

// Partition splits the members into isolated groups. Members not listed
// form their own group.
func (n *MemNetwork) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[types.NodeID]int)
	for i, g := range groups {
		for _, id := range g {
			n.groups[id] = i + 1
		}
	}
}

func (n *MemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[types.NodeID]int)
}

func (n *MemNetwork) SetFilter(name string, f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters[name] = f
}

func (n *MemNetwork) RemoveFilter(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.filters, name)
}

// Isolate drops everything id sends.
func (n *MemNetwork) Isolate(id types.NodeID) {
	n.SetFilter("isolate-"+id.String(), func(from, to types.NodeID, data []byte) bool {
		return from != id
	})
}

func (n *MemNetwork) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

func (n *MemNetwork) Stats() (delivered, dropped uint64) {
	return n.delivered.Load(), n.dropped.Load()
}

func (n *MemNetwork) route(from, to types.NodeID, data []byte) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	if !ok {
		n.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to.Short())
	}
	if n.groups[from] != n.groups[to] {
		n.mu.RUnlock()
		n.dropped.Add(1)
		return nil
	}
	for _, f := range n.filters {
		if !f(from, to, data) {
			n.mu.RUnlock()
			n.dropped.Add(1)
			return nil
		}
	}
	delay := n.delay
	n.mu.RUnlock()

	msg := Message{From: from, Data: append([]byte(nil), data...)}
	if delay > 0 {
		time.AfterFunc(delay, func() { n.deliver(dst, msg) })
		return nil
	}
	n.deliver(dst, msg)
	return nil
}

func (n *MemNetwork) deliver(dst *MemEndpoint, msg Message) {
	dst.mu.RLock()
	defer dst.mu.RUnlock()
	if dst.isClosed {
		n.dropped.Add(1)
		return
	}

	select {
	case dst.inbound <- msg:
		n.delivered.Add(1)
	default:
		n.dropped.Add(1)
		n.logger.Warn("Inbound queue full, message dropped",
			"to", dst.id.Short(),
			"from", msg.From.Short())
	}
}

// MemEndpoint is one member's view of a MemNetwork.
type MemEndpoint struct {
	id      types.NodeID
	network *MemNetwork
	inbound chan Message

	mu       sync.RWMutex
	isClosed bool
}

func (e *MemEndpoint) ID() types.NodeID {
	return e.id
}

func (e *MemEndpoint) Send(ctx context.Context, to types.NodeID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	closed := e.isClosed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return e.network.route(e.id, to, data)
}

func (e *MemEndpoint) Inbound() <-chan Message {
	return e.inbound
}

func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed {
		return nil
	}
	e.isClosed = true
	return nil
}
