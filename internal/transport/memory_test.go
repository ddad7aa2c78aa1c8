package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/witnz/quorum/internal/types"
)

var (
	idA = types.NodeIDFromName("a")
	idB = types.NodeIDFromName("b")
	idC = types.NodeIDFromName("c")
)

func receive(t *testing.T, ep *MemEndpoint) (Message, bool) {
	t.Helper()
	select {
	case m := <-ep.Inbound():
		return m, true
	case <-time.After(50 * time.Millisecond):
		return Message{}, false
	}
}

func TestSendDelivers(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 8)
	b := n.Join(idB, 8)

	if err := a.Send(context.Background(), idB, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	m, ok := receive(t, b)
	if !ok {
		t.Fatal("expected message")
	}
	if m.From != idA || string(m.Data) != "hello" {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestSendUnknownPeer(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 8)

	if err := a.Send(context.Background(), idC, []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestPartitionAndHeal(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 8)
	b := n.Join(idB, 8)
	c := n.Join(idC, 8)

	n.Partition([]types.NodeID{idA, idB}, []types.NodeID{idC})

	a.Send(context.Background(), idB, []byte("same side"))
	a.Send(context.Background(), idC, []byte("other side"))

	if _, ok := receive(t, b); !ok {
		t.Error("message within a partition should arrive")
	}
	if _, ok := receive(t, c); ok {
		t.Error("message across partitions should be dropped")
	}

	n.Heal()
	a.Send(context.Background(), idC, []byte("healed"))
	if _, ok := receive(t, c); !ok {
		t.Error("message should arrive after heal")
	}
}

func TestIsolateAndFilter(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 8)
	b := n.Join(idB, 8)

	n.Isolate(idA)
	a.Send(context.Background(), idB, []byte("x"))
	if _, ok := receive(t, b); ok {
		t.Error("isolated member should not reach peers")
	}

	b.Send(context.Background(), idA, []byte("y"))
	if _, ok := receive(t, a); !ok {
		t.Error("isolated member should still receive")
	}

	n.RemoveFilter("isolate-" + idA.String())
	a.Send(context.Background(), idB, []byte("z"))
	if _, ok := receive(t, b); !ok {
		t.Error("message should arrive after filter removal")
	}

	_, dropped := n.Stats()
	if dropped != 1 {
		t.Errorf("expected 1 dropped message, got %d", dropped)
	}
}

func TestFullQueueDrops(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 1)
	n.Join(idB, 1)

	a.Send(context.Background(), idB, []byte("1"))
	a.Send(context.Background(), idB, []byte("2"))

	delivered, dropped := n.Stats()
	if delivered != 1 || dropped != 1 {
		t.Errorf("expected 1 delivered and 1 dropped, got %d/%d", delivered, dropped)
	}
}

func TestClosedEndpoint(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 8)
	n.Join(idB, 8)

	a.Close()
	if err := a.Send(context.Background(), idB, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDelay(t *testing.T) {
	n := NewMemNetwork(nil)
	a := n.Join(idA, 8)
	b := n.Join(idB, 8)
	n.SetDelay(20 * time.Millisecond)

	start := time.Now()
	a.Send(context.Background(), idB, []byte("late"))
	select {
	case <-b.Inbound():
		if time.Since(start) < 20*time.Millisecond {
			t.Error("message arrived before the delay")
		}
	case <-time.After(time.Second):
		t.Fatal("delayed message never arrived")
	}
}
