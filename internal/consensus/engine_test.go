package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/signing"
	"github.com/witnz/quorum/internal/transport"
	"github.com/witnz/quorum/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testNode struct {
	id       types.NodeID
	signer   *signing.Signer
	engine   *Engine
	log      *replog.Log
	guard    *guard.Guard
	endpoint *transport.MemEndpoint

	mu      sync.Mutex
	applied []replog.Entry
	failed  map[operation.Key]error
	nextOp  uint64
}

func (n *testNode) appliedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applied)
}

func (n *testNode) failure(key operation.Key) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed[key]
}

type testCluster struct {
	t       *testing.T
	network *transport.MemNetwork
	nodes   []*testNode
	cancel  context.CancelFunc
}

func newTestCluster(t *testing.T, size int, tweak func(*Config)) *testCluster {
	t.Helper()

	ring := signing.NewKeyRing()
	var members []types.NodeID
	var signers []*signing.Signer
	for i := 0; i < size; i++ {
		name := fmt.Sprintf("node%d", i)
		id := types.NodeIDFromName(name)
		s, err := signing.NewSigner(id, signing.DevSeed(name))
		if err != nil {
			t.Fatalf("NewSigner failed: %v", err)
		}
		ring.Add(id, s.Public())
		members = append(members, id)
		signers = append(signers, s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &testCluster{t: t, network: transport.NewMemNetwork(quietLogger), cancel: cancel}

	for i, id := range members {
		n := &testNode{id: id, signer: signers[i], failed: make(map[operation.Key]error)}

		l, err := replog.Open(replog.Options{
			Store:  raft.NewInmemStore(),
			Logger: quietLogger,
			Applier: func(e replog.Entry) error {
				n.mu.Lock()
				n.applied = append(n.applied, e)
				n.mu.Unlock()
				return nil
			},
		})
		if err != nil {
			t.Fatalf("replog.Open failed: %v", err)
		}

		g, err := guard.New(guard.DefaultConfig(), members, guard.Options{Logger: quietLogger, Verifier: ring})
		if err != nil {
			t.Fatalf("guard.New failed: %v", err)
		}

		cfg := DefaultConfig()
		cfg.NodeID = id
		cfg.Members = members
		cfg.ViewTimeout = 150 * time.Millisecond
		cfg.TickInterval = 5 * time.Millisecond
		if tweak != nil {
			tweak(&cfg)
		}

		n.endpoint = c.network.Join(id, 4096)
		n.engine, err = New(cfg, signers[i], ring, g, l, n.endpoint, Options{
			Logger: quietLogger,
			OnFailed: func(key operation.Key, err error) {
				n.mu.Lock()
				n.failed[key] = err
				n.mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		n.log = l
		n.guard = g
		c.nodes = append(c.nodes, n)
	}

	for _, n := range c.nodes {
		if err := n.engine.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	t.Cleanup(c.stop)
	return c
}

func (c *testCluster) stop() {
	c.cancel()
	for _, n := range c.nodes {
		n.engine.Stop()
		n.endpoint.Close()
	}
}

func (c *testCluster) primary() *testNode {
	p := c.nodes[0].engine.Status().Primary
	for _, n := range c.nodes {
		if n.id == p {
			return n
		}
	}
	c.t.Fatal("primary not found")
	return nil
}

func (c *testCluster) backup() *testNode {
	p := c.primary()
	for _, n := range c.nodes {
		if n != p {
			return n
		}
	}
	return nil
}

func (c *testCluster) submit(n *testNode) operation.Key {
	c.t.Helper()

	n.mu.Lock()
	n.nextOp++
	id := n.nextOp
	n.mu.Unlock()

	op := operation.CreateContainer{
		Header: operation.Header{OperationID: id, Initiator: n.id, Timestamp: time.Now().UTC()},
		Spec:   operation.ContainerSpec{Name: fmt.Sprintf("web-%d", id), Image: "alpine"},
	}
	if err := n.engine.Submit(context.Background(), op); err != nil {
		c.t.Fatalf("Submit failed: %v", err)
	}
	return operation.KeyOf(op)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countRequests(t *testing.T, entries []replog.Entry) int {
	t.Helper()
	total := 0
	for _, e := range entries {
		reqs, err := DecodeEntry(e)
		if err != nil {
			t.Fatalf("DecodeEntry failed: %v", err)
		}
		total += len(reqs)
	}
	return total
}

func (n *testNode) appliedRequests(t *testing.T) int {
	n.mu.Lock()
	entries := append([]replog.Entry(nil), n.applied...)
	n.mu.Unlock()
	return countRequests(t, entries)
}

// appliedLive reports whether key was applied from a batch stamped before
// its deadline.
func (n *testNode) appliedLive(t *testing.T, key operation.Key) bool {
	n.mu.Lock()
	entries := append([]replog.Entry(nil), n.applied...)
	n.mu.Unlock()
	for _, e := range entries {
		reqs, err := DecodeEntry(e)
		if err != nil {
			t.Fatalf("DecodeEntry failed: %v", err)
		}
		for _, r := range reqs {
			if r.Key() == key && !r.Expired {
				return true
			}
		}
	}
	return false
}

// appliedDigests returns the operation digest of every application of key.
func (n *testNode) appliedDigests(t *testing.T, key operation.Key) []types.Digest {
	n.mu.Lock()
	entries := append([]replog.Entry(nil), n.applied...)
	n.mu.Unlock()
	var out []types.Digest
	for _, e := range entries {
		reqs, err := DecodeEntry(e)
		if err != nil {
			t.Fatalf("DecodeEntry failed: %v", err)
		}
		for _, r := range reqs {
			if r.Key() == key {
				out = append(out, r.Digest)
			}
		}
	}
	return out
}

func assertSameLogs(t *testing.T, nodes []*testNode, upTo types.LogIndex) {
	t.Helper()
	ref, err := nodes[0].log.Entries(nodes[0].log.SnapshotIndex()+1, upTo)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	for _, n := range nodes[1:] {
		for _, want := range ref {
			got, err := n.log.Entry(want.Index)
			if errors.Is(err, replog.ErrCompacted) {
				continue
			}
			if err != nil {
				t.Fatalf("%s: Entry(%d) failed: %v", n.id.Short(), want.Index, err)
			}
			if got.Checksum != want.Checksum {
				t.Errorf("%s: entry %d differs from %s", n.id.Short(), want.Index, nodes[0].id.Short())
			}
		}
	}
}

func TestSingleNodeCommits(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	n := c.nodes[0]

	for i := 0; i < 3; i++ {
		c.submit(n)
	}
	waitFor(t, 2*time.Second, "three requests applied", func() bool { return n.appliedRequests(t) == 3 })

	st := n.engine.Status()
	if !st.IsPrimary || st.View != 0 {
		t.Errorf("unexpected status %+v", st)
	}
	if n.engine.Stats().RoundsCommitted == 0 {
		t.Error("expected committed rounds in stats")
	}
}

func TestClusterCommitsSameOrder(t *testing.T) {
	c := newTestCluster(t, 4, nil)

	for i := 0; i < 3; i++ {
		for _, n := range c.nodes {
			c.submit(n)
		}
	}

	for _, n := range c.nodes {
		n := n
		waitFor(t, 3*time.Second, "all requests applied on "+n.id.Short(), func() bool {
			return n.appliedRequests(t) == 12
		})
	}

	last := c.nodes[0].log.LastIndex()
	for _, n := range c.nodes[1:] {
		if n.log.LastIndex() != last {
			t.Errorf("%s: last index %d, expected %d", n.id.Short(), n.log.LastIndex(), last)
		}
	}
	assertSameLogs(t, c.nodes, last)

	for _, n := range c.nodes {
		if n.guard.FaultsDetected() != 0 {
			t.Errorf("%s: unexpected faults %v", n.id.Short(), n.guard.Evidence())
		}
	}
}

func TestSubmitRejectsForeignInitiator(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	n := c.nodes[0]

	op := operation.StartContainer{
		Header:      operation.Header{OperationID: 1, Initiator: types.NodeIDFromName("other")},
		ContainerID: "ctr-1",
	}
	if err := n.engine.Submit(context.Background(), op); !errors.Is(err, ErrNotInitiator) {
		t.Errorf("expected ErrNotInitiator, got %v", err)
	}
}

func TestSubmitRejectsInvalidOperation(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	n := c.nodes[0]

	op := operation.ScaleContainer{
		Header:      operation.Header{OperationID: 1, Initiator: n.id},
		ContainerID: "ctr-1",
		Replicas:    0,
	}
	if err := n.engine.Submit(context.Background(), op); !errors.Is(err, operation.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestDuplicateRequestCommittedOnce(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	n := c.backup()

	op := operation.StartContainer{
		Header:      operation.Header{OperationID: 7, Initiator: n.id, Timestamp: time.Now().UTC()},
		ContainerID: "ctr-1",
	}
	for i := 0; i < 3; i++ {
		if err := n.engine.Submit(context.Background(), op); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, "request applied", func() bool { return n.appliedRequests(t) >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := n.appliedRequests(t); got != 1 {
		t.Errorf("expected the operation once, got %d", got)
	}
}

func TestCheckpointsBecomeStableAndCompact(t *testing.T) {
	c := newTestCluster(t, 4, func(cfg *Config) {
		cfg.CheckpointInterval = 2
		cfg.MaxLogSize = 2
		cfg.BatchSize = 1
	})
	p := c.primary()

	for i := 0; i < 8; i++ {
		c.submit(p)
	}

	for _, n := range c.nodes {
		n := n
		waitFor(t, 3*time.Second, "stable checkpoint on "+n.id.Short(), func() bool {
			return n.engine.Status().StableCheckpoint >= 6
		})
	}

	for _, n := range c.nodes {
		if n.log.SnapshotIndex() == 0 {
			t.Errorf("%s: expected log compaction", n.id.Short())
		}
	}
	assertSameLogs(t, c.nodes, 6)
}

func TestLaggingReplicaCatchesUpByStateTransfer(t *testing.T) {
	c := newTestCluster(t, 4, func(cfg *Config) {
		cfg.CheckpointInterval = 2
		cfg.BatchSize = 1
	})
	p := c.primary()

	var lagging *testNode
	var rest []types.NodeID
	for _, n := range c.nodes {
		if n != p && lagging == nil {
			lagging = n
			continue
		}
		rest = append(rest, n.id)
	}

	c.network.Partition(rest)
	for i := 0; i < 6; i++ {
		c.submit(p)
	}
	waitFor(t, 3*time.Second, "progress without the lagging replica", func() bool {
		return p.engine.Status().StableCheckpoint >= 6
	})
	if lagging.engine.Status().Executed != 0 {
		t.Fatal("partitioned replica should not have executed anything")
	}

	c.network.Heal()
	for i := 0; i < 2; i++ {
		c.submit(p)
	}

	waitFor(t, 5*time.Second, "lagging replica to reach the stable checkpoint", func() bool {
		return lagging.engine.Status().StableCheckpoint >= 8
	})
	assertSameLogs(t, []*testNode{p, lagging}, 8)
	if got := lagging.appliedRequests(t); got < 8 {
		t.Errorf("expected at least 8 applied requests on lagging replica, got %d", got)
	}
}

func TestResyncReplacesTruncatedEntries(t *testing.T) {
	c := newTestCluster(t, 4, func(cfg *Config) { cfg.BatchSize = 1 })
	p := c.primary()
	n := c.backup()

	for i := 0; i < 5; i++ {
		c.submit(p)
	}
	for _, node := range c.nodes {
		node := node
		waitFor(t, 3*time.Second, "commits on "+node.id.Short(), func() bool {
			return node.engine.Status().Executed == 5
		})
	}

	want, err := p.log.Entries(1, 5)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}

	before := n.appliedCount()
	n.engine.RequestResync(3)
	waitFor(t, 3*time.Second, "resync to reapply entries", func() bool {
		return n.appliedCount() == before+3
	})
	if n.log.LastIndex() != 5 {
		t.Fatalf("expected last index 5, got %d", n.log.LastIndex())
	}

	for _, w := range want {
		got, err := n.log.Entry(w.Index)
		if err != nil {
			t.Fatalf("Entry(%d) failed: %v", w.Index, err)
		}
		if got.Checksum != w.Checksum {
			t.Errorf("entry %d differs after resync", w.Index)
		}
	}
	if n.engine.Status().Executed != 5 {
		t.Errorf("expected executed 5, got %d", n.engine.Status().Executed)
	}
}

func TestStopBeforeStart(t *testing.T) {
	id := types.NodeIDFromName("solo")
	s, err := signing.NewSigner(id, signing.DevSeed("solo"))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	ring := signing.NewKeyRing()
	ring.Add(id, s.Public())
	l, err := replog.Open(replog.Options{Store: raft.NewInmemStore()})
	if err != nil {
		t.Fatalf("replog.Open failed: %v", err)
	}
	g, err := guard.New(guard.DefaultConfig(), []types.NodeID{id}, guard.Options{Verifier: ring})
	if err != nil {
		t.Fatalf("guard.New failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.Members = []types.NodeID{id}
	e, err := New(cfg, s, ring, g, l, transport.NewMemNetwork(nil).Join(id, 8), Options{Logger: quietLogger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an engine that never started")
	}
}

func TestConfigValidate(t *testing.T) {
	id := types.NodeIDFromName("a")
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing node", func(c *Config) { c.NodeID = types.NodeID{} }, true},
		{"not a member", func(c *Config) { c.Members = []types.NodeID{types.NodeIDFromName("b")} }, true},
		{"duplicate member", func(c *Config) { c.Members = []types.NodeID{id, id} }, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }, true},
		{"zero rounds", func(c *Config) { c.MaxRounds = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.NodeID = id
			cfg.Members = []types.NodeID{id}
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEWMA(t *testing.T) {
	tests := []struct {
		prev, sample, want time.Duration
	}{
		{prev: 100 * time.Millisecond, sample: 200 * time.Millisecond, want: 110 * time.Millisecond},
		{prev: 100 * time.Millisecond, sample: 100 * time.Millisecond, want: 100 * time.Millisecond},
		{prev: 0, sample: 50 * time.Millisecond, want: 5 * time.Millisecond},
		{prev: 50 * time.Millisecond, sample: 0, want: 45 * time.Millisecond},
	}
	for _, tt := range tests {
		got := EWMA(tt.prev, tt.sample)
		if d := got - tt.want; d > 1 || d < -1 {
			t.Errorf("EWMA(%v, %v) = %v, want %v", tt.prev, tt.sample, got, tt.want)
		}
	}
}
