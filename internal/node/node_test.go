package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/witnz/quorum/internal/alert"
	"github.com/witnz/quorum/internal/config"
	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/orchestrator"
	"github.com/witnz/quorum/internal/signing"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/transport"
	"github.com/witnz/quorum/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func clusterConfig(t *testing.T, self string, size int, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = self
	cfg.Node.DataDir = filepath.Join(t.TempDir(), self)
	cfg.Cluster.Name = "test"
	cfg.Cluster.DevKeys = true
	for i := 0; i < size; i++ {
		cfg.Cluster.Members = append(cfg.Cluster.Members, config.MemberConfig{Name: fmt.Sprintf("node%d", i)})
	}
	cfg.Consensus.ViewTimeout = 150 * time.Millisecond
	cfg.Consensus.TickInterval = 5 * time.Millisecond
	cfg.Log.Backend = backend
	cfg.Orchestrator.ApplyTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return &cfg
}

type cluster struct {
	network *transport.MemNetwork
	nodes   []*Node
}

func startCluster(t *testing.T, size int) *cluster {
	t.Helper()
	c := &cluster{network: transport.NewMemNetwork(quietLogger)}
	for i := 0; i < size; i++ {
		cfg := clusterConfig(t, fmt.Sprintf("node%d", i), size, "memory")
		n, err := New(cfg, Options{
			Transport: c.network.Join(cfg.NodeID(), 4096),
			Logger:    quietLogger,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		c.nodes = append(c.nodes, n)
	}
	for _, n := range c.nodes {
		if err := n.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			if err := n.Stop(); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
		}
	})
	return c
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func containerState(n *Node, id string) storage.ContainerState {
	c, err := n.Orchestrator().Container(id)
	if err != nil {
		return ""
	}
	return c.State
}

func TestClusterReplicatesContainerOperations(t *testing.T) {
	c := startCluster(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orch := c.nodes[0].Orchestrator()
	id, err := orch.CreateContainer(ctx, operation.ContainerSpec{Name: "web", Image: "nginx", Ports: []uint16{80}})
	if err != nil {
		t.Fatalf("CreateContainer failed: %v", err)
	}
	if err := orch.StartContainer(ctx, id); err != nil {
		t.Fatalf("StartContainer failed: %v", err)
	}

	for _, n := range c.nodes {
		n := n
		eventually(t, 5*time.Second, func() bool {
			return containerState(n, id) == storage.StateRunning
		}, fmt.Sprintf("%s to apply start", n.Name()))
	}

	// Any member can initiate.
	if err := c.nodes[2].Orchestrator().ScaleContainer(ctx, id, 3); err != nil {
		t.Fatalf("ScaleContainer from node2 failed: %v", err)
	}
	for _, n := range c.nodes {
		n := n
		eventually(t, 5*time.Second, func() bool {
			ct, err := n.Orchestrator().Container(id)
			return err == nil && ct.Replicas == 3
		}, fmt.Sprintf("%s to apply scale", n.Name()))
	}

	for _, n := range c.nodes {
		if _, err := n.Registry().Verify(); err != nil {
			t.Errorf("registry of %s inconsistent: %v", n.Name(), err)
		}
		if report := n.Scrubber().Scrub(); len(report.Violations) != 0 || report.Err != nil {
			t.Errorf("scrub of %s failed: %+v", n.Name(), report)
		}
	}
}

func TestClusterToleratesOnePartitionedNode(t *testing.T) {
	c := startCluster(t, 4)
	c.network.Partition([]types.NodeID{c.nodes[0].ID(), c.nodes[1].ID(), c.nodes[2].ID()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := c.nodes[1].Orchestrator().CreateContainer(ctx, operation.ContainerSpec{Name: "db", Image: "postgres"})
	if err != nil {
		t.Fatalf("CreateContainer failed with one node partitioned: %v", err)
	}
	for _, n := range c.nodes[:3] {
		n := n
		eventually(t, 5*time.Second, func() bool {
			return containerState(n, id) == storage.StateCreated
		}, fmt.Sprintf("%s to apply create", n.Name()))
	}
	if containerState(c.nodes[3], id) != "" {
		t.Error("partitioned node must not apply the operation")
	}
}

func TestApplicationErrorIsReplicated(t *testing.T) {
	c := startCluster(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := c.nodes[1].Bus().Subscribe(events.DefaultCapacity)
	defer sub.Close()

	err := c.nodes[0].Orchestrator().StartContainer(ctx, "missing")
	if !orchestrator.IsApplicationError(err) {
		t.Fatalf("expected application error, got %v", err)
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("no event on node1: %v", err)
		}
		if ev.Kind == events.OperationFailed && ev.Operation != nil {
			res, err := c.nodes[1].Orchestrator().Result(*ev.Operation)
			if err != nil {
				t.Fatalf("Result failed: %v", err)
			}
			if res.Success {
				t.Error("expected failed result on node1")
			}
			return
		}
	}
}

func TestNodeRestartKeepsRegistry(t *testing.T) {
	network := transport.NewMemNetwork(quietLogger)
	cfg := clusterConfig(t, "node0", 1, "bolt")

	n, err := New(cfg, Options{Transport: network.Join(cfg.NodeID(), 1024), Logger: quietLogger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := n.Orchestrator().CreateContainer(ctx, operation.ContainerSpec{Name: "api", Image: "api:1"})
	if err != nil {
		t.Fatalf("CreateContainer failed: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	n, err = New(cfg, Options{Transport: network.Join(cfg.NodeID(), 1024), Logger: quietLogger})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer n.Stop()

	if containerState(n, id) != storage.StateCreated {
		t.Errorf("expected container %s to survive restart", id)
	}
	if n.Log().CommitIndex() == 0 {
		t.Error("expected committed entries after restart")
	}

	// Restored entries are not applied twice.
	m := n.Orchestrator().Metrics()
	if m.OperationsApplied != 0 {
		t.Errorf("expected no re-application after restart, got %d", m.OperationsApplied)
	}
}

func TestKeysFromConfig(t *testing.T) {
	cfg := clusterConfig(t, "node0", 2, "memory")
	cfg.Cluster.DevKeys = false

	seeds := make(map[string][]byte)
	for i, m := range cfg.Cluster.Members {
		seed, err := signing.GenerateSeed()
		if err != nil {
			t.Fatalf("GenerateSeed failed: %v", err)
		}
		s, err := signing.NewSigner(types.NodeIDFromName(m.Name), seed)
		if err != nil {
			t.Fatalf("NewSigner failed: %v", err)
		}
		if cfg.Cluster.Members[i].PublicKey, err = signing.EncodePublicKey(s.Public()); err != nil {
			t.Fatalf("EncodePublicKey failed: %v", err)
		}
		seeds[m.Name] = seed
	}
	cfg.Node.KeySeed = hex.EncodeToString(seeds["node0"])

	ring, err := KeyRing(cfg)
	if err != nil {
		t.Fatalf("KeyRing failed: %v", err)
	}
	signer, err := Signer(cfg)
	if err != nil {
		t.Fatalf("Signer failed: %v", err)
	}

	msg := []byte("payload")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := ring.Verify(cfg.NodeID(), msg, sig); err != nil {
		t.Errorf("signature from configured seed rejected: %v", err)
	}
	if err := ring.Verify(types.NodeIDFromName("node1"), msg, sig); err == nil {
		t.Error("signature accepted under the wrong member key")
	}

	cfg.Cluster.Members[1].PublicKey = "garbage"
	if _, err := KeyRing(cfg); err == nil {
		t.Error("expected error for undecodable public key")
	}
}

func TestSingleCreateReplicatesIdenticalResult(t *testing.T) {
	c := startCluster(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	begin := time.Now()
	res, err := c.nodes[0].Orchestrator().Execute(ctx, operation.CreateContainer{Spec: operation.ContainerSpec{Image: "alpine"}})
	elapsed := time.Since(begin)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("commit took %v, want at most 100ms", elapsed)
	}

	for _, n := range c.nodes {
		n := n
		eventually(t, 5*time.Second, func() bool {
			_, err := n.Orchestrator().Result(res.Key)
			return err == nil
		}, fmt.Sprintf("%s to apply create", n.Name()))

		cs, err := n.Orchestrator().Containers()
		if err != nil {
			t.Fatalf("Containers failed: %v", err)
		}
		if len(cs) != 1 {
			t.Errorf("%s has %d containers, want 1", n.Name(), len(cs))
		}

		got, err := n.Orchestrator().Result(res.Key)
		if err != nil {
			t.Fatalf("Result failed on %s: %v", n.Name(), err)
		}
		if got.Key != res.Key || got.Kind != res.Kind || got.Index != res.Index || !got.Success {
			t.Errorf("%s result %+v differs from %+v", n.Name(), got, res)
		}
		if got.Result != res.Result {
			t.Errorf("%s produced %v, node0 produced %v", n.Name(), got.Result, res.Result)
		}
	}
}

// blockingClient holds every webhook call until release is closed.
type blockingClient struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingClient) Do(req *http.Request) (*http.Response, error) {
	<-b.release
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (b *blockingClient) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestQuarantineAlertDoesNotBlockGuard(t *testing.T) {
	network := transport.NewMemNetwork(quietLogger)
	cfg := clusterConfig(t, "node0", 4, "memory")
	client := &blockingClient{release: make(chan struct{})}

	n, err := New(cfg, Options{
		Transport: network.Join(cfg.NodeID(), 1024),
		Logger:    quietLogger,
		Alerts:    alert.NewManagerWithClient(true, "https://hooks.slack.com/test", "test", client),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := n.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})

	done := make(chan struct{})
	go func() {
		n.Guard().HandleByzantineNode(types.NodeIDFromName("node3"), guard.Evidence{Kind: guard.EvidenceExternalReport, Detail: "operator"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(client.release)
		t.Fatal("quarantine blocked on the webhook")
	}

	close(client.release)
	eventually(t, 5*time.Second, func() bool { return client.count() == 1 }, "alert delivery")
}
