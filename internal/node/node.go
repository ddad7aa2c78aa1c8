// Package node assembles one cluster member from its configuration: the
// replicated log, registry storage, Byzantine guard, consensus engine and
// orchestrator, plus the background jobs that keep them healthy.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/witnz/quorum/internal/alert"
	"github.com/witnz/quorum/internal/config"
	"github.com/witnz/quorum/internal/consensus"
	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/journal"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/orchestrator"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/runtime"
	"github.com/witnz/quorum/internal/signing"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/transport"
	"github.com/witnz/quorum/internal/types"
	"github.com/witnz/quorum/internal/verify"
)

type Options struct {
	Transport  transport.Transport
	Runtime    runtime.Runtime
	Networking runtime.Networking
	Alerts     *alert.Manager
	Logger     *slog.Logger
	Now        func() time.Time
}

type Node struct {
	cfg    *config.Config
	id     types.NodeID
	logger *slog.Logger
	now    func() time.Time

	ring      *signing.KeyRing
	log       *replog.Log
	store     *storage.Storage
	guard     *guard.Guard
	engine    *consensus.Engine
	orch      *orchestrator.Orchestrator
	bus       *events.Bus
	alerts    *alert.Manager
	scrubber  *verify.LogScrubber
	registry  *verify.RegistryVerifier
	journal   *journal.Journal
	watcher   *journal.Watcher
	transport transport.Transport

	metrics *metrics.Metrics
	sink    *metrics.InmemSink

	// quarantines feeds forwardAlerts so webhook calls stay off the
	// consensus loop.
	quarantines chan guard.QuarantineEvent

	wg     conc.WaitGroup
	cancel context.CancelFunc
}

// KeyRing builds the verification keys of every member.
func KeyRing(cfg *config.Config) (*signing.KeyRing, error) {
	ring := signing.NewKeyRing()
	for _, m := range cfg.Cluster.Members {
		id := types.NodeIDFromName(m.Name)
		if cfg.Cluster.DevKeys {
			s, err := signing.NewSigner(id, signing.DevSeed(m.Name))
			if err != nil {
				return nil, err
			}
			ring.Add(id, s.Public())
			continue
		}
		if err := ring.AddEncoded(id, m.PublicKey); err != nil {
			return nil, fmt.Errorf("invalid public key of %s: %w", m.Name, err)
		}
	}
	return ring, nil
}

// Signer returns the signing key of the configured node.
func Signer(cfg *config.Config) (*signing.Signer, error) {
	if cfg.Cluster.DevKeys {
		return signing.NewSigner(cfg.NodeID(), signing.DevSeed(cfg.Node.ID))
	}
	seed, err := hex.DecodeString(cfg.Node.KeySeed)
	if err != nil {
		return nil, fmt.Errorf("invalid key seed: %w", err)
	}
	return signing.NewSigner(cfg.NodeID(), seed)
}

func New(cfg *config.Config, opts Options) (n *Node, err error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rt := opts.Runtime
	if rt == nil {
		rt = runtime.NewMemRuntime()
	}

	n = &Node{
		cfg:       cfg,
		id:        cfg.NodeID(),
		logger:    logger.With("node", cfg.Node.ID),
		now:       now,
		alerts:    opts.Alerts,
		transport: opts.Transport,

		quarantines: make(chan guard.QuarantineEvent, 64),
	}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			n.closeResources()
		}
	}()

	if n.alerts == nil {
		n.alerts = alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, cfg.Cluster.Name)
	}

	n.sink = metrics.NewInmemSink(10*time.Second, time.Minute)
	mcfg := metrics.DefaultConfig("quorum")
	mcfg.EnableHostname = false
	mcfg.EnableRuntimeMetrics = false
	if n.metrics, err = metrics.New(mcfg, n.sink); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	if n.ring, err = KeyRing(cfg); err != nil {
		return nil, err
	}
	signer, err := Signer(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if n.store, err = storage.New(cfg.StatePath()); err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	logStore, err := replog.OpenStore(replog.Backend(cfg.Log.Backend), cfg.LogPath())
	if err != nil {
		return nil, err
	}
	n.log, err = replog.Open(replog.Options{
		Store:   logStore,
		Logger:  n.logger,
		Applier: n.apply,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	members := cfg.MemberIDs()
	n.guard, err = guard.New(cfg.Guard, members, guard.Options{
		Logger:   n.logger,
		Verifier: n.ring,
		Store:    n.store,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}

	n.bus = events.NewBus(n.logger)
	n.guard.OnQuarantine(n.onQuarantine)

	n.engine, err = consensus.New(cfg.ConsensusConfig(), signer, n.ring, n.guard, n.log, opts.Transport, consensus.Options{
		Logger:   n.logger,
		Metrics:  n.metrics,
		OnFailed: n.onFailed,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}

	orchOpts := orchestrator.Options{
		NodeID:       n.id,
		Members:      members,
		Engine:       n.engine,
		Faults:       n.guard,
		Storage:      n.store,
		Runtime:      rt,
		Networking:   opts.Networking,
		Bus:          n.bus,
		Logger:       n.logger,
		Metrics:      n.metrics,
		Now:          now,
		ApplyTimeout: cfg.Orchestrator.ApplyTimeout,
		WaiterTTL:    cfg.Orchestrator.WaiterTTL,
	}
	if cfg.Journal.Enabled {
		n.journal, err = journal.New(context.Background(), n.id, journal.Config{
			ConnString: cfg.Journal.Database.ConnectionString(),
			Table:      cfg.Journal.Table,
		}, n.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		orchOpts.Journal = n.journal

		n.watcher, err = journal.NewWatcher(journal.WatcherConfig{
			ConnString:      cfg.Journal.Database.ConnectionString(),
			Table:           cfg.Journal.Table,
			SlotName:        "quorum_" + n.id.Short(),
			PublicationName: cfg.Journal.Table + "_pub",
		}, n.alerts, n.bus, n.logger)
		if err != nil {
			return nil, err
		}
	}
	if n.orch, err = orchestrator.New(orchOpts); err != nil {
		return nil, err
	}

	n.scrubber = verify.NewLogScrubber(n.id, n.log, n.engine, n.alerts, n.bus, n.logger)
	n.registry = verify.NewRegistryVerifier(n.store, n.log, n.alerts, n.logger)
	return n, nil
}

// apply hands committed entries to the orchestrator. The log opens before
// the orchestrator exists, but nothing commits until the engine starts.
func (n *Node) apply(e replog.Entry) error {
	return n.orch.Apply(e)
}

func (n *Node) onFailed(key operation.Key, err error) {
	n.orch.OnFailed(key, err)
}

func (n *Node) onQuarantine(ev guard.QuarantineEvent) {
	kind := events.NodeReleased
	if ev.Quarantined {
		kind = events.NodeQuarantined
	}
	n.bus.Publish(events.Event{Kind: kind, Node: ev.Node, Message: ev.Reason})
	select {
	case n.quarantines <- ev:
	default:
		n.logger.Warn("Quarantine alert queue full, dropping alert", "target", ev.Node.Short())
	}
}

func (n *Node) forwardAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.quarantines:
			if err := n.alerts.SendQuarantineAlert(ev.Node, ev.Quarantined, ev.Score, ev.Reason); err != nil {
				n.logger.Warn("Failed to send quarantine alert", "target", ev.Node.Short(), "error", err)
			}
		}
	}
}

// Start runs the engine and the background jobs until ctx is cancelled or
// Stop is called.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if err := n.engine.Start(ctx); err != nil {
		n.cancel()
		return fmt.Errorf("failed to start consensus engine: %w", err)
	}

	if n.watcher != nil {
		if err := n.watcher.Initialize(ctx); err != nil {
			n.logger.Warn("Journal watcher unavailable", "error", err)
			n.watcher = nil
		} else if err := n.watcher.Start(ctx); err != nil {
			n.logger.Warn("Journal watcher did not start", "error", err)
			n.watcher = nil
		}
	}

	n.wg.Go(func() { n.forwardAlerts(ctx) })
	n.wg.Go(func() { n.scrubber.Run(ctx, n.cfg.Log.ScrubInterval) })
	n.wg.Go(func() { n.orch.Run(ctx, n.cfg.Orchestrator.MaintenanceInterval) })
	n.wg.Go(func() { n.every(ctx, n.cfg.Orchestrator.SweepInterval, n.sweep) })
	n.wg.Go(func() { n.every(ctx, n.cfg.Log.ScrubInterval, n.verifyRegistry) })

	n.logger.Info("Node started",
		"members", len(n.cfg.Cluster.Members),
		"max_faulty", types.MaxFaulty(len(n.cfg.Cluster.Members)),
		"log_backend", n.cfg.Log.Backend)
	return nil
}

func (n *Node) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (n *Node) sweep() {
	if err := n.guard.Sweep(n.now()); err != nil {
		n.logger.Warn("Guard sweep failed", "error", err)
	}
}

func (n *Node) verifyRegistry() {
	if _, err := n.registry.Verify(); err != nil {
		n.logger.Error("Registry verification failed", "error", err)
	}
}

// Stop ends the background jobs and the engine and closes every store. A
// panic in a background job is returned as an error.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}

	var errs error
	if r := n.wg.WaitAndRecover(); r != nil {
		errs = multierr.Append(errs, r.AsError())
	}
	n.engine.Stop()
	n.orch.Close()

	if n.watcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, n.watcher.Stop(ctx))
		cancel()
	}
	if err := n.guard.Sweep(n.now()); err != nil {
		errs = multierr.Append(errs, err)
	}
	return multierr.Append(errs, n.closeResources())
}

func (n *Node) closeResources() error {
	var errs error
	if n.bus != nil {
		n.bus.Close()
	}
	if n.transport != nil {
		errs = multierr.Append(errs, n.transport.Close())
	}
	if n.journal != nil {
		n.journal.Close()
	}
	if n.log != nil {
		errs = multierr.Append(errs, n.log.Close())
	}
	if n.store != nil {
		errs = multierr.Append(errs, n.store.Close())
	}
	return errs
}

func (n *Node) ID() types.NodeID                         { return n.id }
func (n *Node) Name() string                             { return n.cfg.Node.ID }
func (n *Node) Orchestrator() *orchestrator.Orchestrator { return n.orch }
func (n *Node) Engine() *consensus.Engine                { return n.engine }
func (n *Node) Guard() *guard.Guard                      { return n.guard }
func (n *Node) Log() *replog.Log                         { return n.log }
func (n *Node) Storage() *storage.Storage                { return n.store }
func (n *Node) Bus() *events.Bus                         { return n.bus }
func (n *Node) Scrubber() *verify.LogScrubber            { return n.scrubber }
func (n *Node) Registry() *verify.RegistryVerifier       { return n.registry }

// Metrics returns the most recent interval of the in-memory metric sink.
func (n *Node) Metrics() *metrics.IntervalMetrics {
	data := n.sink.Data()
	if len(data) == 0 {
		return nil
	}
	return data[len(data)-1]
}
