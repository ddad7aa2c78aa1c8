// Package orchestrator is the public surface of a node: it submits container
// operations to consensus, waits for them to be applied and applies every
// committed operation exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/witnz/quorum/internal/consensus"
	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/runtime"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/types"
)

// Engine orders operations. *consensus.Engine implements it.
type Engine interface {
	Submit(ctx context.Context, op operation.Operation) error
	Status() consensus.Status
	Stats() consensus.Stats
}

// FaultTracker reports Byzantine faults. *guard.Guard implements it.
type FaultTracker interface {
	QuarantinedNodes() []types.NodeID
	FaultsDetected() uint64
}

// Journal receives every applied operation for external auditing.
type Journal interface {
	Record(ctx context.Context, rec *storage.AppliedRecord) error
}

type Options struct {
	NodeID     types.NodeID
	Members    []types.NodeID
	Engine     Engine
	Faults     FaultTracker
	Storage    *storage.Storage
	Runtime    runtime.Runtime
	Networking runtime.Networking
	Bus        *events.Bus
	Journal    Journal
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time

	// ApplyTimeout bounds each runtime call made while applying.
	ApplyTimeout time.Duration
	// WaiterTTL is how long an unanswered wait survives maintenance.
	WaiterTTL time.Duration
}

const (
	metaNextOperationID = "orchestrator.next_operation_id"
	idReservation       = 1024

	defaultApplyTimeout = 30 * time.Second
	defaultWaiterTTL    = 5 * time.Minute
)

// OperationResult is the outcome of an applied operation. Err is set when
// the operation committed but could not be carried out.
type OperationResult struct {
	Key           operation.Key
	Kind          operation.Kind
	Index         types.LogIndex
	Success       bool
	Result        operation.Result
	Err           error
	ExecutionTime time.Duration
	// ConsensusTime is measured from local submission and is zero for
	// operations initiated elsewhere.
	ConsensusTime time.Duration
	AppliedAt     time.Time
}

type waiter struct {
	done        chan struct{}
	result      *OperationResult
	err         error
	submittedAt time.Time
	local       bool
}

// finish settles the waiter once and reports whether this call did it.
func (w *waiter) finish(res *OperationResult, err error) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	w.result = res
	w.err = err
	close(w.done)
	return true
}

type Orchestrator struct {
	nodeID     types.NodeID
	members    []types.NodeID
	memberSet  map[types.NodeID]bool
	engine     Engine
	faults     FaultTracker
	store      *storage.Storage
	runtime    runtime.Runtime
	networking runtime.Networking
	bus        *events.Bus
	journal    Journal
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	applyTimeout time.Duration
	waiterTTL    time.Duration

	mu       sync.Mutex
	waiters  map[operation.Key]*waiter
	nextID   uint64
	reserved uint64
	health   Health

	statsMu sync.Mutex
	stats   counters
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("consensus engine is required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if opts.NodeID.IsZero() {
		return nil, fmt.Errorf("node id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	networking := opts.Networking
	if networking == nil {
		networking = runtime.MemNetworking{}
	}

	o := &Orchestrator{
		nodeID:       opts.NodeID,
		members:      append([]types.NodeID(nil), opts.Members...),
		memberSet:    make(map[types.NodeID]bool, len(opts.Members)),
		engine:       opts.Engine,
		faults:       opts.Faults,
		store:        opts.Storage,
		runtime:      opts.Runtime,
		networking:   networking,
		bus:          bus,
		journal:      opts.Journal,
		logger:       logger.With("component", "orchestrator"),
		metrics:      opts.Metrics,
		now:          now,
		applyTimeout: opts.ApplyTimeout,
		waiterTTL:    opts.WaiterTTL,
		waiters:      make(map[operation.Key]*waiter),
		health:       HealthHealthy,
		stats:        newCounters(),
	}
	if o.applyTimeout <= 0 {
		o.applyTimeout = defaultApplyTimeout
	}
	if o.waiterTTL <= 0 {
		o.waiterTTL = defaultWaiterTTL
	}
	types.SortNodeIDs(o.members)
	for _, m := range o.members {
		o.memberSet[m] = true
	}

	if err := o.loadNextID(); err != nil {
		return nil, err
	}
	return o, nil
}

// loadNextID resumes operation ids after the last reserved block so ids are
// never reused across restarts.
func (o *Orchestrator) loadNextID() error {
	value, err := o.store.GetMetadata(metaNextOperationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		o.nextID = 1
	case err != nil:
		return fmt.Errorf("failed to load operation id: %w", err)
	default:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored operation id %q: %w", value, err)
		}
		o.nextID = n
	}
	o.reserved = o.nextID
	return nil
}

func (o *Orchestrator) allocateIDLocked() (uint64, error) {
	if o.nextID >= o.reserved {
		limit := o.nextID + idReservation
		if err := o.store.SetMetadata(metaNextOperationID, strconv.FormatUint(limit, 10)); err != nil {
			return 0, fmt.Errorf("failed to reserve operation ids: %w", err)
		}
		o.reserved = limit
	}
	id := o.nextID
	o.nextID++
	return id, nil
}

// SubmitContainerOperation validates op and hands it to consensus. The
// operation id and timestamp are assigned here when op carries none. It
// returns as soon as the engine accepts the request.
func (o *Orchestrator) SubmitContainerOperation(ctx context.Context, op operation.Operation) (operation.Key, error) {
	if op == nil {
		return operation.Key{}, &operation.ValidationError{Field: "operation", Message: "missing"}
	}

	o.mu.Lock()
	h := op.Meta()
	if h.Initiator.IsZero() {
		h.Initiator = o.nodeID
	}
	if h.OperationID == 0 {
		id, err := o.allocateIDLocked()
		if err != nil {
			o.mu.Unlock()
			return operation.Key{}, err
		}
		h.OperationID = id
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = o.now().UTC()
	}
	op = operation.WithHeader(op, h)
	key := operation.KeyOf(op)

	if err := operation.Validate(op); err != nil {
		o.mu.Unlock()
		return key, err
	}

	if _, ok := o.waiters[key]; !ok {
		o.waiters[key] = &waiter{done: make(chan struct{}), submittedAt: o.now(), local: true}
	}
	o.mu.Unlock()

	if err := o.engine.Submit(ctx, op); err != nil {
		o.mu.Lock()
		delete(o.waiters, key)
		o.mu.Unlock()
		return key, err
	}

	o.statsMu.Lock()
	o.stats.submitted++
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.IncrCounter([]string{"orchestrator", "submitted"}, 1)
	}

	o.logger.Debug("Submitted operation", "operation", key, "kind", op.Kind())
	return key, nil
}

// Await blocks until the operation identified by key is applied, fails in
// consensus or ctx is done. Abandoning the wait does not cancel the
// operation. A finished result is handed out once; later calls read the
// stored record.
func (o *Orchestrator) Await(ctx context.Context, key operation.Key) (*OperationResult, error) {
	o.mu.Lock()
	w, ok := o.waiters[key]
	if !ok {
		rec, err := o.store.GetApplied(key)
		if err == nil {
			o.mu.Unlock()
			res := o.resultFromRecord(rec)
			return res, res.Err
		}
		if !errors.Is(err, storage.ErrNotFound) {
			o.mu.Unlock()
			return nil, err
		}
		w = &waiter{done: make(chan struct{}), submittedAt: o.now()}
		o.waiters[key] = w
	}
	o.mu.Unlock()

	select {
	case <-w.done:
		o.mu.Lock()
		if o.waiters[key] == w {
			delete(o.waiters, key)
		}
		o.mu.Unlock()
		return w.result, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute submits op and waits for its result. A committed operation that
// could not be carried out returns its result together with an
// ApplicationError.
func (o *Orchestrator) Execute(ctx context.Context, op operation.Operation) (*OperationResult, error) {
	key, err := o.SubmitContainerOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	return o.Await(ctx, key)
}

// OnFailed reports a local operation dropped by consensus. It is called from
// the engine goroutine.
func (o *Orchestrator) OnFailed(key operation.Key, err error) {
	o.mu.Lock()
	w, ok := o.waiters[key]
	if ok {
		w.finish(nil, err)
	}
	o.mu.Unlock()

	o.statsMu.Lock()
	if errors.Is(err, consensus.ErrConsensusTimeout) {
		o.stats.timedOut++
	} else {
		o.stats.dropped++
	}
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.IncrCounter([]string{"orchestrator", "consensus_failed"}, 1)
	}

	o.logger.Warn("Operation failed in consensus", "operation", key, "error", err)
	k := key
	o.bus.Publish(events.Event{Kind: events.OperationFailed, At: o.now(), Operation: &k, Message: err.Error()})
}

func (o *Orchestrator) CreateContainer(ctx context.Context, spec operation.ContainerSpec) (string, error) {
	res, err := o.Execute(ctx, operation.CreateContainer{Spec: spec})
	if err != nil {
		return "", err
	}
	created, ok := res.Result.(operation.ContainerCreated)
	if !ok {
		return "", fmt.Errorf("unexpected result %T for create", res.Result)
	}
	return created.ContainerID, nil
}

func (o *Orchestrator) StartContainer(ctx context.Context, id string) error {
	_, err := o.Execute(ctx, operation.StartContainer{ContainerID: id})
	return err
}

func (o *Orchestrator) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	_, err := o.Execute(ctx, operation.StopContainer{ContainerID: id, Timeout: timeout})
	return err
}

func (o *Orchestrator) ScaleContainer(ctx context.Context, id string, replicas uint32) error {
	_, err := o.Execute(ctx, operation.ScaleContainer{ContainerID: id, Replicas: replicas})
	return err
}

func (o *Orchestrator) RemoveContainer(ctx context.Context, id string, force bool) error {
	_, err := o.Execute(ctx, operation.RemoveContainer{ContainerID: id, Force: force})
	return err
}

func (o *Orchestrator) ExecuteCommand(ctx context.Context, id string, command []string) (operation.CommandExecuted, error) {
	res, err := o.Execute(ctx, operation.ExecuteCommand{ContainerID: id, Command: command})
	if err != nil {
		return operation.CommandExecuted{}, err
	}
	out, ok := res.Result.(operation.CommandExecuted)
	if !ok {
		return operation.CommandExecuted{}, fmt.Errorf("unexpected result %T for execute", res.Result)
	}
	return out, nil
}

func (o *Orchestrator) Containers() ([]*storage.Container, error) {
	return o.store.ListContainers()
}

func (o *Orchestrator) Container(id string) (*storage.Container, error) {
	return o.store.GetContainer(id)
}

// Result returns the recorded outcome of an applied operation.
func (o *Orchestrator) Result(key operation.Key) (*OperationResult, error) {
	rec, err := o.store.GetApplied(key)
	if err != nil {
		return nil, err
	}
	return o.resultFromRecord(rec), nil
}

func (o *Orchestrator) Subscribe(capacity int) *events.Subscription {
	return o.bus.Subscribe(capacity)
}

func (o *Orchestrator) resultFromRecord(rec *storage.AppliedRecord) *OperationResult {
	res := &OperationResult{
		Key:           rec.Key,
		Kind:          rec.Kind,
		Index:         rec.Index,
		Success:       rec.Success,
		ExecutionTime: rec.ExecutionTime,
		AppliedAt:     rec.AppliedAt,
	}
	switch {
	case rec.Expired:
		res.Err = &consensus.TimeoutError{Key: rec.Key}
	case !rec.Success:
		res.Err = &ApplicationError{Key: rec.Key, Kind: rec.Kind, Err: errors.New(rec.Error)}
	}
	if len(rec.Result) > 0 {
		r, err := operation.DecodeResult(rec.Result)
		if err != nil {
			o.logger.Warn("Stored result could not be decoded", "operation", rec.Key, "error", err)
		} else {
			res.Result = r
		}
	}
	return res
}

// Maintain expires waits older than the waiter TTL and refreshes cluster
// health.
func (o *Orchestrator) Maintain() {
	cutoff := o.now().Add(-o.waiterTTL)

	o.mu.Lock()
	var stale []operation.Key
	for key, w := range o.waiters {
		if !w.submittedAt.Before(cutoff) {
			continue
		}
		select {
		case <-w.done:
		default:
			w.finish(nil, fmt.Errorf("%w: %s", ErrOperationExpired, key))
			stale = append(stale, key)
		}
		delete(o.waiters, key)
	}
	o.mu.Unlock()

	if len(stale) > 0 {
		o.logger.Warn("Cleaned up stale operations", "count", len(stale))
	}
	o.refreshHealth()
}

// Run calls Maintain every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Maintain()
		}
	}
}

// Close fails every outstanding wait.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, w := range o.waiters {
		w.finish(nil, ErrClosed)
		delete(o.waiters, key)
	}
}
