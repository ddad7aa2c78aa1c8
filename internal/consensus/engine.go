package consensus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/signing"
	"github.com/witnz/quorum/internal/transport"
	"github.com/witnz/quorum/internal/types"
)

// Verifier checks a signature made by node over msg.
type Verifier interface {
	Verify(node types.NodeID, msg, sig []byte) error
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnFailed is called from the engine goroutine when a request is dropped
	// without committing.
	OnFailed func(key operation.Key, err error)
	Now      func() time.Time
}

const (
	metaView   = "consensus.view"
	metaStable = "consensus.stable"
)

type pendingRequest struct {
	req      DecodedRequest
	received time.Time
	since    time.Time
	rounds   int
}

// Engine orders client requests with three-phase agreement. All protocol
// state is owned by the goroutine started in Start; the exported methods
// only exchange messages with it.
type Engine struct {
	cfg       Config
	members   []types.NodeID
	memberSet map[types.NodeID]bool
	f         int

	signer    *signing.Signer
	verifier  Verifier
	guard     *guard.Guard
	log       *replog.Log
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onFailed  func(operation.Key, error)
	now       func() time.Time

	submitCh chan Envelope
	resyncCh chan types.LogIndex
	stopCh   chan struct{}
	doneCh   chan struct{}
	ctx      context.Context

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	statusMu sync.RWMutex
	status   Status
	stats    Stats
	haltErr  error

	view         uint64
	inViewChange bool
	vcTarget     uint64
	vcStarted    time.Time
	vcAttempt    int
	nextSeq      uint64
	executed     uint64
	chain        *hash.HashChain
	stable       CheckpointCert

	rounds       map[roundKey]*round
	pending      map[operation.Key]*pendingRequest
	queue        []operation.Key
	batchTimer   *time.Timer
	inFlight     map[operation.Key]uint64
	executedKeys map[operation.Key]types.Digest
	// expiring holds local requests dropped after too many view changes
	// until no batch that could still commit them in time is known.
	expiring map[operation.Key]*pendingRequest

	checkpoints    map[uint64]map[types.NodeID]checkpointVote
	ownCheckpoints map[uint64]types.Digest
	certified      map[uint64]CheckpointCert
	viewChanges    map[uint64]map[types.NodeID]viewChangeRecord
	newViewSent    map[uint64]bool
	transfer       *stateTransfer

	halted error
}

func New(cfg Config, signer *signing.Signer, verifier Verifier, g *guard.Guard, log *replog.Log, t transport.Transport, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}
	if signer == nil || verifier == nil || g == nil || log == nil || t == nil {
		return nil, fmt.Errorf("signer, verifier, guard, log and transport are required")
	}
	if signer.ID() != cfg.NodeID {
		return nil, fmt.Errorf("signer %s does not match node %s", signer.ID().Short(), cfg.NodeID.Short())
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	members := append([]types.NodeID(nil), cfg.Members...)
	types.SortNodeIDs(members)
	memberSet := make(map[types.NodeID]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	e := &Engine{
		cfg:            cfg,
		members:        members,
		memberSet:      memberSet,
		f:              types.MaxFaulty(len(members)),
		signer:         signer,
		verifier:       verifier,
		guard:          g,
		log:            log,
		transport:      t,
		logger:         logger.With("node", cfg.NodeID.Short()),
		metrics:        opts.Metrics,
		onFailed:       opts.OnFailed,
		now:            now,
		submitCh:       make(chan Envelope, cfg.InboxSize),
		resyncCh:       make(chan types.LogIndex, 8),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		chain:          hash.NewHashChain(hash.Genesis),
		rounds:         make(map[roundKey]*round),
		pending:        make(map[operation.Key]*pendingRequest),
		inFlight:       make(map[operation.Key]uint64),
		executedKeys:   make(map[operation.Key]types.Digest),
		expiring:       make(map[operation.Key]*pendingRequest),
		checkpoints:    make(map[uint64]map[types.NodeID]checkpointVote),
		ownCheckpoints: make(map[uint64]types.Digest),
		certified:      make(map[uint64]CheckpointCert),
		viewChanges:    make(map[uint64]map[types.NodeID]viewChangeRecord),
		newViewSent:    make(map[uint64]bool),
	}
	e.publishStatus()
	return e, nil
}

// Start restores protocol state from the log and runs the engine until ctx
// is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if err = e.restore(); err != nil {
			return
		}
		e.ctx = ctx
		e.publishStatus()
		e.started.Store(true)
		go e.run(ctx)

		if from := e.log.ResyncFrom(); from != 0 {
			e.logger.Warn("Log was truncated at a corrupted entry, requesting state", "from", from)
			e.submitResync(0)
		}
	})
	return err
}

func (e *Engine) restore() error {
	last := e.log.LastIndex()
	if e.log.CommitIndex() < last {
		if err := e.log.UpdateCommitIndex(last); err != nil {
			return fmt.Errorf("failed to apply committed entries: %w", err)
		}
	}

	e.executed = uint64(last)
	head, err := e.chainThrough(e.executed)
	if err != nil {
		return fmt.Errorf("failed to rebuild state digest: %w", err)
	}
	e.chain.Reset(head)
	e.nextSeq = e.executed

	if raw, err := e.log.Meta(metaView); err != nil {
		return err
	} else if len(raw) == 8 {
		e.view = binary.BigEndian.Uint64(raw)
		e.vcTarget = e.view
	}
	if raw, err := e.log.Meta(metaStable); err != nil {
		return err
	} else if len(raw) > 0 {
		var cert CheckpointCert
		if err := json.Unmarshal(raw, &cert); err != nil {
			return fmt.Errorf("failed to decode stable checkpoint: %w", err)
		}
		if cert.Seq <= e.executed {
			e.stable = cert
		}
	}

	e.logger.Info("Consensus engine restored",
		"view", e.view,
		"executed", e.executed,
		"stable", e.stable.Seq,
		"members", len(e.members))
	return nil
}

// chainThrough returns the state digest after executing entries 1..idx.
func (e *Engine) chainThrough(idx uint64) (types.Digest, error) {
	chain := hash.NewHashChain(hash.Genesis)
	start := uint64(1)

	if snap := e.log.Snapshot(); snap != nil {
		if idx < uint64(snap.LastIncludedIndex) {
			for _, en := range snap.Entries[:idx] {
				chain.Add(en.Checksum)
			}
			return chain.Head(), nil
		}
		chain.Reset(snap.Chain)
		start = uint64(snap.LastIncludedIndex) + 1
	}

	if start <= idx {
		entries, err := e.log.Entries(types.LogIndex(start), types.LogIndex(idx))
		if err != nil {
			return types.Digest{}, err
		}
		if uint64(len(entries)) != idx-start+1 {
			return types.Digest{}, fmt.Errorf("log holds %d entries in [%d, %d]", len(entries), start, idx)
		}
		for _, en := range entries {
			chain.Add(en.Checksum)
		}
	}
	return chain.Head(), nil
}

// Stop ends the engine goroutine and waits for it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	if !e.started.Load() {
		return
	}
	select {
	case <-e.doneCh:
	case <-time.After(5 * time.Second):
		e.logger.Warn("Consensus engine did not stop in time")
	}
}

// Submit signs op as a client request and hands it to the engine. It returns
// once the request is queued; commitment is reported through the log.
func (e *Engine) Submit(ctx context.Context, op operation.Operation) error {
	if err := e.Err(); err != nil {
		return err
	}
	if err := operation.Validate(op); err != nil {
		return err
	}
	meta := op.Meta()
	if meta.Initiator != e.cfg.NodeID {
		return fmt.Errorf("%w: %s", ErrNotInitiator, meta.Initiator.Short())
	}

	data, err := operation.Encode(op)
	if err != nil {
		return err
	}
	now := e.now()
	env, err := Seal(e.signer, MsgRequest, ClientRequest{
		ClientID:  e.cfg.NodeID,
		Sequence:  meta.OperationID,
		Operation: data,
		Timestamp: now.UTC(),
		Deadline:  now.Add(e.RequestLifetime()).UTC(),
	}, now)
	if err != nil {
		return err
	}

	select {
	case e.submitCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.doneCh:
		return ErrStopped
	}
}

// RequestLifetime is how long after submission a request may still be
// ordered: view_timeout × max_rounds.
func (e *Engine) RequestLifetime() time.Duration {
	return e.cfg.ViewTimeout * time.Duration(e.cfg.MaxRounds)
}

// RequestResync asks the engine to refetch the log from index onward from
// its peers. A zero index fetches everything past the local log.
func (e *Engine) RequestResync(index types.LogIndex) {
	e.submitResync(index)
}

func (e *Engine) submitResync(index types.LogIndex) {
	select {
	case e.resyncCh <- index:
	default:
		e.logger.Warn("Resync request dropped, one is already queued", "index", index)
	}
}

// Err returns the halt error once the engine stopped on a storage failure.
func (e *Engine) Err() error {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.haltErr
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	defer e.stopBatchTimer()

	inbox := e.transport.Inbound()
	e.logger.Info("Consensus engine started", "view", e.view, "primary", e.primary(e.view).Short())

	for {
		var batchC <-chan time.Time
		if e.batchTimer != nil {
			batchC = e.batchTimer.C
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Consensus engine stopped due to context cancellation")
			return
		case <-e.stopCh:
			e.logger.Info("Consensus engine stopped")
			return
		case msg, ok := <-inbox:
			if !ok {
				e.logger.Warn("Transport closed, stopping consensus engine")
				return
			}
			e.handleInbound(msg)
		case env := <-e.submitCh:
			e.handleLocalRequest(env)
		case idx := <-e.resyncCh:
			e.startResync(idx)
		case <-batchC:
			e.batchTimer = nil
			e.proposeBatch(true)
		case now := <-ticker.C:
			e.tick(now)
		}

		e.publishStatus()
	}
}

func (e *Engine) handleInbound(msg transport.Message) {
	if e.halted != nil {
		return
	}

	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		e.logger.Warn("Dropping undecodable message", "from", msg.From.Short(), "error", err)
		return
	}
	if env.Sender != msg.From || !e.memberSet[env.Sender] || env.Sender == e.cfg.NodeID {
		e.logger.Warn("Dropping message with mismatched sender",
			"from", msg.From.Short(),
			"claimed", env.Sender.Short())
		return
	}

	decision := e.guard.ValidateMessage(env.Sender, guard.Message{
		ID:        env.ID(),
		Timestamp: env.Timestamp,
		Payload:   env.SigningBytes(),
		Signature: env.Signature,
	})
	if !decision.Accepted {
		e.statsMu(func(s *Stats) { s.MessagesRejected++ })
		e.incr("messages", "rejected", string(decision.Reason))
		e.logger.Debug("Message rejected",
			"type", env.Type,
			"from", env.Sender.Short(),
			"reason", decision.Reason)
		return
	}
	e.incr("messages", "received", string(env.Type))

	e.dispatch(env)
}

func (e *Engine) dispatch(env Envelope) {
	var err error
	switch env.Type {
	case MsgRequest:
		e.onRequest(env, false)
	case MsgPrePrepare:
		var pp PrePrepare
		if err = env.Decode(&pp); err == nil {
			e.onPrePrepare(env, pp)
		}
	case MsgPrepare:
		var v Vote
		if err = env.Decode(&v); err == nil {
			e.onPrepare(env, v)
		}
	case MsgCommit:
		var v Vote
		if err = env.Decode(&v); err == nil {
			e.onCommit(env, v)
		}
	case MsgCheckpoint:
		var cp Checkpoint
		if err = env.Decode(&cp); err == nil {
			e.onCheckpoint(env, cp)
		}
	case MsgViewChange:
		var vc ViewChange
		if err = env.Decode(&vc); err == nil {
			e.onViewChange(env, vc)
		}
	case MsgNewView:
		var nv NewView
		if err = env.Decode(&nv); err == nil {
			e.onNewView(env, nv)
		}
	case MsgStateRequest:
		var req StateRequest
		if err = env.Decode(&req); err == nil {
			e.onStateRequest(env, req)
		}
	case MsgStateResponse:
		var resp StateResponse
		if err = env.Decode(&resp); err == nil {
			e.onStateResponse(env, resp)
		}
	default:
		err = fmt.Errorf("unknown message type %q", env.Type)
	}

	if err != nil {
		e.logger.Warn("Dropping malformed message", "type", env.Type, "from", env.Sender.Short(), "error", err)
	}
}

func (e *Engine) seal(t MessageType, payload interface{}) (Envelope, bool) {
	env, err := Seal(e.signer, t, payload, e.now())
	if err != nil {
		e.logger.Error("Failed to seal message", "type", t, "error", err)
		return Envelope{}, false
	}
	return env, true
}

func (e *Engine) broadcast(env Envelope) {
	data, err := encodeEnvelope(env)
	if err != nil {
		e.logger.Error("Failed to encode message", "type", env.Type, "error", err)
		return
	}
	for _, m := range e.members {
		if m == e.cfg.NodeID {
			continue
		}
		e.sendRaw(m, env.Type, data)
	}
}

func (e *Engine) send(to types.NodeID, env Envelope) {
	data, err := encodeEnvelope(env)
	if err != nil {
		e.logger.Error("Failed to encode message", "type", env.Type, "error", err)
		return
	}
	e.sendRaw(to, env.Type, data)
}

func (e *Engine) sendRaw(to types.NodeID, t MessageType, data []byte) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Send(ctx, to, data); err != nil {
		e.logger.Debug("Send failed", "to", to.Short(), "type", t, "error", err)
		return
	}
	e.statsMu(func(s *Stats) {
		s.MessagesSent++
		s.BytesSent += uint64(len(data))
	})
	e.incr("messages", "sent", string(t))
}

func (e *Engine) primary(view uint64) types.NodeID {
	return e.members[view%uint64(len(e.members))]
}

func (e *Engine) isPrimary() bool {
	return e.primary(e.view) == e.cfg.NodeID
}

func (e *Engine) quorum() int {
	return 2*e.f + 1
}

func (e *Engine) highWatermark() uint64 {
	return e.stable.Seq + 2*e.cfg.CheckpointInterval
}

func (e *Engine) inWatermarks(seq uint64) bool {
	return seq > e.stable.Seq && seq <= e.highWatermark()
}

// counts reports whether id's vote counts toward a quorum.
func (e *Engine) counts(id types.NodeID) bool {
	return e.memberSet[id] && !e.guard.IsQuarantined(id)
}

func (e *Engine) tick(now time.Time) {
	if e.halted != nil {
		return
	}

	if e.transfer != nil && now.Sub(e.transfer.sentAt) > e.cfg.ViewTimeout {
		e.sendStateRequest()
	}
	e.settleExpired(now)

	if e.inViewChange {
		attempt := e.vcAttempt
		if attempt > 10 {
			attempt = 10
		}
		if now.Sub(e.vcStarted) > e.cfg.ViewTimeout<<uint(attempt) {
			if e.countingVoters(e.viewChanges[e.vcTarget]) <= 1 && e.f > 0 {
				// Nobody else suspects the primary; this node is most
				// likely behind. Return to the current view.
				e.logger.Warn("View change has no support, returning to current view",
					"view", e.view,
					"target_view", e.vcTarget)
				e.inViewChange = false
				e.vcTarget = e.view
				e.vcAttempt = 0
				for _, p := range e.pending {
					p.since = now
				}
				return
			}
			e.logger.Warn("View change timed out, escalating",
				"target_view", e.vcTarget,
				"attempt", e.vcAttempt+1)
			e.vcAttempt++
			e.startViewChange(e.vcTarget + 1)
		}
		return
	}

	for key, p := range e.pending {
		if now.Sub(p.since) > e.cfg.ViewTimeout {
			e.logger.Warn("Request not committed in time, starting view change",
				"operation", key.String(),
				"view", e.view,
				"primary", e.primary(e.view).Short())
			e.startViewChange(e.view + 1)
			return
		}
	}
}

// settleExpired reports a dropped local request as timed out once its
// deadline has passed by more than the accepted batch clock skew and no
// known proposal stamped before the deadline could still commit it. From
// then on any batch carrying it is expired on every replica.
func (e *Engine) settleExpired(now time.Time) {
	for key, p := range e.expiring {
		deadline := p.req.Request.Deadline
		if !now.After(deadline.Add(e.cfg.ViewTimeout)) || e.liveProposal(key, deadline) {
			continue
		}
		delete(e.expiring, key)
		e.logger.Warn("Request timed out", "operation", key.String(), "rounds", p.rounds-1)
		e.fail(key, &TimeoutError{Key: key, Rounds: p.rounds - 1, Deadline: deadline})
	}
}

// liveProposal reports whether a batch stamped no later than deadline and
// carrying key may still commit. Rounds of earlier views count only when
// prepared, since only those are carried into a new view.
func (e *Engine) liveProposal(key operation.Key, deadline time.Time) bool {
	for _, r := range e.rounds {
		if r.prePrepare == nil || r.seq <= e.executed || (r.view < e.view && !r.prepared) {
			continue
		}
		b := r.prePrepare.Batch
		if !deadline.IsZero() && b.Timestamp.After(deadline) {
			continue
		}
		if b.has(key) {
			return true
		}
	}
	return false
}

func (e *Engine) halt(err error) {
	if e.halted != nil {
		return
	}
	e.halted = &HaltError{Cause: err}
	e.stopBatchTimer()
	e.logger.Error("Consensus engine halted, no further votes will be cast", "error", err)

	for key, p := range e.pending {
		if p.req.Key().Initiator == e.cfg.NodeID {
			e.fail(key, e.halted)
		}
	}
	for key := range e.expiring {
		e.fail(key, e.halted)
	}
	e.pending = make(map[operation.Key]*pendingRequest)
	e.expiring = make(map[operation.Key]*pendingRequest)
}

func (e *Engine) fail(key operation.Key, err error) {
	if e.onFailed != nil {
		e.onFailed(key, err)
	}
}

func (e *Engine) stopBatchTimer() {
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
}

func (e *Engine) persistView() {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, e.view)
	if err := e.log.PutMeta(metaView, buf); err != nil {
		e.halt(err)
	}
}

func (e *Engine) incr(parts ...string) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncrCounter(append([]string{"consensus"}, parts...), 1)
}
