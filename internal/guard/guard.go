package guard

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type Config struct {
	MaxMessageAge                time.Duration    `mapstructure:"max_message_age"`
	DuplicateDetectionWindow     time.Duration    `mapstructure:"duplicate_detection_window"`
	SignatureVerificationEnabled bool             `mapstructure:"signature_verification_enabled"`
	MaxLatency                   time.Duration    `mapstructure:"max_latency"`
	Reputation                   ReputationConfig `mapstructure:"reputation"`
}

func DefaultConfig() Config {
	return Config{
		MaxMessageAge:                30 * time.Second,
		DuplicateDetectionWindow:     time.Minute,
		SignatureVerificationEnabled: true,
		MaxLatency:                   2 * time.Second,
		Reputation:                   DefaultReputationConfig(),
	}
}

func (c Config) Validate() error {
	if c.MaxMessageAge <= 0 {
		return fmt.Errorf("max_message_age must be positive")
	}
	if c.DuplicateDetectionWindow <= 0 {
		return fmt.Errorf("duplicate_detection_window must be positive")
	}
	if c.MaxLatency <= 0 {
		return fmt.Errorf("max_latency must be positive")
	}
	if err := c.Reputation.Validate(); err != nil {
		return fmt.Errorf("reputation: %w", err)
	}
	return nil
}

// Verifier checks a signature made by node over msg.
type Verifier interface {
	Verify(node types.NodeID, msg, sig []byte) error
}

// ReputationStore persists reputation records across restarts.
type ReputationStore interface {
	SaveReputations(reps []NodeReputation) error
	LoadReputations() ([]NodeReputation, error)
}

// Message is the part of an inbound envelope the guard inspects.
type Message struct {
	ID        types.Digest
	Timestamp time.Time
	Payload   []byte
	Signature []byte
}

type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonUnknownSender RejectReason = "unknown_sender"
	ReasonStale         RejectReason = "stale"
	ReasonFuture        RejectReason = "future_timestamp"
	ReasonDuplicate     RejectReason = "duplicate"
	ReasonBadSignature  RejectReason = "bad_signature"
)

type Decision struct {
	Accepted bool
	Reason   RejectReason
	Evidence *Evidence
}

// QuarantineEvent is delivered to listeners when a node enters or leaves
// quarantine.
type QuarantineEvent struct {
	Node        types.NodeID
	Quarantined bool
	Score       float64
	Reason      string
}

type Options struct {
	Logger   *slog.Logger
	Verifier Verifier
	Store    ReputationStore
	Now      func() time.Time
}

type voteKey struct {
	sender types.NodeID
	phase  string
	view   uint64
	seq    uint64
}

type requestKey struct {
	initiator   types.NodeID
	operationID uint64
}

const maxEvidence = 256

// Guard validates inbound messages and keeps the reputation of every member.
type Guard struct {
	mu sync.RWMutex

	cfg      Config
	verifier Verifier
	store    ReputationStore
	logger   *slog.Logger
	now      func() time.Time

	reputations map[types.NodeID]*NodeReputation
	seen        map[types.Digest]time.Time
	votes       map[voteKey]types.Digest
	requests    map[requestKey]types.Digest
	evidence    []Evidence
	faults      uint64
	listeners   []func(QuarantineEvent)
}

func New(cfg Config, members []types.NodeID, opts Options) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guard config: %w", err)
	}
	if cfg.SignatureVerificationEnabled && opts.Verifier == nil {
		return nil, fmt.Errorf("signature verification enabled without a verifier")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Guard{
		cfg:         cfg,
		verifier:    opts.Verifier,
		store:       opts.Store,
		logger:      logger,
		now:         now,
		reputations: make(map[types.NodeID]*NodeReputation, len(members)),
		seen:        make(map[types.Digest]time.Time),
		votes:       make(map[voteKey]types.Digest),
		requests:    make(map[requestKey]types.Digest),
	}

	for _, m := range members {
		g.reputations[m] = &NodeReputation{
			Node:  m,
			Score: clampScore(cfg.Reputation.InitialScore),
		}
	}

	if opts.Store != nil {
		saved, err := opts.Store.LoadReputations()
		if err != nil {
			return nil, fmt.Errorf("failed to load reputations: %w", err)
		}
		for _, r := range saved {
			if _, ok := g.reputations[r.Node]; ok {
				r.Score = clampScore(r.Score)
				rep := r
				g.reputations[r.Node] = &rep
			}
		}
	}

	return g, nil
}

// OnQuarantine registers fn for quarantine changes. Listeners run outside
// the guard lock.
func (g *Guard) OnQuarantine(fn func(QuarantineEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// ValidateMessage decides whether a message from sender may be processed.
func (g *Guard) ValidateMessage(sender types.NodeID, msg Message) Decision {
	now := g.now()

	g.mu.Lock()
	if _, ok := g.reputations[sender]; !ok {
		g.mu.Unlock()
		return Decision{Reason: ReasonUnknownSender}
	}

	if age := now.Sub(msg.Timestamp); age > g.cfg.MaxMessageAge {
		g.mu.Unlock()
		return Decision{Reason: ReasonStale}
	} else if -age > g.cfg.MaxMessageAge {
		ev := g.recordLocked(Evidence{
			Node:   sender,
			Kind:   EvidenceTimestampViolation,
			Detail: fmt.Sprintf("timestamp %s ahead", (-age).Round(time.Millisecond)),
			At:     now,
		})
		g.mu.Unlock()
		return Decision{Reason: ReasonFuture, Evidence: &ev}
	}

	if at, ok := g.seen[msg.ID]; ok && now.Sub(at) <= g.cfg.DuplicateDetectionWindow {
		g.mu.Unlock()
		return Decision{Reason: ReasonDuplicate}
	}
	g.mu.Unlock()

	if g.cfg.SignatureVerificationEnabled {
		if err := g.verifier.Verify(sender, msg.Payload, msg.Signature); err != nil {
			ev := g.ReportFault(Evidence{
				Node:   sender,
				Kind:   EvidenceInvalidSignature,
				Detail: err.Error(),
				At:     now,
			})
			return Decision{Reason: ReasonBadSignature, Evidence: &ev}
		}
	}

	g.mu.Lock()
	g.seen[msg.ID] = now
	g.mu.Unlock()

	return Decision{Accepted: true}
}

// CheckVote remembers the digest sender voted for in (phase, view, seq) and
// reports equivocation when a later vote disagrees.
func (g *Guard) CheckVote(sender types.NodeID, phase string, view, seq uint64, digest types.Digest) *Evidence {
	key := voteKey{sender: sender, phase: phase, view: view, seq: seq}

	g.mu.Lock()
	prev, ok := g.votes[key]
	if !ok {
		g.votes[key] = digest
	}
	g.mu.Unlock()

	if !ok || prev == digest {
		return nil
	}
	ev := g.ReportFault(Evidence{
		Node:   sender,
		Kind:   EvidenceConflictingVotes,
		Detail: fmt.Sprintf("%s view=%d seq=%d: %s vs %s", phase, view, seq, prev.String()[:12], digest.String()[:12]),
		At:     g.now(),
	})
	return &ev
}

// CheckRequest reports equivocation when initiator proposes two different
// operations under the same operation id.
func (g *Guard) CheckRequest(initiator types.NodeID, operationID uint64, digest types.Digest) *Evidence {
	key := requestKey{initiator: initiator, operationID: operationID}

	g.mu.Lock()
	prev, ok := g.requests[key]
	if !ok {
		g.requests[key] = digest
	}
	g.mu.Unlock()

	if !ok || prev == digest {
		return nil
	}
	ev := g.ReportFault(Evidence{
		Node:   initiator,
		Kind:   EvidenceConflictingVotes,
		Detail: fmt.Sprintf("operation %d proposed as %s and %s", operationID, prev.String()[:12], digest.String()[:12]),
		At:     g.now(),
	})
	return &ev
}

// PruneVotes forgets vote records for sequences at or below seq.
func (g *Guard) PruneVotes(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.votes {
		if k.seq <= seq {
			delete(g.votes, k)
		}
	}
}

func (g *Guard) RecordLatency(node types.NodeID, latency time.Duration) {
	if g.cfg.MaxLatency <= 0 || latency <= g.cfg.MaxLatency {
		return
	}
	g.ReportFault(Evidence{
		Node:   node,
		Kind:   EvidenceExcessiveLatency,
		Detail: fmt.Sprintf("latency %s over %s", latency.Round(time.Millisecond), g.cfg.MaxLatency),
		At:     g.now(),
	})
}

// RecordSuccess credits node for a correct contribution. A quarantined node
// keeps earning credit and is released once it reaches the rehabilitation
// threshold.
func (g *Guard) RecordSuccess(node types.NodeID) {
	now := g.now()

	g.mu.Lock()
	rep, ok := g.reputations[node]
	if !ok {
		g.mu.Unlock()
		return
	}
	rep.Score = clampScore(rep.Score + g.cfg.Reputation.RecoveryRate)
	rep.Successful++
	rep.LastParticipation = now

	var events []QuarantineEvent
	if rep.Quarantined && rep.Score >= g.cfg.Reputation.RehabilitationThreshold {
		events = append(events, g.releaseLocked(rep, "rehabilitated"))
	}
	listeners := g.listeners
	g.mu.Unlock()

	notify(listeners, events)
}

// ReportFault lowers the reputation of the evidence's node by the weight of
// its kind and quarantines the node if it falls below the threshold.
func (g *Guard) ReportFault(ev Evidence) Evidence {
	if ev.At.IsZero() {
		ev.At = g.now()
	}

	g.mu.Lock()
	rep, ok := g.reputations[ev.Node]
	if !ok {
		g.mu.Unlock()
		return ev
	}

	ev = g.recordLocked(ev)
	rep.Failed++
	rep.Score = decayed(rep.Score, g.cfg.Reputation.DecayRate, ev.Kind.Weight())

	var events []QuarantineEvent
	if !rep.Quarantined && rep.Score < g.cfg.Reputation.QuarantineThreshold {
		events = append(events, g.quarantineLocked(rep, ev.At, string(ev.Kind)))
	}
	score := rep.Score
	listeners := g.listeners
	g.mu.Unlock()

	g.logger.Warn("Byzantine fault detected",
		"node", ev.Node.Short(),
		"kind", ev.Kind,
		"detail", ev.Detail,
		"score", score)

	notify(listeners, events)
	return ev
}

// HandleByzantineNode drops node's score to zero and quarantines it.
func (g *Guard) HandleByzantineNode(node types.NodeID, ev Evidence) {
	if ev.At.IsZero() {
		ev.At = g.now()
	}
	ev.Node = node

	g.mu.Lock()
	rep, ok := g.reputations[node]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.recordLocked(ev)
	rep.Failed++
	rep.Score = minScore

	var events []QuarantineEvent
	if rep.Quarantined {
		rep.QuarantinedUntil = ev.At.Add(g.cfg.Reputation.MaxQuarantineDuration)
	} else {
		events = append(events, g.quarantineLocked(rep, ev.At, "byzantine: "+string(ev.Kind)))
	}
	listeners := g.listeners
	g.mu.Unlock()

	g.logger.Error("Node marked Byzantine",
		"node", node.Short(),
		"kind", ev.Kind,
		"detail", ev.Detail)

	notify(listeners, events)
}

func (g *Guard) recordLocked(ev Evidence) Evidence {
	g.faults++
	g.evidence = append(g.evidence, ev)
	if len(g.evidence) > maxEvidence {
		g.evidence = g.evidence[len(g.evidence)-maxEvidence:]
	}
	return ev
}

func (g *Guard) quarantineLocked(rep *NodeReputation, at time.Time, reason string) QuarantineEvent {
	rep.Quarantined = true
	rep.QuarantinedUntil = at.Add(g.cfg.Reputation.MaxQuarantineDuration)

	g.logger.Warn("Node quarantined",
		"node", rep.Node.Short(),
		"score", rep.Score,
		"until", rep.QuarantinedUntil,
		"reason", reason)

	return QuarantineEvent{Node: rep.Node, Quarantined: true, Score: rep.Score, Reason: reason}
}

func (g *Guard) releaseLocked(rep *NodeReputation, reason string) QuarantineEvent {
	rep.Quarantined = false
	rep.QuarantinedUntil = time.Time{}

	g.logger.Info("Node released from quarantine",
		"node", rep.Node.Short(),
		"score", rep.Score,
		"reason", reason)

	return QuarantineEvent{Node: rep.Node, Quarantined: false, Score: rep.Score, Reason: reason}
}

func notify(listeners []func(QuarantineEvent), events []QuarantineEvent) {
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// Sweep releases expired quarantines, forgets message ids older than the
// duplicate window and persists reputations.
func (g *Guard) Sweep(now time.Time) error {
	g.mu.Lock()
	var events []QuarantineEvent
	for _, rep := range g.reputations {
		if rep.Quarantined && !now.Before(rep.QuarantinedUntil) {
			events = append(events, g.releaseLocked(rep, "quarantine expired"))
		}
	}
	for id, at := range g.seen {
		if now.Sub(at) > g.cfg.DuplicateDetectionWindow {
			delete(g.seen, id)
		}
	}
	listeners := g.listeners
	snapshot := g.reputationsLocked()
	g.mu.Unlock()

	notify(listeners, events)

	if g.store != nil {
		if err := g.store.SaveReputations(snapshot); err != nil {
			return fmt.Errorf("failed to persist reputations: %w", err)
		}
	}
	return nil
}

// IsQuarantined reports whether node is currently excluded from quorums.
func (g *Guard) IsQuarantined(node types.NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rep, ok := g.reputations[node]
	return ok && rep.Quarantined
}

// NodeReputation returns a copy of node's record.
func (g *Guard) NodeReputation(node types.NodeID) (NodeReputation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rep, ok := g.reputations[node]
	if !ok {
		return NodeReputation{}, false
	}
	return *rep, true
}

func (g *Guard) Reputations() []NodeReputation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reputationsLocked()
}

func (g *Guard) reputationsLocked() []NodeReputation {
	out := make([]NodeReputation, 0, len(g.reputations))
	for _, rep := range g.reputations {
		out = append(out, *rep)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Node.String() < out[j].Node.String()
	})
	return out
}

func (g *Guard) QuarantinedNodes() []types.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []types.NodeID
	for id, rep := range g.reputations {
		if rep.Quarantined {
			out = append(out, id)
		}
	}
	types.SortNodeIDs(out)
	return out
}

func (g *Guard) FaultsDetected() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.faults
}

// Evidence returns the most recent evidence, oldest first.
func (g *Guard) Evidence() []Evidence {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Evidence(nil), g.evidence...)
}
