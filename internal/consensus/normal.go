package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/types"
)

type roundKey struct {
	view uint64
	seq  uint64
}

type voteRecord struct {
	digest types.Digest
	env    Envelope
}

// round tracks agreement on one sequence number within one view.
type round struct {
	view       uint64
	seq        uint64
	prePrepare *PrePrepare
	prepares   map[types.NodeID]voteRecord
	commits    map[types.NodeID]voteRecord
	prepared   bool
	committed  bool
	executed   bool
	startedAt  time.Time
}

func (e *Engine) roundFor(view, seq uint64) *round {
	k := roundKey{view: view, seq: seq}
	r, ok := e.rounds[k]
	if !ok {
		r = &round{
			view:      view,
			seq:       seq,
			prepares:  make(map[types.NodeID]voteRecord),
			commits:   make(map[types.NodeID]voteRecord),
			startedAt: e.now(),
		}
		e.rounds[k] = r
	}
	return r
}

func (e *Engine) handleLocalRequest(env Envelope) {
	if e.halted != nil {
		if req, err := DecodeRequest(env); err == nil {
			e.fail(req.Key(), e.halted)
		}
		return
	}
	e.broadcast(env)
	e.onRequest(env, true)
}

func (e *Engine) onRequest(env Envelope, local bool) {
	req, err := DecodeRequest(env)
	if err != nil {
		e.logger.Warn("Dropping invalid request", "from", env.Sender.Short(), "error", err)
		return
	}
	if err := operation.Validate(req.Operation); err != nil {
		e.logger.Warn("Dropping request that fails validation", "from", env.Sender.Short(), "error", err)
		return
	}

	key := req.Key()
	e.guard.CheckRequest(key.Initiator, key.OperationID, req.Digest)

	if _, ok := e.executedKeys[key]; ok {
		return
	}
	if _, ok := e.pending[key]; ok {
		return
	}
	if _, ok := e.inFlight[key]; ok {
		return
	}

	now := e.now()
	e.pending[key] = &pendingRequest{req: req, received: now, since: now}
	e.incr("requests", "received")
	if local {
		e.logger.Debug("Request submitted", "operation", key.String(), "kind", req.Operation.Kind())
	}

	if e.isPrimary() && !e.inViewChange {
		e.queue = append(e.queue, key)
		e.proposeBatch(false)
	}
}

// proposeBatch assigns sequence numbers to queued requests. Without force
// only full batches are proposed and a timer is armed for the remainder.
func (e *Engine) proposeBatch(force bool) {
	if !e.isPrimary() || e.inViewChange || e.halted != nil {
		return
	}

	for len(e.queue) > 0 {
		if len(e.queue) < e.cfg.BatchSize && !force {
			if e.batchTimer == nil {
				e.batchTimer = time.NewTimer(e.cfg.BatchTimeout)
			}
			return
		}
		if e.nextSeq+1 > e.highWatermark() {
			e.logger.Debug("Sequence window full, waiting for checkpoint",
				"next", e.nextSeq+1,
				"high_watermark", e.highWatermark())
			return
		}

		var reqs []Envelope
		rest := e.queue[:0]
		for _, key := range e.queue {
			p, ok := e.pending[key]
			if !ok {
				continue
			}
			if _, busy := e.inFlight[key]; busy {
				continue
			}
			if len(reqs) < e.cfg.BatchSize {
				reqs = append(reqs, p.req.Envelope)
				continue
			}
			rest = append(rest, key)
		}
		e.queue = rest
		if len(reqs) == 0 {
			continue
		}

		batch := Batch{View: e.view, Timestamp: e.now().UTC(), Requests: reqs}
		digest, err := batch.Digest()
		if err != nil {
			e.logger.Error("Failed to digest batch", "error", err)
			return
		}
		pp := PrePrepare{View: e.view, Seq: e.nextSeq + 1, Digest: digest, Batch: batch}
		env, ok := e.seal(MsgPrePrepare, pp)
		if !ok {
			return
		}
		e.nextSeq = pp.Seq

		e.logger.Debug("Proposing batch", "view", pp.View, "seq", pp.Seq, "requests", len(reqs))
		e.broadcast(env)
		e.acceptPrePrepare(pp)
	}

	if len(e.queue) == 0 {
		e.stopBatchTimer()
	}
}

func (e *Engine) onPrePrepare(env Envelope, pp PrePrepare) {
	sender := env.Sender
	if sender != e.primary(pp.View) {
		e.logger.Warn("Pre-prepare from a node that is not primary",
			"from", sender.Short(),
			"view", pp.View)
		return
	}
	if pp.View != e.view || e.inViewChange {
		return
	}
	if !e.inWatermarks(pp.Seq) {
		e.logger.Debug("Pre-prepare outside watermarks", "seq", pp.Seq, "stable", e.stable.Seq)
		return
	}
	if ev := e.guard.CheckVote(sender, string(MsgPrePrepare), pp.View, pp.Seq, pp.Digest); ev != nil {
		e.logger.Warn("Primary equivocated, starting view change", "primary", sender.Short(), "seq", pp.Seq)
		e.startViewChange(e.view + 1)
		return
	}
	if r, ok := e.rounds[roundKey{pp.View, pp.Seq}]; ok && r.prePrepare != nil {
		return
	}

	if err := e.checkBatch(pp); err != nil {
		e.guard.ReportFault(guard.Evidence{
			Node:   sender,
			Kind:   guard.EvidenceLogInconsistency,
			Detail: fmt.Sprintf("rejected pre-prepare view=%d seq=%d: %v", pp.View, pp.Seq, err),
		})
		e.logger.Warn("Rejected pre-prepare", "view", pp.View, "seq", pp.Seq, "error", err)
		return
	}

	e.guard.RecordLatency(sender, e.now().Sub(env.Timestamp))
	e.acceptPrePrepare(pp)
}

// checkBatch verifies that a proposed batch matches its digest and carries
// only signed, valid requests that are neither executed nor already in
// flight at another sequence.
func (e *Engine) checkBatch(pp PrePrepare) error {
	digest, err := pp.Batch.Digest()
	if err != nil {
		return err
	}
	if digest != pp.Digest {
		return fmt.Errorf("batch digest mismatch")
	}
	if pp.Batch.View > pp.View {
		return fmt.Errorf("batch view %d ahead of view %d", pp.Batch.View, pp.View)
	}
	// Fresh batches carry a current stamp so expired requests stay expired.
	if pp.Batch.View == pp.View && e.now().Sub(pp.Batch.Timestamp) > e.cfg.ViewTimeout {
		return fmt.Errorf("batch stamped %s is older than the view timeout", pp.Batch.Timestamp.Format(time.RFC3339Nano))
	}

	seen := make(map[operation.Key]bool, len(pp.Batch.Requests))
	for _, env := range pp.Batch.Requests {
		if err := env.Verify(e.verifier); err != nil {
			return fmt.Errorf("request signature: %w", err)
		}
		req, err := DecodeRequest(env)
		if err != nil {
			return err
		}
		if err := operation.Validate(req.Operation); err != nil {
			return err
		}

		key := req.Key()
		if seen[key] {
			return fmt.Errorf("operation %s appears twice", key)
		}
		seen[key] = true

		e.guard.CheckRequest(key.Initiator, key.OperationID, req.Digest)
		if _, ok := e.executedKeys[key]; ok {
			return fmt.Errorf("operation %s already executed", key)
		}
		if seq, ok := e.inFlight[key]; ok && seq != pp.Seq {
			return fmt.Errorf("operation %s in flight at seq %d", key, seq)
		}
	}
	return nil
}

// acceptPrePrepare records pp as the proposal for its round. Backups answer
// with a prepare.
func (e *Engine) acceptPrePrepare(pp PrePrepare) {
	r := e.roundFor(pp.View, pp.Seq)
	p := pp
	r.prePrepare = &p

	if pp.Seq > e.executed {
		for _, env := range pp.Batch.Requests {
			req, err := DecodeRequest(env)
			if err != nil {
				continue
			}
			key := req.Key()
			e.inFlight[key] = pp.Seq
			_, pending := e.pending[key]
			_, dropped := e.expiring[key]
			if !pending && !dropped {
				now := e.now()
				e.pending[key] = &pendingRequest{req: req, received: now, since: now}
			}
		}
	}
	e.statsMu(func(s *Stats) { s.RoundsStarted++ })

	if e.primary(pp.View) != e.cfg.NodeID {
		vote := Vote{View: pp.View, Seq: pp.Seq, Digest: pp.Digest}
		env, ok := e.seal(MsgPrepare, vote)
		if !ok {
			return
		}
		r.prepares[e.cfg.NodeID] = voteRecord{digest: pp.Digest, env: env}
		e.broadcast(env)
	}
	e.checkPrepared(r)
}

func (e *Engine) onPrepare(env Envelope, v Vote) {
	if v.View != e.view || e.inViewChange {
		return
	}
	if env.Sender == e.primary(v.View) {
		return
	}
	if !e.inWatermarks(v.Seq) {
		return
	}
	if ev := e.guard.CheckVote(env.Sender, string(MsgPrepare), v.View, v.Seq, v.Digest); ev != nil {
		return
	}
	e.guard.RecordLatency(env.Sender, e.now().Sub(env.Timestamp))

	r := e.roundFor(v.View, v.Seq)
	r.prepares[env.Sender] = voteRecord{digest: v.Digest, env: env}
	e.checkPrepared(r)
}

// checkPrepared moves r to prepared once it has a pre-prepare and 2f
// matching prepares from backups, and broadcasts this node's commit.
func (e *Engine) checkPrepared(r *round) {
	if r.prepared || r.prePrepare == nil {
		return
	}
	if e.matchingVotes(r.prepares, r.prePrepare.Digest) < 2*e.f {
		return
	}
	r.prepared = true

	vote := Vote{View: r.view, Seq: r.seq, Digest: r.prePrepare.Digest}
	env, ok := e.seal(MsgCommit, vote)
	if !ok {
		return
	}
	r.commits[e.cfg.NodeID] = voteRecord{digest: vote.Digest, env: env}
	e.broadcast(env)
	e.checkCommitted(r)
}

func (e *Engine) onCommit(env Envelope, v Vote) {
	if v.View != e.view || e.inViewChange {
		return
	}
	if !e.inWatermarks(v.Seq) {
		return
	}
	if ev := e.guard.CheckVote(env.Sender, string(MsgCommit), v.View, v.Seq, v.Digest); ev != nil {
		return
	}
	e.guard.RecordLatency(env.Sender, e.now().Sub(env.Timestamp))

	r := e.roundFor(v.View, v.Seq)
	r.commits[env.Sender] = voteRecord{digest: v.Digest, env: env}
	e.checkCommitted(r)
}

func (e *Engine) checkCommitted(r *round) {
	if r.committed || !r.prepared {
		return
	}
	if e.matchingVotes(r.commits, r.prePrepare.Digest) < e.quorum() {
		return
	}
	r.committed = true
	e.executeReady()
}

func (e *Engine) matchingVotes(votes map[types.NodeID]voteRecord, digest types.Digest) int {
	n := 0
	for id, v := range votes {
		if v.digest == digest && e.counts(id) {
			n++
		}
	}
	return n
}

func (e *Engine) committedRound(seq uint64) *round {
	var best *round
	for k, r := range e.rounds {
		if k.seq == seq && r.committed && (best == nil || r.view > best.view) {
			best = r
		}
	}
	return best
}

// executeReady appends committed batches to the log in sequence order.
func (e *Engine) executeReady() {
	for e.halted == nil {
		if e.transfer != nil && e.transfer.resync {
			return
		}
		r := e.committedRound(e.executed + 1)
		if r == nil {
			return
		}
		if !e.execute(r) {
			return
		}
	}
}

func (e *Engine) execute(r *round) bool {
	if last := uint64(e.log.LastIndex()); last != r.seq-1 {
		e.logger.Error("Log out of step with execution",
			"seq", r.seq,
			"last_index", last,
			"executed", e.executed)
		return false
	}

	batch := r.prePrepare.Batch
	data, err := batch.Encode()
	if err != nil {
		e.logger.Error("Failed to encode batch", "seq", r.seq, "error", err)
		return false
	}
	entry, err := e.log.Append(types.Term(batch.View), data, batch.Timestamp)
	if err != nil {
		e.halt(err)
		return false
	}
	e.chain.Add(entry.Checksum)
	e.executed = r.seq
	r.executed = true

	now := e.now()
	var rounds, requests int
	for _, env := range batch.Requests {
		req, err := DecodeRequest(env)
		if err != nil {
			continue
		}
		key := req.Key()
		if p, ok := e.pending[key]; ok {
			rounds += p.rounds + 1
			requests++
			delete(e.pending, key)
		}
		delete(e.inFlight, key)
		delete(e.expiring, key)
		e.executedKeys[key] = req.Digest
	}

	for id, v := range r.commits {
		if v.digest == r.prePrepare.Digest && id != e.cfg.NodeID {
			e.guard.RecordSuccess(id)
		}
	}

	elapsed := now.Sub(r.startedAt)
	e.statsMu(func(s *Stats) {
		s.RoundsCommitted++
		s.totalConsensus += elapsed
		s.totalRounds += uint64(rounds)
		s.requestsCommitted += uint64(requests)
		if s.EWMAConsensusTime == 0 {
			s.EWMAConsensusTime = elapsed
		} else {
			s.EWMAConsensusTime = EWMA(s.EWMAConsensusTime, elapsed)
		}
	})
	if e.metrics != nil {
		e.metrics.MeasureSince([]string{"consensus", "commit"}, r.startedAt)
		e.metrics.SetGauge([]string{"consensus", "executed"}, float32(e.executed))
	}

	if err := e.log.UpdateCommitIndex(entry.Index); err != nil {
		var ie *replog.IntegrityError
		switch {
		case errors.Is(err, replog.ErrStorage):
			e.halt(err)
			return false
		case errors.As(err, &ie):
			e.logger.Error("Committed entry failed verification on apply", "index", ie.Index, "error", err)
		default:
			e.logger.Error("Failed to apply committed entry", "seq", r.seq, "error", err)
		}
	}

	if r.seq%e.cfg.CheckpointInterval == 0 {
		e.emitCheckpoint(r.seq)
	}
	return true
}

// pendingKeys returns the pending requests ordered by arrival.
func (e *Engine) pendingKeys() []operation.Key {
	keys := make([]operation.Key, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := e.pending[keys[i]], e.pending[keys[j]]
		if !a.received.Equal(b.received) {
			return a.received.Before(b.received)
		}
		return keys[i].String() < keys[j].String()
	})
	return keys
}
