package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/types"
)

type checkpointVote struct {
	digest types.Digest
	env    Envelope
}

// stateTransfer is an outstanding fetch of entries [from, target] whose
// state digest at target must equal digest. A zero target takes both from
// the first verifiable stable checkpoint a peer returns.
type stateTransfer struct {
	from   uint64
	target uint64
	digest types.Digest
	resync bool
	peers  []types.NodeID
	next   int
	sentAt time.Time
}

func (e *Engine) emitCheckpoint(seq uint64) {
	cp := Checkpoint{Seq: seq, Digest: e.chain.Head()}
	e.ownCheckpoints[seq] = cp.Digest

	env, ok := e.seal(MsgCheckpoint, cp)
	if !ok {
		return
	}
	e.broadcast(env)
	e.recordCheckpoint(env, cp)
}

func (e *Engine) onCheckpoint(env Envelope, cp Checkpoint) {
	if cp.Seq <= e.stable.Seq || cp.Seq%e.cfg.CheckpointInterval != 0 {
		return
	}
	e.recordCheckpoint(env, cp)
}

func (e *Engine) recordCheckpoint(env Envelope, cp Checkpoint) {
	votes, ok := e.checkpoints[cp.Seq]
	if !ok {
		votes = make(map[types.NodeID]checkpointVote)
		e.checkpoints[cp.Seq] = votes
	}
	votes[env.Sender] = checkpointVote{digest: cp.Digest, env: env}

	ids := make([]types.NodeID, 0, len(votes))
	for id, v := range votes {
		if v.digest == cp.Digest && e.counts(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) < e.quorum() {
		return
	}

	types.SortNodeIDs(ids)
	cert := CheckpointCert{Seq: cp.Seq, Digest: cp.Digest}
	for _, id := range ids {
		cert.Proof = append(cert.Proof, votes[id].env)
	}
	e.onCertified(cert)
}

// onCertified handles a checkpoint proven by a quorum. It becomes stable
// once this node has executed up to it with the same digest; otherwise the
// missing or diverging entries are fetched from its endorsers.
func (e *Engine) onCertified(cert CheckpointCert) {
	if cert.Seq <= e.stable.Seq {
		return
	}
	e.certified[cert.Seq] = cert

	if e.executed < cert.Seq {
		e.requestState(cert)
		return
	}

	own, ok := e.ownCheckpoints[cert.Seq]
	if !ok {
		head, err := e.chainThrough(cert.Seq)
		if err != nil {
			e.logger.Error("Failed to compute state digest at checkpoint", "seq", cert.Seq, "error", err)
			return
		}
		own = head
	}
	if own != cert.Digest {
		e.logger.Error("Local state diverges from stable checkpoint, refetching",
			"seq", cert.Seq,
			"local", own.String()[:16],
			"certified", cert.Digest.String()[:16])
		e.repair(cert)
		return
	}
	e.makeStable(cert)
}

func (e *Engine) makeStable(cert CheckpointCert) {
	if cert.Seq <= e.stable.Seq {
		return
	}
	e.stable = cert

	for k := range e.rounds {
		if k.seq <= cert.Seq {
			delete(e.rounds, k)
		}
	}
	for seq := range e.checkpoints {
		if seq <= cert.Seq {
			delete(e.checkpoints, seq)
		}
	}
	for seq := range e.ownCheckpoints {
		if seq < cert.Seq {
			delete(e.ownCheckpoints, seq)
		}
	}
	for seq := range e.certified {
		if seq <= cert.Seq {
			delete(e.certified, seq)
		}
	}
	e.guard.PruneVotes(cert.Seq)

	raw, err := json.Marshal(cert)
	if err == nil {
		err = e.log.PutMeta(metaStable, raw)
	}
	if err != nil {
		e.halt(err)
		return
	}

	e.logger.Debug("Checkpoint stable", "seq", cert.Seq, "digest", cert.Digest.String()[:16])
	if e.metrics != nil {
		e.metrics.SetGauge([]string{"consensus", "stable_checkpoint"}, float32(cert.Seq))
	}

	if e.cfg.MaxLogSize > 0 && e.log.Len() > e.cfg.MaxLogSize {
		if entry, err := e.log.Entry(types.LogIndex(cert.Seq)); err == nil {
			if err := e.log.CreateSnapshot(entry.Index, entry.Term); err != nil {
				e.logger.Warn("Failed to compact log", "seq", cert.Seq, "error", err)
			}
		}
	}

	e.proposeBatch(false)
}

// checkCheckpointCert verifies that cert carries a quorum of signed,
// matching checkpoint messages from distinct members.
func (e *Engine) checkCheckpointCert(cert CheckpointCert) error {
	signers := make(map[types.NodeID]bool)
	for _, env := range cert.Proof {
		if env.Type != MsgCheckpoint || !e.memberSet[env.Sender] || signers[env.Sender] {
			continue
		}
		var cp Checkpoint
		if err := env.Decode(&cp); err != nil || cp.Seq != cert.Seq || cp.Digest != cert.Digest {
			continue
		}
		if err := env.Verify(e.verifier); err != nil {
			return fmt.Errorf("checkpoint from %s: %w", env.Sender.Short(), err)
		}
		signers[env.Sender] = true
	}
	if len(signers) < e.quorum() {
		return fmt.Errorf("checkpoint %d has %d signatures, need %d", cert.Seq, len(signers), e.quorum())
	}
	return nil
}

func endorsers(cert CheckpointCert, self types.NodeID) []types.NodeID {
	var out []types.NodeID
	for _, env := range cert.Proof {
		if env.Sender != self {
			out = append(out, env.Sender)
		}
	}
	return out
}

func (e *Engine) otherMembers() []types.NodeID {
	out := make([]types.NodeID, 0, len(e.members)-1)
	for _, m := range e.members {
		if m != e.cfg.NodeID {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) requestState(cert CheckpointCert) {
	if t := e.transfer; t != nil && (t.resync || t.target >= cert.Seq) {
		return
	}
	peers := endorsers(cert, e.cfg.NodeID)
	if len(peers) == 0 {
		return
	}
	e.logger.Info("Behind stable checkpoint, requesting state",
		"executed", e.executed,
		"checkpoint", cert.Seq)
	e.transfer = &stateTransfer{
		from:   e.executed + 1,
		target: cert.Seq,
		digest: cert.Digest,
		peers:  peers,
	}
	e.sendStateRequest()
}

// repair drops everything above the last stable checkpoint and refetches it
// up to cert.
func (e *Engine) repair(cert CheckpointCert) {
	from := e.stable.Seq + 1
	if snap := uint64(e.log.SnapshotIndex()); from <= snap {
		from = snap + 1
	}
	if err := e.rewind(from); err != nil {
		return
	}
	e.transfer = &stateTransfer{
		from:   from,
		target: cert.Seq,
		digest: cert.Digest,
		resync: true,
		peers:  endorsers(cert, e.cfg.NodeID),
	}
	e.sendStateRequest()
}

// rewind truncates the log at from and resets execution to the entry
// before it.
func (e *Engine) rewind(from uint64) error {
	if err := e.log.TruncateFrom(types.LogIndex(from)); err != nil {
		if errors.Is(err, replog.ErrStorage) {
			e.halt(err)
		} else {
			e.logger.Error("Failed to truncate log", "from", from, "error", err)
		}
		return err
	}
	head, err := e.chainThrough(from - 1)
	if err != nil {
		e.logger.Error("Failed to rebuild state digest", "through", from-1, "error", err)
		return err
	}
	e.executed = from - 1
	e.chain.Reset(head)
	for seq := range e.ownCheckpoints {
		if seq >= from {
			delete(e.ownCheckpoints, seq)
		}
	}
	return nil
}

// startResync refetches the log from index onward after local corruption.
// The entries are verified against the state digest this node reached
// before the corruption was found. A zero index catches up to the peers'
// stable checkpoint instead.
func (e *Engine) startResync(index types.LogIndex) {
	if e.halted != nil || e.transfer != nil {
		return
	}

	if index == 0 {
		e.transfer = &stateTransfer{from: e.executed + 1, peers: e.otherMembers()}
		e.sendStateRequest()
		return
	}

	from := uint64(index)
	if from > e.executed {
		return
	}
	if from <= uint64(e.log.SnapshotIndex()) {
		e.logger.Error("Cannot resync compacted entries", "index", from, "snapshot", e.log.SnapshotIndex())
		return
	}

	target, digest := e.executed, e.chain.Head()
	e.logger.Warn("Resyncing log from peers", "from", from, "to", target)
	if err := e.log.TruncateFrom(index); err != nil {
		if errors.Is(err, replog.ErrStorage) {
			e.halt(err)
		} else {
			e.logger.Error("Failed to truncate log for resync", "from", from, "error", err)
		}
		return
	}
	e.transfer = &stateTransfer{
		from:   from,
		target: target,
		digest: digest,
		resync: true,
		peers:  e.otherMembers(),
	}
	e.sendStateRequest()
}

func (e *Engine) sendStateRequest() {
	t := e.transfer
	if t == nil {
		return
	}
	if len(t.peers) == 0 {
		e.logger.Warn("No peers to request state from")
		e.transfer = nil
		return
	}
	peer := t.peers[t.next%len(t.peers)]
	t.next++
	t.sentAt = e.now()

	env, ok := e.seal(MsgStateRequest, StateRequest{From: t.from, To: t.target})
	if !ok {
		return
	}
	e.logger.Debug("Requesting state", "peer", peer.Short(), "from", t.from, "to", t.target)
	e.send(peer, env)
}

func (e *Engine) onStateRequest(env Envelope, req StateRequest) {
	to := req.To
	if to == 0 {
		to = e.stable.Seq
	}
	if to > e.executed {
		to = e.executed
	}
	from := req.From
	if from == 0 {
		from = 1
	}

	resp := StateResponse{From: req.From, Stable: e.stable}
	if snapIdx := uint64(e.log.SnapshotIndex()); from <= snapIdx {
		blob, idx, term, err := e.log.SnapshotBlob()
		if err != nil {
			e.logger.Warn("Failed to encode snapshot for state transfer", "error", err)
			return
		}
		resp.Snapshot = blob
		resp.SnapshotIndex = uint64(idx)
		resp.SnapshotTerm = uint64(term)
		from = uint64(idx) + 1
	}
	if from <= to {
		entries, err := e.log.Entries(types.LogIndex(from), types.LogIndex(to))
		if err != nil {
			e.logger.Warn("Failed to read entries for state transfer", "from", from, "to", to, "error", err)
			return
		}
		resp.Entries = entries
	}

	out, ok := e.seal(MsgStateResponse, resp)
	if !ok {
		return
	}
	e.send(env.Sender, out)
}

func (e *Engine) onStateResponse(env Envelope, resp StateResponse) {
	t := e.transfer
	if t == nil || resp.From != t.from {
		return
	}

	if t.target == 0 {
		cert := resp.Stable
		if cert.Seq == 0 {
			e.finishTransfer("peer has no stable checkpoint")
			return
		}
		if err := e.checkCheckpointCert(cert); err != nil {
			e.rejectState(env.Sender, fmt.Errorf("stable checkpoint: %w", err))
			return
		}
		if cert.Seq <= e.executed {
			e.finishTransfer("already at peer's stable checkpoint")
			return
		}
		t.target = cert.Seq
		t.digest = cert.Digest
		e.certified[cert.Seq] = cert
	}

	var snap *replog.Snapshot
	base := t.from - 1
	var head types.Digest
	if len(resp.Snapshot) > 0 {
		s, err := replog.DecodeSnapshot(resp.Snapshot)
		if err != nil {
			e.rejectState(env.Sender, err)
			return
		}
		if err := s.Verify(); err != nil {
			e.rejectState(env.Sender, err)
			return
		}
		snap = s
		base = uint64(s.LastIncludedIndex)
		head = s.Chain
	} else {
		h, err := e.chainThrough(base)
		if err != nil {
			e.logger.Error("Failed to compute local state digest", "through", base, "error", err)
			return
		}
		head = h
	}

	chain := hash.NewHashChain(head)
	idx := base
	var usable []replog.Entry
	for _, en := range resp.Entries {
		if uint64(en.Index) <= idx {
			continue
		}
		if uint64(en.Index) != idx+1 || idx >= t.target {
			break
		}
		if !en.VerifyIntegrity() {
			e.rejectState(env.Sender, fmt.Errorf("entry %d fails its checksum", en.Index))
			return
		}
		chain.Add(en.Checksum)
		usable = append(usable, en)
		idx++
	}

	if idx < t.target {
		e.logger.Debug("Peer cannot serve state yet", "peer", env.Sender.Short(), "have", idx, "need", t.target)
		e.sendStateRequest()
		return
	}
	if chain.Head() != t.digest {
		e.rejectState(env.Sender, fmt.Errorf("state digest at %d does not match", t.target))
		return
	}

	if err := e.installState(snap, resp, usable, t.target); err != nil {
		if errors.Is(err, replog.ErrStorage) {
			e.halt(err)
			return
		}
		e.logger.Error("Failed to install transferred state", "error", err)
		e.sendStateRequest()
		return
	}

	prev := e.executed
	if t.target > e.executed {
		e.executed = t.target
		e.chain.Reset(t.digest)
	}
	if snap != nil {
		for _, en := range snap.Entries {
			if uint64(en.Index) > prev {
				e.markExecuted(en)
			}
		}
	}
	for _, en := range usable {
		if uint64(en.Index) > prev {
			e.markExecuted(en)
		}
	}

	e.logger.Info("State transfer complete",
		"peer", env.Sender.Short(),
		"from", t.from,
		"to", t.target,
		"resync", t.resync)
	e.incr("state_transfers")
	e.transfer = nil

	if cert, ok := e.certified[t.target]; ok {
		e.makeStable(cert)
	}
	e.executeReady()
}

func (e *Engine) installState(snap *replog.Snapshot, resp StateResponse, entries []replog.Entry, target uint64) error {
	if snap != nil && snap.LastIncludedIndex > e.log.SnapshotIndex() {
		if err := e.log.InstallSnapshot(resp.Snapshot, snap.LastIncludedIndex, snap.LastIncludedTerm); err != nil {
			return err
		}
	}
	for _, en := range entries {
		if en.Index <= e.log.SnapshotIndex() {
			continue
		}
		if err := e.log.InsertEntry(en); err != nil {
			return err
		}
	}
	return e.log.UpdateCommitIndex(types.LogIndex(target))
}

func (e *Engine) markExecuted(en replog.Entry) {
	reqs, err := DecodeEntry(en)
	if err != nil {
		e.logger.Warn("Transferred entry holds an undecodable batch", "index", en.Index, "error", err)
		return
	}
	for _, req := range reqs {
		key := req.Key()
		e.executedKeys[key] = req.Digest
		delete(e.pending, key)
		delete(e.inFlight, key)
	}
}

func (e *Engine) rejectState(peer types.NodeID, err error) {
	e.guard.ReportFault(guard.Evidence{
		Node:   peer,
		Kind:   guard.EvidenceLogInconsistency,
		Detail: fmt.Sprintf("state transfer: %v", err),
	})
	e.logger.Warn("Rejected state from peer", "peer", peer.Short(), "error", err)
	e.sendStateRequest()
}

func (e *Engine) finishTransfer(reason string) {
	e.logger.Debug("State transfer not needed", "reason", reason)
	e.transfer = nil
}
