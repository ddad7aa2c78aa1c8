package consensus

import (
	"fmt"
	"sort"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/types"
)

type viewChangeRecord struct {
	env Envelope
	vc  ViewChange
}

// startViewChange stops normal processing and votes to move to view v.
// Every pending request is charged one round; requests over the limit are
// dropped, and local ones are reported as timed out by settleExpired.
func (e *Engine) startViewChange(v uint64) {
	if v <= e.view || (e.inViewChange && v <= e.vcTarget) {
		return
	}
	if !e.inViewChange {
		e.vcAttempt = 0
	}
	e.inViewChange = true
	e.vcTarget = v
	e.vcStarted = e.now()
	e.stopBatchTimer()
	e.queue = nil

	for _, key := range e.pendingKeys() {
		p := e.pending[key]
		p.rounds++
		if p.rounds > e.cfg.MaxRounds {
			delete(e.pending, key)
			delete(e.inFlight, key)
			if key.Initiator == e.cfg.NodeID {
				e.expiring[key] = p
			}
			e.logger.Warn("Dropping request after repeated view changes", "operation", key.String(), "rounds", p.rounds-1)
		}
	}

	e.statsMu(func(s *Stats) { s.ViewChanges++ })
	e.incr("view_changes")

	vc := ViewChange{NewView: v, Stable: e.stable, Prepared: e.preparedProofs()}
	env, ok := e.seal(MsgViewChange, vc)
	if !ok {
		return
	}
	e.logger.Warn("Starting view change",
		"from_view", e.view,
		"to_view", v,
		"new_primary", e.primary(v).Short(),
		"prepared", len(vc.Prepared))

	e.broadcast(env)
	e.recordViewChange(env, vc)
}

// preparedProofs collects, per sequence above the stable checkpoint, the
// highest-view batch this node saw prepared.
func (e *Engine) preparedProofs() []PreparedProof {
	best := make(map[uint64]*round)
	for k, r := range e.rounds {
		if !r.prepared || k.seq <= e.stable.Seq {
			continue
		}
		if cur, ok := best[k.seq]; !ok || r.view > cur.view {
			best[k.seq] = r
		}
	}

	out := make([]PreparedProof, 0, len(best))
	for _, r := range best {
		proof := PreparedProof{PrePrepare: *r.prePrepare}
		for _, id := range e.sortedVoters(r.prepares) {
			v := r.prepares[id]
			if v.digest == r.prePrepare.Digest {
				proof.Prepares = append(proof.Prepares, v.env)
			}
		}
		out = append(out, proof)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrePrepare.Seq < out[j].PrePrepare.Seq })
	return out
}

func (e *Engine) sortedVoters(votes map[types.NodeID]voteRecord) []types.NodeID {
	ids := make([]types.NodeID, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	types.SortNodeIDs(ids)
	return ids
}

func (e *Engine) onViewChange(env Envelope, vc ViewChange) {
	if vc.NewView <= e.view {
		return
	}
	if err := e.checkViewChange(env.Sender, vc); err != nil {
		e.guard.ReportFault(guard.Evidence{
			Node:   env.Sender,
			Kind:   guard.EvidenceLogInconsistency,
			Detail: fmt.Sprintf("invalid view change to %d: %v", vc.NewView, err),
		})
		return
	}
	e.recordViewChange(env, vc)
}

func (e *Engine) recordViewChange(env Envelope, vc ViewChange) {
	votes, ok := e.viewChanges[vc.NewView]
	if !ok {
		votes = make(map[types.NodeID]viewChangeRecord)
		e.viewChanges[vc.NewView] = votes
	}
	votes[env.Sender] = viewChangeRecord{env: env, vc: vc}

	// f+1 nodes asking for a higher view include a correct one, so join the
	// smallest such view.
	current := e.view
	if e.inViewChange {
		current = e.vcTarget
	}
	var join uint64
	for v, votes := range e.viewChanges {
		if v > current && e.countingVoters(votes) >= e.f+1 && (join == 0 || v < join) {
			join = v
		}
	}
	if join != 0 {
		e.startViewChange(join)
	}

	v := vc.NewView
	if e.inViewChange && e.vcTarget == v && e.primary(v) == e.cfg.NodeID && !e.newViewSent[v] &&
		e.countingVoters(e.viewChanges[v]) >= e.quorum() {
		e.sendNewView(v)
	}
}

func (e *Engine) countingVoters(votes map[types.NodeID]viewChangeRecord) int {
	n := 0
	for id := range votes {
		if e.counts(id) {
			n++
		}
	}
	return n
}

func (e *Engine) sendNewView(v uint64) {
	var records []viewChangeRecord
	for _, id := range e.sortedIDs(e.viewChanges[v]) {
		if e.counts(id) {
			records = append(records, e.viewChanges[v][id])
		}
	}

	pps, cert := e.computeNewView(v, records)
	nv := NewView{View: v, PrePrepares: pps}
	for _, rec := range records {
		nv.ViewChanges = append(nv.ViewChanges, rec.env)
	}
	env, ok := e.seal(MsgNewView, nv)
	if !ok {
		return
	}
	e.newViewSent[v] = true
	e.broadcast(env)
	e.installView(v, pps, cert)
}

func (e *Engine) sortedIDs(m map[types.NodeID]viewChangeRecord) []types.NodeID {
	ids := make([]types.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	types.SortNodeIDs(ids)
	return ids
}

// computeNewView derives the pre-prepares of view v from a quorum of view
// changes: the highest stable checkpoint among them, then for every later
// sequence the batch prepared in the highest view, or an empty batch where
// none was prepared.
func (e *Engine) computeNewView(v uint64, records []viewChangeRecord) ([]PrePrepare, CheckpointCert) {
	var cert CheckpointCert
	for _, rec := range records {
		if rec.vc.Stable.Seq > cert.Seq {
			cert = rec.vc.Stable
		}
	}

	best := make(map[uint64]PrePrepare)
	maxSeq := cert.Seq
	for _, rec := range records {
		for _, proof := range rec.vc.Prepared {
			pp := proof.PrePrepare
			if pp.Seq <= cert.Seq {
				continue
			}
			if cur, ok := best[pp.Seq]; !ok || pp.View > cur.View {
				best[pp.Seq] = pp
			}
			if pp.Seq > maxSeq {
				maxSeq = pp.Seq
			}
		}
	}

	var out []PrePrepare
	for seq := cert.Seq + 1; seq <= maxSeq; seq++ {
		if pp, ok := best[seq]; ok {
			out = append(out, PrePrepare{View: v, Seq: seq, Digest: pp.Digest, Batch: pp.Batch})
			continue
		}
		null := Batch{View: v}
		digest, _ := null.Digest()
		out = append(out, PrePrepare{View: v, Seq: seq, Digest: digest, Batch: null})
	}
	return out, cert
}

func (e *Engine) onNewView(env Envelope, nv NewView) {
	if nv.View <= e.view {
		return
	}
	if env.Sender != e.primary(nv.View) {
		e.logger.Warn("New view from a node that is not its primary", "from", env.Sender.Short(), "view", nv.View)
		return
	}

	records, err := e.checkNewView(nv)
	if err != nil {
		e.guard.ReportFault(guard.Evidence{
			Node:   env.Sender,
			Kind:   guard.EvidenceLogInconsistency,
			Detail: fmt.Sprintf("invalid new view %d: %v", nv.View, err),
		})
		e.startViewChange(nv.View + 1)
		return
	}

	expected, cert := e.computeNewView(nv.View, records)
	if !samePrePrepares(expected, nv.PrePrepares) {
		e.guard.ReportFault(guard.Evidence{
			Node:   env.Sender,
			Kind:   guard.EvidenceLogInconsistency,
			Detail: fmt.Sprintf("new view %d proposals do not follow from its view changes", nv.View),
		})
		e.startViewChange(nv.View + 1)
		return
	}

	e.installView(nv.View, expected, cert)
}

func (e *Engine) checkNewView(nv NewView) ([]viewChangeRecord, error) {
	seen := make(map[types.NodeID]bool)
	var records []viewChangeRecord
	for _, env := range nv.ViewChanges {
		if env.Type != MsgViewChange || !e.memberSet[env.Sender] || seen[env.Sender] {
			return nil, fmt.Errorf("unexpected view change envelope from %s", env.Sender.Short())
		}
		if err := env.Verify(e.verifier); err != nil {
			return nil, fmt.Errorf("view change from %s: %w", env.Sender.Short(), err)
		}
		var vc ViewChange
		if err := env.Decode(&vc); err != nil {
			return nil, err
		}
		if vc.NewView != nv.View {
			return nil, fmt.Errorf("view change from %s targets view %d", env.Sender.Short(), vc.NewView)
		}
		if err := e.checkViewChange(env.Sender, vc); err != nil {
			return nil, err
		}
		seen[env.Sender] = true
		records = append(records, viewChangeRecord{env: env, vc: vc})
	}
	if len(records) < e.quorum() {
		return nil, fmt.Errorf("%d view changes, need %d", len(records), e.quorum())
	}
	return records, nil
}

// checkViewChange verifies the certificates carried by a view change.
func (e *Engine) checkViewChange(sender types.NodeID, vc ViewChange) error {
	if vc.Stable.Seq > 0 {
		if err := e.checkCheckpointCert(vc.Stable); err != nil {
			return fmt.Errorf("stable checkpoint: %w", err)
		}
	}

	seqs := make(map[uint64]bool)
	for _, proof := range vc.Prepared {
		pp := proof.PrePrepare
		if pp.View >= vc.NewView {
			return fmt.Errorf("prepared proof for view %d", pp.View)
		}
		if pp.Seq <= vc.Stable.Seq || seqs[pp.Seq] {
			return fmt.Errorf("unexpected prepared proof for seq %d", pp.Seq)
		}
		seqs[pp.Seq] = true

		digest, err := pp.Batch.Digest()
		if err != nil || digest != pp.Digest {
			return fmt.Errorf("prepared batch at seq %d does not match its digest", pp.Seq)
		}

		voters := make(map[types.NodeID]bool)
		for _, env := range proof.Prepares {
			if env.Type != MsgPrepare || !e.memberSet[env.Sender] || env.Sender == e.primary(pp.View) || voters[env.Sender] {
				continue
			}
			var v Vote
			if err := env.Decode(&v); err != nil || v.View != pp.View || v.Seq != pp.Seq || v.Digest != pp.Digest {
				continue
			}
			if err := env.Verify(e.verifier); err != nil {
				return fmt.Errorf("prepare from %s: %w", env.Sender.Short(), err)
			}
			voters[env.Sender] = true
		}
		if len(voters) < 2*e.f {
			return fmt.Errorf("seq %d has %d prepares, need %d", pp.Seq, len(voters), 2*e.f)
		}
	}
	return nil
}

func samePrePrepares(a, b []PrePrepare) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].View != b[i].View || a[i].Seq != b[i].Seq || a[i].Digest != b[i].Digest {
			return false
		}
	}
	return true
}

// installView enters view v and re-runs agreement on the carried-over
// batches.
func (e *Engine) installView(v uint64, pps []PrePrepare, cert CheckpointCert) {
	prev := e.view
	e.view = v
	e.vcTarget = v
	e.inViewChange = false
	e.vcAttempt = 0
	e.persistView()
	if e.halted != nil {
		return
	}

	now := e.now()
	for _, p := range e.pending {
		p.since = now
	}
	e.inFlight = make(map[operation.Key]uint64)
	for k := range e.viewChanges {
		if k <= v {
			delete(e.viewChanges, k)
		}
	}

	if cert.Seq > e.stable.Seq {
		e.onCertified(cert)
	}

	maxSeq := cert.Seq
	for _, pp := range pps {
		if pp.Seq > maxSeq {
			maxSeq = pp.Seq
		}
		if pp.Seq <= e.stable.Seq {
			continue
		}
		e.acceptPrePrepare(pp)
	}
	e.nextSeq = max(maxSeq, e.executed, e.stable.Seq)

	e.logger.Info("View change complete",
		"from_view", prev,
		"view", v,
		"primary", e.primary(v).Short(),
		"carried_over", len(pps))
	if e.metrics != nil {
		e.metrics.SetGauge([]string{"consensus", "view"}, float32(v))
	}

	if e.isPrimary() {
		for _, key := range e.pendingKeys() {
			if _, busy := e.inFlight[key]; !busy {
				e.queue = append(e.queue, key)
			}
		}
		e.proposeBatch(true)
	}
	e.executeReady()
}
