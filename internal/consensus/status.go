package consensus

import (
	"time"

	"github.com/witnz/quorum/internal/types"
)

type Status struct {
	NodeID           types.NodeID `json:"node_id"`
	View             uint64       `json:"view"`
	Primary          types.NodeID `json:"primary"`
	IsPrimary        bool         `json:"is_primary"`
	InViewChange     bool         `json:"in_view_change"`
	Executed         uint64       `json:"executed"`
	StableCheckpoint uint64       `json:"stable_checkpoint"`
	Pending          int          `json:"pending"`
	Transferring     bool         `json:"transferring"`
	Halted           bool         `json:"halted"`
	HaltReason       string       `json:"halt_reason,omitempty"`
}

type Stats struct {
	RoundsStarted     uint64        `json:"rounds_started"`
	RoundsCommitted   uint64        `json:"rounds_committed"`
	ViewChanges       uint64        `json:"view_changes"`
	MessagesSent      uint64        `json:"messages_sent"`
	MessagesRejected  uint64        `json:"messages_rejected"`
	BytesSent         uint64        `json:"bytes_sent"`
	AvgConsensusTime  time.Duration `json:"avg_consensus_time"`
	EWMAConsensusTime time.Duration `json:"ewma_consensus_time"`
	// AvgRounds is the mean number of views a committed request needed.
	AvgRounds float64 `json:"avg_rounds"`

	totalConsensus    time.Duration
	totalRounds       uint64
	requestsCommitted uint64
}

// EWMA folds sample into a moving average weighted 0.9 old, 0.1 new.
func EWMA(prev, sample time.Duration) time.Duration {
	return time.Duration(0.9*float64(prev) + 0.1*float64(sample))
}

func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

func (e *Engine) Stats() Stats {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	s := e.stats
	if s.RoundsCommitted > 0 {
		s.AvgConsensusTime = s.totalConsensus / time.Duration(s.RoundsCommitted)
	}
	if s.requestsCommitted > 0 {
		s.AvgRounds = float64(s.totalRounds) / float64(s.requestsCommitted)
	}
	return s
}

func (e *Engine) statsMu(fn func(*Stats)) {
	e.statusMu.Lock()
	fn(&e.stats)
	e.statusMu.Unlock()
}

// publishStatus copies loop-owned state for readers on other goroutines.
func (e *Engine) publishStatus() {
	st := Status{
		NodeID:           e.cfg.NodeID,
		View:             e.view,
		Primary:          e.primary(e.view),
		IsPrimary:        e.isPrimary(),
		InViewChange:     e.inViewChange,
		Executed:         e.executed,
		StableCheckpoint: e.stable.Seq,
		Pending:          len(e.pending),
		Transferring:     e.transfer != nil,
	}
	if e.halted != nil {
		st.Halted = true
		st.HaltReason = e.halted.Error()
	}

	e.statusMu.Lock()
	e.status = st
	e.haltErr = e.halted
	e.statusMu.Unlock()
}
