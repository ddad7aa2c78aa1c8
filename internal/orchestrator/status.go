package orchestrator

import (
	"time"

	"github.com/witnz/quorum/internal/consensus"
	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/types"
)

type Health string

const (
	HealthHealthy     Health = "Healthy"
	HealthWarning     Health = "Warning"
	HealthCritical    Health = "Critical"
	HealthCompromised Health = "Compromised"
)

// GradeHealth compares the number of quarantined nodes with f, the number
// of faults the cluster tolerates.
func GradeHealth(quarantined, f int) Health {
	switch {
	case quarantined == 0:
		return HealthHealthy
	case quarantined < f:
		return HealthWarning
	case quarantined == f:
		return HealthCritical
	default:
		return HealthCompromised
	}
}

type ClusterStatus struct {
	TotalNodes       int              `json:"total_nodes"`
	ActiveNodes      int              `json:"active_nodes"`
	QuarantinedNodes []types.NodeID   `json:"quarantined_nodes"`
	MaxFaulty        int              `json:"max_faulty"`
	Health           Health           `json:"health"`
	Consensus        consensus.Status `json:"consensus"`
}

func (o *Orchestrator) ClusterStatus() ClusterStatus {
	var quarantined []types.NodeID
	if o.faults != nil {
		quarantined = o.faults.QuarantinedNodes()
	}
	f := types.MaxFaulty(len(o.members))
	return ClusterStatus{
		TotalNodes:       len(o.members),
		ActiveNodes:      len(o.members) - len(quarantined),
		QuarantinedNodes: quarantined,
		MaxFaulty:        f,
		Health:           GradeHealth(len(quarantined), f),
		Consensus:        o.engine.Status(),
	}
}

func (o *Orchestrator) refreshHealth() {
	st := o.ClusterStatus()

	o.mu.Lock()
	prev := o.health
	o.health = st.Health
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetGauge([]string{"orchestrator", "quarantined_nodes"}, float32(len(st.QuarantinedNodes)))
	}
	if prev == st.Health {
		return
	}
	if st.Health != HealthHealthy {
		o.logger.Warn("Cluster health degraded due to Byzantine faults",
			"health", st.Health, "quarantined", len(st.QuarantinedNodes), "threshold", st.MaxFaulty)
	} else {
		o.logger.Info("Cluster health restored")
	}
	o.bus.Publish(events.Event{Kind: events.HealthChanged, At: o.now(), Message: string(st.Health)})
}

type counters struct {
	submitted  uint64
	timedOut   uint64
	dropped    uint64
	duplicates uint64
	succeeded  uint64
	failed     uint64
	byKind     map[operation.Kind]uint64

	totalExecution time.Duration
	totalConsensus time.Duration
	localApplied   uint64
	ewmaConsensus  time.Duration
}

func newCounters() counters {
	return counters{byKind: make(map[operation.Kind]uint64)}
}

func (o *Orchestrator) recordApplied(res *OperationResult, local bool) {
	o.statsMu.Lock()
	s := &o.stats
	s.byKind[res.Kind]++
	if res.Success {
		s.succeeded++
	} else {
		s.failed++
	}
	s.totalExecution += res.ExecutionTime
	if local {
		s.localApplied++
		s.totalConsensus += res.ConsensusTime
		if s.localApplied == 1 {
			s.ewmaConsensus = res.ConsensusTime
		} else {
			s.ewmaConsensus = consensus.EWMA(s.ewmaConsensus, res.ConsensusTime)
		}
	}
	o.statsMu.Unlock()

	if o.metrics == nil {
		return
	}
	o.metrics.IncrCounter([]string{"orchestrator", "applied", string(res.Kind)}, 1)
	if !res.Success {
		o.metrics.IncrCounter([]string{"orchestrator", "application_errors"}, 1)
	}
	o.metrics.AddSample([]string{"orchestrator", "execution_ms"}, float32(res.ExecutionTime)/float32(time.Millisecond))
	if res.ConsensusTime > 0 {
		o.metrics.AddSample([]string{"orchestrator", "consensus_ms"}, float32(res.ConsensusTime)/float32(time.Millisecond))
	}
}

type ConsensusMetrics struct {
	AvgConsensusTime        time.Duration `json:"avg_consensus_time"`
	EWMAConsensusTime       time.Duration `json:"ewma_consensus_time"`
	ConsensusSuccessRate    float64       `json:"consensus_success_rate"`
	AvgRounds               float64       `json:"avg_rounds"`
	ByzantineFaultsDetected uint64        `json:"byzantine_faults_detected"`
	NetworkOverheadBytes    uint64        `json:"network_overhead_bytes"`
	ViewChanges             uint64        `json:"view_changes"`
	RoundsCommitted         uint64        `json:"rounds_committed"`
	MessagesRejected        uint64        `json:"messages_rejected"`
}

type Metrics struct {
	OperationsByKind      map[operation.Kind]uint64 `json:"operations_by_kind"`
	OperationsApplied     uint64                    `json:"operations_applied"`
	OperationsSucceeded   uint64                    `json:"operations_succeeded"`
	OperationsFailed      uint64                    `json:"operations_failed"`
	OperationsSubmitted   uint64                    `json:"operations_submitted"`
	ConsensusTimeouts     uint64                    `json:"consensus_timeouts"`
	DuplicatesSkipped     uint64                    `json:"duplicates_skipped"`
	AvgExecutionTime      time.Duration             `json:"avg_execution_time"`
	AvgConsensusTime      time.Duration             `json:"avg_consensus_time"`
	EWMAConsensusTime     time.Duration             `json:"ewma_consensus_time"`
	SuccessRate           float64                   `json:"success_rate"`
	Consensus             ConsensusMetrics          `json:"consensus"`
	OutstandingOperations int                       `json:"outstanding_operations"`
}

func (o *Orchestrator) Metrics() Metrics {
	o.statsMu.Lock()
	s := o.stats
	byKind := make(map[operation.Kind]uint64, len(s.byKind))
	for k, v := range s.byKind {
		byKind[k] = v
	}
	o.statsMu.Unlock()

	o.mu.Lock()
	outstanding := 0
	for _, w := range o.waiters {
		select {
		case <-w.done:
		default:
			outstanding++
		}
	}
	o.mu.Unlock()

	applied := s.succeeded + s.failed
	m := Metrics{
		OperationsByKind:      byKind,
		OperationsApplied:     applied,
		OperationsSucceeded:   s.succeeded,
		OperationsFailed:      s.failed,
		OperationsSubmitted:   s.submitted,
		ConsensusTimeouts:     s.timedOut,
		DuplicatesSkipped:     s.duplicates,
		EWMAConsensusTime:     s.ewmaConsensus,
		OutstandingOperations: outstanding,
	}
	if applied > 0 {
		m.AvgExecutionTime = s.totalExecution / time.Duration(applied)
		m.SuccessRate = float64(s.succeeded) / float64(applied)
	}
	if s.localApplied > 0 {
		m.AvgConsensusTime = s.totalConsensus / time.Duration(s.localApplied)
	}

	es := o.engine.Stats()
	m.Consensus = ConsensusMetrics{
		AvgConsensusTime:     es.AvgConsensusTime,
		EWMAConsensusTime:    es.EWMAConsensusTime,
		AvgRounds:            es.AvgRounds,
		NetworkOverheadBytes: es.BytesSent,
		ViewChanges:          es.ViewChanges,
		RoundsCommitted:      es.RoundsCommitted,
		MessagesRejected:     es.MessagesRejected,
	}
	if decided := s.localApplied + s.timedOut + s.dropped; decided > 0 {
		m.Consensus.ConsensusSuccessRate = float64(s.localApplied) / float64(decided)
	}
	if o.faults != nil {
		m.Consensus.ByzantineFaultsDetected = o.faults.FaultsDetected()
	}
	return m
}
