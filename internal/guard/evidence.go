package guard

import (
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type EvidenceKind string

const (
	EvidenceConflictingVotes   EvidenceKind = "conflicting_votes"
	EvidenceInvalidSignature   EvidenceKind = "invalid_signature"
	EvidenceMessageReplay      EvidenceKind = "message_replay"
	EvidenceTimestampViolation EvidenceKind = "timestamp_violation"
	EvidenceExcessiveLatency   EvidenceKind = "excessive_latency"
	EvidenceLogInconsistency   EvidenceKind = "log_inconsistency"
	EvidenceExternalReport     EvidenceKind = "external_report"
)

// Weight is the number of decay steps a fault of this kind costs. Stale and
// replayed traffic is dropped without penalty.
func (k EvidenceKind) Weight() int {
	switch k {
	case EvidenceConflictingVotes, EvidenceInvalidSignature, EvidenceLogInconsistency:
		return 2
	case EvidenceExcessiveLatency, EvidenceExternalReport:
		return 1
	default:
		return 0
	}
}

// Evidence records a detected fault.
type Evidence struct {
	Node   types.NodeID `json:"node"`
	Kind   EvidenceKind `json:"kind"`
	Detail string       `json:"detail"`
	At     time.Time    `json:"at"`
}

func (e Evidence) String() string {
	return fmt.Sprintf("%s by %s: %s", e.Kind, e.Node.Short(), e.Detail)
}
