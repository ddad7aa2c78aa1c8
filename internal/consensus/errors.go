package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/operation"
)

var (
	ErrConsensusTimeout = errors.New("consensus timeout")
	ErrHalted           = errors.New("consensus engine halted")
	ErrStopped          = errors.New("consensus engine stopped")
	ErrNotInitiator     = errors.New("operation initiator is not this node")
)

// TimeoutError reports a request that did not commit before its deadline.
// Rounds is the number of view changes it survived on the submitter; it is
// zero when the request was ordered only after its deadline and every
// replica skipped it.
type TimeoutError struct {
	Key      operation.Key
	Rounds   int
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	if e.Rounds == 0 && e.Deadline.IsZero() {
		return fmt.Sprintf("operation %s ordered after its deadline", e.Key)
	}
	if e.Rounds == 0 {
		return fmt.Sprintf("operation %s ordered after its deadline %s", e.Key, e.Deadline.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("operation %s not committed after %d view changes", e.Key, e.Rounds)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrConsensusTimeout
}

// HaltError wraps the storage failure that stopped the engine.
type HaltError struct {
	Cause error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("consensus engine halted: %v", e.Cause)
}

func (e *HaltError) Is(target error) bool {
	return target == ErrHalted
}

func (e *HaltError) Unwrap() error {
	return e.Cause
}
