package replog

import (
	"errors"
	"fmt"

	"github.com/witnz/quorum/internal/types"
)

var (
	ErrLogIntegrity = errors.New("log integrity violation")
	ErrStorage      = errors.New("log storage failure")
	ErrNotFound     = errors.New("log entry not found")
	ErrCompacted    = errors.New("log entry compacted into snapshot")
	ErrGap          = errors.New("log entry would leave a gap")
)

// IntegrityError reports an entry whose stored checksum does not match its
// contents.
type IntegrityError struct {
	Index    types.LogIndex
	Expected types.Digest
	Actual   types.Digest
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("LOG INTEGRITY VIOLATION at index %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("LOG INTEGRITY VIOLATION at index %d: checksum %s, computed %s",
		e.Index, e.Expected.String()[:16], e.Actual.String()[:16])
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrLogIntegrity
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
