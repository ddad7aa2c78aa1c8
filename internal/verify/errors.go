package verify

import (
	"fmt"

	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/types"
)

// InconsistencyError reports an applied operation whose record disagrees
// with the committed log.
type InconsistencyError struct {
	Index   types.LogIndex
	Key     operation.Key
	Message string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("REGISTRY INCONSISTENCY: operation %s at index %d: %s",
		e.Key, e.Index, e.Message)
}

func NewInconsistencyError(index types.LogIndex, key operation.Key, message string) *InconsistencyError {
	return &InconsistencyError{
		Index:   index,
		Key:     key,
		Message: message,
	}
}

func IsInconsistencyError(err error) bool {
	_, ok := err.(*InconsistencyError)
	return ok
}

func AsInconsistencyError(err error) *InconsistencyError {
	if ie, ok := err.(*InconsistencyError); ok {
		return ie
	}
	return nil
}
