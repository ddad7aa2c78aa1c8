package orchestrator

import (
	"errors"
	"fmt"

	"github.com/witnz/quorum/internal/operation"
)

var (
	ErrApplication      = errors.New("operation failed to apply")
	ErrOperationExpired = errors.New("operation wait expired")
	ErrClosed           = errors.New("orchestrator closed")
)

// ApplicationError is a committed operation that the runtime or registry
// could not carry out. It is recorded in the result; the log keeps the
// operation.
type ApplicationError struct {
	Key  operation.Key
	Kind operation.Kind
	Err  error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.Key, e.Err)
}

func (e *ApplicationError) Is(target error) bool {
	return target == ErrApplication
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

func IsApplicationError(err error) bool {
	return errors.Is(err, ErrApplication)
}

func AsApplicationError(err error) (*ApplicationError, bool) {
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
