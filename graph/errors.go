package graph

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the handle layer, the storage engines and the plugin hosts. Callers classify failures with
// errors.Is; every error returned by this module wraps exactly one of these.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTimeout          = errors.New("timeout")
	ErrExecution        = errors.New("execution error")

	ErrHandleMoved       = fmt.Errorf("%w: handle was moved or closed", ErrInvalidArgument)
	ErrTransactionClosed = fmt.Errorf("%w: transaction already committed or aborted", ErrInvalidArgument)
)

// Retryable returns true if the failure may succeed when reissued by the caller with fresh state.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ExecutionError carries the opaque failure payload reported by a stored procedure host.
type ExecutionError struct {
	Plugin  string
	Payload string
	Err     error
}

func NewExecutionError(plugin, payload string, err error) error {
	return &ExecutionError{
		Plugin:  plugin,
		Payload: payload,
		Err:     err,
	}
}

func (s *ExecutionError) Error() string {
	if s.Payload != "" {
		return fmt.Sprintf("plugin %s failed: %v: %s", s.Plugin, s.Err, s.Payload)
	}

	return fmt.Sprintf("plugin %s failed: %v", s.Plugin, s.Err)
}

func (s *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, s.Err}
}
