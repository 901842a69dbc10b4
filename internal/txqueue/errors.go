package txqueue

import (
	"errors"
	"fmt"
)

// Construction errors.
var (
	ErrEmptyQueue           = errors.New("txqueue: no steps")
	ErrMissingMethodCall    = errors.New("txqueue: step has no method call")
	ErrForwardDependency    = errors.New("txqueue: dependency on a later step")
	ErrSelfDependency       = errors.New("txqueue: step depends on itself")
	ErrDependencyOutOfRange = errors.New("txqueue: dependency index out of range")
	ErrDuplicateDependency  = errors.New("txqueue: duplicate dependency")
	ErrForeignNode          = errors.New("txqueue: node belongs to another plan")
)

// IsConstructionError reports whether err rejects a queue before it ran.
func IsConstructionError(err error) bool {
	for _, target := range []error{
		ErrEmptyQueue, ErrMissingMethodCall, ErrForwardDependency, ErrSelfDependency,
		ErrDependencyOutOfRange, ErrDuplicateDependency, ErrForeignNode,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Runtime errors.
var (
	// ErrUserRejected is returned by a MethodCall when the signer declined.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrTxReverted is returned by PendingTx.Wait when the transaction was
	// mined with a failure status.
	ErrTxReverted = errors.New("transaction reverted")

	ErrQueueStarted   = errors.New("txqueue: queue already started")
	ErrExecutorClosed = errors.New("txqueue: executor closed")
)

// ErrorKind classifies why a step stopped its queue.
type ErrorKind int

const (
	KindSubmissionFailure ErrorKind = iota
	KindUserRejected
	KindDependencyFailed
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindSubmissionFailure:
		return "submission_failure"
	case KindUserRejected:
		return "user_rejected"
	case KindDependencyFailed:
		return "dependency_failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StepError is the terminal error of a failed or cancelled queue.
type StepError struct {
	Index int
	Title string
	Kind  ErrorKind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s: %v", e.Index, e.Title, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
