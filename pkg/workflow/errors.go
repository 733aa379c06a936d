package workflow

import (
	"errors"

	"github.com/dukex/flowrunner/pkg/processors"
)

var (
	ErrSafeguardExceeded = errors.New("workflow safeguard limit exceeded")
	// ErrExecutionBusy is returned for jobs that arrive while another worker
	// is traversing the same execution.
	ErrExecutionBusy = errors.New("execution is being traversed by another job")
)

// AbortCode marks traversals stopped by a user rather than by a failure.
const AbortCode = processors.AbortCode

type (
	AbortError     = processors.AbortError
	ActionAPIError = processors.ActionAPIError
)

func IsAborted(err error) bool {
	return processors.IsAborted(err)
}

func IsActionAPIError(err error) bool {
	return processors.IsActionAPIError(err)
}

func IsSafeguardExceeded(err error) bool {
	return errors.Is(err, ErrSafeguardExceeded)
}

func cancelled() error {
	return &AbortError{Message: "Node execution has been cancelled"}
}
