package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/model"
)

// ValidationError rejects a request before any pipeline work happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err's chain contains a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return eris.As(err, &ve)
}

// InputTooLargeError rejects a narrative over the configured size limit.
type InputTooLargeError struct {
	Limit  int
	Actual int
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("narrative too large: %d runes (limit %d)", e.Actual, e.Limit)
}

// IsTooLarge reports whether err's chain contains an InputTooLargeError.
func IsTooLarge(err error) bool {
	var te *InputTooLargeError
	return eris.As(err, &te)
}

// NotReadyError signals that results were requested before the run reached
// a terminal state.
type NotReadyError struct {
	State model.RunState
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("analysis not ready: run is %s", e.State)
}

// IsNotReady reports whether err's chain contains a NotReadyError.
func IsNotReady(err error) bool {
	var ne *NotReadyError
	return eris.As(err, &ne)
}

// NotFoundError signals that the complaint does not exist for this tenant.
type NotFoundError struct {
	ComplaintID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("complaint not found: %s", e.ComplaintID)
}

// IsNotFound reports whether err's chain contains a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return eris.As(err, &ne)
}
