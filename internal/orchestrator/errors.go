package orchestrator

import (
	"errors"
	"fmt"
)

// Error types produced by the engine itself.
const (
	TypeTimeout         = "Timeout"
	TypeCanceled        = "Canceled"
	TypePanic           = "PanicError"
	TypeGeneric         = "GenericError"
	TypeUnknownActivity = "UnknownActivity"
	TypeUnknownWorkflow = "UnknownWorkflow"
	TypeEncoding        = "EncodingError"
)

var (
	ErrUnknownWorkflow = errors.New("orchestrator: unknown workflow")
	ErrUnknownActivity = errors.New("orchestrator: unknown activity")
	ErrRunNotFound     = errors.New("orchestrator: run not found")
	ErrStopped         = errors.New("orchestrator: engine stopped")
	ErrCanceled        = errors.New("orchestrator: run canceled")
)

// ApplicationError is the only error shape the retry logic looks at:
// a string type and an explicit retryable flag.
type ApplicationError struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	NonRetryable bool   `json:"non_retryable"`
	// Attempts is filled in by the engine when the error is final.
	Attempts int   `json:"attempts,omitempty"`
	cause    error
}

func NewApplicationError(typ, msg string, cause error) *ApplicationError {
	return &ApplicationError{Type: typ, Message: msg, cause: cause}
}

func NewNonRetryableError(typ, msg string, cause error) *ApplicationError {
	return &ApplicationError{Type: typ, Message: msg, NonRetryable: true, cause: cause}
}

func (e *ApplicationError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

func (e *ApplicationError) Is(target error) bool {
	return target == ErrCanceled && e.Type == TypeCanceled
}

// AsApplicationError returns err as an *ApplicationError, wrapping
// unclassified errors as retryable GenericError.
func AsApplicationError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	var ae *ApplicationError
	if errors.As(err, &ae) {
		cp := *ae
		return &cp
	}
	return &ApplicationError{Type: TypeGeneric, Message: err.Error(), cause: err}
}

func canceledError(cause error) *ApplicationError {
	return &ApplicationError{Type: TypeCanceled, Message: "run canceled", NonRetryable: true, cause: cause}
}
