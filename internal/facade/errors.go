package facade

import (
	"errors"
	"fmt"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/deploy"
	"holt.is/bulwark/internal/store"
)

// ErrorKind is the stable error taxonomy exposed across the service
// boundary. Consumers never see opaque internal errors.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindPolicy       ErrorKind = "policy-violation"
	KindAdapter      ErrorKind = "adapter"
	KindConcurrency  ErrorKind = "concurrency"
	KindHeartbeat    ErrorKind = "heartbeat-miss"
	KindIntegrity    ErrorKind = "integrity"
	KindCatastrophic ErrorKind = "catastrophic"
	KindNotFound     ErrorKind = "not-found"
)

// Error is the structured error every facade call returns on failure.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	AdapterKind   string    `json:"adapter_kind,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// classify maps internal errors onto the taxonomy.
func classify(err error, correlationID string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	out := &Error{Message: err.Error(), CorrelationID: correlationID}
	var pv *deploy.PolicyViolation
	var ae *backend.Error
	switch {
	case errors.As(err, &pv):
		out.Kind = KindPolicy
	case errors.Is(err, deploy.ErrCatastrophic):
		out.Kind = KindCatastrophic
	case errors.Is(err, deploy.ErrLockTimeout):
		out.Kind = KindConcurrency
	case errors.Is(err, store.ErrNotFound):
		out.Kind = KindNotFound
	case errors.Is(err, store.ErrTerminalState):
		out.Kind = KindValidation
	case errors.As(err, &ae):
		out.Kind = KindAdapter
		out.AdapterKind = string(ae.Kind)
	default:
		out.Kind = KindValidation
	}
	return out
}

func validationErr(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}
