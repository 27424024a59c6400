package coordinator

import (
	"errors"
	"fmt"
)

// FaultCode categorizes coordinator faults.
type FaultCode string

const (
	// ErrCodeReentrancy indicates an attempt to start a computation for a
	// document that already has one active. It is raised with panic: the
	// coordinator's own bookkeeping is broken and cannot continue.
	ErrCodeReentrancy FaultCode = "REENTRANCY"

	// ErrCodeComputeFailed indicates a computation function returned an
	// error or panicked while starting.
	ErrCodeComputeFailed FaultCode = "COMPUTE_FAILED"
)

// Fault is a structured coordinator error.
type Fault struct {
	Code    FaultCode
	DocID   string
	Token   Token
	Message string
	Err     error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s (doc=%s, token=%s)", f.Code, f.Message, f.DocID, f.Token)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error {
	return f.Err
}

// IsReentrancy reports whether err is an ErrCodeReentrancy fault.
func IsReentrancy(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == ErrCodeReentrancy
	}
	return false
}

// IsComputeFailed reports whether err is an ErrCodeComputeFailed fault.
func IsComputeFailed(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == ErrCodeComputeFailed
	}
	return false
}
