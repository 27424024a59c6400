package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// FaultCode categorizes programmer faults detected by the snapshot builder.
type FaultCode string

const (
	// ErrCodeIncompletePayload indicates FinishComputation was given a value
	// set that does not cover exactly the declared computed fields.
	ErrCodeIncompletePayload FaultCode = "INCOMPLETE_PAYLOAD"

	// ErrCodeNotComputing indicates FinishComputation was called on a
	// document whose latest status is not computing (includes double finish).
	ErrCodeNotComputing FaultCode = "NOT_COMPUTING"
)

// Fault is a misuse of the computation protocol. Nothing is written when a
// Fault is returned.
type Fault struct {
	Code    FaultCode
	DocID   string
	Message string

	// Missing and Extra list the offending field names for
	// ErrCodeIncompletePayload.
	Missing []string
	Extra   []string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s (doc=%s)", f.Code, f.Message, f.DocID)
	if len(f.Missing) > 0 {
		msg += " missing=[" + strings.Join(f.Missing, ",") + "]"
	}
	if len(f.Extra) > 0 {
		msg += " extra=[" + strings.Join(f.Extra, ",") + "]"
	}
	return msg
}

// IsIncompletePayload reports whether err is an ErrCodeIncompletePayload fault.
func IsIncompletePayload(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == ErrCodeIncompletePayload
	}
	return false
}

// IsNotComputing reports whether err is an ErrCodeNotComputing fault.
func IsNotComputing(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == ErrCodeNotComputing
	}
	return false
}
