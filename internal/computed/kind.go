// Package computed is the application-facing surface of derive.
//
// A Kind pairs a document type with an optional computation function. A
// Runtime owns the document store, the registered kinds and one
// coordinator registry per computing kind. Object wraps a document and
// exposes Subscribe, State and the computation protocol.
//
// Subscribing to an object registers a coordinator token for it and for
// every computed document reachable through its declared child fields, so
// observing a parent is enough to keep nested computed values current.
package computed

import (
	"github.com/roach88/derive/internal/coordinator"
	"github.com/roach88/derive/internal/schema"
)

// Kind is a document type plus the function that maintains its computed
// fields. A nil Compute means manual mode: subscribing never starts a
// computation and callers drive StartComputation and FinishComputation
// themselves.
type Kind struct {
	Type    *schema.Type
	Compute coordinator.ComputeFunc
}

// WithComputation declares a kind whose computed fields are maintained by fn.
func WithComputation(typ *schema.Type, fn coordinator.ComputeFunc) Kind {
	return Kind{Type: typ, Compute: fn}
}

// WithComputed declares a kind in manual mode.
func WithComputed(typ *schema.Type) Kind {
	return Kind{Type: typ}
}

// Manual reports whether the kind has no computation function.
func (k Kind) Manual() bool {
	return k.Compute == nil
}
