package freshness

import (
	"fmt"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/ir"
)

// Phase is the state of a document's computation.
type Phase string

const (
	PhaseUncomputed Phase = "uncomputed"
	PhaseComputing  Phase = "computing"
	PhaseComputed   Phase = "computed"
)

// Status is a decoded doc.StatusField edit.
//
// StartTx is the index of the batch that wrote Computing. FinishTx is the
// index of the batch that wrote Computed, which is the same batch that
// committed the computed values. Both are zero for Uncomputed.
type Status struct {
	Phase    Phase
	StartTx  uint64
	FinishTx uint64
}

// Encoded status keys.
const (
	keyState = "state"
	keyStart = "start"
)

// Computing returns the status value written when a computation starts.
func Computing() ir.Value {
	return ir.NewObject(ir.O(keyState, ir.String(PhaseComputing)))
}

// Computed returns the status value committed alongside computed values.
func Computed(startTx uint64) ir.Value {
	return ir.NewObject(
		ir.O(keyState, ir.String(PhaseComputed)),
		ir.O(keyStart, ir.Int(int64(startTx))),
	)
}

// Uncomputed returns the status value written when a computation aborts.
func Uncomputed() ir.Value {
	return ir.NewObject(ir.O(keyState, ir.String(PhaseUncomputed)))
}

// DecodeStatus decodes a status edit. The edit's own TxIndex supplies
// StartTx for Computing and FinishTx for Computed.
func DecodeStatus(e doc.Edit) (Status, error) {
	obj, ok := e.Value.(ir.Object)
	if !ok {
		return Status{}, fmt.Errorf("status at tx %d: expected object, got %T", e.TxIndex, e.Value)
	}
	state, ok := obj[keyState].(ir.String)
	if !ok {
		return Status{}, fmt.Errorf("status at tx %d: missing %q", e.TxIndex, keyState)
	}
	switch Phase(state) {
	case PhaseUncomputed:
		return Status{Phase: PhaseUncomputed}, nil
	case PhaseComputing:
		return Status{Phase: PhaseComputing, StartTx: e.TxIndex}, nil
	case PhaseComputed:
		start, ok := obj[keyStart].(ir.Int)
		if !ok || start <= 0 || uint64(start) >= e.TxIndex {
			return Status{}, fmt.Errorf("status at tx %d: invalid %q", e.TxIndex, keyStart)
		}
		return Status{Phase: PhaseComputed, StartTx: uint64(start), FinishTx: e.TxIndex}, nil
	default:
		return Status{}, fmt.Errorf("status at tx %d: unknown state %q", e.TxIndex, state)
	}
}

// CurrentStatus returns the latest recorded status of d. A document whose
// status was never written, or holds an undecodable value, is Uncomputed.
func CurrentStatus(d *doc.Document) Status {
	e, ok := d.LastEditAt(doc.StatusField)
	if !ok {
		return Status{Phase: PhaseUncomputed}
	}
	st, err := DecodeStatus(e)
	if err != nil {
		d.Store().Logger().Warn("ignoring malformed status", "doc", d.ID(), "error", err)
		return Status{Phase: PhaseUncomputed}
	}
	return st
}

// StatusAt returns the status committed in batch tx, if any.
func StatusAt(d *doc.Document, tx uint64) (Status, bool) {
	edits := d.EditsAt(doc.StatusField)
	for i := len(edits) - 1; i >= 0; i-- {
		if edits[i].TxIndex < tx {
			break
		}
		if edits[i].TxIndex == tx {
			st, err := DecodeStatus(edits[i])
			return st, err == nil
		}
	}
	return Status{}, false
}
