// Package freshness decides whether a document's computed fields reflect
// its current base fields.
//
// The rule compares logical transaction indexes only:
//
//	latestBaseTx = max(last edit of each own base field,
//	                   last edit of any field of each declared child, recursively)
//	fresh        = every computed field has been written AND
//	               every computed field's ordering point > latestBaseTx
//
// A computed value committed by a computation is ordered at the index where
// that computation started, so base edits made while it ran leave the
// result stale. Ties favour staleness.
package freshness

import (
	"math"
	"strings"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/schema"
)

// Reason explains a freshness verdict.
type Reason string

const (
	ReasonFresh           Reason = "fresh"
	ReasonMissingComputed Reason = "missing_computed"
	ReasonBaseChanged     Reason = "base_changed"
	ReasonInFlight        Reason = "in_flight"
)

// FieldReport describes one computed field.
type FieldReport struct {
	Field         string
	Written       bool
	TxIndex       uint64
	OrderingPoint uint64
}

// Report is the full evaluation behind IsFresh.
type Report struct {
	DocID        string
	LatestBaseTx uint64
	Fields       []FieldReport
	Status       Status
	Fresh        bool
	Reason       Reason
}

// IsFresh reports whether every computed field of d is newer than every
// base input, including inputs reached through declared child references.
func IsFresh(d *doc.Document) bool {
	return evaluate(d, math.MaxUint64).fresh
}

// IsFreshAt evaluates freshness as of transaction index tx.
func IsFreshAt(d *doc.Document, tx uint64) bool {
	return evaluate(d, tx).fresh
}

// LatestBaseTx returns the highest index among d's base inputs.
func LatestBaseTx(d *doc.Document) uint64 {
	return latestBaseTx(d, math.MaxUint64, map[string]bool{})
}

// State returns the observable computation state of d.
func State(d *doc.Document) Phase {
	if CurrentStatus(d).Phase == PhaseComputing {
		return PhaseComputing
	}
	if IsFresh(d) {
		return PhaseComputed
	}
	return PhaseUncomputed
}

// Explain returns the evaluation details behind IsFresh.
func Explain(d *doc.Document) Report {
	ev := evaluate(d, math.MaxUint64)
	r := Report{
		DocID:        d.ID(),
		LatestBaseTx: ev.latestBase,
		Fields:       ev.fields,
		Status:       CurrentStatus(d),
		Fresh:        ev.fresh,
	}
	switch {
	case ev.fresh:
		r.Reason = ReasonFresh
	case r.Status.Phase == PhaseComputing:
		r.Reason = ReasonInFlight
	case ev.missing:
		r.Reason = ReasonMissingComputed
	default:
		r.Reason = ReasonBaseChanged
	}
	return r
}

type evaluation struct {
	latestBase uint64
	fields     []FieldReport
	missing    bool
	fresh      bool
}

func evaluate(d *doc.Document, limit uint64) evaluation {
	typ := d.Type()
	ev := evaluation{
		latestBase: latestBaseTx(d, limit, map[string]bool{}),
		fresh:      true,
	}
	view := d.AtTime(limit)
	for _, field := range typ.Computed {
		e, ok := view.LastEdit(field)
		if !ok {
			ev.fields = append(ev.fields, FieldReport{Field: field})
			ev.missing = true
			ev.fresh = false
			continue
		}
		point := orderingPoint(d, e)
		ev.fields = append(ev.fields, FieldReport{
			Field:         field,
			Written:       true,
			TxIndex:       e.TxIndex,
			OrderingPoint: point,
		})
		if point <= ev.latestBase {
			ev.fresh = false
		}
	}
	return ev
}

// orderingPoint maps a computed edit to the index it competes at.
func orderingPoint(d *doc.Document, e doc.Edit) uint64 {
	if st, ok := StatusAt(d, e.TxIndex); ok && st.Phase == PhaseComputed {
		return st.StartTx
	}
	return e.TxIndex
}

func latestBaseTx(d *doc.Document, limit uint64, visited map[string]bool) uint64 {
	visited[d.ID()] = true
	typ := d.Type()
	view := d.AtTime(limit)

	var latest uint64
	for _, field := range typ.Base {
		if e, ok := view.LastEdit(field); ok && e.TxIndex > latest {
			latest = e.TxIndex
		}
	}
	for _, field := range typ.ChildFields() {
		child, ok := view.Child(field)
		if !ok || visited[child.ID()] {
			continue
		}
		if tx := childInputTx(child, limit, visited); tx > latest {
			latest = tx
		}
	}
	return latest
}

// childInputTx is the latest edit to any user field of child, then of its
// own declared children. The child's status field is not an input.
func childInputTx(child *doc.Document, limit uint64, visited map[string]bool) uint64 {
	visited[child.ID()] = true
	view := child.AtTime(limit)

	var latest uint64
	for _, field := range view.Fields() {
		if strings.HasPrefix(field, schema.ReservedPrefix) {
			continue
		}
		if e, ok := view.LastEdit(field); ok && e.TxIndex > latest {
			latest = e.TxIndex
		}
	}
	for _, field := range child.Type().ChildFields() {
		grandchild, ok := view.Child(field)
		if !ok || visited[grandchild.ID()] {
			continue
		}
		if tx := childInputTx(grandchild, limit, visited); tx > latest {
			latest = tx
		}
	}
	return latest
}
