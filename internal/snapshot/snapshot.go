// Package snapshot pins the inputs of a computation and commits its outputs.
//
// A computation is bracketed by two batches on the document:
//
//	StartComputation   writes Computing          at tx S (the boundary)
//	FinishComputation  writes values + Computed  at tx F
//
// The computation reads base fields as of S-1, so base edits committed
// between S and F are never part of its input.
package snapshot

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/freshness"
	"github.com/roach88/derive/internal/ir"
)

// Pinned is the input of one computation.
type Pinned struct {
	// Boundary is the index of the Computing status write.
	Boundary uint64

	// View exposes only declared base fields, as of Boundary-1. Child
	// documents reached through View.Child are live.
	View *doc.View
}

// StartComputation marks d as computing and returns its pinned inputs.
// Starting over a status that is already computing is permitted; the
// earlier attempt can no longer finish.
func StartComputation(ctx context.Context, d *doc.Document) (*Pinned, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start computation %s: %w", d.ID(), err)
	}
	boundary, err := d.Set(doc.StatusField, freshness.Computing())
	if err != nil {
		return nil, fmt.Errorf("start computation %s: %w", d.ID(), err)
	}
	view := d.AtTime(boundary - 1).Restrict(d.Type().Base...)
	d.Store().Logger().Debug("computation started", "doc", d.ID(), "boundary", boundary)
	return &Pinned{Boundary: boundary, View: view}, nil
}

// FinishComputation commits values and the Computed status in one batch
// and returns the batch index.
//
// values must hold exactly the declared computed fields and d must be
// computing; otherwise a *Fault is returned and nothing is written.
func FinishComputation(d *doc.Document, values ir.Object) (uint64, error) {
	if missing, extra := diffFields(d.Type().Computed, values); len(missing) > 0 || len(extra) > 0 {
		return 0, &Fault{
			Code:    ErrCodeIncompletePayload,
			DocID:   d.ID(),
			Message: "values must cover exactly the computed fields",
			Missing: missing,
			Extra:   extra,
		}
	}

	st := freshness.CurrentStatus(d)
	if st.Phase != freshness.PhaseComputing {
		return 0, &Fault{
			Code:    ErrCodeNotComputing,
			DocID:   d.ID(),
			Message: fmt.Sprintf("finish called while %s", st.Phase),
		}
	}

	batch := values.Clone()
	batch[doc.StatusField] = freshness.Computed(st.StartTx)
	finish, err := d.ApplyBatch(batch)
	if err != nil {
		return 0, fmt.Errorf("finish computation %s: %w", d.ID(), err)
	}
	d.Store().Logger().Debug("computation finished", "doc", d.ID(), "start", st.StartTx, "finish", finish)
	return finish, nil
}

// AbortComputation records that the in-flight computation of d will not
// finish. It is a no-op unless d is computing.
func AbortComputation(d *doc.Document) error {
	if freshness.CurrentStatus(d).Phase != freshness.PhaseComputing {
		return nil
	}
	if _, err := d.Set(doc.StatusField, freshness.Uncomputed()); err != nil {
		return fmt.Errorf("abort computation %s: %w", d.ID(), err)
	}
	d.Store().Logger().Debug("computation aborted", "doc", d.ID())
	return nil
}

// Composite is a consistent view of a completed computation: the base
// fields it read and the values it produced.
type Composite struct {
	doc      *doc.Document
	base     *doc.View
	computed *doc.View

	// StartTx and FinishTx bracket the computation. StartTx is zero when
	// the values were written without StartComputation; FinishTx is zero
	// when the composite is the live state.
	StartTx  uint64
	FinishTx uint64
}

// LastComputedValue returns the most recent completed computation of d.
// When no computed field has ever been written it returns the live state.
func LastComputedValue(d *doc.Document) *Composite {
	typ := d.Type()

	var finish uint64 = math.MaxUint64
	written := false
	for _, field := range typ.Computed {
		if e, ok := d.LastEditAt(field); ok {
			written = true
			if e.TxIndex < finish {
				finish = e.TxIndex
			}
		}
	}
	if !written {
		live := d.Live()
		return &Composite{
			doc:      d,
			base:     live.Restrict(typ.Base...),
			computed: live.Restrict(typ.Computed...),
		}
	}

	// The start is only known when the values were committed by
	// FinishComputation, whose batch carries Computed{start}.
	var start uint64
	if st, ok := freshness.StatusAt(d, finish); ok && st.Phase == freshness.PhaseComputed {
		start = st.StartTx
	}
	baseAt := finish
	if start > 0 {
		baseAt = start - 1
	}
	return &Composite{
		doc:      d,
		base:     d.AtTime(baseAt).Restrict(typ.Base...),
		computed: d.AtTime(finish).Restrict(typ.Computed...),
		StartTx:  start,
		FinishTx: finish,
	}
}

// Document returns the underlying document.
func (c *Composite) Document() *doc.Document { return c.doc }

// Base returns the view of base fields the computation read.
func (c *Composite) Base() *doc.View { return c.base }

// Computed returns the view of the produced values.
func (c *Composite) Computed() *doc.View { return c.computed }

// Get returns a field from whichever view owns it.
func (c *Composite) Get(field string) ir.Value {
	if c.doc.Type().IsComputed(field) {
		return c.computed.Get(field)
	}
	return c.base.Get(field)
}

// Object returns every visible base and computed value.
func (c *Composite) Object() ir.Object {
	out := c.base.Object()
	for k, v := range c.computed.Object() {
		out[k] = v
	}
	return out
}

// IsComputed reports whether the document is currently fresh.
func (c *Composite) IsComputed() bool {
	return freshness.IsFresh(c.doc)
}

func diffFields(want []string, got ir.Object) (missing, extra []string) {
	wantSet := make(map[string]bool, len(want))
	for _, f := range want {
		wantSet[f] = true
		if _, ok := got[f]; !ok {
			missing = append(missing, f)
		}
	}
	for f := range got {
		if !wantSet[f] {
			extra = append(extra, f)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}
