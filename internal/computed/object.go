package computed

import (
	"context"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/freshness"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/snapshot"
)

// Object is the facade over one document.
type Object struct {
	rt  *Runtime
	doc *doc.Document
}

// ID returns the document id.
func (o *Object) ID() string { return o.doc.ID() }

// Document returns the wrapped document.
func (o *Object) Document() *doc.Document { return o.doc }

// Ref returns a reference usable as a child field value.
func (o *Object) Ref() ir.Ref { return o.doc.Ref() }

// Get returns the latest value of a field.
func (o *Object) Get(field string) ir.Value { return o.doc.Get(field) }

// Set writes one field.
func (o *Object) Set(field string, v ir.Value) (uint64, error) { return o.doc.Set(field, v) }

// Fields returns the latest values of every declared field that has been
// written. The status field is not included.
func (o *Object) Fields() ir.Object {
	typ := o.doc.Type()
	fields := append(append([]string{}, typ.Base...), typ.Computed...)
	return o.doc.Live().Restrict(fields...).Object()
}

// Child returns the facade of the document referenced by field.
func (o *Object) Child(field string) (*Object, bool) {
	d, ok := o.doc.Child(field)
	if !ok {
		return nil, false
	}
	return o.rt.Wrap(d), true
}

// State returns "computing", "computed" or "uncomputed".
func (o *Object) State() freshness.Phase { return freshness.State(o.doc) }

// IsComputed reports whether the computed fields are fresh.
func (o *Object) IsComputed() bool { return freshness.IsFresh(o.doc) }

// StartComputation marks the document computing and pins its inputs.
func (o *Object) StartComputation(ctx context.Context) (*snapshot.Pinned, error) {
	return snapshot.StartComputation(ctx, o.doc)
}

// FinishComputation commits computed values.
func (o *Object) FinishComputation(values ir.Object) (uint64, error) {
	return snapshot.FinishComputation(o.doc, values)
}

// AbortComputation abandons an in-flight computation.
func (o *Object) AbortComputation() error {
	return snapshot.AbortComputation(o.doc)
}

// LastComputedValue returns the most recent completed computation.
func (o *Object) LastComputedValue() *snapshot.Composite {
	return snapshot.LastComputedValue(o.doc)
}

// Explain returns the freshness evaluation of the document.
func (o *Object) Explain() freshness.Report {
	return freshness.Explain(o.doc)
}
