package doc

import (
	"slices"

	"github.com/roach88/derive/internal/ir"
)

// View is a read-only projection of a document at a transaction index.
// A view never changes: edits committed after its limit are invisible.
type View struct {
	doc   *Document
	limit uint64

	// only restricts visible fields when non-nil.
	only []string
}

// Document returns the viewed document.
func (v *View) Document() *Document { return v.doc }

// Limit returns the highest visible TxIndex.
func (v *View) Limit() uint64 { return v.limit }

// Restrict returns a view that exposes only the named fields.
func (v *View) Restrict(fields ...string) *View {
	only := make([]string, 0, len(fields))
	for _, f := range fields {
		if v.visible(f) {
			only = append(only, f)
		}
	}
	return &View{doc: v.doc, limit: v.limit, only: only}
}

// At returns a view of the same fields at an earlier index. Asking for a
// later index than the current limit returns the view unchanged.
func (v *View) At(tx uint64) *View {
	if tx >= v.limit {
		return v
	}
	return &View{doc: v.doc, limit: tx, only: v.only}
}

// LastEdit returns the latest visible edit of a field.
func (v *View) LastEdit(field string) (Edit, bool) {
	if !v.visible(field) {
		return Edit{}, false
	}
	v.doc.store.mu.Lock()
	defer v.doc.store.mu.Unlock()
	return v.doc.lastEditLocked(field, v.limit)
}

// Get returns the visible value of a field, or nil.
func (v *View) Get(field string) ir.Value {
	e, ok := v.LastEdit(field)
	if !ok {
		return nil
	}
	return e.Value
}

// Has reports whether the field has a visible edit.
func (v *View) Has(field string) bool {
	_, ok := v.LastEdit(field)
	return ok
}

// Fields returns the visible fields that have at least one edit, sorted.
func (v *View) Fields() []string {
	v.doc.store.mu.Lock()
	defer v.doc.store.mu.Unlock()
	var out []string
	for _, name := range v.doc.fieldNamesLocked() {
		if !v.visible(name) {
			continue
		}
		if _, ok := v.doc.lastEditLocked(name, v.limit); ok {
			out = append(out, name)
		}
	}
	return out
}

// Object returns every visible field value.
func (v *View) Object() ir.Object {
	out := make(ir.Object)
	for _, name := range v.Fields() {
		out[name] = v.Get(name)
	}
	return out
}

// Child resolves a Ref-valued field, as seen by this view, to the
// referenced document. The child itself is returned live; callers pin it
// with AtTime(v.Limit()) when they need a consistent cut.
func (v *View) Child(field string) (*Document, bool) {
	ref, ok := v.Get(field).(ir.Ref)
	if !ok {
		return nil, false
	}
	return v.doc.store.Get(ref.ID())
}

func (v *View) visible(field string) bool {
	return v.only == nil || slices.Contains(v.only, field)
}
