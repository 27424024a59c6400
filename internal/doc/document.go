package doc

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

// Edit is one committed write to a field.
type Edit struct {
	Value   ir.Value
	TxIndex uint64
	MadeAt  time.Time
}

// Listener is called after a batch commits to a document or to any
// document it references.
type Listener func(d *Document)

// Document is a set of fields, each with its own append-only edit history.
type Document struct {
	store *Store
	id    string
	typ   *schema.Type

	// fields is guarded by store.mu. Edits per field are in TxIndex order.
	fields map[string][]Edit
}

func newDocument(s *Store, id string, typ *schema.Type) *Document {
	return &Document{
		store:  s,
		id:     id,
		typ:    typ,
		fields: make(map[string][]Edit),
	}
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// Type returns the document's type descriptor.
func (d *Document) Type() *schema.Type { return d.typ }

// Store returns the store that owns the document.
func (d *Document) Store() *Store { return d.store }

// Ref returns a reference to this document for use as a child field value.
func (d *Document) Ref() ir.Ref { return ir.Ref(d.id) }

// Get returns the latest value of a field, or nil if it was never written.
func (d *Document) Get(field string) ir.Value {
	e, ok := d.LastEditAt(field)
	if !ok {
		return nil
	}
	return e.Value
}

// Set writes a single field as its own batch.
func (d *Document) Set(field string, v ir.Value) (uint64, error) {
	return d.ApplyBatch(ir.Object{field: v})
}

// ApplyBatch commits all fields as one transaction and returns its index.
// Field names starting with "$" are rejected except StatusField.
func (d *Document) ApplyBatch(fields ir.Object) (uint64, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("document %s: empty batch", d.id)
	}
	tx, err := d.store.commit(d, fields)
	if err != nil {
		return 0, fmt.Errorf("document %s: %w", d.id, err)
	}
	return tx, nil
}

// LastEditAt returns the most recent edit of a field.
func (d *Document) LastEditAt(field string) (Edit, bool) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.lastEditLocked(field, math.MaxUint64)
}

// EditsAt returns a copy of a field's full edit history in commit order.
func (d *Document) EditsAt(field string) []Edit {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	edits := d.fields[field]
	out := make([]Edit, len(edits))
	copy(out, edits)
	return out
}

// FieldNames returns every field that has at least one edit, sorted.
func (d *Document) FieldNames() []string {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.fieldNamesLocked()
}

// LastTx returns the highest TxIndex of any edit on this document, or 0.
func (d *Document) LastTx() uint64 {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	var last uint64
	for _, edits := range d.fields {
		if n := len(edits); n > 0 && edits[n-1].TxIndex > last {
			last = edits[n-1].TxIndex
		}
	}
	return last
}

// AtTime returns a read-only view containing only edits with
// TxIndex <= tx.
func (d *Document) AtTime(tx uint64) *View {
	return &View{doc: d, limit: tx}
}

// AtWallTime returns a view containing the edits made at or before t.
// Wall time is only a display aid; two batches made in the same instant
// are both included.
func (d *Document) AtWallTime(t time.Time) *View {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	var limit uint64
	for _, edits := range d.fields {
		for _, e := range edits {
			if !e.MadeAt.After(t) && e.TxIndex > limit {
				limit = e.TxIndex
			}
		}
	}
	return &View{doc: d, limit: limit}
}

// Live returns a view of the latest values.
func (d *Document) Live() *View {
	return &View{doc: d, limit: math.MaxUint64}
}

// OnChange registers l to be called after every batch committed to this
// document or to a document it references. The returned function removes
// the listener; calling it more than once is a no-op.
func (d *Document) OnChange(l Listener) (unsubscribe func()) {
	return d.store.notify.add(d.id, l)
}

// Child resolves a Ref-valued field to the referenced loaded document.
func (d *Document) Child(field string) (*Document, bool) {
	ref, ok := d.Get(field).(ir.Ref)
	if !ok {
		return nil, false
	}
	return d.store.Get(ref.ID())
}

func (d *Document) lastEditLocked(field string, limit uint64) (Edit, bool) {
	edits := d.fields[field]
	// First edit with TxIndex > limit; the one before it is the answer.
	i := sort.Search(len(edits), func(i int) bool { return edits[i].TxIndex > limit })
	if i == 0 {
		return Edit{}, false
	}
	return edits[i-1], true
}

func (d *Document) fieldNamesLocked() []string {
	names := make([]string, 0, len(d.fields))
	for name, edits := range d.fields {
		if len(edits) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
