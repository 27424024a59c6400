package doc

import (
	"fmt"
	"sort"

	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

// DocumentRecord is a persisted document header.
type DocumentRecord struct {
	ID   string
	Type string
}

// EditRecord is one persisted field edit.
type EditRecord struct {
	DocID string
	Field string
	Edit  Edit
}

// TypeResolver looks up type descriptors by name.
// Implemented by *schema.Registry.
type TypeResolver interface {
	Lookup(name string) (*schema.Type, bool)
}

// Rebuild restores a store from persisted records. No listeners fire and
// nothing is written to a persister during the rebuild. The clock resumes
// after the highest restored TxIndex unless opts supply their own clock.
func Rebuild(docs []DocumentRecord, edits []EditRecord, types TypeResolver, opts ...Option) (*Store, error) {
	var maxTx uint64
	for _, e := range edits {
		if e.Edit.TxIndex > maxTx {
			maxTx = e.Edit.TxIndex
		}
	}

	s := NewStore(append([]Option{WithClock(NewClockAt(maxTx))}, opts...)...)
	if s.clock.Current() < maxTx {
		return nil, fmt.Errorf("rebuild: clock at %d is behind restored tx %d", s.clock.Current(), maxTx)
	}

	for _, rec := range docs {
		typ, ok := types.Lookup(rec.Type)
		if !ok {
			return nil, fmt.Errorf("rebuild document %s: unknown type %q", rec.ID, rec.Type)
		}
		if _, exists := s.docs[rec.ID]; exists {
			return nil, fmt.Errorf("rebuild document %s: duplicate record", rec.ID)
		}
		s.docs[rec.ID] = newDocument(s, rec.ID, typ)
	}

	sorted := make([]EditRecord, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Edit.TxIndex < sorted[j].Edit.TxIndex
	})

	for _, rec := range sorted {
		d, ok := s.docs[rec.DocID]
		if !ok {
			return nil, fmt.Errorf("rebuild edit %s.%s@%d: unknown document", rec.DocID, rec.Field, rec.Edit.TxIndex)
		}
		if err := checkFieldName(rec.Field); err != nil {
			return nil, fmt.Errorf("rebuild edit %s@%d: %w", rec.DocID, rec.Edit.TxIndex, err)
		}
		d.fields[rec.Field] = append(d.fields[rec.Field], rec.Edit)
		if ref, ok := rec.Edit.Value.(ir.Ref); ok {
			s.addReferrerLocked(ref.ID(), d.id)
		}
	}

	s.logger.Debug("store rebuilt", "documents", len(docs), "edits", len(edits), "clock", s.clock.Current())
	return s, nil
}
