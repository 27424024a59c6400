package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/ir"
)

// Journal adapts a Store to doc.Persister so every document creation and
// committed batch is written through before it becomes visible.
type Journal struct {
	store *Store
	ctx   context.Context
}

// Journal returns a persister writing to s. ctx bounds every write.
func (s *Store) Journal(ctx context.Context) *Journal {
	return &Journal{store: s, ctx: ctx}
}

// PersistDocument implements doc.Persister.
func (j *Journal) PersistDocument(id, typeName string) error {
	return j.store.WriteDocument(j.ctx, id, typeName)
}

// PersistBatch implements doc.Persister.
func (j *Journal) PersistBatch(docID string, tx uint64, madeAt time.Time, fields ir.Object) error {
	return j.store.WriteBatch(j.ctx, docID, tx, madeAt, fields)
}

// Replay rebuilds a document store from the log. The rebuilt store keeps
// journaling to s, and its clock resumes after the highest persisted index.
func (s *Store) Replay(ctx context.Context, types doc.TypeResolver, opts ...doc.Option) (*doc.Store, error) {
	docs, err := s.ReadDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	edits, err := s.ReadAllEdits(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	opts = append([]doc.Option{doc.WithPersister(s.Journal(ctx))}, opts...)
	rebuilt, err := doc.Rebuild(docs, edits, types, opts...)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return rebuilt, nil
}
