package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/derive/internal/doc"
)

// ReadDocuments returns every document header ordered by id.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ReadDocuments(ctx context.Context) ([]doc.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type
		FROM documents
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []doc.DocumentRecord{}
	for rows.Next() {
		var rec doc.DocumentRecord
		if err := rows.Scan(&rec.ID, &rec.Type); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// ReadDocument returns one document header.
func (s *Store) ReadDocument(ctx context.Context, id string) (doc.DocumentRecord, bool, error) {
	var rec doc.DocumentRecord
	err := s.db.QueryRowContext(ctx, `SELECT id, type FROM documents WHERE id = ?`, id).Scan(&rec.ID, &rec.Type)
	if err == sql.ErrNoRows {
		return doc.DocumentRecord{}, false, nil
	}
	if err != nil {
		return doc.DocumentRecord{}, false, fmt.Errorf("read document %s: %w", id, err)
	}
	return rec, true, nil
}

// ReadEdits returns the edits of one document in commit order.
func (s *Store) ReadEdits(ctx context.Context, docID string) ([]doc.EditRecord, error) {
	return s.queryEdits(ctx, `
		SELECT doc_id, field, tx, made_at, value
		FROM edits
		WHERE doc_id = ?
		ORDER BY tx ASC, field COLLATE BINARY ASC
	`, docID)
}

// ReadAllEdits returns every edit in commit order.
func (s *Store) ReadAllEdits(ctx context.Context) ([]doc.EditRecord, error) {
	return s.queryEdits(ctx, `
		SELECT doc_id, field, tx, made_at, value
		FROM edits
		ORDER BY tx ASC, doc_id COLLATE BINARY ASC, field COLLATE BINARY ASC
	`)
}

func (s *Store) queryEdits(ctx context.Context, query string, args ...any) ([]doc.EditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edits: %w", err)
	}
	defer rows.Close()

	edits := []doc.EditRecord{}
	for rows.Next() {
		rec, err := scanEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return edits, nil
}

func scanEdit(rows *sql.Rows) (doc.EditRecord, error) {
	var (
		rec    doc.EditRecord
		tx     int64
		madeAt int64
		value  string
	)
	if err := rows.Scan(&rec.DocID, &rec.Field, &tx, &madeAt, &value); err != nil {
		return doc.EditRecord{}, fmt.Errorf("scan edit: %w", err)
	}
	v, err := unmarshalValue(value)
	if err != nil {
		return doc.EditRecord{}, fmt.Errorf("edit %s.%s@%d: %w", rec.DocID, rec.Field, tx, err)
	}
	rec.Edit = doc.Edit{
		Value:   v,
		TxIndex: uint64(tx),
		MadeAt:  time.Unix(0, madeAt).UTC(),
	}
	return rec, nil
}
