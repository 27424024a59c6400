package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/derive/internal/ir"
)

// WriteDocument records a document header.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteDocument(ctx context.Context, id, typeName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, type)
		VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, typeName)
	if err != nil {
		return fmt.Errorf("write document %s: %w", id, err)
	}
	return nil
}

// WriteBatch records every field of one committed batch in a single SQL
// transaction. Values are stored as RFC 8785 canonical JSON.
//
// Note: the document must already exist (foreign key constraint).
func (s *Store) WriteBatch(ctx context.Context, docID string, tx uint64, madeAt time.Time, fields ir.Object) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write batch %d: %w", tx, err)
	}
	defer sqlTx.Rollback()

	for _, field := range fields.SortedKeys() {
		value, err := marshalValue(fields[field])
		if err != nil {
			return fmt.Errorf("write batch %d: field %q: %w", tx, field, err)
		}
		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO edits (doc_id, field, tx, made_at, value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(doc_id, field, tx) DO NOTHING
		`, docID, field, int64(tx), madeAt.UnixNano(), value)
		if err != nil {
			return fmt.Errorf("write batch %d: field %q: %w", tx, field, err)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("write batch %d: commit: %w", tx, err)
	}
	return nil
}

func marshalValue(v ir.Value) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

func unmarshalValue(s string) (ir.Value, error) {
	v, err := ir.UnmarshalValue([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}
