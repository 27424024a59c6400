// Package boltlog is an embedded key/value edit log for derive documents.
//
// It is an alternative to the SQLite store for single-process deployments:
// documents and edits live in two bbolt buckets, records are encoded with
// MessagePack, and edit keys sort in commit order so a cursor walk replays
// the log without a separate index.
//
// Key layout:
//
//	documents: <id>                             -> msgpack(documentRecord)
//	edits:     <tx uint64 BE><doc id>\x00<field> -> msgpack(editRecord)
package boltlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/ir"
)

var (
	bucketDocuments = []byte("documents")
	bucketEdits     = []byte("edits")
)

// ErrTypeMismatch is returned when a document id is persisted twice with
// different types.
var ErrTypeMismatch = errors.New("document already recorded with a different type")

type documentRecord struct {
	Type string `msgpack:"t"`
}

type editRecord struct {
	MadeAt int64  `msgpack:"m"`
	Value  []byte `msgpack:"v"`
}

// Log is a bbolt-backed doc.Persister.
type Log struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used for replay diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(log *Log) { log.logger = l }
}

// Open creates or opens a log file at path.
func Open(path string, opts ...Option) (*Log, error) {
	bdb, err := bbolt.Open(path, 0666, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open edit log: %w", err)
	}
	l := &Log{db: bdb, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(l)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketEdits} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	return l.db.Close()
}

// PersistDocument implements doc.Persister. Recording the same id and type
// again is a no-op.
func (l *Log) PersistDocument(id, typeName string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if raw := b.Get([]byte(id)); raw != nil {
			var rec documentRecord
			if err := msgpack.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode document %s: %w", id, err)
			}
			if rec.Type != typeName {
				return fmt.Errorf("document %s: %w (%s, not %s)", id, ErrTypeMismatch, rec.Type, typeName)
			}
			return nil
		}
		raw, err := msgpack.Marshal(&documentRecord{Type: typeName})
		if err != nil {
			return fmt.Errorf("encode document %s: %w", id, err)
		}
		return b.Put([]byte(id), raw)
	})
}

// PersistBatch implements doc.Persister. All fields land in one bbolt
// transaction.
func (l *Log) PersistBatch(docID string, txIndex uint64, madeAt time.Time, fields ir.Object) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketDocuments).Get([]byte(docID)) == nil {
			return fmt.Errorf("write batch %d: unknown document %s", txIndex, docID)
		}
		b := tx.Bucket(bucketEdits)
		for _, field := range fields.SortedKeys() {
			value, err := ir.MarshalCanonical(fields[field])
			if err != nil {
				return fmt.Errorf("write batch %d: field %q: %w", txIndex, field, err)
			}
			raw, err := msgpack.Marshal(&editRecord{MadeAt: madeAt.UnixNano(), Value: value})
			if err != nil {
				return fmt.Errorf("write batch %d: field %q: %w", txIndex, field, err)
			}
			if err := b.Put(editKey(txIndex, docID, field), raw); err != nil {
				return fmt.Errorf("write batch %d: field %q: %w", txIndex, field, err)
			}
		}
		return nil
	})
}

// Documents returns every document header in key order.
func (l *Log) Documents() ([]doc.DocumentRecord, error) {
	docs := []doc.DocumentRecord{}
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			var rec documentRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode document %s: %w", k, err)
			}
			docs = append(docs, doc.DocumentRecord{ID: string(k), Type: rec.Type})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Edits returns every edit in commit order.
func (l *Log) Edits() ([]doc.EditRecord, error) {
	edits := []doc.EditRecord{}
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEdits).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeEdit(k, v)
			if err != nil {
				return err
			}
			edits = append(edits, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edits, nil
}

// MaxTx returns the highest recorded transaction index, or 0.
func (l *Log) MaxTx() (uint64, error) {
	var maxTx uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketEdits).Cursor().Last()
		if k == nil {
			return nil
		}
		if len(k) < 8 {
			return fmt.Errorf("malformed edit key %x", k)
		}
		maxTx = binary.BigEndian.Uint64(k[:8])
		return nil
	})
	return maxTx, err
}

// Replay rebuilds a document store from the log. The rebuilt store keeps
// writing to l.
func (l *Log) Replay(types doc.TypeResolver, opts ...doc.Option) (*doc.Store, error) {
	docs, err := l.Documents()
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	edits, err := l.Edits()
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	l.logger.Debug("replaying edit log", "documents", len(docs), "edits", len(edits))

	opts = append([]doc.Option{doc.WithPersister(l)}, opts...)
	s, err := doc.Rebuild(docs, edits, types, opts...)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return s, nil
}

func editKey(txIndex uint64, docID, field string) []byte {
	k := make([]byte, 8, 8+len(docID)+1+len(field))
	binary.BigEndian.PutUint64(k, txIndex)
	k = append(k, docID...)
	k = append(k, 0)
	return append(k, field...)
}

func decodeEdit(k, v []byte) (doc.EditRecord, error) {
	if len(k) < 9 {
		return doc.EditRecord{}, fmt.Errorf("malformed edit key %x", k)
	}
	txIndex := binary.BigEndian.Uint64(k[:8])
	rest := k[8:]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 {
		return doc.EditRecord{}, fmt.Errorf("malformed edit key %x", k)
	}

	var rec editRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return doc.EditRecord{}, fmt.Errorf("decode edit %x: %w", k, err)
	}
	value, err := ir.UnmarshalValue(rec.Value)
	if err != nil {
		return doc.EditRecord{}, fmt.Errorf("decode edit %x: %w", k, err)
	}
	return doc.EditRecord{
		DocID: string(rest[:sep]),
		Field: string(rest[sep+1:]),
		Edit: doc.Edit{
			Value:   value,
			TxIndex: txIndex,
			MadeAt:  time.Unix(0, rec.MadeAt).UTC(),
		},
	}, nil
}
