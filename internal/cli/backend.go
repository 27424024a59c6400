package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/derive/internal/boltlog"
	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/store"
)

// Edit log backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// editLog is a durable edit log that can rebuild a document store.
type editLog interface {
	Persister() doc.Persister
	Replay(ctx context.Context, types doc.TypeResolver, logger *slog.Logger) (*doc.Store, error)
	Close() error
}

// openEditLog opens path with the named backend.
func openEditLog(ctx context.Context, backend, path string) (editLog, error) {
	switch backend {
	case BackendSQLite, "":
		st, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		return &sqliteLog{st: st, ctx: ctx}, nil
	case BackendBolt:
		l, err := boltlog.Open(path)
		if err != nil {
			return nil, err
		}
		return &boltLog{log: l}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be %s or %s", backend, BackendSQLite, BackendBolt)
	}
}

type sqliteLog struct {
	st  *store.Store
	ctx context.Context
}

func (l *sqliteLog) Persister() doc.Persister { return l.st.Journal(l.ctx) }

func (l *sqliteLog) Replay(ctx context.Context, types doc.TypeResolver, logger *slog.Logger) (*doc.Store, error) {
	return l.st.Replay(ctx, types, doc.WithLogger(logger))
}

func (l *sqliteLog) Close() error { return l.st.Close() }

type boltLog struct {
	log *boltlog.Log
}

func (l *boltLog) Persister() doc.Persister { return l.log }

func (l *boltLog) Replay(_ context.Context, types doc.TypeResolver, logger *slog.Logger) (*doc.Store, error) {
	return l.log.Replay(types, doc.WithLogger(logger))
}

func (l *boltLog) Close() error { return l.log.Close() }
