package doc

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

// StatusField is the reserved field holding a document's computation
// status. It is stored and replicated like any other field.
const StatusField = schema.ReservedPrefix + "computation"

// Persister receives every write before it becomes visible.
// Implemented by store.Journal (SQLite) and boltlog.Log (bbolt).
type Persister interface {
	PersistDocument(id, typeName string) error
	PersistBatch(docID string, tx uint64, madeAt time.Time, fields ir.Object) error
}

// Store owns a set of documents, their shared logical clock and the change
// notification queue.
//
// Thread-safety: all methods are safe for concurrent use. Document data is
// guarded by the store mutex; listeners are always invoked without it held.
type Store struct {
	mu        sync.Mutex
	clock     *Clock
	now       func() time.Time
	newID     func() string
	persister Persister
	logger    *slog.Logger

	docs map[string]*Document

	// referrers maps a child id to the ids of documents that have held a
	// Ref to it. Entries are never removed; a stale entry only causes an
	// extra notification.
	referrers map[string]map[string]struct{}

	notify *notifier
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the logical clock (default: NewClock()).
func WithClock(c *Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithNow sets the wall-clock source used for Edit.MadeAt.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the document id generator (default: UUIDv7).
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithPersister makes every write durable through p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger (default: discards).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:     NewClock(),
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		docs:      make(map[string]*Document),
		referrers: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notify = newNotifier(s)
	return s
}

// Clock returns the store's logical clock.
func (s *Store) Clock() *Clock {
	return s.clock
}

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// Create creates a document with a generated id and writes init as its
// first batch (if non-empty).
func (s *Store) Create(typ *schema.Type, init ir.Object) (*Document, error) {
	return s.CreateWithID(s.newID(), typ, init)
}

// CreateWithID creates a document with a caller-chosen id.
func (s *Store) CreateWithID(id string, typ *schema.Type, init ir.Object) (*Document, error) {
	if id == "" {
		return nil, fmt.Errorf("create document: empty id")
	}
	if typ == nil {
		return nil, fmt.Errorf("create document %s: nil type", id)
	}
	if err := typ.Validate(); err != nil {
		return nil, fmt.Errorf("create document %s: %w", id, err)
	}

	s.mu.Lock()
	if _, exists := s.docs[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("create document %s: already exists", id)
	}
	if s.persister != nil {
		if err := s.persister.PersistDocument(id, typ.Name); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("create document %s: %w", id, err)
		}
	}
	d := newDocument(s, id, typ)
	s.docs[id] = d
	s.mu.Unlock()

	s.logger.Debug("document created", "id", id, "type", typ.Name)

	if len(init) > 0 {
		if _, err := d.ApplyBatch(init); err != nil {
			return nil, fmt.Errorf("create document %s: %w", id, err)
		}
	}
	return d, nil
}

// Get returns a loaded document.
func (s *Store) Get(id string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return d, ok
}

// Documents returns every loaded document ordered by id.
func (s *Store) Documents() []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// commit stamps and appends one batch. Called by Document.ApplyBatch.
func (s *Store) commit(d *Document, fields ir.Object) (uint64, error) {
	for name := range fields {
		if err := checkFieldName(name); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	tx := s.clock.Next()
	madeAt := s.now()
	if s.persister != nil {
		if err := s.persister.PersistBatch(d.id, tx, madeAt, fields); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("persist batch %d: %w", tx, err)
		}
	}
	for _, name := range fields.SortedKeys() {
		v := fields[name]
		if v == nil {
			v = ir.Null{}
		}
		d.fields[name] = append(d.fields[name], Edit{Value: v, TxIndex: tx, MadeAt: madeAt})
		if ref, ok := v.(ir.Ref); ok {
			s.addReferrerLocked(ref.ID(), d.id)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("batch committed", "doc", d.id, "tx", tx, "fields", len(fields))
	s.notify.publish(d)
	return tx, nil
}

func (s *Store) addReferrerLocked(childID, parentID string) {
	set, ok := s.referrers[childID]
	if !ok {
		set = make(map[string]struct{})
		s.referrers[childID] = set
	}
	set[parentID] = struct{}{}
}

// affectedLocked returns d followed by every transitive referrer, each once.
func (s *Store) affectedLocked(d *Document) []*Document {
	out := []*Document{d}
	seen := map[string]bool{d.id: true}
	for i := 0; i < len(out); i++ {
		parents := make([]string, 0, len(s.referrers[out[i].id]))
		for id := range s.referrers[out[i].id] {
			parents = append(parents, id)
		}
		sort.Strings(parents)
		for _, id := range parents {
			if seen[id] {
				continue
			}
			seen[id] = true
			if p, ok := s.docs[id]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

func checkFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("empty field name")
	}
	if strings.HasPrefix(name, schema.ReservedPrefix) && name != StatusField {
		return fmt.Errorf("field %q: names starting with %q are reserved", name, schema.ReservedPrefix)
	}
	return nil
}
