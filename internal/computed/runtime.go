package computed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/derive/internal/coordinator"
	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

type kindState struct {
	kind Kind
	reg  *coordinator.Registry
}

// Runtime owns a document store, its kinds and their coordinators.
//
// Thread-safety: safe for concurrent use.
type Runtime struct {
	store  *doc.Store
	types  *schema.Registry
	tokens coordinator.TokenGenerator
	logger *slog.Logger
	ctx    context.Context

	mu    sync.RWMutex
	kinds map[string]*kindState
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger (default: the store's logger).
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithTokenGenerator sets the subscriber token source (default: UUIDv7).
func WithTokenGenerator(g coordinator.TokenGenerator) Option {
	return func(rt *Runtime) { rt.tokens = g }
}

// WithContext sets the context handed to computation functions.
func WithContext(ctx context.Context) Option {
	return func(rt *Runtime) { rt.ctx = ctx }
}

// WithTypes shares an existing type registry (for example one compiled
// from CUE). Types already in it can be given computations with Register.
func WithTypes(types *schema.Registry) Option {
	return func(rt *Runtime) { rt.types = types }
}

// NewRuntime creates a runtime over store.
func NewRuntime(store *doc.Store, opts ...Option) *Runtime {
	rt := &Runtime{
		store:  store,
		tokens: coordinator.UUIDv7Generator{},
		logger: store.Logger(),
		ctx:    context.Background(),
		kinds:  make(map[string]*kindState),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if rt.types == nil {
		rt.types, _ = schema.NewRegistry()
	}
	return rt
}

// Store returns the underlying document store.
func (rt *Runtime) Store() *doc.Store { return rt.store }

// Types returns the type registry.
func (rt *Runtime) Types() *schema.Registry { return rt.types }

// Register adds a kind. If its type is already in the type registry the
// registered descriptor must be the same one.
func (rt *Runtime) Register(k Kind) error {
	if k.Type == nil {
		return fmt.Errorf("register kind: nil type")
	}
	if existing, ok := rt.types.Lookup(k.Type.Name); ok {
		if existing != k.Type {
			return fmt.Errorf("register kind %s: a different type with this name is registered", k.Type.Name)
		}
	} else if err := rt.types.Register(k.Type); err != nil {
		return fmt.Errorf("register kind %s: %w", k.Type.Name, err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, dup := rt.kinds[k.Type.Name]; dup {
		return fmt.Errorf("register kind %s: already registered", k.Type.Name)
	}
	ks := &kindState{kind: k}
	if !k.Manual() {
		ks.reg = coordinator.NewRegistry(k.Compute,
			coordinator.WithName(k.Type.Name),
			coordinator.WithLogger(rt.logger),
			coordinator.WithContext(rt.ctx),
		)
	}
	rt.kinds[k.Type.Name] = ks
	rt.logger.Debug("kind registered", "type", k.Type.Name, "manual", k.Manual())
	return nil
}

// MustRegister is Register that panics on error.
func (rt *Runtime) MustRegister(kinds ...Kind) *Runtime {
	for _, k := range kinds {
		if err := rt.Register(k); err != nil {
			panic(err)
		}
	}
	return rt
}

// Coordinator returns the coordinator of a computing kind.
func (rt *Runtime) Coordinator(typeName string) (*coordinator.Registry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ks, ok := rt.kinds[typeName]
	if !ok || ks.reg == nil {
		return nil, false
	}
	return ks.reg, true
}

// Create creates a document of a registered type.
func (rt *Runtime) Create(typeName string, init ir.Object) (*Object, error) {
	typ, ok := rt.types.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("create %s: unknown type", typeName)
	}
	d, err := rt.store.Create(typ, init)
	if err != nil {
		return nil, err
	}
	return rt.Wrap(d), nil
}

// CreateWithID creates a document with a caller-chosen id.
func (rt *Runtime) CreateWithID(id, typeName string, init ir.Object) (*Object, error) {
	typ, ok := rt.types.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("create %s: unknown type", typeName)
	}
	d, err := rt.store.CreateWithID(id, typ, init)
	if err != nil {
		return nil, err
	}
	return rt.Wrap(d), nil
}

// Object returns the facade for a loaded document.
func (rt *Runtime) Object(id string) (*Object, bool) {
	d, ok := rt.store.Get(id)
	if !ok {
		return nil, false
	}
	return rt.Wrap(d), true
}

// Wrap returns the facade for d. Facades are cheap and hold no state of
// their own; wrapping the same document twice is fine.
func (rt *Runtime) Wrap(d *doc.Document) *Object {
	return &Object{rt: rt, doc: d}
}

// Close stops every running computation.
func (rt *Runtime) Close() {
	rt.mu.RLock()
	regs := make([]*coordinator.Registry, 0, len(rt.kinds))
	for _, ks := range rt.kinds {
		if ks.reg != nil {
			regs = append(regs, ks.reg)
		}
	}
	rt.mu.RUnlock()
	for _, r := range regs {
		r.Close()
	}
}

func (rt *Runtime) addToken(tok coordinator.Token, d *doc.Document) {
	if reg, ok := rt.Coordinator(d.Type().Name); ok {
		reg.AddSubscriber(tok, d)
	}
}

func (rt *Runtime) removeToken(tok coordinator.Token, d *doc.Document) {
	if reg, ok := rt.Coordinator(d.Type().Name); ok {
		reg.RemoveSubscriber(tok, d)
	}
}
