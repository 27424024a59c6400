package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/coordinator"
	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
	"github.com/roach88/derive/internal/testutil"
)

// Harness executes one scenario against a fresh runtime.
type Harness struct {
	runtime *computed.Runtime
	subs    map[string]func()
	result  *Result
	logger  *slog.Logger
	ctx     context.Context
}

type runConfig struct {
	logger    *slog.Logger
	persister doc.Persister
	start     time.Time
}

// Option configures Run.
type Option func(*runConfig)

// WithLogger sets the logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithPersister journals every committed batch of the run.
func WithPersister(p doc.Persister) Option {
	return func(c *runConfig) { c.persister = p }
}

// WithStartTime sets the first wall-clock reading (default: testutil.Epoch).
func WithStartTime(t time.Time) Option {
	return func(c *runConfig) { c.start = t }
}

// LoadTypes compiles the scenario's type declarations.
func LoadTypes(s *Scenario) (*schema.Registry, error) {
	if s.TypesDir != "" {
		return schema.LoadDir(s.TypesDir)
	}
	return schema.CompileString(s.Types)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Compile types and register kinds with their builtin computations
// 2. Create seed documents
// 3. Execute steps, recording every delivered update
// 4. Check expectations against the final documents
//
// Errors that prevent the run from completing are returned; failed steps
// and expectations are recorded in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	types, err := LoadTypes(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load types: %w", err)
	}

	clock := testutil.NewDeterministicClock(cfg.start, time.Second)
	ids := coordinator.NewSequenceGenerator("doc")
	storeOpts := []doc.Option{
		doc.WithNow(clock.Now),
		doc.WithIDGenerator(func() string { return string(ids.Generate()) }),
		doc.WithLogger(cfg.logger),
	}
	if cfg.persister != nil {
		storeOpts = append(storeOpts, doc.WithPersister(cfg.persister))
	}

	rt := computed.NewRuntime(doc.NewStore(storeOpts...),
		computed.WithLogger(cfg.logger),
		computed.WithTypes(types),
		computed.WithTokenGenerator(coordinator.NewSequenceGenerator("sub")),
	)
	defer rt.Close()

	if err := registerKinds(rt, types, scenario.Computations); err != nil {
		return nil, err
	}

	h := &Harness{
		runtime: rt,
		subs:    make(map[string]func()),
		result:  NewResult(),
		logger:  cfg.logger,
		ctx:     context.Background(),
	}

	if err := h.seed(scenario.Documents); err != nil {
		return nil, fmt.Errorf("failed to create documents: %w", err)
	}
	for i, step := range scenario.Steps {
		if err := h.execute(i, step); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(h.subs) {
		h.subs[name]()
	}

	for _, d := range rt.Store().Documents() {
		h.result.Final[d.ID()] = rt.Wrap(d).Fields()
	}
	for _, msg := range CheckExpectations(rt, scenario.Expect) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func registerKinds(rt *computed.Runtime, types *schema.Registry, computations map[string]string) error {
	for name := range computations {
		if _, ok := types.Lookup(name); !ok {
			return fmt.Errorf("computations: unknown type %q", name)
		}
	}
	for _, name := range types.Names() {
		typ, _ := types.Lookup(name)
		kind := computed.WithComputed(typ)
		if builtin, ok := computations[name]; ok {
			kind = computed.WithComputation(typ, Builtins[builtin].New())
		}
		if err := rt.Register(kind); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) seed(docs []DocumentSeed) error {
	for _, seed := range docs {
		init, err := convertFields(seed.Fields)
		if err != nil {
			return fmt.Errorf("document %s: %w", seed.ID, err)
		}
		obj, err := h.runtime.CreateWithID(seed.ID, seed.Type, init)
		if err != nil {
			return err
		}
		h.result.Record(TraceEvent{Type: EventCreate, Doc: obj.ID(), Tx: obj.Document().LastTx()})
	}
	return nil
}

// execute runs one step. Failures of the step itself are recorded; the
// returned error is reserved for malformed steps.
func (h *Harness) execute(i int, step Step) error {
	kind, target := step.Kind()

	var err error
	switch kind {
	case StepSubscribe:
		err = h.subscribe(target, step.As)
	case StepUnsubscribe:
		h.result.Record(TraceEvent{Type: EventUnsubscribe, Sub: target})
		if unsub, ok := h.subs[target]; ok {
			unsub()
			delete(h.subs, target)
		}
	case StepSet:
		err = h.set(target, step.Fields)
	case StepStart:
		err = h.start(target)
	case StepFinish:
		err = h.finish(target, step.Fields)
	case StepAbort:
		err = h.abort(target)
	default:
		return fmt.Errorf("steps[%d]: no action", i)
	}

	switch {
	case err != nil && step.ExpectError != "" && strings.Contains(err.Error(), step.ExpectError):
		h.result.Record(TraceEvent{Type: EventError, Doc: target, Message: step.ExpectError})
	case err != nil:
		h.result.Record(TraceEvent{Type: EventError, Doc: target, Message: err.Error()})
		h.result.AddError(fmt.Sprintf("steps[%d] %s %s: %v", i, kind, target, err))
	case step.ExpectError != "":
		h.result.AddError(fmt.Sprintf("steps[%d] %s %s: expected error containing %q", i, kind, target, step.ExpectError))
	}
	return nil
}

func (h *Harness) object(id string) (*computed.Object, error) {
	obj, ok := h.runtime.Object(id)
	if !ok {
		return nil, fmt.Errorf("unknown document %q", id)
	}
	return obj, nil
}

func (h *Harness) subscribe(id, name string) error {
	obj, err := h.object(id)
	if err != nil {
		return err
	}
	h.result.Record(TraceEvent{Type: EventSubscribe, Doc: id, Sub: name})
	h.subs[name] = obj.Subscribe(func(u computed.Update) {
		isComputed := u.IsComputed
		h.result.Record(TraceEvent{
			Type:     EventUpdate,
			Doc:      u.Object.ID(),
			Sub:      name,
			Tx:       u.Tx,
			Fields:   u.Fields,
			State:    string(u.State),
			Computed: &isComputed,
		})
	})
	return nil
}

func (h *Harness) set(id string, fields map[string]any) error {
	obj, err := h.object(id)
	if err != nil {
		return err
	}
	batch, err := convertFields(fields)
	if err != nil {
		return err
	}
	h.result.Record(TraceEvent{Type: EventSet, Doc: id, Fields: batch})
	_, err = obj.Document().ApplyBatch(batch)
	return err
}

func (h *Harness) start(id string) error {
	obj, err := h.object(id)
	if err != nil {
		return err
	}
	pinned, err := obj.StartComputation(h.ctx)
	if err != nil {
		return err
	}
	h.result.Record(TraceEvent{Type: EventStart, Doc: id, Tx: pinned.Boundary, Fields: pinned.View.Object()})
	return nil
}

func (h *Harness) finish(id string, fields map[string]any) error {
	obj, err := h.object(id)
	if err != nil {
		return err
	}
	values, err := convertFields(fields)
	if err != nil {
		return err
	}
	tx, err := obj.FinishComputation(values)
	if err != nil {
		return err
	}
	h.result.Record(TraceEvent{Type: EventFinish, Doc: id, Tx: tx, Fields: values})
	return nil
}

func (h *Harness) abort(id string) error {
	obj, err := h.object(id)
	if err != nil {
		return err
	}
	if err := obj.AbortComputation(); err != nil {
		return err
	}
	h.result.Record(TraceEvent{Type: EventAbort, Doc: id, Tx: obj.Document().LastTx()})
	return nil
}

// convertFields converts YAML-decoded values to an ir.Object.
func convertFields(fields map[string]any) (ir.Object, error) {
	obj := make(ir.Object, len(fields))
	for k, v := range fields {
		val, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = val
	}
	return obj, nil
}
