// Package coordinator runs at most one computation per document at a time
// and multiplexes any number of subscribers onto it.
//
// Each document has an entry with one active slot and a FIFO of pending
// subscriber tokens:
//
//	Idle ──AddSubscriber──▶ Active(token)
//	Active(t) ──RemoveSubscriber(t) / Job.Done──▶ Idle, then start next pending
//
// # Critical Patterns
//
// Serialized Operations:
//   - AddSubscriber, RemoveSubscriber, Job.Done and Close are operations on
//     a per-document FIFO, applied one at a time by whichever caller found
//     the document idle
//   - An operation on a document issued while another operation on the
//     same document is being applied (for example from inside its
//     computation function) is deferred until the current one completes,
//     never run re-entrantly
//   - Documents never wait on each other: a blocked computation delays
//     only operations on its own document
//
// Single Flight:
//   - Starting a computation while one is active is a fatal fault (panic)
//   - A computation function that errors or panics leaves the entry idle
//     and the next pending token is started
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/derive/internal/doc"
)

// Handle stops a running computation. Stop must be synchronous: when it
// returns the computation will not write again.
type Handle interface {
	Stop()
}

// HandleFunc adapts a function to Handle.
type HandleFunc func()

// Stop calls f.
func (f HandleFunc) Stop() { f() }

// ComputeFunc starts a computation for job.Doc. Long-lived computations
// return a Handle and keep running until stopped; one-shot computations
// call job.Done when finished. A nil Handle is allowed.
type ComputeFunc func(ctx context.Context, job *Job) (Handle, error)

// Job is one granted computation slot.
type Job struct {
	Token Token
	Doc   *doc.Document

	reg  *Registry
	once sync.Once
}

// Done reports that the computation finished on its own. The slot is
// released and the next pending subscriber, if any, is started. Calls after
// the first, or after the job was stopped, are no-ops.
func (j *Job) Done() {
	j.once.Do(func() {
		j.reg.submit(op{kind: opDone, docID: j.Doc.ID(), job: j})
	})
}

type activeSlot struct {
	token  Token
	job    *Job
	handle Handle
}

// entry is the coordinator state of one document. Its operations are
// applied one at a time by whichever goroutine finds the entry idle.
type entry struct {
	docID   string
	active  *activeSlot
	pending pendingSet

	ops     []op
	running bool
}

type opKind int

const (
	opAdd opKind = iota + 1
	opRemove
	opDone
	opClose
)

type op struct {
	kind  opKind
	token Token
	docID string
	doc   *doc.Document
	job   *Job
}

// Registry holds coordinator entries for one computation function.
//
// Thread-safety: all exported methods are safe for concurrent use.
// Computation functions and Handle.Stop are invoked without the registry
// lock held, from whichever goroutine is applying the document's
// operations. A computation that blocks holds up only its own document.
type Registry struct {
	compute ComputeFunc
	name    string
	logger  *slog.Logger
	ctx     context.Context

	// mu guards entries, every entry's fields and closed. Held only around
	// bookkeeping, never across calls into computation code.
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger (default: discards).
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithContext sets the parent context passed to computation functions.
func WithContext(ctx context.Context) Option {
	return func(r *Registry) { r.ctx = ctx }
}

// WithName labels metrics, spans and logs (typically the document type).
func WithName(name string) Option {
	return func(r *Registry) { r.name = name }
}

// NewRegistry creates a registry that starts computations with compute.
func NewRegistry(compute ComputeFunc, opts ...Option) *Registry {
	r := &Registry{
		compute: compute,
		name:    "default",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:     context.Background(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddSubscriber registers interest of tok in d. If d has no active
// computation, the oldest pending token is started. Adding the active
// token is a no-op; re-adding a queued token keeps its position.
// After Close it does nothing.
func (r *Registry) AddSubscriber(tok Token, d *doc.Document) {
	r.submit(op{kind: opAdd, token: tok, docID: d.ID(), doc: d})
}

// RemoveSubscriber withdraws tok from d. If tok holds the active slot its
// computation is stopped and the next pending token is started.
func (r *Registry) RemoveSubscriber(tok Token, d *doc.Document) {
	r.submit(op{kind: opRemove, token: tok, docID: d.ID(), doc: d})
}

// Close stops every active computation, drops all pending tokens and
// makes later AddSubscriber calls no-ops. A document whose computation is
// being started on another goroutine is stopped as soon as that start
// returns its handle.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		r.submit(op{kind: opClose, docID: id})
	}
}

// submit queues o on its document's entry and, unless another goroutine
// is already applying that entry's operations, applies the queue.
func (r *Registry) submit(o op) {
	r.mu.Lock()
	e, ok := r.entries[o.docID]
	if !ok {
		e = &entry{docID: o.docID}
		r.entries[o.docID] = e
		coordinatorEntries.WithLabelValues(r.name).Inc()
	}
	e.ops = append(e.ops, o)
	if e.running {
		r.mu.Unlock()
		return
	}
	e.running = true
	r.mu.Unlock()

	drained := false
	defer func() {
		if !drained {
			r.mu.Lock()
			e.running = false
			r.mu.Unlock()
		}
	}()

	for {
		next, ok := r.dequeue(e)
		if !ok {
			drained = true
			return
		}
		r.apply(e, next)
	}
}

// dequeue pops the next operation of e. When there is none it ends the
// drain and collects e if it is idle.
func (r *Registry) dequeue(e *entry) (op, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(e.ops) == 0 {
		e.running = false
		r.gcLocked(e)
		return op{}, false
	}
	o := e.ops[0]
	e.ops[0] = op{}
	if len(e.ops) == 1 {
		e.ops = e.ops[:0]
	} else {
		e.ops = e.ops[1:]
	}
	return o, true
}

func (r *Registry) apply(e *entry, o op) {
	switch o.kind {
	case opAdd:
		r.applyAdd(e, o)
	case opRemove:
		r.applyRemove(e, o)
	case opDone:
		r.applyDone(e, o)
	case opClose:
		r.applyClose(e)
	}
}

func (r *Registry) applyAdd(e *entry, o op) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("subscriber ignored after close", "kind", r.name, "doc", o.docID, "token", o.token)
		return
	}
	if e.active != nil && e.active.token == o.token {
		r.mu.Unlock()
		return
	}
	if e.pending.Add(o.token, o.doc) {
		pendingSubscribers.WithLabelValues(r.name).Inc()
		r.logger.Debug("subscriber queued", "kind", r.name, "doc", o.docID, "token", o.token)
	}
	idle := e.active == nil
	r.mu.Unlock()

	if idle {
		r.startNext(e)
	}
}

func (r *Registry) applyRemove(e *entry, o op) {
	r.mu.Lock()
	if e.active != nil && e.active.token == o.token {
		h := e.active.handle
		e.active = nil
		activeComputations.WithLabelValues(r.name).Dec()
		computationsStopped.WithLabelValues(r.name).Inc()
		r.mu.Unlock()

		r.logger.Debug("stopping computation", "kind", r.name, "doc", o.docID, "token", o.token)
		if h != nil {
			h.Stop()
		}
		r.startNext(e)
		return
	}
	if e.pending.Remove(o.token) {
		pendingSubscribers.WithLabelValues(r.name).Dec()
	}
	r.mu.Unlock()
}

func (r *Registry) applyDone(e *entry, o op) {
	r.mu.Lock()
	if e.active == nil || e.active.job != o.job {
		r.mu.Unlock()
		return
	}
	e.active = nil
	activeComputations.WithLabelValues(r.name).Dec()
	r.mu.Unlock()

	r.logger.Debug("computation done", "kind", r.name, "doc", o.docID, "token", o.job.Token)
	r.startNext(e)
}

func (r *Registry) applyClose(e *entry) {
	r.mu.Lock()
	pendingSubscribers.WithLabelValues(r.name).Sub(float64(e.pending.Len()))
	e.pending = pendingSet{}
	var h Handle
	if e.active != nil {
		h = e.active.handle
		e.active = nil
		activeComputations.WithLabelValues(r.name).Dec()
	}
	r.mu.Unlock()

	if h != nil {
		r.logger.Debug("stopping computation on close", "kind", r.name, "doc", e.docID)
		h.Stop()
	}
}

// startNext pops pending tokens until one starts successfully or the
// queue is empty. Only called while applying e's operations.
func (r *Registry) startNext(e *entry) {
	for {
		r.mu.Lock()
		if e.active != nil {
			token := e.active.token
			r.mu.Unlock()
			panic(&Fault{
				Code:    ErrCodeReentrancy,
				DocID:   e.docID,
				Token:   token,
				Message: "computation started while another is active",
			})
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		tok, d, ok := e.pending.Pop()
		if !ok {
			r.mu.Unlock()
			return
		}
		pendingSubscribers.WithLabelValues(r.name).Dec()
		job := &Job{Token: tok, Doc: d, reg: r}
		e.active = &activeSlot{token: tok, job: job}
		activeComputations.WithLabelValues(r.name).Inc()
		r.mu.Unlock()

		h, err := r.invoke(job)

		r.mu.Lock()
		if err == nil {
			// Operations on e, including Close, are queued behind this
			// one, so the slot is still ours.
			e.active.handle = h
			r.mu.Unlock()
			return
		}
		e.active = nil
		activeComputations.WithLabelValues(r.name).Dec()
		r.mu.Unlock()

		r.logger.Warn("computation failed to start", "kind", r.name, "doc", e.docID, "token", tok, "error", err)
	}
}

func (r *Registry) invoke(job *Job) (h Handle, err error) {
	ctx, span := tracer.Start(r.ctx, "coordinator.start",
		trace.WithAttributes(
			attribute.String("derive.kind", r.name),
			attribute.String("derive.doc", job.Doc.ID()),
			attribute.String("derive.token", string(job.Token)),
		),
	)
	defer span.End()

	computationsStarted.WithLabelValues(r.name).Inc()
	r.logger.Debug("starting computation", "kind", r.name, "doc", job.Doc.ID(), "token", job.Token)

	defer func() {
		if p := recover(); p != nil {
			h = nil
			err = &Fault{
				Code:    ErrCodeComputeFailed,
				DocID:   job.Doc.ID(),
				Token:   job.Token,
				Message: fmt.Sprintf("computation panicked: %v", p),
			}
		}
		if err != nil {
			computationsFailed.WithLabelValues(r.name).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	h, err = r.compute(ctx, job)
	if err != nil && !IsComputeFailed(err) {
		err = &Fault{
			Code:    ErrCodeComputeFailed,
			DocID:   job.Doc.ID(),
			Token:   job.Token,
			Message: "computation returned an error",
			Err:     err,
		}
	}
	return h, err
}

// gcLocked drops e when it has no active token, no pending tokens and no
// queued operations. Caller holds mu.
func (r *Registry) gcLocked(e *entry) {
	if e.active != nil || e.pending.Len() > 0 || e.running || len(e.ops) > 0 {
		return
	}
	if cur, ok := r.entries[e.docID]; ok && cur == e {
		delete(r.entries, e.docID)
		coordinatorEntries.WithLabelValues(r.name).Dec()
	}
}
