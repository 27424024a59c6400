package computed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/derive/internal/coordinator"
	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/freshness"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/snapshot"
)

// DeriveFunc computes the values of every declared computed field from
// pinned inputs.
type DeriveFunc func(ctx context.Context, in *snapshot.Pinned) (ir.Object, error)

// DeriveOption configures Derive and Once.
type DeriveOption func(*deriveConfig)

type deriveConfig struct {
	inline bool
}

// Inline runs cycles on the goroutine that starts the computation or
// writes the triggering change, so a cycle completes before AddSubscriber
// or the write returns. By default each computation runs its cycles on its
// own goroutine.
func Inline() DeriveOption {
	return func(c *deriveConfig) { c.inline = true }
}

var errStopped = errors.New("stopped before finishing")

// Derive returns a long-lived computation: while it holds the active slot
// it watches the document and, whenever the computed fields are stale,
// runs one Start/compute/Finish cycle. Changes that arrive during a cycle
// are coalesced into a single follow-up cycle.
//
// A failed cycle releases the slot to the next pending subscriber. The
// subscriber whose cycle failed does not retry until a base input changes;
// other subscribers still get their turn.
func Derive(fn DeriveFunc, opts ...DeriveOption) coordinator.ComputeFunc {
	return newComputation(fn, false, opts)
}

// Once returns a one-shot computation: it runs at most one cycle and then
// reports Done, releasing the slot to the next pending subscriber.
func Once(fn DeriveFunc, opts ...DeriveOption) coordinator.ComputeFunc {
	return newComputation(fn, true, opts)
}

func newComputation(fn DeriveFunc, oneShot bool, opts []DeriveOption) coordinator.ComputeFunc {
	var cfg deriveConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	memo := &failureMemo{docs: make(map[string]failedBase)}

	return func(ctx context.Context, job *coordinator.Job) (coordinator.Handle, error) {
		ctx, cancel := context.WithCancel(ctx)
		dv := &deriver{
			ctx:     ctx,
			cancel:  cancel,
			job:     job,
			fn:      fn,
			memo:    memo,
			oneShot: oneShot,
		}
		if cfg.inline {
			dv.unlisten = job.Doc.OnChange(func(*doc.Document) { dv.poke() })
			dv.poke()
		} else {
			dv.wake = make(chan struct{}, 1)
			dv.done = make(chan struct{})
			dv.unlisten = job.Doc.OnChange(func(*doc.Document) { dv.signal() })
			dv.signal()
			go dv.loop()
		}
		return coordinator.HandleFunc(dv.stop), nil
	}
}

// failureMemo remembers, per document, which subscriber tokens saw a cycle
// fail at the current base input. A failure only suppresses retries by the
// same token, and any change to the base forgets it.
type failureMemo struct {
	mu   sync.Mutex
	docs map[string]failedBase
}

type failedBase struct {
	base   uint64
	tokens map[coordinator.Token]bool
}

func (m *failureMemo) failed(docID string, tok coordinator.Token, base uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.docs[docID]
	return ok && f.base == base && f.tokens[tok]
}

func (m *failureMemo) record(docID string, tok coordinator.Token, base uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.docs[docID]
	if !ok || f.base != base {
		f = failedBase{base: base, tokens: make(map[coordinator.Token]bool)}
	}
	f.tokens[tok] = true
	m.docs[docID] = f
}

func (m *failureMemo) clear(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
}

type deriver struct {
	ctx      context.Context
	cancel   context.CancelFunc
	job      *coordinator.Job
	fn       DeriveFunc
	memo     *failureMemo
	oneShot  bool
	unlisten func()

	// Set for computations running on their own goroutine.
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	running bool
	dirty   bool
	stopped bool
	writing bool
}

func (dv *deriver) signal() {
	select {
	case dv.wake <- struct{}{}:
	default:
	}
}

func (dv *deriver) loop() {
	defer close(dv.done)
	for {
		select {
		case <-dv.ctx.Done():
			return
		case <-dv.wake:
		}
		if dv.isStopped() || !dv.step() {
			return
		}
	}
}

// poke runs cycles until the document stops changing underneath.
func (dv *deriver) poke() {
	dv.mu.Lock()
	if dv.stopped {
		dv.mu.Unlock()
		return
	}
	if dv.running {
		dv.dirty = true
		dv.mu.Unlock()
		return
	}
	dv.running = true
	dv.mu.Unlock()

	for {
		dv.mu.Lock()
		dv.dirty = false
		dv.mu.Unlock()

		more := dv.step()

		dv.mu.Lock()
		if !more || !dv.dirty || dv.stopped {
			dv.running = false
			dv.mu.Unlock()
			return
		}
		dv.mu.Unlock()
	}
}

// step runs one cycle if the document is stale. It returns false once the
// deriver has given up its slot.
func (dv *deriver) step() bool {
	d := dv.job.Doc
	if freshness.IsFresh(d) {
		if dv.oneShot {
			dv.release()
			return false
		}
		return true
	}
	base := freshness.LatestBaseTx(d)
	if dv.memo.failed(d.ID(), dv.job.Token, base) {
		dv.release()
		return false
	}

	err := dv.runCycle(d)
	switch {
	case err != nil && (errors.Is(err, errStopped) || dv.isStopped()):
		return false
	case err != nil:
		dv.memo.record(d.ID(), dv.job.Token, base)
		d.Store().Logger().Warn("computation cycle failed", "doc", d.ID(), "token", dv.job.Token, "error", err)
		dv.release()
		return false
	}
	dv.memo.clear(d.ID())
	if dv.oneShot {
		dv.release()
		return false
	}
	return true
}

// release stops watching and hands the slot to the next pending subscriber.
func (dv *deriver) release() {
	dv.halt()
	dv.job.Done()
}

func (dv *deriver) halt() (writing, first bool) {
	dv.mu.Lock()
	if dv.stopped {
		dv.mu.Unlock()
		return false, false
	}
	dv.stopped = true
	writing = dv.writing
	dv.mu.Unlock()

	dv.unlisten()
	dv.cancel()
	return writing, true
}

// stop waits for the worker to exit unless it is called from a listener
// of one of the worker's own writes.
func (dv *deriver) stop() {
	writing, first := dv.halt()
	if first && dv.done != nil && !writing {
		<-dv.done
	}
}

func (dv *deriver) isStopped() bool {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	return dv.stopped
}

// write runs fn unless the deriver was stopped. force skips that check.
func (dv *deriver) write(force bool, fn func() error) error {
	dv.mu.Lock()
	if dv.stopped && !force {
		dv.mu.Unlock()
		return errStopped
	}
	dv.writing = true
	dv.mu.Unlock()

	defer func() {
		dv.mu.Lock()
		dv.writing = false
		dv.mu.Unlock()
	}()
	return fn()
}

// runCycle performs one Start/compute/Finish cycle. Any failure, or a stop
// observed before finishing, aborts the computation so the status does not
// read as computing forever.
func (dv *deriver) runCycle(d *doc.Document) error {
	var pinned *snapshot.Pinned
	err := dv.write(false, func() (err error) {
		pinned, err = snapshot.StartComputation(dv.ctx, d)
		return err
	})
	if err != nil {
		return err
	}

	values, err := callDerive(dv.ctx, dv.fn, pinned)
	if err == nil {
		err = dv.write(false, func() error {
			_, err := snapshot.FinishComputation(d, values)
			return err
		})
	}
	if err == nil {
		return nil
	}

	if abortErr := dv.write(true, func() error { return snapshot.AbortComputation(d) }); abortErr != nil {
		d.Store().Logger().Warn("abort failed", "doc", d.ID(), "error", abortErr)
	}
	if errors.Is(err, errStopped) {
		return err
	}
	return fmt.Errorf("compute %s: %w", d.ID(), err)
}

func callDerive(ctx context.Context, fn DeriveFunc, in *snapshot.Pinned) (values ir.Object, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("computation panicked: %v", p)
		}
	}()
	return fn(ctx, in)
}
