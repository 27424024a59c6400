package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/schema"
)

// recorder is a ComputeFunc that records starts and stops and keeps jobs
// running until stopped.
type recorder struct {
	started []Token
	stopped []Token
	jobs    map[Token]*Job
	fail    map[Token]error
	panics  map[Token]bool
}

func newRecorder() *recorder {
	return &recorder{
		jobs:   map[Token]*Job{},
		fail:   map[Token]error{},
		panics: map[Token]bool{},
	}
}

func (rc *recorder) compute(_ context.Context, job *Job) (Handle, error) {
	rc.started = append(rc.started, job.Token)
	if rc.panics[job.Token] {
		panic("boom")
	}
	if err := rc.fail[job.Token]; err != nil {
		return nil, err
	}
	rc.jobs[job.Token] = job
	tok := job.Token
	return HandleFunc(func() { rc.stopped = append(rc.stopped, tok) }), nil
}

func setupRegistry(t *testing.T, compute ComputeFunc) (*Registry, *doc.Document) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := doc.NewStore(doc.WithLogger(logger))
	d, err := s.CreateWithID("essay", schema.New("Essay", []string{"text"}, []string{"wordCount"}), nil)
	require.NoError(t, err)
	return NewRegistry(compute, WithLogger(logger), WithName(t.Name())), d
}

func TestAddSubscriber_StartsWhenIdle(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	assert.Equal(t, []Token{"a"}, rc.started)

	info, ok := r.Entry(d.ID())
	require.True(t, ok)
	assert.Equal(t, Token("a"), info.Active)
	assert.Empty(t, info.Pending)
}

func TestAddSubscriber_SingleFlight(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)
	r.AddSubscriber("c", d)
	r.AddSubscriber("a", d)

	assert.Equal(t, []Token{"a"}, rc.started, "only one computation in flight")
	info, _ := r.Entry(d.ID())
	assert.Equal(t, []Token{"b", "c"}, info.Pending)
}

func TestAddSubscriber_ReAddKeepsPosition(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)
	r.AddSubscriber("c", d)
	r.AddSubscriber("b", d)

	info, _ := r.Entry(d.ID())
	assert.Equal(t, []Token{"b", "c"}, info.Pending)
}

func TestRemoveSubscriber_ActiveStartsNextFIFO(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)
	r.AddSubscriber("c", d)

	r.RemoveSubscriber("b", d)
	assert.Empty(t, rc.stopped, "removing a queued token stops nothing")

	r.RemoveSubscriber("a", d)
	assert.Equal(t, []Token{"a"}, rc.stopped)
	assert.Equal(t, []Token{"a", "c"}, rc.started, "b was skipped")

	r.RemoveSubscriber("c", d)
	assert.Equal(t, []Token{"a", "c"}, rc.stopped)
	_, ok := r.Entry(d.ID())
	assert.False(t, ok, "entry collected when idle and empty")
	assert.Zero(t, r.Len())
}

func TestRemoveSubscriber_Unknown(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	assert.NotPanics(t, func() { r.RemoveSubscriber("ghost", d) })
	r.AddSubscriber("a", d)
	r.RemoveSubscriber("ghost", d)
	info, ok := r.Entry(d.ID())
	require.True(t, ok)
	assert.Equal(t, Token("a"), info.Active)
}

func TestJobDone_StartsNext(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)
	rc.jobs["a"].Done()
	rc.jobs["a"].Done()

	assert.Equal(t, []Token{"a", "b"}, rc.started)
	assert.Empty(t, rc.stopped, "a finished on its own")

	info, _ := r.Entry(d.ID())
	assert.Equal(t, Token("b"), info.Active)
}

func TestJobDone_AfterStopIsIgnored(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	job := rc.jobs["a"]
	r.RemoveSubscriber("a", d)
	r.AddSubscriber("b", d)

	job.Done()
	info, ok := r.Entry(d.ID())
	require.True(t, ok)
	assert.Equal(t, Token("b"), info.Active, "stale Done must not release b's slot")
}

func TestJobDone_Synchronous(t *testing.T) {
	var started []Token
	r, d := setupRegistry(t, func(_ context.Context, job *Job) (Handle, error) {
		started = append(started, job.Token)
		job.Done()
		return nil, nil
	})

	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)

	assert.Equal(t, []Token{"a", "b"}, started)
	assert.Zero(t, r.Len())
}

func TestCompute_ErrorStartsNext(t *testing.T) {
	rc := newRecorder()
	rc.fail["a"] = errors.New("no inputs")
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("a", d)
	_, ok := r.Entry(d.ID())
	assert.False(t, ok, "failed start leaves the entry idle")

	// Queue a and b behind an active c, then let c finish.
	r.AddSubscriber("c", d)
	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)
	rc.jobs["c"].Done()

	assert.Equal(t, []Token{"a", "c", "a", "b"}, rc.started)
	info, _ := r.Entry(d.ID())
	assert.Equal(t, Token("b"), info.Active)
}

func TestCompute_PanicStartsNext(t *testing.T) {
	rc := newRecorder()
	rc.panics["a"] = true
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("b", d)
	r.AddSubscriber("a", d)
	r.AddSubscriber("c", d)

	assert.NotPanics(t, func() { r.RemoveSubscriber("b", d) })
	assert.Equal(t, []Token{"b", "a", "c"}, rc.started)
	info, _ := r.Entry(d.ID())
	assert.Equal(t, Token("c"), info.Active)
}

func TestInvoke_WrapsErrors(t *testing.T) {
	cause := errors.New("no inputs")
	r, d := setupRegistry(t, func(context.Context, *Job) (Handle, error) { return nil, cause })

	_, err := r.invoke(&Job{Token: "a", Doc: d, reg: r})
	require.Error(t, err)
	assert.True(t, IsComputeFailed(err))
	assert.ErrorIs(t, err, cause)
}

func TestNestedOperationsAreDeferred(t *testing.T) {
	var r *Registry
	var d *doc.Document
	var trace []string
	r, d = setupRegistry(t, func(_ context.Context, job *Job) (Handle, error) {
		trace = append(trace, "start "+string(job.Token))
		if job.Token == "a" {
			// Issued from inside a start: must not run until this returns.
			r.RemoveSubscriber("a", d)
			trace = append(trace, "returned from nested remove")
		}
		tok := job.Token
		return HandleFunc(func() { trace = append(trace, "stop "+string(tok)) }), nil
	})

	r.AddSubscriber("b", d)
	r.RemoveSubscriber("b", d)
	trace = nil

	r.AddSubscriber("a", d)
	assert.Equal(t, []string{
		"start a",
		"returned from nested remove",
		"stop a",
	}, trace)
	assert.Zero(t, r.Len())
}

func TestStartNext_ReentrancyPanics(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)
	r.AddSubscriber("a", d)

	r.mu.Lock()
	e := r.entries[d.ID()]
	r.mu.Unlock()

	defer func() {
		p := recover()
		require.NotNil(t, p)
		err, ok := p.(error)
		require.True(t, ok)
		assert.True(t, IsReentrancy(err))
	}()
	r.startNext(e)
}

func TestClose_StopsActive(t *testing.T) {
	rc := newRecorder()
	r, d := setupRegistry(t, rc.compute)
	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)

	r.Close()
	assert.Equal(t, []Token{"a"}, rc.stopped)
	assert.Zero(t, r.Len())
	assert.Equal(t, []Token{"a"}, rc.started)

	r.AddSubscriber("c", d)
	assert.Equal(t, []Token{"a"}, rc.started, "closed registries start nothing")
	assert.Zero(t, r.Len())
}

// blockingCompute blocks every start of doc blockID until release is
// closed. blocked is closed when the first such start begins.
func blockingCompute(blockID string, blocked, release chan struct{}, stops *atomic.Int32) ComputeFunc {
	var once sync.Once
	return func(_ context.Context, job *Job) (Handle, error) {
		if job.Doc.ID() == blockID {
			once.Do(func() { close(blocked) })
			<-release
		}
		return HandleFunc(func() { stops.Add(1) }), nil
	}
}

func TestClose_StopsComputationStartingConcurrently(t *testing.T) {
	blocked, release := make(chan struct{}), make(chan struct{})
	var stops atomic.Int32
	r, d := setupRegistry(t, blockingCompute("essay", blocked, release, &stops))

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.AddSubscriber("a", d)
	}()
	<-blocked

	r.Close()
	assert.Zero(t, stops.Load(), "no handle yet")

	close(release)
	<-done
	assert.Equal(t, int32(1), stops.Load(), "the late handle is stopped")
	assert.Zero(t, r.Len())
}

func TestBlockedDocumentDoesNotBlockOthers(t *testing.T) {
	blocked, release := make(chan struct{}), make(chan struct{})
	var stops atomic.Int32
	r, slow := setupRegistry(t, blockingCompute("essay", blocked, release, &stops))
	fast, err := slow.Store().CreateWithID("other", slow.Type(), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.AddSubscriber("a", slow)
	}()
	<-blocked

	r.AddSubscriber("b", fast)
	info, ok := r.Entry(fast.ID())
	require.True(t, ok)
	assert.Equal(t, Token("b"), info.Active)

	// Same document: queued behind the blocked start.
	r.AddSubscriber("c", slow)
	info, ok = r.Entry(slow.ID())
	require.True(t, ok)
	assert.Equal(t, Token("a"), info.Active)
	assert.Empty(t, info.Pending)

	r.RemoveSubscriber("b", fast)
	assert.Equal(t, int32(1), stops.Load())

	close(release)
	<-done
	info, _ = r.Entry(slow.ID())
	assert.Equal(t, Token("a"), info.Active)
	assert.Equal(t, []Token{"c"}, info.Pending)
}

func TestEntries_PerDocument(t *testing.T) {
	rc := newRecorder()
	r, d1 := setupRegistry(t, rc.compute)
	d2, err := d1.Store().CreateWithID("other", d1.Type(), nil)
	require.NoError(t, err)

	r.AddSubscriber("a", d1)
	r.AddSubscriber("b", d2)

	assert.Equal(t, []Token{"a", "b"}, rc.started, "documents do not share a slot")
	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "essay", entries[0].DocID)
	assert.Equal(t, "other", entries[1].DocID)
	assert.True(t, entries[1].IsActive())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("")
	assert.Equal(t, Token("sub-1"), g.Generate())
	assert.Equal(t, Token("sub-2"), g.Generate())

	u := UUIDv7Generator{}
	assert.Len(t, string(u.Generate()), 36)
	assert.NotEqual(t, u.Generate(), u.Generate())
}
