package snapshot

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/freshness"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

func setupEssay(t *testing.T, text string) *doc.Document {
	t.Helper()
	s := doc.NewStore(doc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	typ := schema.New("Essay", []string{"text", "title"}, []string{"wordCount", "charCount"})
	d, err := s.CreateWithID("essay", typ, ir.Object{"text": ir.String(text), "title": ir.String("T")})
	require.NoError(t, err)
	return d
}

func TestStartComputation_PinsBaseBeforeBoundary(t *testing.T) {
	d := setupEssay(t, "one two")
	_, err := d.Set("wordCount", ir.Int(99))
	require.NoError(t, err)

	p, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, freshness.PhaseComputing, freshness.State(d))
	assert.Equal(t, p.Boundary, d.Store().Clock().Current())

	// Later edits are invisible to the pinned view.
	_, err = d.Set("text", ir.String("changed"))
	require.NoError(t, err)
	assert.Equal(t, ir.String("one two"), p.View.Get("text"))
	assert.Equal(t, []string{"text", "title"}, p.View.Fields())
	assert.Nil(t, p.View.Get("wordCount"), "computed fields are not inputs")
	assert.Nil(t, p.View.Get(doc.StatusField))
}

func TestStartComputation_CancelledContext(t *testing.T) {
	d := setupEssay(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := StartComputation(ctx, d)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, freshness.PhaseUncomputed, freshness.State(d))
}

func TestFinishComputation_RoundTrip(t *testing.T) {
	d := setupEssay(t, "one two")

	p, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	finish, err := FinishComputation(d, ir.Object{"wordCount": ir.Int(2), "charCount": ir.Int(7)})
	require.NoError(t, err)

	assert.True(t, freshness.IsFresh(d))
	st := freshness.CurrentStatus(d)
	assert.Equal(t, freshness.Status{Phase: freshness.PhaseComputed, StartTx: p.Boundary, FinishTx: finish}, st)

	c := LastComputedValue(d)
	assert.Equal(t, p.Boundary, c.StartTx)
	assert.Equal(t, finish, c.FinishTx)
	assert.Equal(t, ir.Int(2), c.Get("wordCount"))
	assert.Equal(t, ir.String("one two"), c.Get("text"))
	assert.True(t, c.IsComputed())
	assert.Equal(t, ir.Object{
		"text":      ir.String("one two"),
		"title":     ir.String("T"),
		"wordCount": ir.Int(2),
		"charCount": ir.Int(7),
	}, c.Object())
}

func TestFinishComputation_IncompletePayload(t *testing.T) {
	d := setupEssay(t, "a")
	_, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	before := d.Store().Clock().Current()

	_, err = FinishComputation(d, ir.Object{"wordCount": ir.Int(1), "bogus": ir.Int(0)})
	require.Error(t, err)
	assert.True(t, IsIncompletePayload(err))

	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, []string{"charCount"}, f.Missing)
	assert.Equal(t, []string{"bogus"}, f.Extra)
	assert.Equal(t, before, d.Store().Clock().Current(), "nothing written")
	assert.Nil(t, d.Get("wordCount"))
}

func TestFinishComputation_NotComputing(t *testing.T) {
	d := setupEssay(t, "a")
	values := ir.Object{"wordCount": ir.Int(1), "charCount": ir.Int(1)}

	_, err := FinishComputation(d, values)
	assert.True(t, IsNotComputing(err))

	_, err = StartComputation(context.Background(), d)
	require.NoError(t, err)
	_, err = FinishComputation(d, values)
	require.NoError(t, err)

	_, err = FinishComputation(d, values)
	assert.True(t, IsNotComputing(err), "double finish is a fault")
	assert.False(t, IsIncompletePayload(err))
}

func TestFinishComputation_BaseEditedDuringComputationIsStale(t *testing.T) {
	d := setupEssay(t, "one two")

	_, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	_, err = d.Set("text", ir.String("one two three"))
	require.NoError(t, err)
	_, err = FinishComputation(d, ir.Object{"wordCount": ir.Int(2), "charCount": ir.Int(7)})
	require.NoError(t, err)

	assert.False(t, freshness.IsFresh(d))
	assert.Equal(t, freshness.PhaseUncomputed, freshness.State(d))

	c := LastComputedValue(d)
	assert.Equal(t, ir.String("one two"), c.Get("text"), "composite shows the inputs actually used")
	assert.False(t, c.IsComputed())
}

func TestAbortComputation(t *testing.T) {
	d := setupEssay(t, "a")
	require.NoError(t, AbortComputation(d), "no-op when idle")
	assert.Nil(t, d.Get(doc.StatusField))

	_, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	require.NoError(t, AbortComputation(d))
	assert.Equal(t, freshness.PhaseUncomputed, freshness.CurrentStatus(d).Phase)

	_, err = FinishComputation(d, ir.Object{"wordCount": ir.Int(1), "charCount": ir.Int(1)})
	assert.True(t, IsNotComputing(err))
}

func TestLastComputedValue_NeverComputed(t *testing.T) {
	d := setupEssay(t, "a")
	c := LastComputedValue(d)
	assert.Zero(t, c.FinishTx)
	assert.Equal(t, ir.String("a"), c.Get("text"))
	assert.Nil(t, c.Get("wordCount"))
	assert.False(t, c.IsComputed())
}

func TestLastComputedValue_ManualWrite(t *testing.T) {
	d := setupEssay(t, "a")
	tx, err := d.ApplyBatch(ir.Object{"wordCount": ir.Int(1), "charCount": ir.Int(1)})
	require.NoError(t, err)

	c := LastComputedValue(d)
	assert.Zero(t, c.StartTx)
	assert.Equal(t, tx, c.FinishTx)
	assert.Equal(t, tx, c.Base().Limit())
}

func TestLastComputedValue_SkipsInFlightAttempt(t *testing.T) {
	d := setupEssay(t, "one two")

	first, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	_, err = FinishComputation(d, ir.Object{"wordCount": ir.Int(2), "charCount": ir.Int(7)})
	require.NoError(t, err)

	_, err = d.Set("text", ir.String("x"))
	require.NoError(t, err)
	_, err = StartComputation(context.Background(), d)
	require.NoError(t, err)

	c := LastComputedValue(d)
	assert.Equal(t, first.Boundary, c.StartTx)
	assert.Equal(t, ir.String("one two"), c.Get("text"))
}

func TestLastComputedValue_ManualWriteAfterAbort(t *testing.T) {
	d := setupEssay(t, "one two")

	_, err := StartComputation(context.Background(), d)
	require.NoError(t, err)
	require.NoError(t, AbortComputation(d))

	_, err = d.Set("text", ir.String("one two three"))
	require.NoError(t, err)
	tx, err := d.ApplyBatch(ir.Object{"wordCount": ir.Int(3), "charCount": ir.Int(13)})
	require.NoError(t, err)

	c := LastComputedValue(d)
	assert.Zero(t, c.StartTx, "the aborted attempt did not produce these values")
	assert.Equal(t, tx, c.FinishTx)
	assert.Equal(t, tx, c.Base().Limit())
	assert.Equal(t, ir.String("one two three"), c.Get("text"))
}
