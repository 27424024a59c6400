package freshness

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

func newStore() *doc.Store {
	return doc.NewStore(doc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func essay(t *testing.T, s *doc.Store, text string) *doc.Document {
	t.Helper()
	typ := schema.New("Essay", []string{"text"}, []string{"wordCount"})
	d, err := s.CreateWithID("essay", typ, ir.Object{"text": ir.String(text)})
	require.NoError(t, err)
	return d
}

func TestIsFresh_MissingComputed(t *testing.T) {
	d := essay(t, newStore(), "one two")

	assert.False(t, IsFresh(d))
	r := Explain(d)
	assert.Equal(t, ReasonMissingComputed, r.Reason)
	assert.Equal(t, PhaseUncomputed, State(d))
}

func TestIsFresh_ManualWriteAfterBase(t *testing.T) {
	d := essay(t, newStore(), "one two")

	_, err := d.Set("wordCount", ir.Int(2))
	require.NoError(t, err)
	assert.True(t, IsFresh(d))
	assert.Equal(t, PhaseComputed, State(d))

	_, err = d.Set("text", ir.String("one two three"))
	require.NoError(t, err)
	assert.False(t, IsFresh(d))
	assert.Equal(t, ReasonBaseChanged, Explain(d).Reason)
}

func TestIsFresh_TieFavoursStaleness(t *testing.T) {
	d := essay(t, newStore(), "")

	_, err := d.ApplyBatch(ir.Object{"text": ir.String("a"), "wordCount": ir.Int(1)})
	require.NoError(t, err)
	assert.False(t, IsFresh(d), "computed written in the same batch as base is not fresh")
}

func TestIsFresh_OrderedAtStartBoundary(t *testing.T) {
	d := essay(t, newStore(), "one two")

	start, err := d.Set(doc.StatusField, Computing())
	require.NoError(t, err)
	// Base edit while the computation is in flight.
	_, err = d.Set("text", ir.String("one two three"))
	require.NoError(t, err)
	_, err = d.ApplyBatch(ir.Object{"wordCount": ir.Int(2), doc.StatusField: Computed(start)})
	require.NoError(t, err)

	assert.False(t, IsFresh(d))
	r := Explain(d)
	require.Len(t, r.Fields, 1)
	assert.Equal(t, start, r.Fields[0].OrderingPoint)
	assert.Greater(t, r.Fields[0].TxIndex, r.LatestBaseTx)
}

func TestIsFresh_CompletedWithoutInterference(t *testing.T) {
	d := essay(t, newStore(), "one two")

	start, err := d.Set(doc.StatusField, Computing())
	require.NoError(t, err)
	assert.Equal(t, PhaseComputing, State(d))
	assert.Equal(t, ReasonInFlight, Explain(d).Reason)

	_, err = d.ApplyBatch(ir.Object{"wordCount": ir.Int(2), doc.StatusField: Computed(start)})
	require.NoError(t, err)
	assert.True(t, IsFresh(d))
	assert.Equal(t, PhaseComputed, State(d))

	st := CurrentStatus(d)
	assert.Equal(t, PhaseComputed, st.Phase)
	assert.Equal(t, start, st.StartTx)
	assert.Greater(t, st.FinishTx, st.StartTx)
}

func TestIsFresh_Monotonic(t *testing.T) {
	d := essay(t, newStore(), "a")
	_, err := d.Set("wordCount", ir.Int(1))
	require.NoError(t, err)
	require.True(t, IsFresh(d))

	// Once a base edit lands, no further base edit can make it fresh again.
	for _, text := range []string{"a b", "a b c", "a"} {
		_, err := d.Set("text", ir.String(text))
		require.NoError(t, err)
		assert.False(t, IsFresh(d), "after text=%q", text)
	}
}

func TestIsFreshAt_History(t *testing.T) {
	d := essay(t, newStore(), "a")
	fresh, err := d.Set("wordCount", ir.Int(1))
	require.NoError(t, err)
	stale, err := d.Set("text", ir.String("a b"))
	require.NoError(t, err)

	assert.False(t, IsFreshAt(d, fresh-1))
	assert.True(t, IsFreshAt(d, fresh))
	assert.False(t, IsFreshAt(d, stale))
}

func TestIsFresh_NoComputedFields(t *testing.T) {
	s := newStore()
	d, err := s.CreateWithID("plain", schema.New("Plain", []string{"x"}, nil), ir.Object{"x": ir.Int(1)})
	require.NoError(t, err)
	assert.True(t, IsFresh(d))
}

func TestIsFresh_ChildEdits(t *testing.T) {
	s := newStore()
	childType := schema.New("Child", []string{"text"}, nil)
	parentType := schema.New("Parent", nil, []string{"total"}).WithChild("child", "Child")

	child, err := s.CreateWithID("c", childType, ir.Object{"text": ir.String("a")})
	require.NoError(t, err)
	parent, err := s.CreateWithID("p", parentType, ir.Object{"child": child.Ref()})
	require.NoError(t, err)
	_, err = parent.Set("total", ir.Int(1))
	require.NoError(t, err)
	require.True(t, IsFresh(parent))

	_, err = child.Set("text", ir.String("a b"))
	require.NoError(t, err)
	assert.False(t, IsFresh(parent))
	assert.Equal(t, child.LastTx(), LatestBaseTx(parent))
}

func TestIsFresh_ChildStatusIsNotAnInput(t *testing.T) {
	s := newStore()
	childType := schema.New("Child", []string{"text"}, []string{"count"})
	parentType := schema.New("Parent", nil, []string{"total"}).WithChild("child", "Child")

	child, err := s.CreateWithID("c", childType, ir.Object{"text": ir.String("a")})
	require.NoError(t, err)
	parent, err := s.CreateWithID("p", parentType, ir.Object{"child": child.Ref()})
	require.NoError(t, err)
	_, err = parent.Set("total", ir.Int(1))
	require.NoError(t, err)

	_, err = child.Set(doc.StatusField, Computing())
	require.NoError(t, err)
	assert.True(t, IsFresh(parent))
}

func TestIsFresh_GrandchildEdits(t *testing.T) {
	s := newStore()
	leafType := schema.New("Leaf", []string{"text"}, nil)
	midType := schema.New("Mid", nil, nil).WithChild("leaf", "Leaf")
	topType := schema.New("Top", nil, []string{"total"}).WithChild("mid", "Mid")

	leaf, err := s.CreateWithID("leaf", leafType, ir.Object{"text": ir.String("a")})
	require.NoError(t, err)
	mid, err := s.CreateWithID("mid", midType, ir.Object{"leaf": leaf.Ref()})
	require.NoError(t, err)
	top, err := s.CreateWithID("top", topType, ir.Object{"mid": mid.Ref()})
	require.NoError(t, err)
	_, err = top.Set("total", ir.Int(1))
	require.NoError(t, err)
	require.True(t, IsFresh(top))

	_, err = leaf.Set("text", ir.String("b"))
	require.NoError(t, err)
	assert.False(t, IsFresh(top))
}

func TestIsFresh_CycleTerminates(t *testing.T) {
	s := newStore()
	typ := schema.New("Node", nil, []string{"total"}).WithChild("next", "Node")

	a, err := s.CreateWithID("a", typ, nil)
	require.NoError(t, err)
	b, err := s.CreateWithID("b", typ, ir.Object{"next": a.Ref()})
	require.NoError(t, err)
	_, err = a.Set("next", b.Ref())
	require.NoError(t, err)
	_, err = a.Set("total", ir.Int(0))
	require.NoError(t, err)

	assert.NotPanics(t, func() { IsFresh(a) })
	// b's total was never written, and b's own edits are inputs to a.
	assert.False(t, IsFresh(b))
}

func TestIsFresh_UndeclaredRefIgnored(t *testing.T) {
	s := newStore()
	childType := schema.New("Child", []string{"text"}, nil)
	parentType := schema.New("Parent", []string{"link"}, []string{"total"})

	child, err := s.CreateWithID("c", childType, ir.Object{"text": ir.String("a")})
	require.NoError(t, err)
	parent, err := s.CreateWithID("p", parentType, ir.Object{"link": child.Ref()})
	require.NoError(t, err)
	_, err = parent.Set("total", ir.Int(1))
	require.NoError(t, err)

	_, err = child.Set("text", ir.String("b"))
	require.NoError(t, err)
	assert.True(t, IsFresh(parent))
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		name    string
		edit    doc.Edit
		want    Status
		wantErr bool
	}{
		{"computing", doc.Edit{Value: Computing(), TxIndex: 4}, Status{Phase: PhaseComputing, StartTx: 4}, false},
		{"computed", doc.Edit{Value: Computed(4), TxIndex: 9}, Status{Phase: PhaseComputed, StartTx: 4, FinishTx: 9}, false},
		{"uncomputed", doc.Edit{Value: Uncomputed(), TxIndex: 3}, Status{Phase: PhaseUncomputed}, false},
		{"start after finish", doc.Edit{Value: Computed(9), TxIndex: 9}, Status{}, true},
		{"not an object", doc.Edit{Value: ir.String("computing"), TxIndex: 1}, Status{}, true},
		{"unknown state", doc.Edit{Value: ir.Object{"state": ir.String("weird")}, TxIndex: 1}, Status{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeStatus(tt.edit)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
