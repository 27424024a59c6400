package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
	var _ Value = Ref("doc-1")
}

func TestObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"aA": Int(4),
		"Aa": Int(5),
		"AA": Int(6),
	}

	// 'A' = 65, 'a' = 97
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", String("x"), String("x"), true},
		{"different kind", String("1"), Int(1), false},
		{"refs", Ref("a"), Ref("a"), true},
		{"different refs", Ref("a"), Ref("b"), false},
		{"arrays", Array{Int(1), String("b")}, Array{Int(1), String("b")}, true},
		{"array length", Array{Int(1)}, Array{Int(1), Int(2)}, false},
		{"objects", Object{"a": Int(1)}, Object{"a": Int(1)}, true},
		{"object values", Object{"a": Int(1)}, Object{"a": Int(2)}, false},
		{"nil vs null", nil, Null{}, false},
		{"nil vs nil", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"text":   "one two",
		"count":  2,
		"yaml":   float64(3),
		"child":  map[string]any{"$ref": "doc-9"},
		"nested": []any{true, nil},
	})
	require.NoError(t, err)

	want := Object{
		"text":   String("one two"),
		"count":  Int(2),
		"yaml":   Int(3),
		"child":  Ref("doc-9"),
		"nested": Array{Bool(true), Null{}},
	}
	assert.True(t, Equal(want, v), "got %#v", v)
}

func TestFromGo_RejectsFractionalFloat(t *testing.T) {
	_, err := FromGo(1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestToGo_InvertsFromGo(t *testing.T) {
	in := Object{"child": Ref("x"), "n": Int(7), "list": Array{String("a")}}
	back, err := FromGo(ToGo(in))
	require.NoError(t, err)
	assert.True(t, Equal(in, back))
}

func TestUnmarshalValue(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"a":1,"r":{"$ref":"doc-2"},"n":null}`))
	require.NoError(t, err)
	assert.True(t, Equal(Object{"a": Int(1), "r": Ref("doc-2"), "n": Null{}}, v))
}

func TestUnmarshalValue_RejectsFloat(t *testing.T) {
	_, err := UnmarshalValue([]byte(`1.25`))
	require.Error(t, err)
}

func TestUnmarshalValue_LargeInt(t *testing.T) {
	v, err := UnmarshalValue([]byte(`9223372036854775807`))
	require.NoError(t, err)
	assert.Equal(t, Int(9223372036854775807), v)
}
