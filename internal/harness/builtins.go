package harness

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/coordinator"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/snapshot"
)

// Builtin is a named computation scenarios can bind to a type.
type Builtin struct {
	Description string

	// New returns a fresh computation function for one runtime.
	New func() coordinator.ComputeFunc
}

// Builtins lists the computations available to scenarios.
var Builtins = map[string]Builtin{
	"word_count": {
		Description: "every computed field holds the number of words in text",
		New:         func() coordinator.ComputeFunc { return computed.Derive(wordCount, computed.Inline()) },
	},
	"word_count_once": {
		Description: "word_count, run once per subscriber turn",
		New:         func() coordinator.ComputeFunc { return computed.Once(wordCount, computed.Inline()) },
	},
	"tree_word_count": {
		Description: "words in text plus words in the text of every declared child",
		New:         func() coordinator.ComputeFunc { return computed.Derive(treeWordCount, computed.Inline()) },
	},
	"failing": {
		Description: "always fails",
		New: func() coordinator.ComputeFunc {
			return computed.Derive(func(context.Context, *snapshot.Pinned) (ir.Object, error) {
				return nil, errors.New("computation failed")
			}, computed.Inline())
		},
	},
}

// BuiltinNames returns the builtin names in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(Builtins))
	for name := range Builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func countWords(v ir.Value) int64 {
	s, _ := v.(ir.String)
	return int64(len(strings.Fields(string(s))))
}

func fillComputed(in *snapshot.Pinned, n int64) ir.Object {
	out := ir.Object{}
	for _, field := range in.View.Document().Type().Computed {
		out[field] = ir.Int(n)
	}
	return out
}

func wordCount(_ context.Context, in *snapshot.Pinned) (ir.Object, error) {
	return fillComputed(in, countWords(in.View.Get("text"))), nil
}

func treeWordCount(_ context.Context, in *snapshot.Pinned) (ir.Object, error) {
	n := countWords(in.View.Get("text"))
	for _, field := range in.View.Document().Type().ChildFields() {
		child, ok := in.View.Child(field)
		if !ok {
			continue
		}
		n += countWords(child.AtTime(in.Boundary - 1).Get("text"))
	}
	return fillComputed(in, n), nil
}
