package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/ir"
)

// ExpectationError describes one failed expectation.
type ExpectationError struct {
	Doc      string
	Check    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Expectation failed: %s %s\n", e.Doc, e.Check)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// CheckExpectations evaluates expectations against the runtime's current
// documents and returns one message per failure.
func CheckExpectations(rt *computed.Runtime, expectations []Expectation) []string {
	var failures []string
	for _, exp := range expectations {
		for _, err := range checkExpectation(rt, exp) {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func checkExpectation(rt *computed.Runtime, exp Expectation) []error {
	obj, ok := rt.Object(exp.Doc)
	if !ok {
		return []error{&ExpectationError{Doc: exp.Doc, Check: "exists", Expected: "document", Actual: "not found"}}
	}

	var errs []error
	fields := obj.Fields()
	for _, name := range sortedKeys(exp.Fields) {
		want, err := ir.FromGo(exp.Fields[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("expect %s.%s: %w", exp.Doc, name, err))
			continue
		}
		got, present := fields[name]
		if !present || !ir.Equal(got, want) {
			errs = append(errs, &ExpectationError{
				Doc:      exp.Doc,
				Check:    "field " + name,
				Expected: ir.MustCanonical(want),
				Actual:   describe(got, present),
			})
		}
	}

	for _, name := range exp.Absent {
		if got, present := fields[name]; present {
			errs = append(errs, &ExpectationError{
				Doc:      exp.Doc,
				Check:    "field " + name,
				Expected: "<absent>",
				Actual:   ir.MustCanonical(got),
			})
		}
	}

	if exp.State != "" && string(obj.State()) != exp.State {
		errs = append(errs, &ExpectationError{
			Doc:      exp.Doc,
			Check:    "state",
			Expected: exp.State,
			Actual:   string(obj.State()),
		})
	}

	if exp.Computed != nil && obj.IsComputed() != *exp.Computed {
		errs = append(errs, &ExpectationError{
			Doc:      exp.Doc,
			Check:    "computed",
			Expected: fmt.Sprint(*exp.Computed),
			Actual:   fmt.Sprintf("%v (%s)", obj.IsComputed(), obj.Explain().Reason),
		})
	}
	return errs
}

func describe(v ir.Value, present bool) string {
	if !present {
		return "<absent>"
	}
	return ir.MustCanonical(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
