package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/upsert/internal/engine"
)

// ExpectationError describes one expectation that did not hold.
type ExpectationError struct {
	Field    string // "output", "collection", or "error"
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Expectation failed: %s\n", e.Field)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// checkExpectation compares result against expect, recording every
// mismatch on result. Returns an error only if expect cannot be converted.
func checkExpectation(result *Result, expect *Expectation) error {
	if code := result.ErrorCode(); code != expect.Error {
		result.AddError((&ExpectationError{
			Field:    "error",
			Expected: orNone(expect.Error),
			Actual:   orNone(code),
		}).Error())
	}

	if expect.Output != nil {
		want := make([]engine.Update, len(expect.Output))
		for i, r := range expect.Output {
			u, err := r.Update()
			if err != nil {
				return fmt.Errorf("expect.output[%d]: %w", i, err)
			}
			want[i] = u
		}
		sortUpdates(want)

		got := result.Output()
		sortUpdates(got)
		if !sameUpdates(want, got, true) {
			result.AddError((&ExpectationError{
				Field:    "output",
				Expected: formatUpdates(want),
				Actual:   formatUpdates(got),
			}).Error())
		}
	}

	if expect.Collection != nil {
		want := make([]engine.Update, len(expect.Collection))
		for i, v := range expect.Collection {
			value, err := v.Value()
			if err != nil {
				return fmt.Errorf("expect.collection[%d]: %w", i, err)
			}
			want[i] = engine.Update{Value: value, Diff: 1}
		}
		want = engine.Accumulate(want)
		sortUpdates(want)

		if !sameUpdates(want, result.Collection, false) {
			result.AddError((&ExpectationError{
				Field:    "collection",
				Expected: formatUpdates(want),
				Actual:   formatUpdates(result.Collection),
			}).Error())
		}
	}
	return nil
}

func sameUpdates(want, got []engine.Update, withTime bool) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i].Diff != got[i].Diff || !want[i].Value.Equal(got[i].Value) {
			return false
		}
		if withTime && want[i].Time != got[i].Time {
			return false
		}
	}
	return true
}

func formatUpdates(updates []engine.Update) string {
	if len(updates) == 0 {
		return "[]"
	}
	parts := make([]string, len(updates))
	for i, u := range updates {
		parts[i] = u.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func orNone(s string) string {
	if s == "" {
		return "no error"
	}
	return s
}
