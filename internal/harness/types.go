package harness

import (
	"errors"
	"slices"
	"strings"

	"github.com/roach88/upsert/internal/engine"
)

// Window is the output emitted in response to one progress step.
type Window struct {
	// Upper is the output frontier that closed the window.
	Upper engine.Frontier

	// Updates are sorted by (time, diff, value) so that runs with different
	// worker counts produce identical windows.
	Updates []engine.Update
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Name is the scenario name.
	Name string

	// Pass indicates overall success: no expectation failed.
	Pass bool

	// Windows holds the output, one window per progress step reached.
	Windows []Window

	// Collection is the final output collection: the rehydrated state plus
	// every emitted update, consolidated and sorted by value.
	Collection []engine.Update

	// Err is the fatal error the run stopped with, if any.
	Err error

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult(name string) *Result {
	return &Result{Name: name, Pass: true, Errors: []string{}}
}

// AddError adds an expectation failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Output returns every emitted update in window order.
func (r *Result) Output() []engine.Update {
	var out []engine.Update
	for _, w := range r.Windows {
		out = append(out, w.Updates...)
	}
	return out
}

// ErrorCode returns the RuntimeError code of Err, its message for other
// errors, or "" when the run succeeded.
func (r *Result) ErrorCode() string {
	if r.Err == nil {
		return ""
	}
	var re *engine.RuntimeError
	if errors.As(r.Err, &re) {
		return string(re.Code)
	}
	return r.Err.Error()
}

// sortUpdates orders updates by (time, diff, rendered value). Retractions
// sort before insertions at the same time.
func sortUpdates(updates []engine.Update) {
	slices.SortFunc(updates, func(a, b engine.Update) int {
		if a.Time != b.Time {
			if a.Time < b.Time {
				return -1
			}
			return 1
		}
		if a.Diff != b.Diff {
			if a.Diff < b.Diff {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Value.String(), b.Value.String())
	})
}
