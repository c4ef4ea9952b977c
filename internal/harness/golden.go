package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render formats a result as text, one output window per progress step
// followed by the final collection:
//
//	progress [6]
//	  ("k", 2) @5 +1
//	collection
//	  ("k", 2)
//
// A failed run ends with an "error <code>" line instead of the collection.
// The rendering is identical for every backend and worker count.
func Render(result *Result) string {
	var b strings.Builder
	for _, w := range result.Windows {
		fmt.Fprintf(&b, "progress %s\n", w.Upper)
		for _, u := range w.Updates {
			fmt.Fprintf(&b, "  %s\n", u)
		}
	}
	if result.Err != nil {
		fmt.Fprintf(&b, "error %s\n", result.ErrorCode())
		return b.String()
	}
	b.WriteString("collection\n")
	for _, u := range result.Collection {
		if u.Diff == 1 {
			fmt.Fprintf(&b, "  %s\n", u.Value)
		} else {
			fmt.Fprintf(&b, "  %s x%d\n", u.Value, u.Diff)
		}
	}
	return b.String()
}

// RunWithGolden executes a scenario and compares the rendered output
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check expectations as well.
func RunWithGolden(t *testing.T, scenario *Scenario, opts Options) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(Render(result)))
}
