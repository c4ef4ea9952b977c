package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/upsert/internal/engine"
	"github.com/roach88/upsert/internal/ir"
)

func TestRender(t *testing.T) {
	a := ir.Ok(ir.NewRow(ir.Int(1), ir.String("a")))
	b := ir.Ok(ir.NewRow(ir.Int(2), ir.Bytes{0xca, 0xfe}))

	result := &Result{
		Windows: []Window{
			{Upper: engine.At(3), Updates: []engine.Update{{Value: a, Time: 2, Diff: 1}}},
			{Upper: engine.At(5)},
		},
		Collection: []engine.Update{{Value: a, Diff: 1}, {Value: b, Diff: 2}},
	}

	want := "progress [3]\n" +
		"  (1, \"a\") @2 +1\n" +
		"progress [5]\n" +
		"collection\n" +
		"  (1, \"a\")\n" +
		"  (2, 0xcafe) x2\n"
	assert.Equal(t, want, Render(result))
}

func TestRender_Error(t *testing.T) {
	result := &Result{
		Windows: []Window{{Upper: engine.At(1)}},
		Err:     engine.NewInvalidStateError("", "invalid upsert state"),
	}
	assert.Equal(t, "progress [1]\nerror INVALID_STATE\n", Render(result))

	result.Err = errors.New("backend went away")
	assert.Equal(t, "progress [1]\nerror backend went away\n", Render(result))
}

func TestRunWithGolden_TieBreak(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/tie_break.yaml")
	assert.NoError(t, err)

	result, err := RunWithGolden(t, scenario, Options{})
	assert.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}
