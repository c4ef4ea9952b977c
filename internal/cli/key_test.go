package cli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/upsert/internal/ir"
)

func TestKeyCommand_KeyRow(t *testing.T) {
	stdout, _, err := execute(t, "key", "1", "alice")
	require.NoError(t, err)

	want := ir.FromKey(ir.Ok(ir.NewRow(ir.Int(1), ir.String("alice"))))
	assert.Equal(t, want.String()+"\n", stdout)
}

func TestKeyCommand_ValueMatchesKeyRow(t *testing.T) {
	keyOut, _, err := execute(t, "key", "alice", "{bytes: ff00}")
	require.NoError(t, err)

	valueOut, _, err := execute(t, "key", "--value", "--key-indices", "3,1", "7", "alice", "true", "{bytes: ff00}")
	require.NoError(t, err)

	assert.Equal(t, keyOut, valueOut)
}

func TestKeyCommand_JSON(t *testing.T) {
	stdout, _, err := execute(t, "--format", "json", "key", "null", "42", "x")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   KeyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, `(null, 42, "x")`, resp.Data.Row)
	_, err = ir.ParseUpsertKey(resp.Data.Key)
	require.NoError(t, err)
}

func TestKeyCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"float", []string{"key", "1.5"}, "floats are not supported"},
		{"value_without_indices", []string{"key", "--value", "1"}, "requires --key-indices"},
		{"index_out_of_range", []string{"key", "--value", "--key-indices", "2", "1", "2"}, "out of range"},
		{"no_args", []string{"key"}, "requires at least 1 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should contain %q", err, tt.want)
		})
	}
}
