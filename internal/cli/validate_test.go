package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upsert.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestValidateCommand_Valid(t *testing.T) {
	path := writeConfig(t, `source_id: "orders"
key_indices: [2, 0]
workers: 4
`)

	stdout, _, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ Configuration valid")
	assert.Contains(t, stdout, "source_id:    orders")
	assert.Contains(t, stdout, "workers:      4")
	assert.Contains(t, stdout, "backend:      memory")
}

func TestValidateCommand_GeneratesSourceID(t *testing.T) {
	path := writeConfig(t, `key_indices: [0]
disk: true
scratch_dir: "/var/lib/upsert"
`)

	stdout, _, err := execute(t, "--format", "json", "validate", path)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.True(t, resp.Data.Valid)
	require.NotNil(t, resp.Data.Config)
	assert.True(t, resp.Data.Config.Disk)
	assert.Equal(t, 1, resp.Data.Config.Workers)

	id, err := uuid.Parse(resp.Data.Config.SourceID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestValidateCommand_Errors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		code     string
		exitCode int
	}{
		{"syntax", "key_indices: [0\n", "E006", ExitFailure},
		{"schema", "key_indices: [0]\nworkers: 0\n", "E010", ExitFailure},
		{"unknown_field", "key_indices: [0]\nshards: 2\n", "E010", ExitFailure},
		{"conflict", "key_indices: [0, 0]\n", "E011", ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(t, "--format", "json", "validate", writeConfig(t, tt.src))
			require.Error(t, err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	stdout, _, err := execute(t, "validate", "/nonexistent/upsert.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "Error [E004]")
}
