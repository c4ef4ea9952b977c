package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/upsert/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.cue>",
		Short: "Validate an operator configuration",
		Long: `Validate a CUE operator configuration against the built-in schema and
print the resolved settings, including defaults and a generated source id
when none is set.

Exit codes:
  0 - configuration is valid
  1 - configuration is invalid
  2 - configuration file could not be read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	formatter.VerboseLog("Validating %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return configFailure(formatter, err)
	}
	if err := cfg.Resolve(); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to resolve config", err)
	}

	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true, Config: cfg})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "✓ Configuration valid")
	fmt.Fprintf(w, "  source_id:    %s\n", cfg.SourceID)
	fmt.Fprintf(w, "  key_indices:  %v\n", cfg.KeyIndices)
	fmt.Fprintf(w, "  resume_upper: %d\n", cfg.ResumeUpper)
	fmt.Fprintf(w, "  workers:      %d\n", cfg.Workers)
	if cfg.Disk {
		fmt.Fprintf(w, "  backend:      disk (%s)\n", cfg.ScratchDir)
	} else {
		fmt.Fprintln(w, "  backend:      memory")
	}
	return nil
}

