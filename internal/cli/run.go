package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/upsert/internal/config"
	"github.com/roach88/upsert/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	OperatorFlags
}

// UpdateJSON is one output update in JSON output.
type UpdateJSON struct {
	Value string `json:"value"`
	Time  uint64 `json:"time"`
	Diff  int64  `json:"diff"`
}

// WindowJSON is the output closed by one progress step.
type WindowJSON struct {
	Upper   string       `json:"upper"`
	Updates []UpdateJSON `json:"updates"`
}

// RunResult is the JSON form of a scenario run.
type RunResult struct {
	Scenario   string       `json:"scenario"`
	Pass       bool         `json:"pass"`
	Windows    []WindowJSON `json:"windows"`
	Collection []string     `json:"collection"`
	Error      string       `json:"error,omitempty"`
	Errors     []string     `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one scenario through the operator",
		Long: `Run a YAML scenario through the upsert operator and print the output
window closed by every progress step, followed by the final collection.

When --config is given, its key_indices and resume_upper replace the
scenario's, and its backend settings apply unless overridden by flags.

Exit codes:
  0 - scenario ran and met its expectations
  1 - an expectation failed
  2 - command error (unreadable scenario or config, etc.)

Example:
  upsert run scenario.yaml
  upsert run --config upsert.cue --workers 4 scenario.yaml
  upsert run --disk --scratch-dir /tmp/upsert --format json scenario.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}
	opts.register(cmd)

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, hopts, err := opts.resolve(cmd)
	if err != nil {
		return configFailure(formatter, err)
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, "failed to load scenario", err)
	}
	apply(cfg, scenario)
	hopts.Logger = slog.Default()

	ctx, stop := signalContext(cmd)
	defer stop()

	formatter.VerboseLog("running %s (disk=%t workers=%d)", scenario.Name, hopts.Disk, hopts.Workers)
	result, err := harness.Run(ctx, scenario, hopts)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, "failed to run scenario", err)
	}

	if formatter.JSON() {
		if err := formatter.Success(newRunResult(result)); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprint(w, harness.Render(result))
		for _, e := range result.Errors {
			fmt.Fprintln(w, e)
		}
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func newRunResult(result *harness.Result) RunResult {
	out := RunResult{
		Scenario:   result.Name,
		Pass:       result.Pass,
		Windows:    make([]WindowJSON, len(result.Windows)),
		Collection: make([]string, len(result.Collection)),
		Error:      result.ErrorCode(),
		Errors:     result.Errors,
	}
	for i, w := range result.Windows {
		updates := make([]UpdateJSON, len(w.Updates))
		for j, u := range w.Updates {
			updates[j] = UpdateJSON{Value: u.Value.String(), Time: uint64(u.Time), Diff: u.Diff}
		}
		out.Windows[i] = WindowJSON{Upper: w.Upper.String(), Updates: updates}
	}
	for i, u := range result.Collection {
		out.Collection[i] = u.Value.String()
	}
	return out
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// configFailure reports a configuration error and converts it to an
// ExitError.
func configFailure(formatter *OutputFormatter, err error) error {
	var cerr *config.Error
	if errors.As(err, &cerr) {
		_ = formatter.Error(cerr.Code, cerr.Message, positionDetails(cerr))
		if cerr.Code == config.ErrCodeRead {
			return WrapExitError(ExitCommandError, "failed to read config", err)
		}
		return WrapExitError(ExitFailure, "invalid config", err)
	}
	return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to load config", err)
}

// positionDetails returns the source position of a config error, if any.
func positionDetails(cerr *config.Error) any {
	if !cerr.Pos.IsValid() {
		return nil
	}
	return map[string]any{
		"file":   cerr.Pos.Filename(),
		"line":   cerr.Pos.Line(),
		"column": cerr.Pos.Column(),
	}
}

// Error codes for failures outside the config and engine packages.
const (
	ErrCodeGeneric  = "E001" // Generic/unknown error
	ErrCodeScenario = "E020" // Scenario could not be loaded or run
	ErrCodeKey      = "E030" // Key row could not be parsed
)
