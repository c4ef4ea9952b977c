package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/upsert/internal/ir"
)

// KeyOptions holds flags for the key command.
type KeyOptions struct {
	*RootOptions
	Value      bool  // arguments form a full value row
	KeyIndices []int // key columns when Value is set
}

// KeyResult is the JSON form of a computed key.
type KeyResult struct {
	Key string `json:"key"`
	Row string `json:"row"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "key <datum>...",
		Short: "Print the upsert key of a row",
		Long: `Compute the content-addressed key of a row. Each argument is one
column, parsed as a YAML scalar: 42 is an integer, true a boolean,
null a null, {bytes: ff00} a byte string, and anything else a string.

By default the arguments are the key row itself. With --value they form a
full value row and the key columns are projected by --key-indices, which
yields the same key as the corresponding key row.

Examples:
  upsert key 1 alice
  upsert key --value --key-indices 0 1 alice '{bytes: ff}'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Value, "value", false, "treat arguments as a full value row")
	cmd.Flags().IntSliceVar(&opts.KeyIndices, "key-indices", nil, "key column positions for --value")

	return cmd
}

func runKey(opts *KeyOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	row, err := parseRow(args)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeKey, "invalid row", err)
	}

	var key ir.UpsertKey
	keyRow := row
	if opts.Value {
		if len(opts.KeyIndices) == 0 {
			return formatter.Fail(ExitCommandError, ErrCodeKey, "invalid flags",
				errors.New("--value requires --key-indices"))
		}
		for _, i := range opts.KeyIndices {
			if i < 0 || i >= len(row) {
				return formatter.Fail(ExitCommandError, ErrCodeKey, "invalid flags",
					fmt.Errorf("key index %d out of range for %d columns", i, len(row)))
			}
		}
		key = ir.FromValue(ir.Ok(row), opts.KeyIndices)
		keyRow = row.Project(ir.SortedIndices(opts.KeyIndices))
	} else {
		key = ir.FromKey(ir.Ok(row))
	}

	formatter.VerboseLog("key row %s", keyRow)
	if formatter.JSON() {
		return formatter.Success(KeyResult{Key: key.String(), Row: keyRow.String()})
	}
	fmt.Fprintln(cmd.OutOrStdout(), key.String())
	return nil
}

// parseRow parses each argument as a YAML scalar datum.
func parseRow(args []string) (ir.Row, error) {
	vals := make([]any, len(args))
	for i, arg := range args {
		var v any
		if err := yaml.Unmarshal([]byte(arg), &v); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		vals[i] = v
	}
	return ir.RowFromAny(vals)
}
