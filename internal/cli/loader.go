package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/upsert/internal/config"
	"github.com/roach88/upsert/internal/harness"
)

// OperatorFlags are the operator settings shared by run and test. They
// override values from --config.
type OperatorFlags struct {
	Config     string
	Disk       bool
	ScratchDir string
	Workers    int
}

// register adds the flags to cmd.
func (f *OperatorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Config, "config", "c", "", "CUE operator configuration file")
	cmd.Flags().BoolVar(&f.Disk, "disk", false, "keep state on disk under --scratch-dir")
	cmd.Flags().StringVar(&f.ScratchDir, "scratch-dir", "", "scratch directory for disk state")
	cmd.Flags().IntVar(&f.Workers, "workers", 0, "number of workers (default from config or scenario)")
}

// resolve merges --config with explicitly set flags into harness options.
// The returned config is nil when no --config was given; otherwise its key
// indices and resume frontier apply to every scenario.
func (f *OperatorFlags) resolve(cmd *cobra.Command) (*config.Config, harness.Options, error) {
	var cfg *config.Config
	if f.Config != "" {
		loaded, err := config.Load(f.Config)
		if err != nil {
			return nil, harness.Options{}, err
		}
		cfg = loaded
	}

	var opts harness.Options
	if cfg != nil {
		opts.Disk = cfg.Disk
		opts.ScratchDir = cfg.ScratchDir
		opts.Workers = cfg.Workers
		opts.SourceID = cfg.SourceID
	}
	if cmd.Flags().Changed("disk") {
		opts.Disk = f.Disk
	}
	if cmd.Flags().Changed("scratch-dir") {
		opts.ScratchDir = f.ScratchDir
	}
	if cmd.Flags().Changed("workers") {
		opts.Workers = f.Workers
	}

	if cfg != nil {
		cfg.Disk, cfg.ScratchDir, cfg.Workers = opts.Disk, opts.ScratchDir, opts.Workers
		if err := cfg.Validate(); err != nil {
			return nil, harness.Options{}, err
		}
	}
	return cfg, opts, nil
}

// apply points a scenario at the configured key columns and resume
// frontier.
func apply(cfg *config.Config, scenario *harness.Scenario) {
	if cfg == nil {
		return
	}
	scenario.KeyIndices = cfg.KeyIndices
	scenario.ResumeUpper = cfg.ResumeUpper
}
