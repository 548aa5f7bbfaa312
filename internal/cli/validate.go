package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/govern/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	File      string   `json:"file"`
	Valid     bool     `json:"valid"`
	Problems  []string `json:"problems,omitempty"`
	Schedules int      `json:"schedules"`
	LogLevel  string   `json:"log_level,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.cue>",
		Short: "Validate an engine configuration",
		Long: `Validate a CUE engine configuration against the schema.

GOVERN_ environment overrides are applied before the checks that must hold
after them (positive ceilings, chunk size bounds, cron expressions).

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid
  2 - Command error (file not found)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if _, err := os.Stat(path); err != nil {
		if opts.Format == "json" {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("config file not found: %s", path), nil, nil, nil)
		}
		return WrapExitError(ExitCommandError, "config file not found", err)
	}
	formatter.VerboseLog("Validating %s", path)

	cfg, err := config.Load(path)
	if err != nil {
		result := ValidationResult{File: path}
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			result.Problems = cfgErr.Problems
		} else {
			result.Problems = []string{err.Error()}
		}
		return formatter.Fail(ExitFailure, ErrCodeConfigInvalid,
			fmt.Sprintf("%s: %d problem(s)", path, len(result.Problems)),
			result, nil, func(w io.Writer) {
				fmt.Fprintf(w, "✗ %s\n", path)
				for _, p := range result.Problems {
					fmt.Fprintf(w, "  %s\n", p)
				}
			})
	}

	result := ValidationResult{
		File:      path,
		Valid:     true,
		Schedules: len(cfg.Schedules),
		LogLevel:  cfg.Log.Level,
	}
	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
		fmt.Fprintf(w, "  sync:  queries=%d mutations=%d cpuMillis=%d heapBytes=%d\n",
			cfg.Sync.Queries, cfg.Sync.Mutations, cfg.Sync.CPUMillis, cfg.Sync.HeapBytes)
		fmt.Fprintf(w, "  async: queries=%d mutations=%d cpuMillis=%d heapBytes=%d\n",
			cfg.Async.Queries, cfg.Async.Mutations, cfg.Async.CPUMillis, cfg.Async.HeapBytes)
		fmt.Fprintf(w, "  schedules: %d\n", len(cfg.Schedules))
	})
}
