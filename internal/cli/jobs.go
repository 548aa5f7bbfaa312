package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/store"
)

// JobsOptions holds flags for the jobs command.
type JobsOptions struct {
	*RootOptions
	DB       string
	State    string
	Strategy string
	Parent   string
	Limit    int
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded jobs from a ledger database",
		Long: `List terminal job snapshots recorded in a SQLite job ledger, ordered by
finish time.

Examples:
  govern jobs --db ./govern.db
  govern jobs --db ./govern.db --state failed
  govern jobs --db ./govern.db --strategy chainable --parent job-1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the SQLite ledger (required)")
	cmd.Flags().StringVar(&opts.State, "state", "", "only jobs in this state")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "only jobs of this strategy")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "only successors of this job ID")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of jobs (0 means all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runJobs(opts *JobsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	if _, err := os.Stat(opts.DB); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.DB), nil, nil, nil)
	}

	st, err := store.Open(opts.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "open database", nil, err.Error(), nil)
	}
	defer st.Close()

	list, err := st.ListJobs(cmd.Context(), store.JobFilter{
		State:    jobs.State(opts.State),
		Strategy: jobs.Strategy(opts.Strategy),
		ParentID: opts.Parent,
		Limit:    opts.Limit,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "list jobs", nil, err.Error(), nil)
	}
	formatter.VerboseLog("Found %d job(s) in %s", len(list), opts.DB)

	return formatter.Success(map[string]any{"jobs": list, "total": len(list)}, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No jobs found.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTRATEGY\tSTATE\tPARENT\tFINISHED\tERROR")
		for _, j := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Name, j.Strategy, j.State, dash(j.ParentID),
				j.FinishedAt.UTC().Format(time.RFC3339), dash(j.Error))
		}
		tw.Flush()
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
