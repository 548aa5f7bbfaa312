package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govern/internal/harness"
)

// NewHandlersCommand creates the handlers command.
func NewHandlersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "handlers",
		Short:         "List the handlers scenarios can wire",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := harness.HandlerNames()
			return newFormatter(rootOpts, cmd).Success(map[string]any{"handlers": names}, func(w io.Writer) {
				for _, name := range names {
					fmt.Fprintln(w, name)
				}
			})
		},
	}
}
