package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "drain",
		Short:        "Submit every queued operation once",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, _, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			e.CheckConnectivity(ctx)
			res, err := e.DrainNow(ctx)
			if err != nil {
				return err
			}
			return opts.output(cmd).Print(res, func(w io.Writer) {
				if res.Skipped {
					fmt.Fprintln(w, "Drain skipped: server unreachable")
					return
				}
				fmt.Fprintf(w, "Attempted %d: %d synced, %d conflicts, %d rejected, %d retried, %d evicted\n",
					res.Attempted, res.Synced, res.Conflicts, res.Rejected, res.Retried, res.Evicted)
				if res.Halted {
					fmt.Fprintln(w, "Stopped early: connectivity lost")
				}
			})
		},
	}
}

// NewPullCommand creates the pull command.
func NewPullCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "pull",
		Short:        "Fetch server changes since the last pull",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, _, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Pull(ctx)
			if err != nil {
				return err
			}
			return opts.output(cmd).Print(res, func(w io.Writer) {
				fmt.Fprintf(w, "Pulled %d changes in %d pages, watermark %s\n",
					res.Changes, res.Pages, res.Watermark.Format("2006-01-02T15:04:05.000Z07:00"))
			})
		},
	}
}
