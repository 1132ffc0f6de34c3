package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pos-sync-service/internal/client"
	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/model"
)

// StatusResult is the terminal's sync state.
type StatusResult struct {
	ClientID  string                   `json:"clientId"`
	Server    string                   `json:"server"`
	Online    bool                     `json:"online"`
	State     client.State             `json:"state"`
	QueueSize int                      `json:"queueSize"`
	Watermark *time.Time               `json:"watermark,omitempty"`
	Pending   []*queue.QueuedOperation `json:"pending"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show connectivity, queue and pull watermark",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, cfg, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			pending, err := e.PendingOperations(ctx)
			if err != nil {
				return err
			}
			res := StatusResult{
				ClientID:  e.ClientID(),
				Server:    cfg.Client.ServerURL,
				Online:    e.CheckConnectivity(ctx),
				State:     e.State(),
				QueueSize: len(pending),
				Pending:   pending,
			}
			wm, err := e.Watermark(ctx)
			if err != nil {
				return err
			}
			if !wm.IsZero() {
				res.Watermark = &wm
			}

			return opts.output(cmd).Print(res, func(w io.Writer) {
				online := "offline"
				if res.Online {
					online = "online"
				}
				fmt.Fprintf(w, "Client %s (%s, %s)\n", res.ClientID, res.Server, online)
				if res.Watermark != nil {
					fmt.Fprintf(w, "Last pull: %s\n", res.Watermark.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "Queued operations: %d\n", res.QueueSize)
				if len(pending) == 0 {
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMETHOD\tRESOURCE\tRETRIES\tENQUEUED")
				for _, op := range pending {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Method, op.Resource, op.RetryCount, op.EnqueuedAt.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}
}

// NewCacheCommand creates the cache command.
func NewCacheCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "cache <entity>",
		Short:        "Print the cached collection of an entity",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := model.ParseEntity(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, _, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			snap, err := e.CachedCollection(ctx, entity)
			if err != nil {
				return err
			}
			return opts.output(cmd).Print(snap, func(w io.Writer) {
				if snap.Empty() {
					fmt.Fprintf(w, "No cached %s records\n", entity)
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tVERSION\tUPDATED\tDATA")
				for _, r := range snap.Records {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.ID, r.Version, r.UpdatedAt.Format(time.RFC3339), r.Data)
				}
				tw.Flush()
			})
		},
	}
}
