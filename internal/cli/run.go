package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pos-sync-service/internal/client"
	"pos-sync-service/internal/logger"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the terminal in sync until interrupted",
		Long: `Run the sync loops in the foreground: connectivity checks, periodic
queue drains and pulls on reconnect or on server change notices.
Events are printed as they happen; use --format json for one JSON
object per line.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, opts, cmd.OutOrStdout())
		},
	}
}

func runEngine(ctx context.Context, opts *RootOptions, w io.Writer) error {
	e, cfg, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var mu sync.Mutex
	unsubscribe := e.Subscribe(func(ev client.Event) {
		mu.Lock()
		defer mu.Unlock()
		printEvent(w, opts.Format, ev)
	})
	defer unsubscribe()

	if err := e.Start(ctx); err != nil {
		return err
	}
	logger.Log.Info("Terminal sync running",
		zap.String("clientId", e.ClientID()),
		zap.String("server", cfg.Client.ServerURL),
		zap.Duration("drainInterval", cfg.Client.DrainInterval),
	)

	<-ctx.Done()
	logger.Log.Info("Stopping terminal sync")
	e.Stop()
	return nil
}

func printEvent(w io.Writer, format string, ev client.Event) {
	if format != "text" {
		// One object per line keeps the stream greppable.
		_ = json.NewEncoder(w).Encode(ev)
		return
	}
	line := fmt.Sprintf("%s %-10s", ev.At.Format(time.TimeOnly), ev.Kind)
	switch {
	case ev.Kind == client.EventState:
		line += " " + string(ev.State)
	case ev.Op != nil:
		line += fmt.Sprintf(" %s %s", ev.Op.Method, ev.Op.Resource)
	case ev.Entity != "":
		line += " " + string(ev.Entity)
	}
	if ev.ServerID != "" {
		line += " -> " + ev.ServerID
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	fmt.Fprintln(w, line)
}
