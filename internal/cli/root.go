// Package cli is the command line front end of a POS terminal's sync engine.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"pos-sync-service/internal/client"
	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	ServerURL  string
	DataDir    string
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the terminal CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "posclient",
		Short: "Offline-first sync client for a POS terminal",
		Long: `Queue sales, stock and catalogue changes locally and sync them with
the POS sync server whenever it is reachable.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "sync server URL (overrides client.server_url)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "local data directory (overrides client.data_dir)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// loadConfig resolves the client configuration, with flags taking precedence.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.ServerURL != "" {
		cfg.Client.ServerURL = o.ServerURL
	}
	if o.DataDir != "" {
		cfg.Client.DataDir = o.DataDir
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEngine loads the config, sets up logging and opens the local stores.
// Callers own the returned engine and must Close it.
func (o *RootOptions) openEngine(ctx context.Context) (*client.Engine, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, nil, err
	}
	e, err := client.NewEngine(ctx, cfg.Client)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *Output {
	return &Output{Format: o.Format, Writer: cmd.OutOrStdout()}
}
