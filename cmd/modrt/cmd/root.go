package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/GoCodeAlone/modrt"
	"github.com/spf13/cobra"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("modrt v%s (commit: %s, built on: %s, framework %s)", Version, Commit, Date, modrt.FrameworkVersion)
}

type rootOptions struct {
	configFiles []string
	verbose     bool
}

// NewRootCommand creates the root command of the launcher.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "modrt",
		Short: "modrt - dynamic module runtime launcher",
		Long: `modrt boots a module runtime, installs bundle descriptors from a directory
and keeps them running until interrupted.`,
		Version:       PrintVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringSliceVarP(&opts.configFiles, "config", "c", nil, "Config files (yaml or toml), applied in order")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewConfigCommand())
	return cmd
}

func (o *rootOptions) logger(w io.Writer) modrt.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return modrt.NewSlogLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func (o *rootOptions) config() (*modrt.Config, error) {
	cfg, err := modrt.LoadConfig(o.configFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
