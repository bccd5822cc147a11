package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/GoCodeAlone/modrt"
	"github.com/GoCodeAlone/modrt/deploy"
	"github.com/spf13/cobra"
)

// NewResolveCommand creates the resolve command.
func NewResolveCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve DIR",
		Short: "Resolve the descriptors of a directory and print the wiring",
		Long: `Install every descriptor of DIR into a throwaway in-memory framework, resolve
them together and print each bundle's state and wires. Nothing is started and
nothing is persisted. The command fails when a bundle stays unresolved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return resolveDir(ctx, cmd.OutOrStdout(), root, args[0])
		},
	}
}

// ErrUnresolved is returned by resolve when a bundle could not be resolved.
var ErrUnresolved = errors.New("not every bundle resolved")

func resolveDir(ctx context.Context, out io.Writer, root *rootOptions, dir string) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	cfg.StorageDir = ""
	fw, err := modrt.NewFramework(modrt.WithConfig(cfg), modrt.WithLogger(root.logger(io.Discard)))
	if err != nil {
		return err
	}
	if err := fw.Init(ctx); err != nil {
		return err
	}
	defer fw.Stop(ctx)

	bundles, scanErr := deploy.NewWatcher(fw, dir).Scan(ctx)
	ok := fw.ResolveBundles(ctx, bundles...)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBUNDLE\tSTATE\tWIRES")
	for _, b := range bundles {
		fmt.Fprintf(tw, "%d\t%s\t%s\t", b.ID(), b.Revision(), b.State())
		if w := b.Wiring(); w != nil {
			for i, wire := range w.RequiredWires("") {
				if i > 0 {
					fmt.Fprint(tw, "\n\t\t\t")
				}
				fmt.Fprintf(tw, "%s -> %s", wire.Requirement.Namespace, wire.Provider)
			}
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}
	if !ok {
		return ErrUnresolved
	}
	return nil
}
