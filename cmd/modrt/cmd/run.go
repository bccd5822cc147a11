package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/GoCodeAlone/modrt"
	"github.com/GoCodeAlone/modrt/console"
	"github.com/GoCodeAlone/modrt/deploy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	deployDir   string
	watch       bool
	consoleAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the framework and run until interrupted",
		Long: `Boot the framework, install and start every descriptor in the deployment
directory and block until SIGINT or SIGTERM. With --watch, changes to the
directory are applied while running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFramework(cmd.Context(), cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.deployDir, "deploy", "d", "", "Directory of bundle descriptors to install")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Watch the deployment directory for changes")
	cmd.Flags().StringVar(&opts.consoleAddr, "console", "", "Listen address of the HTTP console, e.g. :8080")
	return cmd
}

func runFramework(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := root.config()
	if err != nil {
		return err
	}
	logger := root.logger(cmd.ErrOrStderr())
	fw, err := modrt.NewFramework(modrt.WithConfig(cfg), modrt.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if opts.deployDir != "" {
		w := deploy.NewWatcher(fw, opts.deployDir, deploy.WithAutoStart())
		if _, err := w.Scan(ctx); err != nil {
			logger.Warn("Some descriptors could not be deployed", "dir", opts.deployDir, "error", err)
		}
		if opts.watch {
			g.Go(func() error { return w.Run(gctx) })
		}
	}
	if opts.consoleAddr != "" {
		c := console.New(fw)
		g.Go(func() error {
			if err := c.Serve(gctx, opts.consoleAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	runErr := fw.Run(gctx)
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}
