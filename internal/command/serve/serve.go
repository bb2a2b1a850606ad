package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdflags "inference-node/internal/command/flags"
	"inference-node/internal/config"
	"inference-node/internal/inject"
	"inference-node/pkg/api"
	"inference-node/pkg/flags"
	"inference-node/pkg/log"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a model: queue requests, batch them and run them on the assigned accelerators",
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return run(c.Context(), cfg)
		},
	}

	cmdflags.AddHTTPServerFlagsToCommand(cmd, cfg)
	cmdflags.AddModelFlagsToCommand(cmd, cfg)

	if err := cmdflags.AddAllocatorFlagsToCommand(cmd, cfg); err != nil {
		return nil, err
	}

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := log.GetLogger(ctx)

	node, _, err := inject.InitializeNode(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}
	defer func() {
		if err := node.Allocator.Close(); err != nil {
			logger.WithError(err).Warn("closing allocator")
		}
	}()

	ctx, stop := signal.NotifyContext(log.WithLogger(ctx, logger), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("model", node.Model.Name()).
		WithField("workers", node.Workers).
		Info("Starting inference node")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		node.Pool.Start(ctx, node.Workers)
		node.Pool.Wait()

		return nil
	})

	g.Go(func() error {
		logger.Infof("Starting HTTP server on %s", cfg.HTTPAPIEndpoint)

		if err := api.Serve(ctx, node.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Finished all tasks, exiting")

	return nil
}
