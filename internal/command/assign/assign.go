package assign

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	cmdflags "inference-node/internal/command/flags"
	"inference-node/internal/config"
	"inference-node/internal/inject"
	"inference-node/pkg/flags"
	"inference-node/pkg/log"
)

const (
	workerFlag   = "worker"
	restartsFlag = "restarts"
)

// NewCommand returns a command that runs allocation rounds against the
// local accelerators and prints the resulting device state.
func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	var (
		workers  []string
		restarts int
	)

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign accelerators to workers and print the allocator state",
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return run(c, cfg, workers, restarts)
		},
	}

	cmd.Flags().StringSliceVar(&workers, workerFlag, []string{"W-0"}, "The workers to assign.")
	cmd.Flags().IntVar(&restarts, restartsFlag, 0, "How many times every worker asks again, as after a failure.")

	if err := cmdflags.AddAllocatorFlagsToCommand(cmd, cfg); err != nil {
		return nil, err
	}

	return cmd, nil
}

func run(cmd *cobra.Command, cfg *config.Config, workers []string, restarts int) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	allocator, err := inject.InitializeAllocator(cfg, prometheus.NewRegistry(), log.GetLogger(ctx))
	if err != nil {
		return fmt.Errorf("initializing allocator: %w", err)
	}
	defer allocator.Close()

	for round := 0; round <= restarts; round++ {
		for _, worker := range workers {
			device := allocator.Assign(ctx, worker)
			fmt.Fprintf(cmd.OutOrStdout(), "round %d: %s -> %d\n", round, worker, device)
		}
	}

	out, err := yaml.Marshal(allocator.Snapshot())
	if err != nil {
		return fmt.Errorf("marshalling allocator state: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}
