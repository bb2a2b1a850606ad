package command

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inference-node/internal/command/assign"
	"inference-node/internal/command/serve"
	"inference-node/internal/config"
	"inference-node/internal/version"
	"inference-node/pkg/defaults"
	"inference-node/pkg/flags"
	"inference-node/pkg/log"
)

func NewRootCommand() (*cobra.Command, error) {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "inferd",
		Short: "inferd - model inference node",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.BindCommandToViper(cmd)

			if err := log.Configure(&cfg.Logging); err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}

			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	log.AddFlagsToCommand(cmd, &cfg.Logging)

	if err := addRootSubCommands(cmd, cfg); err != nil {
		return nil, fmt.Errorf("adding subcommands: %w", err)
	}

	cobra.OnInitialize(initCobra)

	return cmd, nil
}

func initCobra() {
	viper.SetEnvPrefix("INFERD")
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath(defaults.ConfigurationDir)

	_ = viper.ReadInConfig()
}

func addRootSubCommands(cmd *cobra.Command, cfg *config.Config) error {
	serveCmd, err := serve.NewCommand(cfg)
	if err != nil {
		return fmt.Errorf("creating serve command: %w", err)
	}

	assignCmd, err := assign.NewCommand(cfg)
	if err != nil {
		return fmt.Errorf("creating assign command: %w", err)
	}

	cmd.AddCommand(serveCmd)
	cmd.AddCommand(assignCmd)
	cmd.AddCommand(versionCommand())

	return nil
}

func versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of inferd",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				long, short bool
				err         error
			)

			if long, err = cmd.Flags().GetBool("long"); err != nil {
				return err
			}

			if short, err = cmd.Flags().GetBool("short"); err != nil {
				return err
			}

			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)

				return nil
			}

			if long {
				fmt.Fprintf(
					cmd.OutOrStdout(),
					"%s\n  Version:    %s\n  CommitHash: %s\n  BuildDate:  %s\n",
					version.PackageName,
					version.Version,
					version.CommitHash,
					version.BuildDate,
				)

				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.PackageName, version.Version)

			return nil
		},
	}

	_ = cmd.Flags().Bool("long", false, "Print long version information")
	_ = cmd.Flags().Bool("short", false, "Print short version information")

	return cmd
}
