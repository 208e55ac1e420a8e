package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drksbr/relaytun/internal/agent"
	"github.com/drksbr/relaytun/internal/relay"
	"github.com/drksbr/relaytun/internal/runtime"
	"github.com/drksbr/relaytun/internal/sshproxy"
	"github.com/drksbr/relaytun/internal/version"
)

// Execute runs the root command. Subcommands stop when ctx is cancelled.
func Execute(ctx context.Context) error {
	opts := &runtime.Options{
		LogLevel: "info",
		EnvFile:  ".env",
	}
	return newRootCommand(opts).ExecuteContext(ctx)
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relaytun",
		Short:        "Expose local HTTP services through a WebSocket relay tunnel",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.LoadEnv(); err != nil {
				return err
			}
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", opts.EnvFile, "dotenv file loaded before reading RELAYTUN_* variables")

	cmd.AddCommand(relay.NewCommand(opts))
	cmd.AddCommand(agent.NewCommand(opts))
	cmd.AddCommand(sshproxy.NewCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
