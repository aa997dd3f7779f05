package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fpt/klein-relay/internal/config"
	"github.com/fpt/klein-relay/internal/plugins"
	"github.com/fpt/klein-relay/internal/relay"
	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "klein-relay - a plugin based chat relay",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newPluginsCmd(), newSchemaCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay with the plugins from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				if _, err := pkgLogger.ParseLevel(logLevel); err != nil {
					return err
				}
				cfg.LogLevel = logLevel
			}

			// stdout belongs to the console transport
			logger := setupLogging(pkgLogger.LogLevel(cfg.LogLevel), os.Stderr)

			core := relay.NewCore(cfg.CoreConfig(), logger)
			reg := relay.NewRegistry()
			plugins.RegisterAll(reg)

			built, err := config.Build(core, reg, cfg, nil)
			if err != nil {
				return err
			}
			for _, p := range built {
				if err := core.AddPlugin(p); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Message("Shutting down")
				core.Stop()
			}()

			logger.Message("Starting relay", "config", cfg.Source(), "plugins", len(built))
			if err := core.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("relay stopped: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the relay config (default: $HOME/.klein/relay/config.yaml)")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, verbose, message, warning, error); overrides the config")
	return cmd
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the available plugin types",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			reg := relay.NewRegistry()
			plugins.RegisterAll(reg)
			for _, name := range reg.Types() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-14s %s\n", name, reg.Description(name))
			}
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <type>",
		Short: "Print the JSON schema of a plugin type's config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := relay.NewRegistry()
			plugins.RegisterAll(reg)
			schema, err := reg.Schema(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

// setupLogging installs the process-wide logger and returns it for the
// core, so every component logs through the same log file handle.
func setupLogging(level pkgLogger.LogLevel, w io.Writer) *pkgLogger.Logger {
	pkgLogger.SetGlobalLoggerWithConsoleWriter(level, w)
	return pkgLogger.Default
}
