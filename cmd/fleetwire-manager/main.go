// Command fleetwire-manager runs the orchestrator side of fleetwire: it
// accepts agent connections, tracks host status and dispatches commands.
//
// Usage:
//
//	fleetwire-manager serve [flags]
//	fleetwire-manager config [flags]
//
// Examples:
//
//	# Serve two data centers with an operator console
//	fleetwire-manager serve --data-center dc1 --data-center dc2 --console
//
//	# Require signed handshakes and keep history in SQLite
//	fleetwire-manager serve --cluster-key $KEY --persistence sqlite --state-path hosts.db
//
//	# Print the effective configuration
//	fleetwire-manager config --config /etc/fleetwire/manager.yaml
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fleetwire/fleetwire/cmd/fleetwire-manager/interactive"
	"github.com/fleetwire/fleetwire/internal/config"
	"github.com/fleetwire/fleetwire/internal/logging"
	"github.com/fleetwire/fleetwire/pkg/service"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "fleetwire-manager",
		Short:         "Fleetwire agent manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: manager.yaml in ., $HOME/.fleetwire, /etc/fleetwire)")
	config.BindObservabilityFlags(root, v)

	root.AddCommand(serveCmd(v, &configFile), configCmd(v, &configFile))
	return root
}

func serveCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept agents and dispatch commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadManager(v, *configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, console)
		},
	}
	config.BindManagerFlags(cmd, v)
	cmd.Flags().BoolVar(&console, "console", false, "run the interactive operator console")
	return cmd
}

func configCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadManager(v, *configFile)
			if err != nil {
				return err
			}
			out, err := config.YAML(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	config.BindManagerFlags(cmd, v)
	return cmd
}

func serve(parent context.Context, cfg config.ManagerConfig, withConsole bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		console *interactive.Console
		logOut  io.Writer = os.Stderr
	)
	if withConsole {
		c, err := interactive.New()
		if err != nil {
			return err
		}
		defer c.Close()
		console = c
		logOut = c.Stdout()
	}
	logger := logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat, logOut)

	svc, err := service.NewManagerService(cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("manager started", "addr", svc.Addr(), "manager_id", cfg.ManagerID, "data_centers", cfg.DataCenters)

	if console != nil {
		if err := console.Attach(svc); err != nil {
			_ = svc.Stop()
			return err
		}
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return svc.Stop()
}
