// Command fleetwire-agent is a host agent. It connects to a manager,
// answers its pings and executes the commands it sends.
//
// The built-in handler echoes each payload after --answer-delay, which is
// enough to exercise dispatch timeouts and reconnects against a manager.
//
// Usage:
//
//	fleetwire-agent --manager 10.0.0.5:7400 --host-id hv-01 --data-center dc1
//	fleetwire-agent --mdns --host-id hv-02 --data-center dc1 --hypervisor kvm
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

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

	cmd := &cobra.Command{
		Use:           "fleetwire-agent",
		Short:         "Fleetwire host agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: agent.yaml in ., $HOME/.fleetwire, /etc/fleetwire)")
	config.BindObservabilityFlags(cmd, v)
	config.BindAgentFlags(cmd, v)
	return cmd
}

func run(parent context.Context, cfg config.AgentConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr).
		With("host_id", cfg.HostID)

	svc, err := service.NewAgentService(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("agent started", "manager", cfg.ManagerAddr, "data_center", cfg.DataCenterID, "hypervisor", cfg.HypervisorType)

	<-ctx.Done()
	logger.Info("shutting down", "handled", svc.Handled())
	return svc.Stop()
}
