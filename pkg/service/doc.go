// Package service assembles the fleetwire components into runnable
// services.
//
// # ManagerService
//
// ManagerService is the orchestrator side. It owns:
//   - the host state machine and its persistence mirror
//   - the listener registry, with the handshake verifier and metrics
//     listeners installed
//   - the command dispatcher and its transport gateway
//   - the callback framework for asynchronous continuations
//   - the mDNS advertisement and the metrics endpoint
//
// Example usage:
//
//	cfg, _ := config.LoadManager(viper.New(), "")
//	svc, err := service.NewManagerService(cfg, logger)
//	svc.Start(ctx)
//	defer svc.Stop()
//
//	answers, err := svc.Dispatcher().Send(ctx, "host-1", wire.NewCommand(payload))
//
// # AgentService
//
// AgentService is a host agent. It dials the manager (or finds it over
// mDNS), sends a signed handshake, answers pings and executes commands
// with a CommandHandler. A lost connection is retried with backoff.
package service
