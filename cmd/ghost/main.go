package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EternisAI/overlord/internal/discovery"
	grpcclient "github.com/EternisAI/overlord/internal/grpc/client"
	grpctls "github.com/EternisAI/overlord/internal/grpc/tls"
	"github.com/EternisAI/overlord/internal/identity"
	"github.com/EternisAI/overlord/internal/modes"
)

var AppVersion string

func main() {
	configPath := InitConfig(parseFlags())

	slog.Info("Ghost", "version", AppVersion)

	mid, err := identity.EnsureMachineID(config.MachineID, configPath)
	if err != nil {
		// The id still works for this run; it just won't survive a restart.
		slog.Warn("Machine id not persisted", "machine_id", mid, "error", err)
	}

	clientCfg := grpcclient.Config{
		ServerAddress: config.Grpc.ServerAddress,
		MachineID:     mid,
		Properties:    loadProperties,
		PingInterval:  config.Link.PingInterval,
		Timeout:       config.Link.Timeout,
	}

	if config.Grpc.TLS.Enabled {
		tlsCfg := config.Grpc.TLS
		creds, err := grpctls.LoadClientCredentials(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile, tlsCfg.ServerName)
		if err != nil {
			slog.Error("Failed to load TLS credentials", "error", err)
			os.Exit(1)
		}
		clientCfg.Creds = creds
	}

	if clientCfg.ServerAddress == "" {
		prober := discovery.NewProber(config.Discovery.Port)
		clientCfg.Resolve = func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, config.Discovery.Timeout)
			defer cancel()
			return prober.Discover(ctx)
		}
		slog.Info("No server address configured, using discovery", "port", config.Discovery.Port)
	}

	runner := modes.New(config.Modes, slog.Default())
	client := grpcclient.NewClient(clientCfg, runner, slog.Default())
	if err := client.Start(); err != nil {
		slog.Error("Failed to start gRPC client", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			slog.Info("Reloading properties")
			if err := client.PushProperties(); err != nil {
				slog.Warn("Failed to push properties", "error", err)
			}
			continue
		}
		slog.Info("Received shutdown signal", "signal", sig)
		break
	}

	slog.Info("Shutting down...")
	if err := client.Stop(); err != nil {
		slog.Error("gRPC client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}

func loadProperties() map[string]any {
	props, err := identity.Properties(config.PropertiesFile, AppVersion)
	if err != nil {
		slog.Warn("Failed to load properties file", "path", config.PropertiesFile, "error", err)
	}
	return props
}
