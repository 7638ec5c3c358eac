package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bellmanhq/bellman/pkg/api"
	"github.com/bellmanhq/bellman/pkg/broker"
	"github.com/bellmanhq/bellman/pkg/config"
	"github.com/bellmanhq/bellman/pkg/dispatch"
	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/execlog"
	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/registry"
	"github.com/bellmanhq/bellman/pkg/store"
	"github.com/bellmanhq/bellman/pkg/wire"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the Bellman coordinator: the HTTP API, the handler registration
endpoint, the schedule planner and the dispatch worker pool. With a redis
address configured, the coordinator also joins the cluster event broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deployments, _ := cmd.Flags().GetString("deployments")

		cfg, err := config.Load(deployments)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
			cfg.HTTPAddr = v
		}
		if v, _ := cmd.Flags().GetString("reg-addr"); v != "" {
			cfg.RegistryAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
			cfg.RedisAddr = v
		}

		return runCoordinator(cfg)
	},
}

func init() {
	serveCmd.Flags().String("http-addr", "", "HTTP API listen address")
	serveCmd.Flags().String("reg-addr", "", "handler registration listen address")
	serveCmd.Flags().String("data-dir", "", "schedule database directory")
	serveCmd.Flags().String("redis-addr", "", "redis address for the cluster broker")
	serveCmd.Flags().String("deployments", "", "deployments file selected by BELLMAN_DEPLOYMENT")
}

func runCoordinator(cfg *config.Config) error {
	logOut := os.Stdout
	jsonOut := false
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
		jsonOut = true
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: jsonOut,
		Output:     logOut,
	})
	logger := log.WithComponent("coordinator")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := registry.NewRegistry(cfg.RegistryFile, wire.ClientOptions{AutoReconnect: true})
	if err != nil {
		return err
	}
	defer reg.CloseAll()

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	execLog := execlog.New(execlog.DefaultMaxRecords)

	instanceID := uuid.New().String()
	engine := dispatch.NewEngine(dispatch.DefaultConfig(instanceID), st, reg, execLog, bus)
	engine.Start()

	regServer := registry.NewServer(reg, bus)
	go func() {
		if err := regServer.Start(cfg.RegistryAddr); err != nil {
			logger.Error().Err(err).Msg("registration server failed")
		}
	}()

	var clusterBroker *broker.Broker
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		clusterBroker, err = broker.NewBroker(ctx, broker.Config{
			RedisAddr:         cfg.RedisAddr,
			InstanceID:        instanceID,
			PID:               os.Getpid(),
			Address:           cfg.HTTPAddr,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, bus)
		cancel()
		if err != nil {
			return err
		}
		clusterBroker.Start(context.Background())
	}

	apiServer := api.NewServer(st, reg, engine, execLog, bus)
	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(cfg.HTTPAddr)
	}()

	logger.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("reg_addr", cfg.RegistryAddr).
		Str("instance_id", instanceID).
		Msg("coordinator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	// Drain order: stop taking API work, stop claiming schedules, finish
	// in-flight jobs, then announce departure and release everything
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(shutdownCtx)
	engine.Stop()
	_ = regServer.Shutdown(shutdownCtx)
	if clusterBroker != nil {
		clusterBroker.Stop(shutdownCtx)
	}

	logger.Info().Msg("coordinator stopped")
	return nil
}
