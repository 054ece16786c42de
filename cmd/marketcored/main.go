package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketcore/config"
	"marketcore/core"
	"marketcore/core/events"
	"marketcore/core/state"
	"marketcore/observability/logging"
	"marketcore/rpc"
	"marketcore/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "./config.toml", "path to the service configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("marketcored", cfg.Env)

	authority, err := cfg.ScheduleAuthorityAddress()
	if err != nil {
		return fmt.Errorf("parse schedule authority: %w", err)
	}
	feeReceiver, err := cfg.FeeReceiverAddress()
	if err != nil {
		return fmt.Errorf("parse fee receiver: %w", err)
	}
	loyaltyCollection, err := cfg.LoyaltyCollectionID()
	if err != nil {
		return fmt.Errorf("parse loyalty collection: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	node := core.NewNode(state.NewManager(db), core.NodeConfig{
		ScheduleAuthority: authority,
		FeeReceiver:       feeReceiver,
		LoyaltyCollection: loyaltyCollection,
	})
	node.SetEmitter(events.NewLogEmitter(logger))

	rpcServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpc.NewServer(node, cfg.RPCAuthToken),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("rpc listening", "address", cfg.RPCAddress)
		errCh <- rpcServer.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		errCh <- metricsServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rpcServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
	return nil
}
