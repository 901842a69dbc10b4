// dexsync serves cached on-chain reads and orchestrates multi-step
// transactions for a DeFi UI over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gateway-fm/dexsync/internal/account"
	"github.com/gateway-fm/dexsync/internal/chain"
	"github.com/gateway-fm/dexsync/internal/config"
	"github.com/gateway-fm/dexsync/internal/invalidator"
	"github.com/gateway-fm/dexsync/internal/metrics"
	"github.com/gateway-fm/dexsync/internal/ratelimit"
	"github.com/gateway-fm/dexsync/internal/rpc"
	"github.com/gateway-fm/dexsync/internal/session"
	"github.com/gateway-fm/dexsync/internal/storage"
	"github.com/gateway-fm/dexsync/internal/transport"
	"github.com/gateway-fm/dexsync/internal/txqueue"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Setup logger
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dexsync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.Logger = logger.With("component", "rpc")
	client := rpc.NewHTTPClient(rpcCfg)

	var limiter *ratelimit.Limiter
	if cfg.ReadRPS > 0 {
		limiter = ratelimit.New(float64(cfg.ReadRPS))
		logger.Info("rpc read budget enabled", "rps", limiter.Rate())
	}
	reader := chain.NewReader(chain.ReaderConfig{
		Client:   client,
		Limiter:  limiter,
		Observer: m,
		Logger:   logger.With("component", "reader"),
	})

	submitter, err := newSubmitter(ctx, cfg, client, m, logger)
	if err != nil {
		return err
	}

	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqlite, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initialize storage at %s: %w", cfg.DatabasePath, err)
		}
		defer sqlite.Close()
		store = sqlite
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	} else {
		logger.Info("history disabled")
	}

	hub := transport.NewHub(logger.With("component", "ws"))
	hub.Start()
	defer hub.Stop()

	sessCfg := session.Config{
		Catalog:               chain.DefaultCatalog(reader),
		Store:                 store,
		AllowDuplicateFetches: cfg.AllowDuplicateFetches,
		MaxConcurrentFetches:  cfg.MaxFetches,
		Metrics:               m,
		Observers:             []txqueue.Observer{hub},
		Refetchers:            []invalidator.Refetcher{hub},
		Logger:                logger,
	}
	// A nil *Wallet stored in the interface would not read as read-only.
	if submitter != nil {
		sessCfg.Submitter = submitter
	}
	sess, err := session.New(sessCfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	hub.SetSnapshotFunc(func() (txqueue.Snapshot, bool) {
		snap, err := sess.Queue()
		return snap, err == nil
	})
	hub.SetFieldWatcher(sess)

	server := transport.NewServer(transport.ServerConfig{
		API:                sess,
		Health:             transport.NewRPCHealthChecker(client, uint64(cfg.ChainID)),
		Hub:                hub,
		Metrics:            reg,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger.With("component", "http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr, "read_only", submitter == nil)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	return nil
}

// newSubmitter creates the signing wallet, or returns nil when no key is
// configured.
func newSubmitter(ctx context.Context, cfg *config.Config, client rpc.Client, m *metrics.Metrics, logger *slog.Logger) (*chain.Wallet, error) {
	if cfg.ReadOnly() {
		logger.Info("no private key configured, running read-only")
		return nil, nil
	}

	acc, err := account.NewAccountFromHex(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		idCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		chainID, err = client.ChainID(idCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	var feeCap *big.Int
	if cfg.GasFeeCap > 0 {
		feeCap = big.NewInt(cfg.GasFeeCap)
	}
	wallet, err := chain.NewWallet(chain.WalletConfig{
		Client:              client,
		Account:             acc,
		ChainID:             chainID,
		GasLimit:            cfg.GasLimit,
		GasTipCap:           big.NewInt(cfg.GasTipCap),
		GasFeeCap:           feeCap,
		Legacy:              cfg.LegacyTx,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		Observer:            m,
		Logger:              logger.With("component", "wallet"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("signer ready", "address", wallet.Address().Hex(), "chain_id", chainID.String())
	return wallet, nil
}
