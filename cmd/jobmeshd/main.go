package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jobmesh/config"
	"jobmesh/crypto"
	"jobmesh/dispute"
	"jobmesh/escrow"
	"jobmesh/escrow/codec"
	"jobmesh/gateway"
	"jobmesh/identity"
	"jobmesh/jobs"
	"jobmesh/notify"
	"jobmesh/observability/logging"
	"jobmesh/verify"
)

// engineResolver lets the dispute registry hand binding outcomes back to the
// settlement engine without caring about the returned job snapshot.
type engineResolver struct {
	engine *jobs.Engine
}

func (r engineResolver) Resolve(ctx context.Context, jobID string, outcome codec.DisputeOutcome) error {
	_, err := r.engine.Resolve(ctx, jobID, outcome)
	return err
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the jobmeshd config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service:  "jobmeshd",
		Env:      cfg.Logging.Env,
		FilePath: cfg.Logging.FilePath,
		MaxSizeM: cfg.Logging.MaxSizeM,
		MaxFiles: cfg.Logging.MaxFiles,
	})

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, cfg.KeystorePass)
	if err != nil {
		logger.Error("load operator keystore", "path", cfg.OperatorKeystorePath, "err", err)
		os.Exit(1)
	}
	if cfg.GatewaySecret == "" {
		logger.Error("gateway secret missing", "env", config.EnvGatewaySecret)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	store, err := jobs.NewSQLiteStore(cfg.DatabaseFile)
	if err != nil {
		logger.Error("open job store", "path", cfg.DatabaseFile, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ledger, err := escrow.NewRPCClient(cfg.Ledger.RPCURL, cfg.NodeToken, operatorKey)
	if err != nil {
		logger.Error("dial ledger", "url", cfg.Ledger.RPCURL, "err", err)
		os.Exit(1)
	}

	identityClient, err := buildIdentityClient(cfg)
	if err != nil {
		logger.Error("configure identity client", "err", err)
		os.Exit(1)
	}

	remote, err := verify.NewRemoteCollaborators(cfg.Content.BaseURL)
	if err != nil {
		logger.Error("configure content client", "url", cfg.Content.BaseURL, "err", err)
		os.Exit(1)
	}
	var identityReader verify.IdentityReader
	if identityClient != nil {
		identityReader = identityClient
	}
	evaluator := verify.NewEvaluator(remote.Collaborators(identityReader))

	engine := jobs.NewEngine(store, ledger, evaluator)
	engine.SetLogger(logger)
	if identityReader != nil {
		engine.SetIdentity(identityReader)
	}
	engine.SetWindows(
		time.Duration(cfg.Windows.ReviewHours)*time.Hour,
		time.Duration(cfg.Windows.DisputeTimelockHours)*time.Hour,
		time.Duration(cfg.Windows.JobTTLHours)*time.Hour,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := notify.NewQueue(
		notify.WithTaskCapacity(cfg.Webhooks.QueueCapacity),
		notify.WithHistoryCapacity(cfg.Webhooks.HistoryCapacity),
		notify.WithTTL(time.Duration(cfg.Webhooks.TTLMinutes)*time.Minute),
	)
	engine.SetEmitter(queue)

	subscriptions := notify.NewRegistry()
	for _, endpoint := range cfg.Webhooks.Endpoints {
		subscriptions.Subscribe(notify.Subscription{URL: endpoint, Secret: cfg.WebhookSecret})
	}
	worker := notify.NewWorker(subscriptions, queue, notify.NewAttemptLog(512))
	worker.SetLogger(logger)
	go worker.Run(ctx)

	disputes, err := buildDisputeRegistry(cfg, engine, logger)
	if err != nil {
		logger.Error("configure dispute registry", "err", err)
		os.Exit(1)
	}
	if disputes != nil {
		go runDisputeSweep(ctx, disputes)
	}

	sweeper := jobs.NewSweeper(engine, time.Duration(cfg.Windows.SweepIntervalMinutes)*time.Minute)
	go sweeper.Run(ctx)

	gatewayStore, err := gateway.NewSQLiteStore(filepath.Join(cfg.DataDir, "gateway.db"))
	if err != nil {
		logger.Error("open gateway store", "err", err)
		os.Exit(1)
	}
	defer gatewayStore.Close()

	auth := gateway.NewAuthenticator(
		map[string]string{cfg.Gateway.APIKeyID: cfg.GatewaySecret},
		2*time.Minute,
		10*time.Minute,
		time.Now,
	)
	limiter := gateway.NewRateLimiter(map[string]gateway.RateLimit{
		"read":   {RequestsPerMinute: float64(cfg.Gateway.ReadPerMinute), Burst: cfg.Gateway.ReadPerMinute},
		"mutate": {RequestsPerMinute: float64(cfg.Gateway.MutatePerMinute), Burst: cfg.Gateway.MutatePerMinute},
	})

	server := gateway.NewServer(engine, disputes, auth, gatewayStore, limiter)
	server.SetLogger(logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress, "network", cfg.NetworkName, "operator", operatorKey.PubKey().Address().String())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("gateway serve", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", "err", err)
	}
}

func buildIdentityClient(cfg *config.Config) (*identity.Client, error) {
	if cfg.Identity.BaseURL == "" {
		return nil, nil
	}
	var pemBytes []byte
	switch {
	case cfg.IdentityKeyPEM != "":
		pemBytes = []byte(cfg.IdentityKeyPEM)
	case cfg.Identity.PublicKeyPath != "":
		b, err := os.ReadFile(cfg.Identity.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read identity public key: %w", err)
		}
		pemBytes = b
	default:
		return nil, fmt.Errorf("identity BaseURL set but no public key configured")
	}
	key, err := identity.ParsePublicKey(pemBytes)
	if err != nil {
		return nil, err
	}
	client, err := identity.NewClient(cfg.Identity.BaseURL, key)
	if err != nil {
		return nil, err
	}
	if cfg.Identity.CacheTTLSeconds > 0 {
		client.SetCacheTTL(time.Duration(cfg.Identity.CacheTTLSeconds) * time.Second)
	}
	return client, nil
}

func buildDisputeRegistry(cfg *config.Config, engine *jobs.Engine, logger *slog.Logger) (*dispute.Registry, error) {
	if len(cfg.Disputes.Arbitrators) == 0 {
		return nil, nil
	}
	pool := make(dispute.StaticPool, 0, len(cfg.Disputes.Arbitrators))
	for _, raw := range cfg.Disputes.Arbitrators {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("arbitrator %q: %w", raw, err)
		}
		pool = append(pool, dispute.Arbitrator{Address: addr, Weight: 1})
	}
	registry := dispute.NewRegistry(pool, engineResolver{engine: engine})
	registry.SetPanelSize(cfg.Disputes.PanelSize)
	registry.SetVotingWindow(time.Duration(cfg.Disputes.VotingWindowHours) * time.Hour)
	registry.SetLogger(logger)
	return registry, nil
}

func runDisputeSweep(ctx context.Context, registry *dispute.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = registry.CloseExpired(ctx)
		}
	}
}
