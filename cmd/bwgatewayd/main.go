package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bwgateway/chain"
	"bwgateway/config"
	"bwgateway/models"
	"bwgateway/observability/logging"
	"bwgateway/observability/metrics"
	"bwgateway/proposal"
	"bwgateway/provider"
	"bwgateway/reaper"
	"bwgateway/rpc"
	"bwgateway/whitelist"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "bwgateway.toml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("bwgateway", cfg.Environment)

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}

	signer, err := chain.NewKeySigner(cfg.ProviderWIF, cfg.ProviderPublicKey)
	if err != nil {
		log.Fatalf("provider key: %v", err)
	}
	node := chain.NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken, cfg.ExternalCallTimeout.Std())

	wl := whitelist.NewService(whitelist.Config{
		DB:                  db,
		Cache:               whitelist.NewCache(logger),
		Registration:        whitelist.NewRPCRegistrationClient(cfg.RegistrationURL, cfg.ExternalCallTimeout.Std()),
		Blacklist:           whitelist.NewRPCBlacklistClient(cfg.ContentURL, cfg.ExternalCallTimeout.Std()),
		RequireRegistration: cfg.RegistrationEnabled,
		Logger:              logger,
	})

	bandwidth := provider.NewService(provider.Config{
		Node:   node,
		Signer: signer,
		Validator: provider.NewValidator(provider.Policy{
			SystemAccount:      cfg.SystemAccount,
			DelegationAction:   cfg.DelegationAction,
			ProviderAccount:    cfg.ProviderAccount,
			ProviderPermission: cfg.ProviderPermission,
			AllowedContracts:   cfg.AllowedContracts,
		}),
		Authorizer: wl,
		Audit:      provider.NewAuditRecorder(db, logger),
		Logger:     logger,
	})

	methodPairs, err := cfg.ProposalMethodPairs()
	if err != nil {
		log.Fatalf("proposal methods: %v", err)
	}
	allowedMethods := make([]proposal.Method, 0, len(methodPairs))
	for _, pair := range methodPairs {
		allowedMethods = append(allowedMethods, proposal.Method{Contract: pair[0], Name: pair[1]})
	}
	proposals := proposal.NewService(proposal.Config{
		DB:             db,
		Pipeline:       bandwidth,
		Usernames:      wl,
		AllowedMethods: allowedMethods,
		Logger:         logger,
	})

	gatewayMetrics := metrics.Gateway()

	sweeper := reaper.New(reaper.Config{
		Cache:            wl.Cache(),
		Proposals:        proposals,
		ChannelTTL:       cfg.ChannelTTL.Std(),
		CacheInterval:    cfg.CacheCleanupInterval.Std(),
		ProposalInterval: cfg.ProposalReaperInterval.Std(),
		Metrics:          gatewayMetrics,
		Logger:           logger,
	})
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go sweeper.Run(reaperCtx)

	rpcServer := rpc.NewServer(rpc.Config{
		Bandwidth: bandwidth,
		Proposals: proposals,
		Whitelist: wl,
		AuthToken: cfg.RPCAuthToken,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Metrics:   gatewayMetrics,
		Logger:    logger,
	})

	router := chi.NewRouter()
	router.Method(http.MethodPost, "/", otelhttp.NewHandler(rpcServer, "bandwidth-rpc"))
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	go func() {
		logger.Info("bandwidth gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down bandwidth gateway")
	stopReaper()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// openDatabase prefers postgres and falls back to a local sqlite file for
// single-node deployments.
func openDatabase(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return gorm.Open(sqlite.Open("bwgateway.db"), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}
