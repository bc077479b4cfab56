package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdictstack/verdict-engine/internal/api"
	"github.com/verdictstack/verdict-engine/internal/cache"
	"github.com/verdictstack/verdict-engine/internal/config"
	"github.com/verdictstack/verdict-engine/internal/detector"
	"github.com/verdictstack/verdict-engine/internal/evidence"
	"github.com/verdictstack/verdict-engine/internal/metrics"
	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/orchestrator"
	"github.com/verdictstack/verdict-engine/internal/policy"
	"github.com/verdictstack/verdict-engine/internal/reputation"
	"github.com/verdictstack/verdict-engine/internal/service"
	"github.com/verdictstack/verdict-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging)
	logger.Info("starting verdict-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	signer, err := reputation.NewSigner([]byte(cfg.Reputation.SecretKey))
	if err != nil {
		logger.Error("invalid signing key", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open reputation store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	engine := reputation.NewEngine(reputation.Options{
		LearningRate:        cfg.Reputation.LearningRate,
		Prior:               cfg.Reputation.Prior,
		ScoreTauHours:       cfg.Reputation.ScoreTauHours,
		SupportTauHours:     cfg.Reputation.SupportTauHours,
		PromoteBadScore:     cfg.Reputation.Hysteresis.PromoteBadScore,
		PromoteBadSupport:   cfg.Reputation.Hysteresis.PromoteBadSupport,
		DemoteBadScore:      cfg.Reputation.Hysteresis.DemoteBadScore,
		DemoteBadSupport:    cfg.Reputation.Hysteresis.DemoteBadSupport,
		PromoteGoodScore:    cfg.Reputation.Hysteresis.PromoteGoodScore,
		PromoteGoodSupport:  cfg.Reputation.Hysteresis.PromoteGoodSupport,
		DemoteGoodScore:     cfg.Reputation.Hysteresis.DemoteGoodScore,
		DemoteGoodSupport:   cfg.Reputation.Hysteresis.DemoteGoodSupport,
		SuspectScore:        cfg.Reputation.Hysteresis.SuspectScore,
		SuspectSupport:      cfg.Reputation.Hysteresis.SuspectSupport,
		SuspectExitScore:    cfg.Reputation.Hysteresis.SuspectExitScore,
		GCEligibleAge:       cfg.Reputation.GCEligibleAge,
		GCSupportThreshold:  cfg.Reputation.GCSupportThreshold,
		GCCollectNonNeutral: !cfg.Reputation.GCOnlyNeutral,
	})

	velocity := detector.NewVelocity(
		cfg.Velocity.RequestsPerSecond,
		cfg.Velocity.Burst,
		func(view *models.RequestView) string {
			return signer.PatternID(models.PatternIPRange, view.ClientIP)
		},
	)

	registry := map[string]detector.Detector{
		"reputation":  detector.NewReputation(store, signer),
		"useragent":   detector.NewUserAgent(),
		"headers":     detector.NewHeaders(nil),
		"ip":          detector.NewIPRange(nil),
		"velocity":    velocity,
		"verifiedbot": detector.NewVerifiedBot(nil),
	}

	waves, err := buildWaves(cfg.Orchestrator.Waves, registry)
	if err != nil {
		logger.Error("invalid wave configuration", slog.Any("error", err))
		os.Exit(1)
	}

	aggregator := evidence.NewAggregator(cfg.Reputation.Prior, cfg.Orchestrator.ConfidenceScale)
	orch := orchestrator.New(logger, aggregator, waves, orchestrator.Options{
		ImmediateBlockThreshold: cfg.Orchestrator.ImmediateBlockThreshold,
		ImmediateAllowThreshold: cfg.Orchestrator.ImmediateAllowThreshold,
		EarlyExitThreshold:      cfg.Orchestrator.EarlyExitThreshold,
		EarlyExitQuorum:         cfg.Orchestrator.EarlyExitQuorum,
		QuorumWeight:            cfg.Orchestrator.QuorumWeight,
		DetectorTimeout:         cfg.Orchestrator.DetectorTimeout,
		WaveTimeout:             cfg.Orchestrator.WaveTimeout,
	})

	policies := policy.NewProvider(nil)
	var policyWatcher *policy.Watcher
	if cfg.Policy.Path != "" {
		if cfg.Policy.Watch {
			policyWatcher, err = policy.NewWatcher(logger, policies, cfg.Policy.Path)
			if err != nil {
				logger.Error("failed to load policy pack", slog.Any("error", err))
				os.Exit(1)
			}
		} else {
			pack, loadErr := policy.Load(cfg.Policy.Path)
			if loadErr != nil {
				logger.Error("failed to load policy pack", slog.Any("error", loadErr))
				os.Exit(1)
			}
			policies.Swap(pack)
		}
	}

	classifier := service.NewClassifier(logger, orch, policies, store, engine, signer, service.Options{
		FeedbackQueueSize:       cfg.Feedback.QueueSize,
		FeedbackMinConfidence:   cfg.Feedback.MinConfidence,
		FeedbackHighProbability: cfg.Feedback.HighProbability,
		FeedbackLowProbability:  cfg.Feedback.LowProbability,
	})

	sweeper := reputation.NewSweeper(logger, store, engine, cfg.Reputation.SweepInterval)

	handlers := api.NewHandlers(logger, classifier)
	server, err := api.NewServer(cfg.Server, handlers.Router(nil))
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		classifier.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		velocity.Run(ctx)
	}()
	if policyWatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			policyWatcher.Run()
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if policyWatcher != nil {
		_ = policyWatcher.Close()
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	wg.Wait()
	logger.Info("verdict-engine stopped")
}

// buildStore selects the reputation backend from configuration.
func buildStore(cfg *config.Config, logger *slog.Logger) (reputation.Store, error) {
	switch cfg.Reputation.Backend {
	case "memory":
		return reputation.NewMemoryStore(), nil

	case "sqlite":
		return reputation.NewSQLiteStore(cfg.Reputation.SQLitePath)

	case "valkey":
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Reputation.Valkey.Addr,
			Username:     cfg.Reputation.Valkey.Username,
			Password:     cfg.Reputation.Valkey.Password,
			DB:           cfg.Reputation.Valkey.DB,
			DialTimeout:  cfg.Reputation.Valkey.DialTimeout,
			ReadTimeout:  cfg.Reputation.Valkey.ReadTimeout,
			WriteTimeout: cfg.Reputation.Valkey.WriteTimeout,
			MaxRetries:   cfg.Reputation.Valkey.MaxRetries,
			TLS:          cfg.Reputation.Valkey.TLS,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("valkey reputation store connected", slog.String("addr", cfg.Reputation.Valkey.Addr))
		return reputation.NewCacheStore(provider, cfg.Reputation.CacheTTL), nil

	default:
		return nil, fmt.Errorf("unknown reputation backend %q", cfg.Reputation.Backend)
	}
}

// buildWaves resolves configured detector names against the registry.
func buildWaves(configs []config.WaveConfig, registry map[string]detector.Detector) ([]orchestrator.Wave, error) {
	waves := make([]orchestrator.Wave, 0, len(configs))
	for _, wc := range configs {
		wave := orchestrator.Wave{Name: wc.Name}
		for _, name := range wc.Detectors {
			det, ok := registry[name]
			if !ok {
				return nil, fmt.Errorf("wave %q references unknown detector %q", wc.Name, name)
			}
			wave.Detectors = append(wave.Detectors, det)
		}
		if wc.MinProbability > 0 || wc.MaxProbability > 0 {
			wave.Trigger = &orchestrator.Trigger{
				MinProbability: wc.MinProbability,
				MaxProbability: wc.MaxProbability,
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
