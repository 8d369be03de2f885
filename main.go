package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradepilot/config"
	"tradepilot/internal/api"
	"tradepilot/internal/broker"
	"tradepilot/internal/database"
	"tradepilot/internal/events"
	"tradepilot/internal/execution"
	"tradepilot/internal/logging"
	"tradepilot/internal/outcome"
	"tradepilot/internal/pipeline"
	"tradepilot/internal/quotes"
	"tradepilot/internal/replay"
	"tradepilot/internal/risk"
	"tradepilot/internal/scoring"
	"tradepilot/internal/store"
	"tradepilot/internal/tuning"
)

func main() {
	// Load .env if present, then configuration
	godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Str("bot", cfg.PipelineConfig.BotKey).Msg("tradepilot starting")

	// Initialize event bus
	bus := events.NewBus()

	// Optional Postgres mirror. Files remain the source of truth.
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled && cfg.DatabaseConfig.URL != "" {
		db, err := database.NewDB(cfg.DatabaseConfig.URL)
		if err != nil {
			logger.Warn().Err(err).Msg("database unavailable, mirroring disabled")
		} else {
			defer db.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := db.RunMigrations(ctx); err != nil {
				logger.Warn().Err(err).Msg("migrations failed, mirroring disabled")
			} else {
				repo = database.NewRepository(db, logging.Component(logger, "database"))
			}
			cancel()
		}
	}

	// Working-memory store and brain aggregate
	st := store.New(cfg.StoreConfig, logging.Component(logger, "store"))
	st.Load()
	brain := store.NewBrain(cfg.StoreConfig, logging.Component(logger, "brain"))
	brain.Load()

	// Paper broker ledger
	ledger := broker.New(cfg.BrokerConfig, cfg.StoreConfig, cfg.StoreConfig.DataDir, logging.Component(logger, "broker"))
	ledger.Load()

	// Quote provider with optional Redis cache
	liveQuotes := quotes.NewStaticProvider(nil)
	prices := quotes.NewCachedProvider(liveQuotes, cfg.RedisConfig, cfg.QuotesConfig, logging.Component(logger, "quotes"))
	defer prices.Close()

	// Scoring, execution and the cycle pipeline
	scorer := scoring.NewMomentumScorer()
	executor := execution.NewEngine(cfg.ExecutionConfig, cfg.BrokerConfig, ledger, prices, logging.Component(logger, "execution"))
	executor.SetRiskGuard(risk.NewGuard(cfg.RiskConfig, logging.Component(logger, "risk")))
	executor.SetBus(bus)
	orchestrator := pipeline.NewOrchestrator(
		cfg.PipelineConfig, cfg.StoreConfig, cfg.ExecutionConfig,
		st, scorer, executor, nil, logging.Component(logger, "pipeline"),
	)
	orchestrator.SetBus(bus)

	// Outcome journal, optionally mirrored; every closing fill lands here
	var outcomeMirror outcome.Mirror
	if repo != nil {
		outcomeMirror = repo
	}
	outcomes := outcome.NewLogger(cfg.OutcomeConfig, cfg.StoreConfig.DataDir, outcomeMirror, logging.Component(logger, "outcome"))
	executor.SetOutcomeSink(outcomes, cfg.PipelineConfig.BotKey)

	// Replay engine and job manager
	archive := replay.NewArchive(cfg.ReplayConfig, cfg.StoreConfig)
	replayEngine := replay.NewEngine(*cfg, archive, scoring.NewMomentumScorer(), logging.Component(logger, "replay"))
	jobs := replay.NewJobManager(replayEngine, archive, nil, bus, logging.Component(logger, "replay"))

	// Tuning orchestrator
	var decisionMirror tuning.DecisionMirror
	if repo != nil {
		decisionMirror = repo
	}
	paramStore := tuning.NewParamStore(cfg.TuningConfig, cfg.StoreConfig)
	history := tuning.NewHistory(cfg.StoreConfig.DataDir, cfg.TuningConfig.HistoryFile)
	tuner := tuning.NewOrchestrator(
		cfg.TuningConfig, cfg.OutcomeConfig,
		paramStore, history, outcomes, bus, decisionMirror,
		logging.Component(logger, "tuning"),
	)

	// Operational HTTP surface
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, cfg.OutcomeConfig, api.Deps{
			Pipeline:      orchestrator,
			Jobs:          jobs,
			Archive:       archive,
			Tuning:        tuner,
			TuningHistory: history,
			Outcomes:      outcomes,
			Ledger:        ledger,
			Bus:           bus,
			BotKey:        cfg.PipelineConfig.BotKey,
		}, logging.Component(logger, "api"))

		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
	}

	// Final state flush before exit
	if err := st.Flush(); err != nil {
		logger.Warn().Err(err).Msg("final rolling state flush failed")
	}
	if err := brain.Flush(); err != nil {
		logger.Warn().Err(err).Msg("final brain flush failed")
	}

	logger.Info().Msg("tradepilot stopped")
}
