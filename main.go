package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"paper-trading-daemon/config"
	"paper-trading-daemon/internal/ai/llm"
	"paper-trading-daemon/internal/ai/sentiment"
	"paper-trading-daemon/internal/bot"
	"paper-trading-daemon/internal/broker"
	"paper-trading-daemon/internal/cache"
	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/events"
	"paper-trading-daemon/internal/exchange"
	"paper-trading-daemon/internal/logging"
	"paper-trading-daemon/internal/portfolio"
	"paper-trading-daemon/internal/risk"
	"paper-trading-daemon/internal/signal"
)

// Exit codes: 0 clean shutdown, 1 startup error, 2 configuration error,
// 3 forced cancellation. Mid-run recoverable errors never terminate the
// process.
const (
	exitOK = iota
	exitStartupError
	exitConfigError
	exitCancelled
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	tfDur, err := config.ParseTimeframe(cfg.TradingConfig.Timeframe)
	if err != nil {
		logger.Error().Err(err).Msg("configuration error")
		return exitConfigError
	}

	db, err := database.NewDB(database.Config{
		URL:      cfg.DatabaseConfig.URL,
		MaxConns: cfg.DatabaseConfig.MaxConns,
		MinConns: cfg.DatabaseConfig.MinConns,
	})
	if err != nil {
		logger.Error().Err(err).Msg("database unreachable")
		return exitStartupError
	}
	defer db.Close()

	bootCtx := context.Background()
	if err := db.RunMigrations(bootCtx); err != nil {
		logger.Error().Err(err).Msg("schema migration failed")
		return exitStartupError
	}

	repo := database.NewRepository(db)
	recorder := events.NewRecorder(repo, logger)

	accountant := portfolio.NewAccountant(repo, cfg.TradingConfig.StartingCash, logger)
	if err := accountant.Init(bootCtx); err != nil {
		logger.Error().Err(err).Msg("NAV initialization failed")
		return exitStartupError
	}
	recorder.Emit(bootCtx, events.Event{
		Tags:   []events.Tag{events.TagCycle},
		Action: events.ActionInitializeNAV,
		Payload: map[string]any{"nav": accountant.StartingCash()},
	})

	exchangeClient := exchange.NewClient(exchange.Config{
		BaseURL:        cfg.ExchangeConfig.BaseURL,
		RequestsPerSec: cfg.ExchangeConfig.RequestsPerSec,
		MaxRetries:     cfg.ExchangeConfig.MaxRetries,
	})

	paperBroker := broker.New(repo, broker.Config{
		FeeBps:       cfg.RiskConfig.FeeBps,
		MinSlipBps:   3,
		SlipPerHLPct: 15,
	}, logger)

	engine := signal.NewEngine(signal.Config{
		RiskPerTrade:      cfg.RiskConfig.RiskPerTrade,
		MaxExposure:       cfg.RiskConfig.MaxExposure,
		StopATRMultiplier: cfg.RiskConfig.StopATRMultiplier,
		TimeStopBars:      cfg.RiskConfig.TimeStopBars,
		AllowShorts:       cfg.TradingConfig.AllowShorts,
		MinRVOL:           1.5,
	})

	ksCfg := risk.DefaultKillSwitchConfig()
	ksCfg.SigmaMultiple = cfg.RiskConfig.KillSwitchSigma
	ksCfg.ArmedBars = cfg.RiskConfig.KillSwitchBars
	killSwitch := risk.NewKillSwitch(ksCfg)
	cooldown := risk.NewCooldown(cfg.RiskConfig.CooldownBars)
	validator := risk.NewValidator(risk.ValidatorConfig{
		RiskPerTrade: cfg.RiskConfig.RiskPerTrade,
		MaxExposure:  cfg.RiskConfig.MaxExposure,
	}, killSwitch, cooldown)

	// Missing optional keys degrade features rather than preventing startup:
	// no LLM key falls back to the deterministic signal path, no sentiment
	// key falls back to the keyless search backend.
	var advisor bot.Advisor
	var consultant bot.Consultant
	if cfg.AIConfig.Enabled && cfg.AIConfig.APIKey != "" {
		llmClient := llm.NewClient(&llm.ClientConfig{
			Provider:    llm.Provider(cfg.AIConfig.Provider),
			APIKey:      cfg.AIConfig.APIKey,
			MaxTokens:   1024,
			Temperature: 0.1,
			Timeout:     cfg.AIConfig.AdvisorTimeout,
		})
		advisor = llm.NewAdvisor(llmClient, llm.AdvisorConfig{
			PrimaryModel:  cfg.AIConfig.PrimaryModel,
			FallbackModel: cfg.AIConfig.FallbackModel,
			Timeout:       cfg.AIConfig.AdvisorTimeout,
		}, logger)
		consultant = llm.NewConsultant(llmClient, llm.ConsultantConfig{
			Model:   cfg.AIConfig.ConsultantModel,
			Timeout: cfg.AIConfig.ConsultantTimeout,
		}, logger)
	} else {
		logger.Warn().Msg("LLM agents disabled, trading on deterministic signals only")
	}

	sentimentCache := cache.NewSentimentCache(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	}, logger)
	defer sentimentCache.Close()

	var sentimentProvider *sentiment.Provider
	if cfg.SentimentConfig.Enabled {
		var primary sentiment.Backend
		if cfg.SentimentConfig.APIKey != "" {
			primary = sentiment.NewSearchLLMBackend(sentiment.SearchLLMConfig{
				APIKey:  cfg.SentimentConfig.APIKey,
				BaseURL: cfg.SentimentConfig.BaseURL,
				Model:   cfg.SentimentConfig.Model,
			})
		}
		sentimentProvider = sentiment.NewProvider(primary, sentiment.NewSearchBackend(), sentimentCache, repo, logger)
	}

	daemon := bot.New(bot.Config{
		Symbols:       cfg.TradingConfig.Symbols,
		Timeframe:     cfg.TradingConfig.Timeframe,
		TimeframeDur:  tfDur,
		CycleInterval: cfg.TradingConfig.CycleInterval,
		FetchLimit:    cfg.TradingConfig.FetchLimit,
		RiskPerTrade:  cfg.RiskConfig.RiskPerTrade,
		MaxExposure:   cfg.RiskConfig.MaxExposure,
	}, bot.Deps{
		Exchange:   exchangeClient,
		Store:      repo,
		Broker:     paperBroker,
		Accountant: accountant,
		Engine:     engine,
		Validator:  validator,
		KillSwitch: killSwitch,
		Cooldown:   cooldown,
		Advisor:    advisor,
		Consultant: consultant,
		Sentiment:  sentimentSource(sentimentProvider),
		Recorder:   recorder,
		Logger:     logger,
	})

	if err := daemon.WarmUp(bootCtx); err != nil {
		logger.Error().Err(err).Msg("historical warm-up failed")
		return exitStartupError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pre-warm the sentiment cache shortly after each refresh window opens so
	// the first cycle inside a window never blocks on a provider call.
	var scheduler *cron.Cron
	if sentimentProvider != nil {
		scheduler = cron.New(cron.WithLocation(time.UTC))
		_, err := scheduler.AddFunc("5 0,12 * * *", func() {
			for _, symbol := range cfg.TradingConfig.Symbols {
				sentimentProvider.Refresh(ctx, symbol, time.Now().UTC())
			}
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to schedule sentiment refresh")
		} else {
			scheduler.Start()
			defer scheduler.Stop()
		}
	}

	// First signal shuts down gracefully between cycles; a second forces out.
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	forced := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown requested")
		cancel()
		<-sigCh
		close(forced)
	}()

	err = daemon.RunForever(ctx)
	select {
	case <-forced:
		return exitCancelled
	default:
	}
	if err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("daemon stopped with error")
		return exitStartupError
	}
	return exitOK
}

// sentimentSource adapts a possibly-nil provider to the daemon interface.
func sentimentSource(p *sentiment.Provider) bot.SentimentSource {
	if p == nil {
		return nil
	}
	return p
}
