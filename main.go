package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gold-trading-bot/config"
	"gold-trading-bot/internal/ai"
	"gold-trading-bot/internal/api"
	"gold-trading-bot/internal/broker"
	"gold-trading-bot/internal/daemon"
	"gold-trading-bot/internal/database"
	"gold-trading-bot/internal/events"
	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/notification"
	"gold-trading-bot/internal/risk"
	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/smc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg.LoggingConfig)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	bus := events.NewBus(0, log)
	bus.Start()
	defer bus.Stop()

	// Persist every event for the audit trail.
	bus.SubscribeAll(func(ev events.Event) {
		rec := &database.SystemEvent{
			Type: string(ev.Type), Name: ev.Name, Severity: string(ev.Severity),
			Message: ev.Message, Data: ev.Data, Timestamp: ev.Timestamp,
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.SaveEvent(saveCtx, rec); err != nil {
			log.Warn().Err(err).Str("event", ev.Name).Msg("failed to persist event")
		}
	})

	if cfg.NotificationConfig.Enabled {
		manager := notification.NewManager(events.Severity(cfg.NotificationConfig.MinSeverity), log)
		if cfg.NotificationConfig.Telegram.Enabled {
			manager.AddNotifier(notification.NewTelegram(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
		}
		if cfg.NotificationConfig.Discord.Enabled {
			manager.AddNotifier(notification.NewDiscord(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
		}
		manager.AttachBus(bus)
	}

	symbol := market.Symbol(cfg.TradingConfig.Symbol)
	timeframe := market.ParseTimeframe(cfg.TradingConfig.Timeframe)

	// Market data and execution venue. Live broker adapters plug in here;
	// paper mode runs against the simulated feed.
	sim := market.NewSimSource(0)
	var source market.DataSource = sim
	var port broker.Port
	switch cfg.BrokerConfig.Mode {
	case "paper":
		port = broker.NewPaper(broker.PaperConfig{
			StartingBalance: cfg.BrokerConfig.StartingBalance,
			Spread:          cfg.BrokerConfig.Spread,
			Currency:        "USD",
		}, sim, log)
	default:
		log.Fatal().Str("mode", cfg.BrokerConfig.Mode).Msg("no broker adapter for mode")
	}

	analyzer := smc.NewAnalyzer(symbol, timeframe)
	engine := signal.NewEngine()

	var validator *ai.Validator
	if cfg.AIConfig.Enabled {
		apiKey := cfg.AIConfig.GeminiAPIKey
		if cfg.AIConfig.Provider == "openai" {
			apiKey = cfg.AIConfig.OpenAIAPIKey
		}
		client := ai.NewClient(&ai.ClientConfig{
			Provider:    ai.Provider(cfg.AIConfig.Provider),
			APIKey:      apiKey,
			Model:       cfg.AIConfig.Model,
			MaxTokens:   1024,
			Temperature: 0.3,
			Timeout:     time.Duration(cfg.AIConfig.TimeoutS) * time.Second,
		})

		var cache ai.DecisionCache
		if cfg.RedisConfig.Enabled {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisConfig.Address,
				Password: cfg.RedisConfig.Password,
				DB:       cfg.RedisConfig.DB,
			})
			cache = ai.NewRedisCache(rdb)
		} else {
			cache = ai.NewMemoryCache()
		}

		aiPort := ai.NewPort(client, cache, ai.PortConfig{
			Timeout:           time.Duration(cfg.AIConfig.TimeoutS) * time.Second,
			CacheTTL:          time.Duration(cfg.AIConfig.CacheTTLS) * time.Second,
			RequestsPerMinute: cfg.AIConfig.RequestsPerMinute,
			MaxRetries:        cfg.AIConfig.MaxRetries,
			RetryDelay:        time.Second,
		}, log)
		validator = ai.NewValidator(aiPort, ai.ValidatorConfig{
			ConfidenceBoost:   cfg.AIConfig.ConfidenceBoost,
			ConfidencePenalty: cfg.AIConfig.ConfidencePenalty,
			DemoteThreshold:   cfg.AIConfig.DemoteThreshold,
		}, log)
		log.Info().Str("provider", cfg.AIConfig.Provider).Str("model", cfg.AIConfig.Model).Msg("AI validation enabled")
	} else {
		log.Info().Msg("AI validation disabled, running technical-only")
	}

	gate := risk.NewGate(risk.Config{
		RiskPercentage:  cfg.RiskConfig.RiskPercentage,
		MaxRiskAmount:   cfg.RiskConfig.MaxRiskAmount,
		MaxRiskPerTrade: cfg.RiskConfig.MaxRiskPerTrade,
		MaxDailyLoss:    cfg.RiskConfig.MaxDailyLoss,
		MaxTradesPerDay: cfg.RiskConfig.MaxTradesPerDay,
		MaxPositions:    cfg.RiskConfig.MaxPositions,
		MaxDrawdown:     cfg.RiskConfig.MaxDrawdown,
	}, log)

	executor := broker.NewExecutor(port, log)

	supervisor := daemon.New(daemon.Config{
		Symbol:            symbol,
		Timeframe:         timeframe,
		HeartbeatInterval: cfg.TradingConfig.HeartbeatInterval(),
		AnalysisInterval:  cfg.TradingConfig.AnalysisInterval(),
		BarCount:          cfg.TradingConfig.BarCount,
		TradingMode:       cfg.BrokerConfig.Mode,
		ShutdownPolicy:    daemon.ShutdownPolicy(cfg.TradingConfig.ShutdownPolicy),
		StaleHeartbeat:    cfg.TradingConfig.StaleHeartbeat(),
		Signal: signal.Config{
			Balance:        cfg.BrokerConfig.StartingBalance,
			RiskPercentage: cfg.RiskConfig.RiskPercentage,
			MaxRiskAmount:  cfg.RiskConfig.MaxRiskAmount,
			MinConfidence:  cfg.AIConfig.MinConfidence,
		},
		RiskPercentage: cfg.RiskConfig.RiskPercentage,
	}, source, analyzer, engine, validator, gate, executor, port, repo, bus, log)

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowOrigins:   cfg.ServerConfig.AllowedOrigins,
	}, supervisor, repo, bus, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := supervisor.Stop(shutdownCtx); err != nil && err != daemon.ErrNotRunning {
		log.Error().Err(err).Msg("supervisor stop failed")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
