package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/internal/exchange/binance"
	"accountflow/internal/exchange/bybit"
	"accountflow/internal/exchange/kucoin"
	"accountflow/internal/exchange/okx"
	"accountflow/internal/metrics"
	"accountflow/internal/normalizer"
	"accountflow/internal/pool"
	"accountflow/internal/ratelimit"
	"accountflow/internal/stream"
	"accountflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Accountflow.Name,
		"version":     cfg.Accountflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting accountflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.PrometheusListen)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	readIdle := cfg.Websocket.HeartbeatTimeout.Std()

	adapters := exchange.NewRegistry()
	adapters.Register(binance.New(cfg.Exchanges.Binance, readIdle))
	adapters.Register(bybit.New(cfg.Exchanges.Bybit, readIdle))
	adapters.Register(okx.New(cfg.Exchanges.Okx, readIdle))
	adapters.Register(kucoin.New(cfg.Exchanges.Kucoin, readIdle))

	buckets := ratelimit.NewRegistry()
	for _, name := range adapters.Names() {
		ec, ok := cfg.Exchanges.Exchange(name)
		if !ok {
			continue
		}
		buckets.Configure(name, ec.RateLimit.Capacity, ec.RateLimit.RefillPerSecond)
	}

	sessionPool := pool.New(cfg, adapters, buckets)
	if err := sessionPool.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start session pool")
		os.Exit(1)
	}

	events := stream.Events{
		OnConnect: func(userID, exchangeName string) {
			log.WithFields(logger.Fields{
				"user":     userID,
				"exchange": exchangeName,
			}).Info("account stream connected")
		},
		OnDisconnect: func(userID, exchangeName string, err error) {
			log.WithError(err).WithFields(logger.Fields{
				"user":     userID,
				"exchange": exchangeName,
			}).Warn("account stream disconnected")
		},
		OnTerminalFailure: func(userID, exchangeName string, err error) {
			log.WithError(err).WithFields(logger.Fields{
				"user":     userID,
				"exchange": exchangeName,
			}).Error("account stream terminated")
		},
	}

	handler := func(userID string, update *exchange.AccountUpdate) {
		log.WithComponent("stream").WithFields(logger.Fields{
			"user":    userID,
			"summary": normalizer.HumanSummary(update.Exchange, update),
		}).Debug("account update")
	}

	manager := stream.NewManager(adapters, cfg.Websocket, events, handler)
	manager.UseRateLimits(buckets)

	for _, acct := range cfg.Accounts {
		entry := log.WithComponent("main").WithFields(logger.Fields{
			"user":     acct.UserID,
			"exchange": acct.Exchange,
		})

		apiKey, apiSecret, passphrase, err := acct.ResolveCredentials()
		if err != nil {
			entry.WithError(err).Error("missing credentials, skipping account")
			continue
		}
		creds := exchange.Credentials{APIKey: apiKey, APISecret: apiSecret, Passphrase: passphrase}

		client, err := sessionPool.Get(ctx, acct.UserID, acct.Exchange, creds)
		if err != nil {
			entry.WithError(err).Error("failed to open rest session")
			continue
		}
		sessionPool.Release(acct.UserID, acct.Exchange)
		entry.WithFields(logger.Fields{"handle": client.ID}).Info("rest session ready")

		if _, err := manager.Connect(ctx, acct.UserID, acct.Exchange, creds); err != nil {
			entry.WithError(err).Error("failed to open account stream")
			continue
		}
	}

	logger.RegisterStatsSource("pool", sessionPool.StatsRecord)
	logger.RegisterStatsSource("stream", manager.StatsRecord)
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval.Std())

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	manager.CloseAll()
	sessionPool.Stop()

	log.Info("shutdown complete")
}
