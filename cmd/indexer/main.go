package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runonbitcoin/indexer/config"
	"github.com/runonbitcoin/indexer/internal/api"
	"github.com/runonbitcoin/indexer/internal/callbacker"
	"github.com/runonbitcoin/indexer/internal/chainsource"
	"github.com/runonbitcoin/indexer/internal/crawler"
	"github.com/runonbitcoin/indexer/internal/indexer"
	"github.com/runonbitcoin/indexer/internal/indexer/store/sqlite"
	indexerLogger "github.com/runonbitcoin/indexer/internal/logger"
	"github.com/runonbitcoin/indexer/internal/mq"
)

func main() {
	err := run()
	if err != nil {
		log.Fatalf("failed to run indexer: %v", err)
	}

	os.Exit(0)
}

func run() error {
	configDir := flag.String("config", "", "path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		return fmt.Errorf("failed to load app config: %w", err)
	}

	logger, err := indexerLogger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get host name: %v", err)
	}
	logger = logger.With(slog.String("host", hostname))

	go func() {
		if cfg.Prometheus.IsEnabled() {
			logger.Info("Starting prometheus", slog.String("endpoint", cfg.Prometheus.Endpoint))
			http.Handle(cfg.Prometheus.Endpoint, promhttp.Handler())
			err := http.ListenAndServe(cfg.Prometheus.Addr, nil)
			if err != nil {
				logger.Error("failed to start prometheus server", slog.String("err", err.Error()))
			}
		}
	}()

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	storeI, err := sqlite.New(logger, cfg.Db.Sqlite.InMemory, cfg.Db.Sqlite.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if closeErr := storeI.Close(context.Background()); closeErr != nil {
			logger.Error("failed to close store", slog.String("err", closeErr.Error()))
		}
	}()

	events, shutdownEvents, err := buildEvents(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownEvents()

	engine, err := indexer.New(logger, storeI, events)
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	if err = engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	if err = engine.StartCollectStats(ctx); err != nil {
		return fmt.Errorf("failed to start stats collector: %w", err)
	}

	source, err := chainsource.NewFromRPC(
		cfg.NodeRpc.Host, cfg.NodeRpc.Port, cfg.NodeRpc.User, cfg.NodeRpc.Password, cfg.NodeRpc.UseSSL,
		logger,
		chainsource.WithMempoolPollInterval(cfg.NodeRpc.MempoolPollInterval),
	)
	if err != nil {
		return fmt.Errorf("failed to create chain source: %w", err)
	}

	crawlerI, err := crawler.New(logger, source, engine, storeI,
		crawler.WithPollInterval(cfg.Crawler.PollInterval),
		crawler.WithMempoolExpiry(cfg.Crawler.MempoolExpiry, cfg.Crawler.MempoolExpiryCheck),
		crawler.WithReorgDepth(cfg.Crawler.ReorgDepth),
	)
	if err != nil {
		return fmt.Errorf("failed to create crawler: %w", err)
	}
	if err = crawlerI.Start(); err != nil {
		return fmt.Errorf("failed to start crawler: %w", err)
	}
	defer crawlerI.GracefulStop()

	e := echo.New()
	e.HideBanner = true
	api.NewHandler(engine, storeI, crawlerI).Register(e)

	go func() {
		logger.Info("Starting API", slog.String("address", cfg.Api.ListenAddr))
		if serveErr := e.Start(cfg.Api.ListenAddr); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("failed to start API server", slog.String("err", serveErr.Error()))
		}
	}()
	defer func() {
		if shutdownErr := e.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("failed to shut down API server", slog.String("err", shutdownErr.Error()))
		}
	}()

	logger.Info("Indexer started")
	engine.LogStats(logger)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	<-signalChan

	logger.Info("Shutting down")
	return nil
}

// buildEvents assembles the event sink from the webhook notifier and the
// message-queue publisher, each when configured. With neither configured
// the sink is NoopEvents.
func buildEvents(cfg *config.IndexerConfig, logger *slog.Logger) (indexer.Events, func(), error) {
	sinks := indexer.MultiEvents{}
	shutdown := func() {}

	if cfg.Webhook.URL != "" {
		sender, err := callbacker.NewSender(cfg.Webhook.URL, logger,
			callbacker.WithMaxElapsedTime(cfg.Webhook.MaxElapsedTime))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create webhook sender: %w", err)
		}
		sinks = append(sinks, callbacker.NewNotifier(sender))
		shutdown = sender.GracefulStop
	}

	if cfg.Mq.Enabled {
		client, err := mq.NewClient(cfg.Mq.URL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create message queue client: %w", err)
		}
		sinks = append(sinks, mq.NewEventPublisher(client, logger))
		prev := shutdown
		shutdown = func() {
			prev()
			client.Shutdown()
		}
	}

	if len(sinks) == 0 {
		return indexer.NoopEvents{}, shutdown, nil
	}
	return sinks, shutdown, nil
}
