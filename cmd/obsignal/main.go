package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/skalibog/obsignal/internal/analysis/aggregator"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/internal/exchange"
	"github.com/skalibog/obsignal/internal/notify"
	obook "github.com/skalibog/obsignal/internal/orderbook"
	"github.com/skalibog/obsignal/internal/publisher"
	"github.com/skalibog/obsignal/internal/storage"
	"github.com/skalibog/obsignal/internal/ui"
	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/retry"
	"go.uber.org/zap"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Загружена конфигурация", zap.String("path", *configPath), zap.Strings("symbols", cfg.Trading.Symbols))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := exchange.NewBinanceClient(cfg.Binance)

	feed := cfg.OrderBookFeed
	books := obook.NewStore(obook.Config{
		Limits:       obook.Limits{MaxLevels: feed.MaxLevels, PriceBand: feed.PriceBand},
		GapThreshold: feed.GapThreshold,
		BufferSize:   feed.BufferSize,
	})
	fetchRetry := retry.Policy{Attempts: feed.RetryAttempts, Delay: feed.RetryDelay}
	syncer := obook.NewSyncer(books, client, obook.SyncerConfig{
		Depth:       feed.SnapshotDepth,
		Retry:       fetchRetry,
		ResyncDelay: feed.ResyncDelay,
	})

	var sinks []aggregator.Sink
	var history ui.History
	notifiers := notify.Multi{notify.NewLogNotifier()}
	if cfg.Storage.Enabled {
		store, err := storage.NewInfluxDBStorage(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
		}
		defer store.Close()
		sinks = append(sinks, store)
		history = store
	}
	if cfg.Publisher.Enabled {
		pub := publisher.NewKafkaPublisher(cfg.Publisher)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("Ошибка закрытия publisher", zap.Error(err))
			}
		}()
		sinks = append(sinks, pub)

		if cfg.Publisher.AlertTopic != "" {
			alerts := publisher.NewAlertPublisher(cfg.Publisher)
			defer func() {
				if err := alerts.Close(); err != nil {
					logger.Warn("Ошибка закрытия publisher алертов", zap.Error(err))
				}
			}()
			notifiers = append(notifiers, alerts)
		}
	}

	analyzer := aggregator.NewAnalyzer(cfg.Analysis, cfg.Trading, aggregator.Options{
		Klines:   client,
		Books:    books,
		Syncer:   syncer,
		Sinks:    sinks,
		Notifier: notifiers,
		Retry:    fetchRetry,
	})

	// Сначала подписка на потоки, затем снимки: диффы буферизуются до снимка
	streamer := exchange.NewStreamer(analyzer.Symbols(), exchange.StreamConfig{
		Interval:       cfg.Trading.Interval,
		ReconnectDelay: cfg.Analysis.ReconnectInterval,
	}, analyzer)
	streamer.Start(ctx)
	analyzer.Init(ctx)

	done := make(chan error, 1)
	go func() { done <- analyzer.Run(ctx) }()

	if cfg.UI.Enabled {
		dashboard := ui.NewTermUI(cfg.UI, analyzer, cfg.Log.JSONFile)
		if history != nil {
			dashboard.WithHistory(history)
		}
		if err := dashboard.Run(ctx); err != nil {
			logger.Error("Ошибка пользовательского интерфейса", zap.Error(err))
		}
		// выход из UI завершает приложение
		cancel()
	} else {
		<-ctx.Done()
	}

	logger.Info("Завершение работы...")
	analyzer.Stop()
	if err := <-done; err != nil {
		logger.Error("Цикл анализа завершился с ошибкой", zap.Error(err))
	}
	streamer.Wait()
	syncer.Wait()
}
