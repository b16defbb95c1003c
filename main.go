package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingpool/config"
	"fundingpool/internal/contracts"
	"fundingpool/internal/dashboard"
	"fundingpool/internal/metrics"
	"fundingpool/internal/notify"
	"fundingpool/internal/pool"
	"fundingpool/internal/scheduler"
	"fundingpool/internal/service"
	"fundingpool/internal/taskgw"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/processor"
	"fundingpool/reader"
	"fundingpool/reader/binance"
	"fundingpool/reader/bybit"
	"fundingpool/reader/kucoin"
	"fundingpool/writer"
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

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":   cfg.Service.Name,
		"version":   cfg.Service.Version,
		"env":       env,
		"exchanges": cfg.EnabledExchanges(),
	}).Info("starting fundingpool")

	if config.IsProductionLike(env) && !cfg.Notifier.Telegram.Enabled {
		log.WithFields(logger.Fields{"env": env}).Error("telegram notifier must be enabled in production-like environments")
		os.Exit(1)
	}

	intervals := make([]models.Interval, 0, len(cfg.Monitor.SettlementIntervals))
	for _, label := range cfg.Monitor.SettlementIntervals {
		iv, err := models.ParseInterval(label)
		if err != nil {
			log.WithError(err).Error("invalid settlement interval")
			os.Exit(1)
		}
		intervals = append(intervals, iv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	var wg sync.WaitGroup

	sources := buildSources(ctx, cfg, &wg)

	var uploader *writer.S3Uploader
	if cfg.Storage.S3.Enabled {
		uploader, err = writer.NewS3Uploader(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 uploader")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; snapshots and archives stay local")
	}

	var mirror contracts.Mirror
	var archiveUploader writer.Uploader
	if uploader != nil {
		mirror = uploader
		archiveUploader = uploader
	}

	cache := contracts.NewCache(sources,
		contracts.NewFileStore(filepath.Join(cfg.Cache.Dir, cfg.Cache.SnapshotFile)),
		mirror,
		contracts.Options{
			Intervals:      intervals,
			Validity:       cfg.Monitor.CacheValidity,
			FetchLimit:     cfg.Monitor.FetchConcurrency,
			RequestTimeout: cfg.Monitor.RequestTimeout,
			MirrorKey:      "contracts/" + cfg.Cache.SnapshotFile,
		})
	if _, err := cache.Load(); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			log.WithComponent("main").Info("no contract cache on disk; first refresh will build it")
		} else {
			log.WithError(err).Warn("failed to load contract cache; first refresh will rebuild it")
		}
	}

	store := pool.NewStore(processor.NewEvaluator(cfg.Monitor), 0)
	state := pool.NewFileState(filepath.Join(cfg.Cache.Dir, cfg.Cache.PoolFile))
	if entries, err := state.Load(); err != nil {
		log.WithError(err).Warn("failed to restore pool state")
	} else if len(entries) > 0 {
		store.Restore(entries)
		log.WithFields(logger.Fields{"pool_size": store.Size()}).Info("restored pool state")
	}

	history := writer.NewHistoryWriter(filepath.Join(cfg.Cache.Dir, cfg.Cache.HistoryDir), cfg.Cache.HistoryMaxItems)
	archiver, err := writer.NewSessionArchiver(filepath.Join(cfg.Cache.Dir, cfg.Cache.ArchiveDir), archiveUploader)
	if err != nil {
		log.WithError(err).Error("failed to open session archive")
		os.Exit(1)
	}

	var sched *scheduler.Scheduler

	var sender notify.Sender = notify.LogSender{}
	if cfg.Notifier.Telegram.Enabled {
		sender = notify.NewTelegramSender(cfg.Notifier.Telegram, cfg.Notifier.SendTimeout)
	} else {
		log.WithComponent("main").Warn("telegram disabled; notifications are written to the log")
	}
	dispatcher := notify.NewDispatcher(sender, notify.Options{
		MaxAttempts: cfg.Notifier.MaxAttempts,
		RetryDelay:  cfg.Notifier.RetryDelay,
		SendTimeout: cfg.Notifier.SendTimeout,
		QueueSize:   cfg.Notifier.QueueSize,
		Stale:       func() bool { return sched != nil && sched.Stale() },
	})

	monitor := processor.NewMonitor(processor.Deps{
		Sources:   sources,
		Snapshots: cache,
		Store:     store,
		Notifier:  dispatcher,
		History:   history,
		Archiver:  archiver,
		State:     state,
	}, processor.Options{
		FetchLimit:     cfg.Monitor.FetchConcurrency,
		RequestTimeout: cfg.Monitor.RequestTimeout,
		StaleMaxAge:    cfg.Monitor.StaleEntryMaxAge,
	})

	sched = scheduler.New(cache, monitor, dispatcher, scheduler.Options{
		RefreshInterval:     cfg.Monitor.ContractRefreshInterval,
		IncrementalInterval: cfg.Monitor.IncrementalRefreshInterval,
		CheckInterval:       cfg.Monitor.FundingRateCheckInterval,
		Intervals:           intervals,
		PoolSummary:         cfg.Monitor.PoolSummary,
	})

	gateway := taskgw.New(taskgw.Options{
		Workers:    cfg.Tasks.Workers,
		MaxPending: cfg.Tasks.MaxPending,
		Retention:  cfg.Tasks.Retention,
	})
	svc := service.New(cache, store, sched, monitor, gateway)

	api, err := dashboard.NewServer(cfg.API, svc, cfg.Cache.Dir, log)
	if err != nil {
		log.WithError(err).Error("failed to create status api")
		os.Exit(1)
	}
	api.WithStatus("scheduler", func() interface{} { return sched.Status() }).
		WithStatus("notifier", func() interface{} { return dispatcher.Stats() }).
		WithStatus("tasks", func() interface{} { return gateway.Stats() }).
		WithStatus("archive", func() interface{} { return archiver.Stats() })

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start notifier")
		os.Exit(1)
	}
	if err := gateway.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start task gateway")
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}
	if api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Run(ctx); err != nil {
				log.WithError(err).Error("status api stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		gateway.Wait()
		dispatcher.Stop()
		wg.Wait()
		close(done)
	}()

	completed, err := drainAndSave(done, 30*time.Second, func() error {
		return state.Save(store.ListInPool())
	})
	if err != nil {
		log.WithError(err).Warn("failed to save pool state on shutdown")
	}
	if completed {
		log.Info("graceful shutdown completed")
	} else {
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fundingpool stopped")
}

// drainAndSave waits up to timeout for done and then saves pool state even
// when workers are still stuck. The store is safe to read concurrently.
func drainAndSave(done <-chan struct{}, timeout time.Duration, save func() error) (bool, error) {
	completed := true
	select {
	case <-done:
	case <-time.After(timeout):
		completed = false
	}
	return completed, save()
}

func buildSources(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup) []reader.Source {
	timeout := cfg.Monitor.RequestTimeout
	var sources []reader.Source

	if ex := cfg.Exchanges.Binance; ex.Enabled {
		var board *binance.MarkPriceBoard
		if ex.StreamEnabled {
			board = binance.NewMarkPriceBoard(ex.StreamURL)
			wg.Add(1)
			go func() {
				defer wg.Done()
				board.Run(ctx)
			}()
		}
		sources = append(sources, binance.NewSource(ex, timeout, board))
	}
	if ex := cfg.Exchanges.Bybit; ex.Enabled {
		sources = append(sources, bybit.NewSource(ex, timeout))
	}
	if ex := cfg.Exchanges.Kucoin; ex.Enabled {
		sources = append(sources, kucoin.NewSource(ex, timeout))
	}
	return sources
}
