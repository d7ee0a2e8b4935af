package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/tss/internal/config"
	"github.com/t77yq/tss/internal/monitor"
	"github.com/t77yq/tss/internal/scheduler"
	"github.com/t77yq/tss/internal/storage"
	"github.com/t77yq/tss/internal/trigger"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

func openTaskStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.TaskStore, error) {
	switch cfg.Driver {
	case "postgres":
		return storage.NewPostgresTaskStore(ctx, logger, cfg.Postgres.DSN(), cfg.Postgres.MaxConns)
	case "sqlite":
		return storage.NewSQLiteTaskStore(logger, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}

func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
}

// registerTasks schedules the tasks this server runs
func registerTasks(ctx context.Context, s scheduler.Scheduler, logger *zap.Logger) error {
	hourly := s.CreateScheduledTaskRunner(scheduler.TaskScheduleDefinition{
		Frequency: "PT1H",
		Timeout:   "PT10M",
	})
	if err := hourly.Run(ctx, scheduler.TaskInvocationDefinition{
		ID: "catalog-refresh",
		Fn: func(ctx context.Context) error {
			logger.Info("Refreshing catalog")
			return nil
		},
	}); err != nil {
		return err
	}

	if err := s.ScheduleTask(ctx, scheduler.TaskDefinition{
		TaskScheduleDefinition: scheduler.TaskScheduleDefinition{
			Frequency:    "0 3 * * *",
			Timeout:      "PT30M",
			InitialDelay: "PT1M",
		},
		TaskInvocationDefinition: scheduler.TaskInvocationDefinition{
			ID: "nightly-report",
			Fn: func(ctx context.Context) error {
				logger.Info("Building nightly report")
				return nil
			},
		},
	}); err != nil {
		return err
	}

	// every instance keeps its own caches warm
	return s.ScheduleLocalTask(ctx, scheduler.TaskDefinition{
		TaskScheduleDefinition: scheduler.TaskScheduleDefinition{
			Frequency: "*/5 * * * *",
			Timeout:   "PT1M",
		},
		TaskInvocationDefinition: scheduler.TaskInvocationDefinition{
			ID: "local-cache-warmup",
			Fn: func(ctx context.Context) error {
				logger.Debug("Warming local caches")
				return nil
			},
		},
	})
}

// maintainHistory prunes old run records daily and periodically logs the most
// recent runs
func maintainHistory(ctx context.Context, history storage.TaskHistoryStorage, retention time.Duration, logger *zap.Logger) {
	reportTicker := time.NewTicker(time.Minute)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer reportTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reportTicker.C:
			runs, err := history.List(ctx, storage.HistoryFilter{}, 0, 10)
			if err != nil {
				logger.Error("Failed to get task history", zap.Error(err))
				continue
			}
			for _, run := range runs {
				logger.Info("Recent task run",
					zap.String("task_id", run.TaskID),
					zap.String("instance_id", run.InstanceID),
					zap.String("status", string(run.Status)),
					zap.Duration("duration", run.Duration))
			}
		case <-cleanupTicker.C:
			if retention <= 0 {
				continue
			}
			cutoff := time.Now().Add(-retention)
			if err := history.DeleteBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to cleanup old task history", zap.Error(err))
			}
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openTaskStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer store.Close()

	instanceID := cfg.App.InstanceID
	if instanceID == "" {
		instanceID = scheduler.DefaultInstanceID()
	}

	opts := []scheduler.Option{
		scheduler.WithInstanceID(instanceID),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithReclaimAfter(cfg.Scheduler.ReclaimAfter),
	}

	if cfg.History.Enabled {
		history, err := storage.NewSQLiteTaskHistory(logger, cfg.History.Path)
		if err != nil {
			logger.Fatal("Failed to create task history storage", zap.Error(err))
		}
		defer history.Close()

		opts = append(opts, scheduler.WithRunObserver(scheduler.NewHistoryObserver(history, logger)))
		go maintainHistory(ctx, history, cfg.History.Retention, logger)
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg.NATS, cfg.App.Name, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()

		logger.Info("Connected to NATS successfully",
			zap.String("url", nc.ConnectedUrl()))
	}


	if nc != nil {
		notifier := trigger.NewNATSNotifier(nc, cfg.NATS.Subject, instanceID, logger)
		opts = append(opts, scheduler.WithTriggerNotifier(notifier))
	}

	if cfg.Metrics.Enabled {
		collector := monitor.NewMetricsCollector(nc, cfg.Metrics.Subject, instanceID, cfg.Metrics.Interval, logger)
		collector.Start(ctx)
		defer collector.Stop()
		opts = append(opts, scheduler.WithRunObserver(collector))
	}

	if cfg.Alerts.Enabled {
		alerts := monitor.NewAlertManager(nc, cfg.Alerts.SubjectPrefix, logger)
		for _, rule := range cfg.Alerts.Rules {
			if err := alerts.AddRule(rule); err != nil {
				logger.Fatal("Invalid alert rule", zap.String("name", rule.Name), zap.Error(err))
			}
		}
		opts = append(opts, scheduler.WithRunObserver(alerts))
	}

	taskScheduler, err := scheduler.New(store, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	if err := registerTasks(ctx, taskScheduler, logger); err != nil {
		logger.Fatal("Failed to register tasks", zap.Error(err))
	}

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	stopped := make(chan struct{})
	go func() {
		taskScheduler.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("Server shutting down gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached, some tasks may not have completed")
	}
}
