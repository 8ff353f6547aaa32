// cmd/ledger-worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/internal/dispatcher"
	"github.com/example/payflow/internal/ledger"
	"github.com/example/payflow/internal/logging"
	"github.com/example/payflow/internal/postgres"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
)

const serviceName = "ledger-worker"

func main() {
	cfg := config.Load(serviceName)
	if err := cfg.Require("DB_SOURCE", "AMQP_URL", "TASK_TOPIC"); err != nil {
		log.Fatal(err)
	}
	logger := logging.Must(serviceName, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer db.Close()
	store := ledger.NewPGStore(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	topo, err := bus.LoadTopology("ledger")
	if err != nil {
		log.Fatalf("topology: %v", err)
	}
	amqpClient, err := bus.Dial(cfg.AMQPURL, topo, logger)
	if err != nil {
		log.Fatalf("amqp: %v", err)
	}
	defer amqpClient.Close()
	pub := bus.NewPublisher(amqpClient, retry.Publish(cfg.PublishAttempts, cfg.PublishBackoffStep), logger)

	if created, err := tasks.EnsureTopic(ctx, cfg.KafkaBrokers, tasks.TopicSpec{
		Topic:       cfg.TaskTopic,
		Partitions:  cfg.TaskPartitions,
		Replication: cfg.TaskReplication,
		Retention:   cfg.TaskRetention,
	}); err != nil {
		logger.Warn("task topic not ensured", zap.String("topic", cfg.TaskTopic), zap.Error(err))
	} else if created {
		logger.Info("task topic created", zap.String("topic", cfg.TaskTopic), zap.Duration("retention", cfg.TaskRetention))
	}
	queue := tasks.NewKafkaQueue(cfg.KafkaBrokers, cfg.TaskTopic)
	defer queue.Close()

	engine := ledger.NewEngine(store, pub, logger)
	runner := tasks.NewRunner(cfg.TaskMaxAttempts, logger)
	ledger.NewHandlers(engine, pub, cfg.BankPoolAccount, cfg.DefaultCurrency, logger).Register(runner)

	disp := dispatcher.New("ledger", ledger.Routes, queue, logger)

	metricsSrv := metricsServer(cfg.MetricsAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return amqpClient.ConsumeAll(ctx, cfg.WorkerConcurrency, disp.Handle) })
	g.Go(func() error {
		return runner.Run(ctx, cfg.WorkerConcurrency, func() tasks.Source {
			return tasks.NewKafkaSource(cfg.KafkaBrokers, cfg.TaskTopic, cfg.TaskGroup, logger)
		})
	})
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("started", zap.Strings("tasks", runner.Names()))
	if err := g.Wait(); err != nil {
		logger.Error("stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("bye")
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"service":"` + serviceName + `"}`))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}
