// services/api-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/accountclient"
	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/internal/logging"
	"github.com/example/payflow/internal/payment"
	"github.com/example/payflow/internal/postgres"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
	m "github.com/example/payflow/pkg/metrics"
	"github.com/example/payflow/services/api-gateway/admin"
	"github.com/example/payflow/services/api-gateway/client"
	"github.com/example/payflow/services/api-gateway/handlers"
)

const serviceName = "api-gateway"

func main() {
	cfg := config.Load(serviceName)
	if err := cfg.Require("DB_SOURCE", "AMQP_URL", "TASK_TOPIC", "LEDGER_GRPC_ADDR"); err != nil {
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
	store := payment.NewPGStore(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	topo, err := bus.LoadTopology("payment")
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

	accounts := accountclient.New(cfg.AccountServiceURL, accountclient.Options{
		Timeout:     cfg.RemoteTimeout,
		MaxInflight: cfg.RemoteMaxInflight,
	}, logger)
	saga := payment.NewOrchestrator(store, accounts, pub, logger)
	svc := payment.NewService(saga, queue, payment.ServiceConfig{
		BankPoolAccount: cfg.BankPoolAccount,
		DefaultCurrency: cfg.DefaultCurrency,
	}, logger)
	reaper := payment.NewReaper(saga, cfg.PendingTTL, logger)

	grpcClients, err := client.NewGRPC(cfg.LedgerGRPCAddr)
	if err != nil {
		log.Fatalf("init grpc clients: %v", err)
	}
	defer grpcClients.Close()

	r := mux.NewRouter()
	r.Use(m.Middleware(serviceName))

	// metrics & health
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz(func(ctx context.Context) error { return db.Ping(ctx) })).Methods(http.MethodGet)

	// API
	handlers.Routes(r, handlers.Deps{Payments: svc, Ledger: grpcClients.Ledger, Logger: logger})
	admin.NewAdminServer(svc, reaper, grpcClients.Ledger, logger).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           cors.AllowAll().Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func healthz(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		ok := true
		if err := ping(ctx); err != nil {
			status, ok = http.StatusServiceUnavailable, false
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      ok,
			"service": serviceName,
			"ts":      time.Now().UTC(),
		})
	}
}
