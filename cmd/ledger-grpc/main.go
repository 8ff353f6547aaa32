// cmd/ledger-grpc/main.go
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gp "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/internal/grpcserver"
	"github.com/example/payflow/internal/ledger"
	"github.com/example/payflow/internal/logging"
	"github.com/example/payflow/internal/postgres"
	"github.com/example/payflow/internal/retry"
)

const serviceName = "ledger-grpc"

func main() {
	cfg := config.Load(serviceName)
	if err := cfg.Require("DB_SOURCE", "AMQP_URL"); err != nil {
		log.Fatal(err)
	}
	logger := logging.Must(serviceName, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := postgres.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("[ledger-grpc] connect db: %v", err)
	}
	defer db.Close()
	store := ledger.NewPGStore(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("[ledger-grpc] migrate: %v", err)
	}

	// Posts made over gRPC announce ledger.transaction.created like the consumers do.
	topo, err := bus.LoadTopology("ledger")
	if err != nil {
		log.Fatalf("[ledger-grpc] topology: %v", err)
	}
	amqpClient, err := bus.Dial(cfg.AMQPURL, topo, logger)
	if err != nil {
		log.Fatalf("[ledger-grpc] amqp: %v", err)
	}
	defer amqpClient.Close()
	pub := bus.NewPublisher(amqpClient, retry.Publish(cfg.PublishAttempts, cfg.PublishBackoffStep), logger)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(gp.UnaryServerInterceptor),
		grpc.StreamInterceptor(gp.StreamServerInterceptor),
	)
	grpcserver.RegisterLedgerServer(grpcServer, &grpcserver.LedgerServer{
		Engine: ledger.NewEngine(store, pub, logger),
		Logger: logger,
	})

	// Default gRPC metrics
	gp.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("[ledger-grpc] listen %s: %v", cfg.GRPCAddr, err)
	}
	go func() {
		log.Printf("[ledger-grpc] serving gRPC on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("[ledger-grpc] grpc serve: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("[ledger-grpc] serving metrics on %s /metrics", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ledger-grpc] metrics serve: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("[ledger-grpc] shutting down...")
	grpcServer.GracefulStop()
	_ = metricsSrv.Shutdown(context.Background())
	log.Println("[ledger-grpc] bye")
}
