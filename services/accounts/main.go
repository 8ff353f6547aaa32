// services/accounts/main.go
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

	m "github.com/example/payflow/pkg/metrics"
)

const serviceName = "accounts"

func main() {
	seed, err := loadSeed(os.Getenv("ACCOUNTS_SEED_FILE"))
	if err != nil {
		log.Fatal(err)
	}
	bank := seed.Bank(getenv("DEFAULT_CURRENCY", "NGN"))

	r := mux.NewRouter()
	r.Use(m.Middleware(serviceName))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "service": serviceName, "ts": time.Now().UTC()})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	bank.Routes(r)

	addr := getenv("HTTP_ADDR", ":8083")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("%s listening at %s (%d accounts)", serviceName, addr, len(seed.Accounts))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("%s shutting down", serviceName)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
