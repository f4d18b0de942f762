package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/chat-gateway/internal/config"
	"github.com/Cypherspark/chat-gateway/internal/core"
	dbpkg "github.com/Cypherspark/chat-gateway/internal/db"
	"github.com/Cypherspark/chat-gateway/internal/dispatch"
	"github.com/Cypherspark/chat-gateway/internal/presence"
	"github.com/Cypherspark/chat-gateway/internal/scheduler"
)

// Standalone sweep worker against the shared store. cmd/api runs an
// in-process sweeper already; this binary is for deployments that keep the
// sweep cadence out of the request-serving process. Note it holds no live
// channels, so its deliveries resolve to queued until an API instance with
// the recipient connected picks them up.
func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		exitCode = 1
		return
	}

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("db pool: %v", err)
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := pool.Ping(rootCtx); err != nil {
		log.Printf("db ping: %v", err)
		exitCode = 1
		return
	}

	store := &core.Store{DB: dbpkg.NewDB(pool)}
	registry := presence.NewRegistry()
	disp := &dispatch.Dispatcher{
		Store:       store,
		Presence:    registry,
		PushTimeout: cfg.PushTimeout,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.PushQPS), cfg.PushBurst),
	}

	// ---- Healthz ----
	go serveHealthz(cfg.HealthAddr)

	// ---- Sweeper ----
	sweeper := &scheduler.Sweeper{
		Store:     store,
		Deliverer: disp,
		Opt: scheduler.Options{
			Interval:     cfg.SweepInterval,
			BatchSize:    cfg.SweepBatch,
			DBBackoffMin: cfg.DBBackoffMin,
			DBBackoffMax: cfg.DBBackoffMax,
		},
	}
	if err := sweeper.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("sweeper exited: %v", err)
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}
