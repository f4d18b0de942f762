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

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/chat-gateway/internal/config"
	"github.com/Cypherspark/chat-gateway/internal/core"
	dbpkg "github.com/Cypherspark/chat-gateway/internal/db"
	"github.com/Cypherspark/chat-gateway/internal/dispatch"
	httpapi "github.com/Cypherspark/chat-gateway/internal/http"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
	"github.com/Cypherspark/chat-gateway/internal/presence"
	"github.com/Cypherspark/chat-gateway/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	if err := dbpkg.Migrate(rootCtx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// ---- Pool stats exporter ----
	poolStats := metrics.NewPGXPoolStats(pool)
	statsStop := make(chan struct{})
	go poolStats.Start(15*time.Second, statsStop)

	store := &core.Store{DB: dbpkg.NewDB(pool)}
	registry := presence.NewRegistry()
	disp := &dispatch.Dispatcher{
		Store:       store,
		Presence:    registry,
		PushTimeout: cfg.PushTimeout,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.PushQPS), cfg.PushBurst),
	}

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
	go func() {
		if err := sweeper.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweeper exited: %v", err)
		}
	}()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, disp, registry)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	go func() {
		log.Printf("HTTP listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	close(statsStop)
	_ = server.Shutdown(shutdownCtx)
}
