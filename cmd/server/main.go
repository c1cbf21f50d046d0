package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/grouplay/betting-engine/internal/config"
	"github.com/grouplay/betting-engine/internal/events"
	"github.com/grouplay/betting-engine/internal/live"
	"github.com/grouplay/betting-engine/internal/market"
	"github.com/grouplay/betting-engine/internal/metrics"
	"github.com/grouplay/betting-engine/internal/settle"
	"github.com/grouplay/betting-engine/internal/store"
	"github.com/grouplay/betting-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Services ---
	ledger := wallet.NewLedger(st)
	markets := market.NewService(st, ledger)
	settler := settle.NewEngine(st)
	hub := live.NewHub(markets)

	// --- Match event consumer ---
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := &events.Consumer{
			Markets:  markets,
			Settler:  settler,
			Hub:      hub,
			Created:  events.NewReader(cfg.KafkaBrokers, cfg.TopicCreated, cfg.ConsumerGroup),
			Finished: events.NewReader(cfg.KafkaBrokers, cfg.TopicFinished, cfg.ConsumerGroup),
		}
		cleanup = append(cleanup, func() { consumer.Close() })
		go consumer.Run(consumerCtx)
		slog.Info("match event consumer started", "brokers", cfg.KafkaBrokers)
	} else {
		slog.Warn("KAFKA_BROKERS not set, match events disabled (HTTP hooks only)")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"betting-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Wallet provisioning and balance.
		r.Post("/wallets", ledger.HandleCreateWallet)
		r.Put("/wallets/{walletID}/status", ledger.HandleSetStatus)
		r.Get("/groups/{groupID}/members/{memberID}/balance", ledger.HandleBalance)

		// Match lifecycle hooks for HTTP collaborators.
		r.Post("/matches", markets.HandleCreateMatch)
		r.Post("/matches/{matchID}/settle", settler.HandleSettle)

		// Market queries.
		r.Get("/groups/{groupID}/markets", markets.HandleListMarkets)
		r.Get("/markets/{marketID}", markets.HandleGetMarket)
		r.Get("/markets/{marketID}/pool", markets.HandleGetPool)
		r.Get("/markets/{marketID}/bets", markets.HandleGetBets)

		// Live update channel, one room per market.
		r.Get("/markets/{marketID}/ws", hub.HandleWS)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("betting-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down betting-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("betting-engine stopped")
}
