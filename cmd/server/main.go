package main

import (
	"context"
	"errors"
	"flag"
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
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/edgemarket/trade-engine/internal/admin"
	"github.com/edgemarket/trade-engine/internal/balance"
	"github.com/edgemarket/trade-engine/internal/config"
	"github.com/edgemarket/trade-engine/internal/event"
	"github.com/edgemarket/trade-engine/internal/instrument"
	"github.com/edgemarket/trade-engine/internal/metrics"
	"github.com/edgemarket/trade-engine/internal/price"
	"github.com/edgemarket/trade-engine/internal/registry"
	"github.com/edgemarket/trade-engine/internal/risk"
	"github.com/edgemarket/trade-engine/internal/settle"
	"github.com/edgemarket/trade-engine/internal/store"
	"github.com/edgemarket/trade-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	var st store.Store
	var cleanup []func()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.InitSchema(ctx); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event sinks ---
	hub := event.NewHub()
	go hub.Run()

	var sink event.Sink = hub
	if rdb != nil && cfg.Redis.Channel != "" {
		sink = event.MultiSink{hub, event.NewRedisSink(rdb, cfg.Redis.Channel)}
	}

	// --- Price feed ---
	catalog := instrument.Defaults()
	feed := price.NewFeed(catalog, cfg.Price.Interval.Duration, cfg.Price.Seed)
	feed.OnTick = func(instrumentID string, p decimal.Decimal, at time.Time) {
		hub.Publish(event.Event{
			Type:         event.TypePriceTick,
			InstrumentID: instrumentID,
			Price:        p.String(),
		})
	}

	// --- Core components ---
	ledger := balance.NewLedger(st)
	reg := registry.New(st)
	limiter := risk.NewStakeLimiter(
		decimal.NewFromFloat(cfg.Risk.MaxStakePerInstrument),
		decimal.NewFromFloat(cfg.Risk.MaxOpenStake),
	)

	rule := settle.NewPayoutRule(
		decimal.NewFromFloat(cfg.Engine.PayoutRatio),
		cfg.Engine.ProfitOnly,
		settle.RuleKind(cfg.Engine.Rule),
		cfg.Engine.WinProbability,
		cfg.Engine.RuleSeed,
	)
	engine := settle.NewEngine(reg, ledger, st, feed, sink, rule,
		cfg.Engine.GracePeriod.Duration, cfg.Engine.RetryMax, cfg.Engine.RetryBase.Duration)
	scheduler := settle.NewScheduler(reg, engine, st, cfg.Engine.Tick.Duration)

	tradeSvc := trade.NewService(st, reg, ledger, feed, limiter, sink, catalog, cfg.Trade.Durations)
	adminSvc := admin.NewService(st, ledger, sink)

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
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for price ticks and settlement events.
		r.Get("/ws", hub.HandleWS)

		// Trading.
		r.Post("/trades", tradeSvc.HandleOpenTrade)
		r.Get("/trades/active", tradeSvc.HandleActiveTrades)
		r.Get("/instruments", tradeSvc.HandleInstruments)

		// Users & balances.
		r.Post("/users", tradeSvc.HandleCreateUser)
		r.Get("/users/{userID}/balance", tradeSvc.HandleBalance)
		r.Get("/users/{userID}/ledger", tradeSvc.HandleLedger)
		r.Post("/convert", tradeSvc.HandleConvert)
		r.Post("/funding", tradeSvc.HandleFundingRequest)

		// Admin.
		r.Route("/admin", func(r chi.Router) {
			r.Get("/funding", adminSvc.HandleListFunding)
			r.Post("/funding/{id}/approve", adminSvc.HandleApproveFunding)
			r.Post("/funding/{id}/reject", adminSvc.HandleRejectFunding)
			r.Post("/users/{id}/suspend", adminSvc.HandleSuspendUser)
			r.Post("/users/{id}/activate", adminSvc.HandleActivateUser)
			r.Put("/users/{id}/balance", adminSvc.HandleAdjustBalance)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return feed.Run(gctx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("trade-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down trade-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("trade-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("trade-engine stopped")
}
