package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/strader/order-engine/internal/auth"
	"github.com/strader/order-engine/internal/config"
	"github.com/strader/order-engine/internal/logging"
	"github.com/strader/order-engine/internal/metrics"
	"github.com/strader/order-engine/internal/store"
	"github.com/strader/order-engine/internal/symbol"
	"github.com/strader/order-engine/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.String("store", cfg.Store), zap.Error(err))
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Reference data ---
	seed, err := symbol.ParseSeed(cfg.SeedStocks)
	if err != nil {
		logger.Fatal("invalid SEED_STOCKS", zap.Error(err))
	}
	if err := store.SeedStocks(ctx, st, seed); err != nil {
		logger.Fatal("seeding stocks failed", zap.Error(err))
	}
	if len(seed) > 0 {
		logger.Info("stocks seeded", zap.Int("count", len(seed)))
	}

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	wsHub := trade.NewWSHub(logger)
	go wsHub.Run(hubCtx)

	// --- Trade service ---
	tradeSvc := trade.NewService(st, logger, wsHub)
	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if cfg.InternalToken == "" {
		logger.Warn("INTERNAL_TOKEN not set, provisioning routes are disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"order-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route is long-lived; everything else gets a deadline.
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			timeout := middleware.Timeout(30 * time.Second)(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.URL.Path == "/api/v1/ws" {
					next.ServeHTTP(w, req)
					return
				}
				timeout.ServeHTTP(w, req)
			})
		})
		tradeSvc.Mount(r, verifier.Middleware, auth.InternalAuth(cfg.InternalToken))
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("order-engine listening", zap.String("port", cfg.Port), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down order-engine...")
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("order-engine stopped")
}

// openStore builds the configured backend, optionally wrapped with the Redis
// cache. cleanup funcs run in reverse order on exit.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.ApplySchema {
			if err := pg.ApplySchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

	case config.StorePebble:
		pb, err := store.OpenPebbleStore(cfg.PebbleDir, nil)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() {
			if err := pb.Close(); err != nil {
				logger.Error("pebble close", zap.Error(err))
			}
		})
		st = pb
		logger.Info("opened Pebble ledger", zap.String("dir", cfg.PebbleDir))

	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}

	return st, cleanup, nil
}
