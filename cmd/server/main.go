package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/arbitration-proxy/internal/api"
	"github.com/atmx/arbitration-proxy/internal/arbitrator"
	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/config"
	"github.com/atmx/arbitration-proxy/internal/events"
	"github.com/atmx/arbitration-proxy/internal/home"
	"github.com/atmx/arbitration-proxy/internal/ledger"
	"github.com/atmx/arbitration-proxy/internal/metrics"
	"github.com/atmx/arbitration-proxy/internal/proxy"
	"github.com/atmx/arbitration-proxy/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("arbitration-proxy failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("arbitration-proxy stopped")
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notifications ---
	wsHub := events.NewWSHub()
	wsHub.OnClients(func(n int) { metrics.WebSocketClients.Set(float64(n)) })
	notifier := events.Multi{events.LogNotifier{}, metrics.Recorder{}, wsHub}

	// --- Arbitrator and treasury ---
	arb := arbitrator.NewCentralized(cfg.Proxy.ArbitratorAddress, cfg.ArbitrationCost, cfg.AppealCost)
	treasury := ledger.NewMemoryLedger()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(ctx) })

	// --- Bridge ---
	var (
		messenger bridge.Messenger
		homeProxy *home.Proxy
		oracle    *home.MemoryOracle
		loopback  *bridge.Loopback
	)
	if cfg.Bridged() {
		km, err := bridge.NewKafkaMessenger(cfg.KafkaBrokers, cfg.Proxy.Transport, cfg.KafkaTopicPrefix,
			cfg.Proxy.Domain, cfg.Proxy.Address)
		if err != nil {
			return fmt.Errorf("kafka messenger: %w", err)
		}
		cleanup = append(cleanup, func() { km.Close() })
		messenger = km
		slog.Info("bridge over Kafka", "brokers", cfg.KafkaBrokers, "topic_prefix", cfg.KafkaTopicPrefix)
	} else {
		loopback = bridge.NewLoopback(cfg.Proxy.Transport)
		cleanup = append(cleanup, loopback.Close)
		messenger = loopback.Endpoint(cfg.Proxy.Domain, cfg.Proxy.Address)

		oracle = home.NewMemoryOracle()
		hs := cfg.HomeSettings()
		homeProxy = home.New(hs, oracle, loopback.Endpoint(hs.Domain, hs.Address))
		loopback.Register(hs.Domain, hs.Address, homeProxy)
		slog.Warn("KAFKA_BROKERS not set, running the home domain in process")
	}

	// --- Proxy service ---
	svc, err := proxy.New(cfg.Proxy, st, arb, messenger, treasury, notifier)
	if err != nil {
		return err
	}
	arb.SetRuler(svc)

	switch {
	case cfg.Bridged() && cfg.HTTPRelay():
		slog.Info("inbound envelopes arrive from the HTTP relayer")
	case cfg.Bridged():
		relay, err := bridge.NewKafkaRelay(cfg.KafkaBrokers, cfg.Proxy.Transport, cfg.KafkaGroupID,
			cfg.KafkaTopicPrefix, cfg.Proxy.Domain, svc)
		if err != nil {
			return fmt.Errorf("kafka relay: %w", err)
		}
		cleanup = append(cleanup, func() { relay.Close() })
		g.Go(func() error { return relay.Run(ctx) })
	default:
		loopback.Register(cfg.Proxy.Domain, cfg.Proxy.Address, svc)
		g.Go(func() error { return loopback.Run(ctx, cfg.RelayInterval) })
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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"arbitration-proxy"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/v1/ws", wsHub.HandleWS)

	api.New(svc, apiOptions(cfg, arb, homeProxy, oracle)...).Register(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("arbitration-proxy listening", "port", cfg.Port, "domain", cfg.Proxy.Domain, "peer", cfg.Proxy.PeerDomain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down arbitration-proxy...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// apiOptions selects the optional API surfaces. The arbitrator's owner routes
// and the home domain are development surfaces; a bridged deployment exposes
// neither.
func apiOptions(cfg config.Config, arb *arbitrator.Centralized, homeProxy *home.Proxy, oracle *home.MemoryOracle) []api.Option {
	var opts []api.Option
	if !cfg.Bridged() {
		opts = append(opts, api.WithArbitrator(arb))
		if homeProxy != nil {
			opts = append(opts, api.WithHome(homeProxy, oracle))
		}
	}
	if cfg.HTTPRelay() {
		opts = append(opts, api.WithRelay(bridge.HTTPTransport, cfg.RelayToken))
	}
	return opts
}
