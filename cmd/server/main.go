package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aryan0dhankhar/tenantguard/internal/app"
	"github.com/aryan0dhankhar/tenantguard/internal/handler"
	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/redis"
	"github.com/aryan0dhankhar/tenantguard/internal/observability/metrics"
	"github.com/aryan0dhankhar/tenantguard/internal/observability/tracing"
	"github.com/aryan0dhankhar/tenantguard/internal/reliability/circuitbreaker"
	"github.com/aryan0dhankhar/tenantguard/internal/reliability/retry"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/ratelimit"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
	"github.com/aryan0dhankhar/tenantguard/internal/worker"
	"github.com/aryan0dhankhar/tenantguard/pkg/cache"
	"github.com/aryan0dhankhar/tenantguard/pkg/config"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Info("starting tenantguard server",
		slog.String("environment", cfg.Environment),
		slog.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 3. Tracing
	shutdownTracing, err := tracing.Init(ctx, log, tracing.Config{
		ServiceName: "tenantguard",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown", slog.String("error", err.Error()))
		}
	}()

	// 4. Store
	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	checks := map[string]handler.Pinger{"store": st.Backend}

	// 5. Token revocations: Redis when configured, otherwise process-local
	g, gctx := errgroup.WithContext(ctx)

	var revocations auth.RevocationStore
	if cfg.RedisURL != "" {
		client, err := retry.Do(ctx, nil, log, "redis connect", func(ctx context.Context) (*redis.Client, error) {
			return redis.NewClient(ctx, cfg.RedisURL)
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()

		breaker := circuitbreaker.NewCircuitBreaker(5, 2, 30*time.Second)
		breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
			log.Warn("redis circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.SetBreakerState("redis", int(to))
		})
		revocations = auth.NewRedisRevocations(client, breaker, log)
		checks["redis"] = client
	} else {
		local := auth.NewMemoryRevocations(cache.New())
		revocations = local

		pruner := worker.NewCleanupWorker(local, log, time.Duration(cfg.RevocationPruneMinutes)*time.Minute)
		g.Go(func() error { return pruner.Start(gctx) })
	}

	// 6. Credentials and tokens
	hasher := app.Hasher(cfg)
	tokens, err := app.Tokens(cfg)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	// 7. Rate limiting
	loginLimiter := ratelimit.NewLimiter(cfg.LoginRatePerMinute, time.Minute)
	defer loginLimiter.Stop()
	apiLimiter := ratelimit.NewLimiter(cfg.APIRatePerMinute, time.Minute)
	defer apiLimiter.Stop()

	// 8. Services and routes
	identityCfg := app.IdentityConfig(cfg, loginLimiter)
	identity := service.NewIdentityService(st.Backend, hasher, tokens, revocations, identityCfg, log)
	admin := service.NewAdminService(st.Backend, tokens, identityCfg, log)

	router := handler.NewRouter(handler.RouterConfig{
		Identity:           identity,
		Admin:              admin,
		Health:             handler.NewHealthHandler(checks, log),
		Limiter:            apiLimiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             log,
	})

	// 9. HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           otelhttp.NewHandler(router, "tenantguard"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		log.Info("server listening",
			slog.Int("port", cfg.ServerPort),
			slog.Int("login_rate_per_minute", cfg.LoginRatePerMinute),
			slog.Int("api_rate_per_minute", cfg.APIRatePerMinute),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 10. Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
