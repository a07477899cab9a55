// Package app wires the API server and the redemption worker.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/handler"
	"github.com/xenking/shopfront/internal/queue"
	"github.com/xenking/shopfront/internal/repository"
	"github.com/xenking/shopfront/internal/worker"
	"github.com/xenking/shopfront/pkg/health"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

const meterName = "github.com/xenking/shopfront"

// openDatabase connects to PostgreSQL and applies the schema.
func openDatabase(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.PoolConfig())
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return pool, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the API.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg, logFile := WithFileSink(lg, cfg.Log)
	defer func() { _ = logFile.Close() }()
	ctx = zctx.Base(ctx, lg)

	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.Bool("queue", cfg.QueueEnabled()),
	)

	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	healthSvc := health.New()
	healthSvc.Register(health.Check{
		Name:    "postgres",
		Probe:   health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.PingCheck(pool),
	})
	healthSvc.Register(health.Check{
		Name:    "goroutines",
		Probe:   health.Liveness,
		Timeout: time.Second,
		Func:    health.GoroutineCountCheck(10000),
	})

	// Retry queue. Without redis, failed redemptions are only logged.
	var retries order.RedemptionQueue
	if cfg.QueueEnabled() {
		opt, err := cfg.RedisConnOpt()
		if err != nil {
			return err
		}
		client := queue.NewClient(opt, cfg.QueueClientConfig())
		defer func() { _ = client.Close() }()
		retries = client

		rdb, err := newRedis(cfg.Queue.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.Register(health.Check{
			Name:    "redis",
			Probe:   health.Readiness,
			Timeout: 2 * time.Second,
			Func:    health.RedisCheck(rdb),
		})
	}

	h, err := newHandler(ctx, lg, cfg, pool, retries, healthSvc, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return err
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           h,
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// RunWorker consumes redemption retry tasks until ctx is done.
func RunWorker(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg, logFile := WithFileSink(lg, cfg.Log)
	defer func() { _ = logFile.Close() }()
	ctx = zctx.Base(ctx, lg)

	if !cfg.QueueEnabled() {
		return errors.New("redis URL is required: set SHOP_QUEUE_REDIS_URL or REDIS_URL")
	}
	opt, err := cfg.RedisConnOpt()
	if err != nil {
		return err
	}

	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	couponSvc, err := coupon.NewService(
		repository.NewCouponRepository(pool),
		m.MeterProvider().Meter(meterName),
	)
	if err != nil {
		return errors.Wrap(err, "create coupon service")
	}

	mux := asynq.NewServeMux()
	worker.NewConsumer(couponSvc, lg).Register(mux)

	srv := worker.NewServer(opt, cfg.WorkerConfig(), lg)
	if err := srv.Start(mux); err != nil {
		return errors.Wrap(err, "start worker")
	}
	lg.Info("Worker started", zap.Int("concurrency", cfg.Queue.Concurrency))

	<-ctx.Done()
	lg.Info("Shutting down worker")
	srv.Shutdown()
	return nil
}

// newHandler builds the full HTTP surface on top of pool: health probes, the
// storefront and admin API, and the middleware chain. Limiter eviction runs
// until ctx is done.
func newHandler(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	pool *pgxpool.Pool,
	retries order.RedemptionQueue,
	healthSvc *health.Health,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (http.Handler, error) {
	pricing, err := cfg.PricingRules()
	if err != nil {
		return nil, err
	}

	productRepo := repository.NewProductRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	couponSvc, err := coupon.NewService(couponRepo, mp.Meter(meterName))
	if err != nil {
		return nil, errors.Wrap(err, "create coupon service")
	}
	orderSvc := order.NewService(productRepo, couponSvc, orderRepo, retries, pricing, tp)
	catalog := product.NewCatalog(productRepo, cfg.ImageBaseURL)

	globalLimiter := httpmiddleware.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	validateLimiter := httpmiddleware.NewLimiter(cfg.RateLimit.ValidateMax, cfg.RateLimit.ValidateWindow)
	go globalLimiter.Run(ctx)
	go validateLimiter.Run(ctx)

	api := handler.New(catalog, couponSvc, orderSvc).Router(handler.RouterConfig{
		Auth:            auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
		ValidateLimiter: validateLimiter,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", api)

	return httpmiddleware.Wrap(mux,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, "Retry-After"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(globalLimiter, nil),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("shopfront-api", tp, mp),
		httpmiddleware.LogRequests(),
	), nil
}

func newRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opt), nil
}
