package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
	"github.com/xenking/storefront-orders/internal/handler"
	"github.com/xenking/storefront-orders/internal/idempotency"
	"github.com/xenking/storefront-orders/internal/outbox"
	"github.com/xenking/storefront-orders/internal/seed"
	"github.com/xenking/storefront-orders/internal/storage/memory"
	"github.com/xenking/storefront-orders/internal/storage/postgres"
	"github.com/xenking/storefront-orders/pkg/health"
	"github.com/xenking/storefront-orders/pkg/httpmiddleware"
)

// backend is the storage selected by Config.Storage.
type backend struct {
	orders   order.Store
	products product.Repository
	events   outbox.Source
	close  func()
}

func openBackend(ctx context.Context, lg *zap.Logger, cfg *Config, h *health.Health) (*backend, error) {
	if cfg.Storage == StorageMemory {
		store := memory.New()
		if cfg.SeedFile != "" {
			data, err := seed.Load(cfg.SeedFile)
			if err != nil {
				return nil, errors.Wrap(err, "load seed")
			}
			seed.Memory(store, data)
			lg.Info("Seeded memory store", zap.Int("products", len(data.Products)))
		}
		return &backend{orders: store, products: store.Catalog(), events: store, close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if cfg.Migrate {
		n, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		lg.Info("Migrations applied", zap.Int("count", n))
	}
	h.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))

	return &backend{
		orders:   postgres.NewOrderStore(pool),
		products: postgres.NewProductRepository(pool),
		events:   postgres.NewEventLog(pool),
		close:    pool.Close,
	}, nil
}

// openDeduplicator returns a Redis deduplicator when an address is
// configured and an in-process one otherwise.
func openDeduplicator(lg *zap.Logger, cfg *Config, h *health.Health) (order.Deduplicator, func()) {
	if cfg.RedisAddr == "" {
		lg.Info("Idempotency keys kept in memory")
		return idempotency.NewMemory(cfg.IdempotencyTTL), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	h.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return idempotency.NewRedis(client, cfg.IdempotencyTTL), func() { _ = client.Close() }
}

func openPublisher(lg *zap.Logger, cfg *Config) (outbox.Publisher, func()) {
	brokers := outbox.ParseBrokers(cfg.Outbox.Brokers)
	if len(brokers) == 0 {
		lg.Info("No Kafka brokers configured, order events are logged")
		return outbox.LogPublisher{}, func() {}
	}
	p := outbox.NewKafkaPublisher(brokers, cfg.Outbox.Topic)
	return p, func() { _ = p.Close() }
}

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	be, err := openBackend(ctx, lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer be.close()

	dedup, closeDedup := openDeduplicator(lg, cfg, healthSvc)
	defer closeDedup()

	// Domain services.
	orderService, err := order.NewInstrumented(
		order.NewService(be.orders, order.WithDeduplicator(dedup)),
		m.TracerProvider(),
		m.MeterProvider(),
	)
	if err != nil {
		return errors.Wrap(err, "instrument order service")
	}

	// HTTP handlers.
	h := handler.NewHandler(
		handler.HandlerConfig{ImageBaseURL: cfg.ImageBaseURL},
		orderService,
		be.products,
		handler.NewAuthenticator([]byte(cfg.JWTSecret)),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	mux.HandleFunc("GET /health", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes())

	api := httpmiddleware.Wrap(mux,
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.RequestID(),
		httpmiddleware.LogRequests(),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", handler.HeaderIdempotencyKey},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           24 * time.Hour,
		}),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: h.PrincipalKey,
		}),
		httpmiddleware.Timeout(cfg.RequestTimeout),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(api, "storefront-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return healthSvc.Run(gCtx, 10*time.Second)
	})

	publisher, closePublisher := openPublisher(lg, cfg)
	defer closePublisher()

	relay := outbox.NewRelay(be.events, publisher, outbox.RelayConfig{
		Interval:  cfg.Outbox.Interval,
		BatchSize: cfg.Outbox.BatchSize,
	})
	g.Go(func() error {
		return relay.Run(gCtx)
	})

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
