package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/userhub/libs/config"
	"github.com/md-rashed-zaman/userhub/libs/db"
	"github.com/md-rashed-zaman/userhub/libs/httpx"
	"github.com/md-rashed-zaman/userhub/libs/mongox"
	otelx "github.com/md-rashed-zaman/userhub/libs/otel"
	"github.com/md-rashed-zaman/userhub/libs/runtime"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/cache"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/handlers"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/outbox"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/projection"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/storage"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/users"
	"github.com/md-rashed-zaman/userhub/services/user-service/migrations"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "user-api")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", true) {
		applied, err := pool.Migrate(ctx, migrations.FS, ".")
		if err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		logger.Info("migrations applied", "versions", applied)
	}

	mongoURI, err := config.RequiredString("MONGO_URI")
	if err != nil {
		panic(err)
	}
	mongoClient, err := mongox.Open(ctx, mongoURI, config.String("MONGO_DATABASE", "userhub"))
	if err != nil {
		logger.Error("mongo connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = mongoClient.Close(context.Background()) }()
	if err := projection.EnsureIndexes(ctx, mongoClient); err != nil {
		logger.Error("mongo index creation failed", "err", err)
		panic(err)
	}

	cacheTTL, err := config.Duration("CACHE_TTL", users.DefaultCacheTTL)
	if err != nil {
		panic(err)
	}
	rateLimit, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		panic(err)
	}

	checks := []runtime.ReadyCheck{
		{Name: "postgres", Check: db.ReadyCheck(pool)},
		{Name: "mongo", Check: mongox.ReadyCheck(mongoClient)},
	}

	var (
		userCache cache.Cache
		limiter   httpx.Limiter
	)
	if redisURL := strings.TrimSpace(config.String("REDIS_URL", "")); redisURL != "" {
		rc, err := cache.NewRedis(ctx, redisURL, "userhub")
		if err != nil {
			logger.Error("redis connection failed", "err", err)
			panic(err)
		}
		userCache = rc
		limiter = httpx.NewRedisRateLimiter(rc.Client(), rateLimit, time.Minute, "userhub:rl")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: rc.Ping})
	} else {
		logger.Info("REDIS_URL not set, using in-process cache and rate limiter")
		userCache = cache.NewMemory(cacheTTL)
		limiter = httpx.NewMemoryRateLimiter(rateLimit, time.Minute)
	}
	defer func() { _ = userCache.Close() }()

	svc := users.NewService(
		storage.NewUnitOfWork(pool, outbox.NewRepository(pool)),
		storage.NewUserRepository(),
		projection.NewMongoStore(mongoClient),
		userCache,
		logger,
		users.Config{CacheTTL: cacheTTL},
	)

	router := chi.NewRouter()
	handlers.New(svc, logger).Routes(router)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", httpx.Chain(router,
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(10*time.Second),
	))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "user-api")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.ServeHTTP(ctx, logger, srv); err != nil {
		logger.Error("http server error", "err", err)
	}
}
