package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/userhub/libs/amqpx"
	"github.com/md-rashed-zaman/userhub/libs/config"
	"github.com/md-rashed-zaman/userhub/libs/db"
	"github.com/md-rashed-zaman/userhub/libs/grpcx"
	"github.com/md-rashed-zaman/userhub/libs/httpx"
	"github.com/md-rashed-zaman/userhub/libs/kafkax"
	"github.com/md-rashed-zaman/userhub/libs/mongox"
	otelx "github.com/md-rashed-zaman/userhub/libs/otel"
	"github.com/md-rashed-zaman/userhub/libs/runtime"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/broker"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/cache"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/consumer"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/inbox"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/metrics"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/outbox"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/projection"
	"github.com/md-rashed-zaman/userhub/services/user-service/migrations"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "user-worker")
	port, err := config.Port("PORT", "9090")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9091")
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

	if config.Bool("MIGRATE_ON_START", false) {
		if _, err := pool.Migrate(ctx, migrations.FS, "."); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
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

	batchSize, err := config.Int("RELAY_BATCH_SIZE", outbox.DefaultBatchSize)
	if err != nil {
		panic(err)
	}
	pollInterval, err := config.Duration("RELAY_POLL_INTERVAL", outbox.DefaultPollInterval)
	if err != nil {
		panic(err)
	}
	prefetch, err := config.Int("AMQP_PREFETCH", broker.DefaultPrefetch)
	if err != nil {
		panic(err)
	}

	m := metrics.New()
	retry := broker.DefaultRetryPolicy()
	retry.OnAttempt = func(_ int, err error) { m.PublishAttempt(err == nil) }

	checks := []runtime.ReadyCheck{
		{Name: "postgres", Check: db.ReadyCheck(pool)},
		{Name: "mongo", Check: mongox.ReadyCheck(mongoClient)},
	}

	var (
		publisher  broker.Publisher
		subscriber broker.Subscriber
	)
	switch kind := strings.ToLower(config.String("BROKER", "amqp")); kind {
	case "amqp":
		amqpURL, err := config.RequiredString("AMQP_URL")
		if err != nil {
			panic(err)
		}
		subCfg := broker.AMQPSubscriberConfig{
			Exchange:    config.String("AMQP_EXCHANGE", broker.DefaultExchange),
			Queue:       config.String("AMQP_QUEUE", broker.DefaultQueue),
			Binding:     config.String("AMQP_BINDING", broker.DefaultBinding),
			Prefetch:    prefetch,
			ConsumerTag: service,
		}
		pubConn := amqpx.New(amqpURL,
			amqpx.WithTopology(amqpx.DeclareTopicExchange(subCfg.Exchange)),
			amqpx.WithLogger(logger.With("conn", "publisher")),
		)
		defer func() { _ = pubConn.Close() }()
		subConn := amqpx.New(amqpURL,
			amqpx.WithTopology(broker.ConsumerTopology(subCfg)),
			amqpx.WithLogger(logger.With("conn", "consumer")),
		)
		defer func() { _ = subConn.Close() }()

		publisher = broker.NewAMQPPublisher(pubConn, subCfg.Exchange, retry, logger)
		subscriber = broker.NewAMQPSubscriber(subConn, subCfg, logger)
		checks = append(checks, runtime.ReadyCheck{Name: "amqp", Check: amqpx.ReadyCheck(pubConn)})
	case "kafka":
		rawBrokers, err := config.RequiredString("KAFKA_BROKERS")
		if err != nil {
			panic(err)
		}
		topic := config.String("KAFKA_TOPIC", broker.DefaultKafkaTopic)
		kp := broker.NewKafkaPublisher(kafkax.SplitBrokers(rawBrokers), topic, retry)
		defer func() { _ = kp.Close() }()

		publisher = kp
		subscriber = broker.NewKafkaSubscriber(kafkaSubscriberConfig(rawBrokers, topic), logger)
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(rawBrokers)})
	default:
		panic("BROKER must be amqp or kafka (got " + kind + ")")
	}

	projector := consumer.New(inbox.NewRepository(pool), projection.NewMongoStore(mongoClient), logger, m)
	if redisURL := strings.TrimSpace(config.String("REDIS_URL", "")); redisURL != "" {
		rc, err := cache.NewRedis(ctx, redisURL, "userhub")
		if err != nil {
			logger.Error("redis connection failed", "err", err)
			panic(err)
		}
		defer func() { _ = rc.Close() }()
		projector.WithCache(rc)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: rc.Ping})
	}

	relay := outbox.NewRelay(outbox.NewRepository(pool), publisher, logger, m, outbox.RelayConfig{
		BatchSize:    batchSize,
		PollInterval: pollInterval,
	})

	grpcSrv := grpcx.NewServer(logger)
	health := grpcx.RegisterHealth(grpcSrv)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpx.Chain(mux, httpx.WithRequestID, httpx.WithRecover(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.Set("relay", true)
		defer health.Set("relay", false)
		return relay.Run(gctx)
	})
	g.Go(func() error {
		health.Set("consumer", true)
		defer health.Set("consumer", false)
		return projector.Run(gctx, subscriber)
	})
	g.Go(func() error {
		health.Set("", true)
		return grpcx.Serve(gctx, logger, grpcSrv, ":"+grpcPort)
	})
	g.Go(func() error {
		return runtime.ServeHTTP(gctx, logger, srv)
	})
	g.Go(func() error {
		<-gctx.Done()
		health.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", "err", err)
		return
	}
	logger.Info("worker stopped")
}

func kafkaSubscriberConfig(rawBrokers, topic string) broker.KafkaSubscriberConfig {
	return broker.KafkaSubscriberConfig{
		Brokers: kafkax.SplitBrokers(rawBrokers),
		Topic:   topic,
		GroupID: config.String("KAFKA_GROUP_ID", broker.DefaultQueue),
		Binding: config.String("KAFKA_BINDING", broker.DefaultBinding),
	}
}
