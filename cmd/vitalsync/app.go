package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"vitalsync/internal/broker"
	"vitalsync/internal/config"
	"vitalsync/internal/constants"
	"vitalsync/internal/emergency"
	"vitalsync/internal/history"
	"vitalsync/internal/logger"
	"vitalsync/internal/ratelimit"
	"vitalsync/internal/relay"
	"vitalsync/pkg/bootstrap"
	"vitalsync/pkg/circuitbreaker"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/health"
	"vitalsync/pkg/metrics"
	"vitalsync/pkg/middleware"
	"vitalsync/pkg/migrations"
	iplimit "vitalsync/pkg/ratelimit"
	"vitalsync/pkg/tracing"
)

const memoryStorePruneInterval = time.Minute

type App struct {
	config      *config.Config
	logger      logger.Logger
	base        *bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redis       *redis.Client
	mongoClient *mongo.Client

	memoryStore *ratelimit.MemoryStore
	limiter     *ratelimit.Service
	ipLimiter   *iplimit.IPLimiter
	hub         *relay.Hub
	health      *health.CheckerRegistry

	router         *gin.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.config.Tracing, a.base.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterRateLimitMetrics()
	metrics.RegisterSyncMetrics()
	metrics.RegisterRelayMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterDatabaseMetrics()

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.base.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	if broker.Enabled(a.config.Broker) {
		a.health.RegisterOptional(health.NewKafkaChecker(a.config.Broker.Kafka.Brokers))
	}

	a.initRateLimiter()

	if err := a.initRelay(ctx); err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	a.initRouter()
	a.initServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db
	a.health.Register(health.NewPostgreSQLChecker(db))

	if a.config.Database.RunMigrations {
		if err := migrations.UpPostgres(db); err != nil {
			return err
		}
		a.logger.InfowCtx(ctx, "Database migrations applied")
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		a.redis = rdb
		a.health.Register(health.NewRedisChecker(rdb))
	}

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "MongoDB connection failed, continuing without the emergency audit trail", "error", err)
	} else if mongoClient != nil {
		a.mongoClient = mongoClient
		a.health.RegisterOptional(health.NewMongoDBChecker(mongoClient))
	}
	return nil
}

func (a *App) initRateLimiter() {
	var store ratelimit.Store
	if a.redis != nil {
		store = ratelimit.NewRedisStore(a.redis, a.config.RateLimit.KeyPrefix)
		if a.config.CircuitBreaker.Enabled {
			store = ratelimit.NewBreakerStore(store, circuitbreaker.FromConfig("ratelimit-redis", a.config.CircuitBreaker), a.logger)
		}
	} else {
		a.memoryStore = ratelimit.NewMemoryStore()
		store = a.memoryStore
		a.logger.Warnw("Rate limiter uses the in-memory store, quotas are per instance")
	}
	a.limiter = ratelimit.NewService(store, clock.Real(), a.logger)

	if a.config.RateLimit.HTTP.Enabled {
		a.ipLimiter = iplimit.NewIPLimiter(iplimit.FromConfig(a.config.RateLimit.HTTP))
	}
}

func (a *App) initRelay(ctx context.Context) error {
	opts := relay.Options{
		SendBuffer:      a.config.Relay.SendBuffer,
		WriteTimeout:    a.config.Relay.WriteTimeout,
		MaxMessageBytes: a.config.Relay.MaxMessageBytes,
		AuditTimeout:    constants.AuditTimeout,
	}
	if q := a.config.RateLimit.Live; q.Enabled {
		opts.Limiter = a.limiter
		opts.LiveQuota = ratelimit.Quota{Limit: int64(q.Limit), Interval: q.Interval}
	}

	if a.mongoClient != nil {
		dbName := a.config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		audit, err := emergency.NewMongoAuditRepository(ctx, a.mongoClient.Database(dbName), a.config.Emergency.AuditCollection)
		if err != nil {
			return err
		}
		opts.Audit = audit
	}

	if a.base.Producer != nil {
		kc := a.config.Broker.Kafka
		opts.Fanout = broker.NewTopicPublisher(a.base.Producer, samplesTopic(kc))
		if kc.EmergencyTopic != "" {
			opts.Alerts = broker.NewTopicPublisher(a.base.Producer, kc.EmergencyTopic)
		}
	}

	a.hub = relay.NewHub(opts, a.logger.With("component", "relay"))
	return nil
}

func samplesTopic(kc config.KafkaConfig) string {
	if kc.SamplesTopic != "" {
		return kc.SamplesTopic
	}
	return constants.DefaultSamplesTopic
}

func (a *App) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.logger))

	router.GET("/health", a.health.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("")
	if a.ipLimiter != nil {
		api.Use(a.ipLimiter.Middleware())
		a.logger.Infow("Per-IP rate limiting enabled",
			"rps", a.config.RateLimit.HTTP.RPS,
			"burst", a.config.RateLimit.HTTP.Burst,
		)
	}

	ratelimit.NewHandler(a.limiter, a.logger).RegisterRoutes(api)

	// Ingested samples go wherever relay frames go.
	var publisher history.Publisher = a.hub
	if a.base.Producer != nil {
		publisher = broker.NewTopicPublisher(a.base.Producer, samplesTopic(a.config.Broker.Kafka))
	}
	historySvc := history.NewService(history.NewRepository(a.db), publisher, clock.Real(), a.logger)

	var ingestGuards []gin.HandlerFunc
	if q := a.config.RateLimit.Ingestion; q.Enabled {
		ingestGuards = append(ingestGuards, ratelimit.Guard(a.limiter,
			ratelimit.Quota{Limit: int64(q.Limit), Interval: q.Interval},
			ratelimit.DeviceKey("samples"),
		))
	}
	history.NewHandler(historySvc, a.logger).RegisterRoutes(api, ingestGuards...)

	relay.NewHandler(a.hub, a.config.Relay.AllowedOrigins, a.logger).RegisterRoutes(api)

	a.router = router
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: a.config.Server.ReadTimeoutSeconds,
		ReadTimeout:       a.config.Server.ReadTimeoutSeconds,
		WriteTimeout:      a.config.Server.WriteTimeoutSeconds,
	}
}

// Run serves until ctx is done or a component fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(gctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.base.Consumer != nil {
		topic := samplesTopic(a.config.Broker.Kafka)
		g.Go(func() error {
			err := a.base.Consumer.Consume(gctx, topic, func(_ context.Context, msg broker.Message) error {
				a.hub.Broadcast(msg.SubjectID, msg.Envelope, msg.Origin)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.memoryStore != nil {
		g.Go(func() error {
			a.pruneMemoryStore(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(ctx)
	})

	return g.Wait()
}

// pruneMemoryStore drops buckets whose refill interval has elapsed; they
// would come back full on their next call anyway.
func (a *App) pruneMemoryStore(ctx context.Context) {
	ticker := time.NewTicker(memoryStorePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.memoryStore.Prune(now); n > 0 {
				a.logger.Debugw("Pruned idle rate limit buckets", "count", n)
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
	defer cancel()

	return a.base.Shutdown(shutdownCtx, func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
			}
		}
		// Hijacked WebSocket connections are not covered by server.Shutdown.
		if a.hub != nil {
			a.hub.Close()
		}
		if a.ipLimiter != nil {
			a.ipLimiter.Stop()
		}
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
	})
}
