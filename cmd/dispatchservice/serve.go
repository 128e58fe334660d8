package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/geodispatch/internal/auth"
	"github.com/example/geodispatch/internal/config"
	"github.com/example/geodispatch/internal/dispatch/coordinator"
	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/handler"
	"github.com/example/geodispatch/internal/dispatch/matching"
	"github.com/example/geodispatch/internal/dispatch/repository"
	"github.com/example/geodispatch/internal/dispatch/spatial"
	"github.com/example/geodispatch/internal/dispatch/store"
	etahandler "github.com/example/geodispatch/internal/eta/handler"
	etasvc "github.com/example/geodispatch/internal/eta/service"
	"github.com/example/geodispatch/internal/location"
	outboxworker "github.com/example/geodispatch/internal/outbox"
	"github.com/example/geodispatch/pkg/observability"
	outboxpkg "github.com/example/geodispatch/pkg/outbox"
)

func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := observability.SetupLogger(cfg.Service.Name, cfg.Service.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracer, err := observability.SetupTracer(cfg.Service.Name, nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background()) //nolint:errcheck
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			logger.Warn("nats connection failed", zap.Error(err))
		} else {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		}
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		if err := outboxworker.Migrate(ctx, db); err != nil {
			return err
		}
	}

	index := buildIndex(cfg, redisClient)
	st := store.New()
	matcher := matching.New(st, index, buildLeases(cfg, redisClient), domain.SystemClock{}, logger, matching.Config{
		CandidateLimit:      cfg.Matching.CandidateLimit,
		InitialRadiusMeters: cfg.Matching.InitialRadiusMeters,
		MaxRadiusMeters:     cfg.Matching.MaxRadiusMeters,
		MaxExpansions:       cfg.Matching.MaxExpansions,
		ClaimRetries:        cfg.Matching.ClaimRetries,
		LeaseTTL:            cfg.Matching.LeaseTTL,
	})

	coord := coordinator.New(st, index, matcher, buildEvents(cfg, db, natsConn, logger), domain.SystemClock{}, logger, coordinator.Config{
		Workers:        cfg.Dispatch.Workers,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		RetryBaseDelay: cfg.Dispatch.RetryBaseDelay,
		RetryMaxDelay:  cfg.Dispatch.RetryMaxDelay,
		MatchGrace:     cfg.Dispatch.MatchGrace,
		SweepInterval:  cfg.Dispatch.SweepInterval,
	})

	var idem repository.IdempotencyRepository = repository.NewMemoryIdempotencyRepo()
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyRepo(redisClient, "", cfg.Redis.IdempotencyTTL)
	}

	eta := etahandler.New(etasvc.New(index, etasvc.Config{
		PickupSpeedKPH: cfg.ETA.PickupSpeedKPH,
		TravelSpeedKPH: cfg.ETA.TravelSpeedKPH,
		SearchRadiusM:  cfg.ETA.SearchRadiusM,
	})).Router()

	ready := func(ctx context.Context) error {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		return nil
	}

	api := chi.NewRouter()
	api.Use(chimiddleware.RequestID, chimiddleware.Recoverer)
	api.Mount("/", handler.NewHTTP(coord, idem, eta, logger).Router(auth.Middleware(cfg.Auth.JWTSecret)))
	api.Mount("/observability", observability.MetricsRouter(ready))

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api, ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout}
	errCh := make(chan error, 4)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := location.NewGRPCServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(coord, logger))
	go func() {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MQTT.Broker != "" {
		client, err := location.Dial(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		sub := location.NewSubscriber(client, coord, logger, location.MQTTConfig{Topic: cfg.MQTT.Topic, QoS: cfg.MQTT.QoS})
		go func() {
			if err := sub.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mqtt: %w", err)
			}
		}()
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.Postgres.OutboxPoll,
			BatchSize:    cfg.Postgres.OutboxBatchSize,
			RetryMax:     cfg.Postgres.OutboxRetryMax,
		})
		go func() {
			if err := worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else if db != nil {
		logger.Warn("outbox relay disabled without nats; events accumulate in postgres")
	}

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("coordinator: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed", zap.Error(runErr))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancel()
	<-coordDone
	logger.Info("dispatch service stopped", zap.Int("pending_orders", coord.Pending()))
	return runErr
}

func buildIndex(cfg *config.Config, client *redis.Client) spatial.Index {
	if cfg.Spatial.Backend == "redis" && client != nil {
		return spatial.NewRedisIndex(client, cfg.Spatial.RedisPrefix)
	}
	return spatial.NewGridIndex(spatial.GridConfig{CellDegrees: cfg.Spatial.CellDegrees})
}

func buildLeases(cfg *config.Config, client *redis.Client) matching.LeaseStore {
	switch {
	case cfg.Matching.Lease == "redis" && client != nil:
		return matching.NewRedisLeaseStore(client, "")
	case cfg.Matching.Lease == "memory":
		return matching.NewMemoryLeaseStore(domain.SystemClock{})
	default:
		return nil
	}
}

// buildEvents prefers the transactional outbox when Postgres is configured and
// falls back to publishing straight to NATS. Events are always logged.
func buildEvents(cfg *config.Config, db *sql.DB, conn *nats.Conn, logger *zap.Logger) domain.EventPublisher {
	sinks := outboxpkg.Fanout{outboxpkg.NewLogPublisher(logger)}
	switch {
	case db != nil:
		sinks = append(sinks, outboxworker.NewRecorder(db, cfg.NATS.SubjectPrefix))
	case conn != nil:
		sinks = append(sinks, outboxpkg.NewPublisher(conn, cfg.NATS.SubjectPrefix))
	default:
		logger.Warn("no event broker configured; lifecycle events are only logged")
	}
	return sinks
}
