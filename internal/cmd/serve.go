package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/opsrelay-systems/opsrelay/internal/archive"
	"github.com/opsrelay-systems/opsrelay/internal/auth"
	"github.com/opsrelay-systems/opsrelay/internal/correlator"
	"github.com/opsrelay-systems/opsrelay/internal/deadletter"
	"github.com/opsrelay-systems/opsrelay/internal/delivery"
	"github.com/opsrelay-systems/opsrelay/internal/incident"
	natsclient "github.com/opsrelay-systems/opsrelay/internal/messaging/nats"
	"github.com/opsrelay-systems/opsrelay/internal/normalizer"
	"github.com/opsrelay-systems/opsrelay/internal/pipeline"
	"github.com/opsrelay-systems/opsrelay/internal/routing"
	"github.com/opsrelay-systems/opsrelay/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Starts the event pipeline and the HTTP API.

Postgres, NATS, Redis, and OpenSearch are each optional; disabled
backends fall back to in-process equivalents, which makes a bare
"opsrelay serve" a fully working single-node relay.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rules, err := routing.LoadFile(cfg.Routing.RulesFile)
	if err != nil {
		return fmt.Errorf("load routing rules: %w", err)
	}
	logger.Info("routing rules loaded",
		"file", cfg.Routing.RulesFile, "rules", len(rules.List()),
		"default_target", rules.DefaultTarget())

	// Redis-backed router state lets multiple relay instances share the
	// round-robin cursor and fallback availability markers.
	var (
		cursors      routing.CursorStore
		availability routing.AvailabilityStore
	)
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer redisClient.Close()
		cursors = routing.NewRedisCursorStore(redisClient)
		availability = routing.NewRedisAvailabilityStore(redisClient)
		logger.Info("router state in redis", "url", cfg.Redis.URL)
	}

	// Message bus. Without NATS, deliveries are logged and the dead-letter
	// queue lives in memory.
	var (
		deliverer  routing.Deliverer = delivery.NewLogDeliverer(logger)
		dlq        deadletter.Queue  = deadletter.NewMemoryQueue(1000)
		busAggs    correlator.Notifier
		transition incident.TransitionNotifier
	)
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		js, err := natsclient.NewJetStreamClient(natsCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer js.Drain()

		dlq, err = deadletter.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			return fmt.Errorf("initialize dead-letter stream: %w", err)
		}

		deliverer = delivery.NewBusDeliverer(js, logger)
		busAggs = delivery.NewAggregatePublisher(js)
		transition = delivery.NewTransitionPublisher(js)
		logger.Info("message bus connected", "url", cfg.NATS.URL)
	}

	// Event archive.
	var archiver archive.Archiver = archive.Noop{}
	if cfg.Archive.Enabled {
		osClient, err := archive.NewClient(archive.Config{
			URL:           cfg.Archive.URL,
			Username:      cfg.Archive.Username,
			Password:      cfg.Archive.Password,
			TLSSkipVerify: cfg.Archive.Insecure,
			EventIndex:    cfg.Archive.Index,
		}, logger)
		if err != nil {
			return fmt.Errorf("create archive client: %w", err)
		}
		if err := osClient.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize archive: %w", err)
		}
		archiver = osClient
		logger.Info("event archive enabled", "url", cfg.Archive.URL, "index", cfg.Archive.Index)
	}

	router := routing.NewRouter(rules, deliverer, cursors, availability, dlq, logger)

	fanout := pipeline.NewAggregateFanout(archiver, busAggs, logger)
	corr := correlator.New(correlator.Config{
		TimeWindow:    cfg.Correlation.TimeWindow,
		MaxGroupSize:  cfg.Correlation.MaxGroupSize,
		MinEvents:     cfg.Correlation.MinEvents,
		GroupBy:       cfg.Correlation.GroupBy,
		SweepInterval: cfg.Correlation.SweepInterval,
	}, fanout, logger)

	p := pipeline.New(pipeline.Config{
		QueueSize: cfg.Pipeline.QueueSize,
		Workers:   cfg.Pipeline.Workers,
	}, normalizer.DefaultRegistry(), router, corr, archiver, dlq, logger)
	p.Start(ctx, cfg.Pipeline.Workers)

	// Incident store.
	var store incident.Store = incident.NewMemoryStore()
	if cfg.Database.Postgres.Enabled {
		connString := cfg.Database.Postgres.ConnString()

		logger.Info("running database migrations")
		m, err := migrate.New("file://migrations", connString)
		if err != nil {
			return fmt.Errorf("initialize migrations: %w", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("run migrations: %w", err)
		}

		pgStore, err := incident.NewPostgresStore(ctx, connString)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		store = pgStore
		logger.Info("incident store in postgres",
			"host", cfg.Database.Postgres.Host, "database", cfg.Database.Postgres.Database)
	}
	defer store.Close()

	manager := incident.NewManager(store, transition, logger)

	var tokens *auth.TokenService
	if cfg.Auth.TokenSecret != "" {
		tokens = auth.NewTokenService(cfg.Auth.TokenSecret, 0)
	} else {
		logger.Warn("no token secret configured, trusting X-Actor headers")
	}

	handler := server.NewHandler(p, rules, router, manager, corr, dlq, tokens, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("opsrelay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	p.Stop()
	cancel()
	logger.Info("stopped")
	return nil
}
