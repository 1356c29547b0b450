package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	httpapi "github.com/metatocome/hyperflow/http/api"
	"github.com/metatocome/hyperflow/internal/cache"
	"github.com/metatocome/hyperflow/internal/engine"
	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API, timer scanner and cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), v)
		},
	}
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger := newLogger(v)
	slog.SetDefault(logger)

	secret := v.GetString("jwt.secret")
	if secret == "" {
		return errors.New("jwt.secret is required")
	}

	store, closeStore, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := openCache(v)
	if err != nil {
		return err
	}

	observer := api.NewCompositeObserver(
		api.NewLoggingObserver(logger),
		api.NewMetricsObserver(nil),
	)
	eng := engine.NewEngineWithConfig(engine.Config{
		Store:    store,
		Cache:    c,
		Observer: observer,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner := worker.NewScanner(worker.ScannerConfig{
		Engine:   eng,
		Store:    store,
		Logger:   logger,
		Interval: v.GetDuration("scanner.interval"),
	})
	go func() {
		if err := scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scanner stopped", "err", err)
		}
	}()

	scheduler := worker.NewScheduler(worker.SchedulerConfig{
		Engine: eng,
		Store:  store,
		Logger: logger,
		Quota:  v.GetInt("cron.quota"),
	})
	if err := scheduler.Rehydrate(ctx); err != nil {
		return fmt.Errorf("crontab rehydration: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := httpapi.NewServer(httpapi.Config{
		Engine:    eng,
		Scheduler: scheduler,
		Cache:     c,
		Logger:    logger,
		JWTSecret: []byte(secret),
	})
	e := srv.NewEcho()

	listen := v.GetString("listen")
	go func() {
		logger.Info("hyperflow serving", "listen", listen, "store", v.GetString("store"))
		if err := e.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newLogger(v *viper.Viper) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if v.GetString("log.format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func openStore(ctx context.Context, v *viper.Viper) (persistence.Store, func(), error) {
	switch backend := v.GetString("store"); backend {
	case "memory":
		return persistence.NewMemStore(), func() {}, nil

	case "sqlite":
		db, err := sql.Open("sqlite", v.GetString("sqlite.path"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		return store, func() { db.Close() }, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(v.GetString("mongo.uri")))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		store, err := persistence.NewMongoStore(ctx, client, v.GetString("mongo.db"))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("init mongo store: %w", err)
		}
		return store, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func openCache(v *viper.Viper) (cache.Cache, error) {
	addr := v.GetString("redis.addr")
	if addr == "" {
		return cache.NewMemCache(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	})
	return cache.NewRedisCache(client, "hyperflow"), nil
}
