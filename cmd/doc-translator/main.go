package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/aliskhannn/doc-translator/internal/api/handlers/translation"
	"github.com/aliskhannn/doc-translator/internal/api/router"
	"github.com/aliskhannn/doc-translator/internal/api/server"
	"github.com/aliskhannn/doc-translator/internal/api/stream"
	"github.com/aliskhannn/doc-translator/internal/config"
	"github.com/aliskhannn/doc-translator/internal/executor"
	"github.com/aliskhannn/doc-translator/internal/infra/database"
	"github.com/aliskhannn/doc-translator/internal/infra/kafka/consumer"
	"github.com/aliskhannn/doc-translator/internal/infra/kafka/producer"
	requestmsg "github.com/aliskhannn/doc-translator/internal/kafka/handlers/translation"
	"github.com/aliskhannn/doc-translator/internal/limiter"
	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/progress"
	taskrepo "github.com/aliskhannn/doc-translator/internal/repository/task"
	translationsvc "github.com/aliskhannn/doc-translator/internal/service/translation"
	"github.com/aliskhannn/doc-translator/internal/storage/file"
	"github.com/aliskhannn/doc-translator/internal/translator"
)

// fileStorage is implemented by both storage backends.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Find(ctx context.Context, prefix string) (string, error)
	Delete(ctx context.Context, key string) error
}

// notifier receives task status transitions.
type notifier interface {
	Notify(ctx context.Context, t model.Task) error
}

func main() {
	configPath := pflag.StringP("config", "c", "./config/config.yml", "path to the configuration file")
	pflag.Parse()

	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad(*configPath)
	setLogLevel(cfg.Server.LogLevel)

	db, err := database.Open(cfg.Database)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close database")
		}
	}()

	repo := taskrepo.NewRepository(db.Primary, db.Replica)
	if err := repo.Migrate(ctx); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Retry strategy for Kafka and terminal store writes.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	storage, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	gate, err := limiter.New(cfg.Scheduler.Capacity)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create limiter")
	}

	bus := progress.New(progress.Options{
		PingInterval: cfg.Scheduler.PingInterval,
		Retention:    cfg.Scheduler.EventRetention,
	})

	// Lifecycle events are produced only when Kafka is enabled.
	var events notifier
	var p *producer.Producer
	if cfg.Kafka.Enabled {
		p = producer.New(&cfg.Kafka, strategy)
		events = p
	}

	engine := translator.NewCommand(cfg.Engine.Command, cfg.Engine.Args...).WithTimeout(cfg.Engine.Timeout)
	staged := translator.NewStaged(engine, storage, cfg.Engine.WorkDir)

	exec := executor.New(repo, bus, staged, events, executor.Options{
		PersistInterval: cfg.Scheduler.PersistInterval,
		UpdateBuffer:    cfg.Scheduler.UpdateBuffer,
		Retry:           strategy,
	})
	service := translationsvc.NewService(repo, exec, gate, bus, storage, events)

	// Interrupted tasks are failed before anything is accepted.
	n, err := service.Recover(ctx)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to recover interrupted tasks")
	}
	zlog.Logger.Info().Int("recovered", n).Int("capacity", cfg.Scheduler.Capacity).Msg("service ready")

	handler := translation.NewHandler(service, stream.New(bus, service))
	s := server.New(cfg.Server.HTTPPort, router.Setup(handler))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return service.Run(gctx)
	})

	g.Go(func() error {
		zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("starting server")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	var c *consumer.Consumer
	if cfg.Kafka.Enabled {
		c = consumer.New(&cfg.Kafka, strategy, requestmsg.NewRequestHandler(service))
		g.Go(func() error {
			return c.Consume(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		zlog.Logger.Info().Msg("shutting down")

		// In-flight tasks get the grace period while streams are still served.
		if !service.Shutdown(cfg.Scheduler.ShutdownGrace) {
			zlog.Logger.Warn().Msg("in-flight translations did not finish within the grace period")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			zlog.Logger.Warn().Err(err).Msg("timeout exceeded, forcing server shutdown")
			_ = s.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		zlog.Logger.Error().Err(err).Msg("service stopped with error")
	}

	// Close Kafka producer and consumer clients.
	if p != nil {
		if err := p.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
	}
	if c != nil {
		if err := c.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
		}
	}

	zlog.Logger.Info().Msg("stopped")
}

// newStorage selects the storage backend.
func newStorage(ctx context.Context, cfg config.Storage) (fileStorage, error) {
	if cfg.Backend == "minio" {
		return file.NewStorage(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.BucketName, cfg.UseSSL)
	}
	return file.NewLocal(cfg.BaseDir)
}

func setLogLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		zlog.Logger.Warn().Str("level", name).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
