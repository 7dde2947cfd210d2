package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/collabdocs/collabdocs/internal/api/http"
	appCollab "github.com/collabdocs/collabdocs/internal/application/collab"
	"github.com/collabdocs/collabdocs/internal/config"
	"github.com/collabdocs/collabdocs/internal/domain/collab"
	"github.com/collabdocs/collabdocs/internal/domain/text"
	"github.com/collabdocs/collabdocs/internal/infrastructure/bolt"
	"github.com/collabdocs/collabdocs/internal/infrastructure/memory"
	"github.com/collabdocs/collabdocs/internal/infrastructure/mongo"
	"github.com/collabdocs/collabdocs/internal/infrastructure/postgres"
	"github.com/collabdocs/collabdocs/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()
	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store error")
	}
	defer closeStore()

	sseHub := sse.NewHub()
	docSvc := appCollab.NewService(repo, text.Model{}, sseHub, appCollab.Options{
		HistoryLimit: cfg.HistoryLimit,
		PollTimeout:  cfg.LongPollTimeout,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	apiServer := httpapi.NewServer(docSvc, sseHub, logger)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Long-polls and streams outlive any fixed write deadline; the
		// router bounds every other route.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	stopEvict := make(chan struct{})
	if cfg.DocIdleTTL > 0 {
		go func() {
			ticker := time.NewTicker(cfg.EvictInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					docSvc.EvictIdle(cfg.DocIdleTTL)
				case <-stopEvict:
					return
				}
			}
		}()
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreDriver).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")
	close(stopEvict)
	docSvc.Shutdown()
	sseHub.Stop()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// openStore connects the configured document store. The returned func
// releases it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (collab.Repository, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migration error: %w", err)
			}
		}
		return postgres.NewDocumentRepository(pool), pool.Close, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		repo := mongo.NewDocumentRepository(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return repo, func() { _ = client.Disconnect(context.Background()) }, nil

	case config.DriverBolt:
		repo, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil

	default:
		logger.Warn().Msg("using in-memory store; documents are lost on restart")
		return memory.NewDocumentRepository(), func() {}, nil
	}
}
