// Package main is the entry point for the Number Hunt bot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"number-hunt-bot/internal/bot"
	"number-hunt-bot/internal/config"
	"number-hunt-bot/internal/pkg/db"
	"number-hunt-bot/internal/pkg/lock"
	"number-hunt-bot/internal/service"
	"number-hunt-bot/internal/store"
	"number-hunt-bot/internal/store/pgstore"
	"number-hunt-bot/internal/store/redisstore"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("backend", cfg.Store.Backend).Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize state store and group locking
	st, locker, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer closeStore()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("State store health check failed")
	}

	// Initialize services
	huntService := service.NewHuntService(st, locker, service.OptionsFromConfig(&cfg.Game))

	// Create bot dependencies
	deps := &bot.Dependencies{
		Config:      cfg,
		HuntService: huntService,
	}

	// Initialize bot
	telegramBot, err := bot.New(deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start bot in a goroutine
	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start()
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown
	telegramBot.Stop()
	log.Info().Msg("Bot stopped gracefully")
}

// openStore connects the configured backend. The in-process group lock is
// always used; with distributed_lock a Redis lock is chained after it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, lock.Locker, func(), error) {
	groupLock := lock.NewGroupLock()

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		dbPool, err := db.NewPool(ctx, &cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx, dbPool.Pool); err != nil {
			dbPool.Close()
			return nil, nil, nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		return pgstore.New(dbPool.Pool), groupLock, dbPool.Close, nil

	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		st := redisstore.New(client, cfg.Redis.KeyPrefix)
		closeFn := func() {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close Redis client")
			}
		}

		if cfg.Game.DistributedLock {
			log.Info().Dur("ttl", cfg.Game.DistributedLockTTL).Msg("Distributed group lock enabled")
			distributed := redisstore.NewLocker(client, cfg.Redis.KeyPrefix, cfg.Game.DistributedLockTTL)
			return st, lock.Chain{groupLock, distributed}, closeFn, nil
		}
		return st, groupLock, closeFn, nil

	default:
		log.Warn().Msg("Using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), groupLock, func() {}, nil
	}
}
