package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/canon"
	"horse.fit/mailthread/internal/cli"
	"horse.fit/mailthread/internal/config"
	"horse.fit/mailthread/internal/db"
	"horse.fit/mailthread/internal/logging"
	"horse.fit/mailthread/internal/lsh"
	"horse.fit/mailthread/internal/minhash"
	"horse.fit/mailthread/internal/queue"
	"horse.fit/mailthread/internal/store"
)

const connectTimeout = 10 * time.Second

// taskQueue is one connection to the broker, used for both directions.
type taskQueue interface {
	queue.Source
	queue.Publisher
}

// runtime holds the process-wide connections every command shares.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *db.Pool
	store  store.Store
	memory *queue.Memory
}

// sharedMemory lets several consumers use the in-process queue without any of
// them closing it.
type sharedMemory struct {
	*queue.Memory
}

func (sharedMemory) Close() error { return nil }

func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// connect opens the configured store and, when a postgres backend is
// selected, the shared pool.
func connect(cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	rt := &runtime{cfg: cfg, logger: logger}
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.pool = pool
	}

	switch cfg.StoreBackend {
	case config.BackendRedis:
		st, err := store.NewRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.store = st
	case config.BackendPostgres:
		st, err := store.NewPostgres(rt.pool)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.store = st
	case config.BackendMemory:
		rt.store = store.NewMemory()
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}

	if cfg.QueueBackend == config.BackendMemory {
		rt.memory = queue.NewMemory()
	}

	logger.Debug().
		Str("store", cfg.StoreBackend).
		Str("queue", cfg.QueueBackend).
		Msg("backends connected")
	return rt, nil
}

// openQueue returns a fresh broker connection; consumers never share one.
func (rt *runtime) openQueue() (taskQueue, error) {
	switch rt.cfg.QueueBackend {
	case config.BackendAMQP:
		q, err := queue.DialAMQP(rt.cfg.AMQPURL, rt.cfg.QueueName)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		return q, nil
	case config.BackendPostgres:
		q, err := queue.NewPostgres(rt.pool, rt.cfg.QueueName, 0)
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.BackendMemory:
		return sharedMemory{rt.memory}, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", rt.cfg.QueueBackend)
	}
}

// pipeline wires the similarity index, resolver and chain builder over the
// shared store.
func (rt *runtime) pipeline(ctx context.Context) (*canon.ChainBuilder, *canon.Hierarchy, error) {
	params := minhash.Params{Seed: rt.cfg.SignatureSeed, NumPerm: rt.cfg.NumPerm}
	hasher, err := minhash.NewHasher(params)
	if err != nil {
		return nil, nil, err
	}

	index, err := lsh.Open(ctx, rt.store, lsh.Options{
		Namespace: rt.cfg.IndexNamespace,
		Threshold: rt.cfg.LSHThreshold,
		Params:    params,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open similarity index: %w", err)
	}

	resolver, err := canon.NewResolver(rt.cfg.ResolveMode, index, rt.store, logging.Component(rt.logger, "resolver"))
	if err != nil {
		return nil, nil, err
	}
	builder, err := canon.NewChainBuilder(hasher, rt.cfg.ShingleSize, resolver, logging.Component(rt.logger, "chain"))
	if err != nil {
		return nil, nil, err
	}

	bands, rows := index.Bands()
	rt.logger.Info().
		Str("namespace", index.Namespace()).
		Float64("threshold", index.Threshold()).
		Int("bands", bands).
		Int("rows", rows).
		Str("resolve_mode", rt.cfg.ResolveMode).
		Msg("similarity index ready")
	return builder, canon.NewHierarchy(rt.store), nil
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.memory != nil {
		_ = rt.memory.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("close store failed")
		}
	}
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
