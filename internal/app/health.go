package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/mailthread/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Store and broker check timeout")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	rt, err := connect(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := rt.store.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("store ping failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	q, err := rt.openQueue()
	if err != nil {
		logger.Error().Err(err).Msg("queue connect failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer q.Close()

	depth, err := q.Depth(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("queue depth failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	logger.Info().
		Dur("timeout", *timeout).
		Str("store", cfg.StoreBackend).
		Str("queue", cfg.QueueBackend).
		Int("depth", depth).
		Msg("health check passed")
	fmt.Printf("ok: store=%s queue=%s depth=%d\n", cfg.StoreBackend, cfg.QueueBackend, depth)
	return 0
}
