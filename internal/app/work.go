package app

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"horse.fit/mailthread/internal/canon"
	"horse.fit/mailthread/internal/cli"
	"horse.fit/mailthread/internal/config"
	"horse.fit/mailthread/internal/logging"
	"horse.fit/mailthread/internal/worker"
)

func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	consumers := fs.Int("consumers", 0, "Number of concurrent consumers (default CONSUMERS)")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.QueueBackend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, "work needs a shared broker; use \"mailthread run\" with QUEUE_BACKEND=memory")
		return 2
	}
	if *consumers > 0 {
		cfg.Consumers = *consumers
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --consumers: %v\n", err)
			return 2
		}
	}
	n := cfg.Consumers

	rt, err := connect(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("worker failed to connect")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	builder, hierarchy, err := rt.pipeline(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}

	g, _, err := startConsumers(ctx, rt, builder, hierarchy, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	logger.Info().Msg("worker stopped")
	return 0
}

// startConsumers runs n consumers, each on its own queue connection. The group
// fails as soon as one consumer loses its source.
func startConsumers(ctx context.Context, rt *runtime, builder *canon.ChainBuilder, hierarchy *canon.Hierarchy, n int) (*errgroup.Group, []*worker.Consumer, error) {
	queues := make([]taskQueue, 0, n)
	for i := 0; i < n; i++ {
		q, err := rt.openQueue()
		if err != nil {
			for _, opened := range queues {
				_ = opened.Close()
			}
			return nil, nil, err
		}
		queues = append(queues, q)
	}

	g, gctx := errgroup.WithContext(ctx)
	consumers := make([]*worker.Consumer, n)
	for i, q := range queues {
		q := q
		logger := logging.Component(rt.logger, "worker").With().Int("consumer", i+1).Logger()
		consumer := worker.NewConsumer(q, builder, hierarchy, rt.store, logger)
		consumers[i] = consumer
		g.Go(func() error {
			defer q.Close()
			return consumer.Run(gctx)
		})
	}
	return g, consumers, nil
}
