package app

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"horse.fit/mailthread/internal/cli"
	"horse.fit/mailthread/internal/config"
	"horse.fit/mailthread/internal/ingest"
	"horse.fit/mailthread/internal/logging"
)

func runPublish(args []string) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	dir := fs.String("dir", "", "Directory of .txt documents (default DATA_DIR)")
	rate := fs.Float64("rate", -1, "Tasks per second, 0 for unthrottled (default PUBLISH_RATE)")
	wait := fs.Bool("wait", false, "Wait for the queue to drain after publishing")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.QueueBackend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, "publish needs a shared broker; use \"mailthread run\" with QUEUE_BACKEND=memory")
		return 2
	}

	rt, err := connect(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("publish failed to connect")
		fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	q, err := rt.openQueue()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
		return 1
	}
	defer q.Close()

	ctx, cancel := signalContext()
	defer cancel()

	source := firstNonEmpty(*dir, cfg.DataDir)
	perSecond := cfg.PublishRate
	if *rate >= 0 {
		perSecond = *rate
	}

	service := ingest.NewService(q, perSecond, logging.Component(logger, "publisher"))
	result, err := service.PublishDir(ctx, source)
	if err != nil {
		logger.Error().Err(err).Str("dir", source).Msg("publish failed")
		fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
		return 1
	}

	if *wait {
		if err := service.WaitDrained(ctx, cfg.DrainPollInterval, cfg.DrainGrace); err != nil {
			fmt.Fprintf(os.Stderr, "Wait failed: %v\n", err)
			return 1
		}
	}

	fmt.Printf(
		"publish run_id=%s files=%d published=%d skipped=%d dir=%s\n",
		result.RunID,
		result.Files,
		result.Published,
		result.Skipped,
		source,
	)
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
