package app

import (
	"context"
	"flag"
	"fmt"
	"os"

	"horse.fit/mailthread/internal/cli"
	"horse.fit/mailthread/internal/ingest"
	"horse.fit/mailthread/internal/logging"
	"horse.fit/mailthread/internal/report"
)

type runSummary struct {
	Publish  ingest.Result
	Acked    int
	Rejected int
	Released int
}

func runAll(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	dir := fs.String("dir", "", "Directory of .txt documents (default DATA_DIR)")
	out := fs.String("out", "", "Report output directory (default REPORT_DIR)")
	consumers := fs.Int("consumers", 0, "Number of concurrent consumers (default CONSUMERS)")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
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
		logger.Error().Err(err).Msg("run failed to connect")
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	source := firstNonEmpty(*dir, cfg.DataDir)
	outDir := firstNonEmpty(*out, cfg.ReportDir)
	summary, err := runPipeline(ctx, rt, source, outDir, n)
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"run run_id=%s published=%d skipped=%d acked=%d rejected=%d released=%d reports=%s\n",
		summary.Publish.RunID,
		summary.Publish.Published,
		summary.Publish.Skipped,
		summary.Acked,
		summary.Rejected,
		summary.Released,
		outDir,
	)
	return 0
}

// runPipeline publishes dir, consumes until the queue drains, stops the
// consumers and exports the reports into outDir.
func runPipeline(ctx context.Context, rt *runtime, dir, outDir string, consumers int) (runSummary, error) {
	builder, hierarchy, err := rt.pipeline(ctx)
	if err != nil {
		return runSummary{}, err
	}

	workCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	g, workers, err := startConsumers(workCtx, rt, builder, hierarchy, consumers)
	if err != nil {
		return runSummary{}, err
	}

	publisher, err := rt.openQueue()
	if err != nil {
		stopWorkers()
		_ = g.Wait()
		return runSummary{}, err
	}
	defer publisher.Close()

	service := ingest.NewService(publisher, rt.cfg.PublishRate, logging.Component(rt.logger, "publisher"))
	result, err := service.PublishDir(ctx, dir)
	if err == nil {
		err = service.WaitDrained(ctx, rt.cfg.DrainPollInterval, rt.cfg.DrainGrace)
	}
	stopWorkers()
	if waitErr := g.Wait(); err == nil {
		err = waitErr
	}
	if err != nil {
		return runSummary{Publish: result}, err
	}

	summary := runSummary{Publish: result}
	for _, w := range workers {
		stats := w.Stats()
		summary.Acked += stats.Acked
		summary.Rejected += stats.Rejected
		summary.Released += stats.Released
	}

	exporter := report.NewExporter(hierarchy, logging.Component(rt.logger, "report"))
	if err := exporter.Export(ctx, outDir); err != nil {
		return summary, err
	}
	return summary, nil
}
