package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/mailthread/internal/canon"
	"horse.fit/mailthread/internal/cli"
	"horse.fit/mailthread/internal/config"
	"horse.fit/mailthread/internal/logging"
	"horse.fit/mailthread/internal/report"
)

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	dir := fs.String("dir", "", "Output directory (default REPORT_DIR)")
	stdout := fs.Bool("stdout", false, "Print the hierarchy to stdout instead of writing files")
	timeout := fs.Duration("timeout", 60*time.Second, "Export timeout")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.StoreBackend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, "export reads a shared store; STORE_BACKEND=memory has nothing to export")
		return 2
	}

	rt, err := connect(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("export failed to connect")
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	exporter := report.NewExporter(canon.NewHierarchy(rt.store), logging.Component(logger, "report"))
	if *stdout {
		if err := exporter.WriteTree(ctx, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
			return 1
		}
		return 0
	}

	outDir := firstNonEmpty(*dir, cfg.ReportDir)
	if err := exporter.Export(ctx, outDir); err != nil {
		logger.Error().Err(err).Str("dir", outDir).Msg("export failed")
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	fmt.Printf("export dir=%s files=%s,%s\n", outDir, report.FlatFileName, report.TreeFileName)
	return 0
}
