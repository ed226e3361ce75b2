package app

import (
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/mailthread/internal/canon"
	"horse.fit/mailthread/internal/cli"
	"horse.fit/mailthread/internal/httpapi"
	"horse.fit/mailthread/internal/logging"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "", "Host interface to bind (default HTTP_HOST)")
	port := fs.Int("port", 0, "HTTP port (default HTTP_PORT)")
	reportDir := fs.String("report-dir", "", "Directory holding the exported reports (default REPORT_DIR)")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	if *port < 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	rt, err := connect(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to connect")
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	listenPort := cfg.HTTPPort
	if *port > 0 {
		listenPort = *port
	}

	srv := httpapi.NewServer(rt.store, canon.NewHierarchy(rt.store), logging.Component(logger, "http"), httpapi.Options{
		Host:            firstNonEmpty(*host, cfg.HTTPHost),
		Port:            listenPort,
		ReportDir:       firstNonEmpty(*reportDir, cfg.ReportDir),
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Int("port", listenPort).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}
