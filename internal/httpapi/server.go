package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/canon"
	"horse.fit/mailthread/internal/report"
)

type Options struct {
	Host            string
	Port            int
	ReportDir       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HierarchyReader is the read side of canon.Hierarchy the API serves.
type HierarchyReader interface {
	Describe(ctx context.Context, id canon.ID) (canon.Detail, bool, error)
	CanonicalOf(ctx context.Context, docID string) (canon.ID, bool, error)
}

type Server struct {
	store     Pinger
	hierarchy HierarchyReader
	logger    zerolog.Logger
	opts      Options
}

type documentResponse struct {
	DocID       string   `json:"doc_id"`
	CanonicalID canon.ID `json:"canonical_id"`
}

func NewServer(st Pinger, hierarchy HierarchyReader, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8000
	}
	reportDir := strings.TrimSpace(opts.ReportDir)
	if reportDir == "" {
		reportDir = "docs"
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		store:     st,
		hierarchy: hierarchy,
		logger:    logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReportDir:       reportDir,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

// Handler builds the router. Start serves it; tests drive it directly.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/", s.handleIndex)
	e.GET("/"+report.FlatFileName, s.reportHandler(report.FlatFileName))
	e.GET("/"+report.TreeFileName, s.reportHandler(report.TreeFileName))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/canonicals/:id", s.handleCanonical)
	api.GET("/documents/:doc_id", s.handleDocument)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil || s.hierarchy == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Str("report_dir", s.opts.ReportDir).Msg("report server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("report server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	isAPI := strings.HasPrefix(c.Request().URL.Path, "/api/")
	if isAPI {
		if status >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, status, message)
		return
	}

	_ = c.String(status, message)
}

func (s *Server) handleIndex(c echo.Context) error {
	var b strings.Builder
	for _, name := range []string{report.FlatFileName, report.TreeFileName} {
		if _, err := os.Stat(filepath.Join(s.opts.ReportDir, name)); err == nil {
			b.WriteString("/" + name + "\n")
		}
	}
	return c.String(http.StatusOK, b.String())
}

func (s *Server) reportHandler(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := filepath.Join(s.opts.ReportDir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return echo.NewHTTPError(http.StatusNotFound, "report has not been exported yet")
			}
			return err
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
		return c.File(path)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("store ping failed")
		return internalError(c, "Store unavailable")
	}
	return success(c, map[string]any{
		"service": "mailthread",
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleCanonical(c echo.Context) error {
	id, err := canon.ParseID(c.Param("id"))
	if err != nil {
		return failField(c, "id", "must look like canon<N>")
	}

	detail, found, err := s.hierarchy.Describe(c.Request().Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("canonical_id", string(id)).Msg("describe canonical failed")
		return internalError(c, "Failed to load canonical")
	}
	if !found {
		return fail(c, http.StatusNotFound, "Canonical not found")
	}
	return success(c, detail)
}

func (s *Server) handleDocument(c echo.Context) error {
	docID := strings.TrimSpace(c.Param("doc_id"))
	if docID == "" {
		return failField(c, "doc_id", "is required")
	}

	id, found, err := s.hierarchy.CanonicalOf(c.Request().Context(), docID)
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", docID).Msg("lookup document failed")
		return internalError(c, "Failed to load document")
	}
	if !found {
		return fail(c, http.StatusNotFound, "Document not found")
	}
	return success(c, documentResponse{DocID: docID, CanonicalID: id})
}
