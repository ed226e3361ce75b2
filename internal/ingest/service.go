package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/time/rate"

	"horse.fit/mailthread/internal/queue"
	payloadschema "horse.fit/mailthread/schema"
)

const documentExt = ".txt"

// Service publishes a directory of documents as tasks and waits for the
// workers to drain them.
type Service struct {
	queue   queue.Publisher
	limiter *rate.Limiter
	logger  zerolog.Logger
}

type Result struct {
	RunID     string
	Files     int
	Published int
	Skipped   int
	StartedAt time.Time
	Duration  time.Duration
}

// NewService throttles publishing to ratePerSecond tasks per second; zero or
// less means unthrottled.
func NewService(q queue.Publisher, ratePerSecond float64, logger zerolog.Logger) *Service {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Service{
		queue:   q,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// PublishDir sends one task per .txt file of dir in name order. Files that
// cannot be read are logged and skipped.
func (s *Service) PublishDir(ctx context.Context, dir string) (Result, error) {
	if s == nil || s.queue == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}

	result := Result{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	logger := s.logger.With().Str("run_id", result.RunID).Str("dir", dir).Logger()

	names, err := CollectTextFiles(dir)
	if err != nil {
		return result, err
	}
	result.Files = len(names)

	for _, name := range names {
		content, err := ReadDocument(filepath.Join(dir, name))
		if err != nil {
			logger.Warn().Err(err).Str("doc_id", name).Msg("skipping unreadable file")
			result.Skipped++
			continue
		}

		body, err := payloadschema.EncodeTaskPayload(payloadschema.Task{DocID: name, Content: content})
		if err != nil {
			logger.Warn().Err(err).Str("doc_id", name).Msg("skipping file")
			result.Skipped++
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return result, err
		}
		if err := s.queue.Publish(ctx, body); err != nil {
			return result, fmt.Errorf("publish %s: %w", name, err)
		}
		result.Published++
		logger.Debug().Str("doc_id", name).Msg("sent")
	}

	result.Duration = time.Since(result.StartedAt)
	logger.Info().
		Int("files", result.Files).
		Int("published", result.Published).
		Int("skipped", result.Skipped).
		Dur("duration", result.Duration).
		Msg("publish completed")
	return result, nil
}

// WaitDrained polls the queue depth until it reaches zero and then waits
// grace for in-flight tasks. It is a heuristic: a depth of zero does not mean
// every task has been processed.
func (s *Service) WaitDrained(ctx context.Context, poll, grace time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		depth, err := s.queue.Depth(ctx)
		if err != nil {
			return fmt.Errorf("read queue depth: %w", err)
		}
		if depth == 0 {
			break
		}
		s.logger.Debug().Int("depth", depth).Msg("waiting for queue to drain")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if grace <= 0 {
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CollectTextFiles lists the regular .txt files directly inside dir, sorted
// by name.
func CollectTextFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.HasSuffix(entry.Name(), documentExt) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadDocument returns the file as text. Content that is not valid UTF-8 is
// decoded as Windows-1252. Line endings are normalized to \n.
func ReadDocument(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	var content string
	if utf8.Valid(raw) {
		content = string(raw)
	} else {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("decode %s as windows-1252: %w", path, err)
		}
		content = string(decoded)
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n"), nil
}
