package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/canon"
	"horse.fit/mailthread/internal/queue"
	payloadschema "horse.fit/mailthread/schema"
)

const (
	minReleaseBackoff = 100 * time.Millisecond
	maxReleaseBackoff = 5 * time.Second
	pingTimeout       = 5 * time.Second
)

// ErrStoreUnavailable ends Run when the shared store stops answering.
var ErrStoreUnavailable = errors.New("store unavailable")

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Outcome string

const (
	OutcomeAcked    Outcome = "acked"
	OutcomeRejected Outcome = "rejected"
	OutcomeReleased Outcome = "released"
)

// Stats counts how deliveries were settled.
type Stats struct {
	Acked    int
	Rejected int
	Released int
}

// Consumer processes one delivery at a time from its source.
type Consumer struct {
	source    queue.Source
	builder   *canon.ChainBuilder
	hierarchy *canon.Hierarchy
	health    Pinger
	logger    zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewConsumer wires a consumer. health is pinged after every released task;
// nil skips the check.
func NewConsumer(source queue.Source, builder *canon.ChainBuilder, hierarchy *canon.Hierarchy, health Pinger, logger zerolog.Logger) *Consumer {
	return &Consumer{
		source:    source,
		builder:   builder,
		hierarchy: hierarchy,
		health:    health,
		logger:    logger,
	}
}

// Run consumes until ctx is cancelled, which returns nil, or the source or
// the store fails, which returns the error. Consecutive releases back off
// exponentially so a failing task is not redelivered in a tight loop.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.source == nil || c.builder == nil || c.hierarchy == nil {
		return fmt.Errorf("consumer is not initialized")
	}

	c.logger.Info().Msg("waiting for tasks")
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive task: %w", err)
		}
		outcome, err := c.Handle(ctx, delivery)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if outcome != OutcomeReleased {
			backoff = 0
			continue
		}

		if err := c.checkStore(ctx); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
		c.logger.Debug().Dur("backoff", backoff).Msg("pausing after released task")
		if !sleep(ctx, backoff) {
			return nil
		}
	}
}

func (c *Consumer) checkStore(ctx context.Context) error {
	if c.health == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.health.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error().Err(err).Msg("store ping failed, stopping consumer")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func nextBackoff(current time.Duration) time.Duration {
	if current < minReleaseBackoff {
		return minReleaseBackoff
	}
	return min(current*2, maxReleaseBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Handle processes and settles one delivery. The returned error is only about
// settling; processing failures are reflected in the outcome.
func (c *Consumer) Handle(ctx context.Context, delivery queue.Delivery) (Outcome, error) {
	task, chain, err := c.process(ctx, delivery.Body())
	switch {
	case err == nil:
		if err := delivery.Ack(ctx); err != nil {
			return "", fmt.Errorf("ack %s: %w", task.DocID, err)
		}
		c.count(OutcomeAcked)
		c.logger.Info().
			Str("doc_id", task.DocID).
			Int("chain_len", len(chain)).
			Str("canonical_id", string(chain[len(chain)-1])).
			Msg("processed")
		return OutcomeAcked, nil

	case errors.Is(err, payloadschema.ErrInvalidPayload), errors.Is(err, canon.ErrEmptyChain):
		c.logger.Warn().Err(err).Msg("rejecting task")
		if err := delivery.Reject(ctx); err != nil {
			return "", fmt.Errorf("reject task: %w", err)
		}
		c.count(OutcomeRejected)
		return OutcomeRejected, nil

	default:
		c.logger.Error().Err(err).Msg("error processing task")
		if err := delivery.Release(context.WithoutCancel(ctx)); err != nil {
			return "", fmt.Errorf("release task: %w", err)
		}
		c.count(OutcomeReleased)
		return OutcomeReleased, nil
	}
}

func (c *Consumer) process(ctx context.Context, body []byte) (*payloadschema.Task, canon.Chain, error) {
	task, err := payloadschema.ValidateTaskPayload(body)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug().Str("doc_id", task.DocID).Msg("received")

	chain, err := c.builder.Build(ctx, task.Content)
	if err != nil {
		return task, nil, fmt.Errorf("build chain for %s: %w", task.DocID, err)
	}
	if err := c.hierarchy.Record(ctx, task.DocID, chain); err != nil {
		return task, nil, fmt.Errorf("record hierarchy for %s: %w", task.DocID, err)
	}
	return task, chain, nil
}

func (c *Consumer) count(outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case OutcomeAcked:
		c.stats.Acked++
	case OutcomeRejected:
		c.stats.Rejected++
	case OutcomeReleased:
		c.stats.Released++
	}
}

func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
