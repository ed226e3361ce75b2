package canon

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"horse.fit/mailthread/internal/minhash"
	"horse.fit/mailthread/internal/text"
)

// ChainBuilder turns a raw document into its canonical chain.
type ChainBuilder struct {
	hasher      *minhash.Hasher
	shingleSize int
	resolver    Resolver
	logger      zerolog.Logger
}

func NewChainBuilder(hasher *minhash.Hasher, shingleSize int, resolver Resolver, logger zerolog.Logger) (*ChainBuilder, error) {
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if shingleSize < 1 {
		return nil, fmt.Errorf("shingle size must be >= 1 (got %d)", shingleSize)
	}
	return &ChainBuilder{
		hasher:      hasher,
		shingleSize: shingleSize,
		resolver:    resolver,
		logger:      logger,
	}, nil
}

// Build splits rawText into messages and resolves each one, oldest first.
// Consecutive repeats are kept.
func (b *ChainBuilder) Build(ctx context.Context, rawText string) (Chain, error) {
	messages := text.SplitMessages(rawText)
	chain := make(Chain, 0, len(messages))
	for i, message := range messages {
		sig := b.hasher.Signature(text.Shingles(message, b.shingleSize))
		id, created, err := b.resolver.Resolve(ctx, sig)
		if err != nil {
			return nil, fmt.Errorf("resolve message %d: %w", i, err)
		}
		if created {
			b.logger.Debug().
				Str("canonical_id", string(id)).
				Int("position", i).
				Msg("new canonical identity")
		}
		chain = append(chain, id)
	}
	return chain, nil
}
