package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh/backend/pkg/logger"
	"github.com/labmesh/backend/pkg/utils"
)

const embeddingTTL = 24 * time.Hour

// EmbeddingCache stores query vectors keyed by text hash.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder wraps an Embedder with a read-through cache. The same question
// asked twice never hits the embedding endpoint twice; cache failures fall
// through to the inner embedder.
type CachedEmbedder struct {
	inner Embedder
	cache EmbeddingCache
}

func NewCachedEmbedder(inner Embedder, cache EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	if vector, ok, err := e.cache.GetEmbedding(ctx, key); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		return vector, nil
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.SetEmbedding(ctx, key, vector, embeddingTTL); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vector, nil
}
