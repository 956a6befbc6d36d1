package embedding

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/models"
)

// Embedder turns text into a dense vector of a fixed dimension
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
}

// CheckDimension fails with DIMENSION_MISMATCH when vec does not have exactly want entries.
// Vectors are never truncated or padded.
func CheckDimension(vec []float32, want int) error {
	if len(vec) != want {
		return apperr.Newf(apperr.CodeDimensionMismatch,
			"embedding dimension mismatch: expected %d, got %d", want, len(vec))
	}
	return nil
}

// EmbedChunks generates embeddings for chunks in parallel with progress reporting.
// The first failure cancels the remaining work.
func EmbedChunks(ctx context.Context, e Embedder, chunks []models.Chunk, maxConcurrent int,
	progressFunc func(processed, total int)) ([]models.Chunk, error) {

	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	var mu sync.Mutex
	processed := 0
	total := len(chunks)

	for i := range chunks {
		g.Go(func() error {
			vec, err := e.EmbedText(gctx, chunks[i].Content)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", chunks[i].Index, err)
			}
			if err := CheckDimension(vec, e.Dimension()); err != nil {
				return err
			}

			mu.Lock()
			chunks[i].Embedding = vec
			processed++
			if progressFunc != nil {
				progressFunc(processed, total)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}
