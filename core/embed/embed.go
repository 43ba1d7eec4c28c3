// Package embed defines the embedding provider contract used at record
// ingestion time. Providers must be deterministic for a pinned model
// name: the same text always yields the same vector.
package embed

import (
	"context"
	"fmt"
)

const (
	MinDim = 128
	MaxDim = 4096
)

// Provider produces embedding vectors for record text.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float64, error)
	// Model is the version-pinned model identifier recorded on every
	// record this provider embeds.
	Model() string
	// Dim is the fixed output dimension.
	Dim() int
}

// EmbedBatch runs a provider over multiple texts, validating every
// returned dimension.
func EmbedBatch(ctx context.Context, provider Provider, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for index, text := range texts {
		vector, err := provider.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", index, err)
		}
		if len(vector) != provider.Dim() {
			return nil, fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", index, len(vector), provider.Dim())
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}
