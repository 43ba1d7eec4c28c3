package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// LocalModel is the pinned identifier for the built-in hash provider.
const LocalModel = "tether-local:v1"

// Local is an offline, fully deterministic provider. Vectors are derived
// from SHA-256 of the input text, so two hosts embedding the same text
// always agree. It carries no semantic signal and exists for air-gapped
// ingestion and test fixtures.
type Local struct {
	dim int
}

// NewLocal builds a local provider with the given output dimension.
func NewLocal(dim int) (*Local, error) {
	if dim < MinDim || dim > MaxDim {
		return nil, fmt.Errorf("dimension %d outside [%d, %d]", dim, MinDim, MaxDim)
	}
	return &Local{dim: dim}, nil
}

func (l *Local) Embed(_ context.Context, text string) ([]float64, error) {
	vector := make([]float64, l.dim)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for index := range vector {
		word := index % 4
		if index > 0 && word == 0 {
			block = sha256.Sum256(block[:])
		}
		bits := binary.BigEndian.Uint64(block[word*8 : word*8+8])
		// Map to [-1, 1).
		vector[index] = float64(int64(bits)) / float64(1<<63)
	}
	return vector, nil
}

func (l *Local) Model() string {
	return LocalModel
}

func (l *Local) Dim() int {
	return l.dim
}
