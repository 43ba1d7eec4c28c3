package embed

import (
	"context"
	"testing"
)

func TestLocalDeterministic(t *testing.T) {
	provider, err := NewLocal(384)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	first, err := provider.Embed(context.Background(), "the same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, err := provider.Embed(context.Background(), "the same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(first) != 384 {
		t.Fatalf("expected 384 components, got %d", len(first))
	}
	for index := range first {
		if first[index] != second[index] {
			t.Fatalf("component %d differs across runs", index)
		}
	}
}

func TestLocalDistinguishesTexts(t *testing.T) {
	provider, err := NewLocal(256)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	left, err := provider.Embed(context.Background(), "first text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	right, err := provider.Embed(context.Background(), "second text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	same := true
	for index := range left {
		if left[index] != right[index] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different texts produced identical vectors")
	}
}

func TestLocalBounds(t *testing.T) {
	provider, err := NewLocal(128)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	vector, err := provider.Embed(context.Background(), "bounded")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for index, component := range vector {
		if component < -1 || component >= 1 {
			t.Fatalf("component %d out of range: %v", index, component)
		}
	}
	if provider.Model() != LocalModel {
		t.Fatalf("unexpected model: %s", provider.Model())
	}
	if provider.Dim() != 128 {
		t.Fatalf("unexpected dim: %d", provider.Dim())
	}
}

func TestLocalRejectsBadDim(t *testing.T) {
	if _, err := NewLocal(64); err == nil {
		t.Fatalf("dimension below the minimum must be rejected")
	}
	if _, err := NewLocal(8192); err == nil {
		t.Fatalf("dimension above the maximum must be rejected")
	}
}

func TestEmbedBatch(t *testing.T) {
	provider, err := NewLocal(128)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	vectors, err := EmbedBatch(context.Background(), provider, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
}
