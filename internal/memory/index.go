package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nidhogg/sentio/internal/embedding"
)

// Hit is a similarity search result.
type Hit struct {
	ID    string
	Score float64
}

// VectorIndex answers nearest-neighbour queries over item embeddings.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vec []float32) error
	Delete(ctx context.Context, ids ...string) error
	Search(ctx context.Context, vec []float32, limit int, threshold float64) ([]Hit, error)
}

// FlatIndex is an exhaustive in-process index.
type FlatIndex struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

// NewFlatIndex creates an empty index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{vecs: make(map[string][]float32)}
}

func (f *FlatIndex) Upsert(_ context.Context, id string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vecs[id] = vec
	return nil
}

func (f *FlatIndex) Delete(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.vecs, id)
	}
	return nil
}

// Search returns hits with score >= threshold, best first. Ties are
// broken by id so results are deterministic.
func (f *FlatIndex) Search(_ context.Context, vec []float32, limit int, threshold float64) ([]Hit, error) {
	f.mu.RLock()
	var hits []Hit
	for id, v := range f.vecs {
		if s := embedding.Cosine(vec, v); s >= threshold {
			hits = append(hits, Hit{ID: id, Score: s})
		}
	}
	f.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len reports the number of indexed vectors.
func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vecs)
}
