// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package patternstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EmbeddingDim is the fixed dimensionality of pattern embeddings.
const EmbeddingDim = 384

// Embedder produces a dense vector for a text. Implementations wrap an
// embedding model provider; the store degrades to structured-only search when
// no embedder is configured.
type Embedder interface {
	// Embed returns a vector of exactly Dim() elements.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim returns the embedding dimensionality.
	Dim() int
}

// VectorIndex is an in-process similarity index over append-only vectors.
// Offsets are assigned in insertion order and recorded as embedding ids on
// pattern rows. Kept behind an interface so a no-op build can substitute
// without affecting correctness, only recall.
type VectorIndex interface {
	// Add appends a vector and returns its offset.
	Add(vec []float32) (int64, error)

	// Search returns the offsets of the k nearest vectors by L2 distance,
	// closest first.
	Search(vec []float32, k int) []int64

	// Len returns the number of stored vectors.
	Len() int
}

// FlatL2Index is an exact (brute-force) L2 index. Fine for the pattern-store
// scale: a few thousand 384-d vectors.
type FlatL2Index struct {
	mu   sync.RWMutex
	dim  int
	vecs [][]float32
}

// NewFlatL2Index creates an empty exact-L2 index for dim-sized vectors.
func NewFlatL2Index(dim int) *FlatL2Index {
	return &FlatL2Index{dim: dim}
}

// Add appends a vector and returns its offset.
func (ix *FlatL2Index) Add(vec []float32) (int64, error) {
	if len(vec) != ix.dim {
		return 0, fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), ix.dim)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cp := make([]float32, len(vec))
	copy(cp, vec)
	ix.vecs = append(ix.vecs, cp)
	return int64(len(ix.vecs) - 1), nil
}

// Search returns up to k offsets ordered by ascending L2 distance.
func (ix *FlatL2Index) Search(vec []float32, k int) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if k <= 0 || len(ix.vecs) == 0 || len(vec) != ix.dim {
		return nil
	}

	type scored struct {
		offset int64
		dist   float64
	}
	all := make([]scored, len(ix.vecs))
	for i, v := range ix.vecs {
		var sum float64
		for j := range v {
			d := float64(v[j] - vec[j])
			sum += d * d
		}
		all[i] = scored{offset: int64(i), dist: sum}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].offset < all[j].offset
	})

	if k > len(all) {
		k = len(all)
	}
	out := make([]int64, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].offset
	}
	return out
}

// Len returns the number of stored vectors.
func (ix *FlatL2Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

var _ VectorIndex = (*FlatL2Index)(nil)
