// Package index implements the in-memory vector index used for similarity
// search: a flat, brute-force structure over fixed-dimension float32 vectors
// with exact squared-L2 distance. The index supports append and search only;
// there is no delete and no update. Every instance is immutable once built:
// Add returns a fresh instance instead of mutating the receiver, and both
// adds and rebuilds are installed with an atomic pointer swap (see [Handle]),
// so searches in flight never observe a half-built index. Removal is handled
// upstream by marking slots dead in the corpus store and periodically
// rebuilding a fresh instance.
package index

import (
	"fmt"
	"sort"
)

// Hit is a single search result: the slot identifier of a stored vector and
// its exact squared Euclidean distance from the query.
type Hit struct {
	// Slot is the index-assigned identifier of the matched vector.
	Slot int64
	// Distance is the squared L2 distance to the query vector.
	Distance float32
}

// Flat is a brute-force exact nearest-neighbor index. Each vector carries
// the row id of the corpus chunk it embeds, so a search hit resolves to its
// chunk through the same instance that produced it; the mapping can never
// run ahead of (or behind) the vectors it describes. A Flat instance is
// immutable after construction. Add builds and returns a replacement
// instance, leaving the receiver untouched for searches still running
// against it; the stored vectors themselves are shared, never rewritten.
type Flat struct {
	// dim is the fixed dimensionality of all stored vectors.
	dim int
	// vectors holds the stored vectors; the slice index is the slot id.
	vectors [][]float32
	// chunks holds the chunk row id for each slot, parallel to vectors.
	chunks []int64
}

// NewFlat constructs an empty Flat index for vectors of the given dimension.
func NewFlat(dim int) (*Flat, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d", dim)
	}
	return &Flat{dim: dim}, nil
}

// Dim returns the vector dimensionality of the index.
func (f *Flat) Dim() int { return f.dim }

// Len returns the total number of stored vectors, dead slots included.
func (f *Flat) Len() int { return len(f.vectors) }

// Add returns a new instance holding the receiver's vectors plus the batch,
// along with the batch's slot identifiers in input order. The receiver is
// not modified. Slot ids are monotonically increasing: the first vector of
// the batch receives slot Len(), the next Len()+1, and so on. chunkIDs are
// the corpus row ids of the chunks the vectors embed, parallel to vectors.
// The input slices are copied, so callers may reuse their buffers.
func (f *Flat) Add(vectors [][]float32, chunkIDs []int64) (*Flat, []int64, error) {
	if len(vectors) != len(chunkIDs) {
		return nil, nil, fmt.Errorf("index: %d vectors but %d chunk ids", len(vectors), len(chunkIDs))
	}

	next := &Flat{
		dim:     f.dim,
		vectors: make([][]float32, len(f.vectors), len(f.vectors)+len(vectors)),
		chunks:  make([]int64, len(f.chunks), len(f.chunks)+len(vectors)),
	}
	copy(next.vectors, f.vectors)
	copy(next.chunks, f.chunks)

	slots := make([]int64, 0, len(vectors))
	start := int64(len(f.vectors))

	for i, v := range vectors {
		if len(v) != f.dim {
			return nil, nil, fmt.Errorf("index: vector %d has dimension %d, want %d", i, len(v), f.dim)
		}
		cp := make([]float32, f.dim)
		copy(cp, v)
		next.vectors = append(next.vectors, cp)
		next.chunks = append(next.chunks, chunkIDs[i])
		slots = append(slots, start+int64(i))
	}

	return next, slots, nil
}

// ChunkID returns the chunk row id stored for slot. The second return is
// false when the slot does not exist in this instance; a hit produced by
// this instance's Search always maps.
func (f *Flat) ChunkID(slot int64) (int64, bool) {
	if slot < 0 || slot >= int64(len(f.chunks)) {
		return 0, false
	}
	return f.chunks[slot], true
}

// Search returns the k nearest stored vectors to query, ordered by
// ascending squared L2 distance with slot id as the tie-break. k is clamped
// to the number of stored vectors; an empty index returns nil.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("index: query has dimension %d, want %d", len(query), f.dim)
	}
	if k <= 0 || len(f.vectors) == 0 {
		return nil, nil
	}
	if k > len(f.vectors) {
		k = len(f.vectors)
	}

	hits := make([]Hit, len(f.vectors))
	for i, v := range f.vectors {
		hits[i] = Hit{Slot: int64(i), Distance: squaredL2(query, v)}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Distance != hits[b].Distance {
			return hits[a].Distance < hits[b].Distance
		}
		return hits[a].Slot < hits[b].Slot
	})

	return hits[:k], nil
}

// Vector returns a copy of the vector stored at slot, or an error if the
// slot does not exist. Used by snapshot writing and by tests.
func (f *Flat) Vector(slot int64) ([]float32, error) {
	if slot < 0 || slot >= int64(len(f.vectors)) {
		return nil, fmt.Errorf("index: slot %d out of range [0, %d)", slot, len(f.vectors))
	}
	cp := make([]float32, f.dim)
	copy(cp, f.vectors[slot])
	return cp, nil
}

// squaredL2 computes the exact squared Euclidean distance between a and b.
// Accumulation is in float64 to keep the sum stable over long vectors; the
// result is truncated back to float32.
func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}
