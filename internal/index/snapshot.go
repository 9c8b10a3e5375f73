package index

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// snapshot is the on-disk representation of a Flat index. Vectors are stored
// in slot order, so the slice index is the slot id, the same contract the
// in-memory index uses. Written only after a successful rebuild, when every
// stored vector is live.
type snapshot struct {
	// Dim is the vector dimensionality.
	Dim int
	// Vectors holds all vectors in slot order.
	Vectors [][]float32
	// Chunks holds the chunk row id for each slot, parallel to Vectors.
	Chunks []int64
}

// WriteSnapshot serializes f to path so the service can restart without
// re-embedding the corpus. The file is written to a temporary sibling and
// renamed into place, so a crash mid-write never leaves a truncated
// snapshot where the loader will find it.
func WriteSnapshot(f *Flat, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("index: create snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("index: create snapshot temp file: %w", err)
	}

	snap := snapshot{Dim: f.dim, Vectors: f.vectors, Chunks: f.chunks}
	if err := gob.NewEncoder(file).Encode(&snap); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("index: encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("index: close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("index: install snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a Flat index previously written by WriteSnapshot.
// Returns os.ErrNotExist (wrapped) when no snapshot is present, so callers
// can fall back to rebuilding from the corpus store.
func LoadSnapshot(path string) (*Flat, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snap snapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("index: decode snapshot %s: %w", path, err)
	}
	if snap.Dim <= 0 {
		return nil, fmt.Errorf("index: snapshot %s has invalid dimension %d", path, snap.Dim)
	}
	if len(snap.Chunks) != len(snap.Vectors) {
		return nil, fmt.Errorf("index: snapshot %s has %d chunk ids for %d vectors", path, len(snap.Chunks), len(snap.Vectors))
	}
	for i, v := range snap.Vectors {
		if len(v) != snap.Dim {
			return nil, fmt.Errorf("index: snapshot %s vector %d has dimension %d, want %d", path, i, len(v), snap.Dim)
		}
	}

	return &Flat{dim: snap.Dim, vectors: snap.Vectors, chunks: snap.Chunks}, nil
}
