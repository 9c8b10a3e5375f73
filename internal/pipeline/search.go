package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kbai/kbai-go/internal/logging"
)

// searchWiden multiplies topK for the raw index query, so post-search
// filtering (deleted documents, source and date filters) still leaves
// enough candidates.
const searchWiden = 3

// runSearch embeds the query, searches the live index, resolves slots back
// to chunks, and filters the results. An embedding failure is a hard
// pipeline error; an empty result set is not.
func (p *Pipeline) runSearch(ctx context.Context, state *queryState) error {
	log := logging.FromContext(ctx)

	vectors, err := p.embedder.Embed(ctx, []string{state.query})
	if err != nil {
		return fmt.Errorf("%w: embedding query: %v", ErrModelUnavailable, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: embedder returned %d vectors for one query", ErrModelUnavailable, len(vectors))
	}

	// Search and slot resolution go through one instance: a rebuild swapped
	// in mid-query can reassign store-side slots without this query ever
	// observing the new mapping.
	flat := p.handle.Load()
	hits, err := flat.Search(vectors[0], p.topK*searchWiden)
	if err != nil {
		return fmt.Errorf("pipeline: index search: %w", err)
	}
	if len(hits) == 0 {
		return nil
	}

	chunkIDs := make([]int64, 0, len(hits))
	for _, h := range hits {
		if id, ok := flat.ChunkID(h.Slot); ok {
			chunkIDs = append(chunkIDs, id)
		}
	}
	resolved, err := p.store.ResolveChunks(ctx, chunkIDs)
	if err != nil {
		return fmt.Errorf("pipeline: resolve chunks: %w", err)
	}

	var updatedAfter time.Time
	if state.analysis.UpdatedAfter != "" {
		updatedAfter, err = time.Parse("2006-01-02", state.analysis.UpdatedAfter)
		if err != nil {
			log.Warn("pipeline: ignoring unparseable date filter",
				slog.String("updated_after", state.analysis.UpdatedAfter))
			updatedAfter = time.Time{}
		}
	}

	for _, h := range hits {
		chunkID, ok := flat.ChunkID(h.Slot)
		if !ok {
			// Search and ChunkID use the same instance, so every hit maps;
			// a miss is a consistency bug. Drop the hit, never surface it.
			log.Error("pipeline: search hit has no chunk mapping",
				slog.Int64("slot", h.Slot),
				slog.Float64("distance", float64(h.Distance)))
			p.metrics.countConsistencyViolation()
			continue
		}
		res, ok := resolved[chunkID]
		if !ok {
			// The chunk was tombstoned after it was indexed; its slot stays
			// in the index until the next rebuild reclaims it.
			log.Debug("pipeline: search hit resolves to a dead chunk",
				slog.Int64("slot", h.Slot),
				slog.Int64("chunk_id", chunkID))
			continue
		}
		if state.analysis.SourceFilter != "" && res.Source != state.analysis.SourceFilter {
			continue
		}
		if !updatedAfter.IsZero() && res.SourceUpdatedAt.Before(updatedAfter) {
			continue
		}
		state.candidates = append(state.candidates, candidate{
			slot:       h.Slot,
			distance:   h.Distance,
			similarity: 1 / (1 + float64(h.Distance)),
			resolved:   res,
		})
		if len(state.candidates) == p.topK {
			break
		}
	}
	return nil
}
