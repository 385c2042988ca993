// internal/memory/backfill.go
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// DefaultLease is how long a claimed slot stays reserved for one worker.
const DefaultLease = 2 * time.Minute

// BackfillStats reports one backfill pass.
type BackfillStats struct {
	Claimed int `json:"claimed"`
	Written int `json:"written"`
	Stale   int `json:"stale"`
}

// BackfillEmbeddings claims up to batch pending slots, embeds their current
// text in one gateway call and writes each vector back only if the slot
// still refers to that text. Slots whose embedding fails stay pending and
// are claimed again once the lease runs out.
func (s *Store) BackfillEmbeddings(ctx context.Context, gw *embedder.Gateway, batch int, lease time.Duration) (BackfillStats, error) {
	var stats BackfillStats
	if !gw.Enabled() {
		return stats, types.ErrEmbeddingUnavailable
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	claimed, err := s.reg.storage.ClaimPending(ctx, s.t, batch, lease, s.now().UTC())
	if err != nil {
		return stats, fmt.Errorf("failed to claim %s embeddings: %w", s.t, err)
	}
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats, nil
	}

	// Re-read the text each slot was claimed for.
	items := make(map[string]*types.Item)
	var work []storage.PendingEmbedding
	var texts []string
	for _, p := range claimed {
		it, ok := items[p.ItemID]
		if !ok {
			it, err = s.reg.storage.Get(ctx, s.t, p.ItemID)
			if errors.Is(err, types.ErrNotFound) {
				stats.Stale++
				continue
			}
			if err != nil {
				return stats, err
			}
			items[p.ItemID] = it
		}
		text := it.Payload.IndexedText()[p.Field]
		if it.IsDeleted || text == "" || types.TextHash(text) != p.SourceHash {
			stats.Stale++
			continue
		}
		work = append(work, p)
		texts = append(texts, text)
	}
	if len(work) == 0 {
		return stats, nil
	}

	vecs, err := gw.EmbedDocuments(ctx, texts)
	if err != nil {
		return stats, err
	}

	touched := make(map[string]bool)
	for i, p := range work {
		if vecs[i] == nil {
			continue
		}
		ok, err := s.reg.storage.SetEmbedding(ctx, s.t, p.ItemID, p.Field, p.SourceHash, vecs[i])
		if err != nil {
			return stats, fmt.Errorf("failed to store embedding: %w", err)
		}
		if !ok {
			// Edited while we were embedding; the new slot is pending.
			stats.Stale++
			continue
		}
		stats.Written++
		touched[p.OwnerID] = true
	}
	for owner := range touched {
		s.reg.gens.bump(owner, s.t)
	}

	s.reg.log.Debug("embedding backfill pass", "type", s.t,
		"claimed", stats.Claimed, "written", stats.Written, "stale", stats.Stale)
	return stats, nil
}
