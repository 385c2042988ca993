// internal/search/corpus.go
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// entry is one item as seen by the text-based modes.
type entry struct {
	id        string
	updatedAt time.Time
	tokens    []string
	lower     string
}

// corpus is the lexical view of one owner's items of one type, restricted
// to a set of fields.
type corpus struct {
	entries []entry
	index   *lexicalIndex
}

func buildCorpus(items []*types.Item, fields map[string]bool) *corpus {
	c := &corpus{entries: make([]entry, 0, len(items))}
	tokenized := make([][]string, 0, len(items))
	for _, it := range items {
		var parts []string
		text := it.Payload.IndexedText()
		names := make([]string, 0, len(text))
		for f := range text {
			if len(fields) == 0 || fields[f] {
				names = append(names, f)
			}
		}
		sort.Strings(names)
		for _, f := range names {
			if text[f] != "" {
				parts = append(parts, text[f])
			}
		}
		joined := strings.Join(parts, "\n")
		toks := Tokenize(joined)
		c.entries = append(c.entries, entry{
			id:        it.ID,
			updatedAt: it.UpdatedAt,
			tokens:    toks,
			lower:     strings.ToLower(joined),
		})
		tokenized = append(tokenized, toks)
	}
	c.index = newLexicalIndex(tokenized)
	return c
}

func (c *corpus) cost() int64 {
	var n int64 = 1
	for _, e := range c.entries {
		n += int64(len(e.lower)) + int64(len(e.tokens))*8
	}
	return n
}

// corpusCache memoizes corpora per (owner, type, generation, fields). A
// write bumps the generation so stale entries are simply never asked for
// again; the TTL bounds staleness for writes made by other processes.
type corpusCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
	max   int
	log   *slog.Logger
}

func newCorpusCache(maxCost int64, ttl time.Duration, maxItems int, logger *slog.Logger) (*corpusCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create corpus cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &corpusCache{cache: c, ttl: ttl, max: maxItems, log: logger}, nil
}

func (cc *corpusCache) load(ctx context.Context, reg *memory.Registry, st *memory.Store, req Request, fields map[string]bool) (*corpus, error) {
	key := cc.key(reg, st.Type(), req, fields)
	if v, ok := cc.cache.Get(key); ok {
		return v.(*corpus), nil
	}
	items, err := st.List(ctx, req.Scope, types.ListOpts{PathPrefix: req.PathPrefix, Limit: cc.max})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s corpus: %w", st.Type(), err)
	}
	if cc.max > 0 && len(items) >= cc.max {
		// Older items are only reachable through vector mode.
		cc.log.Warn("search corpus truncated to most recent items",
			"owner", req.Scope.OwnerID, "type", st.Type(), "max_corpus", cc.max)
	}
	c := buildCorpus(items, fields)
	cc.cache.SetWithTTL(key, c, c.cost(), cc.ttl)
	return c, nil
}

func (cc *corpusCache) key(reg *memory.Registry, t types.MemoryType, req Request, fields map[string]bool) string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s|%s|%d|%s|%s", req.Scope.OwnerID, t,
		reg.Generation(req.Scope.OwnerID, t), strings.Join(names, ","), types.PathKey(req.PathPrefix))
}

func (cc *corpusCache) close() { cc.cache.Close() }
