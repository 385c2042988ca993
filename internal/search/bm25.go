// internal/search/bm25.go
package search

import "math"

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type lexicalDoc struct {
	tf  map[string]int
	len int
}

// lexicalIndex is an Okapi BM25 index over one corpus.
type lexicalIndex struct {
	docs   []lexicalDoc
	df     map[string]int
	avgLen float64
}

func newLexicalIndex(tokenized [][]string) *lexicalIndex {
	ix := &lexicalIndex{
		docs: make([]lexicalDoc, len(tokenized)),
		df:   make(map[string]int),
	}
	total := 0
	for i, toks := range tokenized {
		tf := make(map[string]int, len(toks))
		for _, t := range toks {
			tf[t]++
		}
		for t := range tf {
			ix.df[t]++
		}
		ix.docs[i] = lexicalDoc{tf: tf, len: len(toks)}
		total += len(toks)
	}
	if len(tokenized) > 0 {
		ix.avgLen = float64(total) / float64(len(tokenized))
	}
	return ix
}

// score returns the BM25 score of every document with at least one query
// term, keyed by document position.
func (ix *lexicalIndex) score(query []string) map[int]float64 {
	out := make(map[int]float64)
	if len(ix.docs) == 0 || ix.avgLen == 0 {
		return out
	}
	n := float64(len(ix.docs))
	seen := make(map[string]bool, len(query))
	for _, term := range query {
		if seen[term] {
			continue
		}
		seen[term] = true
		df := ix.df[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for i, d := range ix.docs {
			f := d.tf[term]
			if f == 0 {
				continue
			}
			tf := float64(f)
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(d.len)/ix.avgLen))
			out[i] += idf * norm
		}
	}
	return out
}
