// internal/embedder/hashing.go
package embedder

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// Hashing is a deterministic offline embedder. Each lowercased word is
// hashed into one of dims buckets, so texts sharing words land close
// together. It needs no model and is used for local runs and tests.
type Hashing struct {
	dims int
}

// NewHashing returns a hashing embedder producing dims-length vectors.
func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = 256
	}
	return &Hashing{dims: dims}
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%h.dims] += sign
	}
	return Normalize(v)
}

func (h *Hashing) EmbedForStorage(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hashing) EmbedForSearch(_ context.Context, query string) ([]float32, error) {
	return h.vector(query), nil
}

func (h *Hashing) Dimensions() int { return h.dims }
