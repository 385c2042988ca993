package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"alice", "s", "e", "mail", "is", "a", "b", "io"},
		Tokenize("Alice's e-mail is a@b.io"))
	assert.Empty(t, Tokenize("  --  "))
}

func TestStringScore(t *testing.T) {
	text := "meet alicebobson at noon"
	assert.Equal(t, 1.0, stringScore("Alice", Tokenize("Alice"), text))
	assert.Equal(t, 0.25, stringScore("alice tuesday", Tokenize("alice tuesday"), text))
	assert.Zero(t, stringScore("dinner", Tokenize("dinner"), text))
	assert.Zero(t, stringScore("", nil, text))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting"), 10))
	assert.Equal(t, 2, levenshtein([]rune("kubernetes"), []rune("kubernetse"), 10))
	assert.Equal(t, 2, levenshtein([]rune("abcdef"), []rune("zzzzzz"), 1), "stops past the limit")
	assert.Equal(t, 3, levenshtein(nil, []rune("abc"), 5))
}

func TestFuzzyScore(t *testing.T) {
	doc := Tokenize("deploying kubernetes clusters")
	assert.Greater(t, fuzzyScore(Tokenize("kubernetse"), doc), 0.7)
	assert.Zero(t, fuzzyScore(Tokenize("cat"), Tokenize("car")), "short tokens need exact matches")
	assert.Equal(t, 1.0, fuzzyScore(Tokenize("clusters"), doc))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Recipes", "recipes"))
	assert.InDelta(t, 0.857, Similarity("recipes", "recipe"), 0.01)
	assert.Equal(t, 1.0, Similarity("", ""))
}

func TestBM25_RanksRarerTermsHigher(t *testing.T) {
	ix := newLexicalIndex([][]string{
		Tokenize("the cat sat on the mat"),
		Tokenize("the dog chased the cat"),
		Tokenize("the quantum computer"),
	})
	scores := ix.score(Tokenize("quantum cat"))
	assert.Len(t, scores, 3)
	assert.Greater(t, scores[2], scores[0])

	assert.Empty(t, ix.score(Tokenize("unicorn")))
	assert.Empty(t, newLexicalIndex(nil).score(Tokenize("cat")))
}
