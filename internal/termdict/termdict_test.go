package termdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/model"
)

func buildDict(t *testing.T, terms ...string) *Dictionary {
	t.Helper()
	dict, data, err := Build(terms)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	return dict
}

func TestBuildAndLookup(t *testing.T) {
	dict := buildDict(t, "apple", "banana", "cherry")

	id, ok, err := dict.Lookup("banana")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.TermID(1), id)

	_, ok, err = dict.Lookup("durian")
	require.NoError(t, err)
	assert.False(t, ok)

	term, ok := dict.Term(2)
	require.True(t, ok)
	assert.Equal(t, "cherry", term)
}

func TestLoadRoundTrip(t *testing.T) {
	terms := []string{"alpha", "beta", "gamma"}
	_, data, err := Build(terms)
	require.NoError(t, err)

	dict, err := Load(data)
	require.NoError(t, err)
	require.Equal(t, 3, dict.Len())
	assert.Equal(t, terms, dict.Terms())

	for i, term := range terms {
		id, ok, err := dict.Lookup(term)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.TermID(i), id)
	}
}

func TestPrefixRange(t *testing.T) {
	dict := buildDict(t, "car", "card", "care", "cat", "dog")

	first, last, ok, err := dict.PrefixRange("car")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.TermID(0), first)
	assert.Equal(t, model.TermID(2), last)

	_, _, ok, err = dict.PrefixRange("fish")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFuzzyExact(t *testing.T) {
	dict := buildDict(t, "brown", "frown")

	matches, err := dict.Fuzzy("brown", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "brown", matches[0].Term)
	assert.Equal(t, uint8(0), matches[0].Distance)
}

func TestFuzzyOneTypo(t *testing.T) {
	dict := buildDict(t, "brown", "frown", "green")

	matches, err := dict.Fuzzy("brwon", 2)
	require.NoError(t, err)

	terms := make(map[string]uint8, len(matches))
	for _, m := range matches {
		terms[m.Term] = m.Distance
	}
	// A transposition counts as two edits.
	assert.Equal(t, uint8(2), terms["brown"])
	assert.NotContains(t, terms, "green")
}

func TestFuzzySubstitution(t *testing.T) {
	dict := buildDict(t, "quick", "slick")

	matches, err := dict.Fuzzy("qunck", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "quick", matches[0].Term)
	assert.Equal(t, uint8(1), matches[0].Distance)
}

func TestFuzzyDistanceOutOfRange(t *testing.T) {
	dict := buildDict(t, "a")

	_, err := dict.Fuzzy("a", 3)
	assert.ErrorIs(t, err, ErrDistanceOutOfRange)
}

func TestEmptyDictionary(t *testing.T) {
	dict := buildDict(t)

	_, ok, err := dict.Lookup("anything")
	require.NoError(t, err)
	assert.False(t, ok)

	matches, err := dict.Fuzzy("anything", 1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want uint8
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"abc", "ab", 1},
		{"abc", "bc", 1},
		{"abc", "acb", 2},
		{"kitten", "sitting", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
