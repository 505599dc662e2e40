package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeBasic(t *testing.T) {
	a := NewStandard()

	tokens := a.Analyze("title", "Quick brown FOX")
	if !assert.Len(t, tokens, 3) {
		return
	}

	assert.Equal(t, "quick", tokens[0].Term)
	assert.Equal(t, 0, tokens[0].Position)
	assert.Equal(t, "brown", tokens[1].Term)
	assert.Equal(t, 1, tokens[1].Position)
	assert.Equal(t, "fox", tokens[2].Term)
	assert.Equal(t, 2, tokens[2].Position)
}

func TestAnalyzeOffsets(t *testing.T) {
	a := NewStandard()

	tokens := a.Analyze("", "ab, cd")
	if !assert.Len(t, tokens, 2) {
		return
	}
	assert.Equal(t, 0, tokens[0].StartByte)
	assert.Equal(t, 2, tokens[0].EndByte)
	assert.Equal(t, 4, tokens[1].StartByte)
	assert.Equal(t, 6, tokens[1].EndByte)
}

func TestAnalyzePunctuationAndDigits(t *testing.T) {
	a := NewStandard()

	tokens := a.Analyze("", "model-3, v2.0!")
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		terms = append(terms, tok.Term)
	}
	assert.Equal(t, []string{"model", "3", "v2", "0"}, terms)
}

func TestAnalyzeUnicode(t *testing.T) {
	a := NewStandard()

	tokens := a.Analyze("", "Crème brûlée")
	if !assert.Len(t, tokens, 2) {
		return
	}
	assert.Equal(t, "crème", tokens[0].Term)
	assert.Equal(t, "brûlée", tokens[1].Term)
}

func TestAnalyzeStopWords(t *testing.T) {
	a := NewStandard(WithStopWords([]string{"the", "of"}))

	tokens := a.Analyze("", "The lord of the rings")
	if !assert.Len(t, tokens, 2) {
		return
	}
	assert.Equal(t, "lord", tokens[0].Term)
	assert.Equal(t, "rings", tokens[1].Term)
}

func TestAnalyzeEmpty(t *testing.T) {
	a := NewStandard()

	assert.Empty(t, a.Analyze("", ""))
	assert.Empty(t, a.Analyze("", " ,;! "))
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := NewStandard()

	first := a.Analyze("", "quick brown fox jumps over")
	second := a.Analyze("", "quick brown fox jumps over")
	assert.Equal(t, first, second)
}
