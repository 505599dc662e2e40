// Package analyzer defines the text analysis boundary of the engine.
//
// The indexing pipeline and the query executor both consume token streams
// through the Analyzer interface; the engine never tokenizes text itself.
// The Standard analyzer is a reference implementation: Unicode word
// segmentation, lowercasing, positional tracking and an optional stop-word
// set. Analysis must be deterministic for identical input within a
// generation.
package analyzer

import (
	"strings"
	"unicode"
)

// Token is a single normalized token with its position within a field value.
// Position counts words, StartByte/EndByte delimit the original slice of the
// input text. Decompounded marks tokens produced by language-aware
// decomposition rather than plain segmentation.
type Token struct {
	Term         string
	Position     int
	StartByte    int
	EndByte      int
	Decompounded bool
}

// Analyzer turns a field value into an ordered token stream.
// Implementations must be safe for concurrent use and deterministic.
type Analyzer interface {
	Analyze(field string, text string) []Token
}

// Standard is the reference analyzer: splits on anything that is neither a
// Unicode letter nor a digit, lowercases, and drops configured stop words.
type Standard struct {
	stopWords map[string]struct{}
}

// Option configures a Standard analyzer.
type Option func(*Standard)

// WithStopWords configures terms dropped at both indexing and query time.
func WithStopWords(words []string) Option {
	return func(a *Standard) {
		a.stopWords = make(map[string]struct{}, len(words))
		for _, w := range words {
			a.stopWords[strings.ToLower(w)] = struct{}{}
		}
	}
}

// NewStandard creates a Standard analyzer.
func NewStandard(optFns ...Option) *Standard {
	a := &Standard{}
	for _, fn := range optFns {
		fn(a)
	}
	return a
}

var _ Analyzer = (*Standard)(nil)

// Analyze implements Analyzer.
func (a *Standard) Analyze(_ string, text string) []Token {
	var tokens []Token

	pos := 0
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if tok, ok := a.emit(text, start, i, pos); ok {
				tokens = append(tokens, tok)
				pos++
			}
			start = -1
		}
	}
	if start >= 0 {
		if tok, ok := a.emit(text, start, len(text), pos); ok {
			tokens = append(tokens, tok)
		}
	}

	return tokens
}

func (a *Standard) emit(text string, start, end, pos int) (Token, bool) {
	term := strings.ToLower(text[start:end])
	if _, stopped := a.stopWords[term]; stopped {
		return Token{}, false
	}
	return Token{
		Term:      term,
		Position:  pos,
		StartByte: start,
		EndByte:   end,
	}, true
}
