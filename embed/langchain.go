package embed

import (
	"context"

	"github.com/tmc/langchaingo/embeddings"
)

// LangChain adapts a langchaingo embedder to the engine's Embedder boundary.
type LangChain struct {
	embedder embeddings.Embedder
}

// NewLangChain wraps a langchaingo embedder.
func NewLangChain(embedder embeddings.Embedder) *LangChain {
	return &LangChain{embedder: embedder}
}

var _ Embedder = (*LangChain)(nil)

// Embed implements Embedder.
func (l *LangChain) Embed(ctx context.Context, text string) ([]float32, error) {
	return l.embedder.EmbedQuery(ctx, text)
}
