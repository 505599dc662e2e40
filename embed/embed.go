// Package embed defines the embedding boundary: the engine hands text to an
// external runner and receives fixed-length float vectors back. Runner
// failures degrade the affected document to "no vector" during indexing;
// they never abort a build unless the engine is configured strictly.
package embed

import "context"

// Embedder turns text into a fixed-length embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a plain function to the Embedder interface.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
