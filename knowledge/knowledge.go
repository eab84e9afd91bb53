// Package knowledge retrieves guideline evidence for the grading loop.
package knowledge

import (
	"context"

	"github.com/medigraph/clinagent/types"
)

// Base is the searchable guideline corpus. Implementations rank snippets by
// relevance; the grader decides whether the batch is sufficient.
type Base interface {
	Search(ctx context.Context, query string, topK int) ([]types.EvidenceSnippet, error)
}

// Embedder turns texts into vectors for similarity search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
