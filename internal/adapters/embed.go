// Copyright 2025 James Ross
package adapters

import "context"

// Embedder is the boundary to the dense/sparse text-embedding models
// that turn an ontology-mapping query string into the dense vector and
// SPLADE token-weight map SearchClient.Search needs. Per spec.md §1's
// explicit non-goal ("all ontology/corpus search functions"), no
// concrete embedding model ships in this repository; an operator wires
// in whatever encoder serves their deployed indices.
type Embedder interface {
	Embed(ctx context.Context, text string) (dense []float64, splade map[string]float64, err error)
}
