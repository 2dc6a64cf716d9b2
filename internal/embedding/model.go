// Package embedding provides sentence embedding generation with an LRU+TTL
// cache in front of a lazily loaded encoder model.
package embedding

// Model is a sentence-embedding model mapping UTF-8 text to fixed-dimension
// vectors. Implementations are not required to normalize; the Service
// re-normalizes every returned vector.
type Model interface {
	// Name returns the human-readable model name.
	Name() string

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// Embed generates an embedding for a single text.
	Embed(text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(texts []string) ([][]float32, error)

	// Close releases model resources.
	Close() error
}

// ModelFactory creates a model instance. The Service calls it at most once
// per successful load; failed loads are retried with backoff.
type ModelFactory func() (Model, error)
