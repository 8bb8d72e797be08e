// Package vectorstore defines the interface for embedding storage and
// nearest-neighbor search over lesson vectors.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDocumentNotFound is returned when a document is not in the collection.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Embedder generates vector embeddings from text.
//
// The engine treats the model as a black box producing a fixed-size
// numeric vector for a text; implementations can run local ONNX models
// or call out to a service.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface for vector storage operations.
//
// Implementations are transport-agnostic. Collections are namespaces for
// documents; the engine keeps lesson vectors in a single collection per
// deployment, keyed by lesson ID, with domain/kind/status metadata for
// filtered retrieval.
type Store interface {
	// AddDocuments embeds and stores documents with their metadata,
	// returning the stored IDs.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)

	// Search performs similarity search over a collection, returning up
	// to k results ordered by similarity (highest first). Filters are
	// exact-match constraints on document metadata.
	Search(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error)

	// SearchByVector is Search with a pre-computed query embedding, so a
	// single embed call can serve both duplicate detection and insert.
	SearchByVector(ctx context.Context, collection string, vector []float32, k int, filters map[string]string) ([]SearchResult, error)

	// GetDocument returns a stored document with its embedding.
	GetDocument(ctx context.Context, collection, id string) (*Document, error)

	// UpdateMetadata rewrites a stored document's metadata in place,
	// preserving its embedding.
	UpdateMetadata(ctx context.Context, collection, id string, metadata map[string]string) error

	// DeleteDocuments deletes documents by ID from a collection.
	DeleteDocuments(ctx context.Context, collection string, ids []string) error

	// Count returns the number of documents in a collection. A missing
	// collection counts as zero.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases resources held by the store.
	Close() error
}
