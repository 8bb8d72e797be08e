package vectorstore

// Document represents a document stored in the vector store.
type Document struct {
	// ID is the unique identifier, shared with the record store row.
	ID string

	// Content is the text that was embedded.
	Content string

	// Metadata holds exact-match filterable key-value pairs
	// (domain, kind, status).
	Metadata map[string]string

	// Embedding is the stored vector. Populated on reads; may be left
	// empty on writes, in which case the store embeds Content.
	Embedding []float32

	// Collection is the target collection name. If empty, the store's
	// default collection is used.
	Collection string
}

// SearchResult is a similarity search hit.
type SearchResult struct {
	// ID is the document identifier.
	ID string

	// Content is the document text content.
	Content string

	// Score is the cosine similarity (higher = more similar).
	Score float32

	// Metadata contains the document metadata.
	Metadata map[string]string
}
