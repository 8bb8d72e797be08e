package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("knowledged.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded vector
// database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/knowledged/vectors"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// DefaultCollection is the default collection name.
	// Default: "lessons"
	DefaultCollection string

	// VectorSize is the expected embedding dimension. Must match the
	// embedder's output dimension. Default: 384 (bge-small-en-v1.5).
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/knowledged/vectors"
	}
	if c.DefaultCollection == "" {
		c.DefaultCollection = "lessons"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements the Store interface using chromem-go, an
// embeddable pure-Go vector database with automatic persistence. No
// external database service is needed, which keeps the consult path
// free of network hops.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromemStore creates a new ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	store := &ChromemStore{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
		zap.String("default_collection", config.DefaultCollection),
	)

	return store, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc adapts the Embedder interface to chromem's callback.
func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *ChromemStore) collectionName(name string) string {
	if name == "" {
		return s.config.DefaultCollection
	}
	return name
}

// AddDocuments adds documents to the vector store. Documents carrying a
// pre-computed Embedding are stored as-is; the rest are embedded in one
// batch call.
func (s *ChromemStore) AddDocuments(ctx context.Context, docs []Document) ([]string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddDocuments")
	defer span.End()

	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}

	collectionName := s.collectionName(docs[0].Collection)
	for i, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("document at index %d has no ID", i)
		}
		if doc.Collection != "" && doc.Collection != collectionName {
			return nil, fmt.Errorf("document at index %d targets collection %q but batch targets %q",
				i, doc.Collection, collectionName)
		}
	}
	span.SetAttributes(attribute.String("collection", collectionName))

	collection, err := s.db.GetOrCreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("getting/creating collection %s: %w", collectionName, err)
	}

	// Embed only the documents that arrived without a vector.
	var pendingIdx []int
	var pendingTexts []string
	for i, doc := range docs {
		if len(doc.Embedding) == 0 {
			pendingIdx = append(pendingIdx, i)
			pendingTexts = append(pendingTexts, doc.Content)
		}
	}
	if len(pendingTexts) > 0 {
		embeddings, err := s.embedder.EmbedDocuments(ctx, pendingTexts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		for j, i := range pendingIdx {
			docs[i].Embedding = embeddings[j]
		}
	}

	chromemDocs := make([]chromem.Document, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
		}
	}

	// Concurrency of 1: embeddings are already computed.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added documents to chromem",
		zap.String("collection", collectionName),
		zap.Int("count", len(docs)),
	)
	return ids, nil
}

// Search performs similarity search in a collection.
func (s *ChromemStore) Search(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return s.searchVector(ctx, span, collection, vector, k, filters)
}

// SearchByVector performs similarity search with a pre-computed embedding.
func (s *ChromemStore) SearchByVector(ctx context.Context, collection string, vector []float32, k int, filters map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.SearchByVector")
	defer span.End()
	return s.searchVector(ctx, span, collection, vector, k, filters)
}

func (s *ChromemStore) searchVector(ctx context.Context, span trace.Span, collection string, vector []float32, k int, filters map[string]string) ([]SearchResult, error) {
	collectionName := s.collectionName(collection)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}

	col := s.db.GetCollection(collectionName, s.embeddingFunc())
	if col == nil {
		// An empty engine has no collection yet; that is not an error
		// for searches, just an empty result.
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count.
	docCount := col.Count()
	if docCount == 0 {
		return []SearchResult{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := col.QueryEmbedding(ctx, vector, k, filters, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collectionName, err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, r := range results {
		searchResults[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(searchResults)))
	span.SetStatus(codes.Ok, "success")
	return searchResults, nil
}

// GetDocument returns a stored document with its embedding.
func (s *ChromemStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.GetDocument")
	defer span.End()

	collectionName := s.collectionName(collection)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.String("id", id),
	)

	col := s.db.GetCollection(collectionName, s.embeddingFunc())
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, ErrCollectionNotFound
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	span.SetStatus(codes.Ok, "success")
	return &Document{
		ID:         doc.ID,
		Content:    doc.Content,
		Metadata:   doc.Metadata,
		Embedding:  doc.Embedding,
		Collection: collectionName,
	}, nil
}

// UpdateMetadata rewrites a document's metadata, keeping its embedding.
// chromem has no in-place update, so the document is re-added with the
// stored vector.
func (s *ChromemStore) UpdateMetadata(ctx context.Context, collection, id string, metadata map[string]string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.UpdateMetadata")
	defer span.End()

	doc, err := s.GetDocument(ctx, collection, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	doc.Metadata = metadata
	if _, err := s.AddDocuments(ctx, []Document{*doc}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rewriting document %s: %w", id, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteDocuments deletes documents by their IDs from a collection.
func (s *ChromemStore) DeleteDocuments(ctx context.Context, collection string, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteDocuments")
	defer span.End()

	collectionName := s.collectionName(collection)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		return nil
	}

	col := s.db.GetCollection(collectionName, s.embeddingFunc())
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return ErrCollectionNotFound
	}

	var failures []string
	for _, id := range ids {
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			s.logger.Error("failed to delete document",
				zap.String("collection", collectionName),
				zap.String("id", id),
				zap.Error(err),
			)
			failures = append(failures, id)
		}
	}
	if len(failures) > 0 {
		span.SetStatus(codes.Error, "partial deletion failure")
		return fmt.Errorf("failed to delete %d of %d documents: %v", len(failures), len(ids), failures)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of documents in a collection.
func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Count")
	defer span.End()

	collectionName := s.collectionName(collection)
	col := s.db.GetCollection(collectionName, s.embeddingFunc())
	if col == nil {
		return 0, nil
	}
	span.SetStatus(codes.Ok, "success")
	return col.Count(), nil
}

// Close closes the ChromemStore. chromem-go persists automatically, so
// there is nothing to flush.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)
