// Package librarian ingests reported lessons: it validates drafts,
// detects near-duplicates by embedding similarity, classifies content,
// persists accepted lessons, and propagates relevance hints to other
// agents working in the same domain.
package librarian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

const (
	// DefaultDedupThreshold is the cosine similarity above which a new
	// report is merged into an existing lesson instead of stored.
	DefaultDedupThreshold = 0.90

	// DefaultEmbedTimeout bounds the embedding call during ingestion.
	// Ingestion fails closed when the embedder cannot answer in time.
	DefaultEmbedTimeout = 5 * time.Second

	// DefaultCollection is the vector collection holding lesson embeddings.
	DefaultCollection = "lessons"

	// minClassifierConfidence is the classifier confidence below which a
	// lesson is stored pending review instead of active.
	minClassifierConfidence = 0.6
)

// RecordStore is the slice of the knowledge store the Librarian writes.
type RecordStore interface {
	CreateLesson(ctx context.Context, lesson *knowledge.Lesson) error
	GetLesson(ctx context.Context, id string) (*knowledge.Lesson, error)
	MergeLessonContext(ctx context.Context, id, note string) error
	RecordLessonFeedback(ctx context.Context, id string, helpful bool) (*knowledge.Lesson, error)
	DomainAgents(ctx context.Context, domain string) ([]string, error)
	TouchRelevanceLink(ctx context.Context, agentID, lessonID string, delta float64) error
}

// Auditor records audit events. Failures are the auditor's problem;
// ingestion never fails because an event could not be recorded.
type Auditor interface {
	Emit(ctx context.Context, event *knowledge.Event)
}

// Draft is a lesson as reported by an agent, before classification.
// Kind, Severity, and Tags are optional; the classifier fills whatever
// the reporter omitted, and reporter-supplied values always win.
type Draft struct {
	Content     string
	Context     string
	Outcome     string
	Kind        knowledge.LessonKind
	Severity    knowledge.Severity
	Domain      string
	Subdomain   string
	Tags        []string
	SourceAgent string
	SourceType  knowledge.SourceType
}

// Result reports what ingestion did with a draft.
type Result struct {
	// LessonID is the stored lesson, or the existing lesson the draft
	// was merged into.
	LessonID string
	Status   knowledge.LessonStatus
	// Merged is true when the draft was folded into an existing lesson.
	Merged bool
}

// Service is the ingestion pipeline.
type Service struct {
	records    RecordStore
	vectors    vectorstore.Store
	embedder   vectorstore.Embedder
	classifier Classifier
	auditor    Auditor
	logger     *zap.Logger

	collection     string
	dedupThreshold float32
	embedTimeout   time.Duration

	domainLocks *keyedMutex
}

// Option configures the Service.
type Option func(*Service)

// WithDedupThreshold overrides the near-duplicate similarity threshold.
func WithDedupThreshold(t float32) Option {
	return func(s *Service) { s.dedupThreshold = t }
}

// WithEmbedTimeout overrides the embedding timeout.
func WithEmbedTimeout(d time.Duration) Option {
	return func(s *Service) { s.embedTimeout = d }
}

// WithCollection overrides the vector collection name.
func WithCollection(name string) Option {
	return func(s *Service) { s.collection = name }
}

// WithClassifier replaces the built-in regex classifier.
func WithClassifier(c Classifier) Option {
	return func(s *Service) { s.classifier = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the Librarian.
func NewService(records RecordStore, vectors vectorstore.Store, embedder vectorstore.Embedder, auditor Auditor, opts ...Option) (*Service, error) {
	if records == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}

	s := &Service{
		records:        records,
		vectors:        vectors,
		embedder:       embedder,
		classifier:     NewRegexClassifier(),
		auditor:        auditor,
		logger:         zap.NewNop(),
		collection:     DefaultCollection,
		dedupThreshold: DefaultDedupThreshold,
		embedTimeout:   DefaultEmbedTimeout,
		domainLocks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest runs the full pipeline on a draft. Validation failures leave no
// partial writes. An unreachable embedder fails the ingestion with
// ErrEmbeddingUnavailable rather than storing an unsearchable lesson.
func (s *Service) Ingest(ctx context.Context, draft Draft) (*Result, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	// Embed before taking the domain lock; only the duplicate check and
	// the insert need to be serialized.
	vector, err := s.embed(ctx, draft.Content)
	if err != nil {
		return nil, err
	}

	classification, err := s.classify(draft)
	if err != nil {
		return nil, err
	}

	lesson := s.buildLesson(draft, classification)
	if err := lesson.Validate(); err != nil {
		return nil, err
	}

	unlock := s.domainLocks.Lock(draft.Domain)
	result, err := s.dedupOrInsert(ctx, lesson, vector)
	unlock()
	if err != nil {
		return nil, err
	}

	if result.Merged {
		s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventMerged, draft.SourceAgent, result.LessonID,
			fmt.Sprintf("near-duplicate report from %s folded in", draft.SourceAgent)))
		s.logger.Info("draft merged into existing lesson",
			zap.String("lesson_id", result.LessonID),
			zap.String("domain", draft.Domain),
			zap.String("source_agent", draft.SourceAgent))
		return result, nil
	}

	s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventIngested, draft.SourceAgent, lesson.ID, string(lesson.Kind)))
	s.logger.Info("lesson ingested",
		zap.String("lesson_id", lesson.ID),
		zap.String("domain", lesson.Domain),
		zap.String("kind", string(lesson.Kind)),
		zap.String("status", string(lesson.Status)))

	// Relevance propagation is best-effort and off the request path.
	go s.propagate(lesson)

	return result, nil
}

// Feedback applies an explicit helpful/ignored signal to a lesson.
func (s *Service) Feedback(ctx context.Context, lessonID string, helpful bool) (*knowledge.Lesson, error) {
	if lessonID == "" {
		return nil, knowledge.NewValidationError("lesson_id cannot be empty", "lesson_id")
	}

	lesson, err := s.records.RecordLessonFeedback(ctx, lessonID, helpful)
	if err != nil {
		return nil, fmt.Errorf("recording feedback: %w", err)
	}

	signal := "helpful"
	if !helpful {
		signal = "ignored"
	}
	s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventFeedback, lesson.SourceAgent, lessonID, signal))
	s.logger.Debug("lesson feedback recorded",
		zap.String("lesson_id", lessonID),
		zap.String("signal", signal),
		zap.Float64("confidence", lesson.Confidence))

	return lesson, nil
}

func validateDraft(draft Draft) error {
	var fields []string
	if draft.Content == "" {
		fields = append(fields, "content")
	}
	if draft.Domain == "" {
		fields = append(fields, "domain")
	}
	if !knowledge.ValidSourceType(draft.SourceType) {
		fields = append(fields, "source_type")
	}
	if draft.Kind != "" && !knowledge.ValidKind(draft.Kind) {
		fields = append(fields, "kind")
	}
	if !knowledge.ValidSeverity(draft.Severity) {
		fields = append(fields, "severity")
	}
	if len(fields) > 0 {
		return knowledge.NewValidationError("required field missing or invalid", fields...)
	}
	return nil
}

func (s *Service) embed(ctx context.Context, content string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()

	vectors, err := s.embedder.EmbedDocuments(embedCtx, []string{content})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", knowledge.ErrEmbeddingUnavailable, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no vector", knowledge.ErrEmbeddingUnavailable)
	}
	return vectors[0], nil
}

// classify runs the classifier, retrying once. The classifier is pure,
// so a second failure is treated as permanent for this draft.
func (s *Service) classify(draft Draft) (Classification, error) {
	c, err := s.classifier.Classify(draft.Content, draft.Context)
	if err != nil {
		s.logger.Warn("classifier failed, retrying once", zap.Error(err))
		c, err = s.classifier.Classify(draft.Content, draft.Context)
		if err != nil {
			return Classification{}, fmt.Errorf("classifying draft: %w", err)
		}
	}
	return c, nil
}

// buildLesson assembles the lesson, letting reporter-supplied fields win
// over classifier output.
func (s *Service) buildLesson(draft Draft, c Classification) *knowledge.Lesson {
	kind := draft.Kind
	classified := false
	if kind == "" {
		kind = c.Kind
		classified = true
	}

	lesson := knowledge.NewLesson(draft.Content, draft.Domain, kind, draft.SourceType)
	lesson.Context = draft.Context
	lesson.Outcome = draft.Outcome
	lesson.Subdomain = draft.Subdomain
	lesson.SourceAgent = draft.SourceAgent

	lesson.Severity = draft.Severity
	if lesson.Severity == "" {
		lesson.Severity = c.Severity
	}
	// Failures and warnings carry a severity; when neither the reporter
	// nor the classifier graded one, default to medium rather than reject.
	if (kind == knowledge.KindFailure || kind == knowledge.KindWarning) && lesson.Severity == "" {
		lesson.Severity = knowledge.SeverityMedium
	}

	lesson.Tags = draft.Tags
	if len(lesson.Tags) == 0 {
		lesson.Tags = c.Tags
	}

	// A lesson the classifier was unsure about waits for review.
	if classified && c.Confidence < minClassifierConfidence {
		lesson.Status = knowledge.StatusPending
	}

	return lesson
}

// dedupOrInsert holds the domain lock: it checks the nearest active
// neighbor and either merges into it or inserts the new lesson. At most
// one of any set of concurrent near-duplicates becomes a new record.
func (s *Service) dedupOrInsert(ctx context.Context, lesson *knowledge.Lesson, vector []float32) (*Result, error) {
	filters := map[string]string{
		"domain": lesson.Domain,
		"status": string(knowledge.StatusActive),
	}
	neighbors, err := s.vectors.SearchByVector(ctx, s.collection, vector, 1, filters)
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate check: %v", knowledge.ErrStoreUnavailable, err)
	}

	if len(neighbors) > 0 && neighbors[0].Score >= s.dedupThreshold {
		// The vector index can lag behind status flips; the record store
		// is authoritative for the merge target's status.
		existing, err := s.records.GetLesson(ctx, neighbors[0].ID)
		switch {
		case err == nil && !existing.Status.Retired():
			note := fmt.Sprintf("also reported by %s: %s", lesson.SourceAgent, lesson.Content)
			if err := s.records.MergeLessonContext(ctx, existing.ID, note); err != nil {
				return nil, fmt.Errorf("merging duplicate: %w", err)
			}
			return &Result{LessonID: existing.ID, Status: existing.Status, Merged: true}, nil
		case err == nil:
			// A retired lesson never absorbs new reports. Refresh its
			// stale index entry so the next duplicate check skips it.
			s.refreshVectorStatus(ctx, existing)
		case !errors.Is(err, knowledge.ErrNotFound):
			return nil, fmt.Errorf("%w: resolving merge target: %v", knowledge.ErrStoreUnavailable, err)
		}
	}

	doc := vectorstore.Document{
		ID:        lesson.ID,
		Content:   lesson.Content,
		Embedding: vector,
		Metadata: map[string]string{
			"domain":       lesson.Domain,
			"kind":         string(lesson.Kind),
			"status":       string(lesson.Status),
			"source_agent": lesson.SourceAgent,
		},
		Collection: s.collection,
	}
	if _, err := s.vectors.AddDocuments(ctx, []vectorstore.Document{doc}); err != nil {
		return nil, fmt.Errorf("%w: storing embedding: %v", knowledge.ErrStoreUnavailable, err)
	}

	if err := s.records.CreateLesson(ctx, lesson); err != nil {
		// Roll back the vector so search never surfaces a lesson with no
		// record behind it.
		if delErr := s.vectors.DeleteDocuments(ctx, s.collection, []string{lesson.ID}); delErr != nil {
			s.logger.Error("failed to roll back orphaned embedding",
				zap.String("lesson_id", lesson.ID),
				zap.Error(delErr))
		}
		return nil, err
	}

	return &Result{LessonID: lesson.ID, Status: lesson.Status, Merged: false}, nil
}

// refreshVectorStatus rewrites a stored document's status metadata from
// the authoritative lesson record. Best-effort; a failure only means the
// staleness is detected again on the next duplicate check.
func (s *Service) refreshVectorStatus(ctx context.Context, lesson *knowledge.Lesson) {
	doc, err := s.vectors.GetDocument(ctx, s.collection, lesson.ID)
	if err != nil {
		s.logger.Warn("failed to load stale vector entry",
			zap.String("lesson_id", lesson.ID),
			zap.Error(err))
		return
	}
	metadata := make(map[string]string, len(doc.Metadata))
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata["status"] = string(lesson.Status)
	if err := s.vectors.UpdateMetadata(ctx, s.collection, lesson.ID, metadata); err != nil {
		s.logger.Warn("failed to refresh stale vector entry",
			zap.String("lesson_id", lesson.ID),
			zap.Error(err))
	}
}

// propagate links the new lesson to other agents active in its domain.
// Failures are logged and dropped; propagation never blocks or fails an
// ingestion.
func (s *Service) propagate(lesson *knowledge.Lesson) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agents, err := s.records.DomainAgents(ctx, lesson.Domain)
	if err != nil {
		s.logger.Warn("relevance propagation skipped",
			zap.String("lesson_id", lesson.ID),
			zap.Error(err))
		return
	}

	for _, agent := range agents {
		if agent == lesson.SourceAgent {
			continue
		}
		if err := s.records.TouchRelevanceLink(ctx, agent, lesson.ID, 0.5); err != nil {
			s.logger.Warn("failed to propagate relevance link",
				zap.String("agent_id", agent),
				zap.String("lesson_id", lesson.ID),
				zap.Error(err))
		}
	}
}
