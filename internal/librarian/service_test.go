package librarian

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// --- Mocks ---

type mockRecords struct {
	mu        sync.Mutex
	lessons   map[string]*knowledge.Lesson
	merges    []string
	agents    []string
	links     map[string]int
	createErr error
}

func newMockRecords() *mockRecords {
	return &mockRecords{
		lessons: make(map[string]*knowledge.Lesson),
		links:   make(map[string]int),
	}
}

func (m *mockRecords) CreateLesson(_ context.Context, lesson *knowledge.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.lessons[lesson.ID] = lesson
	return nil
}

func (m *mockRecords) GetLesson(_ context.Context, id string) (*knowledge.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lesson, ok := m.lessons[id]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	copied := *lesson
	return &copied, nil
}

func (m *mockRecords) MergeLessonContext(_ context.Context, id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lesson, ok := m.lessons[id]
	if !ok {
		return knowledge.ErrNotFound
	}
	lesson.TimesRecalled++
	if lesson.Context == "" {
		lesson.Context = note
	} else {
		lesson.Context += "\n" + note
	}
	m.merges = append(m.merges, id)
	return nil
}

func (m *mockRecords) RecordLessonFeedback(_ context.Context, id string, helpful bool) (*knowledge.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lesson, ok := m.lessons[id]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	if helpful {
		lesson.TimesHelpful++
	} else {
		lesson.TimesIgnored++
	}
	lesson.AdjustConfidence(helpful)
	return lesson, nil
}

func (m *mockRecords) DomainAgents(_ context.Context, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents, nil
}

func (m *mockRecords) TouchRelevanceLink(_ context.Context, agentID, lessonID string, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[agentID+"/"+lessonID]++
	return nil
}

func (m *mockRecords) lessonCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lessons)
}

type mockVectors struct {
	mu        sync.Mutex
	docs      map[string]vectorstore.Document
	neighbors []vectorstore.SearchResult
	searchErr error
	addErr    error
	deleted   []string
}

func newMockVectors() *mockVectors {
	return &mockVectors{docs: make(map[string]vectorstore.Document)}
}

func (m *mockVectors) AddDocuments(_ context.Context, docs []vectorstore.Document) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		m.docs[d.ID] = d
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (m *mockVectors) Search(_ context.Context, _, _ string, _ int, _ map[string]string) ([]vectorstore.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.neighbors, m.searchErr
}

func (m *mockVectors) SearchByVector(_ context.Context, _ string, _ []float32, _ int, _ map[string]string) ([]vectorstore.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.neighbors, m.searchErr
}

func (m *mockVectors) GetDocument(_ context.Context, _, id string) (*vectorstore.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, vectorstore.ErrDocumentNotFound
	}
	return &doc, nil
}

func (m *mockVectors) UpdateMetadata(_ context.Context, _, id string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return vectorstore.ErrDocumentNotFound
	}
	doc.Metadata = metadata
	m.docs[id] = doc
	return nil
}

func (m *mockVectors) DeleteDocuments(_ context.Context, _ string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
		m.deleted = append(m.deleted, id)
	}
	return nil
}

func (m *mockVectors) Count(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), nil
}

func (m *mockVectors) Close() error { return nil }

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (m *mockEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type mockAuditor struct {
	mu     sync.Mutex
	events []*knowledge.Event
}

func (m *mockAuditor) Emit(_ context.Context, event *knowledge.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAuditor) byType(t knowledge.EventType) []*knowledge.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*knowledge.Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(t *testing.T, records *mockRecords, vectors *mockVectors, embedder *mockEmbedder, auditor *mockAuditor) *Service {
	t.Helper()
	svc, err := NewService(records, vectors, embedder, auditor)
	require.NoError(t, err)
	return svc
}

func validDraft() Draft {
	return Draft{
		Content:     "kubectl apply to the prod cluster failed because the context was stale",
		Domain:      "deployments",
		Severity:    knowledge.SeverityHigh,
		SourceAgent: "agent-7",
		SourceType:  knowledge.SourceSelfReport,
	}
}

// --- Tests ---

func TestIngest_ValidationErrorNamesFields(t *testing.T) {
	records := newMockRecords()
	svc := newTestService(t, records, newMockVectors(), &mockEmbedder{}, &mockAuditor{})

	_, err := svc.Ingest(context.Background(), Draft{SourceType: knowledge.SourceSelfReport})
	require.Error(t, err)

	var verr *knowledge.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "content")
	assert.Contains(t, verr.Fields, "domain")
	assert.Equal(t, 0, records.lessonCount(), "no partial write on validation failure")
}

func TestIngest_EmbedderFailureFailsClosed(t *testing.T) {
	records := newMockRecords()
	vectors := newMockVectors()
	embedder := &mockEmbedder{err: errors.New("onnx runtime crashed")}
	svc := newTestService(t, records, vectors, embedder, &mockAuditor{})

	_, err := svc.Ingest(context.Background(), validDraft())
	require.ErrorIs(t, err, knowledge.ErrEmbeddingUnavailable)
	assert.Equal(t, 0, records.lessonCount())
	assert.Empty(t, vectors.docs)
}

func TestIngest_StoresNewLesson(t *testing.T) {
	records := newMockRecords()
	vectors := newMockVectors()
	auditor := &mockAuditor{}
	svc := newTestService(t, records, vectors, &mockEmbedder{}, auditor)

	result, err := svc.Ingest(context.Background(), validDraft())
	require.NoError(t, err)

	assert.False(t, result.Merged)
	assert.Equal(t, knowledge.StatusActive, result.Status)
	require.Equal(t, 1, records.lessonCount())

	lesson := records.lessons[result.LessonID]
	require.NotNil(t, lesson)
	assert.Equal(t, knowledge.KindFailure, lesson.Kind, "classifier should read the failure signal")
	assert.Equal(t, knowledge.SeverityHigh, lesson.Severity)
	assert.Equal(t, "agent-7", lesson.SourceAgent)
	assert.Equal(t, knowledge.InitialConfidence, lesson.Confidence)

	doc, ok := vectors.docs[result.LessonID]
	require.True(t, ok, "embedding stored under the lesson ID")
	assert.Equal(t, "deployments", doc.Metadata["domain"])

	assert.Len(t, auditor.byType(knowledge.EventIngested), 1)
}

func TestIngest_MergesNearDuplicate(t *testing.T) {
	records := newMockRecords()
	existing := knowledge.NewLesson("stale kubeconfig context breaks prod applies", "deployments", knowledge.KindFailure, knowledge.SourceSelfReport)
	existing.Severity = knowledge.SeverityHigh
	records.lessons[existing.ID] = existing

	vectors := newMockVectors()
	vectors.neighbors = []vectorstore.SearchResult{{ID: existing.ID, Score: 0.95}}

	auditor := &mockAuditor{}
	svc := newTestService(t, records, vectors, &mockEmbedder{}, auditor)

	result, err := svc.Ingest(context.Background(), validDraft())
	require.NoError(t, err)

	assert.True(t, result.Merged)
	assert.Equal(t, existing.ID, result.LessonID)
	assert.Equal(t, 1, records.lessonCount(), "no second lesson created")
	assert.Equal(t, int64(1), existing.TimesRecalled)
	assert.Contains(t, existing.Context, "also reported by agent-7")
	assert.Len(t, auditor.byType(knowledge.EventMerged), 1)
	assert.Empty(t, auditor.byType(knowledge.EventIngested))
}

func TestIngest_MergeIsIdempotent(t *testing.T) {
	records := newMockRecords()
	existing := knowledge.NewLesson("stale kubeconfig context breaks prod applies", "deployments", knowledge.KindFailure, knowledge.SourceSelfReport)
	existing.Severity = knowledge.SeverityHigh
	records.lessons[existing.ID] = existing

	vectors := newMockVectors()
	vectors.neighbors = []vectorstore.SearchResult{{ID: existing.ID, Score: 0.93}}
	svc := newTestService(t, records, vectors, &mockEmbedder{}, &mockAuditor{})

	for i := 0; i < 3; i++ {
		result, err := svc.Ingest(context.Background(), validDraft())
		require.NoError(t, err)
		assert.True(t, result.Merged)
		assert.Equal(t, existing.ID, result.LessonID)
	}

	assert.Equal(t, 1, records.lessonCount())
	assert.Equal(t, int64(3), existing.TimesRecalled)
}

func TestIngest_RetiredMergeTargetInsertsFresh(t *testing.T) {
	records := newMockRecords()
	existing := knowledge.NewLesson("stale kubeconfig context breaks prod applies", "deployments", knowledge.KindFailure, knowledge.SourceSelfReport)
	existing.Severity = knowledge.SeverityHigh
	existing.Status = knowledge.StatusPromoted
	records.lessons[existing.ID] = existing

	vectors := newMockVectors()
	// The index still carries the lesson as active after its promotion.
	vectors.docs[existing.ID] = vectorstore.Document{
		ID:       existing.ID,
		Metadata: map[string]string{"domain": "deployments", "status": string(knowledge.StatusActive)},
	}
	vectors.neighbors = []vectorstore.SearchResult{{ID: existing.ID, Score: 0.95}}

	svc := newTestService(t, records, vectors, &mockEmbedder{}, &mockAuditor{})
	result, err := svc.Ingest(context.Background(), validDraft())
	require.NoError(t, err)

	assert.False(t, result.Merged, "retired lessons never absorb new reports")
	assert.NotEqual(t, existing.ID, result.LessonID)
	assert.Equal(t, 2, records.lessonCount())
	assert.Equal(t, int64(0), existing.TimesRecalled)

	stale := vectors.docs[existing.ID]
	assert.Equal(t, string(knowledge.StatusPromoted), stale.Metadata["status"],
		"stale index entry refreshed from the record store")
}

func TestIngest_MergeReportsTargetStatus(t *testing.T) {
	records := newMockRecords()
	existing := knowledge.NewLesson("stale kubeconfig context breaks prod applies", "deployments", knowledge.KindFailure, knowledge.SourceSelfReport)
	existing.Severity = knowledge.SeverityHigh
	existing.Status = knowledge.StatusPending
	records.lessons[existing.ID] = existing

	vectors := newMockVectors()
	vectors.neighbors = []vectorstore.SearchResult{{ID: existing.ID, Score: 0.95}}

	svc := newTestService(t, records, vectors, &mockEmbedder{}, &mockAuditor{})
	result, err := svc.Ingest(context.Background(), validDraft())
	require.NoError(t, err)

	assert.True(t, result.Merged)
	assert.Equal(t, knowledge.StatusPending, result.Status)
}

func TestIngest_OrphanedNeighborInsertsFresh(t *testing.T) {
	records := newMockRecords()
	vectors := newMockVectors()
	vectors.neighbors = []vectorstore.SearchResult{{ID: "no-record-behind-it", Score: 0.95}}

	svc := newTestService(t, records, vectors, &mockEmbedder{}, &mockAuditor{})
	result, err := svc.Ingest(context.Background(), validDraft())
	require.NoError(t, err)
	assert.False(t, result.Merged)
	assert.Equal(t, 1, records.lessonCount())
}

func TestIngest_BelowThresholdInsertsNewLesson(t *testing.T) {
	records := newMockRecords()
	vectors := newMockVectors()
	vectors.neighbors = []vectorstore.SearchResult{{ID: "other", Score: 0.82}}
	svc := newTestService(t, records, vectors, &mockEmbedder{}, &mockAuditor{})

	result, err := svc.Ingest(context.Background(), validDraft())
	require.NoError(t, err)
	assert.False(t, result.Merged)
	assert.Equal(t, 1, records.lessonCount())
}

func TestIngest_ReporterKindWins(t *testing.T) {
	records := newMockRecords()
	svc := newTestService(t, records, newMockVectors(), &mockEmbedder{}, &mockAuditor{})

	draft := validDraft()
	draft.Kind = knowledge.KindWarning
	draft.Severity = knowledge.SeverityLow

	result, err := svc.Ingest(context.Background(), draft)
	require.NoError(t, err)

	lesson := records.lessons[result.LessonID]
	require.NotNil(t, lesson)
	assert.Equal(t, knowledge.KindWarning, lesson.Kind)
	assert.Equal(t, knowledge.SeverityLow, lesson.Severity)
	assert.Equal(t, knowledge.StatusActive, lesson.Status, "reporter-typed drafts skip the pending gate")
}

func TestIngest_UnclassifiableContentPendsForReview(t *testing.T) {
	records := newMockRecords()
	svc := newTestService(t, records, newMockVectors(), &mockEmbedder{}, &mockAuditor{})

	draft := Draft{
		Content:     "the quarterly planning meeting moved to thursdays",
		Domain:      "operations",
		SourceAgent: "agent-2",
		SourceType:  knowledge.SourceSelfReport,
	}

	result, err := svc.Ingest(context.Background(), draft)
	require.NoError(t, err)

	assert.Equal(t, knowledge.StatusPending, result.Status)
	lesson := records.lessons[result.LessonID]
	require.NotNil(t, lesson)
	assert.Equal(t, knowledge.KindInsight, lesson.Kind)
}

func TestIngest_RollsBackEmbeddingOnRecordFailure(t *testing.T) {
	records := newMockRecords()
	records.createErr = knowledge.ErrStoreUnavailable
	vectors := newMockVectors()
	svc := newTestService(t, records, vectors, &mockEmbedder{}, &mockAuditor{})

	_, err := svc.Ingest(context.Background(), validDraft())
	require.ErrorIs(t, err, knowledge.ErrStoreUnavailable)

	assert.Empty(t, vectors.docs, "orphaned embedding must be rolled back")
	assert.Len(t, vectors.deleted, 1)
}

func TestIngest_DuplicateCheckFailure(t *testing.T) {
	vectors := newMockVectors()
	vectors.searchErr = errors.New("collection corrupted")
	svc := newTestService(t, newMockRecords(), vectors, &mockEmbedder{}, &mockAuditor{})

	_, err := svc.Ingest(context.Background(), validDraft())
	require.ErrorIs(t, err, knowledge.ErrStoreUnavailable)
}

func TestFeedback_AdjustsConfidence(t *testing.T) {
	records := newMockRecords()
	lesson := knowledge.NewLesson("retry with backoff worked reliably", "networking", knowledge.KindSuccess, knowledge.SourceSelfReport)
	records.lessons[lesson.ID] = lesson

	auditor := &mockAuditor{}
	svc := newTestService(t, records, newMockVectors(), &mockEmbedder{}, auditor)

	updated, err := svc.Feedback(context.Background(), lesson.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 55.0, updated.Confidence)
	assert.Equal(t, int64(1), updated.TimesHelpful)

	updated, err = svc.Feedback(context.Background(), lesson.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 48.0, updated.Confidence)
	assert.Equal(t, int64(1), updated.TimesIgnored)

	assert.Len(t, auditor.byType(knowledge.EventFeedback), 2)
}

func TestFeedback_UnknownLesson(t *testing.T) {
	svc := newTestService(t, newMockRecords(), newMockVectors(), &mockEmbedder{}, &mockAuditor{})

	_, err := svc.Feedback(context.Background(), "no-such-id", true)
	require.ErrorIs(t, err, knowledge.ErrNotFound)
}
