package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/librarian"
	"github.com/fyrsmithlabs/knowledged/internal/oracle"
	"github.com/fyrsmithlabs/knowledged/internal/professor"
)

// --- Stubs ---

type stubIngestor struct {
	result    *librarian.Result
	err       error
	lesson    *knowledge.Lesson
	lastDraft librarian.Draft
}

func (s *stubIngestor) Ingest(_ context.Context, draft librarian.Draft) (*librarian.Result, error) {
	s.lastDraft = draft
	return s.result, s.err
}

func (s *stubIngestor) Feedback(_ context.Context, lessonID string, _ bool) (*knowledge.Lesson, error) {
	if s.lesson == nil || s.lesson.ID != lessonID {
		return nil, knowledge.ErrNotFound
	}
	return s.lesson, nil
}

type stubConsulter struct {
	guidance  *oracle.Guidance
	err       error
	refreshes int
}

func (s *stubConsulter) Consult(_ context.Context, _ oracle.Query) (*oracle.Guidance, error) {
	return s.guidance, s.err
}

func (s *stubConsulter) RefreshRules(_ context.Context) error {
	s.refreshes++
	return nil
}

type stubAnalyzer struct {
	report *professor.Report
	err    error
}

func (s *stubAnalyzer) AnalyzePatterns(_ context.Context) (*professor.Report, error) {
	return s.report, s.err
}

type stubCatalog struct {
	lessons   []knowledge.Lesson
	rules     []knowledge.Rule
	playbooks []knowledge.Playbook
	usages    map[string]bool
}

func (s *stubCatalog) ListLessons(_ context.Context, _ knowledge.LessonFilter) ([]knowledge.Lesson, error) {
	return s.lessons, nil
}

func (s *stubCatalog) ListRules(_ context.Context, _ knowledge.RuleFilter) ([]knowledge.Rule, error) {
	return s.rules, nil
}

func (s *stubCatalog) ListPlaybooks(_ context.Context, _ string) ([]knowledge.Playbook, error) {
	return s.playbooks, nil
}

func (s *stubCatalog) RecordPlaybookUsage(_ context.Context, id string, success bool) error {
	if s.usages == nil {
		s.usages = make(map[string]bool)
	}
	s.usages[id] = success
	return nil
}

type testServer struct {
	server    *Server
	ingestor  *stubIngestor
	consulter *stubConsulter
	analyzer  *stubAnalyzer
	catalog   *stubCatalog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		ingestor:  &stubIngestor{},
		consulter: &stubConsulter{guidance: &oracle.Guidance{Proceed: true, Confidence: 50}},
		analyzer:  &stubAnalyzer{report: &professor.Report{}},
		catalog:   &stubCatalog{},
	}
	server, err := NewServer(ts.ingestor, ts.consulter, ts.analyzer, ts.catalog, nil, nil)
	require.NoError(t, err)
	ts.server = server
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

// --- Tests ---

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHandleIngest_Created(t *testing.T) {
	ts := newTestServer(t)
	ts.ingestor.result = &librarian.Result{LessonID: "l1", Status: knowledge.StatusActive}

	rec := ts.do(http.MethodPost, "/api/v1/ingest",
		`{"content":"deploy failed","domain":"deployments","severity":"high","source_agent":"a1","source_type":"self_report"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "l1", resp.LessonID)
	assert.False(t, resp.Merged)
	assert.Equal(t, "deployments", ts.ingestor.lastDraft.Domain)
	assert.Equal(t, knowledge.SourceSelfReport, ts.ingestor.lastDraft.SourceType)
}

func TestHandleIngest_MergedIs200(t *testing.T) {
	ts := newTestServer(t)
	ts.ingestor.result = &librarian.Result{LessonID: "l1", Status: knowledge.StatusActive, Merged: true}

	rec := ts.do(http.MethodPost, "/api/v1/ingest",
		`{"content":"deploy failed","domain":"deployments","source_type":"self_report"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Merged)
}

func TestHandleIngest_ValidationEnvelope(t *testing.T) {
	ts := newTestServer(t)
	ts.ingestor.err = knowledge.NewValidationError("required field missing or invalid", "content", "domain")

	rec := ts.do(http.MethodPost, "/api/v1/ingest", `{"source_type":"self_report"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, KindValidation, detail.Kind)
	assert.ElementsMatch(t, []string{"content", "domain"}, detail.Fields)
}

func TestHandleIngest_EmbeddingUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.ingestor.err = knowledge.ErrEmbeddingUnavailable

	rec := ts.do(http.MethodPost, "/api/v1/ingest",
		`{"content":"x","domain":"d","source_type":"self_report"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, KindEmbeddingUnavailable, decodeError(t, rec).Kind)
}

func TestHandleIngest_StoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.ingestor.err = knowledge.ErrStoreUnavailable

	rec := ts.do(http.MethodPost, "/api/v1/ingest",
		`{"content":"x","domain":"d","source_type":"self_report"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, KindStoreUnavailable, decodeError(t, rec).Kind)
}

func TestHandleConsult(t *testing.T) {
	ts := newTestServer(t)
	ts.consulter.guidance = &oracle.Guidance{
		Proceed: false,
		BlockedBy: []oracle.MatchedRule{
			{ID: "r1", Name: "no prod drops", Action: knowledge.ActionBlock},
		},
		Confidence: 50,
	}

	rec := ts.do(http.MethodPost, "/api/v1/consult",
		`{"action":"drop the users table","domain":"database","agent":"a1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var guidance oracle.Guidance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &guidance))
	assert.False(t, guidance.Proceed)
	require.Len(t, guidance.BlockedBy, 1)
	assert.Equal(t, "r1", guidance.BlockedBy[0].ID)
}

func TestHandlePromote_RefreshesRuleCache(t *testing.T) {
	ts := newTestServer(t)
	ts.analyzer.report = &professor.Report{ClustersFound: 2, RulesCreated: 1}

	rec := ts.do(http.MethodPost, "/api/v1/promote", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var report professor.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.RulesCreated)
	assert.Equal(t, 1, ts.consulter.refreshes, "promote must refresh the rule cache")
}

func TestHandleFeedback_Lesson(t *testing.T) {
	ts := newTestServer(t)
	lesson := knowledge.NewLesson("x", "d", knowledge.KindSuccess, knowledge.SourceSelfReport)
	lesson.Confidence = 55
	ts.ingestor.lesson = lesson

	rec := ts.do(http.MethodPost, "/api/v1/feedback",
		`{"lesson_id":"`+lesson.ID+`","helpful":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp FeedbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, lesson.ID, resp.LessonID)
	assert.Equal(t, 55.0, resp.Confidence)
}

func TestHandleFeedback_Playbook(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/feedback",
		`{"playbook_id":"pb1","helpful":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"pb1": true}, ts.catalog.usages)
}

func TestHandleFeedback_RequiresExactlyOneTarget(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/feedback", `{"helpful":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/feedback",
		`{"lesson_id":"l1","playbook_id":"pb1","helpful":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindValidation, decodeError(t, rec).Kind)
}

func TestHandleFeedback_UnknownLessonIs404(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/feedback",
		`{"lesson_id":"missing","helpful":true}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decodeError(t, rec).Kind)
}

func TestHandleListEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.catalog.lessons = []knowledge.Lesson{{ID: "l1"}}
	ts.catalog.rules = []knowledge.Rule{{ID: "r1"}}
	ts.catalog.playbooks = []knowledge.Playbook{{ID: "pb1"}}

	rec := ts.do(http.MethodGet, "/api/v1/lessons?domain=database&status=active", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"l1"`)

	rec = ts.do(http.MethodGet, "/api/v1/rules?enforced=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"r1"`)

	rec = ts.do(http.MethodGet, "/api/v1/playbooks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pb1"`)
}

func TestMetricsEndpointExposed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
