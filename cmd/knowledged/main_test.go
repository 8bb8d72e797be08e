package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/events"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/librarian"
	"github.com/fyrsmithlabs/knowledged/internal/oracle"
	"github.com/fyrsmithlabs/knowledged/internal/professor"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// topicEmbedder maps text to a fixed direction per topic so paraphrases
// land on identical vectors and unrelated text does not.
type topicEmbedder struct{}

func (topicEmbedder) vector(text string) []float32 {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "restart"):
		return []float32{1, 0, 0}
	case strings.Contains(t, "migration"):
		return []float32{0, 1, 0}
	default:
		return []float32{0, 0, 1}
	}
}

func (e topicEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e topicEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

// Exercises the full pipeline: paraphrased failure reports from several
// agents collapse into one lesson at ingestion, recur often enough to be
// promoted into an enforced rule, and that rule then gates a consult.
func TestRepeatedReportsGateLaterConsults(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	records, err := knowledge.NewStore(filepath.Join(dir, "knowledged.db"), logger)
	require.NoError(t, err)
	defer records.Close()

	embedder := topicEmbedder{}
	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       filepath.Join(dir, "vectors"),
		VectorSize: 3,
	}, embedder, logger)
	require.NoError(t, err)
	defer vectors.Close()

	auditor := events.NewPublisher(records)

	librarianSvc, err := librarian.NewService(records, vectors, embedder, auditor)
	require.NoError(t, err)
	professorSvc, err := professor.NewService(records, vectors, auditor)
	require.NoError(t, err)
	oracleSvc, err := oracle.NewService(records, vectors, embedder, auditor)
	require.NoError(t, err)

	ctx := context.Background()

	reports := []struct{ agent, content string }{
		{"agent-1", "service crashed because restart skips reloading baked configuration"},
		{"agent-2", "restart crashed the service, baked configuration was never reloaded"},
		{"agent-3", "after a restart the service crashed with stale baked configuration"},
	}
	merged := 0
	lessonID := ""
	for _, r := range reports {
		result, err := librarianSvc.Ingest(ctx, librarian.Draft{
			Content:     r.content,
			Domain:      "deployments",
			SourceAgent: r.agent,
			SourceType:  knowledge.SourceSelfReport,
		})
		require.NoError(t, err)
		if result.Merged {
			merged++
		} else {
			lessonID = result.LessonID
		}
	}
	require.Equal(t, 2, merged, "paraphrases collapse into one lesson")

	report, err := professorSvc.AnalyzePatterns(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RulesCreated, "three corroborating agents promote a rule")

	rules, err := records.ListRules(ctx, knowledge.RuleFilter{EnforcedOnly: true})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, knowledge.StringList{lessonID}, rules[0].SourceLessonIDs)

	promoted, err := records.GetLesson(ctx, lessonID)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusPromoted, promoted.Status)

	require.NoError(t, oracleSvc.RefreshRules(ctx))
	guidance, err := oracleSvc.Consult(ctx, oracle.Query{
		Action: "restart the payments service in place",
		Domain: "deployments",
		Agent:  "agent-4",
	})
	require.NoError(t, err)
	assert.False(t, guidance.Proceed)
	require.Len(t, guidance.BlockedBy, 1)
	assert.Equal(t, rules[0].ID, guidance.BlockedBy[0].ID)

	assert.Eventually(t, func() bool {
		refreshed, err := records.ListRules(ctx, knowledge.RuleFilter{})
		return err == nil && len(refreshed) == 1 && refreshed[0].TimesEnforced >= 1
	}, 2*time.Second, 20*time.Millisecond, "enforcement counter recorded off the request path")
}
