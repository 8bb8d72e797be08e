package oracle

import (
	"strings"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/professor"
)

// DefaultSimilarityThreshold is the semantic similarity above which a
// rule's condition matches an intended action even without keyword hits.
const DefaultSimilarityThreshold = 0.75

// Matcher decides whether a rule's condition applies to an intended
// action. Implementations must be side-effect free.
type Matcher interface {
	// Matches reports whether the rule condition applies. actionVec is
	// the embedded action text, or nil when embeddings are unavailable;
	// ruleVec is the cached embedding of the rule description, or nil.
	Matches(rule *knowledge.Rule, action string, actionVec, ruleVec []float32) bool
}

// ConditionMatcher is the production matcher: a rule matches when every
// condition keyword occurs in the action text, or when the action and
// rule description are semantically close. With no vectors available it
// degrades to the keyword predicate alone.
type ConditionMatcher struct {
	similarityThreshold float64
}

// NewConditionMatcher creates a matcher with the given similarity
// threshold; zero selects the default.
func NewConditionMatcher(threshold float64) *ConditionMatcher {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &ConditionMatcher{similarityThreshold: threshold}
}

// Matches implements Matcher.
func (m *ConditionMatcher) Matches(rule *knowledge.Rule, action string, actionVec, ruleVec []float32) bool {
	if keywordsMatch(rule.Keywords, action) {
		return true
	}
	if len(actionVec) > 0 && len(ruleVec) > 0 {
		return professor.CosineSimilarity(actionVec, ruleVec) >= m.similarityThreshold
	}
	return false
}

// keywordsMatch reports whether every keyword occurs in the action text.
func keywordsMatch(keywords []string, action string) bool {
	if len(keywords) == 0 {
		return false
	}
	lowered := strings.ToLower(action)
	for _, kw := range keywords {
		if !strings.Contains(lowered, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

var _ Matcher = (*ConditionMatcher)(nil)
