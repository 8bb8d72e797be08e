// Package oracle answers pre-action consults: it checks an intended
// action against enforced rules, then compiles advisory guidance from
// the most relevant lessons. Rule checks come first and can gate the
// action; lesson retrieval is best-effort under a strict time budget.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

const (
	// DefaultRetrievalBudget bounds lesson retrieval inside a consult.
	// Exceeding it degrades the answer to rule-only guidance.
	DefaultRetrievalBudget = 150 * time.Millisecond

	// DefaultMaxLessons is how many lessons inform one guidance.
	DefaultMaxLessons = 10

	// DefaultCollection is the vector collection holding lesson embeddings.
	DefaultCollection = "lessons"

	// neutralConfidence is reported when no lessons back the guidance.
	neutralConfidence = 50.0
)

// RecordStore is the slice of the knowledge store the Oracle uses.
type RecordStore interface {
	ListRules(ctx context.Context, f knowledge.RuleFilter) ([]knowledge.Rule, error)
	GetLesson(ctx context.Context, id string) (*knowledge.Lesson, error)
	IncrementLessonRecall(ctx context.Context, id string) error
	TouchRelevanceLink(ctx context.Context, agentID, lessonID string, delta float64) error
	IncrementRuleCounter(ctx context.Context, id string, overridden bool) error
}

// Searcher is the similarity search slice of the vector store.
type Searcher interface {
	Search(ctx context.Context, collection, query string, k int, filters map[string]string) ([]vectorstore.SearchResult, error)
}

// Auditor records audit events.
type Auditor interface {
	Emit(ctx context.Context, event *knowledge.Event)
}

// Query is an intended action submitted for consultation.
type Query struct {
	Action string `json:"action"`
	Domain string `json:"domain"`
	Agent  string `json:"agent"`
}

// MatchedRule is the caller-visible slice of a rule that gated or
// informed the guidance.
type MatchedRule struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	Action       knowledge.RuleAction `json:"action"`
	Alternatives []string             `json:"alternatives,omitempty"`
}

// Guidance is the Oracle's answer.
type Guidance struct {
	Proceed         bool          `json:"proceed"`
	Warnings        []string      `json:"warnings,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	BlockedBy       []MatchedRule `json:"blocked_by,omitempty"`
	Alternatives    []string      `json:"alternatives,omitempty"`
	Confidence      float64       `json:"confidence"`
}

// Service answers consults.
type Service struct {
	records  RecordStore
	vectors  Searcher
	embedder vectorstore.Embedder
	matcher  Matcher
	cache    *ruleCache
	auditor  Auditor
	logger   *zap.Logger

	collection      string
	retrievalBudget time.Duration
	maxLessons      int
}

// Option configures the Service.
type Option func(*Service)

// WithRetrievalBudget overrides the lesson retrieval time budget.
func WithRetrievalBudget(d time.Duration) Option {
	return func(s *Service) { s.retrievalBudget = d }
}

// WithMaxLessons overrides how many lessons inform a guidance.
func WithMaxLessons(n int) Option {
	return func(s *Service) { s.maxLessons = n }
}

// WithCollection overrides the vector collection name.
func WithCollection(name string) Option {
	return func(s *Service) { s.collection = name }
}

// WithMatcher replaces the condition matcher.
func WithMatcher(m Matcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithCacheRefresh overrides the rule cache refresh interval.
func WithCacheRefresh(d time.Duration) Option {
	return func(s *Service) { s.cache.interval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
		s.cache.logger = logger
	}
}

// NewService creates the Oracle. Call Start to begin rule cache
// refreshing and Stop on shutdown.
func NewService(records RecordStore, vectors Searcher, embedder vectorstore.Embedder, auditor Auditor, opts ...Option) (*Service, error) {
	if records == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}

	logger := zap.NewNop()
	s := &Service{
		records:         records,
		vectors:         vectors,
		embedder:        embedder,
		matcher:         NewConditionMatcher(0),
		cache:           newRuleCache(records, embedder, DefaultCacheRefresh, logger),
		auditor:         auditor,
		logger:          logger,
		collection:      DefaultCollection,
		retrievalBudget: DefaultRetrievalBudget,
		maxLessons:      DefaultMaxLessons,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start primes the rule cache and launches its refresher.
func (s *Service) Start(ctx context.Context) error {
	if err := s.cache.refresh(ctx); err != nil {
		return fmt.Errorf("priming rule cache: %w", err)
	}
	s.cache.start()
	return nil
}

// Stop halts the rule cache refresher.
func (s *Service) Stop() {
	s.cache.stop()
}

// RefreshRules rebuilds the rule snapshot immediately. The promote
// endpoint calls this so freshly promoted rules bind without waiting
// for the next scheduled refresh.
func (s *Service) RefreshRules(ctx context.Context) error {
	return s.cache.refresh(ctx)
}

// Consult evaluates an intended action. It never fails because lessons
// could not be retrieved; the worst case is rule-only guidance.
func (s *Service) Consult(ctx context.Context, q Query) (*Guidance, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	actionVec := s.embedAction(ctx, q.Action)
	matched := s.matchRules(q, actionVec)

	guidance := &Guidance{Proceed: true, Confidence: neutralConfidence}

	if len(matched) > 0 {
		s.reportConflicts(ctx, q, matched)

		// Most restrictive rule first; a block short-circuits the consult.
		if top := matched[0]; top.rule.Action == knowledge.ActionBlock {
			s.applyGatingRule(ctx, guidance, top.rule)
			s.logger.Info("consult blocked by rule",
				zap.String("rule_id", top.rule.ID),
				zap.String("agent", q.Agent),
				zap.String("domain", q.Domain))
			return guidance, nil
		}

		for _, m := range matched {
			switch m.rule.Action {
			case knowledge.ActionRequire:
				s.applyGatingRule(ctx, guidance, m.rule)
			case knowledge.ActionWarn:
				guidance.Warnings = append(guidance.Warnings, ruleNotice(m.rule))
			case knowledge.ActionSuggest:
				guidance.Recommendations = append(guidance.Recommendations, ruleNotice(m.rule))
			}
		}
	}

	lessons := s.retrieveLessons(ctx, q)
	if len(lessons) > 0 {
		s.compileLessonGuidance(guidance, lessons)
		go s.recordRecalls(q.Agent, lessons)
	}

	return guidance, nil
}

// validateQuery requires only the action text. Domain and agent are
// optional; a domainless consult matches wildcard-scope rules and
// retrieves lessons across all domains.
func validateQuery(q Query) error {
	if strings.TrimSpace(q.Action) == "" {
		return knowledge.NewValidationError("required field missing", "action")
	}
	return nil
}

// embedAction embeds the query text for the similarity predicate.
// Failure is not an error; matching degrades to keywords.
func (s *Service) embedAction(ctx context.Context, action string) []float32 {
	if s.embedder == nil {
		return nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, s.retrievalBudget)
	defer cancel()

	vec, err := s.embedder.EmbedQuery(embedCtx, action)
	if err != nil {
		s.logger.Debug("action embedding unavailable, keyword matching only", zap.Error(err))
		return nil
	}
	return vec
}

type ruleMatch struct {
	rule   *knowledge.Rule
	vector []float32
}

// matchRules evaluates the cached rule snapshot against the query,
// returning matches ordered most restrictive first.
func (s *Service) matchRules(q Query, actionVec []float32) []ruleMatch {
	now := time.Now()
	var matched []ruleMatch
	for _, entry := range s.cache.snapshot() {
		rule := entry.rule
		if rule.Expired(now) || !rule.InScope(q.Agent, q.Domain) {
			continue
		}
		if s.matcher.Matches(rule, q.Action, actionVec, entry.vector) {
			matched = append(matched, ruleMatch{rule: rule, vector: entry.vector})
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].rule.Action.Restrictiveness() > matched[j].rule.Action.Restrictiveness()
	})
	return matched
}

// reportConflicts audits overlapping rules with contradictory actions.
// Resolution stays first-match-wins on the restrictiveness ordering.
func (s *Service) reportConflicts(ctx context.Context, q Query, matched []ruleMatch) {
	if len(matched) < 2 {
		return
	}
	first := matched[0].rule
	last := matched[len(matched)-1].rule
	if first.Action.Gating() == last.Action.Gating() {
		return
	}

	ids := make([]string, 0, len(matched))
	for _, m := range matched {
		ids = append(ids, fmt.Sprintf("%s(%s)", m.rule.ID, m.rule.Action))
	}
	s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventConflict, q.Agent, first.ID,
		fmt.Sprintf("contradictory rules matched %q: %s", q.Action, strings.Join(ids, ", "))))
	s.logger.Warn("contradictory rules matched",
		zap.String("action", q.Action),
		zap.Strings("rules", ids))
}

// applyGatingRule withholds the go-ahead and records enforcement.
func (s *Service) applyGatingRule(ctx context.Context, guidance *Guidance, rule *knowledge.Rule) {
	guidance.Proceed = false
	guidance.BlockedBy = append(guidance.BlockedBy, MatchedRule{
		ID:           rule.ID,
		Name:         rule.Name,
		Description:  rule.Description,
		Action:       rule.Action,
		Alternatives: rule.Alternatives,
	})
	guidance.Alternatives = append(guidance.Alternatives, rule.Alternatives...)

	s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventEnforced, "oracle", rule.ID, string(rule.Action)))
	ruleID := rule.ID
	go func() {
		counterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.records.IncrementRuleCounter(counterCtx, ruleID, false); err != nil {
			s.logger.Warn("failed to record rule enforcement",
				zap.String("rule_id", ruleID),
				zap.Error(err))
		}
	}()
}

// retrieveLessons finds the lessons most relevant to the action under
// the retrieval budget. Any failure returns what was gathered so far;
// a consult never errors because retrieval struggled.
func (s *Service) retrieveLessons(ctx context.Context, q Query) []*knowledge.Lesson {
	subCtx, cancel := context.WithTimeout(ctx, s.retrievalBudget)
	defer cancel()

	// Over-fetch: retired or off-kind lessons are filtered below.
	var filters map[string]string
	if q.Domain != "" {
		filters = map[string]string{"domain": q.Domain}
	}
	results, err := s.vectors.Search(subCtx, s.collection, q.Action, s.maxLessons*2, filters)
	if err != nil {
		s.logger.Debug("lesson retrieval degraded to rule-only guidance",
			zap.String("domain", q.Domain),
			zap.Error(err))
		return nil
	}

	lessons := make([]*knowledge.Lesson, 0, s.maxLessons)
	for _, hit := range results {
		// Vector metadata can lag behind status flips; the record store
		// is authoritative for status.
		lesson, err := s.records.GetLesson(subCtx, hit.ID)
		if err != nil {
			s.logger.Debug("skipping unresolvable search hit",
				zap.String("lesson_id", hit.ID),
				zap.Error(err))
			continue
		}
		if lesson.Status != knowledge.StatusActive {
			continue
		}
		switch lesson.Kind {
		case knowledge.KindFailure, knowledge.KindSuccess, knowledge.KindWarning:
		default:
			continue
		}
		lessons = append(lessons, lesson)
		if len(lessons) == s.maxLessons {
			break
		}
	}

	sort.SliceStable(lessons, func(i, j int) bool {
		if lessons[i].Confidence != lessons[j].Confidence {
			return lessons[i].Confidence > lessons[j].Confidence
		}
		return lessons[i].TimesHelpful > lessons[j].TimesHelpful
	})
	return lessons
}

// compileLessonGuidance turns retrieved lessons into warnings and
// recommendations and aggregates their confidence.
func (s *Service) compileLessonGuidance(guidance *Guidance, lessons []*knowledge.Lesson) {
	var sum float64
	for _, lesson := range lessons {
		sum += lesson.Confidence
		switch lesson.Kind {
		case knowledge.KindFailure:
			guidance.Warnings = append(guidance.Warnings, fmt.Sprintf("past failure: %s", lesson.Content))
		case knowledge.KindWarning:
			guidance.Warnings = append(guidance.Warnings, lesson.Content)
		case knowledge.KindSuccess:
			guidance.Recommendations = append(guidance.Recommendations, lesson.Content)
		}
	}
	guidance.Confidence = sum / float64(len(lessons))
}

// recordRecalls applies consult side effects off the request path:
// recall counters, relevance links, and the recalled audit events.
func (s *Service) recordRecalls(agent string, lessons []*knowledge.Lesson) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, lesson := range lessons {
		if err := s.records.IncrementLessonRecall(ctx, lesson.ID); err != nil {
			s.logger.Warn("failed to record lesson recall",
				zap.String("lesson_id", lesson.ID),
				zap.Error(err))
		}
		if agent != "" {
			if err := s.records.TouchRelevanceLink(ctx, agent, lesson.ID, 1.0); err != nil {
				s.logger.Warn("failed to touch relevance link",
					zap.String("agent_id", agent),
					zap.String("lesson_id", lesson.ID),
					zap.Error(err))
			}
		}
		s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventRecalled, agent, lesson.ID, ""))
	}
}

func ruleNotice(rule *knowledge.Rule) string {
	if rule.Description != "" {
		return fmt.Sprintf("%s: %s", rule.Name, rule.Description)
	}
	return rule.Name
}
