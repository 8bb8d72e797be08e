// Package professor mines the lesson corpus for recurring patterns and
// promotes them: clusters of repeated failures become enforced rules,
// clusters of high-confidence successes become playbooks.
package professor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

const (
	// DefaultWindow is the rolling window of lessons each run considers.
	DefaultWindow = 7 * 24 * time.Hour

	// DefaultSimilarityThreshold links two lessons into one cluster.
	DefaultSimilarityThreshold = 0.90

	// DefaultMinOccurrences is how often a pattern must recur before it
	// is promoted to a rule.
	DefaultMinOccurrences = 3

	// DefaultPlaybookConfidence is the mean cluster confidence a success
	// pattern needs before it becomes a playbook.
	DefaultPlaybookConfidence = 80.0

	// maxRuleKeywords caps the synthesized matching condition.
	maxRuleKeywords = 8
)

// CountMode selects how a pattern's reports are counted. Raw counting
// lets one noisy agent manufacture a rule by repeating itself; the
// distinct modes require corroboration.
type CountMode string

const (
	// CountDistinctAgentDay counts distinct (agent, day) report pairs.
	CountDistinctAgentDay CountMode = "distinct_agent_day"
	// CountDistinctAgent counts distinct reporting agents.
	CountDistinctAgent CountMode = "distinct_agent"
	// CountRaw counts every report.
	CountRaw CountMode = "raw"
)

// ValidCountMode reports whether m is a known counting mode.
func ValidCountMode(m CountMode) bool {
	switch m {
	case CountDistinctAgentDay, CountDistinctAgent, CountRaw:
		return true
	}
	return false
}

// RecordStore is the slice of the knowledge store the Professor uses.
type RecordStore interface {
	ListLessons(ctx context.Context, f knowledge.LessonFilter) ([]knowledge.Lesson, error)
	ListEvents(ctx context.Context, t knowledge.EventType, subject string, limit int) ([]knowledge.Event, error)
	ListRules(ctx context.Context, f knowledge.RuleFilter) ([]knowledge.Rule, error)
	CreateRule(ctx context.Context, rule *knowledge.Rule) error
	CreatePlaybook(ctx context.Context, pb *knowledge.Playbook) error
	MarkLessonsPromoted(ctx context.Context, ids []string) error
}

// DocumentGetter fetches stored embeddings by lesson ID.
type DocumentGetter interface {
	GetDocument(ctx context.Context, collection, id string) (*vectorstore.Document, error)
}

// Auditor records audit events.
type Auditor interface {
	Emit(ctx context.Context, event *knowledge.Event)
}

// Report summarizes one analysis run.
type Report struct {
	ClustersFound    int `json:"clusters_found"`
	RulesCreated     int `json:"rules_created"`
	PlaybooksCreated int `json:"playbooks_created"`
}

// Service is the pattern miner.
type Service struct {
	records RecordStore
	vectors DocumentGetter
	auditor Auditor
	logger  *zap.Logger

	collection         string
	window             time.Duration
	threshold          float64
	minOccurrences     int
	countMode          CountMode
	playbookConfidence float64
}

// Option configures the Service.
type Option func(*Service)

// WithWindow overrides the rolling analysis window.
func WithWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

// WithSimilarityThreshold overrides the clustering threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(s *Service) { s.threshold = t }
}

// WithMinOccurrences overrides the promotion threshold.
func WithMinOccurrences(n int) Option {
	return func(s *Service) { s.minOccurrences = n }
}

// WithCountMode overrides occurrence counting.
func WithCountMode(m CountMode) Option {
	return func(s *Service) { s.countMode = m }
}

// WithCollection overrides the vector collection name.
func WithCollection(name string) Option {
	return func(s *Service) { s.collection = name }
}

// WithPlaybookConfidence overrides the playbook promotion bar.
func WithPlaybookConfidence(c float64) Option {
	return func(s *Service) { s.playbookConfidence = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the Professor.
func NewService(records RecordStore, vectors DocumentGetter, auditor Auditor, opts ...Option) (*Service, error) {
	if records == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}

	s := &Service{
		records:            records,
		vectors:            vectors,
		auditor:            auditor,
		logger:             zap.NewNop(),
		collection:         "lessons",
		window:             DefaultWindow,
		threshold:          DefaultSimilarityThreshold,
		minOccurrences:     DefaultMinOccurrences,
		countMode:          CountDistinctAgentDay,
		playbookConfidence: DefaultPlaybookConfidence,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AnalyzePatterns runs one mining pass over the rolling window. A
// synthesis failure in one cluster is recorded and skipped; it never
// aborts the run.
func (s *Service) AnalyzePatterns(ctx context.Context) (*Report, error) {
	report := &Report{}
	since := time.Now().Add(-s.window)

	rulesCreated, clusters, err := s.mineFailures(ctx, since)
	if err != nil {
		return nil, err
	}
	report.RulesCreated = rulesCreated
	report.ClustersFound += clusters

	playbooksCreated, clusters, err := s.mineSuccesses(ctx, since)
	if err != nil {
		return nil, err
	}
	report.PlaybooksCreated = playbooksCreated
	report.ClustersFound += clusters

	s.logger.Info("pattern analysis completed",
		zap.Int("clusters_found", report.ClustersFound),
		zap.Int("rules_created", report.RulesCreated),
		zap.Int("playbooks_created", report.PlaybooksCreated))

	return report, nil
}

func (s *Service) mineFailures(ctx context.Context, since time.Time) (rules, clusters int, err error) {
	lessons, err := s.records.ListLessons(ctx, knowledge.LessonFilter{
		Kind:   knowledge.KindFailure,
		Status: knowledge.StatusActive,
		Since:  since,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("loading failure lessons: %w", err)
	}

	existing, err := s.records.ListRules(ctx, knowledge.RuleFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("loading existing rules: %w", err)
	}
	covered := make(map[string]struct{})
	for _, r := range existing {
		for _, id := range r.SourceLessonIDs {
			covered[id] = struct{}{}
		}
	}

	for domain, members := range groupByDomain(lessons) {
		for _, cluster := range s.clusterLessons(ctx, members) {
			clusters++
			if s.occurrences(ctx, cluster) < s.minOccurrences {
				continue
			}
			if anyCovered(cluster, covered) {
				// An earlier run already promoted this pattern.
				continue
			}
			if err := s.promoteRule(ctx, domain, cluster); err != nil {
				s.logger.Error("rule promotion failed",
					zap.String("domain", domain),
					zap.Int("cluster_size", len(cluster)),
					zap.Error(err))
				s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventPromotionError, "professor", domain, err.Error()))
				continue
			}
			rules++
		}
	}
	return rules, clusters, nil
}

func (s *Service) mineSuccesses(ctx context.Context, since time.Time) (playbooks, clusters int, err error) {
	lessons, err := s.records.ListLessons(ctx, knowledge.LessonFilter{
		Kind:   knowledge.KindSuccess,
		Status: knowledge.StatusActive,
		Since:  since,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("loading success lessons: %w", err)
	}

	for domain, members := range groupByDomain(lessons) {
		for _, cluster := range s.clusterLessons(ctx, members) {
			clusters++
			if s.occurrences(ctx, cluster) < s.minOccurrences {
				continue
			}
			if meanConfidence(cluster) < s.playbookConfidence {
				continue
			}
			if err := s.promotePlaybook(ctx, domain, cluster); err != nil {
				s.logger.Error("playbook promotion failed",
					zap.String("domain", domain),
					zap.Int("cluster_size", len(cluster)),
					zap.Error(err))
				s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventPromotionError, "professor", domain, err.Error()))
				continue
			}
			playbooks++
		}
	}
	return playbooks, clusters, nil
}

// clusterLessons fetches embeddings and forms single-linkage clusters.
// Lessons whose embedding cannot be fetched are skipped, not fatal.
func (s *Service) clusterLessons(ctx context.Context, lessons []knowledge.Lesson) [][]knowledge.Lesson {
	kept := make([]knowledge.Lesson, 0, len(lessons))
	vectors := make([][]float32, 0, len(lessons))
	for _, lesson := range lessons {
		doc, err := s.vectors.GetDocument(ctx, s.collection, lesson.ID)
		if err != nil {
			s.logger.Warn("skipping lesson without embedding",
				zap.String("lesson_id", lesson.ID),
				zap.Error(err))
			continue
		}
		kept = append(kept, lesson)
		vectors = append(vectors, doc.Embedding)
	}

	var clusters [][]knowledge.Lesson
	for _, idxs := range clusterByThreshold(vectors, s.threshold) {
		members := make([]knowledge.Lesson, 0, len(idxs))
		for _, i := range idxs {
			members = append(members, kept[i])
		}
		clusters = append(clusters, members)
	}
	return clusters
}

// report is one sighting of a cluster's pattern: who reported it, when.
type report struct {
	actor string
	at    time.Time
}

// clusterReports reconstructs every report of the cluster's pattern
// from the audit log: the original ingestion plus each near-duplicate
// the Librarian folded in. Dedup at ingestion collapses repeats into
// merged events, so the lesson rows alone undercount recurrence.
func (s *Service) clusterReports(ctx context.Context, cluster []knowledge.Lesson) []report {
	var reports []report
	for _, l := range cluster {
		before := len(reports)
		for _, t := range []knowledge.EventType{knowledge.EventIngested, knowledge.EventMerged} {
			events, err := s.records.ListEvents(ctx, t, l.ID, 0)
			if err != nil {
				s.logger.Warn("event lookup failed during occurrence counting",
					zap.String("lesson_id", l.ID),
					zap.Error(err))
				continue
			}
			for _, ev := range events {
				reports = append(reports, report{actor: ev.Actor, at: ev.CreatedAt})
			}
		}
		if len(reports) == before {
			// Lessons with no audit trail still count once.
			reports = append(reports, report{actor: l.SourceAgent, at: l.CreatedAt})
		}
	}
	return reports
}

func (s *Service) occurrences(ctx context.Context, cluster []knowledge.Lesson) int {
	reports := s.clusterReports(ctx, cluster)
	switch s.countMode {
	case CountDistinctAgent:
		seen := make(map[string]struct{})
		for _, r := range reports {
			seen[r.actor] = struct{}{}
		}
		return len(seen)
	case CountRaw:
		return len(reports)
	default:
		seen := make(map[string]struct{})
		for _, r := range reports {
			seen[r.actor+"/"+r.at.Format("2006-01-02")] = struct{}{}
		}
		return len(seen)
	}
}

func (s *Service) promoteRule(ctx context.Context, domain string, cluster []knowledge.Lesson) error {
	keywords := commonKeywords(cluster)
	if len(keywords) == 0 {
		return fmt.Errorf("cluster of %d lessons shares no usable keywords", len(cluster))
	}

	action := knowledge.ActionRequire
	for _, l := range cluster {
		if l.Severity == knowledge.SeverityCritical {
			action = knowledge.ActionBlock
			break
		}
	}

	now := time.Now()
	rule := &knowledge.Rule{
		ID:              uuid.New().String(),
		Name:            fmt.Sprintf("recurring failure in %s: %s", domain, strings.Join(keywords[:min(3, len(keywords))], " ")),
		Description:     describeCluster(cluster),
		Keywords:        keywords,
		Action:          action,
		AgentScope:      knowledge.StringList{knowledge.ScopeWildcard},
		DomainScope:     knowledge.StringList{domain},
		Alternatives:    clusterOutcomes(cluster),
		Enforced:        true,
		SourceLessonIDs: lessonIDs(cluster),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.records.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	if err := s.records.MarkLessonsPromoted(ctx, rule.SourceLessonIDs); err != nil {
		return fmt.Errorf("marking lessons promoted: %w", err)
	}

	s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventPromoted, "professor", rule.ID,
		fmt.Sprintf("rule %q from %d lessons", rule.Name, len(cluster))))
	s.logger.Info("rule promoted",
		zap.String("rule_id", rule.ID),
		zap.String("domain", domain),
		zap.String("action", string(rule.Action)),
		zap.Int("source_lessons", len(cluster)))
	return nil
}

func (s *Service) promotePlaybook(ctx context.Context, domain string, cluster []knowledge.Lesson) error {
	ordered := make([]knowledge.Lesson, len(cluster))
	copy(ordered, cluster)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	steps := make(knowledge.StringList, 0, len(ordered))
	for _, l := range ordered {
		steps = append(steps, l.Content)
	}

	now := time.Now()
	pb := &knowledge.Playbook{
		ID:              uuid.New().String(),
		Name:            fmt.Sprintf("validated approach in %s", domain),
		Domain:          domain,
		Steps:           steps,
		ExpectedOutcome: ordered[len(ordered)-1].Outcome,
		SourceLessonIDs: lessonIDs(cluster),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.records.CreatePlaybook(ctx, pb); err != nil {
		return fmt.Errorf("creating playbook: %w", err)
	}
	if err := s.records.MarkLessonsPromoted(ctx, pb.SourceLessonIDs); err != nil {
		return fmt.Errorf("marking lessons promoted: %w", err)
	}

	s.auditor.Emit(ctx, knowledge.NewEvent(knowledge.EventPlaybookCreated, "professor", pb.ID,
		fmt.Sprintf("playbook %q from %d lessons", pb.Name, len(cluster))))
	s.logger.Info("playbook created",
		zap.String("playbook_id", pb.ID),
		zap.String("domain", domain),
		zap.Int("steps", len(pb.Steps)))
	return nil
}

// --- helpers ---

func groupByDomain(lessons []knowledge.Lesson) map[string][]knowledge.Lesson {
	byDomain := make(map[string][]knowledge.Lesson)
	for _, l := range lessons {
		byDomain[l.Domain] = append(byDomain[l.Domain], l)
	}
	return byDomain
}

func anyCovered(cluster []knowledge.Lesson, covered map[string]struct{}) bool {
	for _, l := range cluster {
		if _, ok := covered[l.ID]; ok {
			return true
		}
	}
	return false
}

func meanConfidence(cluster []knowledge.Lesson) float64 {
	if len(cluster) == 0 {
		return 0
	}
	var sum float64
	for _, l := range cluster {
		sum += l.Confidence
	}
	return sum / float64(len(cluster))
}

func lessonIDs(cluster []knowledge.Lesson) knowledge.StringList {
	ids := make(knowledge.StringList, 0, len(cluster))
	for _, l := range cluster {
		ids = append(ids, l.ID)
	}
	return ids
}

func clusterOutcomes(cluster []knowledge.Lesson) knowledge.StringList {
	var out knowledge.StringList
	seen := make(map[string]struct{})
	for _, l := range cluster {
		o := strings.TrimSpace(l.Outcome)
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

func describeCluster(cluster []knowledge.Lesson) string {
	// The earliest report usually states the failure most directly.
	earliest := cluster[0]
	for _, l := range cluster[1:] {
		if l.CreatedAt.Before(earliest.CreatedAt) {
			earliest = l
		}
	}
	return earliest.Content
}

var tokenPattern = regexp.MustCompile(`[a-z0-9][a-z0-9._/-]+`)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "by": {},
	"from": {}, "into": {}, "was": {}, "is": {}, "are": {}, "were": {},
	"be": {}, "been": {}, "it": {}, "its": {}, "this": {}, "that": {},
	"when": {}, "while": {}, "after": {}, "before": {}, "because": {},
	"not": {}, "no": {}, "we": {}, "our": {}, "has": {}, "had": {},
	"have": {}, "will": {}, "would": {}, "can": {}, "could": {}, "should": {},
}

// commonKeywords extracts tokens shared by a majority of cluster members,
// most frequent first. These become the rule's matching condition.
func commonKeywords(cluster []knowledge.Lesson) knowledge.StringList {
	counts := make(map[string]int)
	for _, l := range cluster {
		seen := make(map[string]struct{})
		for _, tok := range tokenPattern.FindAllString(strings.ToLower(l.Content), -1) {
			if _, stop := stopwords[tok]; stop {
				continue
			}
			if len(tok) < 3 {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			counts[tok]++
		}
	}

	majority := len(cluster)/2 + 1
	type kw struct {
		token string
		count int
	}
	var candidates []kw
	for tok, n := range counts {
		if n >= majority {
			candidates = append(candidates, kw{tok, n})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].token < candidates[j].token
	})

	if len(candidates) > maxRuleKeywords {
		candidates = candidates[:maxRuleKeywords]
	}
	keywords := make(knowledge.StringList, 0, len(candidates))
	for _, c := range candidates {
		keywords = append(keywords, c.token)
	}
	return keywords
}
