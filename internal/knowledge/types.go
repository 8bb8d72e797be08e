// Package knowledge defines the shared data model of the knowledge engine:
// lessons, rules, playbooks, relevance links, and the append-only audit
// event log, together with the record store that persists them.
package knowledge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for knowledge operations.
var (
	ErrNotFound             = errors.New("record not found")
	ErrStoreUnavailable     = errors.New("knowledge store unavailable")
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
)

// ValidationError reports a malformed draft or record. It names the
// offending fields so callers can fix their input instead of retrying.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", strings.Join(e.Fields, ", "), e.Reason)
}

// NewValidationError creates a ValidationError for the given fields.
func NewValidationError(reason string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Reason: reason}
}

// LessonKind classifies what a lesson records.
type LessonKind string

const (
	KindFailure         LessonKind = "failure"
	KindSuccess         LessonKind = "success"
	KindPattern         LessonKind = "pattern"
	KindRuleBacking     LessonKind = "rule_backing"
	KindPlaybookBacking LessonKind = "playbook_backing"
	KindWarning         LessonKind = "warning"
	KindInsight         LessonKind = "insight"
)

// ValidKind reports whether k is a known lesson kind.
func ValidKind(k LessonKind) bool {
	switch k {
	case KindFailure, KindSuccess, KindPattern, KindRuleBacking, KindPlaybookBacking, KindWarning, KindInsight:
		return true
	}
	return false
}

// Severity grades how bad a failure or warning is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ValidSeverity reports whether s is a known severity. An empty severity
// is valid for kinds that do not require one.
func ValidSeverity(s Severity) bool {
	switch s {
	case "", SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// SourceType records how a lesson entered the engine.
type SourceType string

const (
	SourceSelfReport SourceType = "self_report"
	SourceOperator   SourceType = "operator"
	SourceDerived    SourceType = "derived"
	SourceImported   SourceType = "imported"
)

// ValidSourceType reports whether s is a known source type.
func ValidSourceType(s SourceType) bool {
	switch s {
	case SourceSelfReport, SourceOperator, SourceDerived, SourceImported:
		return true
	}
	return false
}

// LessonStatus is the lifecycle status of a lesson.
type LessonStatus string

const (
	StatusPending    LessonStatus = "pending"
	StatusActive     LessonStatus = "active"
	StatusSuperseded LessonStatus = "superseded"
	StatusDeprecated LessonStatus = "deprecated"
	StatusPromoted   LessonStatus = "promoted"
)

// Retired reports whether a lesson in this status must be excluded from
// retrieval. Superseded and deprecated lessons are kept for audit only;
// promoted lessons live on through the rule or playbook derived from them.
func (s LessonStatus) Retired() bool {
	return s == StatusSuperseded || s == StatusDeprecated || s == StatusPromoted
}

// Confidence bounds. Lessons start neutral and move only on explicit
// feedback, never silently.
const (
	MinConfidence     = 0.0
	MaxConfidence     = 100.0
	InitialConfidence = 50.0

	helpfulDelta = 5.0
	ignoredDelta = 7.0
)

// Lesson is an atomic unit of recorded experience.
type Lesson struct {
	ID           string       `json:"id" gorm:"primaryKey"`
	Content      string       `json:"content"`
	Context      string       `json:"context,omitempty"`
	Outcome      string       `json:"outcome,omitempty"`
	Kind         LessonKind   `json:"kind" gorm:"index:idx_lessons_scope"`
	Severity     Severity     `json:"severity,omitempty"`
	Domain       string       `json:"domain" gorm:"index:idx_lessons_scope"`
	Subdomain    string       `json:"subdomain,omitempty"`
	Tags         StringList   `json:"tags,omitempty" gorm:"type:text"`
	SourceAgent  string       `json:"source_agent,omitempty"`
	SourceType   SourceType   `json:"source_type"`
	Status       LessonStatus `json:"status" gorm:"index:idx_lessons_scope"`
	SupersededBy string       `json:"superseded_by,omitempty"`

	TimesRecalled int64 `json:"times_recalled"`
	TimesHelpful  int64 `json:"times_helpful"`
	TimesIgnored  int64 `json:"times_ignored"`

	// Confidence is 0..100 and is adjusted only by explicit feedback.
	Confidence float64 `json:"confidence"`

	CreatedAt  time.Time  `json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewLesson creates a lesson with a generated ID, active status, and
// neutral confidence. The caller remains responsible for Validate.
func NewLesson(content, domain string, kind LessonKind, sourceType SourceType) *Lesson {
	now := time.Now()
	return &Lesson{
		ID:         uuid.New().String(),
		Content:    content,
		Domain:     domain,
		Kind:       kind,
		SourceType: sourceType,
		Status:     StatusActive,
		Confidence: InitialConfidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks structural invariants. It returns a *ValidationError
// naming the offending fields.
func (l *Lesson) Validate() error {
	var fields []string
	if l.ID == "" {
		fields = append(fields, "id")
	} else if _, err := uuid.Parse(l.ID); err != nil {
		return NewValidationError("id is not a UUID", "id")
	}
	if strings.TrimSpace(l.Content) == "" {
		fields = append(fields, "content")
	}
	if strings.TrimSpace(l.Domain) == "" {
		fields = append(fields, "domain")
	}
	if !ValidKind(l.Kind) {
		fields = append(fields, "kind")
	}
	if !ValidSeverity(l.Severity) {
		fields = append(fields, "severity")
	}
	if !ValidSourceType(l.SourceType) {
		fields = append(fields, "source_type")
	}
	if len(fields) > 0 {
		return NewValidationError("required field missing or invalid", fields...)
	}
	// Severity is mandatory for failures and warnings.
	if (l.Kind == KindFailure || l.Kind == KindWarning) && l.Severity == "" {
		return NewValidationError(fmt.Sprintf("severity is required for kind %q", l.Kind), "severity")
	}
	if l.Confidence < MinConfidence || l.Confidence > MaxConfidence {
		return NewValidationError("confidence must be within [0,100]", "confidence")
	}
	return nil
}

// AdjustConfidence applies an explicit feedback signal. Helpful feedback
// raises confidence, ignored feedback lowers it, both clamped to bounds.
func (l *Lesson) AdjustConfidence(helpful bool) {
	if helpful {
		l.Confidence += helpfulDelta
		if l.Confidence > MaxConfidence {
			l.Confidence = MaxConfidence
		}
	} else {
		l.Confidence -= ignoredDelta
		if l.Confidence < MinConfidence {
			l.Confidence = MinConfidence
		}
	}
	l.UpdatedAt = time.Now()
}

// RuleAction is what a matched rule asks the caller to do.
type RuleAction string

const (
	ActionBlock   RuleAction = "block"
	ActionRequire RuleAction = "require"
	ActionWarn    RuleAction = "warn"
	ActionSuggest RuleAction = "suggest"
)

// Restrictiveness orders actions from most to least restrictive.
// Used for first-match-wins conflict resolution.
func (a RuleAction) Restrictiveness() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRequire:
		return 2
	case ActionWarn:
		return 1
	case ActionSuggest:
		return 0
	}
	return -1
}

// Gating reports whether a matched rule withholds a go-ahead. Block and
// require gate the action; warn and suggest are advisory.
func (a RuleAction) Gating() bool {
	return a == ActionBlock || a == ActionRequire
}

// ScopeWildcard matches any agent or domain in a rule scope.
const ScopeWildcard = "*"

// Rule is a standing constraint derived from one or more lessons.
// Rules are created only by the Professor's promotion step.
type Rule struct {
	ID          string `json:"id" gorm:"primaryKey"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Keywords is the synthesized matching condition: an intended action
	// matches when every keyword occurs in its description.
	Keywords StringList `json:"keywords" gorm:"type:text"`

	Action       RuleAction `json:"action"`
	AgentScope   StringList `json:"agent_scope" gorm:"type:text"`
	DomainScope  StringList `json:"domain_scope" gorm:"type:text"`
	Alternatives StringList `json:"alternatives,omitempty" gorm:"type:text"`

	Enforced        bool  `json:"enforced" gorm:"index"`
	TimesEnforced   int64 `json:"times_enforced"`
	TimesOverridden int64 `json:"times_overridden"`

	SourceLessonIDs StringList `json:"source_lesson_ids" gorm:"type:text"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks structural invariants of a rule.
func (r *Rule) Validate() error {
	var fields []string
	if r.ID == "" {
		fields = append(fields, "id")
	}
	if strings.TrimSpace(r.Name) == "" {
		fields = append(fields, "name")
	}
	if len(r.Keywords) == 0 {
		fields = append(fields, "keywords")
	}
	if r.Action.Restrictiveness() < 0 {
		fields = append(fields, "action")
	}
	if len(r.SourceLessonIDs) == 0 {
		fields = append(fields, "source_lesson_ids")
	}
	if len(fields) > 0 {
		return NewValidationError("required field missing or invalid", fields...)
	}
	return nil
}

// Expired reports whether the rule has passed its expiry.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// InScope reports whether the rule applies to the given agent and domain.
// Empty caller values match only wildcard scopes.
func (r *Rule) InScope(agent, domain string) bool {
	return scopeContains(r.AgentScope, agent) && scopeContains(r.DomainScope, domain)
}

func scopeContains(scope []string, v string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == ScopeWildcard || (v != "" && s == v) {
			return true
		}
	}
	return false
}

// Playbook is a validated, repeatable success recipe.
type Playbook struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	Name            string     `json:"name"`
	Domain          string     `json:"domain" gorm:"index"`
	Steps           StringList `json:"steps" gorm:"type:text"`
	Prerequisites   StringList `json:"prerequisites,omitempty" gorm:"type:text"`
	ExpectedOutcome string     `json:"expected_outcome,omitempty"`

	TimesUsed    int64 `json:"times_used"`
	SuccessCount int64 `json:"success_count"`
	// SuccessRate is recomputed from usage outcomes, never hand-set.
	SuccessRate float64 `json:"success_rate"`

	SourceLessonIDs StringList `json:"source_lesson_ids" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants of a playbook.
func (p *Playbook) Validate() error {
	var fields []string
	if p.ID == "" {
		fields = append(fields, "id")
	}
	if strings.TrimSpace(p.Name) == "" {
		fields = append(fields, "name")
	}
	if strings.TrimSpace(p.Domain) == "" {
		fields = append(fields, "domain")
	}
	if len(p.Steps) == 0 {
		fields = append(fields, "steps")
	}
	if len(fields) > 0 {
		return NewValidationError("required field missing or invalid", fields...)
	}
	return nil
}

// RelevanceLink associates an agent with a lesson it has been served,
// biasing future retrieval toward that agent's history.
type RelevanceLink struct {
	ID           uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	AgentID      string    `json:"agent_id" gorm:"uniqueIndex:idx_links_agent_lesson"`
	LessonID     string    `json:"lesson_id" gorm:"uniqueIndex:idx_links_agent_lesson"`
	Relevance    float64   `json:"relevance"`
	TimesApplied int64     `json:"times_applied"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// EventType labels an audit event.
type EventType string

const (
	EventIngested        EventType = "ingested"
	EventMerged          EventType = "merged"
	EventRecalled        EventType = "recalled"
	EventFeedback        EventType = "feedback"
	EventEnforced        EventType = "enforced"
	EventOverridden      EventType = "overridden"
	EventPromoted        EventType = "promoted"
	EventPlaybookCreated EventType = "playbook_created"
	EventConflict        EventType = "conflict"
	EventPromotionError  EventType = "promotion_error"
)

// Event is an immutable audit record. Events are append-only and never
// mutated; the Professor counts occurrences through them and review
// notifications are fanned out from them.
type Event struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Type      EventType `json:"type" gorm:"index"`
	Actor     string    `json:"actor,omitempty"`
	Subject   string    `json:"subject,omitempty" gorm:"index"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent creates an audit event with a generated ID.
func NewEvent(t EventType, actor, subject, detail string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Actor:     actor,
		Subject:   subject,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}
