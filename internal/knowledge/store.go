package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store persists the four primary record sets (lessons, rules, playbooks,
// relevance links) plus the append-only event log in SQLite via gorm.
//
// Counters are updated with SQL-side expressions, never read-modify-write
// in application memory, so concurrent recalls and feedback cannot lose
// updates. Embedding vectors are not stored here; they live in the vector
// store keyed by lesson ID.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the SQLite database at path and migrates
// the schema.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&Lesson{}, &Rule{}, &Playbook{}, &RelevanceLink{}, &Event{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	logger.Info("knowledge store opened", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// storeErr wraps infrastructure failures so callers can classify them.
func storeErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// --- Lessons ---

// CreateLesson inserts a new lesson. The lesson must already be valid;
// no partial write occurs on validation failure.
func (s *Store) CreateLesson(ctx context.Context, lesson *Lesson) error {
	if err := lesson.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(lesson).Error; err != nil {
		return storeErr("creating lesson", err)
	}
	return nil
}

// GetLesson fetches a lesson by ID.
func (s *Store) GetLesson(ctx context.Context, id string) (*Lesson, error) {
	var lesson Lesson
	if err := s.db.WithContext(ctx).First(&lesson, "id = ?", id).Error; err != nil {
		return nil, storeErr("getting lesson", err)
	}
	return &lesson, nil
}

// LessonFilter narrows ListLessons.
type LessonFilter struct {
	Domain string
	Status LessonStatus
	Kind   LessonKind
	// Since restricts to lessons created at or after the given time.
	Since time.Time
	Limit int
}

// ListLessons returns lessons matching the filter, newest first.
func (s *Store) ListLessons(ctx context.Context, f LessonFilter) ([]Lesson, error) {
	q := s.db.WithContext(ctx).Model(&Lesson{}).Order("created_at DESC")
	if f.Domain != "" {
		q = q.Where("domain = ?", f.Domain)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var lessons []Lesson
	if err := q.Find(&lessons).Error; err != nil {
		return nil, storeErr("listing lessons", err)
	}
	return lessons, nil
}

// SupersedeLesson retires old in favor of newer. Lessons are never
// physically deleted; superseding preserves the audit history.
func (s *Store) SupersedeLesson(ctx context.Context, oldID, newID string) error {
	res := s.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ?", oldID).
		Updates(map[string]interface{}{
			"status":        StatusSuperseded,
			"superseded_by": newID,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return storeErr("superseding lesson", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLessonsPromoted flips the given lessons to promoted status. Called
// by the Professor after deriving a rule or playbook from them.
func (s *Store) MarkLessonsPromoted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&Lesson{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": StatusPromoted, "updated_at": time.Now()}).Error; err != nil {
		return storeErr("marking lessons promoted", err)
	}
	return nil
}

// MergeLessonContext records a near-duplicate ingestion onto an existing
// lesson: the recall counter is incremented atomically and the duplicate
// content is appended as an additional context note.
func (s *Store) MergeLessonContext(ctx context.Context, id, note string) error {
	res := s.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"times_recalled": gorm.Expr("times_recalled + 1"),
			"context":        gorm.Expr("CASE WHEN context = '' THEN ? ELSE context || char(10) || ? END", note, note),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return storeErr("merging lesson context", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementLessonRecall bumps times_recalled with an atomic column update.
func (s *Store) IncrementLessonRecall(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ?", id).
		UpdateColumn("times_recalled", gorm.Expr("times_recalled + 1")).Error; err != nil {
		return storeErr("incrementing recall counter", err)
	}
	return nil
}

// RecordLessonFeedback applies an explicit feedback signal: the matching
// counter is incremented and confidence is adjusted inside a transaction.
// Returns the updated lesson.
func (s *Store) RecordLessonFeedback(ctx context.Context, id string, helpful bool) (*Lesson, error) {
	var lesson Lesson
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&lesson, "id = ?", id).Error; err != nil {
			return err
		}
		counter := "times_helpful"
		if !helpful {
			counter = "times_ignored"
		}
		lesson.AdjustConfidence(helpful)
		return tx.Model(&Lesson{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				counter:      gorm.Expr(counter + " + 1"),
				"confidence": lesson.Confidence,
				"updated_at": lesson.UpdatedAt,
			}).Error
	})
	if err != nil {
		return nil, storeErr("recording lesson feedback", err)
	}
	if helpful {
		lesson.TimesHelpful++
	} else {
		lesson.TimesIgnored++
	}
	return &lesson, nil
}

// DomainAgents returns the distinct agents that have reported lessons in
// the domain, used for best-effort relevance propagation.
func (s *Store) DomainAgents(ctx context.Context, domain string) ([]string, error) {
	var agents []string
	if err := s.db.WithContext(ctx).Model(&Lesson{}).
		Where("domain = ? AND source_agent <> ''", domain).
		Distinct().Pluck("source_agent", &agents).Error; err != nil {
		return nil, storeErr("listing domain agents", err)
	}
	return agents, nil
}

// --- Rules ---

// CreateRule inserts a promoted rule. Only the Professor calls this.
func (s *Store) CreateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return storeErr("creating rule", err)
	}
	return nil
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	// EnforcedOnly restricts to rules eligible for the blocking path.
	EnforcedOnly bool
	Domain       string
}

// ListRules returns rules matching the filter, newest first. Unenforced
// rules remain listable for audit even though they never block.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]Rule, error) {
	q := s.db.WithContext(ctx).Model(&Rule{}).Order("created_at DESC")
	if f.EnforcedOnly {
		q = q.Where("enforced = ?", true)
	}
	var rules []Rule
	if err := q.Find(&rules).Error; err != nil {
		return nil, storeErr("listing rules", err)
	}
	if f.Domain == "" {
		return rules, nil
	}
	// Domain scope is a JSON column; filter after the fetch.
	filtered := rules[:0]
	for _, r := range rules {
		if scopeContains(r.DomainScope, f.Domain) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// IncrementRuleCounter bumps the enforcement or override counter.
func (s *Store) IncrementRuleCounter(ctx context.Context, id string, overridden bool) error {
	counter := "times_enforced"
	if overridden {
		counter = "times_overridden"
	}
	if err := s.db.WithContext(ctx).Model(&Rule{}).
		Where("id = ?", id).
		UpdateColumn(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
		return storeErr("incrementing rule counter", err)
	}
	return nil
}

// --- Playbooks ---

// CreatePlaybook inserts a promoted playbook. Only the Professor calls this.
func (s *Store) CreatePlaybook(ctx context.Context, pb *Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(pb).Error; err != nil {
		return storeErr("creating playbook", err)
	}
	return nil
}

// ListPlaybooks returns playbooks, optionally filtered by domain.
func (s *Store) ListPlaybooks(ctx context.Context, domain string) ([]Playbook, error) {
	q := s.db.WithContext(ctx).Model(&Playbook{}).Order("created_at DESC")
	if domain != "" {
		q = q.Where("domain = ?", domain)
	}
	var pbs []Playbook
	if err := q.Find(&pbs).Error; err != nil {
		return nil, storeErr("listing playbooks", err)
	}
	return pbs, nil
}

// RecordPlaybookUsage records one usage outcome and recomputes the
// success rate from counters inside the same transaction. The rate is
// never set any other way.
func (s *Store) RecordPlaybookUsage(ctx context.Context, id string, success bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pb Playbook
		if err := tx.First(&pb, "id = ?", id).Error; err != nil {
			return err
		}
		pb.TimesUsed++
		if success {
			pb.SuccessCount++
		}
		pb.SuccessRate = float64(pb.SuccessCount) / float64(pb.TimesUsed)
		pb.UpdatedAt = time.Now()
		return tx.Model(&Playbook{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"times_used":    pb.TimesUsed,
				"success_count": pb.SuccessCount,
				"success_rate":  pb.SuccessRate,
				"updated_at":    pb.UpdatedAt,
			}).Error
	})
	if err != nil {
		return storeErr("recording playbook usage", err)
	}
	return nil
}

// --- Relevance links ---

// TouchRelevanceLink upserts the (agent, lesson) link, bumping its
// application counter and relevance score.
func (s *Store) TouchRelevanceLink(ctx context.Context, agentID, lessonID string, delta float64) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link RelevanceLink
		err := tx.Where("agent_id = ? AND lesson_id = ?", agentID, lessonID).First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&RelevanceLink{
				AgentID:      agentID,
				LessonID:     lessonID,
				Relevance:    delta,
				TimesApplied: 1,
				LastSeenAt:   now,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&RelevanceLink{}).Where("id = ?", link.ID).
			Updates(map[string]interface{}{
				"relevance":     gorm.Expr("relevance + ?", delta),
				"times_applied": gorm.Expr("times_applied + 1"),
				"last_seen_at":  now,
			}).Error
	})
	if err != nil {
		return storeErr("touching relevance link", err)
	}
	return nil
}

// ListRelevanceLinks returns the links for an agent, most recent first.
func (s *Store) ListRelevanceLinks(ctx context.Context, agentID string) ([]RelevanceLink, error) {
	var links []RelevanceLink
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("last_seen_at DESC").
		Find(&links).Error; err != nil {
		return nil, storeErr("listing relevance links", err)
	}
	return links, nil
}

// --- Events ---

// AppendEvent appends to the audit log. Events are immutable.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return storeErr("appending event", err)
	}
	return nil
}

// ListEvents returns events, newest first, optionally filtered by type
// and subject.
func (s *Store) ListEvents(ctx context.Context, t EventType, subject string, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&Event{}).Order("created_at DESC")
	if t != "" {
		q = q.Where("type = ?", t)
	}
	if subject != "" {
		q = q.Where("subject = ?", subject)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, storeErr("listing events", err)
	}
	return events, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
