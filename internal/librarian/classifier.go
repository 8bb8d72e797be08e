package librarian

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
)

// maxClassifyLength bounds the text fed to the regex engine.
// Truncation prevents ReDoS on pathological inputs.
const maxClassifyLength = 4096

// Classification is a classifier's verdict on a draft lesson.
type Classification struct {
	Kind       knowledge.LessonKind
	Severity   knowledge.Severity
	Tags       []string
	Confidence float64
}

// Classifier assigns kind, severity, and tags to lesson content.
// Implementations must be pure: same input, same output, no dependence
// on storage state. The Librarian retries a failed call once, so a
// transient error must not poison later calls.
type Classifier interface {
	Classify(content, context string) (Classification, error)
}

// kindRule pairs a compiled regex with the classification it detects.
// Rules are evaluated in order; the first match wins.
type kindRule struct {
	regex      *regexp.Regexp
	kind       knowledge.LessonKind
	severity   knowledge.Severity
	confidence float64
}

// RegexClassifier classifies lesson content using ordered regex rules.
// Thread-safe: all patterns are compiled at construction time.
type RegexClassifier struct {
	rules []*kindRule
}

// NewRegexClassifier creates a classifier with the built-in rules.
func NewRegexClassifier() *RegexClassifier {
	return &RegexClassifier{rules: buildKindRules()}
}

// buildKindRules returns ordered regex rules for kind classification.
// More specific patterns are listed first to avoid shadowing.
func buildKindRules() []*kindRule {
	return []*kindRule{
		// --- Critical failures (highest priority) ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:data\s+loss|corrupt(?:ed|ion)|outage|prod(?:uction)?\s+(?:down|incident)|dropped\s+(?:the\s+)?(?:table|database)|deleted\s+.*(?:prod|production)|security\s+breach)\b`),
			kind:       knowledge.KindFailure,
			severity:   knowledge.SeverityCritical,
			confidence: 0.9,
		},

		// --- Failures ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:fail(?:ed|ure)?|crash(?:ed)?|panic(?:ked)?|deadlock|timeout|broke|regression|OOM|out\s+of\s+memory|rate.?limit(?:ed)?|exhaust(?:ed|ion))\b`),
			kind:       knowledge.KindFailure,
			severity:   knowledge.SeverityHigh,
			confidence: 0.85,
		},

		// --- Warnings ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:deprecat(?:ed|ion)|caution|careful|avoid|risky|brittle|flaky|unstable|do\s+not|don'?t\s+use)\b`),
			kind:       knowledge.KindWarning,
			severity:   knowledge.SeverityMedium,
			confidence: 0.8,
		},

		// --- Successes ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:worked|succeed(?:ed)?|resolved|fixed\s+(?:by|with|via)|solution\s+(?:was|is)|effective(?:ly)?|reliably)\b`),
			kind:       knowledge.KindSuccess,
			confidence: 0.8,
		},

		// --- Recurring patterns ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:always|every\s+time|whenever|consistently|pattern|recurring|repeatedly|tends\s+to)\b`),
			kind:       knowledge.KindPattern,
			confidence: 0.7,
		},

		// Broader failure fallback (single keywords, lower confidence)
		{
			regex:      regexp.MustCompile(`(?i)\b(?:error|bug|wrong|incorrect|missing|nil\s+pointer|stack\s*trace)\b`),
			kind:       knowledge.KindFailure,
			severity:   knowledge.SeverityMedium,
			confidence: 0.65,
		},
	}
}

// Classify returns the best-matching classification for the content.
// If no rule matches, returns KindInsight with low confidence; the
// caller decides whether that is enough to activate the lesson.
func (c *RegexClassifier) Classify(content, context string) (Classification, error) {
	combined := content + " " + context
	if len(combined) > maxClassifyLength {
		combined = combined[:maxClassifyLength]
	}

	for _, rule := range c.rules {
		if rule.regex.MatchString(combined) {
			return Classification{
				Kind:       rule.kind,
				Severity:   rule.severity,
				Tags:       extractTags(combined),
				Confidence: rule.confidence,
			}, nil
		}
	}

	return Classification{
		Kind:       knowledge.KindInsight,
		Tags:       extractTags(combined),
		Confidence: 0.4,
	}, nil
}

// tagPatterns surface common tooling names as tags.
var tagPatterns = regexp.MustCompile(`(?i)\b(docker|kubernetes|k8s|terraform|postgres|mysql|sqlite|redis|kafka|nats|grpc|graphql|oauth|jwt|tls|dns|ci/?cd)\b`)

func extractTags(text string) []string {
	matches := tagPatterns.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.ToLower(m)
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		tags = append(tags, m)
	}
	return tags
}

var _ Classifier = (*RegexClassifier)(nil)
