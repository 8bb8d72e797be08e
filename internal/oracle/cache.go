package oracle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// DefaultCacheRefresh is how often the rule snapshot is rebuilt. A rule
// promoted between refreshes becomes visible within this bound; the
// promote endpoint refreshes synchronously to shorten it to zero.
const DefaultCacheRefresh = 2 * time.Second

// cachedRule pairs a rule with the embedding of its description, used
// by the similarity predicate. The vector is nil when the embedder was
// unavailable at refresh time.
type cachedRule struct {
	rule   *knowledge.Rule
	vector []float32
}

// ruleLister is the store slice the cache reads.
type ruleLister interface {
	ListRules(ctx context.Context, f knowledge.RuleFilter) ([]knowledge.Rule, error)
}

// ruleCache keeps an embedded snapshot of enforced rules so consults
// never touch the record store on the hot path.
type ruleCache struct {
	records  ruleLister
	embedder vectorstore.Embedder
	logger   *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	entries []cachedRule

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func newRuleCache(records ruleLister, embedder vectorstore.Embedder, interval time.Duration, logger *zap.Logger) *ruleCache {
	if interval <= 0 {
		interval = DefaultCacheRefresh
	}
	return &ruleCache{
		records:  records,
		embedder: embedder,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// snapshot returns the current rule set. The slice is shared; callers
// must not mutate it.
func (c *ruleCache) snapshot() []cachedRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}

// refresh rebuilds the snapshot from the store. Embedding failures are
// tolerated: the snapshot is still swapped in, with nil vectors, and
// matching degrades to keywords only.
func (c *ruleCache) refresh(ctx context.Context) error {
	rules, err := c.records.ListRules(ctx, knowledge.RuleFilter{EnforcedOnly: true})
	if err != nil {
		return err
	}

	entries := make([]cachedRule, 0, len(rules))
	texts := make([]string, 0, len(rules))
	for i := range rules {
		entries = append(entries, cachedRule{rule: &rules[i]})
		texts = append(texts, rules[i].Description)
	}

	if c.embedder != nil && len(texts) > 0 {
		vectors, err := c.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			c.logger.Warn("rule cache refresh without embeddings", zap.Error(err))
		} else if len(vectors) == len(entries) {
			for i := range entries {
				entries[i].vector = vectors[i]
			}
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// start launches the periodic refresher. Idempotent.
func (c *ruleCache) start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

func (c *ruleCache) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *ruleCache) run() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rule cache refresher panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if err := c.refresh(ctx); err != nil {
				c.logger.Warn("rule cache refresh failed", zap.Error(err))
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}
