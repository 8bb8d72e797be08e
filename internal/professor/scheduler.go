package professor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the time between scheduled analysis runs.
const DefaultInterval = 1 * time.Hour

// Scheduler runs pattern analysis periodically in the background, off
// the request path. An out-of-schedule run can still be triggered by
// calling Service.AnalyzePatterns directly.
//
// All public methods are thread-safe.
type Scheduler struct {
	service  *Service
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between analysis runs.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = interval }
}

// WithRunTimeout bounds a single analysis run.
func WithRunTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = timeout }
}

// NewScheduler creates a scheduler for the given service. It does not
// start automatically; call Start.
func NewScheduler(service *Service, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		service:  service,
		interval: DefaultInterval,
		timeout:  10 * time.Minute,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the background loop. Calling Start on a running
// scheduler returns an error without starting a second goroutine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("pattern analysis scheduler started",
		zap.Duration("interval", s.interval))

	go s.run()
	return nil
}

// Stop signals the background loop to exit. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("stopping pattern analysis scheduler")
	s.running = false
	close(s.stopCh)
	return nil
}

func (s *Scheduler) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeAnalyze()
		case <-s.stopCh:
			return
		}
	}
}

// safeAnalyze wraps one run with panic recovery so a single bad run
// cannot take down the scheduler.
func (s *Scheduler) safeAnalyze() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("analysis run panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.service.AnalyzePatterns(ctx)
	if err != nil {
		s.logger.Error("scheduled analysis failed", zap.Error(err))
		return
	}

	s.logger.Info("scheduled analysis completed",
		zap.Int("clusters_found", report.ClustersFound),
		zap.Int("rules_created", report.RulesCreated),
		zap.Int("playbooks_created", report.PlaybooksCreated))
}
