// Package httpapi exposes the knowledge engine over HTTP: ingestion,
// consultation, promotion, feedback, and read-only audit listings.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/librarian"
	"github.com/fyrsmithlabs/knowledged/internal/oracle"
	"github.com/fyrsmithlabs/knowledged/internal/professor"
)

// Ingestor is the Librarian surface the API needs.
type Ingestor interface {
	Ingest(ctx context.Context, draft librarian.Draft) (*librarian.Result, error)
	Feedback(ctx context.Context, lessonID string, helpful bool) (*knowledge.Lesson, error)
}

// Consulter is the Oracle surface the API needs.
type Consulter interface {
	Consult(ctx context.Context, q oracle.Query) (*oracle.Guidance, error)
	RefreshRules(ctx context.Context) error
}

// Analyzer is the Professor surface the API needs.
type Analyzer interface {
	AnalyzePatterns(ctx context.Context) (*professor.Report, error)
}

// Catalog is the read-and-usage surface of the knowledge store.
type Catalog interface {
	ListLessons(ctx context.Context, f knowledge.LessonFilter) ([]knowledge.Lesson, error)
	ListRules(ctx context.Context, f knowledge.RuleFilter) ([]knowledge.Rule, error)
	ListPlaybooks(ctx context.Context, domain string) ([]knowledge.Playbook, error)
	RecordPlaybookUsage(ctx context.Context, id string, success bool) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server is the HTTP front of the engine.
type Server struct {
	echo      *echo.Echo
	librarian Ingestor
	oracle    Consulter
	professor Analyzer
	catalog   Catalog
	metrics   *Metrics
	logger    *zap.Logger
	config    *Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(ingestor Ingestor, consulter Consulter, analyzer Analyzer, catalog Catalog, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ingestor == nil || consulter == nil || analyzer == nil || catalog == nil {
		return nil, fmt.Errorf("all service dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8271}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewMetrics(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		librarian: ingestor,
		oracle:    consulter,
		professor: analyzer,
		catalog:   catalog,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/consult", s.handleConsult)
	v1.POST("/promote", s.handlePromote)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/lessons", s.handleListLessons)
	v1.GET("/rules", s.handleListRules)
	v1.GET("/playbooks", s.handleListPlaybooks)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// --- Handlers ---

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// IngestRequest is the request body for POST /api/v1/ingest.
type IngestRequest struct {
	Content     string   `json:"content"`
	Context     string   `json:"context,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Domain      string   `json:"domain"`
	Subdomain   string   `json:"subdomain,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	SourceAgent string   `json:"source_agent,omitempty"`
	SourceType  string   `json:"source_type"`
}

// IngestResponse is the response body for POST /api/v1/ingest.
type IngestResponse struct {
	LessonID string `json:"lesson_id"`
	Status   string `json:"status"`
	Merged   bool   `json:"merged"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, knowledge.NewValidationError("malformed request body"))
	}

	result, err := s.librarian.Ingest(c.Request().Context(), librarian.Draft{
		Content:     req.Content,
		Context:     req.Context,
		Outcome:     req.Outcome,
		Kind:        knowledge.LessonKind(req.Kind),
		Severity:    knowledge.Severity(req.Severity),
		Domain:      req.Domain,
		Subdomain:   req.Subdomain,
		Tags:        req.Tags,
		SourceAgent: req.SourceAgent,
		SourceType:  knowledge.SourceType(req.SourceType),
	})
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusCreated
	if result.Merged {
		status = http.StatusOK
	}
	return c.JSON(status, IngestResponse{
		LessonID: result.LessonID,
		Status:   string(result.Status),
		Merged:   result.Merged,
	})
}

func (s *Server) handleConsult(c echo.Context) error {
	var q oracle.Query
	if err := c.Bind(&q); err != nil {
		return writeError(c, knowledge.NewValidationError("malformed request body"))
	}

	guidance, err := s.oracle.Consult(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}

	if !guidance.Proceed {
		s.metrics.RecordBlockedConsult(c, q.Domain)
	}
	return c.JSON(http.StatusOK, guidance)
}

func (s *Server) handlePromote(c echo.Context) error {
	report, err := s.professor.AnalyzePatterns(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	// New rules must bind on the very next consult.
	if err := s.oracle.RefreshRules(c.Request().Context()); err != nil {
		s.logger.Warn("rule cache refresh after promote failed", zap.Error(err))
	}
	return c.JSON(http.StatusOK, report)
}

// FeedbackRequest is the request body for POST /api/v1/feedback. Exactly
// one of LessonID or PlaybookID must be set.
type FeedbackRequest struct {
	LessonID   string `json:"lesson_id,omitempty"`
	PlaybookID string `json:"playbook_id,omitempty"`
	// Helpful records lesson feedback (true = helpful, false = ignored)
	// or a playbook usage outcome (true = success).
	Helpful bool `json:"helpful"`
}

// FeedbackResponse is the response body for POST /api/v1/feedback.
type FeedbackResponse struct {
	LessonID   string  `json:"lesson_id,omitempty"`
	PlaybookID string  `json:"playbook_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, knowledge.NewValidationError("malformed request body"))
	}
	if (req.LessonID == "") == (req.PlaybookID == "") {
		return writeError(c, knowledge.NewValidationError("exactly one of lesson_id or playbook_id is required", "lesson_id", "playbook_id"))
	}

	if req.PlaybookID != "" {
		if err := s.catalog.RecordPlaybookUsage(c.Request().Context(), req.PlaybookID, req.Helpful); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, FeedbackResponse{PlaybookID: req.PlaybookID})
	}

	lesson, err := s.librarian.Feedback(c.Request().Context(), req.LessonID, req.Helpful)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, FeedbackResponse{
		LessonID:   lesson.ID,
		Confidence: lesson.Confidence,
	})
}

func (s *Server) handleListLessons(c echo.Context) error {
	f := knowledge.LessonFilter{
		Domain: c.QueryParam("domain"),
		Status: knowledge.LessonStatus(c.QueryParam("status")),
		Kind:   knowledge.LessonKind(c.QueryParam("kind")),
		Limit:  100,
	}
	lessons, err := s.catalog.ListLessons(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"lessons": lessons})
}

func (s *Server) handleListRules(c echo.Context) error {
	rules, err := s.catalog.ListRules(c.Request().Context(), knowledge.RuleFilter{
		Domain:       c.QueryParam("domain"),
		EnforcedOnly: c.QueryParam("enforced") == "true",
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) handleListPlaybooks(c echo.Context) error {
	playbooks, err := s.catalog.ListPlaybooks(c.Request().Context(), c.QueryParam("domain"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"playbooks": playbooks})
}
