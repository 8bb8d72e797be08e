// Knowledged is a collective knowledge daemon for agent fleets.
//
// The daemon ingests lessons reported by agents, mines recurring patterns
// into enforced rules and playbooks, and answers pre-action consultations
// over HTTP.
//
// Usage:
//
//	# Start with defaults (~/.config/knowledged/config.yaml if present)
//	knowledged
//
//	# Explicit config file
//	knowledged -config /etc/knowledged/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 EMBEDDINGS_PROVIDER=hash knowledged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/events"
	"github.com/fyrsmithlabs/knowledged/internal/httpapi"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/librarian"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/oracle"
	"github.com/fyrsmithlabs/knowledged/internal/professor"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/knowledged/config.yaml)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("knowledged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the knowledged daemon and blocks until ctx is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build logger
//  3. Open record store (SQLite) and vector store (chromem)
//  4. Create embedding provider
//  5. Connect NATS if configured (optional; the event log still works without it)
//  6. Wire Librarian, Professor, Oracle
//  7. Start Oracle rule cache, Professor scheduler, HTTP server
//  8. Graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting knowledged",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// Record store is the authoritative source for lessons, rules,
	// playbooks and the event log.
	records, err := knowledge.NewStore(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer records.Close()

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	defer embedder.Close()

	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:              cfg.Vector.Path,
		Compress:          cfg.Vector.Compress,
		DefaultCollection: cfg.Vector.Collection,
		VectorSize:        embedder.Dimension(),
	}, embedder, logger.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer vectors.Close()

	var nc *nats.Conn
	if cfg.Events.NATSURL != "" {
		nc, err = events.Connect(cfg.Events.NATSURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", zap.String("url", cfg.Events.NATSURL))
	}

	publisherOpts := []events.Option{events.WithLogger(logger.Named("events"))}
	if nc != nil {
		publisherOpts = append(publisherOpts, events.WithNATS(nc))
	}
	auditor := events.NewPublisher(records, publisherOpts...)

	librarianSvc, err := librarian.NewService(records, vectors, embedder, auditor,
		librarian.WithDedupThreshold(float32(cfg.Librarian.DedupThreshold)),
		librarian.WithEmbedTimeout(cfg.Librarian.EmbedTimeout),
		librarian.WithCollection(cfg.Vector.Collection),
		librarian.WithLogger(logger.Named("librarian")),
	)
	if err != nil {
		return fmt.Errorf("failed to create librarian: %w", err)
	}

	professorSvc, err := professor.NewService(records, vectors, auditor,
		professor.WithWindow(cfg.Professor.Window),
		professor.WithSimilarityThreshold(cfg.Professor.SimilarityThreshold),
		professor.WithMinOccurrences(cfg.Professor.MinOccurrences),
		professor.WithCountMode(professor.CountMode(cfg.Professor.CountMode)),
		professor.WithCollection(cfg.Vector.Collection),
		professor.WithPlaybookConfidence(cfg.Professor.PlaybookConfidence),
		professor.WithLogger(logger.Named("professor")),
	)
	if err != nil {
		return fmt.Errorf("failed to create professor: %w", err)
	}

	oracleSvc, err := oracle.NewService(records, vectors, embedder, auditor,
		oracle.WithRetrievalBudget(cfg.Oracle.RetrievalBudget),
		oracle.WithMaxLessons(cfg.Oracle.MaxLessons),
		oracle.WithCollection(cfg.Vector.Collection),
		oracle.WithCacheRefresh(cfg.Oracle.CacheRefresh),
		oracle.WithMatcher(oracle.NewConditionMatcher(cfg.Oracle.SimilarityThreshold)),
		oracle.WithLogger(logger.Named("oracle")),
	)
	if err != nil {
		return fmt.Errorf("failed to create oracle: %w", err)
	}

	if err := oracleSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start oracle: %w", err)
	}
	defer oracleSvc.Stop()

	scheduler, err := professor.NewScheduler(professorSvc, logger.Named("scheduler"),
		professor.WithInterval(cfg.Professor.Interval))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		_ = scheduler.Stop()
	}()

	srv, err := httpapi.NewServer(librarianSvc, oracleSvc, professorSvc, records,
		logger.Named("http"), &httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("nats_connected", nc != nil))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	return nil
}
