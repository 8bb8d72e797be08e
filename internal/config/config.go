package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/professor"
)

// Config holds the complete knowledged configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Vector     VectorConfig     `koanf:"vector"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Librarian  LibrarianConfig  `koanf:"librarian"`
	Professor  ProfessorConfig  `koanf:"professor"`
	Oracle     OracleConfig     `koanf:"oracle"`
	Events     EventsConfig     `koanf:"events"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the relational record store configuration.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
}

// VectorConfig holds the vector store configuration.
type VectorConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider selects the embedding backend: "fastembed" or "hash".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
	// Dimension is the vector size for the hash provider.
	Dimension int `koanf:"dimension"`
}

// LibrarianConfig holds ingestion configuration.
type LibrarianConfig struct {
	DedupThreshold float64       `koanf:"dedup_threshold"`
	EmbedTimeout   time.Duration `koanf:"embed_timeout"`
}

// ProfessorConfig holds pattern-mining configuration.
type ProfessorConfig struct {
	Interval            time.Duration `koanf:"interval"`
	Window              time.Duration `koanf:"window"`
	MinOccurrences      int           `koanf:"min_occurrences"`
	CountMode           string        `koanf:"count_mode"`
	SimilarityThreshold float64       `koanf:"similarity_threshold"`
	PlaybookConfidence  float64       `koanf:"playbook_confidence"`
}

// OracleConfig holds consultation configuration.
type OracleConfig struct {
	RetrievalBudget     time.Duration `koanf:"retrieval_budget"`
	MaxLessons          int           `koanf:"max_lessons"`
	CacheRefresh        time.Duration `koanf:"cache_refresh"`
	SimilarityThreshold float64       `koanf:"similarity_threshold"`
}

// EventsConfig holds event broadcast configuration.
type EventsConfig struct {
	// NATSURL enables live event broadcast when set. The daemon runs
	// without NATS; the event log in the record store is authoritative.
	NATSURL string `koanf:"nats_url"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8271
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultDataPath("knowledged.db")
	}
	if cfg.Vector.Path == "" {
		cfg.Vector.Path = defaultDataPath("vectors")
	}
	if cfg.Vector.Collection == "" {
		cfg.Vector.Collection = "lessons"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}

	if cfg.Librarian.DedupThreshold == 0 {
		cfg.Librarian.DedupThreshold = 0.90
	}
	if cfg.Librarian.EmbedTimeout == 0 {
		cfg.Librarian.EmbedTimeout = 5 * time.Second
	}

	if cfg.Professor.Interval == 0 {
		cfg.Professor.Interval = time.Hour
	}
	if cfg.Professor.Window == 0 {
		cfg.Professor.Window = 7 * 24 * time.Hour
	}
	if cfg.Professor.MinOccurrences == 0 {
		cfg.Professor.MinOccurrences = 3
	}
	if cfg.Professor.CountMode == "" {
		cfg.Professor.CountMode = string(professor.CountDistinctAgentDay)
	}
	if cfg.Professor.SimilarityThreshold == 0 {
		cfg.Professor.SimilarityThreshold = 0.90
	}
	if cfg.Professor.PlaybookConfidence == 0 {
		cfg.Professor.PlaybookConfidence = 80.0
	}

	if cfg.Oracle.RetrievalBudget == 0 {
		cfg.Oracle.RetrievalBudget = 150 * time.Millisecond
	}
	if cfg.Oracle.MaxLessons == 0 {
		cfg.Oracle.MaxLessons = 10
	}
	if cfg.Oracle.CacheRefresh == 0 {
		cfg.Oracle.CacheRefresh = 2 * time.Second
	}
	if cfg.Oracle.SimilarityThreshold == 0 {
		cfg.Oracle.SimilarityThreshold = 0.75
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// defaultDataPath resolves a path under ~/.local/share/knowledged.
// Falls back to a relative path when the home directory is unknown.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "share", "knowledged", name)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Embeddings.Provider {
	case "fastembed", "hash":
	default:
		return fmt.Errorf("unknown embeddings provider: %q", c.Embeddings.Provider)
	}

	if c.Librarian.DedupThreshold <= 0 || c.Librarian.DedupThreshold > 1 {
		return fmt.Errorf("dedup threshold must be in (0, 1], got %v", c.Librarian.DedupThreshold)
	}
	if c.Librarian.EmbedTimeout <= 0 {
		return errors.New("embed timeout must be positive")
	}

	if c.Professor.Interval <= 0 {
		return errors.New("professor interval must be positive")
	}
	if c.Professor.Window <= 0 {
		return errors.New("professor window must be positive")
	}
	if c.Professor.MinOccurrences < 1 {
		return fmt.Errorf("min occurrences must be at least 1, got %d", c.Professor.MinOccurrences)
	}
	if !professor.ValidCountMode(professor.CountMode(c.Professor.CountMode)) {
		return fmt.Errorf("unknown count mode: %q", c.Professor.CountMode)
	}
	if c.Professor.SimilarityThreshold <= 0 || c.Professor.SimilarityThreshold > 1 {
		return fmt.Errorf("professor similarity threshold must be in (0, 1], got %v", c.Professor.SimilarityThreshold)
	}
	if c.Professor.PlaybookConfidence < 0 || c.Professor.PlaybookConfidence > 100 {
		return fmt.Errorf("playbook confidence must be in [0, 100], got %v", c.Professor.PlaybookConfidence)
	}

	if c.Oracle.RetrievalBudget <= 0 {
		return errors.New("retrieval budget must be positive")
	}
	if c.Oracle.MaxLessons < 1 {
		return fmt.Errorf("max lessons must be at least 1, got %d", c.Oracle.MaxLessons)
	}
	if c.Oracle.CacheRefresh <= 0 {
		return errors.New("cache refresh interval must be positive")
	}
	if c.Oracle.SimilarityThreshold <= 0 || c.Oracle.SimilarityThreshold > 1 {
		return fmt.Errorf("oracle similarity threshold must be in (0, 1], got %v", c.Oracle.SimilarityThreshold)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	return nil
}
