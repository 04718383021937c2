package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the EchoGarden server.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Logging       LoggingConfig   `yaml:"logging"`
	Storage       StorageConfig   `yaml:"storage"`
	Vector        VectorConfig    `yaml:"vector"`
	LLM           LLMConfig       `yaml:"llm"`
	Capture       CaptureConfig   `yaml:"capture"`
	Pipeline      PipelineConfig  `yaml:"pipeline"`
	Retrieval     RetrievalConfig `yaml:"retrieval"`
	Observability ObsConfig       `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig configures the SQLite store and blob directory.
type StorageConfig struct {
	DBPath  string `yaml:"db_path"`
	DataDir string `yaml:"data_dir"`
}

// VectorConfig configures the vector index provider.
type VectorConfig struct {
	Provider string `yaml:"provider"` // chromem | qdrant
	Path     string `yaml:"path"`     // chromem persistence directory
	Host     string `yaml:"host"`     // qdrant host
	Port     int    `yaml:"port"`     // qdrant grpc port
	UseTLS   bool   `yaml:"use_tls"`
}

// LLMConfig configures the local Ollama endpoint and model selection.
type LLMConfig struct {
	URL        string        `yaml:"llm_url"`
	Model      string        `yaml:"llm_model"`
	EmbedModel string        `yaml:"embed_model"`
	Timeout    time.Duration `yaml:"timeout"`
	Mode       string        `yaml:"mode"` // local | stub
}

// CaptureConfig configures the file watcher, job queue, and browser
// capture surface.
type CaptureConfig struct {
	WatchPath     string `yaml:"watch_path"`
	PollIntervalS int    `yaml:"poll_interval_s"`
	MaxFileMB     int    `yaml:"max_file_mb"`
	APIKey        string `yaml:"capture_api_key"`
	Workers       int    `yaml:"workers"`
	MaxAttempts   int    `yaml:"max_job_attempts"`
}

// PipelineConfig configures ingestion tool modes and sidecars.
type PipelineConfig struct {
	WhisperMode string `yaml:"whisper_mode"` // local | stub
	VisionMode  string `yaml:"vision_mode"`  // local | stub
	WhisperURL  string `yaml:"whisper_url"`
	VisionURL   string `yaml:"vision_url"`
	OCRURL      string `yaml:"ocr_url"`
}

// RetrievalConfig configures fusion weighting.
type RetrievalConfig struct {
	FusionWeights FusionWeights `yaml:"fusion_weights"`
	TopK          int           `yaml:"top_k"`
	MinScore      float64       `yaml:"min_score"`
}

// FusionWeights holds the per-signal weights for hybrid retrieval.
type FusionWeights struct {
	Semantic float64 `yaml:"semantic"`
	FTS      float64 `yaml:"fts"`
	Graph    float64 `yaml:"graph"`
	Recency  float64 `yaml:"recency"`
}

// ObsConfig configures metrics exposure.
type ObsConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// SetDefaults fills zero values with sane defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8808
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "echogarden.db")
	}
	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Vector.Path == "" {
		c.Vector.Path = filepath.Join(c.Storage.DataDir, "vectors")
	}
	if c.Vector.Port == 0 {
		c.Vector.Port = 6334
	}
	if c.LLM.URL == "" {
		c.LLM.URL = "http://localhost:11434"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama3.2"
	}
	if c.LLM.EmbedModel == "" {
		c.LLM.EmbedModel = "nomic-embed-text"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.Mode == "" {
		c.LLM.Mode = "local"
	}
	if c.Capture.WatchPath == "" {
		c.Capture.WatchPath = filepath.Join(c.Storage.DataDir, "inbox")
	}
	if c.Capture.PollIntervalS == 0 {
		c.Capture.PollIntervalS = 2
	}
	if c.Capture.MaxFileMB == 0 {
		c.Capture.MaxFileMB = 20
	}
	if c.Capture.Workers == 0 {
		c.Capture.Workers = 2
	}
	if c.Capture.MaxAttempts == 0 {
		c.Capture.MaxAttempts = 5
	}
	if c.Pipeline.WhisperMode == "" {
		c.Pipeline.WhisperMode = "stub"
	}
	if c.Pipeline.VisionMode == "" {
		c.Pipeline.VisionMode = "stub"
	}
	w := &c.Retrieval.FusionWeights
	if w.Semantic == 0 && w.FTS == 0 && w.Graph == 0 && w.Recency == 0 {
		*w = FusionWeights{Semantic: 0.40, FTS: 0.20, Graph: 0.20, Recency: 0.20}
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 8
	}
	if c.Retrieval.MinScore == 0 {
		c.Retrieval.MinScore = 0.18
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Vector.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vector.provider must be chromem or qdrant, got %q", c.Vector.Provider)
	}
	for name, mode := range map[string]string{
		"llm.mode":              c.LLM.Mode,
		"pipeline.whisper_mode": c.Pipeline.WhisperMode,
		"pipeline.vision_mode":  c.Pipeline.VisionMode,
	} {
		if mode != "local" && mode != "stub" {
			return fmt.Errorf("%s must be local or stub, got %q", name, mode)
		}
	}
	if c.Capture.PollIntervalS < 1 {
		return fmt.Errorf("capture.poll_interval_s must be >= 1")
	}
	w := c.Retrieval.FusionWeights
	if w.Semantic+w.FTS+w.Graph+w.Recency <= 0 {
		return fmt.Errorf("retrieval.fusion_weights must sum to a positive value")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".echogarden"
	}
	return filepath.Join(home, ".echogarden")
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides (prefix EG_), defaults, and validation.
// A .env file in the working directory is honored if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EG_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("EG_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("EG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EG_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("EG_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("EG_WATCH_PATH"); v != "" {
		cfg.Capture.WatchPath = v
	}
	if v := os.Getenv("EG_CAPTURE_API_KEY"); v != "" {
		cfg.Capture.APIKey = v
	}
	if v := os.Getenv("EG_LLM_URL"); v != "" {
		cfg.LLM.URL = v
	}
	if v := os.Getenv("EG_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("EG_LLM_MODE"); v != "" {
		cfg.LLM.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("EG_WHISPER_MODE"); v != "" {
		cfg.Pipeline.WhisperMode = strings.ToLower(v)
	}
	if v := os.Getenv("EG_VISION_MODE"); v != "" {
		cfg.Pipeline.VisionMode = strings.ToLower(v)
	}
	if v := os.Getenv("EG_VECTOR_PROVIDER"); v != "" {
		cfg.Vector.Provider = strings.ToLower(v)
	}
}
