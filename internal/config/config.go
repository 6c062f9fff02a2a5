// Package config loads and validates riacouncil configuration: a single
// YAML file with per-subsystem sections, environment overrides, and the
// startup invariants the council protocol depends on.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"riacouncil/internal/council"
	"riacouncil/internal/embedding"
	"riacouncil/internal/gateway"
	"riacouncil/internal/logging"
	"riacouncil/internal/retrieval"
	"riacouncil/internal/review"
	"riacouncil/internal/workflow"
)

// Config holds all riacouncil configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage paths
	DatabasePath    string `yaml:"database_path"`
	VectorStorePath string `yaml:"vector_store_path"`
	GraphPath       string `yaml:"graph_path"`

	Logging   logging.Config   `yaml:"logging"`
	Embedding embedding.Config `yaml:"embedding"`
	Gateway   gateway.Config   `yaml:"gateway"`
	Council   council.Config   `yaml:"council"`
	Retrieval retrieval.Config `yaml:"retrieval"`
	Review    ReviewConfig     `yaml:"review"`
	Workflow  workflow.Config  `yaml:"workflow"`

	// String durations (yaml-friendly); resolved via the Get helpers.
	GatewayTimeout  string `yaml:"gateway_timeout"`
	ChairmanTimeout string `yaml:"chairman_timeout"`
	SearchBudget    string `yaml:"search_budget"`
}

// ReviewConfig holds SLA settings with yaml-friendly durations.
type ReviewConfig struct {
	SynthesisSLA string                      `yaml:"synthesis_sla"`
	ReportSLA    string                      `yaml:"report_sla"`
	Priority     map[review.Priority]float64 `yaml:"priority_factors"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "riacouncil",
		Version: "0.3.0",

		DatabasePath:    "data/riacouncil.db",
		VectorStorePath: "data/vectors.blob",
		GraphPath:       "data/graph.blob",

		Logging: logging.Config{
			Enabled: true,
			Level:   "info",
		},
		Embedding: embedding.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Council:   council.DefaultConfig(),
		Retrieval: retrieval.DefaultConfig(),
		Review: ReviewConfig{
			SynthesisSLA: "24h",
			ReportSLA:    "48h",
		},
		Workflow: workflow.DefaultConfig(),

		GatewayTimeout:  "60s",
		ChairmanTimeout: "120s",
		SearchBudget:    "5s",
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			cfg.resolveDurations()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.resolveDurations()
	logging.Boot("Config loaded: council=%v chairman=%s", cfg.Council.CouncilModels, cfg.Council.ChairmanModel)
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("RIA_GATEWAY_URL"); url != "" {
		c.Gateway.BaseURL = url
	}
	if key := os.Getenv("RIA_GATEWAY_API_KEY"); key != "" {
		c.Gateway.APIKey = key
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if path := os.Getenv("RIA_DB"); path != "" {
		c.DatabasePath = path
	}
}

// resolveDurations converts the string durations into the typed fields the
// subsystems consume.
func (c *Config) resolveDurations() {
	c.Gateway.DefaultTimeout = parseDuration(c.GatewayTimeout, 60*time.Second)
	c.Council.CallTimeout = parseDuration(c.GatewayTimeout, 60*time.Second)
	c.Council.ChairmanTimeout = parseDuration(c.ChairmanTimeout, 120*time.Second)
	c.Retrieval.SearchBudget = parseDuration(c.SearchBudget, 5*time.Second)
	if c.Gateway.BackoffBase == 0 {
		c.Gateway.BackoffBase = time.Second
	}
	c.Workflow.VectorStorePath = c.VectorStorePath
	c.Workflow.GraphPath = c.GraphPath
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SLAConfig builds the review SLA configuration.
func (c *Config) SLAConfig() review.SLAConfig {
	sla := review.DefaultSLAConfig()
	sla.Synthesis = parseDuration(c.Review.SynthesisSLA, sla.Synthesis)
	sla.Report = parseDuration(c.Review.ReportSLA, sla.Report)
	if len(c.Review.Priority) > 0 {
		sla.Priority = c.Review.Priority
	}
	return sla
}

// Validate checks the startup invariants across subsystems.
func (c *Config) Validate() error {
	if err := c.Council.Validate(); err != nil {
		return fmt.Errorf("council config: %w", err)
	}
	if c.Retrieval.DenseWeight < 0 || c.Retrieval.SparseWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if sum := c.Retrieval.DenseWeight + c.Retrieval.SparseWeight; sum != 0 && math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("dense_weight + sparse_weight must equal 1, got %.2f", sum)
	}
	if c.Workflow.RevisionLimit < 1 {
		return fmt.Errorf("revision_limit must be at least 1")
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("invalid embedding provider: %s", c.Embedding.Provider)
	}
	return nil
}
