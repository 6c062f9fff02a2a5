// Package council implements the three-stage deliberation protocol:
// parallel first opinions, bootstrap peer ranking over randomized
// evaluation contexts, and chairman synthesis. Bias reduction comes from
// anonymized labels, criterion rotation, seeded permutations, and rank
// aggregation across iterations.
package council

import (
	"errors"
	"fmt"
	"time"
)

// Criterion is one evaluation dimension used during peer ranking.
type Criterion struct {
	Name  string `yaml:"name"`
	Focus string `yaml:"focus"`
}

// DefaultCriteria is the rotating criterion list for bootstrap iterations.
var DefaultCriteria = []Criterion{
	{Name: "accuracy", Focus: "factual correctness and faithful use of the provided context"},
	{Name: "completeness", Focus: "coverage of all relevant impact dimensions of the proposal"},
	{Name: "clarity", Focus: "structure, readability, and precision of the assessment"},
	{Name: "utility", Focus: "actionable value for a policy officer drafting the final assessment"},
	{Name: "balanced", Focus: "even-handed treatment of benefits, costs, and affected groups"},
}

// Aggregation selects the rank aggregation method.
type Aggregation string

const (
	AggregationBorda       Aggregation = "borda"
	AggregationPositionAvg Aggregation = "position_avg"
	AggregationConsensus   Aggregation = "consensus"
)

// Config holds council configuration. The chairman must not sit on the
// council; Validate enforces this at startup.
type Config struct {
	CouncilModels       []string      `yaml:"council_models"`
	ChairmanModel       string        `yaml:"chairman_model"`
	BootstrapIterations int           `yaml:"bootstrap_iterations"`
	EnableBootstrap     bool          `yaml:"enable_bootstrap"`
	Criteria            []Criterion   `yaml:"evaluation_criteria"`
	AggregationMethod   Aggregation   `yaml:"aggregation_method"`
	ChairmanFallback    bool          `yaml:"chairman_fallback"`
	CallTimeout         time.Duration `yaml:"-"`
	ChairmanTimeout     time.Duration `yaml:"-"`
}

// DefaultConfig returns council defaults. Models must be filled in by the
// caller.
func DefaultConfig() Config {
	return Config{
		BootstrapIterations: 5,
		EnableBootstrap:     true,
		Criteria:            DefaultCriteria,
		AggregationMethod:   AggregationBorda,
		ChairmanFallback:    true,
		CallTimeout:         60 * time.Second,
		ChairmanTimeout:     120 * time.Second,
	}
}

// Validate checks the startup invariants.
func (c Config) Validate() error {
	if len(c.CouncilModels) == 0 {
		return fmt.Errorf("council requires at least one model")
	}
	if c.ChairmanModel == "" {
		return fmt.Errorf("chairman model is required")
	}
	for _, m := range c.CouncilModels {
		if m == c.ChairmanModel {
			return fmt.Errorf("chairman model %q must not be a council model", c.ChairmanModel)
		}
	}
	if c.BootstrapIterations < 1 || c.BootstrapIterations > 20 {
		return fmt.Errorf("bootstrap_iterations must be in [1,20], got %d", c.BootstrapIterations)
	}
	switch c.AggregationMethod {
	case AggregationBorda, AggregationPositionAvg, AggregationConsensus:
	default:
		return fmt.Errorf("unknown aggregation method %q", c.AggregationMethod)
	}
	return nil
}

// ErrInsufficientResponses is raised when fewer than two council models
// produce a first opinion (fewer than one for a single-model council).
var ErrInsufficientResponses = errors.New("council: insufficient stage-1 responses")

// BootstrapConfig records the randomization setup of a run for audit.
type BootstrapConfig struct {
	Iterations  int         `json:"iterations"`
	Criteria    []string    `json:"criteria"`
	Aggregation Aggregation `json:"aggregation"`
	Seeded      bool        `json:"seeded"`
}

// Opinion is one stage-1 response with its anonymized label.
type Opinion struct {
	ModelID string `json:"model_id"`
	Label   string `json:"label"`
	Text    string `json:"text"`
}

// Run is the per-assessment council record. Fields populate monotonically;
// after Stage3Text is set the run is immutable and revisions append a new
// run to the assessment's history.
type Run struct {
	AssessmentID     string                `json:"assessment_id"`
	Opinions         []Opinion             `json:"opinions"`
	Stage1           map[string]string     `json:"stage1"`
	Stage2           map[string][][]string `json:"stage2"`            // evaluator -> rankings per iteration (original labels)
	Stage2Aggregated map[string][]string   `json:"stage2_aggregated"` // evaluator -> consensus ranking (original labels)
	Stage3Text       string                `json:"stage3_text"`
	Bootstrap        BootstrapConfig       `json:"bootstrap_config"`
	RetryCount       int                   `json:"retry_count"`
	Errors           []string              `json:"errors"`
	ChairmanFallback bool                  `json:"chairman_fallback"`
	StartedAt        time.Time             `json:"started_at"`
	CompletedAt      time.Time             `json:"completed_at"`
}
