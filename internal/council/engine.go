package council

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"riacouncil/internal/gateway"
	"riacouncil/internal/logging"
)

// Engine runs the three-stage council protocol over a model gateway.
type Engine struct {
	client gateway.Client
	cfg    Config
}

// NewEngine validates the configuration and builds an engine.
func NewEngine(client gateway.Client, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{client: client, cfg: cfg}, nil
}

// NewRun creates an empty run record for stage-wise execution.
func NewRun(assessmentID string) *Run {
	return &Run{
		AssessmentID:     assessmentID,
		Stage1:           make(map[string]string),
		Stage2:           make(map[string][][]string),
		Stage2Aggregated: make(map[string][]string),
		StartedAt:        time.Now().UTC(),
	}
}

// NewRevisionRun creates a fresh run for a revision cycle, carrying over
// the completed stage-1 and stage-2 results so only synthesis re-executes.
func NewRevisionRun(prev *Run) *Run {
	run := NewRun(prev.AssessmentID)
	run.Opinions = append(run.Opinions, prev.Opinions...)
	for k, v := range prev.Stage1 {
		run.Stage1[k] = v
	}
	for k, v := range prev.Stage2 {
		cp := make([][]string, len(v))
		for i, ranking := range v {
			r := make([]string, len(ranking))
			copy(r, ranking)
			cp[i] = r
		}
		run.Stage2[k] = cp
	}
	for k, v := range prev.Stage2Aggregated {
		cp := make([]string, len(v))
		copy(cp, v)
		run.Stage2Aggregated[k] = cp
	}
	run.Bootstrap = prev.Bootstrap
	return run
}

// CouncilSize returns the number of configured council models.
func (e *Engine) CouncilSize() int { return len(e.cfg.CouncilModels) }

// Run executes the full protocol for one assessment. feedback, when
// non-empty, carries reviewer comments from a revision cycle and is
// appended to the chairman prompt. The returned Run is complete and
// immutable; revision cycles create a new Run.
func (e *Engine) Run(ctx context.Context, assessmentID, proposal, contextText, feedback string) (*Run, error) {
	timer := logging.StartTimer(logging.CategoryCouncil, "Run")
	defer timer.Stop()

	run := NewRun(assessmentID)

	if err := e.Stage1(ctx, run, proposal, contextText); err != nil {
		return run, err
	}
	if err := e.Stage2(ctx, run, proposal); err != nil {
		return run, err
	}
	if err := e.Stage3(ctx, run, proposal, contextText, feedback); err != nil {
		return run, err
	}

	run.CompletedAt = time.Now().UTC()
	logging.Council("Council run complete for %s: %d opinions, %d evaluators, fallback=%v",
		assessmentID, len(run.Opinions), len(run.Stage2Aggregated), run.ChairmanFallback)
	return run, nil
}

// =============================================================================
// STAGE 1 — FIRST OPINIONS
// =============================================================================

func (e *Engine) Stage1(ctx context.Context, run *Run, proposal, contextText string) error {
	logging.Council("Stage 1: querying %d council models", len(e.cfg.CouncilModels))

	messages := []gateway.Message{
		{Role: gateway.RoleSystem, Content: firstOpinionSystem},
		{Role: gateway.RoleUser, Content: buildFirstOpinionPrompt(proposal, contextText)},
	}
	results := gateway.QueryParallel(ctx, e.client, e.cfg.CouncilModels, messages, gateway.Params{
		Temperature: 0.3,
		Timeout:     e.cfg.CallTimeout,
	})

	// Enumeration order follows the configured council order so labels are
	// stable across runs.
	for _, modelID := range e.cfg.CouncilModels {
		r := results[modelID]
		if r.Err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("stage1 %s: %v", modelID, r.Err))
			logging.Get(logging.CategoryCouncil).Warn("Stage 1 model %s failed: %v", modelID, r.Err)
			continue
		}
		label := responseLabel(len(run.Opinions))
		run.Opinions = append(run.Opinions, Opinion{ModelID: modelID, Label: label, Text: r.Response.Content})
		run.Stage1[modelID] = r.Response.Content
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	// A single-model council legitimately produces one opinion; a larger
	// council needs at least two survivors to deliberate.
	minimum := 2
	if len(e.cfg.CouncilModels) == 1 {
		minimum = 1
	}
	if len(run.Opinions) < minimum {
		return fmt.Errorf("%w: %d of %d responses", ErrInsufficientResponses, len(run.Opinions), len(e.cfg.CouncilModels))
	}
	return nil
}

// =============================================================================
// STAGE 2 — BOOTSTRAP PEER RANKING
// =============================================================================

func (e *Engine) Stage2(ctx context.Context, run *Run, proposal string) error {
	n := len(run.Opinions)
	if n < 2 {
		logging.Council("Stage 2 skipped: no peers to rank")
		return nil
	}

	iterations := e.cfg.BootstrapIterations
	seeded := true
	if !e.cfg.EnableBootstrap || iterations == 0 {
		// Degraded mode: one non-randomized ranking pass per evaluator.
		iterations = 1
		seeded = false
	}

	criteria := e.cfg.Criteria
	if len(criteria) == 0 {
		criteria = DefaultCriteria
	}

	run.Bootstrap = BootstrapConfig{
		Iterations:  iterations,
		Aggregation: e.cfg.AggregationMethod,
		Seeded:      seeded,
	}

	logging.Council("Stage 2: %d bootstrap iterations over %d responses", iterations, n)

	for i := 0; i < iterations; i++ {
		criterion := criterionFor(criteria, i)
		run.Bootstrap.Criteria = append(run.Bootstrap.Criteria, criterion.Name)

		pi := identity(n)
		if seeded {
			pi = permute(run.AssessmentID, i, n)
		}
		presented := presentOpinions(run.Opinions, pi)

		messages := []gateway.Message{
			{Role: gateway.RoleSystem, Content: rankingSystem},
			{Role: gateway.RoleUser, Content: buildRankingPrompt(proposal, criterion, presented)},
		}
		results := gateway.QueryParallel(ctx, e.client, e.cfg.CouncilModels, messages, gateway.Params{
			Temperature: 0.0,
			Timeout:     e.cfg.CallTimeout,
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for _, evaluator := range e.cfg.CouncilModels {
			r := results[evaluator]
			if r.Err != nil {
				run.Errors = append(run.Errors, fmt.Sprintf("stage2 iter %d %s: %v", i, evaluator, r.Err))
				continue
			}
			ranking, err := parseRanking(r.Response.Content, pi, n)
			if err != nil {
				// Parse failures drop the iteration for that evaluator only.
				run.Errors = append(run.Errors, fmt.Sprintf("stage2 iter %d %s: unparseable ranking: %v", i, evaluator, err))
				logging.Get(logging.CategoryCouncil).Warn("Dropping iteration %d for evaluator %s: %v", i, evaluator, err)
				continue
			}
			run.Stage2[evaluator] = append(run.Stage2[evaluator], ranking)
		}
	}

	// An evaluator needs a majority of valid iterations to contribute a
	// consensus ranking to stage 3.
	required := int(math.Ceil(float64(iterations) / 2))
	for _, evaluator := range e.cfg.CouncilModels {
		valid := run.Stage2[evaluator]
		if len(valid) < required {
			if len(valid) > 0 || run.Stage1[evaluator] != "" {
				run.Errors = append(run.Errors, fmt.Sprintf(
					"stage2 %s: only %d/%d valid iterations, ranking omitted", evaluator, len(valid), iterations))
			}
			continue
		}
		run.Stage2Aggregated[evaluator] = aggregateRankings(valid, n, e.cfg.AggregationMethod)
	}

	logging.Council("Stage 2 complete: %d/%d evaluators aggregated", len(run.Stage2Aggregated), len(e.cfg.CouncilModels))
	return nil
}

func identity(n int) []int {
	pi := make([]int, n)
	for i := range pi {
		pi[i] = i
	}
	return pi
}

// =============================================================================
// STAGE 3 — CHAIRMAN SYNTHESIS
// =============================================================================

func (e *Engine) Stage3(ctx context.Context, run *Run, proposal, contextText, feedback string) error {
	logging.Council("Stage 3: invoking chairman %s", e.cfg.ChairmanModel)

	messages := []gateway.Message{
		{Role: gateway.RoleSystem, Content: chairmanSystem},
		{Role: gateway.RoleUser, Content: buildChairmanPrompt(proposal, contextText, run, feedback)},
	}

	resp, err := e.client.Query(ctx, e.cfg.ChairmanModel, messages, gateway.Params{
		Temperature: 0.2,
		MaxTokens:   8192,
		Timeout:     e.cfg.ChairmanTimeout,
	})
	if err == nil {
		run.Stage3Text = resp.Content
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	run.Errors = append(run.Errors, fmt.Sprintf("stage3 %s: %v", e.cfg.ChairmanModel, err))
	if !gateway.IsPermanent(err) || !e.cfg.ChairmanFallback {
		return fmt.Errorf("chairman synthesis failed: %w", err)
	}

	// Fallback: the highest Borda-scored stage-1 response stands in for the
	// chairman output, flagged so reviewers know.
	fallback := e.pickFallback(run)
	if fallback == nil {
		return fmt.Errorf("chairman synthesis failed and no fallback response available: %w", err)
	}
	logging.Council("Chairman failed permanently; falling back to %s (%s)", fallback.Label, fallback.ModelID)
	run.Stage3Text = fallback.Text
	run.ChairmanFallback = true
	return nil
}

// pickFallback selects the stage-1 opinion with the highest total Borda
// score across all evaluators' iterations; ties break on label order. With
// no stage-2 data the first opinion wins.
func (e *Engine) pickFallback(run *Run) *Opinion {
	if len(run.Opinions) == 0 {
		return nil
	}
	totals := bordaTotals(run.Stage2, len(run.Opinions))

	best := 0
	ordered := make([]int, len(run.Opinions))
	for i := range ordered {
		ordered[i] = i
	}
	sort.Slice(ordered, func(a, b int) bool {
		sa := totals[run.Opinions[ordered[a]].Label]
		sb := totals[run.Opinions[ordered[b]].Label]
		if sa != sb {
			return sa > sb
		}
		return ordered[a] < ordered[b]
	})
	best = ordered[0]
	return &run.Opinions[best]
}
