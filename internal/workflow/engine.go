package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"riacouncil/internal/corpus"
	"riacouncil/internal/council"
	"riacouncil/internal/graph"
	"riacouncil/internal/logging"
	"riacouncil/internal/metrics"
	"riacouncil/internal/report"
	"riacouncil/internal/retrieval"
	"riacouncil/internal/review"
	"riacouncil/internal/store"
	"riacouncil/internal/vectorstore"
)

// FailureRevisionLimit is the failure reason recorded when a review type
// exceeds its revision budget.
const FailureRevisionLimit = "revision_limit_exceeded"

// Config holds workflow engine settings.
type Config struct {
	RevisionLimit   int             `yaml:"revision_limit"`
	ReviewPriority  review.Priority `yaml:"review_priority"`
	VectorStorePath string          `yaml:"vector_store_path"`
	GraphPath       string          `yaml:"graph_path"`
}

// DefaultConfig returns workflow defaults.
func DefaultConfig() Config {
	return Config{
		RevisionLimit:  3,
		ReviewPriority: review.PriorityNormal,
	}
}

// Engine owns every assessment's lifecycle: single-threaded per
// assessment, many assessments concurrently.
type Engine struct {
	cfg       Config
	db        *store.DB
	reviews   *review.Store
	retriever *retrieval.Orchestrator
	council   *council.Engine
	vector    *vectorstore.Store
	graph     *graph.Graph

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-assessment runtime: the event stream, the review
// decision channel, and the cancellation hook.
type session struct {
	events    chan Event
	decisions chan review.Decision
	cancel    context.CancelFunc
}

// NewEngine assembles the workflow engine.
func NewEngine(cfg Config, db *store.DB, reviews *review.Store, retriever *retrieval.Orchestrator,
	councilEngine *council.Engine, vector *vectorstore.Store, g *graph.Graph) *Engine {
	if cfg.RevisionLimit <= 0 {
		cfg.RevisionLimit = 3
	}
	if cfg.ReviewPriority == "" {
		cfg.ReviewPriority = review.PriorityNormal
	}
	return &Engine{
		cfg:       cfg,
		db:        db,
		reviews:   reviews,
		retriever: retriever,
		council:   councilEngine,
		vector:    vector,
		graph:     g,
		sessions:  make(map[string]*session),
	}
}

// =============================================================================
// INBOUND INTERFACE
// =============================================================================

// CreateAssessment validates a submission and persists a Draft assessment.
// Proposals under the word floor are rejected synchronously; no record is
// created.
func (e *Engine) CreateAssessment(proposalText string, contextMetadata vectorstore.Filter) (string, error) {
	if err := validateProposal(proposalText); err != nil {
		return "", err
	}

	a := &Assessment{
		ID:              uuid.NewString(),
		ProposalText:    proposalText,
		ContextMetadata: contextMetadata,
		State:           StateDraft,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := e.save(a); err != nil {
		return "", err
	}
	metrics.AssessmentsStarted.Inc()
	logging.Workflow("Assessment %s created (%d words)", a.ID, len(strings.Fields(a.ProposalText)))
	return a.ID, nil
}

// GetAssessment loads a persisted assessment.
func (e *Engine) GetAssessment(id string) (*Assessment, error) {
	_, doc, err := e.db.LoadAssessment(id)
	if err != nil {
		return nil, err
	}
	var a Assessment
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("corrupt assessment record %s: %w", id, err)
	}
	return &a, nil
}

// GetStatus returns the current state of an assessment.
func (e *Engine) GetStatus(id string) (State, error) {
	state, _, err := e.db.LoadAssessment(id)
	return State(state), err
}

// GetReport returns the structured report of an assessment.
func (e *Engine) GetReport(id string) (*report.Report, error) {
	a, err := e.GetAssessment(id)
	if err != nil {
		return nil, err
	}
	if a.Report == nil {
		return nil, fmt.Errorf("assessment %s has no report yet (state=%s)", id, a.State)
	}
	return a.Report, nil
}

// List returns assessment summaries, optionally filtered by state.
func (e *Engine) List(state State) ([]store.AssessmentSummary, error) {
	return e.db.ListAssessments(string(state))
}

// Subscribe returns the progress event stream of a running assessment.
// The channel closes when the run ends.
func (e *Engine) Subscribe(id string) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("assessment %s is not running", id)
	}
	return sess.events, nil
}

// Review delivers a reviewer decision to a running assessment awaiting
// review. The decision is persisted in the review store and forwarded to
// the workflow's decision channel.
func (e *Engine) Review(id string, reviewType review.Type, d review.Decision) error {
	d.ReviewType = reviewType
	if d.ReviewedAt.IsZero() {
		d.ReviewedAt = time.Now().UTC()
	}

	e.mu.Lock()
	sess, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("assessment %s is not running; resume it before reviewing", id)
	}

	if _, err := e.reviews.Decide(id, reviewType, d); err != nil {
		return err
	}

	select {
	case sess.decisions <- d:
		return nil
	default:
		return fmt.Errorf("assessment %s is not awaiting a %s decision", id, reviewType)
	}
}

// Cancel requests cooperative cancellation of a running assessment. The
// workflow transitions to Cancelled after the current in-flight I/O
// resolves; no new I/O starts.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	if !ok {
		return fmt.Errorf("assessment %s is not running", id)
	}
	sess.cancel()
	return nil
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Run drives an assessment from its current persisted state to a terminal
// state. It is the resume entrypoint too: on cold start the loop picks up
// from the last persisted milestone, and completed council stages are
// never re-executed.
func (e *Engine) Run(ctx context.Context, id string) error {
	a, err := e.GetAssessment(id)
	if err != nil {
		return err
	}
	if IsTerminal(a.State) {
		return fmt.Errorf("assessment %s already terminal (%s)", id, a.State)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		events:    make(chan Event, 64),
		decisions: make(chan review.Decision, 1),
		cancel:    cancel,
	}
	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("assessment %s is already running", id)
	}
	e.sessions[id] = sess
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
		close(sess.events)
	}()

	e.emit(sess, Event{Type: EventWorkflowStart, Stage: string(a.State)})
	logging.Workflow("Run loop starting for %s at state %s", id, a.State)

	for !IsTerminal(a.State) {
		if ctx.Err() != nil {
			e.cancelAssessment(sess, a)
			return nil
		}
		if err := e.step(ctx, sess, a); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.cancelAssessment(sess, a)
				return nil
			}
			e.failAssessment(sess, a, err.Error())
			return nil
		}
	}

	if a.State == StateCompleted {
		metrics.AssessmentsCompleted.Inc()
		e.emit(sess, Event{Type: EventWorkflowComplete})
	}
	return nil
}

// step executes one state's work and transitions. Single-threaded per
// assessment: suspension happens only inside I/O calls.
func (e *Engine) step(ctx context.Context, sess *session, a *Assessment) error {
	switch a.State {
	case StateDraft:
		return e.transition(sess, a, StatePreprocessing, nil)

	case StatePreprocessing:
		return e.preprocess(ctx, sess, a)

	case StateStage1Running:
		run := a.currentRun()
		if len(run.Opinions) == 0 {
			if err := e.council.Stage1(ctx, run, a.ProposalText, a.ContextText); err != nil {
				return err
			}
		}
		return e.transition(sess, a, StateStage1Complete, nil)

	case StateStage1Complete:
		if len(a.currentRun().Opinions) < 2 {
			// Single response: no peers to rank, stage 2 is skipped.
			return e.transition(sess, a, StateStage3Running, map[string]interface{}{"stage2": "skipped"})
		}
		return e.transition(sess, a, StateStage2Running, nil)

	case StateStage2Running:
		run := a.currentRun()
		if len(run.Stage2Aggregated) == 0 && len(run.Stage2) == 0 {
			timer := metrics.StageTimer("stage2")
			if err := e.council.Stage2(ctx, run, a.ProposalText); err != nil {
				timer.ObserveDuration()
				return err
			}
			timer.ObserveDuration()
		}
		return e.transition(sess, a, StateStage2Complete, nil)

	case StateStage2Complete:
		return e.transition(sess, a, StateStage3Running, nil)

	case StateStage3Running:
		run := a.currentRun()
		if run.Stage3Text == "" {
			timer := metrics.StageTimer("stage3")
			err := e.council.Stage3(ctx, run, a.ProposalText, a.ContextText, e.latestRevisionFeedback(a))
			timer.ObserveDuration()
			if err != nil {
				return err
			}
			run.CompletedAt = time.Now().UTC()
		}
		return e.transition(sess, a, StateStage3Complete, nil)

	case StateStage3Complete:
		return e.transition(sess, a, StateSynthesisReviewPending, nil)

	case StateSynthesisReviewPending, StateSynthesisReviewInProgress:
		return e.awaitReview(ctx, sess, a, review.TypeSynthesis)

	case StateSynthesisApproved:
		return e.transition(sess, a, StateExtractingData, nil)

	case StateSynthesisRevisionRequested:
		a.SynthesisRevisions++
		if prev := a.currentRun(); prev != nil {
			a.CouncilHistory = append(a.CouncilHistory, council.NewRevisionRun(prev))
		} else {
			a.CouncilHistory = append(a.CouncilHistory, council.NewRun(a.ID))
		}
		return e.transition(sess, a, StateStage3Running, map[string]interface{}{"revision": a.SynthesisRevisions})

	case StateExtractingData:
		e.extract(a)
		return e.transition(sess, a, StateGeneratingReport, nil)

	case StateGeneratingReport:
		// Regeneration reuses the prior stage-3 text; extraction re-runs.
		e.extract(a)
		e.emit(sess, Event{Type: EventReport, Data: map[string]interface{}{"assessment_id": a.ID}})
		return e.transition(sess, a, StateReportReviewPending, nil)

	case StateReportReviewPending, StateReportReviewInProgress:
		return e.awaitReview(ctx, sess, a, review.TypeReport)

	case StateReportApproved, StateReportEditRequested:
		return e.transition(sess, a, StateUpdatingKnowledge, nil)

	case StateReportRegenRequested:
		a.ReportRevisions++
		return e.transition(sess, a, StateGeneratingReport, map[string]interface{}{"revision": a.ReportRevisions})

	case StateUpdatingKnowledge:
		if err := e.updateKnowledge(ctx, a); err != nil {
			return err
		}
		return e.transition(sess, a, StateCompleted, nil)

	default:
		return &StateError{From: a.State, To: a.State}
	}
}

// preprocess runs retrieval and context synthesis. Quality-gate failures
// route to human review instead of failing the workflow.
func (e *Engine) preprocess(ctx context.Context, sess *session, a *Assessment) error {
	bundle, err := e.retriever.Retrieve(ctx, a.ProposalText, a.ContextMetadata)
	if err != nil {
		var insufficient *retrieval.InsufficientContextError
		if errors.As(err, &insufficient) {
			metrics.RetrievalGateFailures.Inc()
			a.ContextEmpty = insufficient.Empty
			meta := map[string]interface{}{"reason": "insufficient_context"}
			if insufficient.Empty {
				meta["context"] = "empty"
			}
			logging.Get(logging.CategoryWorkflow).Warn("Assessment %s: %v; routing to human review", a.ID, err)
			return e.transition(sess, a, StateSynthesisReviewPending, meta)
		}
		return err
	}

	a.ContextText = bundle.Text
	a.Sources = bundle.Sources
	a.CouncilHistory = append(a.CouncilHistory, council.NewRun(a.ID))
	return e.transition(sess, a, StateStage1Running, map[string]interface{}{
		"strategy": string(bundle.Strategy),
		"expanded": bundle.Expanded,
		"sources":  len(bundle.Sources),
	})
}

// extract parses the chairman output into the structured report and
// refreshes quality metrics.
func (e *Engine) extract(a *Assessment) {
	known := make(map[string]bool, len(a.Sources)*2)
	for _, s := range a.Sources {
		known[s.ChunkID] = true
		if s.DocumentID != "" {
			known[s.DocumentID] = true
		}
	}
	var synthesis string
	if run := a.currentRun(); run != nil {
		synthesis = run.Stage3Text
	}
	a.Report = report.Extract(synthesis, known)
	a.QualityMetrics = a.Report.Metrics
}

// awaitReview enqueues a review entry (re-binding to an existing pending
// entry on resume), emits review_required, and suspends until a decision
// arrives or the run is cancelled.
func (e *Engine) awaitReview(ctx context.Context, sess *session, a *Assessment, reviewType review.Type) error {
	pending, err := e.reviews.Pending(reviewType)
	if err != nil {
		return err
	}
	bound := false
	for _, entry := range pending {
		if entry.AssessmentID == a.ID {
			bound = true
			break
		}
	}
	if !bound {
		if _, err := e.reviews.Enqueue(a.ID, reviewType, e.cfg.ReviewPriority); err != nil {
			return err
		}
	}

	e.emit(sess, Event{Type: EventReviewRequired, Data: map[string]interface{}{
		"type":          string(reviewType),
		"assessment_id": a.ID,
	}})
	logging.Workflow("Assessment %s awaiting %s review", a.ID, reviewType)

	var d review.Decision
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d = <-sess.decisions:
	}

	inProgress := StateSynthesisReviewInProgress
	if reviewType == review.TypeReport {
		inProgress = StateReportReviewInProgress
	}
	if a.State != inProgress {
		if err := e.transition(sess, a, inProgress, nil); err != nil {
			return err
		}
	}

	a.ReviewDecisions = append(a.ReviewDecisions, d)
	return e.applyDecision(sess, a, reviewType, d)
}

// applyDecision maps a reviewer decision onto the state machine, bounding
// revisions per review type.
func (e *Engine) applyDecision(sess *session, a *Assessment, reviewType review.Type, d review.Decision) error {
	meta := map[string]interface{}{"decision": string(d.Action), "reviewer": d.ReviewerID}

	if reviewType == review.TypeSynthesis {
		switch d.Action {
		case review.ActionApprove, review.ActionEdit:
			return e.transition(sess, a, StateSynthesisApproved, meta)
		case review.ActionRequestRevision:
			if a.SynthesisRevisions >= e.cfg.RevisionLimit {
				return errors.New(FailureRevisionLimit)
			}
			return e.transition(sess, a, StateSynthesisRevisionRequested, meta)
		case review.ActionReject:
			return e.transition(sess, a, StateSynthesisRejected, meta)
		}
		return fmt.Errorf("unknown synthesis review action %q", d.Action)
	}

	switch d.Action {
	case review.ActionApprove:
		return e.transition(sess, a, StateReportApproved, meta)
	case review.ActionEdit:
		if d.EditedContent != "" && a.Report != nil {
			// Reviewer-edited synthesis replaces the extraction input.
			run := a.currentRun()
			if run != nil {
				run.Stage3Text = d.EditedContent
			}
			e.extract(a)
		}
		return e.transition(sess, a, StateReportEditRequested, meta)
	case review.ActionRequestRevision:
		if a.ReportRevisions >= e.cfg.RevisionLimit {
			return errors.New(FailureRevisionLimit)
		}
		return e.transition(sess, a, StateReportRegenRequested, meta)
	case review.ActionReject:
		return e.transition(sess, a, StateReportRejected, meta)
	}
	return fmt.Errorf("unknown report review action %q", d.Action)
}

// latestRevisionFeedback returns the most recent synthesis revision
// feedback, empty on the first pass.
func (e *Engine) latestRevisionFeedback(a *Assessment) string {
	for i := len(a.ReviewDecisions) - 1; i >= 0; i-- {
		d := a.ReviewDecisions[i]
		if d.ReviewType == review.TypeSynthesis && d.Action == review.ActionRequestRevision {
			if d.RevisionFeedback != "" {
				return d.RevisionFeedback
			}
			return d.Comments
		}
	}
	return ""
}

// updateKnowledge folds the finalized assessment back into the corpus as
// an analysis chunk. Both stores dedupe by id and content hash, so
// repeated finalization is safe.
func (e *Engine) updateKnowledge(ctx context.Context, a *Assessment) error {
	if e.vector == nil || a.Report == nil {
		return nil
	}
	summary := a.Report.Sections["Executive Summary"]
	if summary == "" {
		summary = a.Report.Sections["Overall Assessment Summary"]
	}
	if summary == "" {
		logging.WorkflowDebug("Assessment %s produced no summary; knowledge base unchanged", a.ID)
		return nil
	}

	chunk := corpus.Chunk{
		ID:               "assessment:" + a.ID,
		Kind:             corpus.KindAnalysis,
		Content:          summary,
		SourceDocumentID: "assessment:" + a.ID,
		Metadata: corpus.Metadata{
			Jurisdiction: "BE",
			DocumentType: "ria",
			Year:         a.CreatedAt.Year(),
			Categories:   retrieval.ExtractFeatures(a.ProposalText).Categories,
		},
		TokenCount: corpus.EstimateTokens(summary),
	}

	if err := e.vector.Add(ctx, []corpus.Chunk{chunk}); err != nil {
		return fmt.Errorf("knowledge base update failed: %w", err)
	}
	if e.graph != nil {
		if err := e.graph.BuildFromChunks([]corpus.Chunk{chunk}); err != nil {
			return fmt.Errorf("graph update failed: %w", err)
		}
	}

	// New combined state is staged and swapped; a crash mid-update leaves
	// the previous blobs intact.
	if e.cfg.VectorStorePath != "" {
		if err := e.vector.Persist(e.cfg.VectorStorePath); err != nil {
			return err
		}
	}
	if e.cfg.GraphPath != "" && e.graph != nil {
		if err := e.graph.Persist(e.cfg.GraphPath); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSITIONS, PERSISTENCE, EVENTS
// =============================================================================

// transition validates against the static table, persists the audit
// record and the updated assessment, and emits a stage event.
func (e *Engine) transition(sess *session, a *Assessment, to State, meta map[string]interface{}) error {
	from := a.State
	if err := ValidateTransition(from, to); err != nil {
		return err
	}

	a.State = to
	a.UpdatedAt = time.Now().UTC()

	metaJSON := ""
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err == nil {
			metaJSON = string(raw)
		}
	}
	if err := e.db.RecordTransition(a.ID, string(from), string(to), metaJSON); err != nil {
		return err
	}
	if err := e.save(a); err != nil {
		return err
	}

	logging.WorkflowDebug("Assessment %s: %s -> %s", a.ID, from, to)
	e.emit(sess, Event{Type: EventStage, Stage: string(to), Node: string(from), Data: meta})
	return nil
}

func (e *Engine) failAssessment(sess *session, a *Assessment, reason string) {
	a.FailureReason = reason
	if err := e.transition(sess, a, StateFailed, map[string]interface{}{"reason": reason}); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Failed to persist failure of %s: %v", a.ID, err)
	}
	metrics.AssessmentsFailed.Inc()
	e.emit(sess, Event{Type: EventError, Data: map[string]interface{}{"message": reason}})
}

func (e *Engine) cancelAssessment(sess *session, a *Assessment) {
	if err := e.transition(sess, a, StateCancelled, nil); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Failed to persist cancellation of %s: %v", a.ID, err)
	}
	logging.Workflow("Assessment %s cancelled", a.ID)
}

func (e *Engine) save(a *Assessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}
	return e.db.SaveAssessment(a.ID, string(a.State), string(doc), a.CreatedAt)
}

// emit delivers an event without blocking the run loop; a slow subscriber
// loses events rather than stalling the workflow.
func (e *Engine) emit(sess *session, ev Event) {
	select {
	case sess.events <- ev:
	default:
	}
}
