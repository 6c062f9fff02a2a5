package workflow

import (
	"fmt"
	"strings"
	"time"

	"riacouncil/internal/council"
	"riacouncil/internal/report"
	"riacouncil/internal/retrieval"
	"riacouncil/internal/review"
	"riacouncil/internal/vectorstore"
)

// MinProposalWords is the validation floor for submissions.
const MinProposalWords = 50

// ValidationError rejects a submission synchronously with guidance.
type ValidationError struct {
	InputReceived string   `json:"input_received"`
	Guidance      string   `json:"guidance"`
	Examples      []string `json:"examples"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proposal validation failed: %s", e.Guidance)
}

// validateProposal enforces the minimum proposal length.
func validateProposal(text string) error {
	words := len(strings.Fields(text))
	if words >= MinProposalWords {
		return nil
	}
	return &ValidationError{
		InputReceived: text,
		Guidance: fmt.Sprintf(
			"a proposal must contain at least %d words to assess; received %d. Describe the regulatory measure, its scope, affected parties, and intended outcome.",
			MinProposalWords, words),
		Examples: []string{
			"A proposal to require all online platforms operating in Belgium with more than one million monthly users to conduct annual algorithmic risk audits, covering recommender systems and advertising targeting, with results filed to the telecom regulator and summaries published for consumers.",
			"A proposal establishing a deposit-return scheme for single-use beverage containers, setting a 20 cent deposit, obliging retailers above 200 square meters to install return points, and directing unclaimed deposits to municipal litter prevention programs.",
		},
	}
}

// Assessment is the top-level entity, owned exclusively by the workflow
// engine. Terminal states: Completed (approved), rejected review states,
// Failed, Cancelled.
type Assessment struct {
	ID                 string                `json:"assessment_id"`
	ProposalText       string                `json:"proposal_text"`
	ContextMetadata    vectorstore.Filter    `json:"context_metadata,omitempty"`
	State              State                 `json:"state"`
	CouncilHistory     []*council.Run        `json:"council_history"`
	Report             *report.Report        `json:"report_sections,omitempty"`
	Sources            []retrieval.SourceRef `json:"sources,omitempty"`
	QualityMetrics     report.QualityMetrics `json:"quality_metrics"`
	ReviewDecisions    []review.Decision     `json:"review_decisions"`
	ContextText        string                `json:"context_text,omitempty"`
	ContextEmpty       bool                  `json:"context_empty,omitempty"`
	SynthesisRevisions int                   `json:"synthesis_revisions"`
	ReportRevisions    int                   `json:"report_revisions"`
	FailureReason      string                `json:"failure_reason,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// currentRun returns the latest council run, nil before stage 1.
func (a *Assessment) currentRun() *council.Run {
	if len(a.CouncilHistory) == 0 {
		return nil
	}
	return a.CouncilHistory[len(a.CouncilHistory)-1]
}

// =============================================================================
// EVENTS
// =============================================================================

// EventType enumerates streamed progress events.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow_start"
	EventStage            EventType = "stage"
	EventWorkflowComplete EventType = "workflow_complete"
	EventReviewRequired   EventType = "review_required"
	EventReport           EventType = "report"
	EventValidationError  EventType = "validation_error"
	EventError            EventType = "error"
)

// Event is one streamed progress record.
type Event struct {
	Type  EventType              `json:"type"`
	Stage string                 `json:"stage,omitempty"`
	Node  string                 `json:"node,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}
