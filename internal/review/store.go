// Package review stores human-review queues, decisions, and SLA tracking.
// Reviews are externally driven: the workflow enqueues an entry, emits a
// review_required event, and suspends until a decision arrives.
package review

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"riacouncil/internal/logging"
	"riacouncil/internal/store"
)

// Type distinguishes the two review checkpoints.
type Type string

const (
	TypeSynthesis Type = "synthesis"
	TypeReport    Type = "report"
)

// Action is the closed reviewer decision set.
type Action string

const (
	ActionApprove         Action = "approve"
	ActionRequestRevision Action = "request_revision"
	ActionReject          Action = "reject"
	ActionEdit            Action = "edit"
)

// Priority buckets SLA deadlines.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Status tracks a queue entry's lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusDecided Status = "decided"
)

// Decision is a recorded reviewer decision.
type Decision struct {
	ReviewType       Type      `json:"review_type"`
	Action           Action    `json:"decision"`
	Comments         string    `json:"comments"`
	ReviewerID       string    `json:"reviewer_id"`
	ReviewedAt       time.Time `json:"reviewed_at"`
	RevisionFeedback string    `json:"revision_feedback,omitempty"`
	EditedContent    string    `json:"edited_content,omitempty"`
}

// Entry is a review queue item.
type Entry struct {
	ID           string
	AssessmentID string
	ReviewType   Type
	Priority     Priority
	Status       Status
	AssignedAt   time.Time
	SLADeadline  time.Time
	Decision     *Decision
}

// SLAConfig maps review types and priorities to deadlines.
type SLAConfig struct {
	Synthesis time.Duration            `yaml:"-"`
	Report    time.Duration            `yaml:"-"`
	Priority  map[Priority]float64     `yaml:"priority_factors"` // deadline multipliers
}

// DefaultSLAConfig returns the default deadlines: 24h for synthesis
// reviews, 48h for report reviews, with priority multipliers.
func DefaultSLAConfig() SLAConfig {
	return SLAConfig{
		Synthesis: 24 * time.Hour,
		Report:    48 * time.Hour,
		Priority: map[Priority]float64{
			PriorityHigh:   0.5,
			PriorityNormal: 1.0,
			PriorityLow:    2.0,
		},
	}
}

// Deadline computes the SLA deadline for an assignment.
func (c SLAConfig) Deadline(reviewType Type, priority Priority, assignedAt time.Time) time.Time {
	base := c.Synthesis
	if reviewType == TypeReport {
		base = c.Report
	}
	factor, ok := c.Priority[priority]
	if !ok || factor <= 0 {
		factor = 1.0
	}
	return assignedAt.Add(time.Duration(float64(base) * factor))
}

// Store persists review queue entries and decisions in the shared sqlite
// database.
type Store struct {
	db  *store.DB
	sla SLAConfig
}

// NewStore creates a review store over a shared database.
func NewStore(db *store.DB, sla SLAConfig) *Store {
	if sla.Synthesis == 0 {
		sla = DefaultSLAConfig()
	}
	return &Store{db: db, sla: sla}
}

// Enqueue creates a pending review entry with its SLA deadline computed on
// assignment.
func (s *Store) Enqueue(assessmentID string, reviewType Type, priority Priority) (Entry, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	now := time.Now().UTC()
	e := Entry{
		ID:           uuid.NewString(),
		AssessmentID: assessmentID,
		ReviewType:   reviewType,
		Priority:     priority,
		Status:       StatusPending,
		AssignedAt:   now,
		SLADeadline:  s.sla.Deadline(reviewType, priority, now),
	}

	s.db.Lock()
	defer s.db.Unlock()
	_, err := s.db.Handle().Exec(
		`INSERT INTO reviews (id, assessment_id, review_type, priority, status, assigned_at, sla_deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AssessmentID, string(e.ReviewType), string(e.Priority), string(e.Status), e.AssignedAt, e.SLADeadline,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to enqueue review: %w", err)
	}

	logging.Review("Enqueued %s review for %s (priority=%s, deadline=%s)",
		reviewType, assessmentID, priority, e.SLADeadline.Format(time.RFC3339))
	return e, nil
}

// Decide records a decision against the oldest pending entry of the given
// type for the assessment.
func (s *Store) Decide(assessmentID string, reviewType Type, d Decision) (Entry, error) {
	s.db.Lock()
	defer s.db.Unlock()

	row := s.db.Handle().QueryRow(
		`SELECT id, priority, assigned_at, sla_deadline FROM reviews
		 WHERE assessment_id = ? AND review_type = ? AND status = ?
		 ORDER BY assigned_at ASC LIMIT 1`,
		assessmentID, string(reviewType), string(StatusPending),
	)
	var e Entry
	if err := row.Scan(&e.ID, &e.Priority, &e.AssignedAt, &e.SLADeadline); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, fmt.Errorf("no pending %s review for assessment %s", reviewType, assessmentID)
		}
		return Entry{}, fmt.Errorf("failed to find pending review: %w", err)
	}

	if d.ReviewedAt.IsZero() {
		d.ReviewedAt = time.Now().UTC()
	}
	_, err := s.db.Handle().Exec(
		`UPDATE reviews SET status=?, decision=?, comments=?, reviewer_id=?, reviewed_at=?, revision_feedback=?
		 WHERE id=?`,
		string(StatusDecided), string(d.Action), d.Comments, d.ReviewerID, d.ReviewedAt, d.RevisionFeedback, e.ID,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record decision: %w", err)
	}

	e.AssessmentID = assessmentID
	e.ReviewType = reviewType
	e.Status = StatusDecided
	e.Decision = &d

	logging.Review("Recorded %s decision %s for %s by %s", reviewType, d.Action, assessmentID, d.ReviewerID)
	return e, nil
}

// Pending lists pending entries, optionally filtered by review type.
func (s *Store) Pending(reviewType Type) ([]Entry, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	query := `SELECT id, assessment_id, review_type, priority, assigned_at, sla_deadline FROM reviews
	          WHERE status = ? ORDER BY sla_deadline ASC`
	args := []interface{}{string(StatusPending)}
	if reviewType != "" {
		query = `SELECT id, assessment_id, review_type, priority, assigned_at, sla_deadline FROM reviews
		         WHERE status = ? AND review_type = ? ORDER BY sla_deadline ASC`
		args = append(args, string(reviewType))
	}
	return s.scanEntries(query, args...)
}

// Overdue lists pending entries whose SLA deadline has passed.
func (s *Store) Overdue(now time.Time) ([]Entry, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	return s.scanEntries(
		`SELECT id, assessment_id, review_type, priority, assigned_at, sla_deadline FROM reviews
		 WHERE status = ? AND sla_deadline < ? ORDER BY sla_deadline ASC`,
		string(StatusPending), now.UTC(),
	)
}

func (s *Store) scanEntries(query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.Handle().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var rt, prio string
		if err := rows.Scan(&e.ID, &e.AssessmentID, &rt, &prio, &e.AssignedAt, &e.SLADeadline); err != nil {
			logging.Get(logging.CategoryReview).Warn("Review row scan failed: %v", err)
			continue
		}
		e.ReviewType = Type(rt)
		e.Priority = Priority(prio)
		e.Status = StatusPending
		out = append(out, e)
	}
	return out, rows.Err()
}
