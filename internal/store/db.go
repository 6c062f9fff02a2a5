// Package store provides sqlite persistence for assessment records, the
// state transition audit log, and review queue entries. One DB instance is
// shared across the workflow and review layers; writes are serialized.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"riacouncil/internal/logging"
)

// DB wraps the sqlite handle with the serialization the single-writer
// model requires.
type DB struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// migrations. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection avoids table-lock contention under the
	// serialized write model.
	sqlDB.SetMaxOpenConns(1)

	s := &DB{db: sqlDB}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logging.Store("Database opened at %s", path)
	return s, nil
}

// Close closes the underlying handle.
func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *DB) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS assessments (
			id          TEXT PRIMARY KEY,
			state       TEXT NOT NULL,
			doc         TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			assessment_id TEXT NOT NULL,
			from_state    TEXT NOT NULL,
			to_state      TEXT NOT NULL,
			metadata      TEXT,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_assessment ON transitions(assessment_id)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id            TEXT PRIMARY KEY,
			assessment_id TEXT NOT NULL,
			review_type   TEXT NOT NULL,
			priority      TEXT NOT NULL,
			status        TEXT NOT NULL,
			assigned_at   TIMESTAMP NOT NULL,
			sla_deadline  TIMESTAMP NOT NULL,
			decision      TEXT,
			comments      TEXT,
			reviewer_id   TEXT,
			reviewed_at   TIMESTAMP,
			revision_feedback TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_assessment ON reviews(assessment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ASSESSMENTS
// =============================================================================

// AssessmentSummary is the listing row for an assessment.
type AssessmentSummary struct {
	ID        string
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveAssessment upserts an assessment record (JSON doc plus denormalized
// state for listing).
func (s *DB) SaveAssessment(id, state, doc string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO assessments (id, state, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, doc=excluded.doc, updated_at=excluded.updated_at`,
		id, state, doc, createdAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save assessment %s: %v", id, err)
		return fmt.Errorf("failed to save assessment: %w", err)
	}
	logging.StoreDebug("Saved assessment %s (state=%s)", id, state)
	return nil
}

// LoadAssessment returns the persisted JSON doc and state for id.
func (s *DB) LoadAssessment(id string) (state, doc string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT state, doc FROM assessments WHERE id = ?`, id)
	if err := row.Scan(&state, &doc); err != nil {
		if err == sql.ErrNoRows {
			return "", "", fmt.Errorf("assessment %s not found", id)
		}
		return "", "", fmt.Errorf("failed to load assessment: %w", err)
	}
	return state, doc, nil
}

// ListAssessments returns summaries, optionally filtered by state.
func (s *DB) ListAssessments(stateFilter string) ([]AssessmentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, state, created_at, updated_at FROM assessments ORDER BY created_at DESC`
	args := []interface{}{}
	if stateFilter != "" {
		query = `SELECT id, state, created_at, updated_at FROM assessments WHERE state = ? ORDER BY created_at DESC`
		args = append(args, stateFilter)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	var out []AssessmentSummary
	for rows.Next() {
		var a AssessmentSummary
		if err := rows.Scan(&a.ID, &a.State, &a.CreatedAt, &a.UpdatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Assessment row scan failed: %v", err)
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSITION AUDIT LOG
// =============================================================================

// TransitionRecord is one audited state transition.
type TransitionRecord struct {
	Seq          int64
	AssessmentID string
	From         string
	To           string
	Metadata     string
	CreatedAt    time.Time
}

// RecordTransition appends a (from, to, timestamp, metadata) audit record.
func (s *DB) RecordTransition(assessmentID, from, to, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO transitions (assessment_id, from_state, to_state, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		assessmentID, from, to, metadata, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Transitions returns the full transition history for an assessment in
// order, for audit and resume.
func (s *DB) Transitions(assessmentID string) ([]TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT seq, assessment_id, from_state, to_state, metadata, created_at
		 FROM transitions WHERE assessment_id = ? ORDER BY seq ASC`, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var t TransitionRecord
		if err := rows.Scan(&t.Seq, &t.AssessmentID, &t.From, &t.To, &t.Metadata, &t.CreatedAt); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Handle exposes the raw connection to sibling stores sharing this
// database (the review store).
func (s *DB) Handle() *sql.DB { return s.db }

// Lock/RLock pass the serialization discipline to sibling stores.
func (s *DB) Lock()    { s.mu.Lock() }
func (s *DB) Unlock()  { s.mu.Unlock() }
func (s *DB) RLock()   { s.mu.RLock() }
func (s *DB) RUnlock() { s.mu.RUnlock() }
