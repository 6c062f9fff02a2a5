package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"riacouncil/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, DefaultSLAConfig())
}

func TestSLADeadlines(t *testing.T) {
	sla := DefaultSLAConfig()
	assigned := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if got := sla.Deadline(TypeSynthesis, PriorityNormal, assigned); got != assigned.Add(24*time.Hour) {
		t.Fatalf("synthesis normal deadline = %v, want +24h", got)
	}
	if got := sla.Deadline(TypeReport, PriorityNormal, assigned); got != assigned.Add(48*time.Hour) {
		t.Fatalf("report normal deadline = %v, want +48h", got)
	}
	if got := sla.Deadline(TypeSynthesis, PriorityHigh, assigned); got != assigned.Add(12*time.Hour) {
		t.Fatalf("synthesis high deadline = %v, want +12h", got)
	}
	if got := sla.Deadline(TypeSynthesis, PriorityLow, assigned); got != assigned.Add(48*time.Hour) {
		t.Fatalf("synthesis low deadline = %v, want +48h", got)
	}
}

func TestEnqueueDecideLifecycle(t *testing.T) {
	s := testStore(t)

	entry, err := s.Enqueue("assess-1", TypeSynthesis, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, StatusPending, entry.Status)
	require.False(t, entry.SLADeadline.IsZero())

	pending, err := s.Pending(TypeSynthesis)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "assess-1", pending[0].AssessmentID)

	decided, err := s.Decide("assess-1", TypeSynthesis, Decision{
		Action:     ActionApprove,
		Comments:   "looks sound",
		ReviewerID: "reviewer-9",
	})
	require.NoError(t, err)
	require.Equal(t, StatusDecided, decided.Status)
	require.Equal(t, ActionApprove, decided.Decision.Action)

	pending, err = s.Pending(TypeSynthesis)
	require.NoError(t, err)
	require.Empty(t, pending)

	// No pending entry left: a second decision errors.
	_, err = s.Decide("assess-1", TypeSynthesis, Decision{Action: ActionReject})
	require.Error(t, err)
}

func TestPendingFiltersByType(t *testing.T) {
	s := testStore(t)

	_, err := s.Enqueue("assess-1", TypeSynthesis, PriorityNormal)
	require.NoError(t, err)
	_, err = s.Enqueue("assess-2", TypeReport, PriorityHigh)
	require.NoError(t, err)

	synth, err := s.Pending(TypeSynthesis)
	require.NoError(t, err)
	require.Len(t, synth, 1)

	all, err := s.Pending("")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestOverdue(t *testing.T) {
	s := testStore(t)

	_, err := s.Enqueue("assess-1", TypeSynthesis, PriorityHigh)
	require.NoError(t, err)

	overdue, err := s.Overdue(time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, overdue)

	overdue, err = s.Overdue(time.Now().UTC().Add(13 * time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "assess-1", overdue[0].AssessmentID)
}
