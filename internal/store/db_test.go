package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAssessmentRoundTrip(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	created := time.Now().UTC()
	require.NoError(t, db.SaveAssessment("a1", "Draft", `{"assessment_id":"a1"}`, created))

	state, doc, err := db.LoadAssessment("a1")
	require.NoError(t, err)
	require.Equal(t, "Draft", state)
	require.Contains(t, doc, "a1")

	// Upsert overwrites state and doc.
	require.NoError(t, db.SaveAssessment("a1", "Preprocessing", `{"assessment_id":"a1","v":2}`, created))
	state, doc, err = db.LoadAssessment("a1")
	require.NoError(t, err)
	require.Equal(t, "Preprocessing", state)
	require.Contains(t, doc, `"v":2`)

	_, _, err = db.LoadAssessment("missing")
	require.Error(t, err)
}

func TestListAssessmentsFilter(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	require.NoError(t, db.SaveAssessment("a1", "Draft", "{}", now))
	require.NoError(t, db.SaveAssessment("a2", "Completed", "{}", now))

	all, err := db.ListAssessments("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	completed, err := db.ListAssessments("Completed")
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "a2", completed[0].ID)
}

func TestTransitionAuditLog(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RecordTransition("a1", "Draft", "Preprocessing", ""))
	require.NoError(t, db.RecordTransition("a1", "Preprocessing", "Stage1Running", `{"strategy":"hybrid"}`))
	require.NoError(t, db.RecordTransition("other", "Draft", "Preprocessing", ""))

	history, err := db.Transitions("a1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "Draft", history[0].From)
	require.Equal(t, "Stage1Running", history[1].To)
	require.Contains(t, history[1].Metadata, "hybrid")
}
