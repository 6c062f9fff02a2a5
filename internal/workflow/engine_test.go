package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"riacouncil/internal/corpus"
	"riacouncil/internal/council"
	"riacouncil/internal/gateway"
	"riacouncil/internal/graph"
	"riacouncil/internal/report"
	"riacouncil/internal/retrieval"
	"riacouncil/internal/review"
	"riacouncil/internal/store"
	"riacouncil/internal/vectorstore"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// overlapEmbedder mirrors the retrieval test embedder: vectors from a
// fixed topic vocabulary so retrieval is deterministic.
type overlapEmbedder struct{}

var topicVocab = []string{"ai", "digital", "platform", "audit", "transparency"}

func (overlapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(topicVocab))
	lower := strings.ToLower(text)
	for i, term := range topicVocab {
		if strings.Contains(lower, term) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (e overlapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := e.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (overlapEmbedder) Dimensions() int { return len(topicVocab) }
func (overlapEmbedder) Name() string    { return "overlap-test" }

// scriptedClient routes model calls through a function and records
// per-model call counts and the prompts each model saw.
type scriptedClient struct {
	mu      sync.Mutex
	calls   map[string]int
	prompts map[string][]string
	fn      func(modelID, prompt string, call int) (string, error)
}

func newScriptedClient(fn func(modelID, prompt string, call int) (string, error)) *scriptedClient {
	return &scriptedClient{calls: make(map[string]int), prompts: make(map[string][]string), fn: fn}
}

func (s *scriptedClient) Query(_ context.Context, modelID string, messages []gateway.Message, _ gateway.Params) (gateway.Response, error) {
	prompt := messages[len(messages)-1].Content
	s.mu.Lock()
	call := s.calls[modelID]
	s.calls[modelID]++
	s.prompts[modelID] = append(s.prompts[modelID], prompt)
	s.mu.Unlock()

	content, err := s.fn(modelID, prompt, call)
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.Response{ModelID: modelID, Content: content}, nil
}

func (s *scriptedClient) callCount(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[modelID]
}

func (s *scriptedClient) lastPrompt(modelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.prompts[modelID]
	if len(ps) == 0 {
		return ""
	}
	return ps[len(ps)-1]
}

// chairmanSynthesis builds a complete 21-theme synthesis citing a corpus
// chunk id.
func chairmanSynthesis(citation string) string {
	var b strings.Builder
	b.WriteString("Background and Problem Definition\n\nGaps in audit coverage [" + citation + "].\n\n")
	b.WriteString("Executive Summary\n\nNet positive [" + citation + "].\n\n")
	b.WriteString("Proposal Overview\n\nAnnual audits.\n\n")
	b.WriteString("21 Belgian Impact Themes Assessment\n\n")
	for i := 1; i <= report.ThemeCount; i++ {
		fmt.Fprintf(&b, "[%d] %s\nPositive impact. Grounded in [%s].\n\n", i, report.ThemeTitles[i-1], citation)
	}
	b.WriteString("Overall Assessment Summary\n\nProceed [" + citation + "].\n")
	return b.String()
}

// defaultScript answers stage prompts generically: opinions, identity
// rankings, and a full chairman synthesis.
func defaultScript(citation string) func(modelID, prompt string, call int) (string, error) {
	return func(modelID, prompt string, call int) (string, error) {
		switch {
		case strings.Contains(prompt, "Rank the following"):
			return "RANKING: Response A > Response B", nil
		case modelID == "chairman":
			return chairmanSynthesis(citation), nil
		default:
			return "Opinion of " + modelID + " citing [" + citation + "]", nil
		}
	}
}

const testProposal = "A proposal to require all online platforms operating nationally with more than one million monthly users to conduct annual algorithmic transparency audits of recommender systems and advertising targeting, filed with the regulator and summarized for consumers, with phased obligations for smaller platforms and an independent appeal mechanism for audit findings."

func corpusChunks(n int) []corpus.Chunk {
	chunks := make([]corpus.Chunk, n)
	for i := range chunks {
		chunks[i] = corpus.Chunk{
			ID:               fmt.Sprintf("dig-%02d", i),
			Kind:             corpus.KindAnalysis,
			Content:          fmt.Sprintf("ai platform audit transparency analysis %d for digital services", i),
			SourceDocumentID: "doc-digital",
			Metadata: corpus.Metadata{
				Jurisdiction: "BE",
				Year:         2018 + i%5,
				Categories:   []corpus.PolicyCategory{corpus.CategoryDigital},
			},
		}
	}
	return chunks
}

type testRig struct {
	engine *Engine
	client *scriptedClient
	vector *vectorstore.Store
	db     *store.DB
}

func newTestRig(t *testing.T, chunks []corpus.Chunk, script func(modelID, prompt string, call int) (string, error)) *testRig {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vector := vectorstore.New(overlapEmbedder{})
	g := graph.New()
	if len(chunks) > 0 {
		require.NoError(t, vector.Add(context.Background(), chunks))
		require.NoError(t, g.BuildFromChunks(chunks))
	}

	client := newScriptedClient(script)
	councilCfg := council.DefaultConfig()
	councilCfg.CouncilModels = []string{"alpha", "beta"}
	councilCfg.ChairmanModel = "chairman"
	councilCfg.BootstrapIterations = 2
	councilEngine, err := council.NewEngine(client, councilCfg)
	require.NoError(t, err)

	reviews := review.NewStore(db, review.DefaultSLAConfig())
	retriever := retrieval.NewOrchestrator(vector, g, retrieval.DefaultConfig())
	engine := NewEngine(DefaultConfig(), db, reviews, retriever, councilEngine, vector, g)

	return &testRig{engine: engine, client: client, vector: vector, db: db}
}

// startRun launches the workflow and returns its completion channel and
// event stream.
func (r *testRig) startRun(t *testing.T, id string) (<-chan error, <-chan Event) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(context.Background(), id) }()

	var events <-chan Event
	require.Eventually(t, func() bool {
		ev, err := r.engine.Subscribe(id)
		if err != nil {
			return false
		}
		events = ev
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return done, events
}

// awaitEvent drains events until the wanted type arrives.
func awaitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func join(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
	}
}

// =============================================================================
// TESTS
// =============================================================================

// Validation rejection: a 20-word proposal yields a synchronous
// ValidationError and no assessment record.
func TestCreateAssessmentValidation(t *testing.T) {
	rig := newTestRig(t, nil, defaultScript("dig-00"))

	short := strings.Repeat("word ", 20)
	_, err := rig.engine.CreateAssessment(short, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Guidance)
	require.NotEmpty(t, verr.Examples)
	require.Equal(t, short, verr.InputReceived)

	summaries, err := rig.engine.List("")
	require.NoError(t, err)
	require.Empty(t, summaries)
}

func TestHappyPathWorkflow(t *testing.T) {
	rig := newTestRig(t, corpusChunks(12), defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)

	before := rig.vector.Len()
	done, events := rig.startRun(t, id)

	ev := awaitEvent(t, events, EventReviewRequired)
	require.Equal(t, "synthesis", ev.Data["type"])
	require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))

	ev = awaitEvent(t, events, EventReviewRequired)
	require.Equal(t, "report", ev.Data["type"])
	require.NoError(t, rig.engine.Review(id, review.TypeReport, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))

	join(t, done)

	state, err := rig.engine.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state)

	rep, err := rig.engine.GetReport(id)
	require.NoError(t, err)
	require.Len(t, rep.Themes, report.ThemeCount)
	for _, th := range rep.Themes {
		require.NotEqual(t, report.ImpactUnknown, th.Impact, "theme %d unknown", th.Number)
	}

	// Citations resolve to chunks present at retrieval time.
	require.NotEmpty(t, rep.Citations)
	for _, c := range rep.Citations {
		if !strings.HasPrefix(c, "doc-") {
			require.True(t, rig.vector.Has(c), "citation %s not in corpus", c)
		}
	}

	// Knowledge-base update landed the finalized assessment.
	require.Equal(t, before+1, rig.vector.Len())
	require.True(t, rig.vector.Has("assessment:"+id))

	// Audit log replays the full path.
	transitions, err := rig.db.Transitions(id)
	require.NoError(t, err)
	require.Equal(t, string(StateDraft), transitions[0].From)
	require.Equal(t, string(StateCompleted), transitions[len(transitions)-1].To)
	for i := 1; i < len(transitions); i++ {
		require.Equal(t, transitions[i-1].To, transitions[i].From, "audit log has a gap at %d", i)
	}
}

// Revision loop: request_revision routes back to Stage3Running with the
// feedback appended to the chairman prompt and a fresh CouncilRun.
func TestSynthesisRevisionLoop(t *testing.T) {
	rig := newTestRig(t, corpusChunks(12), defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)
	done, events := rig.startRun(t, id)

	awaitEvent(t, events, EventReviewRequired)
	chairmanCallsBefore := rig.client.callCount("chairman")
	require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
		Action:           review.ActionRequestRevision,
		ReviewerID:       "rev-1",
		RevisionFeedback: "expand fundamental rights analysis",
	}))

	// Second synthesis pass reaches review again.
	awaitEvent(t, events, EventReviewRequired)
	require.Equal(t, chairmanCallsBefore+1, rig.client.callCount("chairman"))
	require.Contains(t, rig.client.lastPrompt("chairman"), "expand fundamental rights analysis")

	require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))
	awaitEvent(t, events, EventReviewRequired) // report review
	require.NoError(t, rig.engine.Review(id, review.TypeReport, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))
	join(t, done)

	a, err := rig.engine.GetAssessment(id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.Len(t, a.CouncilHistory, 2, "revision must append a new council run")
	require.Equal(t, 1, a.SynthesisRevisions)
	// Stage-1 results carried over, synthesis regenerated.
	require.Equal(t, a.CouncilHistory[0].Stage1, a.CouncilHistory[1].Stage1)
}

// Exceeding the revision budget fails the workflow with
// revision_limit_exceeded.
func TestRevisionLimitExceeded(t *testing.T) {
	rig := newTestRig(t, corpusChunks(12), defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)
	done, events := rig.startRun(t, id)

	for i := 0; i < 4; i++ {
		awaitEvent(t, events, EventReviewRequired)
		require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
			Action:           review.ActionRequestRevision,
			ReviewerID:       "rev-1",
			RevisionFeedback: fmt.Sprintf("revision round %d", i+1),
		}))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
	}

	a, err := rig.engine.GetAssessment(id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureRevisionLimit, a.FailureReason)
}

// Empty corpus: retrieval gate fails and routes to human review with
// context=empty; a rejection terminates cleanly.
func TestEmptyCorpusRoutesToReview(t *testing.T) {
	rig := newTestRig(t, nil, defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)
	done, events := rig.startRun(t, id)

	awaitEvent(t, events, EventReviewRequired)
	a, err := rig.engine.GetAssessment(id)
	require.NoError(t, err)
	require.True(t, a.ContextEmpty)

	require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
		Action: review.ActionReject, ReviewerID: "rev-1",
	}))
	join(t, done)

	state, err := rig.engine.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, StateSynthesisRejected, state)
	// Council never consulted without context.
	require.Zero(t, rig.client.callCount("alpha"))
	require.Zero(t, rig.client.callCount("chairman"))
}

// Report regeneration reuses the prior stage-3 text and re-runs
// extraction without another chairman call.
func TestReportRegeneration(t *testing.T) {
	rig := newTestRig(t, corpusChunks(12), defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)
	done, events := rig.startRun(t, id)

	awaitEvent(t, events, EventReviewRequired)
	require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))

	awaitEvent(t, events, EventReviewRequired)
	chairmanCalls := rig.client.callCount("chairman")
	require.NoError(t, rig.engine.Review(id, review.TypeReport, review.Decision{
		Action: review.ActionRequestRevision, ReviewerID: "rev-1",
	}))

	awaitEvent(t, events, EventReviewRequired)
	require.Equal(t, chairmanCalls, rig.client.callCount("chairman"), "regeneration must not re-run the chairman")
	require.NoError(t, rig.engine.Review(id, review.TypeReport, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))
	join(t, done)

	a, err := rig.engine.GetAssessment(id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.Equal(t, 1, a.ReportRevisions)
}

// Resume of a cancelled assessment: cancelling during the review wait
// persists Cancelled, and a later Run refuses the terminal record.
func TestResumeFromPersistedState(t *testing.T) {
	rig := newTestRig(t, corpusChunks(12), defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)
	done, events := rig.startRun(t, id)

	awaitEvent(t, events, EventReviewRequired)
	// Cancel the running session mid-review.
	require.NoError(t, rig.engine.Cancel(id))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled workflow did not stop")
	}
	state, err := rig.engine.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, state)

	// A cancelled assessment is terminal; a fresh Run refuses it.
	err = rig.engine.Run(context.Background(), id)
	require.Error(t, err)
}

// Resume from a persisted non-terminal milestone: completed council
// stages are not re-executed.
func TestResumeSkipsCompletedStages(t *testing.T) {
	rig := newTestRig(t, corpusChunks(12), defaultScript("dig-00"))

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)

	// Hand-persist an assessment paused after synthesis: stage outputs
	// are stored in the record, so the run loop must reuse them.
	a, err := rig.engine.GetAssessment(id)
	require.NoError(t, err)
	run := council.NewRun(id)
	run.Opinions = []council.Opinion{
		{ModelID: "alpha", Label: "Response A", Text: "opinion a"},
		{ModelID: "beta", Label: "Response B", Text: "opinion b"},
	}
	run.Stage1["alpha"] = "opinion a"
	run.Stage1["beta"] = "opinion b"
	run.Stage3Text = chairmanSynthesis("dig-00")
	a.CouncilHistory = []*council.Run{run}
	a.Sources = []retrieval.SourceRef{{ChunkID: "dig-00", DocumentID: "doc-digital"}}
	a.State = StateStage3Complete
	require.NoError(t, rig.engine.save(a))

	done, events := rig.startRun(t, id)
	awaitEvent(t, events, EventReviewRequired)

	// No model was consulted: all stages were already persisted.
	require.Zero(t, rig.client.callCount("alpha"))
	require.Zero(t, rig.client.callCount("chairman"))

	require.NoError(t, rig.engine.Review(id, review.TypeSynthesis, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))
	awaitEvent(t, events, EventReviewRequired)
	require.NoError(t, rig.engine.Review(id, review.TypeReport, review.Decision{
		Action: review.ActionApprove, ReviewerID: "rev-1",
	}))
	join(t, done)

	state, err := rig.engine.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state)
}

// Chairman permanent failure without fallback fails the workflow.
func TestChairmanFailureFailsWorkflow(t *testing.T) {
	script := func(modelID, prompt string, call int) (string, error) {
		if modelID == "chairman" {
			return "", &gateway.ModelError{ModelID: modelID, Permanent: true, Err: errors.New("quota")}
		}
		if strings.Contains(prompt, "Rank the following") {
			return "RANKING: Response A > Response B", nil
		}
		return "Opinion of " + modelID, nil
	}

	rig := newTestRig(t, corpusChunks(12), script)
	// Disable the fallback so the permanent error surfaces.
	councilCfg := council.DefaultConfig()
	councilCfg.CouncilModels = []string{"alpha", "beta"}
	councilCfg.ChairmanModel = "chairman"
	councilCfg.ChairmanFallback = false
	councilEngine, err := council.NewEngine(rig.client, councilCfg)
	require.NoError(t, err)
	rig.engine.council = councilEngine

	id, err := rig.engine.CreateAssessment(testProposal, nil)
	require.NoError(t, err)

	// The failure path terminates without suspension points, so run
	// synchronously.
	require.NoError(t, rig.engine.Run(context.Background(), id))

	a, err := rig.engine.GetAssessment(id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Contains(t, a.FailureReason, "chairman")
}
