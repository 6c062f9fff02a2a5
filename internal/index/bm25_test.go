package index

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("The AI-governance framework, and its 2021 review!")
	want := []string{"ai", "governance", "framework", "2021", "review"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize() = %#v, want %#v", got, want)
	}
}

func TestBM25ScoreOrdering(t *testing.T) {
	ix := NewBM25Index()
	ix.Add("a", Tokenize("ai governance framework for ai systems"))
	ix.Add("b", Tokenize("biodiversity restoration program"))
	ix.Add("c", Tokenize("data protection and ai transparency"))

	results := ix.Score(Tokenize("ai regulation"))
	if len(results) != 2 {
		t.Fatalf("Score() returned %d docs, want 2 (b has no matching terms)", len(results))
	}
	if results[0].ID != "a" {
		t.Fatalf("top result = %s, want a (two ai occurrences)", results[0].ID)
	}
	if results[0].Score != 1.0 {
		t.Fatalf("top score = %v, want 1.0 after normalization", results[0].Score)
	}
	if results[1].Score <= 0 || results[1].Score >= 1 {
		t.Fatalf("second score = %v, want in (0,1)", results[1].Score)
	}
}

func TestBM25EmptyInputs(t *testing.T) {
	ix := NewBM25Index()
	if got := ix.Score(Tokenize("anything")); got != nil {
		t.Fatalf("Score() on empty index = %#v, want nil", got)
	}
	ix.Add("a", Tokenize("some content"))
	if got := ix.Score(nil); got != nil {
		t.Fatalf("Score() with empty query = %#v, want nil", got)
	}
}

func TestBM25ReAddIsIdempotent(t *testing.T) {
	ix := NewBM25Index()
	ix.Add("a", Tokenize("alpha beta"))
	ix.Add("a", Tokenize("alpha beta"))

	if got := ix.Len(); got != 1 {
		t.Fatalf("Len() = %d after double add, want 1", got)
	}
	results := ix.Score(Tokenize("alpha"))
	if len(results) != 1 {
		t.Fatalf("Score() returned %d docs, want 1", len(results))
	}
}

func TestBM25ReAddReplacesPostings(t *testing.T) {
	ix := NewBM25Index()
	ix.Add("a", Tokenize("alpha"))
	ix.Add("a", Tokenize("gamma"))

	if got := ix.Score(Tokenize("alpha")); got != nil {
		t.Fatalf("old postings survived re-add: %#v", got)
	}
	if got := ix.Score(Tokenize("gamma")); len(got) != 1 {
		t.Fatalf("new postings missing after re-add: %#v", got)
	}
}

func TestBM25Remove(t *testing.T) {
	ix := NewBM25Index()
	ix.Add("a", Tokenize("alpha"))
	ix.Remove("a")
	ix.Remove("missing") // no-op

	if got := ix.Len(); got != 0 {
		t.Fatalf("Len() = %d after remove, want 0", got)
	}
}

func TestBM25SnapshotRestoreRoundTrip(t *testing.T) {
	ix := NewBM25Index()
	ix.Add("a", Tokenize("ai governance framework"))
	ix.Add("b", Tokenize("data protection rules"))

	restored := NewBM25Index()
	restored.Restore(ix.Snapshot())

	query := Tokenize("ai protection")
	if got, want := restored.Score(query), ix.Score(query); !reflect.DeepEqual(got, want) {
		t.Fatalf("restored index scores differ:\n got %#v\nwant %#v", got, want)
	}
}

func TestBM25DeterministicTieBreak(t *testing.T) {
	ix := NewBM25Index()
	ix.Add("b", Tokenize("alpha"))
	ix.Add("a", Tokenize("alpha"))

	results := ix.Score(Tokenize("alpha"))
	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "b" {
		t.Fatalf("equal scores must order by id: %#v", results)
	}
}
