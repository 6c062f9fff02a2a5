package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"riacouncil/internal/logging"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI EMBEDDING ENGINE
// =============================================================================

// maxBatchSize is the maximum number of texts allowed in a single GenAI
// batch request. The API returns 400 above 100 requests per batch.
const maxBatchSize = 100

func int32Ptr(i int32) *int32 { return &i }

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGenAIEngine creates a new GenAI embedding engine.
func NewGenAIEngine(apiKey, model string, dimensions int) (*GenAIEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewGenAIEngine")
	defer timer.Stop()

	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimensions <= 0 {
		dimensions = 1536
	}

	logging.Embedding("Initializing GenAI client: model=%s dimensions=%d", model, dimensions)

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEngine{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, &Error{Op: "Embed", Err: fmt.Errorf("no embeddings returned")}
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. GenAI limits batches
// to 100 items, so larger inputs are chunked and results concatenated.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.EmbedBatch")
	defer timer.Stop()

	if len(texts) == 0 {
		return nil, nil
	}

	all := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		chunk, err := e.embedBatchChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}

	logging.EmbeddingDebug("GenAI.EmbedBatch: embedded %d texts", len(all))
	return all, nil
}

// embedBatchChunk processes a single chunk (must be <= maxBatchSize).
func (e *GenAIEngine) embedBatchChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	apiStart := time.Now()
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			OutputDimensionality: int32Ptr(int32(e.dimensions)),
		},
	)
	apiLatency := time.Since(apiStart)

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("GenAI batch embed failed after %v: %v", apiLatency, err)
		return nil, &Error{Op: "EmbedBatch", Transient: isRetryableGenAI(err), Err: err}
	}

	if len(result.Embeddings) != len(texts) {
		return nil, &Error{Op: "EmbedBatch",
			Err: fmt.Errorf("embedding count mismatch: got %d, want %d", len(result.Embeddings), len(texts))}
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}

	logging.EmbeddingDebug("GenAI chunk embedded: count=%d latency=%v", len(embeddings), apiLatency)
	return embeddings, nil
}

// isRetryableGenAI classifies GenAI errors. Rate limits, timeouts, and
// server faults are transient; everything else (bad request, auth) is not.
func isRetryableGenAI(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503")
}

// Dimensions returns the configured output dimensionality.
func (e *GenAIEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }
