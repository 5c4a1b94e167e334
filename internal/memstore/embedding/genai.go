package embedding

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

func int32Ptr(i int32) *int32 { return &i }

// GenAIEngine generates embeddings using Google's Gemini API. It also
// implements ladder.LLMClient, since the same client handles both
// embedding and text generation for this backend.
type GenAIEngine struct {
	client     *genai.Client
	model      string
	chatModel  string
	taskType   string
	dimensions int
}

// NewGenAIEngine builds a GenAIEngine from cfg.
func NewGenAIEngine(cfg Config) (*GenAIEngine, error) {
	timer := memlog.StartTimer(memlog.CategorySemantic, "NewGenAIEngine")
	defer timer.Stop()

	if cfg.GenAIAPIKey == "" {
		return nil, fmt.Errorf("embedding: genai api key is required")
	}
	model := cfg.GenAIModel
	if model == "" {
		model = "gemini-embedding-001"
	}
	chatModel := cfg.GenAIChatModel
	if chatModel == "" {
		chatModel = "gemini-2.0-flash"
	}
	taskType := cfg.TaskType
	if taskType == "" {
		taskType = "SEMANTIC_SIMILARITY"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.GenAIAPIKey})
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create genai client: %w", err)
	}

	memlog.Get(memlog.CategorySemantic).Infow("genai embedding engine ready", "model", model, "dimensions", dims)

	return &GenAIEngine{client: client, model: model, chatModel: chatModel, taskType: taskType, dimensions: dims}, nil
}

// Embed generates a document-oriented embedding (stored content).
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery generates a query-oriented embedding (search input).
func (e *GenAIEngine) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, "RETRIEVAL_QUERY")
}

func (e *GenAIEngine) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	timer := memlog.StartTimer(memlog.CategorySemantic, "GenAIEngine.embed")
	defer timer.Stop()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	start := time.Now()
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(int32(e.dimensions)),
		TaskType:             taskType,
	})
	latency := time.Since(start)
	if err != nil {
		return nil, &ErrUnavailable{Op: "embed", Cause: err}
	}
	if len(result.Embeddings) == 0 {
		return nil, &ErrUnavailable{Op: "embed", Cause: fmt.Errorf("no embeddings returned")}
	}

	vec := result.Embeddings[0].Values
	if len(vec) != e.dimensions {
		return nil, &ErrUnavailable{Op: "embed", Cause: fmt.Errorf("expected %d dims, got %d", e.dimensions, len(vec))}
	}
	memlog.Get(memlog.CategorySemantic).Debugw("embedded text", "latency", latency, "dims", len(vec))
	return vec, nil
}

// Dimensions returns the configured embedding width.
func (e *GenAIEngine) Dimensions() int { return e.dimensions }

// Name identifies this engine.
func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }

// Complete asks the model to continue a single prompt with no system
// instruction. The ladder does not call it; it uses CompleteWithSystem.
func (e *GenAIEngine) Complete(ctx context.Context, prompt string) (string, error) {
	return e.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem asks the model to respond to userPrompt under
// systemPrompt, at a fixed low temperature suited to deterministic
// summarization (spec §4.6: temperature = 0.3).
func (e *GenAIEngine) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timer := memlog.StartTimer(memlog.CategoryLadder, "GenAIEngine.CompleteWithSystem")
	defer timer.Stop()

	temp := float32(0.3)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}
	result, err := e.client.Models.GenerateContent(ctx, e.chatModel, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("genai generation failed: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("genai generation returned empty text")
	}
	return text, nil
}
