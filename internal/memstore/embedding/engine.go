// Package embedding implements the Embedding Gateway (C2): a narrow
// text -> vector capability that the rest of the engine treats as optional.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

// DefaultDimensions is the nominal embedding width the engine assumes when a
// store has never seen a real vector yet.
const DefaultDimensions = 768

// Engine generates vector embeddings for text. Implementations MUST return
// ErrUnavailable (wrapped) rather than a zero-length vector when the
// underlying model cannot be reached.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery generates an embedding optimized for retrieval queries,
	// where the backend distinguishes query vs. document embeddings.
	// Implementations that don't distinguish may alias this to Embed.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the fixed width D of vectors this engine produces.
	Dimensions() int
	// Name identifies the engine for logs and diagnostics.
	Name() string
}

// ErrUnavailable reports that the embedding service could not be reached,
// returned no vector, or returned a vector of the wrong length. Callers
// (blocks.Store, semantic.Index) MUST treat this as non-fatal: content
// operations always succeed on the SQL write alone.
type ErrUnavailable struct {
	Op    string
	Cause error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("embedding unavailable during %s: %v", e.Op, e.Cause)
}

func (e *ErrUnavailable) Unwrap() error { return e.Cause }

// DimensionMismatchError is a programmer error: two vectors compared by
// Cosine had different lengths.
type DimensionMismatchError struct {
	A, B int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding: dimension mismatch: %d != %d", e.A, e.B)
}

// Config configures the embedding engine factory.
type Config struct {
	// Provider selects the backend. Only "genai" is implemented; an empty
	// Provider disables embeddings entirely (NewEngine returns nil, nil).
	Provider string `yaml:"provider" json:"provider"`

	GenAIAPIKey string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"`
	// GenAIChatModel is the generative (non-embedding) model used by
	// CompleteWithSystem for summary-ladder calls. A real deployment needs a
	// distinct model id here -- embedding and generation are different model
	// families even when served by the same API.
	GenAIChatModel string `yaml:"genai_chat_model" json:"genai_chat_model"`
	Dimensions     int    `yaml:"dimensions" json:"dimensions"`
	TaskType       string `yaml:"task_type" json:"task_type"`
}

// DefaultConfig returns a Config with embeddings disabled (Provider == "");
// the engine degrades gracefully to substring search per spec §4.2.
func DefaultConfig() Config {
	return Config{
		Provider:       "",
		GenAIModel:     "gemini-embedding-001",
		GenAIChatModel: "gemini-2.0-flash",
		Dimensions:     DefaultDimensions,
		TaskType:       "SEMANTIC_SIMILARITY",
	}
}

// NewEngine builds an Engine from cfg. A nil Engine with a nil error means
// "no embedding service configured" -- the caller must handle this as the
// engine being absent, not as a failure.
func NewEngine(cfg Config) (Engine, error) {
	timer := memlog.StartTimer(memlog.CategorySemantic, "NewEngine")
	defer timer.Stop()

	switch cfg.Provider {
	case "":
		memlog.Get(memlog.CategorySemantic).Info("no embedding provider configured, running keyword-only")
		return nil, nil
	case "genai":
		return NewGenAIEngine(cfg)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
}

// Cosine computes cosine similarity between a and b. Vectors of unequal
// length return a *DimensionMismatchError. A zero-magnitude vector yields a
// similarity of 0 rather than dividing by zero.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{A: len(a), B: len(b)}
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
