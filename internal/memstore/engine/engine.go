// Package engine provides the top-level facade composing C1-C7: it opens
// the store, wires every component together, and exposes the
// migration/context-assembly operations of C7.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nerdlabs/memstore/internal/memstore/blocks"
	"github.com/nerdlabs/memstore/internal/memstore/embedding"
	"github.com/nerdlabs/memstore/internal/memstore/kvmemory"
	"github.com/nerdlabs/memstore/internal/memstore/ladder"
	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/memlog"
	"github.com/nerdlabs/memstore/internal/memstore/semantic"
	"github.com/nerdlabs/memstore/internal/memstore/sqlgw"
)

// Config is the engine's top-level configuration, loadable from YAML.
type Config struct {
	StorePath     string           `yaml:"store_path"`
	PersonaPrompt string           `yaml:"persona_prompt"`
	Embedding     embedding.Config `yaml:"embedding"`
	Ladder        ladder.Config    `yaml:"ladder"`
	LogLevel      string           `yaml:"log_level"`
}

// DefaultConfig returns a Config with the documented component defaults and
// embeddings disabled (no provider configured).
func DefaultConfig() Config {
	return Config{
		StorePath:     "memory.db",
		PersonaPrompt: "You are a helpful, durable-memory-backed assistant.",
		Embedding:     embedding.DefaultConfig(),
		Ladder:        ladder.DefaultConfig(),
		LogLevel:      "info",
	}
}

// LoadConfig reads and parses a YAML config file, filling gaps with
// DefaultConfig's values left at their zero value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Engine composes C1-C7 over a single SQL store.
type Engine struct {
	sql *sqlgw.Gateway

	KV       *kvmemory.Store
	Blocks   *blocks.Store
	Semantic *semantic.Index
	Ladder   *ladder.Ladder

	cfg Config
}

// Open creates or opens the SQL store at cfg.StorePath and initializes
// every component's schema in dependency order (C1, C2, C3, C5, C4, C6).
func Open(cfg Config) (*Engine, error) {
	configureLogging(cfg.LogLevel)
	timer := memlog.StartTimer(memlog.CategoryEngine, "Open")
	defer timer.Stop()

	gw, err := sqlgw.Open(cfg.StorePath)
	if err != nil {
		return nil, &memerr.StorageFailure{Op: "engine.Open", Cause: err}
	}

	embEngine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		memlog.Get(memlog.CategoryEngine).Warnw("embedding engine unavailable, degrading to substring search", "error", err)
		embEngine = nil
	}

	kv := kvmemory.New(gw.DB)
	if err := kv.Initialize(); err != nil {
		return nil, err
	}
	if _, err := kv.LoadAll(); err != nil {
		return nil, err
	}

	idx := semantic.New(gw.DB, embEngine)
	if err := idx.Initialize(); err != nil {
		return nil, err
	}

	bs := blocks.New(gw.DB, idx)
	if err := bs.Initialize(); err != nil {
		return nil, err
	}

	var llm ladder.LLMClient
	if genaiEngine, ok := embEngine.(*embedding.GenAIEngine); ok {
		llm = genaiEngine
	}
	lad := ladder.New(gw.DB, llm, cfg.Ladder)
	if err := lad.Initialize(); err != nil {
		return nil, err
	}

	return &Engine{sql: gw, KV: kv, Blocks: bs, Semantic: idx, Ladder: lad, cfg: cfg}, nil
}

func configureLogging(level string) {
	zapCfg := zap.NewProductionConfig()
	if l, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = l
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	memlog.Configure(logger)
}

// Close releases the underlying SQL connection.
func (e *Engine) Close() error {
	return e.sql.Close()
}

const toolInstructionSuffix = `You have access to memory tools: memory_get_block, memory_insert, ` +
	`memory_replace, memory_rethink, memory_create_block, memory_list_blocks, memory_search, ` +
	`archival_insert, archival_search, memory_read, and memory_write. Use them to keep your ` +
	`durable memory accurate as the conversation progresses.`

// AssemblePrompt concatenates personaPrompt, the KV fragment, the core
// block fragment, the ladder fragment, and the tool-instruction suffix
// (spec §4.7). Loads the ladder's summaries first and returns an error only
// when that load fails; the rest is string concatenation.
func (e *Engine) AssemblePrompt(ctx context.Context, personaPrompt string) (string, error) {
	if personaPrompt == "" {
		personaPrompt = e.cfg.PersonaPrompt
	}

	loaded, err := e.Ladder.LoadForContext()
	if err != nil {
		return "", err
	}

	parts := []string{personaPrompt}
	if kvFragment := e.KV.BuildPromptFragment(); kvFragment != "" {
		parts = append(parts, kvFragment)
	}
	if coreFragment := e.Blocks.BuildCorePromptFragment(); coreFragment != "" {
		parts = append(parts, coreFragment)
	}
	if ladderFragment := e.Ladder.BuildPromptFragment(loaded); ladderFragment != "" {
		parts = append(parts, ladderFragment)
	}
	parts = append(parts, toolInstructionSuffix)

	return strings.Join(parts, "\n\n"), nil
}

// PromoteIfNeeded checks whether any ladder level has crossed its promotion
// threshold and, if so, consolidates it. Wires check_promotion_needed ->
// create_recursive_summary -> mark_consolidated end to end (spec §9's
// open question, resolved in favor of automatic wiring).
func (e *Engine) PromoteIfNeeded(ctx context.Context) (bool, error) {
	plan, err := e.Ladder.CheckPromotionNeeded()
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}

	newID, err := e.Ladder.CreateRecursiveSummary(ctx, plan.Summaries, plan.Level, e.cfg.PersonaPrompt)
	if err != nil {
		return false, err
	}

	ids := make([]int64, len(plan.Summaries))
	for i, s := range plan.Summaries {
		ids[i] = s.ID
	}
	if err := e.Ladder.MarkConsolidated(ids, newID); err != nil {
		return false, err
	}
	return true, nil
}
