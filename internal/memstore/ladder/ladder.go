// Package ladder implements the Summary Ladder (C6): a hierarchical
// conversation-summary store with promotion rules and context formatting.
package ladder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

// LLMClient is the narrow text-generation capability the ladder needs.
// embedding.GenAIEngine satisfies this structurally.
type LLMClient interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Message is one turn of a conversation passed into CreateBaseSummary.
// ToolResult messages render as the literal "[tool result]" regardless of
// Content, matching the transcript-building rule.
type Message struct {
	Role       string
	Content    string
	ToolResult bool
}

// Summary is one summaries row.
type Summary struct {
	ID              int64
	Text            string
	Level           int
	MessageCount    int
	ParentSummaryID *int64
	CreatedAt       int64
}

// Config holds the ladder's promotion thresholds (spec §4.6 defaults).
type Config struct {
	BaseThreshold      int `yaml:"base_threshold" json:"base_threshold"`
	RecursiveThreshold int `yaml:"recursive_threshold" json:"recursive_threshold"`
	MaxLevel           int `yaml:"max_level" json:"max_level"`
	RecentCount        int `yaml:"recent_count" json:"recent_count"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{BaseThreshold: 20, RecursiveThreshold: 10, MaxLevel: 3, RecentCount: 3}
}

// PromotionPlan is check_promotion_needed's "needed" result.
type PromotionPlan struct {
	Level     int
	Summaries []Summary
}

// Loaded is the pair of slices load_for_context assembles for
// build_prompt_fragment.
type Loaded struct {
	Recent     []Summary // level 0, created_at DESC, up to RecentCount
	LongTerm   []Summary // level > 0, (level DESC, created_at DESC), up to 2
}

// Ladder implements C6 over a *sql.DB and an LLMClient.
type Ladder struct {
	db  *sql.DB
	llm LLMClient
	cfg Config
}

// New wires a Ladder. llm may be nil; create operations then fail with
// *memerr.LLMFailure rather than silently degrading, per spec §7 (summary
// generation has no fallback path, unlike embeddings).
func New(db *sql.DB, llm LLMClient, cfg Config) *Ladder {
	return &Ladder{db: db, llm: llm, cfg: cfg}
}

// Initialize creates summaries with its documented indexes.
func (l *Ladder) Initialize() error {
	timer := memlog.StartTimer(memlog.CategoryLadder, "Initialize")
	defer timer.Stop()

	const schema = `
	CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		summary TEXT NOT NULL,
		level INTEGER NOT NULL,
		message_count INTEGER NOT NULL,
		parent_summary_id INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_level_created ON summaries(level, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_summaries_parent ON summaries(parent_summary_id);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return &memerr.StorageFailure{Op: "ladder.Initialize", Cause: err}
	}
	return nil
}

func buildTranscript(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if m.ToolResult {
			content = "[tool result]"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", m.Role, content))
	}
	return strings.Join(parts, "\n\n")
}

const baseSummarySystemPrompt = `You are summarizing a segment of an ongoing conversation for long-term ` +
	`memory. Produce a 2-3 sentence summary capturing the durable facts, decisions, and ` +
	`outcomes. Omit pleasantries and transient chatter.`

const recursiveSummarySystemPrompt = `You are consolidating several prior conversation summaries into one ` +
	`higher-level summary for long-term memory. Produce a 3-4 sentence summary that preserves ` +
	`the durable facts and decisions across all of them.`

// CreateBaseSummary summarizes messages via the LLM and inserts a level-0
// row. Fails with *memerr.LLMFailure (no row inserted) if generation fails.
func (l *Ladder) CreateBaseSummary(ctx context.Context, messages []Message, personaPrompt string) (int64, error) {
	timer := memlog.StartTimer(memlog.CategoryLadder, "CreateBaseSummary")
	defer timer.Stop()

	if l.llm == nil {
		return 0, &memerr.LLMFailure{Op: "ladder.CreateBaseSummary", Cause: fmt.Errorf("no LLM client configured")}
	}

	transcript := buildTranscript(messages)
	text, err := l.llm.CompleteWithSystem(ctx, baseSummarySystemPrompt, transcript)
	if err != nil {
		return 0, &memerr.LLMFailure{Op: "ladder.CreateBaseSummary", Cause: err}
	}

	now := time.Now().UnixMilli()
	res, err := l.db.Exec(
		"INSERT INTO summaries (summary, level, message_count, parent_summary_id, created_at) VALUES (?, 0, ?, NULL, ?)",
		text, len(messages), now,
	)
	if err != nil {
		return 0, &memerr.StorageFailure{Op: "ladder.CreateBaseSummary.insert", Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &memerr.StorageFailure{Op: "ladder.CreateBaseSummary.lastInsertId", Cause: err}
	}
	return id, nil
}

// CheckPromotionNeeded scans level 0..MaxLevel-1 for a level whose
// unconsolidated count has reached RecursiveThreshold, returning the first
// such plan found (levels checked in ascending order, matching spec §4.6).
func (l *Ladder) CheckPromotionNeeded() (*PromotionPlan, error) {
	timer := memlog.StartTimer(memlog.CategoryLadder, "CheckPromotionNeeded")
	defer timer.Stop()

	for level := 0; level < l.cfg.MaxLevel; level++ {
		rows, err := l.db.Query(
			`SELECT id, summary, level, message_count, parent_summary_id, created_at
			 FROM summaries WHERE level = ? AND parent_summary_id IS NULL
			 ORDER BY created_at ASC LIMIT ?`,
			level, l.cfg.RecursiveThreshold+1,
		)
		if err != nil {
			return nil, &memerr.StorageFailure{Op: "ladder.CheckPromotionNeeded", Cause: err}
		}
		summaries, err := scanSummaries(rows)
		if err != nil {
			return nil, err
		}
		if len(summaries) >= l.cfg.RecursiveThreshold {
			batch := summaries
			if len(batch) > l.cfg.RecursiveThreshold {
				batch = batch[:l.cfg.RecursiveThreshold]
			}
			return &PromotionPlan{Level: level + 1, Summaries: batch}, nil
		}
	}
	return nil, nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var s Summary
		var parent sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Text, &s.Level, &s.MessageCount, &parent, &s.CreatedAt); err != nil {
			return nil, &memerr.StorageFailure{Op: "ladder.scanSummaries", Cause: err}
		}
		if parent.Valid {
			p := parent.Int64
			s.ParentSummaryID = &p
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &memerr.StorageFailure{Op: "ladder.scanSummaries.rows", Cause: err}
	}
	return out, nil
}

// CreateRecursiveSummary consolidates summaries into a single targetLevel
// row. Does not mark the inputs consolidated -- the caller (Engine, per
// spec §4.6's documented coupling) must call MarkConsolidated afterward.
func (l *Ladder) CreateRecursiveSummary(ctx context.Context, summaries []Summary, targetLevel int, personaPrompt string) (int64, error) {
	timer := memlog.StartTimer(memlog.CategoryLadder, "CreateRecursiveSummary")
	defer timer.Stop()

	if l.llm == nil {
		return 0, &memerr.LLMFailure{Op: "ladder.CreateRecursiveSummary", Cause: fmt.Errorf("no LLM client configured")}
	}

	parts := make([]string, len(summaries))
	total := 0
	for i, s := range summaries {
		parts[i] = fmt.Sprintf("Summary %d: %s", i+1, s.Text)
		total += s.MessageCount
	}
	input := strings.Join(parts, "\n\n")

	text, err := l.llm.CompleteWithSystem(ctx, recursiveSummarySystemPrompt, input)
	if err != nil {
		return 0, &memerr.LLMFailure{Op: "ladder.CreateRecursiveSummary", Cause: err}
	}

	now := time.Now().UnixMilli()
	res, err := l.db.Exec(
		"INSERT INTO summaries (summary, level, message_count, parent_summary_id, created_at) VALUES (?, ?, ?, NULL, ?)",
		text, targetLevel, total, now,
	)
	if err != nil {
		return 0, &memerr.StorageFailure{Op: "ladder.CreateRecursiveSummary.insert", Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &memerr.StorageFailure{Op: "ladder.CreateRecursiveSummary.lastInsertId", Cause: err}
	}
	return id, nil
}

// MarkConsolidated sets parent_summary_id = parentID for every id. A failed
// promotion leaves ids Unconsolidated and safely retryable.
func (l *Ladder) MarkConsolidated(ids []int64, parentID int64) error {
	timer := memlog.StartTimer(memlog.CategoryLadder, "MarkConsolidated")
	defer timer.Stop()

	tx, err := l.db.Begin()
	if err != nil {
		return &memerr.StorageFailure{Op: "ladder.MarkConsolidated.begin", Cause: err}
	}
	for _, id := range ids {
		if _, err := tx.Exec("UPDATE summaries SET parent_summary_id = ? WHERE id = ?", parentID, id); err != nil {
			tx.Rollback()
			return &memerr.StorageFailure{Op: "ladder.MarkConsolidated", Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &memerr.StorageFailure{Op: "ladder.MarkConsolidated.commit", Cause: err}
	}
	return nil
}

// LoadForContext loads up to RecentCount level-0 rows and up to 2 rows with
// level > 0. The level>0 query is deliberately capped at 2 total, not 2
// per level -- preserved from the documented suspect source behavior (open
// question, resolved in favor of retaining it; the cap is not configurable).
// Level-0 rows created in the same millisecond are ordered newest id first.
func (l *Ladder) LoadForContext() (Loaded, error) {
	timer := memlog.StartTimer(memlog.CategoryLadder, "LoadForContext")
	defer timer.Stop()

	recentRows, err := l.db.Query(
		"SELECT id, summary, level, message_count, parent_summary_id, created_at FROM summaries WHERE level = 0 ORDER BY created_at DESC, id DESC LIMIT ?",
		l.cfg.RecentCount,
	)
	if err != nil {
		return Loaded{}, &memerr.StorageFailure{Op: "ladder.LoadForContext.recent", Cause: err}
	}
	recent, err := scanSummaries(recentRows)
	if err != nil {
		return Loaded{}, err
	}

	longTermRows, err := l.db.Query(
		"SELECT id, summary, level, message_count, parent_summary_id, created_at FROM summaries WHERE level > 0 ORDER BY level DESC, created_at DESC LIMIT 2",
	)
	if err != nil {
		return Loaded{}, &memerr.StorageFailure{Op: "ladder.LoadForContext.longTerm", Cause: err}
	}
	longTerm, err := scanSummaries(longTermRows)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{Recent: recent, LongTerm: longTerm}, nil
}

// BuildPromptFragment renders loaded into the "## Conversation History"
// section, or "" if both slices are empty.
func (l *Ladder) BuildPromptFragment(loaded Loaded) string {
	if len(loaded.Recent) == 0 && len(loaded.LongTerm) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Conversation History\n\n")

	if len(loaded.LongTerm) > 0 {
		b.WriteString("### Long-term Context\n\n")
		for _, s := range loaded.LongTerm {
			ts := time.UnixMilli(s.CreatedAt).Format("2006-01-02 15:04:05")
			fmt.Fprintf(&b, "- [Level %d, %d messages, %s] %s\n", s.Level, s.MessageCount, ts, s.Text)
		}
		b.WriteString("\n")
	}

	if len(loaded.Recent) > 0 {
		b.WriteString("### Recent Conversations\n\n")
		for _, s := range loaded.Recent {
			ts := time.UnixMilli(s.CreatedAt).Format("2006-01-02 15:04:05")
			fmt.Fprintf(&b, "- [%d messages, %s] %s\n", s.MessageCount, ts, s.Text)
		}
	}

	return b.String()
}
