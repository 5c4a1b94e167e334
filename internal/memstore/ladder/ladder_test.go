package ladder

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain guards against goroutine leaks from this package's sql.DB usage
// and callers' context cancellation paths.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestLadder(t *testing.T, llm LLMClient, cfg Config) *Ladder {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ladder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := New(db, llm, cfg)
	require.NoError(t, l.Initialize())
	return l
}

func TestCreateBaseSummaryInsertsLevelZero(t *testing.T) {
	llm := &fakeLLM{response: "The user asked about pricing and was given a quote."}
	l := newTestLadder(t, llm, DefaultConfig())

	id, err := l.CreateBaseSummary(context.Background(), []Message{
		{Role: "user", Content: "what's the price?"},
		{Role: "assistant", Content: "it's $10"},
	}, "persona")
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, 1, llm.calls)
}

func TestCreateBaseSummaryFailsWithoutLLM(t *testing.T) {
	l := newTestLadder(t, nil, DefaultConfig())

	_, err := l.CreateBaseSummary(context.Background(), []Message{{Role: "user", Content: "hi"}}, "persona")
	require.Error(t, err)
}

func TestCreateBaseSummaryPropagatesLLMFailure(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("model unavailable")}
	l := newTestLadder(t, llm, DefaultConfig())

	_, err := l.CreateBaseSummary(context.Background(), []Message{{Role: "user", Content: "hi"}}, "persona")
	require.Error(t, err)
}

func TestBuildTranscriptRendersToolResults(t *testing.T) {
	transcript := buildTranscript([]Message{
		{Role: "user", Content: "run the tool"},
		{Role: "tool", Content: "raw json blob", ToolResult: true},
	})
	assert.Contains(t, transcript, "user: run the tool")
	assert.Contains(t, transcript, "tool: [tool result]")
	assert.NotContains(t, transcript, "raw json blob")
}

func TestCheckPromotionNeededTriggersAtThreshold(t *testing.T) {
	llm := &fakeLLM{response: "summary text"}
	cfg := Config{BaseThreshold: 1, RecursiveThreshold: 3, MaxLevel: 3, RecentCount: 3}
	l := newTestLadder(t, llm, cfg)

	for i := 0; i < 3; i++ {
		_, err := l.CreateBaseSummary(context.Background(), []Message{{Role: "user", Content: "msg"}}, "persona")
		require.NoError(t, err)
	}

	plan, err := l.CheckPromotionNeeded()
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.Level)
	assert.Len(t, plan.Summaries, 3)
}

func TestCheckPromotionNeededNotYet(t *testing.T) {
	llm := &fakeLLM{response: "summary text"}
	cfg := Config{BaseThreshold: 1, RecursiveThreshold: 3, MaxLevel: 3, RecentCount: 3}
	l := newTestLadder(t, llm, cfg)

	_, err := l.CreateBaseSummary(context.Background(), []Message{{Role: "user", Content: "msg"}}, "persona")
	require.NoError(t, err)

	plan, err := l.CheckPromotionNeeded()
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestMarkConsolidatedIsMonotone(t *testing.T) {
	llm := &fakeLLM{response: "summary text"}
	cfg := Config{BaseThreshold: 1, RecursiveThreshold: 1, MaxLevel: 3, RecentCount: 3}
	l := newTestLadder(t, llm, cfg)

	id, err := l.CreateBaseSummary(context.Background(), []Message{{Role: "user", Content: "msg"}}, "persona")
	require.NoError(t, err)

	plan, err := l.CheckPromotionNeeded()
	require.NoError(t, err)
	require.NotNil(t, plan)

	require.NoError(t, l.MarkConsolidated([]int64{id}, 999))

	plan, err = l.CheckPromotionNeeded()
	require.NoError(t, err)
	assert.Nil(t, plan, "consolidated summary should no longer count toward a pending promotion")
}

func TestLoadForContextRecentOrdering(t *testing.T) {
	llm := &fakeLLM{response: "summary"}
	l := newTestLadder(t, llm, DefaultConfig())

	var lastID int64
	for i := 0; i < 2; i++ {
		id, err := l.CreateBaseSummary(context.Background(), []Message{{Role: "user", Content: "msg"}}, "persona")
		require.NoError(t, err)
		lastID = id
	}

	loaded, err := l.LoadForContext()
	require.NoError(t, err)
	require.NotEmpty(t, loaded.Recent)
	assert.Equal(t, lastID, loaded.Recent[0].ID)
}

func TestBuildPromptFragmentEmptyWhenNothingLoaded(t *testing.T) {
	l := newTestLadder(t, nil, DefaultConfig())
	fragment := l.BuildPromptFragment(Loaded{})
	assert.Equal(t, "", fragment)
}

func TestBuildPromptFragmentRendersBothSections(t *testing.T) {
	l := newTestLadder(t, nil, DefaultConfig())
	loaded := Loaded{
		Recent:   []Summary{{ID: 1, Text: "recent summary", MessageCount: 5, CreatedAt: 1000}},
		LongTerm: []Summary{{ID: 2, Text: "long term summary", Level: 1, MessageCount: 40, CreatedAt: 2000}},
	}
	fragment := l.BuildPromptFragment(loaded)
	assert.Contains(t, fragment, "## Conversation History")
	assert.Contains(t, fragment, "### Long-term Context")
	assert.Contains(t, fragment, "### Recent Conversations")
	assert.Contains(t, fragment, "recent summary")
	assert.Contains(t, fragment, "long term summary")
}
