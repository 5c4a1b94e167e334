package toolsurface

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerdlabs/memstore/internal/memstore/engine"
)

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "surface.db")
	cfg.LogLevel = "error"

	eng, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return New(eng)
}

func TestMemoryCreateBlockAndGet(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()

	created := s.MemoryCreateBlock(ctx, "human", "Human", "Alice likes tea", "core")
	assert.True(t, created.Success)
	assert.Equal(t, "human", created.BlockID)

	got := s.MemoryGetBlock("human")
	assert.True(t, got.Found)
	assert.Equal(t, "Alice likes tea", got.Block.Content)
}

func TestMemoryCreateBlockConflict(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()

	first := s.MemoryCreateBlock(ctx, "dup", "Dup", "content", "core")
	require.True(t, first.Success)

	second := s.MemoryCreateBlock(ctx, "dup", "Dup", "other", "core")
	assert.False(t, second.Success)
}

func TestMemoryGetBlockNotFound(t *testing.T) {
	s := newTestSurface(t)
	got := s.MemoryGetBlock("missing")
	assert.False(t, got.Found)
}

func TestMemoryReplaceNotFound(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()
	s.MemoryCreateBlock(ctx, "b", "B", "hello world", "core")

	result := s.MemoryReplace(ctx, "b", "absent text", "replacement")
	assert.False(t, result.Success)
}

func TestMemorySearchFallsBackToSubstring(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()
	s.MemoryCreateBlock(ctx, "b1", "B1", "the sky is blue", "core")
	s.MemoryCreateBlock(ctx, "b2", "B2", "the grass is green", "core")

	result, err := s.MemorySearch(ctx, "sky", nil, 5, true)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, 1.0, result.Results[0].Score)
}

func TestArchivalInsertAndSearch(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()

	inserted := s.ArchivalInsert(ctx, "a historical fact", map[string]interface{}{"category": "history"})
	assert.True(t, inserted.Success)
	assert.Regexp(t, `^archival_\d+_[a-z0-9]+$`, inserted.ID)

	result, err := s.ArchivalSearch(ctx, "historical", 10, false)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
}

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	s := newTestSurface(t)

	written, err := s.MemoryWrite("greeting", "hello")
	require.NoError(t, err)
	assert.True(t, written.Found)

	read, err := s.MemoryRead("greeting")
	require.NoError(t, err)
	assert.True(t, read.Found)
	assert.Equal(t, "hello", read.Text)
}

func TestMemoryReadMissing(t *testing.T) {
	s := newTestSurface(t)
	read, err := s.MemoryRead("nonexistent")
	require.NoError(t, err)
	assert.False(t, read.Found)
}
