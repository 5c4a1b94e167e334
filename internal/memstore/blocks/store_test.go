package blocks

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/semantic"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx := semantic.New(db, nil)
	require.NoError(t, idx.Initialize())

	s := New(db, idx)
	require.NoError(t, s.Initialize())
	return s
}

func TestCreateAndGetBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBlock(ctx, "test-block", "Test Block", "Test content", TypeCore)
	require.NoError(t, err)
	assert.Equal(t, "test-block", b.ID)

	got, err := s.GetBlock("test-block")
	require.NoError(t, err)
	assert.Equal(t, "Test Block", got.Label)
	assert.Equal(t, "Test content", got.Content)
	assert.Equal(t, TypeCore, got.Type)
}

func TestCreateBlockConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBlock(ctx, "dup", "Label", "content", TypeCore)
	require.NoError(t, err)

	_, err = s.CreateBlock(ctx, "dup", "Label", "other", TypeCore)
	require.Error(t, err)
	var conflict *memerr.BlockConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestGetBlockNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBlock("missing")
	require.Error(t, err)
	var notFound *memerr.BlockNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestInsertContentAtEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "b", "Label", "Original content", TypeCore)
	require.NoError(t, err)

	require.NoError(t, s.InsertContent(ctx, "b", "New content", PositionEnd))

	got, err := s.GetBlock("b")
	require.NoError(t, err)
	assert.Equal(t, "Original content\nNew content", got.Content)
}

func TestInsertContentAtStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "b", "Label", "Original content", TypeCore)
	require.NoError(t, err)

	require.NoError(t, s.InsertContent(ctx, "b", "New content", PositionStart))

	got, err := s.GetBlock("b")
	require.NoError(t, err)
	assert.Equal(t, "New content\nOriginal content", got.Content)
}

func TestReplaceContentFirstOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "b", "Label", "The old text here", TypeCore)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceContent(ctx, "b", "old text", "new text"))

	got, err := s.GetBlock("b")
	require.NoError(t, err)
	assert.Equal(t, "The new text here", got.Content)
}

func TestReplaceContentNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "b", "Label", "some content", TypeCore)
	require.NoError(t, err)

	err = s.ReplaceContent(ctx, "b", "absent", "new")
	require.Error(t, err)
	var contentNotFound *memerr.ContentNotFound
	assert.ErrorAs(t, err, &contentNotFound)
}

func TestRethinkBlockRequiresExistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RethinkBlock(ctx, "missing", "new content", "reason")
	require.Error(t, err)
	var notFound *memerr.BlockNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRethinkBlockOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "b", "Label", "old", TypeCore)
	require.NoError(t, err)

	require.NoError(t, s.RethinkBlock(ctx, "b", "entirely new", "correcting an earlier mistake"))

	got, err := s.GetBlock("b")
	require.NoError(t, err)
	assert.Equal(t, "entirely new", got.Content)
}

func TestDeleteBlockRemovesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "b", "Label", "content", TypeCore)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBlock("b"))

	_, err = s.GetBlock("b")
	require.Error(t, err)
}

func TestInsertArchivalIDPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertArchival(ctx, "Historical fact", map[string]interface{}{"category": "history"})
	require.NoError(t, err)
	assert.Regexp(t, `^archival_\d+_[a-z0-9]+$`, id)
}

func TestSearchArchivalSubstringFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertArchival(ctx, "the sky is blue", nil)
	require.NoError(t, err)
	_, err = s.InsertArchival(ctx, "the grass is green", nil)
	require.NoError(t, err)

	results, err := s.SearchArchival("sky", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "sky")
}

func TestBuildCorePromptFragmentEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "", s.BuildCorePromptFragment())
}

func TestBuildCorePromptFragmentListsCoreBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "human", "Human", "Alice likes tea.", TypeCore)
	require.NoError(t, err)
	_, err = s.CreateBlock(ctx, "archived-one", "Archived", "not shown", TypeArchival)
	require.NoError(t, err)

	fragment := s.BuildCorePromptFragment()
	assert.Contains(t, fragment, "## Core Memory")
	assert.Contains(t, fragment, "Alice likes tea.")
	assert.NotContains(t, fragment, "not shown")
}
