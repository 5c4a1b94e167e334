package kvmemory

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(openTestDB(t))
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Write("greeting", "hello there"))

	entry, ok, err := s.Read("greeting")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello there", entry.Text)
}

func TestWriteIsUpsert(t *testing.T) {
	s := New(openTestDB(t))
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Write("greeting", "first"))
	require.NoError(t, s.Write("greeting", "second"))

	entries, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Text)
}

func TestReadMissingEntry(t *testing.T) {
	s := New(openTestDB(t))
	require.NoError(t, s.Initialize())

	_, ok, err := s.Read("nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesEntryAndCache(t *testing.T) {
	s := New(openTestDB(t))
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Write("purpose", "text"))

	require.NoError(t, s.Delete("purpose"))

	_, ok, err := s.Read("purpose")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildPromptFragmentEmpty(t *testing.T) {
	s := New(openTestDB(t))
	require.NoError(t, s.Initialize())

	fragment := s.BuildPromptFragment()
	assert.Contains(t, fragment, "No entries yet")
	assert.Contains(t, fragment, "Memory Usage Policy")
}

func TestBuildPromptFragmentMarksPrivacy(t *testing.T) {
	s := New(openTestDB(t))
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Write("secret", "[PRIVATE] do not share this"))
	require.NoError(t, s.Write("public", "this is fine"))

	fragment := s.BuildPromptFragment()
	assert.Contains(t, fragment, "\U0001F512")
	assert.Contains(t, fragment, "### Entries")
}

func TestPreviewTruncatesLongText(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := preview(long, 60)
	assert.True(t, len([]rune(got)) <= 63)
	assert.Contains(t, got, "...")
}
