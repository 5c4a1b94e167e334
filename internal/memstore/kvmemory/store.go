// Package kvmemory implements the KV Memory Store (C3): the flat
// purpose -> text legacy surface, kept for backward compatibility and as
// the source table for migration to blocks (C7).
package kvmemory

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

// Entry is one kv_memory row.
type Entry struct {
	Purpose   string
	Text      string
	UpdatedAt int64 // ms since epoch
}

var privacyMarkers = []string{"[PRIVATE]", "[CONFIDENTIAL]", "[DO NOT SHARE]", "[PERSONAL]"}

// Store implements C3 over a single *sql.DB.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]Entry
}

// New wires a Store to db. Call Initialize before use.
func New(db *sql.DB) *Store {
	return &Store{db: db, cache: make(map[string]Entry)}
}

// Initialize creates kv_memory and its updated_at index. Idempotent.
func (s *Store) Initialize() error {
	timer := memlog.StartTimer(memlog.CategoryKV, "Initialize")
	defer timer.Stop()

	const schema = `
	CREATE TABLE IF NOT EXISTS kv_memory (
		purpose TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_memory_updated_at ON kv_memory(updated_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return &memerr.StorageFailure{Op: "kvmemory.Initialize", Cause: err}
	}
	return nil
}

// LoadAll returns and caches every row, newest first.
func (s *Store) LoadAll() ([]Entry, error) {
	timer := memlog.StartTimer(memlog.CategoryKV, "LoadAll")
	defer timer.Stop()

	rows, err := s.db.Query("SELECT purpose, text, updated_at FROM kv_memory ORDER BY updated_at DESC")
	if err != nil {
		return nil, &memerr.StorageFailure{Op: "kvmemory.LoadAll", Cause: err}
	}
	defer rows.Close()

	var entries []Entry
	fresh := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Purpose, &e.Text, &e.UpdatedAt); err != nil {
			return nil, &memerr.StorageFailure{Op: "kvmemory.LoadAll.scan", Cause: err}
		}
		entries = append(entries, e)
		fresh[e.Purpose] = e
	}
	if err := rows.Err(); err != nil {
		return nil, &memerr.StorageFailure{Op: "kvmemory.LoadAll.rows", Cause: err}
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()

	return entries, nil
}

// Write upserts purpose=text with updated_at = now(). Cache updated.
func (s *Store) Write(purpose, text string) error {
	timer := memlog.StartTimer(memlog.CategoryKV, "Write")
	defer timer.Stop()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO kv_memory (purpose, text, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(purpose) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		purpose, text, now,
	)
	if err != nil {
		return &memerr.StorageFailure{Op: "kvmemory.Write", Cause: err}
	}

	s.mu.Lock()
	s.cache[purpose] = Entry{Purpose: purpose, Text: text, UpdatedAt: now}
	s.mu.Unlock()
	return nil
}

// Read looks up purpose, cache first, then the row. ok is false when
// absent.
func (s *Store) Read(purpose string) (Entry, bool, error) {
	s.mu.RLock()
	if e, ok := s.cache[purpose]; ok {
		s.mu.RUnlock()
		return e, true, nil
	}
	s.mu.RUnlock()

	var e Entry
	err := s.db.QueryRow(
		"SELECT purpose, text, updated_at FROM kv_memory WHERE purpose = ?", purpose,
	).Scan(&e.Purpose, &e.Text, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, &memerr.StorageFailure{Op: "kvmemory.Read", Cause: err}
	}

	s.mu.Lock()
	s.cache[purpose] = e
	s.mu.Unlock()
	return e, true, nil
}

// Delete removes the row and its cache entry.
func (s *Store) Delete(purpose string) error {
	timer := memlog.StartTimer(memlog.CategoryKV, "Delete")
	defer timer.Stop()

	if _, err := s.db.Exec("DELETE FROM kv_memory WHERE purpose = ?", purpose); err != nil {
		return &memerr.StorageFailure{Op: "kvmemory.Delete", Cause: err}
	}

	s.mu.Lock()
	delete(s.cache, purpose)
	s.mu.Unlock()
	return nil
}

// hasPrivacyMarker reports whether text contains one of the case-insensitive
// lock markers.
func hasPrivacyMarker(text string) bool {
	upper := strings.ToUpper(text)
	for _, marker := range privacyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func preview(text string, max int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}

// policySection is the fixed instructional tail of the prompt fragment. It
// must stay stable verbatim across rebuilds (spec §4.3) -- only the
// per-entry listings above it vary.
const policySection = `## Memory Usage Policy

**When to write:** Record durable facts about the user, the agent's own
persona, or task context that should survive across sessions -- not
transient chat pleasantries.

**What to store:** Preferences, identity facts, ongoing task state, and
anything the user explicitly asks to be remembered.

**Read-before-write:** Always read an existing entry before overwriting it;
merge new information in rather than discarding what was already recorded.

**Block organization:** Prefer the structured memory blocks (human, persona,
context) over this legacy key/value surface for anything that belongs in the
always-on prompt; use this surface only for narrow, single-purpose facts.`

// BuildPromptFragment renders the KV directory, the full entries, and the
// fixed policy section. Never fails.
func (s *Store) BuildPromptFragment() string {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.cache))
	for _, e := range s.cache {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	if len(entries) == 0 {
		return "## Memory (key/value)\n\nNo entries yet.\n\n" + policySection
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt > entries[j].UpdatedAt })

	var b strings.Builder
	b.WriteString("## Memory (key/value)\n\n### Directory\n\n")
	for _, e := range entries {
		lock := ""
		if hasPrivacyMarker(e.Text) {
			lock = " \U0001F512"
		}
		fmt.Fprintf(&b, "- %s: %s%s\n", e.Purpose, preview(e.Text, 60), lock)
	}

	b.WriteString("\n### Entries\n\n")
	for _, e := range entries {
		ts := time.UnixMilli(e.UpdatedAt).Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "**%s** (updated %s)\n%s\n\n", e.Purpose, ts, e.Text)
	}

	b.WriteString(policySection)
	return b.String()
}
