// Package blocks implements the Block Store (C4): typed, labeled content
// blocks with edit semantics, archival entries, and the in-memory core-block
// cache. Every content-mutating operation schedules a best-effort embedding
// refresh through a semantic.Index; failures there never fail the SQL write
// (spec §4.5's graceful-degradation invariant).
package blocks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/memlog"
	"github.com/nerdlabs/memstore/internal/memstore/semantic"
)

// Type distinguishes a block intended for always-on inclusion in the
// prompt (Core) from one intended for on-demand retrieval (Archival-typed
// blocks; not to be confused with the separate `archival` table).
type Type string

const (
	TypeCore     Type = "core"
	TypeArchival Type = "archival"
)

// Position selects which end of a block's content insert_content edits.
type Position string

const (
	PositionStart Position = "start"
	PositionEnd   Position = "end"
)

// Block is one row of the blocks table.
type Block struct {
	ID        string
	Label     string
	Content   string
	Type      Type
	UpdatedAt int64
	Metadata  map[string]interface{}
}

// ArchivalEntry is one row of the archival table.
type ArchivalEntry struct {
	ID        string
	Content   string
	CreatedAt int64
	Metadata  map[string]interface{}
	VectorID  *string
}

// Store implements C4 over a *sql.DB, backed by a semantic.Index for
// embedding refresh/delete scheduling.
type Store struct {
	db    *sql.DB
	index *semantic.Index

	mu    sync.RWMutex
	cache map[string]Block // core-block cache, id -> block
}

// New wires a Store to db and index. index may be a semantic.Index with a
// nil embedding engine -- refreshes then become no-ops, which is exactly
// the degraded mode spec §4.2 requires.
func New(db *sql.DB, index *semantic.Index) *Store {
	return &Store{db: db, index: index, cache: make(map[string]Block)}
}

// Initialize creates blocks and archival with their documented indexes.
func (s *Store) Initialize() error {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "Initialize")
	defer timer.Stop()

	const schema = `
	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_type_updated ON blocks(type, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_blocks_label ON blocks(label);

	CREATE TABLE IF NOT EXISTS archival (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		vector_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_archival_created ON archival(created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return &memerr.StorageFailure{Op: "blocks.Initialize", Cause: err}
	}

	// Best-effort cache warm: a fresh/legacy database may not have rows yet,
	// or may even predate the metadata column; tolerate either.
	if _, err := s.GetAllBlocks(""); err != nil {
		memlog.Get(memlog.CategoryBlocks).Warnw("cache warm-up failed, continuing with empty cache", "error", err)
	}
	return nil
}

func scanMetadata(raw sql.NullString) (map[string]interface{}, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

func scanBlockRow(row interface{ Scan(...interface{}) error }) (Block, error) {
	var b Block
	var typ string
	var rawMeta sql.NullString
	if err := row.Scan(&b.ID, &b.Label, &b.Content, &typ, &b.UpdatedAt, &rawMeta); err != nil {
		return Block{}, err
	}
	b.Type = Type(typ)
	meta, err := scanMetadata(rawMeta)
	if err != nil {
		return Block{}, &memerr.MemoryFailure{Op: "blocks.scanBlockRow.metadata", Cause: err}
	}
	b.Metadata = meta
	return b, nil
}

// GetBlock looks up id, cache first, then the row on miss.
func (s *Store) GetBlock(id string) (Block, error) {
	s.mu.RLock()
	if b, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return b, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRow("SELECT id, label, content, type, updated_at, metadata FROM blocks WHERE id = ?", id)
	b, err := scanBlockRow(row)
	if err == sql.ErrNoRows {
		return Block{}, &memerr.BlockNotFound{ID: id}
	}
	if err != nil {
		return Block{}, &memerr.StorageFailure{Op: "blocks.GetBlock", Cause: err}
	}

	s.mu.Lock()
	if b.Type == TypeCore {
		s.cache[id] = b
	}
	s.mu.Unlock()
	return b, nil
}

// GetAllBlocks returns blocks ordered updated_at DESC, filtered by typ when
// non-empty, refreshing the core-block cache as it goes.
func (s *Store) GetAllBlocks(typ Type) ([]Block, error) {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "GetAllBlocks")
	defer timer.Stop()

	var rows *sql.Rows
	var err error
	if typ == "" {
		rows, err = s.db.Query("SELECT id, label, content, type, updated_at, metadata FROM blocks ORDER BY updated_at DESC")
	} else {
		rows, err = s.db.Query("SELECT id, label, content, type, updated_at, metadata FROM blocks WHERE type = ? ORDER BY updated_at DESC", string(typ))
	}
	if err != nil {
		return nil, &memerr.StorageFailure{Op: "blocks.GetAllBlocks", Cause: err}
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		b, err := scanBlockRow(rows)
		if err != nil {
			return nil, &memerr.StorageFailure{Op: "blocks.GetAllBlocks.scan", Cause: err}
		}
		out = append(out, b)
		if b.Type == TypeCore {
			s.mu.Lock()
			s.cache[b.ID] = b
			s.mu.Unlock()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &memerr.StorageFailure{Op: "blocks.GetAllBlocks.rows", Cause: err}
	}
	return out, nil
}

// CreateBlock inserts a new block with empty metadata. Fails with
// *memerr.BlockConflict if id already exists.
func (s *Store) CreateBlock(ctx context.Context, id, label, content string, typ Type) (Block, error) {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "CreateBlock")
	defer timer.Stop()

	if typ == "" {
		typ = TypeCore
	}
	now := time.Now().UnixMilli()

	_, err := s.db.Exec(
		"INSERT INTO blocks (id, label, content, type, updated_at, metadata) VALUES (?, ?, ?, ?, ?, '{}')",
		id, label, content, string(typ), now,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Block{}, &memerr.BlockConflict{ID: id}
		}
		return Block{}, &memerr.StorageFailure{Op: "blocks.CreateBlock", Cause: err}
	}

	b := Block{ID: id, Label: label, Content: content, Type: typ, UpdatedAt: now, Metadata: map[string]interface{}{}}
	if typ == TypeCore {
		s.mu.Lock()
		s.cache[id] = b
		s.mu.Unlock()
	}

	if s.index != nil {
		s.index.RefreshBlockEmbedding(ctx, id, content)
	}
	return b, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// UpdateBlock overwrites a block's content in place.
func (s *Store) UpdateBlock(ctx context.Context, id, content string) error {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "UpdateBlock")
	defer timer.Stop()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec("UPDATE blocks SET content = ?, updated_at = ? WHERE id = ?", content, now, id)
	if err != nil {
		return &memerr.StorageFailure{Op: "blocks.UpdateBlock", Cause: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &memerr.BlockNotFound{ID: id}
	}

	s.mu.Lock()
	if b, ok := s.cache[id]; ok {
		b.Content = content
		b.UpdatedAt = now
		s.cache[id] = b
	}
	s.mu.Unlock()

	if s.index != nil {
		s.index.RefreshBlockEmbedding(ctx, id, content)
	}
	return nil
}

// DeleteBlock removes the row, the cache entry, and schedules embedding
// deletion.
func (s *Store) DeleteBlock(id string) error {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "DeleteBlock")
	defer timer.Stop()

	if _, err := s.db.Exec("DELETE FROM blocks WHERE id = ?", id); err != nil {
		return &memerr.StorageFailure{Op: "blocks.DeleteBlock", Cause: err}
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.DeleteBlockEmbedding(id); err != nil {
			memlog.Get(memlog.CategoryBlocks).Warnw("failed to delete block embedding", "id", id, "error", err)
		}
	}
	return nil
}

// InsertContent reads the block, merges newText at position, and writes the
// trimmed result with exactly one newline separator (spec §4.4, §8).
func (s *Store) InsertContent(ctx context.Context, id, newText string, position Position) error {
	if position == "" {
		position = PositionEnd
	}
	b, err := s.GetBlock(id)
	if err != nil {
		return err
	}

	var merged string
	if position == PositionStart {
		merged = strings.TrimSpace(newText + "\n" + b.Content)
	} else {
		merged = strings.TrimSpace(b.Content + "\n" + newText)
	}
	return s.UpdateBlock(ctx, id, merged)
}

// ReplaceContent reads the block and substitutes the first occurrence of
// oldSubstr with newSubstr. Returns *memerr.ContentNotFound when oldSubstr
// is absent -- a structured failure, not a storage-layer error.
//
// Policy: first-occurrence replacement (spec §9 open question), matching
// the conventional meaning of "replace" across the examples' string-editing
// call sites.
func (s *Store) ReplaceContent(ctx context.Context, id, oldSubstr, newSubstr string) error {
	b, err := s.GetBlock(id)
	if err != nil {
		return err
	}
	idx := strings.Index(b.Content, oldSubstr)
	if idx < 0 {
		return &memerr.ContentNotFound{BlockID: id}
	}
	merged := b.Content[:idx] + newSubstr + b.Content[idx+len(oldSubstr):]
	return s.UpdateBlock(ctx, id, merged)
}

// RethinkBlock performs a read-before-write existence check, then an
// unconditional UpdateBlock. reason is logged, not persisted.
func (s *Store) RethinkBlock(ctx context.Context, id, newContent, reason string) error {
	if _, err := s.GetBlock(id); err != nil {
		return err
	}
	if reason != "" {
		memlog.Get(memlog.CategoryBlocks).Infow("block rethought", "id", id, "reason", reason)
	}
	return s.UpdateBlock(ctx, id, newContent)
}

// InsertArchival creates a new append-only archival entry and schedules its
// embedding. Returns the generated id.
func (s *Store) InsertArchival(ctx context.Context, content string, metadata map[string]interface{}) (string, error) {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "InsertArchival")
	defer timer.Stop()

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", &memerr.MemoryFailure{Op: "blocks.InsertArchival.marshal", Cause: err}
	}

	now := time.Now().UnixMilli()
	id := fmt.Sprintf("archival_%d_%s", now, randomSuffix(8))

	_, err = s.db.Exec(
		"INSERT INTO archival (id, content, created_at, metadata, vector_id) VALUES (?, ?, ?, ?, NULL)",
		id, content, now, string(metaJSON),
	)
	if err != nil {
		return "", &memerr.StorageFailure{Op: "blocks.InsertArchival", Cause: err}
	}

	if s.index != nil {
		s.index.RefreshArchivalEmbedding(ctx, id, content)
	}
	return id, nil
}

// randomSuffix draws a uuid and keeps its first n hex characters -- already
// lowercase [a-z0-9], so the result satisfies the archival id pattern
// without a separate alphabet-mapping step.
func randomSuffix(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}

func scanArchivalRow(row interface{ Scan(...interface{}) error }) (ArchivalEntry, error) {
	var e ArchivalEntry
	var rawMeta sql.NullString
	var vectorID sql.NullString
	if err := row.Scan(&e.ID, &e.Content, &e.CreatedAt, &rawMeta, &vectorID); err != nil {
		return ArchivalEntry{}, err
	}
	meta, err := scanMetadata(rawMeta)
	if err != nil {
		return ArchivalEntry{}, err
	}
	e.Metadata = meta
	if vectorID.Valid {
		v := vectorID.String
		e.VectorID = &v
	}
	return e, nil
}

// SearchArchival is the fallback text search: LIKE %query%, newest first.
func (s *Store) SearchArchival(query string, limit int) ([]ArchivalEntry, error) {
	timer := memlog.StartTimer(memlog.CategoryBlocks, "SearchArchival")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		"SELECT id, content, created_at, metadata, vector_id FROM archival WHERE content LIKE ? ORDER BY created_at DESC LIMIT ?",
		"%"+query+"%", limit,
	)
	if err != nil {
		return nil, &memerr.StorageFailure{Op: "blocks.SearchArchival", Cause: err}
	}
	defer rows.Close()

	var out []ArchivalEntry
	for rows.Next() {
		e, err := scanArchivalRow(rows)
		if err != nil {
			return nil, &memerr.StorageFailure{Op: "blocks.SearchArchival.scan", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAllArchival returns every archival entry, newest first.
func (s *Store) GetAllArchival() ([]ArchivalEntry, error) {
	rows, err := s.db.Query("SELECT id, content, created_at, metadata, vector_id FROM archival ORDER BY created_at DESC")
	if err != nil {
		return nil, &memerr.StorageFailure{Op: "blocks.GetAllArchival", Cause: err}
	}
	defer rows.Close()

	var out []ArchivalEntry
	for rows.Next() {
		e, err := scanArchivalRow(rows)
		if err != nil {
			return nil, &memerr.StorageFailure{Op: "blocks.GetAllArchival.scan", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BuildCorePromptFragment renders every core block as a "## Core Memory"
// section, or "" if none exist (spec §4.4).
func (s *Store) BuildCorePromptFragment() string {
	blocks, err := s.GetAllBlocks(TypeCore)
	if err != nil || len(blocks) == 0 {
		return ""
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].UpdatedAt > blocks[j].UpdatedAt })

	var b strings.Builder
	b.WriteString("## Core Memory\n\n")
	for _, blk := range blocks {
		ts := time.UnixMilli(blk.UpdatedAt).Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "### %s (%s)\n*Last updated: %s*\n\n%s\n\n---\n\n", blk.Label, blk.ID, ts, blk.Content)
	}
	b.WriteString("Use memory_insert, memory_replace, or memory_rethink to edit these blocks.\n")
	return b.String()
}

// ItemsForSearch projects a block slice down to semantic.Item pairs for
// passing into a semantic.Index search/ensure call.
func ItemsForSearch(blocks []Block) []semantic.Item {
	items := make([]semantic.Item, len(blocks))
	for i, b := range blocks {
		items[i] = semantic.Item{ID: b.ID, Content: b.Content}
	}
	return items
}

// ArchivalItemsForSearch is ItemsForSearch's archival counterpart.
func ArchivalItemsForSearch(entries []ArchivalEntry) []semantic.Item {
	items := make([]semantic.Item, len(entries))
	for i, e := range entries {
		items[i] = semantic.Item{ID: e.ID, Content: e.Content}
	}
	return items
}
