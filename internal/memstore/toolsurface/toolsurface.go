// Package toolsurface implements the ten LLM-facing tool operations (spec
// §6): it translates raw engine results into the JSON-able, tool-layer
// shapes (rounded scores, localized timestamps, success/message envelopes)
// that a host transport hands back to the model.
package toolsurface

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerdlabs/memstore/internal/memstore/blocks"
	"github.com/nerdlabs/memstore/internal/memstore/embedding"
	"github.com/nerdlabs/memstore/internal/memstore/engine"
	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/semantic"
)

// Surface dispatches the ten recognized tool names against an *engine.Engine.
type Surface struct {
	eng *engine.Engine
}

// New wires a Surface to eng.
func New(eng *engine.Engine) *Surface {
	return &Surface{eng: eng}
}

func localize(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func preview(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// BlockView is memory_get_block / memory_list_blocks's block shape.
type BlockView struct {
	BlockID   string `json:"block_id"`
	Label     string `json:"label,omitempty"`
	Content   string `json:"content,omitempty"`
	Preview   string `json:"preview,omitempty"`
	Type      string `json:"type,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// GetBlockResult is memory_get_block's return shape.
type GetBlockResult struct {
	Found   bool      `json:"found"`
	Message string    `json:"message,omitempty"`
	Block   BlockView `json:"block,omitempty"`
}

// MemoryGetBlock implements the memory_get_block tool.
func (s *Surface) MemoryGetBlock(blockID string) GetBlockResult {
	b, err := s.eng.Blocks.GetBlock(blockID)
	if err != nil {
		var notFound *memerr.BlockNotFound
		if errors.As(err, &notFound) {
			return GetBlockResult{Found: false, Message: fmt.Sprintf("block %q does not exist", blockID)}
		}
		return GetBlockResult{Found: false, Message: err.Error()}
	}
	return GetBlockResult{
		Found: true,
		Block: BlockView{BlockID: b.ID, Label: b.Label, Content: b.Content, UpdatedAt: localize(b.UpdatedAt)},
	}
}

// Result is the generic {success, message} envelope most tools return.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// MemoryInsert implements the memory_insert tool.
func (s *Surface) MemoryInsert(ctx context.Context, blockID, content, position string) Result {
	pos := blocks.PositionEnd
	if position == string(blocks.PositionStart) {
		pos = blocks.PositionStart
	}
	if err := s.eng.Blocks.InsertContent(ctx, blockID, content, pos); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("content inserted into %q", blockID)}
}

// MemoryReplace implements the memory_replace tool.
func (s *Surface) MemoryReplace(ctx context.Context, blockID, oldContent, newContent string) Result {
	err := s.eng.Blocks.ReplaceContent(ctx, blockID, oldContent, newContent)
	if err != nil {
		var contentNotFound *memerr.ContentNotFound
		if errors.As(err, &contentNotFound) {
			return Result{Success: false, Message: fmt.Sprintf("content not found in block %q", blockID)}
		}
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("content replaced in %q", blockID)}
}

// MemoryRethink implements the memory_rethink tool.
func (s *Surface) MemoryRethink(ctx context.Context, blockID, newContent, reason string) Result {
	if err := s.eng.Blocks.RethinkBlock(ctx, blockID, newContent, reason); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("block %q rethought", blockID)}
}

// CreateBlockResult is memory_create_block's return shape.
type CreateBlockResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	BlockID string `json:"block_id,omitempty"`
}

// MemoryCreateBlock implements the memory_create_block tool.
func (s *Surface) MemoryCreateBlock(ctx context.Context, blockID, label, content, blockType string) CreateBlockResult {
	typ := blocks.TypeCore
	if blockType == string(blocks.TypeArchival) {
		typ = blocks.TypeArchival
	}
	_, err := s.eng.Blocks.CreateBlock(ctx, blockID, label, content, typ)
	if err != nil {
		var conflict *memerr.BlockConflict
		if errors.As(err, &conflict) {
			return CreateBlockResult{Success: false, Message: fmt.Sprintf("block %q already exists", blockID)}
		}
		return CreateBlockResult{Success: false, Message: err.Error()}
	}
	return CreateBlockResult{Success: true, Message: "block created", BlockID: blockID}
}

// ListBlocksResult is memory_list_blocks's return shape.
type ListBlocksResult struct {
	Blocks []BlockView `json:"blocks"`
}

// MemoryListBlocks implements the memory_list_blocks tool.
func (s *Surface) MemoryListBlocks(blockType string) (ListBlocksResult, error) {
	all, err := s.eng.Blocks.GetAllBlocks(blocks.Type(blockType))
	if err != nil {
		return ListBlocksResult{}, err
	}
	views := make([]BlockView, len(all))
	for i, b := range all {
		views[i] = BlockView{
			BlockID:   b.ID,
			Label:     b.Label,
			Type:      string(b.Type),
			Preview:   preview(b.Content, 100),
			UpdatedAt: localize(b.UpdatedAt),
		}
	}
	return ListBlocksResult{Blocks: views}, nil
}

// SearchResultItem is one memory_search hit.
type SearchResultItem struct {
	BlockID string  `json:"block_id"`
	Label   string  `json:"label"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchResult is memory_search's return shape.
type SearchResult struct {
	Results []SearchResultItem `json:"results"`
}

// MemorySearch implements the memory_search tool, falling back to
// case-insensitive substring matching (score 1.0) when semantic search is
// requested but unavailable.
func (s *Surface) MemorySearch(ctx context.Context, query string, blockIDs []string, limit int, useSemanticSearch bool) (SearchResult, error) {
	candidates, err := s.searchCandidates(blockIDs)
	if err != nil {
		return SearchResult{}, err
	}

	if useSemanticSearch {
		items := blocks.ItemsForSearch(candidates)
		scored, err := s.eng.Semantic.SearchBlocks(ctx, query, items, limit, 0.5)
		if err == nil {
			return SearchResult{Results: toSearchResults(candidates, scored)}, nil
		}
		var unavailable *embedding.ErrUnavailable
		if !errors.As(err, &unavailable) {
			return SearchResult{}, err
		}
		// fall through to substring search
	}

	return SearchResult{Results: substringSearch(candidates, query, limit)}, nil
}

func (s *Surface) searchCandidates(blockIDs []string) ([]blocks.Block, error) {
	if len(blockIDs) == 0 {
		return s.eng.Blocks.GetAllBlocks("")
	}
	out := make([]blocks.Block, 0, len(blockIDs))
	for _, id := range blockIDs {
		b, err := s.eng.Blocks.GetBlock(id)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func toSearchResults(candidates []blocks.Block, scored []semantic.Scored) []SearchResultItem {
	byID := make(map[string]blocks.Block, len(candidates))
	for _, b := range candidates {
		byID[b.ID] = b
	}
	out := make([]SearchResultItem, 0, len(scored))
	for _, sc := range scored {
		b, ok := byID[sc.Item.ID]
		if !ok {
			continue
		}
		out = append(out, SearchResultItem{BlockID: b.ID, Label: b.Label, Content: b.Content, Score: round2(sc.Score)})
	}
	return out
}

func substringSearch(candidates []blocks.Block, query string, limit int) []SearchResultItem {
	if limit <= 0 {
		limit = 5
	}
	q := strings.ToLower(query)
	var out []SearchResultItem
	for _, b := range candidates {
		if strings.Contains(strings.ToLower(b.Content), q) {
			out = append(out, SearchResultItem{BlockID: b.ID, Label: b.Label, Content: b.Content, Score: 1.0})
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// ArchivalSearchResultItem is one archival_search hit.
type ArchivalSearchResultItem struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	CreatedAt string                 `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata"`
	Score     *float64               `json:"score,omitempty"`
}

// ArchivalSearchResult is archival_search's return shape.
type ArchivalSearchResult struct {
	Results []ArchivalSearchResultItem `json:"results"`
}

// ArchivalInsertResult is archival_insert's return shape.
type ArchivalInsertResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// ArchivalInsert implements the archival_insert tool.
func (s *Surface) ArchivalInsert(ctx context.Context, content string, metadata map[string]interface{}) ArchivalInsertResult {
	id, err := s.eng.Blocks.InsertArchival(ctx, content, metadata)
	if err != nil {
		return ArchivalInsertResult{Success: false, Message: err.Error()}
	}
	return ArchivalInsertResult{Success: true, Message: "archival entry created", ID: id}
}

// ArchivalSearch implements the archival_search tool, with the same
// semantic-then-substring fallback as MemorySearch.
func (s *Surface) ArchivalSearch(ctx context.Context, query string, limit int, useSemanticSearch bool) (ArchivalSearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	if useSemanticSearch {
		all, err := s.eng.Blocks.GetAllArchival()
		if err == nil {
			items := blocks.ArchivalItemsForSearch(all)
			scored, err := s.eng.Semantic.SearchArchival(ctx, query, items, limit, 0.5)
			if err == nil {
				byID := make(map[string]blocks.ArchivalEntry, len(all))
				for _, e := range all {
					byID[e.ID] = e
				}
				out := make([]ArchivalSearchResultItem, 0, len(scored))
				for _, sc := range scored {
					e, ok := byID[sc.Item.ID]
					if !ok {
						continue
					}
					score := round2(sc.Score)
					out = append(out, ArchivalSearchResultItem{
						ID: e.ID, Content: e.Content, CreatedAt: localize(e.CreatedAt), Metadata: e.Metadata, Score: &score,
					})
				}
				return ArchivalSearchResult{Results: out}, nil
			}
			var unavailable *embedding.ErrUnavailable
			if !errors.As(err, &unavailable) {
				return ArchivalSearchResult{}, err
			}
		}
	}

	entries, err := s.eng.Blocks.SearchArchival(query, limit)
	if err != nil {
		return ArchivalSearchResult{}, err
	}
	out := make([]ArchivalSearchResultItem, len(entries))
	for i, e := range entries {
		score := 1.0
		out[i] = ArchivalSearchResultItem{ID: e.ID, Content: e.Content, CreatedAt: localize(e.CreatedAt), Metadata: e.Metadata, Score: &score}
	}
	return ArchivalSearchResult{Results: out}, nil
}

// KVResult is memory_read / memory_write's return shape.
type KVResult struct {
	Purpose   string  `json:"purpose"`
	Text      string  `json:"text,omitempty"`
	Found     bool    `json:"found"`
	UpdatedAt *string `json:"updated_at,omitempty"`
}

// MemoryRead implements the memory_read tool.
func (s *Surface) MemoryRead(purpose string) (KVResult, error) {
	entry, ok, err := s.eng.KV.Read(purpose)
	if err != nil {
		return KVResult{}, err
	}
	if !ok {
		return KVResult{Purpose: purpose, Found: false}, nil
	}
	ts := localize(entry.UpdatedAt)
	return KVResult{Purpose: purpose, Text: entry.Text, Found: true, UpdatedAt: &ts}, nil
}

// MemoryWrite implements the memory_write tool.
func (s *Surface) MemoryWrite(purpose, text string) (KVResult, error) {
	if err := s.eng.KV.Write(purpose, text); err != nil {
		return KVResult{}, err
	}
	ts := localize(time.Now().UnixMilli())
	return KVResult{Purpose: purpose, Text: text, Found: true, UpdatedAt: &ts}, nil
}
