// Package semantic implements the Semantic Index (C5): parallel embedding
// tables keyed by block-id / archival-id, cosine ranking over them, and a
// batch ensure-embeddings pass. Every generating operation requires an
// embedding.Engine; when none is configured the index still stores and
// serves whatever embeddings happen to already be on disk, but never
// generates new ones -- callers fall back to substring search instead.
package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerdlabs/memstore/internal/memstore/embedding"
	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

// Item is the minimal (id, content) pair the index needs to embed or
// search something. Callers (blocks.Store) project their richer types down
// to this before calling into the index.
type Item struct {
	ID      string
	Content string
}

// Scored pairs an Item with its similarity score against a query.
type Scored struct {
	Item  Item
	Score float64
}

// Index implements C5 over a *sql.DB and an optional embedding.Engine.
type Index struct {
	db     *sql.DB
	engine embedding.Engine

	vectorExt bool // sqlite-vec available for accelerated ANN ranking
}

// New wires an Index to db. engine may be nil (keyword-search-only mode).
func New(db *sql.DB, engine embedding.Engine) *Index {
	return &Index{db: db, engine: engine}
}

// SetEngine swaps the embedding engine used for generation. Passing nil
// disables generation without discarding already-stored embeddings.
func (x *Index) SetEngine(engine embedding.Engine) { x.engine = engine }

// HasEngine reports whether a generating embedding engine is configured.
func (x *Index) HasEngine() bool { return x.engine != nil }

// Initialize creates block_embeddings and archival_embeddings.
func (x *Index) Initialize() error {
	timer := memlog.StartTimer(memlog.CategorySemantic, "Initialize")
	defer timer.Stop()

	const schema = `
	CREATE TABLE IF NOT EXISTS block_embeddings (
		block_id TEXT PRIMARY KEY,
		embedding TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS archival_embeddings (
		entry_id TEXT PRIMARY KEY,
		embedding TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := x.db.Exec(schema); err != nil {
		return &memerr.StorageFailure{Op: "semantic.Initialize", Cause: err}
	}

	x.vectorExt = x.tryEnableVectorExtension()
	return nil
}

func (x *Index) storeEmbedding(table, idColumn, id string, vec []float32) error {
	blob, err := json.Marshal(vec)
	if err != nil {
		return &memerr.MemoryFailure{Op: "semantic.storeEmbedding.marshal", Cause: err}
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, embedding, updated_at) VALUES (?, ?, ?) ON CONFLICT(%s) DO UPDATE SET embedding = excluded.embedding, updated_at = excluded.updated_at",
		table, idColumn, idColumn,
	)
	if _, err := x.db.Exec(query, id, string(blob), time.Now().UnixMilli()); err != nil {
		return &memerr.StorageFailure{Op: "semantic.storeEmbedding", Cause: err}
	}
	if x.vectorExt {
		x.mirrorToVecTable(table, id, vec)
	}
	return nil
}

// StoreBlockEmbedding upserts the embedding for a block id.
func (x *Index) StoreBlockEmbedding(id string, vec []float32) error {
	return x.storeEmbedding("block_embeddings", "block_id", id, vec)
}

// StoreArchivalEmbedding upserts the embedding for an archival entry id.
func (x *Index) StoreArchivalEmbedding(id string, vec []float32) error {
	return x.storeEmbedding("archival_embeddings", "entry_id", id, vec)
}

func (x *Index) deleteEmbedding(table, idColumn, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, idColumn)
	if _, err := x.db.Exec(query, id); err != nil {
		return &memerr.StorageFailure{Op: "semantic.deleteEmbedding", Cause: err}
	}
	if x.vectorExt {
		x.deleteFromVecTable(table, id)
	}
	return nil
}

// DeleteBlockEmbedding unconditionally removes a block's embedding row.
func (x *Index) DeleteBlockEmbedding(id string) error {
	return x.deleteEmbedding("block_embeddings", "block_id", id)
}

// DeleteArchivalEmbedding unconditionally removes an archival entry's
// embedding row.
func (x *Index) DeleteArchivalEmbedding(id string) error {
	return x.deleteEmbedding("archival_embeddings", "entry_id", id)
}

func (x *Index) loadAll(table, idColumn string) (map[string][]float32, error) {
	query := fmt.Sprintf("SELECT %s, embedding FROM %s", idColumn, table)
	rows, err := x.db.Query(query)
	if err != nil {
		return nil, &memerr.StorageFailure{Op: "semantic.loadAll", Cause: err}
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, &memerr.StorageFailure{Op: "semantic.loadAll.scan", Cause: err}
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			memlog.Get(memlog.CategorySemantic).Warnw("skipping unparseable embedding row", "id", id, "error", err)
			continue
		}
		out[id] = vec
	}
	if err := rows.Err(); err != nil {
		return nil, &memerr.StorageFailure{Op: "semantic.loadAll.rows", Cause: err}
	}
	return out, nil
}

// LoadAllBlockEmbeddings returns every stored block embedding, keyed by id.
func (x *Index) LoadAllBlockEmbeddings() (map[string][]float32, error) {
	return x.loadAll("block_embeddings", "block_id")
}

// LoadAllArchivalEmbeddings returns every stored archival embedding, keyed
// by id.
func (x *Index) LoadAllArchivalEmbeddings() (map[string][]float32, error) {
	return x.loadAll("archival_embeddings", "entry_id")
}

// RefreshBlockEmbedding best-effort (re)generates and stores the embedding
// for a block after a create/update. Failure is logged at warning level and
// otherwise swallowed -- spec §4.5's graceful-degradation invariant.
func (x *Index) RefreshBlockEmbedding(ctx context.Context, id, content string) {
	x.refresh(ctx, "block", id, content, x.StoreBlockEmbedding)
}

// RefreshArchivalEmbedding is RefreshBlockEmbedding's archival counterpart.
func (x *Index) RefreshArchivalEmbedding(ctx context.Context, id, content string) {
	x.refresh(ctx, "archival", id, content, x.StoreArchivalEmbedding)
}

func (x *Index) refresh(ctx context.Context, kind, id, content string, store func(string, []float32) error) {
	if x.engine == nil {
		return
	}
	vec, err := x.engine.Embed(ctx, content)
	if err != nil {
		memlog.Get(memlog.CategorySemantic).Warnw("embedding refresh failed, content still persisted", "kind", kind, "id", id, "error", err)
		return
	}
	if err := store(id, vec); err != nil {
		memlog.Get(memlog.CategorySemantic).Warnw("embedding store failed after successful generation", "kind", kind, "id", id, "error", err)
	}
}

// EnsureBlockEmbeddings generates and stores an embedding for every item in
// items that doesn't already have one, continuing past per-item failures.
// Returns the count successfully generated.
func (x *Index) EnsureBlockEmbeddings(ctx context.Context, items []Item) (int, error) {
	return x.ensure(ctx, items, x.LoadAllBlockEmbeddings, x.StoreBlockEmbedding)
}

// EnsureArchivalEmbeddings is EnsureBlockEmbeddings' archival counterpart.
func (x *Index) EnsureArchivalEmbeddings(ctx context.Context, items []Item) (int, error) {
	return x.ensure(ctx, items, x.LoadAllArchivalEmbeddings, x.StoreArchivalEmbedding)
}

func (x *Index) ensure(ctx context.Context, items []Item, loadAll func() (map[string][]float32, error), store func(string, []float32) error) (int, error) {
	timer := memlog.StartTimer(memlog.CategorySemantic, "ensure")
	defer timer.Stop()

	if x.engine == nil {
		return 0, nil
	}

	existing, err := loadAll()
	if err != nil {
		return 0, err
	}

	var missing []Item
	for _, it := range items {
		if _, ok := existing[it.ID]; !ok {
			missing = append(missing, it)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	// Only the Embed network calls run concurrently (bounded to 4 in
	// flight); the store write is serialized through writeMu so the store
	// keeps its single-writer contract (spec §5) even with several
	// embeddings completing at once.
	var generated atomic.Int32
	var writeMu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, it := range missing {
		it := it
		group.Go(func() error {
			vec, err := x.engine.Embed(gctx, it.Content)
			if err != nil {
				memlog.Get(memlog.CategorySemantic).Warnw("ensure embeddings: per-item failure, continuing", "id", it.ID, "error", err)
				return nil
			}

			writeMu.Lock()
			err = store(it.ID, vec)
			writeMu.Unlock()
			if err != nil {
				memlog.Get(memlog.CategorySemantic).Warnw("ensure embeddings: store failure, continuing", "id", it.ID, "error", err)
				return nil
			}
			generated.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	return int(generated.Load()), nil
}

// search ranks items against query using whichever embeddings are already
// stored, skipping items without one. When the sqlite-vec extension is
// loaded, ranking is pushed down into vec_distance_cosine over the mirrored
// vec0 table instead of the in-process loop.
func (x *Index) search(ctx context.Context, query string, items []Item, limit int, threshold float64, table string, loadAll func() (map[string][]float32, error)) ([]Scored, error) {
	if x.engine == nil {
		return nil, &embedding.ErrUnavailable{Op: "semantic.search", Cause: fmt.Errorf("no embedding engine configured")}
	}
	if limit <= 0 {
		limit = 5
	}

	qvec, err := x.engine.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if x.vectorExt {
		results, err := x.vecSearch(table, qvec, items, limit)
		if err != nil {
			return nil, &memerr.StorageFailure{Op: "semantic.search.vec", Cause: err}
		}
		filtered := make([]Scored, 0, len(results))
		for _, r := range results {
			if r.Score >= threshold {
				filtered = append(filtered, r)
			}
		}
		sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
		if len(filtered) > limit {
			filtered = filtered[:limit]
		}
		return filtered, nil
	}

	stored, err := loadAll()
	if err != nil {
		return nil, err
	}

	results := make([]Scored, 0, len(items))
	for _, it := range items {
		vec, ok := stored[it.ID]
		if !ok {
			continue
		}
		score, err := embedding.Cosine(qvec, vec)
		if err != nil {
			memlog.Get(memlog.CategorySemantic).Warnw("skipping item with mismatched embedding dimensions", "id", it.ID, "error", err)
			continue
		}
		if score < threshold {
			continue
		}
		results = append(results, Scored{Item: it, Score: score})
	}

	// Stable sort descending by score; ties keep input order (sort.SliceStable
	// over the already-input-ordered slice achieves the documented tie-break).
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchBlocks ranks blocks against query (spec §4.5 steps 1-6).
func (x *Index) SearchBlocks(ctx context.Context, query string, items []Item, limit int, threshold float64) ([]Scored, error) {
	return x.search(ctx, query, items, limit, threshold, "block_embeddings", x.LoadAllBlockEmbeddings)
}

// SearchArchival ranks archival entries against query.
func (x *Index) SearchArchival(ctx context.Context, query string, items []Item, limit int, threshold float64) ([]Scored, error) {
	return x.search(ctx, query, items, limit, threshold, "archival_embeddings", x.LoadAllArchivalEmbeddings)
}
