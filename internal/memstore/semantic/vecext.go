//go:build sqlite_vec && cgo

// This file registers the real sqlite-vec extension with the mattn/go-sqlite3
// driver, grounded on the teacher's internal/store/init_vec.go. When built
// with this tag, Index mirrors every embedding into a vec0 virtual table and
// ranks search candidates with vec_distance_cosine instead of the in-process
// cosine loop, trading the pure-Go fallback for true ANN acceleration on
// larger stores.
package semantic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

func init() {
	vec.Auto()
}

// tryEnableVectorExtension probes for vec0 support by creating the mirror
// virtual tables. Failure is non-fatal: the index keeps working off the
// plain block_embeddings/archival_embeddings tables.
func (x *Index) tryEnableVectorExtension() bool {
	dims := embeddingDimsHint(x)
	if dims <= 0 {
		return false
	}
	schema := fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS block_vec_index USING vec0(embedding float[%d]);
	CREATE VIRTUAL TABLE IF NOT EXISTS archival_vec_index USING vec0(embedding float[%d]);
	`, dims, dims)
	if _, err := x.db.Exec(schema); err != nil {
		memlog.Get(memlog.CategorySemantic).Warnw("sqlite-vec unavailable, falling back to in-process cosine", "error", err)
		return false
	}
	memlog.Get(memlog.CategorySemantic).Infow("sqlite-vec extension enabled", "dimensions", dims)
	return true
}

func embeddingDimsHint(x *Index) int {
	if x.engine == nil {
		return 0
	}
	return x.engine.Dimensions()
}

func (x *Index) vecTableFor(table string) string {
	if table == "block_embeddings" {
		return "block_vec_index"
	}
	return "archival_vec_index"
}

func (x *Index) mirrorToVecTable(table, id string, v []float32) {
	vecTable := x.vecTableFor(table)
	blob := encodeFloat32Slice(v)
	rowid := hashID(id)
	_, err := x.db.Exec(fmt.Sprintf("INSERT OR REPLACE INTO %s (rowid, embedding) VALUES (?, ?)", vecTable), rowid, blob)
	if err != nil {
		memlog.Get(memlog.CategorySemantic).Warnw("failed to mirror embedding into vec table", "table", vecTable, "id", id, "error", err)
	}
}

func (x *Index) deleteFromVecTable(table, id string) {
	vecTable := x.vecTableFor(table)
	rowid := hashID(id)
	if _, err := x.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", vecTable), rowid); err != nil {
		memlog.Get(memlog.CategorySemantic).Warnw("failed to delete mirrored embedding", "table", vecTable, "id", id, "error", err)
	}
}

func encodeFloat32Slice(v []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// vecSearch ranks items against qvec using vec_distance_cosine over the
// mirrored vec0 table, following the teacher's vectorRecallVec in
// internal/store/vector_store.go: the query returns a distance, so
// similarity is 1 - dist. Only rowids present in items are considered, since
// the vec table may carry entries the caller's item set has already filtered
// out (e.g. by persona or archival scope).
func (x *Index) vecSearch(table string, qvec []float32, items []Item, limit int) ([]Scored, error) {
	if len(items) == 0 {
		return nil, nil
	}
	vecTable := x.vecTableFor(table)

	byHash := make(map[int64]Item, len(items))
	placeholders := make([]string, len(items))
	args := make([]interface{}, 0, len(items)+2)
	args = append(args, encodeFloat32Slice(qvec))
	for i, it := range items {
		h := hashID(it.ID)
		byHash[h] = it
		placeholders[i] = "?"
		args = append(args, h)
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		"SELECT rowid, vec_distance_cosine(embedding, ?) AS dist FROM %s WHERE rowid IN (%s) ORDER BY dist ASC LIMIT ?",
		vecTable, strings.Join(placeholders, ","),
	)
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic: vec search %s: %w", vecTable, err)
	}
	defer rows.Close()

	out := make([]Scored, 0, len(items))
	for rows.Next() {
		var rowid int64
		var dist float64
		if err := rows.Scan(&rowid, &dist); err != nil {
			return nil, err
		}
		item, ok := byHash[rowid]
		if !ok {
			continue
		}
		out = append(out, Scored{Item: item, Score: 1 - dist})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// hashID maps a text id to a stable int64 rowid for the vec0 mirror table.
// FNV-1a keeps this collision-resistant enough for the handful-of-thousand
// item scale this engine targets (spec §1 non-goals).
func hashID(id string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return int64(h & 0x7fffffffffffffff)
}
