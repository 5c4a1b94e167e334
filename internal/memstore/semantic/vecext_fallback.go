//go:build !sqlite_vec || !cgo

// Default build: no sqlite-vec extension. Index always ranks via the
// in-process cosine loop in index.go's search(), matching the spec's
// baseline (non-accelerated) behavior.
package semantic

import "fmt"

func (x *Index) tryEnableVectorExtension() bool { return false }

func (x *Index) mirrorToVecTable(table, id string, v []float32) {}

func (x *Index) deleteFromVecTable(table, id string) {}

// vecSearch is never reached in this build: x.vectorExt is always false, so
// search() never branches into it. Present only so index.go compiles
// identically under both build tags.
func (x *Index) vecSearch(table string, qvec []float32, items []Item, limit int) ([]Scored, error) {
	return nil, fmt.Errorf("sqlite-vec not enabled")
}
