// Package memerr defines the structured error kinds the engine surfaces to
// callers (spec §7). Logical failures (BlockNotFound, ContentNotFound,
// BlockConflict) are meant to be turned into {success:false} tool responses
// at the surface layer, never propagated as fatal errors; StorageFailure,
// MemoryFailure and LLMFailure are fatal to the operation that produced
// them.
package memerr

import "fmt"

// StorageFailure wraps any SQL error. Fatal to the operation.
type StorageFailure struct {
	Op    string
	Cause error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Cause)
}
func (e *StorageFailure) Unwrap() error { return e.Cause }

// MemoryFailure wraps any content-layer error: block lookup, cache parse,
// JSON metadata parse. Fatal to the operation.
type MemoryFailure struct {
	Op    string
	Cause error
}

func (e *MemoryFailure) Error() string {
	return fmt.Sprintf("memory failure during %s: %v", e.Op, e.Cause)
}
func (e *MemoryFailure) Unwrap() error { return e.Cause }

// BlockNotFound reports a read-before-write miss against blocks.id.
type BlockNotFound struct {
	ID string
}

func (e *BlockNotFound) Error() string { return fmt.Sprintf("block not found: %s", e.ID) }

// ContentNotFound reports that replace_content's old substring was absent.
type ContentNotFound struct {
	BlockID string
}

func (e *ContentNotFound) Error() string {
	return fmt.Sprintf("content not found in block %s", e.BlockID)
}

// BlockConflict reports create_block colliding with an existing id.
type BlockConflict struct {
	ID string
}

func (e *BlockConflict) Error() string { return fmt.Sprintf("block already exists: %s", e.ID) }

// LLMFailure wraps a text-generation failure from the summary ladder's
// model client. Fatal to the create operation; never corrupts state.
type LLMFailure struct {
	Op    string
	Cause error
}

func (e *LLMFailure) Error() string {
	return fmt.Sprintf("llm failure during %s: %v", e.Op, e.Cause)
}
func (e *LLMFailure) Unwrap() error { return e.Cause }
