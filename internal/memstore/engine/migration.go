package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nerdlabs/memstore/internal/memstore/blocks"
	"github.com/nerdlabs/memstore/internal/memstore/memerr"
	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

var (
	humanPurposePattern   = regexp.MustCompile(`(?i)user|customer|person|human|client|people`)
	personaPurposePattern = regexp.MustCompile(`(?i)agent|persona|identity|role|assistant`)
)

var standardCoreBlocks = []struct{ id, label string }{
	{"human", "Human"},
	{"persona", "Persona"},
	{"context", "Context"},
}

// classifyPurpose maps a kv_memory purpose to its migration target block id
// (spec §4.7 step 3).
func classifyPurpose(purpose string) string {
	switch {
	case humanPurposePattern.MatchString(purpose):
		return "human"
	case personaPurposePattern.MatchString(purpose):
		return "persona"
	default:
		return "context"
	}
}

// MigrationResult is migrate_kv_to_blocks's return value.
type MigrationResult struct {
	Total    int
	Migrated int
	Skipped  int
	Errors   []string
}

// MigrationNeeded reports whether kv_memory has rows and blocks is empty.
// A missing kv_memory table resolves to false and a missing blocks table
// counts as empty; neither is an error.
func (e *Engine) MigrationNeeded() (bool, error) {
	kvExists, err := e.sql.TableExists("kv_memory")
	if err != nil {
		return false, &memerr.StorageFailure{Op: "engine.MigrationNeeded.kvExists", Cause: err}
	}
	if !kvExists {
		return false, nil
	}

	kvCount, err := e.sql.RowCount("kv_memory")
	if err != nil {
		return false, &memerr.StorageFailure{Op: "engine.MigrationNeeded.kvCount", Cause: err}
	}
	if kvCount == 0 {
		return false, nil
	}

	blocksExists, err := e.sql.TableExists("blocks")
	if err != nil {
		return false, &memerr.StorageFailure{Op: "engine.MigrationNeeded.blocksExists", Cause: err}
	}
	if !blocksExists {
		return true, nil
	}

	blockCount, err := e.sql.RowCount("blocks")
	if err != nil {
		return false, &memerr.StorageFailure{Op: "engine.MigrationNeeded.blockCount", Cause: err}
	}
	return blockCount == 0, nil
}

// MigrateKVToBlocks performs the one-shot legacy->blocks migration (spec
// §4.7). Per-row failures are counted in Errors and do not abort the scan.
func (e *Engine) MigrateKVToBlocks(ctx context.Context) (MigrationResult, error) {
	timer := memlog.StartTimer(memlog.CategoryMigration, "MigrateKVToBlocks")
	defer timer.Stop()

	var result MigrationResult

	for _, std := range standardCoreBlocks {
		if _, err := e.Blocks.GetBlock(std.id); err != nil {
			if _, createErr := e.Blocks.CreateBlock(ctx, std.id, std.label, "", blocks.TypeCore); createErr != nil {
				if _, isConflict := createErr.(*memerr.BlockConflict); !isConflict {
					return result, &memerr.StorageFailure{Op: "engine.MigrateKVToBlocks.ensureStandardBlocks", Cause: createErr}
				}
			}
		}
	}

	entries, err := e.KV.LoadAll()
	if err != nil {
		return result, &memerr.StorageFailure{Op: "engine.MigrateKVToBlocks.loadAll", Cause: err}
	}

	// LoadAll orders updated_at DESC; migration must scan ASC (spec §4.7 step 2).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	result.Total = len(entries)
	for _, entry := range entries {
		target := classifyPurpose(entry.Purpose)
		fragment := fmt.Sprintf("**%s**\n%s", entry.Purpose, entry.Text)
		if err := e.Blocks.InsertContent(ctx, target, fragment, blocks.PositionEnd); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Purpose, err))
			continue
		}
		result.Migrated++
	}

	if result.Migrated > 0 {
		if _, err := e.sql.DB.ExecContext(ctx, "ALTER TABLE kv_memory RENAME TO kv_memory_backup"); err != nil {
			memlog.Get(memlog.CategoryMigration).Warnw("kv_memory backup rename failed, non-fatal", "error", err)
		}
	}

	return result, nil
}

// RollbackMigration restores kv_memory from kv_memory_backup. Fails if no
// backup exists.
func (e *Engine) RollbackMigration(ctx context.Context) error {
	timer := memlog.StartTimer(memlog.CategoryMigration, "RollbackMigration")
	defer timer.Stop()

	exists, err := e.sql.TableExists("kv_memory_backup")
	if err != nil {
		return &memerr.StorageFailure{Op: "engine.RollbackMigration.checkBackup", Cause: err}
	}
	if !exists {
		return &memerr.StorageFailure{Op: "engine.RollbackMigration", Cause: fmt.Errorf("no kv_memory_backup table to roll back from")}
	}

	if _, err := e.sql.DB.ExecContext(ctx, "DROP TABLE IF EXISTS kv_memory"); err != nil {
		return &memerr.StorageFailure{Op: "engine.RollbackMigration.drop", Cause: err}
	}
	if _, err := e.sql.DB.ExecContext(ctx, "ALTER TABLE kv_memory_backup RENAME TO kv_memory"); err != nil {
		return &memerr.StorageFailure{Op: "engine.RollbackMigration.rename", Cause: err}
	}

	if _, err := e.KV.LoadAll(); err != nil {
		memlog.Get(memlog.CategoryMigration).Warnw("kv cache reload after rollback failed", "error", err)
	}
	return nil
}

// ExportBlocksToKV upserts every core block into kv_memory as
// purpose=lowercase(label, spaces->underscores). Returns the count written.
func (e *Engine) ExportBlocksToKV() (int, error) {
	timer := memlog.StartTimer(memlog.CategoryMigration, "ExportBlocksToKV")
	defer timer.Stop()

	if err := e.KV.Initialize(); err != nil {
		return 0, err
	}

	coreBlocks, err := e.Blocks.GetAllBlocks(blocks.TypeCore)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, b := range coreBlocks {
		purpose := strings.ToLower(strings.ReplaceAll(b.Label, " ", "_"))
		if err := e.KV.Write(purpose, b.Content); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
