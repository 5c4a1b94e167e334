package sqlgw

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "store.db")

	gw, err := Open(dbPath)
	require.NoError(t, err)
	defer gw.Close()

	assert.Equal(t, dbPath, gw.Path)
	assert.NoError(t, gw.DB.Ping())
}

func TestTableExists(t *testing.T) {
	gw, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer gw.Close()

	exists, err := gw.TableExists("nope")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = gw.DB.Exec("CREATE TABLE present (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	exists, err = gw.TableExists("present")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRowCount(t *testing.T) {
	gw, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer gw.Close()

	_, err = gw.DB.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = gw.DB.Exec("INSERT INTO items (id) VALUES (1), (2), (3)")
	require.NoError(t, err)

	count, err := gw.RowCount("items")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
