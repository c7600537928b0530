package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteDatabase_Migrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pos.db")

	db, err := NewSQLiteDatabase(path)
	require.NoError(t, err)

	for _, table := range []string{"collections", "records", "meta", "sync_queue", "conflicts", "sync_history", "cache_entries"} {
		var name string
		err := db.DB.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
	require.NoError(t, db.Close())

	// Reopening an up-to-date file is a no-op migration.
	db, err = NewSQLiteDatabase(path)
	require.NoError(t, err)
	defer db.Close()
}

func TestNewSQLiteDatabase_Memory(t *testing.T) {
	db, err := NewSQLiteDatabase(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.DB.Exec("INSERT INTO meta (name, value) VALUES ('k', 'v')")
	require.NoError(t, err)

	var v string
	require.NoError(t, db.DB.QueryRow("SELECT value FROM meta WHERE name = 'k'").Scan(&v))
	assert.Equal(t, "v", v)
}

func TestExecTx_RollsBack(t *testing.T) {
	db, err := NewSQLiteDatabase(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = db.ExecTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO meta (name, value) VALUES ('k', 'v')"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.DB.QueryRow("SELECT COUNT(*) FROM meta").Scan(&n))
	assert.Equal(t, 0, n)
}
