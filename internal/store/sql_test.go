package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_MigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loomd.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))

	tables := []string{"patterns", "tasks", "rl_experiences", "context_snapshots", "workers", "token_ledgers"}
	for _, table := range tables {
		row := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
		var name string
		require.NoError(t, row.Scan(&name), "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestSQLStore_Placeholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loomd.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "?", s.Placeholder(1))
	assert.Equal(t, DriverSQLite, s.Driver())
}

func TestOpenSQLite_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loomd.db")
	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	s1.Close()

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Ping(context.Background()))
}
