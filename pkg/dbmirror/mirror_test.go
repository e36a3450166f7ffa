package dbmirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDBDir(t *testing.T) string {
	t.Helper()
	db := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(db, "local", "vim-9.0-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(db, "sync", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(db, "sync", "core.db"), []byte("core database"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(db, "sync", "extra.db"), []byte("extra database"), 0o644))
	return db
}

func TestCreate(t *testing.T) {
	db := makeDBDir(t)
	old := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(db, "sync", "core.db"), old, old))

	m, err := CreateIn(t.TempDir(), db, zerolog.Nop())
	require.NoError(t, err)
	defer m.Remove()

	target, err := os.Readlink(filepath.Join(m.Path(), "local"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(db, "local"), target)

	data, err := os.ReadFile(filepath.Join(m.Path(), "sync", "core.db"))
	require.NoError(t, err)
	assert.Equal(t, "core database", string(data))

	info, err := os.Stat(filepath.Join(m.Path(), "sync", "core.db"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "mtime %v, want %v", info.ModTime(), old)

	_, err = os.Stat(filepath.Join(m.Path(), "sync", "nested"))
	assert.True(t, os.IsNotExist(err), "directories are not copied")

	// writes to the mirror never reach the source
	require.NoError(t, os.WriteFile(filepath.Join(m.Path(), "sync", "core.db"), []byte("refreshed"), 0o600))
	data, err = os.ReadFile(filepath.Join(db, "sync", "core.db"))
	require.NoError(t, err)
	assert.Equal(t, "core database", string(data))
}

func TestCreate_TrailingSlash(t *testing.T) {
	db := makeDBDir(t)
	m, err := CreateIn(t.TempDir(), db+"/", zerolog.Nop())
	require.NoError(t, err)
	defer m.Remove()
	assert.Equal(t, db, m.Source())
}

func TestCreate_MissingSync(t *testing.T) {
	db := t.TempDir()
	parent := t.TempDir()

	_, err := CreateIn(parent, db, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to open folder")

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed mirror must be cleaned up")
}

func TestRemove(t *testing.T) {
	db := makeDBDir(t)
	m, err := CreateIn(t.TempDir(), db, zerolog.Nop())
	require.NoError(t, err)
	path := m.Path()

	require.NoError(t, m.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// the local database behind the symlink survives
	_, err = os.Stat(filepath.Join(db, "local", "vim-9.0-1"))
	assert.NoError(t, err)

	assert.NoError(t, m.Remove(), "second remove is a no-op")
	var nilMirror *Mirror
	assert.NoError(t, nilMirror.Remove())
}
