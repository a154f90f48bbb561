package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		level.Close()
		bolt.Close()
	})
	return map[string]Database{"memory": NewMemDB(), "leveldb": level, "bolt": bolt}
}

func TestBackendsGetPutDelete(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put([]byte("k"), []byte("v1")))
			value, err := db.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), value)

			require.NoError(t, db.Delete([]byte("k")))
			_, err = db.Get([]byte("k"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBatchAppliesOnlyOnWrite(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("stale"), []byte("x")))
			batch := db.NewBatch()
			batch.Put([]byte("a"), []byte("1"))
			batch.Put([]byte("b"), []byte("2"))
			batch.Delete([]byte("stale"))
			require.Equal(t, 3, batch.Len())

			_, err := db.Get([]byte("a"))
			require.True(t, errors.Is(err, ErrNotFound), "batch visible before write")

			require.NoError(t, batch.Write())
			value, err := db.Get([]byte("b"))
			require.NoError(t, err)
			require.Equal(t, []byte("2"), value)
			_, err = db.Get([]byte("stale"))
			require.ErrorIs(t, err, ErrNotFound)

			batch.Reset()
			require.Zero(t, batch.Len())
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("rocksdb", "")
	var unknown *UnknownBackendError
	require.ErrorAs(t, err, &unknown)
	db, err := Open("memory", "")
	require.NoError(t, err)
	db.Close()
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}
