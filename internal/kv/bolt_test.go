package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_GetPutDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete([]byte("k")))
	_, err = s.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_IteratorFrom(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"a", "c", "b", "e", "d"} {
		require.NoError(t, s.Put([]byte(k), []byte("v-"+k)))
	}

	it, err := s.IteratorFrom([]byte("b"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for {
		entry, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(entry.Key))
	}
	assert.Equal(t, []string{"b", "c", "d", "e"}, keys)
}

func TestBoltStore_IteratorFrom_SeeksPastMissingKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put([]byte("aa"), nil))
	require.NoError(t, s.Put([]byte("cc"), nil))

	it, err := s.IteratorFrom([]byte("b"))
	require.NoError(t, err)
	defer it.Close()

	entry, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cc"), entry.Key)
}

func TestBoltStore_WriteBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put([]byte("old"), []byte("x")))

	batch := &Batch{}
	batch.Put([]byte("new1"), []byte("1"))
	batch.Put([]byte("new2"), []byte("2"))
	batch.Delete([]byte("old"))
	assert.Equal(t, 3, batch.Len())

	require.NoError(t, s.Write(batch))

	_, err := s.Get([]byte("old"))
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get([]byte("new1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
