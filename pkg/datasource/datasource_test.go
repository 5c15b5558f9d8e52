package datasource

import (
	"os"
	"path/filepath"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSource(t *testing.T) {
	src := FromStrings(map[string]string{"b": "two", "a": "one"})

	keys, err := src.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	v, err := src.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	_, err = src.Read("missing")
	assert.Error(t, err)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc1.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc2.txt"), []byte("beta"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	src := DirSource{Dir: dir}

	t.Run("ListsRegularFilesSorted", func(t *testing.T) {
		keys, err := src.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"doc1.txt", "doc2.txt"}, keys)
	})

	t.Run("ReadsContents", func(t *testing.T) {
		v, err := src.Read("doc1.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), v)
	})

	t.Run("RejectsPathTraversal", func(t *testing.T) {
		_, err := src.Read("../doc1.txt")
		assert.Error(t, err)
	})
}

func TestBadgerSource(t *testing.T) {
	dir := t.TempDir()

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k1"), []byte("v1")); err != nil {
			return err
		}
		return txn.Set([]byte("k2"), []byte("v2"))
	}))
	require.NoError(t, db.Close())

	src, err := OpenBadger(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, src.Close()) }()

	keys, err := src.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)

	v, err := src.Read("k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	_, err = src.Read("absent")
	assert.Error(t, err)
}
