package docfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestSaveLoad(t *testing.T) {
	store, err := New(4)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "doc.json")

	require.False(t, store.Exists(path))
	require.NoError(t, store.Save(path, testDoc{Name: "a", Score: 7}))
	require.True(t, store.Exists(path))

	var loaded testDoc
	require.NoError(t, store.Load(path, &loaded))
	require.Equal(t, testDoc{Name: "a", Score: 7}, loaded)
}

func TestLoadMissing(t *testing.T) {
	store, err := New(4)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "doc.json")

	var loaded testDoc
	err = store.Load(path, &loaded)
	require.ErrorIs(t, err, ErrNotExist{Path: path})
}

func TestSaveInvalidatesCache(t *testing.T) {
	store, err := New(4)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "doc.json")

	require.NoError(t, store.Save(path, testDoc{Name: "a"}))
	var loaded testDoc
	require.NoError(t, store.Load(path, &loaded))

	require.NoError(t, store.Save(path, testDoc{Name: "b"}))
	require.NoError(t, store.Load(path, &loaded))
	require.Equal(t, "b", loaded.Name)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store, err := New(4)
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, store.Save(path, testDoc{Name: "a"}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "doc.json", entries[0].Name())
}
