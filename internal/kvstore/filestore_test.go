package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStorePutGetRemove(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, ok, err := store.Get("rid")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put("rid", []byte{0, 0, 0, 0, 0, 0, 0, 7}))
	value, ok, err := store.Get("rid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, value)

	// Overwrite.
	require.NoError(t, store.Put("rid", []byte{0, 0, 0, 0, 0, 0, 0, 8}))
	value, ok, err = store.Get("rid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 8}, value)

	removed, err := store.Remove("rid")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err = store.Get("rid")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err = store.Remove("rid")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestFileStoreRoundTripsRawBytes(t *testing.T) {
	// Values must round-trip exactly, with no secondary text encoding
	// applied on top of what the caller passed in.
	store := NewFileStore(t.TempDir())
	value := []byte{0x00, 0xFF, 0x10, 0xAB, 0x00}
	require.NoError(t, store.Put("k", value))

	got, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestFileStoreLeavesNoTmpfileAfterPut(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Put("k", []byte("v")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "tmpfile", e.Name())
	}
}

func TestFileStoreRejectsOversizedKeyOrValue(t *testing.T) {
	store := NewFileStore(t.TempDir())

	longKey := make([]byte, MaxKeySize+1)
	require.Error(t, store.Put(string(longKey), []byte("v")))

	bigValue := make([]byte, MaxValueSize+1)
	require.Error(t, store.Put("k", bigValue))
}

func TestFileStoreDifferentKeysDifferentFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Put("a", []byte("1")))
	require.NoError(t, store.Put("b", []byte("2")))

	va, _, err := store.Get("a")
	require.NoError(t, err)
	vb, _, err := store.Get("b")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), va)
	require.Equal(t, []byte("2"), vb)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestFilenameIsURLSafeBase64OfSHA256(t *testing.T) {
	store := NewFileStore(t.TempDir())
	name := store.filename("rid")
	require.NotContains(t, name, "+")
	require.NotContains(t, name, "/")
	require.NotContains(t, name, "=")
	// base64(32 raw bytes, no padding) is 43 characters.
	require.Len(t, name, 43)
}

func TestFileStorePutAcrossRestartSurvives(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Put("rid", []byte{1, 2, 3}))

	reopened := NewFileStore(dir)
	value, ok, err := reopened.Get("rid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, value)
}

func TestFileStorePathsAreSiblings(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Put("k", []byte("v")))
	require.DirExists(t, filepath.Dir(filepath.Join(dir, store.filename("k"))))
}
