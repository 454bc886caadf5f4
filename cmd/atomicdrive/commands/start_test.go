package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distsys-edu/atomicdrive/internal/wire"
	"github.com/distsys-edu/atomicdrive/pkg/config"
)

func TestGetConfigSourceExplicitPath(t *testing.T) {
	require.Equal(t, "/etc/atomicdrive/config.yaml", getConfigSource("/etc/atomicdrive/config.yaml"))
}

func TestGetConfigSourceFallsBackToBuiltInDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	require.Equal(t, "built-in defaults", getConfigSource(""))
}

func testClientKey() []byte { return bytes.Repeat([]byte{0x11}, wire.ClientKeySize) }
func testSystemKey() []byte { return bytes.Repeat([]byte{0x22}, wire.SystemKeySize) }

func writeKey(t *testing.T, dir, name string, key []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, key, 0o600))
	return path
}

func TestLoadHMACKeysSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		HMACClientKeyPath: writeKey(t, dir, "client.key", testClientKey()),
		HMACSystemKeyPath: writeKey(t, dir, "system.key", testSystemKey()),
	}

	clientKey, systemKey, err := loadHMACKeys(cfg)
	require.NoError(t, err)
	require.Equal(t, testClientKey(), clientKey)
	require.Equal(t, testSystemKey(), systemKey)
}

func TestLoadHMACKeysRejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		HMACClientKeyPath: writeKey(t, dir, "client.key", []byte("too-short")),
		HMACSystemKeyPath: writeKey(t, dir, "system.key", testSystemKey()),
	}

	_, _, err := loadHMACKeys(cfg)
	require.ErrorContains(t, err, "hmac_client_key must be")
}

func TestLoadHMACKeysMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		HMACClientKeyPath: filepath.Join(dir, "missing.key"),
		HMACSystemKeyPath: writeKey(t, dir, "system.key", testSystemKey()),
	}

	_, _, err := loadHMACKeys(cfg)
	require.ErrorContains(t, err, "reading hmac_client_key")
}

func TestOpenStableStorageDefaultsToFileStore(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}

	storage, closer, err := openStableStorage(cfg, dir, 0)
	require.NoError(t, err)
	require.Nil(t, closer)
	require.NoError(t, storage.Put("rid", []byte("value")))
	got, ok, err := storage.Get("rid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value"), got)
}

func TestOpenStableStorageBadgerBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{StableStorageBackend: "badger"}

	storage, closer, err := openStableStorage(cfg, dir, 3)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	require.NoError(t, storage.Put("rid", []byte("value")))
	got, ok, err := storage.Get("rid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value"), got)
}

func TestOpenStableStoragePerWorkerIsolation(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}

	worker0, _, err := openStableStorage(cfg, dir, 0)
	require.NoError(t, err)
	worker1, _, err := openStableStorage(cfg, dir, 1)
	require.NoError(t, err)

	require.NoError(t, worker0.Put("rid", []byte("zero")))
	require.NoError(t, worker1.Put("rid", []byte("one")))

	got0, _, err := worker0.Get("rid")
	require.NoError(t, err)
	got1, _, err := worker1.Get("rid")
	require.NoError(t, err)
	require.Equal(t, []byte("zero"), got0)
	require.Equal(t, []byte("one"), got1)
}
