package keystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "keys.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewLoadsInitialMapping(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, `[{"key":"k1","name":"Alice","email":"alice@example.com"}]`)

	store, err := New(path, nil)
	require.NoError(t, err)
	defer store.Close()

	p, ok := store.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, "alice@example.com", p.Email)

	_, ok = store.Lookup("missing")
	assert.False(t, ok)
}

func TestNewRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, `not json`)

	_, err := New(path, nil)
	assert.Error(t, err)
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, `[{"key":"k1","name":"Alice","email":"alice@example.com"}]`)

	store, err := New(path, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[{"key":"k2","name":"Bob","email":"bob@example.com"}]`), 0o644))

	require.Eventually(t, func() bool {
		_, ok := store.Lookup("k2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := store.Lookup("k1")
	assert.False(t, ok, "prior mapping should be replaced wholesale on reload")
}

func TestReloadKeepsPriorMappingOnMalformedUpdate(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, `[{"key":"k1","name":"Alice","email":"alice@example.com"}]`)

	store, err := New(path, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0o644))
	time.Sleep(200 * time.Millisecond)

	p, ok := store.Lookup("k1")
	require.True(t, ok, "malformed reload must not clobber the prior mapping")
	assert.Equal(t, "Alice", p.Name)
}
