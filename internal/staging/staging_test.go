package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWritesFileAndTracksEntry(t *testing.T) {
	area, err := New(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)

	scope := area.NewScope()
	entry, err := scope.Stage("file", "photo.png", "image/png", strings.NewReader("hello"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), entry.ByteSize)
	data, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReleaseDeletesAllFilesInScope(t *testing.T) {
	area, err := New(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)

	scope := area.NewScope()
	e1, err := scope.Stage("a", "a.png", "image/png", strings.NewReader("aaa"))
	require.NoError(t, err)
	e2, err := scope.Stage("b", "b.png", "image/png", strings.NewReader("bbb"))
	require.NoError(t, err)

	scope.Release()

	_, err = os.Stat(e1.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(e2.Path)
	assert.True(t, os.IsNotExist(err))

	// safe to call twice
	scope.Release()
}

func TestSweepRemovesOrphansRegardlessOfScope(t *testing.T) {
	dir := t.TempDir()
	area, err := New(dir, 50*time.Millisecond, nil)
	require.NoError(t, err)

	orphan := filepath.Join(dir, "orphan-from-crashed-request")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o600))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	area.Sweep()

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "sweep should remove files older than maxAge even when untracked")
}

func TestSweepKeepsFreshFiles(t *testing.T) {
	dir := t.TempDir()
	area, err := New(dir, time.Hour, nil)
	require.NoError(t, err)

	fresh := filepath.Join(dir, "fresh")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))

	area.Sweep()

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
