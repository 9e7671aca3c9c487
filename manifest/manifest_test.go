package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "retrace.toml"), []byte(content), 0644))
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
version = "0.1.0"
description = "An instrumented app"

[run]
callback_at = 100
ambient = true
track_provenance = true
store = "data/methods.db"
`)

	m, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "test-app", m.Project.Name)
	assert.Equal(t, "0.1.0", m.Project.Version)
	assert.Equal(t, uint64(100), m.Run.CallbackAt)
	assert.True(t, m.Run.Ambient)
	assert.True(t, m.Run.TrackProvenance)
	assert.Equal(t, filepath.Join(m.Dir, "data/methods.db"), m.StorePath())
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "bare"
`)

	m, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m.Run.CallbackAt)
	assert.False(t, m.Run.Ambient)
	assert.Equal(t, filepath.Join(m.Dir, "methods.db"), m.StorePath())
}

func TestExplicitZeroThreshold(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "quiet"

[run]
callback_at = 0
`)

	m, err := Load(dir)
	require.NoError(t, err)

	// Explicit zero means "callbacks disabled", not the default
	assert.Equal(t, uint64(0), m.Run.CallbackAt)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[project]
name = "found-me"
`)

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	m, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "found-me", m.Project.Name)
	assert.Equal(t, root, m.Dir)
}

func TestFindAndLoadAbsent(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}
