package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectRootEnvVarTakesPrecedence(t *testing.T) {
	custom := t.TempDir()
	t.Setenv("SUBSTRATE_PROJECT_ROOT", custom)

	root, err := ProjectRoot()
	require.NoError(t, err)
	assert.Equal(t, custom, root)
}

func TestProjectRootFindsMarkerFile(t *testing.T) {
	t.Setenv("SUBSTRATE_PROJECT_ROOT", "")

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".substrate-root"), []byte{}, 0o644))

	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { os.Chdir(wd) })

	found, err := ProjectRoot()
	require.NoError(t, err)
	assert.Equal(t, root, found)
}

func TestSubstrateDirCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	dir, err := SubstrateDir(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".substrate"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
