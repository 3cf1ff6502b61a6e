package configpaths

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDir_XDG(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("XDG_CONFIG_HOME is not consulted on windows")
	}
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	dir, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", AppName), dir)

	p, err := DefaultNamedConfigPath("run", "yml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", AppName, "run.yaml"), p)
}

func TestExt(t *testing.T) {
	tests := map[string]string{
		"json": "json",
		"yaml": "yaml",
		"yml":  "yaml",
		"toml": "toml",
		"":     "json",
	}
	for format, want := range tests {
		assert.Equal(t, want, Ext(format), "format %q", format)
	}
}

func TestConfigCandidatePaths_UserPathFirst(t *testing.T) {
	tests := []struct {
		path   string
		loader int // 0 json, 1 yaml, 2 toml
	}{
		{"/x/my.toml", 2},
		{"/x/my.yml", 1},
		{"/x/my.yaml", 1},
		{"/x/my.json", 0},
		{"/x/my.conf", 0},
	}

	for _, tt := range tests {
		j, y, tm := ConfigCandidatePaths(tt.path)
		lists := [][]string{j, y, tm}
		require.NotEmpty(t, lists[tt.loader])
		assert.Equal(t, tt.path, lists[tt.loader][0], "path %s", tt.path)
	}
}

func TestConfigCandidatePaths_Defaults(t *testing.T) {
	j, y, tm := ConfigCandidatePaths("")
	assert.NotEmpty(t, j)
	assert.Len(t, y, 2*len(j))
	assert.Len(t, tm, len(j))
	assert.Contains(t, j, filepath.Join(mustWd(t), "softhcd.json"))
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a", "b", "run.json")
	require.NoError(t, EnsureDir(p))
	assert.DirExists(t, filepath.Join(dir, "a", "b"))
}

func mustWd(t *testing.T) string {
	t.Helper()
	wd, err := filepath.Abs(".")
	require.NoError(t, err)
	return wd
}
