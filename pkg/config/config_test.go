package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Fetch.Concurrency)
	assert.Equal(t, 3, cfg.Fetch.RetryAttempts)
	assert.Equal(t, 500, cfg.Fetch.RetryBackoffMS)
	assert.True(t, cfg.Update.ReresolveDeps)
	assert.Empty(t, cfg.Repositories)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[repositories]
main = "https://packages.example.com"
local = "/srv/uhpm-repo"

[variables]
OPT_HOME = "/opt/tools"

[fetch]
concurrency = 8

[update]
reresolve_deps = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://packages.example.com", cfg.Repositories["main"])
	assert.Equal(t, "/srv/uhpm-repo", cfg.Repositories["local"])
	assert.Equal(t, "/opt/tools", cfg.Variables["OPT_HOME"])
	assert.Equal(t, 8, cfg.Fetch.Concurrency)
	// File overrides only what it sets
	assert.Equal(t, 3, cfg.Fetch.RetryAttempts)
	assert.False(t, cfg.Update.ReresolveDeps)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Fetch.Concurrency)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("UHPM_FETCH_CONCURRENCY", "16")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Fetch.Concurrency)
}

func TestLoad_BadToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestVariableContext_Merge(t *testing.T) {
	cfg := &Config{Variables: map[string]string{
		"HOME":     "/custom/home",
		"OPT_HOME": "/opt/tools",
	}}

	vars := cfg.VariableContext(map[string]string{
		"HOME":          "/home/user",
		"XDG_DATA_HOME": "/home/user/.local/share",
	})

	assert.Equal(t, "/custom/home", vars["HOME"])
	assert.Equal(t, "/home/user/.local/share", vars["XDG_DATA_HOME"])
	assert.Equal(t, "/opt/tools", vars["OPT_HOME"])
}

func TestLoad_SanitizesBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[fetch]\nconcurrency = 0\nretry_attempts = -1\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Fetch.Concurrency)
	assert.Equal(t, 1, cfg.Fetch.RetryAttempts)
}
