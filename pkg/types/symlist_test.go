package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

func TestParseSymlist(t *testing.T) {
	content := `
[[links]]
source = "bin/foo"
target = "$HOME/.local/bin/foo"

[[links]]
source = "config/bar"
target = "$XDG_CONFIG_HOME/bar"
`
	entries, err := ParseSymlist([]byte(content))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "bin/foo", entries[0].Source)
	assert.Equal(t, "$HOME/.local/bin/foo", entries[0].Target)
	assert.Equal(t, "$XDG_CONFIG_HOME/bar", entries[1].Target)
}

func TestParseSymlist_MissingField(t *testing.T) {
	content := `
[[links]]
source = "bin/foo"
`
	_, err := ParseSymlist([]byte(content))
	assert.True(t, errors.IsErrorCode(err, errors.ErrSymlistParse))
}

func TestLoadSymlist_MissingFileIsEmpty(t *testing.T) {
	entries, err := LoadSymlist(filepath.Join(t.TempDir(), SymlistFileName))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadSymlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SymlistFileName)
	content := `
[[links]]
source = "bin/tool"
target = "$XDG_BIN_HOME/tool"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := LoadSymlist(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bin/tool", entries[0].Source)
}
