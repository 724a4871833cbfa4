package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/types"
)

func TestParseRequirements(t *testing.T) {
	reqs, err := parseRequirements([]string{"ripgrep", "fd@>= 8.0.0", "bat@1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, []types.Requirement{
		{Name: "ripgrep"},
		{Name: "fd", Constraint: ">= 8.0.0"},
		{Name: "bat", Constraint: "1.2.3"},
	}, reqs)

	_, err = parseRequirements([]string{"@1.0.0"})
	assert.Error(t, err)
}

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()
	assert.Equal(t, "uhpm", cmd.Use)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"install", "remove", "switch", "update", "list", "version", "completion"} {
		assert.Contains(t, names, want)
	}
}

func TestListAgainstEmptyRoot(t *testing.T) {
	root := t.TempDir()

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"list", "--root", root})
	assert.NoError(t, cmd.Execute())
}

func TestInstallUnknownPackage(t *testing.T) {
	root := t.TempDir()

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"install", "ghost", "--root", root})
	assert.Error(t, cmd.Execute())
}

func TestInstallArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no packages and no file", []string{"install"}},
		{"file mixed with names", []string{"install", "--file", "a.uhp.tar.gz", "ripgrep"}},
		{"checksum without file", []string{"install", "ripgrep", "--checksum", "sha256:ab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCmd()
			cmd.SetArgs(append(tt.args, "--root", t.TempDir()))
			err := cmd.Execute()
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, errors.ErrInvalidInput))
		})
	}
}

func TestInstallFileChecksumGate(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "tool.uhp.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive bytes"), 0644))

	cmd := NewRootCmd()
	cmd.SetArgs([]string{
		"install", "--file", archive,
		"--checksum", types.ChecksumBytes([]byte("different bytes")),
		"--root", t.TempDir(),
	})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrIntegrity))
}
