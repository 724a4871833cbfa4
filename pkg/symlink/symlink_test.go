package symlink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/types"
)

func TestExpandTarget(t *testing.T) {
	m := New(map[string]string{
		"HOME":         "/home/user",
		"XDG_BIN_HOME": "/home/user/.local/bin",
	})

	tests := []struct {
		name    string
		raw     string
		want    string
		errCode errors.ErrorCode
	}{
		{name: "plain variable", raw: "$HOME/.config/foo", want: "/home/user/.config/foo"},
		{name: "braced variable", raw: "${XDG_BIN_HOME}/tool", want: "/home/user/.local/bin/tool"},
		{name: "no variables", raw: "/opt/tool", want: "/opt/tool"},
		{name: "two variables", raw: "$HOME/a/$HOME", want: "/home/user/a/home/user"},
		{name: "unknown variable", raw: "$NOPE/bin", errCode: errors.ErrUnknownVariable},
		{name: "unknown among known", raw: "$HOME/$MYSTERY", errCode: errors.ErrUnknownVariable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ExpandTarget(tt.raw)
			if tt.errCode != "" {
				require.Error(t, err)
				assert.True(t, errors.IsErrorCode(err, tt.errCode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	m := New(map[string]string{"HOME": "/home/user"})

	links, err := m.Resolve([]types.SymlistEntry{
		{Source: "bin/tool", Target: "$HOME/.local/bin/tool"},
	}, "/payload/foo-1.0.0")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "/payload/foo-1.0.0/bin/tool", links[0].Source)
	assert.Equal(t, "/home/user/.local/bin/tool", links[0].Target)

	// One bad entry fails the whole set before anything is created
	_, err = m.Resolve([]types.SymlistEntry{
		{Source: "bin/tool", Target: "$HOME/bin/tool"},
		{Source: "bin/other", Target: "$BOGUS/other"},
	}, "/payload/foo-1.0.0")
	assert.True(t, errors.IsErrorCode(err, errors.ErrUnknownVariable))
}

func payloadWithFile(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", name), []byte("#!"), 0755))
	return dir
}

func TestLinkAll(t *testing.T) {
	payload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	links := []Link{{
		Source: filepath.Join(payload, "bin", "tool"),
		Target: filepath.Join(home, ".local", "bin", "tool"),
	}}

	require.NoError(t, m.LinkAll(links))

	dest, err := os.Readlink(links[0].Target)
	require.NoError(t, err)
	assert.Equal(t, links[0].Source, dest)

	// Idempotent: re-running over existing correct links is a no-op
	require.NoError(t, m.LinkAll(links))
}

func TestLinkAll_ConflictRevertsCreated(t *testing.T) {
	payload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	occupied := filepath.Join(home, "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("user file"), 0644))

	links := []Link{
		{Source: filepath.Join(payload, "bin", "tool"), Target: filepath.Join(home, "first")},
		{Source: filepath.Join(payload, "bin", "tool"), Target: occupied},
	}

	err := m.LinkAll(links)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrLinkConflict))

	assert.NoFileExists(t, filepath.Join(home, "first"), "links from the failed call are reverted")
	data, err := os.ReadFile(occupied)
	require.NoError(t, err)
	assert.Equal(t, "user file", string(data), "the conflicting file is untouched")
}

func TestLinkAll_ConflictingSymlink(t *testing.T) {
	home := t.TempDir()
	m := New(nil)

	target := filepath.Join(home, "tool")
	require.NoError(t, os.Symlink("/somewhere/else", target))

	err := m.LinkAll([]Link{{Source: "/payload/bin/tool", Target: target}})
	assert.True(t, errors.IsErrorCode(err, errors.ErrLinkConflict))
}

func TestUnlinkAll(t *testing.T) {
	payload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	ours := filepath.Join(home, "tool")
	require.NoError(t, os.Symlink(filepath.Join(payload, "bin", "tool"), ours))

	foreign := filepath.Join(home, "foreign")
	require.NoError(t, os.Symlink("/somewhere/else", foreign))

	replaced := filepath.Join(home, "replaced")
	require.NoError(t, os.WriteFile(replaced, []byte("user content"), 0644))

	gone := filepath.Join(home, "gone")

	removed, err := m.UnlinkAll([]string{ours, foreign, replaced, gone}, payload)
	require.NoError(t, err)

	assert.NoFileExists(t, ours, "links into the payload are removed")
	assert.FileExists(t, replaced, "files the user replaced are left alone")
	_, err = os.Readlink(foreign)
	assert.NoError(t, err, "links pointing elsewhere are left alone")

	// All four targets are accounted for so their rows can be dropped
	assert.ElementsMatch(t, []string{ours, foreign, replaced, gone}, removed)
}

func TestSwitchLinks(t *testing.T) {
	oldPayload := payloadWithFile(t, "tool")
	newPayload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	target := filepath.Join(home, "tool")
	require.NoError(t, os.Symlink(filepath.Join(oldPayload, "bin", "tool"), target))

	newLinks := []Link{{Source: filepath.Join(newPayload, "bin", "tool"), Target: target}}
	require.NoError(t, m.SwitchLinks(newLinks, oldPayload))

	dest, err := os.Readlink(target)
	require.NoError(t, err)
	assert.Equal(t, newLinks[0].Source, dest)

	// Switching again is a no-op
	require.NoError(t, m.SwitchLinks(newLinks, oldPayload))
}

func TestSwitchLinks_ForeignLinkRefused(t *testing.T) {
	oldPayload := payloadWithFile(t, "tool")
	newPayload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	target := filepath.Join(home, "tool")
	require.NoError(t, os.Symlink("/somewhere/else", target))

	err := m.SwitchLinks([]Link{{
		Source: filepath.Join(newPayload, "bin", "tool"),
		Target: target,
	}}, oldPayload)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrLinkConflict))

	dest, err := os.Readlink(target)
	require.NoError(t, err)
	assert.Equal(t, "/somewhere/else", dest, "foreign links survive a refused switch")
}

func TestSwitchLinks_RevertsOnFailure(t *testing.T) {
	oldPayload := payloadWithFile(t, "tool")
	newPayload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	first := filepath.Join(home, "first")
	require.NoError(t, os.Symlink(filepath.Join(oldPayload, "bin", "tool"), first))

	blocked := filepath.Join(home, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("user file"), 0644))

	err := m.SwitchLinks([]Link{
		{Source: filepath.Join(newPayload, "bin", "tool"), Target: first},
		{Source: filepath.Join(newPayload, "bin", "tool"), Target: blocked},
	}, oldPayload)
	require.Error(t, err)

	dest, err := os.Readlink(first)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(oldPayload, "bin", "tool"), dest,
		"already-swapped entries are restored to the old version")
}

func TestSwitchLinks_MissingTargetRecreated(t *testing.T) {
	oldPayload := payloadWithFile(t, "tool")
	newPayload := payloadWithFile(t, "tool")
	home := t.TempDir()
	m := New(nil)

	// The user deleted the link; switch just creates the new one.
	target := filepath.Join(home, "tool")
	require.NoError(t, m.SwitchLinks([]Link{{
		Source: filepath.Join(newPayload, "bin", "tool"),
		Target: target,
	}}, oldPayload))

	dest, err := os.Readlink(target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(newPayload, "bin", "tool"), dest)
}
