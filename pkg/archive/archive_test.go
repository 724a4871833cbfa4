package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func writeArchive(t *testing.T, entries []entry) string {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0644,
			Size:     int64(len(e.body)),
			Typeflag: typeflag,
			Linkname: e.linkname,
		}
		if typeflag == tar.TypeDir {
			hdr.Mode = 0755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "pkg.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestExtract(t *testing.T) {
	archive := writeArchive(t, []entry{
		{name: "uhp.toml", body: "name = \"foo\""},
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/tool", body: "#!/bin/sh\n"},
		{name: "bin/alias", typeflag: tar.TypeSymlink, linkname: "tool"},
	})

	dest := t.TempDir()
	require.NoError(t, Extract(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "uhp.toml"))
	require.NoError(t, err)
	assert.Equal(t, "name = \"foo\"", string(data))

	link, err := os.Readlink(filepath.Join(dest, "bin", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "tool", link)
}

func TestReadDescriptor(t *testing.T) {
	archive := writeArchive(t, []entry{
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/tool", body: "#!/bin/sh\n"},
		{name: "./uhp.toml", body: "name = \"foo\""},
	})

	data, err := ReadDescriptor(archive, "uhp.toml")
	require.NoError(t, err)
	assert.Equal(t, "name = \"foo\"", string(data))

	_, err = ReadDescriptor(archive, "missing.toml")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrMetaParse))
}

func TestReadDescriptor_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0644))

	_, err := ReadDescriptor(path, "uhp.toml")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrExtract))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{
			name:    "dotdot path",
			entries: []entry{{name: "../escape", body: "x"}},
		},
		{
			name:    "absolute path",
			entries: []entry{{name: "/etc/passwd", body: "x"}},
		},
		{
			name:    "symlink escaping dest",
			entries: []entry{{name: "link", typeflag: tar.TypeSymlink, linkname: "../../outside"}},
		},
		{
			name:    "absolute symlink",
			entries: []entry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeArchive(t, tt.entries)
			err := Extract(archive, t.TempDir())
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, errors.ErrExtract))
		})
	}
}

func TestExtract_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0644))

	err := Extract(path, t.TempDir())
	assert.True(t, errors.IsErrorCode(err, errors.ErrExtract))
}

func TestStage(t *testing.T) {
	archive := writeArchive(t, []entry{{name: "uhp.toml", body: "name = \"foo\""}})
	stagingRoot := t.TempDir()

	dir1, err := Stage(archive, stagingRoot)
	require.NoError(t, err)
	dir2, err := Stage(archive, stagingRoot)
	require.NoError(t, err)

	assert.NotEqual(t, dir1, dir2, "each staging is private")
	for _, dir := range []string{dir1, dir2} {
		assert.FileExists(t, filepath.Join(dir, "uhp.toml"))
	}
}

func TestStage_CleansUpOnFailure(t *testing.T) {
	archive := writeArchive(t, []entry{{name: "../escape", body: "x"}})
	stagingRoot := t.TempDir()

	_, err := Stage(archive, stagingRoot)
	require.Error(t, err)

	entries, err := os.ReadDir(stagingRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed staging directories are removed")
}
