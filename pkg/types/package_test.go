package types

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

func sampleDescriptor() string {
	return `
name = "test-pkg"
author = "Tester"
version = "0.1.0"
checksum = "sha256:` + strings.Repeat("ab", 32) + `"

[src]
type = "url"
value = "https://example.com/test-pkg-0.1.0.uhp"

[[dependencies]]
name = "dep-pkg"
version = ">= 1.0.0"
`
}

func TestParsePackage(t *testing.T) {
	pkg, err := ParsePackage([]byte(sampleDescriptor()))
	require.NoError(t, err)

	assert.Equal(t, "test-pkg", pkg.Name)
	assert.Equal(t, "Tester", pkg.Author)
	assert.Equal(t, "0.1.0", pkg.Version)
	assert.Equal(t, SourceURL, pkg.Src.Type)

	require.Len(t, pkg.Dependencies, 1)
	assert.Equal(t, "dep-pkg", pkg.Dependencies[0].Name)

	v, err := pkg.SemVer()
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", v.String())

	assert.Equal(t, "test-pkg-0.1.0", pkg.Key())
}

func TestLoadPackage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MetadataFileName)
	require.NoError(t, os.WriteFile(path, []byte(sampleDescriptor()), 0644))

	pkg, err := LoadPackage(path)
	require.NoError(t, err)
	assert.Equal(t, "test-pkg", pkg.Name)

	_, err = LoadPackage(filepath.Join(dir, "missing.toml"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrMetaParse))
}

func TestParsePackage_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(s string) string
		wantCode errors.ErrorCode
	}{
		{
			name:     "bad version",
			mutate:   func(s string) string { return strings.Replace(s, `"0.1.0"`, `"not-a-version"`, 1) },
			wantCode: errors.ErrBadVersion,
		},
		{
			name:     "bad source type",
			mutate:   func(s string) string { return strings.Replace(s, `"url"`, `"ftp"`, 1) },
			wantCode: errors.ErrBadSource,
		},
		{
			name:     "untagged checksum",
			mutate:   func(s string) string { return strings.Replace(s, "sha256:", "", 1) },
			wantCode: errors.ErrBadChecksum,
		},
		{
			name:     "empty name",
			mutate:   func(s string) string { return strings.Replace(s, `"test-pkg"`, `""`, 1) },
			wantCode: errors.ErrMetaParse,
		},
		{
			name:     "bad dependency constraint",
			mutate:   func(s string) string { return strings.Replace(s, `">= 1.0.0"`, `"???"`, 1) },
			wantCode: errors.ErrBadVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePackage([]byte(tt.mutate(sampleDescriptor())))
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, tt.wantCode),
				"expected %s, got %s", tt.wantCode, errors.GetErrorCode(err))
		})
	}
}

func TestParseChecksum(t *testing.T) {
	digest := strings.Repeat("ab", 32)

	algo, hexDigest, err := ParseChecksum("sha256:" + digest)
	require.NoError(t, err)
	assert.Equal(t, "sha256", algo)
	assert.Equal(t, digest, hexDigest)

	_, _, err = ParseChecksum("md5:" + digest)
	assert.True(t, errors.IsErrorCode(err, errors.ErrBadChecksum))

	_, _, err = ParseChecksum("sha256:zz")
	assert.True(t, errors.IsErrorCode(err, errors.ErrBadChecksum))
}

func TestChecksumBytes(t *testing.T) {
	sum := ChecksumBytes([]byte("payload"))
	assert.True(t, strings.HasPrefix(sum, "sha256:"))

	_, _, err := ParseChecksum(sum)
	assert.NoError(t, err)

	// Deterministic
	assert.Equal(t, sum, ChecksumBytes([]byte("payload")))
}

func TestRequirementConstraints(t *testing.T) {
	anyVersion, err := Requirement{Name: "p"}.Constraints()
	require.NoError(t, err)

	pkg := Package{Name: "p", Version: "3.2.1"}
	v, _ := pkg.SemVer()
	assert.True(t, anyVersion.Check(v))

	_, err = Requirement{Name: "p", Constraint: "!!!"}.Constraints()
	assert.True(t, errors.IsErrorCode(err, errors.ErrBadVersion))
}
