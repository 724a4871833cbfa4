package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

// MetadataFileName is the descriptor file shipped at the root of every
// package payload.
const MetadataFileName = "uhp.toml"

// SourceType identifies where a package archive comes from.
type SourceType string

const (
	// SourceRepository references a configured repository by name.
	SourceRepository SourceType = "repository"
	// SourceURL points at an http(s) location of the archive.
	SourceURL SourceType = "url"
	// SourceLocalPath points at an archive on the local filesystem.
	SourceLocalPath SourceType = "local"
)

// Source describes where a package's archive can be retrieved from.
type Source struct {
	Type  SourceType `toml:"type"`
	Value string     `toml:"value"`
}

// Validate checks that the source variant is one of the known kinds.
func (s Source) Validate() error {
	switch s.Type {
	case SourceRepository, SourceURL, SourceLocalPath:
		return nil
	default:
		return errors.Newf(errors.ErrBadSource, "unknown source type %q", s.Type)
	}
}

// Dependency is a declared dependency: a package name plus a semver
// constraint ("1.2.3", ">= 1.0, < 2.0", "^1.4", ...).
type Dependency struct {
	Name       string `toml:"name"`
	Constraint string `toml:"version"`
}

// Constraints parses the declared version constraint.
func (d Dependency) Constraints() (*semver.Constraints, error) {
	c, err := semver.NewConstraint(d.Constraint)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrBadVersion,
			"invalid constraint %q for dependency %s", d.Constraint, d.Name)
	}
	return c, nil
}

// Package is the descriptor of one package version, as declared in
// uhp.toml and carried through resolution, fetching and the store.
type Package struct {
	Name         string       `toml:"name"`
	Author       string       `toml:"author"`
	Version      string       `toml:"version"`
	Checksum     string       `toml:"checksum"`
	Src          Source       `toml:"src"`
	Dependencies []Dependency `toml:"dependencies,omitempty"`
}

// SemVer parses the package's declared version.
func (p *Package) SemVer() (*semver.Version, error) {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrBadVersion,
			"invalid version %q for package %s", p.Version, p.Name)
	}
	return v, nil
}

// Key returns the (name, version) identity string used for payload
// directories and log context.
func (p *Package) Key() string {
	return fmt.Sprintf("%s-%s", p.Name, p.Version)
}

// Validate checks the descriptor for the fields the engine relies on.
func (p *Package) Validate() error {
	if p.Name == "" {
		return errors.New(errors.ErrMetaParse, "package name is empty")
	}
	if _, err := p.SemVer(); err != nil {
		return err
	}
	if err := p.Src.Validate(); err != nil {
		return err
	}
	if _, _, err := ParseChecksum(p.Checksum); err != nil {
		return err
	}
	for _, dep := range p.Dependencies {
		if dep.Name == "" {
			return errors.Newf(errors.ErrMetaParse, "package %s declares a dependency without a name", p.Name)
		}
		if _, err := dep.Constraints(); err != nil {
			return err
		}
	}
	return nil
}

// LoadPackage reads and validates a package descriptor from a uhp.toml file.
func LoadPackage(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrMetaParse, "failed to read descriptor %s", path)
	}
	return ParsePackage(data)
}

// ParsePackage parses and validates a descriptor from raw TOML bytes.
func ParsePackage(data []byte) (*Package, error) {
	var pkg Package
	if err := toml.Unmarshal(data, &pkg); err != nil {
		return nil, errors.Wrap(err, errors.ErrMetaParse, "failed to parse descriptor")
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// ParseChecksum splits an algorithm-tagged digest ("sha256:<hex>") into
// its algorithm and hex digest parts. Only sha256 is recognized.
func ParseChecksum(checksum string) (algo, digest string, err error) {
	algo, digest, ok := strings.Cut(checksum, ":")
	if !ok {
		return "", "", errors.Newf(errors.ErrBadChecksum, "checksum %q is not algorithm-tagged", checksum)
	}
	if algo != "sha256" {
		return "", "", errors.Newf(errors.ErrBadChecksum, "unsupported checksum algorithm %q", algo)
	}
	if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
		return "", "", errors.Newf(errors.ErrBadChecksum, "checksum %q has a malformed sha256 digest", checksum)
	}
	return algo, digest, nil
}

// ChecksumBytes returns the algorithm-tagged sha256 digest of data.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Requirement is a caller-level request for a package: a name plus an
// optional version constraint (empty means "latest available").
type Requirement struct {
	Name       string
	Constraint string
}

// Constraints parses the requirement's constraint. An empty constraint
// matches any version.
func (r Requirement) Constraints() (*semver.Constraints, error) {
	spec := r.Constraint
	if spec == "" {
		spec = ">= 0.0.0"
	}
	c, err := semver.NewConstraint(spec)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrBadVersion,
			"invalid constraint %q for %s", r.Constraint, r.Name)
	}
	return c, nil
}
