// Package paths provides centralized path handling for uhpm.
// All persistent state lives under a single per-user root directory
// (~/.uhpm by default) so that removing the root removes every trace
// of the manager except the symlinks it created.
package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

// Environment variable names
const (
	// EnvRoot overrides the uhpm root directory (~/.uhpm)
	EnvRoot = "UHPM_ROOT"
)

// Directory and file names under the uhpm root.
// These define uhpm's internal layout and are not user-configurable;
// user-facing settings belong in pkg/config.
const (
	// RootDirName is the default root directory name inside $HOME
	RootDirName = ".uhpm"

	// PackagesDirName holds one payload directory per (name, version)
	PackagesDirName = "packages"

	// StagingDirName holds private temporary extraction directories
	StagingDirName = "staging"

	// DBFileName is the package-tracking database
	DBFileName = "uhpm.db"

	// ConfigFileName is the user configuration file
	ConfigFileName = "config.toml"
)

// Paths provides centralized path management for uhpm
type Paths interface {
	// RootDir is the uhpm root (~/.uhpm unless overridden).
	RootDir() string
	// PackagesDir holds all installed payloads.
	PackagesDir() string
	// PackageDir is the payload directory for one (name, version).
	PackageDir(name, version string) string
	// StagingDir holds temporary extraction directories.
	StagingDir() string
	// DBPath is the location of the package database.
	DBPath() string
	// ConfigPath is the location of the user configuration file.
	ConfigPath() string
	// VariableContext is the default symlink variable mapping
	// (HOME plus the XDG-style base directories).
	VariableContext() map[string]string
}

type paths struct {
	root string
	home string
}

// New creates a Paths instance rooted at root. If root is empty it is
// taken from $UHPM_ROOT, falling back to ~/.uhpm.
func New(root string) (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to determine home directory")
	}

	if root == "" {
		root = os.Getenv(EnvRoot)
	}
	if root == "" {
		root = filepath.Join(home, RootDirName)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrConfigLoad, "failed to resolve uhpm root %s", root)
	}

	return &paths{root: absRoot, home: home}, nil
}

func (p *paths) RootDir() string {
	return p.root
}

func (p *paths) PackagesDir() string {
	return filepath.Join(p.root, PackagesDirName)
}

func (p *paths) PackageDir(name, version string) string {
	return filepath.Join(p.PackagesDir(), name+"-"+version)
}

func (p *paths) StagingDir() string {
	return filepath.Join(p.root, StagingDirName)
}

func (p *paths) DBPath() string {
	return filepath.Join(p.root, DBFileName)
}

func (p *paths) ConfigPath() string {
	return filepath.Join(p.root, ConfigFileName)
}

// VariableContext returns the closed set of recognized symlink
// variables. XDG_BIN_HOME is not part of the XDG base directory
// standard; ~/.local/bin is the conventional value.
func (p *paths) VariableContext() map[string]string {
	binHome := os.Getenv("XDG_BIN_HOME")
	if binHome == "" {
		binHome = filepath.Join(p.home, ".local", "bin")
	}
	return map[string]string{
		"HOME":            p.home,
		"XDG_DATA_HOME":   xdg.DataHome,
		"XDG_CONFIG_HOME": xdg.ConfigHome,
		"XDG_STATE_HOME":  xdg.StateHome,
		"XDG_CACHE_HOME":  xdg.CacheHome,
		"XDG_BIN_HOME":    binHome,
	}
}
