// Package repo reads package repositories: a base location (local
// directory or http(s) URL) holding a TOML index that lists the
// available packages, their descriptors, and where each archive lives
// relative to the base. It serves candidate descriptors to the
// resolver and archive locations to the fetcher.
package repo

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/rs/zerolog"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// IndexFileName is the index every repository serves at its base.
const IndexFileName = "index.toml"

// indexEntry is one package version in a repository index.
type indexEntry struct {
	Name         string             `toml:"name"`
	Author       string             `toml:"author"`
	Version      string             `toml:"version"`
	Checksum     string             `toml:"checksum"`
	Archive      string             `toml:"archive"` // relative to the repository base
	Dependencies []types.Dependency `toml:"dependencies,omitempty"`
}

type index struct {
	Packages []indexEntry `toml:"packages"`
}

// Repos aggregates every configured repository and lazily loads their
// indexes on first use.
type Repos struct {
	bases  map[string]string // repository name -> base location
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	loaded   bool
	entries  map[string][]loadedEntry // package name -> entries
	archives map[string]archiveRef    // package key -> archive location
}

type loadedEntry struct {
	indexEntry
	repo string
}

type archiveRef struct {
	base    string
	archive string
}

// Option configures Repos.
type Option func(*Repos)

// WithClient overrides the HTTP client used for remote indexes.
func WithClient(c *http.Client) Option {
	return func(r *Repos) { r.client = c }
}

// New creates a repository set from configured name -> base mappings.
func New(bases map[string]string, opts ...Option) *Repos {
	r := &Repos{
		bases:  bases,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.GetLogger("repo"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Candidates returns every known descriptor for name across all
// repositories. An unknown name yields an empty slice.
func (r *Repos) Candidates(name string) ([]*types.Package, error) {
	if err := r.load(); err != nil {
		return nil, err
	}

	var out []*types.Package
	for _, e := range r.entries[name] {
		out = append(out, &types.Package{
			Name:         e.Name,
			Author:       e.Author,
			Version:      e.Version,
			Checksum:     e.Checksum,
			Src:          types.Source{Type: types.SourceRepository, Value: e.repo},
			Dependencies: e.Dependencies,
		})
	}
	return out, nil
}

// Resolve returns the highest version of name satisfying the
// constraint (empty means any). Unknown names yield ErrRepoNotFound;
// a known name with no satisfying version yields
// ErrUnsatisfiableConstraint.
func (r *Repos) Resolve(name, constraint string) (*types.Package, error) {
	candidates, err := r.Candidates(name)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.ErrRepoNotFound, "no repository provides package %s", name)
	}

	check, err := types.Requirement{Name: name, Constraint: constraint}.Constraints()
	if err != nil {
		return nil, err
	}

	var best *types.Package
	var bestVersion *semver.Version
	for _, cand := range candidates {
		v, err := cand.SemVer()
		if err != nil {
			continue
		}
		if !check.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = cand, v
		}
	}
	if best == nil {
		return nil, errors.Newf(errors.ErrUnsatisfiableConstraint,
			"no version of %s satisfies %q", name, constraint)
	}
	return best, nil
}

// ArchiveSource resolves where pkg's archive lives: an http(s) URL for
// remote repositories, a local path otherwise.
func (r *Repos) ArchiveSource(pkg *types.Package) (types.Source, error) {
	if err := r.load(); err != nil {
		return types.Source{}, err
	}

	ref, ok := r.archives[pkg.Key()]
	if !ok {
		return types.Source{}, errors.Newf(errors.ErrRepoNotFound,
			"no repository provides an archive for %s", pkg.Key())
	}

	if isRemote(ref.base) {
		loc, err := url.JoinPath(ref.base, ref.archive)
		if err != nil {
			return types.Source{}, errors.Wrapf(err, errors.ErrRepoIndex,
				"bad archive location %q in repository index", ref.archive)
		}
		return types.Source{Type: types.SourceURL, Value: loc}, nil
	}
	return types.Source{Type: types.SourceLocalPath, Value: filepath.Join(ref.base, ref.archive)}, nil
}

// load reads every configured index once. Repository names are walked
// in sorted order so the first-provider-wins rule for duplicate
// package versions is deterministic.
func (r *Repos) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	r.entries = make(map[string][]loadedEntry)
	r.archives = make(map[string]archiveRef)

	names := make([]string, 0, len(r.bases))
	for name := range r.bases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		base := r.bases[name]
		idx, err := r.readIndex(base)
		if err != nil {
			return errors.Wrapf(err, errors.ErrRepoIndex, "failed to load index of repository %s", name)
		}

		for _, e := range idx.Packages {
			if e.Name == "" || e.Version == "" || e.Archive == "" {
				return errors.Newf(errors.ErrRepoIndex,
					"repository %s lists an entry missing name, version or archive", name)
			}
			key := e.Name + "-" + e.Version
			if _, dup := r.archives[key]; dup {
				continue
			}
			r.entries[e.Name] = append(r.entries[e.Name], loadedEntry{indexEntry: e, repo: name})
			r.archives[key] = archiveRef{base: base, archive: e.Archive}
		}
		r.logger.Debug().Str("repository", name).Int("packages", len(idx.Packages)).Msg("index loaded")
	}

	r.loaded = true
	return nil
}

func (r *Repos) readIndex(base string) (*index, error) {
	var data []byte
	if isRemote(base) {
		loc, err := url.JoinPath(base, IndexFileName)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Get(loc)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrTransport, "failed to download %s", loc)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Newf(errors.ErrTransport, "index download from %s failed with status %s", loc, resp.Status)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrTransport, "failed to read index from %s", loc)
		}
	} else {
		var err error
		data, err = os.ReadFile(filepath.Join(base, IndexFileName))
		if err != nil {
			return nil, err
		}
	}

	var idx index
	if err := toml.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func isRemote(base string) bool {
	return strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://")
}
