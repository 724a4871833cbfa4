// Package symlink materializes a package payload into the user's
// environment and tears it down again. Targets are declared with
// variable tokens expanded against a closed context; anything outside
// that context is rejected rather than silently passed through.
// Removal and switching only ever touch links that still point into
// the payload they belong to, so files the user replaced are left
// alone.
package symlink

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// variablePattern matches $NAME and ${NAME} tokens.
var variablePattern = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// Link is one fully resolved symlink: an absolute source inside a
// payload directory and an absolute target in the user's environment.
type Link struct {
	Source string
	Target string
}

// Manager expands symlist targets and manages the links on disk.
type Manager struct {
	vars   map[string]string
	logger zerolog.Logger
}

// New creates a Manager over the given variable context. The context is
// closed: any token not in vars fails expansion.
func New(vars map[string]string) *Manager {
	return &Manager{vars: vars, logger: logging.GetLogger("symlink")}
}

// ExpandTarget substitutes variable tokens in a symlist target path.
// Unknown tokens yield ErrUnknownVariable naming the token.
func (m *Manager) ExpandTarget(raw string) (string, error) {
	var unknown string
	expanded := variablePattern.ReplaceAllStringFunc(raw, func(tok string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(tok, "$"), "{"), "}")
		val, ok := m.vars[name]
		if !ok {
			if unknown == "" {
				unknown = name
			}
			return tok
		}
		return val
	})
	if unknown != "" {
		return "", errors.Newf(errors.ErrUnknownVariable,
			"target %q references unknown variable $%s", raw, unknown)
	}
	return filepath.Clean(expanded), nil
}

// Resolve turns symlist entries into concrete links rooted at
// payloadDir. Every target is expanded before any link is created, so a
// bad entry fails the whole set up front.
func (m *Manager) Resolve(entries []types.SymlistEntry, payloadDir string) ([]Link, error) {
	links := make([]Link, 0, len(entries))
	for _, entry := range entries {
		target, err := m.ExpandTarget(entry.Target)
		if err != nil {
			return nil, err
		}
		links = append(links, Link{
			Source: filepath.Join(payloadDir, entry.Source),
			Target: target,
		})
	}
	return links, nil
}

// LinkAll creates every link, creating parent directories as needed.
// A target that already links to the desired source is left as is, so
// the call is idempotent and safe to re-run after a crash. A target
// occupied by anything else fails with ErrLinkConflict, and links
// created earlier in the same call are removed again.
func (m *Manager) LinkAll(links []Link) error {
	var created []string

	revert := func() {
		for _, target := range created {
			_ = os.Remove(target)
		}
	}

	for _, link := range links {
		if dest, err := os.Readlink(link.Target); err == nil {
			if dest == link.Source {
				continue
			}
			revert()
			return errors.Newf(errors.ErrLinkConflict,
				"target %s already links to %s", link.Target, dest)
		} else if _, statErr := os.Lstat(link.Target); statErr == nil {
			revert()
			return errors.Newf(errors.ErrLinkConflict,
				"target %s exists and is not a symlink", link.Target)
		}

		if err := os.MkdirAll(filepath.Dir(link.Target), 0755); err != nil {
			revert()
			return errors.Wrapf(err, errors.ErrLinkCreate,
				"failed to create directory for %s", link.Target)
		}
		if err := os.Symlink(link.Source, link.Target); err != nil {
			revert()
			return errors.Wrapf(err, errors.ErrLinkCreate,
				"failed to link %s -> %s", link.Target, link.Source)
		}
		created = append(created, link.Target)
	}

	m.logger.Debug().Int("links", len(links)).Int("created", len(created)).Msg("links materialized")
	return nil
}

// UnlinkAll removes the given targets, but only those that are still
// symlinks pointing into payloadRoot. Targets the user deleted or
// replaced are skipped and still count as handled. The removed slice
// names every target that no longer needs a store row, including the
// skipped ones, up to the first hard failure.
func (m *Manager) UnlinkAll(targets []string, payloadRoot string) (removed []string, err error) {
	for _, target := range targets {
		into, err := m.pointsInto(target, payloadRoot)
		if err != nil {
			return removed, err
		}
		if !into {
			// Gone or repurposed by the user; nothing on disk to undo.
			removed = append(removed, target)
			continue
		}
		if err := os.Remove(target); err != nil {
			return removed, errors.Wrapf(err, errors.ErrLinkCreate, "failed to remove link %s", target)
		}
		removed = append(removed, target)
	}

	sort.Strings(removed)
	return removed, nil
}

// SwitchLinks re-points the targets at a new payload. For each link the
// old target is removed only if it still points into oldPayloadRoot,
// then the new link is created. On failure every entry swapped so far
// is restored to its previous destination.
func (m *Manager) SwitchLinks(links []Link, oldPayloadRoot string) error {
	type swapped struct {
		target  string
		oldDest string // empty when there was nothing to restore
	}
	var done []swapped

	revert := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = os.Remove(done[i].target)
			if done[i].oldDest != "" {
				_ = os.Symlink(done[i].oldDest, done[i].target)
			}
		}
	}

	for _, link := range links {
		var oldDest string
		if dest, err := os.Readlink(link.Target); err == nil {
			if dest == link.Source {
				// Already pointing at the new payload.
				continue
			}
			if !m.destInside(link.Target, dest, oldPayloadRoot) {
				revert()
				return errors.Newf(errors.ErrLinkConflict,
					"target %s links to %s, not into the previous version", link.Target, dest)
			}
			oldDest = dest
			if err := os.Remove(link.Target); err != nil {
				revert()
				return errors.Wrapf(err, errors.ErrLinkCreate, "failed to unlink %s", link.Target)
			}
		} else if _, statErr := os.Lstat(link.Target); statErr == nil {
			revert()
			return errors.Newf(errors.ErrLinkConflict,
				"target %s exists and is not a symlink", link.Target)
		}

		if err := os.MkdirAll(filepath.Dir(link.Target), 0755); err != nil {
			revert()
			return errors.Wrapf(err, errors.ErrLinkCreate,
				"failed to create directory for %s", link.Target)
		}
		if err := os.Symlink(link.Source, link.Target); err != nil {
			revert()
			return errors.Wrapf(err, errors.ErrLinkCreate,
				"failed to link %s -> %s", link.Target, link.Source)
		}
		done = append(done, swapped{target: link.Target, oldDest: oldDest})
	}

	m.logger.Debug().Int("links", len(links)).Msg("links switched")
	return nil
}

// pointsInto reports whether target is a symlink whose destination
// lies inside root. A missing target is simply false.
func (m *Manager) pointsInto(target, root string) (bool, error) {
	dest, err := os.Readlink(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		if _, statErr := os.Lstat(target); statErr == nil {
			// Exists but is not a symlink: not ours to remove.
			return false, nil
		}
		return false, errors.Wrapf(err, errors.ErrLinkCreate, "failed to inspect %s", target)
	}
	return m.destInside(target, dest, root), nil
}

func (m *Manager) destInside(target, dest, root string) bool {
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(target), dest)
	}
	dest = filepath.Clean(dest)
	root = filepath.Clean(root)
	return dest == root || strings.HasPrefix(dest, root+string(os.PathSeparator))
}
