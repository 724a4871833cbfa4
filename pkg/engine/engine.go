// Package engine executes resolved plans. Archive preparation (fetch,
// verify, extract, stage) runs in a bounded worker pool; commits run
// one at a time under the install lock, in plan order, and only after
// every dependency of a package has committed. The store transaction
// always lands before any symlink is touched, so a crash between the
// two leaves committed rows whose links the next run completes
// idempotently.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arthur-debert/uhpm/pkg/archive"
	"github.com/arthur-debert/uhpm/pkg/config"
	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/fetcher"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/paths"
	"github.com/arthur-debert/uhpm/pkg/resolver"
	"github.com/arthur-debert/uhpm/pkg/store"
	"github.com/arthur-debert/uhpm/pkg/symlink"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// Index locates installable package descriptors. *repo.Repos
// satisfies it.
type Index interface {
	resolver.Index
	// Resolve returns the highest available version of name satisfying
	// the constraint (empty means any).
	Resolve(name, constraint string) (*types.Package, error)
}

// Engine coordinates the store, fetcher and symlink manager to execute
// install, remove, switch and update operations.
type Engine struct {
	store    *store.Store
	fetcher  *fetcher.Fetcher
	links    *symlink.Manager
	resolver *resolver.Resolver
	index    Index
	paths    paths.Paths
	cfg      *config.Config
	logger   zerolog.Logger

	// installMu serializes commits. Preparation runs outside it.
	installMu sync.Mutex
}

// New wires an Engine from its collaborators.
func New(st *store.Store, f *fetcher.Fetcher, links *symlink.Manager,
	rz *resolver.Resolver, index Index, p paths.Paths, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		fetcher:  f,
		links:    links,
		resolver: rz,
		index:    index,
		paths:    p,
		cfg:      cfg,
		logger:   logging.GetLogger("engine"),
	}
}

// Install resolves the requirements and installs everything the plan
// names. Requested packages already installed at a satisfying version
// get their links re-checked, which is what completes an installation
// interrupted between the store commit and link creation.
func (e *Engine) Install(ctx context.Context, reqs []types.Requirement) (*Report, error) {
	defer logging.LogOperationStart(e.logger, "install")()

	plan, err := e.resolver.PlanInstall(reqs)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	planned := make(map[string]bool)
	for _, a := range plan.Actions {
		planned[a.Package.Name] = true
	}
	for _, req := range reqs {
		if planned[req.Name] {
			continue
		}
		if outcome, ok := e.repairExisting(req.Name); ok {
			report.Outcomes = append(report.Outcomes, outcome)
		}
	}

	e.runInstallPlan(ctx, plan, report)
	return report, nil
}

// repairExisting re-materializes the links of an installed current
// version. LinkAll is idempotent, so this is a cheap no-op when
// everything is already in place.
func (e *Engine) repairExisting(name string) (Outcome, bool) {
	row, err := e.store.Find(name, "")
	if err != nil {
		return Outcome{}, false
	}

	payload := e.paths.PackageDir(row.Name, row.Version)
	links, _, err := e.loadMaterialization(payload)
	if err == nil {
		err = e.links.LinkAll(links)
	}
	if err != nil {
		return Outcome{Name: row.Name, Version: row.Version, State: StateFailed, Err: err}, true
	}
	return Outcome{Name: row.Name, Version: row.Version, State: StateInstalled}, true
}

// InstallFile installs packages straight from local archive files. Each
// archive's descriptor is read out of the archive and pinned at its
// exact version; dependencies resolve against the configured
// repositories as usual.
func (e *Engine) InstallFile(ctx context.Context, archives []string) (*Report, error) {
	defer logging.LogOperationStart(e.logger, "install-file")()

	pinned := make(map[string][]*types.Package, len(archives))
	reqs := make([]types.Requirement, 0, len(archives))
	for _, path := range archives {
		pkg, err := loadArchivePackage(path)
		if err != nil {
			return nil, err
		}
		pinned[pkg.Name] = append(pinned[pkg.Name], pkg)
		reqs = append(reqs, types.Requirement{Name: pkg.Name, Constraint: "= " + pkg.Version})
	}

	// A private resolver whose index serves the archive descriptors for
	// the pinned names and falls through to the repositories for
	// everything else.
	rz := resolver.New(e.store, &pinnedIndex{base: e.index, pinned: pinned})
	plan, err := rz.PlanInstall(reqs)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	planned := make(map[string]bool)
	for _, a := range plan.Actions {
		planned[a.Package.Name] = true
	}
	for name := range pinned {
		if planned[name] {
			continue
		}
		if outcome, ok := e.repairExisting(name); ok {
			report.Outcomes = append(report.Outcomes, outcome)
		}
	}

	e.runInstallPlan(ctx, plan, report)
	return report, nil
}

// pinnedIndex shadows the repository index for the names installed
// from files, so the archive on disk is authoritative for them.
type pinnedIndex struct {
	base   resolver.Index
	pinned map[string][]*types.Package
}

func (p *pinnedIndex) Candidates(name string) ([]*types.Package, error) {
	if pkgs, ok := p.pinned[name]; ok {
		return pkgs, nil
	}
	return p.base.Candidates(name)
}

// loadArchivePackage reads the descriptor out of a local archive and
// rewrites it to point back at the archive, with the archive's own
// digest as the checksum the fetch phase will verify against.
func loadArchivePackage(path string) (*types.Package, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrBadSource, "cannot resolve archive path %s", path)
	}

	data, err := archive.ReadDescriptor(abs, types.MetadataFileName)
	if err != nil {
		return nil, err
	}
	pkg, err := types.ParsePackage(data)
	if err != nil {
		return nil, err
	}

	sum, err := fetcher.ChecksumFile(abs)
	if err != nil {
		return nil, err
	}
	pkg.Checksum = sum
	pkg.Src = types.Source{Type: types.SourceLocalPath, Value: abs}
	return pkg, nil
}

type prepResult struct {
	staged string // empty when the payload or rows already exist
	err    error
}

// runInstallPlan prepares every action concurrently and commits them
// serially in plan order. A failed or skipped package poisons its
// dependents, which end as StateSkipped without committing.
func (e *Engine) runInstallPlan(ctx context.Context, plan *resolver.Plan, report *Report) {
	if len(plan.Actions) == 0 {
		return
	}

	results := make([]chan prepResult, len(plan.Actions))
	for i := range results {
		results[i] = make(chan prepResult, 1)
	}

	// Errors travel through the result channels; goroutines never fail
	// the group, so one bad package does not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(e.cfg.Fetch.Concurrency)
	for i, action := range plan.Actions {
		i, action := i, action
		g.Go(func() error {
			results[i] <- e.prepare(ctx, action.Package)
			return nil
		})
	}
	defer func() { _ = g.Wait() }()

	// failedRoots records why a name cannot commit, keyed by name.
	failedRoots := make(map[string][]string)

	for i, action := range plan.Actions {
		pkg := action.Package
		res := <-results[i]

		if blockers := blockedBy(action.DependsOn, failedRoots); len(blockers) > 0 {
			e.discardStaged(res.staged)
			failedRoots[pkg.Name] = blockers
			report.Outcomes = append(report.Outcomes, skippedOutcome(pkg.Name, pkg.Version, blockers))
			continue
		}

		if res.err == nil && ctx.Err() != nil {
			res.err = errors.Wrapf(ctx.Err(), errors.ErrCommit, "install of %s canceled", pkg.Key())
		}
		if res.err == nil {
			res.err = e.commit(pkg, res.staged)
		}

		if res.err != nil {
			e.discardStaged(res.staged)
			failedRoots[pkg.Name] = []string{pkg.Key()}
			report.Outcomes = append(report.Outcomes, Outcome{
				Name: pkg.Name, Version: pkg.Version, State: StateFailed, Err: res.err,
			})
			e.logger.Error().Err(res.err).Str("package", pkg.Key()).Msg("install failed")
			continue
		}

		report.Outcomes = append(report.Outcomes, Outcome{
			Name: pkg.Name, Version: pkg.Version, State: StateInstalled,
		})
		e.logger.Info().Str("package", pkg.Key()).Msg("installed")
	}
}

func blockedBy(dependsOn []string, failedRoots map[string][]string) []string {
	var blockers []string
	for _, dep := range dependsOn {
		blockers = append(blockers, failedRoots[dep]...)
	}
	return blockers
}

// prepare fetches, verifies and stages one package's payload. When the
// store rows or the payload directory already exist, nothing is staged
// and commit completes whatever is missing.
func (e *Engine) prepare(ctx context.Context, pkg *types.Package) prepResult {
	e.trace(pkg, StateRequested)

	has, err := e.store.Has(pkg.Name, pkg.Version)
	if err != nil {
		return prepResult{err: err}
	}
	if has || dirExists(e.paths.PackageDir(pkg.Name, pkg.Version)) {
		e.trace(pkg, StateStaged)
		return prepResult{}
	}

	// Fetch covers retrieval and the checksum gate in one step.
	e.trace(pkg, StateFetching)
	archivePath, err := e.fetcher.Fetch(ctx, pkg)
	if err != nil {
		return prepResult{err: err}
	}

	e.trace(pkg, StateExtracting)
	staged, err := archive.Stage(archivePath, e.paths.StagingDir())
	if err != nil {
		return prepResult{err: err}
	}

	e.trace(pkg, StateVerifying)
	if err := e.validateStaged(pkg, staged); err != nil {
		_ = os.RemoveAll(staged)
		return prepResult{err: err}
	}

	e.trace(pkg, StateStaged)
	return prepResult{staged: staged}
}

func (e *Engine) trace(pkg *types.Package, s State) {
	e.logger.Debug().Str("package", pkg.Key()).Str("state", string(s)).Msg("state change")
}

// validateStaged checks that the staged payload's descriptor matches
// what was resolved.
func (e *Engine) validateStaged(pkg *types.Package, staged string) error {
	desc, err := types.LoadPackage(filepath.Join(staged, types.MetadataFileName))
	if err != nil {
		return err
	}
	if desc.Name != pkg.Name || desc.Version != pkg.Version {
		return errors.Newf(errors.ErrMetaParse,
			"archive descriptor says %s-%s, expected %s", desc.Name, desc.Version, pkg.Key())
	}
	return nil
}

// commit makes one prepared package durable: move the payload into
// place, write all store rows and the current flag in one transaction,
// then materialize the links. A link failure after the transaction is
// repaired by deleting the rows again and restoring the previous
// current version.
func (e *Engine) commit(pkg *types.Package, staged string) error {
	e.installMu.Lock()
	defer e.installMu.Unlock()

	e.trace(pkg, StateCommitting)
	payload := e.paths.PackageDir(pkg.Name, pkg.Version)

	has, err := e.store.Has(pkg.Name, pkg.Version)
	if err != nil {
		return err
	}
	if has {
		// Rows committed by an interrupted run; only the links can be
		// missing. Redo them idempotently.
		e.discardStaged(staged)
		links, _, err := e.loadMaterialization(payload)
		if err != nil {
			return err
		}
		return e.links.LinkAll(links)
	}

	if staged != "" {
		if err := os.MkdirAll(e.paths.PackagesDir(), 0755); err != nil {
			return errors.Wrapf(err, errors.ErrCommit, "failed to create packages directory")
		}
		// A payload without rows is debris from a repaired failure.
		if dirExists(payload) {
			if err := os.RemoveAll(payload); err != nil {
				return errors.Wrapf(err, errors.ErrCommit, "failed to clear stale payload %s", payload)
			}
		}
		if err := os.Rename(staged, payload); err != nil {
			return errors.Wrapf(err, errors.ErrCommit, "failed to move payload of %s into place", pkg.Key())
		}
	} else if !dirExists(payload) {
		return errors.Newf(errors.ErrCommit, "no staged payload for %s", pkg.Key())
	}

	links, files, err := e.loadMaterialization(payload)
	if err != nil {
		return err
	}

	var prev *store.Package
	if row, err := e.store.Find(pkg.Name, ""); err == nil {
		prev = row
	}

	err = e.store.Transaction(func(tx *store.Store) error {
		if err := tx.Install(pkg, files); err != nil {
			return err
		}
		return tx.MarkCurrent(pkg.Name, pkg.Version)
	})
	if err != nil {
		return err
	}

	if prev != nil {
		err = e.links.SwitchLinks(links, e.paths.PackageDir(prev.Name, prev.Version))
	} else {
		err = e.links.LinkAll(links)
	}
	if err != nil {
		e.repairCommit(pkg, prev)
		return err
	}
	return nil
}

// repairCommit undoes a store commit whose link phase failed, so no
// rows describe links that never existed.
func (e *Engine) repairCommit(pkg *types.Package, prev *store.Package) {
	if err := e.store.Remove(pkg.Name, pkg.Version); err != nil {
		e.logger.Error().Err(err).Str("package", pkg.Key()).Msg("failed to repair interrupted commit")
		return
	}
	if prev == nil {
		return
	}
	if row, err := e.store.Find(pkg.Name, ""); err == nil && row.Version != prev.Version {
		if err := e.store.MarkCurrent(prev.Name, prev.Version); err != nil {
			e.logger.Error().Err(err).Str("package", prev.Name+"-"+prev.Version).
				Msg("failed to restore previous current version")
		}
	}
}

// Remove unlinks and deletes the named packages, dependents before
// their dependencies. A failed removal leaves its still-linked file
// rows behind and skips the removal of everything it depends on.
func (e *Engine) Remove(ctx context.Context, names []string, force bool) (*Report, error) {
	defer logging.LogOperationStart(e.logger, "remove")()

	plan, err := e.resolver.PlanRemove(names, force)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	blocked := make(map[string][]string) // name -> root causes keeping it installed

	for _, action := range plan.Actions {
		pkg := action.Package

		if because, isBlocked := blocked[pkg.Name]; isBlocked {
			report.Outcomes = append(report.Outcomes, skippedOutcome(pkg.Name, pkg.Version, because))
			e.blockDependencies(pkg, because, blocked)
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				Name: pkg.Name, Version: pkg.Version, State: StateFailed,
				Err: errors.Wrapf(err, errors.ErrCommit, "removal of %s canceled", pkg.Key()),
			})
			e.blockDependencies(pkg, []string{pkg.Key()}, blocked)
			continue
		}

		if err := e.removeOne(pkg); err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				Name: pkg.Name, Version: pkg.Version, State: StateFailed, Err: err,
			})
			// The package stays installed, so its dependencies must too.
			e.blockDependencies(pkg, []string{pkg.Key()}, blocked)
			e.logger.Error().Err(err).Str("package", pkg.Key()).Msg("removal failed")
			continue
		}

		report.Outcomes = append(report.Outcomes, Outcome{
			Name: pkg.Name, Version: pkg.Version, State: StateGone,
		})
		e.logger.Info().Str("package", pkg.Key()).Msg("removed")
	}
	return report, nil
}

func (e *Engine) blockDependencies(pkg *types.Package, because []string, blocked map[string][]string) {
	edges, err := e.store.EdgesOf(pkg.Name, pkg.Version)
	if err != nil {
		return
	}
	for _, edge := range edges {
		blocked[edge.DependencyName] = append(blocked[edge.DependencyName], because...)
	}
}

// removeOne tears down one installed version: unlink whatever still
// points into the payload, drop the handled file rows, then delete the
// remaining rows and the payload. An unlink failure keeps the rows of
// the files still on disk so the removal can resume.
func (e *Engine) removeOne(pkg *types.Package) error {
	e.installMu.Lock()
	defer e.installMu.Unlock()

	e.trace(pkg, StateRemoving)
	payload := e.paths.PackageDir(pkg.Name, pkg.Version)

	files, err := e.store.InstalledFilesOf(pkg.Name, pkg.Version)
	if err != nil {
		return err
	}
	targets := make([]string, len(files))
	for i, f := range files {
		targets[i] = f.TargetPath
	}

	removed, unlinkErr := e.links.UnlinkAll(targets, payload)
	if len(removed) > 0 && len(removed) < len(targets) {
		if err := e.store.RemoveFiles(pkg.Name, pkg.Version, removed); err != nil {
			return err
		}
	}
	if unlinkErr != nil {
		return unlinkErr
	}

	if err := e.store.Remove(pkg.Name, pkg.Version); err != nil {
		return err
	}
	if err := os.RemoveAll(payload); err != nil {
		return errors.Wrapf(err, errors.ErrCommit, "failed to delete payload %s", payload)
	}
	return nil
}

// Switch makes an already installed version current and re-points the
// links at it. Only links still pointing into the outgoing version's
// payload are touched; anything the user replaced stays as it is.
func (e *Engine) Switch(ctx context.Context, name, version string) (*Report, error) {
	plan, err := e.resolver.PlanSwitch(name, version)
	if err != nil {
		return nil, err
	}
	pkg := plan.Actions[0].Package

	e.installMu.Lock()
	defer e.installMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCommit, "switch of %s canceled", name)
	}

	prev, err := e.store.Find(name, "")
	if err != nil {
		return nil, err
	}
	oldPayload := e.paths.PackageDir(prev.Name, prev.Version)
	newPayload := e.paths.PackageDir(pkg.Name, pkg.Version)

	links, _, err := e.loadMaterialization(newPayload)
	if err != nil {
		return nil, err
	}

	if err := e.store.MarkCurrent(pkg.Name, pkg.Version); err != nil {
		return nil, err
	}

	if err := e.links.SwitchLinks(links, oldPayload); err != nil {
		if revertErr := e.store.MarkCurrent(prev.Name, prev.Version); revertErr != nil {
			e.logger.Error().Err(revertErr).Str("package", prev.Name+"-"+prev.Version).
				Msg("failed to restore previous current version")
		}
		return nil, err
	}

	// Old links whose targets the new version does not claim are
	// removed, but only where they still point into the old payload.
	e.unlinkLeftovers(prev, links, oldPayload)

	e.logger.Info().Str("package", pkg.Key()).Str("from", prev.Version).Msg("switched current version")
	return &Report{Outcomes: []Outcome{{
		Name: pkg.Name, Version: pkg.Version, State: StateInstalled,
	}}}, nil
}

func (e *Engine) unlinkLeftovers(prev *store.Package, newLinks []symlink.Link, oldPayload string) {
	oldFiles, err := e.store.InstalledFilesOf(prev.Name, prev.Version)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to list outgoing version's files")
		return
	}
	claimed := make(map[string]bool, len(newLinks))
	for _, l := range newLinks {
		claimed[l.Target] = true
	}
	var leftovers []string
	for _, f := range oldFiles {
		if !claimed[f.TargetPath] {
			leftovers = append(leftovers, f.TargetPath)
		}
	}
	if _, err := e.links.UnlinkAll(leftovers, oldPayload); err != nil {
		e.logger.Warn().Err(err).Msg("failed to remove outgoing version's leftover links")
	}
}

// Update installs the newest available version of an installed
// package. With re-resolution enabled (the default) its dependencies
// are re-resolved against the new version's constraints; otherwise
// only the named package is replaced.
func (e *Engine) Update(ctx context.Context, name string) (*Report, error) {
	row, err := e.store.Find(name, "")
	if err != nil {
		return nil, err
	}
	current, err := semver.NewVersion(row.Version)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrBadVersion,
			"installed version %q of %s is not semver", row.Version, name)
	}

	best, err := e.index.Resolve(name, "")
	if err != nil {
		return nil, err
	}
	bestVersion, err := best.SemVer()
	if err != nil {
		return nil, err
	}
	if !bestVersion.GreaterThan(current) {
		return nil, errors.Newf(errors.ErrNoNewVersion,
			"%s is already at the newest available version (%s)", name, row.Version)
	}

	if e.cfg.Update.ReresolveDeps {
		return e.Install(ctx, []types.Requirement{{Name: name, Constraint: "> " + row.Version}})
	}

	report := &Report{}
	e.runInstallPlan(ctx, &resolver.Plan{Actions: []resolver.Action{{
		Kind:    resolver.ActionInstall,
		Package: best,
	}}}, report)
	return report, nil
}

// loadMaterialization reads a payload's symlist and resolves it into
// concrete links plus the store rows recording them.
func (e *Engine) loadMaterialization(payload string) ([]symlink.Link, []store.InstalledFile, error) {
	entries, err := types.LoadSymlist(filepath.Join(payload, types.SymlistFileName))
	if err != nil {
		return nil, nil, err
	}
	links, err := e.links.Resolve(entries, payload)
	if err != nil {
		return nil, nil, err
	}
	files := make([]store.InstalledFile, len(entries))
	for i := range entries {
		files[i] = store.InstalledFile{
			SourcePath: entries[i].Source,
			TargetPath: links[i].Target,
			Kind:       store.KindLink,
		}
	}
	return links, files, nil
}

func (e *Engine) discardStaged(staged string) {
	if staged != "" {
		_ = os.RemoveAll(staged)
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
