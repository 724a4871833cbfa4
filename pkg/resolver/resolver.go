// Package resolver turns a requested operation into an ordered plan of
// per-package actions. It builds a fresh dependency graph per call,
// rejects cycles and unsatisfiable constraints before anything
// executes, and guards removals against installed dependents.
package resolver

import (
	"github.com/Masterminds/semver"
	"github.com/rs/zerolog"

	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/store"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// ActionKind is the kind of per-package action in a plan.
type ActionKind string

const (
	// ActionInstall fetches, stages and commits a package version.
	ActionInstall ActionKind = "install"
	// ActionSwitch re-points a package's links at another installed version.
	ActionSwitch ActionKind = "switch"
	// ActionRemove unlinks and deletes a package version.
	ActionRemove ActionKind = "remove"
)

// Action is one step of a plan.
type Action struct {
	Kind    ActionKind
	Package *types.Package
	// DependsOn names the plan packages whose actions must commit
	// before this one. Empty for removals and switches.
	DependsOn []string
}

// Plan is the ordered action sequence for one requested operation.
// Install plans are in topological order (dependencies first);
// removal plans are in reverse order (dependents first).
type Plan struct {
	Actions []Action
}

// Names returns the package names in plan order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = a.Package.Name
	}
	return out
}

// Index supplies the candidate descriptors available for installation.
type Index interface {
	// Candidates returns every known descriptor for name, any order.
	// An unknown name returns an empty slice, not an error.
	Candidates(name string) ([]*types.Package, error)
}

// StoreReader is the read-only view of the package store the resolver
// needs. *store.Store satisfies it.
type StoreReader interface {
	ListInstalled() ([]store.Package, error)
	Dependents(name string) ([]store.Package, error)
	Find(name, version string) (*store.Package, error)
	VersionsOf(name string) ([]store.Package, error)
	EdgesOf(name, version string) ([]store.DependencyEdge, error)
}

// Resolver computes execution plans.
type Resolver struct {
	store  StoreReader
	index  Index
	logger zerolog.Logger
}

// New creates a Resolver over the given store view and candidate index.
func New(st StoreReader, index Index) *Resolver {
	return &Resolver{
		store:  st,
		index:  index,
		logger: logging.GetLogger("resolver"),
	}
}

// constraintOn records who required what of a package name.
type constraintOn struct {
	requirer string
	raw      string
	check    *semver.Constraints
}

// PlanInstall resolves the requested packages and their transitive
// dependencies into a topologically ordered install plan. Packages
// already installed at a satisfying version are left out of the plan.
func (r *Resolver) PlanInstall(reqs []types.Requirement) (*Plan, error) {
	rows, err := r.store.ListInstalled()
	if err != nil {
		return nil, err
	}
	installed := installedVersions(rows)

	constraints := make(map[string][]constraintOn)
	chosen := make(map[string]*types.Package)

	queue := make([]string, 0, len(reqs))
	for _, req := range reqs {
		check, err := req.Constraints()
		if err != nil {
			return nil, err
		}
		constraints[req.Name] = append(constraints[req.Name], constraintOn{
			requirer: "(requested)",
			raw:      req.Constraint,
			check:    check,
		})
		queue = append(queue, req.Name)
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		pkg, fromInstalled, err := r.choose(name, constraints[name], installed)
		if err != nil {
			return nil, err
		}
		if fromInstalled {
			// Nothing to do for this name, and its dependencies are
			// already guaranteed by its own install-time resolution.
			delete(chosen, name)
			continue
		}

		if prev, ok := chosen[name]; ok {
			if prev.Version == pkg.Version {
				continue
			}
			// The earlier pick was displaced; drop the constraints it
			// contributed so they cannot block its replacement's deps.
			for depName, cons := range constraints {
				kept := cons[:0]
				for _, c := range cons {
					if c.requirer != prev.Key() {
						kept = append(kept, c)
					}
				}
				constraints[depName] = kept
			}
		}
		chosen[name] = pkg

		for _, dep := range pkg.Dependencies {
			check, err := dep.Constraints()
			if err != nil {
				return nil, err
			}
			constraints[dep.Name] = append(constraints[dep.Name], constraintOn{
				requirer: pkg.Key(),
				raw:      dep.Constraint,
				check:    check,
			})
			queue = append(queue, dep.Name)
		}
	}

	dropUnrequired(reqs, chosen)

	// Graph over the picks plus everything already installed. The edges
	// of installed versions join the picks' edges so that the combined
	// edge set stays acyclic at the moment any install commits, even
	// when a cycle would only close through an already-installed edge.
	g := newGraph()
	for name := range chosen {
		g.addNode(name)
	}
	for name, pkg := range chosen {
		for _, dep := range pkg.Dependencies {
			g.addEdge(name, dep.Name)
		}
	}
	for _, row := range rows {
		g.addNode(row.Name)
		edges, err := r.store.EdgesOf(row.Name, row.Version)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			g.addEdge(row.Name, e.DependencyName)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, name := range order {
		pkg, planned := chosen[name]
		if !planned {
			continue
		}
		var gates []string
		for _, dep := range g.dependenciesOf(name) {
			if _, inPlan := chosen[dep]; inPlan {
				gates = append(gates, dep)
			}
		}
		plan.Actions = append(plan.Actions, Action{
			Kind:      ActionInstall,
			Package:   pkg,
			DependsOn: gates,
		})
	}

	r.logger.Debug().Strs("order", plan.Names()).Msg("install plan resolved")
	return plan, nil
}

// choose picks the highest candidate version of name satisfying every
// recorded constraint. If an installed version already satisfies them
// all, it wins and no action is planned.
func (r *Resolver) choose(name string, cons []constraintOn, installed map[string][]*semver.Version) (*types.Package, bool, error) {
	satisfiesAll := func(v *semver.Version) bool {
		for _, c := range cons {
			if !c.check.Check(v) {
				return false
			}
		}
		return true
	}

	for _, v := range installed[name] {
		if satisfiesAll(v) {
			return nil, true, nil
		}
	}

	candidates, err := r.index.Candidates(name)
	if err != nil {
		return nil, false, err
	}

	var best *types.Package
	var bestVersion *semver.Version
	for _, cand := range candidates {
		v, err := cand.SemVer()
		if err != nil {
			continue
		}
		if !satisfiesAll(v) {
			continue
		}
		if best == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = cand, v
		}
	}

	if best == nil {
		if len(candidates) == 0 {
			return nil, false, errors.Newf(errors.ErrNotFound, "no package named %s is available", name)
		}
		requirers := make([]string, 0, len(cons))
		for _, c := range cons {
			requirers = append(requirers, c.requirer+" requires "+c.raw)
		}
		return nil, false, errors.Newf(errors.ErrUnsatisfiableConstraint,
			"no version of %s satisfies all constraints", name).
			WithDetail("requirers", requirers)
	}
	return best, false, nil
}

// dropUnrequired deletes picks that lost their last requirer when a
// displaced version's constraints were withdrawn, so the plan never
// installs a package nothing still requires.
func dropUnrequired(reqs []types.Requirement, chosen map[string]*types.Package) {
	needed := make(map[string]bool, len(chosen))
	var walk func(name string)
	walk = func(name string) {
		pkg, ok := chosen[name]
		if !ok || needed[name] {
			return
		}
		needed[name] = true
		for _, dep := range pkg.Dependencies {
			walk(dep.Name)
		}
	}
	for _, req := range reqs {
		walk(req.Name)
	}
	for name := range chosen {
		if !needed[name] {
			delete(chosen, name)
		}
	}
}

func installedVersions(rows []store.Package) map[string][]*semver.Version {
	out := make(map[string][]*semver.Version)
	for _, row := range rows {
		v, err := semver.NewVersion(row.Version)
		if err != nil {
			continue
		}
		out[row.Name] = append(out[row.Name], v)
	}
	return out
}

// PlanRemove produces a removal plan for the named packages. Without
// force, a package with installed dependents outside the removal set is
// rejected with ErrDependentsExist listing the blockers. Dependents
// inside the set are ordered before their dependencies.
func (r *Resolver) PlanRemove(names []string, force bool) (*Plan, error) {
	inSet := make(map[string]bool, len(names))
	for _, name := range names {
		inSet[name] = true
	}

	type removal struct {
		name string
		rows []store.Package
	}
	removals := make(map[string]removal, len(names))
	for _, name := range names {
		rows, err := r.store.VersionsOf(name)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errors.Newf(errors.ErrNotFound, "package %s is not installed", name)
		}

		dependents, err := r.store.Dependents(name)
		if err != nil {
			return nil, err
		}
		var blockers []string
		for _, d := range dependents {
			if !inSet[d.Name] {
				blockers = append(blockers, d.Name+"-"+d.Version)
			}
		}
		if len(blockers) > 0 && !force {
			return nil, errors.Newf(errors.ErrDependentsExist,
				"cannot remove %s: required by %d installed package(s)", name, len(blockers)).
				WithDetail("dependents", blockers)
		}

		removals[name] = removal{name: name, rows: rows}
	}

	// Reverse topological order within the set: a package is removed
	// before anything it depends on.
	g := newGraph()
	for name := range removals {
		g.addNode(name)
	}
	for name, rem := range removals {
		for _, row := range rem.rows {
			edges, err := r.store.EdgesOf(row.Name, row.Version)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if inSet[e.DependencyName] && e.DependencyName != name {
					g.addEdge(name, e.DependencyName)
				}
			}
		}
	}

	order, err := g.topoSort()
	if err != nil {
		// Installed edges are acyclic by the install-time invariant.
		return nil, err
	}

	plan := &Plan{}
	for i := len(order) - 1; i >= 0; i-- {
		for _, row := range removals[order[i]].rows {
			plan.Actions = append(plan.Actions, Action{
				Kind: ActionRemove,
				Package: &types.Package{
					Name:    row.Name,
					Version: row.Version,
				},
			})
		}
	}

	r.logger.Debug().Strs("order", plan.Names()).Bool("force", force).Msg("removal plan resolved")
	return plan, nil
}

// PlanSwitch validates that the target version is installed and not
// already current, and produces a single switch action.
func (r *Resolver) PlanSwitch(name, version string) (*Plan, error) {
	row, err := r.store.Find(name, version)
	if err != nil {
		return nil, err
	}
	if row.IsCurrent {
		return nil, errors.Newf(errors.ErrAlreadyCurrent, "package %s is already at version %s", name, version)
	}

	return &Plan{Actions: []Action{{
		Kind: ActionSwitch,
		Package: &types.Package{
			Name:    row.Name,
			Version: row.Version,
		},
	}}}, nil
}
