package engine

import "github.com/arthur-debert/uhpm/pkg/errors"

// State is the lifecycle stage of one package within an operation.
type State string

const (
	StateRequested  State = "requested"
	StateFetching   State = "fetching"
	StateVerifying  State = "verifying"
	StateExtracting State = "extracting"
	StateStaged     State = "staged"
	StateCommitting State = "committing"
	StateInstalled  State = "installed"
	StateRemoving   State = "removing"
	StateGone       State = "gone"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// Terminal reports whether the state ends a package's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateInstalled, StateGone, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Outcome is the final result for one package in an operation.
type Outcome struct {
	Name    string
	Version string
	State   State
	Err     error
}

// Key returns the package's (name, version) identity string.
func (o Outcome) Key() string {
	return o.Name + "-" + o.Version
}

// Report collects per-package outcomes for one operation. The slice
// preserves plan order.
type Report struct {
	Outcomes []Outcome
}

// Failed reports whether any package ended in failure. Skipped
// packages alone do not fail a report; their cause does.
func (r *Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			return true
		}
	}
	return false
}

// Err returns the first failure, or nil.
func (r *Report) Err() error {
	for _, o := range r.Outcomes {
		if o.State == StateFailed && o.Err != nil {
			return o.Err
		}
	}
	return nil
}

func skippedOutcome(name, version string, because []string) Outcome {
	return Outcome{
		Name:    name,
		Version: version,
		State:   StateSkipped,
		Err: errors.Newf(errors.ErrSkippedDepFailure,
			"skipped %s-%s: dependency failed", name, version).
			WithDetail("failed_dependencies", because),
	}
}
