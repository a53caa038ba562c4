// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
)

const (
	PhaseInit               Phase = "Init"
	PhaseArtifactsFetched   Phase = "ArtifactsFetched"
	PhasePackagesInstalled  Phase = "PackagesInstalled"
	PhaseWorkspacePrepared  Phase = "WorkspacePrepared"
	PhaseDependenciesSynced Phase = "DependenciesSynced"
	PhaseSourceMaterialized Phase = "SourceMaterialized"
	PhaseEnvironmentWired   Phase = "EnvironmentWired"
	PhaseReady              Phase = "Ready"
	PhaseFailed             Phase = "Failed"
)

// ErrInvalidTransition is wrapped by InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid phase transition")

type (
	// Phase is the pipeline's position in the build state machine.
	Phase string

	// InvalidTransitionError reports a transition the state machine forbids.
	InvalidTransitionError struct {
		From Phase
		To   Phase
	}
)

// transitions lists the phases reachable from each phase. Every
// non-terminal phase may also fail.
var transitions = map[Phase][]Phase{
	PhaseInit:               {PhaseArtifactsFetched},
	PhaseArtifactsFetched:   {PhasePackagesInstalled},
	PhasePackagesInstalled:  {PhaseWorkspacePrepared},
	PhaseWorkspacePrepared:  {PhaseDependenciesSynced},
	PhaseDependenciesSynced: {PhaseSourceMaterialized},
	PhaseSourceMaterialized: {PhaseEnvironmentWired},
	PhaseEnvironmentWired:   {PhaseReady},
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move from phase %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok || p == PhaseReady || p == PhaseFailed
}

// Terminal reports whether a build ends in p.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// CanTransition reports whether to is reachable from p in one step.
func (p Phase) CanTransition(to Phase) bool {
	if to == PhaseFailed {
		return !p.Terminal()
	}
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to, or an error when the move is not allowed.
func (p Phase) Transition(to Phase) (Phase, error) {
	if !p.CanTransition(to) {
		return p, &InvalidTransitionError{From: p, To: to}
	}
	return to, nil
}
