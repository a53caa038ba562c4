// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"

	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/fsutil"
	"github.com/stratabuild/strata/pkg/buildfile"
)

const (
	// StateFile is the build state inside the state dir.
	StateFile = "state.toml"
	// LockFile serializes builds sharing a state dir.
	LockFile = "build.lock"

	stateVersion = 1
)

// ErrInvalidState is returned for an unreadable state file.
var ErrInvalidState = errors.New("invalid build state")

type (
	// State is the persisted outcome of the last build.
	State struct {
		Version int   `toml:"version"`
		Phase   Phase `toml:"phase"`
		// Activation digests the parts of the definition an activation
		// reads: the workspace layout, base environment and entrypoint.
		Activation string `toml:"activation"`
		// Stage names the failed stage when Phase is Failed.
		FailedStage StageName `toml:"failed_stage,omitempty"`
		Error       string    `toml:"error,omitempty"`
		// Stages holds one record per committed stage.
		Stages map[string]*Record `toml:"stages"`
	}

	// Record is what a committed stage leaves for the next build.
	Record struct {
		Key string `toml:"key"`
		// Digest identifies the stage's output, when it has one.
		Digest string `toml:"digest,omitempty"`
		// Provides lists in-root paths the stage committed.
		Provides []string `toml:"provides,omitempty"`
		// Entries lists top-level names the source stage materialized.
		Entries []string `toml:"entries,omitempty"`
	}
)

// NewState returns the state of a root that was never built.
func NewState() *State {
	return &State{Version: stateVersion, Phase: PhaseInit, Stages: map[string]*Record{}}
}

// LoadState reads the state from dir. A missing file is a fresh state.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read build state: %w", err)
	}
	st := NewState()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if st.Version != stateVersion || !st.Phase.Valid() {
		return nil, fmt.Errorf("%w: version %d phase %q", ErrInvalidState, st.Version, st.Phase)
	}
	if st.Stages == nil {
		st.Stages = map[string]*Record{}
	}
	return st, nil
}

// Save writes the state atomically.
func (s *State) Save(dir string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode build state: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, StateFile), buf.Bytes(), 0o644)
}

// ErrDefinitionChanged is returned when an activation's definition is not
// the one the last build ran against.
var ErrDefinitionChanged = errors.New("definition changed since the last build")

// ActivationDigest digests the parts of def an activation depends on.
func ActivationDigest(def *buildfile.Definition) (digest.Digest, error) {
	view := struct {
		Workspace buildfile.Workspace `json:"workspace"`
		BaseEnv   map[string]string   `json:"base_env,omitempty"`
		Idle      []string            `json:"idle,omitempty"`
	}{def.Workspace, def.BaseEnv, def.Entrypoint.Idle}
	data, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("failed to encode definition: %w", err)
	}
	return digest.FromBytes(data), nil
}

// CheckActivation returns ErrDefinitionChanged unless the state in dir was
// built from a definition activating like def.
func CheckActivation(dir string, def *buildfile.Definition) error {
	st, err := LoadState(dir)
	if err != nil {
		return err
	}
	want, err := ActivationDigest(def)
	if err != nil {
		return err
	}
	if st.Activation != want.String() {
		return fmt.Errorf("%w: rebuild before activating", ErrDefinitionChanged)
	}
	return nil
}

// Activatable reports whether the environment in dir can be entered: the
// last build reached Ready and its snapshot exists.
func Activatable(dir string) (bool, error) {
	st, err := LoadState(dir)
	if err != nil {
		return false, err
	}
	if st.Phase != PhaseReady {
		return false, nil
	}
	_, err = os.Stat(filepath.Join(dir, envwire.SnapshotFile))
	return err == nil, nil
}
