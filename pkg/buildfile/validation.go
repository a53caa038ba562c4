// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/distribution/reference"
)

var (
	// ErrInvalidPackageName is wrapped by InvalidPackageNameError.
	ErrInvalidPackageName = errors.New("invalid package name")
	// ErrRelativePath is wrapped by RelativePathError.
	ErrRelativePath = errors.New("path must be absolute")
	// ErrInexactReference is wrapped by InexactReferenceError.
	ErrInexactReference = errors.New("image reference must be exact")
	// ErrInvalidEnvVarName is wrapped by InvalidEnvVarNameError.
	ErrInvalidEnvVarName = errors.New("invalid environment variable name")
	// ErrReservedVariable is returned when a static variable reuses a computed name.
	ErrReservedVariable = errors.New("variable name is computed by the environment wirer")
	// ErrEnvIsWorkspace is returned when the env directory equals the workspace root.
	ErrEnvIsWorkspace = errors.New("workspace env directory must differ from the workspace root")
	// ErrDuplicateDestination is returned when two different artifacts
	// target the same path.
	ErrDuplicateDestination = errors.New("artifact destination is already taken by another artifact")
	// ErrEmptyIdleCommand is returned when the idle entrypoint has no argv.
	ErrEmptyIdleCommand = errors.New("idle entrypoint must not be empty")

	envVarNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type (
	// InvalidPackageNameError reports an empty package name or one with whitespace.
	InvalidPackageNameError struct {
		Value string
	}

	// RelativePathError reports a path field that must be absolute.
	RelativePathError struct {
		Value string
	}

	// InexactReferenceError reports an image reference without tag or digest,
	// or one that does not parse.
	InexactReferenceError struct {
		Value string
		Err   error
	}

	// InvalidEnvVarNameError reports a name outside [A-Za-z_][A-Za-z0-9_]*.
	InvalidEnvVarNameError struct {
		Value string
	}

	// ValidationError is a single problem located at a definition field.
	ValidationError struct {
		Field string
		Err   error
	}

	// ValidationErrors collects every problem found in one pass.
	ValidationErrors []ValidationError
)

func (e *InvalidPackageNameError) Error() string {
	return fmt.Sprintf("invalid package name %q", e.Value)
}

func (e *InvalidPackageNameError) Unwrap() error { return ErrInvalidPackageName }

func (e *RelativePathError) Error() string {
	return fmt.Sprintf("path %q must be absolute", e.Value)
}

func (e *RelativePathError) Unwrap() error { return ErrRelativePath }

func (e *InexactReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image reference %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("image reference %q must carry a tag or digest", e.Value)
}

func (e *InexactReferenceError) Unwrap() error { return ErrInexactReference }

func (e *InvalidEnvVarNameError) Error() string {
	return fmt.Sprintf("invalid environment variable name %q (must match [A-Za-z_][A-Za-z0-9_]*)", e.Value)
}

func (e *InvalidEnvVarNameError) Unwrap() error { return ErrInvalidEnvVarName }

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e ValidationError) Unwrap() error { return e.Err }

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return errs[0].Error()
	}
	var b strings.Builder
	b.WriteString("definition has " + strconv.Itoa(len(errs)) + " errors:")
	for _, e := range errs {
		b.WriteString("\n  - ")
		b.WriteString(e.Error())
	}
	return b.String()
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (errs ValidationErrors) Unwrap() []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// ValidatePackageName rejects empty names and names containing whitespace.
func ValidatePackageName(name string) error {
	if name == "" || strings.ContainsFunc(name, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) {
		return &InvalidPackageNameError{Value: name}
	}
	return nil
}

// ValidateAbsPath requires a clean-able absolute POSIX path.
func ValidateAbsPath(p string) error {
	if !path.IsAbs(p) {
		return &RelativePathError{Value: p}
	}
	return nil
}

// ValidateImageReference requires a reference that names one image exactly:
// a tag or a digest must be present.
func ValidateImageReference(ref string) error {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return &InexactReferenceError{Value: ref, Err: err}
	}
	if _, ok := named.(reference.Digested); ok {
		return nil
	}
	if _, ok := named.(reference.Tagged); ok {
		return nil
	}
	return &InexactReferenceError{Value: ref}
}

// ValidateEnvVarName checks POSIX variable naming.
func ValidateEnvVarName(name string) error {
	if !envVarNameRegex.MatchString(name) {
		return &InvalidEnvVarNameError{Value: name}
	}
	return nil
}

// Validate checks the constraints that the schema cannot express and that
// flag overlays may have broken. All problems are reported together.
func (d *Definition) Validate() error {
	var errs ValidationErrors
	add := func(field string, err error) {
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Err: err})
		}
	}

	for i, p := range d.Packages {
		add(fmt.Sprintf("packages[%d].name", i), ValidatePackageName(p.Name))
	}
	destinations := make(map[string]Artifact, len(d.Artifacts))
	for i, a := range d.Artifacts {
		add(fmt.Sprintf("artifacts[%d].image", i), ValidateImageReference(a.Image))
		add(fmt.Sprintf("artifacts[%d].source", i), ValidateAbsPath(a.Source))
		add(fmt.Sprintf("artifacts[%d].destination", i), ValidateAbsPath(a.Destination))

		// Exact repeats are dropped when the stage runs.
		dst := path.Clean(a.Destination)
		if prev, ok := destinations[dst]; ok && prev != a {
			add(fmt.Sprintf("artifacts[%d].destination", i), fmt.Errorf("%w: %s", ErrDuplicateDestination, dst))
			continue
		}
		destinations[dst] = a
	}

	add("workspace.root", ValidateAbsPath(d.Workspace.Root))
	add("workspace.env", ValidateAbsPath(d.Workspace.Env))
	add("workspace.env_variable", ValidateEnvVarName(d.Workspace.EnvVariable))
	if path.Clean(d.Workspace.Root) == path.Clean(d.Workspace.Env) {
		add("workspace.env", ErrEnvIsWorkspace)
	}

	for i, b := range d.Bindings {
		add(fmt.Sprintf("bindings[%d].config", i), ValidateAbsPath(b.Config))
		add(fmt.Sprintf("bindings[%d].variable", i), ValidateEnvVarName(b.VariableName()))
	}

	computed := d.ComputedVariables()
	for _, name := range sortedKeys(d.Env) {
		add("env."+name, ValidateEnvVarName(name))
		for _, c := range computed {
			if c == name {
				add("env."+name, ErrReservedVariable)
			}
		}
	}
	for _, name := range sortedKeys(d.BaseEnv) {
		add("base_env."+name, ValidateEnvVarName(name))
	}

	if len(d.Entrypoint.Idle) == 0 || d.Entrypoint.Idle[0] == "" {
		add("entrypoint.idle", ErrEmptyIdleCommand)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
