// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	// ContainerEngineAuto picks podman, then docker, whichever is installed.
	ContainerEngineAuto ContainerEngine = "auto"
	// ContainerEnginePodman uses Podman.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker.
	ContainerEngineDocker ContainerEngine = "docker"

	// PackageManagerApt installs through apt-get and dpkg.
	PackageManagerApt PackageManager = "apt"
	// PackageManagerNone accepts only empty package sets.
	PackageManagerNone PackageManager = "none"

	// DefaultBuildTimeout bounds a whole build.
	DefaultBuildTimeout = 30 * time.Minute
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidPackageManager is returned when a PackageManager value is not recognized.
	ErrInvalidPackageManager = errors.New("invalid package manager")
	// ErrInvalidTimeout is returned for a non-positive build timeout.
	ErrInvalidTimeout = errors.New("invalid build timeout")
)

type (
	// ContainerEngine selects the container CLI.
	ContainerEngine string

	// InvalidContainerEngineError wraps ErrInvalidContainerEngine.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// PackageManager selects the System Package Installer backend.
	PackageManager string

	// InvalidPackageManagerError wraps ErrInvalidPackageManager.
	InvalidPackageManagerError struct {
		Value PackageManager
	}

	// Config is the user configuration.
	Config struct {
		ContainerEngine ContainerEngine    `json:"container_engine" mapstructure:"container_engine"`
		Build           BuildConfig        `json:"build" mapstructure:"build"`
		Packages        PackagesConfig     `json:"packages" mapstructure:"packages"`
		Dependencies    DependenciesConfig `json:"dependencies" mapstructure:"dependencies"`
		Log             LogConfig          `json:"log" mapstructure:"log"`
		UI              UIConfig           `json:"ui" mapstructure:"ui"`
	}

	// BuildConfig holds pipeline settings.
	BuildConfig struct {
		// Timeout bounds the whole build.
		Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
		// StateDir holds state.toml, the environment snapshot and the build
		// lock. Empty means <Root>/var/lib/strata.
		StateDir string `json:"state_dir" mapstructure:"state_dir"`
		// Root is the filesystem the environment is provisioned into.
		Root string `json:"root" mapstructure:"root"`
	}

	// PackagesConfig selects the package manager.
	PackagesConfig struct {
		Manager PackageManager `json:"manager" mapstructure:"manager"`
	}

	// DependenciesConfig locates the dependency registry.
	DependenciesConfig struct {
		// Registry is a directory laid out as <name>/<version>/.
		Registry string `json:"registry" mapstructure:"registry"`
	}

	// LogConfig controls the slog handler.
	LogConfig struct {
		Level string `json:"level" mapstructure:"level"`
	}

	// UIConfig holds output preferences.
	UIConfig struct {
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}
)

func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: auto, podman, docker)", e.Value)
}

func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

// Validate rejects unknown engines.
func (c ContainerEngine) Validate() error {
	switch c {
	case ContainerEngineAuto, ContainerEnginePodman, ContainerEngineDocker:
		return nil
	default:
		return &InvalidContainerEngineError{Value: c}
	}
}

func (e *InvalidPackageManagerError) Error() string {
	return fmt.Sprintf("invalid package manager %q (valid: apt, none)", e.Value)
}

func (e *InvalidPackageManagerError) Unwrap() error { return ErrInvalidPackageManager }

// Validate rejects unknown package managers.
func (m PackageManager) Validate() error {
	switch m {
	case PackageManagerApt, PackageManagerNone:
		return nil
	default:
		return &InvalidPackageManagerError{Value: m}
	}
}

// Validate checks the values that viper may have taken from the environment
// without passing the CUE schema.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ContainerEngine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Packages.Manager.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Build.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Build.Timeout))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineAuto,
		Build: BuildConfig{
			Timeout: DefaultBuildTimeout,
			Root:    "/",
		},
		Packages: PackagesConfig{Manager: PackageManagerApt},
		Log:      LogConfig{Level: "info"},
	}
}
