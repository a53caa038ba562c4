// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"path/filepath"
	"time"
)

const (
	// DefaultTimeout bounds a whole build.
	DefaultTimeout = 30 * time.Minute

	// ImageRepository is the repository provisioned images are tagged in.
	ImageRepository = "strata-env"
)

type (
	// Config holds the host-side settings of a build.
	Config struct {
		// Root is the filesystem root definition paths are relative to.
		// "/" provisions the host itself.
		Root string

		// StateDir holds the state file, build lock and environment
		// snapshot. Defaults to <Root>/var/lib/strata.
		StateDir string

		// Timeout bounds the whole build.
		Timeout time.Duration

		// Force runs every stage regardless of cache keys.
		Force bool

		// RegistryDir is the dependency registry. Defaults to
		// <StateDir>/registry.
		RegistryDir string

		// TagSuffix is appended to provisioned image tags so parallel
		// tests do not share images.
		TagSuffix string
	}

	// Option is a functional option for configuring a Config.
	Option func(*Config)
)

// DefaultConfig provisions the host root.
func DefaultConfig() *Config {
	return &Config{Root: "/", Timeout: DefaultTimeout}
}

// WithRoot sets Root.
func WithRoot(root string) Option {
	return func(c *Config) { c.Root = root }
}

// WithStateDir sets StateDir.
func WithStateDir(dir string) Option {
	return func(c *Config) { c.StateDir = dir }
}

// WithTimeout sets Timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithForce sets Force.
func WithForce(force bool) Option {
	return func(c *Config) { c.Force = force }
}

// WithRegistryDir sets RegistryDir.
func WithRegistryDir(dir string) Option {
	return func(c *Config) { c.RegistryDir = dir }
}

// WithTagSuffix sets TagSuffix.
func WithTagSuffix(suffix string) Option {
	return func(c *Config) { c.TagSuffix = suffix }
}

// Apply applies the given options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func (c *Config) root() string {
	if c.Root == "" {
		return "/"
	}
	return c.Root
}

func (c *Config) stateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.root(), "var", "lib", "strata")
}

func (c *Config) registryDir() string {
	if c.RegistryDir != "" {
		return c.RegistryDir
	}
	return filepath.Join(c.stateDir(), "registry")
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// HostPath maps an absolute path inside the build root to the host.
func (c *Config) HostPath(p string) string {
	return filepath.Join(c.root(), filepath.FromSlash(p))
}

// StateDirectory returns StateDir or its default under Root.
func (c *Config) StateDirectory() string {
	return c.stateDir()
}

// RegistryDirectory returns RegistryDir or its default under the state
// directory.
func (c *Config) RegistryDirectory() string {
	return c.registryDir()
}
