// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/pkg/cueutil"
)

const (
	// AppName names the configuration directory and the env prefix.
	AppName = "strata"
	// ConfigFileName is the config file name inside ConfigDir.
	ConfigFileName = "config.cue"
	// EnvPrefix prefixes environment overrides, e.g. STRATA_BUILD_TIMEOUT.
	EnvPrefix = "STRATA"
	// ConfigDirEnv replaces the platform configuration directory.
	ConfigDirEnv = "STRATA_CONFIG_DIR"
)

var (
	//go:embed config_schema.cue
	configSchemaSource []byte

	configSchema = cueutil.MustSchema(configSchemaSource, "#Config")
)

// ConfigDir returns the strata configuration directory: $STRATA_CONFIG_DIR
// when set, otherwise $XDG_CONFIG_HOME (or ~/.config) on Linux,
// ~/Library/Application Support on macOS and %APPDATA% on Windows.
//
//nolint:revive // ConfigDir reads better than Dir at call sites
func ConfigDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir, nil
	}

	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, AppName), nil
}

// StateDir resolves where build state lives for cfg.
func (c *Config) StateDir() string {
	if c.Build.StateDir != "" {
		return c.Build.StateDir
	}
	return filepath.Join(c.Build.Root, "var", "lib", AppName)
}

// loadWithOptions builds a fresh viper instance per call so concurrent
// loads never share state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Run 'strata config show' to see the effective configuration").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Check STRATA_* environment variables for typos").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}
	return &cfg, path, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("container_engine", string(d.ContainerEngine))
	v.SetDefault("build.timeout", d.Build.Timeout)
	v.SetDefault("build.state_dir", d.Build.StateDir)
	v.SetDefault("build.root", d.Build.Root)
	v.SetDefault("packages.manager", string(d.Packages.Manager))
	v.SetDefault("dependencies.registry", d.Dependencies.Registry)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("ui.verbose", d.UI.Verbose)
}

// resolveConfigPath returns the file to load, or "" when defaults apply.
// An explicit file must exist; the directory lookup is best effort.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if p := filepath.Join(dir, ConfigFileName); fileExists(p) {
		return p, nil
	}
	return "", nil
}

// loadCUEIntoViper validates path against #Config and merges it over the
// defaults. Decoding to a map keeps unset fields out of the merge.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	res, err := cueutil.DecodeFile[map[string]any](configSchema, path, cueutil.WithConcrete(false))
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(*res.Value); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the defaults to ConfigDir unless a config
// file already exists. It returns the file path.
func CreateDefaultConfig() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, ConfigFileName)
	if fileExists(path) {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// GenerateCUE renders cfg in the config file format.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// strata configuration\n\n")
	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)

	sb.WriteString("\nbuild: {\n")
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Build.Timeout.String())
	if cfg.Build.StateDir != "" {
		fmt.Fprintf(&sb, "\tstate_dir: %q\n", cfg.Build.StateDir)
	}
	fmt.Fprintf(&sb, "\troot: %q\n", cfg.Build.Root)
	sb.WriteString("}\n")

	fmt.Fprintf(&sb, "\npackages: manager: %q\n", cfg.Packages.Manager)
	if cfg.Dependencies.Registry != "" {
		fmt.Fprintf(&sb, "\ndependencies: registry: %q\n", cfg.Dependencies.Registry)
	}
	fmt.Fprintf(&sb, "\nlog: level: %q\n", cfg.Log.Level)
	fmt.Fprintf(&sb, "\nui: verbose: %v\n", cfg.UI.Verbose)

	return sb.String()
}
