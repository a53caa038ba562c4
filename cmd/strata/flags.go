// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/pkg/buildfile"
)

type (
	// definitionFlags locate the definition file and overlay it.
	definitionFlags struct {
		file     string
		overlay  buildfile.Overlay
		artifact []string
		binding  []string
	}

	// targetFlags say where an environment is provisioned.
	targetFlags struct {
		root     string
		stateDir string
		registry string
		timeout  time.Duration
		force    bool
	}
)

func (f *definitionFlags) registerFile(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "definition file (default is ./strata.cue when present)")
}

func (f *definitionFlags) register(cmd *cobra.Command) {
	f.registerFile(cmd)
	fl := cmd.Flags()
	fl.StringVar(&f.overlay.Manifest, "manifest", "", "application dependency manifest")
	fl.StringVar(&f.overlay.Lock, "lock", "", "dependency lock file (default is strata.lock next to the manifest)")
	fl.StringSliceVar(&f.overlay.Packages, "packages", nil, "system packages, comma separated: name or name=version")
	fl.StringArrayVar(&f.artifact, "artifact", nil, "artifact image=source=destination (repeatable)")
	fl.StringSliceVar(&f.overlay.Artifacts, "artifacts", nil, "comma separated artifacts image=source=destination")
	fl.StringArrayVar(&f.binding, "binding", nil, "native library binding library[:VARIABLE]=config (repeatable)")
	fl.StringSliceVar(&f.overlay.Bindings, "bindings", nil, "comma separated native library bindings")
	fl.StringArrayVar(&f.overlay.Env, "env", nil, "static environment variable NAME=value (repeatable)")
}

// load reads the definition and applies the flag overlay. Without --file a
// missing strata.cue falls back to the default definition, so flags alone
// can describe an environment.
func (f *definitionFlags) load() (*buildfile.Definition, error) {
	path, required := f.file, f.file != ""
	if path == "" {
		path = buildfile.DefaultFilename
	}

	def, err := buildfile.Load(path, required)
	if err != nil {
		ctx := issue.NewErrorContext().
			WithOperation("load definition").
			WithResource(path).
			WithIssue(issue.DefinitionInvalidId)
		if errors.Is(err, fs.ErrNotExist) {
			ctx = ctx.WithSuggestion("Pass the path of an existing file with --file, or omit it to use flags only")
		}
		return nil, ctx.Wrap(err).BuildError()
	}

	overlay := f.overlay
	overlay.Artifacts = append(append([]string(nil), f.artifact...), overlay.Artifacts...)
	overlay.Bindings = append(append([]string(nil), f.binding...), overlay.Bindings...)
	if err := overlay.Apply(def); err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("apply command-line overrides").
			WithIssue(issue.DefinitionInvalidId).
			Wrap(err).
			BuildError()
	}
	return def, nil
}

func (f *targetFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.root, "root", "", "filesystem root to provision into (default from build.root)")
	fl.StringVar(&f.stateDir, "state-dir", "", "build state directory (default <root>/var/lib/strata)")
	fl.StringVar(&f.registry, "registry", "", "dependency registry directory (default from dependencies.registry)")
}

func (f *targetFlags) registerBuild(cmd *cobra.Command) {
	f.register(cmd)
	fl := cmd.Flags()
	fl.DurationVar(&f.timeout, "timeout", 0, "total build timeout (default from build.timeout)")
	fl.BoolVar(&f.force, "force", false, "run every stage regardless of cached results")
}

// provisionConfig combines the configuration file with the flags.
func (a *App) provisionConfig(f *targetFlags) *provision.Config {
	s := a.settings.Build
	cfg := provision.DefaultConfig()
	cfg.Apply(
		provision.WithRoot(firstNonEmpty(f.root, s.Root)),
		provision.WithStateDir(firstNonEmpty(f.stateDir, s.StateDir)),
		provision.WithRegistryDir(firstNonEmpty(f.registry, a.settings.Dependencies.Registry)),
		provision.WithForce(f.force),
	)
	if f.timeout > 0 {
		cfg.Apply(provision.WithTimeout(f.timeout))
	} else if s.Timeout > 0 {
		cfg.Apply(provision.WithTimeout(s.Timeout))
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
