// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/pkg/buildfile"
)

const (
	// ContextEnvDir is the build-context directory holding the synced
	// dependency environment.
	ContextEnvDir = "env"
	// ContextSourceDir is the build-context directory holding the source.
	ContextSourceDir = "src"
)

// RenderDockerfile renders def as a Dockerfile. The build context must
// hold the dependency environment in ContextEnvDir and the source tree in
// ContextSourceDir.
func RenderDockerfile(def *buildfile.Definition) (string, error) {
	set, err := imageEnvironment(def)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", def.Base)

	if artifacts := uniqueArtifacts(def.Artifacts); len(artifacts) > 0 {
		sb.WriteString("\n# Artifacts\n")
		for _, a := range artifacts {
			fmt.Fprintf(&sb, "COPY --from=%s %s %s\n", a.Image, a.Source, a.Destination)
		}
		dsts := make([]string, len(artifacts))
		for i, a := range artifacts {
			dsts[i] = a.Destination
		}
		line, err := shellJoin(dsts)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "RUN chmod 0755 %s\n", line)
	}

	if pkgs := def.PackageSet(); len(pkgs) > 0 {
		names := make([]string, len(pkgs))
		for i, p := range pkgs {
			names[i] = p.String()
		}
		line, err := shellJoin(names)
		if err != nil {
			return "", err
		}
		sb.WriteString("\n# System packages; the apt cache is purged even when the install fails\n")
		sb.WriteString("RUN trap 'apt-get clean; rm -rf /var/lib/apt/lists/*' EXIT && \\\n")
		sb.WriteString("    export DEBIAN_FRONTEND=noninteractive && \\\n")
		sb.WriteString("    apt-get update && \\\n")
		fmt.Fprintf(&sb, "    apt-get install -y --no-install-recommends %s\n", line)
	}

	root := path.Clean(def.Workspace.Root)
	env := path.Clean(def.Workspace.Env)
	sb.WriteString("\n# Workspace\n")
	fmt.Fprintf(&sb, "WORKDIR %s\n", root)
	fmt.Fprintf(&sb, "COPY %s/ %s/\n", ContextEnvDir, env)
	fmt.Fprintf(&sb, "COPY %s/ %s/\n", ContextSourceDir, root)

	sb.WriteString("\n# Environment\n")
	for _, e := range set.Entries {
		value := dockerfileQuote(e.Value)
		if e.Mode == envwire.ModePrepend {
			value = strings.TrimSuffix(value, `"`) + envwire.ListSeparator + "$" + e.Name + `"`
		}
		fmt.Fprintf(&sb, "ENV %s=%s\n", e.Name, value)
	}

	cmd, err := json.Marshal(def.IdleCommand())
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "\nCMD %s\n", cmd)
	return sb.String(), nil
}

// imageEnvironment wires the environment an image built from def carries.
// The image build fails on a missing package, so every binding config
// counts as provided.
func imageEnvironment(def *buildfile.Definition) (*envwire.Set, error) {
	env := path.Clean(def.Workspace.Env)
	root := path.Clean(def.Workspace.Root)
	var provided []string
	for _, b := range def.Bindings {
		provided = append(provided, b.Config)
	}
	return envwire.Wire(envwire.Inputs{
		EnvDir:        env,
		EnvVariable:   def.Workspace.EnvVariable,
		WorkspaceRoot: root,
		Bindings:      def.Bindings,
		Static:        def.Env,
		Provided:      provided,
		Committed:     []string{root, env, path.Join(env, depsync.BinDir)},
	})
}

func shellJoin(words []string) (string, error) {
	quoted := make([]string, len(words))
	for i, w := range words {
		q, err := syntax.Quote(w, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("cannot quote %q for the shell: %w", w, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

// dockerfileQuote double-quotes s for an ENV instruction.
func dockerfileQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
	return `"` + r.Replace(s) + `"`
}
