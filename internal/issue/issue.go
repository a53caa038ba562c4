// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Id int

const (
	DefinitionInvalidId Id = iota + 1
	ConfigLoadFailedId
	ArtifactUnavailableId
	PackageInstallFailedId
	PathConflictId
	DependencyResolutionFailedId
	UnresolvedBindingId
	BuildTimeoutId
	NotActivatableId
	ContainerEngineNotFoundId
	BuildLockedId
)

type MarkdownMsg string

type Issue struct {
	id    Id
	mdMsg MarkdownMsg
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

// Render renders the entry with the given glamour style ("dark", "light",
// "notty" or a style file path).
func (i *Issue) Render(stylePath string) (string, error) {
	return render(string(i.mdMsg), stylePath)
}

var (
	render = glamour.Render

	definitionInvalidIssue = &Issue{
		id: DefinitionInvalidId,
		mdMsg: `
# The environment definition is invalid

strata.cue, or the flags overlaid on it, failed validation.

## Things you can try:
- Package names are passed to the package manager verbatim and must not contain spaces
- Artifact sources and destinations, binding configs and workspace paths must be absolute
- Artifact images need a tag or digest, e.g. ~ghcr.io/astral-sh/uv:0.5.11~
- Do not set PATH, the workspace variables or binding variables under ~env~`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration

## Things you can try:
- Check ~$XDG_CONFIG_HOME/strata/config.cue~ for CUE syntax errors
- Print the effective configuration:
~~~
$ strata config show
~~~`,
	}

	artifactUnavailableIssue = &Issue{
		id: ArtifactUnavailableId,
		mdMsg: `
# An artifact could not be fetched

The image reference could not be resolved, or the path does not exist inside it.

## Things you can try:
- Check the reference exists: ~docker pull <image>~
- Check the source path inside the image
- Log in to the registry if it is private`,
	}

	packageInstallFailedIssue = &Issue{
		id: PackageInstallFailedId,
		mdMsg: `
# System package installation failed

The package manager cache was purged; nothing from this attempt is kept.

## Things you can try:
- Check the package name exists for the base distribution
- Drop the version pin or use one the archive still carries
- Re-run with ~--verbose~ to see the package manager output`,
	}

	pathConflictIssue = &Issue{
		id: PathConflictId,
		mdMsg: `
# Workspace path conflict

The workspace root or the dependency environment path exists and is not a directory.

## Things you can try:
- Remove or rename the file in the way
- Point ~workspace.root~ or ~workspace.env~ somewhere else`,
	}

	dependencyResolutionFailedIssue = &Issue{
		id: DependencyResolutionFailedId,
		mdMsg: `
# Dependencies could not be resolved

No set of versions satisfies every constraint. The dependency environment was left as it was before the build.

## Things you can try:
- Relax the conflicting constraints listed above
- Re-create the lock without building:
~~~
$ strata lock
~~~`,
	}

	unresolvedBindingIssue = &Issue{
		id: UnresolvedBindingId,
		mdMsg: `
# A native library binding is unresolved

A binding names a config file that no system package installed.

## Things you can try:
- Add the package that ships the config file, e.g. ~mecab~ for ~/etc/mecabrc~
- Fix the ~config~ path of the binding`,
	}

	buildTimeoutIssue = &Issue{
		id: BuildTimeoutId,
		mdMsg: `
# The build timed out

The partial output of the running stage was rolled back.

## Things you can try:
- Raise ~build.timeout~ in the configuration or pass ~--timeout~
- Re-run: stages that committed before the timeout are reused`,
	}

	notActivatableIssue = &Issue{
		id: NotActivatableId,
		mdMsg: `
# The environment is not activatable

The last build did not reach Ready, or no build has run yet.

## Things you can try:
~~~
$ strata build
~~~`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine found

Artifact fetching and image builds need Docker or Podman.

## Things you can try:
- Install Podman or Docker and make sure it is on PATH
- Select one explicitly with ~container_engine: "docker"~ in the configuration`,
	}

	buildLockedIssue = &Issue{
		id: BuildLockedId,
		mdMsg: `
# Another build owns this environment

Only one build may write a given workspace and environment at a time.

## Things you can try:
- Wait for the other build to finish
- Use a different ~build.state_dir~ for an independent environment`,
	}

	issues = map[Id]*Issue{
		definitionInvalidIssue.Id():          definitionInvalidIssue,
		configLoadFailedIssue.Id():           configLoadFailedIssue,
		artifactUnavailableIssue.Id():        artifactUnavailableIssue,
		packageInstallFailedIssue.Id():       packageInstallFailedIssue,
		pathConflictIssue.Id():               pathConflictIssue,
		dependencyResolutionFailedIssue.Id(): dependencyResolutionFailedIssue,
		unresolvedBindingIssue.Id():          unresolvedBindingIssue,
		buildTimeoutIssue.Id():               buildTimeoutIssue,
		notActivatableIssue.Id():             notActivatableIssue,
		containerEngineNotFoundIssue.Id():    containerEngineNotFoundIssue,
		buildLockedIssue.Id():                buildLockedIssue,
	}
)

func init() {
	// Markdown inline code is written with ~ above to keep the entries
	// readable inside Go raw strings.
	for _, i := range issues {
		i.mdMsg = MarkdownMsg(strings.ReplaceAll(string(i.mdMsg), "~", "`"))
	}
}

// Values returns the catalog sorted by Id.
func Values() []*Issue {
	out := maps.Values(issues)
	slices.SortFunc(out, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
