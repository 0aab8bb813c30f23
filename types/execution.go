package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ExecutionInfo identifies a running test application once its handshake completed
type ExecutionInfo struct {
	HandleID        int // arena id of the handle that produced the handshake
	ModulePath      string
	TargetFramework string
	Architecture    string
	ExecutionID     string
}

// Name returns a short display name for the module
func (e ExecutionInfo) Name() string {
	name := filepath.Base(e.ModulePath)
	var qualifiers []string
	if e.TargetFramework != "" {
		qualifiers = append(qualifiers, e.TargetFramework)
	}
	if e.Architecture != "" {
		qualifiers = append(qualifiers, e.Architecture)
	}
	if len(qualifiers) == 0 {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, strings.Join(qualifiers, "|"))
}

// TestModule is a test application discovered by the build coordinator or resolved from a filter
type TestModule struct {
	Path            string   `json:"path" yaml:"path"`
	ProjectPath     string   `json:"project_path,omitempty" yaml:"project_path,omitempty"`
	TargetFramework string   `json:"target_framework,omitempty" yaml:"target_framework,omitempty"`
	RunArguments    []string `json:"run_arguments,omitempty" yaml:"run_arguments,omitempty"`
	WorkingDir      string   `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
}

// BuiltInOptions are forwarded opaquely to every test application at launch
type BuiltInOptions struct {
	NoRestore     bool
	NoBuild       bool
	Configuration string
	Architecture  string
}

// Env renders the options as environment variables using the given prefix
func (o BuiltInOptions) Env(prefix string) []string {
	env := []string{
		fmt.Sprintf("%s_NO_RESTORE=%t", prefix, o.NoRestore),
		fmt.Sprintf("%s_NO_BUILD=%t", prefix, o.NoBuild),
	}
	if o.Configuration != "" {
		env = append(env, fmt.Sprintf("%s_CONFIGURATION=%s", prefix, o.Configuration))
	}
	if o.Architecture != "" {
		env = append(env, fmt.Sprintf("%s_ARCH=%s", prefix, o.Architecture))
	}
	return env
}

var frameworkPrefixes = []struct {
	identifier string
	short      string
	keepDots   bool
}{
	{".NETCoreApp", "net", true},
	{".NETStandard", "netstandard", true},
	{".NETFramework", "net", false},
}

// ShortTargetFramework converts a framework moniker such as ".NETCoreApp,Version=v8.0"
// into its short form ("net8.0"). Unknown monikers are returned unchanged.
func ShortTargetFramework(framework string) string {
	identifier, version, ok := strings.Cut(framework, ",Version=")
	if !ok {
		return framework
	}
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	for _, p := range frameworkPrefixes {
		if !strings.EqualFold(identifier, p.identifier) {
			continue
		}
		if p.keepDots {
			return p.short + version
		}
		return p.short + strings.ReplaceAll(version, ".", "")
	}
	return framework
}
