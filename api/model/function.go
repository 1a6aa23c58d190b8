package model

import (
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultRuntime = "nodejs14.x"
	DefaultTimeout = 10 * time.Second
)

// functionIDRe matches ids that are safe as a single path element.
var functionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidFunctionID reports whether id can name a function.
func ValidFunctionID(id string) bool {
	return functionIDRe.MatchString(id)
}

// Family groups runtime tags that share a builder and a worker launcher.
type Family string

const (
	FamilyNode        Family = "node"
	FamilyPython      Family = "python"
	FamilyGo          Family = "go"
	FamilyPassthrough Family = "passthrough"
	FamilyUnknown     Family = ""
)

type CopyFile struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to,omitempty" json:"to,omitempty"`
}

// BundleOptions configures how a function's source is turned into an artifact.
// Options a builder does not understand are ignored by it but still feed the
// fingerprint.
type BundleOptions struct {
	Disabled        bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	CopyFiles       []CopyFile        `yaml:"copyFiles,omitempty" json:"copyFiles,omitempty"`
	ExternalModules []string          `yaml:"externalModules,omitempty" json:"externalModules,omitempty"`
	NodeModules     []string          `yaml:"nodeModules,omitempty" json:"nodeModules,omitempty"`
	Loader          map[string]string `yaml:"loader,omitempty" json:"loader,omitempty"`
	Define          map[string]string `yaml:"define,omitempty" json:"define,omitempty"`
	Minify          bool              `yaml:"minify,omitempty" json:"minify,omitempty"`
	Format          string            `yaml:"format,omitempty" json:"format,omitempty"` // cjs, esm
	KeepNames       bool              `yaml:"keepNames,omitempty" json:"keepNames,omitempty"`
	InstallCommands []string          `yaml:"installCommands,omitempty" json:"installCommands,omitempty"`
}

// FunctionDefinition is the registration record produced by the upstream
// synth process for every function deployed as a placeholder.
type FunctionDefinition struct {
	ID          string            `yaml:"id" json:"id"`
	Handler     string            `yaml:"handler" json:"handler"`
	Runtime     string            `yaml:"runtime,omitempty" json:"runtime"`
	SrcPath     string            `yaml:"srcPath,omitempty" json:"srcPath"`
	Bundle      *BundleOptions    `yaml:"bundle,omitempty" json:"bundle,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Timeout     Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Family returns the runtime family for the definition's runtime tag.
func (d *FunctionDefinition) Family() Family {
	return RuntimeFamily(d.Runtime)
}

// HandlerFile returns the handler path without the exported entry point,
// e.g. "src/a" for "src/a.handler".
func (d *FunctionDefinition) HandlerFile() string {
	file, _ := SplitHandler(d.Handler)
	return file
}

// HandlerExport returns the exported entry point name, e.g. "handler".
func (d *FunctionDefinition) HandlerExport() string {
	_, export := SplitHandler(d.Handler)
	return export
}

// Clone returns a deep copy so registry callers cannot mutate shared state.
func (d FunctionDefinition) Clone() FunctionDefinition {
	out := d
	if d.Environment != nil {
		out.Environment = make(map[string]string, len(d.Environment))
		for k, v := range d.Environment {
			out.Environment[k] = v
		}
	}
	if d.Bundle != nil {
		b := *d.Bundle
		b.CopyFiles = append([]CopyFile(nil), d.Bundle.CopyFiles...)
		b.ExternalModules = append([]string(nil), d.Bundle.ExternalModules...)
		b.NodeModules = append([]string(nil), d.Bundle.NodeModules...)
		b.InstallCommands = append([]string(nil), d.Bundle.InstallCommands...)
		b.Loader = cloneMap(d.Bundle.Loader)
		b.Define = cloneMap(d.Bundle.Define)
		out.Bundle = &b
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ApplyDefaults fills runtime, srcPath and timeout the same way the construct
// layer does before emitting the manifest.
func ApplyDefaults(d *FunctionDefinition) {
	if d.Runtime == "" {
		d.Runtime = DefaultRuntime
	}
	d.SrcPath = NormalizeSrcPath(d.SrcPath)
	if d.Timeout.Duration <= 0 {
		d.Timeout = Duration{DefaultTimeout}
	}
	if d.Bundle != nil {
		for i, cf := range d.Bundle.CopyFiles {
			if cf.To == "" {
				d.Bundle.CopyFiles[i].To = cf.From
			}
		}
	}
}

// NormalizeSrcPath strips trailing slashes; an empty path means the project root.
func NormalizeSrcPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "."
	}
	return p
}

// SplitHandler splits "path/to/file.export" at the last dot.
func SplitHandler(handler string) (file, export string) {
	base := path.Base(handler)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return handler, ""
	}
	dir := path.Dir(handler)
	file = base[:idx]
	if dir != "." {
		file = dir + "/" + file
	}
	return file, base[idx+1:]
}

// LocalID derives the stable function id from a construct path:
// "$", "/" and "." are all replaced with "-".
func LocalID(scopePath, id string) string {
	joined := path.Join(scopePath, id)
	return strings.NewReplacer("$", "-", "/", "-", ".", "-").Replace(joined)
}

// RuntimeFamily maps a runtime tag to its family.
func RuntimeFamily(runtime string) Family {
	switch {
	case runtime == "node" || strings.HasPrefix(runtime, "nodejs"):
		return FamilyNode
	case strings.HasPrefix(runtime, "python"):
		return FamilyPython
	case strings.HasPrefix(runtime, "go"):
		return FamilyGo
	case strings.HasPrefix(runtime, "provided"):
		return FamilyPassthrough
	default:
		return FamilyUnknown
	}
}

var supportedRuntimes = map[string]bool{
	"node":          true,
	"nodejs":        true,
	"nodejs4.3":     true,
	"nodejs6.10":    true,
	"nodejs8.10":    true,
	"nodejs10.x":    true,
	"nodejs12.x":    true,
	"nodejs14.x":    true,
	"nodejs16.x":    true,
	"python2.7":     true,
	"python3.6":     true,
	"python3.7":     true,
	"python3.8":     true,
	"python3.9":     true,
	"dotnetcore1.0": true,
	"dotnetcore2.0": true,
	"dotnetcore2.1": true,
	"dotnetcore3.1": true,
	"dotnet6":       true,
	"go1.x":         true,
	"provided":      true,
	"provided.al2":  true,
}

func IsSupportedRuntime(runtime string) bool {
	return supportedRuntimes[runtime]
}
