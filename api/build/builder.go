package build

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"bifrost/api/model"
)

// Output describes what a builder produced.
type Output struct {
	Kind model.ArtifactKind
	// Location is only set for asset outputs; directory outputs live in the
	// outDir handed to the builder.
	Location string
	Entry    string
}

// Builder turns a definition's source into a runnable artifact inside outDir.
type Builder interface {
	Build(ctx context.Context, def *model.FunctionDefinition, outDir string) (Output, error)
}

// BuildError carries builder diagnostics. It is cached against the
// fingerprint that produced it.
type BuildError struct {
	FunctionID  string
	Fingerprint string
	Diagnostic  string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %s", e.FunctionID, e.Diagnostic)
}

// DefaultBuilders returns the builder set keyed by runtime family.
func DefaultBuilders() map[model.Family]Builder {
	return map[model.Family]Builder{
		model.FamilyNode:        &NodeBuilder{},
		model.FamilyPython:      &PythonBuilder{},
		model.FamilyGo:          &GoBuilder{},
		model.FamilyPassthrough: &PassthroughBuilder{},
	}
}

// run executes a build tool and folds its combined output into the error.
func run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s: %s", name, msg)
	}
	return nil
}
