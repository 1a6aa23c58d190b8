package build

import (
	"context"
	"path/filepath"
	"strings"

	"bifrost/api/model"
)

// GoBuilder compiles the handler package into a bootstrap executable.
type GoBuilder struct{}

func (b *GoBuilder) Build(ctx context.Context, def *model.FunctionDefinition, outDir string) (Output, error) {
	pkg := def.Handler
	if strings.HasSuffix(pkg, ".go") {
		pkg = filepath.Dir(pkg)
	}
	if !strings.HasPrefix(pkg, ".") && !filepath.IsAbs(pkg) {
		pkg = "./" + pkg
	}
	out := filepath.Join(outDir, "bootstrap")
	if !filepath.IsAbs(out) {
		abs, err := filepath.Abs(out)
		if err != nil {
			return Output{}, err
		}
		out = abs
	}
	env := []string{"CGO_ENABLED=0"}
	if err := run(ctx, def.SrcPath, env, "go", "build", "-ldflags", "-s -w", "-o", out, pkg); err != nil {
		return Output{}, err
	}
	return Output{Kind: model.ArtifactDirectory, Entry: "bootstrap"}, nil
}

// PassthroughBuilder is used for runtimes whose source root is already a
// runnable asset.
type PassthroughBuilder struct{}

func (b *PassthroughBuilder) Build(ctx context.Context, def *model.FunctionDefinition, outDir string) (Output, error) {
	return Output{Kind: model.ArtifactAsset, Location: def.SrcPath, Entry: def.Handler}, nil
}
