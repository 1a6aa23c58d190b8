package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"bifrost/api/model"
)

var nodeExtensions = []string{".ts", ".tsx", ".js", ".mjs", ".jsx"}

// NodeBuilder bundles a handler and its imports into a single file with
// esbuild. With bundling disabled the source root is used in place.
type NodeBuilder struct {
	// Esbuild is the esbuild executable; defaults to "esbuild" on PATH.
	Esbuild string
}

func (b *NodeBuilder) Build(ctx context.Context, def *model.FunctionDefinition, outDir string) (Output, error) {
	file := def.HandlerFile()
	if def.Bundle != nil && def.Bundle.Disabled {
		return Output{Kind: model.ArtifactAsset, Location: def.SrcPath, Entry: def.Handler}, nil
	}

	entry, err := resolveNodeEntry(def.SrcPath, file)
	if err != nil {
		return Output{}, err
	}

	bin := b.Esbuild
	if bin == "" {
		bin = "esbuild"
	}
	format := "cjs"
	outFile := file + ".js"
	if def.Bundle != nil && def.Bundle.Format == "esm" {
		format = "esm"
		outFile = file + ".mjs"
	}

	args := []string{
		entry,
		"--bundle",
		"--platform=node",
		"--target=" + nodeTarget(def.Runtime),
		"--format=" + format,
		"--sourcemap",
		"--outfile=" + filepath.Join(outDir, outFile),
	}
	if bundle := def.Bundle; bundle != nil {
		if bundle.Minify {
			args = append(args, "--minify")
		}
		if bundle.KeepNames {
			args = append(args, "--keep-names")
		}
		for _, m := range append(append([]string{}, bundle.ExternalModules...), bundle.NodeModules...) {
			args = append(args, "--external:"+m)
		}
		for _, ext := range sortedKeys(bundle.Loader) {
			args = append(args, fmt.Sprintf("--loader:%s=%s", ext, bundle.Loader[ext]))
		}
		for _, k := range sortedKeys(bundle.Define) {
			args = append(args, fmt.Sprintf("--define:%s=%s", k, bundle.Define[k]))
		}
	}

	if err := run(ctx, def.SrcPath, nil, bin, args...); err != nil {
		return Output{}, err
	}
	return Output{Kind: model.ArtifactDirectory, Entry: outFile}, nil
}

func resolveNodeEntry(srcPath, file string) (string, error) {
	for _, ext := range nodeExtensions {
		candidate := file + ext
		if _, err := os.Stat(filepath.Join(srcPath, candidate)); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot find a handler file for %q in %s", file, srcPath)
}

func nodeTarget(runtime string) string {
	switch runtime {
	case "nodejs10.x":
		return "node10"
	case "nodejs12.x":
		return "node12"
	case "nodejs16.x":
		return "node16"
	default:
		return "node14"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
