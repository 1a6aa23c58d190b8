package build

import (
	"context"
	"os"
	"path/filepath"

	"bifrost/api/model"
)

// PythonBuilder copies the source tree and installs requirements next to it.
type PythonBuilder struct {
	// Pip is the pip executable; defaults to "pip3".
	Pip string
}

func (b *PythonBuilder) Build(ctx context.Context, def *model.FunctionDefinition, outDir string) (Output, error) {
	if err := copyTree(def.SrcPath, outDir); err != nil {
		return Output{}, err
	}

	if _, err := os.Stat(filepath.Join(def.SrcPath, "requirements.txt")); err == nil {
		pip := b.Pip
		if pip == "" {
			pip = "pip3"
		}
		if err := run(ctx, outDir, nil, pip, "install", "-r", "requirements.txt", "-t", ".", "--quiet"); err != nil {
			return Output{}, err
		}
	}

	if def.Bundle != nil {
		for _, c := range def.Bundle.InstallCommands {
			if err := run(ctx, outDir, nil, "sh", "-c", c); err != nil {
				return Output{}, err
			}
		}
	}

	return Output{Kind: model.ArtifactDirectory, Entry: def.Handler}, nil
}
