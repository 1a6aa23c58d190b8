package build

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bifrost/api/model"
)

// applyCopyFiles copies the extra files listed in the bundle options into
// the artifact directory.
func applyCopyFiles(def *model.FunctionDefinition, artifactDir string) error {
	if def.Bundle == nil {
		return nil
	}
	for _, cf := range def.Bundle.CopyFiles {
		to := cf.To
		if to == "" {
			to = cf.From
		}
		if filepath.IsAbs(to) {
			return fmt.Errorf("copyFiles destination path %q must be relative", to)
		}
		dst := filepath.Join(artifactDir, to)
		if dst != artifactDir && !strings.HasPrefix(dst, artifactDir+string(filepath.Separator)) {
			return fmt.Errorf("copyFiles destination path %q escapes the artifact directory", to)
		}

		src := copySource(def, cf)
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("tried to copy nonexistent file from %q to %q", src, to)
		}
		if info.IsDir() {
			if resolved, rerr := filepath.EvalSymlinks(src); rerr == nil {
				src = resolved
			}
			err = copyTree(src, dst)
		} else {
			err = copyFile(src, dst, info.Mode())
		}
		if err != nil {
			return fmt.Errorf("copy %s: %w", cf.From, err)
		}
	}
	return nil
}

// copySource resolves a copyFiles source against the function's source root.
func copySource(def *model.FunctionDefinition, cf model.CopyFile) string {
	if filepath.IsAbs(cf.From) {
		return cf.From
	}
	return filepath.Join(def.SrcPath, cf.From)
}

// copyTree mirrors src into dst, skipping dependency and VCS directories.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if path != src && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0755)
		}
		info, err := d.Info()
		if d.Type()&fs.ModeSymlink != 0 {
			// symlinked files are copied by content
			info, err = os.Stat(path)
			if err != nil || info.IsDir() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
