package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"bifrost/api/model"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".bifrost":     true,
	".sst":         true,
}

// Fingerprint hashes everything that affects a build: the source tree under
// SrcPath, every copyFiles source, the runtime tag, the handler and the
// bundle options. Symlinks are hashed by the content they point at. Two
// calls on unchanged inputs return the same value.
func Fingerprint(def *model.FunctionDefinition) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "runtime=%s\x00handler=%s\x00", def.Runtime, def.Handler)

	bundle, err := json.Marshal(def.Bundle)
	if err != nil {
		return "", fmt.Errorf("encode bundle options: %w", err)
	}
	fmt.Fprintf(h, "bundle=%s\x00", bundle)

	if err := hashTree(h, "src", def.SrcPath, map[string]bool{}); err != nil {
		return "", fmt.Errorf("hash %s: %w", def.SrcPath, err)
	}

	if def.Bundle != nil {
		for i, cf := range def.Bundle.CopyFiles {
			src := copySource(def, cf)
			label := fmt.Sprintf("copy%d", i)
			if _, err := os.Stat(src); err != nil {
				// the build reports the missing source
				fmt.Fprintf(h, "%s=missing:%s\x00", label, src)
				continue
			}
			if err := hashTree(h, label, src, map[string]bool{}); err != nil {
				return "", fmt.Errorf("hash %s: %w", src, err)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashTree writes the relative name and content of every file under root,
// which may itself be a single file. Symlinked directories are followed
// once; visited guards against cycles.
func hashTree(h hash.Hash, label, root string, visited map[string]bool) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return hashFile(h, label, root)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	if visited[resolved] {
		return nil
	}
	visited[resolved] = true
	root = resolved

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := label + "/" + filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				fmt.Fprintf(h, "file=%s\x00dangling\x00", name)
				return nil
			}
			if target.IsDir() {
				return hashTree(h, name, path, visited)
			}
			return hashFile(h, name, path)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return hashFile(h, name, path)
	})
}

func hashFile(h hash.Hash, name, path string) error {
	fmt.Fprintf(h, "file=%s\x00", name)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	h.Write([]byte{0})
	return nil
}
