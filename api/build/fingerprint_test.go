package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/api/model"
)

func fingerprintDef(t *testing.T) *model.FunctionDefinition {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.js"), []byte("exports.handler = 1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "util.js"), []byte("module.exports = {}"), 0644))
	return &model.FunctionDefinition{ID: "fn", Handler: "index.handler", Runtime: "nodejs16.x", SrcPath: src}
}

func TestFingerprintStable(t *testing.T) {
	def := fingerprintDef(t)
	a, err := Fingerprint(def)
	require.NoError(t, err)
	b, err := Fingerprint(def)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintInputs(t *testing.T) {
	def := fingerprintDef(t)
	base, err := Fingerprint(def)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(d *model.FunctionDefinition)
	}{
		{"runtime", func(d *model.FunctionDefinition) { d.Runtime = "nodejs14.x" }},
		{"handler", func(d *model.FunctionDefinition) { d.Handler = "index.main" }},
		{"bundle", func(d *model.FunctionDefinition) { d.Bundle = &model.BundleOptions{Minify: true} }},
		{"content", func(d *model.FunctionDefinition) {
			require.NoError(t, os.WriteFile(filepath.Join(d.SrcPath, "lib", "util.js"), []byte("module.exports = []"), 0644))
		}},
		{"new file", func(d *model.FunctionDefinition) {
			require.NoError(t, os.WriteFile(filepath.Join(d.SrcPath, "extra.js"), nil, 0644))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fingerprintDef(t)
			tt.mutate(d)
			got, err := Fingerprint(d)
			require.NoError(t, err)
			// each case uses a fresh tree with identical contents
			orig := fingerprintDef(t)
			want, err := Fingerprint(orig)
			require.NoError(t, err)
			assert.NotEqual(t, want, got)
		})
	}
	assert.NotEmpty(t, base)
}

func TestFingerprintSkipsDependencyDirs(t *testing.T) {
	def := fingerprintDef(t)
	before, err := Fingerprint(def)
	require.NoError(t, err)

	for _, dir := range []string{"node_modules", ".git", "__pycache__", ".bifrost"} {
		require.NoError(t, os.MkdirAll(filepath.Join(def.SrcPath, dir), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, dir, "x"), []byte("noise"), 0644))
	}
	after, err := Fingerprint(def)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFingerprintCoversCopyFilesOutsideSource(t *testing.T) {
	def := fingerprintDef(t)
	shared := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(shared, []byte(`{"v":1}`), 0644))
	def.Bundle = &model.BundleOptions{CopyFiles: []model.CopyFile{{From: shared, To: "config.json"}}}

	before, err := Fingerprint(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(shared, []byte(`{"v":2}`), 0644))
	after, err := Fingerprint(def)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestFingerprintMissingCopySourceIsNotAnError(t *testing.T) {
	def := fingerprintDef(t)
	def.Bundle = &model.BundleOptions{CopyFiles: []model.CopyFile{{From: "nope"}}}
	_, err := Fingerprint(def)
	assert.NoError(t, err)
}

func TestFingerprintFollowsSymlinks(t *testing.T) {
	def := fingerprintDef(t)
	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "lib.js"), []byte("v1"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(shared, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "pkg", "a.js"), []byte("a1"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(shared, "lib.js"), filepath.Join(def.SrcPath, "lib.js")))
	require.NoError(t, os.Symlink(filepath.Join(shared, "pkg"), filepath.Join(def.SrcPath, "pkg")))

	base, err := Fingerprint(def)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(shared, "lib.js"), []byte("v2"), 0644))
	file, err := Fingerprint(def)
	require.NoError(t, err)
	assert.NotEqual(t, base, file)

	require.NoError(t, os.WriteFile(filepath.Join(shared, "pkg", "a.js"), []byte("a2"), 0644))
	dir, err := Fingerprint(def)
	require.NoError(t, err)
	assert.NotEqual(t, file, dir)
}

func TestFingerprintSymlinkCycle(t *testing.T) {
	def := fingerprintDef(t)
	require.NoError(t, os.Symlink(def.SrcPath, filepath.Join(def.SrcPath, "lib", "loop")))
	_, err := Fingerprint(def)
	assert.NoError(t, err)
}
