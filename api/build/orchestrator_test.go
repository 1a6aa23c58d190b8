package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/api/model"
)

// countingBuilder copies handler.txt into the output and fails when the
// source contains "broken".
type countingBuilder struct {
	calls atomic.Int32
	delay time.Duration
	gate  chan struct{}
}

func (b *countingBuilder) Build(ctx context.Context, def *model.FunctionDefinition, outDir string) (Output, error) {
	b.calls.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
	src, err := os.ReadFile(filepath.Join(def.SrcPath, "handler.txt"))
	if err != nil {
		return Output{}, err
	}
	if strings.Contains(string(src), "broken") {
		return Output{}, errors.New("SyntaxError: unexpected token at handler.txt:1")
	}
	if err := os.WriteFile(filepath.Join(outDir, "bundle.txt"), src, 0644); err != nil {
		return Output{}, err
	}
	return Output{Kind: model.ArtifactDirectory, Entry: "bundle.txt"}, nil
}

func setup(t *testing.T, b Builder) (*Orchestrator, model.FunctionDefinition) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "handler.txt"), []byte("v1"), 0644))

	o, err := New(Options{
		WorkDir:  t.TempDir(),
		Timeout:  5 * time.Second,
		Builders: map[model.Family]Builder{model.FamilyNode: b},
	})
	require.NoError(t, err)

	def := model.FunctionDefinition{ID: "fn-a", Handler: "handler.main", Runtime: "nodejs16.x", SrcPath: src}
	model.ApplyDefaults(&def)
	return o, def
}

func TestEnsureArtifactCaches(t *testing.T) {
	b := &countingBuilder{}
	o, def := setup(t, b)

	first, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	second, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Location, second.Location)

	data, err := os.ReadFile(filepath.Join(first.Location, first.Entry))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Builds)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestEnsureArtifactRebuildsOnChange(t *testing.T) {
	b := &countingBuilder{}
	o, def := setup(t, b)

	first, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, "handler.txt"), []byte("v2"), 0644))
	second, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	_, err = o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, int32(2), b.calls.Load())
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.Location, second.Location)
}

func TestEnsureArtifactSingleBuildUnderConcurrency(t *testing.T) {
	b := &countingBuilder{delay: 100 * time.Millisecond}
	o, def := setup(t, b)

	var wg sync.WaitGroup
	locations := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := o.EnsureArtifact(context.Background(), def)
			if assert.NoError(t, err) {
				locations[i] = art.Location
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), b.calls.Load())
	for _, l := range locations {
		assert.Equal(t, locations[0], l)
	}
}

func TestBuildErrorCachedUntilSourceChanges(t *testing.T) {
	b := &countingBuilder{}
	o, def := setup(t, b)
	require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, "handler.txt"), []byte("broken"), 0644))

	_, err := o.EnsureArtifact(context.Background(), def)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Diagnostic, "SyntaxError")

	_, err = o.EnsureArtifact(context.Background(), def)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, int32(1), b.calls.Load())

	require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, "handler.txt"), []byte("fixed"), 0644))
	art, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.calls.Load())
	assert.Empty(t, o.Status(def.ID).Error)
	assert.Equal(t, art.Fingerprint, o.Status(def.ID).Fingerprint)
}

func TestWaiterDeadlineDoesNotCancelBuild(t *testing.T) {
	gate := make(chan struct{})
	b := &countingBuilder{gate: gate}
	o, def := setup(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.EnsureArtifact(ctx, def)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := o.EnsureArtifact(context.Background(), def)
		done <- err
	}()
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("build never completed")
	}
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestBuildTimeout(t *testing.T) {
	b := &countingBuilder{delay: time.Second}
	o, def := setup(t, b)
	o.timeout = 50 * time.Millisecond

	_, err := o.EnsureArtifact(context.Background(), def)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Diagnostic, "timed out")
}

func TestRebuildForcesBuild(t *testing.T) {
	b := &countingBuilder{}
	o, def := setup(t, b)

	_, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	_, err = o.Rebuild(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestUnknownRuntimeFamily(t *testing.T) {
	o, def := setup(t, &countingBuilder{})
	def.Runtime = "python3.9"

	_, err := o.EnsureArtifact(context.Background(), def)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Diagnostic, "no builder")
}

func TestMissingSourceIsBuildError(t *testing.T) {
	o, def := setup(t, &countingBuilder{})
	def.SrcPath = filepath.Join(def.SrcPath, "missing")

	_, err := o.EnsureArtifact(context.Background(), def)
	var be *BuildError
	assert.ErrorAs(t, err, &be)
}

func TestCopyFiles(t *testing.T) {
	o, def := setup(t, &countingBuilder{})
	require.NoError(t, os.MkdirAll(filepath.Join(def.SrcPath, "templates"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, "templates", "mail.html"), []byte("<p/>"), 0644))
	def.Bundle = &model.BundleOptions{CopyFiles: []model.CopyFile{{From: "templates", To: "assets/templates"}}}

	art, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(art.Location, "assets", "templates", "mail.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p/>", string(data))
}

func TestCopyFilesNonexistentSource(t *testing.T) {
	o, def := setup(t, &countingBuilder{})
	def.Bundle = &model.BundleOptions{CopyFiles: []model.CopyFile{{From: "nope"}}}

	_, err := o.EnsureArtifact(context.Background(), def)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Diagnostic, "nonexistent file")
}

func TestCopyFilesEscape(t *testing.T) {
	o, def := setup(t, &countingBuilder{})
	def.Bundle = &model.BundleOptions{CopyFiles: []model.CopyFile{{From: "handler.txt", To: "../../outside"}}}

	_, err := o.EnsureArtifact(context.Background(), def)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Diagnostic, "escapes")
}

func TestPassthroughArtifact(t *testing.T) {
	src := t.TempDir()
	o, err := New(Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	def := model.FunctionDefinition{ID: "fn-p", Handler: "bootstrap", Runtime: "provided", SrcPath: src}
	model.ApplyDefaults(&def)
	art, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactAsset, art.Kind)
	assert.Equal(t, src, art.Location)
}

func TestPrune(t *testing.T) {
	b := &countingBuilder{}
	o, def := setup(t, b)

	var locations []string
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, "handler.txt"), []byte(v), 0644))
		art, err := o.EnsureArtifact(context.Background(), def)
		require.NoError(t, err)
		locations = append(locations, art.Location)
	}

	removed, err := o.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, locations[0])
	assert.DirExists(t, locations[1])
	assert.DirExists(t, locations[2])
	assert.Len(t, o.Fingerprints(def.ID), 2)
}

func TestCopyFilesOutsideSourceRebuilds(t *testing.T) {
	b := &countingBuilder{}
	o, def := setup(t, b)
	shared := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(shared, []byte(`{"v":1}`), 0644))
	def.Bundle = &model.BundleOptions{CopyFiles: []model.CopyFile{{From: shared, To: "config.json"}}}

	_, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(shared, []byte(`{"v":2}`), 0644))
	art, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, int32(2), b.calls.Load())
	data, err := os.ReadFile(filepath.Join(art.Location, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestPruneDuringBuildsKeepsCachedArtifacts(t *testing.T) {
	o, def := setup(t, &countingBuilder{})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = o.Prune(1)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(def.SrcPath, "handler.txt"), []byte(fmt.Sprintf("v%d", i)), 0644))
		art, err := o.EnsureArtifact(context.Background(), def)
		require.NoError(t, err)
		// the newest artifact is always kept
		if !assert.DirExists(t, art.Location) {
			break
		}
	}
	close(stop)
	<-done
}

func TestPruneRemovesLeftoverTrash(t *testing.T) {
	o, def := setup(t, &countingBuilder{})
	_, err := o.EnsureArtifact(context.Background(), def)
	require.NoError(t, err)

	trash := filepath.Join(o.WorkDir(), def.ID, trashPrefix+"deadbeef")
	require.NoError(t, os.MkdirAll(trash, 0755))
	removed, err := o.Prune(1)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.NoDirExists(t, trash)
}

func TestStartPruningRejectsBadSchedule(t *testing.T) {
	o, _ := setup(t, &countingBuilder{})
	assert.Error(t, o.StartPruning("every now and then", 2))
	require.NoError(t, o.StartPruning("@every 1h", 2))
	o.Stop()
}
