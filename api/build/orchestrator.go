package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bifrost/api/hub"
	"bifrost/api/metrics"
	"bifrost/api/model"
)

const (
	DefaultTimeout = 2 * time.Minute
	tempPrefix     = ".build-"
	trashPrefix    = ".prune-"
)

type Options struct {
	WorkDir  string
	Timeout  time.Duration
	Builders map[model.Family]Builder
	Hub      *hub.Hub
}

// entry is a cached build outcome: exactly one of artifact or err is set.
type entry struct {
	functionID string
	artifact   *model.BuildArtifact
	err        *BuildError
	at         time.Time
}

func (e *entry) result() (*model.BuildArtifact, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.artifact, nil
}

// Result is returned by Ensure.
type Result struct {
	Artifact    *model.BuildArtifact
	Fingerprint string
	// Built is true when this call waited on a build rather than a cache hit.
	Built bool
}

type Status struct {
	FunctionID  string               `json:"functionId"`
	Fingerprint string               `json:"fingerprint,omitempty"`
	Artifact    *model.BuildArtifact `json:"artifact,omitempty"`
	Error       string               `json:"error,omitempty"`
	Building    bool                 `json:"building"`
	UpdatedAt   time.Time            `json:"updatedAt,omitempty"`
}

type Stats struct {
	Builds    int64 `json:"builds"`
	Failures  int64 `json:"failures"`
	CacheHits int64 `json:"cacheHits"`
	Artifacts int   `json:"artifacts"`
}

// Orchestrator produces build artifacts keyed by source fingerprint. At most
// one build runs per fingerprint; concurrent callers share its outcome.
type Orchestrator struct {
	workDir  string
	timeout  time.Duration
	builders map[model.Family]Builder
	ws       *hub.Hub

	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]*entry   // fingerprint → outcome
	byFunction map[string][]string // function id → fingerprints, oldest first
	building   map[string]int      // function id → builds in progress
	finishing  map[string]bool     // artifact dirs renamed into place but not yet cached
	stats      Stats

	cron *cron.Cron
}

func New(opts Options) (*Orchestrator, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("build: work dir is required")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("build: resolve work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("build: create work dir: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Builders == nil {
		opts.Builders = DefaultBuilders()
	}
	return &Orchestrator{
		workDir:    workDir,
		timeout:    opts.Timeout,
		builders:   opts.Builders,
		ws:         opts.Hub,
		entries:    make(map[string]*entry),
		byFunction: make(map[string][]string),
		building:   make(map[string]int),
		finishing:  make(map[string]bool),
	}, nil
}

func (o *Orchestrator) WorkDir() string { return o.workDir }

// EnsureArtifact returns a runnable artifact for def, building it only when
// no artifact or cached failure exists for the current fingerprint.
func (o *Orchestrator) EnsureArtifact(ctx context.Context, def model.FunctionDefinition) (*model.BuildArtifact, error) {
	res, err := o.Ensure(ctx, def)
	if err != nil {
		return nil, err
	}
	return res.Artifact, nil
}

// Ensure is EnsureArtifact with cache details. A caller whose ctx ends while
// waiting gets ctx.Err(); the build itself keeps running for other waiters.
func (o *Orchestrator) Ensure(ctx context.Context, def model.FunctionDefinition) (Result, error) {
	fp, err := Fingerprint(&def)
	if err != nil {
		return Result{}, &BuildError{FunctionID: def.ID, Diagnostic: err.Error()}
	}

	if e := o.cached(fp); e != nil {
		metrics.CacheHit(def.ID)
		o.mu.Lock()
		o.stats.CacheHits++
		o.mu.Unlock()
		art, err := e.result()
		return Result{Artifact: art, Fingerprint: fp}, err
	}

	ch := o.group.DoChan(fp, func() (interface{}, error) {
		if e := o.cached(fp); e != nil {
			return e, nil
		}
		return o.build(def, fp), nil
	})

	select {
	case res := <-ch:
		e := res.Val.(*entry)
		art, err := e.result()
		return Result{Artifact: art, Fingerprint: fp, Built: true}, err
	case <-ctx.Done():
		return Result{Fingerprint: fp}, ctx.Err()
	}
}

func (o *Orchestrator) cached(fp string) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[fp]
}

// build runs the builder on a context detached from any caller. It is only
// called from inside the singleflight group.
func (o *Orchestrator) build(def model.FunctionDefinition, fp string) *entry {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	log := Logger().With(zap.String("function", def.ID), zap.String("fingerprint", fp[:12]))
	o.setBuilding(def.ID, 1)
	defer o.setBuilding(def.ID, -1)

	o.ws.Broadcast(hub.Event{Type: hub.BuildStarted, FunctionID: def.ID, Payload: map[string]string{"fingerprint": fp}})
	log.Info("build: started", zap.String("runtime", def.Runtime))
	start := time.Now()

	art, err := o.produce(ctx, &def, fp)
	elapsed := time.Since(start)

	e := &entry{functionID: def.ID, at: time.Now()}
	if err != nil {
		diag := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			diag = fmt.Sprintf("build timed out after %s: %s", o.timeout, diag)
		}
		e.err = &BuildError{FunctionID: def.ID, Fingerprint: fp, Diagnostic: diag}
		log.Warn("build: failed", zap.Duration("duration", elapsed), zap.String("error", diag))
		o.ws.Broadcast(hub.Event{Type: hub.BuildFailed, FunctionID: def.ID, Payload: map[string]string{
			"fingerprint": fp,
			"error":       diag,
		}})
	} else {
		e.artifact = art
		log.Info("build: completed", zap.Duration("duration", elapsed), zap.String("location", art.Location))
		o.ws.Broadcast(hub.Event{Type: hub.BuildCompleted, FunctionID: def.ID, Payload: art})
	}
	metrics.BuildFinished(def.ID, err == nil, elapsed)

	o.mu.Lock()
	if art != nil {
		delete(o.finishing, art.Location)
	}
	o.entries[fp] = e
	fps := o.byFunction[def.ID]
	for i, f := range fps {
		if f == fp {
			fps = append(fps[:i:i], fps[i+1:]...)
			break
		}
	}
	o.byFunction[def.ID] = append(fps, fp)
	o.stats.Builds++
	if err != nil {
		o.stats.Failures++
	}
	o.mu.Unlock()
	return e
}

func (o *Orchestrator) produce(ctx context.Context, def *model.FunctionDefinition, fp string) (*model.BuildArtifact, error) {
	builder, ok := o.builders[def.Family()]
	if !ok {
		return nil, fmt.Errorf("no builder for runtime %s", def.Runtime)
	}

	fnDir := filepath.Join(o.workDir, def.ID)
	if err := os.MkdirAll(fnDir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp(fnDir, tempPrefix)
	if err != nil {
		return nil, err
	}

	out, err := builder.Build(ctx, def, tmp)
	if out.Kind == "" {
		out.Kind = model.ArtifactDirectory
	}
	if err == nil && out.Kind == model.ArtifactDirectory {
		err = applyCopyFiles(def, tmp)
	}
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}

	art := &model.BuildArtifact{
		FunctionID:  def.ID,
		Fingerprint: fp,
		ProducedAt:  time.Now(),
		Kind:        out.Kind,
		Entry:       out.Entry,
	}
	if out.Kind == model.ArtifactAsset {
		os.RemoveAll(tmp)
		loc, err := filepath.Abs(out.Location)
		if err != nil {
			return nil, err
		}
		art.Location = loc
		return art, nil
	}

	// Prune must not collect the directory between the rename and the
	// cache insert in build.
	o.mu.Lock()
	final := filepath.Join(fnDir, fp[:16])
	if _, err := os.Stat(final); err == nil {
		// a previous artifact with this fingerprint may still be running
		final = final + "-" + uuid.NewString()[:8]
	}
	err = os.Rename(tmp, final)
	if err == nil {
		o.finishing[final] = true
	}
	o.mu.Unlock()
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	art.Location = final
	return art, nil
}

func (o *Orchestrator) setBuilding(id string, delta int) {
	o.mu.Lock()
	o.building[id] += delta
	if o.building[id] <= 0 {
		delete(o.building, id)
	}
	o.mu.Unlock()
}

// Invalidate forgets every cached outcome for a function so the next access
// rebuilds. Artifact directories are left for Prune.
func (o *Orchestrator) Invalidate(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, fp := range o.byFunction[id] {
		delete(o.entries, fp)
	}
	delete(o.byFunction, id)
}

// Rebuild forces a fresh build of def.
func (o *Orchestrator) Rebuild(ctx context.Context, def model.FunctionDefinition) (*model.BuildArtifact, error) {
	o.Invalidate(def.ID)
	return o.EnsureArtifact(ctx, def)
}

// Prewarm builds def in the background.
func (o *Orchestrator) Prewarm(def model.FunctionDefinition) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		if _, err := o.EnsureArtifact(ctx, def); err != nil {
			Logger().Debug("build: prewarm failed", zap.String("function", def.ID), zap.Error(err))
		}
	}()
}

// Status reports the newest cached outcome for a function.
func (o *Orchestrator) Status(id string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{FunctionID: id, Building: o.building[id] > 0}
	fps := o.byFunction[id]
	if len(fps) == 0 {
		return st
	}
	fp := fps[len(fps)-1]
	e := o.entries[fp]
	st.Fingerprint = fp
	st.UpdatedAt = e.at
	if e.err != nil {
		st.Error = e.err.Diagnostic
	} else {
		st.Artifact = e.artifact
	}
	return st
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Artifacts = len(o.entries)
	return s
}

// Prune keeps the newest keep outcomes per function and deletes the rest,
// together with any artifact directory no cached entry references.
func (o *Orchestrator) Prune(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	o.mu.Lock()
	for id, fps := range o.byFunction {
		if len(fps) <= keep {
			continue
		}
		for _, fp := range fps[:len(fps)-keep] {
			delete(o.entries, fp)
		}
		o.byFunction[id] = append([]string(nil), fps[len(fps)-keep:]...)
	}
	o.mu.Unlock()

	fnDirs, err := os.ReadDir(o.workDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, fd := range fnDirs {
		if !fd.IsDir() {
			continue
		}
		fnDir := filepath.Join(o.workDir, fd.Name())
		arts, err := os.ReadDir(fnDir)
		if err != nil {
			continue
		}
		for _, a := range arts {
			name := a.Name()
			if strings.HasPrefix(name, tempPrefix) {
				continue
			}
			loc := filepath.Join(fnDir, name)
			if !strings.HasPrefix(name, trashPrefix) {
				var ok bool
				if loc, ok = o.retire(loc); !ok {
					continue
				}
				removed++
			}
			if err := os.RemoveAll(loc); err != nil {
				Logger().Warn("build: prune", zap.String("path", loc), zap.Error(err))
			}
		}
	}
	if removed > 0 {
		Logger().Info("build: pruned artifacts", zap.Int("removed", removed))
	}
	return removed, nil
}

// retire moves an unreferenced artifact directory aside under the lock so a
// build cannot cache it while it is being deleted. It returns the new path.
func (o *Orchestrator) retire(loc string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finishing[loc] {
		return "", false
	}
	for _, e := range o.entries {
		if e.artifact != nil && e.artifact.Kind == model.ArtifactDirectory && e.artifact.Location == loc {
			return "", false
		}
	}
	trash := filepath.Join(filepath.Dir(loc), trashPrefix+uuid.NewString()[:8])
	if err := os.Rename(loc, trash); err != nil {
		Logger().Warn("build: prune", zap.String("path", loc), zap.Error(err))
		return "", false
	}
	return trash, true
}

// StartPruning runs Prune on a cron schedule such as "@every 10m".
func (o *Orchestrator) StartPruning(schedule string, keep int) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := o.Prune(keep); err != nil {
			Logger().Warn("build: prune failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("build: prune schedule %q: %w", schedule, err)
	}
	o.cron = c
	c.Start()
	return nil
}

func (o *Orchestrator) Stop() {
	if o.cron == nil {
		return
	}
	<-o.cron.Stop().Done()
}

// Fingerprints lists the cached fingerprints of a function, oldest first.
func (o *Orchestrator) Fingerprints(id string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.byFunction[id]...)
}
