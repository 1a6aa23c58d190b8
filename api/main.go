package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"bifrost/api/auth"
	"bifrost/api/blob"
	"bifrost/api/bridge"
	"bifrost/api/build"
	"bifrost/api/config"
	"bifrost/api/dispatch"
	"bifrost/api/handler"
	"bifrost/api/health"
	"bifrost/api/hub"
	"bifrost/api/journal"
	"bifrost/api/logging"
	"bifrost/api/metrics"
	"bifrost/api/model"
	"bifrost/api/registry"
	"bifrost/api/store"
	"bifrost/api/watch"
	"bifrost/api/worker"
)

// Version is set at link time.
var Version = "dev"

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	build.SetLogger(log.Named("build"))
	bridge.SetLogger(log.Named("bridge"))
	dispatch.SetLogger(log.Named("dispatch"))
	worker.SetLogger(log.Named("worker"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws := hub.New(cfg.AllowedOrigins, log.Named("hub"))
	go ws.Run(ctx)

	// The registry must be populated before any stub can reach us.
	reg := registry.New()
	if _, err := os.Stat(cfg.Manifest); err == nil {
		m, err := reg.LoadManifest(cfg.Manifest)
		if err != nil {
			log.Fatal("manifest", zap.String("path", cfg.Manifest), zap.Error(err))
		}
		log.Info("manifest loaded", zap.String("app", m.App), zap.String("stage", m.Stage), zap.Int("functions", reg.Len()))
	} else {
		log.Warn("no manifest; waiting for POST /api/functions", zap.String("path", cfg.Manifest))
	}

	orch, err := build.New(build.Options{
		WorkDir: cfg.WorkDir,
		Timeout: cfg.BuildTimeout,
		Hub:     ws,
	})
	if err != nil {
		log.Fatal("work dir", zap.Error(err))
	}
	if err := orch.StartPruning(cfg.PruneSchedule, cfg.KeepArtifacts); err != nil {
		log.Fatal("prune schedule", zap.String("schedule", cfg.PruneSchedule), zap.Error(err))
	}
	defer orch.Stop()

	var (
		history  dispatch.History
		reader   handler.HistoryReader
		pruner   health.Pruner
		steps    journal.Store = journal.NewMemoryStore(journal.DefaultRetain)
		services = map[string]handler.Pinger{}
	)
	if cfg.DatabaseURL != "" {
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database", zap.Error(err))
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			log.Fatal("migration", zap.Error(err))
		}
		if n, err := db.AbandonInFlight(ctx); err != nil {
			log.Warn("in-flight recovery", zap.Error(err))
		} else if n > 0 {
			log.Info("closed invocations left open by a previous run", zap.Int64("count", n))
		}
		history, reader, pruner = db, db, db
		steps = journal.NewPostgresStore(db.Pool())
		services["postgres"] = db
	}

	blobs := openBlobs(ctx, cfg, log.Named("blob"))
	if p, ok := blobs.(handler.Pinger); ok {
		services["blobs"] = p
	}

	if len(services) > 0 {
		monitored := make(map[string]health.Pinger, len(services))
		for name, p := range services {
			monitored[name] = p
		}
		poller := &health.Poller{
			Services:  monitored,
			WS:        ws,
			Interval:  cfg.HealthInterval,
			Pruner:    pruner,
			Retention: cfg.HistoryRetention,
			Log:       log.Named("health"),
		}
		go poller.Run(ctx)
	}

	var runner worker.Runner
	switch cfg.WorkerIsolation {
	case "docker":
		runner = worker.NewDockerRunner()
	default:
		runner = worker.NewProcessRunner("")
	}
	if cfg.WorkerPool > 0 {
		runner = worker.NewPool(runner, cfg.WorkerPool)
		log.Info("worker pool enabled", zap.Int("perFunction", cfg.WorkerPool))
	}

	srv := bridge.NewServer(bridge.ServerOptions{
		Endpoint:    "ws://" + cfg.Addr() + "/bridge",
		Secret:      []byte(cfg.BridgeSecret),
		Blobs:       blobs,
		InlineLimit: cfg.InlineLimit,
		Hub:         ws,
	})
	defer srv.Close()

	disp := dispatch.New(dispatch.Options{
		Registry: reg,
		Builds:   orch,
		Runner:   runner,
		Journal:  steps,
		Hub:      ws,
		History:  history,
	})

	h := handler.New(handler.Options{
		Registry: reg,
		Builds:   orch,
		Dispatch: disp,
		Bridge:   srv,
		History:  reader,
		Journal:  steps,
		Hub:      ws,
		Version:  Version,
		Services: services,
	})
	reg.OnRegister(h.OnRegister)

	if cfg.Watch {
		startWatcher(ctx, log, reg, orch, ws, cfg.Prewarm)
	}
	if cfg.Prewarm {
		for _, def := range reg.List() {
			orch.Prewarm(def)
		}
		reg.OnRegister(orch.Prewarm)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	if cfg.APIToken != "" {
		r.Use(auth.BearerToken(cfg.APIToken, "/ws", "/bridge", "/metrics", "/api/health", "/api/version"))
		log.Info("API token auth enabled")
	}

	h.Routes(r)
	r.Get("/bridge", srv.HandleConnect)
	r.Get("/ws", ws.HandleConnect)
	r.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("bifrost listening", zap.String("version", Version), zap.String("addr", cfg.Addr()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := disp.Run(ctx, srv); err != nil && !errors.Is(err, bridge.ErrClosed) {
			log.Error("dispatcher stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	srv.Close()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("in-flight invocations still running at exit")
	}
}

// startWatcher announces source edits and, with prewarm on, rebuilds ahead of
// the next invocation.
func startWatcher(ctx context.Context, log *zap.Logger, reg *registry.Registry, orch *build.Orchestrator, ws *hub.Hub, prewarm bool) {
	w, err := watch.New(watch.DefaultDebounce, log.Named("watch"))
	if err != nil {
		log.Warn("source watching disabled", zap.Error(err))
		return
	}
	track := func(def model.FunctionDefinition) {
		if err := w.Watch(def.ID, def.SrcPath); err != nil {
			log.Warn("watch source", zap.String("function", def.ID), zap.Error(err))
		}
	}
	for _, def := range reg.List() {
		track(def)
	}
	reg.OnRegister(track)

	w.SetHandler(func(ids []string) {
		for _, id := range ids {
			ws.Broadcast(hub.Event{Type: hub.SourceChanged, FunctionID: id})
			if !prewarm {
				continue
			}
			if def, err := reg.Lookup(id); err == nil {
				orch.Prewarm(def)
			}
		}
	})
	go w.Run(ctx)
}

// openBlobs connects the payload side channel. Any failure leaves it nil so
// oversized payloads go inline.
func openBlobs(ctx context.Context, cfg *config.Config, log *zap.Logger) blob.Store {
	s, err := blob.Open(ctx, blob.Options{
		Backend: cfg.BlobBackend,
		Region:  cfg.AWSRegion,
		Minio: blob.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.BlobBucket,
		},
	}, log)
	if err != nil {
		log.Warn("blob store unavailable; oversized payloads go inline", zap.Error(err))
		return nil
	}
	if s == nil {
		return nil
	}

	switch st := s.(type) {
	case *blob.MinioStore:
		err = st.EnsureBucket(ctx)
	case *blob.S3Store:
		err = st.Ping(ctx)
	}
	if err != nil {
		log.Warn("blob bucket unavailable; oversized payloads go inline", zap.Error(err))
		return nil
	}
	log.Info("blob store connected", zap.String("backend", cfg.BlobBackend), zap.String("bucket", cfg.BlobBucket))
	return s
}
