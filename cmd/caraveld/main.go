package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caravel-labs/caravel-go/internal/api"
	"github.com/caravel-labs/caravel-go/internal/auth"
	"github.com/caravel-labs/caravel-go/internal/cdn"
	"github.com/caravel-labs/caravel-go/internal/definition"
	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/engine"
	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/metrics"
	"github.com/caravel-labs/caravel-go/internal/objectsync"
	"github.com/caravel-labs/caravel-go/internal/platform/env"
	"github.com/caravel-labs/caravel-go/internal/platform/httpserver"
	"github.com/caravel-labs/caravel-go/internal/platform/objectstore"
	"github.com/caravel-labs/caravel-go/internal/platform/postgres"
	"github.com/caravel-labs/caravel-go/internal/registry"
	"github.com/caravel-labs/caravel-go/internal/remoteexec"
	"github.com/caravel-labs/caravel-go/internal/repo"
	repopg "github.com/caravel-labs/caravel-go/internal/repo/postgres"
	"github.com/caravel-labs/caravel-go/internal/secrets"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CARAVEL_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CARAVEL_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxWorkers, err := env.Int("CARAVEL_MAX_WORKERS", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	resumeOnStart, err := env.Bool("CARAVEL_RESUME_ON_START", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	pipelinesDir := env.String("CARAVEL_PIPELINES_DIR", "./pipelines")
	defs, err := definition.LoadDir(pipelinesDir)
	if err != nil {
		logger.Error("load pipeline definitions", "dir", pipelinesDir, "error", err)
		os.Exit(2)
	}
	if len(defs) == 0 {
		logger.Error("no pipeline definitions found", "dir", pipelinesDir)
		os.Exit(2)
	}
	logger.Info("pipeline definitions loaded", "dir", pipelinesDir, "count", len(defs))

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runStore := repopg.NewRunStore(db)
	attemptStore := repopg.NewAttemptStore(db)

	kinds := stageKinds(defs)

	var registryClient executor.RegistryClient
	var remoteRunner executor.RemoteRunner
	var syncer executor.ObjectSyncer
	var invalidator executor.CacheInvalidator

	if kinds[domain.StageKindBuildAndPush] {
		client, err := registry.New(registry.ConfigFromEnv())
		if err != nil {
			logger.Error("registry client init failed", "error", err)
			os.Exit(2)
		}
		defer func() { _ = client.Close() }()
		registryClient = client
	}

	if kinds[domain.StageKindRemoteDeploy] {
		sshCfg, err := remoteexec.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid ssh config", "error", err)
			os.Exit(2)
		}
		runner, err := remoteexec.NewSSHRunner(sshCfg)
		if err != nil {
			logger.Error("ssh runner init failed", "error", err)
			os.Exit(2)
		}
		remoteRunner = runner
	}

	var readiness []httpserver.ReadinessCheck
	readiness = append(readiness, httpserver.ReadinessCheck{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	})

	if kinds[domain.StageKindArtifactSync] {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		for _, bucket := range syncBuckets(defs) {
			if err := objectstore.EnsureBucket(startupCtx, storeClient, bucket, storeCfg.Region); err != nil {
				cancel()
				logger.Error("object store unavailable", "bucket", bucket, "error", err)
				os.Exit(1)
			}
		}
		cancel()
		syncer = objectsync.New(storeClient)

		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "objectstore",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				_, err := storeClient.ListBuckets(checkCtx)
				return err
			},
		})
	}

	if kinds[domain.StageKindCacheInvalidate] {
		cdnCfg, err := cdn.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid cdn config", "error", err)
			os.Exit(2)
		}
		client, err := cdn.New(cdnCfg)
		if err != nil {
			logger.Error("cdn client init failed", "error", err)
			os.Exit(2)
		}
		invalidator = client
	}

	secretStore, err := buildSecretStore()
	if err != nil {
		logger.Error("secret store init failed", "error", err)
		os.Exit(2)
	}
	resolver, err := secrets.NewResolver(secretStore, env.String("CARAVEL_SECRET_SCOPE", "default"))
	if err != nil {
		logger.Error("secret resolver init failed", "error", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	stageExec := executor.New(registryClient, remoteRunner, syncer, invalidator, logger)
	eng, err := engine.New(defs, runStore, attemptStore, stageExec, resolver, logger, m, engine.Config{
		MaxWorkers: maxWorkers,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	if resumeOnStart {
		resumeInterrupted(ctx, logger, eng, runStore)
	}

	authCfg := auth.ConfigFromEnv()
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
	default:
		if err := authCfg.Validate(); err != nil {
			logger.Error("invalid auth config", "error", err)
			os.Exit(2)
		}
		authenticator = auth.NewDevAuthenticator(authCfg)
		logger.Warn("auth running in dev mode; do not expose publicly")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("caraveld"))
	mux.HandleFunc("/readyz", httpserver.Readyz("caraveld", readiness...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	api.New(logger, eng, runStore, defs).Register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "caraveld",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	err = httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "caraveld", handler))
	// In-flight runs stay in the running state for the next process to
	// resume; Shutdown waits for their loops to stop.
	eng.Shutdown()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildSecretStore() (secrets.Store, error) {
	if path := env.String("CARAVEL_SECRETS_FILE", ""); path != "" {
		return secrets.NewFileStore(path)
	}
	return secrets.NewEnvStore(), nil
}

func stageKinds(defs map[string]domain.PipelineDefinition) map[domain.StageKind]bool {
	kinds := make(map[domain.StageKind]bool)
	for _, def := range defs {
		for _, stage := range def.Stages {
			kinds[stage.Kind] = true
		}
	}
	return kinds
}

func syncBuckets(defs map[string]domain.PipelineDefinition) []string {
	seen := make(map[string]bool)
	var buckets []string
	for _, def := range defs {
		for _, stage := range def.Stages {
			if stage.Params.Sync == nil || seen[stage.Params.Sync.Bucket] {
				continue
			}
			seen[stage.Params.Sync.Bucket] = true
			buckets = append(buckets, stage.Params.Sync.Bucket)
		}
	}
	return buckets
}

// resumeInterrupted picks up runs a prior process left in the running
// state. Failures here are logged, not fatal: a run that cannot be
// resumed stays visible in the store for an operator.
func resumeInterrupted(ctx context.Context, logger *slog.Logger, eng *engine.Engine, runs repo.RunRepository) {
	interrupted, err := runs.ListRuns(ctx, repo.RunFilter{Status: domain.RunStateRunning, Limit: 500})
	if err != nil {
		logger.Error("list interrupted runs", "error", err)
		return
	}
	for _, run := range interrupted {
		if err := eng.Resume(ctx, run.ID); err != nil {
			logger.Error("resume run", "run_id", run.ID, "error", err)
		}
	}
}
