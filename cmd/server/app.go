package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/warp/conflict-engine/api"
	"github.com/warp/conflict-engine/artifact"
	"github.com/warp/conflict-engine/config"
	"github.com/warp/conflict-engine/factory"
	"github.com/warp/conflict-engine/lease/redislease"
	"github.com/warp/conflict-engine/logger"
	"github.com/warp/conflict-engine/metrics"
	"github.com/warp/conflict-engine/orchestrator"
	"github.com/warp/conflict-engine/store/sqlstore"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *sqlstore.Store
	orch    *orchestrator.Orchestrator
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	if configPath != "" {
		os.Setenv("CONFLICT_CONFIG", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	var err error
	switch a.cfg.Database.Driver {
	case "postgres":
		a.store, err = sqlstore.OpenPostgres(ctx, a.cfg.Database.URL)
	default:
		a.store, err = sqlstore.Open(ctx, a.cfg.Database.Path)
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.Database.Driver, err)
	}
	a.closers = append(a.closers, a.store.Close)

	var leaser orchestrator.Leaser = a.store
	if a.cfg.Lease.Backend == "redis" {
		rl, err := redislease.Dial(ctx, a.cfg.Lease.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect lease backend: %w", err)
		}
		a.closers = append(a.closers, rl.Close)
		leaser = rl
	}

	archive, err := a.archive(ctx)
	if err != nil {
		return err
	}

	if err := a.seedReference(ctx); err != nil {
		return err
	}

	a.orch = orchestrator.New(a.store, leaser, archive, a.cfg.Orchestrator(), a.log, metrics.New())
	a.log.Info("engine wired",
		"db", a.cfg.Database.Driver, "lease", a.cfg.Lease.Backend, "archive", a.cfg.Archive.Backend,
		"workers", a.cfg.Reconcile.Workers, "stale_policy", a.cfg.Reconcile.StalePolicy)
	return nil
}

// archive returns nil when plans are not archived.
func (a *app) archive(ctx context.Context) (orchestrator.Archive, error) {
	switch a.cfg.Archive.Backend {
	case "file":
		fa, err := artifact.NewFileArchive(a.cfg.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("open plan archive: %w", err)
		}
		return fa, nil
	case "minio":
		ma, err := artifact.NewMinIOArchive(artifact.MinIOConfig{
			Endpoint:  a.cfg.Archive.MinIOEndpoint,
			AccessKey: a.cfg.Archive.MinIOAccessKey,
			SecretKey: a.cfg.Archive.MinIOSecretKey,
			Bucket:    a.cfg.Archive.MinIOBucket,
			UseSSL:    a.cfg.Archive.MinIOUseSSL,
		})
		if err != nil {
			return nil, err
		}
		bctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := ma.EnsureBucketExists(bctx); err != nil {
			return nil, err
		}
		return ma, nil
	}
	return nil, nil
}

// seedReference loads ReferenceFile when configured, and otherwise stores
// the default speed table when the database has none.
func (a *app) seedReference(ctx context.Context) error {
	f := factory.New()
	if path := a.cfg.ReferenceFile; path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read reference file: %w", err)
		}
		ref, err := f.ParseReference(raw)
		if err != nil {
			return err
		}
		a.log.Info("reference data loaded", "file", path, "bins", len(ref.Speeds))
		return a.store.SaveReference(ctx, ref)
	}

	ref, err := a.store.LoadReference(ctx)
	if err != nil {
		return err
	}
	if len(ref.Speeds) > 0 {
		return nil
	}
	a.log.Warn("no speed table stored, using defaults")
	return a.store.SaveReference(ctx, f.DefaultReference())
}

func (a *app) handler() *api.Handler {
	h := api.NewHandler(a.store, a.orch, a.log)
	h.DefaultJoin = a.cfg.DefaultJoin()
	h.Ping = a.store.Ping
	h.Reset = a.store.Reset
	return h
}

func (a *app) seedVisits(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read visits file: %w", err)
	}
	visits, err := factory.New().ParseVisits(raw, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if err := a.store.SaveVisits(ctx, visits); err != nil {
		return 0, err
	}
	return len(visits), nil
}

func (a *app) seedInService(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read in-service file: %w", err)
	}
	events, err := factory.New().ParseInService(raw, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if err := a.store.SaveInServiceEvents(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "error", err)
		}
	}
	a.log.Sync()
}
