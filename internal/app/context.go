package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/jobs"
	"stageline/internal/migrate"
	"stageline/internal/promote"
)

// Runtime bundles everything a command or the server needs for one
// workspace.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Jobs      *jobs.Store
	Logger    *slog.Logger
}

// Open opens the workspace database, applies migrations, loads
// stageline.yml (defaults when absent) and wires the engine.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "migrations", applied)
	}
	promoter, err := NewPromoter(ctx, workspace, cfg.Promotion)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg, promoter)
	eng.Logger = logger
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Jobs:      jobs.NewStore(conn),
		Logger:    logger,
	}, nil
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}

// NewPromoter builds the configured content backend. A relative local root
// is resolved against the workspace.
func NewPromoter(ctx context.Context, workspace string, cfg config.PromotionConfig) (promote.Promoter, error) {
	switch cfg.Backend {
	case "", "local":
		root := cfg.Root
		if root == "" {
			root = filepath.Join(".stageline", "content")
		}
		if !filepath.IsAbs(root) {
			if workspace == "" {
				workspace = "."
			}
			root = filepath.Join(workspace, root)
		}
		return promote.NewLocalStore(root)
	case "minio":
		mcfg, err := promote.MinioConfigFromEnv()
		if err != nil {
			return nil, err
		}
		store, err := promote.NewMinioStore(mcfg, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx, mcfg.Region); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown promotion backend %q", cfg.Backend)
	}
}

// WorkerPool returns a pool that runs acceptance jobs against the engine.
func (r *Runtime) WorkerPool() *jobs.WorkerPool {
	wp := jobs.NewWorkerPool(r.Jobs, jobs.Config{
		Concurrency:  r.Config.Jobs.Concurrency,
		MaxRetries:   r.Config.Jobs.MaxRetries,
		PollInterval: r.Config.Jobs.PollInterval,
		StuckTimeout: r.Config.Jobs.StuckTimeout,
	}, engine.IsRetryable, r.Logger)
	wp.Register(engine.JobAcceptStaging, r.Engine.AcceptJobHandler())
	return wp
}
