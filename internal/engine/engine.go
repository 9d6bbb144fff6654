package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/config"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/promote"
	"stageline/internal/repo"
)

const tracerName = "stageline/internal/engine"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Promoter promote.Promoter
	Cache    *StateCache
	Config   *config.Config
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Holder identifies this engine in persisted accept leases.
	Holder string
	Now    func() time.Time

	Locks *projectLocks
}

func New(db *sql.DB, cfg *config.Config, promoter promote.Promoter) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	host, _ := os.Hostname()
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Auth: auth.Service{
			Repo:              r,
			Roles:             cfg.Accept.Roles,
			ManagersGroup:     cfg.Workflow.ManagersGroup,
			ManagersMayAccept: cfg.Accept.ManagersMayAccept,
		},
		Promoter: promoter,
		Cache:    NewStateCache(cfg.Cache.Size),
		Config:   cfg,
		Holder:   fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8]),
		Now:      time.Now,
		Locks:    newProjectLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer(tracerName)
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
