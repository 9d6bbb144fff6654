package auth_test

import (
	"context"
	"errors"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

const (
	factory = "openSUSE:Factory"
	leap    = "openSUSE:Leap"
	now     = "2026-03-01T12:00:00Z"
)

func newService(t *testing.T) (auth.Service, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	alice, group := "alice", "leap-maintainers"
	steps := []func() error{
		func() error { return r.EnsureProject(ctx, tx, factory, "", now) },
		func() error { return r.EnsureProject(ctx, tx, leap, "", now) },
		func() error { return r.EnsureUser(ctx, tx, "alice", now) },
		func() error { return r.EnsureUser(ctx, tx, "bob", now) },
		func() error { return r.EnsureUser(ctx, tx, "carol", now) },
		func() error { return r.EnsureGroup(ctx, tx, "leap-maintainers", now) },
		func() error { return r.EnsureGroup(ctx, tx, "factory-staging", now) },
		func() error { return r.AddGroupMember(ctx, tx, "leap-maintainers", "bob") },
		func() error { return r.AddGroupMember(ctx, tx, "factory-staging", "carol") },
		func() error {
			return r.GrantRole(ctx, tx, domain.Relationship{Project: factory, UserLogin: &alice, Role: "maintainer"})
		},
		func() error {
			return r.GrantRole(ctx, tx, domain.Relationship{Project: leap, UserLogin: &alice, Role: "reviewer"})
		},
		func() error {
			return r.GrantRole(ctx, tx, domain.Relationship{Project: leap, GroupID: &group, Role: "maintainer"})
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("seed step %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	return auth.Service{Repo: r, Roles: []string{"maintainer"}, ManagersGroup: "factory-staging"}, r
}

func TestActorCanAccept(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	cases := []struct {
		actor, project string
		want           bool
	}{
		{"alice", factory, true},
		{"alice", leap, false},
		{"bob", leap, true},
		{"bob", factory, false},
		{"carol", factory, false},
	}
	for _, tc := range cases {
		got, err := svc.ActorCanAccept(ctx, nil, tc.actor, tc.project)
		if err != nil {
			t.Fatalf("%s on %s: %v", tc.actor, tc.project, err)
		}
		if got != tc.want {
			t.Fatalf("%s on %s: expected %v, got %v", tc.actor, tc.project, tc.want, got)
		}
	}
	if _, err := svc.ActorCanAccept(ctx, nil, "", factory); err == nil {
		t.Fatalf("expected error for empty actor")
	}
}

func TestManagersMayAccept(t *testing.T) {
	svc, _ := newService(t)
	svc.ManagersMayAccept = true
	ok, err := svc.ActorCanAccept(context.Background(), nil, "carol", leap)
	if err != nil || !ok {
		t.Fatalf("expected staging manager to accept into %s, got %v %v", leap, ok, err)
	}
}

func TestAuthorizeChecksTargetsInOrder(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.Authorize(ctx, nil, "alice", []string{factory, factory, ""}); err != nil {
		t.Fatalf("authorize alice: %v", err)
	}

	err := svc.Authorize(ctx, nil, "alice", []string{leap, factory})
	var denied auth.PermissionDeniedError
	if !errors.As(err, &denied) || denied.Target != leap {
		t.Fatalf("expected denial on %s, got %v", leap, err)
	}

	// The first failing target in name order is reported.
	err = svc.Authorize(ctx, nil, "carol", []string{leap, factory})
	if !errors.As(err, &denied) || denied.Target != factory {
		t.Fatalf("expected denial on %s, got %v", factory, err)
	}

	if err := svc.Authorize(ctx, nil, "nobody", nil); err != nil {
		t.Fatalf("no targets should authorize: %v", err)
	}
}
