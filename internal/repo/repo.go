package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) EnsureProject(ctx context.Context, tx *sql.Tx, name, description, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO projects(name,description,created_at) VALUES (?,?,?)`, name, nullable(description), now)
	return err
}

func (r Repo) ProjectExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM projects WHERE name=?`, name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// UpsertPackage records a package; an existing row keeps its origin.
func (r Repo) UpsertPackage(ctx context.Context, tx *sql.Tx, p domain.Package) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO packages(project,name,origin_request_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(project,name) DO NOTHING`, p.Project, p.Name, nullableStringPtr(p.OriginRequestID), p.CreatedAt)
	return err
}

func (r Repo) GetPackage(ctx context.Context, tx *sql.Tx, project, name string) (domain.Package, error) {
	var p domain.Package
	var origin sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT project,name,origin_request_id,created_at FROM packages WHERE project=? AND name=?`, project, name).
		Scan(&p.Project, &p.Name, &origin, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.OriginRequestID = stringPtr(origin)
	return p, err
}

func (r Repo) DeletePackage(ctx context.Context, tx *sql.Tx, project, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE project=? AND name=?`, project, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// PackagesFromRequest lists the packages of project that were copied in
// for the given request.
func (r Repo) PackagesFromRequest(ctx context.Context, tx *sql.Tx, project, requestID string) ([]domain.Package, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT project,name,origin_request_id,created_at FROM packages WHERE project=? AND origin_request_id=? ORDER BY name`, project, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		var p domain.Package
		var origin sql.NullString
		if err := rows.Scan(&p.Project, &p.Name, &origin, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.OriginRequestID = stringPtr(origin)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPackages(ctx context.Context, project string) ([]domain.Package, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project,name,origin_request_id,created_at FROM packages WHERE project=? ORDER BY name`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		var p domain.Package
		var origin sql.NullString
		if err := rows.Scan(&p.Project, &p.Name, &origin, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.OriginRequestID = stringPtr(origin)
		res = append(res, p)
	}
	return res, rows.Err()
}

// LatestEvents returns newest-first events filtered by the non-empty
// arguments. A positive cursor returns events older than it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
