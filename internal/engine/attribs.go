package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// AttribRef names an attribute of a project, or of a package when Package
// is set.
type AttribRef struct {
	Project   string
	Package   string
	Namespace string
	Name      string
}

func (r AttribRef) String() string {
	if r.Package == "" {
		return fmt.Sprintf("%s:%s:%s", r.Project, r.Namespace, r.Name)
	}
	return fmt.Sprintf("%s/%s:%s:%s", r.Project, r.Package, r.Namespace, r.Name)
}

func (e Engine) GetAttrib(ctx context.Context, ref AttribRef) (domain.Attrib, error) {
	a, err := e.Repo.GetAttrib(ctx, nil, ref.Project, ref.Package, ref.Namespace, ref.Name)
	if errors.Is(err, repo.ErrNotFound) {
		return a, NotFoundError{Kind: "attribute", ID: ref.String()}
	}
	return a, err
}

// AddAttribValue inserts value at position (1-based); 0 appends.
func (e Engine) AddAttribValue(ctx context.Context, ref AttribRef, value string, position int, actor string) (domain.Attrib, error) {
	if ref.Project == "" || ref.Namespace == "" || ref.Name == "" {
		return domain.Attrib{}, errors.New("project, namespace and name are required")
	}
	return e.changeAttrib(ctx, ref, actor, "add", func(tx *sql.Tx, id int64) error {
		_, err := e.Repo.InsertAttribValue(ctx, tx, id, value, position)
		return err
	})
}

func (e Engine) RemoveAttribValue(ctx context.Context, ref AttribRef, position int, actor string) (domain.Attrib, error) {
	return e.changeAttrib(ctx, ref, actor, "remove", func(tx *sql.Tx, id int64) error {
		return e.Repo.RemoveAttribValue(ctx, tx, id, position)
	})
}

func (e Engine) MoveAttribValue(ctx context.Context, ref AttribRef, from, to int, actor string) (domain.Attrib, error) {
	return e.changeAttrib(ctx, ref, actor, "move", func(tx *sql.Tx, id int64) error {
		return e.Repo.MoveAttribValue(ctx, tx, id, from, to)
	})
}

func (e Engine) changeAttrib(ctx context.Context, ref AttribRef, actor, op string, fn func(tx *sql.Tx, attribID int64) error) (domain.Attrib, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attrib{}, err
	}
	defer tx.Rollback()

	var id int64
	if op == "add" {
		if err := e.Repo.EnsureProject(ctx, tx, ref.Project, "", e.stamp()); err != nil {
			return domain.Attrib{}, err
		}
		id, err = e.Repo.EnsureAttrib(ctx, tx, domain.Attrib{Project: ref.Project, Package: ref.Package, Namespace: ref.Namespace, Name: ref.Name})
		if err != nil {
			return domain.Attrib{}, err
		}
	} else {
		a, err := e.Repo.GetAttrib(ctx, tx, ref.Project, ref.Package, ref.Namespace, ref.Name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Attrib{}, NotFoundError{Kind: "attribute", ID: ref.String()}
			}
			return domain.Attrib{}, err
		}
		id = a.ID
	}
	if err := fn(tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Attrib{}, NotFoundError{Kind: "attribute value", ID: ref.String()}
		}
		return domain.Attrib{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.AttribChanged, ProjectID: ref.Project, EntityKind: "attrib", EntityID: ref.String(), ActorID: actor,
		Payload: events.Payload{"op": op},
	}); err != nil {
		return domain.Attrib{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attrib{}, err
	}
	return e.GetAttrib(ctx, ref)
}
