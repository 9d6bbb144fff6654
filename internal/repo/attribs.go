package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

// EnsureAttrib returns the id of the attribute, creating it if needed.
func (r Repo) EnsureAttrib(ctx context.Context, tx *sql.Tx, a domain.Attrib) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO attribs(project,package,namespace,name) VALUES (?,?,?,?)`,
		a.Project, a.Package, a.Namespace, a.Name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM attribs WHERE project=? AND package=? AND namespace=? AND name=?`,
		a.Project, a.Package, a.Namespace, a.Name).Scan(&id)
	return id, err
}

func (r Repo) GetAttrib(ctx context.Context, tx *sql.Tx, project, pkg, namespace, name string) (domain.Attrib, error) {
	q := r.q(tx)
	var a domain.Attrib
	err := q.QueryRowContext(ctx, `SELECT id,project,package,namespace,name FROM attribs WHERE project=? AND package=? AND namespace=? AND name=?`,
		project, pkg, namespace, name).Scan(&a.ID, &a.Project, &a.Package, &a.Namespace, &a.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Values, err = r.attribValues(ctx, q, a.ID)
	return a, err
}

func (r Repo) attribValues(ctx context.Context, q queryer, attribID int64) ([]domain.AttribValue, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,attrib_id,value,position FROM attrib_values WHERE attrib_id=? ORDER BY position`, attribID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AttribValue{}
	for rows.Next() {
		var v domain.AttribValue
		if err := rows.Scan(&v.ID, &v.AttribID, &v.Value, &v.Position); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) countValues(ctx context.Context, tx *sql.Tx, attribID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM attrib_values WHERE attrib_id=?`, attribID).Scan(&n)
	return n, err
}

// InsertAttribValue places value at position (1-based), shifting later
// values down. A position of 0 or past the end appends.
func (r Repo) InsertAttribValue(ctx context.Context, tx *sql.Tx, attribID int64, value string, position int) (domain.AttribValue, error) {
	n, err := r.countValues(ctx, tx, attribID)
	if err != nil {
		return domain.AttribValue{}, err
	}
	if position <= 0 || position > n+1 {
		position = n + 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE attrib_values SET position=position+1 WHERE attrib_id=? AND position>=?`, attribID, position); err != nil {
		return domain.AttribValue{}, fmt.Errorf("shift values: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO attrib_values(attrib_id,value,position) VALUES (?,?,?)`, attribID, value, position)
	if err != nil {
		return domain.AttribValue{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.AttribValue{}, err
	}
	return domain.AttribValue{ID: id, AttribID: attribID, Value: value, Position: position}, nil
}

// RemoveAttribValue deletes the value at position and closes the gap.
func (r Repo) RemoveAttribValue(ctx context.Context, tx *sql.Tx, attribID int64, position int) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM attrib_values WHERE attrib_id=? AND position=?`, attribID, position)
	if err != nil {
		return err
	}
	if err := affectedOrNotFound(res); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE attrib_values SET position=position-1 WHERE attrib_id=? AND position>?`, attribID, position)
	return err
}

// MoveAttribValue moves the value at from to to, keeping positions
// contiguous.
func (r Repo) MoveAttribValue(ctx context.Context, tx *sql.Tx, attribID int64, from, to int) error {
	n, err := r.countValues(ctx, tx, attribID)
	if err != nil {
		return err
	}
	if from < 1 || from > n || to < 1 || to > n {
		return ErrNotFound
	}
	if from == to {
		return nil
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM attrib_values WHERE attrib_id=? AND position=?`, attribID, from).Scan(&id); err != nil {
		return err
	}
	if from < to {
		_, err = tx.ExecContext(ctx, `UPDATE attrib_values SET position=position-1 WHERE attrib_id=? AND position>? AND position<=?`, attribID, from, to)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE attrib_values SET position=position+1 WHERE attrib_id=? AND position>=? AND position<?`, attribID, to, from)
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE attrib_values SET position=? WHERE id=?`, to, id)
	return err
}
