package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, login, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(login, created_at) VALUES (?,?)`, login, now)
	return err
}

func (r Repo) UserExists(ctx context.Context, tx *sql.Tx, login string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM users WHERE login=?`, login).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) EnsureGroup(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO groups(id, created_at) VALUES (?,?)`, id, now)
	return err
}

func (r Repo) AddGroupMember(ctx context.Context, tx *sql.Tx, groupID, login string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO group_members(group_id, user_login) VALUES (?,?)`, groupID, login)
	return err
}

func (r Repo) RemoveGroupMember(ctx context.Context, tx *sql.Tx, groupID, login string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=? AND user_login=?`, groupID, login)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) IsGroupMember(ctx context.Context, tx *sql.Tx, groupID, login string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM group_members WHERE group_id=? AND user_login=?`, groupID, login).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_login FROM group_members WHERE group_id=? ORDER BY user_login`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		res = append(res, login)
	}
	return res, rows.Err()
}

// GrantRole gives the user or group (exactly one must be set) a role on
// project.
func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO relationships(project, user_login, group_id, role) VALUES (?,?,?,?)`,
		rel.Project, nullableStringPtr(rel.UserLogin), nullableStringPtr(rel.GroupID), rel.Role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE project=? AND COALESCE(user_login,'')=? AND COALESCE(group_id,'')=? AND role=?`,
		rel.Project, derefOr(rel.UserLogin), derefOr(rel.GroupID), rel.Role)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) ListRelationships(ctx context.Context, project string) ([]domain.Relationship, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project,user_login,group_id,role FROM relationships WHERE project=? ORDER BY id`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		var user, group sql.NullString
		if err := rows.Scan(&rel.ID, &rel.Project, &user, &group, &rel.Role); err != nil {
			return nil, err
		}
		rel.UserLogin = stringPtr(user)
		rel.GroupID = stringPtr(group)
		res = append(res, rel)
	}
	return res, rows.Err()
}

// UserRoles returns the roles login holds on project, directly or through
// any group it belongs to.
func (r Repo) UserRoles(ctx context.Context, tx *sql.Tx, project, login string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `
SELECT DISTINCT rel.role FROM relationships rel
WHERE rel.project=? AND (
  rel.user_login=?
  OR rel.group_id IN (SELECT group_id FROM group_members WHERE user_login=?)
)
ORDER BY rel.role`, project, login, login)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func derefOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
