package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

const requestColumns = `id,state,creator,COALESCE(description,''),staging_project_id,staging_owner,created_at,updated_at,accepted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (domain.StagedRequest, error) {
	var req domain.StagedRequest
	var staging, owner, acceptedAt sql.NullString
	if err := s.Scan(&req.ID, &req.State, &req.Creator, &req.Description, &staging, &owner, &req.CreatedAt, &req.UpdatedAt, &acceptedAt); err != nil {
		return req, err
	}
	req.StagingProject = stringPtr(staging)
	req.StagingOwner = stringPtr(owner)
	req.AcceptedAt = stringPtr(acceptedAt)
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.StagedRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(id,state,creator,description,staging_project_id,staging_owner,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, req.State, req.Creator, nullable(req.Description), nullableStringPtr(req.StagingProject), nullableStringPtr(req.StagingOwner), req.CreatedAt, req.UpdatedAt)
	return err
}

// GetRequest loads one request with its actions and reviews.
func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.StagedRequest, error) {
	q := r.q(tx)
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if req.Actions, err = r.listActions(ctx, q, `WHERE request_id=?`, id); err != nil {
		return req, err
	}
	if req.Reviews, err = r.listReviews(ctx, q, `WHERE request_id=?`, id); err != nil {
		return req, err
	}
	return req, nil
}

type RequestFilters struct {
	State          string
	StagingProject string
	Creator        string
	Limit          int
}

// ListRequests returns requests without their actions and reviews.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.StagedRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.StagingProject != "" {
		clauses = append(clauses, "staging_project_id=?")
		args = append(args, f.StagingProject)
	}
	if f.Creator != "" {
		clauses = append(clauses, "creator=?")
		args = append(args, f.Creator)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM requests WHERE %s ORDER BY created_at DESC, id LIMIT ?`, requestColumns, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagedRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRequestState(ctx context.Context, tx *sql.Tx, id string, state domain.RequestState, now string) error {
	var acceptedAt any
	if state == domain.RequestAccepted {
		acceptedAt = now
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests SET state=?, updated_at=?, accepted_at=COALESCE(?,accepted_at) WHERE id=?`, state, now, acceptedAt, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// SetRequestStaging attaches the request to a staging project, or detaches
// it when stagingProject is nil.
func (r Repo) SetRequestStaging(ctx context.Context, tx *sql.Tx, id string, stagingProject, owner *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET staging_project_id=?, staging_owner=?, updated_at=? WHERE id=?`,
		nullableStringPtr(stagingProject), nullableStringPtr(owner), now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO request_actions(request_id,type,source_project,source_package,target_project,target_package) VALUES (?,?,?,?,?,?)`,
		a.RequestID, a.Type, nullable(a.SourceProject), nullable(a.SourcePackage), a.TargetProject, nullable(a.TargetPackage))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) listActions(ctx context.Context, q queryer, where string, args ...any) ([]domain.Action, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,request_id,type,COALESCE(source_project,''),COALESCE(source_package,''),target_project,COALESCE(target_package,'') FROM request_actions `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Type, &a.SourceProject, &a.SourcePackage, &a.TargetProject, &a.TargetPackage); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,request_id,scope,subject,state,reason,updated_at) VALUES (?,?,?,?,?,?,?)`,
		rv.ID, rv.RequestID, rv.Subject.Scope, rv.Subject.ID, rv.State, nullable(rv.Reason), rv.UpdatedAt)
	return err
}

func (r Repo) GetReview(ctx context.Context, tx *sql.Tx, id string) (domain.Review, error) {
	reviews, err := r.listReviews(ctx, r.q(tx), `WHERE id=?`, id)
	if err != nil {
		return domain.Review{}, err
	}
	if len(reviews) == 0 {
		return domain.Review{}, ErrNotFound
	}
	return reviews[0], nil
}

func (r Repo) UpdateReviewState(ctx context.Context, tx *sql.Tx, id string, state domain.ReviewState, reason, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET state=?, reason=COALESCE(?,reason), updated_at=? WHERE id=?`, state, nullable(reason), now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) listReviews(ctx context.Context, q queryer, where string, args ...any) ([]domain.Review, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,request_id,scope,subject,state,COALESCE(reason,''),updated_at FROM reviews `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(&rv.ID, &rv.RequestID, &rv.Subject.Scope, &rv.Subject.ID, &rv.State, &rv.Reason, &rv.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
