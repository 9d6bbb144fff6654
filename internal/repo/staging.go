package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.StagingWorkflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO staging_workflows(id,project,managers_group,created_at) VALUES (?,?,?,?)`,
		wf.ID, wf.Project, nullable(wf.ManagersGroup), wf.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, id string) (domain.StagingWorkflow, error) {
	var wf domain.StagingWorkflow
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,project,COALESCE(managers_group,''),created_at FROM staging_workflows WHERE id=?`, id).
		Scan(&wf.ID, &wf.Project, &wf.ManagersGroup, &wf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wf, ErrNotFound
	}
	return wf, err
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.StagingWorkflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project,COALESCE(managers_group,''),created_at FROM staging_workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagingWorkflow
	for rows.Next() {
		var wf domain.StagingWorkflow
		if err := rows.Scan(&wf.ID, &wf.Project, &wf.ManagersGroup, &wf.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

func (r Repo) InsertStagingProject(ctx context.Context, tx *sql.Tx, sp domain.StagingProject) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO staging_projects(id,workflow_id,created_at) VALUES (?,?,?)`, sp.ID, sp.WorkflowID, sp.CreatedAt)
	return err
}

// GetStagingProject loads the project row and the IDs of its attached
// requests.
func (r Repo) GetStagingProject(ctx context.Context, tx *sql.Tx, id string) (domain.StagingProject, error) {
	var sp domain.StagingProject
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,workflow_id,created_at FROM staging_projects WHERE id=?`, id).
		Scan(&sp.ID, &sp.WorkflowID, &sp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sp, ErrNotFound
	}
	if err != nil {
		return sp, err
	}
	ids, err := r.StagedRequestIDs(ctx, tx, id)
	if err != nil {
		return sp, err
	}
	sp.Requests = ids
	return sp, nil
}

func (r Repo) ListStagingProjects(ctx context.Context, workflowID string) ([]domain.StagingProject, error) {
	query := `SELECT id,workflow_id,created_at FROM staging_projects ORDER BY id`
	var args []any
	if workflowID != "" {
		query = `SELECT id,workflow_id,created_at FROM staging_projects WHERE workflow_id=? ORDER BY id`
		args = append(args, workflowID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagingProject
	for rows.Next() {
		var sp domain.StagingProject
		if err := rows.Scan(&sp.ID, &sp.WorkflowID, &sp.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.StagedRequestIDs(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Requests = ids
	}
	return res, nil
}

func (r Repo) StagedRequestIDs(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM requests WHERE staging_project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadStagedRequests returns every request attached to the staging project
// with its actions and reviews resolved.
func (r Repo) LoadStagedRequests(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.StagedRequest, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE staging_project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	var reqs []domain.StagedRequest
	index := map[string]int{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[req.ID] = len(reqs)
		reqs = append(reqs, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return reqs, nil
	}

	actions, err := r.listActions(ctx, q, `WHERE request_id IN (SELECT id FROM requests WHERE staging_project_id=?)`, projectID)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if i, ok := index[a.RequestID]; ok {
			reqs[i].Actions = append(reqs[i].Actions, a)
		}
	}
	reviews, err := r.listReviews(ctx, q, `WHERE request_id IN (SELECT id FROM requests WHERE staging_project_id=?)`, projectID)
	if err != nil {
		return nil, err
	}
	for _, rv := range reviews {
		if i, ok := index[rv.RequestID]; ok {
			reqs[i].Reviews = append(reqs[i].Reviews, rv)
		}
	}
	return reqs, nil
}
