package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/promote"
	"stageline/internal/repo"
)

func (e Engine) CreateWorkflow(ctx context.Context, wf domain.StagingWorkflow, actor string) (domain.StagingWorkflow, error) {
	if wf.ID == "" {
		wf.ID = wf.Project
	}
	if wf.Project == "" {
		return wf, errors.New("workflow project is required")
	}
	now := e.stamp()
	wf.CreatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wf, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureProject(ctx, tx, wf.Project, "", now); err != nil {
		return wf, fmt.Errorf("ensure project: %w", err)
	}
	if wf.ManagersGroup != "" {
		if err := e.Repo.EnsureGroup(ctx, tx, wf.ManagersGroup, now); err != nil {
			return wf, fmt.Errorf("ensure managers group: %w", err)
		}
	}
	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return wf, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.WorkflowCreated, ProjectID: wf.Project, EntityKind: "workflow", EntityID: wf.ID, ActorID: actor,
		Payload: events.Payload{"managers_group": wf.ManagersGroup},
	}); err != nil {
		return wf, err
	}
	return wf, tx.Commit()
}

// CreateStagingProject creates the project named id and registers it as a
// staging project of the workflow.
func (e Engine) CreateStagingProject(ctx context.Context, id, workflowID, actor string) (domain.StagingProject, error) {
	sp := domain.StagingProject{ID: id, WorkflowID: workflowID, Requests: []string{}}
	if id == "" || workflowID == "" {
		return sp, errors.New("staging project and workflow are required")
	}
	now := e.stamp()
	sp.CreatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sp, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetWorkflow(ctx, tx, workflowID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sp, NotFoundError{Kind: "workflow", ID: workflowID}
		}
		return sp, err
	}
	if err := e.Repo.EnsureProject(ctx, tx, id, "staging project of "+workflowID, now); err != nil {
		return sp, fmt.Errorf("ensure project: %w", err)
	}
	if err := e.Repo.InsertStagingProject(ctx, tx, sp); err != nil {
		return sp, fmt.Errorf("insert staging project: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.StagingCreated, ProjectID: id, EntityKind: "staging_project", EntityID: id, ActorID: actor,
		Payload: events.Payload{"workflow_id": workflowID},
	}); err != nil {
		return sp, err
	}
	if err := tx.Commit(); err != nil {
		return sp, err
	}
	e.Cache.Invalidate(id)
	return sp, nil
}

func (e Engine) GetStagingProject(ctx context.Context, id string) (domain.StagingProject, error) {
	sp, err := e.Repo.GetStagingProject(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return sp, NotFoundError{Kind: "staging project", ID: id}
	}
	return sp, err
}

// StagingStatus is a staging project with its requests and memoized state.
type StagingStatus struct {
	Project  domain.StagingProject  `json:"project"`
	State    domain.AggregateState  `json:"state"`
	Requests []domain.StagedRequest `json:"requests"`
}

func (e Engine) StagingStatus(ctx context.Context, id string) (StagingStatus, error) {
	sp, err := e.GetStagingProject(ctx, id)
	if err != nil {
		return StagingStatus{}, err
	}
	reqs, err := e.Repo.LoadStagedRequests(ctx, nil, id)
	if err != nil {
		return StagingStatus{}, err
	}
	state, err := e.OverallState(ctx, id)
	if err != nil {
		return StagingStatus{}, err
	}
	if reqs == nil {
		reqs = []domain.StagedRequest{}
	}
	return StagingStatus{Project: sp, State: state, Requests: reqs}, nil
}

// StageRequest attaches a request to a staging project and copies the
// packages it submits into the staging project. A request can only be
// staged in one project at a time.
func (e Engine) StageRequest(ctx context.Context, requestID, stagingID, actor string) (domain.StagedRequest, error) {
	journal := &promote.Journal{}
	committed := false
	defer func() {
		if !committed {
			if err := journal.RevertAll(context.WithoutCancel(ctx), e.Promoter); err != nil {
				e.logger().Error("revert staging copies", "request", requestID, "error", err)
			}
		}
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedRequest{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetStagingProject(ctx, tx, stagingID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StagedRequest{}, NotFoundError{Kind: "staging project", ID: stagingID}
		}
		return domain.StagedRequest{}, err
	}
	req, err := e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, NotFoundError{Kind: "request", ID: requestID}
		}
		return req, err
	}
	if req.State.Terminal() {
		return req, fmt.Errorf("request %s is %s", requestID, req.State)
	}
	if cur := req.StagedIn(); cur != "" {
		if cur == stagingID {
			return req, nil
		}
		return req, fmt.Errorf("request %s is already staged in %s", requestID, cur)
	}

	if err := e.checkStagingNames(ctx, tx, stagingID, req); err != nil {
		return req, err
	}

	now := e.stamp()
	origin := requestID
	for _, a := range req.Actions {
		if a.Type != domain.ActionSubmit {
			continue
		}
		dst := promote.PackageRef{Project: stagingID, Package: a.SourcePackage}
		rec, err := e.Promoter.Copy(ctx, promote.PackageRef{Project: a.SourceProject, Package: a.SourcePackage}, dst)
		if err != nil {
			return req, err
		}
		journal.Record(rec)
		if err := e.Repo.UpsertPackage(ctx, tx, domain.Package{Project: stagingID, Name: dst.Package, OriginRequestID: &origin, CreatedAt: now}); err != nil {
			return req, fmt.Errorf("record staging copy: %w", err)
		}
	}
	if err := e.Repo.SetRequestStaging(ctx, tx, requestID, &stagingID, optionalString(actor), now); err != nil {
		return req, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.RequestStaged, ProjectID: stagingID, EntityKind: "request", EntityID: requestID, ActorID: actor,
		Payload: events.Payload{"copies": journal.Len()},
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	committed = true
	if err := journal.DiscardAll(context.WithoutCancel(ctx), e.Promoter); err != nil {
		e.logger().Warn("discard staging backups", "request", requestID, "error", err)
	}
	e.Cache.Invalidate(stagingID)
	return e.Repo.GetRequest(ctx, nil, requestID)
}

// checkStagingNames refuses a request whose submitted packages would land on
// a package the staging project already holds, either its own or the copy
// of another staged request.
func (e Engine) checkStagingNames(ctx context.Context, tx *sql.Tx, stagingID string, req domain.StagedRequest) error {
	seen := map[string]bool{}
	for _, a := range req.Actions {
		if a.Type != domain.ActionSubmit {
			continue
		}
		if seen[a.SourcePackage] {
			return PackageConflictError{Project: stagingID, Package: a.SourcePackage, RequestID: req.ID, Holder: req.ID}
		}
		seen[a.SourcePackage] = true
		existing, err := e.Repo.GetPackage(ctx, tx, stagingID, a.SourcePackage)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		conflict := PackageConflictError{Project: stagingID, Package: a.SourcePackage, RequestID: req.ID}
		if existing.OriginRequestID != nil {
			conflict.Holder = *existing.OriginRequestID
		}
		return conflict
	}
	return nil
}

// UnstageRequest detaches a request from its staging project and drops the
// staging copies made for it.
func (e Engine) UnstageRequest(ctx context.Context, requestID, actor string) (domain.StagedRequest, error) {
	journal := &promote.Journal{}
	committed := false
	defer func() {
		if !committed {
			if err := journal.RevertAll(context.WithoutCancel(ctx), e.Promoter); err != nil {
				e.logger().Error("restore staging copies", "request", requestID, "error", err)
			}
		}
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, NotFoundError{Kind: "request", ID: requestID}
		}
		return req, err
	}
	stagingID := req.StagedIn()
	if stagingID == "" {
		return req, nil
	}
	if err := e.dropStagingCopies(ctx, tx, stagingID, requestID, journal); err != nil {
		return req, err
	}
	if err := e.Repo.SetRequestStaging(ctx, tx, requestID, nil, nil, e.stamp()); err != nil {
		return req, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.RequestUnstaged, ProjectID: stagingID, EntityKind: "request", EntityID: requestID, ActorID: actor,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	committed = true
	if err := journal.DiscardAll(context.WithoutCancel(ctx), e.Promoter); err != nil {
		e.logger().Warn("discard staging backups", "request", requestID, "error", err)
	}
	e.Cache.Invalidate(stagingID)
	return e.Repo.GetRequest(ctx, nil, requestID)
}
