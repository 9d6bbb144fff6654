package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/promote"
	"stageline/internal/repo"
)

// Targets returns the distinct target projects of the requests' actions in
// name order.
func Targets(requests []domain.StagedRequest) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, req := range requests {
		for _, a := range req.Actions {
			set.Add(a.TargetProject)
		}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// AcceptStagingProject accepts every request attached to the staging
// project when its aggregate state is acceptable and actor may accept into
// every target. Any other aggregate state is returned without changes. On
// success the requests leave the staging project and the freshly computed
// state is returned.
//
// Runs for one project are serialized. A failure while applying leaves
// requests, reviews and package content as they were.
func (e Engine) AcceptStagingProject(ctx context.Context, projectID, actor string) (state domain.AggregateState, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.AcceptStagingProject", trace.WithAttributes(
		attribute.String("staging.project", projectID),
		attribute.String("actor", actor),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("staging.state", string(state)))
		}
		span.End()
	}()
	log := e.logger().With("project", projectID, "actor", actor)

	if projectID == "" {
		return "", errors.New("staging project required")
	}
	if actor == "" {
		return "", errors.New("actor required")
	}
	unlock, err := e.lockProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Load.
	ok, err := e.Repo.UserExists(ctx, nil, actor)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", NotFoundError{Kind: "user", ID: actor}
	}
	sp, err := e.Repo.GetStagingProject(ctx, nil, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", NotFoundError{Kind: "staging project", ID: projectID}
		}
		return "", err
	}
	reqs, err := e.Repo.LoadStagedRequests(ctx, nil, projectID)
	if err != nil {
		return "", fmt.Errorf("load staged requests: %w", err)
	}

	// Evaluate.
	state = Evaluate(reqs)
	if state != domain.StateAcceptable {
		log.Info("staging project not acceptable", "state", state, "requests", len(reqs))
		return state, nil
	}

	// Authorize.
	targets := Targets(reqs)
	if err := e.Auth.Authorize(ctx, nil, actor, targets); err != nil {
		log.Warn("accept denied", "error", err)
		return "", err
	}

	// Apply.
	if err := e.applyAccept(ctx, sp, reqs, targets, actor); err != nil {
		log.Error("accept failed", "error", err, "retryable", IsRetryable(err))
		return "", err
	}

	// Invalidate, then recompute from persisted state.
	e.Cache.Invalidate(projectID)
	state, err = e.RecomputeState(ctx, projectID)
	if err != nil {
		return "", err
	}
	log.Info("staging project accepted", "requests", len(reqs), "targets", targets, "state", state)
	return state, nil
}

func (e Engine) applyAccept(ctx context.Context, sp domain.StagingProject, reqs []domain.StagedRequest, targets []string, actor string) (err error) {
	journal := &promote.Journal{}
	committed := false
	defer func() {
		if committed || journal.Len() == 0 {
			return
		}
		if rerr := journal.RevertAll(context.WithoutCancel(ctx), e.Promoter); rerr != nil {
			e.logger().Error("revert promotions", "project", sp.ID, "error", rerr)
			err = errors.Join(err, rerr)
		}
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tr := e.transition(actor, journal)
	now := e.stamp()
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if _, err := tr.Accept(ctx, tx, req); err != nil {
			return fmt.Errorf("accept request %s: %w", req.ID, err)
		}
		if err := e.dropStagingCopies(ctx, tx, sp.ID, req.ID, journal); err != nil {
			return err
		}
		if err := e.Repo.SetRequestStaging(ctx, tx, req.ID, nil, nil, now); err != nil {
			return fmt.Errorf("detach request %s: %w", req.ID, err)
		}
		ids = append(ids, req.ID)
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.StagingAccepted, ProjectID: sp.ID, EntityKind: "staging_project", EntityID: sp.ID, ActorID: actor,
		Payload: events.Payload{"requests": ids, "targets": targets, "workflow_id": sp.WorkflowID},
	}); err != nil {
		return err
	}
	if err := e.renewLease(ctx, tx, sp.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept: %w", err)
	}
	committed = true
	if derr := journal.DiscardAll(context.WithoutCancel(ctx), e.Promoter); derr != nil {
		e.logger().Warn("discard promotion backups", "project", sp.ID, "error", derr)
	}
	return nil
}

// dropStagingCopies removes packages the staging project only holds on
// behalf of the request.
func (e Engine) dropStagingCopies(ctx context.Context, tx *sql.Tx, stagingID, requestID string, journal *promote.Journal) error {
	pkgs, err := e.Repo.PackagesFromRequest(ctx, tx, stagingID, requestID)
	if err != nil {
		return err
	}
	for _, p := range pkgs {
		rec, err := e.Promoter.Remove(ctx, promote.PackageRef{Project: p.Project, Package: p.Name})
		if err != nil {
			return err
		}
		journal.Record(rec)
		if err := e.Repo.DeletePackage(ctx, tx, p.Project, p.Name); err != nil {
			return fmt.Errorf("delete staging copy %s/%s: %w", p.Project, p.Name, err)
		}
	}
	return nil
}
