package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// RequestCreateOptions are parameters for creating a request.
type RequestCreateOptions struct {
	ID          string
	Creator     string
	Description string
	Actions     []domain.Action
	Reviews     []domain.ReviewSubject
}

func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.StagedRequest, error) {
	if opts.Creator == "" {
		return domain.StagedRequest{}, errors.New("creator is required")
	}
	if len(opts.Actions) == 0 {
		return domain.StagedRequest{}, errors.New("at least one action is required")
	}
	for i, a := range opts.Actions {
		if err := validateAction(a); err != nil {
			return domain.StagedRequest{}, fmt.Errorf("action %d: %w", i+1, err)
		}
	}
	now := e.stamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	req := domain.StagedRequest{
		ID:          id,
		State:       domain.RequestNew,
		Creator:     opts.Creator,
		Description: opts.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureUser(ctx, tx, opts.Creator, now); err != nil {
		return req, fmt.Errorf("ensure creator: %w", err)
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return req, fmt.Errorf("insert request: %w", err)
	}
	for _, a := range opts.Actions {
		a.RequestID = id
		for _, p := range []string{a.SourceProject, a.TargetProject} {
			if p == "" {
				continue
			}
			if err := e.Repo.EnsureProject(ctx, tx, p, "", now); err != nil {
				return req, fmt.Errorf("ensure project %s: %w", p, err)
			}
		}
		if _, err := e.Repo.InsertAction(ctx, tx, a); err != nil {
			return req, fmt.Errorf("insert action: %w", err)
		}
	}
	for _, subj := range opts.Reviews {
		if err := e.insertReview(ctx, tx, id, subj, opts.Creator, now); err != nil {
			return req, err
		}
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.RequestCreated, EntityKind: "request", EntityID: id, ActorID: opts.Creator,
		Payload: events.Payload{"actions": len(opts.Actions), "reviews": len(opts.Reviews)},
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return e.Repo.GetRequest(ctx, nil, id)
}

func validateAction(a domain.Action) error {
	if a.TargetProject == "" {
		return errors.New("target project is required")
	}
	switch a.Type {
	case domain.ActionSubmit:
		if a.SourceProject == "" || a.SourcePackage == "" {
			return errors.New("submit needs a source project and package")
		}
	case domain.ActionDelete:
		if a.TargetPackage == "" {
			return errors.New("delete needs a target package")
		}
	default:
		return fmt.Errorf("unsupported action type %q", a.Type)
	}
	return nil
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.StagedRequest, error) {
	req, err := e.Repo.GetRequest(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return req, NotFoundError{Kind: "request", ID: id}
	}
	return req, err
}

func ensureRequestTransition(oldState, newState domain.RequestState, force bool) error {
	if force && !oldState.Terminal() {
		return nil
	}
	switch oldState {
	case domain.RequestNew:
		if newState == domain.RequestReview || newState == domain.RequestDeclined || newState == domain.RequestRevoked {
			return nil
		}
	case domain.RequestReview:
		if newState == domain.RequestDeclined || newState == domain.RequestRevoked || newState == domain.RequestSuperseded {
			return nil
		}
	}
	return TransitionError{Entity: "request", From: string(oldState), To: string(newState)}
}

// SetRequestState moves a request along its lifecycle. Acceptance only
// happens through AcceptStagingProject.
func (e Engine) SetRequestState(ctx context.Context, id string, state domain.RequestState, actor string, force bool) (domain.StagedRequest, error) {
	if state == domain.RequestAccepted {
		return domain.StagedRequest{}, errors.New("requests are accepted through their staging project")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, NotFoundError{Kind: "request", ID: id}
		}
		return req, err
	}
	if err := ensureRequestTransition(req.State, state, force); err != nil {
		return req, err
	}
	if err := e.Repo.UpdateRequestState(ctx, tx, id, state, e.stamp()); err != nil {
		return req, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.RequestState, ProjectID: req.StagedIn(), EntityKind: "request", EntityID: id, ActorID: actor,
		Payload: events.Payload{"from": req.State, "to": state, "force": force},
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Cache.Invalidate(req.StagedIn())
	return e.Repo.GetRequest(ctx, nil, id)
}

func (e Engine) insertReview(ctx context.Context, tx *sql.Tx, requestID string, subj domain.ReviewSubject, actor, now string) error {
	if subj.Scope == "" || subj.ID == "" {
		return errors.New("review scope and subject are required")
	}
	rv := domain.Review{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Subject:   subj,
		State:     domain.ReviewNew,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.ReviewAdded, EntityKind: "review", EntityID: rv.ID, ActorID: actor,
		Payload: events.Payload{"request_id": requestID, "scope": subj.Scope, "subject": subj.ID},
	})
}

// AddReview opens a review on a request that is not yet final.
func (e Engine) AddReview(ctx context.Context, requestID string, subj domain.ReviewSubject, actor string) (domain.StagedRequest, error) {
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
	if req.State.Terminal() {
		return req, fmt.Errorf("request %s is %s", requestID, req.State)
	}
	if err := e.insertReview(ctx, tx, requestID, subj, actor, e.stamp()); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Cache.Invalidate(req.StagedIn())
	return e.Repo.GetRequest(ctx, nil, requestID)
}

func ensureReviewTransition(oldState, newState domain.ReviewState) error {
	if oldState == domain.ReviewNew && (newState == domain.ReviewAccepted || newState == domain.ReviewDeclined) {
		return nil
	}
	return TransitionError{Entity: "review", From: string(oldState), To: string(newState)}
}

// SetReviewState records a reviewer's decision.
func (e Engine) SetReviewState(ctx context.Context, reviewID string, state domain.ReviewState, reason, actor string) (domain.Review, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	rv, err := e.Repo.GetReview(ctx, tx, reviewID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rv, NotFoundError{Kind: "review", ID: reviewID}
		}
		return rv, err
	}
	if err := ensureReviewTransition(rv.State, state); err != nil {
		return rv, err
	}
	req, err := e.Repo.GetRequest(ctx, tx, rv.RequestID)
	if err != nil {
		return rv, err
	}
	if err := e.Repo.UpdateReviewState(ctx, tx, reviewID, state, reason, e.stamp()); err != nil {
		return rv, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.ReviewState, ProjectID: req.StagedIn(), EntityKind: "review", EntityID: reviewID, ActorID: actor,
		Payload: events.Payload{"request_id": rv.RequestID, "from": rv.State, "to": state, "reason": reason},
	}); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	e.Cache.Invalidate(req.StagedIn())
	return e.Repo.GetReview(ctx, nil, reviewID)
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.StagedRequest, error) {
	return e.Repo.ListRequests(ctx, f)
}
