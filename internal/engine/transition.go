package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/promote"
	"stageline/internal/repo"
)

// Transition accepts single requests inside a caller-owned transaction.
// Content mutations are recorded in Journal; the caller reverts or
// discards them once the transaction outcome is known.
type Transition struct {
	Repo     repo.Repo
	Events   events.Writer
	Promoter promote.Promoter
	Journal  *promote.Journal
	Actor    string
	Now      func() time.Time
}

func (e Engine) transition(actor string, journal *promote.Journal) Transition {
	return Transition{
		Repo:     e.Repo,
		Events:   e.eventWriter(),
		Promoter: e.Promoter,
		Journal:  journal,
		Actor:    actor,
		Now:      e.now,
	}
}

// Accept promotes the request's actions, marks it accepted and accepts the
// by-project reviews of its staging project. It re-reads the request in tx
// and fails with RequestNotReadyError or ReviewUnresolvedError if it no
// longer qualifies. An already accepted request is returned unchanged.
func (t Transition) Accept(ctx context.Context, tx *sql.Tx, req domain.StagedRequest) (domain.StagedRequest, error) {
	cur, err := t.Repo.GetRequest(ctx, tx, req.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, NotFoundError{Kind: "request", ID: req.ID}
		}
		return req, err
	}
	if cur.State == domain.RequestAccepted {
		return cur, nil
	}
	staging := req.StagedIn()
	if cur.StagedIn() != staging {
		return cur, RequestNotReadyError{RequestID: cur.ID, State: cur.State, Reason: "moved to another staging project"}
	}
	if cur.State != domain.RequestReview {
		return cur, RequestNotReadyError{RequestID: cur.ID, State: cur.State}
	}

	var gates []domain.Review
	for _, rv := range cur.Reviews {
		switch {
		case rv.State == domain.ReviewDeclined:
			return cur, RequestNotReadyError{RequestID: cur.ID, State: cur.State, Reason: "review " + rv.ID + " declined"}
		case rv.State != domain.ReviewNew:
		case rv.Subject.ByProject(staging):
			gates = append(gates, rv)
		default:
			return cur, ReviewUnresolvedError{RequestID: cur.ID, ReviewID: rv.ID, Subject: rv.Subject}
		}
	}

	now := t.now().UTC().Format(time.RFC3339)
	for _, a := range cur.Actions {
		if err := t.apply(ctx, tx, cur.ID, a, now); err != nil {
			return cur, err
		}
	}
	if err := t.Repo.UpdateRequestState(ctx, tx, cur.ID, domain.RequestAccepted, now); err != nil {
		return cur, fmt.Errorf("update request %s: %w", cur.ID, err)
	}
	for _, rv := range gates {
		if err := t.Repo.UpdateReviewState(ctx, tx, rv.ID, domain.ReviewAccepted, "accepted with staging project "+staging, now); err != nil {
			return cur, fmt.Errorf("accept review %s: %w", rv.ID, err)
		}
		if err := t.Events.Append(ctx, tx, events.Entry{
			Type: events.ReviewAccepted, ProjectID: staging, EntityKind: "review", EntityID: rv.ID, ActorID: t.Actor,
			Payload: events.Payload{"request_id": cur.ID, "scope": rv.Subject.Scope, "subject": rv.Subject.ID},
		}); err != nil {
			return cur, err
		}
	}
	if err := t.Events.Append(ctx, tx, events.Entry{
		Type: events.RequestAccepted, ProjectID: staging, EntityKind: "request", EntityID: cur.ID, ActorID: t.Actor,
		Payload: events.Payload{"from": cur.State, "actions": len(cur.Actions)},
	}); err != nil {
		return cur, err
	}
	return t.Repo.GetRequest(ctx, tx, cur.ID)
}

func (t Transition) apply(ctx context.Context, tx *sql.Tx, requestID string, a domain.Action, now string) error {
	target := promote.PackageRef{Project: a.TargetProject, Package: a.TargetPackage}
	switch a.Type {
	case domain.ActionSubmit:
		if target.Package == "" {
			target.Package = a.SourcePackage
		}
		src := promote.PackageRef{Project: a.SourceProject, Package: a.SourcePackage}
		rec, err := t.Promoter.Copy(ctx, src, target)
		if err != nil {
			return err
		}
		t.record(rec)
		if err := t.Repo.UpsertPackage(ctx, tx, domain.Package{Project: target.Project, Name: target.Package, CreatedAt: now}); err != nil {
			return fmt.Errorf("record package %s: %w", target, err)
		}
	case domain.ActionDelete:
		rec, err := t.Promoter.Remove(ctx, target)
		if err != nil {
			return err
		}
		t.record(rec)
		if err := t.Repo.DeletePackage(ctx, tx, target.Project, target.Package); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("delete package %s: %w", target, err)
		}
	default:
		return fmt.Errorf("request %s: unsupported action type %q", requestID, a.Type)
	}
	return nil
}

func (t Transition) record(r promote.Receipt) {
	if t.Journal != nil {
		t.Journal.Record(r)
	}
}

func (t Transition) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
