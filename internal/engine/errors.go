package engine

import (
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/promote"
)

// NotFoundError reports a missing staging project, request or identity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// RequestNotReadyError reports a request that changed under the accept run.
type RequestNotReadyError struct {
	RequestID string
	State     domain.RequestState
	Reason    string
}

func (e RequestNotReadyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("request %s not ready (%s): %s", e.RequestID, e.State, e.Reason)
	}
	return fmt.Sprintf("request %s not ready (%s)", e.RequestID, e.State)
}

// ReviewUnresolvedError reports an open review outside the accepting
// staging project.
type ReviewUnresolvedError struct {
	RequestID string
	ReviewID  string
	Subject   domain.ReviewSubject
}

func (e ReviewUnresolvedError) Error() string {
	return fmt.Sprintf("request %s has unresolved review %s by %s %s", e.RequestID, e.ReviewID, e.Subject.Scope, e.Subject.ID)
}

// LockedError reports an accept run already in flight for ProjectID.
type LockedError struct {
	ProjectID string
	Holder    string
}

func (e LockedError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("staging project %s is being accepted by %s", e.ProjectID, e.Holder)
	}
	return fmt.Sprintf("staging project %s is being accepted", e.ProjectID)
}

// PackageConflictError reports a submitted package whose name is already
// taken in the staging project. An empty Holder means the staging project
// owns the package itself.
type PackageConflictError struct {
	Project   string
	Package   string
	RequestID string
	Holder    string
}

func (e PackageConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("request %s submits %s, which staging project %s already owns", e.RequestID, e.Package, e.Project)
	}
	return fmt.Sprintf("request %s submits %s, already staged in %s for request %s", e.RequestID, e.Package, e.Project, e.Holder)
}

// TransitionError reports a state change the lifecycle does not allow.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// IsRetryable reports whether running the whole accept again may succeed
// without any outside change.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		notReady   RequestNotReadyError
		unresolved ReviewUnresolvedError
		locked     LockedError
	)
	switch {
	case errors.As(err, &notReady), errors.As(err, &unresolved), errors.As(err, &locked):
		return true
	case promote.IsTransient(err):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
