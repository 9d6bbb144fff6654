package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"stageline/internal/repo"
)

// PermissionDeniedError indicates the actor may not accept into Target.
type PermissionDeniedError struct {
	Actor  string
	Target string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s may not accept requests into project %s", e.Actor, e.Target)
}

// Service answers accept permission questions from the relationships
// tables. Reads use tx when given, the pool otherwise.
type Service struct {
	Repo repo.Repo
	// Roles on a target project that grant acceptance.
	Roles []string
	// Members of ManagersGroup may accept anywhere when ManagersMayAccept.
	ManagersGroup     string
	ManagersMayAccept bool
}

// ActorCanAccept reports whether actor holds an accept-capable role on
// project, directly or through a group.
func (s Service) ActorCanAccept(ctx context.Context, tx *sql.Tx, actor, project string) (bool, error) {
	if actor == "" {
		return false, errors.New("actor required")
	}
	roles, err := s.Repo.UserRoles(ctx, tx, project, actor)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if slices.Contains(s.Roles, r) {
			return true, nil
		}
	}
	if s.ManagersMayAccept && s.ManagersGroup != "" {
		return s.Repo.IsGroupMember(ctx, tx, s.ManagersGroup, actor)
	}
	return false, nil
}

// Authorize checks every distinct target project and fails with
// PermissionDeniedError on the first one actor may not accept into.
// Targets are checked in name order.
func (s Service) Authorize(ctx context.Context, tx *sql.Tx, actor string, targets []string) error {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, t := range targets {
		if t != "" {
			set.Add(t)
		}
	}
	ordered := set.ToSlice()
	sort.Strings(ordered)
	for _, target := range ordered {
		ok, err := s.ActorCanAccept(ctx, tx, actor, target)
		if err != nil {
			return fmt.Errorf("check accept permission on %s: %w", target, err)
		}
		if !ok {
			return PermissionDeniedError{Actor: actor, Target: target}
		}
	}
	return nil
}
