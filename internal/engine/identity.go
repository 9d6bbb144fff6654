package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

func (e Engine) CreateUser(ctx context.Context, login string) error {
	if login == "" {
		return errors.New("login is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, login, e.stamp()); err != nil {
		return err
	}
	return tx.Commit()
}

// AddGroupMember adds login to group, creating either as needed.
func (e Engine) AddGroupMember(ctx context.Context, group, login, actor string) error {
	if group == "" || login == "" {
		return errors.New("group and login are required")
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureGroup(ctx, tx, group, now); err != nil {
		return err
	}
	if err := e.Repo.EnsureUser(ctx, tx, login, now); err != nil {
		return err
	}
	if err := e.Repo.AddGroupMember(ctx, tx, group, login); err != nil {
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.GroupMemberAdded, EntityKind: "group", EntityID: group, ActorID: actor,
		Payload: events.Payload{"login": login},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveGroupMember(ctx context.Context, group, login string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveGroupMember(ctx, tx, group, login); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "group member", ID: group + "/" + login}
		}
		return err
	}
	return tx.Commit()
}

// GrantRole gives a user or group a role on a project.
func (e Engine) GrantRole(ctx context.Context, rel domain.Relationship, actor string) error {
	if err := validateRelationship(rel); err != nil {
		return err
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureProject(ctx, tx, rel.Project, "", now); err != nil {
		return err
	}
	if rel.UserLogin != nil {
		if err := e.Repo.EnsureUser(ctx, tx, *rel.UserLogin, now); err != nil {
			return err
		}
	}
	if rel.GroupID != nil {
		if err := e.Repo.EnsureGroup(ctx, tx, *rel.GroupID, now); err != nil {
			return err
		}
	}
	if err := e.Repo.GrantRole(ctx, tx, rel); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.RoleGranted, ProjectID: rel.Project, EntityKind: "relationship", ActorID: actor,
		Payload: events.Payload{"role": rel.Role, "user": rel.UserLogin, "group": rel.GroupID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, rel domain.Relationship, actor string) error {
	if err := validateRelationship(rel); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, rel); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "relationship", ID: rel.Project + "/" + rel.Role}
		}
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type: events.RoleRevoked, ProjectID: rel.Project, EntityKind: "relationship", ActorID: actor,
		Payload: events.Payload{"role": rel.Role, "user": rel.UserLogin, "group": rel.GroupID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func validateRelationship(rel domain.Relationship) error {
	if rel.Project == "" || rel.Role == "" {
		return errors.New("project and role are required")
	}
	if (rel.UserLogin == nil) == (rel.GroupID == nil) {
		return errors.New("exactly one of user or group is required")
	}
	return nil
}

// RegisterPackage records a package whose content already exists in the
// promotion backend.
func (e Engine) RegisterPackage(ctx context.Context, project, name string) (domain.Package, error) {
	p := domain.Package{Project: project, Name: name, CreatedAt: e.stamp()}
	if project == "" || name == "" {
		return p, errors.New("project and package are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureProject(ctx, tx, project, "", p.CreatedAt); err != nil {
		return p, err
	}
	if err := e.Repo.UpsertPackage(ctx, tx, p); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetPackage(ctx, nil, project, name)
}

// CreateAPIKey mints an API key for an existing user. The plaintext secret
// is returned once and never stored.
func (e Engine) CreateAPIKey(ctx context.Context, login, name string) (domain.APIKey, string, error) {
	if login == "" {
		return domain.APIKey{}, "", errors.New("login is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UserExists(ctx, tx, login)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if !ok {
		return domain.APIKey{}, "", NotFoundError{Kind: "user", ID: login}
	}
	secret := "stg_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Login:     login,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
