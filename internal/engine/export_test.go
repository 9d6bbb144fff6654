package engine

import (
	"context"

	"stageline/internal/domain"
)

// ApplyAccept runs the apply step of an accept on a caller-supplied
// snapshot of the staged requests. The caller must hold the project lease.
func (e Engine) ApplyAccept(ctx context.Context, projectID string, snapshot []domain.StagedRequest, actor string) error {
	sp, err := e.Repo.GetStagingProject(ctx, nil, projectID)
	if err != nil {
		return err
	}
	return e.applyAccept(ctx, sp, snapshot, Targets(snapshot), actor)
}
