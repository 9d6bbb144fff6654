package engine

import (
	"context"
	"errors"

	"stageline/internal/domain"
	"stageline/internal/jobs"
)

// JobAcceptStaging is the job type for asynchronous staging acceptance.
const JobAcceptStaging = "staging.accept"

type AcceptJobPayload struct {
	Project string `json:"project"`
	Actor   string `json:"actor"`
}

type AcceptJobResult struct {
	Project string                `json:"project"`
	State   domain.AggregateState `json:"state"`
}

// EnqueueAccept queues an acceptance run. Repeated calls for the same
// project and actor while one is pending return the pending job.
func (e Engine) EnqueueAccept(ctx context.Context, store *jobs.Store, project, actor string) (jobs.Job, bool, error) {
	if project == "" || actor == "" {
		return jobs.Job{}, false, errors.New("project and actor are required")
	}
	if _, err := e.GetStagingProject(ctx, project); err != nil {
		return jobs.Job{}, false, err
	}
	job, err := jobs.NewJob(JobAcceptStaging, AcceptJobPayload{Project: project, Actor: actor}, actor, JobAcceptStaging+":"+project+":"+actor)
	if err != nil {
		return jobs.Job{}, false, err
	}
	return store.Enqueue(ctx, job)
}

// AcceptJobHandler runs queued acceptance jobs against e.
func (e Engine) AcceptJobHandler() jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job jobs.Job) (any, error) {
		var p AcceptJobPayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, err
		}
		state, err := e.AcceptStagingProject(ctx, p.Project, p.Actor)
		if err != nil {
			return nil, err
		}
		return AcceptJobResult{Project: p.Project, State: state}, nil
	})
}
