package engine

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const defaultCacheSize = 256

// StateCache memoizes the aggregate state per staging project. Entries stay
// until invalidated; readers must expect them to be stale until then.
type StateCache struct {
	lru *lru.Cache[string, domain.AggregateState]
}

func NewStateCache(size int) *StateCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, domain.AggregateState](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &StateCache{lru: c}
}

func (c *StateCache) Get(projectID string) (domain.AggregateState, bool) {
	if c == nil {
		return "", false
	}
	return c.lru.Get(projectID)
}

func (c *StateCache) Put(projectID string, state domain.AggregateState) {
	if c == nil {
		return
	}
	c.lru.Add(projectID, state)
}

func (c *StateCache) Invalidate(projectID string) {
	if c == nil || projectID == "" {
		return
	}
	c.lru.Remove(projectID)
}

func (c *StateCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

func (c *StateCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// OverallState returns the memoized aggregate state of a staging project,
// computing it on a miss.
func (e Engine) OverallState(ctx context.Context, projectID string) (domain.AggregateState, error) {
	if state, ok := e.Cache.Get(projectID); ok {
		return state, nil
	}
	return e.RecomputeState(ctx, projectID)
}

// RecomputeState evaluates the staging project from persisted state and
// stores the result.
func (e Engine) RecomputeState(ctx context.Context, projectID string) (domain.AggregateState, error) {
	if _, err := e.Repo.GetStagingProject(ctx, nil, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", NotFoundError{Kind: "staging project", ID: projectID}
		}
		return "", err
	}
	reqs, err := e.Repo.LoadStagedRequests(ctx, nil, projectID)
	if err != nil {
		return "", err
	}
	state := Evaluate(reqs)
	e.Cache.Put(projectID, state)
	return state, nil
}
