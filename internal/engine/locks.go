package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"stageline/internal/repo"
)

const defaultLockTTL = 5 * time.Minute

// projectLocks serializes accept runs per staging project inside one
// process. Each key maps to a one-slot channel so waiters can give up when
// their context ends.
type projectLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{slots: map[string]*lockSlot{}}
}

func (l *projectLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(key, slot)
		}, nil
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}
}

func (l *projectLocks) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (e Engine) lockTTL() time.Duration {
	if e.Config != nil && e.Config.Accept.LockTTL > 0 {
		return e.Config.Accept.LockTTL
	}
	return defaultLockTTL
}

// renewLease confirms inside tx that this engine still holds the lease on
// projectID and extends it. A run that outlived its lease fails with
// LockedError so it can be retried.
func (e Engine) renewLease(ctx context.Context, tx *sql.Tx, projectID string) error {
	lease, err := e.Repo.RenewAcceptLease(ctx, tx, projectID, e.Holder, e.now(), e.lockTTL())
	if errors.Is(err, repo.ErrLeaseLost) {
		holder := ""
		if lease.Holder != e.Holder {
			holder = lease.Holder
		}
		return LockedError{ProjectID: projectID, Holder: holder}
	}
	if err != nil {
		return fmt.Errorf("renew accept lease: %w", err)
	}
	return nil
}

// lockProject takes the in-process lock and then the persisted lease so
// other processes sharing the database are excluded too.
func (e Engine) lockProject(ctx context.Context, projectID string) (func(), error) {
	release, err := e.Locks.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	lease, err := e.Repo.AcquireAcceptLease(ctx, projectID, e.Holder, e.now(), e.lockTTL())
	if err != nil {
		release()
		if errors.Is(err, repo.ErrLeaseHeld) {
			return nil, LockedError{ProjectID: projectID, Holder: lease.Holder}
		}
		return nil, fmt.Errorf("acquire accept lease: %w", err)
	}
	return func() {
		if err := e.Repo.ReleaseAcceptLease(context.WithoutCancel(ctx), projectID, e.Holder); err != nil {
			e.logger().Warn("release accept lease", "project", projectID, "error", err)
		}
		release()
	}, nil
}
