package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AcceptLease is a persisted, expiring claim on a staging project.
type AcceptLease struct {
	ProjectID  string
	Holder     string
	AcquiredAt string
	ExpiresAt  string
}

// ErrLeaseHeld is returned when another holder owns an unexpired lease.
var ErrLeaseHeld = errors.New("accept lease held")

// AcquireAcceptLease takes the lease for projectID unless an unexpired lease
// with a different holder exists. It returns the current lease on conflict.
func (r Repo) AcquireAcceptLease(ctx context.Context, projectID, holder string, now time.Time, ttl time.Duration) (AcceptLease, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return AcceptLease{}, err
	}
	defer tx.Rollback()

	var cur AcceptLease
	err = tx.QueryRowContext(ctx, `SELECT project_id,holder,acquired_at,expires_at FROM accept_locks WHERE project_id=?`, projectID).
		Scan(&cur.ProjectID, &cur.Holder, &cur.AcquiredAt, &cur.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return AcceptLease{}, err
	default:
		exp, perr := time.Parse(time.RFC3339Nano, cur.ExpiresAt)
		if perr == nil && exp.After(now) && cur.Holder != holder {
			return cur, ErrLeaseHeld
		}
	}
	lease := AcceptLease{
		ProjectID:  projectID,
		Holder:     holder,
		AcquiredAt: now.UTC().Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(ttl).UTC().Format(time.RFC3339Nano),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO accept_locks(project_id,holder,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.ProjectID, lease.Holder, lease.AcquiredAt, lease.ExpiresAt); err != nil {
		return AcceptLease{}, err
	}
	if err := tx.Commit(); err != nil {
		return AcceptLease{}, err
	}
	return lease, nil
}

// ReleaseAcceptLease drops the lease if holder still owns it.
func (r Repo) ReleaseAcceptLease(ctx context.Context, projectID, holder string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM accept_locks WHERE project_id=? AND holder=?`, projectID, holder)
	return err
}

// ErrLeaseLost is returned when a holder's lease expired or passed to
// another holder while it was working.
var ErrLeaseLost = errors.New("accept lease lost")

// RenewAcceptLease extends holder's unexpired lease inside tx. It returns
// the current lease, if any, with ErrLeaseLost when holder no longer owns a
// live lease.
func (r Repo) RenewAcceptLease(ctx context.Context, tx *sql.Tx, projectID, holder string, now time.Time, ttl time.Duration) (AcceptLease, error) {
	var cur AcceptLease
	err := tx.QueryRowContext(ctx, `SELECT project_id,holder,acquired_at,expires_at FROM accept_locks WHERE project_id=?`, projectID).
		Scan(&cur.ProjectID, &cur.Holder, &cur.AcquiredAt, &cur.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AcceptLease{}, ErrLeaseLost
	}
	if err != nil {
		return AcceptLease{}, err
	}
	exp, err := time.Parse(time.RFC3339Nano, cur.ExpiresAt)
	if err != nil || cur.Holder != holder || !exp.After(now) {
		return cur, ErrLeaseLost
	}
	cur.ExpiresAt = now.Add(ttl).UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE accept_locks SET expires_at=? WHERE project_id=? AND holder=?`, cur.ExpiresAt, projectID, holder); err != nil {
		return AcceptLease{}, err
	}
	return cur, nil
}
