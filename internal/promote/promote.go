// Package promote copies package content between projects on behalf of
// accepted requests. Every mutation returns a Receipt that can undo it
// until it is discarded.
package promote

import (
	"context"
	"errors"
	"fmt"
)

// PackageRef names a package inside a project.
type PackageRef struct {
	Project string `json:"project"`
	Package string `json:"package"`
}

func (r PackageRef) String() string {
	return r.Project + "/" + r.Package
}

func (r PackageRef) valid() bool {
	return r.Project != "" && r.Package != ""
}

// Receipt records one applied mutation and where the previous content was
// saved.
type Receipt struct {
	ID        string     `json:"id"`
	Op        string     `json:"op"`
	Target    PackageRef `json:"target"`
	HadTarget bool       `json:"had_target"`
}

const (
	OpCopy   = "copy"
	OpRemove = "remove"
)

// Promoter is the content service the accept path writes through.
type Promoter interface {
	// Copy replaces dst content with src content.
	Copy(ctx context.Context, src, dst PackageRef) (Receipt, error)
	// Remove deletes ref content. Removing missing content succeeds.
	Remove(ctx context.Context, ref PackageRef) (Receipt, error)
	// Revert restores the content that existed before the receipt's mutation.
	Revert(ctx context.Context, r Receipt) error
	// Discard drops the saved previous content, making the mutation final.
	Discard(ctx context.Context, r Receipt) error
}

var (
	// ErrConflict marks a promotion that cannot succeed without the request
	// being re-evaluated.
	ErrConflict      = errors.New("promotion conflict")
	ErrSourceMissing = errors.New("source package has no content")
)

// Error reports a failed promotion. Transient failures may succeed when
// retried as-is.
type Error struct {
	Op        string
	Ref       PackageRef
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("promote %s %s (%s): %v", e.Op, e.Ref, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a transient promotion failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// Journal collects the receipts of one unit of work so they can be
// reverted or finalized together. It is not safe for concurrent use.
type Journal struct {
	receipts []Receipt
}

func (j *Journal) Record(r Receipt) {
	j.receipts = append(j.receipts, r)
}

func (j *Journal) Receipts() []Receipt {
	return append([]Receipt(nil), j.receipts...)
}

func (j *Journal) Len() int {
	return len(j.receipts)
}

// RevertAll undoes receipts newest first, joins every failure and empties
// the journal.
func (j *Journal) RevertAll(ctx context.Context, p Promoter) error {
	var errs []error
	for i := len(j.receipts) - 1; i >= 0; i-- {
		r := j.receipts[i]
		if err := p.Revert(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("revert %s %s: %w", r.Op, r.Target, err))
		}
	}
	j.receipts = nil
	return errors.Join(errs...)
}

// DiscardAll finalizes receipts, joins every failure and empties the journal.
func (j *Journal) DiscardAll(ctx context.Context, p Promoter) error {
	var errs []error
	for _, r := range j.receipts {
		if err := p.Discard(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("discard %s %s: %w", r.Op, r.Target, err))
		}
	}
	j.receipts = nil
	return errors.Join(errs...)
}
