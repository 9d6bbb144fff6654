package promote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const rollbackDir = ".rollback"

// LocalStore keeps package content as directory trees under Root:
// <root>/<project>/<package>/...
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local store root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, rollbackDir), 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{Root: root}, nil
}

func (s *LocalStore) dir(ref PackageRef) string {
	return filepath.Join(s.Root, ref.Project, ref.Package)
}

func (s *LocalStore) backupDir(id string) string {
	return filepath.Join(s.Root, rollbackDir, id)
}

func (s *LocalStore) Copy(ctx context.Context, src, dst PackageRef) (Receipt, error) {
	if !src.valid() || !dst.valid() {
		return Receipt{}, &Error{Op: OpCopy, Ref: dst, Err: fmt.Errorf("incomplete package reference")}
	}
	if src == dst {
		return Receipt{}, &Error{Op: OpCopy, Ref: dst, Err: ErrConflict}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, &Error{Op: OpCopy, Ref: dst, Transient: true, Err: err}
	}
	info, err := os.Stat(s.dir(src))
	if err != nil || !info.IsDir() {
		return Receipt{}, &Error{Op: OpCopy, Ref: src, Err: ErrSourceMissing}
	}
	rec, err := s.backup(OpCopy, dst)
	if err != nil {
		return Receipt{}, err
	}
	if err := copyTree(s.dir(src), s.dir(dst)); err != nil {
		_ = s.Revert(ctx, rec)
		return Receipt{}, &Error{Op: OpCopy, Ref: dst, Transient: true, Err: err}
	}
	return rec, nil
}

func (s *LocalStore) Remove(ctx context.Context, ref PackageRef) (Receipt, error) {
	if !ref.valid() {
		return Receipt{}, &Error{Op: OpRemove, Ref: ref, Err: fmt.Errorf("incomplete package reference")}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, &Error{Op: OpRemove, Ref: ref, Transient: true, Err: err}
	}
	return s.backup(OpRemove, ref)
}

// backup moves existing target content aside so the target path is free.
func (s *LocalStore) backup(op string, target PackageRef) (Receipt, error) {
	rec := Receipt{ID: uuid.NewString(), Op: op, Target: target}
	_, err := os.Stat(s.dir(target))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return rec, nil
	case err != nil:
		return Receipt{}, &Error{Op: op, Ref: target, Transient: true, Err: err}
	}
	if err := os.MkdirAll(filepath.Join(s.Root, rollbackDir), 0o755); err != nil {
		return Receipt{}, &Error{Op: op, Ref: target, Transient: true, Err: err}
	}
	if err := os.Rename(s.dir(target), s.backupDir(rec.ID)); err != nil {
		return Receipt{}, &Error{Op: op, Ref: target, Transient: true, Err: err}
	}
	rec.HadTarget = true
	return rec, nil
}

func (s *LocalStore) Revert(_ context.Context, r Receipt) error {
	if err := os.RemoveAll(s.dir(r.Target)); err != nil {
		return err
	}
	if !r.HadTarget {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.dir(r.Target)), 0o755); err != nil {
		return err
	}
	return os.Rename(s.backupDir(r.ID), s.dir(r.Target))
}

func (s *LocalStore) Discard(_ context.Context, r Receipt) error {
	if !r.HadTarget {
		return nil
	}
	return os.RemoveAll(s.backupDir(r.ID))
}

// Put writes a single file into a package, creating it as needed.
func (s *LocalStore) Put(ref PackageRef, name string, data []byte) error {
	path := filepath.Join(s.dir(ref), filepath.Clean("/" + name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Files lists package file names relative to the package root.
func (s *LocalStore) Files(ref PackageRef) ([]string, error) {
	root := s.dir(ref)
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return names, err
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
