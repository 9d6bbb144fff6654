package promote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds object store credentials. They only come from the
// environment.
type MinioConfig struct {
	Endpoint  string `env:"STAGELINE_MINIO_ENDPOINT,required"`
	AccessKey string `env:"STAGELINE_MINIO_ACCESS_KEY,required"`
	SecretKey string `env:"STAGELINE_MINIO_SECRET_KEY,required"`
	Region    string `env:"STAGELINE_MINIO_REGION" envDefault:"us-east-1"`
	UseSSL    bool   `env:"STAGELINE_MINIO_USE_SSL" envDefault:"false"`
}

// MinioConfigFromEnv parses MinioConfig from environment variables.
func MinioConfigFromEnv() (MinioConfig, error) {
	var cfg MinioConfig
	if err := env.Parse(&cfg); err != nil {
		return MinioConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// MinioStore keeps package content as objects under
// <bucket>/<project>/<package>/ and saves replaced objects under
// .rollback/<receipt>/ until discarded.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	objects objectAPI
}

// objectAPI is the slice of the object store the promotion paths use.
type objectAPI interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, from, to string) error
	Remove(ctx context.Context, key string) error
}

type minioObjects struct {
	client *minio.Client
	bucket string
}

func (o minioObjects) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (o minioObjects) Copy(ctx context.Context, from, to string) error {
	_, err := o.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: o.bucket, Object: to},
		minio.CopySrcOptions{Bucket: o.bucket, Object: from},
	)
	return err
}

func (o minioObjects) Remove(ctx context.Context, key string) error {
	return o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{})
}

func NewMinioStore(cfg MinioConfig, bucket string) (*MinioStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	return NewMinioStoreWithClient(client, bucket)
}

func NewMinioStoreWithClient(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client, bucket: bucket, objects: minioObjects{client: client, bucket: bucket}}, nil
}

// EnsureBucket creates the bucket if it is missing.
func (s *MinioStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
}

func packagePrefix(ref PackageRef) string {
	return ref.Project + "/" + ref.Package + "/"
}

func backupPrefix(id string) string {
	return rollbackDir + "/" + id + "/"
}

func (s *MinioStore) Copy(ctx context.Context, src, dst PackageRef) (Receipt, error) {
	if !src.valid() || !dst.valid() {
		return Receipt{}, &Error{Op: OpCopy, Ref: dst, Err: fmt.Errorf("incomplete package reference")}
	}
	if src == dst {
		return Receipt{}, &Error{Op: OpCopy, Ref: dst, Err: ErrConflict}
	}
	keys, err := s.objects.List(ctx, packagePrefix(src))
	if err != nil {
		return Receipt{}, classify(OpCopy, src, err)
	}
	if len(keys) == 0 {
		return Receipt{}, &Error{Op: OpCopy, Ref: src, Err: ErrSourceMissing}
	}
	rec, err := s.backup(ctx, OpCopy, dst)
	if err != nil {
		return Receipt{}, err
	}
	for _, key := range keys {
		target := packagePrefix(dst) + strings.TrimPrefix(key, packagePrefix(src))
		if err := s.objects.Copy(ctx, key, target); err != nil {
			failed := classify(OpCopy, dst, err)
			if rerr := s.Revert(context.WithoutCancel(ctx), rec); rerr != nil {
				return Receipt{}, errors.Join(failed, fmt.Errorf("restore %s: %w", dst, rerr))
			}
			return Receipt{}, failed
		}
	}
	return rec, nil
}

func (s *MinioStore) Remove(ctx context.Context, ref PackageRef) (Receipt, error) {
	if !ref.valid() {
		return Receipt{}, &Error{Op: OpRemove, Ref: ref, Err: fmt.Errorf("incomplete package reference")}
	}
	return s.backup(ctx, OpRemove, ref)
}

// backup moves every object under target to the receipt's rollback prefix.
// When a move fails, the objects already moved are put back before the
// error is returned, so a failed backup leaves target as it was.
func (s *MinioStore) backup(ctx context.Context, op string, target PackageRef) (Receipt, error) {
	rec := Receipt{ID: uuid.NewString(), Op: op, Target: target}
	keys, err := s.objects.List(ctx, packagePrefix(target))
	if err != nil {
		return Receipt{}, classify(op, target, err)
	}
	var moved []string
	for _, key := range keys {
		saved := backupPrefix(rec.ID) + strings.TrimPrefix(key, packagePrefix(target))
		if err := s.objects.Copy(ctx, key, saved); err != nil {
			return Receipt{}, s.undoBackup(ctx, rec, target, moved, classify(op, target, err))
		}
		if err := s.objects.Remove(ctx, key); err != nil {
			return Receipt{}, s.undoBackup(ctx, rec, target, moved, classify(op, target, err))
		}
		moved = append(moved, key)
		rec.HadTarget = true
	}
	return rec, nil
}

func (s *MinioStore) undoBackup(ctx context.Context, rec Receipt, target PackageRef, moved []string, failed error) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{failed}
	for _, key := range moved {
		saved := backupPrefix(rec.ID) + strings.TrimPrefix(key, packagePrefix(target))
		if err := s.objects.Copy(ctx, saved, key); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", key, err))
		}
	}
	if len(errs) == 1 {
		if err := s.removePrefix(ctx, backupPrefix(rec.ID)); err != nil {
			errs = append(errs, fmt.Errorf("drop backup %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *MinioStore) Revert(ctx context.Context, r Receipt) error {
	if err := s.removePrefix(ctx, packagePrefix(r.Target)); err != nil {
		return err
	}
	if !r.HadTarget {
		return nil
	}
	saved, err := s.objects.List(ctx, backupPrefix(r.ID))
	if err != nil {
		return err
	}
	for _, key := range saved {
		restored := packagePrefix(r.Target) + strings.TrimPrefix(key, backupPrefix(r.ID))
		if err := s.objects.Copy(ctx, key, restored); err != nil {
			return err
		}
	}
	return s.removePrefix(ctx, backupPrefix(r.ID))
}

func (s *MinioStore) Discard(ctx context.Context, r Receipt) error {
	if !r.HadTarget {
		return nil
	}
	return s.removePrefix(ctx, backupPrefix(r.ID))
}

func (s *MinioStore) removePrefix(ctx context.Context, prefix string) error {
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.objects.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// classify maps S3 error responses onto transient or permanent failures.
func classify(op string, ref PackageRef, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket" || resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId":
		return &Error{Op: op, Ref: ref, Err: err}
	case resp.Code == "PreconditionFailed":
		return &Error{Op: op, Ref: ref, Err: fmt.Errorf("%w: %v", ErrConflict, err)}
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Op: op, Ref: ref, Transient: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Ref: ref, Transient: true, Err: err}
	}
	return &Error{Op: op, Ref: ref, Err: err}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
