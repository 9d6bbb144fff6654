package promote

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	ref := PackageRef{Project: "openSUSE:Factory", Package: "hello"}
	cases := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
	}{
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}, false, false},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, false, false},
		{"precondition", minio.ErrorResponse{Code: "PreconditionFailed", StatusCode: http.StatusPreconditionFailed}, false, true},
		{"server error", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, true, false},
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusTooManyRequests}, true, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"other", errors.New("boom"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(OpCopy, ref, tc.err)
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.transient, perr.Transient)
			assert.Equal(t, tc.conflict, errors.Is(err, ErrConflict))
			assert.Equal(t, ref, perr.Ref)
		})
	}
}

func TestMinioConfigFromEnv(t *testing.T) {
	t.Setenv("STAGELINE_MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("STAGELINE_MINIO_ACCESS_KEY", "minio")
	t.Setenv("STAGELINE_MINIO_SECRET_KEY", "minio123")
	cfg, err := MinioConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Endpoint)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.False(t, cfg.UseSSL)
}

func TestMinioConfigFromEnvRequiresCredentials(t *testing.T) {
	for _, k := range []string{"STAGELINE_MINIO_ENDPOINT", "STAGELINE_MINIO_ACCESS_KEY", "STAGELINE_MINIO_SECRET_KEY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	_, err := MinioConfigFromEnv()
	assert.Error(t, err)
}

func TestPackagePrefix(t *testing.T) {
	assert.Equal(t, "openSUSE:Factory/hello/", packagePrefix(PackageRef{Project: "openSUSE:Factory", Package: "hello"}))
}

// memObjects is an in-memory objectAPI whose copies and removes can be made
// to fail after a number of successful calls.
type memObjects struct {
	data         map[string]string
	copies       int
	removes      int
	failCopyAt   int
	failRemoveAt int
}

var errUnavailable = minio.ErrorResponse{Code: "ServiceUnavailable", StatusCode: http.StatusServiceUnavailable}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memObjects) Copy(_ context.Context, from, to string) error {
	m.copies++
	if m.copies == m.failCopyAt {
		return errUnavailable
	}
	v, ok := m.data[from]
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	}
	m.data[to] = v
	return nil
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	m.removes++
	if m.removes == m.failRemoveAt {
		return errUnavailable
	}
	delete(m.data, key)
	return nil
}

func seededObjects() *memObjects {
	return &memObjects{data: map[string]string{
		"home:bob/hello/hello.spec":            "Release: 2",
		"home:bob/hello/hello.changes":         "new",
		"openSUSE:Factory/hello/hello.spec":    "Release: 1",
		"openSUSE:Factory/hello/hello.changes": "old",
		"openSUSE:Factory/hello/README":        "readme",
	}}
}

func factoryContent(m *memObjects) map[string]string {
	out := map[string]string{}
	for k, v := range m.data {
		if strings.HasPrefix(k, "openSUSE:Factory/") || strings.HasPrefix(k, rollbackDir+"/") {
			out[k] = v
		}
	}
	return out
}

func TestMinioCopyFailedBackupLeavesTargetIntact(t *testing.T) {
	objects := seededObjects()
	before := factoryContent(objects)
	objects.failRemoveAt = 2
	store := &MinioStore{bucket: "packages", objects: objects}

	_, err := store.Copy(context.Background(),
		PackageRef{Project: "home:bob", Package: "hello"},
		PackageRef{Project: "openSUSE:Factory", Package: "hello"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, before, factoryContent(objects))
}

func TestMinioCopyFailedWriteRestoresTarget(t *testing.T) {
	objects := seededObjects()
	before := factoryContent(objects)
	// Three backup copies succeed; the first content copy fails.
	objects.failCopyAt = 4
	store := &MinioStore{bucket: "packages", objects: objects}

	_, err := store.Copy(context.Background(),
		PackageRef{Project: "home:bob", Package: "hello"},
		PackageRef{Project: "openSUSE:Factory", Package: "hello"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, before, factoryContent(objects))
}

func TestMinioCopyRevertAndDiscard(t *testing.T) {
	objects := seededObjects()
	before := factoryContent(objects)
	store := &MinioStore{bucket: "packages", objects: objects}
	src := PackageRef{Project: "home:bob", Package: "hello"}
	dst := PackageRef{Project: "openSUSE:Factory", Package: "hello"}

	rec, err := store.Copy(context.Background(), src, dst)
	require.NoError(t, err)
	assert.True(t, rec.HadTarget)
	assert.Equal(t, "Release: 2", objects.data["openSUSE:Factory/hello/hello.spec"])
	assert.NotContains(t, objects.data, "openSUSE:Factory/hello/README")

	require.NoError(t, store.Revert(context.Background(), rec))
	assert.Equal(t, before, factoryContent(objects))

	rec, err = store.Copy(context.Background(), src, dst)
	require.NoError(t, err)
	require.NoError(t, store.Discard(context.Background(), rec))
	keys, err := objects.List(context.Background(), rollbackDir+"/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
