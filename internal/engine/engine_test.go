package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/migrate"
	"stageline/internal/promote"
	"stageline/internal/repo"
)

const (
	factory  = "openSUSE:Factory"
	stagingA = "openSUSE:Factory:Staging:A"
)

type testEnv struct {
	Engine engine.Engine
	Store  *promote.LocalStore
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := promote.NewLocalStore(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	eng := engine.New(conn, config.Default(), store)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := eng.CreateWorkflow(ctx, domain.StagingWorkflow{Project: factory}, "admin"); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := eng.CreateStagingProject(ctx, stagingA, factory, "admin"); err != nil {
		t.Fatalf("create staging project: %v", err)
	}
	return testEnv{Engine: eng, Store: store, Ctx: ctx}
}

func (env testEnv) grant(t *testing.T, login, project string) {
	t.Helper()
	if err := env.Engine.GrantRole(env.Ctx, domain.Relationship{Project: project, UserLogin: &login, Role: "maintainer"}, "admin"); err != nil {
		t.Fatalf("grant %s on %s: %v", login, project, err)
	}
}

func (env testEnv) put(t *testing.T, project, pkg, content string) {
	t.Helper()
	if err := env.Store.Put(promote.PackageRef{Project: project, Package: pkg}, pkg+".spec", []byte(content)); err != nil {
		t.Fatalf("put %s/%s: %v", project, pkg, err)
	}
}

func (env testEnv) read(t *testing.T, project, pkg string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.Store.Root, project, pkg, pkg+".spec"))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		t.Fatalf("read %s/%s: %v", project, pkg, err)
	}
	return string(data), true
}

// submit creates a request submitting home:<creator>/<pkg> into target with
// a by-project review of stagingA and moves it to review.
func (env testEnv) submit(t *testing.T, id, creator, pkg, target string, extra ...domain.ReviewSubject) {
	t.Helper()
	src := "home:" + creator
	env.put(t, src, pkg, "Name: "+pkg+"\nRelease: "+id+"\n")
	reviews := append([]domain.ReviewSubject{{Scope: domain.ScopeProject, ID: stagingA}}, extra...)
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		ID:      id,
		Creator: creator,
		Actions: []domain.Action{{Type: domain.ActionSubmit, SourceProject: src, SourcePackage: pkg, TargetProject: target}},
		Reviews: reviews,
	}); err != nil {
		t.Fatalf("create request %s: %v", id, err)
	}
	if _, err := env.Engine.SetRequestState(env.Ctx, id, domain.RequestReview, creator, false); err != nil {
		t.Fatalf("request %s to review: %v", id, err)
	}
}

// stageSubmit submits a request and stages it in stagingA.
func (env testEnv) stageSubmit(t *testing.T, id, creator, pkg, target string, extra ...domain.ReviewSubject) domain.StagedRequest {
	t.Helper()
	env.submit(t, id, creator, pkg, target, extra...)
	req, err := env.Engine.StageRequest(env.Ctx, id, stagingA, "manager")
	if err != nil {
		t.Fatalf("stage request %s: %v", id, err)
	}
	return req
}

// assertUntouched fails unless every request is still in review, staged in
// stagingA, with all reviews open.
func (env testEnv) assertUntouched(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		req, err := env.Engine.GetRequest(env.Ctx, id)
		if err != nil {
			t.Fatalf("get request %s: %v", id, err)
		}
		if req.State != domain.RequestReview || req.StagedIn() != stagingA {
			t.Fatalf("request %s changed: %s %q", id, req.State, req.StagedIn())
		}
		for _, rv := range req.Reviews {
			if rv.State != domain.ReviewNew {
				t.Fatalf("review %s of request %s changed to %s", rv.ID, id, rv.State)
			}
		}
	}
}

func staged(id string, state domain.RequestState, reviews ...domain.Review) domain.StagedRequest {
	sp := stagingA
	return domain.StagedRequest{ID: id, State: state, StagingProject: &sp, Reviews: reviews}
}

func review(scope domain.ReviewScope, subject string, state domain.ReviewState) domain.Review {
	return domain.Review{Subject: domain.ReviewSubject{Scope: scope, ID: subject}, State: state}
}

func TestEvaluate(t *testing.T) {
	own := review(domain.ScopeProject, stagingA, domain.ReviewNew)
	cases := []struct {
		name string
		reqs []domain.StagedRequest
		want domain.AggregateState
	}{
		{"no requests", nil, domain.StateEmpty},
		{"reviewed with own gate open", []domain.StagedRequest{staged("1", domain.RequestReview, own)}, domain.StateAcceptable},
		{"new request blocks", []domain.StagedRequest{staged("1", domain.RequestNew)}, domain.StateReview},
		{"foreign review open", []domain.StagedRequest{
			staged("1", domain.RequestReview, own),
			staged("2", domain.RequestReview, review(domain.ScopeGroup, "legal-team", domain.ReviewNew)),
		}, domain.StateReview},
		{"other staging project review open", []domain.StagedRequest{
			staged("1", domain.RequestReview, review(domain.ScopeProject, "openSUSE:Factory:Staging:B", domain.ReviewNew)),
		}, domain.StateReview},
		{"declined review wins over open review", []domain.StagedRequest{
			staged("1", domain.RequestNew),
			staged("2", domain.RequestReview, review(domain.ScopeUser, "dimstar", domain.ReviewDeclined)),
		}, domain.StateUnacceptable},
		{"revoked request", []domain.StagedRequest{staged("1", domain.RequestRevoked)}, domain.StateUnacceptable},
		{"superseded request", []domain.StagedRequest{staged("1", domain.RequestSuperseded)}, domain.StateUnacceptable},
		{"accepted request with declined review", []domain.StagedRequest{
			staged("1", domain.RequestAccepted, review(domain.ScopeUser, "dimstar", domain.ReviewDeclined)),
		}, domain.StateAcceptable},
		{"unknown scope still blocks", []domain.StagedRequest{
			staged("1", domain.RequestReview, review("maintainership", "x", domain.ReviewNew)),
		}, domain.StateReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.Evaluate(tc.reqs); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestTargetsAreDistinctAndSorted(t *testing.T) {
	reqs := []domain.StagedRequest{
		{Actions: []domain.Action{{TargetProject: "openSUSE:Leap"}, {TargetProject: factory}}},
		{Actions: []domain.Action{{TargetProject: factory}}},
	}
	got := engine.Targets(reqs)
	if len(got) != 2 || got[0] != factory || got[1] != "openSUSE:Leap" {
		t.Fatalf("unexpected targets %v", got)
	}
}

func TestAcceptStagingProject(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.put(t, factory, "hello", "old hello\n")
	env.stageSubmit(t, "1", "bob", "hello", factory)
	env.stageSubmit(t, "2", "carol", "world", factory)

	if _, ok := env.read(t, stagingA, "hello"); !ok {
		t.Fatalf("expected staging copy of hello")
	}
	state, err := env.Engine.OverallState(env.Ctx, stagingA)
	if err != nil || state != domain.StateAcceptable {
		t.Fatalf("expected acceptable before accept, got %s %v", state, err)
	}

	state, err = env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if state != domain.StateEmpty {
		t.Fatalf("expected empty after accept, got %s", state)
	}
	for _, id := range []string{"1", "2"} {
		req, err := env.Engine.GetRequest(env.Ctx, id)
		if err != nil {
			t.Fatalf("get request %s: %v", id, err)
		}
		if req.State != domain.RequestAccepted {
			t.Fatalf("request %s state %s", id, req.State)
		}
		if req.StagedIn() != "" {
			t.Fatalf("request %s still staged in %s", id, req.StagedIn())
		}
		for _, rv := range req.Reviews {
			if rv.State != domain.ReviewAccepted {
				t.Fatalf("request %s review %s is %s", id, rv.ID, rv.State)
			}
		}
	}
	if got, _ := env.read(t, factory, "hello"); got != "Name: hello\nRelease: 1\n" {
		t.Fatalf("hello not promoted: %q", got)
	}
	if _, ok := env.read(t, factory, "world"); !ok {
		t.Fatalf("world not promoted")
	}
	if _, ok := env.read(t, stagingA, "hello"); ok {
		t.Fatalf("staging copy of hello should be removed")
	}
	pkgs, err := env.Engine.Repo.ListPackages(env.Ctx, stagingA)
	if err != nil || len(pkgs) != 0 {
		t.Fatalf("expected no staging packages, got %v %v", pkgs, err)
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, stagingA, events.StagingAccepted, "", "")
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected one staging.accepted event, got %d %v", len(evs), err)
	}
}

func TestAcceptIsNoOpUnlessAcceptable(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	req := env.stageSubmit(t, "1", "bob", "hello", factory, domain.ReviewSubject{Scope: domain.ScopeGroup, ID: "legal-team"})

	state, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	if err != nil || state != domain.StateReview {
		t.Fatalf("expected review, got %s %v", state, err)
	}
	cur, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	if cur.State != domain.RequestReview || cur.StagedIn() != stagingA {
		t.Fatalf("request changed: %+v", cur)
	}
	if _, ok := env.read(t, factory, "hello"); ok {
		t.Fatalf("content promoted while in review")
	}
	if cached, ok := env.Engine.Cache.Get(stagingA); ok {
		t.Fatalf("evaluation wrote the memoized state: %s", cached)
	}
}

func TestAcceptPermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.stageSubmit(t, "1", "bob", "hello", factory)
	env.stageSubmit(t, "2", "carol", "kernel", "openSUSE:Leap")

	_, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	var denied auth.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if denied.Target != "openSUSE:Leap" {
		t.Fatalf("expected Leap as denied target, got %s", denied.Target)
	}
	for _, id := range []string{"1", "2"} {
		req, _ := env.Engine.GetRequest(env.Ctx, id)
		if req.State != domain.RequestReview || req.StagedIn() != stagingA {
			t.Fatalf("request %s changed: %s %s", id, req.State, req.StagedIn())
		}
	}
	if _, ok := env.read(t, factory, "hello"); ok {
		t.Fatalf("content promoted despite denial")
	}
}

func TestAcceptViaGroupRole(t *testing.T) {
	env := newTestEnv(t)
	group := "factory-maintainers"
	if err := env.Engine.GrantRole(env.Ctx, domain.Relationship{Project: factory, GroupID: &group, Role: "maintainer"}, "admin"); err != nil {
		t.Fatalf("grant group role: %v", err)
	}
	if err := env.Engine.AddGroupMember(env.Ctx, group, "dave", "admin"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	env.stageSubmit(t, "1", "bob", "hello", factory)

	state, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "dave")
	if err != nil || state != domain.StateEmpty {
		t.Fatalf("expected accept through group role, got %s %v", state, err)
	}
}

func TestAcceptRollsBackOnPromotionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.put(t, factory, "hello", "old hello\n")
	env.stageSubmit(t, "1", "bob", "hello", factory)
	env.stageSubmit(t, "2", "carol", "world", factory)
	// The source of request 2 vanishes after staging.
	if err := os.RemoveAll(filepath.Join(env.Store.Root, "home:carol", "world")); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	_, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	var perr *promote.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected promotion error, got %v", err)
	}
	if perr.Transient || engine.IsRetryable(err) {
		t.Fatalf("missing source should be permanent: %v", err)
	}

	if got, _ := env.read(t, factory, "hello"); got != "old hello\n" {
		t.Fatalf("hello not restored: %q", got)
	}
	if _, ok := env.read(t, stagingA, "hello"); !ok {
		t.Fatalf("staging copy of hello not restored")
	}
	for _, id := range []string{"1", "2"} {
		req, _ := env.Engine.GetRequest(env.Ctx, id)
		if req.State != domain.RequestReview || req.StagedIn() != stagingA {
			t.Fatalf("request %s changed: %s %s", id, req.State, req.StagedIn())
		}
		for _, rv := range req.Reviews {
			if rv.State != domain.ReviewNew {
				t.Fatalf("review %s changed to %s", rv.ID, rv.State)
			}
		}
	}
	state, err := env.Engine.OverallState(env.Ctx, stagingA)
	if err != nil || state != domain.StateAcceptable {
		t.Fatalf("expected still acceptable, got %s %v", state, err)
	}
}

func TestAcceptRerunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.stageSubmit(t, "1", "bob", "hello", factory)

	if _, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	state, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	if err != nil || state != domain.StateEmpty {
		t.Fatalf("second accept: %s %v", state, err)
	}
	evs, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, stagingA, events.StagingAccepted, "", "")
	if len(evs) != 1 {
		t.Fatalf("expected a single accept event, got %d", len(evs))
	}
}

func TestAcceptConcurrentCallsSerialize(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.stageSubmit(t, "1", "bob", "hello", factory)

	var wg sync.WaitGroup
	results := make([]domain.AggregateState, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
		}(i)
	}
	wg.Wait()
	for i := range results {
		if errs[i] != nil || results[i] != domain.StateEmpty {
			t.Fatalf("call %d: %s %v", i, results[i], errs[i])
		}
	}
	evs, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, stagingA, events.StagingAccepted, "", "")
	if len(evs) != 1 {
		t.Fatalf("expected a single accept event, got %d", len(evs))
	}
}

func TestAcceptNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)

	var nf engine.NotFoundError
	if _, err := env.Engine.AcceptStagingProject(env.Ctx, "openSUSE:Factory:Staging:Z", "alice"); !errors.As(err, &nf) || nf.Kind != "staging project" {
		t.Fatalf("expected staging project not found, got %v", err)
	}
	if _, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "nobody"); !errors.As(err, &nf) || nf.Kind != "user" {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestAcceptLeaseHeldElsewhere(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.stageSubmit(t, "1", "bob", "hello", factory)
	if _, err := env.Engine.Repo.AcquireAcceptLease(env.Ctx, stagingA, "other-host:1", time.Now(), time.Hour); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	_, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	var locked engine.LockedError
	if !errors.As(err, &locked) || locked.Holder != "other-host:1" {
		t.Fatalf("expected locked error, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Fatalf("locked error should be retryable")
	}
	if err := env.Engine.Repo.ReleaseAcceptLease(env.Ctx, stagingA, "other-host:1"); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	if _, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice"); err != nil {
		t.Fatalf("accept after release: %v", err)
	}
}

func TestStateCacheInvalidatedOnReviewDecision(t *testing.T) {
	env := newTestEnv(t)
	req := env.stageSubmit(t, "1", "bob", "hello", factory, domain.ReviewSubject{Scope: domain.ScopeUser, ID: "dimstar"})

	state, err := env.Engine.OverallState(env.Ctx, stagingA)
	if err != nil || state != domain.StateReview {
		t.Fatalf("expected review, got %s %v", state, err)
	}
	var userReview string
	for _, rv := range req.Reviews {
		if rv.Subject.Scope == domain.ScopeUser {
			userReview = rv.ID
		}
	}
	if _, err := env.Engine.SetReviewState(env.Ctx, userReview, domain.ReviewDeclined, "breaks build", "dimstar"); err != nil {
		t.Fatalf("decline review: %v", err)
	}
	state, err = env.Engine.OverallState(env.Ctx, stagingA)
	if err != nil || state != domain.StateUnacceptable {
		t.Fatalf("expected unacceptable after decline, got %s %v", state, err)
	}
}

func TestStateCacheLRU(t *testing.T) {
	c := engine.NewStateCache(2)
	c.Put("a", domain.StateEmpty)
	c.Put("b", domain.StateReview)
	c.Put("c", domain.StateAcceptable)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a evicted")
	}
	if s, ok := c.Get("c"); !ok || s != domain.StateAcceptable {
		t.Fatalf("unexpected c: %s %v", s, ok)
	}
	c.Invalidate("c")
	if _, ok := c.Get("c"); ok {
		t.Fatalf("expected c invalidated")
	}
	var nilCache *engine.StateCache
	nilCache.Put("x", domain.StateEmpty)
	if _, ok := nilCache.Get("x"); ok || nilCache.Len() != 0 {
		t.Fatalf("nil cache should store nothing")
	}
}

func TestRequestTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		ID:      "9",
		Creator: "bob",
		Actions: []domain.Action{{Type: domain.ActionDelete, TargetProject: factory, TargetPackage: "obsolete"}},
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	var terr engine.TransitionError
	if _, err := env.Engine.SetRequestState(env.Ctx, "9", domain.RequestSuperseded, "bob", false); !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := env.Engine.SetRequestState(env.Ctx, "9", domain.RequestAccepted, "bob", true); err == nil {
		t.Fatalf("direct accept must be refused")
	}
	if _, err := env.Engine.SetRequestState(env.Ctx, "9", domain.RequestRevoked, "bob", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.SetRequestState(env.Ctx, "9", domain.RequestReview, "bob", true); !errors.As(err, &terr) {
		t.Fatalf("terminal state must not be forced, got %v", err)
	}
}

func TestUnstageDropsStagingCopy(t *testing.T) {
	env := newTestEnv(t)
	env.stageSubmit(t, "1", "bob", "hello", factory)
	req, err := env.Engine.UnstageRequest(env.Ctx, "1", "manager")
	if err != nil {
		t.Fatalf("unstage: %v", err)
	}
	if req.StagedIn() != "" {
		t.Fatalf("still staged in %s", req.StagedIn())
	}
	if _, ok := env.read(t, stagingA, "hello"); ok {
		t.Fatalf("staging copy left behind")
	}
	state, _ := env.Engine.OverallState(env.Ctx, stagingA)
	if state != domain.StateEmpty {
		t.Fatalf("expected empty, got %s", state)
	}
}

func TestAttribPositions(t *testing.T) {
	env := newTestEnv(t)
	ref := engine.AttribRef{Project: factory, Namespace: "OBS", Name: "Maintained"}
	for _, v := range []string{"a", "b", "c"} {
		if _, err := env.Engine.AddAttribValue(env.Ctx, ref, v, 0, "admin"); err != nil {
			t.Fatalf("add %s: %v", v, err)
		}
	}
	a, err := env.Engine.AddAttribValue(env.Ctx, ref, "first", 1, "admin")
	if err != nil {
		t.Fatalf("insert at 1: %v", err)
	}
	assertValues(t, a, "first", "a", "b", "c")

	a, err = env.Engine.RemoveAttribValue(env.Ctx, ref, 2, "admin")
	if err != nil {
		t.Fatalf("remove 2: %v", err)
	}
	assertValues(t, a, "first", "b", "c")

	a, err = env.Engine.MoveAttribValue(env.Ctx, ref, 3, 1, "admin")
	if err != nil {
		t.Fatalf("move 3->1: %v", err)
	}
	assertValues(t, a, "c", "first", "b")

	var nf engine.NotFoundError
	if _, err := env.Engine.RemoveAttribValue(env.Ctx, ref, 7, "admin"); !errors.As(err, &nf) {
		t.Fatalf("expected not found for missing position, got %v", err)
	}
}

func assertValues(t *testing.T, a domain.Attrib, want ...string) {
	t.Helper()
	if len(a.Values) != len(want) {
		t.Fatalf("got %d values want %d", len(a.Values), len(want))
	}
	for i, v := range a.Values {
		if v.Value != want[i] || v.Position != i+1 {
			t.Fatalf("value %d: got %q@%d want %q@%d", i, v.Value, v.Position, want[i], i+1)
		}
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "ghost", "ci"); err == nil {
		t.Fatalf("expected error for unknown user")
	}
	if err := env.Engine.CreateUser(env.Ctx, "alice"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil || got.ID != key.ID || got.Login != "alice" {
		t.Fatalf("lookup by secret: %+v %v", got, err)
	}
	if err := env.Engine.Repo.DeleteAPIKey(env.Ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestNewRequestBlocksUntilMovedToReview(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.put(t, "home:bob", "hello", "Name: hello\n")
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		ID:      "1",
		Creator: "bob",
		Actions: []domain.Action{{Type: domain.ActionSubmit, SourceProject: "home:bob", SourcePackage: "hello", TargetProject: factory}},
		Reviews: []domain.ReviewSubject{{Scope: domain.ScopeProject, ID: stagingA}},
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := env.Engine.StageRequest(env.Ctx, "1", stagingA, "manager"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	env.stageSubmit(t, "2", "carol", "world", factory)

	state, err := env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	if err != nil || state != domain.StateReview {
		t.Fatalf("expected review with a new request, got %s %v", state, err)
	}
	if _, err := env.Engine.SetRequestState(env.Ctx, "1", domain.RequestReview, "bob", false); err != nil {
		t.Fatalf("to review: %v", err)
	}
	state, err = env.Engine.AcceptStagingProject(env.Ctx, stagingA, "alice")
	if err != nil || state != domain.StateEmpty {
		t.Fatalf("expected empty, got %s %v", state, err)
	}
	sp, err := env.Engine.GetStagingProject(env.Ctx, stagingA)
	if err != nil || len(sp.Requests) != 0 {
		t.Fatalf("expected no attached requests, got %v %v", sp.Requests, err)
	}
}

func (env testEnv) transition(actor string) engine.Transition {
	return engine.Transition{
		Repo:     env.Engine.Repo,
		Events:   events.Writer{},
		Promoter: env.Store,
		Journal:  &promote.Journal{},
		Actor:    actor,
		Now:      env.Engine.Now,
	}
}

func TestTransitionAcceptRechecksRequest(t *testing.T) {
	const stagingB = "openSUSE:Factory:Staging:B"
	cases := []struct {
		name   string
		change func(t *testing.T, env testEnv)
		check  func(t *testing.T, err error)
	}{
		{
			name: "review added after snapshot",
			change: func(t *testing.T, env testEnv) {
				if _, err := env.Engine.AddReview(env.Ctx, "1", domain.ReviewSubject{Scope: domain.ScopeUser, ID: "dimstar"}, "manager"); err != nil {
					t.Fatalf("add review: %v", err)
				}
			},
			check: func(t *testing.T, err error) {
				var unresolved engine.ReviewUnresolvedError
				if !errors.As(err, &unresolved) || unresolved.Subject.ID != "dimstar" {
					t.Fatalf("expected unresolved review by dimstar, got %v", err)
				}
			},
		},
		{
			name: "moved to another staging project",
			change: func(t *testing.T, env testEnv) {
				if _, err := env.Engine.CreateStagingProject(env.Ctx, stagingB, factory, "admin"); err != nil {
					t.Fatalf("create staging project: %v", err)
				}
				if _, err := env.Engine.UnstageRequest(env.Ctx, "1", "manager"); err != nil {
					t.Fatalf("unstage: %v", err)
				}
				if _, err := env.Engine.StageRequest(env.Ctx, "1", stagingB, "manager"); err != nil {
					t.Fatalf("restage: %v", err)
				}
			},
			check: func(t *testing.T, err error) {
				var notReady engine.RequestNotReadyError
				if !errors.As(err, &notReady) || notReady.RequestID != "1" {
					t.Fatalf("expected request not ready, got %v", err)
				}
			},
		},
		{
			name: "declined after snapshot",
			change: func(t *testing.T, env testEnv) {
				if _, err := env.Engine.SetRequestState(env.Ctx, "1", domain.RequestDeclined, "dimstar", false); err != nil {
					t.Fatalf("decline: %v", err)
				}
			},
			check: func(t *testing.T, err error) {
				var notReady engine.RequestNotReadyError
				if !errors.As(err, &notReady) || notReady.State != domain.RequestDeclined {
					t.Fatalf("expected declined request not ready, got %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			snapshot := env.stageSubmit(t, "1", "bob", "hello", factory)
			tc.change(t, env)

			tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			defer tx.Rollback()
			tr := env.transition("alice")
			_, err = tr.Accept(env.Ctx, tx, snapshot)
			tc.check(t, err)
			if !engine.IsRetryable(err) {
				t.Fatalf("expected retryable error, got %v", err)
			}
			if tr.Journal.Len() != 0 {
				t.Fatalf("content changed before the check: %d receipts", tr.Journal.Len())
			}
		})
	}
}

func TestAcceptStaleSecondRequestLeavesAllUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", factory)
	env.put(t, factory, "hello", "old hello\n")
	env.stageSubmit(t, "1", "bob", "hello", factory)
	env.stageSubmit(t, "2", "carol", "world", factory)
	snapshot, err := env.Engine.Repo.LoadStagedRequests(env.Ctx, nil, stagingA)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := env.Engine.AddReview(env.Ctx, "2", domain.ReviewSubject{Scope: domain.ScopeUser, ID: "dimstar"}, "manager"); err != nil {
		t.Fatalf("add review: %v", err)
	}
	if _, err := env.Engine.Repo.AcquireAcceptLease(env.Ctx, stagingA, env.Engine.Holder, env.Engine.Now(), time.Hour); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	err = env.Engine.ApplyAccept(env.Ctx, stagingA, snapshot, "alice")
	var unresolved engine.ReviewUnresolvedError
	if !errors.As(err, &unresolved) || unresolved.RequestID != "2" {
		t.Fatalf("expected unresolved review on request 2, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Fatalf("expected retryable error")
	}

	if got, _ := env.read(t, factory, "hello"); got != "old hello\n" {
		t.Fatalf("hello not restored: %q", got)
	}
	if _, ok := env.read(t, factory, "world"); ok {
		t.Fatalf("world promoted")
	}
	for _, pkg := range []string{"hello", "world"} {
		if _, ok := env.read(t, stagingA, pkg); !ok {
			t.Fatalf("staging copy of %s lost", pkg)
		}
	}
	env.assertUntouched(t, "1")
	req, _ := env.Engine.GetRequest(env.Ctx, "2")
	if req.State != domain.RequestReview || req.StagedIn() != stagingA {
		t.Fatalf("request 2 changed: %s %q", req.State, req.StagedIn())
	}
}

func TestAcceptFailsWhenLeaseLost(t *testing.T) {
	t.Run("taken by another holder", func(t *testing.T) {
		env := newTestEnv(t)
		env.grant(t, "alice", factory)
		snapshot := []domain.StagedRequest{env.stageSubmit(t, "1", "bob", "hello", factory)}
		if _, err := env.Engine.Repo.AcquireAcceptLease(env.Ctx, stagingA, "other-host:2", env.Engine.Now(), time.Hour); err != nil {
			t.Fatalf("acquire lease: %v", err)
		}

		err := env.Engine.ApplyAccept(env.Ctx, stagingA, snapshot, "alice")
		var locked engine.LockedError
		if !errors.As(err, &locked) || locked.Holder != "other-host:2" {
			t.Fatalf("expected locked error naming other-host:2, got %v", err)
		}
		if _, ok := env.read(t, factory, "hello"); ok {
			t.Fatalf("content promoted without the lease")
		}
		env.assertUntouched(t, "1")
	})
	t.Run("expired during the run", func(t *testing.T) {
		env := newTestEnv(t)
		env.grant(t, "alice", factory)
		snapshot := []domain.StagedRequest{env.stageSubmit(t, "1", "bob", "hello", factory)}
		start := env.Engine.Now()
		if _, err := env.Engine.Repo.AcquireAcceptLease(env.Ctx, stagingA, env.Engine.Holder, start, time.Minute); err != nil {
			t.Fatalf("acquire lease: %v", err)
		}

		late := env.Engine
		late.Now = func() time.Time { return start.Add(time.Hour) }
		err := late.ApplyAccept(env.Ctx, stagingA, snapshot, "alice")
		var locked engine.LockedError
		if !errors.As(err, &locked) || locked.Holder != "" {
			t.Fatalf("expected locked error, got %v", err)
		}
		if !engine.IsRetryable(err) {
			t.Fatalf("expected retryable error")
		}
		if _, ok := env.read(t, factory, "hello"); ok {
			t.Fatalf("content promoted after the lease expired")
		}
		env.assertUntouched(t, "1")
	})
}

func TestStageRejectsTakenPackageName(t *testing.T) {
	t.Run("copy of another request", func(t *testing.T) {
		env := newTestEnv(t)
		env.stageSubmit(t, "1", "bob", "hello", factory)
		env.submit(t, "2", "carol", "hello", factory)

		_, err := env.Engine.StageRequest(env.Ctx, "2", stagingA, "manager")
		var conflict engine.PackageConflictError
		if !errors.As(err, &conflict) || conflict.Holder != "1" || conflict.Package != "hello" {
			t.Fatalf("expected conflict with request 1, got %v", err)
		}
		if got, _ := env.read(t, stagingA, "hello"); got != "Name: hello\nRelease: 1\n" {
			t.Fatalf("staging copy of request 1 overwritten: %q", got)
		}
		req, _ := env.Engine.GetRequest(env.Ctx, "2")
		if req.StagedIn() != "" {
			t.Fatalf("request 2 staged in %s", req.StagedIn())
		}

		if _, err := env.Engine.UnstageRequest(env.Ctx, "1", "manager"); err != nil {
			t.Fatalf("unstage: %v", err)
		}
		if _, err := env.Engine.StageRequest(env.Ctx, "2", stagingA, "manager"); err != nil {
			t.Fatalf("stage after unstage: %v", err)
		}
		if got, _ := env.read(t, stagingA, "hello"); got != "Name: hello\nRelease: 2\n" {
			t.Fatalf("unexpected staging copy: %q", got)
		}
	})
	t.Run("package owned by the staging project", func(t *testing.T) {
		env := newTestEnv(t)
		env.put(t, stagingA, "hello", "own hello\n")
		if _, err := env.Engine.RegisterPackage(env.Ctx, stagingA, "hello"); err != nil {
			t.Fatalf("register package: %v", err)
		}
		env.submit(t, "1", "bob", "hello", factory)

		_, err := env.Engine.StageRequest(env.Ctx, "1", stagingA, "manager")
		var conflict engine.PackageConflictError
		if !errors.As(err, &conflict) || conflict.Holder != "" {
			t.Fatalf("expected conflict with the project's own package, got %v", err)
		}
		if got, _ := env.read(t, stagingA, "hello"); got != "own hello\n" {
			t.Fatalf("own package overwritten: %q", got)
		}
		pkg, err := env.Engine.Repo.GetPackage(env.Ctx, nil, stagingA, "hello")
		if err != nil || pkg.OriginRequestID != nil {
			t.Fatalf("own package record changed: %+v %v", pkg, err)
		}
	})
}
