package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/pathcache"
)

func transient(fd *fakeDrive) error {
	return fd.label.Errorf(drive.KindTransport, "", "connection reset")
}

func TestResolveShare_SelectsByURL(t *testing.T) {
	fx := newFixture(t, false)

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.baidu.com/s/1AbC"})
	require.NoError(t, err)
	assert.Equal(t, drive.Baidu, sh.Provider)
	assert.Equal(t, "b", sh.Selection.Account.Name)
	assert.Equal(t, "1AbC", sh.Ref.ShareID)
}

func TestResolveShare_UnknownLink(t *testing.T) {
	fx := newFixture(t, false)

	_, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://example.com/s/x"})
	assert.ErrorIs(t, err, drive.ErrBadInput)
}

func TestResolveShare_AccountOfOtherProvider(t *testing.T) {
	fx := newFixture(t, false)

	_, err := fx.svc.ResolveShare(t.Context(), account.Task{AccountName: "q", URL: "https://pan.baidu.com/s/1AbC"})
	require.ErrorIs(t, err, drive.ErrBadInput)
	assert.Contains(t, err.Error(), "baidu")
}

func TestGetShareToken_RetriesTransport(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.failNext("share_token", transient(fx.quark), transient(fx.quark))

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	tok, err := fx.svc.GetShareToken(t.Context(), sh)
	require.NoError(t, err)
	assert.Equal(t, "stoken-abc", tok.Value)
	assert.Equal(t, 3, fx.quark.count("share_token"))
}

func TestGetShareToken_GivesUpAfterMaxRetries(t *testing.T) {
	fx := newFixture(t, false)
	for range 10 {
		fx.quark.failNext("share_token", transient(fx.quark))
	}

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	_, err = fx.svc.GetShareToken(t.Context(), sh)
	require.ErrorIs(t, err, drive.ErrTransport)
	assert.Equal(t, 4, fx.quark.count("share_token"))
}

func TestGetShareToken_BusinessErrorsAreNotRetried(t *testing.T) {
	fx := newFixture(t, false)

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	sh.Ref.Passcode = "bad"

	_, err = fx.svc.GetShareToken(t.Context(), sh)
	require.ErrorIs(t, err, drive.ErrBadInput)
	assert.Equal(t, 1, fx.quark.count("share_token"))

	fx.quark.failNext("share_token", fx.quark.label.Errorf(drive.KindAuthInvalid, "", "cookie expired"))
	sh.Ref.Passcode = ""

	_, err = fx.svc.GetShareToken(t.Context(), sh)
	require.ErrorIs(t, err, drive.ErrAuthInvalid)
	assert.Equal(t, 2, fx.quark.count("share_token"))
}

func TestRateLimitIsRetried(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.addOwn(drive.RootID, "d1", "Movies")
	fx.quark.failNext("list", fx.quark.label.Errorf(drive.KindRateLimited, "429", "slow down"))

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{AccountName: "q"})
	require.NoError(t, err)

	nodes, err := fx.svc.ListOwn(t.Context(), sel, "")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Movies", nodes[0].Name)
	assert.Equal(t, 2, fx.quark.count("list"))
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.failNext("list", transient(fx.quark), transient(fx.quark))

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err = fx.svc.ListOwn(ctx, sel, drive.RootID)
	require.Error(t, err)
	assert.LessOrEqual(t, fx.quark.count("list"), 1)
}

func TestListShare_DefaultsToLinkedContainer(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.addShared(drive.RootID, "s1", "Season 1")
	fx.quark.addShared("s1", "e1", "Episode 1")

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	nodes, err := fx.svc.ListShare(t.Context(), sh, drive.ShareToken{}, "")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "s1", nodes[0].ID)

	sh.Ref.ContainerID = "s1"
	nodes, err = fx.svc.ListShare(t.Context(), sh, drive.ShareToken{}, "")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "e1", nodes[0].ID)
}

func TestTransfer_NotRetriedAndFillsShareID(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.failNext("transfer", transient(fx.quark))

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	req := drive.TransferRequest{NodeIDs: []string{"f1"}, TargetID: "d1"}

	_, err = fx.svc.Transfer(t.Context(), sh, req)
	require.ErrorIs(t, err, drive.ErrTransport)
	assert.Equal(t, 1, fx.quark.count("transfer"))

	res, err := fx.svc.Transfer(t.Context(), sh, req)
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.TaskID)
	assert.Equal(t, "abc", fx.quark.lastReq.ShareID)
}

func TestTransfer_PartialSuccessKeepsResult(t *testing.T) {
	fx := newFixture(t, false)

	partial := fx.quark.label.Errorf(drive.KindPartialSuccess, "", "some items failed")
	partial.Failed = []drive.FailedItem{{ID: "f2", Message: "exists"}}
	fx.quark.failNext("transfer", partial)

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	_, err = fx.svc.Transfer(t.Context(), sh, drive.TransferRequest{NodeIDs: []string{"f1", "f2"}})
	require.ErrorIs(t, err, drive.ErrPartialSuccess)

	var de *drive.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "f2", de.Failed[0].ID)
}

func TestWaitTransfer(t *testing.T) {
	fx := newFixture(t, false)

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{AccountName: "q"})
	require.NoError(t, err)

	st, err := fx.svc.WaitTransfer(t.Context(), sel, drive.TransferResult{Done: true, SavedIDs: []string{"n1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, drive.TaskDone, st.State)
	assert.Equal(t, []string{"n1"}, st.SavedIDs)
	assert.Zero(t, fx.quark.count("poll"))

	fx.quark.polls = []drive.TaskStatus{
		{State: drive.TaskPending},
		{State: drive.TaskRunning, Progress: 50},
		{State: drive.TaskDone, Progress: 100, SavedIDs: []string{"n2"}},
	}
	fx.quark.failNext("poll", transient(fx.quark))

	var seen []drive.TaskState

	st, err = fx.svc.WaitTransfer(t.Context(), sel, drive.TransferResult{TaskID: "task-1"}, func(st drive.TaskStatus) {
		seen = append(seen, st.State)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, st.SavedIDs)
	assert.Equal(t, []drive.TaskState{drive.TaskPending, drive.TaskRunning, drive.TaskDone}, seen)
	assert.Equal(t, 4, fx.quark.count("poll"))
}

func TestWaitTransfer_FailedTask(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.polls = []drive.TaskStatus{{State: drive.TaskFailed, Message: "capacity"}}

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{})
	require.NoError(t, err)

	st, err := fx.svc.WaitTransfer(t.Context(), sel, drive.TransferResult{TaskID: "t"}, nil)
	require.Error(t, err)
	assert.Equal(t, drive.TaskFailed, st.State)
	assert.Contains(t, err.Error(), "capacity")
	assert.True(t, drive.IsKind(err, drive.KindTransport))
	assert.False(t, drive.IsKind(err, drive.KindNotFound))
}

func TestWaitTransfer_ContextDeadline(t *testing.T) {
	fx := newFixture(t, false)

	for range 1000 {
		fx.quark.polls = append(fx.quark.polls, drive.TaskStatus{State: drive.TaskRunning})
	}

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = fx.svc.WaitTransfer(ctx, sel, drive.TransferResult{TaskID: "t"}, nil)
	assert.Error(t, err)
}

func TestPathToID_CachesAndBatches(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.addOwn(drive.RootID, "d1", "Movies")
	fx.quark.addOwn("d1", "d2", "2026")

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{})
	require.NoError(t, err)

	ids, err := fx.svc.PathToID(t.Context(), sel, []string{"Movies/2026", "/Movies", "/Nope", "/Movies/2026/"})
	require.NoError(t, err)
	assert.Equal(t, []drive.PathID{
		{Path: "/Movies/2026", ID: "d2"},
		{Path: "/Movies", ID: "d1"},
		{Path: "/Nope", ID: ""},
		{Path: "/Movies/2026", ID: "d2"},
	}, ids)
	require.Len(t, fx.quark.resolve, 1)
	assert.Equal(t, []string{"/Movies/2026", "/Movies", "/Nope"}, fx.quark.resolve[0])

	ids, err = fx.svc.PathToID(t.Context(), sel, []string{"/Movies", "/Nope"})
	require.NoError(t, err)
	assert.Equal(t, "d1", ids[0].ID)
	require.Len(t, fx.quark.resolve, 2)
	assert.Equal(t, []string{"/Nope"}, fx.quark.resolve[1], "found paths are served from the cache")
}

func TestMakeDir_RemembersAndMutationsInvalidate(t *testing.T) {
	fx := newFixture(t, false)

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{})
	require.NoError(t, err)

	node, err := fx.svc.MakeDir(t.Context(), sel, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "new2", node.ID)

	scope := pathcache.Scope{Provider: drive.Quark, Account: "q"}

	e, ok := fx.cache.Peek(t.Context(), scope, "/a/b")
	require.True(t, ok)
	assert.Equal(t, "new2", e.ID)

	require.NoError(t, fx.svc.Rename(t.Context(), sel, "new2", "c"))

	_, ok = fx.cache.Peek(t.Context(), scope, "/a/b")
	assert.False(t, ok)

	_, err = fx.svc.MakeDir(t.Context(), sel, "/x")
	require.NoError(t, err)

	fx.quark.failNext("delete", fx.quark.label.Errorf(drive.KindNotFound, "", "gone"))
	require.ErrorIs(t, fx.svc.Delete(t.Context(), sel, []string{"new3"}), drive.ErrNotFound)

	_, ok = fx.cache.Peek(t.Context(), scope, "/x")
	assert.True(t, ok, "a failed delete keeps the cache")

	require.NoError(t, fx.svc.Delete(t.Context(), sel, []string{"new3"}))

	_, ok = fx.cache.Peek(t.Context(), scope, "/x")
	assert.False(t, ok)
}

func TestPathOf_SearchesFromRoot(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.addOwn(drive.RootID, "d1", "Movies")
	fx.quark.addOwn("d1", "d2", "2026")

	sel, err := fx.svc.SelectAdapter(t.Context(), account.Task{})
	require.NoError(t, err)

	crumbs, err := fx.svc.PathOf(t.Context(), sel, "d2")
	require.NoError(t, err)
	assert.Equal(t, "/Movies/2026", crumbs.Path())

	_, err = fx.svc.PathOf(t.Context(), sel, "zz")
	assert.ErrorIs(t, err, drive.ErrNotFound)

	crumbs, err = fx.svc.PathOf(t.Context(), sel, drive.RootID)
	require.NoError(t, err)
	assert.Empty(t, crumbs)
}

func TestShareBreadcrumb_ResolverFallbackIsCached(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.addShared(drive.RootID, "s1", "Show")
	fx.quark.addShared("s1", "s2", "Season 2")

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.quark.cn/s/abc"})
	require.NoError(t, err)

	crumbs, err := fx.svc.ShareBreadcrumb(t.Context(), sh, drive.ShareToken{}, "s2")
	require.NoError(t, err)
	assert.Equal(t, drive.Breadcrumb{{ID: "s1", Name: "Show"}, {ID: "s2", Name: "Season 2"}}, crumbs)

	listed := fx.quark.count("list_share")

	crumbs, err = fx.svc.ShareBreadcrumb(t.Context(), sh, drive.ShareToken{}, "s2")
	require.NoError(t, err)
	assert.Equal(t, "/Show/Season 2", crumbs.Path())
	assert.Equal(t, listed, fx.quark.count("list_share"))

	_, err = fx.svc.ShareBreadcrumb(t.Context(), sh, drive.ShareToken{}, "missing")
	assert.ErrorIs(t, err, drive.ErrNotFound)
}

func TestShareBreadcrumb_UsesProviderLookup(t *testing.T) {
	fx := newFixture(t, true)

	sh, err := fx.svc.ResolveShare(t.Context(), account.Task{URL: "https://pan.baidu.com/s/1x"})
	require.NoError(t, err)

	crumbs, err := fx.svc.ShareBreadcrumb(t.Context(), sh, drive.ShareToken{}, "x")
	require.NoError(t, err)
	assert.Equal(t, "/Direct", crumbs.Path())
	assert.Equal(t, 1, fx.baidu.count("share_crumb"))
	assert.Zero(t, fx.baidu.count("list_share"))
}

func TestEnsureSavepaths(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.addOwn(drive.RootID, "d1", "Movies")

	now := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

	tasks := []SaveTask{
		{URL: "https://pan.quark.cn/s/a", Savepath: "/Movies"},
		{URL: "https://pan.quark.cn/s/b", Savepath: "Shows/New"},
		{URL: "https://pan.quark.cn/s/c", Savepath: "/Movies/"},
		{URL: "https://pan.quark.cn/s/d", Savepath: "/Old", EndDate: time.Date(2026, 6, 9, 0, 0, 0, 0, time.UTC)},
		{URL: "https://pan.quark.cn/s/e", Savepath: "/Today", EndDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)},
		{Account: "b", Savepath: "/Backup"},
	}

	results, err := fx.svc.EnsureSavepaths(t.Context(), tasks, now)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, SavepathResult{Account: "q", Path: "/Movies", ID: "d1"}, results[0])
	assert.Equal(t, "/Shows/New", results[1].Path)
	assert.True(t, results[1].Created)
	assert.NotEmpty(t, results[1].ID)
	assert.Equal(t, "/Today", results[2].Path)
	assert.True(t, results[2].Created)
	assert.Equal(t, "b", results[3].Account)
	assert.Equal(t, "/Backup", results[3].Path)

	assert.Equal(t, 2, fx.quark.count("mkdir"))
	assert.Equal(t, 1, fx.baidu.count("mkdir"))
}

func TestEnsureSavepaths_ReportsFailuresAndContinues(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.failNext("mkdir", fx.quark.label.Errorf(drive.KindQuotaExceeded, "", "drive full"))

	results, err := fx.svc.EnsureSavepaths(t.Context(), []SaveTask{
		{Savepath: "/A"},
		{Savepath: "/B"},
	}, time.Now())
	require.ErrorIs(t, err, drive.ErrQuotaExceeded)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, drive.ErrQuotaExceeded)
	assert.True(t, results[1].Created)
	assert.NoError(t, results[1].Err)
}

func TestEnsureSavepaths_ResolveFailure(t *testing.T) {
	fx := newFixture(t, false)
	fx.quark.failNext("resolve", fx.quark.label.Errorf(drive.KindAuthInvalid, "", "cookie expired"))

	results, err := fx.svc.EnsureSavepaths(t.Context(), []SaveTask{{Savepath: "/A"}}, time.Now())
	require.ErrorIs(t, err, drive.ErrAuthInvalid)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, drive.ErrAuthInvalid))
}
