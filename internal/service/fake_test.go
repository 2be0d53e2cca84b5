package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/config"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/factory"
	"github.com/tonimelisma/pansave/internal/pathcache"
)

// fakeDrive is an in-memory adapter. Errors queued in fail are returned,
// one per call, before the operation does its real work.
type fakeDrive struct {
	label drive.Label

	mu      sync.Mutex
	own     map[string][]drive.Node
	share   map[string][]drive.Node
	nextID  int
	calls   map[string]int
	fail    map[string][]error
	polls   []drive.TaskStatus
	lastReq drive.TransferRequest
	resolve [][]string
}

func newFakeDrive(provider drive.ProviderID, account string) *fakeDrive {
	return &fakeDrive{
		label: drive.Label{Provider: provider, Account: account},
		own:   map[string][]drive.Node{},
		share: map[string][]drive.Node{},
		calls: map[string]int{},
		fail:  map[string][]error{},
	}
}

func (f *fakeDrive) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++

	if q := f.fail[op]; len(q) > 0 {
		f.fail[op] = q[1:]
		return q[0]
	}

	return nil
}

func (f *fakeDrive) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fail[op] = append(f.fail[op], errs...)
}

func (f *fakeDrive) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

func (f *fakeDrive) addOwn(parent, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.own[parent] = append(f.own[parent], drive.Node{ID: id, Name: name, IsContainer: true, ParentID: parent})
}

func (f *fakeDrive) addShared(parent, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.share[parent] = append(f.share[parent], drive.Node{ID: id, Name: name, IsContainer: true, ParentID: parent})
}

func (f *fakeDrive) Provider() drive.ProviderID { return f.label.Provider }

func (f *fakeDrive) Initialize(context.Context) (drive.AccountInfo, error) {
	if err := f.enter("init"); err != nil {
		return drive.AccountInfo{}, err
	}

	return drive.AccountInfo{Name: "tester"}, nil
}

func (f *fakeDrive) ShareToken(_ context.Context, shareID, passcode string) (drive.ShareToken, error) {
	if err := f.enter("share_token"); err != nil {
		return drive.ShareToken{}, err
	}

	if passcode == "bad" {
		return drive.ShareToken{}, f.label.Errorf(drive.KindBadInput, "41008", "wrong passcode")
	}

	return drive.ShareToken{Value: "stoken-" + shareID}, nil
}

func (f *fakeDrive) ListShareChildren(_ context.Context, _ string, _ drive.ShareToken, containerID string) ([]drive.Node, error) {
	if err := f.enter("list_share"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]drive.Node(nil), f.share[containerID]...), nil
}

func (f *fakeDrive) ListChildren(_ context.Context, containerID string) ([]drive.Node, error) {
	if err := f.enter("list"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]drive.Node(nil), f.own[containerID]...), nil
}

func (f *fakeDrive) TransferShared(_ context.Context, req drive.TransferRequest) (drive.TransferResult, error) {
	if err := f.enter("transfer"); err != nil {
		return drive.TransferResult{}, err
	}

	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()

	return drive.TransferResult{TaskID: "task-1"}, nil
}

func (f *fakeDrive) PollTransfer(context.Context, string) (drive.TaskStatus, error) {
	if err := f.enter("poll"); err != nil {
		return drive.TaskStatus{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.polls) == 0 {
		return drive.TaskStatus{State: drive.TaskDone, Progress: 100}, nil
	}

	st := f.polls[0]
	f.polls = f.polls[1:]

	return st, nil
}

func (f *fakeDrive) MakeContainer(ctx context.Context, path string) (drive.Node, error) {
	if err := f.enter("mkdir"); err != nil {
		return drive.Node{}, err
	}

	return drive.MakeWalk(ctx, f.listOwn, drive.RootID, path, func(_ context.Context, parentID, name string) (drive.Node, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.nextID++
		n := drive.Node{ID: fmt.Sprintf("new%d", f.nextID), Name: name, IsContainer: true, ParentID: parentID}
		f.own[parentID] = append(f.own[parentID], n)

		return n, nil
	})
}

func (f *fakeDrive) listOwn(_ context.Context, id string) ([]drive.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]drive.Node(nil), f.own[id]...), nil
}

func (f *fakeDrive) Rename(context.Context, string, string) error {
	return f.enter("rename")
}

func (f *fakeDrive) Delete(context.Context, []string) error {
	return f.enter("delete")
}

func (f *fakeDrive) ResolvePaths(ctx context.Context, paths []string) ([]drive.PathID, error) {
	if err := f.enter("resolve"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.resolve = append(f.resolve, append([]string(nil), paths...))
	f.mu.Unlock()

	return drive.ResolveWalk(ctx, f.listOwn, drive.RootID, paths)
}

func (f *fakeDrive) ParseShareURL(rawURL string) (drive.ShareRef, error) {
	i := strings.LastIndex(rawURL, "/s/")
	if i < 0 {
		return drive.ShareRef{}, f.label.Errorf(drive.KindBadInput, "", "not a share link")
	}

	return drive.ShareRef{ShareID: rawURL[i+3:]}, nil
}

// crumbDrive adds a direct share breadcrumb lookup.
type crumbDrive struct {
	*fakeDrive
}

func (c crumbDrive) ShareBreadcrumb(context.Context, string, drive.ShareToken, string) (drive.Breadcrumb, error) {
	if err := c.enter("share_crumb"); err != nil {
		return nil, err
	}

	return drive.Breadcrumb{{ID: "x", Name: "Direct"}}, nil
}

// noWait retries immediately, up to n times.
func noWait(n uint64) func() retry.Backoff {
	return func() retry.Backoff {
		return retry.WithMaxRetries(n, retry.NewConstant(time.Nanosecond))
	}
}

type fixture struct {
	svc   *Service
	quark *fakeDrive
	baidu *fakeDrive
	cache *pathcache.Cache
}

// newFixture wires a service over two accounts: "q" (quark, default) and
// "b" (baidu). The baidu fake optionally exposes ShareBreadcrumb.
func newFixture(t *testing.T, baiduCrumbs bool) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Accounts["q"] = config.Account{Provider: "quark", Secret: "qs", Default: true}
	cfg.Accounts["b"] = config.Account{Provider: "baidu", Secret: "bs"}
	cfg.Order = []string{"q", "b"}
	holder := config.NewHolder(cfg, "")

	fx := &fixture{
		quark: newFakeDrive(drive.Quark, "q"),
		baidu: newFakeDrive(drive.Baidu, "b"),
	}

	f := factory.New(nil)
	f.RegisterProvider(drive.Quark, func(string, drive.Options) (drive.Adapter, error) { return fx.quark, nil })
	f.RegisterProvider(drive.Baidu, func(string, drive.Options) (drive.Adapter, error) {
		if baiduCrumbs {
			return crumbDrive{fx.baidu}, nil
		}

		return fx.baidu, nil
	})

	store, err := pathcache.OpenSQLite(t.Context(), t.TempDir()+"/paths.db", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fx.cache = pathcache.New(store, nil)
	fx.svc = New(account.NewRouter(holder, f, nil, nil), f, nil,
		WithCache(fx.cache),
		WithBackoff(noWait(3)),
		WithPollInterval(time.Millisecond),
	)

	return fx
}
