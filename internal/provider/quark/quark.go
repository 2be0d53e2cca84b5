// Package quark implements drive.Adapter for Quark and UC cloud drives,
// which share one API shape on different hosts.
package quark

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/rest"
)

const (
	pageSize      = 50
	pathBatchSize = 50
	listSort      = "file_type:asc,updated_at:desc"
)

// flavor holds what differs between Quark and UC.
type flavor struct {
	id          drive.ProviderID
	apiHost     string
	accountHost string
	pr          string
}

var (
	quarkFlavor = flavor{
		id:          drive.Quark,
		apiHost:     "https://drive-pc.quark.cn",
		accountHost: "https://pan.quark.cn",
		pr:          "ucpro",
	}
	ucFlavor = flavor{
		id:          drive.UC,
		apiHost:     "https://pc-api.uc.cn",
		accountHost: "https://drive.uc.cn",
		pr:          "UCBrowser",
	}
)

// Adapter talks to the Quark or UC clouddrive API.
type Adapter struct {
	label   drive.Label
	flavor  flavor
	api     *rest.Client
	account *rest.Client
	session *drive.CookieSession
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	polls map[string]int // poll count per task, sent as retry_index
}

// NewQuark creates a Quark adapter for the given cookie string.
func NewQuark(secret string, opts drive.Options) (drive.Adapter, error) {
	return newAdapter(quarkFlavor, secret, opts)
}

// NewUC creates a UC adapter for the given cookie string.
func NewUC(secret string, opts drive.Options) (drive.Adapter, error) {
	return newAdapter(ucFlavor, secret, opts)
}

func newAdapter(f flavor, secret string, opts drive.Options) (*Adapter, error) {
	label := drive.Label{Provider: f.id, Account: opts.Account}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, label.Errorf(drive.KindBadInput, "", "empty cookie")
	}

	a := &Adapter{
		label:  label,
		flavor: f,
		logger: opts.Log(),
		now:    opts.Clock(),
		polls:  make(map[string]int),
	}

	limiter := rest.NewLimiter(opts.RequestsPerSecond, opts.Burst)
	common := []rest.Option{
		rest.WithLimiter(limiter),
		rest.WithAuthorizer(rest.Cookie(secret)),
		rest.WithHeader("Origin", f.accountHost),
		rest.WithHeader("Referer", f.accountHost+"/"),
		rest.WithQuery("pr", f.pr),
		rest.WithQuery("fr", "pc"),
	}

	a.api = rest.NewClient(opts.Host(f.apiHost), opts.HTTP(), a.logger, common...)
	a.account = rest.NewClient(opts.Host(f.accountHost), opts.HTTP(), a.logger, common...)
	a.session = drive.NewCookieSession(a.probe)

	return a, nil
}

// Provider implements drive.Adapter.
func (a *Adapter) Provider() drive.ProviderID { return a.flavor.id }

// ResetSession implements drive.SessionResetter.
func (a *Adapter) ResetSession() bool {
	if a.session.Failed() == nil {
		return false
	}

	a.session.Reset()

	return true
}

// envelope wraps every clouddrive response.
type envelope[T any] struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Data     T      `json:"data"`
	Metadata struct {
		Total int `json:"_total"`
		Count int `json:"_count"`
	} `json:"metadata"`
}

// codeKinds maps clouddrive error codes. Unknown codes fall back to the
// HTTP status.
var codeKinds = map[int]drive.Kind{
	31001: drive.KindAuthInvalid,
	41004: drive.KindNotFound,
	41006: drive.KindNotFound,
	41008: drive.KindBadInput,
	41011: drive.KindNotFound,
	41012: drive.KindBadInput,
	32003: drive.KindQuotaExceeded,
	23008: drive.KindBadInput,
}

func (a *Adapter) failure(code int, msg, op string, fallback drive.Kind) *drive.Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = fallback
	}

	if strings.Contains(strings.ToLower(msg), "capacity limit") {
		kind = drive.KindQuotaExceeded
	}

	return a.label.Errorf(kind, strconv.Itoa(code), "%s: %s", op, msg)
}

// call runs req and checks the envelope. out receives the whole envelope.
func call[T any](ctx context.Context, a *Adapter, c *rest.Client, op string, req *rest.Request, out *envelope[T]) error {
	err := c.JSON(ctx, req, out)
	if err != nil {
		var body envelope[struct{}]
		if se := statusError(err); se != nil && rest.Decode("", se.Body, &body) == nil && body.Code != 0 {
			return a.failure(body.Code, body.Message, op, se.Kind())
		}

		return a.label.Wrap(err, op)
	}

	if out.Code != 0 {
		return a.failure(out.Code, out.Message, op, drive.KindTransport)
	}

	return nil
}

// own is call for the user's drive: it validates the cookie first and
// remembers a rejection.
func own[T any](ctx context.Context, a *Adapter, op string, req *rest.Request, out *envelope[T]) error {
	if _, err := a.session.Ensure(ctx); err != nil {
		return err
	}

	err := call(ctx, a, a.api, op, req, out)
	a.session.MarkInvalid(err)

	return err
}

func (a *Adapter) probe(ctx context.Context) (drive.AccountInfo, error) {
	var resp struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Data    *struct {
			Nickname  string `json:"nickname"`
			AvatarURI string `json:"avatarUri"`
			Mobile    string `json:"mobilekps"`
		} `json:"data"`
	}

	if err := a.account.JSON(ctx, &rest.Request{Path: "/account/info"}, &resp); err != nil {
		return drive.AccountInfo{}, a.label.Wrap(err, "reading account")
	}

	if resp.Data == nil {
		return drive.AccountInfo{}, a.label.Errorf(drive.KindAuthInvalid, resp.Code, "cookie rejected")
	}

	info := drive.AccountInfo{Name: resp.Data.Nickname, RootID: drive.RootID}

	var member envelope[struct {
		TotalCapacity int64  `json:"total_capacity"`
		UseCapacity   int64  `json:"use_capacity"`
		MemberType    string `json:"member_type"`
	}]

	err := call(ctx, a, a.api, "reading membership", &rest.Request{
		Path:  "/1/clouddrive/member",
		Query: url.Values{"fetch_subscribe": {"true"}, "fetch_identity": {"true"}},
	}, &member)
	if err != nil {
		a.logger.Debug("membership lookup failed", slog.String("error", err.Error()))
	} else {
		info.Capacity = member.Data.TotalCapacity
		info.Used = member.Data.UseCapacity
		info.VIP = member.Data.MemberType != "" && member.Data.MemberType != "NORMAL"
	}

	return info, nil
}

// Initialize implements drive.Adapter.
func (a *Adapter) Initialize(ctx context.Context) (drive.AccountInfo, error) {
	return a.session.Ensure(ctx)
}

var (
	shareIDPattern  = regexp.MustCompile(`/s/(\w+)`)
	passcodePattern = regexp.MustCompile(`(?:pwd|password)=(\w+)`)
	hintPattern     = regexp.MustCompile(`/(\w{32})-?([^/?#]+)?`)
)

// ParseShareURL implements drive.Adapter. Links into a sub-folder carry
// "fid-name" segments, which become the container and breadcrumb hints.
func (a *Adapter) ParseShareURL(rawURL string) (drive.ShareRef, error) {
	m := shareIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return drive.ShareRef{}, a.label.Errorf(drive.KindBadInput, "", "not a %s share link: %s", a.flavor.id, rawURL)
	}

	ref := drive.ShareRef{ShareID: m[1]}
	if p := passcodePattern.FindStringSubmatch(rawURL); p != nil {
		ref.Passcode = p[1]
	}

	for _, h := range hintPattern.FindAllStringSubmatch(rawURL, -1) {
		name, err := url.PathUnescape(h[2])
		if err != nil {
			name = h[2]
		}

		ref.Hints = append(ref.Hints, drive.Crumb{ID: h[1], Name: strings.ReplaceAll(name, "*101", "-")})
	}

	if len(ref.Hints) > 0 {
		ref.ContainerID = ref.Hints.Last().ID
	}

	return ref, nil
}

// ShareToken implements drive.Adapter.
func (a *Adapter) ShareToken(ctx context.Context, shareID, passcode string) (drive.ShareToken, error) {
	var resp envelope[struct {
		Stoken string `json:"stoken"`
		Title  string `json:"title"`
	}]

	err := call(ctx, a, a.api, "opening share", &rest.Request{
		Method: http.MethodPost,
		Path:   "/1/clouddrive/share/sharepage/token",
		JSON:   map[string]string{"pwd_id": shareID, "passcode": passcode},
	}, &resp)
	if err != nil {
		return drive.ShareToken{}, err
	}

	return drive.ShareToken{Value: resp.Data.Stoken, Title: resp.Data.Title}, nil
}

type file struct {
	FID           string `json:"fid"`
	PdirFID       string `json:"pdir_fid"`
	FileName      string `json:"file_name"`
	Dir           bool   `json:"dir"`
	FileType      int    `json:"file_type"`
	Size          int64  `json:"size"`
	UpdatedAt     int64  `json:"updated_at"`
	ShareFIDToken string `json:"share_fid_token"`
}

func (f file) node() drive.Node {
	n := drive.Node{
		ID:          f.FID,
		Name:        f.FileName,
		IsContainer: f.Dir || f.FileType == 0,
		Size:        f.Size,
		ShareToken:  f.ShareFIDToken,
		ParentID:    f.PdirFID,
	}

	if f.UpdatedAt > 0 {
		n.ModTime = time.UnixMilli(f.UpdatedAt)
	}

	return n
}

type fileList struct {
	List     []file       `json:"list"`
	FullPath []fullPathEl `json:"full_path"`
}

type fullPathEl struct {
	FID      string `json:"fid"`
	FileName string `json:"file_name"`
}

func page(resp *envelope[fileList], pageNo int) drive.Page {
	nodes := make([]drive.Node, len(resp.Data.List))
	for i, f := range resp.Data.List {
		nodes[i] = f.node()
	}

	return drive.Page{
		Items: nodes,
		Next:  drive.PageNumberCursor(pageNo, len(nodes), pageSize),
		Total: resp.Metadata.Total,
	}
}

func (a *Adapter) shareDetail(
	ctx context.Context, shareID, stoken, pdirFID string, pageNo int, fullPath bool,
) (*envelope[fileList], error) {
	fp := "0"
	if fullPath {
		fp = "1"
	}

	var resp envelope[fileList]

	err := call(ctx, a, a.api, "listing share", &rest.Request{
		Path: "/1/clouddrive/share/sharepage/detail",
		Query: url.Values{
			"pwd_id":                {shareID},
			"stoken":                {stoken},
			"pdir_fid":              {pdirFID},
			"force":                 {"0"},
			"_page":                 {strconv.Itoa(pageNo)},
			"_size":                 {strconv.Itoa(pageSize)},
			"_fetch_banner":         {"0"},
			"_fetch_share":          {"0"},
			"_fetch_total":          {"1"},
			"_sort":                 {listSort},
			"fetch_share_full_path": {fp},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

func containerOrRoot(id string) string {
	if id == "" {
		return drive.RootID
	}

	return id
}

// ListShareChildren implements drive.Adapter.
func (a *Adapter) ListShareChildren(
	ctx context.Context, shareID string, token drive.ShareToken, containerID string,
) ([]drive.Node, error) {
	pdir := containerOrRoot(containerID)

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		n := drive.ParsePageNumber(cursor)

		resp, err := a.shareDetail(ctx, shareID, token.Value, pdir, n, false)
		if err != nil {
			return drive.Page{}, err
		}

		return page(resp, n), nil
	}, drive.PageOptions{})
}

// ShareBreadcrumb implements drive.ShareBreadcrumber using the full path
// the detail endpoint can return alongside the first page.
func (a *Adapter) ShareBreadcrumb(
	ctx context.Context, shareID string, token drive.ShareToken, containerID string,
) (drive.Breadcrumb, error) {
	pdir := containerOrRoot(containerID)
	if pdir == drive.RootID {
		return drive.Breadcrumb{}, nil
	}

	resp, err := a.shareDetail(ctx, shareID, token.Value, pdir, 1, true)
	if err != nil {
		return nil, err
	}

	crumbs := make(drive.Breadcrumb, 0, len(resp.Data.FullPath))
	for _, p := range resp.Data.FullPath {
		crumbs = append(crumbs, drive.Crumb{ID: p.FID, Name: p.FileName})
	}

	return crumbs, nil
}

// ListChildren implements drive.Adapter.
func (a *Adapter) ListChildren(ctx context.Context, containerID string) ([]drive.Node, error) {
	pdir := containerOrRoot(containerID)

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		n := drive.ParsePageNumber(cursor)

		var resp envelope[fileList]

		err := own(ctx, a, "listing folder", &rest.Request{
			Path: "/1/clouddrive/file/sort",
			Query: url.Values{
				"pdir_fid":        {pdir},
				"_page":           {strconv.Itoa(n)},
				"_size":           {strconv.Itoa(pageSize)},
				"_fetch_total":    {"1"},
				"_fetch_sub_dirs": {"0"},
				"_sort":           {listSort},
			},
		}, &resp)
		if err != nil {
			return drive.Page{}, err
		}

		return page(&resp, n), nil
	}, drive.PageOptions{})
}

// antiCache returns the jittered __dt/__t pair the web client sends on
// task calls.
func (a *Adapter) antiCache(q url.Values) url.Values {
	q.Set("__dt", strconv.Itoa(60_000+rand.IntN(4*60_000)))
	q.Set("__t", strconv.FormatInt(a.now().UnixMilli(), 10))

	return q
}

// TransferShared implements drive.Adapter. Saving is asynchronous; the
// returned task id is polled with PollTransfer.
func (a *Adapter) TransferShared(ctx context.Context, req drive.TransferRequest) (drive.TransferResult, error) {
	if len(req.NodeIDs) == 0 {
		return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "", "nothing to transfer")
	}

	if len(req.NodeTokens) != len(req.NodeIDs) {
		return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "",
			"need one share token per node: got %d for %d", len(req.NodeTokens), len(req.NodeIDs))
	}

	var resp envelope[struct {
		TaskID string `json:"task_id"`
	}]

	err := own(ctx, a, "saving share", &rest.Request{
		Method: http.MethodPost,
		Path:   "/1/clouddrive/share/sharepage/save",
		Query:  a.antiCache(url.Values{"entry": {"update_share"}}),
		JSON: map[string]any{
			"fid_list":       req.NodeIDs,
			"fid_token_list": req.NodeTokens,
			"to_pdir_fid":    containerOrRoot(req.TargetID),
			"pwd_id":         req.ShareID,
			"stoken":         req.Token.Value,
			"pdir_fid":       "0",
			"scene":          "link",
		},
	}, &resp)
	if err != nil {
		return drive.TransferResult{}, err
	}

	if resp.Data.TaskID == "" {
		return drive.TransferResult{}, a.label.Errorf(drive.KindTransport, "", "save returned no task")
	}

	return drive.TransferResult{TaskID: resp.Data.TaskID}, nil
}

// Provider task states.
const (
	taskFailed  = -1
	taskPending = 0
	taskRunning = 1
	taskDone    = 2
)

func (a *Adapter) nextPoll(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.polls[taskID]
	a.polls[taskID] = n + 1

	return n
}

func (a *Adapter) forgetPoll(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.polls, taskID)
}

// PollTransfer implements drive.Adapter.
func (a *Adapter) PollTransfer(ctx context.Context, taskID string) (drive.TaskStatus, error) {
	var resp envelope[struct {
		Status    int    `json:"status"`
		TaskTitle string `json:"task_title"`
		Message   string `json:"message"`
		SaveAs    struct {
			TopFIDs []string `json:"save_as_top_fids"`
		} `json:"save_as"`
	}]

	err := own(ctx, a, "polling task", &rest.Request{
		Path: "/1/clouddrive/task",
		Query: a.antiCache(url.Values{
			"task_id":     {taskID},
			"retry_index": {strconv.Itoa(a.nextPoll(taskID))},
		}),
	}, &resp)
	if err != nil {
		a.forgetPoll(taskID)
		return drive.TaskStatus{}, err
	}

	st := drive.TaskStatus{Message: resp.Data.Message}

	switch resp.Data.Status {
	case taskDone:
		st.State = drive.TaskDone
		st.Progress = 100
		st.SavedIDs = resp.Data.SaveAs.TopFIDs
	case taskFailed:
		st.State = drive.TaskFailed
	case taskPending:
		st.State = drive.TaskPending
	case taskRunning:
		st.State = drive.TaskRunning
	default:
		return drive.TaskStatus{}, a.label.Errorf(drive.KindTransport, "", "unknown task status %d", resp.Data.Status)
	}

	if st.State.Terminal() {
		a.forgetPoll(taskID)
	}

	return st, nil
}

// MakeContainer implements drive.Adapter. The provider creates every
// missing segment of dir_path in one call.
func (a *Adapter) MakeContainer(ctx context.Context, path string) (drive.Node, error) {
	path = drive.CleanPath(path)
	if path == "/" {
		return drive.Node{ID: drive.RootID, Name: "/", IsContainer: true}, nil
	}

	found, err := a.ResolvePaths(ctx, []string{path})
	if err != nil {
		return drive.Node{}, err
	}

	if len(found) == 1 && found[0].ID != "" {
		return a.nodeAt(path, found[0].ID), nil
	}

	var resp envelope[struct {
		FID string `json:"fid"`
	}]

	err = own(ctx, a, "creating folder", &rest.Request{
		Method: http.MethodPost,
		Path:   "/1/clouddrive/file",
		JSON: map[string]any{
			"pdir_fid":      drive.RootID,
			"file_name":     "",
			"dir_path":      path,
			"dir_init_lock": false,
		},
	}, &resp)
	if err != nil {
		return drive.Node{}, err
	}

	return a.nodeAt(path, resp.Data.FID), nil
}

func (a *Adapter) nodeAt(path, id string) drive.Node {
	segs := drive.SplitPath(path)

	return drive.Node{ID: id, Name: segs[len(segs)-1], IsContainer: true}
}

// Rename implements drive.Adapter.
func (a *Adapter) Rename(ctx context.Context, id, newName string) error {
	var resp envelope[struct{}]

	return own(ctx, a, "renaming", &rest.Request{
		Method: http.MethodPost,
		Path:   "/1/clouddrive/file/rename",
		JSON:   map[string]string{"fid": id, "file_name": newName},
	}, &resp)
}

// Delete implements drive.Adapter.
func (a *Adapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	var resp envelope[struct{}]

	return own(ctx, a, "deleting", &rest.Request{
		Method: http.MethodPost,
		Path:   "/1/clouddrive/file/delete",
		JSON:   map[string]any{"action_type": 2, "filelist": ids, "exclude_fids": []string{}},
	}, &resp)
}

// ResolvePaths implements drive.Adapter with the batch path lookup.
func (a *Adapter) ResolvePaths(ctx context.Context, paths []string) ([]drive.PathID, error) {
	out := make([]drive.PathID, len(paths))
	index := make(map[string][]int, len(paths))
	var query []string

	for i, p := range paths {
		p = drive.CleanPath(p)
		out[i].Path = p

		if p == "/" {
			out[i].ID = drive.RootID
			continue
		}

		if _, seen := index[p]; !seen {
			query = append(query, p)
		}

		index[p] = append(index[p], i)
	}

	for start := 0; start < len(query); start += pathBatchSize {
		batch := query[start:min(start+pathBatchSize, len(query))]

		var resp envelope[[]struct {
			FilePath string `json:"file_path"`
			FID      string `json:"fid"`
		}]

		err := own(ctx, a, "resolving paths", &rest.Request{
			Method: http.MethodPost,
			Path:   "/1/clouddrive/file/info/path_list",
			JSON:   map[string]any{"file_path": batch, "namespace": "0"},
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, r := range resp.Data {
			for _, i := range index[drive.CleanPath(r.FilePath)] {
				out[i].ID = r.FID
			}
		}
	}

	return out, nil
}

func statusError(err error) *rest.StatusError {
	var se *rest.StatusError
	if errors.As(err, &se) {
		return se
	}

	return nil
}
