// Package baidu implements drive.Adapter for Baidu Netdisk.
//
// Own-drive identifiers are absolute paths, because every PCS file call
// addresses files by path. Share identifiers are fs_ids; the adapter
// remembers the path behind each fs_id it has listed and falls back to a
// bounded search of the share tree for ones it has not seen.
package baidu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/rest"
)

const (
	pcsHost = "https://pcs.baidu.com"
	panHost = "https://pan.baidu.com"

	pcsUA = "softxm;netdisk"
	panUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_14_6) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/77.0.3865.75 Safari/537.36"

	pcsAppID = "778750"
	panAppID = "250528"

	sharePageSize = 100
	settleDelay   = 5 * time.Second
)

// Adapter talks to the Baidu PCS and pan web APIs.
type Adapter struct {
	label   drive.Label
	pcs     *rest.Client
	pan     *rest.Client
	session *drive.CookieSession
	tasks   drive.SyncTasks
	logger  *slog.Logger
	settle  time.Duration

	mu         sync.Mutex
	bdstoken   string
	sharePaths map[string]string // shareID + "/" + fs_id -> share path
}

// New creates an adapter for a cookie string containing BDUSS.
func New(secret string, opts drive.Options) (drive.Adapter, error) {
	return newAdapter(secret, opts)
}

func newAdapter(secret string, opts drive.Options) (*Adapter, error) {
	label := drive.Label{Provider: drive.Baidu, Account: opts.Account}

	secret = strings.TrimSpace(secret)
	if !hasCookie(secret, "BDUSS") {
		return nil, label.Errorf(drive.KindBadInput, "", "cookie has no BDUSS")
	}

	a := &Adapter{
		label:      label,
		logger:     opts.Log(),
		settle:     settleDelay,
		sharePaths: make(map[string]string),
	}

	limiter := rest.NewLimiter(opts.RequestsPerSecond, opts.Burst)
	cookie := rest.Cookie(secret)

	a.pcs = rest.NewClient(opts.Host(pcsHost), opts.HTTP(), a.logger,
		rest.WithLimiter(limiter),
		rest.WithAuthorizer(cookie),
		rest.WithHeader("User-Agent", pcsUA),
		rest.WithQuery("app_id", pcsAppID),
	)
	a.pan = rest.NewClient(opts.Host(panHost), opts.HTTP(), a.logger,
		rest.WithLimiter(limiter),
		rest.WithAuthorizer(cookie),
		rest.WithHeader("User-Agent", panUA),
		rest.WithQuery("app_id", panAppID),
	)
	a.session = drive.NewCookieSession(a.probe)

	return a, nil
}

func hasCookie(cookie, name string) bool {
	for _, kv := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && k == name && v != "" {
			return true
		}
	}

	return false
}

// Provider implements drive.Adapter.
func (a *Adapter) Provider() drive.ProviderID { return drive.Baidu }

// ResetSession implements drive.SessionResetter.
func (a *Adapter) ResetSession() bool {
	if a.session.Failed() == nil {
		return false
	}

	a.session.Reset()

	return true
}

// errnoKinds classifies Baidu errno values.
var errnoKinds = map[int]drive.Kind{
	-6:     drive.KindAuthInvalid,
	-21:    drive.KindAuthInvalid,
	-9:     drive.KindNotFound,
	-1:     drive.KindNotFound,
	-7:     drive.KindNotFound,
	105:    drive.KindNotFound,
	145:    drive.KindNotFound,
	31066:  drive.KindNotFound,
	-62:    drive.KindRateLimited,
	-65:    drive.KindRateLimited,
	111:    drive.KindRateLimited,
	-3:     drive.KindQuotaExceeded,
	-10:    drive.KindQuotaExceeded,
	2:      drive.KindBadInput,
	4:      drive.KindBadInput,
	12:     drive.KindBadInput,
	200025: drive.KindBadInput,
	31061:  drive.KindBadInput,
}

var errnoMessages = map[int]string{
	-6:     "credential rejected",
	-9:     "file does not exist",
	-62:    "captcha required",
	-65:    "too many requests",
	-1:     "share does not exist",
	-3:     "too many files to transfer",
	-7:     "shared folder under review",
	-10:    "not enough space",
	-21:    "account locked",
	2:      "invalid parameter",
	4:      "wrong extraction code",
	12:     "transfer failed",
	105:    "share expired",
	111:    "another task is running",
	145:    "share invalid",
	200025: "wrong extraction code",
	31061:  "file already exists",
	31066:  "directory does not exist",
	31299:  "failed to create folder",
}

// errnoError converts a nonzero errno into a *drive.Error.
func (a *Adapter) errnoError(errno int, msg, op string) *drive.Error {
	kind, ok := errnoKinds[errno]
	if !ok {
		kind = drive.KindTransport
	}

	if msg == "" {
		msg = errnoMessages[errno]
	}

	if msg == "" {
		msg = "errno " + strconv.Itoa(errno)
	}

	return a.label.Errorf(kind, strconv.Itoa(errno), "%s: %s", op, msg)
}

// status is the error part of pan and PCS responses. pan uses errno; PCS
// uses error_code.
type status struct {
	Errno     int    `json:"errno"`
	ErrorCode int    `json:"error_code"`
	ErrMsg    string `json:"errmsg"`
	ErrorMsg  string `json:"error_msg"`
	ShowMsg   string `json:"show_msg"`
}

func (s status) code() int {
	if s.Errno != 0 {
		return s.Errno
	}

	return s.ErrorCode
}

func (s status) message() string {
	for _, m := range []string{s.ShowMsg, s.ErrMsg, s.ErrorMsg} {
		if m != "" {
			return m
		}
	}

	return ""
}

// call performs req and checks errno. out must embed status or be nil.
func (a *Adapter) call(ctx context.Context, c *rest.Client, op string, req *rest.Request, out any) error {
	body, err := c.Bytes(ctx, req)
	if err != nil {
		var se *rest.StatusError
		if errors.As(err, &se) {
			var st status
			if rest.Decode("", se.Body, &st) == nil && st.code() != 0 {
				return a.errnoError(st.code(), st.message(), op)
			}
		}

		return a.label.Wrap(err, op)
	}

	var st status
	if err := rest.Decode(req.Path, body, &st); err != nil {
		return a.label.Wrap(err, op)
	}

	if st.code() != 0 {
		return a.errnoError(st.code(), st.message(), op)
	}

	return a.label.Wrap(rest.Decode(req.Path, body, out), op)
}

// own is call for the user's drive: it validates the cookie first and
// remembers a rejection.
func (a *Adapter) own(ctx context.Context, c *rest.Client, op string, req *rest.Request, out any) error {
	if _, err := a.session.Ensure(ctx); err != nil {
		return err
	}

	err := a.call(ctx, c, op, req, out)
	a.session.MarkInvalid(err)

	return err
}

var (
	bdstokenPattern = regexp.MustCompile(`bdstoken['":\s]+([0-9a-f]{32})`)
	usernamePattern = regexp.MustCompile(`"username"\s*:\s*"([^"]*)"`)
	ukPattern       = regexp.MustCompile(`"uk"\s*:\s*"?(\d+)`)
)

// probe loads the disk home page. A logged-out cookie gets a page without
// a bdstoken.
func (a *Adapter) probe(ctx context.Context) (drive.AccountInfo, error) {
	html, err := a.pan.Bytes(ctx, &rest.Request{Path: "/disk/home"})
	if err != nil {
		return drive.AccountInfo{}, a.label.Wrap(err, "loading home page")
	}

	m := bdstokenPattern.FindSubmatch(html)
	if m == nil {
		return drive.AccountInfo{}, a.label.Errorf(drive.KindAuthInvalid, "", "cookie rejected: no bdstoken on home page")
	}

	a.mu.Lock()
	a.bdstoken = string(m[1])
	a.mu.Unlock()

	info := drive.AccountInfo{Name: "baidu", RootID: "/"}
	if u := usernamePattern.FindSubmatch(html); u != nil && len(u[1]) > 0 {
		info.Name = string(u[1])
	}

	if u := ukPattern.FindSubmatch(html); u != nil {
		info.UserID = string(u[1])
	}

	var quota struct {
		status
		Quota int64 `json:"quota"`
		Used  int64 `json:"used"`
	}

	err = a.call(ctx, a.pcs, "reading quota", &rest.Request{
		Path:  "/rest/2.0/pcs/quota",
		Query: url.Values{"method": {"info"}},
	}, &quota)
	if err != nil {
		a.logger.Debug("quota lookup failed", slog.String("error", err.Error()))
	} else {
		info.Capacity = quota.Quota
		info.Used = quota.Used
	}

	return info, nil
}

// Initialize implements drive.Adapter.
func (a *Adapter) Initialize(ctx context.Context) (drive.AccountInfo, error) {
	return a.session.Ensure(ctx)
}

var (
	shareIDPattern  = regexp.MustCompile(`/s/([a-zA-Z0-9_-]+)`)
	surlPattern     = regexp.MustCompile(`surl=([a-zA-Z0-9_-]+)`)
	passcodePattern = regexp.MustCompile(`(?:pwd|password)=([a-zA-Z0-9]+)`)
	hashCodePattern = regexp.MustCompile(`#([a-zA-Z0-9]{4})\b`)
	subdirPattern   = regexp.MustCompile(`#/list/share/(\w+)`)
)

// ParseShareURL implements drive.Adapter. Both /s/1xxx links and
// share/init?surl=xxx links are accepted; the share id always keeps the
// leading "1".
func (a *Adapter) ParseShareURL(rawURL string) (drive.ShareRef, error) {
	var ref drive.ShareRef

	if m := shareIDPattern.FindStringSubmatch(rawURL); m != nil {
		ref.ShareID = m[1]
	} else if m := surlPattern.FindStringSubmatch(rawURL); m != nil {
		ref.ShareID = "1" + m[1]
	} else {
		return drive.ShareRef{}, a.label.Errorf(drive.KindBadInput, "", "not a baidu share link: %s", rawURL)
	}

	if p := passcodePattern.FindStringSubmatch(rawURL); p != nil {
		ref.Passcode = p[1]
	} else if h := hashCodePattern.FindStringSubmatch(rawURL); h != nil {
		ref.Passcode = h[1]
	}

	if s := subdirPattern.FindStringSubmatch(rawURL); s != nil {
		ref.ContainerID = s[1]
	}

	return ref, nil
}

func surl(shareID string) string {
	return strings.TrimPrefix(shareID, "1")
}

// shareCookie is the cookie that proves the extraction code was verified.
func shareCookie(token drive.ShareToken) http.Header {
	return http.Header{"Cookie": {"BDCLND=" + token.Value}}
}

// flexInt accepts numbers and numeric strings.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}

	*n = flexInt(v)

	return nil
}

func (n flexInt) String() string { return strconv.FormatInt(int64(n), 10) }

type shareItem struct {
	FSID           flexInt `json:"fs_id"`
	Path           string  `json:"path"`
	ParentPath     string  `json:"parent_path"`
	ServerFilename string  `json:"server_filename"`
	IsDir          flexInt `json:"isdir"`
	Size           flexInt `json:"size"`
	ServerMtime    flexInt `json:"server_mtime"`
}

func (it shareItem) fullPath() string {
	if it.Path != "" {
		return it.Path
	}

	parent, err := url.PathUnescape(it.ParentPath)
	if err != nil {
		parent = it.ParentPath
	}

	if parent == "" {
		return it.ServerFilename
	}

	return parent + "/" + it.ServerFilename
}

func (it shareItem) name() string {
	if it.ServerFilename != "" {
		return it.ServerFilename
	}

	return path.Base(it.fullPath())
}

func (it shareItem) node(parentID string) drive.Node {
	n := drive.Node{
		ID:          it.FSID.String(),
		Name:        it.name(),
		IsContainer: it.IsDir == 1,
		Size:        int64(it.Size),
		ShareToken:  it.FSID.String(),
		ParentID:    parentID,
	}

	if it.ServerMtime > 0 {
		n.ModTime = time.Unix(int64(it.ServerMtime), 0)
	}

	return n
}

// sharePage is the metadata embedded in a share landing page.
type sharePage struct {
	UK       flexInt         `json:"uk"`
	ShareUK  flexInt         `json:"share_uk"`
	ShareID  flexInt         `json:"shareid"`
	BDSToken string          `json:"bdstoken"`
	Title    string          `json:"title"`
	FileList json.RawMessage `json:"file_list"`
}

func (p sharePage) uk() string {
	if p.ShareUK != 0 {
		return p.ShareUK.String()
	}

	return p.UK.String()
}

func (p sharePage) files() []shareItem {
	var items []shareItem
	if json.Unmarshal(p.FileList, &items) == nil {
		return items
	}

	var wrapped struct {
		List []shareItem `json:"list"`
	}

	if json.Unmarshal(p.FileList, &wrapped) == nil {
		return wrapped.List
	}

	return nil
}

var pageDataPattern = regexp.MustCompile(`(?:yunData\.setData|locals\.mset)\((.+?)\);`)

func (a *Adapter) loadSharePage(ctx context.Context, shareID string, token drive.ShareToken) (sharePage, error) {
	html, err := a.pan.Bytes(ctx, &rest.Request{
		Path:   "/s/" + url.PathEscape(shareID),
		Header: shareCookie(token),
	})
	if err != nil {
		return sharePage{}, a.label.Wrap(err, "loading share page")
	}

	m := pageDataPattern.FindSubmatch(html)
	if m == nil {
		return sharePage{}, a.label.Errorf(drive.KindNotFound, "", "share %s: page has no share data", shareID)
	}

	var p sharePage
	if err := json.Unmarshal(m[1], &p); err != nil {
		return sharePage{}, a.label.Wrap(err, "parsing share page")
	}

	if p.ShareID == 0 {
		return sharePage{}, a.label.Errorf(drive.KindNotFound, "", "share %s is unavailable", shareID)
	}

	return p, nil
}

// ShareToken implements drive.Adapter. Verifying the extraction code
// yields randsk, which later calls present as the BDCLND cookie. The
// share's numeric identifiers come from the landing page.
func (a *Adapter) ShareToken(ctx context.Context, shareID, passcode string) (drive.ShareToken, error) {
	var verify struct {
		status
		Randsk string `json:"randsk"`
	}

	initURL := a.pan.BaseURL() + "/share/init?surl=" + url.QueryEscape(surl(shareID))

	err := a.call(ctx, a.pan, "verifying extraction code", &rest.Request{
		Method: http.MethodPost,
		Path:   "/share/verify",
		Query: url.Values{
			"surl":       {surl(shareID)},
			"t":          {strconv.FormatInt(time.Now().UnixMilli(), 10)},
			"channel":    {"chunlei"},
			"web":        {"1"},
			"bdstoken":   {"null"},
			"clienttype": {"0"},
		},
		Form:   url.Values{"pwd": {passcode}, "vcode": {""}, "vcode_str": {""}},
		Header: http.Header{"Referer": {initURL}},
	}, &verify)
	if err != nil {
		return drive.ShareToken{}, err
	}

	token := drive.ShareToken{Value: verify.Randsk}

	p, err := a.loadSharePage(ctx, shareID, token)
	if err != nil {
		return drive.ShareToken{}, err
	}

	token.Title = p.Title
	token.Extra = map[string]string{
		"uk":       p.uk(),
		"shareid":  p.ShareID.String(),
		"bdstoken": p.BDSToken,
		"passcode": passcode,
	}

	if token.Title == "" {
		if files := p.files(); len(files) > 0 {
			token.Title = files[0].name()
		}
	}

	return token, nil
}

func pathKey(shareID, fsID string) string { return shareID + "/" + fsID }

func (a *Adapter) rememberPaths(shareID string, items []shareItem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, it := range items {
		if it.IsDir == 1 {
			a.sharePaths[pathKey(shareID, it.FSID.String())] = it.fullPath()
		}
	}
}

func (a *Adapter) knownPath(shareID, fsID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.sharePaths[pathKey(shareID, fsID)]

	return p, ok
}

func isShareRoot(containerID string) bool {
	return containerID == "" || containerID == drive.RootID || containerID == "/"
}

// ListShareChildren implements drive.Adapter.
func (a *Adapter) ListShareChildren(
	ctx context.Context, shareID string, token drive.ShareToken, containerID string,
) ([]drive.Node, error) {
	if isShareRoot(containerID) {
		p, err := a.loadSharePage(ctx, shareID, token)
		if err != nil {
			return nil, err
		}

		items := p.files()
		a.rememberPaths(shareID, items)

		nodes := make([]drive.Node, len(items))
		for i, it := range items {
			nodes[i] = it.node(drive.RootID)
		}

		return nodes, nil
	}

	dir, err := a.sharePath(ctx, shareID, token, containerID)
	if err != nil {
		return nil, err
	}

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		n := drive.ParsePageNumber(cursor)

		var resp struct {
			status
			List []shareItem `json:"list"`
		}

		err := a.call(ctx, a.pan, "listing share", &rest.Request{
			Path: "/share/list",
			Query: url.Values{
				"channel":    {"chunlei"},
				"clienttype": {"0"},
				"web":        {"1"},
				"page":       {strconv.Itoa(n)},
				"num":        {strconv.Itoa(sharePageSize)},
				"dir":        {dir},
				"t":          {strconv.FormatFloat(rand.Float64(), 'f', -1, 64)},
				"uk":         {token.Extra["uk"]},
				"shareid":    {token.Extra["shareid"]},
				"desc":       {"1"},
				"order":      {"other"},
				"bdstoken":   {"null"},
				"showempty":  {"0"},
			},
			Header: shareCookie(token),
		}, &resp)
		if err != nil {
			return drive.Page{}, err
		}

		a.rememberPaths(shareID, resp.List)

		nodes := make([]drive.Node, len(resp.List))
		for i, it := range resp.List {
			nodes[i] = it.node(containerID)
		}

		return drive.Page{Items: nodes, Next: drive.PageNumberCursor(n, len(nodes), sharePageSize)}, nil
	}, drive.PageOptions{})
}

// sharePath maps a shared folder's fs_id to its path inside the share.
func (a *Adapter) sharePath(ctx context.Context, shareID string, token drive.ShareToken, fsID string) (string, error) {
	if strings.HasPrefix(fsID, "/") {
		return fsID, nil
	}

	if p, ok := a.knownPath(shareID, fsID); ok {
		return p, nil
	}

	if _, err := strconv.ParseInt(fsID, 10, 64); err != nil {
		return "", a.label.Errorf(drive.KindBadInput, "", "share container id %q is neither a path nor an fs_id", fsID)
	}

	// Listing the tree populates the path memo as it goes.
	r := drive.Resolver{
		MaxDepth: drive.DefaultShareDepth,
		Logger:   a.logger,
		List: func(ctx context.Context, id string) ([]drive.Node, error) {
			return a.ListShareChildren(ctx, shareID, token, id)
		},
	}

	_, found, err := r.FindByID(ctx, drive.RootID, fsID)
	if err != nil {
		return "", err
	}

	if p, ok := a.knownPath(shareID, fsID); found && ok {
		return p, nil
	}

	return "", a.label.Errorf(drive.KindNotFound, "", "folder %s not found in share %s", fsID, shareID)
}

type pcsItem struct {
	FSID        flexInt `json:"fs_id"`
	Path        string  `json:"path"`
	IsDir       flexInt `json:"isdir"`
	Size        flexInt `json:"size"`
	ServerMtime flexInt `json:"server_mtime"`
}

// node converts a PCS entry. The path is the identifier; fs_id rides in
// ShareToken so id lookups can match it.
func (it pcsItem) node() drive.Node {
	n := drive.Node{
		ID:          it.Path,
		Name:        path.Base(it.Path),
		IsContainer: it.IsDir == 1,
		Size:        int64(it.Size),
		ShareToken:  it.FSID.String(),
		ParentID:    path.Dir(it.Path),
	}

	if it.ServerMtime > 0 {
		n.ModTime = time.Unix(int64(it.ServerMtime), 0)
	}

	return n
}

func (a *Adapter) listPath(ctx context.Context, dir string) ([]drive.Node, error) {
	var resp struct {
		status
		List []pcsItem `json:"list"`
	}

	err := a.own(ctx, a.pcs, "listing folder", &rest.Request{
		Path: "/rest/2.0/pcs/file",
		Query: url.Values{
			"method": {"list"},
			"by":     {"name"},
			"limit":  {"0-2147483647"},
			"order":  {"asc"},
			"path":   {dir},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	nodes := make([]drive.Node, len(resp.List))
	for i, it := range resp.List {
		nodes[i] = it.node()
	}

	return nodes, nil
}

// ownPath maps an own-drive identifier to a path. Identifiers are paths
// already; "0" and "" mean the root, and a bare fs_id is searched for.
func (a *Adapter) ownPath(ctx context.Context, id string) (string, error) {
	switch {
	case id == "" || id == drive.RootID:
		return "/", nil
	case strings.HasPrefix(id, "/"):
		return drive.CleanPath(id), nil
	}

	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", a.label.Errorf(drive.KindBadInput, "", "id %q is neither a path nor an fs_id", id)
	}

	r := drive.Resolver{MaxDepth: drive.DefaultWalkDepth, Logger: a.logger, List: a.listPath}

	crumbs, found, err := r.Find(ctx, "/", func(n drive.Node) bool { return n.ShareToken == id })
	if err != nil {
		return "", err
	}

	if !found {
		return "", a.label.Errorf(drive.KindNotFound, "", "fs_id %s not found", id)
	}

	return crumbs.Last().ID, nil
}

// ListChildren implements drive.Adapter.
func (a *Adapter) ListChildren(ctx context.Context, containerID string) ([]drive.Node, error) {
	dir, err := a.ownPath(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return a.listPath(ctx, dir)
}

// PathOf implements drive.PathFinder.
func (a *Adapter) PathOf(ctx context.Context, id string) (drive.Breadcrumb, error) {
	p, err := a.ownPath(ctx, id)
	if err != nil {
		return nil, err
	}

	crumbs := drive.Breadcrumb{}
	cur := ""

	for _, seg := range drive.SplitPath(p) {
		cur += "/" + seg
		crumbs = append(crumbs, drive.Crumb{ID: cur, Name: seg})
	}

	return crumbs, nil
}

func (a *Adapter) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.bdstoken
}

// TransferShared implements drive.Adapter. Baidu copies synchronously and
// reports the destination paths, which are the new identifiers.
func (a *Adapter) TransferShared(ctx context.Context, req drive.TransferRequest) (drive.TransferResult, error) {
	ids := req.NodeTokens
	if len(ids) == 0 {
		ids = req.NodeIDs
	}

	fsIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "", "not an fs_id: %q", id)
		}

		fsIDs = append(fsIDs, n)
	}

	if len(fsIDs) == 0 {
		return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "", "nothing to transfer")
	}

	if _, err := a.session.Ensure(ctx); err != nil {
		return drive.TransferResult{}, err
	}

	target, err := a.ownPath(ctx, req.TargetID)
	if err != nil {
		return drive.TransferResult{}, err
	}

	before, err := a.listPath(ctx, target)
	if err != nil {
		return drive.TransferResult{}, err
	}

	list, _ := json.Marshal(fsIDs)

	bdstoken := req.Token.Extra["bdstoken"]
	if bdstoken == "" {
		bdstoken = a.token()
	}

	var resp struct {
		status
		Info []struct {
			Errno int     `json:"errno"`
			FSID  flexInt `json:"fsid"`
			Path  string  `json:"path"`
		} `json:"info"`
		Extra struct {
			List []struct {
				From string `json:"from"`
				To   string `json:"to"`
			} `json:"list"`
		} `json:"extra"`
	}

	err = a.own(ctx, a.pan, "transferring share", &rest.Request{
		Method: http.MethodPost,
		Path:   "/share/transfer",
		Query: url.Values{
			"shareid":    {req.Token.Extra["shareid"]},
			"from":       {req.Token.Extra["uk"]},
			"bdstoken":   {bdstoken},
			"channel":    {"chunlei"},
			"clienttype": {"0"},
			"web":        {"1"},
		},
		Form: url.Values{"fsidlist": {string(list)}, "path": {target}},
		Header: http.Header{
			"Cookie":           shareCookie(req.Token)["Cookie"],
			"X-Requested-With": {"XMLHttpRequest"},
			"Origin":           {a.pan.BaseURL()},
			"Referer":          {a.pan.BaseURL() + "/s/" + req.ShareID},
		},
	}, &resp)
	if err != nil {
		return drive.TransferResult{}, err
	}

	var failed []drive.FailedItem
	for _, it := range resp.Info {
		if it.Errno != 0 {
			e := a.errnoError(it.Errno, "", "transfer")
			failed = append(failed, drive.FailedItem{ID: it.FSID.String(), Message: e.Message})
		}
	}

	var saved []string
	for _, m := range resp.Extra.List {
		if m.To != "" {
			saved = append(saved, m.To)
		}
	}

	if len(saved) == 0 {
		// Older responses omit extra; find the new items by listing.
		if err := a.wait(ctx); err != nil {
			return drive.TransferResult{}, a.label.Wrap(err, "waiting for transfer")
		}

		after, err := a.listPath(ctx, target)
		if err != nil {
			return drive.TransferResult{}, err
		}

		saved = drive.IDs(drive.Added(before, after))
	}

	res := drive.TransferResult{TaskID: a.tasks.Record(saved), Done: true, SavedIDs: saved, Failed: failed}

	switch {
	case len(failed) == 0:
		return res, nil
	case len(failed) == len(fsIDs):
		first := resp.Info[0].Errno
		for _, it := range resp.Info {
			if it.Errno != 0 {
				first = it.Errno
				break
			}
		}

		return res, a.errnoError(first, "", "transferring share")
	default:
		return res, &drive.Error{
			Provider: a.label.Provider,
			Account:  a.label.Account,
			Kind:     drive.KindPartialSuccess,
			Message:  "transferring share: some items failed",
			Failed:   failed,
		}
	}
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.settle <= 0 {
		return nil
	}

	t := time.NewTimer(a.settle)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PollTransfer implements drive.Adapter.
func (a *Adapter) PollTransfer(_ context.Context, taskID string) (drive.TaskStatus, error) {
	if st, ok := a.tasks.Lookup(taskID); ok {
		return st, nil
	}

	return drive.TaskStatus{}, a.label.Errorf(drive.KindNotFound, "", "unknown task %s", taskID)
}

// MakeContainer implements drive.Adapter. PCS creates missing parents.
func (a *Adapter) MakeContainer(ctx context.Context, p string) (drive.Node, error) {
	p = drive.CleanPath(p)
	if p == "/" {
		return drive.Node{ID: "/", Name: "/", IsContainer: true}, nil
	}

	node := drive.Node{ID: p, Name: path.Base(p), IsContainer: true, ParentID: path.Dir(p)}

	var resp struct {
		status
		FSID flexInt `json:"fs_id"`
	}

	err := a.own(ctx, a.pcs, "creating folder", &rest.Request{
		Method: http.MethodPost,
		Path:   "/rest/2.0/pcs/file",
		Query:  url.Values{"method": {"mkdir"}, "path": {p}},
	}, &resp)
	if err != nil {
		var de *drive.Error
		if errors.As(err, &de) && de.Code == "31061" {
			return node, nil
		}

		return drive.Node{}, err
	}

	node.ShareToken = resp.FSID.String()

	return node, nil
}

func (a *Adapter) fileManager(ctx context.Context, op, method string, list []map[string]string) error {
	param, _ := json.Marshal(map[string]any{"list": list})

	return a.own(ctx, a.pcs, op, &rest.Request{
		Method: http.MethodPost,
		Path:   "/rest/2.0/pcs/file",
		Query:  url.Values{"method": {method}},
		Form:   url.Values{"param": {string(param)}},
	}, nil)
}

// Rename implements drive.Adapter.
func (a *Adapter) Rename(ctx context.Context, id, newName string) error {
	from, err := a.ownPath(ctx, id)
	if err != nil {
		return err
	}

	if from == "/" {
		return a.label.Errorf(drive.KindBadInput, "", "cannot rename the root folder")
	}

	to := path.Join(path.Dir(from), newName)

	return a.fileManager(ctx, "renaming", "move", []map[string]string{{"from": from, "to": to}})
}

// Delete implements drive.Adapter.
func (a *Adapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	list := make([]map[string]string, 0, len(ids))

	for _, id := range ids {
		p, err := a.ownPath(ctx, id)
		if err != nil {
			return err
		}

		if p == "/" {
			return a.label.Errorf(drive.KindBadInput, "", "refusing to delete the root folder")
		}

		list = append(list, map[string]string{"path": p})
	}

	return a.fileManager(ctx, "deleting", "delete", list)
}

// ResolvePaths implements drive.Adapter. Since identifiers are paths, a
// path resolves to itself once its parent listing shows it exists.
func (a *Adapter) ResolvePaths(ctx context.Context, paths []string) ([]drive.PathID, error) {
	list := drive.MemoList(a.listPath)
	out := make([]drive.PathID, len(paths))

	for i, p := range paths {
		p = drive.CleanPath(p)
		out[i].Path = p

		if p == "/" {
			out[i].ID = "/"
			continue
		}

		children, err := list(ctx, path.Dir(p))
		if drive.IsKind(err, drive.KindNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if n, ok := drive.ChildNamed(children, path.Base(p)); ok {
			out[i].ID = n.ID
		}
	}

	return out, nil
}
