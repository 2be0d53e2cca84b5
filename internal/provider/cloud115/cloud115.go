// Package cloud115 implements drive.Adapter for 115 cloud drive.
//
// 115 authenticates with a browser cookie. Share browsing goes through an
// anonymous session that first visits the share page to pick up its
// cookies; saving re-sends those together with the user cookie. The
// receive call is synchronous and reports no identifiers, so new items are
// found by diffing the target folder before and after.
package cloud115

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/rest"
)

const (
	apiHost      = "https://webapi.115.com"
	webHost      = "https://115cdn.com"
	passportHost = "https://passportapi.115.com"

	// wechatUA is what the webapi host expects from cookie clients.
	wechatUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36 " +
		"MicroMessenger/6.8.0(0x16080000) NetType/WIFI MiniProgramEnv/Mac " +
		"MacWechat/WMPF MacWechat/3.8.9(0x13080910) XWEB/1227"

	pageSize = 50

	// settleDelay is how long the backend needs before received items show
	// up in listings.
	settleDelay = 3 * time.Second
)

// Adapter talks to the 115 web API.
type Adapter struct {
	label    drive.Label
	cookie   string
	api      *rest.Client
	passport *rest.Client
	share    *rest.Client
	session  *drive.CookieSession
	tasks    drive.SyncTasks
	logger   *slog.Logger
	settle   time.Duration
}

// New creates an adapter for the given cookie string.
func New(secret string, opts drive.Options) (drive.Adapter, error) {
	return newAdapter(secret, opts)
}

func newAdapter(secret string, opts drive.Options) (*Adapter, error) {
	label := drive.Label{Provider: drive.Cloud115, Account: opts.Account}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, label.Errorf(drive.KindBadInput, "", "empty cookie")
	}

	a := &Adapter{label: label, cookie: secret, logger: opts.Log(), settle: settleDelay}
	limiter := rest.NewLimiter(opts.RequestsPerSecond, opts.Burst)
	cookie := rest.Cookie(secret)

	a.api = rest.NewClient(opts.Host(apiHost), opts.HTTP(), a.logger,
		rest.WithLimiter(limiter),
		rest.WithAuthorizer(cookie),
		rest.WithHeader("User-Agent", wechatUA),
		rest.WithHeader("Origin", "https://115.com"),
		rest.WithHeader("Referer", "https://115.com"),
	)
	a.passport = rest.NewClient(opts.Host(passportHost), opts.HTTP(), a.logger,
		rest.WithLimiter(limiter),
		rest.WithAuthorizer(cookie),
		rest.WithHeader("User-Agent", wechatUA),
	)

	// The share session keeps the cookies handed out by the share page.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, label.Wrap(err, "creating cookie jar")
	}

	base := opts.HTTP()
	shareHTTP := &http.Client{Transport: base.Transport, Timeout: base.Timeout, Jar: jar}
	a.share = rest.NewClient(opts.Host(webHost), shareHTTP, a.logger, rest.WithLimiter(limiter))

	a.session = drive.NewCookieSession(a.probe)

	return a, nil
}

// Provider implements drive.Adapter.
func (a *Adapter) Provider() drive.ProviderID { return drive.Cloud115 }

// ResetSession implements drive.SessionResetter.
func (a *Adapter) ResetSession() bool {
	if a.session.Failed() == nil {
		return false
	}

	a.session.Reset()

	return true
}

// flexString accepts JSON strings and numbers alike.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}

		*s = flexString(v)

		return nil
	}

	if string(b) == "null" {
		*s = ""
		return nil
	}

	*s = flexString(b)

	return nil
}

func (s flexString) int64() int64 {
	n, _ := strconv.ParseInt(string(s), 10, 64)
	return n
}

// envelope is the status wrapper around every 115 response.
type envelope struct {
	State   bool            `json:"state"`
	Error   string          `json:"error"`
	Message string          `json:"msg"`
	Errno   flexString      `json:"errno"`
	Code    flexString      `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) code() string {
	if e.Errno != "" && e.Errno != "0" {
		return string(e.Errno)
	}

	if e.Code != "0" {
		return string(e.Code)
	}

	return ""
}

func (e envelope) message() string {
	if e.Error != "" {
		return e.Error
	}

	return e.Message
}

var codeKinds = map[string]drive.Kind{
	"990001":  drive.KindAuthInvalid, // login expired
	"99":      drive.KindAuthInvalid,
	"20004":   drive.KindBadInput, // name already exists
	"4100012": drive.KindBadInput, // wrong receive code
	"4100009": drive.KindNotFound, // share cancelled
	"4100010": drive.KindNotFound, // share expired
	"4200045": drive.KindQuotaExceeded,
	"911":     drive.KindRateLimited,
}

// failure converts an unsuccessful envelope into a *drive.Error.
func (a *Adapter) failure(env envelope, op string, fallback drive.Kind) *drive.Error {
	code := env.code()
	msg := env.message()

	kind, ok := codeKinds[code]
	if !ok {
		kind = fallback

		switch {
		case strings.Contains(msg, "登录"):
			kind = drive.KindAuthInvalid
		case strings.Contains(msg, "空间不足"):
			kind = drive.KindQuotaExceeded
		case strings.Contains(msg, "访问码"):
			kind = drive.KindBadInput
		}
	}

	if msg == "" {
		msg = "request rejected"
	}

	return a.label.Errorf(kind, code, "%s: %s", op, msg)
}

// do runs req on client and unwraps the envelope into out.
func (a *Adapter) do(ctx context.Context, client *rest.Client, op string, req *rest.Request, fallback drive.Kind, out any) error {
	body, err := client.Bytes(ctx, req)
	if err != nil {
		return a.label.Wrap(err, op)
	}

	var env envelope
	if err := rest.Decode(req.Path, body, &env); err != nil {
		// A cookie the web API no longer accepts often gets an HTML page.
		return a.label.Wrap(err, op)
	}

	if !env.State {
		return a.failure(env, op, fallback)
	}

	if out == nil {
		return nil
	}

	// Some endpoints put the payload at the top level instead of under data.
	payload := []byte(env.Data)
	if len(payload) == 0 || string(payload) == "null" {
		payload = body
	}

	return a.label.Wrap(rest.Decode(req.Path, payload, out), op)
}

// call is do for the user's own drive: it validates the cookie first and
// remembers a rejection.
func (a *Adapter) call(ctx context.Context, op string, req *rest.Request, out any) error {
	if _, err := a.session.Ensure(ctx); err != nil {
		return err
	}

	err := a.do(ctx, a.api, op, req, drive.KindTransport, out)
	a.session.MarkInvalid(err)

	return err
}

func (a *Adapter) probe(ctx context.Context) (drive.AccountInfo, error) {
	var user struct {
		UserID   flexString `json:"user_id"`
		UserName string     `json:"user_name"`
		VIP      flexString `json:"vip"`
	}

	err := a.do(ctx, a.passport, "reading account", &rest.Request{
		Path:  "/app/1.0/web/26.0/user/base_info",
		Query: url.Values{"_t": {""}},
	}, drive.KindAuthInvalid, &user)
	if err != nil {
		return drive.AccountInfo{}, err
	}

	name := user.UserName
	if name == "" {
		name = "115-" + string(user.UserID)
	}

	return drive.AccountInfo{
		UserID: string(user.UserID),
		Name:   name,
		RootID: drive.RootID,
		VIP:    user.VIP != "" && user.VIP != "0",
	}, nil
}

// Initialize implements drive.Adapter.
func (a *Adapter) Initialize(ctx context.Context) (drive.AccountInfo, error) {
	return a.session.Ensure(ctx)
}

var (
	shareCodePattern = regexp.MustCompile(`(?:115|anxia|115cdn)\.com/s/([^?#\s&]+)`)
	passwordPattern  = regexp.MustCompile(`password=([^&#\s]+)`)
	hashPattern      = regexp.MustCompile(`#([^&#\s/]+)`)
	subdirPattern    = regexp.MustCompile(`#/list/share/(\w+)`)
)

// ParseShareURL implements drive.Adapter.
func (a *Adapter) ParseShareURL(rawURL string) (drive.ShareRef, error) {
	m := shareCodePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return drive.ShareRef{}, a.label.Errorf(drive.KindBadInput, "", "not a 115 share link: %s", rawURL)
	}

	ref := drive.ShareRef{ShareID: m[1]}

	if p := passwordPattern.FindStringSubmatch(rawURL); p != nil {
		ref.Passcode = p[1]
	} else if h := hashPattern.FindStringSubmatch(rawURL); h != nil {
		ref.Passcode = h[1]
	}

	if s := subdirPattern.FindStringSubmatch(rawURL); s != nil {
		ref.ContainerID = s[1]
	}

	return ref, nil
}

// item is one entry in a 115 listing. Folders carry only cid (their own
// id); files carry fid and the parent cid.
type item struct {
	FID  *flexString `json:"fid"`
	CID  flexString  `json:"cid"`
	PID  flexString  `json:"pid"`
	Name string      `json:"n"`
	Size flexString  `json:"s"`
	Time flexString  `json:"t"`
	TE   flexString  `json:"te"`
}

func (it item) node() drive.Node {
	n := drive.Node{Name: it.Name, Size: it.Size.int64(), ModTime: parseTime(it.Time, it.TE)}

	if it.FID == nil {
		n.IsContainer = true
		n.ID = string(it.CID)
		n.ParentID = string(it.PID)
	} else {
		n.ID = string(*it.FID)
		n.ParentID = string(it.CID)
	}

	n.ShareToken = n.ID

	return n
}

// parseTime accepts unix seconds or "2006-01-02 15:04" local strings.
func parseTime(values ...flexString) time.Time {
	for _, v := range values {
		s := string(v)
		if s == "" {
			continue
		}

		if strings.Contains(s, "-") {
			if t, err := time.ParseInLocation("2006-01-02 15:04", s, chinaTime); err == nil {
				return t
			}

			continue
		}

		if sec := v.int64(); sec > 0 {
			return time.Unix(sec, 0)
		}
	}

	return time.Time{}
}

var chinaTime = time.FixedZone("CST", 8*60*60)

type listing struct {
	List  []item     `json:"list"`
	Count flexString `json:"count"`
}

func (l listing) page(offset int) drive.Page {
	nodes := make([]drive.Node, len(l.List))
	for i, it := range l.List {
		nodes[i] = it.node()
	}

	return drive.Page{
		Items: nodes,
		Next:  drive.OffsetCursor(offset, len(nodes), pageSize),
		Total: int(l.Count.int64()),
	}
}

// sharePath is the share landing page. Visiting it seeds the share
// session's cookies.
func sharePath(shareID, receiveCode string) string {
	return "/s/" + url.PathEscape(shareID) + "?password=" + url.QueryEscape(receiveCode) + "&"
}

func (a *Adapter) visitSharePage(ctx context.Context, shareID, receiveCode string) {
	_, err := a.share.Bytes(ctx, &rest.Request{Path: sharePath(shareID, receiveCode)})
	if err != nil {
		a.logger.Warn("visiting share page failed",
			slog.String("account", a.label.Account),
			slog.String("share", shareID),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Adapter) snap(ctx context.Context, shareID, receiveCode, cid string, offset, limit int) (listing, error) {
	var out listing

	err := a.do(ctx, a.share, "listing share", &rest.Request{
		Path: "/webapi/share/snap",
		Header: http.Header{
			"Referer": {webHostReferer(a.share.BaseURL(), shareID)},
		},
		Query: url.Values{
			"share_code":   {shareID},
			"offset":       {strconv.Itoa(offset)},
			"limit":        {strconv.Itoa(limit)},
			"asc":          {"0"},
			"cid":          {cid},
			"receive_code": {receiveCode},
			"format":       {"json"},
		},
	}, drive.KindNotFound, &out)

	return out, err
}

func webHostReferer(base, shareID string) string {
	return strings.TrimSuffix(base, "/") + "/s/" + shareID
}

// ShareToken implements drive.Adapter. 115 has no share token; the value
// carries the receive code so later calls can present it.
func (a *Adapter) ShareToken(ctx context.Context, shareID, passcode string) (drive.ShareToken, error) {
	a.visitSharePage(ctx, shareID, passcode)

	l, err := a.snap(ctx, shareID, passcode, "", 0, 20)
	if err != nil {
		return drive.ShareToken{}, err
	}

	if len(l.List) == 0 {
		return drive.ShareToken{}, a.label.Errorf(drive.KindNotFound, "", "share %s is empty or expired", shareID)
	}

	return drive.ShareToken{
		Value: shareID + ":" + passcode,
		Extra: map[string]string{"receive_code": passcode},
	}, nil
}

func receiveCode(token drive.ShareToken) string {
	if rc, ok := token.Extra["receive_code"]; ok {
		return rc
	}

	if _, rc, ok := strings.Cut(token.Value, ":"); ok {
		return rc
	}

	return ""
}

func shareCID(containerID string) string {
	if containerID == drive.RootID {
		return ""
	}

	return containerID
}

// ListShareChildren implements drive.Adapter.
func (a *Adapter) ListShareChildren(
	ctx context.Context, shareID string, token drive.ShareToken, containerID string,
) ([]drive.Node, error) {
	rc := receiveCode(token)
	cid := shareCID(containerID)

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		offset := drive.ParseOffset(cursor)

		l, err := a.snap(ctx, shareID, rc, cid, offset, pageSize)
		if err != nil {
			return drive.Page{}, err
		}

		return l.page(offset), nil
	}, drive.PageOptions{})
}

func ownCID(containerID string) string {
	if containerID == "" {
		return drive.RootID
	}

	return containerID
}

// ListChildren implements drive.Adapter.
func (a *Adapter) ListChildren(ctx context.Context, containerID string) ([]drive.Node, error) {
	cid := ownCID(containerID)

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		offset := drive.ParseOffset(cursor)

		var raw json.RawMessage

		req := &rest.Request{
			Path: "/files",
			Query: url.Values{
				"aid":      {"1"},
				"cid":      {cid},
				"o":        {"user_ptime"},
				"asc":      {"1"},
				"offset":   {strconv.Itoa(offset)},
				"show_dir": {"1"},
				"limit":    {strconv.Itoa(pageSize)},
				"type":     {"0"},
				"format":   {"json"},
			},
		}

		if err := a.call(ctx, "listing folder", req, &raw); err != nil {
			return drive.Page{}, err
		}

		// The listing puts items directly under data.
		var items []item
		if err := rest.Decode(req.Path, raw, &items); err != nil {
			return drive.Page{}, a.label.Wrap(err, "listing folder")
		}

		return listing{List: items}.page(offset), nil
	}, drive.PageOptions{})
}

// TransferShared implements drive.Adapter. The call returns once the
// provider has copied the items.
func (a *Adapter) TransferShared(ctx context.Context, req drive.TransferRequest) (drive.TransferResult, error) {
	ids := req.NodeTokens
	if len(ids) == 0 {
		ids = req.NodeIDs
	}

	if len(ids) == 0 {
		return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "", "nothing to transfer")
	}

	if _, err := a.session.Ensure(ctx); err != nil {
		return drive.TransferResult{}, err
	}

	target := ownCID(req.TargetID)

	before, err := a.ListChildren(ctx, target)
	if err != nil {
		return drive.TransferResult{}, err
	}

	rc := receiveCode(req.Token)
	a.visitSharePage(ctx, req.ShareID, rc)

	err = a.do(ctx, a.share, "receiving share", &rest.Request{
		Method: http.MethodPost,
		Path:   "/webapi/share/receive",
		Header: http.Header{
			"Cookie":  {a.cookie},
			"Origin":  {a.share.BaseURL()},
			"Referer": {strings.TrimSuffix(a.share.BaseURL(), "/") + sharePath(req.ShareID, rc)},
		},
		Form: url.Values{
			"cid":          {target},
			"share_code":   {req.ShareID},
			"receive_code": {rc},
			"file_id":      {strings.Join(ids, ",")},
		},
	}, drive.KindTransport, nil)
	if err != nil {
		a.session.MarkInvalid(err)
		return drive.TransferResult{}, err
	}

	if err := a.wait(ctx); err != nil {
		return drive.TransferResult{}, a.label.Wrap(err, "waiting for receive")
	}

	after, err := a.ListChildren(ctx, target)
	if err != nil {
		return drive.TransferResult{}, err
	}

	saved, missing := drive.AlignAdded(ids, req.NodeNames, drive.Added(before, after))
	res := drive.TransferResult{TaskID: a.tasks.Record(saved), Done: true, SavedIDs: saved, Failed: missing}

	switch {
	case len(missing) == 0:
		return res, nil
	case len(missing) == len(ids):
		return res, &drive.Error{
			Provider: a.label.Provider,
			Account:  a.label.Account,
			Kind:     drive.KindTransport,
			Message:  "receiving share: no received item appeared in the target folder",
			Failed:   missing,
		}
	default:
		a.logger.Warn("some received items did not appear",
			slog.String("account", a.label.Account),
			slog.Int("requested", len(ids)),
			slog.Int("missing", len(missing)),
		)

		return res, &drive.Error{
			Provider: a.label.Provider,
			Account:  a.label.Account,
			Kind:     drive.KindPartialSuccess,
			Message:  "receiving share: some items failed",
			Failed:   missing,
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

// MakeContainer implements drive.Adapter.
func (a *Adapter) MakeContainer(ctx context.Context, path string) (drive.Node, error) {
	return drive.MakeWalk(ctx, a.ListChildren, drive.RootID, path,
		func(ctx context.Context, parentID, name string) (drive.Node, error) {
			var out struct {
				CID      flexString `json:"cid"`
				FileID   flexString `json:"file_id"`
				FileName string     `json:"file_name"`
			}

			err := a.call(ctx, "creating folder", &rest.Request{
				Method: http.MethodPost,
				Path:   "/files/add",
				Form:   url.Values{"pid": {parentID}, "cname": {name}},
			}, &out)
			if err != nil {
				return drive.Node{}, err
			}

			id := string(out.CID)
			if id == "" {
				id = string(out.FileID)
			}

			if id == "" {
				return drive.Node{}, a.label.Errorf(drive.KindTransport, "", "creating folder %q: no id returned", name)
			}

			return drive.Node{ID: id, Name: name}, nil
		})
}

// Rename implements drive.Adapter.
func (a *Adapter) Rename(ctx context.Context, id, newName string) error {
	return a.call(ctx, "renaming", &rest.Request{
		Method: http.MethodPost,
		Path:   "/files/batch_rename",
		Form:   url.Values{fmt.Sprintf("files_new_name[%s]", id): {newName}},
	}, nil)
}

// Delete implements drive.Adapter.
func (a *Adapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	form := url.Values{"pid": {"0"}}
	for i, id := range ids {
		form.Set(fmt.Sprintf("fid[%d]", i), id)
	}

	return a.call(ctx, "deleting", &rest.Request{
		Method: http.MethodPost,
		Path:   "/rb/delete",
		Form:   form,
	}, nil)
}

// ResolvePaths implements drive.Adapter.
func (a *Adapter) ResolvePaths(ctx context.Context, paths []string) ([]drive.PathID, error) {
	return drive.ResolveWalk(ctx, a.ListChildren, drive.RootID, paths)
}
