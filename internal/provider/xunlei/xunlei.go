// Package xunlei implements drive.Adapter for Xunlei cloud drive. It is the
// dual-token provider: a refresh-token session guards every call, and the
// share endpoints additionally require a short-lived captcha token.
package xunlei

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/rest"
)

const (
	apiHost  = "https://api-pan.xunlei.com"
	authHost = "https://xluser-ssl.xunlei.com"

	clientID      = "Xqp0kJBXWhwaTpB6"
	clientVersion = "1.92.9"
	deviceID      = "925b7631473a13716b791d7f28289cad"
	captchaSign   = "1.fe2108ad808a74c9ac0243309242726c"
	captchaStamp  = "1645241033384"
	shareAction   = "get:/drive/v1/share"

	pageSize      = 100
	tokenMargin   = 120 * time.Second
	captchaMargin = 10 * time.Second
)

// filterComplete restricts own-drive listings to finished, untrashed files.
const filterComplete = `{"phase":{"eq":"PHASE_TYPE_COMPLETE"},"trashed":{"eq":false}}`

// Adapter talks to the Xunlei pan API.
type Adapter struct {
	label   drive.Label
	api     *rest.Client
	auth    *rest.Client
	session *drive.TokenLifecycle
	tasks   drive.SyncTasks
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an adapter for the given refresh token.
func New(secret string, opts drive.Options) (drive.Adapter, error) {
	return newAdapter(secret, opts)
}

func newAdapter(secret string, opts drive.Options) (*Adapter, error) {
	label := drive.Label{Provider: drive.Xunlei, Account: opts.Account}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, label.Errorf(drive.KindBadInput, "", "empty refresh token")
	}

	a := &Adapter{label: label, logger: opts.Log(), now: opts.Clock()}
	limiter := rest.NewLimiter(opts.RequestsPerSecond, opts.Burst)

	a.auth = rest.NewClient(opts.Host(authHost), opts.HTTP(), a.logger,
		rest.WithLimiter(limiter),
		rest.WithHeader("X-Client-Id", clientID),
		rest.WithHeader("X-Device-Id", deviceID),
	)
	a.api = rest.NewClient(opts.Host(apiHost), opts.HTTP(), a.logger,
		rest.WithLimiter(limiter),
		rest.WithHeader("X-Client-Id", clientID),
		rest.WithHeader("X-Device-Id", deviceID),
		rest.WithAuthorizer(rest.AuthorizerFunc(a.authorize)),
	)

	a.session = drive.NewTokenLifecycle(drive.TokenConfig{
		Label:           label,
		Secret:          secret,
		SecretUpdatedAt: opts.SecretUpdatedAt,
		Margin:          tokenMargin,
		Refresh:         a.refresh,
		Sink:            opts.Sink,
		Cache:           opts.Cache,
		Logger:          a.logger,
		Now:             a.now,
	}).WithSecondary(a.captcha, captchaMargin)

	return a, nil
}

// Provider implements drive.Adapter.
func (a *Adapter) Provider() drive.ProviderID { return drive.Xunlei }

// UpdateCredential implements drive.CredentialUpdater.
func (a *Adapter) UpdateCredential(secret string, updatedAt time.Time) bool {
	return a.session.Replace(secret, updatedAt)
}

func (a *Adapter) refresh(ctx context.Context, refreshToken string) (drive.Grant, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Sub          string `json:"sub"`
		UserID       string `json:"user_id"`
	}

	err := a.auth.JSON(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/token",
		JSON: map[string]string{
			"client_id":     clientID,
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		},
	}, &resp)
	if err != nil {
		return drive.Grant{}, a.normalize(err, "refreshing token")
	}

	userID := resp.Sub
	if userID == "" {
		userID = resp.UserID
	}

	return drive.Grant{
		Token: &oauth2.Token{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       a.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		},
		Meta: map[string]string{"user_id": userID},
	}, nil
}

func (a *Adapter) captcha(ctx context.Context, primary drive.Grant) (*oauth2.Token, error) {
	var resp struct {
		CaptchaToken string `json:"captcha_token"`
		ExpiresIn    int    `json:"expires_in"`
		URL          string `json:"url"`
	}

	err := a.auth.JSON(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/v1/shield/captcha/init",
		JSON: map[string]any{
			"client_id": clientID,
			"action":    shareAction,
			"device_id": deviceID,
			"meta": map[string]string{
				"captcha_sign":   captchaSign,
				"client_version": clientVersion,
				"package_name":   "pan.xunlei.com",
				"user_id":        primary.Meta["user_id"],
				"timestamp":      captchaStamp,
			},
		},
	}, &resp)
	if err != nil {
		return nil, a.normalize(err, "initializing captcha")
	}

	if resp.CaptchaToken == "" {
		// A verification URL instead of a token means the provider wants a
		// human to solve a challenge.
		return nil, a.label.Errorf(drive.KindRateLimited, "CAPTCHA_REQUIRED", "captcha challenge required: %s", resp.URL)
	}

	return &oauth2.Token{
		AccessToken: resp.CaptchaToken,
		Expiry:      a.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

type captchaKey struct{}

// withCaptcha marks ctx so authorize also attaches the captcha token.
func withCaptcha(ctx context.Context) context.Context {
	return context.WithValue(ctx, captchaKey{}, true)
}

func (a *Adapter) authorize(ctx context.Context, req *http.Request) error {
	if needs, _ := ctx.Value(captchaKey{}).(bool); needs {
		g, c, err := a.session.Both(ctx)
		if err != nil {
			return err
		}

		req.Header.Set("Authorization", "Bearer "+g.Token.AccessToken)
		req.Header.Set("X-Captcha-Token", c.AccessToken)

		return nil
	}

	g, err := a.session.EnsureValid(ctx)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+g.Token.AccessToken)

	return nil
}

// call performs an authorized request, refreshing the rejected token
// (access or captcha) once before giving up.
func (a *Adapter) call(ctx context.Context, op string, req *rest.Request, out any) error {
	err := a.api.JSON(ctx, req, out)
	if err != nil {
		switch body := errorOf(err); {
		case body.isTokenExpired():
			a.logger.Debug("access token rejected, refreshing once", slog.String("op", op))
			a.session.Invalidate()
			err = a.api.JSON(ctx, req, out)
		case body.isCaptchaInvalid():
			a.logger.Debug("captcha token rejected, renewing once", slog.String("op", op))
			a.session.InvalidateSecondary()
			err = a.api.JSON(ctx, req, out)
		}
	}

	return a.normalize(err, op)
}

// Initialize implements drive.Adapter.
func (a *Adapter) Initialize(ctx context.Context) (drive.AccountInfo, error) {
	if _, err := a.session.EnsureValid(ctx); err != nil {
		return drive.AccountInfo{}, err
	}

	info := drive.AccountInfo{UserID: a.session.Meta()["user_id"], RootID: drive.RootID}

	var about struct {
		Quota struct {
			Limit string `json:"limit"`
			Usage string `json:"usage"`
		} `json:"quota"`
	}

	if err := a.call(ctx, "reading quota", &rest.Request{Path: "/drive/v1/about"}, &about); err != nil {
		a.logger.Debug("quota lookup failed", slog.String("error", err.Error()))
	} else {
		info.Capacity, _ = strconv.ParseInt(about.Quota.Limit, 10, 64)
		info.Used, _ = strconv.ParseInt(about.Quota.Usage, 10, 64)
	}

	var user struct {
		Name string `json:"name"`
		Sub  string `json:"sub"`
	}

	if err := a.normalize(a.auth.JSON(ctx, &rest.Request{
		Path:   "/v1/user/me",
		Header: http.Header{"Authorization": {"Bearer " + a.accessToken(ctx)}},
	}, &user), "reading profile"); err != nil {
		a.logger.Debug("profile lookup failed", slog.String("error", err.Error()))
	}

	info.Name = user.Name
	if info.Name == "" {
		info.Name = info.UserID
	}

	return info, nil
}

func (a *Adapter) accessToken(ctx context.Context) string {
	g, err := a.session.EnsureValid(ctx)
	if err != nil {
		return ""
	}

	return g.Token.AccessToken
}

var (
	shareIDPattern  = regexp.MustCompile(`/s/([A-Za-z0-9_-]+)`)
	passcodePattern = regexp.MustCompile(`(?:pwd|password|提取码)[=:：]?\s*([A-Za-z0-9]{4})`)
)

// ParseShareURL implements drive.Adapter.
func (a *Adapter) ParseShareURL(rawURL string) (drive.ShareRef, error) {
	m := shareIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return drive.ShareRef{}, a.label.Errorf(drive.KindBadInput, "", "not a xunlei share link: %s", rawURL)
	}

	ref := drive.ShareRef{ShareID: m[1]}
	if p := passcodePattern.FindStringSubmatch(rawURL); p != nil {
		ref.Passcode = p[1]
	}

	return ref, nil
}

type file struct {
	Kind         string `json:"kind"`
	ID           string `json:"id"`
	ParentID     string `json:"parent_id"`
	Name         string `json:"name"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modified_time"`
}

func (f file) node() drive.Node {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	mod, _ := time.Parse(time.RFC3339, f.ModifiedTime)

	return drive.Node{
		ID:          f.ID,
		Name:        f.Name,
		IsContainer: f.Kind == "drive#folder",
		Size:        size,
		ModTime:     mod,
		ParentID:    f.ParentID,
	}
}

type fileList struct {
	Files         []file `json:"files"`
	NextPageToken string `json:"next_page_token"`
}

func (l fileList) page() drive.Page {
	nodes := make([]drive.Node, len(l.Files))
	for i, f := range l.Files {
		nodes[i] = f.node()
	}

	return drive.Page{Items: nodes, Next: l.NextPageToken}
}

type shareResponse struct {
	fileList
	ShareStatus     string `json:"share_status"`
	ShareStatusText string `json:"share_status_text"`
	PassCodeToken   string `json:"pass_code_token"`
	Title           string `json:"title"`
}

// ShareToken implements drive.Adapter. The pass code token is what every
// subsequent share call presents.
func (a *Adapter) ShareToken(ctx context.Context, shareID, passcode string) (drive.ShareToken, error) {
	var resp shareResponse

	err := a.call(withCaptcha(ctx), "opening share", &rest.Request{
		Path: "/drive/v1/share",
		Query: url.Values{
			"share_id":       {shareID},
			"pass_code":      {passcode},
			"limit":          {"1"},
			"thumbnail_size": {"SIZE_SMALL"},
		},
	}, &resp)
	if err != nil {
		return drive.ShareToken{}, err
	}

	if err := a.shareStatus(resp.ShareStatus, resp.ShareStatusText); err != nil {
		return drive.ShareToken{}, err
	}

	return drive.ShareToken{
		Value: resp.PassCodeToken,
		Title: resp.Title,
		Extra: map[string]string{"pass_code": passcode},
	}, nil
}

func (a *Adapter) shareStatus(status, text string) error {
	switch strings.ToUpper(status) {
	case "", "OK":
		return nil
	case "PASS_CODE_EMPTY", "PASS_CODE_ERROR":
		return a.label.Errorf(drive.KindBadInput, status, "share passcode rejected: %s", text)
	default:
		return a.label.Errorf(drive.KindNotFound, status, "share unavailable: %s", text)
	}
}

// ListShareChildren implements drive.Adapter.
func (a *Adapter) ListShareChildren(
	ctx context.Context, shareID string, token drive.ShareToken, containerID string,
) ([]drive.Node, error) {
	ctx = withCaptcha(ctx)

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		q := url.Values{
			"share_id":        {shareID},
			"pass_code_token": {token.Value},
			"limit":           {strconv.Itoa(pageSize)},
			"page_token":      {cursor},
			"thumbnail_size":  {"SIZE_SMALL"},
		}

		path := "/drive/v1/share/detail"
		if containerID == "" || containerID == drive.RootID {
			path = "/drive/v1/share"
			q.Set("pass_code", token.Extra["pass_code"])
		} else {
			q.Set("parent_id", containerID)
		}

		var resp shareResponse
		if err := a.call(ctx, "listing share", &rest.Request{Path: path, Query: q}, &resp); err != nil {
			return drive.Page{}, err
		}

		if err := a.shareStatus(resp.ShareStatus, resp.ShareStatusText); err != nil {
			return drive.Page{}, err
		}

		return resp.page(), nil
	}, drive.PageOptions{})
}

func ownParent(id string) string {
	if id == drive.RootID {
		return ""
	}

	return id
}

// ListChildren implements drive.Adapter.
func (a *Adapter) ListChildren(ctx context.Context, containerID string) ([]drive.Node, error) {
	parent := ownParent(containerID)

	return drive.Collect(ctx, func(ctx context.Context, cursor string) (drive.Page, error) {
		q := url.Values{
			"filters":        {filterComplete},
			"limit":          {strconv.Itoa(pageSize)},
			"page_token":     {cursor},
			"thumbnail_size": {"SIZE_SMALL"},
		}
		if parent != "" {
			q.Set("parent_id", parent)
		}

		var resp fileList
		if err := a.call(ctx, "listing folder", &rest.Request{Path: "/drive/v1/files", Query: q}, &resp); err != nil {
			return drive.Page{}, err
		}

		return resp.page(), nil
	}, drive.PageOptions{})
}

// TransferShared implements drive.Adapter. Xunlei restores asynchronously;
// poll the returned task id.
func (a *Adapter) TransferShared(ctx context.Context, req drive.TransferRequest) (drive.TransferResult, error) {
	if len(req.NodeIDs) == 0 {
		return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "", "nothing to transfer")
	}

	var resp struct {
		RestoreStatus string `json:"restore_status"`
		RestoreTaskID string `json:"restore_task_id"`
	}

	err := a.call(withCaptcha(ctx), "restoring share", &rest.Request{
		Method: http.MethodPost,
		Path:   "/drive/v1/share/restore",
		JSON: map[string]any{
			"parent_id":         ownParent(req.TargetID),
			"share_id":          req.ShareID,
			"pass_code_token":   req.Token.Value,
			"file_ids":          req.NodeIDs,
			"ancestor_ids":      []string{},
			"specify_parent_id": true,
		},
	}, &resp)
	if err != nil {
		return drive.TransferResult{}, err
	}

	if resp.RestoreTaskID == "" {
		if resp.RestoreStatus == "RESTORE_COMPLETE" {
			return drive.TransferResult{TaskID: a.tasks.Record(nil), Done: true}, nil
		}

		return drive.TransferResult{}, a.label.Errorf(drive.KindTransport, resp.RestoreStatus, "restore returned no task")
	}

	return drive.TransferResult{TaskID: resp.RestoreTaskID}, nil
}

// PollTransfer implements drive.Adapter.
func (a *Adapter) PollTransfer(ctx context.Context, taskID string) (drive.TaskStatus, error) {
	if st, ok := a.tasks.Lookup(taskID); ok {
		return st, nil
	}

	var resp struct {
		Phase    string `json:"phase"`
		Progress int    `json:"progress"`
		Message  string `json:"message"`
		Params   struct {
			TraceFileIDs string `json:"trace_file_ids"`
		} `json:"params"`
	}

	if err := a.call(ctx, "polling task", &rest.Request{Path: "/drive/v1/tasks/" + url.PathEscape(taskID)}, &resp); err != nil {
		return drive.TaskStatus{}, err
	}

	st := drive.TaskStatus{Progress: resp.Progress, Message: resp.Message}

	switch {
	case resp.Phase == "PHASE_TYPE_ERROR":
		st.State = drive.TaskFailed
	case resp.Phase == "PHASE_TYPE_COMPLETE" || resp.Progress >= 100:
		st.State = drive.TaskDone
		st.SavedIDs = traceIDs(resp.Params.TraceFileIDs)
	case resp.Phase == "PHASE_TYPE_PENDING":
		st.State = drive.TaskPending
	default:
		st.State = drive.TaskRunning
	}

	return st, nil
}

// traceIDs extracts the new file ids from the task's trace map, which maps
// each shared id to its copy.
func traceIDs(raw string) []string {
	if raw == "" {
		return nil
	}

	var trace map[string]string
	if err := json.Unmarshal([]byte(raw), &trace); err != nil {
		return nil
	}

	ids := make([]string, 0, len(trace))
	for _, v := range trace {
		ids = append(ids, v)
	}

	return ids
}

// MakeContainer implements drive.Adapter.
func (a *Adapter) MakeContainer(ctx context.Context, path string) (drive.Node, error) {
	return drive.MakeWalk(ctx, a.ListChildren, drive.RootID, path,
		func(ctx context.Context, parentID, name string) (drive.Node, error) {
			var resp struct {
				File file `json:"file"`
			}

			err := a.call(ctx, "creating folder", &rest.Request{
				Method: http.MethodPost,
				Path:   "/drive/v1/files",
				JSON: map[string]string{
					"kind":      "drive#folder",
					"parent_id": ownParent(parentID),
					"name":      name,
				},
			}, &resp)
			if err != nil {
				return drive.Node{}, err
			}

			return resp.File.node(), nil
		})
}

// Rename implements drive.Adapter.
func (a *Adapter) Rename(ctx context.Context, id, newName string) error {
	return a.call(ctx, "renaming", &rest.Request{
		Method: http.MethodPatch,
		Path:   "/drive/v1/files/" + url.PathEscape(id),
		JSON:   map[string]string{"name": newName},
	}, nil)
}

// Delete implements drive.Adapter.
func (a *Adapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return a.call(ctx, "deleting", &rest.Request{
		Method: http.MethodPost,
		Path:   "/drive/v1/files:batchDelete",
		JSON:   map[string]any{"ids": ids, "space": ""},
	}, nil)
}

// ResolvePaths implements drive.Adapter.
func (a *Adapter) ResolvePaths(ctx context.Context, paths []string) ([]drive.PathID, error) {
	return drive.ResolveWalk(ctx, a.ListChildren, drive.RootID, paths)
}

// apiError is the provider's error envelope.
type apiError struct {
	Error       string `json:"error"`
	Code        int    `json:"error_code"`
	Description string `json:"error_description"`
}

func errorOf(err error) apiError {
	var se *rest.StatusError
	if !errors.As(err, &se) {
		return apiError{}
	}

	var body apiError
	_ = rest.Decode("", se.Body, &body)

	return body
}

func (e apiError) isTokenExpired() bool {
	return strings.EqualFold(e.Error, "unauthenticated") && strings.Contains(strings.ToLower(e.Description), "expire")
}

func (e apiError) isCaptchaInvalid() bool {
	return strings.EqualFold(e.Error, "captcha_invalid") || e.Code == 9
}

var codeKinds = map[string]drive.Kind{
	"UNAUTHENTICATED":       drive.KindAuthInvalid,
	"INVALID_GRANT":         drive.KindAuthInvalid,
	"PERMISSION_DENIED":     drive.KindAuthInvalid,
	"FORBIDDEN":             drive.KindAuthInvalid,
	"NOT_FOUND":             drive.KindNotFound,
	"SENSITIVE_RESOURCE":    drive.KindNotFound,
	"INVALID_ARGUMENT":      drive.KindBadInput,
	"ALREADY_EXISTED":       drive.KindBadInput,
	"ALREADY_EXISTS":        drive.KindBadInput,
	"WRONG_PASS_CODE":       drive.KindBadInput,
	"CAPTCHA_INVALID":       drive.KindRateLimited,
	"RESOURCE_EXHAUSTED":    drive.KindQuotaExceeded,
	"FILE_SPACE_NOT_ENOUGH": drive.KindQuotaExceeded,
	"TOO_MANY_REQUESTS":     drive.KindRateLimited,
}

// normalize maps transport and provider errors to *drive.Error.
func (a *Adapter) normalize(err error, op string) error {
	if err == nil {
		return nil
	}

	var se *rest.StatusError
	if errors.As(err, &se) {
		body := errorOf(err)
		if body.Error != "" {
			code := strings.ToUpper(body.Error)

			kind, ok := codeKinds[code]
			if !ok {
				kind = se.Kind()
			}

			msg := body.Description
			if msg == "" {
				msg = body.Error
			}

			return &drive.Error{
				Provider: a.label.Provider,
				Account:  a.label.Account,
				Kind:     kind,
				Code:     code,
				Message:  op + ": " + msg,
				Err:      err,
			}
		}
	}

	return a.label.Wrap(err, op)
}
