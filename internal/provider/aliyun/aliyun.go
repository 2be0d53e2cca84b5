// Package aliyun implements the drive.Adapter contract for Aliyun Drive
// (alipan). Credentials are long-lived refresh tokens; the adapter keeps a
// short-lived access token through drive.TokenLifecycle and reports
// rotated refresh tokens to the configured sink.
package aliyun

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/rest"
)

const (
	apiHost = "https://api.aliyundrive.com"

	pageSize    = 100
	batchSize   = 100
	tokenMargin = 60 * time.Second
	rootID      = "root"
)

// Adapter talks to the Aliyun Drive web API.
type Adapter struct {
	label drive.Label

	api     *rest.Client // authorized calls
	anon    *rest.Client // token exchange and anonymous share info
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
	label := drive.Label{Provider: drive.Aliyun, Account: opts.Account}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, label.Errorf(drive.KindBadInput, "", "empty refresh token")
	}

	a := &Adapter{label: label, logger: opts.Log(), now: opts.Clock()}

	host := opts.Host(apiHost)
	limiter := rest.NewLimiter(opts.RequestsPerSecond, opts.Burst)
	common := []rest.Option{
		rest.WithLimiter(limiter),
		rest.WithHeader("Referer", "https://www.alipan.com/"),
		rest.WithHeader("Origin", "https://www.alipan.com"),
	}

	a.anon = rest.NewClient(host, opts.HTTP(), a.logger, common...)
	a.api = rest.NewClient(host, opts.HTTP(), a.logger,
		append(common, rest.WithAuthorizer(rest.AuthorizerFunc(a.authorize)))...)

	a.session = drive.NewTokenLifecycle(drive.TokenConfig{
		Label:           label,
		Secret:          secret,
		SecretUpdatedAt: opts.SecretUpdatedAt,
		Margin:          tokenMargin,
		Refresh:         a.refresh,
		Sink:            opts.Sink,
		Cache:           opts.Cache,
		Logger:          a.logger,
		Now:             opts.Clock(),
	})

	return a, nil
}

// Provider implements drive.Adapter.
func (a *Adapter) Provider() drive.ProviderID { return drive.Aliyun }

// UpdateCredential implements drive.CredentialUpdater.
func (a *Adapter) UpdateCredential(secret string, updatedAt time.Time) bool {
	return a.session.Replace(secret, updatedAt)
}

type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresIn      int    `json:"expires_in"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	NickName       string `json:"nick_name"`
	DefaultDriveID string `json:"default_drive_id"`
}

func (a *Adapter) refresh(ctx context.Context, refreshToken string) (drive.Grant, error) {
	var resp tokenResponse

	err := a.anon.JSON(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/v2/account/token",
		JSON: map[string]string{
			"refresh_token": refreshToken,
			"grant_type":    "refresh_token",
		},
	}, &resp)
	if err != nil {
		return drive.Grant{}, a.normalize(err, "refreshing token")
	}

	tok := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       a.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	return drive.Grant{
		Token: tok,
		Meta: map[string]string{
			"user_id":          resp.UserID,
			"user_name":        resp.UserName,
			"nick_name":        resp.NickName,
			"default_drive_id": resp.DefaultDriveID,
		},
	}, nil
}

func (a *Adapter) authorize(ctx context.Context, req *http.Request) error {
	g, err := a.session.EnsureValid(ctx)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+g.Token.AccessToken)

	return nil
}

// call performs an authorized request. A rejected access token triggers
// exactly one refresh and one retry.
func (a *Adapter) call(ctx context.Context, op string, req *rest.Request, out any) error {
	err := a.api.JSON(ctx, req, out)
	if err != nil && isTokenExpired(err) {
		a.logger.Debug("access token rejected, refreshing once", slog.String("op", op))
		a.session.Invalidate()
		err = a.api.JSON(ctx, req, out)
	}

	return a.normalize(err, op)
}

func (a *Adapter) driveID(ctx context.Context) (string, error) {
	if _, err := a.session.EnsureValid(ctx); err != nil {
		return "", err
	}

	id := a.session.Meta()["default_drive_id"]
	if id == "" {
		return "", a.label.Errorf(drive.KindAuthInvalid, "", "session has no default drive id")
	}

	return id, nil
}

// Initialize implements drive.Adapter.
func (a *Adapter) Initialize(ctx context.Context) (drive.AccountInfo, error) {
	if _, err := a.session.EnsureValid(ctx); err != nil {
		return drive.AccountInfo{}, err
	}

	meta := a.session.Meta()

	name := meta["nick_name"]
	if name == "" {
		name = meta["user_name"]
	}

	info := drive.AccountInfo{UserID: meta["user_id"], Name: name, RootID: rootID}

	var space struct {
		PersonalSpaceInfo struct {
			UsedSize  int64 `json:"used_size"`
			TotalSize int64 `json:"total_size"`
		} `json:"personal_space_info"`
	}

	if err := a.call(ctx, "reading capacity", &rest.Request{
		Method: http.MethodPost,
		Path:   "/v2/databox/get_personal_info",
		JSON:   map[string]any{},
	}, &space); err != nil {
		a.logger.Debug("capacity lookup failed", slog.String("error", err.Error()))
	} else {
		info.Used = space.PersonalSpaceInfo.UsedSize
		info.Capacity = space.PersonalSpaceInfo.TotalSize
	}

	return info, nil
}

var (
	shareIDPattern   = regexp.MustCompile(`/s/([a-zA-Z0-9]+)`)
	folderPattern    = regexp.MustCompile(`/folder/([a-zA-Z0-9]+)`)
	listSharePattern = regexp.MustCompile(`#/list/share/([a-zA-Z0-9]+)`)
	passcodePattern  = regexp.MustCompile(`(?:pwd|password|提取码)[=:：]?\s*([a-zA-Z0-9]{4})`)
)

// ParseShareURL implements drive.Adapter.
func (a *Adapter) ParseShareURL(rawURL string) (drive.ShareRef, error) {
	m := shareIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return drive.ShareRef{}, a.label.Errorf(drive.KindBadInput, "", "not an aliyun share link: %s", rawURL)
	}

	ref := drive.ShareRef{ShareID: m[1]}

	if p := passcodePattern.FindStringSubmatch(rawURL); p != nil {
		ref.Passcode = p[1]
	}

	if f := folderPattern.FindStringSubmatch(rawURL); f != nil {
		ref.ContainerID = f[1]
	} else if f := listSharePattern.FindStringSubmatch(rawURL); f != nil {
		ref.ContainerID = f[1]
	}

	return ref, nil
}

// ShareToken implements drive.Adapter.
func (a *Adapter) ShareToken(ctx context.Context, shareID, passcode string) (drive.ShareToken, error) {
	var info struct {
		ShareName  string `json:"share_name"`
		Expiration string `json:"expiration"`
	}

	err := a.anon.JSON(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/adrive/v2/share_link/get_share_by_anonymous",
		JSON:   map[string]string{"share_id": shareID},
	}, &info)
	if err != nil {
		return drive.ShareToken{}, a.normalize(err, "reading share")
	}

	var tok struct {
		ShareToken string `json:"share_token"`
		ExpireTime string `json:"expire_time"`
		ExpiresIn  int    `json:"expires_in"`
	}

	err = a.anon.JSON(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/v2/share_link/get_share_token",
		JSON:   map[string]string{"share_id": shareID, "share_pwd": passcode},
	}, &tok)
	if err != nil {
		return drive.ShareToken{}, a.normalize(err, "obtaining share token")
	}

	if tok.ShareToken == "" {
		return drive.ShareToken{}, a.label.Errorf(drive.KindNotFound, "", "share %s returned no token", shareID)
	}

	expires, _ := time.Parse(time.RFC3339, tok.ExpireTime)

	return drive.ShareToken{Value: tok.ShareToken, Title: info.ShareName, Expires: expires}, nil
}

// item is a file entry of both own-drive and share listings.
type item struct {
	FileID       string `json:"file_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	UpdatedAt    string `json:"updated_at"`
	ParentFileID string `json:"parent_file_id"`
}

func (it item) node() drive.Node {
	mod, _ := time.Parse(time.RFC3339, it.UpdatedAt)

	return drive.Node{
		ID:          it.FileID,
		Name:        it.Name,
		IsContainer: it.Type == "folder",
		Size:        it.Size,
		ModTime:     mod,
		ParentID:    it.ParentFileID,
	}
}

type listResponse struct {
	Items      []item `json:"items"`
	NextMarker string `json:"next_marker"`
}

func (r listResponse) page() drive.Page {
	nodes := make([]drive.Node, len(r.Items))
	for i, it := range r.Items {
		nodes[i] = it.node()
	}

	return drive.Page{Items: nodes, Next: r.NextMarker}
}

func ownRoot(id string) string {
	if id == "" || id == drive.RootID {
		return rootID
	}

	return id
}

// ListShareChildren implements drive.Adapter.
func (a *Adapter) ListShareChildren(
	ctx context.Context, shareID string, token drive.ShareToken, containerID string,
) ([]drive.Node, error) {
	parent := ownRoot(containerID)

	return drive.Collect(ctx, func(ctx context.Context, marker string) (drive.Page, error) {
		var resp listResponse

		err := a.call(ctx, "listing share", &rest.Request{
			Method: http.MethodPost,
			Path:   "/adrive/v2/file/list_by_share",
			Header: http.Header{"X-Share-Token": {token.Value}},
			JSON: map[string]any{
				"share_id":        shareID,
				"parent_file_id":  parent,
				"limit":           pageSize,
				"marker":          marker,
				"order_by":        "name",
				"order_direction": "ASC",
			},
		}, &resp)
		if err != nil {
			return drive.Page{}, err
		}

		return resp.page(), nil
	}, drive.PageOptions{})
}

// ListChildren implements drive.Adapter.
func (a *Adapter) ListChildren(ctx context.Context, containerID string) ([]drive.Node, error) {
	driveID, err := a.driveID(ctx)
	if err != nil {
		return nil, err
	}

	parent := ownRoot(containerID)

	return drive.Collect(ctx, func(ctx context.Context, marker string) (drive.Page, error) {
		var resp listResponse

		err := a.call(ctx, "listing folder", &rest.Request{
			Method: http.MethodPost,
			Path:   "/adrive/v3/file/list",
			JSON: map[string]any{
				"drive_id":        driveID,
				"parent_file_id":  parent,
				"limit":           pageSize,
				"marker":          marker,
				"order_by":        "name",
				"order_direction": "ASC",
			},
		}, &resp)
		if err != nil {
			return drive.Page{}, err
		}

		return resp.page(), nil
	}, drive.PageOptions{})
}

type batchRequest struct {
	Body    map[string]any    `json:"body"`
	Headers map[string]string `json:"headers"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
}

type batchResponse struct {
	Responses []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
		Body   struct {
			FileID  string `json:"file_id"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"body"`
	} `json:"responses"`
}

// batch runs sub-requests in chunks and returns, in input order, the file
// id each one produced plus the failures.
func (a *Adapter) batch(
	ctx context.Context, op string, header http.Header, reqs []batchRequest,
) ([]string, []drive.FailedItem, string, error) {
	results := make([]string, len(reqs))

	var (
		failed    []drive.FailedItem
		firstCode string
	)

	for start := 0; start < len(reqs); start += batchSize {
		chunk := reqs[start:min(start+batchSize, len(reqs))]

		var resp batchResponse

		err := a.call(ctx, op, &rest.Request{
			Method: http.MethodPost,
			Path:   "/adrive/v2/batch",
			Header: header,
			JSON:   map[string]any{"requests": chunk, "resource": "file"},
		}, &resp)
		if err != nil {
			return nil, nil, "", err
		}

		byID := make(map[string]int, len(chunk))
		for i, r := range chunk {
			byID[r.ID] = start + i
		}

		for _, r := range resp.Responses {
			idx, ok := byID[r.ID]
			if !ok {
				continue
			}

			if r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices {
				results[idx] = r.Body.FileID
				delete(byID, r.ID)

				continue
			}

			if firstCode == "" {
				firstCode = r.Body.Code
			}

			failed = append(failed, drive.FailedItem{
				ID:      subjectOf(reqs[idx]),
				Message: strings.TrimSpace(r.Body.Code + " " + r.Body.Message),
			})
			delete(byID, r.ID)
		}

		// Sub-requests the provider did not answer for are failures too.
		for id, idx := range byID {
			failed = append(failed, drive.FailedItem{ID: subjectOf(reqs[idx]), Message: "no response for batch item " + id})
		}
	}

	return results, failed, firstCode, nil
}

func subjectOf(r batchRequest) string {
	id, _ := r.Body["file_id"].(string)
	return id
}

// batchOutcome turns per-item failures into the normalized error: nil when
// all succeeded, the first item's kind when all failed, PartialSuccess
// otherwise.
func (a *Adapter) batchOutcome(op string, total int, failed []drive.FailedItem, firstCode string) error {
	switch {
	case len(failed) == 0:
		return nil
	case len(failed) == total:
		return &drive.Error{
			Provider: a.label.Provider,
			Account:  a.label.Account,
			Kind:     kindForCode(firstCode, drive.KindTransport),
			Code:     firstCode,
			Message:  op + ": every item failed: " + failed[0].Message,
			Failed:   failed,
		}
	default:
		return &drive.Error{
			Provider: a.label.Provider,
			Account:  a.label.Account,
			Kind:     drive.KindPartialSuccess,
			Code:     firstCode,
			Message:  op + ": " + strconv.Itoa(len(failed)) + " of " + strconv.Itoa(total) + " items failed",
			Failed:   failed,
		}
	}
}

// TransferShared implements drive.Adapter. The copy is synchronous; the
// returned task id can still be polled. On partial success the result is
// populated and the error lists the failed items.
func (a *Adapter) TransferShared(ctx context.Context, req drive.TransferRequest) (drive.TransferResult, error) {
	if len(req.NodeIDs) == 0 {
		return drive.TransferResult{}, a.label.Errorf(drive.KindBadInput, "", "nothing to transfer")
	}

	driveID, err := a.driveID(ctx)
	if err != nil {
		return drive.TransferResult{}, err
	}

	reqs := make([]batchRequest, len(req.NodeIDs))
	for i, id := range req.NodeIDs {
		reqs[i] = batchRequest{
			Body: map[string]any{
				"file_id":           id,
				"share_id":          req.ShareID,
				"auto_rename":       true,
				"to_parent_file_id": ownRoot(req.TargetID),
				"to_drive_id":       driveID,
			},
			Headers: map[string]string{"Content-Type": "application/json"},
			ID:      strconv.Itoa(i),
			Method:  http.MethodPost,
			URL:     "/file/copy",
		}
	}

	ids, failed, code, err := a.batch(ctx, "copying shared files",
		http.Header{"X-Share-Token": {req.Token.Value}}, reqs)
	if err != nil {
		return drive.TransferResult{}, err
	}

	saved := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			saved = append(saved, id)
		}
	}

	outcome := a.batchOutcome("copying shared files", len(reqs), failed, code)
	if outcome != nil && len(saved) == 0 {
		return drive.TransferResult{}, outcome
	}

	res := drive.TransferResult{
		TaskID:   a.tasks.Record(saved),
		Done:     true,
		SavedIDs: saved,
		Failed:   failed,
	}

	return res, outcome
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
	driveID, err := a.driveID(ctx)
	if err != nil {
		return drive.Node{}, err
	}

	return drive.MakeWalk(ctx, a.ListChildren, rootID, path,
		func(ctx context.Context, parentID, name string) (drive.Node, error) {
			var resp struct {
				FileID   string `json:"file_id"`
				FileName string `json:"file_name"`
			}

			err := a.call(ctx, "creating folder", &rest.Request{
				Method: http.MethodPost,
				Path:   "/v2/file/create",
				JSON: map[string]any{
					"drive_id":        driveID,
					"parent_file_id":  parentID,
					"name":            name,
					"type":            "folder",
					"check_name_mode": "refuse",
				},
			}, &resp)
			if err != nil {
				return drive.Node{}, err
			}

			return drive.Node{ID: resp.FileID, Name: name}, nil
		})
}

// Rename implements drive.Adapter.
func (a *Adapter) Rename(ctx context.Context, id, newName string) error {
	driveID, err := a.driveID(ctx)
	if err != nil {
		return err
	}

	return a.call(ctx, "renaming", &rest.Request{
		Method: http.MethodPost,
		Path:   "/v3/file/update",
		JSON: map[string]any{
			"drive_id":        driveID,
			"file_id":         id,
			"name":            newName,
			"check_name_mode": "refuse",
		},
	}, nil)
}

// Delete implements drive.Adapter. Items go to the recycle bin.
func (a *Adapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	driveID, err := a.driveID(ctx)
	if err != nil {
		return err
	}

	reqs := make([]batchRequest, len(ids))
	for i, id := range ids {
		reqs[i] = batchRequest{
			Body:    map[string]any{"drive_id": driveID, "file_id": id},
			Headers: map[string]string{"Content-Type": "application/json"},
			ID:      id,
			Method:  http.MethodPost,
			URL:     "/recyclebin/trash",
		}
	}

	_, failed, code, err := a.batch(ctx, "deleting", nil, reqs)
	if err != nil {
		return err
	}

	return a.batchOutcome("deleting", len(reqs), failed, code)
}

// ResolvePaths implements drive.Adapter.
func (a *Adapter) ResolvePaths(ctx context.Context, paths []string) ([]drive.PathID, error) {
	return drive.ResolveWalk(ctx, a.ListChildren, rootID, paths)
}

// PathOf implements drive.PathFinder using the provider's path endpoint.
func (a *Adapter) PathOf(ctx context.Context, id string) (drive.Breadcrumb, error) {
	if ownRoot(id) == rootID {
		return drive.Breadcrumb{}, nil
	}

	driveID, err := a.driveID(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Items []item `json:"items"`
	}

	if err := a.call(ctx, "reading path", &rest.Request{
		Method: http.MethodPost,
		Path:   "/adrive/v1/file/get_path",
		JSON:   map[string]string{"drive_id": driveID, "file_id": id},
	}, &resp); err != nil {
		return nil, err
	}

	// The provider lists the target first and the top folder last.
	crumbs := make(drive.Breadcrumb, 0, len(resp.Items))
	for i := len(resp.Items) - 1; i >= 0; i-- {
		crumbs = append(crumbs, drive.Crumb{ID: resp.Items[i].FileID, Name: resp.Items[i].Name})
	}

	return crumbs, nil
}

var _ drive.PathFinder = (*Adapter)(nil)

// errorBody is the provider's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var codeKinds = map[string]drive.Kind{
	"AccessTokenInvalid":            drive.KindAuthInvalid,
	"AccessTokenExpired":            drive.KindAuthInvalid,
	"RefreshTokenExpired":           drive.KindAuthInvalid,
	"InvalidParameter.RefreshToken": drive.KindAuthInvalid,
	"UserDeviceOffline":             drive.KindAuthInvalid,
	"ForbiddenNoPermission.File":    drive.KindAuthInvalid,
	"NotFound.ShareLink":            drive.KindNotFound,
	"ShareLink.Cancelled":           drive.KindNotFound,
	"ShareLink.Expired":             drive.KindNotFound,
	"ShareLink.Forbidden":           drive.KindNotFound,
	"NotFound.File":                 drive.KindNotFound,
	"NotFound.ParentFileId":         drive.KindNotFound,
	"ShareLinkTokenInvalid":         drive.KindBadInput,
	"InvalidResource.SharePwd":      drive.KindBadInput,
	"InvalidParameter":              drive.KindBadInput,
	"AlreadyExist.File":             drive.KindBadInput,
	"ParamFlowException":            drive.KindRateLimited,
	"TooManyRequests":               drive.KindRateLimited,
	"QuotaExhausted.Drive":          drive.KindQuotaExceeded,
	"QuotaExhausted.File":           drive.KindQuotaExceeded,
}

func kindForCode(code string, fallback drive.Kind) drive.Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}

	return fallback
}

func isTokenExpired(err error) bool {
	var se *rest.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		return false
	}

	var body errorBody
	if rest.Decode("", se.Body, &body) != nil {
		return false
	}

	return body.Code == "AccessTokenInvalid" || body.Code == "AccessTokenExpired"
}

// normalize maps transport and provider errors to *drive.Error.
func (a *Adapter) normalize(err error, op string) error {
	if err == nil {
		return nil
	}

	var se *rest.StatusError
	if errors.As(err, &se) {
		var body errorBody
		if rest.Decode("", se.Body, &body) == nil && body.Code != "" {
			return &drive.Error{
				Provider: a.label.Provider,
				Account:  a.label.Account,
				Kind:     kindForCode(body.Code, se.Kind()),
				Code:     body.Code,
				Message:  op + ": " + body.Message,
				Err:      err,
			}
		}
	}

	return a.label.Wrap(err, op)
}
