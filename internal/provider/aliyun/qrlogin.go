package aliyun

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/rest"
)

const (
	passportHost = "https://passport.aliyundrive.com"
	qrImageURL   = "https://api.qrserver.com/v1/create-qr-code/?size=200x200&data="
)

// QRState is the passport's view of a pending QR sign-in.
type QRState string

// Note the passport's spelling of "scanned".
const (
	QRNew       QRState = "NEW"
	QRScanned   QRState = "SCANED"
	QRConfirmed QRState = "CONFIRMED"
	QRExpired   QRState = "EXPIRED"
	QRCanceled  QRState = "CANCELED"
)

// QRCode identifies one generated sign-in code.
type QRCode struct {
	T       string
	CK      string
	Content string // encoded into the QR image
}

// ImageURL returns a link that renders the code as a PNG.
func (c QRCode) ImageURL() string {
	return qrImageURL + url.QueryEscape(c.Content)
}

// QRStatus is one poll result. The token fields are set only once the
// user confirmed on their phone.
type QRStatus struct {
	State        QRState
	RefreshToken string
	AccessToken  string
	UserName     string
	NickName     string
}

// GenerateQRCode asks the passport for a fresh sign-in code. opts supplies
// the HTTP client, logger and an optional BaseURL for the passport host.
func GenerateQRCode(ctx context.Context, opts drive.Options) (QRCode, error) {
	label := drive.Label{Provider: drive.Aliyun, Account: opts.Account}

	var resp struct {
		Content struct {
			Data struct {
				T           json.Number `json:"t"`
				CK          string      `json:"ck"`
				CodeContent string      `json:"codeContent"`
			} `json:"data"`
		} `json:"content"`
	}

	q := passportQuery()
	q.Set("bizParams", "")

	err := passportClient(opts).JSON(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   "/newlogin/qrcode/generate.do",
		Query:  q,
	}, &resp)
	if err != nil {
		return QRCode{}, label.Wrap(err, "generating QR code")
	}

	d := resp.Content.Data
	if d.T == "" || d.CK == "" || d.CodeContent == "" {
		return QRCode{}, label.Errorf(drive.KindTransport, "", "generating QR code: incomplete response")
	}

	return QRCode{T: string(d.T), CK: d.CK, Content: d.CodeContent}, nil
}

// QueryQRCode polls the sign-in state once. On QRConfirmed the refresh
// token is decoded from the passport's login result.
func QueryQRCode(ctx context.Context, opts drive.Options, code QRCode) (QRStatus, error) {
	label := drive.Label{Provider: drive.Aliyun, Account: opts.Account}

	var resp struct {
		Content struct {
			Data struct {
				QRCodeStatus string `json:"qrCodeStatus"`
				BizExt       string `json:"bizExt"`
			} `json:"data"`
		} `json:"content"`
	}

	err := passportClient(opts).JSON(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   "/newlogin/qrcode/query.do",
		Query:  passportQuery(),
		Form:   url.Values{"t": {code.T}, "ck": {code.CK}},
	}, &resp)
	if err != nil {
		return QRStatus{}, label.Wrap(err, "querying QR code")
	}

	st := QRStatus{State: QRState(resp.Content.Data.QRCodeStatus)}
	if st.State == "" {
		return QRStatus{}, label.Errorf(drive.KindTransport, "", "querying QR code: missing status")
	}

	if st.State != QRConfirmed {
		return st, nil
	}

	result, err := decodeBizExt(resp.Content.Data.BizExt)
	if err != nil {
		return QRStatus{}, label.Errorf(drive.KindTransport, "", "querying QR code: %v", err)
	}

	if result.RefreshToken == "" {
		return QRStatus{}, label.Errorf(drive.KindAuthInvalid, "", "querying QR code: confirmed without a refresh token")
	}

	st.RefreshToken = result.RefreshToken
	st.AccessToken = result.AccessToken
	st.UserName = result.UserName
	st.NickName = result.NickName

	return st, nil
}

// WaitQRCode polls every interval until the code is confirmed, expired or
// canceled. onChange, when set, sees each new state once. Expired and
// canceled codes are KindAuthInvalid.
func WaitQRCode(ctx context.Context, opts drive.Options, code QRCode, interval time.Duration, onChange func(QRState)) (QRStatus, error) {
	label := drive.Label{Provider: drive.Aliyun, Account: opts.Account}
	logger := opts.Log()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last QRState

	for {
		st, err := QueryQRCode(ctx, opts, code)
		if err != nil {
			return QRStatus{}, err
		}

		if st.State != last {
			logger.Debug("QR sign-in state changed", slog.String("state", string(st.State)))

			if onChange != nil {
				onChange(st.State)
			}

			last = st.State
		}

		switch st.State {
		case QRConfirmed:
			return st, nil
		case QRExpired, QRCanceled:
			return QRStatus{}, label.Errorf(drive.KindAuthInvalid, string(st.State), "QR sign-in %s", st.State)
		}

		select {
		case <-ctx.Done():
			return QRStatus{}, label.Wrap(ctx.Err(), "waiting for QR sign-in")
		case <-ticker.C:
		}
	}
}

type loginResult struct {
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken"`
	UserName     string `json:"userName"`
	NickName     string `json:"nickName"`
}

// decodeBizExt unpacks base64 GB18030 JSON carrying pds_login_result.
func decodeBizExt(bizExt string) (loginResult, error) {
	raw, err := base64.StdEncoding.DecodeString(bizExt)
	if err != nil {
		return loginResult{}, fmt.Errorf("decoding bizExt: %w", err)
	}

	utf8, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
	if err != nil {
		return loginResult{}, fmt.Errorf("transcoding bizExt: %w", err)
	}

	var ext struct {
		Result loginResult `json:"pds_login_result"`
	}

	if err := json.Unmarshal(utf8, &ext); err != nil {
		return loginResult{}, fmt.Errorf("parsing bizExt: %w", err)
	}

	return ext.Result, nil
}

func passportClient(opts drive.Options) *rest.Client {
	return rest.NewClient(opts.Host(passportHost), opts.HTTP(), opts.Log(),
		rest.WithHeader("Referer", "https://www.alipan.com/"),
		rest.WithHeader("Origin", "https://www.alipan.com"),
	)
}

func passportQuery() url.Values {
	return url.Values{
		"appName":     {"aliyun_drive"},
		"fromSite":    {"52"},
		"appEntrance": {"web"},
		"_csrf_token": {"undefined"},
		"umidToken":   {"undefined"},
		"isMobile":    {"false"},
		"lang":        {"zh_CN"},
		"returnUrl":   {""},
		"hsiz":        {"1d3d3f3d3f3f"},
		"navlanguage": {"zh-CN"},
		"navPlatform": {"MacIntel"},
	}
}
