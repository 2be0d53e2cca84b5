package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pansave/internal/drive"
)

func newTestClient(t *testing.T, srvURL string, opts ...Option) *Client {
	t.Helper()

	return NewClient(srvURL, http.DefaultClient, slog.Default(), opts...)
}

func TestJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/file/list", r.URL.Path)
		assert.Equal(t, "pc", r.URL.Query().Get("fr"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "sid=abc", r.Header.Get("Cookie"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))

		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithAuthorizer(Cookie("sid=abc")), WithQuery("fr", "pc"), WithHeader("X-Extra", "yes"))

	var out struct {
		Value string `json:"value"`
	}

	err := c.JSON(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/v2/file/list",
		Query:  url.Values{"page": {"1"}},
		JSON:   map[string]string{"a": "b"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
}

func TestCookie_KeepsRequestCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BDUSS=u; BDCLND=s", r.Header.Get("Cookie"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithAuthorizer(Cookie("BDUSS=u")))

	_, err := c.Bytes(context.Background(), &Request{
		Path:   "/share/list",
		Header: http.Header{"Cookie": {"BDCLND=s"}},
	})
	require.NoError(t, err)
}

func TestDo_FormBodyAndAbsolutePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "42", r.PostForm.Get("cid"))
		assert.Equal(t, "/other", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, "http://unused.invalid")
	resp, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   srv.URL + "/other",
		Form:   url.Values{"cid": {"42"}},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
		kind     drive.Kind
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest, drive.KindBadInput},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, drive.KindAuthInvalid},
		{"forbidden", http.StatusForbidden, ErrForbidden, drive.KindAuthInvalid},
		{"not found", http.StatusNotFound, ErrNotFound, drive.KindNotFound},
		{"conflict", http.StatusConflict, ErrConflict, drive.KindBadInput},
		{"throttled", http.StatusTooManyRequests, ErrThrottled, drive.KindRateLimited},
		{"server error", http.StatusBadGateway, ErrServerError, drive.KindTransport},
		{"redirect", http.StatusNotModified, ErrUnexpected, drive.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("X-Request-Id", "req-1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"Something"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			_, err := c.Do(context.Background(), &Request{Path: "/x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.kind, drive.KindOf(err))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "req-1", se.RequestID)
		})
	}
}

func TestDo_NoRetry(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(1), hits.Load())
}

func TestJSON_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>captcha</html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var out map[string]any
	err := c.JSON(context.Background(), &Request{Path: "/x"}, &out)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, drive.KindTransport, drive.KindOf(err))
}

func TestDo_AuthorizerErrorPassesThrough(t *testing.T) {
	authErr := drive.NewError(drive.KindAuthInvalid, "refresh failed")
	c := newTestClient(t, "http://unused.invalid", WithAuthorizer(AuthorizerFunc(func(context.Context, *http.Request) error {
		return authErr
	})))

	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	assert.ErrorIs(t, err, drive.ErrAuthInvalid)
}

func TestDo_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(ctx, &Request{Path: "/slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDo_LimiterPacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithLimiter(NewLimiter(20, 1)))

	start := time.Now()

	for range 3 {
		resp, err := c.Do(context.Background(), &Request{Path: "/x"})
		require.NoError(t, err)
		resp.Body.Close()
	}

	// Burst 1 at 20 rps: the 2nd and 3rd requests wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Nil(t, NewLimiter(0, 5))
}
