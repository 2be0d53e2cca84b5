package xunlei

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pansave/internal/drive"
)

var testNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeAPI struct {
	refreshCalls  atomic.Int32
	captchaCalls  atomic.Int32
	rejectCaptcha atomic.Bool
	handlers      map[string]http.HandlerFunc
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{handlers: map[string]http.HandlerFunc{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, clientID, r.Header.Get("X-Client-Id"))

		switch r.URL.Path {
		case "/v1/auth/token":
			f.refreshCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  fmt.Sprintf("at-%d", f.refreshCalls.Load()),
				"refresh_token": "rt-1",
				"expires_in":    3600,
				"sub":           "u-9",
			})

			return
		case "/v1/shield/captcha/init":
			n := f.captchaCalls.Add(1)

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, shareAction, body["action"])
			assert.Equal(t, "u-9", body["meta"].(map[string]any)["user_id"])

			writeJSON(w, http.StatusOK, map[string]any{"captcha_token": fmt.Sprintf("ck-%d", n), "expires_in": 300})

			return
		}

		if f.rejectCaptcha.CompareAndSwap(true, false) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "captcha_invalid", "error_code": 9})
			return
		}

		h, ok := f.handlers[r.URL.Path]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "error_description": r.URL.Path})
			return
		}

		h(w, r)
	}))
	t.Cleanup(srv.Close)

	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()

	a, err := newAdapter("rt-0", drive.Options{
		Account: "dad",
		BaseURL: url,
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return a
}

func TestShareToken_SendsBothTokens(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.handlers["/drive/v1/share"] = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "ck-1", r.Header.Get("X-Captcha-Token"))
		assert.Equal(t, "s1", r.URL.Query().Get("share_id"))
		assert.Equal(t, "ab12", r.URL.Query().Get("pass_code"))

		writeJSON(w, http.StatusOK, map[string]any{"share_status": "OK", "pass_code_token": "pct", "title": "Movies"})
	}

	a := newTestAdapter(t, srv.URL)

	tok, err := a.ShareToken(context.Background(), "s1", "ab12")
	require.NoError(t, err)
	assert.Equal(t, "pct", tok.Value)
	assert.Equal(t, "Movies", tok.Title)
	assert.Equal(t, "ab12", tok.Extra["pass_code"])

	_, err = a.ShareToken(context.Background(), "s1", "ab12")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refreshCalls.Load())
	assert.Equal(t, int32(1), f.captchaCalls.Load())
}

func TestShareToken_BadStatus(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.handlers["/drive/v1/share"] = func(w http.ResponseWriter, r *http.Request) {
		status := "PASS_CODE_ERROR"
		if r.URL.Query().Get("share_id") == "gone" {
			status = "DELETED"
		}

		writeJSON(w, http.StatusOK, map[string]any{"share_status": status, "share_status_text": "nope"})
	}

	a := newTestAdapter(t, srv.URL)

	_, err := a.ShareToken(context.Background(), "s1", "xxxx")
	assert.ErrorIs(t, err, drive.ErrBadInput)

	_, err = a.ShareToken(context.Background(), "gone", "")
	assert.ErrorIs(t, err, drive.ErrNotFound)
}

func TestCall_RenewsRejectedCaptchaOnce(t *testing.T) {
	f, srv := newFakeAPI(t)

	var seen []string
	f.handlers["/drive/v1/share/detail"] = func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Captcha-Token"))
		assert.Equal(t, "dir", r.URL.Query().Get("parent_id"))
		writeJSON(w, http.StatusOK, map[string]any{"files": []map[string]any{{"kind": "drive#file", "id": "f", "name": "a.mkv", "size": "7"}}})
	}

	a := newTestAdapter(t, srv.URL)
	_, err := a.ShareToken(context.Background(), "s1", "")
	require.Error(t, err) // no /drive/v1/share handler, but tokens are now warm

	f.rejectCaptcha.Store(true)

	nodes, err := a.ListShareChildren(context.Background(), "s1", drive.ShareToken{Value: "pct"}, "dir")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(7), nodes[0].Size)
	assert.Equal(t, []string{"ck-2"}, seen)
	assert.Equal(t, int32(1), f.refreshCalls.Load())
}

func TestListChildren_PageToken(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.handlers["/drive/v1/files"] = func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Captcha-Token"))
		assert.Empty(t, r.URL.Query().Get("parent_id"))

		if r.URL.Query().Get("page_token") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"files":           []map[string]any{{"kind": "drive#folder", "id": "d1", "name": "TV"}},
				"next_page_token": "p2",
			})

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"files": []map[string]any{{"kind": "drive#file", "id": "f1", "name": "x", "modified_time": "2025-03-01T00:00:00Z"}},
		})
	}

	a := newTestAdapter(t, srv.URL)

	nodes, err := a.ListChildren(context.Background(), drive.RootID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].IsContainer)
	assert.Equal(t, 2025, nodes[1].ModTime.Year())
	assert.Equal(t, int32(0), f.captchaCalls.Load())
}

func TestTransferAndPoll(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.handlers["/drive/v1/share/restore"] = func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pct", body["pass_code_token"])
		assert.Equal(t, "target", body["parent_id"])
		assert.Equal(t, true, body["specify_parent_id"])

		writeJSON(w, http.StatusOK, map[string]any{"restore_status": "RESTORE_START", "restore_task_id": "t-1"})
	}

	var polls atomic.Int32
	f.handlers["/drive/v1/tasks/t-1"] = func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) == 1 {
			writeJSON(w, http.StatusOK, map[string]any{"phase": "PHASE_TYPE_RUNNING", "progress": 40})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"phase":    "PHASE_TYPE_COMPLETE",
			"progress": 100,
			"params":   map[string]string{"trace_file_ids": `{"a":"new-a"}`},
		})
	}

	a := newTestAdapter(t, srv.URL)

	res, err := a.TransferShared(context.Background(), drive.TransferRequest{
		ShareID:  "s1",
		Token:    drive.ShareToken{Value: "pct"},
		NodeIDs:  []string{"a"},
		TargetID: "target",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", res.TaskID)
	assert.False(t, res.Done)

	st, err := a.PollTransfer(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, drive.TaskRunning, st.State)
	assert.Equal(t, 40, st.Progress)

	st, err = a.PollTransfer(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, drive.TaskDone, st.State)
	assert.Equal(t, []string{"new-a"}, st.SavedIDs)
}

func TestTransferShared_Empty(t *testing.T) {
	a := &Adapter{label: drive.Label{Provider: drive.Xunlei}}

	_, err := a.TransferShared(context.Background(), drive.TransferRequest{ShareID: "s1"})
	assert.ErrorIs(t, err, drive.ErrBadInput)
}

func TestErrorMapping(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.handlers["/drive/v1/files:batchDelete"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "file_space_not_enough", "error_description": "space"})
	}

	a := newTestAdapter(t, srv.URL)

	err := a.Delete(context.Background(), []string{"x"})
	require.ErrorIs(t, err, drive.ErrQuotaExceeded)

	var de *drive.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "FILE_SPACE_NOT_ENOUGH", de.Code)
	assert.Equal(t, "dad", de.Account)

	assert.ErrorIs(t, a.Rename(context.Background(), "missing", "y"), drive.ErrNotFound)
}

func TestParseShareURL(t *testing.T) {
	a := &Adapter{label: drive.Label{Provider: drive.Xunlei}}

	ref, err := a.ParseShareURL("https://pan.xunlei.com/s/VNabc-12_x?pwd=q7rt#")
	require.NoError(t, err)
	assert.Equal(t, drive.ShareRef{ShareID: "VNabc-12_x", Passcode: "q7rt"}, ref)

	_, err = a.ParseShareURL("https://pan.xunlei.com/")
	assert.ErrorIs(t, err, drive.ErrBadInput)
}
