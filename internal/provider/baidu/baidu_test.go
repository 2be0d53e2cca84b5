package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pansave/internal/drive"
)

const (
	goodCookie = "BDUSS=good; STOKEN=s"
	testToken  = "0123456789abcdef0123456789abcdef"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeBaidu serves the pan and PCS hosts from one server. The own drive
// is a flat map of directory path to entries.
type fakeBaidu struct {
	t         *testing.T
	homeLoads atomic.Int32
	dirs      map[string][]map[string]any
	shareDirs map[string][]map[string]any
	transfer  http.HandlerFunc
	fileOps   []string
}

func newFakeBaidu(t *testing.T) (*fakeBaidu, *httptest.Server) {
	f := &fakeBaidu{
		t: t,
		dirs: map[string][]map[string]any{
			"/": {
				{"fs_id": 11, "path": "/TV", "isdir": 1},
				{"fs_id": 12, "path": "/notes.txt", "isdir": 0, "size": 5, "server_mtime": 1700000000},
			},
			"/TV": {{"fs_id": 21, "path": "/TV/Show", "isdir": 1}},
		},
		shareDirs: map[string][]map[string]any{
			"/sharelink/Pack/S01": {{"fs_id": "901", "server_filename": "e01.mkv", "isdir": 0, "size": "100"}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/disk/home", f.home)
	mux.HandleFunc("/rest/2.0/pcs/quota", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"quota": 2048, "used": 1024})
	})
	mux.HandleFunc("/rest/2.0/pcs/file", f.pcsFile)
	mux.HandleFunc("/share/verify", f.verify)
	mux.HandleFunc("/s/1AbCd", f.sharePage)
	mux.HandleFunc("/share/list", f.shareList)
	mux.HandleFunc("/share/transfer", func(w http.ResponseWriter, r *http.Request) {
		f.transfer(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeBaidu) home(w http.ResponseWriter, r *http.Request) {
	f.homeLoads.Add(1)

	if !strings.Contains(r.Header.Get("Cookie"), "BDUSS=good") {
		_, _ = fmt.Fprint(w, "<html>please log in</html>")
		return
	}

	_, _ = fmt.Fprintf(w, `<html><script>var context={"bdstoken":"%s","username":"dave","uk":"777"};</script></html>`, testToken)
}

func (f *fakeBaidu) pcsFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assert.Equal(f.t, pcsAppID, q.Get("app_id"))
	assert.Equal(f.t, pcsUA, r.Header.Get("User-Agent"))

	switch q.Get("method") {
	case "list":
		items, ok := f.dirs[q.Get("path")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"error_code": 31066, "error_msg": "file does not exist"})

			return
		}

		writeJSON(w, map[string]any{"list": items})
	case "mkdir":
		if _, exists := f.dirs[q.Get("path")]; exists {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"error_code": 31061, "error_msg": "file already exists"})

			return
		}

		f.fileOps = append(f.fileOps, "mkdir "+q.Get("path"))
		writeJSON(w, map[string]any{"fs_id": 555, "path": q.Get("path")})
	default:
		require.NoError(f.t, r.ParseForm())
		f.fileOps = append(f.fileOps, q.Get("method")+" "+r.PostForm.Get("param"))
		writeJSON(w, map[string]any{"errno": 0})
	}
}

func (f *fakeBaidu) verify(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())
	assert.Equal(f.t, "AbCd", r.URL.Query().Get("surl"))
	assert.Contains(f.t, r.Header.Get("Referer"), "/share/init?surl=AbCd")

	if r.PostForm.Get("pwd") != "x7y8" {
		writeJSON(w, map[string]any{"errno": 200025, "err_msg": ""})
		return
	}

	writeJSON(w, map[string]any{"errno": 0, "randsk": "rs1"})
}

func (f *fakeBaidu) sharePage(w http.ResponseWriter, r *http.Request) {
	assert.Contains(f.t, r.Header.Get("Cookie"), "BDCLND=rs1")

	data := map[string]any{
		"share_uk": "3001",
		"shareid":  4002,
		"bdstoken": testToken,
		"file_list": []map[string]any{
			{"fs_id": 801, "path": "/sharelink/Pack", "server_filename": "Pack", "isdir": 1},
		},
	}
	raw, _ := json.Marshal(data)

	_, _ = fmt.Fprintf(w, "<html><script>locals.mset(%s);</script></html>", raw)
}

func (f *fakeBaidu) shareList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assert.Equal(f.t, "3001", q.Get("uk"))
	assert.Equal(f.t, "4002", q.Get("shareid"))
	assert.Contains(f.t, r.Header.Get("Cookie"), "BDCLND=rs1")

	switch q.Get("dir") {
	case "/sharelink/Pack":
		writeJSON(w, map[string]any{"errno": 0, "list": []map[string]any{
			{"fs_id": 802, "path": "/sharelink/Pack/S01", "server_filename": "S01", "isdir": 1},
		}})
	default:
		writeJSON(w, map[string]any{"errno": 0, "list": f.shareDirs[q.Get("dir")]})
	}
}

func newTestAdapter(t *testing.T, url, cookie string) *Adapter {
	t.Helper()

	a, err := newAdapter(cookie, drive.Options{Account: "b1", BaseURL: url})
	require.NoError(t, err)

	a.settle = 0

	return a
}

func TestNew_RequiresBDUSS(t *testing.T) {
	_, err := New("STOKEN=x", drive.Options{})
	assert.ErrorIs(t, err, drive.ErrBadInput)
}

func TestInitialize(t *testing.T) {
	f, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, goodCookie)

	info, err := a.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dave", info.Name)
	assert.Equal(t, "777", info.UserID)
	assert.Equal(t, int64(2048), info.Capacity)
	assert.Equal(t, testToken, a.token())

	_, err = a.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.homeLoads.Load())
}

func TestInitialize_LoggedOut(t *testing.T) {
	_, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, "BDUSS=stale")

	_, err := a.Initialize(context.Background())
	require.ErrorIs(t, err, drive.ErrAuthInvalid)

	_, err = a.ListChildren(context.Background(), "/")
	assert.ErrorIs(t, err, drive.ErrAuthInvalid)
}

func TestOwnListingUsesPaths(t *testing.T) {
	_, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, goodCookie)

	nodes, err := a.ListChildren(context.Background(), drive.RootID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "/TV", nodes[0].ID)
	assert.Equal(t, "TV", nodes[0].Name)
	assert.True(t, nodes[0].IsContainer)
	assert.Equal(t, "11", nodes[0].ShareToken)
	assert.Equal(t, int64(1700000000), nodes[1].ModTime.Unix())

	// A bare fs_id is found by searching the tree.
	nodes, err = a.ListChildren(context.Background(), "11")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "/TV/Show", nodes[0].ID)

	crumbs, err := a.PathOf(context.Background(), "21")
	require.NoError(t, err)
	assert.Equal(t, "/TV/Show", crumbs.Path())
	assert.Equal(t, "/TV", crumbs[0].ID)

	_, err = a.ListChildren(context.Background(), "999")
	assert.ErrorIs(t, err, drive.ErrNotFound)
}

func TestShareFlow(t *testing.T) {
	_, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, goodCookie)

	_, err := a.ShareToken(context.Background(), "1AbCd", "0000")
	require.ErrorIs(t, err, drive.ErrBadInput)

	tok, err := a.ShareToken(context.Background(), "1AbCd", "x7y8")
	require.NoError(t, err)
	assert.Equal(t, "rs1", tok.Value)
	assert.Equal(t, "3001", tok.Extra["uk"])
	assert.Equal(t, "4002", tok.Extra["shareid"])
	assert.Equal(t, "Pack", tok.Title)

	root, err := a.ListShareChildren(context.Background(), "1AbCd", tok, "")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "801", root[0].ID)

	season, err := a.ListShareChildren(context.Background(), "1AbCd", tok, "801")
	require.NoError(t, err)
	require.Len(t, season, 1)
	assert.Equal(t, "802", season[0].ID)

	eps, err := a.ListShareChildren(context.Background(), "1AbCd", tok, "802")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "e01.mkv", eps[0].Name)
	assert.Equal(t, int64(100), eps[0].Size)
}

func TestListShareChildren_UnseenIDIsSearched(t *testing.T) {
	_, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, goodCookie)

	tok, err := a.ShareToken(context.Background(), "1AbCd", "x7y8")
	require.NoError(t, err)

	// 802 was never listed by this adapter; it lives two levels down.
	eps, err := a.ListShareChildren(context.Background(), "1AbCd", tok, "802")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "901", eps[0].ID)
}

func TestTransferShared_UsesReportedPaths(t *testing.T) {
	f, srv := newFakeBaidu(t)
	f.transfer = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "[901,902]", r.PostForm.Get("fsidlist"))
		assert.Equal(t, "/TV", r.PostForm.Get("path"))
		assert.Equal(t, "4002", r.URL.Query().Get("shareid"))
		assert.Equal(t, "3001", r.URL.Query().Get("from"))
		assert.Contains(t, r.Header.Get("Cookie"), "BDUSS=good")
		assert.Contains(t, r.Header.Get("Cookie"), "BDCLND=rs1")

		writeJSON(w, map[string]any{
			"errno": 0,
			"info":  []map[string]any{{"errno": 0, "fsid": 901}, {"errno": -10, "fsid": 902}},
			"extra": map[string]any{"list": []map[string]any{{"from": "/sharelink/e01.mkv", "to": "/TV/e01.mkv"}}},
		})
	}

	a := newTestAdapter(t, srv.URL, goodCookie)

	res, err := a.TransferShared(context.Background(), drive.TransferRequest{
		ShareID:  "1AbCd",
		Token:    drive.ShareToken{Value: "rs1", Extra: map[string]string{"uk": "3001", "shareid": "4002"}},
		NodeIDs:  []string{"901", "902"},
		TargetID: "11",
	})
	require.ErrorIs(t, err, drive.ErrPartialSuccess)
	assert.Equal(t, []string{"/TV/e01.mkv"}, res.SavedIDs)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "902", res.Failed[0].ID)

	st, err := a.PollTransfer(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, drive.TaskDone, st.State)
}

func TestTransferShared_DiffWhenNoExtra(t *testing.T) {
	f, srv := newFakeBaidu(t)
	f.transfer = func(w http.ResponseWriter, _ *http.Request) {
		f.dirs["/TV"] = append(f.dirs["/TV"], map[string]any{"fs_id": 22, "path": "/TV/e01.mkv", "isdir": 0})
		writeJSON(w, map[string]any{"errno": 0})
	}

	a := newTestAdapter(t, srv.URL, goodCookie)

	res, err := a.TransferShared(context.Background(), drive.TransferRequest{
		ShareID:  "1AbCd",
		Token:    drive.ShareToken{Value: "rs1", Extra: map[string]string{"uk": "3001", "shareid": "4002"}},
		NodeIDs:  []string{"901"},
		TargetID: "/TV",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/TV/e01.mkv"}, res.SavedIDs)
}

func TestTransferShared_RejectsNonNumericIDs(t *testing.T) {
	a := &Adapter{label: drive.Label{Provider: drive.Baidu}}

	_, err := a.TransferShared(context.Background(), drive.TransferRequest{NodeIDs: []string{"/path"}})
	assert.ErrorIs(t, err, drive.ErrBadInput)
}

func TestMutations(t *testing.T) {
	f, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, goodCookie)

	n, err := a.MakeContainer(context.Background(), "/TV")
	require.NoError(t, err)
	assert.Equal(t, "/TV", n.ID)

	n, err = a.MakeContainer(context.Background(), "Movies/2024/")
	require.NoError(t, err)
	assert.Equal(t, "/Movies/2024", n.ID)
	assert.Equal(t, "2024", n.Name)

	require.NoError(t, a.Rename(context.Background(), "/notes.txt", "todo.txt"))
	require.NoError(t, a.Delete(context.Background(), []string{"/TV/Show", "12"}))

	assert.Equal(t, []string{
		"mkdir /Movies/2024",
		`move {"list":[{"from":"/notes.txt","to":"/todo.txt"}]}`,
		`delete {"list":[{"path":"/TV/Show"},{"path":"/notes.txt"}]}`,
	}, f.fileOps)

	assert.ErrorIs(t, a.Delete(context.Background(), []string{"/"}), drive.ErrBadInput)
}

func TestResolvePaths(t *testing.T) {
	_, srv := newFakeBaidu(t)
	a := newTestAdapter(t, srv.URL, goodCookie)

	got, err := a.ResolvePaths(context.Background(), []string{"/", "/TV/Show", "/TV/Nope", "/Gone/x"})
	require.NoError(t, err)
	assert.Equal(t, []drive.PathID{
		{Path: "/", ID: "/"},
		{Path: "/TV/Show", ID: "/TV/Show"},
		{Path: "/TV/Nope", ID: ""},
		{Path: "/Gone/x", ID: ""},
	}, got)
}

func TestParseShareURL(t *testing.T) {
	a := &Adapter{label: drive.Label{Provider: drive.Baidu}}

	tests := []struct {
		url  string
		want drive.ShareRef
	}{
		{"https://pan.baidu.com/s/1AbCd-ef?pwd=x7y8", drive.ShareRef{ShareID: "1AbCd-ef", Passcode: "x7y8"}},
		{"https://pan.baidu.com/share/init?surl=AbCd", drive.ShareRef{ShareID: "1AbCd"}},
		{"https://pan.baidu.com/s/1AbCd#x7y8", drive.ShareRef{ShareID: "1AbCd", Passcode: "x7y8"}},
		{"https://pan.baidu.com/s/1AbCd?pwd=x7y8#/list/share/802", drive.ShareRef{ShareID: "1AbCd", Passcode: "x7y8", ContainerID: "802"}},
	}

	for _, tt := range tests {
		got, err := a.ParseShareURL(tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}

	_, err := a.ParseShareURL("https://pan.baidu.com/disk/home")
	assert.ErrorIs(t, err, drive.ErrBadInput)
}
