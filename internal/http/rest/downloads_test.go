package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/downloader"
	"github.com/italolelis/download_manager/internal/events"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/jsonfile"
	"github.com/italolelis/download_manager/internal/transfer"
)

type runnerFunc func(ctx context.Context, key, runID string) transfer.Outcome

func (f runnerFunc) Run(ctx context.Context, key, runID string) transfer.Outcome {
	return f(ctx, key, runID)
}

func blockingRunner() downloader.Runner {
	return runnerFunc(func(ctx context.Context, _, _ string) transfer.Outcome {
		<-ctx.Done()

		return transfer.OutcomeSuspended
	})
}

type apiFixture struct {
	srv      *httptest.Server
	manager  *downloader.Manager
	store    *jsonfile.Store
	username string
	password string
}

func newAPI(t *testing.T, runner downloader.Runner, username, password string) *apiFixture {
	t.Helper()

	ctx := context.Background()
	dir := t.TempDir()

	store, err := jsonfile.Open(ctx, filepath.Join(dir, "downloads.json"))
	require.NoError(t, err)

	m := downloader.New(ctx, store, events.NewBus(ctx), runner, downloader.Config{DownloadDir: dir, RetainCompleted: true}, nil)

	srv := httptest.NewServer(NewDownloadsHandler(m, username, password).Routes())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		assert.NoError(t, m.Shutdown(ctx))
		srv.Close()
	})

	return &apiFixture{srv: srv, manager: m, store: store, username: username, password: password}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader *bytes.Reader

	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)

	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, buf.Bytes()
}

func (f *apiFixture) create(t *testing.T, key string) DownloadResponse {
	t.Helper()

	status, body := f.do(t, http.MethodPost, "/downloads", CreateDownloadRequest{
		Key:  key,
		URL:  "http://example.com/" + key,
		Path: key + ".bin",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var resp DownloadResponse
	require.NoError(t, json.Unmarshal(body, &resp))

	return resp
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))

	return resp
}

func TestDownloads_CreateAndGet(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")

	created := api.create(t, "movie")
	assert.Equal(t, storage.StateCreated, created.State)
	assert.Equal(t, 0, created.Progress)
	assert.Equal(t, []downloader.Action{downloader.ActionStart, downloader.ActionCancel}, created.AllowedActions)

	status, body := api.do(t, http.MethodGet, "/downloads/movie", nil)
	require.Equal(t, http.StatusOK, status)

	var got DownloadResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.Version, got.Version)
	assert.Equal(t, created.Path, got.Path)

	status, body = api.do(t, http.MethodGet, "/downloads", nil)
	require.Equal(t, http.StatusOK, status)

	var list []DownloadResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "movie", list[0].Key)
	assert.NotContains(t, string(body), "runId")
}

func TestDownloads_ListEmpty(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")

	status, body := api.do(t, http.MethodGet, "/downloads", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestDownloads_Errors(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")
	api.create(t, "movie")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate", http.MethodPost, "/downloads", CreateDownloadRequest{Key: "movie", URL: "http://example.com/x", Path: "x"}, http.StatusConflict, "duplicate_key"},
		{"malformed body", http.MethodPost, "/downloads", "{", http.StatusBadRequest, "invalid_request"},
		{"invalid url", http.MethodPost, "/downloads", CreateDownloadRequest{Key: "x", URL: "ftp://example.com/x", Path: "x"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown key", http.MethodGet, "/downloads/missing", nil, http.StatusNotFound, "invalid_key"},
		{"unknown key transition", http.MethodPost, "/downloads/missing/start", nil, http.StatusNotFound, "invalid_key"},
		{"invalid state", http.MethodPost, "/downloads/movie/pause", nil, http.StatusConflict, "invalid_state"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := api.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, status, string(body))
			assert.Equal(t, tc.code, decodeError(t, body).Code)
		})
	}
}

func TestDownloads_TransportUnavailable(t *testing.T) {
	api := newAPI(t, nil, "", "")
	api.create(t, "movie")

	status, body := api.do(t, http.MethodPost, "/downloads/movie/start", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "transport_unavailable", decodeError(t, body).Code)
}

func TestDownloads_ResumeUnavailable(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")

	// Bytes were recorded but the partial file is gone.
	_, err := api.store.Save(context.Background(), storage.DownloadRecord{
		Key:             "movie",
		URL:             "http://example.com/movie",
		Path:            filepath.Join(t.TempDir(), "movie.bin"),
		State:           storage.StatePaused,
		DownloadedBytes: 500,
		TotalBytes:      1000,
	})
	require.NoError(t, err)

	status, body := api.do(t, http.MethodPost, "/downloads/movie/resume", nil)
	require.Equal(t, http.StatusGone, status, string(body))
	assert.Equal(t, "resume_unavailable", decodeError(t, body).Code)
}

func TestDownloads_Lifecycle(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")
	api.create(t, "movie")

	for _, step := range []struct {
		op      string
		state   storage.State
		allowed []downloader.Action
	}{
		{"start", storage.StateInProgress, []downloader.Action{downloader.ActionPause, downloader.ActionCancel}},
		{"pause", storage.StatePaused, []downloader.Action{downloader.ActionResume, downloader.ActionCancel}},
		{"resume", storage.StateInProgress, []downloader.Action{downloader.ActionPause, downloader.ActionCancel}},
		{"cancel", storage.StateCancelled, []downloader.Action{}},
	} {
		status, body := api.do(t, http.MethodPost, "/downloads/movie/"+step.op, nil)
		require.Equal(t, http.StatusOK, status, step.op+": "+string(body))

		var resp DownloadResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, step.state, resp.State, step.op)
		assert.Equal(t, step.allowed, resp.AllowedActions, step.op)
	}

	status, body := api.do(t, http.MethodPost, "/downloads/movie/cancel", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "invalid_key", decodeError(t, body).Code)
}

func TestDownloads_BasicAuth(t *testing.T) {
	api := newAPI(t, blockingRunner(), "admin", "secret")

	status, _ := api.do(t, http.MethodGet, "/downloads", nil)
	assert.Equal(t, http.StatusOK, status)

	for name, setAuth := range map[string]func(r *http.Request){
		"missing": func(*http.Request) {},
		"wrong":   func(r *http.Request) { r.SetBasicAuth("admin", "nope") },
	} {
		req, err := http.NewRequest(http.MethodGet, api.srv.URL+"/downloads", nil)
		require.NoError(t, err)
		setAuth(req)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
	}
}

func dial(t *testing.T, api *apiFixture, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + path

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()

	t.Cleanup(func() { conn.Close() })

	return conn
}

func readRecord(t *testing.T, conn *websocket.Conn) DownloadResponse {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var resp DownloadResponse
	require.NoError(t, conn.ReadJSON(&resp))

	return resp
}

func TestEvents_DownloadStream(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")
	api.create(t, "movie")

	conn := dial(t, api, "/downloads/movie/events")

	snapshot := readRecord(t, conn)
	assert.Equal(t, storage.StateCreated, snapshot.State)

	_, err := api.manager.Start(context.Background(), "movie")
	require.NoError(t, err)

	started := readRecord(t, conn)
	assert.Equal(t, storage.StateInProgress, started.State)
	assert.Greater(t, started.Version, snapshot.Version)

	_, err = api.manager.Cancel(context.Background(), "movie")
	require.NoError(t, err)

	assert.Equal(t, storage.StateCancelled, readRecord(t, conn).State)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEvents_UnknownDownload(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/downloads/missing/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEvents_WildcardStream(t *testing.T) {
	api := newAPI(t, blockingRunner(), "", "")
	conn := dial(t, api, "/events")

	// The subscription is registered before the upgrade completes.
	api.create(t, "a")
	api.create(t, "b")

	keys := []string{readRecord(t, conn).Key, readRecord(t, conn).Key}
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}
