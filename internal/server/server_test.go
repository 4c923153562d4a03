package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/observability"
	"transfer-hub/internal/resume"
	"transfer-hub/internal/session"
	"transfer-hub/internal/task"
)

type env struct {
	api      *httptest.Server
	origin   *httptest.Server
	recorder *Recorder
	paths    *cache.Paths
	manager  *task.Manager
}

func newEnv(t *testing.T, origin http.Handler) *env {
	t.Helper()
	observability.RegisterMetrics()

	paths, err := cache.New(t.TempDir(), "")
	require.NoError(t, err)
	store := resume.OpenMemory()
	t.Cleanup(func() { store.Close() })

	sess := session.New(session.Options{Logger: zerolog.Nop()})
	recorder := NewRecorder()
	m, err := task.NewManager(sess, nil, task.ManagerOptions{
		Paths:    paths,
		Store:    store,
		Listener: recorder,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		sess.Close()
	})

	srv, err := New(Options{Manager: m, Recorder: recorder, Paths: paths, Logger: zerolog.Nop()})
	require.NoError(t, err)

	e := &env{recorder: recorder, paths: paths, manager: m}
	e.api = httptest.NewServer(srv.Handler())
	t.Cleanup(e.api.Close)
	e.origin = httptest.NewServer(origin)
	t.Cleanup(e.origin.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *env) waitFinished(t *testing.T, id string) Finished {
	t.Helper()
	var f Finished
	require.Eventually(t, func() bool {
		var ok bool
		f, ok = e.recorder.Finished(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return f
}

func fileServer(files map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		io.WriteString(w, body)
	})
}

func TestAddTaskDownloadsFile(t *testing.T) {
	e := newEnv(t, fileServer(map[string]string{"/file.bin": "payload"}))

	resp, body := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"id":   "one",
		"url":  e.origin.URL + "/file.bin",
		"path": "downloads/file.bin",
	})
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, resp.StatusCode, string(body))

	f := e.waitFinished(t, "one")
	assert.Equal(t, "completed", f.State)
	require.NotNil(t, f.Response)
	data, err := os.ReadFile(filepath.Join(e.paths.Root(), "downloads", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	resp, body = e.do(t, http.MethodGet, "/api/tasks/one", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"completed"`)

	resp, body = e.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"one"`)
}

func TestAddTaskRejectsInvalidRequest(t *testing.T) {
	e := newEnv(t, http.NotFoundHandler())

	resp, body := e.do(t, http.MethodPost, "/api/tasks", map[string]any{"id": "bad", "url": "ftp://example.com/x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), string(task.KindValidation))

	resp, _ = e.do(t, http.MethodPost, "/api/tasks", map[string]any{"url": e.origin.URL, "timeout": "soon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	resp, _ := e.do(t, http.MethodPost, "/api/tasks", map[string]any{"id": "slow", "url": e.origin.URL + "/slow"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, ok := e.recorder.Progress("slow")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = e.do(t, http.MethodDelete, "/api/tasks/slow", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	f := e.waitFinished(t, "slow")
	assert.Equal(t, "cancelled", f.State)
	assert.Equal(t, task.KindCancelled, f.Kind)

	resp, _ = e.do(t, http.MethodDelete, "/api/tasks/slow", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressEndpoint(t *testing.T) {
	e := newEnv(t, http.NotFoundHandler())

	resp, _ := e.do(t, http.MethodPost, "/api/tasks/later/progress", map[string]any{"direction": "upload", "interval": "1KiB"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/tasks/later/progress", map[string]any{"direction": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/tasks/later/progress", map[string]any{"interval": "plenty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownTask(t *testing.T) {
	e := newEnv(t, http.NotFoundHandler())
	resp, _ := e.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaylistDownload(t *testing.T) {
	files := map[string]string{
		"/master.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=100\nlow.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=900\nhigh.m3u8\n",
		"/high.m3u8":   "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg-a.ts\n#EXTINF:4.0,\nseg-b.ts\n#EXT-X-ENDLIST\n",
		"/seg-a.ts":    "aaaa",
		"/seg-b.ts":    "bbbb",
	}
	e := newEnv(t, fileServer(files))

	playlistURL := e.origin.URL + "/master.m3u8"
	resp, body := e.do(t, http.MethodPost, "/api/playlists", map[string]string{"url": playlistURL})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	id := cache.IDFromURL(playlistURL)
	require.Eventually(t, func() bool {
		_, data := e.do(t, http.MethodGet, "/api/playlists/"+id, nil)
		return strings.Contains(string(data), `"done":true`)
	}, 5*time.Second, 20*time.Millisecond)

	dir := filepath.Join(e.paths.Root(), playlistDir, id)
	local, err := os.ReadFile(filepath.Join(dir, "index.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(local), "00001.ts")
	seg, err := os.ReadFile(filepath.Join(dir, "00002.ts"))
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(seg))

	resp, _ = e.do(t, http.MethodGet, "/api/playlists/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaylistUpstreamFailure(t *testing.T) {
	e := newEnv(t, http.NotFoundHandler())
	resp, _ := e.do(t, http.MethodPost, "/api/playlists", map[string]string{"url": e.origin.URL + "/missing.m3u8"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, fileServer(map[string]string{"/x": "x"}))
	e.do(t, http.MethodPost, "/api/tasks", map[string]any{"id": "m", "url": e.origin.URL + "/x"})
	e.waitFinished(t, "m")

	resp, body := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "transfer_tasks_finished_total")
}
