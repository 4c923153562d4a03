package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-hub/internal/transport"
)

type recordingSink struct {
	mu        sync.Mutex
	responses []transport.Response
	progress  []transport.Progress
	done      chan transport.Completion
}

func newSink() *recordingSink {
	return &recordingSink{done: make(chan transport.Completion, 4)}
}

func (r *recordingSink) OnResponse(_ transport.Handle, resp transport.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *recordingSink) OnProgress(_ transport.Handle, p transport.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingSink) OnResumeData(transport.Handle, []byte) {}

func (r *recordingSink) OnComplete(_ transport.Handle, c transport.Completion) {
	r.done <- c
}

func (r *recordingSink) wait(t *testing.T) transport.Completion {
	t.Helper()
	select {
	case c := <-r.done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return transport.Completion{}
	}
}

func newSession(t *testing.T, opts Options) (*Session, *recordingSink) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s := New(opts)
	sink := newSink()
	s.Attach(sink)
	t.Cleanup(func() { s.Close() })
	return s, sink
}

func TestDownloadWritesDestination(t *testing.T) {
	payload := strings.Repeat("x", 100*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Equal(t, "hub", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	s, sink := newSession(t, Options{Header: http.Header{"User-Agent": {"hub"}}})
	dest := filepath.Join(t.TempDir(), "tmp", "a.part")
	h, err := s.Create(context.Background(), transport.Request{
		Method:   http.MethodGet,
		URL:      srv.URL,
		Header:   http.Header{"X-Test": {"yes"}},
		DestPath: dest,
	})
	require.NoError(t, err)

	handles, err := s.Handles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []transport.Handle{h}, handles)

	require.NoError(t, s.Resume(h))
	c := sink.wait(t)
	require.NoError(t, c.Err)
	assert.Equal(t, int64(len(payload)), c.Bytes)
	assert.Equal(t, http.StatusOK, c.Response.StatusCode)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.responses, 1)
	assert.Equal(t, int64(len(payload)), sink.responses[0].Expected)
	require.NotEmpty(t, sink.progress)
	for i := 1; i < len(sink.progress); i++ {
		assert.GreaterOrEqual(t, sink.progress[i].Bytes, sink.progress[i-1].Bytes)
	}
	assert.Equal(t, int64(len(payload)), sink.progress[len(sink.progress)-1].Bytes)

	handles, err = s.Handles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestUploadReportsProgress(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, sink := newSession(t, Options{})
	body := []byte("upload body")
	h, err := s.Create(context.Background(), transport.Request{
		Method: http.MethodPut,
		URL:    srv.URL,
		Upload: true,
		Body:   body,
	})
	require.NoError(t, err)
	require.NoError(t, s.Resume(h))

	c := sink.wait(t)
	require.NoError(t, c.Err)
	assert.Equal(t, http.StatusCreated, c.Response.StatusCode)
	assert.Equal(t, body, got)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.progress)
	last := sink.progress[len(sink.progress)-1]
	assert.True(t, last.Upload)
	assert.Equal(t, int64(len(body)), last.Bytes)
	assert.Equal(t, int64(len(body)), last.Expected)
}

func TestCancelBeforeResume(t *testing.T) {
	s, sink := newSession(t, Options{})
	h, err := s.Create(context.Background(), transport.Request{Method: http.MethodGet, URL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(h))
	c := sink.wait(t)
	assert.ErrorIs(t, c.Err, transport.ErrCancelled)
	assert.ErrorIs(t, s.Resume(h), transport.ErrUnknownHandle)
	assert.ErrorIs(t, s.Cancel(h), transport.ErrUnknownHandle)
}

func TestCancelInFlightProducesResumeData(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		io.WriteString(w, strings.Repeat("a", 10))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, sink := newSession(t, Options{})
	dest := filepath.Join(t.TempDir(), "partial")
	h, err := s.Create(context.Background(), transport.Request{Method: http.MethodGet, URL: srv.URL, DestPath: dest})
	require.NoError(t, err)
	require.NoError(t, s.Resume(h))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.progress) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Cancel(h))
	c := sink.wait(t)
	assert.ErrorIs(t, c.Err, transport.ErrCancelled)
	require.NotEmpty(t, c.ResumeData)
	offset, err := parseResume(c.ResumeData)
	require.NoError(t, err)
	assert.Equal(t, int64(10), offset)
}

func TestResumeSendsRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=5-" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "world")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "part")
	require.NoError(t, os.WriteFile(dest, []byte("hello"), 0644))
	req := transport.Request{Method: http.MethodGet, URL: srv.URL, DestPath: dest}
	req.ResumeData = encodeResume(req, 5, "")

	s, sink := newSession(t, Options{})
	h, err := s.Create(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, s.Resume(h))

	c := sink.wait(t)
	require.NoError(t, c.Err)
	assert.Equal(t, int64(10), c.Bytes)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestTimeoutIsReported(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, sink := newSession(t, Options{})
	h, err := s.Create(context.Background(), transport.Request{Method: http.MethodGet, URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Resume(h))

	c := sink.wait(t)
	assert.ErrorIs(t, c.Err, transport.ErrTimeout)
}

func TestRedirectsAreRecorded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, sink := newSession(t, Options{})
	h, err := s.Create(context.Background(), transport.Request{Method: http.MethodGet, URL: srv.URL + "/start"})
	require.NoError(t, err)
	require.NoError(t, s.Resume(h))

	c := sink.wait(t)
	require.NoError(t, c.Err)
	assert.Equal(t, []string{srv.URL + "/end"}, c.Response.Redirects)
}

func TestClosedSessionRejectsCreate(t *testing.T) {
	s, _ := newSession(t, Options{})
	require.NoError(t, s.Close())
	_, err := s.Create(context.Background(), transport.Request{Method: http.MethodGet, URL: "http://example.com"})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func parseResume(data []byte) (int64, error) {
	var st resumeState
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, err
	}
	return st.Offset, nil
}
