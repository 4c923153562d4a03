// Package session is an in-process HTTP transport shared by every task.
//
// A Session holds one http.Client and any number of transfers, each known by
// a uuid handle. Events of a transfer are emitted from its own goroutine and
// never overlap.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transfer-hub/internal/transport"
)

const (
	copyBufferSize = 32 * 1024
	maxRedirects   = 10
)

// Options configures a Session.
type Options struct {
	// Timeout bounds each transfer that sets no timeout of its own. Zero
	// means no bound.
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	// Header is sent with every request unless the request sets the same key.
	Header http.Header
	Client *http.Client
	Logger zerolog.Logger
}

// Session implements transport.Transport over net/http.
type Session struct {
	client  *http.Client
	header  http.Header
	timeout time.Duration
	logger  zerolog.Logger

	mu        sync.Mutex
	sink      transport.Sink
	transfers map[transport.Handle]*transfer
	closed    bool
	wg        sync.WaitGroup
}

type transfer struct {
	handle transport.Handle
	req    transport.Request
	ctx    context.Context
	stop   context.CancelFunc

	started   bool
	cancelled bool
	etag      string

	// emitMu serializes events; the request body is read on a goroutine
	// owned by net/http.
	emitMu   sync.Mutex
	finished bool
}

// New returns a session. Attach must be called before the first Create.
func New(opts Options) *Session {
	client := opts.Client
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.MaxIdleConnsPerHost > 0 {
			tr.MaxIdleConnsPerHost = opts.MaxIdleConnsPerHost
		}
		client = &http.Client{Transport: tr}
	}
	return &Session{
		client:    client,
		header:    opts.Header.Clone(),
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		transfers: make(map[transport.Handle]*transfer),
	}
}

func (s *Session) Attach(sink transport.Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Session) Create(ctx context.Context, req transport.Request) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", transport.ErrClosed
	}
	h := transport.Handle(uuid.NewString())
	tctx, stop := context.WithCancel(context.Background())
	s.transfers[h] = &transfer{handle: h, req: req, ctx: tctx, stop: stop}
	return h, nil
}

func (s *Session) Resume(h transport.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[h]
	if !ok {
		return fmt.Errorf("resume %s: %w", h, transport.ErrUnknownHandle)
	}
	if t.started {
		return nil
	}
	if s.closed {
		return transport.ErrClosed
	}
	t.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(t)
	}()
	return nil
}

// Cancel stops h. A transfer that never started completes right away with
// transport.ErrCancelled.
func (s *Session) Cancel(h transport.Handle) error {
	s.mu.Lock()
	t, ok := s.transfers[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", h, transport.ErrUnknownHandle)
	}
	t.cancelled = true
	if t.started {
		s.mu.Unlock()
		t.stop()
		return nil
	}
	delete(s.transfers, h)
	sink := s.sink
	s.mu.Unlock()

	t.stop()
	s.complete(sink, t, transport.Completion{Err: transport.ErrCancelled})
	return nil
}

// Handles lists the transfers the session still holds, sorted.
func (s *Session) Handles(ctx context.Context) ([]transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Handle, 0, len(s.transfers))
	for h := range s.transfers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close cancels every transfer and waits for running ones to report.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var pending []transport.Handle
	for h, t := range s.transfers {
		if t.started {
			t.cancelled = true
			t.stop()
		} else {
			pending = append(pending, h)
		}
	}
	s.mu.Unlock()

	for _, h := range pending {
		_ = s.Cancel(h)
	}
	s.wg.Wait()
	return nil
}

func (s *Session) sinkFor() transport.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Session) wasCancelled(t *transfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.cancelled
}

func (s *Session) emit(t *transfer, fn func()) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.finished {
		return
	}
	fn()
}

func (s *Session) complete(sink transport.Sink, t *transfer, c transport.Completion) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	if sink != nil {
		sink.OnComplete(t.handle, c)
	}
}

func (s *Session) run(t *transfer) {
	sink := s.sinkFor()
	c := s.do(sink, t)

	s.mu.Lock()
	delete(s.transfers, t.handle)
	s.mu.Unlock()
	t.stop()

	if c.Err != nil {
		s.logger.Debug().Err(c.Err).Str("handle", string(t.handle)).Str("url", t.req.URL).Msg("transfer ended with error")
	}
	s.complete(sink, t, c)
}

// do performs the request and returns its completion.
func (s *Session) do(sink transport.Sink, t *transfer) transport.Completion {
	req := t.req
	ctx := t.ctx
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	state := decodeResume(req)
	body, err := s.body(sink, t)
	if err != nil {
		return transport.Completion{Err: err}
	}
	if body != nil {
		defer body.Close()
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return transport.Completion{Err: &transport.Error{Code: -1, Description: "build request", Err: err}}
	}
	if body != nil && req.ContentLength > 0 {
		hreq.ContentLength = req.ContentLength
	}
	for k, v := range req.Header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	for k, v := range s.header {
		if _, ok := hreq.Header[k]; !ok {
			hreq.Header[k] = append([]string(nil), v...)
		}
	}
	if state.Offset > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", state.Offset))
		if state.ETag != "" {
			hreq.Header.Set("If-Range", state.ETag)
		}
	}

	var redirects []string
	client := *s.client
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		redirects = append(redirects, r.URL.String())
		return nil
	}

	resp, err := client.Do(hreq)
	if err != nil {
		return s.failure(t, ctx, err, state.Offset)
	}
	defer resp.Body.Close()
	s.mu.Lock()
	t.etag = resp.Header.Get("ETag")
	s.mu.Unlock()

	offset := int64(0)
	if resp.StatusCode == http.StatusPartialContent && state.Offset > 0 {
		offset = state.Offset
	}
	expected := int64(-1)
	if resp.ContentLength >= 0 {
		expected = resp.ContentLength + offset
	}
	meta := &transport.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Expected:   expected,
		Redirects:  redirects,
	}
	s.emit(t, func() { sink.OnResponse(t.handle, *meta) })

	n, err := s.receive(sink, t, resp.Body, offset, expected)
	if err != nil {
		return s.failure(t, ctx, err, n)
	}
	return transport.Completion{Response: meta, Bytes: n}
}

// body opens the request body. Upload bodies report progress as they are
// read.
func (s *Session) body(sink transport.Sink, t *transfer) (io.ReadCloser, error) {
	req := t.req
	var rc io.ReadCloser
	size := req.ContentLength
	switch {
	case req.BodyPath != "":
		f, err := os.Open(req.BodyPath)
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			if info, err := f.Stat(); err == nil {
				size = info.Size()
			}
		}
		rc = f
	case req.Body != nil:
		rc = io.NopCloser(bytes.NewReader(req.Body))
		if size <= 0 {
			size = int64(len(req.Body))
		}
	default:
		return nil, nil
	}
	if !req.Upload {
		return rc, nil
	}
	return &countingReader{rc: rc, report: func(n int64) {
		s.emit(t, func() {
			sink.OnProgress(t.handle, transport.Progress{Upload: true, Bytes: n, Expected: size})
		})
	}}, nil
}

// receive copies the response body to the destination file, appending when
// the server honoured a range request.
func (s *Session) receive(sink transport.Sink, t *transfer, r io.Reader, offset, expected int64) (int64, error) {
	var w io.Writer = io.Discard
	if t.req.DestPath != "" {
		if err := os.MkdirAll(filepath.Dir(t.req.DestPath), 0755); err != nil {
			return 0, err
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if offset > 0 {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(t.req.DestPath, flags, 0644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		w = f
	}

	total := offset
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if !t.req.Upload {
				cur := total
				s.emit(t, func() {
					sink.OnProgress(t.handle, transport.Progress{Bytes: cur, Expected: expected})
				})
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// failure maps a transfer error and attaches resume data when part of a
// download is on disk.
func (s *Session) failure(t *transfer, ctx context.Context, err error, n int64) transport.Completion {
	c := transport.Completion{Bytes: n}
	if !t.req.Upload && t.req.DestPath != "" && n > 0 {
		s.mu.Lock()
		etag := t.etag
		s.mu.Unlock()
		c.ResumeData = encodeResume(t.req, n, etag)
	}
	switch {
	case s.wasCancelled(t):
		c.Err = transport.ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.Err = fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	default:
		c.Err = &transport.Error{Code: -1, Description: "transfer failed", Resumable: c.ResumeData != nil, Err: err}
	}
	return c
}

type countingReader struct {
	rc     io.ReadCloser
	n      int64
	report func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.report(c.n)
	}
	return n, err
}

func (c *countingReader) Close() error {
	return c.rc.Close()
}

// resumeState is the resume blob of a partially downloaded file.
type resumeState struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	ETag   string `json:"etag,omitempty"`
}

func encodeResume(req transport.Request, n int64, etag string) []byte {
	data, err := json.Marshal(resumeState{URL: req.URL, Path: req.DestPath, Offset: n, ETag: etag})
	if err != nil {
		return nil
	}
	return data
}

// decodeResume accepts resume data only when it describes the same URL and a
// partial file that is still there.
func decodeResume(req transport.Request) resumeState {
	var st resumeState
	if len(req.ResumeData) == 0 || req.Upload {
		return resumeState{}
	}
	if err := json.Unmarshal(req.ResumeData, &st); err != nil {
		return resumeState{}
	}
	if st.URL != req.URL || st.Path != req.DestPath {
		return resumeState{}
	}
	info, err := os.Stat(st.Path)
	if err != nil || info.Size() == 0 {
		return resumeState{}
	}
	st.Offset = info.Size()
	return st
}

var _ transport.Transport = (*Session)(nil)
