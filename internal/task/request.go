package task

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/headers"
	"transfer-hub/internal/progress"
	"transfer-hub/internal/resume"
	"transfer-hub/internal/transport"
)

// Options are the per-task settings that sit beside the HTTP request.
type Options struct {
	// Path is the download destination. Empty selects a file in the cache's
	// temp dir named after the task.
	Path string
	// AppendExt is added to the default file name when Path is empty.
	AppendExt string
	Timeout   time.Duration
	// SessionID groups tasks under a background identifier for
	// SetCompletionHandler.
	SessionID string
}

// Request describes the HTTP side of a task.
type Request struct {
	Method string
	URL    string
	// Header values may be string, []string or []any; see headers.Normalize.
	Header   map[string]any
	Upload   bool
	BodyPath string
	Body     []byte
}

// Response is delivered with a successful Result.
type Response struct {
	TaskID     string      `json:"task_id"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"headers"`
	Path       string      `json:"path,omitempty"`
	Bytes      int64       `json:"bytes"`
	Redirects  []string    `json:"redirects,omitempty"`
}

// Result is the single outcome of a task. Exactly one of Response and Err is
// set.
type Result struct {
	TaskID   string
	Response *Response
	Err      error
}

// Callback receives a task's Result. It is invoked exactly once per task.
type Callback func(Result)

// State is a task's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateSent
	StateResponding
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateResponding:
		return "responding"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Validate checks a submission before any resource is allocated for it.
func Validate(opts Options, contentLength int64, taskID string, req Request) error {
	if strings.TrimSpace(taskID) == "" {
		return validationError(taskID, "task id is required")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return validationError(taskID, "unsupported method %q", req.Method)
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return validationError(taskID, "invalid url %q: %v", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validationError(taskID, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return validationError(taskID, "url %q has no host", req.URL)
	}
	if contentLength < 0 {
		return validationError(taskID, "negative content length %d", contentLength)
	}
	if opts.Timeout < 0 {
		return validationError(taskID, "negative timeout %s", opts.Timeout)
	}
	if req.Upload && req.BodyPath == "" && req.Body == nil {
		return validationError(taskID, "upload requires a body")
	}
	if req.BodyPath != "" && req.Body != nil {
		return validationError(taskID, "body and body path are exclusive")
	}
	return nil
}

// RequestTask is the mutable state of one transfer.
type RequestTask struct {
	id        string
	reqURL    string
	destPath  string
	tempPath  string
	direction progress.Direction
	sessionID string
	request   transport.Request
	paths     *cache.Paths
	store     *resume.Store

	mu             sync.Mutex
	state          State
	shouldComplete bool
	handle         transport.Handle
	resumeData     []byte
	customErr      error
	response       *transport.Response
	download       *progress.Tracker
	upload         *progress.Tracker

	// deliver is taken while mu is still held and released after consumers
	// have been notified, so notifications keep the order of state changes.
	deliver  sync.Mutex
	callback Callback
	once     sync.Once
	calls    atomic.Int32
}

// newRequestTask validates a submission and resolves its paths. No transport
// resource is touched.
func newRequestTask(opts Options, contentLength int64, taskID string, req Request, cb Callback,
	paths *cache.Paths, store *resume.Store) (*RequestTask, error) {
	if err := Validate(opts, contentLength, taskID, req); err != nil {
		return nil, err
	}
	t := &RequestTask{
		id:             taskID,
		reqURL:         strings.TrimSpace(req.URL),
		sessionID:      opts.SessionID,
		paths:          paths,
		store:          store,
		state:          StateCreated,
		shouldComplete: true,
		callback:       cb,
		download:       progress.NewTracker(taskID, progress.Download, progress.Config{}),
		upload:         progress.NewTracker(taskID, progress.Upload, progress.Config{}),
	}
	if req.Upload {
		t.direction = progress.Upload
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	t.request = transport.Request{
		Method:        method,
		URL:           t.reqURL,
		Header:        headers.Normalize(req.Header),
		Upload:        req.Upload,
		BodyPath:      req.BodyPath,
		Body:          req.Body,
		ContentLength: contentLength,
		Timeout:       opts.Timeout,
	}

	if t.direction == progress.Download {
		dest, err := t.CorrectFilePath(opts.Path, opts.AppendExt)
		if err != nil {
			return nil, err
		}
		tmp, err := t.CorrectTempPath()
		if err != nil {
			return nil, err
		}
		t.destPath = dest
		t.tempPath = tmp
		t.request.DestPath = tmp
	}
	if req.BodyPath != "" {
		body, err := t.CorrectPath(req.BodyPath)
		if err != nil {
			return nil, err
		}
		t.request.BodyPath = body
	}
	return t, nil
}

func (t *RequestTask) ID() string { return t.id }

func (t *RequestTask) URL() string { return t.reqURL }

func (t *RequestTask) DestPath() string { return t.destPath }

func (t *RequestTask) Direction() progress.Direction { return t.direction }

func (t *RequestTask) SessionID() string { return t.sessionID }

// State returns the current lifecycle state.
func (t *RequestTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Handle returns the transport handle, empty before the transfer is sent.
func (t *RequestTask) Handle() transport.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// CorrectPath resolves a caller path through the cache layout.
func (t *RequestTask) CorrectPath(path string) (string, error) {
	p, err := t.paths.CorrectPath(path)
	if err != nil {
		return "", fileSystemError(t.id, err)
	}
	return p, nil
}

// CorrectTempPath is where the transport writes an in-flight download.
func (t *RequestTask) CorrectTempPath() (string, error) {
	p, err := t.paths.TempPath(t.id)
	if err != nil {
		return "", fileSystemError(t.id, err)
	}
	return p, nil
}

// CorrectFilePath is the final destination, defaulting when dest is empty.
func (t *RequestTask) CorrectFilePath(dest, ext string) (string, error) {
	p, err := t.paths.FilePath(t.id, dest, ext)
	if err != nil {
		return "", fileSystemError(t.id, err)
	}
	return p, nil
}

// WriteResumeData records the latest resume blob for the task.
func (t *RequestTask) WriteResumeData(ctx context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	t.mu.Lock()
	t.resumeData = cp
	t.mu.Unlock()
	if t.store == nil {
		return nil
	}
	return t.store.Write(ctx, t.id, cp)
}

// ClearResumeData drops any recorded resume blob.
func (t *RequestTask) ClearResumeData(ctx context.Context) error {
	t.mu.Lock()
	t.resumeData = nil
	t.mu.Unlock()
	if t.store == nil {
		return nil
	}
	return t.store.Delete(ctx, t.id)
}

// ResumeData returns the most recently written resume blob.
func (t *RequestTask) ResumeData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.resumeData...)
}

// cancel flips the task to cancelled. It returns the handle the transport
// should stop, if one exists.
func (t *RequestTask) cancel() (transport.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || !t.shouldComplete {
		return "", false
	}
	t.shouldComplete = false
	if t.handle == "" {
		return "", false
	}
	return t.handle, true
}

// configure applies a progress config for one direction.
func (t *RequestTask) configure(dir progress.Direction, cfg progress.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dir == progress.Upload {
		t.upload.Configure(cfg)
		return
	}
	t.download.Configure(cfg)
}

func (t *RequestTask) tracker(upload bool) *progress.Tracker {
	if upload {
		return t.upload
	}
	return t.download
}

// complete invokes the callback. Calls after the first are dropped.
func (t *RequestTask) complete(res Result) {
	t.calls.Add(1)
	t.once.Do(func() {
		if t.callback != nil {
			t.callback(res)
		}
	})
}

// Snapshot is a point-in-time view of a live task.
type Snapshot struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	State     string `json:"state"`
	Direction string `json:"direction"`
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Bytes     int64  `json:"bytes"`
	Cancelled bool   `json:"cancelled"`
}

func (t *RequestTask) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:        t.id,
		URL:       t.reqURL,
		State:     t.state.String(),
		Direction: t.direction.String(),
		SessionID: t.sessionID,
		Path:      t.destPath,
		Bytes:     t.tracker(t.direction == progress.Upload).Bytes(),
		Cancelled: !t.shouldComplete,
	}
}
