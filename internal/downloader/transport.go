package downloader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transfer-hub/internal/transport"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	waitingPageSize     = 1000
	// maxPollFailures consecutive failed status calls end a download.
	maxPollFailures = 5
)

// TransportOptions configures an aria2 backed transport.
type TransportOptions struct {
	PollInterval time.Duration
	// Timeout bounds each download that sets no timeout of its own. Zero
	// means no limit.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Transport runs downloads on an aria2 daemon. GIDs are chosen locally so a
// handle exists before aria2 is asked to do anything, and aria2 keeps them
// across restarts of this process.
type Transport struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	sink   transport.Sink
	jobs   map[transport.Handle]*job
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type job struct {
	gid       string
	req       transport.Request
	started   bool
	cancelled bool
}

// resumeState is the resume blob of an aria2 download.
type resumeState struct {
	GID string `json:"gid"`
	Dir string `json:"dir"`
	Out string `json:"out"`
	URI string `json:"uri"`
}

func NewTransport(client *Client, opts TransportOptions) *Transport {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Transport{
		client:   client,
		interval: interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		jobs:     make(map[transport.Handle]*job),
		done:     make(chan struct{}),
	}
}

func (t *Transport) Attach(sink transport.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *Transport) Create(ctx context.Context, req transport.Request) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Upload {
		return "", &transport.Error{Code: -1, Description: "aria2 only downloads"}
	}
	if req.DestPath == "" {
		return "", &transport.Error{Code: -1, Description: "aria2 needs a destination path"}
	}
	gid, err := newGID()
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", transport.ErrClosed
	}
	h := transport.Handle(gid)
	t.jobs[h] = &job{gid: gid, req: req}
	return h, nil
}

// Resume hands the download to aria2 and starts polling it.
func (t *Transport) Resume(h transport.Handle) error {
	t.mu.Lock()
	j, ok := t.jobs[h]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("resume %s: %w", h, transport.ErrUnknownHandle)
	}
	if j.started {
		t.mu.Unlock()
		return nil
	}
	j.started = true
	t.mu.Unlock()

	dir, out := filepath.Split(j.req.DestPath)
	ctx, cancel := context.WithTimeout(context.Background(), t.interval*20)
	defer cancel()
	if _, err := t.client.AddUri(ctx, j.req.URL, filepath.Clean(dir), out, j.req.Header, j.gid); err != nil {
		t.mu.Lock()
		delete(t.jobs, h)
		t.mu.Unlock()
		return &transport.Error{Code: -1, Description: "aria2 addUri", Err: err}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.poll(h, j)
	}()
	return nil
}

// Cancel force-removes the download. The poll loop reports the removal.
func (t *Transport) Cancel(h transport.Handle) error {
	t.mu.Lock()
	j, ok := t.jobs[h]
	if !ok {
		t.mu.Unlock()
		// Handles left over from a previous process are only known to aria2.
		return t.client.ForceRemove(context.Background(), string(h))
	}
	j.cancelled = true
	if !j.started {
		delete(t.jobs, h)
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink.OnComplete(h, transport.Completion{Err: transport.ErrCancelled})
		}
		return nil
	}
	t.mu.Unlock()

	if err := t.client.ForceRemove(context.Background(), j.gid); err != nil {
		return fmt.Errorf("force remove %s: %w", j.gid, err)
	}
	return nil
}

// Handles lists active and waiting downloads known to aria2 plus local
// transfers not handed over yet.
func (t *Transport) Handles(ctx context.Context) ([]transport.Handle, error) {
	active, err := t.client.TellActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("tell active: %w", err)
	}
	waiting, err := t.client.TellWaiting(ctx, 0, waitingPageSize)
	if err != nil {
		return nil, fmt.Errorf("tell waiting: %w", err)
	}

	seen := make(map[transport.Handle]bool)
	var out []transport.Handle
	for _, st := range append(active, waiting...) {
		h := transport.Handle(st.Gid)
		if st.Gid == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	t.mu.Lock()
	for h, j := range t.jobs {
		if !j.started && !seen[h] {
			out = append(out, h)
		}
	}
	t.mu.Unlock()
	return out, nil
}

// Close stops polling. Downloads stay in aria2 and are reconciled on the next
// start.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *Transport) poll(h transport.Handle, j *job) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout := t.timeoutFor(j); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	responded := false
	failures := 0
	var last int64 = -1
	for {
		select {
		case <-t.done:
			return
		case <-deadline:
			t.expire(h, j, last)
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.interval*10)
		st, err := t.client.TellStatus(ctx, j.gid)
		cancel()
		if err != nil {
			t.logger.Debug().Err(err).Str("gid", j.gid).Msg("tell status failed")
			var rpcErr *JsonRpcError
			if errors.As(err, &rpcErr) {
				// aria2 no longer knows the gid.
				t.finish(h, j, transport.Completion{Err: &transport.Error{Code: rpcErr.Code, Description: rpcErr.Message, Err: err}})
				return
			}
			failures++
			if failures >= maxPollFailures {
				t.logger.Warn().Err(err).Str("gid", j.gid).Int("failures", failures).Msg("aria2 unreachable, giving up")
				t.finish(h, j, transport.Completion{
					Err:        &transport.Error{Code: -1, Description: "aria2 unreachable", Resumable: last > 0, Err: err},
					Bytes:      max(last, 0),
					ResumeData: j.resumeData(),
				})
				return
			}
			continue
		}
		failures = 0

		total := parseLength(st.TotalLength)
		done := parseLength(st.CompletedLength)
		sink := t.sinkFor()
		if !responded && (total > 0 || st.Status != "waiting") {
			responded = true
			sink.OnResponse(h, transport.Response{StatusCode: 200, Expected: total})
		}
		if done != last && done >= 0 {
			last = done
			sink.OnProgress(h, transport.Progress{Bytes: done, Expected: total})
		}

		switch st.Status {
		case "complete":
			t.finish(h, j, transport.Completion{
				Response: &transport.Response{StatusCode: 200, Expected: total},
				Bytes:    done,
			})
			return
		case "error":
			code, _ := strconv.Atoi(st.ErrorCode)
			t.finish(h, j, transport.Completion{
				Err:        &transport.Error{Code: code, Description: st.ErrorMessage, Resumable: done > 0},
				Bytes:      done,
				ResumeData: j.resumeData(),
			})
			return
		case "removed":
			t.finish(h, j, transport.Completion{Err: transport.ErrCancelled, Bytes: done, ResumeData: j.resumeData()})
			return
		}
	}
}

func (t *Transport) timeoutFor(j *job) time.Duration {
	if j.req.Timeout > 0 {
		return j.req.Timeout
	}
	return t.timeout
}

// expire stops a download that ran past its timeout. The partial file stays
// for a later resume.
func (t *Transport) expire(h transport.Handle, j *job, bytes int64) {
	ctx, cancel := context.WithTimeout(context.Background(), t.interval*10)
	if err := t.client.ForceRemove(ctx, j.gid); err != nil {
		t.logger.Debug().Err(err).Str("gid", j.gid).Msg("force remove after timeout failed")
	}
	cancel()
	t.finish(h, j, transport.Completion{
		Err:        fmt.Errorf("aria2 download %s: %w", j.gid, transport.ErrTimeout),
		Bytes:      max(bytes, 0),
		ResumeData: j.resumeData(),
	})
}

func (t *Transport) finish(h transport.Handle, j *job, c transport.Completion) {
	t.mu.Lock()
	delete(t.jobs, h)
	sink := t.sink
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.interval*10)
	if err := t.client.RemoveDownloadResult(ctx, j.gid); err != nil {
		t.logger.Debug().Err(err).Str("gid", j.gid).Msg("remove download result failed")
	}
	cancel()
	if sink != nil {
		sink.OnComplete(h, c)
	}
}

func (t *Transport) sinkFor() transport.Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink
}

func (j *job) resumeData() []byte {
	dir, out := filepath.Split(j.req.DestPath)
	data, err := json.Marshal(resumeState{GID: j.gid, Dir: filepath.Clean(dir), Out: out, URI: j.req.URL})
	if err != nil {
		return nil
	}
	return data
}

func parseLength(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// newGID returns a 16 hex digit gid, the form aria2 accepts for addUri.
func newGID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

var _ transport.Transport = (*Transport)(nil)
