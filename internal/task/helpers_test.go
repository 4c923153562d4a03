package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/database"
	"transfer-hub/internal/progress"
	"transfer-hub/internal/resume"
	"transfer-hub/internal/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	sink      transport.Sink
	next      int
	requests  []transport.Request
	resumed   []transport.Handle
	cancelled []transport.Handle
	live      []transport.Handle
	ackCancel bool
	createErr error
	resumedCh chan transport.Handle
	cancelCh  chan transport.Handle
	// onCreate runs after a handle is allocated, outside mu.
	onCreate func(transport.Handle)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ackCancel: true,
		resumedCh: make(chan transport.Handle, 64),
		cancelCh:  make(chan transport.Handle, 64),
	}
}

func (f *fakeTransport) Attach(s transport.Sink) { f.sink = s }

func (f *fakeTransport) Create(_ context.Context, req transport.Request) (transport.Handle, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return "", f.createErr
	}
	f.next++
	f.requests = append(f.requests, req)
	h := transport.Handle(fmt.Sprintf("h%d", f.next))
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return h, nil
}

func (f *fakeTransport) Resume(h transport.Handle) error {
	f.mu.Lock()
	f.resumed = append(f.resumed, h)
	f.mu.Unlock()
	f.resumedCh <- h
	return nil
}

func (f *fakeTransport) Cancel(h transport.Handle) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, h)
	ack := f.ackCancel
	f.mu.Unlock()
	f.cancelCh <- h
	if ack {
		f.sink.OnComplete(h, transport.Completion{Err: transport.ErrCancelled})
	}
	return nil
}

func (f *fakeTransport) Handles(context.Context) ([]transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Handle(nil), f.live...), nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) cancelledHandles() []transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Handle(nil), f.cancelled...)
}

func (f *fakeTransport) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *fakeTransport) request(i int) transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type recordingListener struct {
	mu        sync.Mutex
	progress  []progress.Event
	terminals []Terminal
}

func (l *recordingListener) OnProgress(ev progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, ev)
}

func (l *recordingListener) OnTerminal(ev Terminal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminals = append(l.terminals, ev)
}

func (l *recordingListener) events() ([]progress.Event, []Terminal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.progress...), append([]Terminal(nil), l.terminals...)
}

type harness struct {
	m        *Manager
	tr       *fakeTransport
	listener *recordingListener
	paths    *cache.Paths
	store    *resume.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	paths, err := cache.New(t.TempDir(), "")
	require.NoError(t, err)
	db, err := database.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := resume.OpenMemory()
	t.Cleanup(func() { store.Close() })

	tr := newFakeTransport()
	listener := &recordingListener{}
	m, err := NewManager(tr, db, ManagerOptions{
		Paths:    paths,
		Store:    store,
		Listener: listener,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return &harness{m: m, tr: tr, listener: listener, paths: paths, store: store}
}

// resultCollector counts callback invocations for one task.
type resultCollector struct {
	mu      sync.Mutex
	results []Result
	ch      chan Result
}

func newCollector() *resultCollector {
	return &resultCollector{ch: make(chan Result, 8)}
}

func (c *resultCollector) callback(res Result) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.ch <- res
}

func (c *resultCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *resultCollector) wait(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-c.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		return Result{}
	}
}

func waitHandle(t *testing.T, ch <-chan transport.Handle) transport.Handle {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handle")
		return ""
	}
}

func getRequest(url string) Request {
	return Request{Method: "GET", URL: url}
}
