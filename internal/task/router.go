package task

import (
	"context"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/observability"
	"transfer-hub/internal/progress"
	"transfer-hub/internal/transport"
)

// Listener receives the notifications a task's consumer sees besides its
// callback. Calls for one task never overlap and arrive in order; the
// terminal notification is the last one for a task.
type Listener interface {
	OnProgress(ev progress.Event)
	OnTerminal(ev Terminal)
}

// Terminal is the outbound terminal notification of a task.
type Terminal struct {
	TaskID   string
	State    State
	Err      error
	Response *Response
	// Expired marks notifications synthesized for transfers that outlived
	// the process that started them.
	Expired bool
}

type nopListener struct{}

func (nopListener) OnProgress(progress.Event) {}
func (nopListener) OnTerminal(Terminal)       {}

// Router is the transport's sink. It maps handles back to tasks and moves
// each task through its lifecycle.
type Router struct {
	registry  *Registry
	transport transport.Transport
	repo      *Repository
	listener  Listener
	bridge    *CompletionBridge
	logger    zerolog.Logger
	// move places a finished download at its destination.
	move func(p *cache.Paths, src, dst string) error

	// launchMu keeps reconciliation from listing a handle that was created
	// but not yet bound to its task.
	launchMu sync.RWMutex

	mu      sync.RWMutex
	handles map[transport.Handle]string
	// reaped holds handles the reaper stopped; their late events are
	// expected and dropped quietly.
	reaped map[transport.Handle]struct{}
}

func newRouter(registry *Registry, tr transport.Transport, repo *Repository, listener Listener,
	bridge *CompletionBridge, logger zerolog.Logger) *Router {
	if listener == nil {
		listener = nopListener{}
	}
	return &Router{
		registry:  registry,
		transport: tr,
		repo:      repo,
		listener:  listener,
		bridge:    bridge,
		logger:    logger,
		move:      (*cache.Paths).Move,
		handles:   make(map[transport.Handle]string),
		reaped:    make(map[transport.Handle]struct{}),
	}
}

func (r *Router) bind(h transport.Handle, taskID string) {
	r.mu.Lock()
	r.handles[h] = taskID
	r.mu.Unlock()
}

func (r *Router) unbind(h transport.Handle) {
	if h == "" {
		return
	}
	r.mu.Lock()
	delete(r.handles, h)
	r.mu.Unlock()
}

// Known reports whether h belongs to a live task.
func (r *Router) Known(h transport.Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[h]
	return ok
}

func (r *Router) forget(h transport.Handle) {
	r.mu.Lock()
	r.reaped[h] = struct{}{}
	r.mu.Unlock()
}

func (r *Router) lookup(h transport.Handle, event string) (*RequestTask, bool) {
	r.mu.RLock()
	id, ok := r.handles[h]
	_, reaped := r.reaped[h]
	r.mu.RUnlock()
	if ok {
		if t, err := r.registry.Lookup(id); err == nil {
			return t, true
		}
	}
	if reaped {
		r.logger.Debug().Str("handle", string(h)).Str("event", event).Msg("ignoring event for reaped handle")
		return nil, false
	}
	r.logger.Warn().Str("handle", string(h)).Str("event", event).Msg("dropping event for unknown handle")
	observability.RecordEventDropped(event)
	return nil, false
}

func (r *Router) OnResponse(h transport.Handle, resp transport.Response) {
	t, ok := r.lookup(h, "response")
	if !ok {
		return
	}
	t.mu.Lock()
	if t.state.Terminal() || t.handle != h {
		t.mu.Unlock()
		return
	}
	t.state = StateResponding
	cp := resp
	t.response = &cp
	stop := false
	if t.direction == progress.Download && t.shouldComplete && t.customErr == nil {
		if err := t.paths.EnsureDir(t.destPath); err != nil {
			t.customErr = fileSystemError(t.id, err)
			stop = true
		}
	}
	t.mu.Unlock()

	if stop {
		r.logger.Warn().Str("task", t.id).Str("path", t.destPath).Msg("destination not writable, stopping transfer")
		go r.cancelHandle(h)
	}
}

func (r *Router) OnProgress(h transport.Handle, p transport.Progress) {
	t, ok := r.lookup(h, "progress")
	if !ok {
		return
	}
	t.mu.Lock()
	if t.state.Terminal() || t.handle != h {
		t.mu.Unlock()
		return
	}
	if t.state == StateSent {
		t.state = StateResponding
	}
	ev, emit := t.tracker(p.Upload).Update(p.Bytes, p.Expected)
	if !emit {
		t.mu.Unlock()
		return
	}
	t.deliver.Lock()
	t.mu.Unlock()
	r.listener.OnProgress(ev)
	t.deliver.Unlock()
}

func (r *Router) OnResumeData(h transport.Handle, data []byte) {
	t, ok := r.lookup(h, "resume_data")
	if !ok {
		return
	}
	if t.State().Terminal() {
		return
	}
	if err := t.WriteResumeData(context.Background(), data); err != nil {
		r.logger.Error().Err(err).Str("task", t.id).Msg("failed to persist resume data")
	}
}

func (r *Router) OnComplete(h transport.Handle, c transport.Completion) {
	t, ok := r.lookup(h, "complete")
	if !ok {
		return
	}
	// Resume data must be on disk before the callback tells anyone the task
	// is over.
	if len(c.ResumeData) > 0 {
		if err := t.WriteResumeData(context.Background(), c.ResumeData); err != nil {
			r.logger.Error().Err(err).Str("task", t.id).Msg("failed to persist resume data")
		}
	}
	r.finish(t, h, c)
}

func (r *Router) cancelHandle(h transport.Handle) {
	if err := r.transport.Cancel(h); err != nil {
		r.logger.Debug().Err(err).Str("handle", string(h)).Msg("transport cancel failed")
	}
}

// finish moves t to its terminal state and delivers the outcome. Only the
// first call for a task has any effect.
func (r *Router) finish(t *RequestTask, h transport.Handle, c transport.Completion) {
	t.mu.Lock()
	if t.state.Terminal() || t.handle != h {
		t.mu.Unlock()
		return
	}

	res := Result{TaskID: t.id}
	resumable := len(t.resumeData) > 0
	commit := false
	switch {
	case !t.shouldComplete:
		e := cancellationError(t.id)
		e.Resumable = resumable
		t.state = StateCancelled
		res.Err = e
	case t.customErr != nil:
		t.state = StateFailed
		res.Err = t.customErr
	case c.Err != nil:
		e := classify(t.id, c.Err)
		e.Resumable = e.Resumable || resumable
		t.state = StateFailed
		if e.Kind == KindCancelled {
			t.state = StateCancelled
		}
		res.Err = e
	default:
		// Success is settled here. A cancel from now on sees a terminal
		// state, so the file can be moved without holding mu.
		t.state = StateCompleted
		res.Response = t.successResponse(c)
		commit = t.direction == progress.Download
	}
	t.deliver.Lock()
	t.mu.Unlock()

	if commit {
		if err := r.commit(t, res.Response, c.Bytes); err != nil {
			res.Response = nil
			res.Err = err
		}
	}

	t.mu.Lock()
	if res.Err != nil && t.state == StateCompleted {
		t.state = StateFailed
	}
	state := t.state
	success := state == StateCompleted
	if success {
		t.resumeData = nil
	}
	final, emitFinal := t.tracker(t.direction == progress.Upload).Finish(success)
	t.mu.Unlock()

	r.unbind(h)
	r.registry.removeTask(t)
	if r.repo != nil && h != "" {
		if err := r.repo.DeleteHandle(string(h)); err != nil {
			r.logger.Error().Err(err).Str("handle", string(h)).Msg("failed to delete handle record")
		}
	}
	if success && t.store != nil {
		if err := t.store.Delete(context.Background(), t.id); err != nil {
			r.logger.Error().Err(err).Str("task", t.id).Msg("failed to clear resume data")
		}
	}

	if emitFinal {
		r.listener.OnProgress(final)
	}
	r.listener.OnTerminal(Terminal{TaskID: t.id, State: state, Err: res.Err, Response: res.Response})
	t.complete(res)
	t.deliver.Unlock()

	r.bridge.Done(t.sessionID)
	observability.RecordTaskFinished(t.direction.String(), state.String(), final.Bytes)

	ev := r.logger.Info()
	if res.Err != nil {
		ev = r.logger.Warn().Err(res.Err)
	}
	ev.Str("task", t.id).Str("state", state.String()).Str("bytes", humanize.IBytes(uint64(max(final.Bytes, 0)))).Msg("task finished")
}

// successResponse builds the response of a finished transfer. Called with
// t.mu held.
func (t *RequestTask) successResponse(c transport.Completion) *Response {
	resp := &Response{TaskID: t.id, Bytes: c.Bytes}
	meta := c.Response
	if meta == nil {
		meta = t.response
	}
	if meta != nil {
		resp.StatusCode = meta.StatusCode
		resp.Header = meta.Header
		resp.Redirects = meta.Redirects
	}
	return resp
}

// commit moves a finished download from its temp file to the destination.
// It may copy across devices, so it runs without the task lock.
func (r *Router) commit(t *RequestTask, resp *Response, bytes int64) error {
	if _, err := os.Stat(t.tempPath); err != nil {
		if os.IsNotExist(err) && bytes == 0 {
			return nil
		}
		return fileSystemError(t.id, err)
	}
	if err := r.move(t.paths, t.tempPath, t.destPath); err != nil {
		return fileSystemError(t.id, err)
	}
	resp.Path = t.destPath
	return nil
}
