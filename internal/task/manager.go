// Package task tracks transfer tasks from submission to their single
// terminal callback.
//
// A Manager owns one Registry of live tasks and one Router that receives
// every event of the shared transport. Each task is driven through
// Created -> Sent -> Responding -> Completed | Cancelled | Failed, and its
// callback runs exactly once, after the task has left the registry.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/observability"
	"transfer-hub/internal/progress"
	"transfer-hub/internal/resume"
	"transfer-hub/internal/transport"
)

// ManagerOptions carries the collaborators of a Manager.
type ManagerOptions struct {
	Paths    *cache.Paths
	Store    *resume.Store
	Listener Listener
	Logger   zerolog.Logger
	// DefaultProgress applies to both directions of every task until the
	// caller configures them.
	DefaultProgress progress.Config
}

type Manager struct {
	// mu orders progress configuration against registration and guards closed.
	mu     sync.Mutex
	closed bool

	transport transport.Transport
	registry  *Registry
	router    *Router
	reaper    *Reaper
	bridge    *CompletionBridge
	pending   *progress.Pending
	paths     *cache.Paths
	store     *resume.Store
	repo      *Repository
	logger    zerolog.Logger
	defaults  progress.Config
	schedule  func(func())
}

// NewManager wires a manager onto tr. db is optional; without it handles are
// not persisted and reconciliation only sees what the transport reports.
func NewManager(tr transport.Transport, db *sql.DB, opts ManagerOptions) (*Manager, error) {
	if tr == nil {
		return nil, errors.New("task: transport is required")
	}
	if opts.Paths == nil {
		return nil, errors.New("task: paths are required")
	}
	var repo *Repository
	if db != nil {
		var err error
		if repo, err = NewRepository(db); err != nil {
			return nil, err
		}
	}
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}

	m := &Manager{
		transport: tr,
		registry:  NewRegistry(),
		bridge:    NewCompletionBridge(),
		pending:   progress.NewPending(),
		paths:     opts.Paths,
		store:     opts.Store,
		repo:      repo,
		logger:    opts.Logger,
		defaults:  opts.DefaultProgress,
		schedule:  func(fn func()) { go fn() },
	}
	m.router = newRouter(m.registry, tr, repo, listener, m.bridge, opts.Logger)
	m.reaper = &Reaper{router: m.router, transport: tr, repo: repo, listener: listener, logger: opts.Logger}
	tr.Attach(m.router)
	return m, nil
}

// Start submits a task. It validates synchronously: an invalid submission
// gets its callback right away and no transfer is created. Otherwise the
// transfer is scheduled and Start returns; the outcome arrives through cb.
func (m *Manager) Start(opts Options, contentLength int64, taskID string, req Request, cb Callback) {
	t, err := newRequestTask(opts, contentLength, taskID, req, cb, m.paths, m.store)
	if err != nil {
		if _, lerr := m.registry.Lookup(taskID); lerr != nil {
			m.pending.Take(taskID)
		}
		m.logger.Debug().Err(err).Str("task", taskID).Msg("rejected task")
		if cb != nil {
			cb(Result{TaskID: taskID, Err: err})
		}
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.complete(Result{TaskID: taskID, Err: &Error{Kind: KindValidation, TaskID: taskID, Description: "manager closed", Err: ErrClosed}})
		return
	}
	if err := m.registry.Register(t); err != nil {
		m.mu.Unlock()
		t.complete(Result{TaskID: taskID, Err: &Error{Kind: KindValidation, TaskID: taskID, Description: "task id already in use", Err: err}})
		return
	}
	t.download.Configure(m.defaults)
	t.upload.Configure(m.defaults)
	for dir, cfg := range m.pending.Take(taskID) {
		t.configure(dir, cfg)
	}
	m.mu.Unlock()

	m.bridge.Add(t.sessionID)
	observability.RecordTaskStarted(t.direction.String())
	m.logger.Debug().Str("task", taskID).Str("url", t.reqURL).Str("direction", t.direction.String()).Msg("task accepted")
	m.schedule(func() { m.launch(t) })
}

// Submit is Start with the result delivered on a channel.
func (m *Manager) Submit(opts Options, contentLength int64, taskID string, req Request) <-chan Result {
	ch := make(chan Result, 1)
	m.Start(opts, contentLength, taskID, req, func(res Result) {
		ch <- res
	})
	return ch
}

func (m *Manager) launch(t *RequestTask) {
	ctx := context.Background()
	req := t.request
	if m.store != nil {
		data, err := m.store.Read(ctx, t.id)
		switch {
		case err == nil:
			req.ResumeData = data
		case !errors.Is(err, resume.ErrNotFound):
			m.logger.Warn().Err(err).Str("task", t.id).Msg("failed to load resume data")
		}
	}

	// Creating the handle under the task lock makes cancel() either stop the
	// launch here or see the handle. Transports create handles locally, so
	// this does not wait on the network.
	m.router.launchMu.RLock()
	t.mu.Lock()
	if !t.shouldComplete {
		t.mu.Unlock()
		m.router.launchMu.RUnlock()
		m.router.finish(t, "", transport.Completion{Err: transport.ErrCancelled})
		return
	}
	h, err := m.transport.Create(ctx, req)
	if err != nil {
		t.mu.Unlock()
		m.router.launchMu.RUnlock()
		m.router.finish(t, "", transport.Completion{Err: err})
		return
	}
	t.handle = h
	t.state = StateSent
	m.router.bind(h, t.id)
	t.mu.Unlock()
	m.router.launchMu.RUnlock()

	if m.repo != nil {
		rec := HandleRecord{
			Handle:      string(h),
			TaskID:      t.id,
			SessionID:   t.sessionID,
			Direction:   t.direction.String(),
			URL:         t.reqURL,
			DestPath:    t.destPath,
			CreatedTime: time.Now(),
		}
		if err := m.repo.SaveHandle(rec); err != nil {
			m.logger.Error().Err(err).Str("task", t.id).Msg("failed to record handle")
		}
	}
	if len(req.ResumeData) > 0 {
		if err := t.ClearResumeData(ctx); err != nil {
			m.logger.Warn().Err(err).Str("task", t.id).Msg("failed to clear consumed resume data")
		}
		m.logger.Info().Str("task", t.id).Msg("resuming transfer")
	}

	if err := m.transport.Resume(h); err != nil {
		m.router.finish(t, h, transport.Completion{Err: err})
	}
}

// Cancel stops taskID. Unknown and finished tasks are ignored.
func (m *Manager) Cancel(taskID string) {
	t, err := m.registry.Lookup(taskID)
	if err != nil {
		return
	}
	h, ok := t.cancel()
	if ok {
		go m.router.cancelHandle(h)
	}
}

// EnableProgressReport configures download progress for taskID. The config
// is held until the task starts when taskID is not live yet.
func (m *Manager) EnableProgressReport(taskID string, cfg progress.Config) {
	m.enableProgress(taskID, progress.Download, cfg)
}

// EnableUploadProgress configures upload progress for taskID.
func (m *Manager) EnableUploadProgress(taskID string, cfg progress.Config) {
	m.enableProgress(taskID, progress.Upload, cfg)
}

func (m *Manager) enableProgress(taskID string, dir progress.Direction, cfg progress.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, err := m.registry.Lookup(taskID); err == nil {
		t.configure(dir, cfg)
		return
	}
	m.pending.Put(taskID, dir, cfg)
}

// SetCompletionHandler runs fn once every task started under the background
// identifier id has finished.
func (m *Manager) SetCompletionHandler(id string, fn func()) {
	m.bridge.Set(id, fn)
}

// ReconcileOnStartup reaps transfers the transport holds for tasks this
// process does not know.
func (m *Manager) ReconcileOnStartup(ctx context.Context) (int, error) {
	return m.reaper.Reap(ctx)
}

// Lookup returns a snapshot of a live task.
func (m *Manager) Lookup(taskID string) (Snapshot, error) {
	t, err := m.registry.Lookup(taskID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("lookup %s: %w", taskID, err)
	}
	return t.Snapshot(), nil
}

// Tasks returns snapshots of the live tasks ordered by id.
func (m *Manager) Tasks() []Snapshot {
	return m.registry.Snapshot()
}

// Close rejects new tasks, drops buffered progress configs and cancels every
// live task. Their callbacks still fire as the transport acknowledges.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	dropped := m.pending.Clear()
	m.mu.Unlock()

	tasks := m.registry.Tasks()
	for _, t := range tasks {
		m.Cancel(t.id)
	}
	m.logger.Info().Int("cancelled", len(tasks)).Int("dropped_configs", dropped).Msg("task manager closed")
	return nil
}
