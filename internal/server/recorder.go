package server

import (
	"sync"
	"time"

	"transfer-hub/internal/progress"
	"transfer-hub/internal/task"
)

const maxFinished = 1024

// Finished is the record kept for a task after its terminal notification.
type Finished struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	Error      string         `json:"error,omitempty"`
	Kind       task.Kind      `json:"kind,omitempty"`
	Response   *task.Response `json:"response,omitempty"`
	Expired    bool           `json:"expired,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ProgressView is the latest relayed progress of a task.
type ProgressView struct {
	Direction string  `json:"direction"`
	Bytes     int64   `json:"bytes"`
	Expected  int64   `json:"expected"`
	Percent   float64 `json:"percent"`
	Final     bool    `json:"final"`
}

// Recorder is the task listener behind the API. It keeps the latest progress
// of live tasks and a bounded history of finished ones.
type Recorder struct {
	mu       sync.RWMutex
	progress map[string]ProgressView
	finished map[string]Finished
	order    []string
	now      func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		progress: make(map[string]ProgressView),
		finished: make(map[string]Finished),
		now:      time.Now,
	}
}

func (r *Recorder) OnProgress(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[ev.TaskID] = ProgressView{
		Direction: ev.Direction.String(),
		Bytes:     ev.Bytes,
		Expected:  ev.Expected,
		Percent:   ev.Percent(),
		Final:     ev.Final,
	}
}

func (r *Recorder) OnTerminal(ev task.Terminal) {
	rec := Finished{
		ID:         ev.TaskID,
		State:      ev.State.String(),
		Response:   ev.Response,
		Expired:    ev.Expired,
		FinishedAt: r.now(),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
		rec.Kind = task.KindOf(ev.Err)
	}
	// Orphans reaped at startup may carry no task id.
	if ev.TaskID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.progress, ev.TaskID)
	if _, ok := r.finished[ev.TaskID]; !ok {
		r.order = append(r.order, ev.TaskID)
	}
	r.finished[ev.TaskID] = rec
	for len(r.order) > maxFinished {
		delete(r.finished, r.order[0])
		r.order = r.order[1:]
	}
}

// Progress returns the latest progress of a live task.
func (r *Recorder) Progress(id string) (ProgressView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.progress[id]
	return p, ok
}

// Finished returns the record of a finished task.
func (r *Recorder) Finished(id string) (Finished, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.finished[id]
	return f, ok
}

// History returns finished tasks, oldest first.
func (r *Recorder) History() []Finished {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Finished, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.finished[id])
	}
	return out
}
