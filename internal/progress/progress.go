// Package progress throttles per-task progress reporting.
//
// A Tracker sits between the transport, which may report every few kilobytes,
// and the consumer, which only wants to hear about meaningful movement. It
// emits when the configured byte interval or event count is reached and always
// emits exactly one final event when the task ends.
//
// Configs registered before their task exists are held by Pending until the
// task starts.
package progress

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// Direction tells which side of a transfer a progress event describes.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Config controls how often progress is relayed for one direction of a task.
// When both fields are zero every update is relayed.
type Config struct {
	// IntervalBytes relays an event once at least this many bytes have moved
	// since the previous relayed event.
	IntervalBytes int64

	// Count relays every Count-th transport update.
	Count int
}

func (c Config) String() string {
	return fmt.Sprintf("interval=%s count=%d", humanize.IBytes(uint64(max(c.IntervalBytes, 0))), c.Count)
}

// Event is a relayed progress notification.
type Event struct {
	TaskID    string
	Direction Direction
	Bytes     int64
	Expected  int64
	Final     bool
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (e Event) Percent() float64 {
	if e.Expected <= 0 {
		return -1
	}
	p := float64(e.Bytes) / float64(e.Expected) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %s/%s final=%t", e.TaskID, e.Direction,
		humanize.IBytes(uint64(max(e.Bytes, 0))), humanize.IBytes(uint64(max(e.Expected, 0))), e.Final)
}

// Tracker accounts progress for one direction of one task. It is not safe for
// concurrent use; callers serialize access with the owning task's lock.
type Tracker struct {
	taskID string
	dir    Direction
	cfg    Config

	bytes       int64
	expected    int64
	lastEmitted int64
	updates     int
	finished    bool
}

// NewTracker returns a tracker for the given task and direction.
func NewTracker(taskID string, dir Direction, cfg Config) *Tracker {
	return &Tracker{taskID: taskID, dir: dir, cfg: cfg}
}

// Configure replaces the throttling config. Accounting is preserved.
func (t *Tracker) Configure(cfg Config) {
	t.cfg = cfg
}

// Config returns the active throttling config.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Bytes returns the last accepted cumulative byte count.
func (t *Tracker) Bytes() int64 {
	return t.bytes
}

// Update records a cumulative byte count reported by the transport. It
// returns an event when one should be relayed. Counts lower than one already
// accepted are ignored so relayed events never go backwards.
func (t *Tracker) Update(bytes, expected int64) (Event, bool) {
	if t.finished || bytes < t.bytes {
		return Event{}, false
	}
	t.bytes = bytes
	if expected > 0 {
		t.expected = expected
	}
	t.updates++

	if !t.due() {
		return Event{}, false
	}
	t.lastEmitted = t.bytes
	return t.event(false), true
}

func (t *Tracker) due() bool {
	if t.cfg.IntervalBytes <= 0 && t.cfg.Count <= 0 {
		return true
	}
	if t.cfg.IntervalBytes > 0 && t.bytes-t.lastEmitted > t.cfg.IntervalBytes {
		return true
	}
	return t.cfg.Count > 0 && t.updates%t.cfg.Count == 0
}

// Finish produces the one final event regardless of throttling. On success a
// known total is reported as fully transferred. A second call returns false.
func (t *Tracker) Finish(success bool) (Event, bool) {
	if t.finished {
		return Event{}, false
	}
	t.finished = true
	if success && t.expected > t.bytes {
		t.bytes = t.expected
	}
	if success && t.expected <= 0 {
		t.expected = t.bytes
	}
	t.lastEmitted = t.bytes
	return t.event(true), true
}

func (t *Tracker) event(final bool) Event {
	return Event{
		TaskID:    t.taskID,
		Direction: t.dir,
		Bytes:     t.bytes,
		Expected:  t.expected,
		Final:     final,
	}
}

// Pending buffers configs registered for tasks that have not started yet.
type Pending struct {
	mu      sync.Mutex
	configs map[string]map[Direction]Config
}

// NewPending returns an empty buffer.
func NewPending() *Pending {
	return &Pending{configs: make(map[string]map[Direction]Config)}
}

// Put stores cfg for taskID, replacing an earlier config for the same direction.
func (p *Pending) Put(taskID string, dir Direction, cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byDir, ok := p.configs[taskID]
	if !ok {
		byDir = make(map[Direction]Config, 2)
		p.configs[taskID] = byDir
	}
	byDir[dir] = cfg
}

// Take removes and returns the configs buffered for taskID.
func (p *Pending) Take(taskID string) map[Direction]Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	byDir := p.configs[taskID]
	delete(p.configs, taskID)
	return byDir
}

// Len reports how many tasks have buffered configs.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// Clear drops every buffered config and returns how many tasks were dropped.
func (p *Pending) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.configs)
	p.configs = make(map[string]map[Direction]Config)
	return n
}
