package task

import "sync"

// CompletionBridge counts non-terminal tasks per background session
// identifier and holds the host's "events finished" handler until the count
// for that identifier drops to zero.
type CompletionBridge struct {
	mu       sync.Mutex
	counts   map[string]int
	handlers map[string][]func()
}

func NewCompletionBridge() *CompletionBridge {
	return &CompletionBridge{
		counts:   make(map[string]int),
		handlers: make(map[string][]func()),
	}
}

// Add records one more live task under id.
func (b *CompletionBridge) Add(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	b.counts[id]++
	b.mu.Unlock()
}

// Done records that a task under id reached a terminal state and runs the
// pending handler when it was the last one.
func (b *CompletionBridge) Done(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	b.counts[id]--
	if b.counts[id] > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.counts, id)
	handlers := b.handlers[id]
	delete(b.handlers, id)
	b.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// Set stores fn in the pending slot for id. If no task under id is live the
// handler runs immediately. Handlers set while one is pending share the slot
// and run together, in the order they were set.
func (b *CompletionBridge) Set(id string, fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	if b.counts[id] > 0 {
		b.handlers[id] = append(b.handlers[id], fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// Pending returns the number of live tasks under id.
func (b *CompletionBridge) Pending(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[id]
}
