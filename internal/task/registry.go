package task

import (
	"sort"
	"sync"
)

// Registry holds the live tasks by id.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*RequestTask
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*RequestTask)}
}

// Register adds a task. A live task with the same id is never replaced.
func (r *Registry) Register(t *RequestTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[t.id]; ok {
		return ErrDuplicateTask
	}
	r.items[t.id] = t
	return nil
}

// Lookup returns the live task with id.
func (r *Registry) Lookup(id string) (*RequestTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Remove drops id. Removing an absent id does nothing.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// removeTask drops id only while it still maps to t.
func (r *Registry) removeTask(t *RequestTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[t.id]; ok && cur == t {
		delete(r.items, t.id)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Tasks returns the live tasks ordered by id.
func (r *Registry) Tasks() []*RequestTask {
	r.mu.RLock()
	list := make([]*RequestTask, 0, len(r.items))
	for _, t := range r.items {
		list = append(list, t)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].id < list[j].id
	})
	return list
}

// Snapshot returns a view of every live task ordered by id.
func (r *Registry) Snapshot() []Snapshot {
	tasks := r.Tasks()
	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}
