package match

import (
	"context"
	"sort"
	"sync"
)

// Task is the handle of a session's countdown and simulation goroutine.
type Task struct {
	cancel context.CancelFunc
}

// NewTask wraps cancel so the registry can stop the goroutine later.
func NewTask(cancel context.CancelFunc) *Task {
	return &Task{cancel: cancel}
}

// Cancel stops the goroutine behind the task.
func (t *Task) Cancel() {
	if t != nil && t.cancel != nil {
		t.cancel()
	}
}

// Registry is the process-wide index of live sessions and their tasks.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	tasks    map[string]*Task
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		tasks:    make(map[string]*Task),
	}
}

// GetOrCreate returns the session for matchID, building it with create when
// absent. Concurrent callers for the same id receive the same session.
func (r *Registry) GetOrCreate(matchID string, create func() (*Session, error)) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[matchID]; ok {
		return session, false, nil
	}
	session, err := create()
	if err != nil {
		return nil, false, err
	}
	r.sessions[matchID] = session
	return session, true, nil
}

// Get returns the live session for matchID or nil.
func (r *Registry) Get(matchID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[matchID]
}

// Remove drops session from the index when it is still the registered one,
// cancelling its task. It reports whether anything was removed.
func (r *Registry) Remove(matchID string, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[matchID]
	if !ok || (session != nil && current != session) {
		return false
	}
	delete(r.sessions, matchID)
	if task := r.tasks[matchID]; task != nil {
		task.Cancel()
		delete(r.tasks, matchID)
	}
	return true
}

// SetTask records the running task of matchID, replacing any previous handle.
func (r *Registry) SetTask(matchID string, task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[matchID] = task
}

// Task returns the running task of matchID or nil.
func (r *Registry) Task(matchID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[matchID]
}

// ClearTask forgets task if it is still the registered handle for matchID.
func (r *Registry) ClearTask(matchID string, task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current := r.tasks[matchID]; current == nil || current != task {
		return false
	}
	delete(r.tasks, matchID)
	return true
}

// IDs lists the live match ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
