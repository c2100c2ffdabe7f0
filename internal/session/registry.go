// Package session hands out conversation session ids.
//
// A session id is bumped whenever a conversation starts or ends. Anything
// asynchronous captures the id it was started under; once the registry has
// moved on, the id is stale and the work must not produce any effect.
package session

import (
	"context"
	"sync"
)

// ID identifies one conversation session. Zero means "no session yet".
type ID uint64

// Scope is a session id with a context that is cancelled when the session
// is superseded.
type Scope struct {
	ID      ID
	Context context.Context
}

// Post delivers run on an event loop if the session it was bound under is
// still current when the task is dispatched; otherwise stale runs instead.
// stale may be nil. It is how asynchronous work re-enters a session.
type Post func(run func(), stale func())

// Registry issues monotonically increasing session ids.
type Registry struct {
	mu      sync.Mutex
	current ID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRegistry returns a registry at session zero.
func NewRegistry() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{ctx: ctx, cancel: cancel}
}

// Start supersedes the current session and returns the new scope. The
// previous scope's context is cancelled before Start returns.
func (r *Registry) Start() Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	r.current++
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return Scope{ID: r.current, Context: r.ctx}
}

// Current returns the live scope.
func (r *Registry) Current() Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Scope{ID: r.current, Context: r.ctx}
}

// IsCurrent reports whether id is still the live session.
func (r *Registry) IsCurrent(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id == r.current
}

// Close cancels the live scope without issuing a new id.
func (r *Registry) Close() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
}
