package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Factory builds a controller for a user tab.
type Factory func(userID, sessionID string) *Controller

type entry struct {
	ctrl *Controller
	// touched is the last Get, in unix nanoseconds.
	touched atomic.Int64
}

// Registry holds one controller per user and tab session.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]map[string]*entry
	factory Factory
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		active:  make(map[string]map[string]*entry),
		factory: factory,
		now:     time.Now,
	}
}

// Get returns the controller for a user tab, creating it on first use.
func (r *Registry) Get(userID, sessionID string) *Controller {
	r.mu.RLock()
	if e, ok := r.active[userID][sessionID]; ok {
		e.touched.Store(r.now().UnixNano())
		r.mu.RUnlock()
		return e.ctrl
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*entry)
	}
	if e, ok := r.active[userID][sessionID]; ok {
		e.touched.Store(r.now().UnixNano())
		return e.ctrl
	}
	e := &entry{ctrl: r.factory(userID, sessionID)}
	e.touched.Store(r.now().UnixNano())
	r.active[userID][sessionID] = e
	slog.Info("Chat session registered", "user_id", userID, "session_id", sessionID)
	return e.ctrl
}

// EvictIdle forgets controllers that have not been used for ttl. Controllers
// with a running exchange or a live subscriber are kept.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-ttl).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for userID, tabs := range r.active {
		for sessionID, e := range tabs {
			last := max(e.touched.Load(), e.ctrl.lastActive.Load())
			if last > cutoff || e.ctrl.busy() {
				continue
			}
			delete(tabs, sessionID)
			evicted++
			slog.Debug("Chat session evicted", "user_id", userID, "session_id", sessionID)
		}
		if len(tabs) == 0 {
			delete(r.active, userID)
		}
	}
	return evicted
}

// Close cancels every running exchange and waits for them to finish so their
// transcripts are archived before shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]map[string]*entry)
	r.mu.Unlock()

	for _, tabs := range active {
		for _, e := range tabs {
			ex := e.ctrl.running()
			if ex == nil {
				continue
			}
			ex.Cancel()
			select {
			case <-ex.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, tabs := range r.active {
		n += len(tabs)
	}
	return n
}
