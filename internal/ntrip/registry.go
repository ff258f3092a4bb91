// ============================================================================
// NTRIP Connection Registry
// ============================================================================
//
// Package: internal/ntrip
// File: registry.go
// Purpose: Track live connections and destroy them outside the stream lock
//
// A connection cannot be freed while a worker holds it: callbacks run under
// the stream lock, and closing the stream from inside one would pull the
// lock out from under the dispatch loop. Teardown therefore goes through a
// deferred queue: ScheduleFree marks the connection ending and parks it;
// DeferredRun, invoked by workers after releasing the stream lock, performs
// the actual destruction.
//
// ============================================================================

package ntrip

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ntrip-caster/internal/jobs"
	"github.com/ChuLiYu/ntrip-caster/internal/metrics"
)

// Registry tracks every live connection plus the deferred-free queue.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	conns    map[uuid.UUID]*Connection
	deferred []*Connection

	list    *jobs.List
	metrics *metrics.Collector

	// onFree, when set, runs for each connection during DeferredRun just
	// before its stream is closed. Used by the caster to detach the
	// connection from mountpoints and recorders.
	onFree func(*Connection)
}

// SetOnFree installs the per-connection teardown hook. Call before any
// connection is scheduled for free.
func (r *Registry) SetOnFree(fn func(*Connection)) { r.onFree = fn }

// NewRegistry creates an empty registry. list is used to discard queued
// jobs during teardown; m may be nil.
func NewRegistry(list *jobs.List, m *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger.With("component", "registry"),
		conns:   make(map[uuid.UUID]*Connection),
		list:    list,
		metrics: m,
	}
}

// Add registers a connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ConnOpened()
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Each calls fn for every registered connection.
func (r *Registry) Each(fn func(*Connection)) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// ScheduleFree marks c as ending and parks it on the deferred queue. Safe
// to call from a callback holding c's stream lock; the destruction happens
// later, in DeferredRun. Subsequent calls for the same connection are
// no-ops.
func (r *Registry) ScheduleFree(c *Connection) {
	for {
		cur := c.state.Load()
		if cur == int32(StateEnding) {
			// Already scheduled by someone else.
			return
		}
		if c.state.CompareAndSwap(cur, int32(StateEnding)) {
			break
		}
	}
	r.mu.Lock()
	r.deferred = append(r.deferred, c)
	r.mu.Unlock()
	c.log.Debug("scheduled for deferred free")
}

// DeferredRun destroys every connection parked since the last run. Workers
// call it once per dispatch iteration after releasing the stream lock, so
// no stream lock is held here. reason is logged for tracing.
func (r *Registry) DeferredRun(reason string) {
	for {
		r.mu.Lock()
		batch := r.deferred
		r.deferred = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		r.free(batch, reason)
	}
}

// free destroys one batch of parked connections. The teardown hook may park
// further connections; DeferredRun loops until the queue is empty.
func (r *Registry) free(batch []*Connection, reason string) {
	for _, c := range batch {
		// The stream lock keeps the teardown hook and the job drain from
		// overlapping a worker batch, and makes the session fields settled.
		c.stream.Lock()
		if r.onFree != nil {
			r.onFree(c)
		}
		r.list.Discard(c)
		c.stream.Unlock()
		c.stream.Close()
		c.markFreed()

		r.mu.Lock()
		delete(r.conns, c.id)
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ConnClosed()
		}
		c.log.Debug("connection freed", "reason", reason)
	}
}

// CloseAll schedules every registered connection for teardown and runs the
// deferred queue. Shutdown path.
func (r *Registry) CloseAll() {
	r.Each(func(c *Connection) { r.ScheduleFree(c) })
	r.DeferredRun("registry.CloseAll")
}
