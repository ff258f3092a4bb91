// ============================================================================
// Live Source Index
// ============================================================================
//
// Package: internal/livesource
// File: livesource.go
// Purpose: Map live mountpoints to their subscribers and fan packets out
//
// One Source exists per mountpoint currently fed by an upstream connection.
// Subscribers are downstream client connections; a published packet is
// queued on every subscriber's output buffer in subscription order.
//
// ============================================================================

package livesource

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/ntrip-caster/internal/ntrip"
)

// Source is one live mountpoint and its subscriber list.
type Source struct {
	Mountpoint string

	mu    sync.Mutex
	owner *ntrip.Connection
	subs  []*ntrip.Connection
}

// Index is the process-wide mountpoint index.
type Index struct {
	log *slog.Logger

	mu      sync.RWMutex
	sources map[string]*Source
}

// NewIndex creates an empty index.
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		log:     logger.With("component", "livesource"),
		sources: make(map[string]*Source),
	}
}

// AddSource registers owner as the live source for mountpoint. Returns
// false when the mountpoint is already being fed.
func (x *Index) AddSource(mountpoint string, owner *ntrip.Connection) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.sources[mountpoint]; ok {
		return false
	}
	x.sources[mountpoint] = &Source{Mountpoint: mountpoint, owner: owner}
	x.log.Info("live source up", "mountpoint", mountpoint)
	return true
}

// RemoveSource drops the mountpoint and returns its subscribers so the
// caller can tear them down or reattach them.
func (x *Index) RemoveSource(mountpoint string) []*ntrip.Connection {
	x.mu.Lock()
	src, ok := x.sources[mountpoint]
	if ok {
		delete(x.sources, mountpoint)
	}
	x.mu.Unlock()
	if !ok {
		return nil
	}
	src.mu.Lock()
	subs := src.subs
	src.subs = nil
	src.mu.Unlock()
	x.log.Info("live source down", "mountpoint", mountpoint, "subscribers", len(subs))
	return subs
}

// Lookup returns the live source for mountpoint, or nil.
func (x *Index) Lookup(mountpoint string) *Source {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.sources[mountpoint]
}

// Mountpoints returns the currently live mountpoints.
func (x *Index) Mountpoints() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make([]string, 0, len(x.sources))
	for name := range x.sources {
		names = append(names, name)
	}
	return names
}

// Owner returns the connection feeding this source.
func (s *Source) Owner() *ntrip.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// AddSubscriber attaches a client to the source.
func (s *Source) AddSubscriber(c *ntrip.Connection) {
	s.mu.Lock()
	s.subs = append(s.subs, c)
	s.mu.Unlock()
}

// DelSubscriber detaches a client from the source.
func (s *Source) DelSubscriber(c *ntrip.Connection) {
	s.mu.Lock()
	for i, sub := range s.subs {
		if sub == c {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish queues data on every live subscriber's output buffer. Ending
// subscribers are skipped; their teardown unsubscribes them.
func (s *Source) Publish(data []byte) {
	s.mu.Lock()
	subs := append([]*ntrip.Connection(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.Ending() {
			continue
		}
		sub.Stream().Write(data)
	}
}
