// ============================================================================
// NTRIP Connection State
// ============================================================================
//
// Package: internal/ntrip
// File: connection.go
// Purpose: Per-connection session state shared between the protocol
//          handlers and the job dispatch core
//
// A Connection owns its ByteStream and its job queue. The dispatch core
// sees it only through the jobs.Conn interface; the protocol side mutates
// the session fields under the stream lock, which is held for the whole
// callback batch.
//
// ============================================================================

package ntrip

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ntrip-caster/internal/bytestream"
	"github.com/ChuLiYu/ntrip-caster/internal/jobs"
)

// State is the connection lifecycle state. Only StateEnding is meaningful
// to the dispatch core; the rest belong to the protocol handlers.
type State int32

const (
	// StateNew: accepted, request line not yet parsed.
	StateNew State = iota
	// StateSource: upstream source feeding a mountpoint.
	StateSource
	// StateClient: downstream client subscribed to a mountpoint.
	StateClient
	// StateEnding: being torn down; new work is dropped, queued work skipped.
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSource:
		return "source"
	case StateClient:
		return "client"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Connection is one TCP session with a client or an upstream source.
type Connection struct {
	id     uuid.UUID
	stream *bytestream.Stream
	queue  jobs.Queue
	log    *slog.Logger

	state    atomic.Int32
	bevFreed atomic.Bool

	// Session fields, written under the stream lock by protocol handlers.
	Mountpoint string
	UserAgent  string
}

// NewConnection wraps stream in a session. maxQueuedJobs of 0 leaves the
// per-connection job queue unbounded.
func NewConnection(stream *bytestream.Stream, logger *slog.Logger, maxQueuedJobs int) *Connection {
	c := &Connection{
		id:     uuid.New(),
		stream: stream,
	}
	remote := ""
	if addr := stream.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c.log = logger.With("conn", c.id.String()[:8], "remote", remote)
	c.queue.Init(c, maxQueuedJobs)
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() uuid.UUID { return c.id }

// JobQueue returns the embedded per-connection job queue.
func (c *Connection) JobQueue() *jobs.Queue { return &c.queue }

// Stream returns the connection's byte stream.
func (c *Connection) Stream() *bytestream.Stream { return c.stream }

// Log returns the per-connection logger.
func (c *Connection) Log() *slog.Logger { return c.log }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// SetState transitions the lifecycle state.
func (c *Connection) SetState(s State) { c.state.Store(int32(s)) }

// Ending reports whether the connection is being torn down.
func (c *Connection) Ending() bool { return c.State() == StateEnding }

// Freed reports whether the byte stream has been released.
func (c *Connection) Freed() bool { return c.bevFreed.Load() }

// markFreed records that the byte stream is gone. Registry teardown only.
func (c *Connection) markFreed() { c.bevFreed.Store(true) }
