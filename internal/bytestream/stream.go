// ============================================================================
// ByteStream - Buffered Socket Abstraction
// ============================================================================
//
// Package: internal/bytestream
// File: stream.go
// Purpose: Per-connection buffered stream with locking and callback slots
//
// Model:
//   A Stream bundles a socket, an input buffer, an output buffer, a mutex
//   and three callback slots (read-ready, write-drained, event). Readiness
//   is never invoked inline: the pump goroutines hand the callback to a
//   Dispatcher while holding the stream lock, and the dispatcher decides
//   where it runs. Production wiring points the dispatcher at the job list;
//   unit tests may run callbacks inline.
//
// Locking:
//   The stream mutex protects both buffers and the callback slots. The
//   dispatcher is always invoked with the stream lock held, so a producer
//   that forwards into the job list naturally follows the
//   stream -> append lock order.
//
// ============================================================================

package bytestream

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Events is the 16-bit event-flag payload delivered to event callbacks.
type Events uint16

// Event flag bits. Reading/Writing qualify which half of the stream the
// event refers to; the remaining bits describe what happened.
const (
	EventReading   Events = 0x01
	EventWriting   Events = 0x02
	EventEOF       Events = 0x10
	EventError     Events = 0x20
	EventTimeout   Events = 0x40
	EventConnected Events = 0x80
)

// DataCallback is the shape of read-ready and write-drained callbacks.
type DataCallback func(s *Stream, arg any)

// EventCallback is the shape of status callbacks (EOF, error, timeout).
type EventCallback func(s *Stream, events Events, arg any)

// Dispatcher delivers one readiness callback for a stream. Exactly one of
// cb/cbe is non-nil. The dispatcher is called with the stream lock held.
type Dispatcher func(cb DataCallback, cbe EventCallback, s *Stream, arg any, events Events)

// InlineDispatcher runs the callback immediately on the calling goroutine,
// still under the stream lock. Intended for tests.
func InlineDispatcher(cb DataCallback, cbe EventCallback, s *Stream, arg any, events Events) {
	if cb != nil {
		cb(s, arg)
	} else if cbe != nil {
		cbe(s, events, arg)
	}
}

const readChunk = 16 * 1024

// Stream is the per-connection stream object.
type Stream struct {
	mu   sync.Mutex
	conn net.Conn

	dispatch Dispatcher

	in  bytes.Buffer
	out bytes.Buffer

	readcb  DataCallback
	writecb DataCallback
	eventcb EventCallback
	cbarg   any

	readTimeout  time.Duration
	writeTimeout time.Duration

	readStarted  bool
	closed       bool
	closeOnDrain bool

	wakeWriter chan struct{}
	done       chan struct{}
}

// New wraps conn in a Stream. Reading does not start until EnableRead is
// called; the write pump starts immediately.
func New(conn net.Conn, dispatch Dispatcher) *Stream {
	s := &Stream{
		conn:       conn,
		dispatch:   dispatch,
		wakeWriter: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Pair returns two Streams connected back to back through an in-memory
// pipe, both using the same dispatcher. Used by tests.
func Pair(dispatch Dispatcher) (*Stream, *Stream) {
	c1, c2 := net.Pipe()
	return New(c1, dispatch), New(c2, dispatch)
}

// Lock acquires the stream lock.
func (s *Stream) Lock() { s.mu.Lock() }

// Unlock releases the stream lock.
func (s *Stream) Unlock() { s.mu.Unlock() }

// SetCallbacks installs the three callback slots and their shared argument.
func (s *Stream) SetCallbacks(readcb, writecb DataCallback, eventcb EventCallback, arg any) {
	s.mu.Lock()
	s.readcb = readcb
	s.writecb = writecb
	s.eventcb = eventcb
	s.cbarg = arg
	s.mu.Unlock()
}

// SetTimeouts configures the read and write inactivity timeouts. Zero
// disables the corresponding timeout. Takes effect on the next I/O call.
func (s *Stream) SetTimeouts(read, write time.Duration) {
	s.mu.Lock()
	s.readTimeout = read
	s.writeTimeout = write
	s.mu.Unlock()
}

// EnableRead starts the read pump. Idempotent.
func (s *Stream) EnableRead() {
	s.mu.Lock()
	if s.readStarted || s.closed {
		s.mu.Unlock()
		return
	}
	s.readStarted = true
	s.mu.Unlock()
	go s.readLoop()
}

// Input returns the input buffer. Caller must hold the stream lock.
func (s *Stream) Input() *bytes.Buffer { return &s.in }

// Output returns the output buffer. Caller must hold the stream lock.
func (s *Stream) Output() *bytes.Buffer { return &s.out }

// RemoteAddr reports the peer address, or nil after Close.
func (s *Stream) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// Write queues p on the output buffer and wakes the write pump. It takes
// the stream lock and may be called from any goroutine.
func (s *Stream) Write(p []byte) {
	s.mu.Lock()
	s.QueueOutput(p)
	s.mu.Unlock()
}

// QueueOutput queues p on the output buffer and wakes the write pump.
// Caller must hold the stream lock.
func (s *Stream) QueueOutput(p []byte) {
	if s.closed {
		return
	}
	s.out.Write(p)
	select {
	case s.wakeWriter <- struct{}{}:
	default:
	}
}

// CloseWhenDrained closes the stream once the output buffer has been fully
// written out. Queue the final response first, then call this. Caller must
// hold the stream lock, as callbacks running under it do.
func (s *Stream) CloseWhenDrained() {
	if s.closed {
		return
	}
	s.closeOnDrain = true
	select {
	case s.wakeWriter <- struct{}{}:
	default:
	}
}

// Close shuts the stream down: the socket is closed and both pumps stop.
// No callbacks are delivered after Close returns with the lock released.
// Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// deliver hands one callback to the dispatcher. Caller holds the lock.
func (s *Stream) deliver(cb DataCallback, cbe EventCallback, events Events) {
	if s.dispatch == nil || (cb == nil && cbe == nil) {
		return
	}
	s.dispatch(cb, cbe, s, s.cbarg, events)
}

func (s *Stream) readLoop() {
	buf := make([]byte, readChunk)
	for {
		s.mu.Lock()
		conn := s.conn
		timeout := s.readTimeout
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
		n, err := conn.Read(buf)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if n > 0 {
			s.in.Write(buf[:n])
			s.deliver(s.readcb, nil, 0)
		}
		if err != nil {
			s.deliver(nil, s.eventcb, EventReading|classify(err))
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Stream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wakeWriter:
		}
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if s.out.Len() == 0 {
				s.deliver(s.writecb, nil, 0)
				closing := s.closeOnDrain
				if closing {
					// Surface the finished stream as a status event so the
					// owner's teardown path runs.
					s.deliver(nil, s.eventcb, EventWriting|EventEOF)
				}
				s.mu.Unlock()
				if closing {
					s.Close()
					return
				}
				break
			}
			conn := s.conn
			timeout := s.writeTimeout
			chunk := append([]byte(nil), s.out.Bytes()...)
			s.out.Reset()
			s.mu.Unlock()

			if timeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if _, err := conn.Write(chunk); err != nil {
				s.mu.Lock()
				if !s.closed {
					s.deliver(nil, s.eventcb, EventWriting|classify(err))
				}
				s.mu.Unlock()
				return
			}
		}
	}
}

func classify(err error) Events {
	if errors.Is(err, io.EOF) {
		return EventEOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return EventTimeout
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return EventEOF
	}
	return EventError
}
