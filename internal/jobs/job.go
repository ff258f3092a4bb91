// ============================================================================
// Job Dispatch Core - Job Records and Per-Connection Queues
// ============================================================================
//
// Package: internal/jobs
// File: job.go
// Purpose: Job record, per-connection FIFO bookkeeping, collaborator contracts
//
// A Job is one deferred callback invocation for a connection: either a data
// callback (stream, arg) or an event callback (stream, events, arg). The arg
// is always the owning connection. Jobs are created by List.Append, consumed
// exactly once by a worker, or discarded by Drain.
//
// Each connection embeds a Queue: the FIFO of its pending jobs plus the
// counters the dispatcher keys on. All Queue fields are written either under
// the list's append lock (producer side) or under the connection's stream
// lock (worker side); the dispatch discipline in joblist.go keeps those two
// critical sections disjoint in time.
//
// ============================================================================

package jobs

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/ChuLiYu/ntrip-caster/internal/bytestream"
)

// Conn is the slice of a connection the dispatch core touches. The concrete
// type lives in internal/ntrip; the core only needs the stream, the embedded
// queue, liveness state and a logger.
type Conn interface {
	// JobQueue returns the connection's embedded per-connection queue.
	JobQueue() *Queue
	// Stream returns the connection's byte stream. All jobs queued for one
	// connection share it.
	Stream() *bytestream.Stream
	// Ending reports whether the connection is being torn down. New work for
	// an ending connection is dropped, queued work is skipped.
	Ending() bool
	// Freed reports whether the byte stream has been released. Appending
	// after that point is a programmer error.
	Freed() bool
	// Log returns the per-connection logger.
	Log() *slog.Logger
}

// Caster is the owner of the job list: a logging sink plus the
// deferred-cleanup hook workers run after releasing the stream lock.
type Caster interface {
	Log() *slog.Logger
	DeferredRun(reason string)
}

// Job is one queued callback invocation. Exactly one of cb/cbe is set.
type Job struct {
	cb     bytestream.DataCallback
	cbe    bytestream.EventCallback
	cbPC   uintptr
	cbePC  uintptr
	arg    Conn
	events bytestream.Events
	next   *Job
}

// Queue is the per-connection job FIFO plus dispatcher bookkeeping.
// Embedded in the connection; zero value is ready for use after Init.
type Queue struct {
	owner Conn

	head, tail *Job
	// njobs mirrors the queue length. Kept for assertions and debug logs.
	njobs int
	// newjobs is the linked-state tri-state:
	//   0  - not linked into any list queue, job FIFO empty
	//   >0 - jobs appended since the last link, link pending (only 1 occurs)
	//   -1 - linked into the append queue or the work queue
	newjobs int
	// maxQueued bounds the FIFO length; 0 means unbounded. An append past
	// the bound is dropped and logged.
	maxQueued int

	// link in the list's append/work connection queues
	next *Queue
}

// Init binds the queue to its owning connection. maxQueued of 0 leaves the
// queue unbounded.
func (q *Queue) Init(owner Conn, maxQueued int) {
	q.owner = owner
	q.maxQueued = maxQueued
}

// Len returns the number of queued jobs. Caller must hold a lock that keeps
// the queue stable (append lock or the owner's stream lock).
func (q *Queue) Len() int { return q.njobs }

// Linked reports whether the connection is linked into a list queue.
// Caller must hold the append lock.
func (q *Queue) Linked() bool { return q.newjobs == -1 }

// popJob removes and returns the FIFO head, maintaining counters.
func (q *Queue) popJob() *Job {
	j := q.head
	if j == nil {
		return nil
	}
	q.head = j.next
	if q.head == nil {
		q.tail = nil
	}
	j.next = nil
	q.njobs--
	if q.newjobs > 0 {
		q.newjobs--
	}
	return j
}

// pushJob tail-inserts j, maintaining counters.
func (q *Queue) pushJob(j *Job) {
	if q.tail == nil {
		q.head = j
	} else {
		q.tail.next = j
	}
	q.tail = j
	q.njobs++
	if q.newjobs >= 0 {
		q.newjobs++
	}
}

// Drain removes and discards every queued job, zeroing the job counter. The
// linked/unlinked state is preserved: a connection still linked into a list
// queue stays linked and is unlinked by the worker that pops it. Caller
// holds whichever lock keeps the connection stable.
func Drain(c Conn) {
	q := c.JobQueue()
	for q.popJob() != nil {
	}
}

// funcPC returns the code pointer of a callback for coalescing comparison,
// or 0 for nil. Readiness callbacks are fixed methods of the caster, so equal
// pointers mean the same callback.
func funcPC(f any) uintptr {
	v := reflect.ValueOf(f)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// assertf panics when a dispatch invariant is violated. Every trip
// indicates a caller bug, not a runtime condition.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("jobs: " + fmt.Sprintf(format, args...))
	}
}
