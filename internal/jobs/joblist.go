// ============================================================================
// Job Dispatch Core - Two-Queue Dispatcher
// ============================================================================
//
// Package: internal/jobs
// File: joblist.go
// Purpose: Process-wide dispatcher between the event producers and workers
//
// Architecture:
//   ┌──────────────┐  Append (stream lock held)   ┌──────────────┐
//   │ read pump /  │ ───────────────────────────> │ append queue │
//   │ write pump   │        append lock           └──────┬───────┘
//   └──────────────┘                                     │ splice (O(1))
//                                                 ┌──────▼───────┐
//   workers pop one connection, take its stream   │  work queue  │
//   lock, drain its whole job FIFO, release       └──────────────┘
//
// Two queues keep the hot producer path and the often-sleeping consumer
// path off the same lock. A connection is linked at most once at a time;
// the newjobs tri-state on its Queue tracks that.
//
// Lock order:
//   workers:   work lock -> append lock -> stream lock
//   producers: stream lock -> append lock
//   wakeMu is a leaf below all of the above.
//
// Workers never hold the append lock while taking a stream lock, and
// producers never touch the work lock, so the two orders share no cycle.
//
// ============================================================================

package jobs

import (
	"sync"

	"github.com/ChuLiYu/ntrip-caster/internal/bytestream"
	"github.com/ChuLiYu/ntrip-caster/internal/metrics"
)

// connQueue is an intrusive FIFO of connections, linked through Queue.next.
// Head removal, tail insert and whole-queue splice are all O(1).
type connQueue struct {
	head, tail *Queue
}

func (cq *connQueue) empty() bool { return cq.head == nil }

func (cq *connQueue) pushBack(q *Queue) {
	if cq.tail == nil {
		cq.head = q
	} else {
		cq.tail.next = q
	}
	cq.tail = q
}

func (cq *connQueue) popFront() *Queue {
	q := cq.head
	if q == nil {
		return nil
	}
	cq.head = q.next
	if cq.head == nil {
		cq.tail = nil
	}
	q.next = nil
	return q
}

// List is the process-wide job dispatcher.
type List struct {
	caster Caster

	workMu sync.Mutex
	work   connQueue

	appendMu sync.Mutex
	append   connQueue

	// Worker wake-up. A token is deposited whenever a connection is linked
	// and whenever a splice leaves connections behind for other workers;
	// a worker about to sleep consumes one. The token count makes the
	// check-then-wait across workMu/appendMu immune to a signal landing
	// between the two.
	wakeMu sync.Mutex
	cond   *sync.Cond
	tokens int

	stopping bool

	// DisableCoalescing makes every append produce a job. Set only by tests
	// that need appends to map 1:1 onto invocations.
	DisableCoalescing bool

	metrics *metrics.Collector
}

// New creates an empty job list owned by caster.
func New(caster Caster) *List {
	l := &List{caster: caster}
	l.cond = sync.NewCond(&l.wakeMu)
	return l
}

// SetMetrics attaches a metrics collector. Call before starting workers.
func (l *List) SetMetrics(m *metrics.Collector) { l.metrics = m }

// signal deposits n wake tokens and wakes waiters accordingly.
func (l *List) signal(n int) {
	l.wakeMu.Lock()
	l.tokens += n
	if n == 1 {
		l.cond.Signal()
	} else {
		l.cond.Broadcast()
	}
	l.wakeMu.Unlock()
}

// Append enqueues one callback for the connection arg, which owns bev.
// Exactly one of cb/cbe must be non-nil; events is meaningful only for cbe.
//
// The caller must hold bev's stream lock — the pumps hold it across
// dispatch, which is the expected call site. Work for an ending connection
// is dropped silently. An append whose callback identity and event flags
// match the current FIFO tail is coalesced away.
func (l *List) Append(cb bytestream.DataCallback, cbe bytestream.EventCallback, bev *bytestream.Stream, arg Conn, events bytestream.Events) {
	q := arg.JobQueue()

	assertf(!arg.Freed(), "append after stream free")

	l.appendMu.Lock()

	if arg.Ending() {
		l.appendMu.Unlock()
		if l.metrics != nil {
			l.metrics.RecordJobDropped()
		}
		return
	}

	arg.Log().Debug("appending job", "njobs", q.njobs, "newjobs", q.newjobs)

	wasEmpty := q.head == nil
	if wasEmpty {
		assertf(q.njobs == 0 && q.newjobs == 0, "empty jobq with njobs=%d newjobs=%d", q.njobs, q.newjobs)
	} else {
		assertf(q.njobs > 0 && q.newjobs == -1, "non-empty jobq with njobs=%d newjobs=%d", q.njobs, q.newjobs)
	}

	// Skip the append when the FIFO tail already holds the identical
	// callback with the identical flags. arg is not compared: every job on
	// one connection's queue carries the same arg.
	cbPC, cbePC := funcPC(cb), funcPC(cbe)
	last := q.tail
	if !l.DisableCoalescing && last != nil &&
		last.events == events && last.cbPC == cbPC && last.cbePC == cbePC {
		l.appendMu.Unlock()
		if l.metrics != nil {
			l.metrics.RecordJobCoalesced()
		}
		return
	}

	if q.maxQueued > 0 && q.njobs >= q.maxQueued {
		l.appendMu.Unlock()
		arg.Log().Error("job queue full, dropping callback", "njobs", q.njobs)
		if l.metrics != nil {
			l.metrics.RecordJobDropped()
		}
		return
	}

	q.pushJob(&Job{cb: cb, cbe: cbe, cbPC: cbPC, cbePC: cbePC, arg: arg, events: events})

	assertf(wasEmpty == (q.newjobs == 1), "newjobs=%d after push, wasEmpty=%v", q.newjobs, wasEmpty)
	if q.newjobs == 1 {
		// First job since the connection was last drained: link it.
		arg.Log().Debug("linking connection into append queue", "njobs", q.njobs)
		l.append.pushBack(q)
		q.newjobs = -1
		if l.metrics != nil {
			l.metrics.ConnLinked()
		}
	}
	l.appendMu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordJobAppended()
	}
	l.signal(1)
}

// Run is the worker main loop. All workers run it concurrently; it returns
// when Stop is called.
//
// Each iteration pops one connection off the work queue (refilling from the
// append queue by an O(1) splice when empty), takes the connection's stream
// lock, and drains its whole job FIFO in append order while holding only
// that lock. Callbacks for one connection are therefore serialized even
// across workers, while distinct connections proceed in parallel.
func (l *List) Run() {
	l.workMu.Lock()
	for {
		if l.stopping {
			l.workMu.Unlock()
			return
		}
		q := l.work.head
		if q == nil {
			// Work queue empty: refill from the append queue.
			l.appendMu.Lock()
			if l.append.empty() {
				l.appendMu.Unlock()
				l.workMu.Unlock()
				l.wait()
				l.workMu.Lock()
				continue
			}
			spliced := 0
			for n := l.append.head; n != nil; n = n.next {
				spliced++
			}
			l.work = l.append
			l.append = connQueue{}
			l.appendMu.Unlock()
			// One splice can deposit several connections: wake peers.
			if spliced > 1 {
				l.signal(spliced - 1)
			}
			continue
		}

		l.work.popFront()
		c := q.owner
		bev := c.Stream()

		// Lock the stream before releasing the work lock so the connection
		// cannot be freed under us, then mark it unlinked. The stream is
		// the same for every job in this queue; one lock covers the batch.
		bev.Lock()
		q.newjobs = 0
		if l.metrics != nil {
			l.metrics.ConnUnlinked()
		}
		l.workMu.Unlock()

		c.Log().Debug("starting jobs", "njobs", q.njobs)
		ran := 0
		for {
			j := q.popJob()
			if j == nil {
				break
			}
			if !c.Ending() {
				if j.cb != nil {
					j.cb(bev, j.arg)
				} else {
					j.cbe(bev, j.events, j.arg)
				}
			}
			ran++
		}
		c.Log().Debug("ran jobs", "count", ran)

		bev.Unlock()

		if l.metrics != nil {
			l.metrics.RecordJobsRun(ran)
		}
		l.caster.DeferredRun("joblist.Run")

		l.workMu.Lock()
	}
}

// wait blocks until a wake token is available or the list is stopping, and
// consumes one token. Called with no other lock held.
func (l *List) wait() {
	l.wakeMu.Lock()
	for l.tokens == 0 && !l.stopping {
		l.cond.Wait()
	}
	if l.tokens > 0 {
		l.tokens--
	}
	l.wakeMu.Unlock()
}

// Stop makes every worker return from Run once it finishes its current
// connection batch.
func (l *List) Stop() {
	l.workMu.Lock()
	l.stopping = true
	l.workMu.Unlock()
	l.wakeMu.Lock()
	l.stopping = true
	l.cond.Broadcast()
	l.wakeMu.Unlock()
}

// Discard empties c's job FIFO under the append lock. Teardown path for a
// single connection; a still-linked connection stays linked and is unlinked
// by the worker that eventually pops it. The caller must hold c's stream
// lock so the drain cannot overlap a worker's batch.
func (l *List) Discard(c Conn) {
	l.appendMu.Lock()
	Drain(c)
	l.appendMu.Unlock()
}

// Free drains both queues and every linked connection's job FIFO. Must be
// called only when no worker is running.
func (l *List) Free() {
	l.workMu.Lock()
	for {
		q := l.work.popFront()
		if q == nil {
			break
		}
		Drain(q.owner)
	}
	l.workMu.Unlock()
	l.appendMu.Lock()
	for {
		q := l.append.popFront()
		if q == nil {
			break
		}
		Drain(q.owner)
	}
	l.appendMu.Unlock()
}
