package bytestream

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// cbRecorder collects delivered callbacks for assertions.
type cbRecorder struct {
	mu     sync.Mutex
	reads  []string
	writes int
	events []Events
}

func (r *cbRecorder) readCb(s *Stream, arg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Stream lock is held by the dispatcher here.
	r.reads = append(r.reads, s.Input().String())
	s.Input().Reset()
}

func (r *cbRecorder) writeCb(s *Stream, arg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
}

func (r *cbRecorder) eventCb(s *Stream, events Events, arg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events)
}

func (r *cbRecorder) snapshot() (reads []string, writes int, events []Events) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reads...), r.writes, append([]Events(nil), r.events...)
}

func newStreamWithPeer(t *testing.T, rec *cbRecorder) (*Stream, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	s := New(c1, InlineDispatcher)
	s.SetCallbacks(rec.readCb, rec.writeCb, rec.eventCb, nil)
	t.Cleanup(func() {
		s.Close()
		c2.Close()
	})
	return s, c2
}

func TestReadDelivery(t *testing.T) {
	rec := &cbRecorder{}
	s, peer := newStreamWithPeer(t, rec)
	s.EnableRead()

	go peer.Write([]byte("hello"))

	require.Eventually(t, func() bool {
		reads, _, _ := rec.snapshot()
		return len(reads) == 1 && reads[0] == "hello"
	}, waitFor, tick)
}

func TestWriteAndDrainCallback(t *testing.T) {
	rec := &cbRecorder{}
	s, peer := newStreamWithPeer(t, rec)

	got := make([]byte, 5)
	done := make(chan error, 1)
	go func() {
		_, err := peer.Read(got)
		done <- err
	}()

	s.Write([]byte("world"))

	require.NoError(t, <-done)
	assert.Equal(t, "world", string(got))
	require.Eventually(t, func() bool {
		_, writes, _ := rec.snapshot()
		return writes >= 1
	}, waitFor, tick)
}

func TestEOFEvent(t *testing.T) {
	rec := &cbRecorder{}
	s, peer := newStreamWithPeer(t, rec)
	s.EnableRead()

	peer.Close()

	require.Eventually(t, func() bool {
		_, _, events := rec.snapshot()
		return len(events) == 1
	}, waitFor, tick)
	_, _, events := rec.snapshot()
	assert.Equal(t, EventReading|EventEOF, events[0])
}

func TestReadTimeoutEvent(t *testing.T) {
	rec := &cbRecorder{}
	s, _ := newStreamWithPeer(t, rec)
	s.SetTimeouts(30*time.Millisecond, 0)
	s.EnableRead()

	require.Eventually(t, func() bool {
		_, _, events := rec.snapshot()
		return len(events) == 1
	}, waitFor, tick)
	_, _, events := rec.snapshot()
	assert.Equal(t, EventReading|EventTimeout, events[0])
}

func TestCloseWhenDrained(t *testing.T) {
	rec := &cbRecorder{}
	s, peer := newStreamWithPeer(t, rec)

	got := make([]byte, 3)
	readDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readDone)
		if _, readErr = peer.Read(got); readErr != nil {
			return
		}
		// Next read must observe the close.
		_, readErr = peer.Read(make([]byte, 1))
	}()

	s.Write([]byte("bye"))
	s.Lock()
	s.CloseWhenDrained()
	s.Unlock()

	select {
	case <-readDone:
	case <-time.After(waitFor):
		t.Fatal("peer never observed the close")
	}
	assert.Equal(t, "bye", string(got))
	assert.Error(t, readErr)

	// The owner is told the stream finished.
	require.Eventually(t, func() bool {
		_, _, events := rec.snapshot()
		return len(events) == 1
	}, waitFor, tick)
	_, _, events := rec.snapshot()
	assert.Equal(t, EventWriting|EventEOF, events[0])
}

func TestNoCallbacksAfterClose(t *testing.T) {
	rec := &cbRecorder{}
	s, peer := newStreamWithPeer(t, rec)
	s.EnableRead()

	s.Close()
	peer.Close()

	time.Sleep(50 * time.Millisecond)
	reads, writes, events := rec.snapshot()
	assert.Empty(t, reads)
	assert.Zero(t, writes)
	assert.Empty(t, events)
}

func TestPair(t *testing.T) {
	rec := &cbRecorder{}
	a, b := Pair(InlineDispatcher)
	a.SetCallbacks(rec.readCb, nil, rec.eventCb, nil)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	a.EnableRead()

	b.Write([]byte("ping"))

	require.Eventually(t, func() bool {
		reads, _, _ := rec.snapshot()
		return len(reads) == 1 && reads[0] == "ping"
	}, waitFor, tick)
}
