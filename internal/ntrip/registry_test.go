package ntrip

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ntrip-caster/internal/bytestream"
	"github.com/ChuLiYu/ntrip-caster/internal/jobs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listOwner satisfies jobs.Caster for a standalone job list.
type listOwner struct{ logger *slog.Logger }

func (o *listOwner) Log() *slog.Logger { return o.logger }
func (o *listOwner) DeferredRun(string) {}

func newTestRegistry() (*Registry, *jobs.List) {
	logger := discardLogger()
	list := jobs.New(&listOwner{logger: logger})
	return NewRegistry(list, nil, logger), list
}

func newConn(t *testing.T) *Connection {
	t.Helper()
	s, p := bytestream.Pair(nil)
	t.Cleanup(func() {
		s.Close()
		p.Close()
	})
	return NewConnection(s, discardLogger(), 0)
}

func TestConnectionDefaults(t *testing.T) {
	c := newConn(t)
	assert.Equal(t, StateNew, c.State())
	assert.False(t, c.Ending())
	assert.False(t, c.Freed())
	assert.NotNil(t, c.Log())
	assert.Equal(t, 0, c.JobQueue().Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "source", StateSource.String())
	assert.Equal(t, "client", StateClient.String())
	assert.Equal(t, "ending", StateEnding.String())
}

func TestRegistryAddAndLen(t *testing.T) {
	r, _ := newTestRegistry()
	a := newConn(t)
	b := newConn(t)

	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())

	seen := 0
	r.Each(func(*Connection) { seen++ })
	assert.Equal(t, 2, seen)
}

func TestScheduleFreeMarksEnding(t *testing.T) {
	r, _ := newTestRegistry()
	c := newConn(t)
	c.SetState(StateClient)
	r.Add(c)

	r.ScheduleFree(c)
	assert.True(t, c.Ending())

	// Second call is a no-op; the connection is parked once.
	r.ScheduleFree(c)
	r.mu.Lock()
	assert.Len(t, r.deferred, 1)
	r.mu.Unlock()
}

func TestDeferredRunFreesConnection(t *testing.T) {
	r, _ := newTestRegistry()
	c := newConn(t)
	r.Add(c)
	require.Equal(t, 1, r.Len())

	r.ScheduleFree(c)
	r.DeferredRun("test")

	assert.Equal(t, 0, r.Len())
	assert.True(t, c.Freed())
	assert.True(t, c.Ending())
}

func TestDeferredRunCascades(t *testing.T) {
	r, _ := newTestRegistry()
	a := newConn(t)
	b := newConn(t)
	r.Add(a)
	r.Add(b)

	// Freeing a parks b, as a dying source does with its subscribers.
	r.SetOnFree(func(c *Connection) {
		if c == a {
			r.ScheduleFree(b)
		}
	})

	r.ScheduleFree(a)
	r.DeferredRun("test")

	assert.Equal(t, 0, r.Len())
	assert.True(t, a.Freed())
	assert.True(t, b.Freed())
}

func TestCloseAll(t *testing.T) {
	r, _ := newTestRegistry()
	conns := []*Connection{newConn(t), newConn(t), newConn(t)}
	for _, c := range conns {
		r.Add(c)
	}

	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	for _, c := range conns {
		assert.True(t, c.Freed())
	}
}

func TestDeferredRunDiscardsQueuedJobs(t *testing.T) {
	r, list := newTestRegistry()
	c := newConn(t)
	r.Add(c)

	// Queue a job the way a producer would, then tear the connection down
	// before any worker runs.
	c.Stream().Lock()
	list.Append(func(s *bytestream.Stream, arg any) {}, nil, c.Stream(), c, 0)
	c.Stream().Unlock()
	require.Equal(t, 1, queueLen(c))

	r.ScheduleFree(c)
	r.DeferredRun("test")
	assert.Equal(t, 0, queueLen(c))
}

func queueLen(c *Connection) int {
	c.Stream().Lock()
	defer c.Stream().Unlock()
	return c.JobQueue().Len()
}
