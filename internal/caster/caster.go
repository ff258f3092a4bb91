// ============================================================================
// Caster State and Lifecycle
// ============================================================================
//
// Package: internal/caster
// File: caster.go
// Purpose: Own the job list, worker pool, listener, registry and indexes;
//          wire ByteStream readiness into the dispatch core
//
// The caster is the single producer-side integration point: every accepted
// socket becomes a ByteStream whose dispatcher forwards readiness callbacks
// to JobList.Append, and a Connection registered for teardown through the
// deferred-free queue.
//
// ============================================================================

package caster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/ntrip-caster/internal/admin"
	"github.com/ChuLiYu/ntrip-caster/internal/bytestream"
	"github.com/ChuLiYu/ntrip-caster/internal/jobs"
	"github.com/ChuLiYu/ntrip-caster/internal/livesource"
	"github.com/ChuLiYu/ntrip-caster/internal/metrics"
	"github.com/ChuLiYu/ntrip-caster/internal/ntrip"
	"github.com/ChuLiYu/ntrip-caster/internal/recorder"
)

// Config carries the caster's tunables.
type Config struct {
	// ListenAddr is the NTRIP listen address, host:port.
	ListenAddr string
	// Workers is the dispatch worker count, at least 1.
	Workers int
	// WorkerStackKB is accepted for compatibility with deployments of the
	// C caster. Goroutine stacks grow on demand; the value is only logged.
	WorkerStackKB int
	// MaxQueuedJobs bounds each connection's job queue; 0 is unbounded.
	MaxQueuedJobs int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RecorderEnabled       bool
	RecorderDir           string
	RecorderMaxSegment    int64
	RecorderFlushInterval time.Duration

	MetricsEnabled bool
	MetricsPort    int

	AdminEnabled bool
	AdminPort    int
}

// Caster is the process-wide caster state.
type Caster struct {
	cfg Config
	log *slog.Logger

	joblist  *jobs.List
	pool     *jobs.Pool
	registry *ntrip.Registry
	sources  *livesource.Index
	metrics  *metrics.Collector

	recMu     sync.Mutex
	recorders map[string]*recorder.Recorder

	lnMu    sync.Mutex
	ln      net.Listener
	stopped sync.Once
}

// New assembles a caster from cfg. The metrics collector m may be nil.
func New(cfg Config, m *metrics.Collector, logger *slog.Logger) *Caster {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Caster{
		cfg:       cfg,
		log:       logger.With("component", "caster"),
		sources:   livesource.NewIndex(logger),
		metrics:   m,
		recorders: make(map[string]*recorder.Recorder),
	}
	c.joblist = jobs.New(c)
	if m != nil {
		c.joblist.SetMetrics(m)
	}
	c.pool = jobs.NewPool(c, c.joblist)
	c.registry = ntrip.NewRegistry(c.joblist, m, logger)
	c.registry.SetOnFree(c.detach)
	return c
}

// Log implements jobs.Caster.
func (c *Caster) Log() *slog.Logger { return c.log }

// DeferredRun implements jobs.Caster: workers call it after releasing the
// stream lock so parked connections can be destroyed safely.
func (c *Caster) DeferredRun(reason string) {
	c.registry.DeferredRun(reason)
}

// JobList exposes the dispatcher to auxiliary producers.
func (c *Caster) JobList() *jobs.List { return c.joblist }

// Registry exposes the connection registry.
func (c *Caster) Registry() *ntrip.Registry { return c.registry }

// Sources exposes the live mountpoint index.
func (c *Caster) Sources() *livesource.Index { return c.sources }

// Addr returns the bound listen address, valid after Start.
func (c *Caster) Addr() net.Addr {
	c.lnMu.Lock()
	defer c.lnMu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// dispatch is the ByteStream Dispatcher: it forwards readiness callbacks
// into the job list. The pumps hold the stream lock across this call, so
// the producer lock order stream -> append holds.
func (c *Caster) dispatch(cb bytestream.DataCallback, cbe bytestream.EventCallback, s *bytestream.Stream, arg any, events bytestream.Events) {
	c.joblist.Append(cb, cbe, s, arg.(jobs.Conn), events)
}

// Start binds the listener, launches the worker pool and runs until ctx is
// cancelled.
func (c *Caster) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.ListenAddr, err)
	}
	c.lnMu.Lock()
	c.ln = ln
	c.lnMu.Unlock()

	if err := c.pool.Start(c.cfg.Workers); err != nil {
		ln.Close()
		return fmt.Errorf("start workers: %w", err)
	}
	c.log.Info("caster listening",
		"addr", ln.Addr().String(),
		"workers", c.cfg.Workers,
		"worker_stack_kb", c.cfg.WorkerStackKB)

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.acceptLoop(ln) })

	if c.cfg.MetricsEnabled {
		srv := metrics.NewServer(c.cfg.MetricsPort)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-runCtx.Done()
			return srv.Shutdown()
		})
	}

	if c.cfg.AdminEnabled {
		srv := admin.New(c.cfg.AdminPort, c.log)
		g.Go(srv.Serve)
		g.Go(func() error {
			<-runCtx.Done()
			srv.Shutdown()
			return nil
		})
		srv.SetServing(true)
	}

	g.Go(func() error {
		<-runCtx.Done()
		c.Stop()
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Stop tears the caster down: listener first, then every connection, then
// the workers and the job list.
func (c *Caster) Stop() {
	c.stopped.Do(func() {
		c.lnMu.Lock()
		if c.ln != nil {
			c.ln.Close()
		}
		c.lnMu.Unlock()
		c.registry.CloseAll()
		c.pool.Stop()
		c.joblist.Free()
		c.recMu.Lock()
		for _, r := range c.recorders {
			r.Close()
		}
		c.recorders = make(map[string]*recorder.Recorder)
		c.recMu.Unlock()
		c.log.Info("caster stopped")
	})
}

func (c *Caster) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return nil
		}
		c.Accept(conn)
	}
}

// Accept registers a raw socket as a caster connection and starts reading.
func (c *Caster) Accept(conn net.Conn) *ntrip.Connection {
	stream := bytestream.New(conn, c.dispatch)
	nc := ntrip.NewConnection(stream, c.log, c.cfg.MaxQueuedJobs)
	stream.SetCallbacks(c.readCallback, c.writeCallback, c.eventCallback, nc)
	stream.SetTimeouts(c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	c.registry.Add(nc)
	nc.Log().Info("connection accepted")
	stream.EnableRead()
	return nc
}

// detach is the registry's per-connection teardown hook: it unhooks the
// connection from the mountpoint index and the recorders before the stream
// is closed.
func (c *Caster) detach(nc *ntrip.Connection) {
	mount := nc.Mountpoint
	if mount == "" {
		return
	}
	src := c.sources.Lookup(mount)
	if src == nil {
		return
	}
	if src.Owner() == nc {
		// The feed is gone; its subscribers have nothing left to read.
		subs := c.sources.RemoveSource(mount)
		for _, sub := range subs {
			c.registry.ScheduleFree(sub)
		}
		c.closeRecorder(mount)
	} else {
		src.DelSubscriber(nc)
	}
}

// recorderFor returns (creating on demand) the recorder for mountpoint, or
// nil when recording is disabled.
func (c *Caster) recorderFor(mountpoint string) *recorder.Recorder {
	if !c.cfg.RecorderEnabled {
		return nil
	}
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if r, ok := c.recorders[mountpoint]; ok {
		return r
	}
	r, err := recorder.New(c.cfg.RecorderDir, mountpoint, c.cfg.RecorderMaxSegment, c.cfg.RecorderFlushInterval, c.log)
	if err != nil {
		c.log.Error("recorder create failed", "mountpoint", mountpoint, "error", err)
		return nil
	}
	c.recorders[mountpoint] = r
	return r
}

// closeRecorder closes and forgets the recorder for mountpoint, if any.
func (c *Caster) closeRecorder(mountpoint string) {
	c.recMu.Lock()
	r, ok := c.recorders[mountpoint]
	if ok {
		delete(c.recorders, mountpoint)
	}
	c.recMu.Unlock()
	if ok {
		r.Close()
	}
}
