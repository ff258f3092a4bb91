// ============================================================================
// Protocol Handlers
// ============================================================================
//
// Package: internal/caster
// File: handlers.go
// Purpose: The callbacks jobs invoke - NTRIP request handling, source
//          ingest, client upkeep, stream status
//
// All three callbacks run on a worker with the connection's stream lock
// held for the whole batch, so session fields can be touched without extra
// locking. Teardown never happens inline: handlers call ScheduleFree and
// the deferred queue does the rest.
//
// ============================================================================

package caster

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/ntrip-caster/internal/bytestream"
	"github.com/ChuLiYu/ntrip-caster/internal/ntrip"
	"github.com/ChuLiYu/ntrip-caster/pkg/sourcetable"
)

const (
	responseOK         = "ICY 200 OK\r\n\r\n"
	responseMountTaken = "ERROR - Mount Point Taken or Invalid\r\n\r\n"
)

// maxRequestSize caps the bytes buffered while waiting for a full request
// head. Anything larger is not an NTRIP handshake.
const maxRequestSize = 8 * 1024

// readCallback handles read readiness: request parsing for fresh
// connections, packet ingest for sources, keepalive consumption for
// clients.
func (c *Caster) readCallback(s *bytestream.Stream, arg any) {
	nc := arg.(*ntrip.Connection)
	switch nc.State() {
	case ntrip.StateNew:
		c.handleRequest(s, nc)
	case ntrip.StateSource:
		c.handleSourceData(s, nc)
	case ntrip.StateClient:
		// Clients may send NMEA position sentences; this caster ignores
		// them but must keep the buffer from growing.
		s.Input().Reset()
	case ntrip.StateEnding:
	}
}

// writeCallback handles output-drained notifications.
func (c *Caster) writeCallback(s *bytestream.Stream, arg any) {
	nc := arg.(*ntrip.Connection)
	nc.Log().Debug("output drained")
}

// eventCallback handles stream status: EOF, errors and timeouts all end
// the session.
func (c *Caster) eventCallback(s *bytestream.Stream, events bytestream.Events, arg any) {
	nc := arg.(*ntrip.Connection)
	switch {
	case events&bytestream.EventEOF != 0:
		nc.Log().Info("peer closed connection")
	case events&bytestream.EventTimeout != 0:
		nc.Log().Info("connection timed out", "events", fmt.Sprintf("%#x", uint16(events)))
	case events&bytestream.EventError != 0:
		nc.Log().Warn("connection error", "events", fmt.Sprintf("%#x", uint16(events)))
	}
	c.registry.ScheduleFree(nc)
}

// handleRequest parses the NTRIP handshake once the full request head has
// arrived.
func (c *Caster) handleRequest(s *bytestream.Stream, nc *ntrip.Connection) {
	data := s.Input().Bytes()
	idx := strings.Index(string(data), "\r\n\r\n")
	if idx < 0 {
		if len(data) > maxRequestSize {
			nc.Log().Warn("oversized request head, dropping connection")
			c.registry.ScheduleFree(nc)
		}
		return
	}
	head := string(data[:idx])
	s.Input().Next(idx + 4)

	lines := strings.Split(head, "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		nc.Log().Warn("malformed request line")
		c.registry.ScheduleFree(nc)
		return
	}
	for _, line := range lines[1:] {
		if v, ok := strings.CutPrefix(line, "User-Agent: "); ok {
			nc.UserAgent = v
		}
	}

	switch fields[0] {
	case "SOURCE":
		// NTRIP rev1 source handshake: SOURCE <password> <mountpoint>
		if len(fields) < 3 {
			nc.Log().Warn("malformed SOURCE request")
			c.registry.ScheduleFree(nc)
			return
		}
		c.startSource(s, nc, strings.TrimPrefix(fields[2], "/"))
	case "GET":
		c.startClient(s, nc, strings.TrimPrefix(fields[1], "/"))
	default:
		nc.Log().Warn("unsupported method", "method", fields[0])
		c.registry.ScheduleFree(nc)
	}
}

func (c *Caster) startSource(s *bytestream.Stream, nc *ntrip.Connection, mountpoint string) {
	if mountpoint == "" || !c.sources.AddSource(mountpoint, nc) {
		nc.Log().Info("source rejected", "mountpoint", mountpoint)
		s.QueueOutput([]byte(responseMountTaken))
		// Teardown arrives through the drain event.
		s.CloseWhenDrained()
		return
	}
	nc.Mountpoint = mountpoint
	nc.SetState(ntrip.StateSource)
	s.QueueOutput([]byte(responseOK))
	nc.Log().Info("source online", "mountpoint", mountpoint)

	// Data may already have arrived with the handshake.
	if s.Input().Len() > 0 {
		c.handleSourceData(s, nc)
	}
}

func (c *Caster) startClient(s *bytestream.Stream, nc *ntrip.Connection, mountpoint string) {
	src := c.sources.Lookup(mountpoint)
	if mountpoint == "" || src == nil {
		// Unknown or empty mountpoint: answer with the sourcetable, as
		// casters traditionally do, then close.
		c.sendSourcetable(s, nc)
		return
	}
	nc.Mountpoint = mountpoint
	nc.SetState(ntrip.StateClient)
	src.AddSubscriber(nc)
	s.QueueOutput([]byte(responseOK))
	nc.Log().Info("client subscribed", "mountpoint", mountpoint, "agent", nc.UserAgent)
}

func (c *Caster) handleSourceData(s *bytestream.Stream, nc *ntrip.Connection) {
	in := s.Input()
	if in.Len() == 0 {
		return
	}
	data := append([]byte(nil), in.Bytes()...)
	in.Reset()

	src := c.sources.Lookup(nc.Mountpoint)
	if src == nil {
		return
	}
	src.Publish(data)
	if r := c.recorderFor(nc.Mountpoint); r != nil {
		if err := r.Record(data); err != nil {
			nc.Log().Debug("record failed", "error", err)
		}
	}
}

func (c *Caster) sendSourcetable(s *bytestream.Stream, nc *ntrip.Connection) {
	table := sourcetable.Table{}
	for _, mount := range c.sources.Mountpoints() {
		table.Entries = append(table.Entries, sourcetable.Entry{
			Mountpoint: mount,
			Identifier: mount,
			Format:     "RTCM 3",
		})
	}
	body := table.Render()
	resp := fmt.Sprintf("SOURCETABLE 200 OK\r\nServer: NTRIP Caster\r\nContent-Type: gnss/sourcetable\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	s.QueueOutput([]byte(resp))
	s.CloseWhenDrained()
	nc.Log().Info("sourcetable served", "entries", len(table.Entries))
}
