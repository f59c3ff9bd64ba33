package core

import (
	"errors"

	"go.uber.org/multierr"
)

// reduceIncomingBytes appends freshly received bytes to the session buffer
// and decodes whatever complete frames are available. The parsed frames
// land in the session's own incoming queue; lastIngestCount lets the paired
// effect know how many IncomingFrame actions to push.
func reduceIncomingBytes(s *State, a Action) {
	c, ok := s.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	c.Mux.Yamux.IngestBytes(a.Bytes)
}

func effectIncomingBytes(d *Dispatcher, a Action) {
	c, ok := d.state.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	for i := 0; i < c.Mux.Yamux.lastIngestCount; i++ {
		d.push(Action{Kind: ActionIncomingFrame, Addr: a.Addr})
	}
	if d.metrics != nil && c.Mux.Yamux.lastIngestCount > 0 {
		d.metrics.FramesParsed.Add(float64(c.Mux.Yamux.lastIngestCount))
	}
	if t := c.Mux.Yamux.Terminated; t != nil {
		d.push(Action{Kind: ActionSessionTerminated, Addr: a.Addr})
	}
}

// reduceIncomingFrame processes exactly one frame off the session's
// incoming queue — the queue itself, not any payload on the action, is the
// sole source of truth (design note, §9).
func reduceIncomingFrame(s *State, a Action) {
	c, ok := s.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	res, handled := c.Mux.Yamux.HandleFrame()
	if !handled {
		return
	}
	if res.NewLogicalOpen != nil {
		c.openLogicalStream(*res.NewLogicalOpen, "", res.NewLogicalIsIn)
	}
	if res.ClosedLogical != nil {
		c.closeLogicalStream(*res.ClosedLogical)
	}
}

func effectIncomingFrame(d *Dispatcher, a Action) {
	c, ok := d.state.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	res, handled := c.Mux.Yamux.lastHandled, c.Mux.Yamux.lastHandledOK
	if !handled {
		return
	}
	for _, frame := range res.Outbound {
		_ = d.transport.Send(a.Addr, frame)
		if d.metrics != nil && frame.Kind.IsWindow {
			d.metrics.WindowRefills.Inc()
		}
	}
	if d.metrics != nil {
		if res.NewLogicalOpen != nil {
			d.metrics.OpenStreams.Inc()
		}
		if res.ClosedLogical != nil {
			d.metrics.OpenStreams.Dec()
		}
	}
	if res.PongOpaque != nil {
		validatePong(d.pings, a.Addr, *res.PongOpaque)
	}
	if res.Delivered != nil && d.onDeliver != nil {
		d.onDeliver(a.Addr, *res.Delivered)
	}
	if res.ConnErr != nil {
		d.push(Action{Kind: ActionConnError, Addr: a.Addr, ConnErr: res.ConnErr})
	}
	if t := c.Mux.Yamux.Terminated; t != nil {
		d.push(Action{Kind: ActionSessionTerminated, Addr: a.Addr})
	}
}

// reduceEmitData performs the outbound SYN/ACK bookkeeping, window
// splitting, and pending-queue enqueue described in §4.2.
func reduceEmitData(s *State, a Action) {
	c, ok := s.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	c.Mux.Yamux.EmitData(a.StreamID, a.Data, a.Flags)
	if a.Flags&FlagFIN != 0 {
		c.closeLogicalStream(a.StreamID)
	}
}

func effectEmitData(d *Dispatcher, a Action) {
	c, ok := d.state.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	res := c.Mux.Yamux.lastEmit
	for _, frame := range res.Sent {
		_ = d.transport.Send(a.Addr, frame)
	}
	if d.metrics != nil {
		d.metrics.PendingBytes.Set(float64(c.Mux.Yamux.totalPendingBytes()))
	}
	if res.ConnErr != nil {
		d.push(Action{Kind: ActionConnError, Addr: a.Addr, ConnErr: res.ConnErr})
	}
}

// reduceOpenStream creates both the Yamux-level and connection-level
// entries for a locally initiated stream.
func reduceOpenStream(s *State, a Action) {
	c, ok := s.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil {
		return
	}
	c.Mux.Yamux.OpenStream(a.StreamID)
	c.openLogicalStream(a.StreamID, "", false)
}

func effectOpenStream(d *Dispatcher, a Action) {
	if d.metrics != nil {
		d.metrics.OpenStreams.Inc()
	}
}

// effectConnError implements the error/termination policy of §4.6 and §7:
// StreamReset/BadWindowUpdate/Overflow are reported up as connection-level
// errors. Overflow and bad-window-update also initiate session teardown
// (they are the two connection errors the spec calls fatal-to-the-session
// in practice, since both indicate the peer can no longer be trusted to
// respect flow control).
func effectConnError(d *Dispatcher, a Action) {
	if a.ConnErr == nil {
		return
	}
	if d.errors != nil {
		d.errors.Observe(a.Addr, a.ConnErr)
	}
	switch a.ConnErr.Kind {
	case ErrOverflow, ErrBadWindowUpdate:
		d.push(Action{Kind: ActionSessionTerminated, Addr: a.Addr})
	case ErrStreamReset:
		// Stream-level only: the rest of the session continues.
	}
}

// effectSessionTerminated queues the session's termination reason (if any)
// with the error policy and flushes it, so the Scheduler tears down the
// transport and purges connection state. The session itself already refuses
// further stream-table work (enforced by YamuxSession.alive()).
func effectSessionTerminated(d *Dispatcher, a Action) {
	c, ok := d.state.connection(a.Addr)
	if !ok || c.Mux == nil || c.Mux.Yamux == nil || d.errors == nil {
		return
	}
	if fatal, reason := classifyTermination(c.Mux.Yamux.Terminated); fatal {
		d.errors.pending[a.Addr] = multierr.Append(d.errors.pending[a.Addr], errors.New(reason))
	}
	d.errors.Flush()
}
