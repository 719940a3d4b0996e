// Package connection implements the Connection (component E): one instance
// per client transport, demultiplexing incoming protocol frames onto the
// Sessions bound to it, serializing outgoing frames through a single send
// loop, and enforcing soft-close and idle-reaping policies.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arcusdb/realmsync/pkg/auth"
	"github.com/arcusdb/realmsync/pkg/metrics"
	"github.com/arcusdb/realmsync/pkg/protocol"
	"github.com/arcusdb/realmsync/pkg/session"
)

// FileResolver is the same contract session.FileResolver declares,
// re-exported so callers only need to import this package when wiring a
// Connection.
type FileResolver = session.FileResolver

// Config tunes reaper and soft-close timing.
type Config struct {
	HeartbeatTimeout time.Duration
	SoftCloseTimeout time.Duration
}

// Connection demultiplexes one transport onto its bound Sessions (component
// E). It implements session.Enlister.
type Connection struct {
	id        string
	transport protocol.Transport
	resolver  FileResolver
	verifier  auth.Verifier
	metrics   metrics.ConnectionMetrics
	log       *slog.Logger
	cfg       Config

	mu sync.Mutex

	sessions    map[protocol.SessionIdent]*session.Session
	enlisted    []protocol.SessionIdent
	enlistedSet map[protocol.SessionIdent]struct{}

	pendingPongs []protocol.PongMessage

	softClosing     bool
	closeCode       protocol.ErrorCode
	closeReason     string
	closeSessionID  protocol.SessionIdent
	closeErrorSent  bool

	lastActivityAt time.Time

	wake chan struct{}
	done chan struct{}
}

// New constructs a Connection. resolver and verifier are shared across
// every Session the connection creates via BIND.
func New(id string, transport protocol.Transport, resolver FileResolver, verifier auth.Verifier, m metrics.ConnectionMetrics, log *slog.Logger, cfg Config) *Connection {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.SoftCloseTimeout == 0 {
		cfg.SoftCloseTimeout = 5 * time.Second
	}
	return &Connection{
		id:             id,
		transport:      transport,
		resolver:       resolver,
		verifier:       verifier,
		metrics:        m,
		log:            log.With("conn", id),
		cfg:            cfg,
		sessions:       make(map[protocol.SessionIdent]*session.Session),
		enlistedSet:    make(map[protocol.SessionIdent]struct{}),
		lastActivityAt: time.Now(),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Enlist implements session.Enlister: appends ident to the FIFO queue and
// wakes the send loop, unless the connection is soft-closing (in which case
// the enlist queue was already cleared and stays cleared).
func (c *Connection) Enlist(ident protocol.SessionIdent) {
	c.mu.Lock()
	if c.softClosing {
		c.mu.Unlock()
		return
	}
	if _, already := c.enlistedSet[ident]; !already {
		c.enlisted = append(c.enlisted, ident)
		c.enlistedSet[ident] = struct{}{}
	}
	c.mu.Unlock()
	c.wakeSendLoop()
}

// Done returns a channel closed once Run returns.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) wakeSendLoop() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// HandleMessage demultiplexes one incoming frame to the right Session,
// creating a fresh Session on BIND. It updates last_activity_at.
func (c *Connection) HandleMessage(ctx context.Context, msg protocol.IncomingMessage) {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	switch msg.Kind {
	case protocol.KindPing:
		c.handlePing(msg.Ping)
		return
	case protocol.KindBind:
		c.handleBind(ctx, msg.Bind)
		return
	}

	ident := sessionIdentOf(msg)
	c.mu.Lock()
	s, ok := c.sessions[ident]
	c.mu.Unlock()
	if !ok {
		return // stray message for an unknown/already-torn-down session; dropped
	}

	switch msg.Kind {
	case protocol.KindIdent:
		s.HandleIdent(ctx, msg.Ident, c.resolver, c.id)
	case protocol.KindUpload:
		s.HandleUpload(ctx, msg.Upload)
	case protocol.KindMark:
		s.HandleMark(ctx, msg.Mark)
	case protocol.KindUnbind:
		s.HandleUnbind(ctx, msg.Unbind)
		c.forgetIfDone(ident, s)
	}
}

func sessionIdentOf(msg protocol.IncomingMessage) protocol.SessionIdent {
	switch msg.Kind {
	case protocol.KindIdent:
		return msg.Ident.SessionIdent
	case protocol.KindUpload:
		return msg.Upload.SessionIdent
	case protocol.KindMark:
		return msg.Mark.SessionIdent
	case protocol.KindUnbind:
		return msg.Unbind.SessionIdent
	}
	return 0
}

func (c *Connection) handleBind(ctx context.Context, msg *protocol.BindMessage) {
	c.mu.Lock()
	if _, exists := c.sessions[msg.SessionIdent]; exists {
		c.mu.Unlock()
		c.notifyConnectionError(protocol.ErrReuseOfSessionIdent, "session ident reused on this connection")
		return
	}
	s := session.New(msg.SessionIdent, c.id, c, c.log)
	c.sessions[msg.SessionIdent] = s
	c.mu.Unlock()

	s.HandleBind(ctx, msg, c.resolver, c.verifier)
}

// forgetIfDone drops the session from the connection's map once it can no
// longer send or receive anything.
func (c *Connection) forgetIfDone(ident protocol.SessionIdent, s *session.Session) {
	if !s.ReadyForDestruction() {
		return
	}
	c.mu.Lock()
	delete(c.sessions, ident)
	c.mu.Unlock()
}

func (c *Connection) handlePing(msg *protocol.PingMessage) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	if msg.RTT > 0 && c.metrics != nil {
		c.metrics.ObserveRoundTripTime(time.Duration(msg.RTT) * time.Millisecond)
	}
	c.pendingPongs = append(c.pendingPongs, protocol.PongMessage{Timestamp: msg.Timestamp})
	c.mu.Unlock()
	c.wakeSendLoop()
}

// notifyConnectionError drives the whole connection into soft-close:
// clears the pong queue and the enlist queue, records the error, and
// triggers send of a single connection-wide ERROR frame.
func (c *Connection) notifyConnectionError(code protocol.ErrorCode, reason string) {
	c.mu.Lock()
	if c.softClosing {
		c.mu.Unlock()
		return
	}
	c.softClosing = true
	c.closeCode = code
	c.closeReason = reason
	c.closeSessionID = 0
	c.pendingPongs = nil
	c.enlisted = nil
	c.enlistedSet = make(map[protocol.SessionIdent]struct{})
	c.mu.Unlock()
	c.wakeSendLoop()
}

// Run drives the send loop until ctx is cancelled, the transport fails, or
// the connection reaps itself for idleness / completes a soft-close.
func (c *Connection) Run(ctx context.Context) error {
	defer close(c.done)
	reaper := time.NewTicker(c.cfg.HeartbeatTimeout / 2)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reaper.C:
			if c.reapIfIdle() {
				return nil
			}
		case <-c.wake:
			done, err := c.drainSendQueue(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (c *Connection) reapIfIdle() bool {
	c.mu.Lock()
	idle := time.Since(c.lastActivityAt) > c.cfg.HeartbeatTimeout
	c.mu.Unlock()
	if idle {
		c.log.Info("reaping idle connection", "idle_for", c.cfg.HeartbeatTimeout)
		c.transport.Close(int(protocol.ErrConnectionClosed), "idle timeout")
		return true
	}
	return false
}

// drainSendQueue sends everything currently ready to go out: the soft-close
// ERROR frame (once, highest priority), then queued PONGs, then at most one
// frame from the next enlisted session per loop pass. It reports done=true
// once a soft-close's bounded wait has elapsed and the transport has been
// closed.
func (c *Connection) drainSendQueue(ctx context.Context) (done bool, err error) {
	for {
		c.mu.Lock()
		switch {
		case c.softClosing && !c.closeErrorSent:
			code, reason, sessID := c.closeCode, c.closeReason, c.closeSessionID
			c.closeErrorSent = true
			c.mu.Unlock()
			if sendErr := c.transport.SendMessage(ctx, protocol.OutgoingMessage{Kind: protocol.KindError, Error: &protocol.ErrorMessage{
				SessionIdent: sessID,
				ErrorCode:    code,
				Message:      reason,
			}}); sendErr != nil {
				return false, sendErr
			}
			continue

		case c.softClosing:
			c.mu.Unlock()
			timer := time.NewTimer(c.cfg.SoftCloseTimeout)
			<-timer.C
			timer.Stop()
			c.transport.Close(int(c.closeCode), c.closeReason)
			return true, nil

		case len(c.pendingPongs) > 0:
			pong := c.pendingPongs[0]
			c.pendingPongs = c.pendingPongs[1:]
			c.mu.Unlock()
			if sendErr := c.transport.SendMessage(ctx, protocol.OutgoingMessage{Kind: protocol.KindPong, Pong: &pong}); sendErr != nil {
				return false, sendErr
			}
			continue

		case len(c.enlisted) > 0:
			ident := c.enlisted[0]
			c.enlisted = c.enlisted[1:]
			delete(c.enlistedSet, ident)
			s, ok := c.sessions[ident]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if err := c.sendOneSessionTurn(ctx, ident, s); err != nil {
				return false, err
			}
			continue

		default:
			c.mu.Unlock()
			return false, nil
		}
	}
}

func (c *Connection) sendOneSessionTurn(ctx context.Context, ident protocol.SessionIdent, s *session.Session) error {
	msg, hasMore, err := s.SendMessage(ctx)
	if err != nil {
		c.notifyConnectionError(protocol.ErrConnectionClosed, err.Error())
		return nil
	}
	if msg.Ident != nil || msg.Download != nil || msg.Mark != nil || msg.Alloc != nil || msg.Error != nil || msg.Unbound != nil {
		if sendErr := c.transport.SendMessage(ctx, msg); sendErr != nil {
			return sendErr
		}
	}
	if hasMore {
		c.Enlist(ident)
	}
	c.forgetIfDone(ident, s)
	return nil
}
