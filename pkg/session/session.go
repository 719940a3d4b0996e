// Package session implements the per-binding protocol state machine: it
// validates incoming cursors against the File Coordinator's authoritative
// state and schedules outgoing DOWNLOAD/IDENT/MARK/ERROR/UNBOUND
// frames.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arcusdb/realmsync/pkg/coordinator"
	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

// nowFunc is overridden in tests that need deterministic timestamps.
var nowFunc = time.Now

// State is the session's protocol state, computed from its flags rather
// than stored directly, matching the source's implicit state encoding.
type State int

const (
	StateAllocatingIdent State = iota
	StateSendIdent
	StateWaitForIdent
	StateWaitForUnbind
	StateSendError
	StateWaitForUnbindErr
	StateSendUnbound
)

func (s State) String() string {
	switch s {
	case StateAllocatingIdent:
		return "AllocatingIdent"
	case StateSendIdent:
		return "SendIdent"
	case StateWaitForIdent:
		return "WaitForIdent"
	case StateWaitForUnbind:
		return "WaitForUnbind"
	case StateSendError:
		return "SendError"
	case StateWaitForUnbindErr:
		return "WaitForUnbindErr"
	case StateSendUnbound:
		return "SendUnbound"
	default:
		return "Unknown"
	}
}

// Enlister is the connection-side intrusive FIFO queue of sessions with
// outgoing work. Connection implements this.
type Enlister interface {
	Enlist(ident protocol.SessionIdent)
}

type markRequest struct {
	requestID int64
	atVersion cursor.Version
}

// Session is the per-binding protocol state machine (component D).
type Session struct {
	mu sync.Mutex

	ident     protocol.SessionIdent
	connID    string
	enlister  Enlister
	log       *slog.Logger

	serverFile *coordinator.File // nulled on deactivation

	clientFileIdent     cursor.FileIdent
	fileIdentRequest    int64
	allocatedFileIdent  cursor.SaltedFileIdent
	hasAllocatedIdent   bool

	downloadProgress cursor.DownloadCursor
	uploadProgress   cursor.UploadCursor
	uploadThreshold  cursor.UploadCursor
	lockedServerVersion cursor.Version

	pendingMarks []markRequest

	sendIdentMessage       bool
	unbindMessageReceived  bool
	errorCode              protocol.ErrorCode
	errorMessage           string
	errorTryAgain          bool
	errorMessageSent       bool
	oneDownloadMessageSent bool
	unboundSent            bool
}

// New constructs a Session bound to no file yet (pre-BIND). connID is the
// owning Connection's identifier, recorded so other sessions on other
// connections can be recognized as zombies when a client file is rebound.
func New(ident protocol.SessionIdent, connID string, enlister Enlister, log *slog.Logger) *Session {
	return &Session{
		ident:    ident,
		connID:   connID,
		enlister: enlister,
		log:      log.With("session", int64(ident)),
	}
}

// ConnID returns the identifier of the Connection that created this
// Session.
func (s *Session) ConnID() string { return s.connID }

var _ coordinator.SessionHandle = (*Session)(nil)
var _ coordinator.FileIdentReceiver = (*Session)(nil)

// SessionIdent implements coordinator.SessionHandle.
func (s *Session) SessionIdent() protocol.SessionIdent { return s.ident }

// State computes the session's current protocol state from its flags.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.errorCode != 0 && s.errorMessageSent:
		return StateWaitForUnbindErr
	case s.errorCode != 0:
		return StateSendError
	case s.unbindMessageReceived:
		return StateSendUnbound
	case s.clientFileIdent != 0:
		return StateWaitForUnbind
	case s.sendIdentMessage && !s.hasAllocatedIdent:
		return StateAllocatingIdent
	case s.sendIdentMessage && s.hasAllocatedIdent:
		return StateSendIdent
	default:
		return StateWaitForIdent
	}
}

// NotifySessionError implements coordinator.SessionHandle: it drives the
// session into SendError and enlists it to emit one ERROR frame. Session-
// level errors never poison the connection.
func (s *Session) NotifySessionError(code protocol.ErrorCode, message string) {
	s.mu.Lock()
	if s.errorCode == 0 {
		s.errorCode = code
		s.errorMessage = message
		s.errorTryAgain = code == protocol.ErrConnectionClosed
		s.log.Info("session entering SendError", "error_code", code.String(), "message", message)
	}
	s.mu.Unlock()
	s.enlister.Enlist(s.ident)
}

// ReceiveFileIdent implements coordinator.FileIdentReceiver: it stages the
// allocated identifier for delivery as the outgoing IDENT frame.
func (s *Session) ReceiveFileIdent(ident cursor.SaltedFileIdent) {
	s.mu.Lock()
	s.allocatedFileIdent = ident
	s.hasAllocatedIdent = true
	s.mu.Unlock()
	s.enlister.Enlist(s.ident)
}

// ResumeDownload implements coordinator.SessionHandle: re-enlist to
// continue the history scan after a new sync version has been published.
func (s *Session) ResumeDownload() {
	s.enlister.Enlist(s.ident)
}

// detachLocked clears the server file reference. Callers must hold s.mu.
func (s *Session) detachLocked() {
	if s.serverFile == nil {
		return
	}
	if s.clientFileIdent != 0 {
		s.serverFile.RemoveIdentifiedSession(s.clientFileIdent, s)
	} else {
		s.serverFile.RemoveUnidentifiedSession(s)
	}
	s.serverFile = nil
}

// Detach removes the session from its bound File Coordinator, if any. It is
// safe to call more than once and must be called before the owning
// Connection drops its reference to the session.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
}

func bootstrapErrorToProtocolError(e history.BootstrapError) protocol.ErrorCode {
	switch e {
	case history.BootstrapClientFileExpired:
		return protocol.ErrClientFileExpired
	case history.BootstrapBadClientFileIdent:
		return protocol.ErrBadClientFileIdent
	case history.BootstrapBadClientFileIdentSalt:
		return protocol.ErrDivergingHistories
	case history.BootstrapBadDownloadServerVersion:
		return protocol.ErrBadServerVersion
	case history.BootstrapBadDownloadClientVersion:
		return protocol.ErrBadClientVersion
	case history.BootstrapBadServerVersion:
		return protocol.ErrBadServerVersion
	case history.BootstrapBadServerVersionSalt:
		return protocol.ErrDivergingHistories
	case history.BootstrapBadClientType:
		return protocol.ErrBadClientFileIdent
	default:
		return protocol.ErrBadChangeset
	}
}

// ctxOrBackground returns ctx if non-nil, else context.Background(). The
// connection always supplies a real context; tests sometimes don't.
func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
