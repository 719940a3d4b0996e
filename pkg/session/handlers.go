package session

import (
	"context"

	"github.com/arcusdb/realmsync/pkg/auth"
	"github.com/arcusdb/realmsync/pkg/coordinator"
	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

// FileResolver gets or creates the File Coordinator for a virtual path and
// reports whether a client file identifier is blacklisted for that path.
// The server root implements this.
type FileResolver interface {
	GetOrCreateFile(ctx context.Context, virtualPath string) (*coordinator.File, error)
	IsBlacklisted(virtualPath string, cfi cursor.FileIdent) bool
	// FindZombie returns a session bound to cfi on a connection other than
	// excludeConn, if any, so it can be terminated as IDENT requires.
	FindZombie(virtualPath string, cfi cursor.FileIdent, excludeConn string) (zombie func(), found bool)
}

// HandleBind processes a BIND message (only valid pre-bind; Sessions are
// constructed freshly per BIND in this implementation, so there is no
// explicit state check here beyond serverFile being nil).
func (s *Session) HandleBind(ctx context.Context, msg *protocol.BindMessage, resolver FileResolver, verifier auth.Verifier) {
	ctx = ctxOrBackground(ctx)

	principal, err := verifier.Verify(ctx, msg.SignedUserToken)
	if err != nil || !verifier.Can(principal, auth.OpBind, msg.Path) {
		s.NotifySessionError(protocol.ErrIllegalRealmPath, "token does not authorize this path")
		return
	}

	file, err := resolver.GetOrCreateFile(ctx, msg.Path)
	if err != nil {
		s.NotifySessionError(protocol.ErrIllegalRealmPath, err.Error())
		return
	}

	s.mu.Lock()
	s.serverFile = file
	s.mu.Unlock()

	file.AddUnidentifiedSession(s)

	if msg.NeedClientFileIdent {
		reqID := file.RequestFileIdent(s)
		s.mu.Lock()
		s.fileIdentRequest = reqID
		s.sendIdentMessage = true
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.sendIdentMessage = true
		s.hasAllocatedIdent = true // nothing to allocate; IDENT can be sent immediately
		s.mu.Unlock()
		s.enlister.Enlist(s.ident)
	}
}

// HandleIdent processes an IDENT message. Only valid in WaitForIdent.
func (s *Session) HandleIdent(ctx context.Context, msg *protocol.IdentMessage, resolver FileResolver, connID string) {
	ctx = ctxOrBackground(ctx)

	s.mu.Lock()
	if s.stateLocked() != StateWaitForIdent {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadMessageOrder, "IDENT received outside WaitForIdent")
		return
	}
	file := s.serverFile
	s.mu.Unlock()

	if file == nil {
		s.NotifySessionError(protocol.ErrBadSessionIdent, "IDENT without a bound file")
		return
	}

	if resolver.IsBlacklisted(file.VirtualPath(), msg.ClientFileIdent) {
		s.NotifySessionError(protocol.ErrClientFileBlacklisted, "client file is blacklisted")
		return
	}

	download := cursor.DownloadCursor{ServerVersion: msg.ScanServerVersion, LastIntegratedClientVersion: msg.ScanClientVersion}
	if !download.IsConsistent() {
		s.NotifySessionError(protocol.ErrBadServerVersion, "inconsistent download cursor")
		return
	}

	outcome, err := file.BootstrapClientSession(ctx, msg.ClientFileIdent,
		download,
		cursor.SaltedVersion{Version: msg.LatestServerVersion, Salt: msg.LatestServerVersionSalt},
		history.ClientTypeNormal)
	if err != nil {
		s.NotifySessionError(protocol.ErrBadChangeset, err.Error())
		return
	}
	if !outcome.Accepted {
		s.NotifySessionError(bootstrapErrorToProtocolError(outcome.Rejected), outcome.Rejected.String())
		return
	}

	if zombie, found := resolver.FindZombie(file.VirtualPath(), msg.ClientFileIdent, connID); found {
		zombie()
	} else if _, bound := file.BoundSession(msg.ClientFileIdent); bound {
		s.NotifySessionError(protocol.ErrBoundInOtherSession, "client file already bound in another session on this connection")
		return
	}

	if err := file.IdentifySession(s, msg.ClientFileIdent); err != nil {
		s.NotifySessionError(protocol.ErrBoundInOtherSession, err.Error())
		return
	}

	s.mu.Lock()
	s.clientFileIdent = msg.ClientFileIdent
	s.downloadProgress = download
	s.uploadProgress = outcome.UploadProgress
	s.uploadThreshold = outcome.UploadProgress
	s.lockedServerVersion = outcome.LockedServerVersion
	s.mu.Unlock()

	s.enlister.Enlist(s.ident)
}

// HandleUpload processes an UPLOAD message. Only valid in WaitForUnbind.
func (s *Session) HandleUpload(ctx context.Context, msg *protocol.UploadMessage) {
	s.mu.Lock()
	if s.stateLocked() != StateWaitForUnbind {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadMessageOrder, "UPLOAD received outside WaitForUnbind")
		return
	}

	progressCV := msg.ProgressClientVersion
	progressSV := msg.ProgressServerVersion
	lockedSV := msg.LockedServerVersion

	if progressCV < s.uploadProgress.ClientVersion {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadClientVersion, "progress client version regressed")
		return
	}
	if progressSV > s.downloadProgress.ServerVersion {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadServerVersion, "progress server version ahead of download cursor")
		return
	}

	reported := cursor.UploadCursor{ClientVersion: progressCV, LastIntegratedServerVersion: progressSV}
	if !reported.IsConsistent() || !cursor.MutuallyConsistentUpload(s.uploadThreshold, reported) || !cursor.MutuallyConsistentUpload(s.uploadProgress, reported) {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadClientVersion, "upload progress not mutually consistent")
		return
	}

	var lastClientVersion cursor.Version
	for i, uc := range msg.Changesets {
		c := uc.UploadCursor
		if i > 0 && c.ClientVersion <= lastClientVersion {
			s.mu.Unlock()
			s.NotifySessionError(protocol.ErrBadChangeset, "changeset client versions not strictly increasing")
			return
		}
		if !c.IsConsistent() || !cursor.MutuallyConsistentUpload(s.uploadThreshold, c) {
			s.mu.Unlock()
			s.NotifySessionError(protocol.ErrBadChangeset, "changeset cursor inconsistent with threshold")
			return
		}
		lastClientVersion = c.ClientVersion
	}
	if len(msg.Changesets) > 0 && lastClientVersion > progressCV {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadChangeset, "last changeset exceeds reported progress")
		return
	}

	if !cursor.LockedVersionValid(s.lockedServerVersion, lockedSV, s.downloadProgress) {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadServerVersion, "locked server version invalid")
		return
	}

	file := s.serverFile
	cfi := s.clientFileIdent
	threshold := s.uploadThreshold.ClientVersion
	s.uploadProgress = reported
	s.lockedServerVersion = lockedSV
	s.mu.Unlock()

	if file == nil {
		return
	}

	if !file.CanAddChangesetsFromDownstream() {
		s.NotifySessionError(protocol.ErrConnectionClosed, "upload backlog exceeded")
		return
	}

	fresh := make([]protocol.Changeset, 0, len(msg.Changesets))
	for _, cs := range msg.Changesets {
		if cs.UploadCursor.ClientVersion <= threshold {
			continue // previously integrated; silently skipped
		}
		fresh = append(fresh, cs)
	}
	if len(fresh) > 0 {
		file.AddChangesetsFromDownstream(cfi, reported, lockedSV, fresh)
	}
	file.RegisterClientAccess(cfi, nowFunc())
}

// HandleMark processes a MARK message: it records a pending
// download-completion notification tied to the session's current download
// progress, emitted once the scan catches up.
func (s *Session) HandleMark(ctx context.Context, msg *protocol.MarkMessage) {
	s.mu.Lock()
	if s.stateLocked() != StateWaitForUnbind {
		s.mu.Unlock()
		s.NotifySessionError(protocol.ErrBadMessageOrder, "MARK received outside WaitForUnbind")
		return
	}
	s.pendingMarks = append(s.pendingMarks, markRequest{requestID: msg.RequestIdent, atVersion: s.downloadProgress.ServerVersion})
	s.mu.Unlock()
	s.enlister.Enlist(s.ident)
}

// HandleUnbind processes an UNBIND message: detach and, if an ERROR has
// already been sent, the session is ready to be destroyed immediately;
// otherwise transition to SendUnbound.
func (s *Session) HandleUnbind(ctx context.Context, msg *protocol.UnbindMessage) {
	s.mu.Lock()
	s.unbindMessageReceived = true
	alreadyErrored := s.errorMessageSent
	s.mu.Unlock()

	s.Detach()

	if !alreadyErrored {
		s.enlister.Enlist(s.ident)
	}
}

// ReadyForDestruction reports whether the connection may drop this session:
// either it sent ERROR and received UNBIND, or it sent UNBOUND already.
func (s *Session) ReadyForDestruction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorMessageSent && s.unbindMessageReceived {
		return true
	}
	return s.unboundSent
}
