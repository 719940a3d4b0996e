package session

import (
	"context"

	"github.com/klauspost/compress/zstd"

	"github.com/arcusdb/realmsync/pkg/coordinator"
	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

// SendMessage emits at most one outgoing frame per call, matching the
// source's "a session sends at most one frame per turn" contract. hasMore
// reports whether the session should be re-enlisted immediately for
// another turn (e.g. more history to scan, or more marks pending).
func (s *Session) SendMessage(ctx context.Context) (protocol.OutgoingMessage, bool, error) {
	s.mu.Lock()
	state := s.stateLocked()

	switch state {
	case StateSendError:
		msg := protocol.OutgoingMessage{Kind: protocol.KindError, Error: &protocol.ErrorMessage{
			SessionIdent: s.ident,
			ErrorCode:    s.errorCode,
			Message:      s.errorMessage,
			TryAgain:     s.errorTryAgain,
		}}
		s.errorMessageSent = true
		alreadyUnbound := s.unbindMessageReceived
		s.mu.Unlock()
		if alreadyUnbound {
			s.Detach()
		}
		return msg, false, nil

	case StateWaitForUnbindErr:
		s.mu.Unlock()
		return protocol.OutgoingMessage{}, false, nil

	case StateSendUnbound:
		msg := protocol.OutgoingMessage{Kind: protocol.KindUnbound, Unbound: &protocol.UnboundMessage{SessionIdent: s.ident}}
		s.unboundSent = true
		s.mu.Unlock()
		return msg, false, nil

	case StateAllocatingIdent:
		s.mu.Unlock()
		return protocol.OutgoingMessage{}, false, nil

	case StateSendIdent:
		ident := s.allocatedFileIdent
		s.sendIdentMessage = false
		s.mu.Unlock()
		return protocol.OutgoingMessage{Kind: protocol.KindIdentReply, Ident: &protocol.IdentReply{
			SessionIdent:        s.ident,
			ClientFileIdent:     ident.Ident,
			ClientFileIdentSalt: ident.Salt,
		}}, false, nil

	case StateWaitForUnbind:
		file := s.serverFile
		haveMark := len(s.pendingMarks) > 0 && s.pendingMarks[0].atVersion <= s.downloadProgress.ServerVersion
		s.mu.Unlock()

		if haveMark {
			msg := s.emitMark()
			return msg, s.hasMoreWork(), nil
		}
		if file == nil {
			return protocol.OutgoingMessage{}, false, nil
		}
		return s.continueHistoryScan(ctx, file)

	default:
		s.mu.Unlock()
		return protocol.OutgoingMessage{}, false, nil
	}
}

func (s *Session) emitMark() protocol.OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark := s.pendingMarks[0]
	s.pendingMarks = s.pendingMarks[1:]
	return protocol.OutgoingMessage{Kind: protocol.KindMarkReply, Mark: &protocol.MarkReply{SessionIdent: s.ident, RequestIdent: mark.requestID}}
}

// hasMoreWork reports whether the session should be re-enlisted for
// another SendMessage turn without waiting for an external trigger.
func (s *Session) hasMoreWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingMarks) > 0 && s.pendingMarks[0].atVersion <= s.downloadProgress.ServerVersion {
		return true
	}
	if s.serverFile != nil {
		return s.downloadProgress.ServerVersion < s.serverFile.VersionInfo().SyncVersion.Version || !s.oneDownloadMessageSent
	}
	return false
}

// continueHistoryScan emits at most one DOWNLOAD per turn, capped by the
// configured max download size. A session always sends at least one
// DOWNLOAD in its lifetime, even if the file is empty at bind time.
func (s *Session) continueHistoryScan(ctx context.Context, file *coordinator.File) (protocol.OutgoingMessage, bool, error) {
	s.mu.Lock()
	cfi := s.clientFileIdent
	download := s.downloadProgress
	alreadySent := s.oneDownloadMessageSent
	freshBind := download.ServerVersion == 0 && s.uploadProgress.ClientVersion == 0 && s.uploadThreshold.ClientVersion == 0
	s.mu.Unlock()

	end := file.VersionInfo().SyncVersion
	if alreadySent && download.ServerVersion >= end.Version {
		return protocol.OutgoingMessage{}, false, nil
	}

	if freshBind {
		if cached, ok := file.DownloadCache(); ok {
			out := protocol.OutgoingMessage{Kind: protocol.KindDownload, Download: &protocol.DownloadMessage{
				SessionIdent:      s.ident,
				Progress:          cursor.DownloadCursor{ServerVersion: cached.EndVersion},
				End:               end,
				UploadProgress:    cursor.UploadCursor{},
				DownloadableBytes: int64(len(cached.Body)),
				Body:              cached.Body,
				Compressed:        cached.Compressed,
			}}
			s.mu.Lock()
			s.downloadProgress = cursor.DownloadCursor{ServerVersion: cached.EndVersion}
			s.oneDownloadMessageSent = true
			s.mu.Unlock()
			return out, s.hasMoreWork(), nil
		}
	}

	var chunk history.DownloadChunk
	uploadProgress, stoppedAt, _, _, ok, err := file.Store().FetchDownloadInfo(ctx, cfi, download, end, false, file.MaxDownloadSize(), func(c history.DownloadChunk) error {
		chunk = c
		return nil
	})
	if err != nil {
		return protocol.OutgoingMessage{}, false, err
	}
	if !ok {
		s.NotifySessionError(protocol.ErrClientFileExpired, "client file expired during history scan")
		return protocol.OutgoingMessage{}, false, nil
	}

	body := chunk.Body
	compressed := false
	if int64(len(body)) > file.CompressionMinSize() {
		if packed := encoder.EncodeAll(body, nil); len(packed) < len(body) {
			body = packed
			compressed = true
		}
	}

	s.mu.Lock()
	s.downloadProgress = cursor.DownloadCursor{ServerVersion: stoppedAt, LastIntegratedClientVersion: uploadProgress.ClientVersion}
	s.uploadProgress = uploadProgress
	s.oneDownloadMessageSent = true
	s.mu.Unlock()

	out := protocol.OutgoingMessage{Kind: protocol.KindDownload, Download: &protocol.DownloadMessage{
		SessionIdent:      s.ident,
		Progress:          s.downloadProgress,
		End:               end,
		UploadProgress:    uploadProgress,
		DownloadableBytes: int64(len(chunk.Body)),
		NumChangesets:     chunk.NumChangesets,
		Body:              body,
		Compressed:        compressed,
	}}

	if cfi != 0 && freshBind {
		file.SetDownloadCache(&coordinator.DownloadCacheEntry{EndVersion: stoppedAt, Body: body, Compressed: compressed})
	}

	return out, s.hasMoreWork(), nil
}
