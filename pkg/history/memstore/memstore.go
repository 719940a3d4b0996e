// Package memstore provides an in-memory history.Store fake used by the
// server and admin tests so they do not depend on the filesystem.
package memstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
)

type clientFile struct {
	salt                cursor.Salt
	uploadProgress      cursor.UploadCursor
	lockedServerVersion cursor.Version
	clientType          history.ClientType
	seen                bool
}

type changeset struct {
	clientFileIdent cursor.FileIdent
	body            []byte
}

// Store is a goroutine-safe, in-memory history.Store.
type Store struct {
	mu sync.Mutex

	realmVersion cursor.Version
	syncVersion  cursor.SaltedVersion
	nextIdent    int64

	clientFiles map[cursor.FileIdent]*clientFile
	changesets  map[cursor.Version]changeset

	// RejectBootstrap, when set, is returned verbatim by the next
	// BootstrapClientSession call and then cleared, so a caller can
	// exercise the bootstrap-error mapping table.
	RejectBootstrap history.BootstrapError
}

var _ history.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		clientFiles: make(map[cursor.FileIdent]*clientFile),
		changesets:  make(map[cursor.Version]changeset),
	}
}

func (s *Store) GetStatus(ctx context.Context) (history.VersionInfo, bool, cursor.FileIdent, cursor.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return history.VersionInfo{RealmVersion: s.realmVersion, SyncVersion: s.syncVersion}, false, 0, 0, nil
}

func (s *Store) BootstrapClientSession(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, serverVersion cursor.SaltedVersion, clientType history.ClientType, log *slog.Logger) (history.BootstrapResult, history.BootstrapError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RejectBootstrap != history.BootstrapOK {
		reject := s.RejectBootstrap
		s.RejectBootstrap = history.BootstrapOK
		return history.BootstrapResult{}, reject, nil
	}

	cf, ok := s.clientFiles[cfi]
	if !ok {
		return history.BootstrapResult{}, history.BootstrapOK, nil
	}
	if serverVersion.Salt != 0 && s.syncVersion.Salt != 0 && serverVersion.Salt != s.syncVersion.Salt && serverVersion.Version != 0 {
		return history.BootstrapResult{}, history.BootstrapBadServerVersionSalt, nil
	}
	if download.ServerVersion > s.syncVersion.Version {
		return history.BootstrapResult{}, history.BootstrapBadDownloadServerVersion, nil
	}
	if cf.clientType != clientType {
		return history.BootstrapResult{}, history.BootstrapBadClientType, nil
	}

	return history.BootstrapResult{
		UploadProgress:      cf.uploadProgress,
		LockedServerVersion: cf.lockedServerVersion,
	}, history.BootstrapOK, nil
}

func (s *Store) IntegrateClientChangesets(ctx context.Context, batches []history.ChangesetBatch, log *slog.Logger) (history.VersionInfo, bool, history.IntegrationResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := history.IntegrationResult{ExcludedClientFiles: map[cursor.FileIdent]history.ExtendedIntegrationError{}}
	var produced bool

	for _, batch := range batches {
		cf := s.clientFiles[batch.ClientFileIdent]
		if cf == nil {
			cf = &clientFile{}
			s.clientFiles[batch.ClientFileIdent] = cf
		}

		for _, cs := range batch.Changesets {
			if cs.UploadCursor.ClientVersion <= cf.uploadProgress.ClientVersion {
				continue
			}
			s.realmVersion++
			s.syncVersion.Version++
			s.syncVersion.Salt++
			s.changesets[s.syncVersion.Version] = changeset{clientFileIdent: batch.ClientFileIdent, body: cs.Body}
			cf.uploadProgress = cursor.UploadCursor{
				ClientVersion:               cs.UploadCursor.ClientVersion,
				LastIntegratedServerVersion: cs.UploadCursor.LastIntegratedServerVersion,
			}
			produced = true
			result.IntegratedChangesets++
		}
		cf.lockedServerVersion = batch.LockedServerVersion
	}

	return history.VersionInfo{RealmVersion: s.realmVersion, SyncVersion: s.syncVersion}, false, result, produced, nil
}

func (s *Store) AllocateFileIdentifiers(ctx context.Context, slots []history.AllocSlot) (history.VersionInfo, []history.AllocResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]history.AllocResult, 0, len(slots))
	for _, slot := range slots {
		s.nextIdent++
		ident := cursor.FileIdent(s.nextIdent)
		salt := cursor.Salt(s.nextIdent * 97)
		s.clientFiles[ident] = &clientFile{salt: salt, clientType: history.ClientTypeNormal}
		results = append(results, history.AllocResult{RequestID: slot.RequestID, Ident: cursor.SaltedFileIdent{Ident: ident, Salt: salt}})
	}
	return history.VersionInfo{RealmVersion: s.realmVersion, SyncVersion: s.syncVersion}, results, nil
}

func (s *Store) FetchDownloadInfo(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, endVersion cursor.SaltedVersion, disableCompaction bool, maxSize int64, handler history.DownloadHandler) (cursor.UploadCursor, cursor.Version, int64, int64, bool, error) {
	s.mu.Lock()
	cf, ok := s.clientFiles[cfi]
	if !ok {
		s.mu.Unlock()
		return cursor.UploadCursor{}, 0, 0, 0, false, nil
	}
	uploadProgress := cf.uploadProgress

	var body []byte
	var num int
	stoppedAt := endVersion.Version
	for v := download.ServerVersion + 1; v <= endVersion.Version; v++ {
		cs, ok := s.changesets[v]
		if !ok || cs.clientFileIdent == cfi {
			continue
		}
		body = append(body, cs.body...)
		num++
		if int64(len(body)) >= maxSize && maxSize > 0 {
			stoppedAt = v
			break
		}
	}
	s.mu.Unlock()

	if err := handler(history.DownloadChunk{Body: body, NumChangesets: num}); err != nil {
		return cursor.UploadCursor{}, 0, 0, 0, false, err
	}
	return uploadProgress, stoppedAt, int64(len(body)), int64(len(body)), true, nil
}

func (s *Store) Compact(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }
