// Package history declares the provider contract for the on-disk history
// engine that backs one realm file. The core coordinates access to a Store
// but never implements the storage format itself; package boltstore
// supplies a concrete, runnable implementation.
package history

import (
	"context"
	"log/slog"

	"github.com/arcusdb/realmsync/pkg/cursor"
)

// ClientType distinguishes ordinary clients from subservers relaying
// changes on behalf of a downstream tier.
type ClientType int

const (
	ClientTypeNormal ClientType = iota
	ClientTypeSubserver
)

// VersionInfo is the latest snapshot a Store advertises: the realm-wide
// version and the sync_version (with its salt) derived from it.
type VersionInfo struct {
	RealmVersion cursor.Version
	SyncVersion  cursor.SaltedVersion
}

// BootstrapError enumerates the ways bootstrap_client_session can reject an
// IDENT, mapped by the session layer onto wire ErrorCodes.
type BootstrapError int

const (
	BootstrapOK BootstrapError = iota
	BootstrapClientFileExpired
	BootstrapBadClientFileIdent
	BootstrapBadClientFileIdentSalt
	BootstrapBadDownloadServerVersion
	BootstrapBadDownloadClientVersion
	BootstrapBadServerVersion
	BootstrapBadServerVersionSalt
	BootstrapBadClientType
)

func (e BootstrapError) String() string {
	switch e {
	case BootstrapOK:
		return "ok"
	case BootstrapClientFileExpired:
		return "client_file_expired"
	case BootstrapBadClientFileIdent:
		return "bad_client_file_ident"
	case BootstrapBadClientFileIdentSalt:
		return "bad_client_file_ident_salt"
	case BootstrapBadDownloadServerVersion:
		return "bad_download_server_version"
	case BootstrapBadDownloadClientVersion:
		return "bad_download_client_version"
	case BootstrapBadServerVersion:
		return "bad_server_version"
	case BootstrapBadServerVersionSalt:
		return "bad_server_version_salt"
	case BootstrapBadClientType:
		return "bad_client_type"
	default:
		return "unknown_bootstrap_error"
	}
}

// BootstrapResult carries the authoritative upload progress and locked
// version computed by bootstrap_client_session, adjusted to account for any
// blocked or in-flight data the server already holds for the client file.
type BootstrapResult struct {
	UploadProgress      cursor.UploadCursor
	LockedServerVersion cursor.Version
}

// AllocSlot is one pending client-file-identifier allocation request handed
// to the history store during a work unit.
type AllocSlot struct {
	RequestID int64
}

// AllocResult is the identifier produced for one AllocSlot.
type AllocResult struct {
	RequestID int64
	Ident     cursor.SaltedFileIdent
}

// ExtendedIntegrationError reports why one client file's changesets were
// excluded from an integration batch.
type ExtendedIntegrationError struct {
	Code    BootstrapError
	Message string
}

// ChangesetBatch is one client file's contribution to a work unit: its
// ordered, already-validated changesets and the locked server version it
// reported.
type ChangesetBatch struct {
	ClientFileIdent     cursor.FileIdent
	LockedServerVersion cursor.Version
	Changesets          []Changeset
}

// Changeset is the history-store-facing view of one changeset: an opaque
// body plus the cursor it advances.
type Changeset struct {
	UploadCursor cursor.UploadCursor
	Body         []byte
}

// IntegrationResult reports the outcome of integrating a work unit's
// changesets: which were folded into history and which client files were
// excluded along with why.
type IntegrationResult struct {
	IntegratedChangesets int
	ExcludedClientFiles  map[cursor.FileIdent]ExtendedIntegrationError
}

// DownloadChunk is one piece of a pull-style download scan, delivered to
// the handler passed to FetchDownloadInfo.
type DownloadChunk struct {
	Body          []byte
	NumChangesets int
}

// DownloadHandler receives successive DownloadChunks from FetchDownloadInfo
// until the scan reaches EndVersion or the size budget is exhausted.
type DownloadHandler func(chunk DownloadChunk) error

// Store is the provider contract for one realm file's on-disk history
// engine. All methods may be called concurrently except where documented;
// the coordinator enforces single-writer discipline by only ever calling
// the mutating methods from its worker hand-off.
type Store interface {
	// GetStatus reports the current version info, whether the store has an
	// upstream (subserver relationship), and any file identifier allocation
	// left in a partial state by a prior crash.
	GetStatus(ctx context.Context) (info VersionInfo, hasUpstream bool, partialFileIdent cursor.FileIdent, partialProgress cursor.Version, err error)

	// BootstrapClientSession validates an IDENT's claimed cursors against
	// recorded history for cfi and computes the authoritative upload
	// progress and locked version for the joining session.
	BootstrapClientSession(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, serverVersion cursor.SaltedVersion, clientType ClientType, log *slog.Logger) (BootstrapResult, BootstrapError, error)

	// IntegrateClientChangesets folds a work unit's changesets into history,
	// returning the resulting version info, whether a whole-realm backup
	// should be triggered, and the per-client-file integration result. The
	// returned produced flag is true when integration advanced the realm
	// version. batches must not be mutated by the caller after this call
	// returns false (bootstrap paths continue reading it concurrently).
	IntegrateClientChangesets(ctx context.Context, batches []ChangesetBatch, log *slog.Logger) (info VersionInfo, backupWholeRealm bool, result IntegrationResult, produced bool, err error)

	// AllocateFileIdentifiers allocates one SaltedFileIdent per slot, in
	// slot order, and reports the version info after allocation.
	AllocateFileIdentifiers(ctx context.Context, slots []AllocSlot) (info VersionInfo, results []AllocResult, err error)

	// FetchDownloadInfo scans history for cfi from download.ServerVersion
	// up to endVersion, invoking handler with successive chunks bounded by
	// maxSize bytes, and reports the authoritative upload progress as of
	// the scan. stoppedAtVersion is the last version actually covered by
	// the scan: endVersion.Version if the whole range was consumed, or an
	// earlier version if maxSize cut the scan short — callers must advance
	// download_progress.server_version only to stoppedAtVersion, not
	// endVersion.Version, or changesets between the two are silently
	// skipped. It returns ok=false if the client file expired mid-call.
	FetchDownloadInfo(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, endVersion cursor.SaltedVersion, disableCompaction bool, maxSize int64, handler DownloadHandler) (uploadProgress cursor.UploadCursor, stoppedAtVersion cursor.Version, cumulativeBytesCurrent, cumulativeBytesTotal int64, ok bool, err error)

	// Compact closes the file, runs a vacuum/compaction pass, and reopens
	// it. The coordinator calls it from the primary worker goroutine;
	// read-side scans through File.Store() are not paused while it runs.
	Compact(ctx context.Context) error

	// Close releases all resources held by the store. Called once, from
	// the worker, as the first step of file deletion.
	Close() error
}

// Provider opens or creates the Store backing one virtual path's realm
// file, rooted at a filesystem path the caller has already validated.
type Provider interface {
	Open(ctx context.Context, realFilePath string) (Store, error)
}
