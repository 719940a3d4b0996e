// Package coordinator implements the File Coordinator: the single instance
// per realm file that owns protocol-visible version state, the blocked vs.
// in-flight work queue, the set of sessions bound to the file, and the
// download cache. It is the heart of the synchronization core.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/protocol"
	"github.com/arcusdb/realmsync/pkg/worker"
)

// SessionHandle is the coordinator's borrowed view of a bound session. The
// coordinator never owns a Session; Sessions hold counted references to
// their File, and remove themselves from the maps below before they are
// destroyed.
type SessionHandle interface {
	// SessionIdent returns the connection-scoped session identifier, used
	// only for logging and map bookkeeping.
	SessionIdent() protocol.SessionIdent

	// NotifySessionError drives the session into SendError with the given
	// protocol error. It must not block.
	NotifySessionError(code protocol.ErrorCode, message string)

	// ResumeDownload re-enlists the session to continue its history scan
	// after a new sync version has been published.
	ResumeDownload()
}

// FileIdentReceiver receives the outcome of a file-identifier allocation
// request. Sessions implement this directly; subserver proxy relationships
// are out of scope for the default implementation.
type FileIdentReceiver interface {
	ReceiveFileIdent(ident cursor.SaltedFileIdent)
}

// Metrics reports coordinator-level gauges to the ambient metrics sink. A
// nil Metrics is valid.
type Metrics interface {
	SetOpenFiles(n int)
	SetBlockedBytes(path string, n int64)
	ObserveWorkUnitLatency(path string, d time.Duration)
}

// Config tunes per-file backpressure and compaction behavior.
type Config struct {
	MaxUploadBacklog   int64
	CompactionTTL      time.Duration
	MaxDownloadSize    int64
	CompressionMinSize int64
}

type allocRequest struct {
	requestID int64
	receiver  FileIdentReceiver // nil once cancelled
}

type clientProgress struct {
	uploadProgress      cursor.UploadCursor
	lockedServerVersion cursor.Version
}

type blockedBatch struct {
	clientFileIdent cursor.FileIdent
	changesets      []protocol.Changeset
}

// DownloadCacheEntry is the single cached "fresh client from version 0"
// DOWNLOAD body, keyed by the sync version it reflects.
type DownloadCacheEntry struct {
	EndVersion cursor.Version
	Body       []byte
	Compressed bool
}

// File is the File Coordinator (component C). One instance exists per
// realm file, pinned in the server's registry for the process lifetime.
type File struct {
	virtualPath string
	store       history.Store
	pool        *worker.Pool
	aux         *worker.AuxPool
	metrics     Metrics
	log         *slog.Logger
	cfg         Config

	mu sync.Mutex

	versionInfo history.VersionInfo

	unidentifiedSessions map[SessionHandle]struct{}
	identifiedSessions   map[cursor.FileIdent]SessionHandle

	nextRequestID     int64
	fileIdentRequests []*allocRequest

	blockedChangesets map[cursor.FileIdent][]protocol.Changeset
	blockedBytes      int64
	unblockedBytes    int64

	trackedClientProgress map[cursor.FileIdent]clientProgress
	lastClientAccesses    map[cursor.FileIdent]time.Time

	hasBlockedWork    bool
	hasWorkInProgress bool
	requestCompaction bool
	requestDeletion   bool
	deletionIsOngoing bool
	deletingConns     []chan struct{}

	downloadCache *DownloadCacheEntry

	pendingUnit *workUnit

	onDeleted func() // invoked once, removes this File from the server registry

	onBackupRequested func(virtualPath string) // best-effort; nil disables backups
}

// New constructs a File Coordinator bound to an already-open history.Store.
func New(virtualPath string, store history.Store, pool *worker.Pool, aux *worker.AuxPool, metrics Metrics, log *slog.Logger, cfg Config) *File {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &File{
		virtualPath:           virtualPath,
		store:                 store,
		pool:                  pool,
		aux:                   aux,
		metrics:                metrics,
		log:                   log.With("path", virtualPath),
		cfg:                   cfg,
		unidentifiedSessions:  make(map[SessionHandle]struct{}),
		identifiedSessions:    make(map[cursor.FileIdent]SessionHandle),
		blockedChangesets:     make(map[cursor.FileIdent][]protocol.Changeset),
		trackedClientProgress: make(map[cursor.FileIdent]clientProgress),
		lastClientAccesses:    make(map[cursor.FileIdent]time.Time),
	}
}

// SetOnDeleted registers the callback invoked once perform_file_deletion
// finishes, so the server root can drop this File from its registry.
func (f *File) SetOnDeleted(fn func()) {
	f.mu.Lock()
	f.onDeleted = fn
	f.mu.Unlock()
}

// SetOnBackupRequested registers the callback invoked when history
// integration reports that a whole-realm snapshot should be taken. The
// callback runs off the worker goroutine via the aux pool; fn must not
// block the caller.
func (f *File) SetOnBackupRequested(fn func(virtualPath string)) {
	f.mu.Lock()
	f.onBackupRequested = fn
	f.mu.Unlock()
}

// VirtualPath returns the realm's client-visible name.
func (f *File) VirtualPath() string { return f.virtualPath }

// Activate loads the initial version info from the history store. Callers
// must invoke this once before the File accepts sessions.
func (f *File) Activate(ctx context.Context) error {
	info, _, _, _, err := f.store.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: activate %s: %w", f.virtualPath, err)
	}
	f.mu.Lock()
	f.versionInfo = info
	f.mu.Unlock()
	return nil
}

// -- Public operations (I/O thread) ----------------------------------------

// AddUnidentifiedSession inserts s into the pre-IDENT session set.
func (f *File) AddUnidentifiedSession(s SessionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unidentifiedSessions[s] = struct{}{}
}

// IdentifySession moves s from unidentified to identified_sessions[cfi]. It
// rejects the move if cfi is already bound by another session.
func (f *File) IdentifySession(s SessionHandle, cfi cursor.FileIdent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.identifiedSessions[cfi]; ok && existing != s {
		return fmt.Errorf("coordinator: client file %d already bound", cfi)
	}
	delete(f.unidentifiedSessions, s)
	f.identifiedSessions[cfi] = s
	return nil
}

// RemoveUnidentifiedSession removes s from the pre-IDENT set, a no-op if
// absent.
func (f *File) RemoveUnidentifiedSession(s SessionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unidentifiedSessions, s)
}

// RemoveIdentifiedSession removes the session bound to cfi, a no-op if
// absent or already replaced by another session.
func (f *File) RemoveIdentifiedSession(cfi cursor.FileIdent, s SessionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.identifiedSessions[cfi]; ok && cur == s {
		delete(f.identifiedSessions, cfi)
	}
}

// BoundSession returns the session currently bound to cfi, if any.
func (f *File) BoundSession(cfi cursor.FileIdent) (SessionHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.identifiedSessions[cfi]
	return s, ok
}

// RequestFileIdent appends an allocation request and returns its strictly
// increasing request id. Delivery to receiver happens after the work unit
// that allocates it has been post-processed, in request-id order.
func (f *File) RequestFileIdent(receiver FileIdentReceiver) int64 {
	f.mu.Lock()
	f.nextRequestID++
	id := f.nextRequestID
	f.fileIdentRequests = append(f.fileIdentRequests, &allocRequest{requestID: id, receiver: receiver})
	f.onWorkAddedLocked()
	f.mu.Unlock()
	return id
}

// CancelFileIdentRequest nulls the receiver for requestID; the request's
// slot remains allocated and is reaped (removed from the live set) the next
// time work unblocks. No retry and no error is surfaced for the cancelled
// caller, matching the documented behaviour of the source this was derived
// from.
func (f *File) CancelFileIdentRequest(requestID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.fileIdentRequests {
		if r.requestID == requestID {
			r.receiver = nil
			return
		}
	}
}

// CanAddChangesetsFromDownstream is the sole backpressure knob: true iff
// blocked_bytes is still under the configured upload backlog limit.
func (f *File) CanAddChangesetsFromDownstream() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockedBytes < f.cfg.MaxUploadBacklog
}

// AddChangesetsFromDownstream appends validated inbound changesets to the
// blocked queue for cfi, raises the tracked upload progress and locked
// server version monotonically, and triggers on_work_added.
func (f *File) AddChangesetsFromDownstream(cfi cursor.FileIdent, uploadCursor cursor.UploadCursor, lockedSV cursor.Version, changesets []protocol.Changeset) {
	if len(changesets) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.blockedChangesets[cfi] = append(f.blockedChangesets[cfi], changesets...)
	for _, cs := range changesets {
		f.blockedBytes += int64(len(cs.Body))
	}

	tp := f.trackedClientProgress[cfi]
	if uploadCursor.ClientVersion > tp.uploadProgress.ClientVersion {
		tp.uploadProgress = uploadCursor
	}
	if lockedSV > tp.lockedServerVersion {
		tp.lockedServerVersion = lockedSV
	}
	f.trackedClientProgress[cfi] = tp

	f.metrics.SetBlockedBytes(f.virtualPath, f.blockedBytes)
	f.onWorkAddedLocked()
}

// BootstrapOutcome is the result of BootstrapClientSession.
type BootstrapOutcome struct {
	Accepted            bool
	Rejected            history.BootstrapError
	UploadProgress      cursor.UploadCursor
	LockedServerVersion cursor.Version
}

// BootstrapClientSession validates an IDENT against recorded history and
// returns the authoritative upload progress and locked version, adjusted to
// account for any blocked or in-flight changesets the coordinator already
// holds for cfi but has not yet durably integrated.
func (f *File) BootstrapClientSession(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, serverVersion cursor.SaltedVersion, clientType history.ClientType) (BootstrapOutcome, error) {
	result, rejected, err := f.store.BootstrapClientSession(ctx, cfi, download, serverVersion, clientType, f.log)
	if err != nil {
		return BootstrapOutcome{}, err
	}
	if rejected != history.BootstrapOK {
		return BootstrapOutcome{Rejected: rejected}, nil
	}

	f.mu.Lock()
	tp, ok := f.trackedClientProgress[cfi]
	f.mu.Unlock()

	up := result.UploadProgress
	locked := result.LockedServerVersion
	if ok {
		if tp.uploadProgress.ClientVersion > up.ClientVersion {
			up = tp.uploadProgress
		}
		if tp.lockedServerVersion > locked {
			locked = tp.lockedServerVersion
		}
	}

	return BootstrapOutcome{
		Accepted:            true,
		UploadProgress:      up,
		LockedServerVersion: locked,
	}, nil
}

// RegisterClientAccess records now as the last time cfi touched the file,
// used by the compaction TTL sweep.
func (f *File) RegisterClientAccess(cfi cursor.FileIdent, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastClientAccesses[cfi] = now
}

// CompactionCandidates reports client file identifiers whose last access
// predates now.Add(-ttl); the server root's sweep uses this to decide
// whether to call InitiateCompaction.
func (f *File) CompactionCandidates(now time.Time, ttl time.Duration) []cursor.FileIdent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []cursor.FileIdent
	for cfi, last := range f.lastClientAccesses {
		if now.Sub(last) > ttl {
			stale = append(stale, cfi)
		}
	}
	return stale
}

// requestBackup hands the realm off to the registered backup callback via
// the aux pool, so a slow S3 upload never stalls the primary worker.
func (f *File) requestBackup() {
	f.mu.Lock()
	fn := f.onBackupRequested
	f.mu.Unlock()
	if fn == nil || f.aux == nil {
		return
	}
	f.aux.Add(func(any) error {
		fn(f.virtualPath)
		return nil
	})
}

// InitiateCompaction sets the compaction request flag and triggers work.
func (f *File) InitiateCompaction() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCompaction = true
	f.onWorkAddedLocked()
}

// InitiateDeletion sets the deletion request flag, registers a completion
// channel the caller can wait on, and triggers work.
func (f *File) InitiateDeletion() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	done := make(chan struct{})
	f.deletingConns = append(f.deletingConns, done)
	if !f.deletionIsOngoing {
		f.deletionIsOngoing = true
		f.requestDeletion = true
		f.onWorkAddedLocked()
	}
	return done
}

// RecognizeExternalChange re-reads version info from the history store and,
// if sync_version advanced, re-enlists every bound session to resume its
// download scan.
func (f *File) RecognizeExternalChange(ctx context.Context) error {
	info, _, _, _, err := f.store.GetStatus(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	advanced := info.SyncVersion.Version > f.versionInfo.SyncVersion.Version
	if advanced {
		f.versionInfo = info
	}
	sessions := f.snapshotBoundSessionsLocked()
	f.mu.Unlock()

	if advanced {
		for _, s := range sessions {
			s.ResumeDownload()
		}
	}
	return nil
}

// Stats summarizes the File's state for the admin info surface.
type Stats struct {
	VirtualPath       string
	RealmVersion      cursor.Version
	SyncVersion       cursor.SaltedVersion
	BlockedBytes      int64
	SessionCount      int
	HasWorkInProgress bool
	HasBlockedWork    bool
	DeletionOngoing   bool
}

// Stats returns a point-in-time snapshot for admin endpoints.
func (f *File) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		VirtualPath:       f.virtualPath,
		RealmVersion:      f.versionInfo.RealmVersion,
		SyncVersion:       f.versionInfo.SyncVersion,
		BlockedBytes:      f.blockedBytes,
		SessionCount:      len(f.unidentifiedSessions) + len(f.identifiedSessions),
		HasWorkInProgress: f.hasWorkInProgress,
		HasBlockedWork:    f.hasBlockedWork,
		DeletionOngoing:   f.deletionIsOngoing,
	}
}

// VersionInfo returns the coordinator's current advertised version snapshot.
func (f *File) VersionInfo() history.VersionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versionInfo
}

// Store exposes the underlying history store for read-side scans
// (continue_history_scan in package session calls FetchDownloadInfo
// directly; it does not need to go through the worker since reads do not
// require single-writer discipline).
func (f *File) Store() history.Store { return f.store }

// MaxDownloadSize returns the configured per-turn download scan size cap.
func (f *File) MaxDownloadSize() int64 { return f.cfg.MaxDownloadSize }

// CompressionMinSize returns the configured body size above which a
// DOWNLOAD's body is a candidate for zstd compression.
func (f *File) CompressionMinSize() int64 { return f.cfg.CompressionMinSize }

// DownloadCache returns the cached "fresh client from version 0" DOWNLOAD
// body if it is still valid for the current sync version.
func (f *File) DownloadCache() (*DownloadCacheEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadCache == nil || f.downloadCache.EndVersion != f.versionInfo.SyncVersion.Version {
		return nil, false
	}
	return f.downloadCache, true
}

// SetDownloadCache replaces the cached DOWNLOAD body, discarding any stale
// entry first to bound memory.
func (f *File) SetDownloadCache(entry *DownloadCacheEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCache = nil
	f.downloadCache = entry
}

func (f *File) snapshotBoundSessionsLocked() []SessionHandle {
	out := make([]SessionHandle, 0, len(f.identifiedSessions))
	for _, s := range f.identifiedSessions {
		out = append(out, s)
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) SetOpenFiles(int)                             {}
func (noopMetrics) SetBlockedBytes(string, int64)                {}
func (noopMetrics) ObserveWorkUnitLatency(string, time.Duration) {}
