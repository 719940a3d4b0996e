package coordinator

import (
	"context"
	"time"

	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

// workUnit is m_work: the atomic batch of file-identifier allocations and
// inbound changesets handed from the coordinator to the worker. Between
// hand-off and hand-back it is owned exclusively by the worker goroutine;
// the blocked side (f.blockedChangesets) is owned by the I/O thread.
type workUnit struct {
	fileIdentAllocSlots []*allocRequest
	changesets          map[cursor.FileIdent][]protocol.Changeset

	requestCompaction bool
	requestDeletion   bool

	// Results, populated by Process.
	versionInfo             history.VersionInfo
	producedNewRealmVersion bool
	producedNewSyncVersion  bool
	allocResults            []history.AllocResult
	integrationResult       history.IntegrationResult
	deletionClosed          bool
	err                     error
}

func (u *workUnit) hasPrimaryWork() bool {
	return len(u.fileIdentAllocSlots) > 0 || len(u.changesets) > 0
}

// onWorkAddedLocked implements on_work_added. Callers must hold f.mu.
func (f *File) onWorkAddedLocked() {
	if f.hasWorkInProgress {
		f.hasBlockedWork = true
		return
	}
	f.groupUnblockWorkLocked()
}

// groupUnblockWorkLocked implements group_unblock_work. Callers must hold
// f.mu; it releases nothing itself but may dispatch async work after
// returning.
func (f *File) groupUnblockWorkLocked() {
	unit := &workUnit{
		fileIdentAllocSlots: f.fileIdentRequests,
		changesets:          f.blockedChangesets,
		requestCompaction:   f.requestCompaction,
		requestDeletion:     f.requestDeletion,
	}
	f.fileIdentRequests = nil
	f.blockedChangesets = make(map[cursor.FileIdent][]protocol.Changeset)
	f.blockedBytes = 0
	f.hasBlockedWork = false
	f.hasWorkInProgress = true
	f.pendingUnit = unit

	f.metrics.SetBlockedBytes(f.virtualPath, 0)

	needsWorker := unit.hasPrimaryWork() || unit.requestCompaction || unit.requestDeletion
	if needsWorker {
		f.pool.Enqueue(f)
		return
	}
	// No-op unit: skip the worker entirely and go straight to
	// post-processing, on its own goroutine so callers holding f.mu never
	// re-enter it.
	go f.FinalizeCompletion(context.Background())
}

// Process implements worker.Unit. It runs on the primary worker goroutine
// and must touch nothing the I/O thread owns except the read-only
// changesets map, which it must not mutate.
func (f *File) Process(ctx context.Context) {
	start := time.Now()
	unit := f.pendingUnit

	if unit.requestDeletion {
		if err := f.store.Close(); err != nil {
			f.log.Error("close history store for deletion", "error", err)
		}
		unit.deletionClosed = true
		f.metrics.ObserveWorkUnitLatency(f.virtualPath, time.Since(start))
		return
	}

	if len(unit.fileIdentAllocSlots) > 0 {
		slots := make([]history.AllocSlot, len(unit.fileIdentAllocSlots))
		for i, r := range unit.fileIdentAllocSlots {
			slots[i] = history.AllocSlot{RequestID: r.requestID}
		}
		info, results, err := f.store.AllocateFileIdentifiers(ctx, slots)
		if err != nil {
			unit.err = err
			f.metrics.ObserveWorkUnitLatency(f.virtualPath, time.Since(start))
			return
		}
		unit.versionInfo = info
		unit.allocResults = results
	}

	if len(unit.changesets) > 0 {
		batches := make([]history.ChangesetBatch, 0, len(unit.changesets))
		for cfi, changesets := range unit.changesets {
			hcs := make([]history.Changeset, len(changesets))
			var locked cursor.Version
			for i, cs := range changesets {
				hcs[i] = history.Changeset{UploadCursor: cs.UploadCursor, Body: cs.Body}
			}
			f.mu.Lock()
			if tp, ok := f.trackedClientProgress[cfi]; ok {
				locked = tp.lockedServerVersion
			}
			f.mu.Unlock()
			batches = append(batches, history.ChangesetBatch{
				ClientFileIdent:     cfi,
				LockedServerVersion: locked,
				Changesets:          hcs,
			})
		}

		info, backupWholeRealm, result, produced, err := f.store.IntegrateClientChangesets(ctx, batches, f.log)
		if err != nil {
			unit.err = err
			f.metrics.ObserveWorkUnitLatency(f.virtualPath, time.Since(start))
			return
		}
		if produced {
			unit.versionInfo = info
			unit.producedNewRealmVersion = info.RealmVersion > f.VersionInfo().RealmVersion
			unit.producedNewSyncVersion = true
		}
		unit.integrationResult = result

		if backupWholeRealm {
			f.requestBackup()
		}
	}

	if unit.requestCompaction && !unit.requestDeletion {
		if err := f.store.Compact(ctx); err != nil {
			f.log.Error("compact history store", "error", err)
		}
	}

	f.metrics.ObserveWorkUnitLatency(f.virtualPath, time.Since(start))
}

// FinalizeCompletion runs finalize_work_stage_{1,2,3} on the goroutine
// playing the role of the I/O thread (the server root's completion
// dispatcher, or a dedicated goroutine for a no-op unit). It merges the worker's results
// back into coordinator state and, if more work blocked up while the
// worker ran, loops back into group_unblock_work.
func (f *File) FinalizeCompletion(ctx context.Context) {
	f.mu.Lock()
	unit := f.pendingUnit
	f.pendingUnit = nil
	f.mu.Unlock()

	if unit == nil {
		return
	}

	sessionsToNotify := f.finalizeStage1(unit)
	for cfi, ee := range sessionsToNotify {
		if s, ok := f.BoundSession(cfi); ok {
			s.NotifySessionError(bootstrapErrorToProtocolError(ee.Code), ee.Message)
		}
	}

	resume := f.finalizeStage2(unit)
	for _, s := range resume {
		s.ResumeDownload()
	}

	if unit.requestDeletion {
		f.finalizeStage3Deletion()
		return
	}

	f.mu.Lock()
	f.hasWorkInProgress = false
	loop := f.hasBlockedWork
	if loop {
		f.groupUnblockWorkLocked()
	}
	f.mu.Unlock()
}

// finalizeStage1 decrements pending-bytes bookkeeping (already zeroed at
// drain time) and returns the set of client files excluded from
// integration, each needing its bound session driven through the
// session-level error path.
func (f *File) finalizeStage1(unit *workUnit) map[cursor.FileIdent]history.ExtendedIntegrationError {
	if unit.requestCompaction && !unit.requestDeletion {
		// Compaction already ran inline on the worker goroutine in
		// Process; nothing further to do here. A production build that
		// requires exclusive access strictly from the I/O thread would
		// move the Compact() call here instead.
		f.mu.Lock()
		f.requestCompaction = false
		f.mu.Unlock()
	}
	return unit.integrationResult.ExcludedClientFiles
}

// finalizeStage2 publishes any new version, delivers allocated file
// identifiers in request order, and reports which sessions must resume
// their download scan.
func (f *File) finalizeStage2(unit *workUnit) []SessionHandle {
	f.mu.Lock()

	if unit.producedNewRealmVersion || unit.versionInfo.RealmVersion > f.versionInfo.RealmVersion {
		f.versionInfo = unit.versionInfo
	}

	for i, r := range unit.fileIdentAllocSlots {
		if r.receiver == nil {
			continue // cancelled; identifier silently dropped
		}
		if i < len(unit.allocResults) {
			ident := unit.allocResults[i].Ident
			receiver := r.receiver
			f.mu.Unlock()
			receiver.ReceiveFileIdent(ident)
			f.mu.Lock()
		}
	}

	var resume []SessionHandle
	if unit.producedNewSyncVersion {
		resume = f.snapshotBoundSessionsLocked()
	}
	f.mu.Unlock()
	return resume
}

// finalizeStage3Deletion drives every bound session through
// server_file_deleted, deletes the file via the caller-supplied hook, wakes
// any HTTP waiters on deleting_connections, and removes the file from the
// registry.
func (f *File) finalizeStage3Deletion() {
	f.mu.Lock()
	sessions := f.snapshotBoundSessionsLocked()
	for s := range f.unidentifiedSessions {
		sessions = append(sessions, s)
	}
	waiters := f.deletingConns
	f.deletingConns = nil
	onDeleted := f.onDeleted
	f.mu.Unlock()

	for _, s := range sessions {
		s.NotifySessionError(protocol.ErrServerFileDeleted, "realm file deleted")
	}

	if onDeleted != nil {
		onDeleted()
	}
	for _, w := range waiters {
		close(w)
	}
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
