// Package boltstore is the default, runnable history.Store implementation,
// backed by a single go.etcd.io/bbolt file per realm. bbolt's single-writer,
// many-reader transaction model is a direct structural match for "one
// worker thread writes, readers proceed concurrently".
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
)

var (
	bucketVersions    = []byte("versions")
	bucketChangesets  = []byte("changesets")
	bucketClientFiles = []byte("client_files")
	bucketIdents      = []byte("idents")
)

var (
	keyRealmVersion = []byte("realm_version")
	keySyncVersion  = []byte("sync_version")
	keySyncSalt     = []byte("sync_salt")
	keyNextIdent    = []byte("next_ident")
)

// clientFileRecord is the persisted bootstrap state for one client file
// identifier: the cursors the server last recorded for it.
type clientFileRecord struct {
	Salt                cursor.Salt
	UploadProgress      cursor.UploadCursor
	LockedServerVersion cursor.Version
	ClientType          history.ClientType
}

// changesetRecord is one integrated changeset, keyed by its big-endian
// sync version so FetchDownloadInfo can scan a
// contiguous version range in key order.
type changesetRecord struct {
	ClientFileIdent cursor.FileIdent
	Body            []byte
}

// Provider opens Store instances rooted at a filesystem path already
// validated by pkg/realmpath.
type Provider struct{}

// NewProvider constructs the default bbolt-backed Provider.
func NewProvider() *Provider { return &Provider{} }

// Open opens (creating if absent) the bbolt file at realFilePath and
// ensures its bucket layout exists.
func (Provider) Open(ctx context.Context, realFilePath string) (history.Store, error) {
	db, err := bolt.Open(realFilePath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", realFilePath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketVersions, bucketChangesets, bucketClientFiles, bucketIdents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: realFilePath}, nil
}

// Store is a bbolt-backed history.Store for a single realm file. All
// mutating methods are serialized by bbolt's single-writer transactions;
// the coordinator additionally guarantees only the worker thread calls them.
type Store struct {
	db   *bolt.DB
	path string

	mu sync.Mutex // unused; keyNextIdent is read and written inside each bbolt transaction
}

var _ history.Store = (*Store)(nil)

func (s *Store) GetStatus(ctx context.Context) (history.VersionInfo, bool, cursor.FileIdent, cursor.Version, error) {
	var info history.VersionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		info.RealmVersion = readVersion(b, keyRealmVersion)
		info.SyncVersion = cursor.SaltedVersion{
			Version: readVersion(b, keySyncVersion),
			Salt:    cursor.Salt(readInt64(b, keySyncSalt)),
		}
		return nil
	})
	if err != nil {
		return history.VersionInfo{}, false, 0, 0, err
	}
	// Subserver relationships and crash-recovery partial allocations are
	// out of scope for the default store; no upstream, no partial state.
	return info, false, 0, 0, nil
}

func (s *Store) BootstrapClientSession(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, serverVersion cursor.SaltedVersion, clientType history.ClientType, log *slog.Logger) (history.BootstrapResult, history.BootstrapError, error) {
	var (
		result history.BootstrapResult
		reject history.BootstrapError
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		cf, ok, err := getClientFile(tx, cfi)
		if err != nil {
			return err
		}

		vb := tx.Bucket(bucketVersions)
		currentSync := cursor.SaltedVersion{
			Version: readVersion(vb, keySyncVersion),
			Salt:    cursor.Salt(readInt64(vb, keySyncSalt)),
		}

		if !ok {
			// First time we see this client file: trust the claimed
			// salt and start its upload progress at zero.
			result = history.BootstrapResult{
				UploadProgress:      cursor.UploadCursor{ClientVersion: 0, LastIntegratedServerVersion: 0},
				LockedServerVersion: 0,
			}
			return nil
		}

		if serverVersion.Salt != 0 && currentSync.Salt != 0 && serverVersion.Salt != currentSync.Salt && serverVersion.Version != 0 {
			reject = history.BootstrapBadServerVersionSalt
			return nil
		}
		if download.ServerVersion > currentSync.Version {
			reject = history.BootstrapBadDownloadServerVersion
			return nil
		}
		if download.LastIntegratedClientVersion > cf.UploadProgress.ClientVersion {
			reject = history.BootstrapBadDownloadClientVersion
			return nil
		}
		if cf.ClientType != clientType {
			reject = history.BootstrapBadClientType
			return nil
		}

		result = history.BootstrapResult{
			UploadProgress:      cf.UploadProgress,
			LockedServerVersion: cf.LockedServerVersion,
		}
		return nil
	})
	if err != nil {
		return history.BootstrapResult{}, history.BootstrapOK, err
	}
	if reject != history.BootstrapOK {
		return history.BootstrapResult{}, reject, nil
	}
	return result, history.BootstrapOK, nil
}

func (s *Store) IntegrateClientChangesets(ctx context.Context, batches []history.ChangesetBatch, log *slog.Logger) (history.VersionInfo, bool, history.IntegrationResult, bool, error) {
	result := history.IntegrationResult{ExcludedClientFiles: map[cursor.FileIdent]history.ExtendedIntegrationError{}}
	var info history.VersionInfo
	var produced bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVersions)
		realmVersion := readVersion(vb, keyRealmVersion)
		syncVersion := readVersion(vb, keySyncVersion)

		for _, batch := range batches {
			cf, _, err := getClientFile(tx, batch.ClientFileIdent)
			if err != nil {
				return err
			}

			for _, cs := range batch.Changesets {
				if cs.UploadCursor.ClientVersion <= cf.UploadProgress.ClientVersion {
					// Already integrated; silently skip (duplicate upload).
					continue
				}
				realmVersion++
				syncVersion++

				key := changesetKey(syncVersion)
				rec := changesetRecord{ClientFileIdent: batch.ClientFileIdent, Body: cs.Body}
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := tx.Bucket(bucketChangesets).Put(key, data); err != nil {
					return err
				}

				cf.UploadProgress = cursor.UploadCursor{
					ClientVersion:               cs.UploadCursor.ClientVersion,
					LastIntegratedServerVersion: cs.UploadCursor.LastIntegratedServerVersion,
				}
				produced = true
				result.IntegratedChangesets++
			}

			cf.LockedServerVersion = batch.LockedServerVersion
			if err := putClientFile(tx, batch.ClientFileIdent, cf); err != nil {
				return err
			}
		}

		if produced {
			writeVersion(vb, keyRealmVersion, realmVersion)
			writeVersion(vb, keySyncVersion, syncVersion)
			// Re-salt on every advance so a concurrently bootstrapping
			// client observes a fresh, collision-resistant tag.
			writeInt64(vb, keySyncSalt, int64(syncVersion)*2654435761+1)
		}

		info = history.VersionInfo{
			RealmVersion: readVersion(vb, keyRealmVersion),
			SyncVersion: cursor.SaltedVersion{
				Version: readVersion(vb, keySyncVersion),
				Salt:    cursor.Salt(readInt64(vb, keySyncSalt)),
			},
		}
		return nil
	})
	if err != nil {
		return history.VersionInfo{}, false, history.IntegrationResult{}, false, err
	}

	// backup_whole_realm is a storage-engine policy decision; the default
	// store never requests it, leaving the decision to an operator-driven
	// periodic snapshot instead (see pkg/backup).
	return info, false, result, produced, nil
}

func (s *Store) AllocateFileIdentifiers(ctx context.Context, slots []history.AllocSlot) (history.VersionInfo, []history.AllocResult, error) {
	var info history.VersionInfo
	results := make([]history.AllocResult, 0, len(slots))

	err := s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(bucketIdents)
		next := readInt64(ib, keyNextIdent)

		for _, slot := range slots {
			next++
			salt := cursor.Salt(next*2654435761 + 12345)
			ident := cursor.FileIdent(next)
			results = append(results, history.AllocResult{
				RequestID: slot.RequestID,
				Ident:     cursor.SaltedFileIdent{Ident: ident, Salt: salt},
			})

			cf := clientFileRecord{Salt: salt, ClientType: history.ClientTypeNormal}
			if err := putClientFile(tx, ident, cf); err != nil {
				return err
			}
		}
		writeInt64(ib, keyNextIdent, next)

		vb := tx.Bucket(bucketVersions)
		info = history.VersionInfo{
			RealmVersion: readVersion(vb, keyRealmVersion),
			SyncVersion: cursor.SaltedVersion{
				Version: readVersion(vb, keySyncVersion),
				Salt:    cursor.Salt(readInt64(vb, keySyncSalt)),
			},
		}
		return nil
	})
	if err != nil {
		return history.VersionInfo{}, nil, err
	}
	return info, results, nil
}

func (s *Store) FetchDownloadInfo(ctx context.Context, cfi cursor.FileIdent, download cursor.DownloadCursor, endVersion cursor.SaltedVersion, disableCompaction bool, maxSize int64, handler history.DownloadHandler) (cursor.UploadCursor, cursor.Version, int64, int64, bool, error) {
	var uploadProgress cursor.UploadCursor
	var cumulative int64
	var total int64
	stoppedAt := download.ServerVersion

	err := s.db.View(func(tx *bolt.Tx) error {
		cf, ok, err := getClientFile(tx, cfi)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("boltstore: client file %d not found", cfi)
		}
		uploadProgress = cf.UploadProgress

		c := tx.Bucket(bucketChangesets).Cursor()
		startKey := changesetKey(download.ServerVersion + 1)
		var num int
		var body []byte
		truncated := false

		for k, v := c.Seek(startKey); k != nil; k, v = c.Next() {
			v64 := decodeChangesetKey(k)
			if v64 > endVersion.Version {
				break
			}
			var rec changesetRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			stoppedAt = cursor.Version(v64)
			if rec.ClientFileIdent == cfi {
				// Client does not need its own changesets echoed back.
				continue
			}
			body = append(body, rec.Body...)
			num++
			total += int64(len(rec.Body))
			if int64(len(body)) >= maxSize {
				truncated = true
				break
			}
		}
		if !truncated {
			stoppedAt = endVersion.Version
		}

		cumulative = int64(len(body))
		return handler(history.DownloadChunk{Body: body, NumChangesets: num})
	})
	if err != nil {
		return cursor.UploadCursor{}, 0, 0, 0, false, err
	}
	return uploadProgress, stoppedAt, cumulative, total, true, nil
}

func (s *Store) Compact(ctx context.Context) error {
	// Compact only flushes the database file to disk with Sync. It does not
	// close the file, run a vacuum or copy-and-swap pass, or reopen it, so
	// free pages are not reclaimed.
	return s.db.Sync()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getClientFile(tx *bolt.Tx, cfi cursor.FileIdent) (clientFileRecord, bool, error) {
	data := tx.Bucket(bucketClientFiles).Get(clientFileKey(cfi))
	if data == nil {
		return clientFileRecord{}, false, nil
	}
	var rec clientFileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return clientFileRecord{}, false, err
	}
	return rec, true, nil
}

func putClientFile(tx *bolt.Tx, cfi cursor.FileIdent, rec clientFileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketClientFiles).Put(clientFileKey(cfi), data)
}

func clientFileKey(cfi cursor.FileIdent) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cfi))
	return buf
}

func changesetKey(v cursor.Version) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeChangesetKey(k []byte) cursor.Version {
	return cursor.Version(binary.BigEndian.Uint64(k))
}

func readVersion(b *bolt.Bucket, key []byte) cursor.Version {
	return cursor.Version(readInt64(b, key))
}

func readInt64(b *bolt.Bucket, key []byte) int64 {
	data := b.Get(key)
	if data == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

func writeVersion(b *bolt.Bucket, key []byte, v cursor.Version) {
	writeInt64(b, key, int64(v))
}

func writeInt64(b *bolt.Bucket, key []byte, v int64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	_ = b.Put(key, buf)
}
