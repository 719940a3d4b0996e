// Package cursor defines the version and cursor algebra shared by every
// realm synchronization component: versions, salts, client file identifiers,
// and the upload/download cursor pairs exchanged with clients.
package cursor

import "fmt"

// Version is a monotone, 63-bit non-negative history version. It is modeled
// as int64 with the non-negativity invariant enforced at construction.
type Version int64

// Salt is a 63-bit random tag attached to a version to detect history
// divergence between the server and a client-side copy of a file.
type Salt int64

// FileIdent identifies a client-side copy of a realm file, as allocated by
// the server. Zero means "not yet allocated".
type FileIdent int64

// SaltedVersion pairs a version with the salt recorded alongside it.
type SaltedVersion struct {
	Version Version
	Salt    Salt
}

// SaltedFileIdent pairs a client file identifier with its salt.
type SaltedFileIdent struct {
	Ident FileIdent
	Salt  Salt
}

// DownloadCursor tracks a session's progress consuming server history:
// ServerVersion is the last server version the client has downloaded,
// LastIntegratedClientVersion is the highest client version the server knows
// the client has folded into that server history.
type DownloadCursor struct {
	ServerVersion                Version
	LastIntegratedClientVersion  Version
}

// UploadCursor tracks a session's progress producing client-side history:
// ClientVersion is the last client version integrated by the server,
// LastIntegratedServerVersion is the highest server version the client had
// observed at the time it produced that client version.
type UploadCursor struct {
	ClientVersion                Version
	LastIntegratedServerVersion  Version
}

// NewVersion validates and constructs a Version, rejecting negative inputs.
func NewVersion(v int64) (Version, error) {
	if v < 0 {
		return 0, fmt.Errorf("cursor: negative version %d", v)
	}
	return Version(v), nil
}

// IsConsistent reports whether a DownloadCursor satisfies invariant 1:
// version == 0 implies its counterpart is also 0.
func (c DownloadCursor) IsConsistent() bool {
	return isConsistent(int64(c.ServerVersion), int64(c.LastIntegratedClientVersion))
}

// IsConsistent reports whether an UploadCursor satisfies invariant 1.
func (c UploadCursor) IsConsistent() bool {
	return isConsistent(int64(c.ClientVersion), int64(c.LastIntegratedServerVersion))
}

func isConsistent(version, counterpart int64) bool {
	if version > 0 {
		return true
	}
	return counterpart == 0
}

// MutuallyConsistentDownload reports whether two DownloadCursors respect
// invariant 2: neither contradicts the other's monotonicity.
func MutuallyConsistentDownload(a, b DownloadCursor) bool {
	return mutuallyConsistent(int64(a.ServerVersion), int64(a.LastIntegratedClientVersion), int64(b.ServerVersion), int64(b.LastIntegratedClientVersion))
}

// MutuallyConsistentUpload reports whether two UploadCursors respect
// invariant 2.
func MutuallyConsistentUpload(a, b UploadCursor) bool {
	return mutuallyConsistent(int64(a.ClientVersion), int64(a.LastIntegratedServerVersion), int64(b.ClientVersion), int64(b.LastIntegratedServerVersion))
}

// mutuallyConsistent implements invariant 2 symmetrically: whichever of the
// two has the smaller or equal primary version must also have a smaller or
// equal counterpart.
func mutuallyConsistent(aVersion, aCounterpart, bVersion, bCounterpart int64) bool {
	if aVersion <= bVersion && aCounterpart > bCounterpart {
		return false
	}
	if bVersion <= aVersion && bCounterpart > aCounterpart {
		return false
	}
	return true
}

// NonDecreasing reports whether next.ClientVersion has not regressed from
// prev.ClientVersion, the per-session monotonicity invariant 3 requires for
// UploadCursor across a session's lifetime.
func (prev UploadCursor) NonDecreasing(next UploadCursor) bool {
	return next.ClientVersion >= prev.ClientVersion
}

// BoundedBy reports whether the cursor's LastIntegratedServerVersion never
// exceeds the session's recorded DownloadCursor.ServerVersion, invariant 3's
// second clause.
func (c UploadCursor) BoundedBy(d DownloadCursor) bool {
	return c.LastIntegratedServerVersion <= d.ServerVersion
}

// LockedVersionValid checks invariant 4: lockedServerVersion must be
// non-decreasing across the file's lifetime (checked against the previously
// recorded value) and must never exceed the session's current download
// server version.
func LockedVersionValid(prevLocked, nextLocked Version, download DownloadCursor) bool {
	if nextLocked < prevLocked {
		return false
	}
	return nextLocked <= download.ServerVersion
}
