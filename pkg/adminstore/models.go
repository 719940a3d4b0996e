// Package adminstore persists the server root's administrative state —
// realm registrations, the client-file blacklist, and a compaction/deletion
// audit trail — via GORM over SQLite or PostgreSQL, the way
// pkg/controlplane/store does for DittoFS's control plane.
package adminstore

import "time"

// Realm records a virtual path the server has ever opened a File
// Coordinator for, independent of whether it's currently resident in
// memory.
type Realm struct {
	VirtualPath string    `gorm:"primaryKey;size:1024" json:"virtual_path"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastOpenAt  time.Time `json:"last_open_at"`
}

// TableName returns the table name for Realm.
func (Realm) TableName() string { return "realms" }

// BlacklistEntry marks a client file identifier as administratively
// rejected for a given realm: IDENT for that (virtual_path, cfi) pair must
// fail with ErrClientFileBlacklisted.
type BlacklistEntry struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	VirtualPath string    `gorm:"not null;size:1024;uniqueIndex:idx_blacklist_path_cfi" json:"virtual_path"`
	ClientFileIdent int64 `gorm:"not null;uniqueIndex:idx_blacklist_path_cfi" json:"client_file_ident"`
	Reason      string    `gorm:"size:512" json:"reason"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for BlacklistEntry.
func (BlacklistEntry) TableName() string { return "blacklist_entries" }

// AuditEvent records one administrative action taken against a realm:
// compaction initiated, deletion initiated, or a blacklist change.
type AuditEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	VirtualPath string    `gorm:"not null;size:1024;index" json:"virtual_path"`
	Action      string    `gorm:"not null;size:50" json:"action"` // compact, delete, blacklist
	Principal   string    `gorm:"size:255" json:"principal"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for AuditEvent.
func (AuditEvent) TableName() string { return "audit_events" }

// AllModels lists every model for AutoMigrate, mirroring
// controlplane/models.AllModels.
func AllModels() []interface{} {
	return []interface{}{
		&Realm{},
		&BlacklistEntry{},
		&AuditEvent{},
	}
}
