package adminstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arcusdb/realmsync/pkg/config"
	"github.com/arcusdb/realmsync/pkg/cursor"
)

// Store implements server.BlacklistStore plus the realm registry and audit
// log the admin surface reads and writes. One Store backs an entire server
// process; it's safe for concurrent use (GORM's *gorm.DB is).
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and runs AutoMigrate. driver is
// "sqlite" (default) or "postgres".
func Open(cfg config.AdminStoreConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "realmsyncd-admin.db"
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil && filepath.Dir(dsn) != "." {
			return nil, fmt.Errorf("adminstore: create db directory: %w", err)
		}
		dialector = sqlite.Open(dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("adminstore: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("adminstore: connect: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("adminstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying GORM connection, for tests and advanced queries.
func (s *Store) DB() *gorm.DB { return s.db }

// IsBlacklisted implements server.BlacklistStore.
func (s *Store) IsBlacklisted(virtualPath string, cfi cursor.FileIdent) bool {
	var count int64
	err := s.db.Model(&BlacklistEntry{}).
		Where("virtual_path = ? AND client_file_ident = ?", virtualPath, int64(cfi)).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

// Blacklist records cfi as rejected for virtualPath.
func (s *Store) Blacklist(ctx context.Context, virtualPath string, cfi cursor.FileIdent, reason string) error {
	entry := &BlacklistEntry{
		VirtualPath:     virtualPath,
		ClientFileIdent: int64(cfi),
		Reason:          reason,
	}
	err := s.db.WithContext(ctx).
		Where("virtual_path = ? AND client_file_ident = ?", virtualPath, int64(cfi)).
		FirstOrCreate(entry).Error
	if err != nil {
		return fmt.Errorf("adminstore: blacklist: %w", err)
	}
	return nil
}

// RecordRealmOpen upserts a Realm row, stamping LastOpenAt to now.
func (s *Store) RecordRealmOpen(ctx context.Context, virtualPath string) error {
	var existing Realm
	err := s.db.WithContext(ctx).Where("virtual_path = ?", virtualPath).First(&existing).Error
	switch {
	case err == nil:
		return s.db.WithContext(ctx).Model(&existing).Update("last_open_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(&Realm{VirtualPath: virtualPath}).Error
	default:
		return fmt.Errorf("adminstore: record realm open: %w", err)
	}
}

// ListRealms returns every realm the server has ever opened.
func (s *Store) ListRealms(ctx context.Context) ([]*Realm, error) {
	var realms []*Realm
	if err := s.db.WithContext(ctx).Find(&realms).Error; err != nil {
		return nil, fmt.Errorf("adminstore: list realms: %w", err)
	}
	return realms, nil
}

// RecordAudit appends one administrative action to the audit log.
func (s *Store) RecordAudit(ctx context.Context, virtualPath, action, principal, detail string) error {
	event := &AuditEvent{
		VirtualPath: virtualPath,
		Action:      action,
		Principal:   principal,
		Detail:      detail,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("adminstore: record audit: %w", err)
	}
	return nil
}
