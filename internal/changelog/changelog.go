package changelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/shinnkura/donezo/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEntryID  = errors.New("change log entry id is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew   = "changelog.service.new"
	opAppend       = "changelog.append"
	opListUnsynced = "changelog.list_unsynced"
	opMarkSynced   = "changelog.mark_synced"
	opPurgeSynced  = "changelog.purge_synced"
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Entry is one immutable journal row. Synced is the only field ever
// updated after the row is written.
type Entry struct {
	EntryID          string           `gorm:"column:entry_id;primaryKey;size:190;not null"`
	OwnerID          string           `gorm:"column:owner_id;size:190;not null;index:idx_changelog_owner_time,priority:1"`
	TableKey         string           `gorm:"column:table_key;size:32;not null"`
	RecordID         string           `gorm:"column:record_id;size:190;not null"`
	Operation        record.Operation `gorm:"column:op;size:16;not null"`
	BeforeJSON       string           `gorm:"column:before_json;type:text;not null;default:''"`
	AfterJSON        string           `gorm:"column:after_json;type:text;not null;default:''"`
	AppliedAtSeconds int64            `gorm:"column:applied_at_s;not null;index:idx_changelog_owner_time,priority:2"`
	Synced           bool             `gorm:"column:synced;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "change_log"
}

// ServiceConfig configures the journal service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service owns the append-only mutation journal.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// WithDB returns a copy of the service bound to the provided handle,
// typically an open transaction shared with the local store.
func (s *Service) WithDB(db *gorm.DB) *Service {
	return &Service{db: db, logger: s.logger}
}

// Append writes one journal row. The entry id is the idempotency key: a
// duplicate id is silently ignored.
func (s *Service) Append(ctx context.Context, entry Entry) error {
	if entry.EntryID == "" {
		return newServiceError(opAppend, "missing_entry_id", errMissingEntryID)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		s.logger.Error("change log append failed",
			zap.String("operation", opAppend),
			zap.String("record_id", entry.RecordID),
			zap.Error(err))
		return newServiceError(opAppend, "insert_failed", err)
	}
	return nil
}

// ListUnsynced returns journal rows not yet acknowledged remotely,
// optionally filtered to one table, oldest first.
func (s *Service) ListUnsynced(ctx context.Context, ownerID record.OwnerID, table *record.Table) ([]Entry, error) {
	query := s.db.WithContext(ctx).
		Where("owner_id = ? AND synced = ?", ownerID.String(), false)
	if table != nil {
		query = query.Where("table_key = ?", table.String())
	}

	var entries []Entry
	if err := query.Order("applied_at_s ASC").Find(&entries).Error; err != nil {
		s.logger.Error("change log query failed",
			zap.String("operation", opListUnsynced),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return nil, newServiceError(opListUnsynced, "query_failed", err)
	}
	return entries, nil
}

// MarkSynced flips the synced flag on the identified rows.
func (s *Service) MarkSynced(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("entry_id IN ?", entryIDs).
		Update("synced", true).Error
	if err != nil {
		s.logger.Error("change log mark synced failed",
			zap.String("operation", opMarkSynced),
			zap.Int("entry_count", len(entryIDs)),
			zap.Error(err))
		return newServiceError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// PurgeSynced removes synced rows applied before the cutoff. Retention is
// housekeeping only; the engine never rewrites journal history.
func (s *Service) PurgeSynced(ctx context.Context, ownerID record.OwnerID, beforeSeconds int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND synced = ? AND applied_at_s < ?", ownerID.String(), true, beforeSeconds).
		Delete(&Entry{})
	if result.Error != nil {
		s.logger.Error("change log purge failed",
			zap.String("operation", opPurgeSynced),
			zap.String("owner_id", ownerID.String()),
			zap.Error(result.Error))
		return 0, newServiceError(opPurgeSynced, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
