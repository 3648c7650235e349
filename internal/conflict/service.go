package conflict

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
	// ErrConflictNotFound reports that no stored conflict matches the id.
	ErrConflictNotFound = errors.New("conflict: not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "conflict.service.new"
	opSave       = "conflict.save"
	opList       = "conflict.list"
	opGet        = "conflict.get"
	opDelete     = "conflict.delete"
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

// ServiceConfig configures the conflict persistence service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service stores detected conflicts until a terminal resolution removes
// them.
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

// WithDB returns a copy of the service bound to the provided handle.
func (s *Service) WithDB(db *gorm.DB) *Service {
	return &Service{db: db, logger: s.logger}
}

// Save upserts a conflict row. A re-detected conflict for the same record
// replaces the stored snapshot pair.
func (s *Service) Save(ctx context.Context, conflict Record) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conflict_id"}},
			UpdateAll: true,
		}).
		Create(&conflict).Error
	if err != nil {
		s.logger.Error("conflict save failed",
			zap.String("operation", opSave),
			zap.String("conflict_id", conflict.ConflictID),
			zap.Error(err))
		return newServiceError(opSave, "upsert_failed", err)
	}
	return nil
}

// List returns the owner's unresolved conflicts, most recent first.
func (s *Service) List(ctx context.Context, ownerID record.OwnerID) ([]Record, error) {
	var conflicts []Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND resolution = ?", ownerID.String(), ResolutionUnresolved).
		Order("detected_at_s DESC").
		Find(&conflicts).Error
	if err != nil {
		s.logger.Error("conflict list failed",
			zap.String("operation", opList),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return conflicts, nil
}

// Get loads one stored conflict by id.
func (s *Service) Get(ctx context.Context, conflictID string) (Record, error) {
	var conflict Record
	err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opGet, "not_found", ErrConflictNotFound)
	}
	if err != nil {
		s.logger.Error("conflict get failed",
			zap.String("operation", opGet),
			zap.String("conflict_id", conflictID),
			zap.Error(err))
		return Record{}, newServiceError(opGet, "query_failed", err)
	}
	return conflict, nil
}

// Delete removes a conflict row once its resolution has been applied.
func (s *Service) Delete(ctx context.Context, conflictID string) error {
	if err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Delete(&Record{}).Error; err != nil {
		s.logger.Error("conflict delete failed",
			zap.String("operation", opDelete),
			zap.String("conflict_id", conflictID),
			zap.Error(err))
		return newServiceError(opDelete, "delete_failed", err)
	}
	return nil
}
