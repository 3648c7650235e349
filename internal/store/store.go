package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shinnkura/donezo/internal/changelog"
	"github.com/shinnkura/donezo/internal/record"
	"github.com/shinnkura/donezo/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound reports that no live record matches the key.
	ErrRecordNotFound = errors.New("store: record not found")
	// ErrRecordExists reports a create with an id already present.
	ErrRecordExists = errors.New("store: record already exists")
	// ErrInvalidPayload reports a payload that is not a JSON object.
	ErrInvalidPayload = errors.New("store: payload must be a JSON object")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingChangeLog  = errors.New("change log service is required")
	errMissingQueue      = errors.New("sync queue service is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "store.service.new"
	opGet          = "store.get"
	opQuery        = "store.query"
	opListDirty    = "store.list_dirty"
	opCreate       = "store.create_record"
	opUpdate       = "store.update_record"
	opSoftDelete   = "store.soft_delete_record"
	opSaveSynced   = "store.save_synced"
	opMarkSynced   = "store.mark_synced"
	opDropRecord   = "store.drop_record"
	opReplaceOwner = "store.replace_for_owner"
	opCount        = "store.count"
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

// IDProvider issues identifiers for client-assigned records and journal
// entries.
type IDProvider interface {
	NewID() (string, error)
}

// QueryOptions filter a table scan. The predicate, when set, runs over
// decoded rows after tombstone filtering.
type QueryOptions struct {
	IncludeDeleted bool
	Predicate      func(record.Record) bool
}

// ServiceConfig configures the local store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	ChangeLog  *changelog.Service
	Queue      *syncqueue.Service
	Logger     *zap.Logger
}

// Service is the durable per-table record store. Every user-facing
// mutation stamps the record, journals the change, and stages a queue
// entry inside one transaction; reconciliation writes bypass the journal
// and queue through the synced helpers.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	changeLog  *changelog.Service
	queue      *syncqueue.Service
	logger     *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.ChangeLog == nil {
		return nil, newServiceError(opServiceNew, "missing_change_log", errMissingChangeLog)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		changeLog:  cfg.ChangeLog,
		queue:      cfg.Queue,
		logger:     logger,
	}, nil
}

// Get loads one record. Tombstones are reported as absent unless
// includeDeleted is set.
func (s *Service) Get(ctx context.Context, table record.Table, recordID record.RecordID, includeDeleted bool) (*record.Record, error) {
	var row record.Record
	err := s.db.WithContext(ctx).
		Where("table_key = ? AND record_id = ?", table.String(), recordID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, table, recordID)
		return nil, newServiceError(opGet, "select_failed", err)
	}
	if row.IsDeleted && !includeDeleted {
		return nil, nil
	}
	return &row, nil
}

// Query returns the owner's records in a table, newest first, excluding
// tombstones unless the options include them.
func (s *Service) Query(ctx context.Context, ownerID record.OwnerID, table record.Table, opts QueryOptions) ([]record.Record, error) {
	query := s.db.WithContext(ctx).
		Where("table_key = ? AND owner_id = ?", table.String(), ownerID.String())
	if !opts.IncludeDeleted {
		query = query.Where("is_deleted = ?", false)
	}

	var rows []record.Record
	if err := query.Order("updated_at_s DESC").Find(&rows).Error; err != nil {
		s.logger.Error("store query failed",
			zap.String("operation", opQuery),
			zap.String("table", table.String()),
			zap.Error(err))
		return nil, newServiceError(opQuery, "query_failed", err)
	}
	if opts.Predicate == nil {
		return rows, nil
	}

	filtered := rows[:0]
	for _, row := range rows {
		if opts.Predicate(row) {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

// ListDirty returns the owner's records with unsynced local edits,
// tombstones included.
func (s *Service) ListDirty(ctx context.Context, ownerID record.OwnerID, table record.Table) ([]record.Record, error) {
	var rows []record.Record
	err := s.db.WithContext(ctx).
		Where("table_key = ? AND owner_id = ? AND is_dirty = ?", table.String(), ownerID.String(), true).
		Order("updated_at_s ASC").
		Find(&rows).Error
	if err != nil {
		s.logger.Error("store dirty scan failed",
			zap.String("operation", opListDirty),
			zap.String("table", table.String()),
			zap.Error(err))
		return nil, newServiceError(opListDirty, "query_failed", err)
	}
	return rows, nil
}

// CreateRecord inserts a new record with the given payload, journals the
// create, and stages a create queue entry, all in one transaction. When
// recordID is empty a client id is issued.
func (s *Service) CreateRecord(ctx context.Context, ownerID record.OwnerID, table record.Table, recordID string, payloadJSON string) (record.Record, error) {
	id := recordID
	if id == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err, table, record.RecordID(recordID))
			return record.Record{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		id = generated
	}
	validID, err := record.NewRecordID(id)
	if err != nil {
		return record.Record{}, newServiceError(opCreate, "invalid_record_id", err)
	}
	if err := validatePayloadObject(payloadJSON); err != nil {
		s.logError(opCreate, "invalid_payload", err, table, validID)
		return record.Record{}, newServiceError(opCreate, "invalid_payload", err)
	}

	now := s.clock().UTC().Unix()
	row := record.Record{
		TableKey:         table.String(),
		RecordID:         validID.String(),
		OwnerID:          ownerID.String(),
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		IsDirty:          true,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&record.Record{}).
			Where("table_key = ? AND record_id = ?", table.String(), validID.String()).
			Count(&count).Error; err != nil {
			s.logError(opCreate, "select_failed", err, table, validID)
			return newServiceError(opCreate, "select_failed", err)
		}
		if count > 0 {
			return newServiceError(opCreate, "record_exists", ErrRecordExists)
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opCreate, "record_insert_failed", err, table, validID)
			return newServiceError(opCreate, "record_insert_failed", err)
		}
		return s.journalAndEnqueue(ctx, tx, row, record.OperationCreate, "")
	})
	if txErr != nil {
		return record.Record{}, txErr
	}
	return row, nil
}

// UpdateRecord shallow-merges the update document over the stored payload,
// stamps the record dirty, journals the change, and coalesces a queue
// entry, all in one transaction.
func (s *Service) UpdateRecord(ctx context.Context, table record.Table, recordID record.RecordID, updatesJSON string) (record.Record, error) {
	var updated record.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing record.Record
		err := tx.Where("table_key = ? AND record_id = ?", table.String(), recordID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, "record_not_found", ErrRecordNotFound)
		}
		if err != nil {
			s.logError(opUpdate, "select_failed", err, table, recordID)
			return newServiceError(opUpdate, "select_failed", err)
		}
		if existing.IsDeleted {
			return newServiceError(opUpdate, "record_not_found", ErrRecordNotFound)
		}

		merged, err := mergePayload(existing.PayloadJSON, updatesJSON)
		if err != nil {
			return newServiceError(opUpdate, "invalid_payload", err)
		}

		before := existing.PayloadJSON
		updated = existing
		updated.PayloadJSON = merged
		updated.IsDirty = true
		updated.UpdatedAtSeconds = s.clock().UTC().Unix()
		if updated.UpdatedAtSeconds <= existing.UpdatedAtSeconds {
			updated.UpdatedAtSeconds = existing.UpdatedAtSeconds + 1
		}

		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opUpdate, "record_save_failed", err, table, recordID)
			return newServiceError(opUpdate, "record_save_failed", err)
		}
		return s.journalAndEnqueue(ctx, tx, updated, record.OperationUpdate, before)
	})
	if txErr != nil {
		return record.Record{}, txErr
	}
	return updated, nil
}

// SoftDeleteRecord tombstones the record, journals the delete, and stages
// a delete queue entry, all in one transaction. The row stays in storage
// until the delete is acknowledged remotely.
func (s *Service) SoftDeleteRecord(ctx context.Context, table record.Table, recordID record.RecordID) (bool, error) {
	deleted := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing record.Record
		err := tx.Where("table_key = ? AND record_id = ?", table.String(), recordID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			s.logError(opSoftDelete, "select_failed", err, table, recordID)
			return newServiceError(opSoftDelete, "select_failed", err)
		}
		if existing.IsDeleted {
			return nil
		}

		before := existing.PayloadJSON
		tombstone := existing
		tombstone.IsDeleted = true
		tombstone.IsDirty = true
		tombstone.UpdatedAtSeconds = s.clock().UTC().Unix()
		if tombstone.UpdatedAtSeconds <= existing.UpdatedAtSeconds {
			tombstone.UpdatedAtSeconds = existing.UpdatedAtSeconds + 1
		}

		if err := tx.Save(&tombstone).Error; err != nil {
			s.logError(opSoftDelete, "record_save_failed", err, table, recordID)
			return newServiceError(opSoftDelete, "record_save_failed", err)
		}
		if err := s.journalAndEnqueue(ctx, tx, tombstone, record.OperationDelete, before); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return deleted, nil
}

// SaveSynced upserts a record as the reconciliation outcome: the write
// itself produces no journal row and no queue entry.
func (s *Service) SaveSynced(ctx context.Context, row record.Record) error {
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opSaveSynced, "record_save_failed", err, record.Table(row.TableKey), record.RecordID(row.RecordID))
		return newServiceError(opSaveSynced, "record_save_failed", err)
	}
	return nil
}

// MarkSynced clears the dirty flag and stamps the last reconciliation
// time after a push is acknowledged.
func (s *Service) MarkSynced(ctx context.Context, table record.Table, recordID record.RecordID, syncedAt time.Time) error {
	updates := map[string]any{
		"is_dirty":         false,
		"last_synced_at_s": syncedAt.UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Model(&record.Record{}).
		Where("table_key = ? AND record_id = ?", table.String(), recordID.String()).
		Updates(updates).Error
	if err != nil {
		s.logError(opMarkSynced, "update_failed", err, table, recordID)
		return newServiceError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// DropRecord physically removes a row. Reconciliation cleanup calls this
// for tombstones whose delete the remote has acknowledged.
func (s *Service) DropRecord(ctx context.Context, table record.Table, recordID record.RecordID) error {
	err := s.db.WithContext(ctx).
		Where("table_key = ? AND record_id = ?", table.String(), recordID.String()).
		Delete(&record.Record{}).Error
	if err != nil {
		s.logError(opDropRecord, "delete_failed", err, table, recordID)
		return newServiceError(opDropRecord, "delete_failed", err)
	}
	return nil
}

// ReplaceForOwner swaps the owner's entire record set for the provided
// rows inside one transaction. Any failure rolls the whole replacement
// back, preserving the previous state.
func (s *Service) ReplaceForOwner(ctx context.Context, ownerID record.OwnerID, rows []record.Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ?", ownerID.String()).Delete(&record.Record{}).Error; err != nil {
			s.logger.Error("store replace delete failed",
				zap.String("operation", opReplaceOwner),
				zap.String("owner_id", ownerID.String()),
				zap.Error(err))
			return newServiceError(opReplaceOwner, "delete_failed", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			s.logger.Error("store replace insert failed",
				zap.String("operation", opReplaceOwner),
				zap.String("owner_id", ownerID.String()),
				zap.Error(err))
			return newServiceError(opReplaceOwner, "insert_failed", err)
		}
		return nil
	})
}

// CountByTable returns live row counts per table for the owner.
func (s *Service) CountByTable(ctx context.Context, ownerID record.OwnerID) (map[record.Table]int64, error) {
	counts := make(map[record.Table]int64, len(record.Tables()))
	for _, table := range record.Tables() {
		var count int64
		err := s.db.WithContext(ctx).
			Model(&record.Record{}).
			Where("table_key = ? AND owner_id = ? AND is_deleted = ?", table.String(), ownerID.String(), false).
			Count(&count).Error
		if err != nil {
			s.logger.Error("store count failed",
				zap.String("operation", opCount),
				zap.String("table", table.String()),
				zap.Error(err))
			return nil, newServiceError(opCount, "count_failed", err)
		}
		counts[table] = count
	}
	return counts, nil
}

func (s *Service) journalAndEnqueue(ctx context.Context, tx *gorm.DB, row record.Record, op record.Operation, beforeJSON string) error {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opCreate, "id_generation_failed", err)
	}

	afterJSON := row.PayloadJSON
	queuePayload := row.PayloadJSON
	if op == record.OperationDelete {
		afterJSON = ""
		queuePayload = ""
	}

	entry := changelog.Entry{
		EntryID:          entryID,
		OwnerID:          row.OwnerID,
		TableKey:         row.TableKey,
		RecordID:         row.RecordID,
		Operation:        op,
		BeforeJSON:       beforeJSON,
		AfterJSON:        afterJSON,
		AppliedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.changeLog.WithDB(tx).Append(ctx, entry); err != nil {
		return err
	}

	table, err := row.Table()
	if err != nil {
		return err
	}
	ownerID, err := record.NewOwnerID(row.OwnerID)
	if err != nil {
		return err
	}
	recordID, err := record.NewRecordID(row.RecordID)
	if err != nil {
		return err
	}
	return s.queue.WithDB(tx).Enqueue(ctx, syncqueue.EnqueueRequest{
		OwnerID:     ownerID,
		Table:       table,
		RecordID:    recordID,
		Operation:   op,
		PayloadJSON: queuePayload,
		JournalID:   entryID,
	})
}

// validatePayloadObject rejects anything but a JSON object. Scalars and
// arrays would be accepted by the row insert but can never be field-diffed
// against a remote copy, which would wedge every later pull for the owner.
func validatePayloadObject(payloadJSON string) error {
	if payloadJSON == "" {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func mergePayload(existingJSON, updatesJSON string) (string, error) {
	base := map[string]any{}
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &base); err != nil {
			return "", err
		}
	}
	updates := map[string]any{}
	if updatesJSON != "" {
		if err := json.Unmarshal([]byte(updatesJSON), &updates); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	for key, value := range updates {
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}

func (s *Service) logError(operation, reason string, err error, table record.Table, recordID record.RecordID) {
	s.logger.Error("store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("table", table.String()),
		zap.String("record_id", recordID.String()),
		zap.Error(err))
}
