package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shinnkura/donezo/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxRetries is the per-entry retry ceiling. An entry that fails this many
// times is dropped and reported as a permanent failure.
const MaxRetries = 10

// DefaultPriority is assigned to entries enqueued without an explicit tier.
// Lower values are drained first.
const DefaultPriority = 1

var (
	// ErrRetriesExhausted reports that a queue entry hit the retry ceiling
	// and was dropped. The local record stays dirty so the divergence
	// remains visible.
	ErrRetriesExhausted = errors.New("syncqueue: retry ceiling reached, entry dropped")
	// ErrEntryNotFound reports that no queue entry matches the given id.
	ErrEntryNotFound = errors.New("syncqueue: entry not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew    = "syncqueue.service.new"
	opEnqueue       = "syncqueue.enqueue"
	opDequeueBatch  = "syncqueue.dequeue_batch"
	opRemove        = "syncqueue.remove"
	opRecordFailure = "syncqueue.record_failure"
	opPendingCount  = "syncqueue.pending_count"
	opRelease       = "syncqueue.release_in_flight"
	opPurgeDead     = "syncqueue.purge_dead"
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

// Entry is one pending outbound operation. At most one entry exists per
// (owner, table, record) while it has not been handed to a sync pass;
// further mutations coalesce into it.
type Entry struct {
	EntryID           string           `gorm:"column:entry_id;primaryKey;size:190;not null"`
	OwnerID           string           `gorm:"column:owner_id;size:190;not null;index:idx_queue_owner_record,priority:1"`
	TableKey          string           `gorm:"column:table_key;size:32;not null;index:idx_queue_owner_record,priority:2"`
	RecordID          string           `gorm:"column:record_id;size:190;not null;index:idx_queue_owner_record,priority:3"`
	Operation         record.Operation `gorm:"column:op;size:16;not null"`
	PayloadJSON       string           `gorm:"column:payload_json;type:text;not null;default:''"`
	JournalIDsJSON    string           `gorm:"column:journal_ids_json;type:text;not null;default:''"`
	EnqueuedAtSeconds int64            `gorm:"column:enqueued_at_s;not null"`
	RetryCount        int              `gorm:"column:retry_count;not null;default:0"`
	Priority          int              `gorm:"column:priority;not null;default:1"`
	LastError         string           `gorm:"column:last_error;size:500;not null;default:''"`
	InFlight          bool             `gorm:"column:in_flight;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_queue"
}

// JournalIDs returns the change log entry ids this queue entry carries.
// Only these rows may be marked synced when the push is acknowledged; a
// mutation journaled after the entry went in flight opens a fresh entry
// with its own ids.
func (e Entry) JournalIDs() []string {
	if e.JournalIDsJSON == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(e.JournalIDsJSON), &ids); err != nil {
		return nil
	}
	return ids
}

func appendJournalID(existingJSON, journalID string) string {
	if journalID == "" {
		return existingJSON
	}
	ids := []string{}
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &ids); err != nil {
			ids = []string{}
		}
	}
	ids = append(ids, journalID)
	encoded, err := json.Marshal(ids)
	if err != nil {
		return existingJSON
	}
	return string(encoded)
}

// EnqueueRequest describes one local mutation to stage for push.
type EnqueueRequest struct {
	OwnerID     record.OwnerID
	Table       record.Table
	RecordID    record.RecordID
	Operation   record.Operation
	PayloadJSON string
	JournalID   string
	Priority    int
}

// ServiceConfig configures the outbox service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the ordered, retryable outbox of pending remote operations.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithDB returns a copy of the service bound to the provided handle,
// typically an open transaction shared with the local store.
func (s *Service) WithDB(db *gorm.DB) *Service {
	return &Service{db: db, clock: s.clock, logger: s.logger}
}

// Enqueue stages one operation. When a not-yet-in-flight entry already
// exists for the same record the request coalesces into it: the earliest
// enqueue time is kept, the payload is replaced, a pending create absorbs
// updates, and a delete subsumes whatever came before it.
func (s *Service) Enqueue(ctx context.Context, request EnqueueRequest) error {
	priority := request.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		err := tx.Where(
			"owner_id = ? AND table_key = ? AND record_id = ? AND in_flight = ?",
			request.OwnerID.String(), request.Table.String(), request.RecordID.String(), false,
		).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry := Entry{
				EntryID:           uuid.NewString(),
				OwnerID:           request.OwnerID.String(),
				TableKey:          request.Table.String(),
				RecordID:          request.RecordID.String(),
				Operation:         request.Operation,
				PayloadJSON:       request.PayloadJSON,
				JournalIDsJSON:    appendJournalID("", request.JournalID),
				EnqueuedAtSeconds: s.clock().UTC().Unix(),
				Priority:          priority,
			}
			if err := tx.Create(&entry).Error; err != nil {
				s.logger.Error("sync queue insert failed",
					zap.String("operation", opEnqueue),
					zap.String("record_id", request.RecordID.String()),
					zap.Error(err))
				return newServiceError(opEnqueue, "insert_failed", err)
			}
			return nil
		}
		if err != nil {
			s.logger.Error("sync queue select failed",
				zap.String("operation", opEnqueue),
				zap.String("record_id", request.RecordID.String()),
				zap.Error(err))
			return newServiceError(opEnqueue, "select_failed", err)
		}

		merged := coalesceOperation(existing.Operation, request.Operation)
		updates := map[string]any{
			"op":               merged,
			"payload_json":     request.PayloadJSON,
			"journal_ids_json": appendJournalID(existing.JournalIDsJSON, request.JournalID),
		}
		if priority < existing.Priority {
			updates["priority"] = priority
		}
		if err := tx.Model(&Entry{}).Where("entry_id = ?", existing.EntryID).Updates(updates).Error; err != nil {
			s.logger.Error("sync queue coalesce failed",
				zap.String("operation", opEnqueue),
				zap.String("record_id", request.RecordID.String()),
				zap.Error(err))
			return newServiceError(opEnqueue, "coalesce_failed", err)
		}
		return nil
	})
}

func coalesceOperation(existing, incoming record.Operation) record.Operation {
	switch {
	case incoming == record.OperationDelete:
		return record.OperationDelete
	case existing == record.OperationCreate:
		return record.OperationCreate
	default:
		return incoming
	}
}

// DequeueBatch hands out up to limit pending entries ordered by priority,
// then enqueue time, and marks them in-flight so mutations arriving during
// the push open a fresh entry instead of rewriting one mid-transfer.
func (s *Service) DequeueBatch(ctx context.Context, ownerID record.OwnerID, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var batch []Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("owner_id = ? AND in_flight = ?", ownerID.String(), false).
			Order("priority ASC, enqueued_at_s ASC, entry_id ASC").
			Limit(limit).
			Find(&batch).Error
		if err != nil {
			return newServiceError(opDequeueBatch, "query_failed", err)
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, 0, len(batch))
		for i := range batch {
			ids = append(ids, batch[i].EntryID)
			batch[i].InFlight = true
		}
		if err := tx.Model(&Entry{}).Where("entry_id IN ?", ids).Update("in_flight", true).Error; err != nil {
			return newServiceError(opDequeueBatch, "mark_in_flight_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("sync queue dequeue failed",
			zap.String("operation", opDequeueBatch),
			zap.String("owner_id", ownerID.String()),
			zap.Error(txErr))
		return nil, txErr
	}
	return batch, nil
}

// Remove deletes an entry after its remote acknowledgment.
func (s *Service) Remove(ctx context.Context, entryID string) error {
	if err := s.db.WithContext(ctx).Where("entry_id = ?", entryID).Delete(&Entry{}).Error; err != nil {
		s.logger.Error("sync queue remove failed",
			zap.String("operation", opRemove),
			zap.String("entry_id", entryID),
			zap.Error(err))
		return newServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// RecordFailure increments the retry counter and stores the error text.
// On the MaxRetries-th failure the entry is dropped and ErrRetriesExhausted
// is returned so the caller can surface a permanent, named failure.
func (s *Service) RecordFailure(ctx context.Context, entryID string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > 500 {
		message = message[:500]
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Where("entry_id = ?", entryID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRecordFailure, "entry_not_found", ErrEntryNotFound)
		}
		if err != nil {
			return newServiceError(opRecordFailure, "select_failed", err)
		}

		entry.RetryCount++
		if entry.RetryCount >= MaxRetries {
			if err := tx.Where("entry_id = ?", entryID).Delete(&Entry{}).Error; err != nil {
				return newServiceError(opRecordFailure, "drop_failed", err)
			}
			s.logger.Warn("sync queue entry dropped after retry ceiling",
				zap.String("operation", opRecordFailure),
				zap.String("entry_id", entryID),
				zap.String("record_id", entry.RecordID),
				zap.Int("retry_count", entry.RetryCount),
				zap.String("last_error", message))
			return fmt.Errorf("%w: %s %s/%s", ErrRetriesExhausted, entry.Operation, entry.TableKey, entry.RecordID)
		}

		// The entry stays in flight so the same pass cannot dequeue it
		// again; ReleaseInFlight at pass end makes it retryable.
		updates := map[string]any{
			"retry_count": entry.RetryCount,
			"last_error":  message,
		}
		if err := tx.Model(&Entry{}).Where("entry_id = ?", entryID).Updates(updates).Error; err != nil {
			return newServiceError(opRecordFailure, "update_failed", err)
		}
		return nil
	})
}

// PendingCount returns the number of queued entries for the owner.
func (s *Service) PendingCount(ctx context.Context, ownerID record.OwnerID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("owner_id = ?", ownerID.String()).
		Count(&count).Error
	if err != nil {
		s.logger.Error("sync queue count failed",
			zap.String("operation", opPendingCount),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return 0, newServiceError(opPendingCount, "count_failed", err)
	}
	return count, nil
}

// HasPending reports whether any entry, in flight or not, exists for the
// record. The engine checks this before clearing dirty flags so an edit
// made while a push was airborne is not lost.
func (s *Service) HasPending(ctx context.Context, ownerID record.OwnerID, table record.Table, recordID record.RecordID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("owner_id = ? AND table_key = ? AND record_id = ?",
			ownerID.String(), table.String(), recordID.String()).
		Count(&count).Error
	if err != nil {
		return false, newServiceError(opPendingCount, "count_failed", err)
	}
	return count > 0, nil
}

// ReleaseInFlight clears the in-flight marker on every entry for the
// owner. Called when a pass ends so aborted pushes become retryable.
func (s *Service) ReleaseInFlight(ctx context.Context, ownerID record.OwnerID) error {
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("owner_id = ? AND in_flight = ?", ownerID.String(), true).
		Update("in_flight", false).Error
	if err != nil {
		s.logger.Error("sync queue release failed",
			zap.String("operation", opRelease),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return newServiceError(opRelease, "update_failed", err)
	}
	return nil
}

// Clear drops every queued entry for the owner. Used by force sync, which
// discards local intent and re-seeds from the remote authority.
func (s *Service) Clear(ctx context.Context, ownerID record.OwnerID) error {
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID.String()).Delete(&Entry{}).Error; err != nil {
		s.logger.Error("sync queue clear failed",
			zap.String("operation", opRemove),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return newServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// PurgeDead removes entries enqueued before the cutoff that already hit
// the retry ceiling. Normal operation drops them at the ceiling; this is
// the opportunistic sweep for rows left behind by older versions.
func (s *Service) PurgeDead(ctx context.Context, ownerID record.OwnerID, beforeSeconds int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND enqueued_at_s < ? AND retry_count >= ?",
			ownerID.String(), beforeSeconds, MaxRetries).
		Delete(&Entry{})
	if result.Error != nil {
		s.logger.Error("sync queue purge failed",
			zap.String("operation", opPurgeDead),
			zap.String("owner_id", ownerID.String()),
			zap.Error(result.Error))
		return 0, newServiceError(opPurgeDead, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
