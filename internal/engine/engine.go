package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shinnkura/donezo/internal/changelog"
	"github.com/shinnkura/donezo/internal/conflict"
	"github.com/shinnkura/donezo/internal/record"
	"github.com/shinnkura/donezo/internal/remote"
	"github.com/shinnkura/donezo/internal/store"
	"github.com/shinnkura/donezo/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBatchSize          = 50
	defaultChangeLogRetention = 30 * 24 * time.Hour
	defaultQueueRetention     = 7 * 24 * time.Hour
)

var (
	// ErrPassInFlight reports that a pass was requested while one is
	// already running. Triggers treat this as a no-op.
	ErrPassInFlight = errors.New("engine: reconciliation pass already in flight")
	// ErrOffline reports that a pass was requested while offline.
	ErrOffline = errors.New("engine: offline")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingStore      = errors.New("store service is required")
	errMissingQueue      = errors.New("sync queue service is required")
	errMissingChangeLog  = errors.New("change log service is required")
	errMissingConflicts  = errors.New("conflict service is required")
	errMissingRemote     = errors.New("remote authority is required")
	errMissingOwner      = errors.New("owner id is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Config wires the reconciliation engine's collaborators. One engine
// instance serves one owner session.
type Config struct {
	Database   *gorm.DB
	Store      *store.Service
	Queue      *syncqueue.Service
	ChangeLog  *changelog.Service
	Conflicts  *conflict.Service
	Remote     remote.Authority
	OwnerID    record.OwnerID
	IDProvider store.IDProvider
	Policy     conflict.FieldPolicy
	Clock      func() time.Time
	Logger     *zap.Logger
	BatchSize  int
	// ChangeLogRetention bounds how long synced journal rows survive
	// housekeeping; QueueRetention does the same for dead queue entries.
	ChangeLogRetention time.Duration
	QueueRetention     time.Duration
	// Publish, when set, receives sync events for fan-out.
	Publish func(Event)
}

type failureState struct {
	reason    string
	terminal  bool
	atSeconds int64
}

// Engine orchestrates reconciliation passes: drain the queue, pull remote
// deltas, route conflicts, advance the watermark. The syncing flag is its
// only lock; at most one pass runs per owner session.
type Engine struct {
	db                 *gorm.DB
	store              *store.Service
	queue              *syncqueue.Service
	changeLog          *changelog.Service
	conflicts          *conflict.Service
	remote             remote.Authority
	ownerID            record.OwnerID
	idProvider         store.IDProvider
	policy             conflict.FieldPolicy
	clock              func() time.Time
	logger             *zap.Logger
	batchSize          int
	changeLogRetention time.Duration
	queueRetention     time.Duration
	publish            func(Event)

	syncing         atomic.Bool
	online          atomic.Bool
	offlineOverride atomic.Bool
	phase           atomic.Value

	failureMu   sync.Mutex
	lastFailure failureState
}

// New validates the configuration and constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.ChangeLog == nil {
		return nil, errMissingChangeLog
	}
	if cfg.Conflicts == nil {
		return nil, errMissingConflicts
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.OwnerID.String() == "" {
		return nil, errMissingOwner
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	policy := cfg.Policy
	if policy == nil {
		policy = conflict.DefaultFieldPolicy()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	changeLogRetention := cfg.ChangeLogRetention
	if changeLogRetention <= 0 {
		changeLogRetention = defaultChangeLogRetention
	}
	queueRetention := cfg.QueueRetention
	if queueRetention <= 0 {
		queueRetention = defaultQueueRetention
	}

	e := &Engine{
		db:                 cfg.Database,
		store:              cfg.Store,
		queue:              cfg.Queue,
		changeLog:          cfg.ChangeLog,
		conflicts:          cfg.Conflicts,
		remote:             cfg.Remote,
		ownerID:            cfg.OwnerID,
		idProvider:         cfg.IDProvider,
		policy:             policy,
		clock:              clock,
		logger:             logger,
		batchSize:          batchSize,
		changeLogRetention: changeLogRetention,
		queueRetention:     queueRetention,
		publish:            cfg.Publish,
	}
	e.online.Store(true)
	e.phase.Store(PhaseIdle)
	return e, nil
}

// SetOnline records the connectivity state reported by the signal source.
// The engine never detects connectivity itself.
func (e *Engine) SetOnline(online bool) {
	e.online.Store(online)
}

// SetOfflineOverride suppresses pass scheduling even while the signal
// source reports online.
func (e *Engine) SetOfflineOverride(offline bool) {
	e.offlineOverride.Store(offline)
}

// Online reports whether passes may be scheduled.
func (e *Engine) Online() bool {
	return e.online.Load() && !e.offlineOverride.Load()
}

// OwnerID returns the owner this engine instance serves.
func (e *Engine) OwnerID() record.OwnerID {
	return e.ownerID
}

// Status returns the queryable sync state: connectivity, in-flight flag,
// watermark, pending-queue size, live record counts, and the most recent
// failure with its terminal-versus-retrying distinction.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.PendingCount(ctx, e.ownerID)
	if err != nil {
		return Status{}, err
	}
	watermark, err := e.loadWatermark(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := e.store.CountByTable(ctx, e.ownerID)
	if err != nil {
		return Status{}, err
	}
	recordCounts := make(map[string]int64, len(counts))
	for table, count := range counts {
		recordCounts[table.String()] = count
	}

	e.failureMu.Lock()
	failure := e.lastFailure
	e.failureMu.Unlock()

	return Status{
		IsOnline:            e.Online(),
		IsSyncing:           e.syncing.Load(),
		Phase:               e.currentPhase(),
		WatermarkSeconds:    watermark,
		PendingCount:        pending,
		RecordCounts:        recordCounts,
		LastFailure:         failure.reason,
		LastFailureTerminal: failure.terminal,
		LastFailureSeconds:  failure.atSeconds,
	}, nil
}

// RunPass executes one reconciliation pass: push, pull, reconcile,
// advance watermark, housekeep. Only one pass runs at a time; a request
// arriving mid-pass returns ErrPassInFlight and is otherwise a no-op.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	if !e.Online() {
		return PassResult{}, ErrOffline
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInFlight
	}
	defer e.syncing.Store(false)
	defer e.setPhase(PhaseIdle)

	result := PassResult{}

	e.setPhase(PhasePushing)
	if err := e.push(ctx, &result); err != nil {
		e.failPass(err)
		return result, err
	}

	e.setPhase(PhasePulling)
	if err := e.pull(ctx, &result); err != nil {
		e.failPass(err)
		return result, err
	}

	e.housekeep(ctx)

	e.clearRetryableFailure()
	e.emit(EventPassCompleted, fmt.Sprintf("pushed=%d pulled=%d conflicts=%d", result.Pushed, result.Pulled, result.Conflicts))
	e.logger.Info("reconciliation pass completed",
		zap.Int("pushed", result.Pushed),
		zap.Int("push_failed", result.PushFailed),
		zap.Int("dropped", result.Dropped),
		zap.Int("pulled", result.Pulled),
		zap.Int("conflicts", result.Conflicts),
		zap.Bool("full_sync", result.FullSync))
	return result, nil
}

// ForceSync discards all queued local intent and replaces the store from
// the remote authority: the queue is cleared, the watermark reset, and a
// full pass runs.
func (e *Engine) ForceSync(ctx context.Context) (PassResult, error) {
	if !e.Online() {
		return PassResult{}, ErrOffline
	}
	if err := e.queue.Clear(ctx, e.ownerID); err != nil {
		return PassResult{}, err
	}
	if err := e.resetWatermark(ctx); err != nil {
		return PassResult{}, err
	}
	return e.RunPass(ctx)
}

func (e *Engine) push(ctx context.Context, result *PassResult) error {
	defer func() {
		if err := e.queue.ReleaseInFlight(ctx, e.ownerID); err != nil {
			e.logger.Warn("failed to release in-flight queue entries", zap.Error(err))
		}
	}()

	for {
		batch, err := e.queue.DequeueBatch(ctx, e.ownerID, e.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, entry := range batch {
			if err := e.pushEntry(ctx, entry, result); err != nil {
				// Auth failures poison every remaining call; abort the
				// pass without advancing the watermark.
				return err
			}
		}
	}
}

func (e *Engine) pushEntry(ctx context.Context, entry syncqueue.Entry, result *PassResult) error {
	table, err := record.ParseTable(entry.TableKey)
	if err != nil {
		// A corrupt entry can never push; drop it and keep going.
		e.logger.Error("queue entry has unknown table, dropping",
			zap.String("entry_id", entry.EntryID),
			zap.String("table", entry.TableKey))
		return e.queue.Remove(ctx, entry.EntryID)
	}
	recordID, err := record.NewRecordID(entry.RecordID)
	if err != nil {
		e.logger.Error("queue entry has invalid record id, dropping",
			zap.String("entry_id", entry.EntryID))
		return e.queue.Remove(ctx, entry.EntryID)
	}

	updatedAt := int64(0)
	row, getErr := e.store.Get(ctx, table, recordID, true)
	switch {
	case getErr != nil:
		e.logger.Warn("push proceeding without local timestamp",
			zap.String("entry_id", entry.EntryID),
			zap.String("record_id", entry.RecordID),
			zap.Error(getErr))
	case row != nil:
		updatedAt = row.UpdatedAtSeconds
	}

	_, applyErr := e.remote.Apply(ctx, remote.ApplyRequest{
		Table:            table,
		Operation:        entry.Operation,
		RecordID:         recordID,
		OwnerID:          e.ownerID,
		PayloadJSON:      entry.PayloadJSON,
		UpdatedAtSeconds: updatedAt,
	})

	switch {
	case applyErr == nil:
		return e.acknowledgePush(ctx, entry, table, recordID, result)

	case errors.Is(applyErr, remote.ErrAuth):
		e.logger.Warn("push aborted by auth failure",
			zap.String("entry_id", entry.EntryID),
			zap.Error(applyErr))
		return applyErr

	case errors.Is(applyErr, remote.ErrValidation):
		// Retrying a rejected payload cannot succeed: drop the entry now
		// and leave the record dirty so the divergence stays visible.
		e.logger.Warn("push rejected by remote validation, dropping entry",
			zap.String("entry_id", entry.EntryID),
			zap.String("record_id", entry.RecordID),
			zap.Error(applyErr))
		if err := e.queue.Remove(ctx, entry.EntryID); err != nil {
			return err
		}
		e.recordFailure(fmt.Sprintf("validation: %s %s/%s: %v", entry.Operation, entry.TableKey, entry.RecordID, applyErr), true)
		result.Dropped++
		return nil

	default:
		failErr := e.queue.RecordFailure(ctx, entry.EntryID, applyErr)
		if errors.Is(failErr, syncqueue.ErrRetriesExhausted) {
			e.recordFailure(failErr.Error(), true)
			result.Dropped++
			return nil
		}
		if failErr != nil {
			return failErr
		}
		result.PushFailed++
		return nil
	}
}

func (e *Engine) acknowledgePush(ctx context.Context, entry syncqueue.Entry, table record.Table, recordID record.RecordID, result *PassResult) error {
	now := e.clock().UTC()

	// Only the journal rows this entry carried are settled. A mutation
	// journaled while the entry was airborne sits on a fresh queue entry
	// and stays unsynced until its own push lands.
	if err := e.changeLog.MarkSynced(ctx, entry.JournalIDs()); err != nil {
		return err
	}
	if err := e.queue.Remove(ctx, entry.EntryID); err != nil {
		return err
	}

	hasPending, err := e.queue.HasPending(ctx, e.ownerID, table, recordID)
	if err != nil {
		return err
	}
	if hasPending {
		// The record was edited again while this entry was airborne; the
		// next pass carries the new state, so dirty stays set.
		result.Pushed++
		return nil
	}

	if entry.Operation == record.OperationDelete {
		// Acknowledged delete: the tombstone has served its purpose.
		if err := e.store.DropRecord(ctx, table, recordID); err != nil {
			return err
		}
	} else {
		if err := e.store.MarkSynced(ctx, table, recordID, now); err != nil {
			return err
		}
	}
	result.Pushed++
	return nil
}

func (e *Engine) pull(ctx context.Context, result *PassResult) error {
	watermark, err := e.loadWatermark(ctx)
	if err != nil {
		return err
	}

	if watermark == nil {
		snapshot, err := e.remote.FetchFull(ctx, e.ownerID)
		if err != nil {
			return err
		}
		e.setPhase(PhaseReconciling)
		if err := e.applyFullSnapshot(ctx, snapshot, result); err != nil {
			return err
		}
		result.FullSync = true
		return e.advanceWatermark(ctx, snapshot.AsOfSeconds, result)
	}

	snapshot, err := e.remote.FetchDelta(ctx, e.ownerID, *watermark)
	if err != nil {
		return err
	}
	e.setPhase(PhaseReconciling)
	for _, incoming := range snapshot.All() {
		if err := e.reconcileRecord(ctx, incoming, result); err != nil {
			return err
		}
	}
	return e.advanceWatermark(ctx, snapshot.AsOfSeconds, result)
}

func (e *Engine) applyFullSnapshot(ctx context.Context, snapshot remote.Snapshot, result *PassResult) error {
	now := e.clock().UTC().Unix()
	rows := make([]record.Record, 0, len(snapshot.Tasks)+len(snapshot.Projects)+len(snapshot.Sessions))
	for _, incoming := range snapshot.All() {
		if incoming.IsDeleted {
			continue
		}
		row := incoming
		row.OwnerID = e.ownerID.String()
		row.IsDirty = false
		syncedAt := now
		row.LastSyncedAtSeconds = &syncedAt
		rows = append(rows, row)
	}
	if err := e.store.ReplaceForOwner(ctx, e.ownerID, rows); err != nil {
		return err
	}
	result.Pulled += len(rows)
	return nil
}

func (e *Engine) reconcileRecord(ctx context.Context, incoming record.Record, result *PassResult) error {
	table, err := incoming.Table()
	if err != nil {
		return err
	}
	recordID, err := record.NewRecordID(incoming.RecordID)
	if err != nil {
		return err
	}

	now := e.clock().UTC()
	local, err := e.store.Get(ctx, table, recordID, true)
	if err != nil {
		return err
	}

	if local == nil {
		if incoming.IsDeleted {
			return nil
		}
		return e.saveRemote(ctx, incoming, now, result)
	}

	if !local.IsDirty {
		// Remote always wins over a clean local copy; a remote tombstone
		// marks the row deleted so it vanishes from queries.
		return e.saveRemote(ctx, incoming, now, result)
	}

	detected, err := conflict.Detect(*local, incoming, e.policy, now)
	if err != nil {
		return err
	}
	if detected == nil {
		if local.UpdatedAtSeconds == incoming.UpdatedAtSeconds {
			return e.applyEqualTimestamp(ctx, *local, incoming, table, recordID, now, result)
		}
		// Timestamps diverged without touching any important field: not a
		// conflict, remote overwrites and dirty is cleared.
		return e.saveRemote(ctx, incoming, now, result)
	}

	if err := e.conflicts.Save(ctx, *detected); err != nil {
		return err
	}
	e.emit(EventConflictDetected, detected.ConflictID)
	e.logger.Info("conflict detected",
		zap.String("conflict_id", detected.ConflictID),
		zap.String("fields", detected.ConflictFieldsJSON))
	result.Conflicts++
	return nil
}

func (e *Engine) applyEqualTimestamp(ctx context.Context, local, incoming record.Record, table record.Table, recordID record.RecordID, now time.Time, result *PassResult) error {
	fields, err := conflict.DivergentFields(local, incoming, e.policy.Fields(table))
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		// Equal timestamps with differing content is a caller bug, not a
		// conflict; remote takes precedence.
		e.logger.Warn("equal timestamps with divergent content, applying remote",
			zap.String("table", table.String()),
			zap.String("record_id", recordID.String()),
			zap.Strings("fields", fields))
	}

	hasPending, err := e.queue.HasPending(ctx, e.ownerID, table, recordID)
	if err != nil {
		return err
	}
	row := incoming
	row.OwnerID = e.ownerID.String()
	row.IsDirty = hasPending
	if !hasPending {
		syncedAt := now.Unix()
		row.LastSyncedAtSeconds = &syncedAt
	}
	if err := e.store.SaveSynced(ctx, row); err != nil {
		return err
	}
	result.Pulled++
	return nil
}

func (e *Engine) saveRemote(ctx context.Context, incoming record.Record, now time.Time, result *PassResult) error {
	row := incoming
	row.OwnerID = e.ownerID.String()
	row.IsDirty = false
	syncedAt := now.Unix()
	row.LastSyncedAtSeconds = &syncedAt
	if row.CreatedAtSeconds == 0 {
		row.CreatedAtSeconds = row.UpdatedAtSeconds
	}
	if err := e.store.SaveSynced(ctx, row); err != nil {
		return err
	}
	result.Pulled++
	return nil
}

// ResolveConflict applies a resolution strategy to a stored conflict. A
// local or merged outcome is a new local edit: it is journaled and
// re-queued inside the same transaction. A remote outcome overwrites the
// local copy clean. The conflict row is removed once applied.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy) (record.Record, error) {
	stored, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return record.Record{}, err
	}

	table, err := record.ParseTable(stored.TableKey)
	if err != nil {
		return record.Record{}, err
	}
	recordID, err := record.NewRecordID(stored.RecordID)
	if err != nil {
		return record.Record{}, err
	}

	local := stored.LocalRecord()
	if current, err := e.store.Get(ctx, table, recordID, true); err == nil && current != nil {
		local = *current
	}
	now := e.clock().UTC()
	resolved, err := conflict.Resolve(local, stored.RemoteRecord(), strategy, now)
	if err != nil {
		return record.Record{}, err
	}
	resolved.OwnerID = e.ownerID.String()
	if resolved.CreatedAtSeconds == 0 {
		resolved.CreatedAtSeconds = local.CreatedAtSeconds
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&resolved).Error; err != nil {
			return err
		}
		if resolved.IsDirty {
			entryID, err := e.idProvider.NewID()
			if err != nil {
				return err
			}
			entry := changelog.Entry{
				EntryID:          entryID,
				OwnerID:          resolved.OwnerID,
				TableKey:         resolved.TableKey,
				RecordID:         resolved.RecordID,
				Operation:        record.OperationUpdate,
				BeforeJSON:       local.PayloadJSON,
				AfterJSON:        resolved.PayloadJSON,
				AppliedAtSeconds: now.Unix(),
			}
			if err := e.changeLog.WithDB(tx).Append(ctx, entry); err != nil {
				return err
			}
			operation := record.OperationUpdate
			payload := resolved.PayloadJSON
			if resolved.IsDeleted {
				operation = record.OperationDelete
				payload = ""
			}
			if err := e.queue.WithDB(tx).Enqueue(ctx, syncqueue.EnqueueRequest{
				OwnerID:     e.ownerID,
				Table:       table,
				RecordID:    recordID,
				Operation:   operation,
				PayloadJSON: payload,
				JournalID:   entryID,
			}); err != nil {
				return err
			}
		}
		return e.conflicts.WithDB(tx).Delete(ctx, conflictID)
	})
	if txErr != nil {
		return record.Record{}, txErr
	}

	e.emit(EventConflictResolved, conflictID)
	return resolved, nil
}

func (e *Engine) housekeep(ctx context.Context) {
	now := e.clock().UTC()

	changeLogCutoff := now.Add(-e.changeLogRetention).Unix()
	if purged, err := e.changeLog.PurgeSynced(ctx, e.ownerID, changeLogCutoff); err != nil {
		e.logger.Warn("change log housekeeping failed", zap.Error(err))
	} else if purged > 0 {
		e.logger.Debug("purged synced change log rows", zap.Int64("count", purged))
	}

	queueCutoff := now.Add(-e.queueRetention).Unix()
	if purged, err := e.queue.PurgeDead(ctx, e.ownerID, queueCutoff); err != nil {
		e.logger.Warn("queue housekeeping failed", zap.Error(err))
	} else if purged > 0 {
		e.logger.Debug("purged dead queue entries", zap.Int64("count", purged))
	}
}

func (e *Engine) loadWatermark(ctx context.Context) (*int64, error) {
	var row StateRow
	err := e.db.WithContext(ctx).Where("owner_id = ?", e.ownerID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.WatermarkSeconds, nil
}

func (e *Engine) advanceWatermark(ctx context.Context, asOfSeconds int64, result *PassResult) error {
	if asOfSeconds <= 0 {
		return nil
	}
	current, err := e.loadWatermark(ctx)
	if err != nil {
		return err
	}
	// Monotonic: a stale as-of never moves the watermark backwards.
	if current != nil && asOfSeconds < *current {
		result.WatermarkSeconds = current
		return nil
	}

	row := StateRow{
		OwnerID:          e.ownerID.String(),
		WatermarkSeconds: &asOfSeconds,
		UpdatedAtSeconds: e.clock().UTC().Unix(),
	}
	err = e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return err
	}
	result.WatermarkSeconds = &asOfSeconds
	return nil
}

func (e *Engine) resetWatermark(ctx context.Context) error {
	return e.db.WithContext(ctx).
		Where("owner_id = ?", e.ownerID.String()).
		Delete(&StateRow{}).Error
}

func (e *Engine) setPhase(phase Phase) {
	e.phase.Store(phase)
}

func (e *Engine) currentPhase() Phase {
	if phase, ok := e.phase.Load().(Phase); ok {
		return phase
	}
	return PhaseIdle
}

func (e *Engine) recordFailure(reason string, terminal bool) {
	e.failureMu.Lock()
	e.lastFailure = failureState{
		reason:    reason,
		terminal:  terminal,
		atSeconds: e.clock().UTC().Unix(),
	}
	e.failureMu.Unlock()
}

func (e *Engine) clearRetryableFailure() {
	e.failureMu.Lock()
	if !e.lastFailure.terminal {
		e.lastFailure = failureState{}
	}
	e.failureMu.Unlock()
}

func (e *Engine) failPass(err error) {
	e.recordFailure(err.Error(), false)
	e.emit(EventPassFailed, err.Error())
	e.logger.Warn("reconciliation pass failed", zap.Error(err))
}

func (e *Engine) emit(eventType, detail string) {
	if e.publish == nil {
		return
	}
	e.publish(Event{
		Type:             eventType,
		OwnerID:          e.ownerID.String(),
		Detail:           detail,
		OccurredAtSecond: e.clock().UTC().Unix(),
	})
}
