package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/shinnkura/donezo/internal/changelog"
	"github.com/shinnkura/donezo/internal/conflict"
	"github.com/shinnkura/donezo/internal/record"
	"github.com/shinnkura/donezo/internal/remote"
	"github.com/shinnkura/donezo/internal/store"
	"github.com/shinnkura/donezo/internal/syncqueue"
)

var engineNow = time.Unix(1700000600, 0).UTC()

type fakeAuthority struct {
	mu           sync.Mutex
	applyErr     error
	applyErrFrom int
	onApply      func()
	applied      []remote.ApplyRequest
	full         remote.Snapshot
	delta        remote.Snapshot
	deltaSince   []int64
	fullStarted  chan struct{}
	fullBlock    chan struct{}
}

func (f *fakeAuthority) Apply(_ context.Context, request remote.ApplyRequest) (*record.Record, error) {
	f.mu.Lock()
	f.applied = append(f.applied, request)
	callNumber := len(f.applied)
	callback := f.onApply
	f.onApply = nil
	applyErr := f.applyErr
	if callNumber < f.applyErrFrom {
		applyErr = nil
	}
	f.mu.Unlock()

	if callback != nil {
		callback()
	}
	if applyErr != nil {
		return nil, applyErr
	}
	return nil, nil
}

func (f *fakeAuthority) FetchFull(context.Context, record.OwnerID) (remote.Snapshot, error) {
	f.mu.Lock()
	started := f.fullStarted
	f.fullStarted = nil
	block := f.fullBlock
	snapshot := f.full
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	return snapshot, nil
}

func (f *fakeAuthority) FetchDelta(_ context.Context, _ record.OwnerID, sinceSeconds int64) (remote.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaSince = append(f.deltaSince, sinceSeconds)
	return f.delta, nil
}

func (f *fakeAuthority) deltaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deltaSince)
}

func (f *fakeAuthority) appliedRequests() []remote.ApplyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.ApplyRequest(nil), f.applied...)
}

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("generated-%d", g.next), nil
}

type harness struct {
	engine    *Engine
	db        *gorm.DB
	store     *store.Service
	queue     *syncqueue.Service
	conflicts *conflict.Service
	authority *fakeAuthority
	ownerID   record.OwnerID
	events    []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&record.Record{}, &changelog.Entry{}, &syncqueue.Entry{}, &conflict.Record{}, &StateRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return engineNow }
	changeLog, err := changelog.NewService(changelog.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct change log: %v", err)
	}
	queue, err := syncqueue.NewService(syncqueue.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	conflicts, err := conflict.NewService(conflict.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct conflicts: %v", err)
	}
	localStore, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDGenerator{},
		ChangeLog:  changeLog,
		Queue:      queue,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	ownerID, err := record.NewOwnerID("owner-1")
	if err != nil {
		t.Fatalf("invalid owner id: %v", err)
	}

	authority := &fakeAuthority{}
	h := &harness{
		db:        db,
		store:     localStore,
		queue:     queue,
		conflicts: conflicts,
		authority: authority,
		ownerID:   ownerID,
	}

	h.engine, err = New(Config{
		Database:   db,
		Store:      localStore,
		Queue:      queue,
		ChangeLog:  changeLog,
		Conflicts:  conflicts,
		Remote:     authority,
		OwnerID:    ownerID,
		IDProvider: &sequenceIDGenerator{},
		Clock:      clock,
		Publish:    func(event Event) { h.events = append(h.events, event) },
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return h
}

func (h *harness) seedWatermark(t *testing.T, seconds int64) {
	t.Helper()
	row := StateRow{OwnerID: h.ownerID.String(), WatermarkSeconds: &seconds, UpdatedAtSeconds: engineNow.Unix()}
	if err := h.db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed watermark: %v", err)
	}
}

func (h *harness) seedDirtyRecord(t *testing.T, recordID, payloadJSON string, updatedAt int64) {
	t.Helper()
	row := record.Record{
		TableKey:         record.TableTasks.String(),
		RecordID:         recordID,
		OwnerID:          h.ownerID.String(),
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: updatedAt - 100,
		UpdatedAtSeconds: updatedAt,
		IsDirty:          true,
	}
	if err := h.db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}

func (h *harness) queueCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&syncqueue.Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count queue entries: %v", err)
	}
	return count
}

func remoteTask(id, payloadJSON string, updatedAt int64) record.Record {
	return record.Record{
		TableKey:         record.TableTasks.String(),
		RecordID:         id,
		OwnerID:          "owner-1",
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: updatedAt - 50,
		UpdatedAtSeconds: updatedAt,
	}
}

func TestFirstPassRunsFullSync(t *testing.T) {
	h := newHarness(t)
	tombstone := remoteTask("task-gone", `{}`, 1700000100)
	tombstone.IsDeleted = true
	h.authority.full = remote.Snapshot{
		Tasks:       []record.Record{remoteTask("task-1", `{"title":"a"}`, 1700000100), tombstone},
		Projects:    []record.Record{remoteTask("proj-1", `{"name":"p"}`, 1700000200)},
		AsOfSeconds: 1700000500,
	}
	h.authority.full.Projects[0].TableKey = record.TableProjects.String()

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FullSync {
		t.Fatalf("expected full sync on first pass")
	}
	if result.Pulled != 2 {
		t.Fatalf("expected 2 pulled rows, got %d", result.Pulled)
	}
	if result.WatermarkSeconds == nil || *result.WatermarkSeconds != 1700000500 {
		t.Fatalf("expected watermark 1700000500, got %#v", result.WatermarkSeconds)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || row.IsDirty {
		t.Fatalf("expected clean pulled record, got %#v", row)
	}
	gone, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-gone"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected snapshot tombstone to be skipped")
	}
}

func TestPushAcknowledgmentClearsDirty(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.authority.delta = remote.Snapshot{AsOfSeconds: 1700000550}

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{"title":"a"}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Pushed != 1 {
		t.Fatalf("expected 1 pushed entry, got %d", result.Pushed)
	}

	applied := h.authority.appliedRequests()
	if len(applied) != 1 || applied[0].Operation != record.OperationCreate || applied[0].PayloadJSON != `{"title":"a"}` {
		t.Fatalf("unexpected apply requests %#v", applied)
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected empty queue after acknowledgment")
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || row.IsDirty {
		t.Fatalf("expected clean record, got %#v", row)
	}
	if row.LastSyncedAtSeconds == nil || *row.LastSyncedAtSeconds != engineNow.Unix() {
		t.Fatalf("expected synced stamp, got %#v", row.LastSyncedAtSeconds)
	}

	var journalUnsynced int64
	if err := h.db.Model(&changelog.Entry{}).Where("synced = ?", false).Count(&journalUnsynced).Error; err != nil {
		t.Fatalf("failed to count journal rows: %v", err)
	}
	if journalUnsynced != 0 {
		t.Fatalf("expected journal rows marked synced, got %d unsynced", journalUnsynced)
	}

	if len(h.events) == 0 || h.events[len(h.events)-1].Type != EventPassCompleted {
		t.Fatalf("expected pass-completed event, got %#v", h.events)
	}
}

func TestAcknowledgedDeleteDropsRow(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{"title":"a"}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	if _, err := h.store.SoftDeleteRecord(context.Background(), record.TableTasks, mustRecordID(t, "task-1")); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}

	if _, err := h.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row != nil {
		t.Fatalf("expected acknowledged tombstone to be dropped, got %#v", row)
	}
}

func TestEditDuringAirbornePushIsNotLost(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{"title":"v1"}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	// The edit lands while the first entry is airborne, so it must open a
	// fresh queue entry instead of rewriting the one being pushed.
	h.authority.onApply = func() {
		if _, err := h.store.UpdateRecord(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), `{"title":"v2"}`); err != nil {
			t.Errorf("mid-flight update failed: %v", err)
		}
	}

	if _, err := h.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied := h.authority.appliedRequests()
	if len(applied) != 2 {
		t.Fatalf("expected both versions pushed, got %d requests", len(applied))
	}
	if applied[1].PayloadJSON != `{"title":"v2"}` {
		t.Fatalf("expected second push to carry the new edit, got %s", applied[1].PayloadJSON)
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected drained queue")
	}
}

func TestPushWarnsWhenLocalTimestampLookupFails(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.authority.applyErr = fmt.Errorf("%w: connection refused", remote.ErrNetwork)

	core, logs := observer.New(zap.WarnLevel)
	h.engine.logger = zap.New(core)

	entry := syncqueue.Entry{
		EntryID:           "entry-1",
		OwnerID:           h.ownerID.String(),
		TableKey:          record.TableTasks.String(),
		RecordID:          "task-1",
		Operation:         record.OperationUpdate,
		PayloadJSON:       `{"title":"a"}`,
		EnqueuedAtSeconds: engineNow.Unix(),
		Priority:          1,
	}
	if err := h.db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed queue entry: %v", err)
	}
	// Sabotage the lookup so the push has to proceed without a timestamp.
	if err := h.db.Migrator().DropTable(&record.Record{}); err != nil {
		t.Fatalf("failed to drop records table: %v", err)
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PushFailed != 1 {
		t.Fatalf("expected 1 failed push, got %d", result.PushFailed)
	}
	if logs.FilterMessage("push proceeding without local timestamp").Len() != 1 {
		t.Fatalf("expected the discarded lookup error to be logged")
	}
}

func TestJournalRowsForMidFlightEditStayUnsynced(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	// The first push lands; the push carrying the airborne edit fails.
	h.authority.applyErr = fmt.Errorf("%w: connection refused", remote.ErrNetwork)
	h.authority.applyErrFrom = 2

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{"title":"v1"}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	h.authority.onApply = func() {
		if _, err := h.store.UpdateRecord(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), `{"title":"v2"}`); err != nil {
			t.Errorf("mid-flight update failed: %v", err)
		}
	}

	if _, err := h.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.queueCount(t) != 1 {
		t.Fatalf("expected the failed entry to remain queued, got %d", h.queueCount(t))
	}

	var journal []changelog.Entry
	if err := h.db.Order("applied_at_s ASC, entry_id ASC").Find(&journal).Error; err != nil {
		t.Fatalf("failed to load journal: %v", err)
	}
	if len(journal) != 2 {
		t.Fatalf("expected 2 journal rows, got %d", len(journal))
	}
	if !journal[0].Synced {
		t.Fatalf("expected acknowledged create row to be synced")
	}
	if journal[1].Synced {
		t.Fatalf("expected journal row for the unpushed edit to stay unsynced")
	}
	if journal[1].AfterJSON != `{"title":"v2"}` {
		t.Fatalf("expected edit row to carry the new payload, got %s", journal[1].AfterJSON)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil || row == nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if !row.IsDirty {
		t.Fatalf("expected record to stay dirty while the edit is queued")
	}
}

func TestNetworkFailureFeedsRetryCounter(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.authority.applyErr = fmt.Errorf("%w: connection refused", remote.ErrNetwork)

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PushFailed != 1 {
		t.Fatalf("expected 1 failed push, got %d", result.PushFailed)
	}

	var entry syncqueue.Entry
	if err := h.db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load queue entry: %v", err)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", entry.RetryCount)
	}
	if entry.InFlight {
		t.Fatalf("expected entry released for the next pass")
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || !row.IsDirty {
		t.Fatalf("expected record to stay dirty, got %#v", row)
	}
}

func TestValidationFailureDropsEntryAndRecordsTerminalFailure(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.authority.applyErr = fmt.Errorf("%w: title too long", remote.ErrValidation)

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Dropped != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", result.Dropped)
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected rejected entry removed from queue")
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || !row.IsDirty {
		t.Fatalf("expected record to stay dirty so the divergence is visible, got %#v", row)
	}

	status, err := h.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.LastFailureTerminal || status.LastFailure == "" {
		t.Fatalf("expected terminal failure in status, got %#v", status)
	}
}

func TestAuthFailureAbortsPass(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.authority.applyErr = fmt.Errorf("%w: token expired", remote.ErrAuth)

	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-1", `{}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	_, err := h.engine.RunPass(context.Background())
	if !errors.Is(err, remote.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if h.queueCount(t) != 1 {
		t.Fatalf("expected entry to survive the aborted pass")
	}
	var entry syncqueue.Entry
	if err := h.db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load queue entry: %v", err)
	}
	if entry.InFlight {
		t.Fatalf("expected in-flight marker released after abort")
	}
	if len(h.authority.deltaSince) != 0 {
		t.Fatalf("expected no pull after an aborted push")
	}
}

func TestRetryCeilingDropsEntryPermanently(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.authority.applyErr = fmt.Errorf("%w: still unreachable", remote.ErrNetwork)

	h.seedDirtyRecord(t, "task-1", `{"title":"a"}`, 1700000200)
	entry := syncqueue.Entry{
		EntryID: "entry-1", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-1",
		Operation: record.OperationUpdate, PayloadJSON: `{"title":"a"}`,
		EnqueuedAtSeconds: 1700000200, Priority: 1, RetryCount: syncqueue.MaxRetries - 1,
	}
	if err := h.db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed queue entry: %v", err)
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Dropped != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", result.Dropped)
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected exhausted entry removed")
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || !row.IsDirty {
		t.Fatalf("expected record to stay dirty after permanent failure, got %#v", row)
	}

	status, err := h.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.LastFailureTerminal {
		t.Fatalf("expected terminal failure, got %#v", status)
	}
}

func TestDeltaOverwritesCleanLocalRecord(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)

	seeded := remoteTask("task-1", `{"title":"old"}`, 1700000100)
	seeded.OwnerID = h.ownerID.String()
	if err := h.db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	h.authority.delta = remote.Snapshot{
		Tasks:       []record.Record{remoteTask("task-1", `{"title":"new"}`, 1700000400)},
		AsOfSeconds: 1700000550,
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Pulled != 1 {
		t.Fatalf("expected 1 pulled record, got %d", result.Pulled)
	}
	if len(h.authority.deltaSince) != 1 || h.authority.deltaSince[0] != 1700000000 {
		t.Fatalf("expected delta fetch from watermark, got %v", h.authority.deltaSince)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || row.PayloadJSON != `{"title":"new"}` || row.IsDirty {
		t.Fatalf("expected remote overwrite, got %#v", row)
	}
}

func TestDeltaTombstoneHidesCleanLocalRecord(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)

	seeded := remoteTask("task-1", `{"title":"old"}`, 1700000100)
	seeded.OwnerID = h.ownerID.String()
	if err := h.db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	tombstone := remoteTask("task-1", `{}`, 1700000400)
	tombstone.IsDeleted = true
	h.authority.delta = remote.Snapshot{Tasks: []record.Record{tombstone}, AsOfSeconds: 1700000550}

	if _, err := h.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row != nil {
		t.Fatalf("expected tombstoned record hidden from reads, got %#v", row)
	}
}

func TestConflictingDeltaPreservesLocalAndStoresConflict(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.seedDirtyRecord(t, "task-1", `{"title":"a","status":"in_progress"}`, 1700000300)

	h.authority.delta = remote.Snapshot{
		Tasks:       []record.Record{remoteTask("task-1", `{"title":"a","status":"done"}`, 1700000200)},
		AsOfSeconds: 1700000550,
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %d", result.Conflicts)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || row.PayloadJSON != `{"title":"a","status":"in_progress"}` || !row.IsDirty {
		t.Fatalf("expected local copy preserved, got %#v", row)
	}

	stored, err := h.conflicts.Get(context.Background(), "tasks:task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ConflictFieldsJSON != `["status"]` {
		t.Fatalf("unexpected conflict fields %s", stored.ConflictFieldsJSON)
	}

	foundEvent := false
	for _, event := range h.events {
		if event.Type == EventConflictDetected {
			foundEvent = true
		}
	}
	if !foundEvent {
		t.Fatalf("expected conflict-detected event")
	}
}

func TestEqualTimestampDivergenceAppliesRemote(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	h.seedDirtyRecord(t, "task-1", `{"title":"a","status":"in_progress"}`, 1700000300)

	h.authority.delta = remote.Snapshot{
		Tasks:       []record.Record{remoteTask("task-1", `{"title":"a","status":"done"}`, 1700000300)},
		AsOfSeconds: 1700000550,
	}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Conflicts != 0 {
		t.Fatalf("expected no conflict for equal timestamps, got %d", result.Conflicts)
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || row.PayloadJSON != `{"title":"a","status":"done"}` || row.IsDirty {
		t.Fatalf("expected remote precedence with clean record, got %#v", row)
	}
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000400)
	h.authority.delta = remote.Snapshot{AsOfSeconds: 1700000100}

	result, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.WatermarkSeconds == nil || *result.WatermarkSeconds != 1700000400 {
		t.Fatalf("expected watermark to hold at 1700000400, got %#v", result.WatermarkSeconds)
	}

	var row StateRow
	if err := h.db.Take(&row).Error; err != nil {
		t.Fatalf("failed to load state row: %v", err)
	}
	if row.WatermarkSeconds == nil || *row.WatermarkSeconds != 1700000400 {
		t.Fatalf("expected stored watermark unchanged, got %#v", row.WatermarkSeconds)
	}
}

func TestRunPassRejectsConcurrentPass(t *testing.T) {
	h := newHarness(t)
	h.authority.fullStarted = make(chan struct{})
	h.authority.fullBlock = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.RunPass(context.Background())
		done <- err
	}()

	<-h.authority.fullStarted
	if _, err := h.engine.RunPass(context.Background()); !errors.Is(err, ErrPassInFlight) {
		t.Fatalf("expected ErrPassInFlight, got %v", err)
	}

	close(h.authority.fullBlock)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error from first pass: %v", err)
	}
}

func TestRunPassRespectsConnectivityAndOverride(t *testing.T) {
	h := newHarness(t)

	h.engine.SetOnline(false)
	if _, err := h.engine.RunPass(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline while offline, got %v", err)
	}

	h.engine.SetOnline(true)
	h.engine.SetOfflineOverride(true)
	if _, err := h.engine.RunPass(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline under override, got %v", err)
	}

	h.engine.SetOfflineOverride(false)
	if _, err := h.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("unexpected error once online: %v", err)
	}
}

func TestForceSyncDiscardsQueueAndResyncsFromRemote(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)
	if _, err := h.store.CreateRecord(context.Background(), h.ownerID, record.TableTasks, "task-local", `{"title":"local only"}`); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	h.authority.full = remote.Snapshot{
		Tasks:       []record.Record{remoteTask("task-remote", `{"title":"canonical"}`, 1700000500)},
		AsOfSeconds: 1700000560,
	}

	result, err := h.engine.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FullSync {
		t.Fatalf("expected full sync")
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected queue cleared")
	}
	if len(h.authority.appliedRequests()) != 0 {
		t.Fatalf("expected no pushes after queue clear")
	}

	local, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-local"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if local != nil {
		t.Fatalf("expected local-only record replaced, got %#v", local)
	}
	canonical, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-remote"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canonical == nil || canonical.IsDirty {
		t.Fatalf("expected canonical record, got %#v", canonical)
	}
}

func TestResolveConflictKeepLocalRequeuesPush(t *testing.T) {
	h := newHarness(t)
	h.seedDirtyRecord(t, "task-1", `{"title":"local"}`, 1700000300)
	stored := conflict.Record{
		ConflictID: "tasks:task-1", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-1",
		LocalJSON: `{"title":"local"}`, RemoteJSON: `{"title":"remote"}`,
		LocalUpdatedAtSeconds: 1700000300, RemoteUpdatedAtSeconds: 1700000200,
		ConflictFieldsJSON: `["title"]`, DetectedAtSeconds: 1700000400,
		Resolution: conflict.ResolutionUnresolved,
	}
	if err := h.conflicts.Save(context.Background(), stored); err != nil {
		t.Fatalf("failed to seed conflict: %v", err)
	}

	resolved, err := h.engine.ResolveConflict(context.Background(), "tasks:task-1", conflict.StrategyLocal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.PayloadJSON != `{"title":"local"}` || !resolved.IsDirty {
		t.Fatalf("unexpected resolved record %#v", resolved)
	}

	if h.queueCount(t) != 1 {
		t.Fatalf("expected re-queued push after keeping local")
	}
	if _, err := h.conflicts.Get(context.Background(), "tasks:task-1"); !errors.Is(err, conflict.ErrConflictNotFound) {
		t.Fatalf("expected conflict row removed, got %v", err)
	}

	foundEvent := false
	for _, event := range h.events {
		if event.Type == EventConflictResolved {
			foundEvent = true
		}
	}
	if !foundEvent {
		t.Fatalf("expected conflict-resolved event")
	}
}

func TestResolveConflictAcceptRemoteAppliesClean(t *testing.T) {
	h := newHarness(t)
	h.seedDirtyRecord(t, "task-1", `{"title":"local"}`, 1700000300)
	stored := conflict.Record{
		ConflictID: "tasks:task-1", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-1",
		LocalJSON: `{"title":"local"}`, RemoteJSON: `{"title":"remote"}`,
		LocalUpdatedAtSeconds: 1700000300, RemoteUpdatedAtSeconds: 1700000200,
		ConflictFieldsJSON: `["title"]`, DetectedAtSeconds: 1700000400,
		Resolution: conflict.ResolutionUnresolved,
	}
	if err := h.conflicts.Save(context.Background(), stored); err != nil {
		t.Fatalf("failed to seed conflict: %v", err)
	}

	resolved, err := h.engine.ResolveConflict(context.Background(), "tasks:task-1", conflict.StrategyRemote())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.PayloadJSON != `{"title":"remote"}` || resolved.IsDirty {
		t.Fatalf("unexpected resolved record %#v", resolved)
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected no push after accepting remote")
	}

	row, err := h.store.Get(context.Background(), record.TableTasks, mustRecordID(t, "task-1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil || row.PayloadJSON != `{"title":"remote"}` || row.IsDirty {
		t.Fatalf("expected remote copy stored clean, got %#v", row)
	}
}

func TestHousekeepingPurgesAgedRows(t *testing.T) {
	h := newHarness(t)
	h.seedWatermark(t, 1700000000)

	oldApplied := engineNow.Add(-31 * 24 * time.Hour).Unix()
	recentApplied := engineNow.Add(-2 * 24 * time.Hour).Unix()
	journalRows := []changelog.Entry{
		{EntryID: "old-synced", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-1", Operation: record.OperationCreate, AppliedAtSeconds: oldApplied, Synced: true},
		{EntryID: "old-unsynced", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-2", Operation: record.OperationCreate, AppliedAtSeconds: oldApplied, Synced: false},
		{EntryID: "recent-synced", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-3", Operation: record.OperationCreate, AppliedAtSeconds: recentApplied, Synced: true},
	}
	for i := range journalRows {
		if err := h.db.Create(&journalRows[i]).Error; err != nil {
			t.Fatalf("failed to seed journal row: %v", err)
		}
	}

	deadEntry := syncqueue.Entry{
		EntryID: "dead-entry", OwnerID: h.ownerID.String(), TableKey: "tasks", RecordID: "task-9",
		Operation: record.OperationUpdate, EnqueuedAtSeconds: engineNow.Add(-8 * 24 * time.Hour).Unix(),
		Priority: 1, RetryCount: syncqueue.MaxRetries,
	}
	if err := h.db.Create(&deadEntry).Error; err != nil {
		t.Fatalf("failed to seed dead entry: %v", err)
	}

	if _, err := h.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var journalIDs []string
	if err := h.db.Model(&changelog.Entry{}).Order("entry_id").Pluck("entry_id", &journalIDs).Error; err != nil {
		t.Fatalf("failed to list journal rows: %v", err)
	}
	if len(journalIDs) != 2 || journalIDs[0] != "old-unsynced" || journalIDs[1] != "recent-synced" {
		t.Fatalf("unexpected surviving journal rows %v", journalIDs)
	}
	if h.queueCount(t) != 0 {
		t.Fatalf("expected dead queue entry purged")
	}
}

func mustRecordID(t *testing.T, raw string) record.RecordID {
	t.Helper()
	recordID, err := record.NewRecordID(raw)
	if err != nil {
		t.Fatalf("invalid record id %q: %v", raw, err)
	}
	return recordID
}
