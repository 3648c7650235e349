package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/shinnkura/donezo/internal/record"
)

func TestEnqueueCoalescesUpdateIntoPendingCreate(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationCreate, PayloadJSON: `{"title":"a"}`,
	})
	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationUpdate, PayloadJSON: `{"title":"b"}`,
	})

	var entries []Entry
	if err := db.Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 coalesced entry, got %d", len(entries))
	}
	if entries[0].Operation != record.OperationCreate {
		t.Fatalf("expected pending create to absorb update, got %s", entries[0].Operation)
	}
	if entries[0].PayloadJSON != `{"title":"b"}` {
		t.Fatalf("expected latest payload, got %s", entries[0].PayloadJSON)
	}
}

func TestEnqueueAccumulatesJournalIDsAcrossCoalesce(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationCreate, PayloadJSON: `{"title":"a"}`,
		JournalID: "journal-1",
	})
	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationUpdate, PayloadJSON: `{"title":"b"}`,
		JournalID: "journal-2",
	})

	var entry Entry
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	ids := entry.JournalIDs()
	if len(ids) != 2 || ids[0] != "journal-1" || ids[1] != "journal-2" {
		t.Fatalf("expected both journal ids on the coalesced entry, got %v", ids)
	}
}

func TestEnqueueDeleteSubsumesPendingOperation(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationUpdate, PayloadJSON: `{"title":"a"}`,
	})
	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationDelete,
	})

	var entry Entry
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.Operation != record.OperationDelete {
		t.Fatalf("expected delete to subsume update, got %s", entry.Operation)
	}
}

func TestEnqueueKeepsEarliestEnqueueTime(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	service, db := newTestServiceWithClock(t, func() time.Time { return now })
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationCreate, PayloadJSON: `{}`,
	})
	now = now.Add(time.Hour)
	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationUpdate, PayloadJSON: `{}`,
	})

	var entry Entry
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.EnqueuedAtSeconds != 1700000000 {
		t.Fatalf("expected original enqueue time to survive, got %d", entry.EnqueuedAtSeconds)
	}
}

func TestDequeueBatchOrdersAndMarksInFlight(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")

	seed := []Entry{
		{EntryID: "entry-a", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-1", Operation: record.OperationCreate, EnqueuedAtSeconds: 300, Priority: 2},
		{EntryID: "entry-b", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-2", Operation: record.OperationCreate, EnqueuedAtSeconds: 200, Priority: 1},
		{EntryID: "entry-c", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-3", Operation: record.OperationCreate, EnqueuedAtSeconds: 100, Priority: 1},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("failed to seed entry: %v", err)
		}
	}

	batch, err := service.DequeueBatch(context.Background(), ownerID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	if batch[0].EntryID != "entry-c" || batch[1].EntryID != "entry-b" {
		t.Fatalf("expected priority then enqueue-time ordering, got %s, %s", batch[0].EntryID, batch[1].EntryID)
	}

	second, err := service.DequeueBatch(context.Background(), ownerID, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 1 || second[0].EntryID != "entry-a" {
		t.Fatalf("expected only the remaining entry, got %#v", second)
	}
}

func TestEnqueueDuringInFlightOpensFreshEntry(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationCreate, PayloadJSON: `{"title":"v1"}`,
	})
	if _, err := service.DequeueBatch(context.Background(), ownerID, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The airborne entry must not be rewritten by a new edit.
	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationUpdate, PayloadJSON: `{"title":"v2"}`,
	})

	var count int64
	if err := db.Model(&Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected fresh entry alongside the in-flight one, got %d", count)
	}
}

func TestRecordFailureIncrementsAndKeepsInFlight(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationCreate, PayloadJSON: `{}`,
	})
	batch, err := service.DequeueBatch(context.Background(), ownerID, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("failed to dequeue: %v", err)
	}

	if err := service.RecordFailure(context.Background(), batch[0].EntryID, errors.New("connection reset")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entry Entry
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", entry.RetryCount)
	}
	if entry.LastError != "connection reset" {
		t.Fatalf("unexpected last error %q", entry.LastError)
	}
	if !entry.InFlight {
		t.Fatalf("expected entry to stay in flight until the pass releases it")
	}

	if err := service.ReleaseInFlight(context.Background(), ownerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to reload entry: %v", err)
	}
	if entry.InFlight {
		t.Fatalf("expected release to clear the in-flight marker")
	}
}

func TestRecordFailureDropsEntryAtRetryCeiling(t *testing.T) {
	service, db := newTestService(t)

	seeded := Entry{
		EntryID: "entry-1", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-1",
		Operation: record.OperationUpdate, EnqueuedAtSeconds: 100, Priority: 1,
		RetryCount: MaxRetries - 1,
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}

	err := service.RecordFailure(context.Background(), "entry-1", errors.New("still down"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}

	var count int64
	if err := db.Model(&Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected entry to be dropped, got %d rows", count)
	}
}

func TestRecordFailureUnknownEntry(t *testing.T) {
	service, _ := newTestService(t)
	err := service.RecordFailure(context.Background(), "missing", errors.New("boom"))
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestHasPendingSeesInFlightEntries(t *testing.T) {
	service, _ := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")
	recordID := mustRecordID(t, "task-1")

	pending, err := service.HasPending(context.Background(), ownerID, record.TableTasks, recordID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending {
		t.Fatalf("expected no pending entry")
	}

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: recordID,
		Operation: record.OperationCreate, PayloadJSON: `{}`,
	})
	if _, err := service.DequeueBatch(context.Background(), ownerID, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, err = service.HasPending(context.Background(), ownerID, record.TableTasks, recordID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pending {
		t.Fatalf("expected in-flight entry to count as pending")
	}
}

func TestClearDropsEveryEntryForOwner(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")

	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableTasks, RecordID: mustRecordID(t, "task-1"),
		Operation: record.OperationCreate, PayloadJSON: `{}`,
	})
	mustEnqueue(t, service, EnqueueRequest{
		OwnerID: ownerID, Table: record.TableProjects, RecordID: mustRecordID(t, "proj-1"),
		Operation: record.OperationCreate, PayloadJSON: `{}`,
	})

	if err := service.Clear(context.Background(), ownerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count, err := service.PendingCount(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
	var total int64
	if err := db.Model(&Entry{}).Count(&total).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 rows, got %d", total)
	}
}

func TestPurgeDeadRemovesOnlyExhaustedOldEntries(t *testing.T) {
	service, db := newTestService(t)
	ownerID := mustOwnerID(t, "owner-1")

	seed := []Entry{
		{EntryID: "entry-1", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-1", Operation: record.OperationCreate, EnqueuedAtSeconds: 100, RetryCount: MaxRetries, Priority: 1},
		{EntryID: "entry-2", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-2", Operation: record.OperationCreate, EnqueuedAtSeconds: 100, RetryCount: 2, Priority: 1},
		{EntryID: "entry-3", OwnerID: "owner-1", TableKey: "tasks", RecordID: "task-3", Operation: record.OperationCreate, EnqueuedAtSeconds: 9000, RetryCount: MaxRetries, Priority: 1},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("failed to seed entry: %v", err)
		}
	}

	purged, err := service.PurgeDead(context.Background(), ownerID, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged entry, got %d", purged)
	}
}

func mustEnqueue(t *testing.T, service *Service, request EnqueueRequest) {
	t.Helper()
	if err := service.Enqueue(context.Background(), request); err != nil {
		t.Fatalf("failed to enqueue %s %s: %v", request.Operation, request.RecordID, err)
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWithClock(t, nil)
}

func newTestServiceWithClock(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:syncqueue_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct queue service: %v", err)
	}
	return service, db
}

func mustOwnerID(t *testing.T, raw string) record.OwnerID {
	t.Helper()
	ownerID, err := record.NewOwnerID(raw)
	if err != nil {
		t.Fatalf("invalid owner id %q: %v", raw, err)
	}
	return ownerID
}

func mustRecordID(t *testing.T, raw string) record.RecordID {
	t.Helper()
	recordID, err := record.NewRecordID(raw)
	if err != nil {
		t.Fatalf("invalid record id %q: %v", raw, err)
	}
	return recordID
}
