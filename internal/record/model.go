package record

import (
	"errors"
	"fmt"
	"strings"
)

// Table identifies one of the synchronized record tables.
type Table string

const (
	// TableTasks holds task records.
	TableTasks Table = "tasks"
	// TableProjects holds project records.
	TableProjects Table = "projects"
	// TableSessions holds pomodoro session records.
	TableSessions Table = "sessions"
)

// Operation enumerates supported local mutations.
type Operation string

const (
	// OperationCreate represents a brand-new record.
	OperationCreate Operation = "create"
	// OperationUpdate represents an edit to an existing record.
	OperationUpdate Operation = "update"
	// OperationDelete marks a record as deleted.
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTable indicates an unknown table name.
	ErrInvalidTable = errors.New("record: invalid table")
	// ErrInvalidOperation indicates an unknown operation name.
	ErrInvalidOperation = errors.New("record: invalid operation")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("record: invalid record id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("record: invalid owner id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("record: invalid unix timestamp")
)

// Tables lists every synchronized table in a stable order.
func Tables() []Table {
	return []Table{TableTasks, TableProjects, TableSessions}
}

// ParseTable validates raw input and returns a Table.
func ParseTable(rawInput string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(TableTasks):
		return TableTasks, nil
	case string(TableProjects):
		return TableProjects, nil
	case string(TableSessions):
		return TableSessions, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, rawInput)
	}
}

// String returns the underlying table name.
func (t Table) String() string {
	return string(t)
}

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(OperationCreate):
		return OperationCreate, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// String returns the underlying operation name.
func (o Operation) String() string {
	return string(o)
}

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Record models one synchronized row of any table. Payload fields are
// opaque to the engine and travel as JSON text.
type Record struct {
	TableKey            string `gorm:"column:table_key;primaryKey;size:32;not null;index:idx_records_table_owner,priority:1"`
	RecordID            string `gorm:"column:record_id;primaryKey;size:190;not null"`
	OwnerID             string `gorm:"column:owner_id;size:190;not null;index:idx_records_table_owner,priority:2"`
	PayloadJSON         string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64  `gorm:"column:updated_at_s;not null;index:idx_records_table_owner,priority:3"`
	IsDirty             bool   `gorm:"column:is_dirty;not null;default:false"`
	IsDeleted           bool   `gorm:"column:is_deleted;not null;default:false"`
	LastSyncedAtSeconds *int64 `gorm:"column:last_synced_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// Table returns the validated table the record belongs to.
func (r Record) Table() (Table, error) {
	return ParseTable(r.TableKey)
}
