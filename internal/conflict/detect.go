package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/shinnkura/donezo/internal/record"
)

// deletedField is the synthetic field name reported when one side is a
// tombstone and the other is not.
const deletedField = "isDeleted"

var (
	// ErrRecordMismatch indicates detect was called with records that do
	// not describe the same row.
	ErrRecordMismatch = errors.New("conflict: local and remote describe different records")
	// ErrInvalidPayload indicates a payload could not be decoded as JSON.
	ErrInvalidPayload = errors.New("conflict: invalid payload json")
)

// FieldPolicy names the payload fields whose divergence constitutes a
// conflict, per table. Fields outside the set never conflict on their own.
type FieldPolicy map[record.Table][]string

// DefaultFieldPolicy returns the important-field sets of the donezo data
// model.
func DefaultFieldPolicy() FieldPolicy {
	return FieldPolicy{
		record.TableTasks:    {"title", "status", "priority", "dueDate", "completedAt"},
		record.TableProjects: {"name", "isActive", "dueDate"},
		record.TableSessions: {"completed", "endTime", "actualDuration"},
	}
}

// Fields returns the important fields for the table, nil when the table
// has no configured set.
func (p FieldPolicy) Fields(table record.Table) []string {
	return p[table]
}

// Detect compares a dirty local record against an incoming remote version.
// A conflict exists iff the updatedAt values differ and at least one
// important field differs. Equal updatedAt values are defined as
// non-conflicting regardless of content.
func Detect(local, remote record.Record, policy FieldPolicy, detectedAt time.Time) (*Record, error) {
	if local.TableKey != remote.TableKey || local.RecordID != remote.RecordID {
		return nil, fmt.Errorf("%w: %s/%s vs %s/%s",
			ErrRecordMismatch, local.TableKey, local.RecordID, remote.TableKey, remote.RecordID)
	}
	if local.UpdatedAtSeconds == remote.UpdatedAtSeconds {
		return nil, nil
	}

	table, err := local.Table()
	if err != nil {
		return nil, err
	}
	fields, err := DivergentFields(local, remote, policy.Fields(table))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	return &Record{
		ConflictID:             fmt.Sprintf("%s:%s", local.TableKey, local.RecordID),
		OwnerID:                local.OwnerID,
		TableKey:               local.TableKey,
		RecordID:               local.RecordID,
		LocalJSON:              local.PayloadJSON,
		RemoteJSON:             remote.PayloadJSON,
		LocalUpdatedAtSeconds:  local.UpdatedAtSeconds,
		RemoteUpdatedAtSeconds: remote.UpdatedAtSeconds,
		LocalDeleted:           local.IsDeleted,
		RemoteDeleted:          remote.IsDeleted,
		ConflictFieldsJSON:     string(fieldsJSON),
		DetectedAtSeconds:      detectedAt.UTC().Unix(),
		Resolution:             ResolutionUnresolved,
	}, nil
}

// DivergentFields returns the important fields whose values differ between
// the two records, sorted for stable output. Tombstone state counts as a
// field of its own.
func DivergentFields(local, remote record.Record, important []string) ([]string, error) {
	localFields, err := decodePayload(local.PayloadJSON)
	if err != nil {
		return nil, err
	}
	remoteFields, err := decodePayload(remote.PayloadJSON)
	if err != nil {
		return nil, err
	}

	divergent := make([]string, 0, len(important)+1)
	for _, field := range important {
		if !reflect.DeepEqual(localFields[field], remoteFields[field]) {
			divergent = append(divergent, field)
		}
	}
	if local.IsDeleted != remote.IsDeleted {
		divergent = append(divergent, deletedField)
	}
	sort.Strings(divergent)
	return divergent, nil
}

func decodePayload(payloadJSON string) (map[string]any, error) {
	if payloadJSON == "" {
		return map[string]any{}, nil
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return fields, nil
}
