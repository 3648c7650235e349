package conflict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shinnkura/donezo/internal/record"
)

// Resolution enumerates the lifecycle states of a stored conflict.
type Resolution string

const (
	// ResolutionUnresolved marks a conflict awaiting a decision.
	ResolutionUnresolved Resolution = "unresolved"
	// ResolutionLocal marks a conflict resolved in favor of the local copy.
	ResolutionLocal Resolution = "local"
	// ResolutionRemote marks a conflict resolved in favor of the remote copy.
	ResolutionRemote Resolution = "remote"
	// ResolutionMerged marks a conflict resolved with a caller-supplied merge.
	ResolutionMerged Resolution = "merged"
)

var (
	// ErrInvalidStrategy indicates an unknown resolution strategy name.
	ErrInvalidStrategy = errors.New("conflict: invalid resolution strategy")
	// ErrMissingMergePayload indicates a merge resolution without a payload.
	ErrMissingMergePayload = errors.New("conflict: merge strategy requires a payload")
)

// Record is one persisted, detected conflict awaiting resolution. The row
// is removed once a terminal resolution has been applied.
type Record struct {
	ConflictID             string     `gorm:"column:conflict_id;primaryKey;size:230;not null"`
	OwnerID                string     `gorm:"column:owner_id;size:190;not null;index:idx_conflicts_owner"`
	TableKey               string     `gorm:"column:table_key;size:32;not null"`
	RecordID               string     `gorm:"column:record_id;size:190;not null"`
	LocalJSON              string     `gorm:"column:local_json;type:text;not null"`
	RemoteJSON             string     `gorm:"column:remote_json;type:text;not null"`
	LocalUpdatedAtSeconds  int64      `gorm:"column:local_updated_at_s;not null"`
	RemoteUpdatedAtSeconds int64      `gorm:"column:remote_updated_at_s;not null"`
	LocalDeleted           bool       `gorm:"column:local_deleted;not null;default:false"`
	RemoteDeleted          bool       `gorm:"column:remote_deleted;not null;default:false"`
	ConflictFieldsJSON     string     `gorm:"column:conflict_fields_json;type:text;not null"`
	DetectedAtSeconds      int64      `gorm:"column:detected_at_s;not null"`
	Resolution             Resolution `gorm:"column:resolution;size:16;not null;default:'unresolved'"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "conflicts"
}

// LocalRecord rebuilds the local side of the conflict from its snapshot.
func (r Record) LocalRecord() record.Record {
	return record.Record{
		TableKey:         r.TableKey,
		RecordID:         r.RecordID,
		OwnerID:          r.OwnerID,
		PayloadJSON:      r.LocalJSON,
		UpdatedAtSeconds: r.LocalUpdatedAtSeconds,
		IsDirty:          true,
		IsDeleted:        r.LocalDeleted,
	}
}

// RemoteRecord rebuilds the remote side of the conflict from its snapshot.
func (r Record) RemoteRecord() record.Record {
	return record.Record{
		TableKey:         r.TableKey,
		RecordID:         r.RecordID,
		OwnerID:          r.OwnerID,
		PayloadJSON:      r.RemoteJSON,
		UpdatedAtSeconds: r.RemoteUpdatedAtSeconds,
		IsDeleted:        r.RemoteDeleted,
	}
}

// Strategy is a resolution decision: keep local, accept remote, or apply a
// caller-supplied merged payload.
type Strategy struct {
	resolution    Resolution
	mergedPayload string
}

// StrategyLocal keeps the local copy and re-marks it dirty for push.
func StrategyLocal() Strategy {
	return Strategy{resolution: ResolutionLocal}
}

// StrategyRemote accepts the remote copy and clears the dirty flag.
func StrategyRemote() Strategy {
	return Strategy{resolution: ResolutionRemote}
}

// StrategyMerge applies the supplied payload as a new local edit, which
// must still be pushed.
func StrategyMerge(payloadJSON string) (Strategy, error) {
	if strings.TrimSpace(payloadJSON) == "" {
		return Strategy{}, ErrMissingMergePayload
	}
	return Strategy{resolution: ResolutionMerged, mergedPayload: payloadJSON}, nil
}

// ParseStrategy builds a Strategy from its wire representation.
func ParseStrategy(name, mergedPayload string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case string(ResolutionLocal):
		return StrategyLocal(), nil
	case string(ResolutionRemote):
		return StrategyRemote(), nil
	case "merge", string(ResolutionMerged):
		return StrategyMerge(mergedPayload)
	default:
		return Strategy{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
	}
}

// Resolution returns the terminal resolution the strategy produces.
func (s Strategy) Resolution() Resolution {
	return s.resolution
}

// Resolve applies the strategy to the conflicting pair and returns the
// record to store. Local and merge outcomes stay dirty (they are new local
// edits that must still reach the remote); a remote outcome is clean.
func Resolve(local, remote record.Record, strategy Strategy, resolvedAt time.Time) (record.Record, error) {
	switch strategy.resolution {
	case ResolutionLocal:
		resolved := local
		resolved.IsDirty = true
		return resolved, nil
	case ResolutionRemote:
		resolved := remote
		resolved.IsDirty = false
		now := resolvedAt.UTC().Unix()
		resolved.LastSyncedAtSeconds = &now
		return resolved, nil
	case ResolutionMerged:
		resolved := local
		resolved.PayloadJSON = strategy.mergedPayload
		resolved.IsDirty = true
		resolved.UpdatedAtSeconds = resolvedAt.UTC().Unix()
		if resolved.UpdatedAtSeconds <= local.UpdatedAtSeconds {
			resolved.UpdatedAtSeconds = local.UpdatedAtSeconds + 1
		}
		return resolved, nil
	default:
		return record.Record{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy.resolution)
	}
}
