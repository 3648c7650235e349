package remote

import (
	"context"
	"errors"

	"github.com/shinnkura/donezo/internal/record"
)

// Push and pull failures are classified into three families. The engine
// routes each family differently: network failures feed the queue's retry
// counter, validation failures drop the entry immediately, and auth
// failures abort the whole pass.
var (
	// ErrNetwork marks a transient transport failure; the operation may
	// succeed on a later attempt.
	ErrNetwork = errors.New("remote: network failure")
	// ErrValidation marks a payload the authority rejected; retrying the
	// same payload cannot succeed.
	ErrValidation = errors.New("remote: payload rejected")
	// ErrAuth marks a rejected or expired credential; no further calls can
	// succeed until re-authentication.
	ErrAuth = errors.New("remote: authentication required")
)

// ApplyRequest is one queued mutation pushed to the authority.
type ApplyRequest struct {
	Table            record.Table
	Operation        record.Operation
	RecordID         record.RecordID
	OwnerID          record.OwnerID
	PayloadJSON      string
	UpdatedAtSeconds int64
}

// Snapshot is the authority's answer to a full or delta fetch. Delta
// snapshots include tombstones for remote deletions.
type Snapshot struct {
	Tasks       []record.Record
	Projects    []record.Record
	Sessions    []record.Record
	AsOfSeconds int64
}

// All returns every record in the snapshot in table order.
func (s Snapshot) All() []record.Record {
	all := make([]record.Record, 0, len(s.Tasks)+len(s.Projects)+len(s.Sessions))
	all = append(all, s.Tasks...)
	all = append(all, s.Projects...)
	all = append(all, s.Sessions...)
	return all
}

// Authority owns the canonical records, request validation, and server-side
// id assignment. The engine consumes it through these three shapes only.
type Authority interface {
	// Apply pushes one queued mutation and returns the authoritative
	// record state, nil for an acknowledged delete.
	Apply(ctx context.Context, request ApplyRequest) (*record.Record, error)
	// FetchFull returns the owner's complete dataset, used when no
	// watermark exists yet.
	FetchFull(ctx context.Context, ownerID record.OwnerID) (Snapshot, error)
	// FetchDelta returns records changed strictly after the given
	// watermark, tombstones included.
	FetchDelta(ctx context.Context, ownerID record.OwnerID, sinceSeconds int64) (Snapshot, error)
}
