package engine

// Phase names the step a reconciliation pass is currently executing.
// Idle is both the initial and terminal phase; a pass can only start
// from Idle.
type Phase string

const (
	// PhaseIdle means no pass is in flight.
	PhaseIdle Phase = "idle"
	// PhasePushing means queued local mutations are being delivered.
	PhasePushing Phase = "pushing"
	// PhasePulling means remote records are being fetched.
	PhasePulling Phase = "pulling"
	// PhaseReconciling means fetched records are being applied locally.
	PhaseReconciling Phase = "reconciling"
)

// StateRow persists the per-owner watermark: the server-reported as-of
// time of the last fully completed pull, null until the first full sync.
type StateRow struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	WatermarkSeconds *int64 `gorm:"column:watermark_s"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateRow) TableName() string {
	return "sync_state"
}

// Status is the queryable sync state of one owner session.
type Status struct {
	IsOnline            bool
	IsSyncing           bool
	Phase               Phase
	WatermarkSeconds    *int64
	PendingCount        int64
	RecordCounts        map[string]int64
	LastFailure         string
	LastFailureTerminal bool
	LastFailureSeconds  int64
}

// PassResult summarizes one completed reconciliation pass.
type PassResult struct {
	Pushed           int
	PushFailed       int
	Dropped          int
	Pulled           int
	Conflicts        int
	FullSync         bool
	WatermarkSeconds *int64
}

// Event is one sync occurrence published to subscribers.
type Event struct {
	Type             string
	OwnerID          string
	Detail           string
	OccurredAtSecond int64
}

// Event types published by the engine.
const (
	EventPassCompleted    = "pass-completed"
	EventPassFailed       = "pass-failed"
	EventConflictDetected = "conflict-detected"
	EventConflictResolved = "conflict-resolved"
)
