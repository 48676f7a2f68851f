package schedoc

import (
	"context"
	"time"
)

// ReturnDoc selects which image UpdateOneAndReturn hands back.
type ReturnDoc int

const (
	// ReturnBefore returns the document as it was before the update. The
	// claim protocol depends on it to verify the pre-image status.
	ReturnBefore ReturnDoc = iota
	// ReturnAfter returns the document with the update applied.
	ReturnAfter
)

// TaskFilter selects task records. Zero-valued fields are ignored; set
// fields are combined with AND.
type TaskFilter struct {
	// ID matches the record id exactly.
	ID string
	// Name matches the handler key exactly.
	Name string
	// NameIn matches records whose name is any of the given keys.
	NameIn []string
	// Status matches the lifecycle state.
	Status Status
	// ScheduledAtBefore matches records with scheduledAt <= the instant.
	ScheduledAtBefore *time.Time
	// TimeoutAtBefore matches records with timeoutAt <= the instant.
	TimeoutAtBefore *time.Time
}

// TaskUpdate describes a partial $set-style mutation. Nil pointer fields
// and the zero Status are left untouched.
type TaskUpdate struct {
	Status            Status
	StartedRunningAt  *time.Time
	FinishedRunningAt *time.Time
	TimeoutAt         *time.Time
	CancelledAt       *time.Time
	NextScheduledAt   *time.Time
	WorkerName        string
	// Result is only written when SetResult is true, so a nil result can be
	// distinguished from "no result".
	Result    any
	SetResult bool
	Error     *TaskError
}

// TaskStore is the repository contract the scheduler core runs against.
// The store must offer per-document atomic conditional updates; absent
// that, concurrent workers are unsafe.
//
// Implementations return ErrTaskNotFound when a lookup or conditional
// update matches nothing, and maintain createdAt/updatedAt themselves.
type TaskStore interface {
	// Insert persists a new record.
	Insert(ctx context.Context, t *Task) error
	// FindByID loads one record by id.
	FindByID(ctx context.Context, id string) (*Task, error)
	// FindOne loads the first record matching the filter, ordered by scheduledAt.
	FindOne(ctx context.Context, f TaskFilter) (*Task, error)
	// FindMany loads all records matching the filter.
	FindMany(ctx context.Context, f TaskFilter) ([]*Task, error)
	// UpdateOneAndReturn atomically applies the update to the first record
	// matching the filter and returns the pre- or post-image in one round
	// trip. The order in which candidates are considered is store-defined;
	// pending records are taken oldest scheduledAt first.
	UpdateOneAndReturn(ctx context.Context, f TaskFilter, u TaskUpdate, ret ReturnDoc) (*Task, error)
	// PushLog appends one entry to the record's logs array.
	PushLog(ctx context.Context, id string, e LogEntry) error
	// PushSideEffect appends one entry to the record's sideEffects array.
	PushSideEffect(ctx context.Context, id string, e SideEffect) error
	// DeleteMany removes matching records. Test helper; the core never
	// destroys records.
	DeleteMany(ctx context.Context, f TaskFilter) (int64, error)
}
