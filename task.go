package schedoc

import "time"

// Task is a durable record representing one scheduled occurrence of a named
// job. It is persisted as a single document; all contended mutations go
// through atomic conditional updates on the backing store.
type Task struct {
	// ID is the unique identifier for the record, assigned at insert.
	ID string `json:"id" bson:"_id"`
	// Name is the handler key. Dots namespace nested registrations
	// ("email.send").
	Name string `json:"name" bson:"name"`
	// Params is the structured value handed to the handler.
	Params any `json:"params,omitempty" bson:"params,omitempty"`
	// ScheduledAt is the earliest instant at which the task becomes claimable.
	ScheduledAt time.Time `json:"scheduledAt" bson:"scheduledAt"`
	// SchedulingTimeoutAt is the deadline by which the task must be claimed.
	// Past it the task is aborted as scheduling_timed_out.
	SchedulingTimeoutAt *time.Time `json:"schedulingTimeoutAt,omitempty" bson:"schedulingTimeoutAt,omitempty"`
	// TimeoutMS is the per-invocation execution deadline in milliseconds.
	// A zero value means the deadline is already past; nil means no
	// in-process deadline.
	TimeoutMS *int64 `json:"timeoutMs,omitempty" bson:"timeoutMs,omitempty"`
	// TimeoutAt is the lease expiry stamped at claim; the sweeper reclaims
	// records past it.
	TimeoutAt *time.Time `json:"timeoutAt,omitempty" bson:"timeoutAt,omitempty"`
	// StartedRunningAt is stamped at claim.
	StartedRunningAt *time.Time `json:"startedRunningAt,omitempty" bson:"startedRunningAt,omitempty"`
	// FinishedRunningAt is stamped at any terminal transition.
	FinishedRunningAt *time.Time `json:"finishedRunningAt,omitempty" bson:"finishedRunningAt,omitempty"`
	// CancelledAt is stamped by CancelTask.
	CancelledAt *time.Time `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`
	// WorkerName is an opaque label stamped at claim when the worker
	// supplies one.
	WorkerName string `json:"workerName,omitempty" bson:"workerName,omitempty"`
	// Status is the lifecycle state; defaults to pending.
	Status Status `json:"status" bson:"status"`
	// Result is the handler return value, set on success.
	Result any `json:"result,omitempty" bson:"result,omitempty"`
	// Error captures the failure when the handler errs, panics, or times out.
	Error *TaskError `json:"error,omitempty" bson:"error,omitempty"`
	// RepeatAfterMS, when positive, enqueues a follow-up occurrence at
	// ScheduledAt + RepeatAfterMS when the task succeeds, fails, times out
	// at scheduling, or is swept with no retries left. Cancelling enqueues
	// no follow-up.
	RepeatAfterMS int64 `json:"repeatAfterMs,omitempty" bson:"repeatAfterMs,omitempty"`
	// NextScheduledAt is a handler-settable override for the next
	// occurrence; it wins over RepeatAfterMS.
	NextScheduledAt *time.Time `json:"nextScheduledAt,omitempty" bson:"nextScheduledAt,omitempty"`
	// RetryOnTimeoutCount is the number of lease-expiry retries remaining.
	RetryOnTimeoutCount int `json:"retryOnTimeoutCount,omitempty" bson:"retryOnTimeoutCount,omitempty"`
	// PreviousTaskID points one hop back along a repeat chain.
	PreviousTaskID string `json:"previousTaskId,omitempty" bson:"previousTaskId,omitempty"`
	// OriginalTaskID is the root of the repeat chain, stable across occurrences.
	OriginalTaskID string `json:"originalTaskId,omitempty" bson:"originalTaskId,omitempty"`
	// Logs is the append-only structured log written by the handler.
	Logs []LogEntry `json:"logs,omitempty" bson:"logs,omitempty"`
	// SideEffects is the append-only record of side effects captured by the
	// handler through TaskHandle.SideEffect.
	SideEffects []SideEffect `json:"sideEffects,omitempty" bson:"sideEffects,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
}

// TaskError holds the captured failure of a handler invocation.
type TaskError struct {
	Message string `json:"message" bson:"message"`
	Stack   string `json:"stack,omitempty" bson:"stack,omitempty"`
}

// LogEntry is one element of a task's structured log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Message   string    `json:"message" bson:"message"`
	Extra     any       `json:"extra,omitempty" bson:"extra,omitempty"`
}

// SideEffect records one side effect executed by a handler: its timing, the
// parameters it was invoked with, and its result.
type SideEffect struct {
	Start  time.Time `json:"start" bson:"start"`
	End    time.Time `json:"end" bson:"end"`
	Name   string    `json:"name" bson:"name"`
	Params any       `json:"params,omitempty" bson:"params,omitempty"`
	Result any       `json:"result,omitempty" bson:"result,omitempty"`
}
