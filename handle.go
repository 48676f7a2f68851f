package schedoc

import (
	"context"
	"sync"
	"time"
)

// TaskHandle is the narrow mutable view of the running task handed to a
// handler: append a log line, capture a side effect, override the next
// occurrence, read a snapshot. It is safe for concurrent use within one
// handler invocation.
type TaskHandle struct {
	mu    sync.Mutex
	task  *Task
	store TaskStore
	now   Clock

	nextScheduledAt *time.Time
}

// Task returns a snapshot of the record as claimed. Mutations made through
// the handle are reflected.
func (h *TaskHandle) Task() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.task
}

// SetNextScheduledAt overrides when the follow-up occurrence runs. It wins
// over the record's repeatAfterMS.
func (h *TaskHandle) SetNextScheduledAt(t time.Time) {
	h.mu.Lock()
	h.nextScheduledAt = &t
	h.task.NextScheduledAt = &t
	h.mu.Unlock()
}

func (h *TaskHandle) nextAt() *time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextScheduledAt
}

// Log appends a structured entry to the record's logs and persists it.
func (h *TaskHandle) Log(ctx context.Context, message string, extra any) error {
	e := LogEntry{Timestamp: h.now(), Message: message, Extra: extra}
	h.mu.Lock()
	h.task.Logs = append(h.task.Logs, e)
	id := h.task.ID
	h.mu.Unlock()
	return h.store.PushLog(ctx, id, e)
}

// SideEffect runs fn and persists a {start, end, name, params, result}
// record onto the task before returning fn's value. Failed effects are not
// recorded; the error is returned as-is so the handler can decide whether
// to fail the task.
func (h *TaskHandle) SideEffect(ctx context.Context, name string, params any, fn func(ctx context.Context) (any, error)) (any, error) {
	start := h.now()
	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	e := SideEffect{Start: start, End: h.now(), Name: name, Params: params, Result: v}
	h.mu.Lock()
	h.task.SideEffects = append(h.task.SideEffects, e)
	id := h.task.ID
	h.mu.Unlock()
	if perr := h.store.PushSideEffect(ctx, id, e); perr != nil {
		return v, perr
	}
	return v, nil
}
