package redistore

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/schedoc/schedoc-go"
)

// doc is the JSON shape of a task document in Redis. Instants are unix
// milliseconds so the Lua scripts can compare them numerically; optional
// fields are omitted when empty so cjson round-trips never see empty
// arrays (which would re-encode as objects).
type doc struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Params              json.RawMessage `json:"params,omitempty"`
	ScheduledAt         int64           `json:"scheduledAt"`
	SchedulingTimeoutAt int64           `json:"schedulingTimeoutAt,omitempty"`
	TimeoutMS           *int64          `json:"timeoutMs,omitempty"`
	TimeoutAt           int64           `json:"timeoutAt,omitempty"`
	StartedRunningAt    int64           `json:"startedRunningAt,omitempty"`
	FinishedRunningAt   int64           `json:"finishedRunningAt,omitempty"`
	CancelledAt         int64           `json:"cancelledAt,omitempty"`
	WorkerName          string          `json:"workerName,omitempty"`
	Status              string          `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               *docError       `json:"error,omitempty"`
	RepeatAfterMS       int64           `json:"repeatAfterMs,omitempty"`
	NextScheduledAt     int64           `json:"nextScheduledAt,omitempty"`
	RetryOnTimeoutCount int             `json:"retryOnTimeoutCount,omitempty"`
	PreviousTaskID      string          `json:"previousTaskId,omitempty"`
	OriginalTaskID      string          `json:"originalTaskId,omitempty"`
	Logs                []docLog        `json:"logs,omitempty"`
	SideEffects         []docEffect     `json:"sideEffects,omitempty"`
	CreatedAt           int64           `json:"createdAt,omitempty"`
	UpdatedAt           int64           `json:"updatedAt,omitempty"`
}

type docError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type docLog struct {
	Timestamp int64           `json:"timestamp"`
	Message   string          `json:"message"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

type docEffect struct {
	Start  int64           `json:"start"`
	End    int64           `json:"end"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func ms(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func instant(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}

func rawValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func anyValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func toDoc(t *schedoc.Task) (*doc, error) {
	params, err := rawValue(t.Params)
	if err != nil {
		return nil, err
	}
	result, err := rawValue(t.Result)
	if err != nil {
		return nil, err
	}
	d := &doc{
		ID:                  t.ID,
		Name:                t.Name,
		Params:              params,
		ScheduledAt:         t.ScheduledAt.UnixMilli(),
		SchedulingTimeoutAt: ms(t.SchedulingTimeoutAt),
		TimeoutMS:           t.TimeoutMS,
		TimeoutAt:           ms(t.TimeoutAt),
		StartedRunningAt:    ms(t.StartedRunningAt),
		FinishedRunningAt:   ms(t.FinishedRunningAt),
		CancelledAt:         ms(t.CancelledAt),
		WorkerName:          t.WorkerName,
		Status:              string(t.Status),
		Result:              result,
		RepeatAfterMS:       t.RepeatAfterMS,
		NextScheduledAt:     ms(t.NextScheduledAt),
		RetryOnTimeoutCount: t.RetryOnTimeoutCount,
		PreviousTaskID:      t.PreviousTaskID,
		OriginalTaskID:      t.OriginalTaskID,
		CreatedAt:           t.CreatedAt.UnixMilli(),
		UpdatedAt:           t.UpdatedAt.UnixMilli(),
	}
	if t.Error != nil {
		d.Error = &docError{Message: t.Error.Message, Stack: t.Error.Stack}
	}
	for _, e := range t.Logs {
		extra, err := rawValue(e.Extra)
		if err != nil {
			return nil, err
		}
		d.Logs = append(d.Logs, docLog{Timestamp: e.Timestamp.UnixMilli(), Message: e.Message, Extra: extra})
	}
	for _, e := range t.SideEffects {
		p, err := rawValue(e.Params)
		if err != nil {
			return nil, err
		}
		r, err := rawValue(e.Result)
		if err != nil {
			return nil, err
		}
		d.SideEffects = append(d.SideEffects, docEffect{
			Start: e.Start.UnixMilli(), End: e.End.UnixMilli(), Name: e.Name, Params: p, Result: r,
		})
	}
	return d, nil
}

func fromDoc(d *doc) (*schedoc.Task, error) {
	params, err := anyValue(d.Params)
	if err != nil {
		return nil, err
	}
	result, err := anyValue(d.Result)
	if err != nil {
		return nil, err
	}
	t := &schedoc.Task{
		ID:                  d.ID,
		Name:                d.Name,
		Params:              params,
		ScheduledAt:         time.UnixMilli(d.ScheduledAt).UTC(),
		SchedulingTimeoutAt: instant(d.SchedulingTimeoutAt),
		TimeoutMS:           d.TimeoutMS,
		TimeoutAt:           instant(d.TimeoutAt),
		StartedRunningAt:    instant(d.StartedRunningAt),
		FinishedRunningAt:   instant(d.FinishedRunningAt),
		CancelledAt:         instant(d.CancelledAt),
		WorkerName:          d.WorkerName,
		Status:              schedoc.Status(d.Status),
		Result:              result,
		RepeatAfterMS:       d.RepeatAfterMS,
		NextScheduledAt:     instant(d.NextScheduledAt),
		RetryOnTimeoutCount: d.RetryOnTimeoutCount,
		PreviousTaskID:      d.PreviousTaskID,
		OriginalTaskID:      d.OriginalTaskID,
	}
	if d.Error != nil {
		t.Error = &schedoc.TaskError{Message: d.Error.Message, Stack: d.Error.Stack}
	}
	for _, e := range d.Logs {
		extra, err := anyValue(e.Extra)
		if err != nil {
			return nil, err
		}
		t.Logs = append(t.Logs, schedoc.LogEntry{
			Timestamp: time.UnixMilli(e.Timestamp).UTC(), Message: e.Message, Extra: extra,
		})
	}
	for _, e := range d.SideEffects {
		p, err := anyValue(e.Params)
		if err != nil {
			return nil, err
		}
		r, err := anyValue(e.Result)
		if err != nil {
			return nil, err
		}
		t.SideEffects = append(t.SideEffects, schedoc.SideEffect{
			Start: time.UnixMilli(e.Start).UTC(), End: time.UnixMilli(e.End).UTC(),
			Name: e.Name, Params: p, Result: r,
		})
	}
	if d.CreatedAt != 0 {
		t.CreatedAt = time.UnixMilli(d.CreatedAt).UTC()
	}
	if d.UpdatedAt != 0 {
		t.UpdatedAt = time.UnixMilli(d.UpdatedAt).UTC()
	}
	return t, nil
}

// indexScore is the ZSET score a document carries in its status index:
// timeoutAt while leased (the sweeper range-scans it), scheduledAt
// otherwise.
func (d *doc) indexScore() float64 {
	if d.Status == string(schedoc.StatusInProgress) && d.TimeoutAt != 0 {
		return float64(d.TimeoutAt)
	}
	return float64(d.ScheduledAt)
}
