package schedoc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLease is how long a claim holds a task before the sweeper may
	// reclaim it.
	DefaultLease = 10 * time.Minute
	// DefaultSchedulingTimeout is how long past scheduledAt a task may wait
	// unclaimed before it is aborted as scheduling_timed_out.
	DefaultSchedulingTimeout = 10 * time.Minute
	// DefaultPollInterval is the pause between polling passes.
	DefaultPollInterval = time.Second
)

// Config defines process-level scheduler settings. The zero value is usable.
type Config struct {
	// Logger receives library events. Default is FmtLogger.
	Logger Logger
	// Clock supplies "now" when no per-call WithTime override is given.
	Clock Clock
	// Encoder normalizes params and results into store-native structured
	// values. Default is JSONEncoder.
	Encoder Encoder
	// WorkerName is stamped onto claims unless overridden per call.
	WorkerName string
	// Lease overrides DefaultLease.
	Lease time.Duration
	// SchedulingTimeout overrides DefaultSchedulingTimeout.
	SchedulingTimeout time.Duration
}

// Scheduler is the library facade: it schedules task records, registers
// handlers, claims and executes due work, and sweeps expired leases. Any
// number of Scheduler processes may share one store; contention is resolved
// entirely by the store's atomic conditional updates.
type Scheduler struct {
	store      TaskStore
	reg        *registry
	log        Logger
	clock      Clock
	enc        Encoder
	workerName string
	lease      time.Duration
	schedTO    time.Duration

	pollMu sync.Mutex
	cancel func()
}

// New creates a Scheduler on top of a task store.
func New(store TaskStore, cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = NewFmtLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = &JSONEncoder{}
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	schedTO := cfg.SchedulingTimeout
	if schedTO <= 0 {
		schedTO = DefaultSchedulingTimeout
	}
	return &Scheduler{
		store:      store,
		reg:        newRegistry(),
		log:        log,
		clock:      clock,
		enc:        enc,
		workerName: cfg.WorkerName,
		lease:      lease,
		schedTO:    schedTO,
	}
}

// Schedule inserts a pending record for the named job to run at or after
// the given instant.
func (s *Scheduler) Schedule(ctx context.Context, name string, scheduledAt time.Time, params any, opts ...ScheduleOption) (*Task, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	o := scheduleOptions{schedulingTimeout: s.schedTO}
	for _, opt := range opts {
		opt(&o)
	}

	normParams, err := s.normalize(params)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	schedTimeoutAt := scheduledAt.Add(o.schedulingTimeout)
	t := &Task{
		ID:                  uuid.NewString(),
		Name:                name,
		Params:              normParams,
		ScheduledAt:         scheduledAt,
		SchedulingTimeoutAt: &schedTimeoutAt,
		Status:              StatusPending,
		RetryOnTimeoutCount: o.retryOnTimeout,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if o.timeout != nil {
		ms := o.timeout.Milliseconds()
		t.TimeoutMS = &ms
	}
	if o.repeatAfter > 0 {
		t.RepeatAfterMS = o.repeatAfter.Milliseconds()
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	s.log.Debugf("scheduled: id=%s name=%s at=%s", t.ID, t.Name, scheduledAt.Format(time.RFC3339))
	return t, nil
}

// CancelTask atomically cancels the first record matching the filter that
// is still pending. It returns the cancelled record, or nil when nothing
// matched. Records already claimed are untouched.
func (s *Scheduler) CancelTask(ctx context.Context, f TaskFilter) (*Task, error) {
	now := s.clock()
	f.Status = StatusPending
	post, err := s.store.UpdateOneAndReturn(ctx, f, TaskUpdate{
		Status:            StatusCancelled,
		CancelledAt:       &now,
		FinishedRunningAt: &now,
	}, ReturnAfter)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.Infof("cancelled: id=%s name=%s", post.ID, post.Name)
	return post, nil
}

// FindTask loads one record by id.
func (s *Scheduler) FindTask(ctx context.Context, id string) (*Task, error) {
	return s.store.FindByID(ctx, id)
}

// FindTasks loads all records matching the filter.
func (s *Scheduler) FindTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	return s.store.FindMany(ctx, f)
}

// normalize round-trips a value through the encoder so params and results
// are stored and compared as plain structured values regardless of the Go
// types the caller used.
func (s *Scheduler) normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := s.enc.Encode(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := s.enc.Decode(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) pollOpts(opts []PollOption) pollOptions {
	o := pollOptions{
		interval:   DefaultPollInterval,
		parallel:   1,
		workerName: s.workerName,
		now:        s.clock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// enqueueFollowUp inserts the next occurrence after a terminal transition.
// A handler override wins, then the record's own nextScheduledAt, then
// repeatAfterMS; otherwise there is no follow-up. The successor inherits
// name, params, repeatAfterMS and timeoutMS, links back through
// previousTaskId, and keeps originalTaskId stable across the chain.
func (s *Scheduler) enqueueFollowUp(ctx context.Context, pred *Task, override *time.Time, now Clock) error {
	var at time.Time
	switch {
	case override != nil:
		at = *override
	case pred.NextScheduledAt != nil:
		at = *pred.NextScheduledAt
	case pred.RepeatAfterMS > 0:
		at = pred.ScheduledAt.Add(time.Duration(pred.RepeatAfterMS) * time.Millisecond)
	default:
		return nil
	}
	orig := pred.OriginalTaskID
	if orig == "" {
		orig = pred.ID
	}
	n := now()
	schedTimeoutAt := at.Add(s.schedTO)
	next := &Task{
		ID:                  uuid.NewString(),
		Name:                pred.Name,
		Params:              pred.Params,
		ScheduledAt:         at,
		SchedulingTimeoutAt: &schedTimeoutAt,
		Status:              StatusPending,
		TimeoutMS:           pred.TimeoutMS,
		RepeatAfterMS:       pred.RepeatAfterMS,
		PreviousTaskID:      pred.ID,
		OriginalTaskID:      orig,
		CreatedAt:           n,
		UpdatedAt:           n,
	}
	if err := s.store.Insert(ctx, next); err != nil {
		return err
	}
	s.log.Debugf("follow-up enqueued: id=%s previous=%s at=%s", next.ID, pred.ID, at.Format(time.RFC3339))
	return nil
}
