package schedoc

import "time"

type scheduleOptions struct {
	repeatAfter       time.Duration
	timeout           *time.Duration
	retryOnTimeout    int
	schedulingTimeout time.Duration
}

// ScheduleOption configures one scheduled occurrence.
type ScheduleOption func(*scheduleOptions)

// RepeatEvery enqueues a follow-up occurrence d after the record's
// scheduledAt when the task succeeds, fails, times out at scheduling, or is
// swept with no retries left. Cancelling enqueues no follow-up.
func RepeatEvery(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) {
		o.repeatAfter = d
	}
}

// Timeout sets the per-invocation execution deadline. Timeout(0) means the
// deadline is already past: the task fails immediately when executed.
func Timeout(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) {
		o.timeout = &d
	}
}

// RetryOnTimeout sets how many times the sweeper re-enqueues the task after
// a lease expiry.
func RetryOnTimeout(n int) ScheduleOption {
	return func(o *scheduleOptions) {
		o.retryOnTimeout = n
	}
}

// SchedulingTimeout overrides the deadline by which the task must be
// claimed, measured from scheduledAt. Default is 10 minutes.
func SchedulingTimeout(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) {
		o.schedulingTimeout = d
	}
}

type pollOptions struct {
	interval   time.Duration
	parallel   int
	workerName string
	now        Clock
}

// PollOption configures Poll, StartPolling, Execute, and
// ExpireTimedOutTasks calls.
type PollOption func(*pollOptions)

// PollInterval sets how long StartPolling sleeps after a pass completes.
// Default is 1 second.
func PollInterval(d time.Duration) PollOption {
	return func(o *pollOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// Parallel bounds how many tasks one poll pass claims and executes
// concurrently. Default is 1.
func Parallel(n int) PollOption {
	return func(o *pollOptions) {
		if n > 0 {
			o.parallel = n
		}
	}
}

// WorkerName stamps claims made by this call with an operational label,
// overriding the scheduler-wide name.
func WorkerName(name string) PollOption {
	return func(o *pollOptions) {
		o.workerName = name
	}
}

// WithTime overrides the clock for this call. Tests freeze time with it.
func WithTime(now Clock) PollOption {
	return func(o *pollOptions) {
		if now != nil {
			o.now = now
		}
	}
}
