package schedoc

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ExpireTimedOutTasks moves every leased record past its timeoutAt to
// timed_out, one atomic transition per record. Swept records with retries
// remaining are re-enqueued as fresh pending clones; the rest get the same
// follow-up treatment as any other terminal transition. Safe to run from
// any number of workers concurrently: the filter requires in_progress, so
// each record transitions at most once.
func (s *Scheduler) ExpireTimedOutTasks(ctx context.Context, opts ...PollOption) error {
	o := s.pollOpts(opts)
	for {
		now := o.now()
		swept, err := s.store.UpdateOneAndReturn(ctx, TaskFilter{
			Status:          StatusInProgress,
			TimeoutAtBefore: &now,
		}, TaskUpdate{
			Status:            StatusTimedOut,
			FinishedRunningAt: &now,
		}, ReturnAfter)
		if errors.Is(err, ErrTaskNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if swept.RetryOnTimeoutCount > 0 {
			retry := *swept
			retry.ID = uuid.NewString()
			retry.Status = StatusPending
			retry.RetryOnTimeoutCount = swept.RetryOnTimeoutCount - 1
			retry.StartedRunningAt = nil
			retry.FinishedRunningAt = nil
			retry.WorkerName = ""
			retry.TimeoutAt = nil
			retry.Error = nil
			retry.Result = nil
			schedTimeoutAt := now.Add(s.schedTO)
			retry.SchedulingTimeoutAt = &schedTimeoutAt
			retry.CreatedAt = now
			retry.UpdatedAt = now
			if err := s.store.Insert(ctx, &retry); err != nil {
				return err
			}
			s.log.Warnf("lease expired, retrying: id=%s name=%s retry=%s remaining=%d",
				swept.ID, swept.Name, retry.ID, retry.RetryOnTimeoutCount)
			continue
		}

		s.log.Warnf("lease expired: id=%s name=%s", swept.ID, swept.Name)
		if err := s.enqueueFollowUp(ctx, swept, nil, o.now); err != nil {
			return err
		}
	}
}
