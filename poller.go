package schedoc

import (
	"context"
	"errors"
	"sync"
	"time"
)

// claimOne attempts one atomic claim: the oldest pending record that is due
// and whose name this process can handle transitions to in_progress with
// lease fields stamped. Returns nil when there is nothing to claim.
func (s *Scheduler) claimOne(ctx context.Context, o pollOptions) (*Task, error) {
	names := s.reg.names()
	if len(names) == 0 {
		return nil, nil
	}
	now := o.now()
	timeoutAt := now.Add(s.lease)
	u := TaskUpdate{
		Status:           StatusInProgress,
		StartedRunningAt: &now,
		TimeoutAt:        &timeoutAt,
	}
	if o.workerName != "" {
		u.WorkerName = o.workerName
	}
	pre, err := s.store.UpdateOneAndReturn(ctx, TaskFilter{
		Status:            StatusPending,
		ScheduledAtBefore: &now,
		NameIn:            names,
	}, u, ReturnBefore)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Defense-in-depth against non-atomic stores: the pre-image must have
	// been pending or the claim is abandoned.
	if pre.Status != StatusPending {
		s.log.Warnf("claim raced: id=%s status=%s", pre.ID, pre.Status)
		return nil, nil
	}

	claimed := *pre
	claimed.Status = StatusInProgress
	claimed.StartedRunningAt = &now
	claimed.TimeoutAt = &timeoutAt
	if o.workerName != "" {
		claimed.WorkerName = o.workerName
	}

	// The lease is timeoutAt = startedRunningAt + min(timeoutMS, lease).
	// The claim stamps the default atomically; only the claim owner then
	// shortens it, so no other worker can race the second write.
	if claimed.TimeoutMS != nil {
		d := time.Duration(*claimed.TimeoutMS) * time.Millisecond
		if d < s.lease {
			shortened := now.Add(d)
			if _, err := s.store.UpdateOneAndReturn(ctx, TaskFilter{ID: claimed.ID},
				TaskUpdate{TimeoutAt: &shortened}, ReturnAfter); err != nil {
				return nil, err
			}
			claimed.TimeoutAt = &shortened
		}
	}
	s.log.Debugf("claimed: id=%s name=%s worker=%s", claimed.ID, claimed.Name, claimed.WorkerName)
	return &claimed, nil
}

// Poll claims up to parallel due tasks, executes them concurrently, and
// repeats until a pass claims nothing. It returns after every in-flight
// execution has persisted its terminal transition.
func (s *Scheduler) Poll(ctx context.Context, opts ...PollOption) error {
	o := s.pollOpts(opts)
	for {
		batch := make([]*Task, 0, o.parallel)
		for i := 0; i < o.parallel; i++ {
			t, err := s.claimOne(ctx, o)
			if err != nil {
				return err
			}
			if t == nil {
				break
			}
			batch = append(batch, t)
		}
		if len(batch) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, t := range batch {
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				if _, err := s.Execute(ctx, t, opts...); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(t)
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
	}
}

// StartPolling launches the worker loop: each tick sweeps expired leases,
// then polls until the queue is drained, then sleeps for the interval. At
// most one loop runs per Scheduler; repeated calls return the existing
// cancel handle. The returned cancel stops further ticks and waits for
// in-flight tick work; it does not interrupt a running handler.
func (s *Scheduler) StartPolling(opts ...PollOption) (cancel func()) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.cancel != nil {
		s.log.Warnf("polling already started; returning existing cancel")
		return s.cancel
	}

	o := s.pollOpts(opts)
	loopCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
			}
			s.tick(opts)
			timer.Reset(o.interval)
		}
	}()

	var once sync.Once
	c := func() {
		once.Do(func() {
			stop()
			<-done
			s.pollMu.Lock()
			s.cancel = nil
			s.pollMu.Unlock()
			s.log.Infof("polling stopped")
		})
	}
	s.cancel = c
	s.log.Infof("polling started: interval=%s parallel=%d", o.interval, o.parallel)
	return c
}

// tick runs one sweep-then-poll pass. Store errors are logged and the next
// tick is still scheduled. Tick work runs on a background context so a
// cancel does not interrupt it mid-transition.
func (s *Scheduler) tick(opts []PollOption) {
	ctx := context.Background()
	if err := s.ExpireTimedOutTasks(ctx, opts...); err != nil {
		s.log.Errorf("sweep failed: %v", err)
	}
	if err := s.Poll(ctx, opts...); err != nil {
		s.log.Errorf("poll failed: %v", err)
	}
}
