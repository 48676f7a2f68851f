package schedoc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

type handlerResult struct {
	value any
	err   error
	stack string
}

// Execute runs the handler for a claimed (or directly supplied) task,
// persists the terminal transition, and enqueues any follow-up occurrence.
// Handler failures, panics, and timeouts are captured onto the record and
// never returned; only store errors propagate. It returns nil when the task
// name has no registered handler, leaving the record untouched.
func (s *Scheduler) Execute(ctx context.Context, task *Task, opts ...PollOption) (*Task, error) {
	if task == nil {
		return nil, nil
	}
	o := s.pollOpts(opts)
	now := o.now()

	// A task can reach a worker after its scheduling deadline: either
	// claimed late or handed to Execute directly. Abort before dispatch.
	if task.SchedulingTimeoutAt != nil && now.After(*task.SchedulingTimeoutAt) {
		post, err := s.store.UpdateOneAndReturn(ctx, TaskFilter{ID: task.ID}, TaskUpdate{
			Status:            StatusSchedulingTimedOut,
			FinishedRunningAt: &now,
		}, ReturnAfter)
		if errors.Is(err, ErrTaskNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		s.log.Warnf("scheduling timed out: id=%s name=%s", post.ID, post.Name)
		if err := s.enqueueFollowUp(ctx, post, nil, o.now); err != nil {
			return post, err
		}
		return post, nil
	}

	fn := s.reg.get(task.Name)
	if fn == nil {
		s.log.Warnf("no handler for task: id=%s name=%s", task.ID, task.Name)
		return nil, nil
	}

	h := &TaskHandle{task: task, store: s.store, now: o.now}
	res := s.runHandler(ctx, fn, task, h)

	now = o.now()
	u := TaskUpdate{FinishedRunningAt: &now, NextScheduledAt: h.nextAt()}
	if res.err != nil {
		u.Status = StatusFailed
		u.Error = &TaskError{Message: res.err.Error(), Stack: res.stack}
		s.log.Warnf("handler error: id=%s name=%s err=%v", task.ID, task.Name, res.err)
	} else {
		value, nerr := s.normalize(res.value)
		if nerr != nil {
			// An unencodable result is a handler failure, not a store error.
			u.Status = StatusFailed
			u.Error = &TaskError{Message: nerr.Error()}
		} else {
			u.Status = StatusSucceeded
			u.Result = value
			u.SetResult = true
		}
	}

	post, err := s.store.UpdateOneAndReturn(ctx, TaskFilter{ID: task.ID}, u, ReturnAfter)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.Debugf("executed: id=%s name=%s status=%s", post.ID, post.Name, post.Status)
	if err := s.enqueueFollowUp(ctx, post, h.nextAt(), o.now); err != nil {
		return post, err
	}
	return post, nil
}

// runHandler races the handler against its per-task deadline. The handler
// goroutine is not cancellable; when the deadline wins the worker proceeds
// with the failure record and the goroutine finishes into a buffered channel.
func (s *Scheduler) runHandler(ctx context.Context, fn HandlerFunc, task *Task, h *TaskHandle) handlerResult {
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{
					err:   fmt.Errorf("handler panic: %v", r),
					stack: string(debug.Stack()),
				}
			}
		}()
		v, err := fn(ctx, task.Params, h)
		done <- handlerResult{value: v, err: err}
	}()

	if task.TimeoutMS == nil {
		return <-done
	}
	ms := *task.TimeoutMS
	if ms <= 0 {
		return handlerResult{err: timeoutError(ms)}
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case r := <-done:
		return r
	case <-timer.C:
		return handlerResult{err: timeoutError(ms)}
	}
}

func timeoutError(ms int64) error {
	return fmt.Errorf("Task timed out after %d ms", ms)
}
