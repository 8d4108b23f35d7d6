// Package worker implements the Worker (C6): a long-running poll loop that
// claims tasks from the Store, dispatches them to per-type Handlers, and
// drives retry/terminal failure accounting — structured on the teacher's
// run_worker.go trigger-channel-plus-ticker loop, generalized from batch-run
// claiming to the specification's task queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/eventlog"
	"github.com/aiop/operator/store"
)

// Task lifecycle event types, appended around every claim/dispatch.
const (
	EventTaskClaimed           = "task.claimed"
	EventTaskFailed            = "task.failed"
	EventTaskPermanentlyFailed = "task.permanently_failed"
)

// Worker polls the Store for claimable tasks and runs them one at a time,
// claiming back-to-back while tasks remain and waiting for a trigger or tick
// only once the queue is empty — one loop per process, with multiple
// processes competing through the Store, not internal concurrency.
type Worker struct {
	store        store.TaskStore
	events       *eventlog.Writer
	handlers     map[string]Handler
	instanceID   string
	pollInterval time.Duration
	lockDuration time.Duration
	logger       operator.Logger
	triggerCh    chan struct{}
}

// New builds a Worker identified as "<host>:<pid>" per the specification's
// worker_id convention.
func New(taskStore store.TaskStore, events *eventlog.Writer, handlers map[string]Handler, pollInterval, lockDuration time.Duration, logger operator.Logger) *Worker {
	if logger == nil {
		logger = operator.NoopLogger()
	}

	host, _ := os.Hostname()

	return &Worker{
		store:        taskStore,
		events:       events,
		handlers:     handlers,
		instanceID:   fmt.Sprintf("%s:%d", host, os.Getpid()),
		pollInterval: pollInterval,
		lockDuration: lockDuration,
		logger:       logger,
		triggerCh:    make(chan struct{}, 1),
	}
}

// InstanceID returns the "<host>:<pid>" identity this Worker claims tasks
// under, for callers (e.g. the reaper) that want to share or log it.
func (w *Worker) InstanceID() string {
	return w.instanceID
}

// Trigger wakes the loop early instead of waiting for the next poll tick.
func (w *Worker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run blocks, processing one task per iteration, until ctx is canceled. The
// Worker never returns an error out of the loop — every handler failure is
// caught and drives retry/terminal accounting instead.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		processed := w.processOnce(ctx)

		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-w.triggerCh:
			case <-ticker.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processOnce claims and runs at most one task, returning whether a task
// was claimed (so Run can immediately poll again instead of sleeping).
func (w *Worker) processOnce(ctx context.Context) bool {
	task, err := w.store.ClaimTask(ctx, w.instanceID, w.lockDuration)
	if err != nil {
		w.logger.Error("claim task failed", "error", err)
		return false
	}
	if task == nil {
		return false
	}

	w.runTask(ctx, task)
	return true
}

func (w *Worker) runTask(ctx context.Context, task *store.Task) {
	w.logger.Info("task claimed", "task_id", task.ID, "task_type", task.Type, "attempts", task.Attempts)

	w.appendEvent(ctx, EventTaskClaimed, task.RunID, map[string]any{
		"task_id":      task.ID,
		"task_type":    task.Type,
		"attempts":     task.Attempts,
		"max_attempts": task.MaxAttempts,
		"worker_id":    w.instanceID,
		"run_id":       task.RunID,
		"payload":      task.Payload,
	})
	w.appendEvent(ctx, task.Type, task.RunID, task.Payload)

	handler, ok := w.handlers[task.Type]
	if !ok {
		w.fail(ctx, task, operator.ErrUnknownTaskType, fmt.Sprintf("unknown task type %q", task.Type))
		return
	}

	start := time.Now()
	result, err := handler(ctx, task)
	tookMS := time.Since(start).Milliseconds()

	if err != nil {
		w.fail(ctx, task, err, err.Error())
		return
	}

	w.succeed(ctx, task, result, tookMS)
}

func (w *Worker) succeed(ctx context.Context, task *store.Task, result map[string]any, tookMS int64) {
	normalized := map[string]any{"ok": true, "kind": task.Type, "took_ms": tookMS}
	for k, v := range result {
		normalized[k] = v
	}

	if err := w.store.CompleteTaskSuccess(ctx, task.ID, normalized); err != nil {
		w.logger.Error("complete task success failed", "task_id", task.ID, "error", err)
		return
	}

	w.appendEvent(ctx, task.Type+".result", task.RunID, normalized)
}

func (w *Worker) fail(ctx context.Context, task *store.Task, err error, message string) {
	backoff := Backoff(task.Attempts)
	terminal := task.Attempts >= task.MaxAttempts

	if cerr := w.store.CompleteTaskFailure(ctx, task.ID, message, backoff); cerr != nil {
		w.logger.Error("complete task failure failed", "task_id", task.ID, "error", cerr)
		return
	}

	eventType := EventTaskFailed
	if terminal {
		eventType = EventTaskPermanentlyFailed
	}

	w.appendEvent(ctx, eventType, task.RunID, map[string]any{
		"task_id":    task.ID,
		"task_type":  task.Type,
		"error_kind": errorKind(err),
		"error":      message,
		"attempts":   task.Attempts,
		"backoff_s":  backoff.Seconds(),
	})
}

func (w *Worker) appendEvent(ctx context.Context, eventType, runID string, data map[string]any) {
	event, err := eventlog.MakeEvent(eventType, "worker", data, runID)
	if err != nil {
		w.logger.Error("build event failed", "event_type", eventType, "error", err)
		return
	}

	if _, err := w.events.WriteEvent(ctx, event, "", nil, ""); err != nil {
		w.logger.Error("write event failed", "event_type", eventType, "error", err)
	}
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, operator.ErrUnknownTaskType):
		return "UnknownTaskType"
	case errors.Is(err, operator.ErrUnknownTool):
		return "UnknownTool"
	case errors.Is(err, operator.ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, operator.ErrStoreUnavailable):
		return "StoreUnavailable"
	default:
		return "Error"
	}
}
