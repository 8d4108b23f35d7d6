package worker

import (
	"context"
	"time"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/leadership"
	"github.com/aiop/operator/store"
)

// DefaultRescueInterval is how often the reaper checks for expired leases.
const DefaultRescueInterval = time.Minute

// leaseExpiredErrorType is the error_type the reaper logs for each row it
// requeues after its lease expired.
const leaseExpiredErrorType = "lease_expired"

// Reaper is the lease-expiry background process described in the lease
// expiry design note: belt-and-suspenders alongside ClaimTask's own
// broadened WHERE clause, gated to a single active instance across the
// fleet by a leadership.Elector so workers don't redundantly reap the same
// rows.
type Reaper struct {
	taskStore store.TaskStore
	elector   *leadership.Elector
	interval  time.Duration
	limit     int
	logger    operator.Logger
	onRescue  func()
}

// NewReaper builds a Reaper contending for leadership under leaderStore.
// onRescue, if non-nil, is called after each tick that reset at least one
// row to queued, so a local Worker's poll loop doesn't wait out its tick.
func NewReaper(taskStore store.TaskStore, leaderStore store.LeaderStore, instanceID string, interval time.Duration, logger operator.Logger, onRescue func()) *Reaper {
	if interval <= 0 {
		interval = DefaultRescueInterval
	}
	if logger == nil {
		logger = operator.NoopLogger()
	}

	cfg := leadership.DefaultConfig()
	elector := leadership.NewElector(leaderStore, "reaper", instanceID, cfg, leadership.Callbacks{})

	return &Reaper{
		taskStore: taskStore,
		elector:   elector,
		interval:  interval,
		limit:     100,
		logger:    logger,
		onRescue:  onRescue,
	}
}

// Run starts leader election and ticks the reap loop until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	if err := r.elector.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = r.elector.Stop(context.Background()) }()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if !r.elector.IsLeader() {
		return
	}

	expired, err := r.taskStore.ReapExpiredTasks(ctx, r.limit)
	if err != nil {
		r.logger.Error("reap expired tasks failed", "error", err)
		return
	}

	rescued := false
	for _, task := range expired {
		if task.Attempts >= task.MaxAttempts {
			if err := r.taskStore.FailExpiredTask(ctx, task.ID, "lease expired past max_attempts"); err != nil {
				r.logger.Error("fail expired task failed", "task_id", task.ID, "error", err)
			}
			continue
		}

		if err := r.taskStore.RequeueExpiredTask(ctx, task.ID); err != nil {
			r.logger.Error("requeue expired task failed", "task_id", task.ID, "error", err)
			continue
		}
		r.logger.Info("requeued expired task", "task_id", task.ID, "error_type", leaseExpiredErrorType)
		rescued = true
	}

	if rescued && r.onRescue != nil {
		r.onRescue()
	}
}
