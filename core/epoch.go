package orchestration

import (
	"sync"
	"sync/atomic"
	"time"
)

// operationEpoch is a monotonic counter identifying one connection attempt.
// Async callbacks capture the epoch they were scheduled under and must
// re-check it before mutating shared state; a mismatch means the operation
// is stale and its result is discarded.
type operationEpoch struct {
	counter atomic.Uint64
}

// advance invalidates all operations tied to earlier epochs and returns the
// newly current epoch.
func (e *operationEpoch) advance() uint64 {
	return e.counter.Add(1)
}

func (e *operationEpoch) current() uint64 {
	return e.counter.Load()
}

func (e *operationEpoch) isCurrent(epoch uint64) bool {
	return e.counter.Load() == epoch
}

// scheduledTask is a cancelable timer scoped to the epoch it was created
// under. The callback only runs if the owning epoch is still current when
// the timer fires; firing after cancellation or after the epoch advanced is
// a no-op.
type scheduledTask struct {
	timer      *time.Timer
	cancelOnce sync.Once
}

func scheduleEpochTask(epoch *operationEpoch, owner uint64, delay time.Duration, run func()) *scheduledTask {
	task := &scheduledTask{}
	task.timer = time.AfterFunc(delay, func() {
		if !epoch.isCurrent(owner) {
			logger.Debug("discarding stale scheduled task", "owner_epoch", owner, "current_epoch", epoch.current())
			return
		}
		run()
	})
	return task
}

func (t *scheduledTask) cancel() {
	if t == nil {
		return
	}

	t.cancelOnce.Do(func() {
		t.timer.Stop()
	})
}
