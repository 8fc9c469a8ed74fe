package delegation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunDeadlineMonitor drives the periodic scan that forces overdue active
// tasks to Timeout. It blocks until the context is cancelled or the
// delegator is closed, so callers give it its own goroutine. It never
// propagates errors; it logs and continues.
func (d *Delegator) RunDeadlineMonitor(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.DeadlineInterval)
	defer ticker.Stop()

	d.logger.Info("Deadline monitor started",
		zap.Duration("interval", d.cfg.DeadlineInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.expireOverdue()
		}
	}
}

// expireOverdue transitions every overdue non-terminal task to Timeout.
func (d *Delegator) expireOverdue() {
	now := time.Now().UTC()

	d.mu.Lock()
	var overdue []*Task
	for _, task := range d.tasks {
		if task.Status.IsTerminal() || task.Deadline == nil {
			continue
		}
		if now.After(*task.Deadline) {
			overdue = append(overdue, task)
		}
	}
	for _, task := range overdue {
		d.logger.Warn("Task exceeded deadline, forcing timeout",
			zap.String("task_id", task.ID),
			zap.Time("deadline", *task.Deadline))
		d.applyLocked(task, StatusTimeout, nil, deadlineError)
	}
	d.mu.Unlock()
}
