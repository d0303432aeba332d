package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/meshd/internal/jobs"
	"github.com/jo-hoe/meshd/internal/storage"
)

// Janitor enforces the retention period on job records and their working directories.
type Janitor struct {
	Log       *slog.Logger
	Store     jobs.Store
	Workspace *storage.Workspace
	Retention time.Duration
	Interval  time.Duration
	// Busy, when set, protects the files of jobs still executing after their record expired.
	Busy func(id string) bool

	now func() time.Time
}

func NewJanitor(log *slog.Logger, store jobs.Store, ws *storage.Workspace, retention, interval time.Duration) *Janitor {
	return &Janitor{
		Log:       log,
		Store:     store,
		Workspace: ws,
		Retention: retention,
		Interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j.Retention <= 0 || j.Interval <= 0 {
		j.Log.Info("retention sweep disabled")
		return
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(); err != nil {
				j.Log.Warn("retention sweep", "err", err)
			}
		}
	}
}

func (j *Janitor) busy(id string) bool {
	return j.Busy != nil && j.Busy(id)
}

// inUse reports whether the job's files may still be read or written. The listed status
// can be stale: a queued job may have been picked up by a slot since.
func (j *Janitor) inUse(id string) bool {
	if j.busy(id) {
		return true
	}
	current, err := j.Store.Get(id)
	return err == nil && current.Status == jobs.StatusRunning
}

// Sweep removes files of expired jobs that are not running, the expired records themselves,
// and directories left without a record. Running jobs lose only their record; the worker
// removes their files once it notices.
func (j *Janitor) Sweep() (int, error) {
	cutoff := j.now().Add(-j.Retention)

	all, err := j.Store.List(nil, -1)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	known := make(map[string]bool, len(all))
	for _, job := range all {
		known[job.ID] = true
		if !job.CreatedAt.Before(cutoff) || j.inUse(job.ID) {
			continue
		}
		if err := j.Workspace.Remove(job.ID); err != nil {
			j.Log.Warn("remove expired job files", "job_id", job.ID, "err", err)
		}
	}

	removed, err := j.Store.Sweep(j.Retention)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}

	dirs, err := j.Workspace.JobDirs()
	if err != nil {
		return removed, err
	}
	for id, modTime := range dirs {
		if known[id] || !modTime.Before(cutoff) || j.busy(id) {
			continue
		}
		if err := j.Workspace.Remove(id); err != nil {
			j.Log.Warn("remove orphaned job files", "job_id", id, "err", err)
		}
	}
	if removed > 0 {
		j.Log.Info("expired jobs removed", "count", removed)
	}
	return removed, nil
}
