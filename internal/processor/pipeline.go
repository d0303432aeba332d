package processor

import (
	"fmt"
	"log/slog"

	"github.com/jo-hoe/meshd/internal/jobs"
	"github.com/jo-hoe/meshd/internal/metrics"
	"github.com/jo-hoe/meshd/internal/storage"
)

// Enqueuer schedules work items; *jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(item jobs.WorkItem) error
}

// Pipeline is the entry point the HTTP layer uses to schedule and remove jobs.
type Pipeline struct {
	Log       *slog.Logger
	Store     jobs.Store
	Queue     Enqueuer
	Workspace *storage.Workspace
}

func NewPipeline(log *slog.Logger, store jobs.Store, queue Enqueuer, ws *storage.Workspace) *Pipeline {
	return &Pipeline{Log: log, Store: store, Queue: queue, Workspace: ws}
}

// Submit schedules a queued job and returns without waiting for it. When the queue rejects the
// item the job is moved to the error status so it never stays queued without a worker.
func (p *Pipeline) Submit(item jobs.WorkItem) error {
	job, err := p.Store.Get(item.JobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusQueued {
		return fmt.Errorf("%w: job %s is %s, expected %s", jobs.ErrIllegalTransition, job.ID, job.Status, jobs.StatusQueued)
	}
	if err := p.Queue.Enqueue(item); err != nil {
		if _, uerr := p.Store.Update(item.JobID, jobs.ToError(fmt.Sprintf("could not schedule job: %v", err))); uerr != nil {
			p.Log.Warn("mark unscheduled job as failed", "job_id", item.JobID, "err", uerr)
		}
		metrics.ObserveJobCompleted(string(jobs.StatusError), 0)
		return fmt.Errorf("enqueue job: %w", err)
	}
	metrics.IncreaseJobsSubmittedMetric()
	p.Log.Info("job queued", "job_id", item.JobID, "profile", item.Options.Profile)
	return nil
}

// Remove deletes a job that is not running, then its files.
func (p *Pipeline) Remove(id string) error {
	ok, err := p.Store.DeleteUnlessRunning(id)
	if err != nil {
		return err
	}
	if !ok {
		return jobs.ErrNotFound
	}
	if err := p.Workspace.Remove(id); err != nil {
		return fmt.Errorf("remove job files: %w", err)
	}
	p.Log.Info("job deleted", "job_id", id)
	return nil
}

// FailDropped moves items that never got a slot to the error status.
func (p *Pipeline) FailDropped(items []jobs.WorkItem, reason string) {
	for _, item := range items {
		if _, err := p.Store.Update(item.JobID, jobs.ToError(reason)); err != nil {
			p.Log.Warn("fail dropped job", "job_id", item.JobID, "err", err)
			continue
		}
		metrics.ObserveJobCompleted(string(jobs.StatusError), 0)
	}
}
