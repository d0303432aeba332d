package jobs

import (
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory Store. A single mutex guards the map; every method returns
// copies so callers never observe a record while it is being mutated.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*entry
	seq  uint64
	now  func() time.Time
}

type entry struct {
	job Job
	seq uint64 // creation order, breaks CreatedAt ties in List
}

var _ Store = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Create(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return nil, ErrAlreadyExists
	}
	now := r.now()
	r.seq++
	e := &entry{
		job: Job{ID: id, Status: StatusQueued, CreatedAt: now, UpdatedAt: now},
		seq: r.seq,
	}
	r.jobs[id] = e
	return copyJob(&e.job), nil
}

func (r *Registry) Get(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(&e.job), nil
}

// Update applies u under the lock. Only the job's own pipeline execution writes to a record,
// so ordering within a job is sequential; across callers the last writer wins.
func (r *Registry) Update(id string, u Update) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := e.job
	if err := apply(&next, u, r.now()); err != nil {
		return nil, err
	}
	e.job = next
	return copyJob(&e.job), nil
}

func (r *Registry) List(status *Status, limit int) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		if status != nil && e.job.Status != *status {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.After(b.job.CreatedAt)
		}
		return a.seq > b.seq
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyJob(&e.job))
	}
	return out, nil
}

func (r *Registry) Delete(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false, nil
	}
	delete(r.jobs, id)
	return true, nil
}

func (r *Registry) DeleteUnlessRunning(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	if e.job.Status == StatusRunning {
		return false, ErrIllegalTransition
	}
	delete(r.jobs, id)
	return true, nil
}

// Sweep removes every job created more than maxAge ago, whatever its status.
func (r *Registry) Sweep(maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, e := range r.jobs {
		if e.job.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (r *Registry) Close() error { return nil }

func copyJob(j *Job) *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Result = j.Result.Clone()
	return &c
}
