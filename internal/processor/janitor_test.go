package processor

import (
	"os"
	"testing"
	"time"

	"github.com/jo-hoe/meshd/internal/jobs"
)

func TestJanitor_Sweep(t *testing.T) {
	f := newFixture(t)

	// Records are stamped with real time; the janitor looks one hour ahead.
	f.newJob(t, "old-done", 20, jobs.Options{})
	if _, err := f.store.Update("old-done", jobs.ToError("boom")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.newJob(t, "old-running", 20, jobs.Options{})
	if _, err := f.store.Update("old-running", jobs.ToRunning()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := f.ws.Prepare("orphan"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := f.ws.Prepare("busy-orphan"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	j := NewJanitor(discardLogger(), f.store, f.ws, 30*time.Minute, time.Minute)
	future := time.Now().Add(time.Hour)
	j.now = func() time.Time { return future }
	j.Busy = func(id string) bool { return id == "busy-orphan" }

	// Store.Sweep uses the store's own clock, so only files are affected here.
	removed, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("records are not old enough for the store yet, removed %d", removed)
	}
	if _, err := os.Stat(f.ws.JobDir("old-done")); !os.IsNotExist(err) {
		t.Fatalf("expired finished job files should be removed: %v", err)
	}
	if _, err := os.Stat(f.ws.JobDir("old-running")); err != nil {
		t.Fatalf("running job files must survive: %v", err)
	}
	if _, err := os.Stat(f.ws.JobDir("orphan")); !os.IsNotExist(err) {
		t.Fatalf("orphan dir should be removed: %v", err)
	}
	if _, err := os.Stat(f.ws.JobDir("busy-orphan")); err != nil {
		t.Fatalf("busy job files must survive: %v", err)
	}
}

func TestJanitor_SweepRemovesExpiredRecords(t *testing.T) {
	f := newFixture(t)
	f.newJob(t, "a", 20, jobs.Options{})
	time.Sleep(20 * time.Millisecond)

	j := NewJanitor(discardLogger(), f.store, f.ws, 10*time.Millisecond, time.Minute)
	removed, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if _, err := f.store.Get("a"); err == nil {
		t.Fatalf("record should be gone")
	}
	if _, err := os.Stat(f.ws.JobDir("a")); !os.IsNotExist(err) {
		t.Fatalf("files should be gone: %v", err)
	}
}

// staleListStore runs afterList once the listing has been taken, so the janitor works
// from a snapshot that is already out of date.
type staleListStore struct {
	jobs.Store
	afterList func()
}

func (s *staleListStore) List(status *jobs.Status, limit int) ([]*jobs.Job, error) {
	list, err := s.Store.List(status, limit)
	if s.afterList != nil {
		s.afterList()
	}
	return list, err
}

func TestJanitor_SweepKeepsFilesOfJobsStartedAfterListing(t *testing.T) {
	f := newFixture(t)
	f.newJob(t, "picked-up", 20, jobs.Options{})
	f.newJob(t, "in-slot", 20, jobs.Options{})
	f.newJob(t, "idle", 20, jobs.Options{})

	store := &staleListStore{Store: f.store, afterList: func() {
		if _, err := f.store.Update("picked-up", jobs.ToRunning()); err != nil {
			t.Errorf("Update: %v", err)
		}
	}}
	j := NewJanitor(discardLogger(), store, f.ws, 30*time.Minute, time.Minute)
	future := time.Now().Add(time.Hour)
	j.now = func() time.Time { return future }
	j.Busy = func(id string) bool { return id == "in-slot" }

	if _, err := j.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	for _, id := range []string{"picked-up", "in-slot"} {
		if _, err := os.Stat(f.ws.InputDir(id)); err != nil {
			t.Fatalf("%s: files of a job in a slot must survive: %v", id, err)
		}
	}
	if _, err := os.Stat(f.ws.JobDir("idle")); !os.IsNotExist(err) {
		t.Fatalf("expired queued job files should be removed: %v", err)
	}
}
