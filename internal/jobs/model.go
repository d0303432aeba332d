package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle status of a mesh generation job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// ParseStatus converts a query value into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusQueued, StatusRunning, StatusFinished, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrInvalidInput      = errors.New("invalid input")
)

// Artifact is one output file of a finished job. Name is relative to the job's output directory.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
}

// Result is the canonical output of a finished job.
type Result struct {
	Items     []Artifact `json:"items"`
	Composite *Artifact  `json:"composite,omitempty"`
	Preview   *Artifact  `json:"preview,omitempty"`
}

// Empty reports whether no artifact at all was recognized.
func (r Result) Empty() bool {
	return len(r.Items) == 0 && r.Composite == nil && r.Preview == nil
}

// Clone returns a deep copy of r so callers cannot change a stored result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := Result{Items: append([]Artifact(nil), r.Items...)}
	if r.Composite != nil {
		a := *r.Composite
		c.Composite = &a
	}
	if r.Preview != nil {
		a := *r.Preview
		c.Preview = &a
	}
	return &c
}

// Job describes a single video to mesh request.
type Job struct {
	ID          string     // UUIDv4, also the working directory name
	Status      Status     // current status
	Error       string     // set only when Status is error
	Result      *Result    // set only when Status is finished
	CreatedAt   time.Time  // creation time
	UpdatedAt   time.Time  // refreshed on every mutation
	StartedAt   *time.Time // when the job entered running
	CompletedAt *time.Time // when the job reached a terminal status
}

// Update carries the fields to change on a job. Nil fields are left untouched.
type Update struct {
	Status *Status
	Error  *string
	Result *Result
}

// ToRunning, ToError and ToFinished build the updates used by the pipeline.
func ToRunning() Update {
	st := StatusRunning
	return Update{Status: &st}
}

func ToError(msg string) Update {
	st := StatusError
	return Update{Status: &st, Error: &msg}
}

func ToFinished(res Result) Update {
	st := StatusFinished
	return Update{Status: &st, Result: &res}
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses are sinks.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusFinished || to == StatusError
	default:
		return false
	}
}

// apply validates u against job and mutates job in place. It is shared by all Store implementations.
func apply(job *Job, u Update, now time.Time) error {
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrIllegalTransition, job.Status)
	}
	next := job.Status
	if u.Status != nil {
		next = *u.Status
		if !CanTransition(job.Status, next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, next)
		}
	}
	if u.Result != nil && next != StatusFinished {
		return fmt.Errorf("%w: result requires status %s", ErrIllegalTransition, StatusFinished)
	}
	if u.Error != nil && next != StatusError {
		return fmt.Errorf("%w: error requires status %s", ErrIllegalTransition, StatusError)
	}
	if next == StatusError && (u.Error == nil || strings.TrimSpace(*u.Error) == "") {
		return fmt.Errorf("%w: error status requires a message", ErrIllegalTransition)
	}
	if next == StatusFinished && u.Result == nil {
		return fmt.Errorf("%w: finished status requires a result", ErrIllegalTransition)
	}

	if next != job.Status {
		switch {
		case next == StatusRunning:
			t := now
			job.StartedAt = &t
		case next.Terminal():
			t := now
			job.CompletedAt = &t
		}
	}
	job.Status = next
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.Result != nil {
		job.Result = u.Result.Clone()
	}
	job.UpdatedAt = now
	return nil
}

// Profile selects the speed/memory trade-off of the mesh generator.
type Profile string

const (
	ProfileDefault         Profile = "default"
	ProfileFast            Profile = "fast"
	ProfileFastLowResource Profile = "fast_low_resource"
)

// ParseProfile accepts the profile names and the legacy "fast_low_ram" alias.
// An empty string yields fallback.
func ParseProfile(s string, fallback Profile) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return fallback, nil
	case string(ProfileDefault):
		return ProfileDefault, nil
	case string(ProfileFast):
		return ProfileFast, nil
	case string(ProfileFastLowResource), "fast_low_ram":
		return ProfileFastLowResource, nil
	default:
		return "", fmt.Errorf("%w: unknown profile %q", ErrInvalidInput, s)
	}
}

// Knobs returns the fast and low-memory switches for the profile.
func (p Profile) Knobs() (fast, lowMemory bool) {
	switch p {
	case ProfileFast:
		return true, false
	case ProfileFastLowResource:
		return true, true
	default:
		return false, false
	}
}

// Options are the per-job processing choices made at submission.
type Options struct {
	Profile         Profile
	CompositeExport bool
}

// WorkItem contains everything the pipeline needs to execute one job.
type WorkItem struct {
	JobID       string
	InputDir    string  // directory of extracted frames
	OutputDir   string  // exclusive to this job
	Options     Options
	CallbackURL *string // optional completion callback
}

// Store defines the job registry.
type Store interface {
	Create(id string) (*Job, error)
	Get(id string) (*Job, error)
	Update(id string, u Update) (*Job, error)
	List(status *Status, limit int) ([]*Job, error)
	Delete(id string) (bool, error)
	// DeleteUnlessRunning removes the job atomically unless it is running, in which case
	// ErrIllegalTransition is returned and nothing changes.
	DeleteUnlessRunning(id string) (bool, error)
	Sweep(maxAge time.Duration) (int, error)
	Close() error
}
