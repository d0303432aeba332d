package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/meshd/internal/common"
)

var (
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueClosed     = errors.New("queue is shut down")
	ErrQueueFull       = errors.New("queue is full")
)

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// QueueObserver is notified about queue depth and slot usage. It may be nil.
type QueueObserver interface {
	QueueDepth(n int)
	BusySlots(n int)
}

// Queue is an in-memory FIFO of WorkItems drained by a fixed number of execution slots.
// Submissions beyond the slot count wait in order instead of being rejected, unless a
// capacity is configured.
type Queue struct {
	log      *slog.Logger
	slots    int
	capacity int // 0 means unbounded
	observer QueueObserver

	mu      sync.Mutex
	cond    *sync.Cond
	pending []WorkItem
	busy    int
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drain   time.Duration // wait for cancelled slots after the shutdown deadline
}

// cancelDrain is how long Shutdown waits for slots once their jobs were cancelled.
const cancelDrain = 10 * time.Second

// NewQueue creates a Queue with the given capacity (0 for unbounded) and slot count.
func NewQueue(logger *slog.Logger, capacity int, slots int) *Queue {
	if capacity < 0 {
		capacity = common.DefaultQueueCapacity
	}
	if slots <= 0 {
		slots = common.DefaultWorkerCount
	}
	q := &Queue{
		log:      logger,
		slots:    slots,
		capacity: capacity,
		drain:    cancelDrain,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Observe registers an observer for depth and slot gauges. Call before Start.
func (q *Queue) Observe(o QueueObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = o
}

// Start launches one goroutine per slot, each processing WorkItems with p.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.slots; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	// Wake waiting slots when the parent context ends.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()
	q.started = true
	return nil
}

// next blocks until an item is available or the queue is closed.
func (q *Queue) next() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return WorkItem{}, false
	}
	item := q.pending[0]
	q.pending[0] = WorkItem{}
	q.pending = q.pending[1:]
	q.busy++
	q.notifyLocked()
	return item, true
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy--
	q.notifyLocked()
}

func (q *Queue) notifyLocked() {
	if q.observer != nil {
		q.observer.QueueDepth(len(q.pending))
		q.observer.BusySlots(q.busy)
	}
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("slot", idx)
	for {
		item, ok := q.next()
		if !ok {
			log.Debug("slot stopping")
			return
		}
		jobLog := log.With("job_id", item.JobID)
		jobLog.Info("processing job")
		start := time.Now()
		if err := p.Process(ctx, item); err != nil {
			jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
		} else {
			jobLog.Info("job processed", "duration", time.Since(start))
		}
		q.release()
	}
}

// Enqueue appends a WorkItem; it never blocks.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return ErrQueueNotStarted
	}
	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.pending) >= q.capacity {
		return ErrQueueFull
	}
	q.pending = append(q.pending, item)
	q.notifyLocked()
	q.cond.Signal()
	return nil
}

// Len returns the number of items waiting for a slot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Slots returns the number of execution slots.
func (q *Queue) Slots() int { return q.slots }

// BusySlots returns the number of slots currently running a job.
func (q *Queue) BusySlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Shutdown stops accepting work and waits for running items up to the provided deadline, after
// which their context is cancelled. It returns the items that never started so the caller can
// fail them.
func (q *Queue) Shutdown(deadline time.Duration) []WorkItem {
	q.mu.Lock()
	if q.cancel == nil && q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	cancel := q.cancel
	q.cancel = nil
	q.notifyLocked()
	q.mu.Unlock()
	q.cond.Broadcast()
	if cancel != nil {
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	if deadline <= 0 {
		<-done
		return dropped
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
		return dropped
	case <-timer.C:
	}

	// Cancelled jobs still record their failure; give them a bounded moment to do so.
	q.log.Warn("queue shutdown deadline reached; cancelling running jobs")
	if cancel != nil {
		cancel()
	}
	drain := time.NewTimer(q.drain)
	defer drain.Stop()
	select {
	case <-done:
	case <-drain.C:
		q.log.Warn("slots still busy after cancellation", "waited", q.drain)
	}
	return dropped
}
