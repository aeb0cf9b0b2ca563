package timeutil

import (
	"container/heap"
	"time"
)

// Task is a unit of work scheduled at a virtual instant.
type Task struct {
	at        time.Duration
	seq       uint64
	name      string
	fn        func()
	index     int
	cancelled bool
}

// At returns the virtual time the task is due.
func (t *Task) At() time.Duration { return t.at }

// Name returns the label given when the task was scheduled.
func (t *Task) Name() string { return t.name }

// Cancel prevents the task from running. Cancelling a task that already ran
// or was already cancelled is a no-op. Safe on a nil task.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled = true
}

// Active reports whether the task is still due to run.
func (t *Task) Active() bool {
	return t != nil && !t.cancelled && t.index >= 0
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a single-threaded discrete-event queue over virtual time.
// Tasks due at the same instant run in the order they were scheduled.
// A Scheduler must only be used from one goroutine.
type Scheduler struct {
	now   time.Duration
	seq   uint64
	queue taskHeap
	ran   uint64
}

// NewScheduler returns a scheduler at virtual time zero.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Duration { return s.now }

// Clock returns a Clock that reports the scheduler's virtual time as an
// offset from epoch.
func (s *Scheduler) Clock(epoch time.Time) Clock {
	return virtualClock{epoch: epoch, s: s}
}

// Schedule queues fn to run delay after the current virtual time. Negative
// delays are treated as zero.
func (s *Scheduler) Schedule(delay time.Duration, name string, fn func()) *Task {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	t := &Task{at: s.now + delay, seq: s.seq, name: name, fn: fn}
	heap.Push(&s.queue, t)
	return t
}

// Pending returns the number of live tasks still queued.
func (s *Scheduler) Pending() int {
	n := 0
	for _, t := range s.queue {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Executed returns how many tasks have run so far.
func (s *Scheduler) Executed() uint64 { return s.ran }

// Step runs the next live task, advancing virtual time to its due instant.
// It returns false when the queue is empty.
func (s *Scheduler) Step() bool {
	for s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*Task)
		if t.cancelled {
			continue
		}
		s.now = t.at
		s.ran++
		t.fn()
		return true
	}
	return false
}

// Run drains the queue.
func (s *Scheduler) Run() {
	for s.Step() {
	}
}

// RunUntil runs every task due at or before end and then sets the virtual
// time to end. Tasks due later stay queued.
func (s *Scheduler) RunUntil(end time.Duration) {
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.cancelled {
			heap.Pop(&s.queue)
			continue
		}
		if next.at > end {
			break
		}
		s.Step()
	}
	if end > s.now {
		s.now = end
	}
}

// RunFor runs tasks for d of virtual time from now.
func (s *Scheduler) RunFor(d time.Duration) {
	s.RunUntil(s.now + d)
}
