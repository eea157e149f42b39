// Package jobqueue implements the shared multi-producer multi-consumer queue
// of deferred closures drained by worker threads between scheduler passes.
package jobqueue

import "sync"

// Category tags a job with the subsystem that produced it (e.g. "load_event").
// Categories are informational: the queue applies no priority or routing.
type Category string

// Job is a deferred closure. It is created by a producer, moved into the
// queue, and consumed exactly once by whichever worker (or inline caller)
// pops it. Jobs must not assume which thread executes them.
type Job struct {
	Category Category
	Name     string
	fn       func()
}

// NewJob builds a job around fn. A nil fn yields a job whose Execute is a no-op.
func NewJob(category Category, name string, fn func()) Job {
	return Job{Category: category, Name: name, fn: fn}
}

// Execute runs the job's closure on the calling goroutine.
func (j Job) Execute() {
	if j.fn != nil {
		j.fn()
	}
}

// Queue is an unbounded FIFO of Jobs guarded by a single mutex.
//
// Push never blocks the producer. TryPop is non-blocking and delivers each
// job to exactly one caller, however many goroutines drain concurrently.
type Queue struct {
	mu   sync.Mutex
	jobs []Job
	head int
}

func New() *Queue {
	return &Queue{}
}

// Push enqueues a closure under the given category and name.
func (q *Queue) Push(category Category, name string, fn func()) {
	q.PushJob(NewJob(category, name, fn))
}

// PushJob enqueues an already-built job.
func (q *Queue) PushJob(j Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
}

// TryPop removes and returns the oldest pending job.
// It returns false immediately when the queue is empty.
func (q *Queue) TryPop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.jobs) {
		return Job{}, false
	}
	j := q.jobs[q.head]
	q.jobs[q.head] = Job{}
	q.head++
	// Reclaim the consumed prefix once it dominates the backing slice.
	if q.head > 32 && q.head*2 >= len(q.jobs) {
		q.jobs = append(q.jobs[:0], q.jobs[q.head:]...)
		q.head = 0
	}
	return j, true
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) - q.head
}

// Clear discards all pending jobs unconditionally and reports how many were
// dropped. Jobs already popped and mid-execution are not interrupted.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs) - q.head
	q.jobs = nil
	q.head = 0
	return n
}
