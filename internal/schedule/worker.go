package schedule

import (
	"runtime"
	"runtime/debug"
	"sync"

	"cadence/internal/jobqueue"
	"cadence/pkg/logx"
)

// Worker runs a private Scheduler on its own goroutine and drains the shared
// job queue between passes.
//
// Phases registered on a worker belong to that worker alone: workers are
// independent execution contexts, not a pool sharing one phase graph.
type Worker struct {
	mu      sync.Mutex
	name    string
	sched   *Scheduler
	done    chan struct{}
	started bool

	jobHook func(jobqueue.Job)

	log logx.Logger
}

func NewWorker(name string, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("worker", name))
	return &Worker{
		name:  name,
		sched: NewScheduler(log),
		log:   log,
	}
}

func (w *Worker) Name() string { return w.name }

// Scheduler exposes the worker's private scheduler for phase registration.
func (w *Worker) Scheduler() *Scheduler { return w.sched }

// SetJobHook installs fn, called after each drained job completes.
// Instrumentation only; set before Start.
func (w *Worker) SetJobHook(fn func(jobqueue.Job)) {
	w.mu.Lock()
	w.jobHook = fn
	w.mu.Unlock()
}

func (w *Worker) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Start spawns the worker goroutine. It is idempotent: calling Start on a
// running worker is a no-op.
//
// The loop is: one scheduler pass, then drain all currently available jobs,
// then repeat. The cancel flag is observed between passes and between job
// executions, never inside a job, which keeps Stop deadlock-free as long as
// jobs eventually return.
func (w *Worker) Start(jobs *jobqueue.Queue, focused func() bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.done = make(chan struct{})

	if focused == nil {
		focused = func() bool { return true }
	}

	go w.loop(jobs, focused, w.done)
	w.log.Debug("worker started")
}

func (w *Worker) loop(jobs *jobqueue.Queue, focused func() bool, done chan struct{}) {
	defer close(done)
	w.sched.Resume()
	for {
		if !w.sched.RunOnce(focused(), jobs) {
			return
		}
		for {
			j, ok := jobs.TryPop()
			if !ok {
				break
			}
			w.execute(j)
			if w.sched.State() == StateCancelled {
				return
			}
		}
		// Yield between frames so a phase-less worker doesn't starve peers.
		runtime.Gosched()
	}
}

// execute runs one job, containing panics so a faulty job cannot take the
// worker thread down with it.
func (w *Worker) execute(j jobqueue.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in job",
				logx.String("job", j.Name),
				logx.String("category", string(j.Category)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	j.Execute()

	w.mu.Lock()
	hook := w.jobHook
	w.mu.Unlock()
	if hook != nil {
		hook(j)
	}
}

// Stop cancels the private scheduler and joins the worker goroutine. It
// blocks until the goroutine has exited; by the cooperative-cancellation
// contract that wait is bounded by the longest in-flight phase or job.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	done := w.done
	w.mu.Unlock()

	w.sched.Cancel()
	<-done

	w.mu.Lock()
	w.started = false
	w.done = nil
	w.mu.Unlock()
	w.log.Debug("worker stopped")
}

// Uninit tears down the worker's phases. Call after Stop.
func (w *Worker) Uninit() {
	w.sched.Uninit()
}
