// Package app wires the scheduler, workers, shared data, and plugin manager
// into one frame-driven runtime.
//
// One frame is: main scheduler pass, shared-data flush, plugin poll. Plugin
// reloads happen right after the flush so a re-registering plugin never sees
// half-applied resource mutations. Workers run their own schedulers
// concurrently and drain the shared job queue between passes.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/jobqueue"
	"cadence/internal/metrics"
	"cadence/internal/plugin"
	"cadence/internal/schedule"
	"cadence/internal/shareddata"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

const DefaultWorkers = 5

type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Collector // nil disables instrumentation
	Store   storage.Store      // nil disables the audit trail
	Loader  plugin.Loader      // nil selects the native loader

	// Workers is the size of the default pool ("worker-1".."worker-N").
	Workers int

	// PollInterval bounds how often plugin files are checked for changes.
	PollInterval time.Duration

	// RetryFailed retries plugins whose reload failed on later polls.
	// Nil means true.
	RetryFailed *bool

	// FrameInterval is the minimum spacing between Run loop frames.
	// Zero runs frames back to back.
	FrameInterval time.Duration

	// StartFocused is the initial focus state.
	StartFocused bool
}

type App struct {
	log logx.Logger
	bus eventbus.Bus
	met *metrics.Collector

	sched   *schedule.Scheduler
	shared  *shareddata.Container
	jobs    *jobqueue.Queue
	plugins *plugin.Manager

	wmu     sync.Mutex
	workers map[string]*schedule.Worker
	wOrder  []string
	started bool
	stopped bool

	focused atomic.Bool

	frameInterval time.Duration

	pmu         sync.Mutex
	pollEvery   time.Duration
	retryFailed bool
	lastPoll    time.Time
}

func New(opts Options) *App {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	retry := true
	if opts.RetryFailed != nil {
		retry = *opts.RetryFailed
	}

	a := &App{
		log:           log,
		bus:           opts.Bus,
		met:           opts.Metrics,
		sched:         schedule.NewScheduler(log.With(logx.String("scheduler", "main"))),
		shared:        shareddata.New(),
		jobs:          jobqueue.New(),
		workers:       map[string]*schedule.Worker{},
		pollEvery:     opts.PollInterval,
		retryFailed:   retry,
		frameInterval: opts.FrameInterval,
	}
	a.plugins = plugin.NewManager(opts.Loader, log, opts.Bus, opts.Store)
	a.focused.Store(opts.StartFocused)

	for i := 1; i <= opts.Workers; i++ {
		a.addWorkerLocked(fmt.Sprintf("worker-%d", i))
	}

	if a.met != nil {
		a.sched.SetRunHook(func(phase string) { a.met.RecordPhaseRun(phase) })
	}
	return a
}

func (a *App) addWorkerLocked(name string) *schedule.Worker {
	w := schedule.NewWorker(name, a.log)
	if a.met != nil {
		w.SetJobHook(func(j jobqueue.Job) { a.met.RecordJobExecuted(string(j.Category)) })
	}
	a.workers[name] = w
	a.wOrder = append(a.wOrder, name)
	return w
}

// ---- plugin.Host ----

func (a *App) CreatePhase(p schedule.Phase) error { return a.sched.CreatePhase(p) }

func (a *App) CreatePhaseBefore(p schedule.Phase, existing string) error {
	return a.sched.CreatePhaseBefore(p, existing)
}

func (a *App) DestroyPhase(name string) error { return a.sched.DestroyPhase(name) }

// CreatePhaseWithSystems registers an empty systems-container phase on the
// main loop and returns it so the caller can add systems.
func (a *App) CreatePhaseWithSystems(name string) (*schedule.PhaseWithSystems, error) {
	p := schedule.NewPhaseWithSystems(name)
	if err := a.sched.CreatePhase(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPhase looks up a main-loop phase by name.
func (a *App) GetPhase(name string) (schedule.Phase, error) { return a.sched.GetPhase(name) }

// CreatePhaseOnWorker routes a phase to the named worker's private scheduler.
// Unknown names create the worker, so plugins can claim dedicated execution
// contexts beyond the default pool.
func (a *App) CreatePhaseOnWorker(worker string, p schedule.Phase) error {
	w := a.ensureWorker(worker)
	if err := w.Scheduler().CreatePhase(p); err != nil {
		return err
	}
	a.wmu.Lock()
	if a.started && a.focused.Load() && !w.IsStarted() {
		w.Start(a.jobs, a.focused.Load)
	}
	a.wmu.Unlock()
	return nil
}

func (a *App) DestroyPhaseOnWorker(worker, phase string) error {
	a.wmu.Lock()
	w := a.workers[worker]
	a.wmu.Unlock()
	if w == nil {
		return fmt.Errorf("worker %q not found", worker)
	}
	return w.Scheduler().DestroyPhase(phase)
}

func (a *App) Shared() *shareddata.Container { return a.shared }
func (a *App) Jobs() *jobqueue.Queue         { return a.jobs }

func (a *App) ensureWorker(name string) *schedule.Worker {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if w, ok := a.workers[name]; ok {
		return w
	}
	return a.addWorkerLocked(name)
}

// ---- plugins ----

func (a *App) AddPlugin(path string) (plugin.ID, error) {
	id, err := a.plugins.AddPlugin(a, path)
	if a.met != nil {
		if err != nil {
			a.met.RecordPluginFailure()
		} else {
			a.met.RecordPluginLoad()
		}
		a.met.SetPluginsLoaded(a.plugins.Count())
	}
	return id, err
}

func (a *App) RemovePlugin(id plugin.ID) error {
	err := a.plugins.RemovePlugin(a, id)
	if a.met != nil {
		a.met.SetPluginsLoaded(a.plugins.Count())
	}
	return err
}

// Plugins lists loaded plugins in load order.
func (a *App) Plugins() []plugin.Status { return a.plugins.Snapshot() }

// ---- lifecycle ----

// Start marks the app running and starts the worker pool (when focused).
// Phases can be registered before or after Start.
func (a *App) Start() {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.stopped = false
	a.sched.Resume()
	if a.focused.Load() {
		a.startWorkersLocked()
	}
	a.publish("app.started", nil)
	a.log.Info("app started",
		logx.Int("workers", len(a.workers)),
		logx.Bool("focused", a.focused.Load()),
	)
}

func (a *App) startWorkersLocked() {
	for _, name := range a.wOrder {
		a.workers[name].Start(a.jobs, a.focused.Load)
	}
	if a.met != nil {
		a.met.SetWorkersRunning(a.runningWorkersLocked())
	}
}

// workerSnapshotLocked copies the pool in reverse creation order, mirroring
// plugin release.
func (a *App) workerSnapshotLocked() []*schedule.Worker {
	ws := make([]*schedule.Worker, 0, len(a.wOrder))
	for i := len(a.wOrder) - 1; i >= 0; i-- {
		ws = append(ws, a.workers[a.wOrder[i]])
	}
	return ws
}

// stopWorkers joins a snapshot taken under wmu, without holding wmu itself.
// Worker.Stop blocks on the in-flight job, and that job may call back into a
// Host method that takes wmu.
func (a *App) stopWorkers(ws []*schedule.Worker) {
	for _, w := range ws {
		w.Stop()
	}
	if a.met != nil {
		a.met.SetWorkersRunning(0)
	}
}

func (a *App) runningWorkersLocked() int {
	n := 0
	for _, w := range a.workers {
		if w.IsStarted() {
			n++
		}
	}
	return n
}

// SetFocused flips the focus flag. Losing focus stops the workers and clears
// pending jobs; regaining focus restarts the workers. Unfocused-exempt phases
// keep running on the main loop either way.
func (a *App) SetFocused(focused bool) {
	if a.focused.Swap(focused) == focused {
		return
	}
	a.publish("app.focus", focused)

	if focused {
		a.wmu.Lock()
		if !a.started {
			a.wmu.Unlock()
			return
		}
		for _, name := range a.wOrder {
			w := a.workers[name]
			w.Scheduler().Resume()
			w.Start(a.jobs, a.focused.Load)
		}
		if a.met != nil {
			a.met.SetWorkersRunning(a.runningWorkersLocked())
		}
		a.wmu.Unlock()
		a.log.Info("focus gained; workers restarted")
		return
	}

	a.wmu.Lock()
	started := a.started
	ws := a.workerSnapshotLocked()
	a.wmu.Unlock()
	if !started {
		return
	}
	a.stopWorkers(ws)
	dropped := a.jobs.Clear()
	if a.met != nil && dropped > 0 {
		a.met.RecordJobsDropped(dropped)
	}
	a.log.Info("focus lost; workers stopped", logx.Int("jobs_dropped", dropped))
}

func (a *App) IsFocused() bool { return a.focused.Load() }

// RunOnce executes one frame on the calling goroutine: scheduler pass, then
// shared-data flush, then the plugin poll. Returns false once the app has
// been cancelled.
func (a *App) RunOnce() bool {
	start := time.Now()

	ok := a.sched.RunOnce(a.focused.Load(), a.jobs)

	a.shared.Flush()
	a.pollPlugins()

	if a.met != nil {
		a.met.RecordFrame(time.Since(start).Seconds())
		a.met.SetJobsPending(a.jobs.Len())
	}
	return ok
}

// pollPlugins reloads plugins whose files changed, rate limited to the poll
// interval. It runs right after the frame's flush, so Prepare on the new
// instance observes fully applied shared data.
func (a *App) pollPlugins() {
	a.pmu.Lock()
	if time.Since(a.lastPoll) < a.pollEvery {
		a.pmu.Unlock()
		return
	}
	a.lastPoll = time.Now()
	retry := a.retryFailed
	a.pmu.Unlock()

	for _, id := range a.plugins.Update() {
		if _, err := a.plugins.Reload(a, id); err != nil {
			if a.met != nil {
				a.met.RecordPluginFailure()
			}
			continue
		}
		if a.met != nil {
			a.met.RecordPluginReload()
		}
	}
	if retry {
		for range a.plugins.RetryFailed(a) {
			if a.met != nil {
				a.met.RecordPluginReload()
			}
		}
	} else if dropped := a.plugins.DiscardRetry(); len(dropped) > 0 {
		a.log.Warn("retry disabled; dropping failed plugin reloads",
			logx.Int("count", len(dropped)))
	}
	if a.met != nil {
		a.met.SetPluginsLoaded(a.plugins.Count())
	}
}

// SetPollInterval retunes the plugin poll cadence at runtime (config reload).
func (a *App) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	a.pmu.Lock()
	a.pollEvery = d
	a.pmu.Unlock()
}

// SetRetryFailed toggles retrying of failed plugin reloads at runtime.
func (a *App) SetRetryFailed(retry bool) {
	a.pmu.Lock()
	a.retryFailed = retry
	a.pmu.Unlock()
}

// Run loops RunOnce until the app is cancelled or ctx is done.
func (a *App) Run(ctx context.Context) error {
	var tick *time.Ticker
	if a.frameInterval > 0 {
		tick = time.NewTicker(a.frameInterval)
		defer tick.Stop()
	}
	for {
		if !a.RunOnce() {
			return nil
		}
		if tick == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Cancel requests a cooperative stop of the main loop. The current frame
// completes; the next RunOnce returns false.
func (a *App) Cancel() { a.sched.Cancel() }

// Stop tears everything down: workers first, then pending jobs, then the
// main scheduler's phases, then a final flush, then the plugins. Plugins go
// last so their Unprepare still sees a live (if empty) host. Plugin release
// runs even when Start was never called, so plugins added beforehand are
// still unprepared. Workers are joined outside wmu; see stopWorkers.
func (a *App) Stop() {
	a.sched.Cancel()

	a.wmu.Lock()
	if a.stopped {
		a.wmu.Unlock()
		return
	}
	a.stopped = true
	wasStarted := a.started
	a.started = false
	ws := a.workerSnapshotLocked()
	a.wmu.Unlock()

	if wasStarted {
		a.stopWorkers(ws)
		for _, w := range ws {
			w.Uninit()
		}
	}

	dropped := a.jobs.Clear()
	if a.met != nil && dropped > 0 {
		a.met.RecordJobsDropped(dropped)
	}

	a.sched.Uninit()
	a.shared.Flush()
	a.plugins.Release(a)

	if a.met != nil {
		a.met.SetPluginsLoaded(0)
		a.met.SetJobsPending(0)
	}
	a.publish("app.stopped", nil)
	a.log.Info("app stopped", logx.Int("jobs_dropped", dropped))
}

func (a *App) publish(typ string, data any) {
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
