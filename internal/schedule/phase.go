package schedule

import (
	"sync"
	"sync/atomic"

	"cadence/internal/jobqueue"
)

// Frame carries the per-pass inputs the scheduler hands to each phase.
type Frame struct {
	// Focused reports whether the host application currently has focus.
	// Phases and systems that opt out of unfocused execution are skipped
	// while it is false.
	Focused bool
	// Jobs is the shared queue phases may push deferred work onto.
	Jobs *jobqueue.Queue
}

// Phase is an ordered, named unit of per-frame work.
//
// Init is called once when the phase enters a scheduler and Uninit once when
// it leaves (or when the scheduler shuts down). Run's return value reports
// whether the phase did work; it is diagnostic and never stops the scheduler.
type Phase interface {
	Name() string
	Init()
	Run(f Frame) bool
	Uninit()
	RunsWhenUnfocused() bool
}

// FuncPhase is the plain phase shape: a name plus user-supplied callbacks.
// Only OnRun is required.
type FuncPhase struct {
	PhaseName string
	OnInit    func()
	OnRun     func(f Frame) bool
	OnUninit  func()
	// Unfocused keeps the phase running while the application is not focused.
	Unfocused bool
}

func (p *FuncPhase) Name() string { return p.PhaseName }

func (p *FuncPhase) Init() {
	if p.OnInit != nil {
		p.OnInit()
	}
}

func (p *FuncPhase) Run(f Frame) bool {
	if p.OnRun == nil {
		return false
	}
	return p.OnRun(f)
}

func (p *FuncPhase) Uninit() {
	if p.OnUninit != nil {
		p.OnUninit()
	}
}

func (p *FuncPhase) RunsWhenUnfocused() bool { return p.Unfocused }

// SystemID identifies a System instance for removal.
type SystemID uint64

var systemIDSeq atomic.Uint64

// NextSystemID allocates a process-unique system id.
func NextSystemID() SystemID { return SystemID(systemIDSeq.Add(1)) }

// System is a unit of logic owned by exactly one PhaseWithSystems.
//
// Lifecycle is strictly ReadConfig → Init → Run* → Uninit. ReadConfig is
// invoked by the registering plugin before the system joins a phase; the
// phase drives the rest.
type System interface {
	ID() SystemID
	ReadConfig(pluginName string)
	Init()
	Run() bool
	Uninit()
	RunsWhenUnfocused() bool
}

// PhaseWithSystems drives an ordered list of Systems.
//
// Systems run in registration order. Removal preserves the relative order of
// survivors and calls Uninit on the removed system before dropping it.
type PhaseWithSystems struct {
	name string

	mu      sync.Mutex
	systems []System
	inited  bool
}

func NewPhaseWithSystems(name string) *PhaseWithSystems {
	return &PhaseWithSystems{name: name}
}

func (p *PhaseWithSystems) Name() string { return p.name }

// RunsWhenUnfocused returns true: focus gating for a systems phase happens
// per system inside Run.
func (p *PhaseWithSystems) RunsWhenUnfocused() bool { return true }

// AddSystem appends a system. If the phase is already initialized the system
// is initialized immediately, keeping the lifecycle contract for systems
// registered mid-flight (plugin hot reload).
func (p *PhaseWithSystems) AddSystem(s System) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.systems = append(p.systems, s)
	if p.inited {
		s.Init()
	}
}

// RemoveSystem uninits and drops the system with the given id. It reports
// whether the system was present. O(n), order of survivors preserved.
func (p *PhaseWithSystems) RemoveSystem(id SystemID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.systems {
		if s.ID() != id {
			continue
		}
		if p.inited {
			s.Uninit()
		}
		p.systems = append(p.systems[:i], p.systems[i+1:]...)
		return true
	}
	return false
}

// SystemCount reports the number of registered systems.
func (p *PhaseWithSystems) SystemCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.systems)
}

func (p *PhaseWithSystems) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited {
		return
	}
	for _, s := range p.systems {
		s.Init()
	}
	p.inited = true
}

func (p *PhaseWithSystems) Run(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	did := false
	for _, s := range p.systems {
		if !f.Focused && !s.RunsWhenUnfocused() {
			continue
		}
		if s.Run() {
			did = true
		}
	}
	return did
}

func (p *PhaseWithSystems) Uninit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inited {
		p.systems = nil
		return
	}
	for _, s := range p.systems {
		s.Uninit()
	}
	p.systems = nil
	p.inited = false
}
