package schedule

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"cadence/internal/jobqueue"
	"cadence/pkg/logx"
)

var (
	ErrPhaseExists   = errors.New("phase already exists")
	ErrPhaseNotFound = errors.New("phase not found")
	ErrPhaseType     = errors.New("phase has a different concrete type")
)

// State is the scheduler run state.
type State int32

const (
	StateRunning State = iota
	StatePaused
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Scheduler owns an ordered collection of phases and executes all of them
// once per RunOnce call, on the calling goroutine.
//
// The phase list is guarded by a mutex held for the whole pass, so phase
// insertion/removal from another goroutine simply waits for the pass to end;
// there is never a concurrent modification during iteration.
type Scheduler struct {
	mu     sync.Mutex
	phases []Phase

	runHook func(phase string)

	state atomic.Int32

	log logx.Logger
}

func NewScheduler(log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{log: log}
}

// CreatePhase appends the phase and initializes it. Inserting a phase whose
// name is already present is rejected; silent overwrite would reorder work
// other components rely on.
func (s *Scheduler) CreatePhase(p Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(p.Name()) >= 0 {
		return fmt.Errorf("%w: %q", ErrPhaseExists, p.Name())
	}
	s.phases = append(s.phases, p)
	p.Init()
	s.log.Debug("phase created", logx.String("phase", p.Name()), logx.Int("position", len(s.phases)-1))
	return nil
}

// CreatePhaseBefore inserts the phase immediately preceding an existing one.
// The insert fails if the target name is absent; appending silently instead
// would hide a wiring bug in the caller.
func (s *Scheduler) CreatePhaseBefore(p Phase, existing string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(p.Name()) >= 0 {
		return fmt.Errorf("%w: %q", ErrPhaseExists, p.Name())
	}
	at := s.indexLocked(existing)
	if at < 0 {
		return fmt.Errorf("%w: %q (inserting %q before it)", ErrPhaseNotFound, existing, p.Name())
	}
	s.phases = append(s.phases, nil)
	copy(s.phases[at+1:], s.phases[at:])
	s.phases[at] = p
	p.Init()
	s.log.Debug("phase created", logx.String("phase", p.Name()), logx.String("before", existing))
	return nil
}

// DestroyPhase uninits the named phase and removes it, preserving the
// relative order of the remaining phases.
func (s *Scheduler) DestroyPhase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.indexLocked(name)
	if at < 0 {
		return fmt.Errorf("%w: %q", ErrPhaseNotFound, name)
	}
	s.phases[at].Uninit()
	s.phases = append(s.phases[:at], s.phases[at+1:]...)
	s.log.Debug("phase destroyed", logx.String("phase", name))
	return nil
}

// GetPhase returns the named phase as the interface type.
func (s *Scheduler) GetPhase(name string) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.indexLocked(name)
	if at < 0 {
		return nil, fmt.Errorf("%w: %q", ErrPhaseNotFound, name)
	}
	return s.phases[at], nil
}

// PhaseAs looks up a phase by name and asserts its concrete type.
//
// This is the single dynamic-downcast point of the registry: a heterogeneous
// phase map cannot hand back concrete types any other way. Callers outside
// registry lookups should never need it.
func PhaseAs[P Phase](s *Scheduler, name string) (P, error) {
	var zero P
	p, err := s.GetPhase(name)
	if err != nil {
		return zero, err
	}
	tp, ok := p.(P)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T", ErrPhaseType, name, p)
	}
	return tp, nil
}

// PhaseNames returns the current execution order.
func (s *Scheduler) PhaseNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.phases))
	for i, p := range s.phases {
		names[i] = p.Name()
	}
	return names
}

func (s *Scheduler) indexLocked(name string) int {
	for i, p := range s.phases {
		if p.Name() == name {
			return i
		}
	}
	return -1
}

// RunOnce executes every phase in insertion order.
//
// It returns false only once the scheduler has been cancelled; the check
// happens at the top, so a cancel requested mid-pass lets the pass complete
// and takes effect on the next call. While paused, no phase runs but the
// caller's loop keeps going.
func (s *Scheduler) RunOnce(focused bool, jobs *jobqueue.Queue) bool {
	switch s.State() {
	case StateCancelled:
		return false
	case StatePaused:
		return true
	}

	f := Frame{Focused: focused, Jobs: jobs}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.phases {
		if !focused && !p.RunsWhenUnfocused() {
			continue
		}
		p.Run(f)
		if s.runHook != nil {
			s.runHook(p.Name())
		}
	}
	return true
}

// SetRunHook installs fn, called after every phase execution. Instrumentation
// only; nil removes the hook.
func (s *Scheduler) SetRunHook(fn func(phase string)) {
	s.mu.Lock()
	s.runHook = fn
	s.mu.Unlock()
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Resume puts the scheduler (back) into the running state.
func (s *Scheduler) Resume() { s.state.Store(int32(StateRunning)) }

// Pause suspends phase execution without stopping the caller's loop.
func (s *Scheduler) Pause() { s.state.Store(int32(StatePaused)) }

// Cancel requests a cooperative stop: the next RunOnce returns false.
func (s *Scheduler) Cancel() { s.state.Store(int32(StateCancelled)) }

// Uninit calls Uninit on every phase in phase order, then clears the
// registry. Safe to call more than once.
func (s *Scheduler) Uninit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.phases {
		p.Uninit()
	}
	s.phases = nil
}
