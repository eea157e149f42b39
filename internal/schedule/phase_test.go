package schedule

import (
	"reflect"
	"testing"
)

// recSystem records its lifecycle transitions.
type recSystem struct {
	id        SystemID
	name      string
	events    *[]string
	unfocused bool
}

func newRecSystem(name string, events *[]string, unfocused bool) *recSystem {
	return &recSystem{id: NextSystemID(), name: name, events: events, unfocused: unfocused}
}

func (s *recSystem) mark(ev string) { *s.events = append(*s.events, s.name+":"+ev) }

func (s *recSystem) ID() SystemID            { return s.id }
func (s *recSystem) ReadConfig(plugin string) { s.mark("config(" + plugin + ")") }
func (s *recSystem) Init()                   { s.mark("init") }
func (s *recSystem) Run() bool               { s.mark("run"); return true }
func (s *recSystem) Uninit()                 { s.mark("uninit") }
func (s *recSystem) RunsWhenUnfocused() bool { return s.unfocused }

func TestSystemsRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	var events []string
	p := NewPhaseWithSystems("update")
	a := newRecSystem("a", &events, true)
	b := newRecSystem("b", &events, true)
	c := newRecSystem("c", &events, true)
	p.AddSystem(a)
	p.AddSystem(b)
	p.AddSystem(c)
	p.Init()

	events = events[:0]
	p.Run(Frame{Focused: true})

	want := []string{"a:run", "b:run", "c:run"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestSystemLifecycleOrder(t *testing.T) {
	t.Parallel()
	var events []string
	p := NewPhaseWithSystems("update")
	s := newRecSystem("s", &events, true)
	s.ReadConfig("viewer")
	p.AddSystem(s)
	p.Init()
	p.Run(Frame{Focused: true})
	p.Run(Frame{Focused: true})
	p.Uninit()

	want := []string{"s:config(viewer)", "s:init", "s:run", "s:run", "s:uninit"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("lifecycle = %v, want %v", events, want)
	}
}

func TestRemoveSystemUninitsAndPreservesOrder(t *testing.T) {
	t.Parallel()
	var events []string
	p := NewPhaseWithSystems("update")
	a := newRecSystem("a", &events, true)
	b := newRecSystem("b", &events, true)
	c := newRecSystem("c", &events, true)
	p.AddSystem(a)
	p.AddSystem(b)
	p.AddSystem(c)
	p.Init()

	events = events[:0]
	if !p.RemoveSystem(b.ID()) {
		t.Fatal("RemoveSystem reported missing system")
	}
	if !reflect.DeepEqual(events, []string{"b:uninit"}) {
		t.Fatalf("events = %v, want [b:uninit]", events)
	}

	events = events[:0]
	p.Run(Frame{Focused: true})
	if !reflect.DeepEqual(events, []string{"a:run", "c:run"}) {
		t.Fatalf("survivor order = %v, want [a:run c:run]", events)
	}

	if p.RemoveSystem(b.ID()) {
		t.Fatal("RemoveSystem of an absent id must return false")
	}
}

func TestAddSystemAfterInitInitsImmediately(t *testing.T) {
	t.Parallel()
	var events []string
	p := NewPhaseWithSystems("update")
	p.Init()

	s := newRecSystem("late", &events, true)
	p.AddSystem(s)
	if !reflect.DeepEqual(events, []string{"late:init"}) {
		t.Fatalf("events = %v, want immediate init", events)
	}
}

func TestUnfocusedSystemsSkipped(t *testing.T) {
	t.Parallel()
	var events []string
	p := NewPhaseWithSystems("update")
	bg := newRecSystem("bg", &events, true)
	fg := newRecSystem("fg", &events, false)
	p.AddSystem(bg)
	p.AddSystem(fg)
	p.Init()

	events = events[:0]
	p.Run(Frame{Focused: false})
	if !reflect.DeepEqual(events, []string{"bg:run"}) {
		t.Fatalf("events = %v, want only bg to run while unfocused", events)
	}
}

func TestFuncPhaseCallbacks(t *testing.T) {
	t.Parallel()
	var inits, runs, uninits int
	p := &FuncPhase{
		PhaseName: "custom",
		OnInit:    func() { inits++ },
		OnRun:     func(Frame) bool { runs++; return true },
		OnUninit:  func() { uninits++ },
	}
	p.Init()
	p.Run(Frame{Focused: true})
	p.Uninit()
	if inits != 1 || runs != 1 || uninits != 1 {
		t.Fatalf("callbacks = init:%d run:%d uninit:%d", inits, runs, uninits)
	}
	if p.RunsWhenUnfocused() {
		t.Fatal("default FuncPhase must not run unfocused")
	}
}
