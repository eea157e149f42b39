package schedule

import (
	"errors"
	"reflect"
	"testing"

	"cadence/pkg/logx"
)

// countPhase records run/init/uninit activity and its position in the global
// call order shared by all phases in a test.
type countPhase struct {
	name      string
	runs      int
	inits     int
	uninits   int
	unfocused bool
	order     *[]string
}

func (p *countPhase) Name() string { return p.name }
func (p *countPhase) Init()        { p.inits++ }
func (p *countPhase) Run(Frame) bool {
	p.runs++
	if p.order != nil {
		*p.order = append(*p.order, p.name)
	}
	return true
}
func (p *countPhase) Uninit()                 { p.uninits++ }
func (p *countPhase) RunsWhenUnfocused() bool { return p.unfocused }

func TestInsertionOrderPreserved(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	for _, n := range []string{"input", "update", "render"} {
		if err := s.CreatePhase(&countPhase{name: n, unfocused: true}); err != nil {
			t.Fatalf("CreatePhase(%s): %v", n, err)
		}
	}
	if got := s.PhaseNames(); !reflect.DeepEqual(got, []string{"input", "update", "render"}) {
		t.Fatalf("order = %v", got)
	}
	if err := s.DestroyPhase("update"); err != nil {
		t.Fatalf("DestroyPhase: %v", err)
	}
	if got := s.PhaseNames(); !reflect.DeepEqual(got, []string{"input", "render"}) {
		t.Fatalf("order after destroy = %v", got)
	}
}

func TestCreatePhaseBefore(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	var order []string
	a := &countPhase{name: "A", unfocused: true, order: &order}
	b := &countPhase{name: "B", unfocused: true, order: &order}
	c := &countPhase{name: "C", unfocused: true, order: &order}

	if err := s.CreatePhase(a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePhase(b); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePhaseBefore(c, "B"); err != nil {
		t.Fatal(err)
	}

	if got := s.PhaseNames(); !reflect.DeepEqual(got, []string{"A", "C", "B"}) {
		t.Fatalf("order = %v, want [A C B]", got)
	}

	if !s.RunOnce(true, nil) {
		t.Fatal("RunOnce returned false on a live scheduler")
	}
	if !reflect.DeepEqual(order, []string{"A", "C", "B"}) {
		t.Fatalf("call order = %v, want [A C B]", order)
	}
	for _, p := range []*countPhase{a, b, c} {
		if p.runs != 1 {
			t.Fatalf("phase %s ran %d times, want 1", p.name, p.runs)
		}
	}
}

func TestCreatePhaseBeforeMissingTarget(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	err := s.CreatePhaseBefore(&countPhase{name: "X"}, "nope")
	if !errors.Is(err, ErrPhaseNotFound) {
		t.Fatalf("err = %v, want ErrPhaseNotFound", err)
	}
	if len(s.PhaseNames()) != 0 {
		t.Fatal("failed insert must not append")
	}
}

func TestDuplicatePhaseNameRejected(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	if err := s.CreatePhase(&countPhase{name: "dup"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePhase(&countPhase{name: "dup"}); !errors.Is(err, ErrPhaseExists) {
		t.Fatalf("err = %v, want ErrPhaseExists", err)
	}
	if err := s.CreatePhaseBefore(&countPhase{name: "dup"}, "dup"); !errors.Is(err, ErrPhaseExists) {
		t.Fatalf("err = %v, want ErrPhaseExists", err)
	}
}

func TestRunOnceRunsEachLivePhaseExactlyOncePerCall(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	a := &countPhase{name: "A", unfocused: true}
	b := &countPhase{name: "B", unfocused: true}
	_ = s.CreatePhase(a)
	_ = s.CreatePhase(b)

	const n = 17
	for i := 0; i < n; i++ {
		if !s.RunOnce(true, nil) {
			t.Fatal("unexpected stop")
		}
	}
	if a.runs != n || b.runs != n {
		t.Fatalf("runs = A:%d B:%d, want %d each", a.runs, b.runs, n)
	}
}

func TestCancelStopsNextPass(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	a := &countPhase{name: "A", unfocused: true}
	_ = s.CreatePhase(a)

	s.Cancel()
	if s.RunOnce(true, nil) {
		t.Fatal("RunOnce after Cancel must return false")
	}
	if a.runs != 0 {
		t.Fatalf("phase ran %d times during cancelled pass, want 0", a.runs)
	}

	s.Resume()
	if !s.RunOnce(true, nil) {
		t.Fatal("RunOnce after Resume must return true")
	}
	if a.runs != 1 {
		t.Fatalf("runs = %d after resume, want 1", a.runs)
	}
}

func TestPausedPassRunsNothingButContinues(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	a := &countPhase{name: "A", unfocused: true}
	_ = s.CreatePhase(a)

	s.Pause()
	if !s.RunOnce(true, nil) {
		t.Fatal("paused RunOnce must still return true")
	}
	if a.runs != 0 {
		t.Fatal("paused pass must not run phases")
	}
}

func TestUnfocusedPhasesSkipped(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	bg := &countPhase{name: "bg", unfocused: true}
	fg := &countPhase{name: "fg", unfocused: false}
	_ = s.CreatePhase(bg)
	_ = s.CreatePhase(fg)

	s.RunOnce(false, nil)
	if bg.runs != 1 || fg.runs != 0 {
		t.Fatalf("runs = bg:%d fg:%d, want 1/0 when unfocused", bg.runs, fg.runs)
	}
	s.RunOnce(true, nil)
	if bg.runs != 2 || fg.runs != 1 {
		t.Fatalf("runs = bg:%d fg:%d, want 2/1 when focused", bg.runs, fg.runs)
	}
}

func TestPhaseAs(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	ps := NewPhaseWithSystems("update")
	if err := s.CreatePhase(ps); err != nil {
		t.Fatal(err)
	}

	got, err := PhaseAs[*PhaseWithSystems](s, "update")
	if err != nil {
		t.Fatalf("PhaseAs: %v", err)
	}
	if got != ps {
		t.Fatal("PhaseAs returned a different instance")
	}

	if _, err := PhaseAs[*FuncPhase](s, "update"); !errors.Is(err, ErrPhaseType) {
		t.Fatalf("err = %v, want ErrPhaseType", err)
	}
	if _, err := PhaseAs[*PhaseWithSystems](s, "absent"); !errors.Is(err, ErrPhaseNotFound) {
		t.Fatalf("err = %v, want ErrPhaseNotFound", err)
	}
}

func TestUninitIsTransitiveAndIdempotent(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	a := &countPhase{name: "A"}
	b := &countPhase{name: "B"}
	_ = s.CreatePhase(a)
	_ = s.CreatePhase(b)

	s.Uninit()
	s.Uninit()

	if a.uninits != 1 || b.uninits != 1 {
		t.Fatalf("uninits = A:%d B:%d, want 1 each", a.uninits, b.uninits)
	}
	if len(s.PhaseNames()) != 0 {
		t.Fatal("registry not cleared")
	}
}

func TestDestroyPhaseCallsUninit(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop())
	a := &countPhase{name: "A"}
	_ = s.CreatePhase(a)
	if a.inits != 1 {
		t.Fatalf("inits = %d, want 1 (eager init on create)", a.inits)
	}
	if err := s.DestroyPhase("A"); err != nil {
		t.Fatal(err)
	}
	if a.uninits != 1 {
		t.Fatalf("uninits = %d, want 1", a.uninits)
	}
	if err := s.DestroyPhase("A"); !errors.Is(err, ErrPhaseNotFound) {
		t.Fatalf("err = %v, want ErrPhaseNotFound", err)
	}
}
