package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cadence/internal/jobqueue"
	"cadence/internal/schedule"
	"cadence/internal/shareddata"
	"cadence/pkg/logx"
)

// fakeHost records registered phase names so tests can assert that an
// unloaded plugin left nothing behind.
type fakeHost struct {
	mu     sync.Mutex
	phases map[string]bool
	shared *shareddata.Container
	jobs   *jobqueue.Queue
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		phases: map[string]bool{},
		shared: shareddata.New(),
		jobs:   jobqueue.New(),
	}
}

func (h *fakeHost) CreatePhase(p schedule.Phase) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phases[p.Name()] {
		return fmt.Errorf("phase %q exists", p.Name())
	}
	h.phases[p.Name()] = true
	return nil
}

func (h *fakeHost) CreatePhaseBefore(p schedule.Phase, existing string) error {
	return h.CreatePhase(p)
}

func (h *fakeHost) DestroyPhase(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.phases[name] {
		return fmt.Errorf("phase %q not found", name)
	}
	delete(h.phases, name)
	return nil
}

func (h *fakeHost) CreatePhaseOnWorker(worker string, p schedule.Phase) error {
	return h.CreatePhase(&schedule.FuncPhase{PhaseName: worker + "/" + p.Name()})
}

func (h *fakeHost) DestroyPhaseOnWorker(worker, phase string) error {
	return h.DestroyPhase(worker + "/" + phase)
}

func (h *fakeHost) Shared() *shareddata.Container { return h.shared }
func (h *fakeHost) Jobs() *jobqueue.Queue         { return h.jobs }

func (h *fakeHost) phaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.phases)
}

// testPlugin registers one phase named after the plugin.
type testPlugin struct {
	name       string
	prepareErr error
	events     *eventLog
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Prepare(host Host) error {
	p.events.add("prepare." + p.name)
	if p.prepareErr != nil {
		return p.prepareErr
	}
	return host.CreatePhase(&schedule.FuncPhase{PhaseName: p.name})
}

func (p *testPlugin) Unprepare(host Host) error {
	p.events.add("unprepare." + p.name)
	return host.DestroyPhase(p.name)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeLoader serves in-process libraries keyed by path.
type fakeLoader struct {
	mu   sync.Mutex
	libs map[string]*fakeLibrary
	errs map[string]error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{libs: map[string]*fakeLibrary{}, errs: map[string]error{}}
}

func (l *fakeLoader) serve(path string, mk func() any, events *eventLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.libs[path] = &fakeLibrary{path: path, mk: mk, events: events}
}

func (l *fakeLoader) fail(path string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[path] = err
}

func (l *fakeLoader) Open(path string) (Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.errs[path]; err != nil {
		return nil, err
	}
	lib, ok := l.libs[path]
	if !ok {
		return nil, fmt.Errorf("open plugin %q: no such file", path)
	}
	return lib, nil
}

type fakeLibrary struct {
	path   string
	mk     func() any
	events *eventLog
}

func (l *fakeLibrary) Path() string { return l.path }

func (l *fakeLibrary) Lookup(symbol string) (any, error) {
	switch symbol {
	case CreateSymbol:
		return CreateFunc(func() any { return l.mk() }), nil
	case DestroySymbol:
		return DestroyFunc(func(inst any) {
			if p, ok := inst.(Plugin); ok {
				l.events.add("destroy." + p.Name())
			} else {
				l.events.add("destroy.?")
			}
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSymbolMissing, symbol)
}

func (l *fakeLibrary) Close() error {
	l.events.add("close." + l.path)
	return nil
}

func writePluginFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestAddRemovePlugin(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "viewer.so")
	loader.serve(path, func() any { return &testPlugin{name: "viewer", events: events} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()

	id, err := m.AddPlugin(host, path)
	if err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}
	if id == 0 {
		t.Fatal("AddPlugin returned zero id")
	}
	if host.phaseCount() != 1 {
		t.Fatalf("phases after load = %d, want 1", host.phaseCount())
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}

	if err := m.RemovePlugin(host, id); err != nil {
		t.Fatalf("RemovePlugin: %v", err)
	}
	if host.phaseCount() != 0 {
		t.Fatalf("phases after unload = %d, want 0", host.phaseCount())
	}
	if m.Count() != 0 {
		t.Fatalf("Count after unload = %d, want 0", m.Count())
	}
	if err := m.RemovePlugin(host, id); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("second RemovePlugin = %v, want ErrNotLoaded", err)
	}
}

func TestUnloadOrdering(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "viewer.so")
	loader.serve(path, func() any { return &testPlugin{name: "viewer", events: events} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()
	id, err := m.AddPlugin(host, path)
	if err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}
	if err := m.RemovePlugin(host, id); err != nil {
		t.Fatalf("RemovePlugin: %v", err)
	}

	want := []string{"prepare.viewer", "unprepare.viewer", "destroy.viewer", "close." + path}
	got := events.all()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestAddPluginPrepareFailureCleansUp(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "broken.so")
	boom := errors.New("boom")
	loader.serve(path, func() any {
		return &testPlugin{name: "broken", prepareErr: boom, events: events}
	}, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()

	if _, err := m.AddPlugin(host, path); !errors.Is(err, boom) {
		t.Fatalf("AddPlugin = %v, want wrapped boom", err)
	}
	if m.Count() != 0 {
		t.Fatalf("Count after failed load = %d, want 0", m.Count())
	}
	if host.phaseCount() != 0 {
		t.Fatalf("phases after failed load = %d, want 0", host.phaseCount())
	}

	want := []string{"prepare.broken", "unprepare.broken", "destroy.broken", "close." + path}
	got := events.all()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
}

func TestAddPluginPreparePanicIsContained(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "panicky.so")
	loader.serve(path, func() any { return &panickyPlugin{} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	if _, err := m.AddPlugin(newFakeHost(), path); err == nil {
		t.Fatal("expected error from panicking Prepare")
	}
	if m.Count() != 0 {
		t.Fatalf("Count = %d, want 0", m.Count())
	}
}

type panickyPlugin struct{}

func (*panickyPlugin) Name() string         { return "panicky" }
func (*panickyPlugin) Prepare(Host) error   { panic("no") }
func (*panickyPlugin) Unprepare(Host) error { return nil }

func TestAddPluginNotAPlugin(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "junk.so")
	loader.serve(path, func() any { return 42 }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	if _, err := m.AddPlugin(newFakeHost(), path); !errors.Is(err, ErrNotAPlugin) {
		t.Fatalf("AddPlugin = %v, want ErrNotAPlugin", err)
	}
}

func TestUpdateReportsChangeOnce(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "viewer.so")
	loader.serve(path, func() any { return &testPlugin{name: "viewer", events: events} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()
	id, err := m.AddPlugin(host, path)
	if err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	if stale := m.Update(); len(stale) != 0 {
		t.Fatalf("Update with no change = %v, want empty", stale)
	}

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	stale := m.Update()
	if len(stale) != 1 || stale[0] != id {
		t.Fatalf("Update = %v, want [%d]", stale, id)
	}
	if stale := m.Update(); len(stale) != 0 {
		t.Fatalf("second Update = %v, want empty (reported once)", stale)
	}

	newID, err := m.Reload(host, id)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if newID == id {
		t.Fatal("Reload reused the old id")
	}
	if host.phaseCount() != 1 {
		t.Fatalf("phases after reload = %d, want 1", host.phaseCount())
	}
	if stale := m.Update(); len(stale) != 0 {
		t.Fatalf("Update after reload = %v, want empty", stale)
	}
}

func TestReloadFailureIsRecoverable(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "viewer.so")
	loader.serve(path, func() any { return &testPlugin{name: "viewer", events: events} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()
	id, err := m.AddPlugin(host, path)
	if err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	loader.fail(path, errors.New("plugin already loaded"))
	if _, err := m.Reload(host, id); err == nil {
		t.Fatal("expected reload failure")
	}
	if m.Count() != 0 {
		t.Fatalf("Count after failed reload = %d, want 0", m.Count())
	}
	if host.phaseCount() != 0 {
		t.Fatalf("phases after failed reload = %d, want 0", host.phaseCount())
	}

	// Still failing: stays queued.
	if loaded := m.RetryFailed(host); len(loaded) != 0 {
		t.Fatalf("RetryFailed while failing = %v, want empty", loaded)
	}

	loader.fail(path, nil)
	loaded := m.RetryFailed(host)
	if len(loaded) != 1 {
		t.Fatalf("RetryFailed = %v, want one id", loaded)
	}
	if host.phaseCount() != 1 {
		t.Fatalf("phases after retry = %d, want 1", host.phaseCount())
	}
	if loaded := m.RetryFailed(host); len(loaded) != 0 {
		t.Fatalf("RetryFailed with empty queue = %v, want empty", loaded)
	}
}

func TestDiscardRetryEmptiesQueue(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "viewer.so")
	loader.serve(path, func() any { return &testPlugin{name: "viewer", events: events} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()
	id, err := m.AddPlugin(host, path)
	if err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	loader.fail(path, errors.New("plugin already loaded"))
	if _, err := m.Reload(host, id); err == nil {
		t.Fatal("expected reload failure")
	}

	dropped := m.DiscardRetry()
	if len(dropped) != 1 || dropped[0] != path {
		t.Fatalf("DiscardRetry = %v, want [%s]", dropped, path)
	}

	// Queue stays empty: a later retry pass loads nothing even though the
	// loader works again.
	loader.fail(path, nil)
	if loaded := m.RetryFailed(host); len(loaded) != 0 {
		t.Fatalf("RetryFailed after discard = %v, want empty", loaded)
	}
	if dropped := m.DiscardRetry(); len(dropped) != 0 {
		t.Fatalf("second DiscardRetry = %v, want empty", dropped)
	}
}

func TestReleaseReverseOrder(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()

	names := []string{"alpha", "beta", "gamma"}
	ids := make([]ID, 0, len(names))
	for _, name := range names {
		name := name
		path := writePluginFile(t, name+".so")
		loader.serve(path, func() any { return &testPlugin{name: name, events: events} }, events)
		id, err := m.AddPlugin(host, path)
		if err != nil {
			t.Fatalf("AddPlugin(%s): %v", name, err)
		}
		ids = append(ids, id)
	}

	released := m.Release(host)
	if len(released) != 3 {
		t.Fatalf("Release returned %d ids, want 3", len(released))
	}
	for i := range released {
		if released[i] != ids[len(ids)-1-i] {
			t.Fatalf("release order = %v, want reverse of %v", released, ids)
		}
	}
	if m.Count() != 0 || host.phaseCount() != 0 {
		t.Fatalf("after Release: count=%d phases=%d, want 0/0", m.Count(), host.phaseCount())
	}

	var unprepares []string
	for _, e := range events.all() {
		if len(e) > len("unprepare.") && e[:len("unprepare.")] == "unprepare." {
			unprepares = append(unprepares, e[len("unprepare."):])
		}
	}
	want := []string{"gamma", "beta", "alpha"}
	if len(unprepares) != len(want) {
		t.Fatalf("unprepares = %v, want %v", unprepares, want)
	}
	for i := range want {
		if unprepares[i] != want[i] {
			t.Fatalf("unprepare order = %v, want %v", unprepares, want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	loader := newFakeLoader()
	path := writePluginFile(t, "viewer.so")
	loader.serve(path, func() any { return &testPlugin{name: "viewer", events: events} }, events)

	m := NewManager(loader, logx.Nop(), nil, nil)
	host := newFakeHost()
	id, err := m.AddPlugin(host, path)
	if err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot returned %d entries, want 1", len(snap))
	}
	s := snap[0]
	if s.ID != id || s.Name != "viewer" || s.Path != path {
		t.Fatalf("Snapshot[0] = %+v", s)
	}
	if s.LoadedAt.IsZero() || s.ModTime.IsZero() {
		t.Fatalf("Snapshot[0] missing timestamps: %+v", s)
	}
}
