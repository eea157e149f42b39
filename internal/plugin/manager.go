package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

var ErrNotLoaded = errors.New("plugin not loaded")

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Path   string `json:"path,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

// data is the per-plugin bookkeeping. The library handle must outlive the
// instance: every callable the plugin registered points into that code.
type data struct {
	id       ID
	name     string
	path     string
	loadedAt time.Time
	modTime  time.Time

	lib      Library
	instance Plugin
	destroy  DestroyFunc

	// reloadReported dedupes Update(): a changed file is reported once and
	// not again until the plugin has actually been reloaded.
	reloadReported bool
}

// Manager owns every loaded plugin and sequences their lifecycle.
//
// Detection and mutation are deliberately split: Update only polls file
// modification times and reports which plugins need a reload; the embedding
// application decides when to act, because a reload must be sequenced around
// its shared-data flush.
type Manager struct {
	mu      sync.Mutex
	plugins map[ID]*data
	order   []ID // load order, teardown runs in reverse

	// paths whose reload failed (stale build, locked file); retried by
	// RetryFailed on the application's poll cadence.
	retry []string

	loader Loader
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
}

func NewManager(loader Loader, log logx.Logger, bus eventbus.Bus, store storage.Store) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loader == nil {
		loader = NewNativeLoader()
	}
	return &Manager{
		plugins: map[ID]*data{},
		loader:  loader,
		log:     log,
		bus:     bus,
		store:   store,
	}
}

func (m *Manager) emit(typ string, ev pluginEvent) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (m *Manager) audit(plugin, path, action, errStr string, took time.Duration) {
	if m.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now(),
		Plugin: plugin,
		Path:   path,
		Action: action,
		Error:  errStr,
		TookMS: took.Milliseconds(),
	}
	if err := m.store.AppendAudit(context.Background(), e); err != nil {
		m.log.Warn("audit append failed", logx.Err(err))
	}
}

// AddPlugin opens the binary at path, resolves the create/destroy pair,
// instantiates the plugin, and runs Prepare. On any failure nothing remains
// registered: a Prepare error triggers a best-effort Unprepare before the
// instance is destroyed and the library released.
func (m *Manager) AddPlugin(host Host, path string) (ID, error) {
	start := time.Now()

	lib, err := m.loader.Open(path)
	if err != nil {
		m.audit("", path, "load_failed", err.Error(), time.Since(start))
		m.emit("plugin.load_failed", pluginEvent{Path: path, Err: err.Error()})
		return 0, err
	}

	create, err := lookupCreate(lib)
	if err == nil {
		var derr error
		if _, derr = lookupDestroy(lib); derr != nil {
			err = derr
		}
	}
	if err != nil {
		_ = lib.Close()
		m.audit("", path, "load_failed", err.Error(), time.Since(start))
		m.emit("plugin.load_failed", pluginEvent{Path: path, Err: err.Error()})
		return 0, err
	}
	destroy, _ := lookupDestroy(lib)

	raw := create()
	inst, ok := raw.(Plugin)
	if !ok {
		// Give the instance back before dropping the library.
		safeDestroy(m.log, path, destroy, raw)
		_ = lib.Close()
		err := fmt.Errorf("%w: %q returned %T", ErrNotAPlugin, path, raw)
		m.audit("", path, "load_failed", err.Error(), time.Since(start))
		m.emit("plugin.load_failed", pluginEvent{Path: path, Err: err.Error()})
		return 0, err
	}
	name := inst.Name()

	if err := m.safeCall("prepare."+name, func() error { return inst.Prepare(host) }); err != nil {
		// Prepare may have partially registered before failing; Unprepare is
		// the cleanup pass. Only then is it safe to drop the code.
		_ = m.safeCall("unprepare."+name, func() error { return inst.Unprepare(host) })
		safeDestroy(m.log, path, destroy, raw)
		_ = lib.Close()
		err = fmt.Errorf("prepare plugin %q: %w", name, err)
		m.audit(name, path, "load_failed", err.Error(), time.Since(start))
		m.emit("plugin.load_failed", pluginEvent{Plugin: name, Path: path, Err: err.Error()})
		return 0, err
	}

	d := &data{
		id:       nextID(),
		name:     name,
		path:     path,
		loadedAt: time.Now(),
		modTime:  statModTime(path),
		lib:      lib,
		instance: inst,
		destroy:  destroy,
	}

	m.mu.Lock()
	m.plugins[d.id] = d
	m.order = append(m.order, d.id)
	m.mu.Unlock()

	took := time.Since(start)
	m.log.Info("plugin loaded", logx.String("plugin", name), logx.String("path", path), logx.Duration("took", took))
	m.audit(name, path, "load", "", took)
	m.emit("plugin.loaded", pluginEvent{Plugin: name, Path: path, TookMS: took.Milliseconds()})
	return d.id, nil
}

// RemovePlugin unloads one plugin: Unprepare, then destroy the instance,
// then release the library — in that exact order. An Unprepare error is
// returned but never aborts the sequence; keeping a half-removed plugin
// resident would be worse than finishing the teardown.
func (m *Manager) RemovePlugin(host Host, id ID) error {
	m.mu.Lock()
	d, ok := m.plugins[id]
	if ok {
		delete(m.plugins, id)
		m.dropFromOrderLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotLoaded, id)
	}
	return m.unload(host, d, "unload")
}

func (m *Manager) dropFromOrderLocked(id ID) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) unload(host Host, d *data, action string) error {
	start := time.Now()
	err := m.safeCall("unprepare."+d.name, func() error { return d.instance.Unprepare(host) })
	safeDestroy(m.log, d.path, d.destroy, d.instance)
	_ = d.lib.Close()

	took := time.Since(start)
	errStr := ""
	if err != nil {
		errStr = err.Error()
		m.log.Warn("plugin unprepare failed", logx.String("plugin", d.name), logx.Err(err))
	} else {
		m.log.Info("plugin unloaded", logx.String("plugin", d.name), logx.Duration("took", took))
	}
	m.audit(d.name, d.path, action, errStr, took)
	m.emit("plugin.unloaded", pluginEvent{Plugin: d.name, Path: d.path, Err: errStr, TookMS: took.Milliseconds()})
	return err
}

// Update polls every loaded plugin's backing file and returns the ids whose
// file changed since load. Detection only: no library is touched, and each
// change is reported exactly once until the plugin is reloaded.
func (m *Manager) Update() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []ID
	for _, id := range m.order {
		d := m.plugins[id]
		if d.reloadReported {
			continue
		}
		mt := statModTime(d.path)
		if !mt.IsZero() && mt.After(d.modTime) {
			d.reloadReported = true
			stale = append(stale, id)
		}
	}
	return stale
}

// Reload replaces one plugin with a fresh load from its original path,
// running the full unload sequence first. If the reopen fails the previous
// phases/systems stay absent (they were already unregistered) and the path
// is queued for RetryFailed; the host keeps running.
func (m *Manager) Reload(host Host, id ID) (ID, error) {
	m.mu.Lock()
	d, ok := m.plugins[id]
	if ok {
		delete(m.plugins, id)
		m.dropFromOrderLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrNotLoaded, id)
	}

	_ = m.unload(host, d, "reload_unload")

	newID, err := m.AddPlugin(host, d.path)
	if err != nil {
		m.mu.Lock()
		m.retry = append(m.retry, d.path)
		m.mu.Unlock()
		m.log.Warn("plugin reload failed; will retry",
			logx.String("plugin", d.name), logx.String("path", d.path), logx.Err(err))
		m.audit(d.name, d.path, "reload_failed", err.Error(), 0)
		return 0, fmt.Errorf("reload plugin %q: %w", d.name, err)
	}
	m.log.Info("plugin reloaded", logx.String("plugin", d.name), logx.String("path", d.path))
	m.audit(d.name, d.path, "reload", "", 0)
	m.emit("plugin.reloaded", pluginEvent{Plugin: d.name, Path: d.path})
	return newID, nil
}

// RetryFailed attempts to load every path whose previous reload failed.
// Paths that fail again stay queued for the next call.
func (m *Manager) RetryFailed(host Host) []ID {
	m.mu.Lock()
	pending := m.retry
	m.retry = nil
	m.mu.Unlock()

	var loaded []ID
	for _, path := range pending {
		id, err := m.AddPlugin(host, path)
		if err != nil {
			m.mu.Lock()
			m.retry = append(m.retry, path)
			m.mu.Unlock()
			continue
		}
		loaded = append(loaded, id)
	}
	return loaded
}

// DiscardRetry empties the reload-retry queue and returns the dropped paths.
// Called when retrying is switched off, so the queue cannot grow unbounded.
func (m *Manager) DiscardRetry() []string {
	m.mu.Lock()
	dropped := m.retry
	m.retry = nil
	m.mu.Unlock()
	return dropped
}

// Release unloads every plugin in reverse load order and returns their ids.
// Used at shutdown; the sequencing per plugin is identical to RemovePlugin.
func (m *Manager) Release(host Host) []ID {
	m.mu.Lock()
	order := make([]ID, len(m.order))
	copy(order, m.order)
	m.order = nil
	all := m.plugins
	m.plugins = map[ID]*data{}
	m.mu.Unlock()

	ids := make([]ID, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		d := all[order[i]]
		_ = m.unload(host, d, "release")
		ids = append(ids, d.id)
	}
	return ids
}

// Count reports the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins)
}

// Snapshot lists loaded plugins in load order.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		d := m.plugins[id]
		out = append(out, Status{
			ID:       d.id,
			Name:     d.name,
			Path:     d.path,
			LoadedAt: d.loadedAt,
			ModTime:  d.modTime,
		})
	}
	return out
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

// safeDestroy hands the instance back to the plugin's destroy function,
// containing panics: a broken destructor must not stop the unload sequence.
func safeDestroy(log logx.Logger, path string, destroy DestroyFunc, inst any) {
	if destroy == nil || inst == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in plugin destroy",
				logx.String("path", path),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	destroy(inst)
}

func statModTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
