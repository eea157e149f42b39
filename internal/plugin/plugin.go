// Package plugin loads, unloads, and hot-reloads dynamic plugin modules that
// register phases and systems against the running application.
//
// The one property everything here defends: a plugin's Unprepare must run to
// completion, removing every phase and system it registered, strictly before
// its library handle is released. Releasing first would leave the registry
// holding callables whose backing code is gone.
package plugin

import (
	"sync/atomic"
	"time"

	"cadence/internal/jobqueue"
	"cadence/internal/schedule"
	"cadence/internal/shareddata"
)

// ID identifies one loaded plugin instance. IDs come from a process-wide
// monotonic counter, so two plugins loaded in the same instant never collide
// and a reloaded plugin gets a fresh id.
type ID uint64

var idSeq atomic.Uint64

func nextID() ID { return ID(idSeq.Add(1)) }

// Host is the surface a plugin registers against. The application implements
// it; plugins never see anything wider.
type Host interface {
	CreatePhase(p schedule.Phase) error
	CreatePhaseBefore(p schedule.Phase, existing string) error
	DestroyPhase(name string) error
	CreatePhaseOnWorker(worker string, p schedule.Phase) error
	DestroyPhaseOnWorker(worker, phase string) error
	Shared() *shareddata.Container
	Jobs() *jobqueue.Queue
}

// Plugin is the capability every loaded module must provide.
//
// Prepare registers phases/systems on the host; Unprepare removes exactly
// what Prepare added. Both may be called multiple times over a hot-reload
// cycle, always strictly alternating.
type Plugin interface {
	Name() string
	Prepare(host Host) error
	Unprepare(host Host) error
}

// Status is a point-in-time view of one loaded plugin, for diagnostics.
type Status struct {
	ID       ID
	Name     string
	Path     string
	LoadedAt time.Time
	ModTime  time.Time
}
