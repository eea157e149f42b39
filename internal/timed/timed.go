// Package timed turns cron expressions into jobs on the main job queue.
//
// Trigger-only: when an entry fires, a job is pushed onto the queue and the
// frame loop executes it on whatever worker drains it. Handlers are resolved
// by name at fire time so plugins can register and unregister them across
// reloads without touching the cron entries.
package timed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/jobqueue"
	"cadence/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	c       *cron.Cron
	parser  cron.Parser
	entries map[string]cron.EntryID // job name -> cron entry
	defs    []config.TimedJob

	hmu      sync.RWMutex
	handlers map[string]func()

	jobs *jobqueue.Queue
	log  logx.Logger
	bus  eventbus.Bus
}

func New(jobs *jobqueue.Queue, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		entries:  map[string]cron.EntryID{},
		handlers: map[string]func(){},
		jobs:     jobs,
		log:      log,
		bus:      bus,
	}
}

// RegisterHandler binds a job name to the closure that runs when it fires.
// Later registrations for the same name win; plugins re-register on reload.
func (s *Service) RegisterHandler(name string, fn func()) {
	s.hmu.Lock()
	s.handlers[name] = fn
	s.hmu.Unlock()
}

func (s *Service) UnregisterHandler(name string) {
	s.hmu.Lock()
	delete(s.handlers, name)
	s.hmu.Unlock()
}

func (s *Service) handler(name string) func() {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[name]
}

// ValidateSpec parses a cron expression without installing it. Used as the
// config validator hook.
func (s *Service) ValidateSpec(spec string) error {
	_, err := s.parser.Parse(strings.TrimSpace(spec))
	return err
}

// Apply replaces the installed entries with defs. Entries whose expression
// fails to parse are skipped with a warning; the rest still install.
func (s *Service) Apply(defs []config.TimedJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs = append([]config.TimedJob(nil), defs...)
	if s.c == nil {
		return
	}
	s.installLocked()
}

func (s *Service) installLocked() {
	for name, id := range s.entries {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	for _, def := range s.defs {
		def := def
		id, err := s.c.AddFunc(strings.TrimSpace(def.Schedule), func() { s.fire(def) })
		if err != nil {
			s.log.Warn("timed entry rejected",
				logx.String("job", def.Name), logx.String("schedule", def.Schedule), logx.Err(err))
			continue
		}
		s.entries[def.Name] = id
	}
	s.log.Debug("timed entries installed", logx.Int("count", len(s.entries)))
}

// fire pushes one job onto the queue. The handler lookup happens when the
// job executes, not when the entry fires, so a reload between the two picks
// up the newest registration.
func (s *Service) fire(def config.TimedJob) {
	category := jobqueue.Category(def.Category)
	s.jobs.Push(category, def.Name, func() {
		fn := s.handler(def.Name)
		if fn == nil {
			s.log.Warn("timed job has no handler", logx.String("job", def.Name))
			return
		}
		fn()
	})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "timed.fired", Data: def.Name})
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for context-driven stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser))
	s.installLocked()
	s.c.Start()
	s.log.Info("timed service started", logx.Int("schedules", len(s.entries)))
}

// Stop halts triggering. Jobs already pushed stay on the queue.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("timed service stopped", logx.Duration("took", time.Since(start)))
}

// EntryCount reports how many cron entries are installed.
func (s *Service) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
