// Package eventbus fans runtime notifications out to in-process observers:
// plugin lifecycle transitions, focus changes, timed-job fires, config
// reloads.
package eventbus

import (
	"sync"
	"time"
)

// Event is one notification. Data is fanned out by value and should stay
// small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus decouples the frame loop from its observers. Publish never blocks: a
// subscriber that falls behind its buffer loses events rather than stalling
// the publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory bus. It runs no goroutines of its own.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	id int
	ch chan Event
}

type fanout struct {
	mu   sync.RWMutex
	subs []subscriber
	next int
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot under the read lock, send outside it.
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		offer(s.ch, e)
	}
}

// offer is a non-blocking send. An unsubscribe racing with a publish can
// close the channel mid-send; the recover absorbs that panic.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}
