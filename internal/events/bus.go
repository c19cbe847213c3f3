// Package events delivers container state-change notifications to
// in-process subscribers with at-least-once semantics.
package events

import (
	"sync"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// Subscription receives state changes for one container, or for all
// containers when created through SubscribeAll.
type Subscription struct {
	bus         *Bus
	containerID string // empty matches every container

	mu      sync.Mutex
	pending []domain.StateChange

	wake chan struct{}
	done chan struct{}
	out  chan domain.StateChange

	closeOnce sync.Once
}

// C returns the channel events are delivered on. The channel is closed
// when the subscription is cancelled.
func (s *Subscription) C() <-chan domain.StateChange {
	return s.out
}

// Close cancels the subscription. Events still queued are dropped.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue appends an event to the pending queue and nudges the pump.
// The queue is unbounded so a slow receiver never loses events, which
// is what makes delivery at-least-once rather than best-effort.
func (s *Subscription) enqueue(ev domain.StateChange) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the pending queue into the delivery channel in FIFO order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev domain.StateChange
		have := len(s.pending) > 0
		if have {
			ev = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Bus fans out container state changes to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in state changes of one container.
func (b *Bus) Subscribe(containerID string) *Subscription {
	return b.subscribe(containerID)
}

// SubscribeAll registers interest in state changes of every container.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe("")
}

func (b *Bus) subscribe(containerID string) *Subscription {
	s := &Subscription{
		bus:         b,
		containerID: containerID,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		out:         make(chan domain.StateChange),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Publish queues ev on every matching subscription. Publish never
// blocks on slow receivers.
func (b *Bus) Publish(ev domain.StateChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.containerID == "" || s.containerID == ev.ContainerID {
			s.enqueue(ev)
		}
	}
}
