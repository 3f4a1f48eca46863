package eventbus

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "mediaq/pkg/logx"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks and never drops.
//   - Each subscriber sees events in publish order.
//   - A slow or panicking handler only affects its own mailbox.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Handler consumes events on the subscriber's own goroutine.
// Handlers that must run on a particular thread (UI) marshal there themselves.
type Handler func(e Event)

type Bus interface {
	Publish(e Event)
	Subscribe(name string, h Handler) (unsubscribe func())
	// Drain waits until every event published before the call has been handled
	// by every current subscriber, or ctx ends.
	Drain(ctx context.Context) error
	Close()
}

type Option func(*memBus)

func WithLogger(log logx.Logger) Option {
	return func(b *memBus) { b.log = log }
}

// New returns an in-memory fan-out bus. Every subscriber owns one delivery goroutine.
func New(opts ...Option) Bus {
	b := &memBus{subs: map[uint64]*subscriber{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	closed bool
	log    logx.Logger
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Pushing under the read lock keeps two Publish calls from the same
	// goroutine ordered for every subscriber.
	b.mu.RLock()
	for _, s := range b.subs {
		s.push(e)
	}
	b.mu.RUnlock()
}

func (b *memBus) Subscribe(name string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	s := &subscriber{
		name: name,
		h:    h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  b.log,
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop()
		})
	}
}

func (b *memBus) Drain(ctx context.Context) error {
	b.mu.RLock()
	var waits []<-chan struct{}
	for _, s := range b.subs {
		if ch := s.flushed(); ch != nil {
			waits = append(waits, ch)
		}
	}
	b.mu.RUnlock()
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close unsubscribes everyone. Events still queued in mailboxes are discarded.
func (b *memBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[uint64]*subscriber{}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// subscriber is an unbounded mailbox drained by a single goroutine.
type subscriber struct {
	name string
	h    Handler
	log  logx.Logger

	mu        sync.Mutex
	queue     []Event
	stopped   bool
	pushed    uint64
	delivered uint64
	waiters   []waiter

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// waiter is released once delivered reaches at.
type waiter struct {
	at uint64
	ch chan struct{}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.pushed++
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		for _, w := range s.waiters {
			close(w.ch)
		}
		s.waiters = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// flushed returns a channel closed once everything pushed so far is handled,
// or nil when nothing is outstanding.
func (s *subscriber) flushed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.delivered >= s.pushed {
		return nil
	}
	w := waiter{at: s.pushed, ch: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	return w.ch
}

func (s *subscriber) handled() {
	s.mu.Lock()
	s.delivered++
	keep := s.waiters[:0]
	for _, w := range s.waiters {
		if s.delivered >= w.at {
			close(w.ch)
		} else {
			keep = append(keep, w)
		}
	}
	s.waiters = keep
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.deliver(e)
				s.handled()
			}
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil && !s.log.IsZero() {
			s.log.Error("event handler panicked",
				logx.String("subscriber", s.name),
				logx.String("event", e.Type),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	s.h(e)
}
