package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
	"mediaq/internal/workitem"
)

const waitTimeout = 3 * time.Second

// gate blocks each input until open(input) or cancellation.
type gate struct {
	mu      sync.Mutex
	release map[string]chan struct{}
	started chan string
}

func newGate() *gate {
	return &gate{release: map[string]chan struct{}{}, started: make(chan string, 128)}
}

func (g *gate) ch(input string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[input]
	if !ok {
		c = make(chan struct{})
		g.release[input] = c
	}
	return c
}

func (g *gate) open(input string) { close(g.ch(input)) }

func (g *gate) Execute(ctx context.Context, input string) (workitem.Result, error) {
	g.started <- input
	select {
	case <-g.ch(input):
		return workitem.Result{Output: input + ".out", Message: "done"}, nil
	case <-ctx.Done():
		return workitem.Result{}, ctx.Err()
	}
}

func (g *gate) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-g.started:
		if got != want {
			t.Fatalf("started %q, want %q", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("%q never started", want)
	}
}

// fakeClock advances by step on every read so timestamps are strictly ordered.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *Service
	gate   *gate
	clock  *fakeClock
	events chan jobs.Event
}

func testRegistry(g *gate) *workitem.Registry {
	reg := workitem.NewRegistry()
	reg.MustRegister("gate", g, workitem.Descriptor{})
	reg.MustRegister("ok", workitem.Func(func(_ context.Context, in string) (workitem.Result, error) {
		return workitem.Result{Output: in + ".out"}, nil
	}), workitem.Descriptor{})
	reg.MustRegister("spin", workitem.Func(func(ctx context.Context, _ string) (workitem.Result, error) {
		for {
			select {
			case <-ctx.Done():
				return workitem.Result{}, ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
		}
	}), workitem.Descriptor{})
	reg.MustRegister("fail", workitem.Func(func(context.Context, string) (workitem.Result, error) {
		return workitem.Result{}, errors.New("encoder exited with status 1")
	}), workitem.Descriptor{})
	reg.MustRegister("panic", workitem.Func(func(context.Context, string) (workitem.Result, error) {
		panic("boom")
	}), workitem.Descriptor{})
	reg.MustRegister("nooutput", workitem.Func(func(context.Context, string) (workitem.Result, error) {
		return workitem.Result{Message: "done"}, nil
	}), workitem.Descriptor{})
	return reg
}

func startHarness(t *testing.T, limit int, extra ...func(*workitem.Registry)) *harness {
	t.Helper()
	h := &harness{gate: newGate(), clock: newFakeClock(), events: make(chan jobs.Event, 1024)}
	reg := testRegistry(h.gate)
	for _, fn := range extra {
		fn(reg)
	}

	bus := eventbus.New()
	unsub := bus.Subscribe("test", func(e eventbus.Event) {
		if ev, ok := e.Data.(jobs.Event); ok {
			h.events <- ev
		}
	})

	h.svc = New(Config{MaxConcurrent: limit, PruneSchedule: "off"}, reg, WithBus(bus), WithClock(h.clock.Now))
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := h.svc.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		unsub()
		bus.Close()
	})
	return h
}

func (h *harness) submit(t *testing.T, kind, input string) string {
	t.Helper()
	id, err := h.svc.Submit(kind, input)
	if err != nil {
		t.Fatalf("Submit(%s, %s): %v", kind, input, err)
	}
	return id
}

func (h *harness) status(t *testing.T, id string) jobs.Status {
	t.Helper()
	rec, err := h.svc.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec.Status
}

func (h *harness) waitStatus(t *testing.T, id string, want jobs.Status) jobs.Record {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		rec, err := h.svc.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s", id, rec.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// nextEvent returns the next event matching keep.
func (h *harness) nextEvent(t *testing.T, keep func(jobs.Event) bool) jobs.Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.events:
			if keep == nil || keep(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

// drainEvents returns everything delivered within d.
func (h *harness) drainEvents(d time.Duration) []jobs.Event {
	var out []jobs.Event
	timeout := time.After(d)
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}

func forJob(id string) func(jobs.Event) bool {
	return func(e jobs.Event) bool { return e.Job.ID == id }
}
