package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
	"mediaq/internal/runtime/supervisor"
	"mediaq/internal/workitem"
	logx "mediaq/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	reg *workitem.Registry
	now func() time.Time

	// Per-run state; set by Start, never reset so late callers see loopDone closed.
	reqs     chan request
	quit     chan struct{}
	loopDone chan struct{}
	sup      *supervisor.Supervisor
	stopping bool

	cron *cron.Cron
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithClock replaces time.Now for record timestamps and retention math.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type request struct {
	fn    func(c *core) error
	reply chan error
}

func New(cfg Config, reg *workitem.Registry, opts ...Option) *Service {
	if reg == nil {
		reg = workitem.NewRegistry()
	}
	s := &Service{cfg: cfg.withDefaults(), reg: reg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Registry returns the registry jobs are resolved against.
func (s *Service) Registry() *workitem.Registry { return s.reg }

// Start launches the owner loop and the prune trigger. It is not restartable
// after Stop.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reqs != nil {
		return nil
	}
	cfg := s.cfg

	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// One job's failure must never take the scheduler down.
		supervisor.WithCancelOnError(false),
	)
	s.reqs = make(chan request)
	s.quit = make(chan struct{})
	s.loopDone = make(chan struct{})

	c := &core{
		svc:       s,
		store:     jobs.NewStore(),
		limit:     cfg.MaxConcurrent,
		retention: cfg.Retention,
		handles:   map[string]*handle{},
		results:   make(chan completion),
		loopDone:  s.loopDone,
		drained:   make(chan struct{}),
	}
	reqs, quit, done := s.reqs, s.quit, s.loopDone
	go c.loop(reqs, quit, done)

	if err := s.startCronLocked(cfg); err != nil {
		s.log.Warn("prune trigger disabled", logx.String("schedule", cfg.PruneSchedule), logx.Err(err))
	}
	s.log.Info("scheduler started",
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Duration("retention", cfg.Retention),
		logx.String("prune_schedule", cfg.PruneSchedule),
	)
	return nil
}

// Stop refuses new submissions, signals every running job, and waits for them
// to return (or ctx). Pending jobs stay pending. Later calls return ErrStopped.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if s.reqs == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	quit, done, sup, cr := s.quit, s.loopDone, s.sup, s.cron
	s.cron = nil
	s.mu.Unlock()

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}

	var drained chan struct{}
	_ = s.do(func(c *core) error {
		c.beginStop()
		drained = c.drained
		return nil
	})

	var err error
	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
			s.log.Warn("scheduler stop timed out waiting for running jobs", logx.Err(err))
		}
	}
	close(quit)
	<-done

	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

// do runs fn on the owner loop and waits for its result.
func (s *Service) do(fn func(c *core) error) error {
	s.mu.Lock()
	reqs, done := s.reqs, s.loopDone
	s.mu.Unlock()
	if reqs == nil {
		return ErrNotRunning
	}
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case reqs <- req:
	case <-done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrStopped
		}
	}
}

// Submit creates a pending job for kind and returns its ID. It never waits for
// the job to run.
func (s *Service) Submit(kind, input string) (string, error) {
	kind = workitem.NormalizeKind(kind)
	if _, ok := s.reg.Lookup(kind); !ok {
		return "", fmt.Errorf("submit %q: %w", kind, ErrUnknownWorkItem)
	}
	if strings.TrimSpace(input) == "" {
		return "", fmt.Errorf("submit %s: %w", kind, ErrInvalidInput)
	}
	var id string
	err := s.do(func(c *core) error {
		var err error
		id, err = c.submit(kind, input)
		return err
	})
	return id, err
}

// Cancel cancels a pending job immediately or signals a running one. Cancelling
// a finished job is a no-op.
func (s *Service) Cancel(id string) error {
	return s.do(func(c *core) error { return c.cancel(id) })
}

// Remove deletes a job that is not running.
func (s *Service) Remove(id string) error {
	return s.do(func(c *core) error { return c.remove(id) })
}

// ClearCompleted removes every finished job and returns how many were removed.
func (s *Service) ClearCompleted() (int, error) {
	var n int
	err := s.do(func(c *core) error {
		n = c.clearTerminal()
		return nil
	})
	return n, err
}

// SetConcurrencyLimit changes the bound for future dispatch decisions. Running
// jobs are never preempted when the bound drops below the running count.
func (s *Service) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("set limit %d: %w", n, ErrInvalidLimit)
	}
	s.mu.Lock()
	s.cfg.MaxConcurrent = n
	s.mu.Unlock()
	err := s.do(func(c *core) error {
		if c.limit != n {
			s.log.Info("concurrency limit changed", logx.Int("from", c.limit), logx.Int("to", n), logx.Int("running", c.running))
		}
		c.limit = n
		c.dispatch()
		return nil
	})
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

func (s *Service) SetRetention(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("set retention %s: %w", d, ErrInvalidRetention)
	}
	s.mu.Lock()
	s.cfg.Retention = d
	s.mu.Unlock()
	err := s.do(func(c *core) error {
		c.retention = d
		return nil
	})
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Apply pushes a new config into a running scheduler.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := s.SetConcurrencyLimit(cfg.MaxConcurrent); err != nil {
		return err
	}
	if err := s.SetRetention(cfg.Retention); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.reqs == nil || s.stopping {
		return nil
	}
	if prev.PruneSchedule == cfg.PruneSchedule && strings.TrimSpace(prev.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	return s.startCronLocked(cfg)
}

// Prune removes finished jobs older than the retention window now.
func (s *Service) Prune() (int, error) {
	var n int
	err := s.do(func(c *core) error {
		n = c.prune()
		return nil
	})
	return n, err
}

// Get returns a copy of one job.
func (s *Service) Get(id string) (jobs.Record, error) {
	var rec jobs.Record
	err := s.do(func(c *core) error {
		r, err := c.store.Get(id)
		if err != nil {
			return err
		}
		rec = r.Clone()
		return nil
	})
	return rec, err
}

// List returns copies of every job in submission order.
func (s *Service) List() ([]jobs.Record, error) {
	var out []jobs.Record
	err := s.do(func(c *core) error {
		out = c.store.Snapshot()
		return nil
	})
	return out, err
}

// Enumerate yields jobs in submission order. Every range over the returned
// sequence takes a fresh snapshot.
func (s *Service) Enumerate() iter.Seq[jobs.Record] {
	return func(yield func(jobs.Record) bool) {
		recs, err := s.List()
		if err != nil {
			return
		}
		for _, r := range recs {
			if !yield(r) {
				return
			}
		}
	}
}

func (s *Service) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func(c *core) error {
		snap = c.snapshot()
		return nil
	})
	if err != nil {
		return snap, err
	}
	s.mu.Lock()
	sup, cr := s.sup, s.cron
	s.mu.Unlock()
	snap.Workers = sup.Counters()
	if cr != nil {
		for _, e := range cr.Entries() {
			if snap.NextPrune.IsZero() || e.Next.Before(snap.NextPrune) {
				snap.NextPrune = e.Next
			}
		}
	}
	return snap, nil
}
