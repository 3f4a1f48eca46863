package scheduler

import (
	"context"
	"fmt"
	"time"

	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
	logx "mediaq/pkg/logx"
)

// core is the state owned by the loop goroutine. Nothing here is locked; every
// access happens inside loop.
type core struct {
	svc *Service

	store     *jobs.Store
	limit     int
	retention time.Duration
	running   int
	peak      int
	handles   map[string]*handle

	results  chan completion
	loopDone chan struct{}

	stopping bool
	drained  chan struct{}
	drainedC bool

	n         counters
	lastPrune time.Time
}

// handle is the scheduler's private grip on a running job.
type handle struct {
	cancel    context.CancelFunc
	requested bool
}

func (c *core) loop(reqs <-chan request, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case req := <-reqs:
			req.reply <- c.call(req.fn)
		case res := <-c.results:
			c.finish(res)
		case <-quit:
			for _, h := range c.handles {
				h.cancel()
			}
			return
		}
	}
}

// call runs a request closure. A panic there is a scheduler bug; it is logged
// and returned as an error rather than killing the loop.
func (c *core) call(fn func(c *core) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.svc.log.Error("scheduler request panicked", logx.Any("panic", r))
			err = fmt.Errorf("scheduler: internal error: %v", r)
		}
	}()
	return fn(c)
}

func (c *core) now() time.Time { return c.svc.now() }

func (c *core) publish(typ string, rec jobs.Record, prev jobs.Status) {
	bus := c.svc.bus
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{
		Type: typ,
		Time: c.now(),
		Data: jobs.Event{Type: typ, Job: rec, Previous: prev},
	})
}

func (c *core) submit(kind, input string) (string, error) {
	if c.stopping {
		return "", ErrStopped
	}
	rec := jobs.NewRecord(kind, input, c.now())
	if err := c.store.Add(rec); err != nil {
		return "", err
	}
	c.n.submitted++
	c.svc.log.Debug("job submitted", logx.Job(rec.ID, rec.Kind), logx.String("input", input))
	c.publish(jobs.EventAdded, rec.Clone(), "")
	c.dispatch()
	return rec.ID, nil
}

// dispatch admits pending jobs in submission order until the bound is reached.
func (c *core) dispatch() {
	if c.stopping {
		return
	}
	for c.running < c.limit {
		rec := c.store.NextPending()
		if rec == nil {
			return
		}
		item, ok := c.svc.reg.Lookup(rec.Kind)
		if !ok {
			// Kinds are checked at submit; only a record added to the store directly lands here.
			// It still walks pending -> running -> failed so every event is a legal edge.
			_ = rec.Start(c.now())
			c.publish(jobs.EventStatusChanged, rec.Clone(), jobs.StatusPending)
			_ = rec.Fail(c.now(), ErrUnknownWorkItem.Error()+": "+rec.Kind)
			c.n.failed++
			c.svc.log.Error("dispatch without a work item", logx.Job(rec.ID, rec.Kind))
			c.publish(jobs.EventStatusChanged, rec.Clone(), jobs.StatusRunning)
			continue
		}
		if err := rec.Start(c.now()); err != nil {
			c.svc.log.Error("dispatch failed", logx.Job(rec.ID, rec.Kind), logx.Err(err))
			return
		}
		ctx, cancel := context.WithCancel(c.svc.sup.Context())
		c.handles[rec.ID] = &handle{cancel: cancel}
		c.running++
		c.peak = max(c.peak, c.running)

		snap := rec.Clone()
		c.svc.log.Debug("job dispatched", logx.Job(rec.ID, rec.Kind), logx.Duration("queue_delay", snap.QueueDelay()), logx.Int("running", c.running), logx.Int("limit", c.limit))
		c.publish(jobs.EventStatusChanged, snap, jobs.StatusPending)
		c.spawn(ctx, snap, item)
	}
}

// finish applies a worker's outcome and backfills the freed slot.
func (c *core) finish(res completion) {
	h := c.handles[res.id]
	delete(c.handles, res.id)
	if h != nil {
		h.cancel()
		c.running--
	}

	rec, err := c.store.Get(res.id)
	if err != nil {
		c.svc.log.Error("completion for unknown job", logx.String("job", res.id), logx.Err(err))
		c.afterFinish()
		return
	}
	now := c.now()
	prev := rec.Status

	switch {
	case res.err == nil:
		if err := rec.Complete(now, res.result.Output, res.result.Message); err != nil {
			_ = rec.Fail(now, "work item reported success without an output reference")
		}
	case res.cancelled && !res.panicked:
		_ = rec.Cancel(now)
	default:
		_ = rec.Fail(now, res.err.Error())
	}

	log := c.svc.log.With(logx.Job(rec.ID, rec.Kind), logx.Duration("took", rec.RunTime()))
	switch rec.Status {
	case jobs.StatusCompleted:
		c.n.completed++
		if rec.RunTime() >= slowJobThreshold {
			log.Info("job completed", logx.String("output", rec.Output))
		} else {
			log.Debug("job completed", logx.String("output", rec.Output))
		}
	case jobs.StatusCancelled:
		c.n.cancelled++
		log.Info("job cancelled", logx.Bool("requested", h != nil && h.requested))
	default:
		c.n.failed++
		log.Warn("job failed", logx.String("error", rec.Error), logx.Bool("panicked", res.panicked))
	}

	c.publish(jobs.EventStatusChanged, rec.Clone(), prev)
	c.afterFinish()
}

func (c *core) afterFinish() {
	if c.stopping {
		c.maybeDrained()
		return
	}
	c.dispatch()
}

func (c *core) cancel(id string) error {
	rec, err := c.store.Get(id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case jobs.StatusPending:
		if err := rec.Cancel(c.now()); err != nil {
			return err
		}
		c.n.cancelled++
		c.svc.log.Info("job cancelled before dispatch", logx.Job(rec.ID, rec.Kind))
		c.publish(jobs.EventStatusChanged, rec.Clone(), jobs.StatusPending)
	case jobs.StatusRunning:
		h := c.handles[id]
		if h == nil || h.requested {
			return nil
		}
		h.requested = true
		h.cancel()
		c.svc.log.Debug("job cancellation requested", logx.Job(rec.ID, rec.Kind))
	}
	return nil
}

func (c *core) remove(id string) error {
	rec, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if !rec.Status.Removable() {
		return fmt.Errorf("remove %s: job is %s: %w", id, rec.Status, jobs.ErrInvalidState)
	}
	snap := rec.Clone()
	if err := c.store.Remove(id); err != nil {
		return err
	}
	c.n.removed++
	c.publish(jobs.EventRemoved, snap, snap.Status)
	return nil
}

func (c *core) clearTerminal() int {
	n := c.store.RemoveFunc(func(r *jobs.Record) bool { return r.Status.IsTerminal() }, func(r jobs.Record) {
		c.publish(jobs.EventRemoved, r, r.Status)
	})
	c.n.removed += uint64(n)
	if n > 0 {
		c.svc.log.Info("cleared finished jobs", logx.Int("removed", n))
	}
	return n
}

func (c *core) prune() int {
	now := c.now()
	n := c.store.PruneOlderThanFunc(c.retention, now, func(r jobs.Record) {
		c.publish(jobs.EventRemoved, r, r.Status)
	})
	c.lastPrune = now
	c.n.pruned += uint64(n)
	if n > 0 {
		c.svc.log.Info("pruned finished jobs", logx.Int("removed", n), logx.Duration("retention", c.retention))
	}
	return n
}

func (c *core) beginStop() {
	if c.stopping {
		return
	}
	c.stopping = true
	for id, h := range c.handles {
		h.requested = true
		h.cancel()
		c.svc.log.Debug("cancelling job for shutdown", logx.String("job", id))
	}
	c.maybeDrained()
}

func (c *core) maybeDrained() {
	if c.running == 0 && !c.drainedC {
		c.drainedC = true
		close(c.drained)
	}
}

func (c *core) snapshot() Snapshot {
	return Snapshot{
		Limit:     c.limit,
		Running:   c.running,
		Pending:   c.store.Count(jobs.StatusPending),
		Total:     c.store.Len(),
		Peak:      c.peak,
		Retention: c.retention,
		Submitted: c.n.submitted,
		Completed: c.n.completed,
		Failed:    c.n.failed,
		Cancelled: c.n.cancelled,
		Removed:   c.n.removed,
		Pruned:    c.n.pruned,
		LastPrune: c.lastPrune,
	}
}
