package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
	logx "mediaq/pkg/logx"
)

const recordTimeout = 2 * time.Second

// Recorder appends one history entry per job that reaches a terminal state.
type Recorder struct {
	st  Store
	log logx.Logger

	mu    sync.Mutex
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(st Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, log: log}
}

// Attach subscribes to bus. Calling it again moves the subscription.
func (r *Recorder) Attach(bus eventbus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
	}
	r.unsub = bus.Subscribe("history", r.handle)
}

// Detach stops recording. The store is left open.
func (r *Recorder) Detach() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Counts returns (written, failed) append counts.
func (r *Recorder) Counts() (uint64, uint64) { return r.written.Load(), r.failed.Load() }

func (r *Recorder) handle(e eventbus.Event) {
	ev, ok := e.Data.(jobs.Event)
	if !ok || ev.Type != jobs.EventStatusChanged || !ev.Job.Status.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.st.AppendHistory(ctx, EntryFromRecord(ev.Job)); err != nil {
		r.failed.Add(1)
		r.log.Warn("history append failed", logx.Job(ev.Job.ID, ev.Job.Kind), logx.Err(err))
		return
	}
	r.written.Add(1)
}
