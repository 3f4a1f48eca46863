package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediaq/internal/jobs"
	"mediaq/internal/workitem"
)

func TestSubmitUnknownKindCreatesNothing(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	if _, err := h.svc.Submit("NoSuchOp", "file.mp4"); !errors.Is(err, ErrUnknownWorkItem) {
		t.Fatalf("Submit = %v, want ErrUnknownWorkItem", err)
	}
	recs, err := h.svc.List()
	if err != nil || len(recs) != 0 {
		t.Fatalf("List = %v, %v; want empty", recs, err)
	}

	// The first event observed must belong to a later marker job.
	marker := h.submit(t, "ok", "marker.mp4")
	ev := h.nextEvent(t, nil)
	if ev.Job.ID != marker || ev.Type != jobs.EventAdded {
		t.Fatalf("first event = %s for %s, want %s for marker", ev.Type, ev.Job.ID, jobs.EventAdded)
	}
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)
	if _, err := h.svc.Submit("ok", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Submit = %v, want ErrInvalidInput", err)
	}
}

func TestBoundOneDispatchesInSubmissionOrder(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	j1 := h.submit(t, "gate", "j1")
	j2 := h.submit(t, "gate", "j2")
	j3 := h.submit(t, "gate", "j3")

	h.gate.waitStarted(t, "j1")
	if got := []jobs.Status{h.status(t, j1), h.status(t, j2), h.status(t, j3)}; got[0] != jobs.StatusRunning || got[1] != jobs.StatusPending || got[2] != jobs.StatusPending {
		t.Fatalf("statuses = %v, want [running pending pending]", got)
	}

	h.gate.open("j1")
	h.gate.waitStarted(t, "j2")
	h.waitStatus(t, j1, jobs.StatusCompleted)
	if st := h.status(t, j3); st != jobs.StatusPending {
		t.Fatalf("j3 = %s, want pending while j2 runs", st)
	}

	h.gate.open("j2")
	h.gate.waitStarted(t, "j3")
	h.gate.open("j3")

	var done []jobs.Record
	for _, id := range []string{j1, j2, j3} {
		done = append(done, h.waitStatus(t, id, jobs.StatusCompleted))
	}
	for i := 1; i < len(done); i++ {
		if !done[i-1].CompletedAt.Before(*done[i].CompletedAt) {
			t.Fatalf("completion order broken at %d: %v then %v", i, done[i-1].CompletedAt, done[i].CompletedAt)
		}
	}
	for _, r := range done {
		if r.Output != r.Input+".out" || r.Message != "done" || r.Error != "" {
			t.Fatalf("unexpected result fields: %+v", r)
		}
	}
}

func TestBoundNeverExceededAndTransitionsMoveForward(t *testing.T) {
	t.Parallel()
	const limit = 3
	var active, peak atomic.Int32
	h := startHarness(t, limit, func(reg *workitem.Registry) {
		reg.MustRegister("busy", workitem.Func(func(ctx context.Context, in string) (workitem.Result, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return workitem.Result{}, ctx.Err()
			}
			if strings.HasSuffix(in, "7") {
				return workitem.Result{}, errors.New("odd failure")
			}
			return workitem.Result{Output: in + ".out"}, nil
		}), workitem.Descriptor{})
	})

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, h.submit(t, "busy", fmt.Sprintf("clip-%02d", i)))
	}
	for _, id := range ids {
		deadline := time.Now().Add(waitTimeout)
		for {
			rec, err := h.svc.Get(id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if rec.Status.IsTerminal() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("job %s stuck in %s", id, rec.Status)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	if p := peak.Load(); p > limit {
		t.Fatalf("observed %d concurrent executions, bound is %d", p, limit)
	}
	snap, err := h.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Peak > limit || snap.Running != 0 || snap.Submitted != 20 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Completed+snap.Failed != 20 || snap.Failed != 2 {
		t.Fatalf("completed=%d failed=%d, want 18/2", snap.Completed, snap.Failed)
	}

	// Every observed status change is an edge of the lifecycle.
	seen := map[string]jobs.Status{}
	for _, ev := range h.drainEvents(100 * time.Millisecond) {
		switch ev.Type {
		case jobs.EventAdded:
			if ev.Job.Status != jobs.StatusPending {
				t.Fatalf("added event with status %s", ev.Job.Status)
			}
			seen[ev.Job.ID] = jobs.StatusPending
		case jobs.EventStatusChanged:
			prev := seen[ev.Job.ID]
			if prev != ev.Previous || !prev.CanTransition(ev.Job.Status) {
				t.Fatalf("job %s moved %s (reported %s) -> %s", ev.Job.ID, prev, ev.Previous, ev.Job.Status)
			}
			seen[ev.Job.ID] = ev.Job.Status
		}
	}
	if len(seen) != 20 {
		t.Fatalf("saw events for %d jobs, want 20", len(seen))
	}
}

func TestPendingCancelledJobIsSkipped(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	a := h.submit(t, "gate", "a")
	b := h.submit(t, "gate", "b")
	c := h.submit(t, "gate", "c")
	d := h.submit(t, "gate", "d")
	h.gate.waitStarted(t, "a")

	if err := h.svc.Cancel(c); err != nil {
		t.Fatalf("Cancel(c): %v", err)
	}
	rec := h.waitStatus(t, c, jobs.StatusCancelled)
	if rec.StartedAt != nil || rec.CompletedAt == nil {
		t.Fatalf("cancelled pending job timestamps: started=%v completed=%v", rec.StartedAt, rec.CompletedAt)
	}

	h.gate.open("a")
	h.gate.waitStarted(t, "b")
	h.gate.open("b")
	h.gate.waitStarted(t, "d")
	h.gate.open("d")
	for _, id := range []string{a, b, d} {
		h.waitStatus(t, id, jobs.StatusCompleted)
	}
	if st := h.status(t, c); st != jobs.StatusCancelled {
		t.Fatalf("c = %s, want cancelled", st)
	}
}

func TestCancelRunningIsCooperative(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	id := h.submit(t, "spin", "long.mp4")
	h.nextEvent(t, func(e jobs.Event) bool {
		return e.Job.ID == id && e.Type == jobs.EventStatusChanged && e.Job.Status == jobs.StatusRunning
	})

	if err := h.svc.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	ev := h.nextEvent(t, func(e jobs.Event) bool { return e.Job.ID == id && e.Type == jobs.EventStatusChanged })
	if ev.Job.Status != jobs.StatusCancelled || ev.Previous != jobs.StatusRunning {
		t.Fatalf("event = %s -> %s, want running -> cancelled", ev.Previous, ev.Job.Status)
	}
	if ev.Job.StartedAt == nil || ev.Job.CompletedAt == nil {
		t.Fatal("cancelled running job must carry both timestamps")
	}

	// Idempotent: no error and no further event.
	if err := h.svc.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	for _, e := range h.drainEvents(50 * time.Millisecond) {
		if e.Job.ID == id {
			t.Fatalf("unexpected %s event after repeated cancel", e.Type)
		}
	}
}

func TestCancelPendingIsIdempotent(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	h.submit(t, "gate", "holder")
	h.gate.waitStarted(t, "holder")
	id := h.submit(t, "gate", "queued")

	for i := 0; i < 3; i++ {
		if err := h.svc.Cancel(id); err != nil {
			t.Fatalf("Cancel #%d: %v", i, err)
		}
	}
	n := 0
	for _, e := range h.drainEvents(50 * time.Millisecond) {
		if e.Job.ID == id && e.Type == jobs.EventStatusChanged {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("got %d status events for repeated cancel, want 1", n)
	}
	if err := h.svc.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel(missing) = %v, want ErrNotFound", err)
	}
}

func TestRemoveRunningIsInvalidState(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	run := h.submit(t, "gate", "run")
	h.gate.waitStarted(t, "run")
	pending := h.submit(t, "gate", "pending")

	if err := h.svc.Remove(run); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Remove(running) = %v, want ErrInvalidState", err)
	}
	if st := h.status(t, run); st != jobs.StatusRunning {
		t.Fatalf("running job changed to %s", st)
	}

	if err := h.svc.Remove(pending); err != nil {
		t.Fatalf("Remove(pending): %v", err)
	}
	if _, err := h.svc.Get(pending); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(removed) = %v, want ErrNotFound", err)
	}
	ev := h.nextEvent(t, func(e jobs.Event) bool { return e.Type == jobs.EventRemoved })
	if ev.Job.ID != pending {
		t.Fatalf("removed event for %s, want %s", ev.Job.ID, pending)
	}
	if err := h.svc.Remove("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove(missing) = %v, want ErrNotFound", err)
	}

	// A removed pending job is never dispatched.
	h.gate.open("run")
	h.waitStatus(t, run, jobs.StatusCompleted)
	select {
	case in := <-h.gate.started:
		t.Fatalf("removed job %q was dispatched", in)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWorkItemFailuresAreAbsorbed(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	tests := []struct {
		kind    string
		wantErr string
	}{
		{"fail", "encoder exited with status 1"},
		{"panic", "panic: boom"},
		{"nooutput", "without an output reference"},
	}
	for _, tt := range tests {
		id := h.submit(t, tt.kind, "x.mp4")
		rec := h.waitStatus(t, id, jobs.StatusFailed)
		if !strings.Contains(rec.Error, tt.wantErr) {
			t.Fatalf("%s: error = %q, want it to contain %q", tt.kind, rec.Error, tt.wantErr)
		}
		if rec.Output != "" {
			t.Fatalf("%s: failed job has output %q", tt.kind, rec.Output)
		}
	}

	// Scheduler keeps admitting work afterwards.
	id := h.submit(t, "ok", "after.mp4")
	h.waitStatus(t, id, jobs.StatusCompleted)
}

// Lowering the bound never preempts running work; it only delays admission.
func TestLoweringLimitNeverPreempts(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 3)

	for _, in := range []string{"r1", "r2", "r3"} {
		h.submit(t, "gate", in)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-h.gate.started:
		case <-time.After(waitTimeout):
			t.Fatal("running jobs did not start")
		}
	}
	queued := h.submit(t, "gate", "queued")

	if err := h.svc.SetConcurrencyLimit(1); err != nil {
		t.Fatalf("SetConcurrencyLimit: %v", err)
	}
	snap, _ := h.svc.Snapshot()
	if snap.Running != 3 || snap.Limit != 1 {
		t.Fatalf("after lowering: running=%d limit=%d, want 3/1", snap.Running, snap.Limit)
	}

	h.gate.open("r1")
	h.gate.open("r2")
	deadline := time.Now().Add(waitTimeout)
	for {
		snap, _ = h.svc.Snapshot()
		if snap.Running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("running = %d, want 1", snap.Running)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if st := h.status(t, queued); st != jobs.StatusPending {
		t.Fatalf("queued = %s while running == limit", st)
	}

	h.gate.open("r3")
	h.gate.waitStarted(t, "queued")
	h.gate.open("queued")
	h.waitStatus(t, queued, jobs.StatusCompleted)

	if err := h.svc.SetConcurrencyLimit(0); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("SetConcurrencyLimit(0) = %v, want ErrInvalidLimit", err)
	}
}

func TestRaisingLimitDispatchesImmediately(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	h.submit(t, "gate", "a")
	h.gate.waitStarted(t, "a")
	b := h.submit(t, "gate", "b")
	if st := h.status(t, b); st != jobs.StatusPending {
		t.Fatalf("b = %s, want pending", st)
	}
	if err := h.svc.SetConcurrencyLimit(2); err != nil {
		t.Fatalf("SetConcurrencyLimit: %v", err)
	}
	h.gate.waitStarted(t, "b")
}

func TestPruneUsesRetentionWindow(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 2)

	old := h.submit(t, "ok", "old.mp4")
	h.waitStatus(t, old, jobs.StatusCompleted)

	h.clock.Advance(8 * 24 * time.Hour)
	young := h.submit(t, "ok", "young.mp4")
	h.waitStatus(t, young, jobs.StatusCompleted)
	h.submit(t, "gate", "held")
	h.gate.waitStarted(t, "held")

	n, err := h.svc.Prune()
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	var ids []string
	for r := range h.svc.Enumerate() {
		ids = append(ids, r.ID)
	}
	for _, id := range ids {
		if id == old {
			t.Fatal("old job still enumerated after prune")
		}
	}
	if len(ids) != 2 || ids[0] != young {
		t.Fatalf("remaining = %v, want young then held", ids)
	}
	ev := h.nextEvent(t, func(e jobs.Event) bool { return e.Type == jobs.EventRemoved })
	if ev.Job.ID != old {
		t.Fatalf("removed event for %s, want %s", ev.Job.ID, old)
	}

	// A shorter window catches the young job too.
	if err := h.svc.SetRetention(time.Minute); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	h.clock.Advance(time.Hour)
	if n, _ := h.svc.Prune(); n != 1 {
		t.Fatalf("second Prune = %d, want 1", n)
	}
	if err := h.svc.SetRetention(0); !errors.Is(err, ErrInvalidRetention) {
		t.Fatalf("SetRetention(0) = %v, want ErrInvalidRetention", err)
	}
}

func TestClearCompletedKeepsActiveJobs(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	done := h.submit(t, "ok", "done.mp4")
	h.waitStatus(t, done, jobs.StatusCompleted)
	failed := h.submit(t, "fail", "bad.mp4")
	h.waitStatus(t, failed, jobs.StatusFailed)
	run := h.submit(t, "gate", "run")
	h.gate.waitStarted(t, "run")
	pending := h.submit(t, "gate", "pending")

	n, err := h.svc.ClearCompleted()
	if err != nil || n != 2 {
		t.Fatalf("ClearCompleted = %d, %v; want 2", n, err)
	}
	recs, _ := h.svc.List()
	if len(recs) != 2 || recs[0].ID != run || recs[1].ID != pending {
		t.Fatalf("remaining = %+v", recs)
	}
}

func TestEnumerateTakesFreshSnapshotPerRange(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	seq := h.svc.Enumerate()
	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if n := count(); n != 0 {
		t.Fatalf("empty scheduler enumerated %d", n)
	}
	h.submit(t, "ok", "a.mp4")
	h.submit(t, "ok", "b.mp4")
	if n := count(); n != 2 {
		t.Fatalf("enumerated %d, want 2", n)
	}
}

func TestStopCancelsRunningAndRefusesWork(t *testing.T) {
	t.Parallel()
	g := newGate()
	reg := testRegistry(g)
	s := New(Config{MaxConcurrent: 2, PruneSchedule: "off"}, reg)

	if _, err := s.Submit("ok", "early.mp4"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit before Start = %v, want ErrNotRunning", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var returned sync.WaitGroup
	returned.Add(1)
	reg.MustRegister("watch", workitem.Func(func(ctx context.Context, _ string) (workitem.Result, error) {
		defer returned.Done()
		<-ctx.Done()
		return workitem.Result{}, ctx.Err()
	}), workitem.Descriptor{})
	if _, err := s.Submit("watch", "long.mp4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	returned.Wait()

	if _, err := s.Submit("ok", "late.mp4"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestParsePruneSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "@every 1h", want: "@every 1h"},
		{raw: "0 3 * * *", want: "0 3 * * *"},
		{raw: "55m", want: "@every 55m0s"},
		{raw: "02:30", want: "@every 2h30m0s"},
		{raw: "off", want: ""},
		{raw: "", wantErr: true},
		{raw: "0:00", wantErr: true},
		{raw: "-5m", wantErr: true},
		{raw: "not a schedule", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePruneSchedule(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParsePruneSchedule(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParsePruneSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	terminal := []struct {
		id   string
		want jobs.Status
	}{
		{h.submit(t, "ok", "done.mp4"), jobs.StatusCompleted},
		{h.submit(t, "fail", "bad.mp4"), jobs.StatusFailed},
	}
	before := map[string]jobs.Record{}
	for _, j := range terminal {
		before[j.id] = h.waitStatus(t, j.id, j.want)
		h.nextEvent(t, func(e jobs.Event) bool { return e.Job.ID == j.id && e.Job.Status == j.want })
	}

	for _, j := range terminal {
		for i := 0; i < 2; i++ {
			if err := h.svc.Cancel(j.id); err != nil {
				t.Fatalf("Cancel(%s) #%d = %v, want nil", j.want, i, err)
			}
		}
	}
	for _, e := range h.drainEvents(50 * time.Millisecond) {
		if _, ok := before[e.Job.ID]; ok {
			t.Fatalf("cancel of a %s job published %s", before[e.Job.ID].Status, e.Type)
		}
	}
	for _, j := range terminal {
		rec, err := h.svc.Get(j.id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		was := before[j.id]
		if rec.Status != j.want || rec.Error != was.Error || rec.Output != was.Output || !rec.CompletedAt.Equal(*was.CompletedAt) {
			t.Fatalf("cancel changed terminal job: before %+v, after %+v", was, rec)
		}
	}
}

func TestDispatchWithoutWorkItemFailsThroughRunning(t *testing.T) {
	t.Parallel()
	h := startHarness(t, 1)

	var id string
	err := h.svc.do(func(c *core) error {
		rec := jobs.NewRecord("vanished", "x.mp4", c.now())
		id = rec.ID
		if err := c.store.Add(rec); err != nil {
			return err
		}
		c.dispatch()
		return nil
	})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}

	started := h.nextEvent(t, forJob(id))
	if started.Previous != jobs.StatusPending || started.Job.Status != jobs.StatusRunning {
		t.Fatalf("first event %s -> %s, want pending -> running", started.Previous, started.Job.Status)
	}
	failed := h.nextEvent(t, forJob(id))
	if failed.Previous != jobs.StatusRunning || failed.Job.Status != jobs.StatusFailed {
		t.Fatalf("second event %s -> %s, want running -> failed", failed.Previous, failed.Job.Status)
	}
	if !strings.Contains(failed.Job.Error, "vanished") {
		t.Fatalf("error = %q", failed.Job.Error)
	}

	after := h.submit(t, "ok", "after.mp4")
	h.waitStatus(t, after, jobs.StatusCompleted)
}
