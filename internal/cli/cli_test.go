package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediaq/internal/control"
	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
	"mediaq/internal/scheduler"
	"mediaq/internal/workitem"
)

func newDaemon(t *testing.T, token string) string {
	t.Helper()
	reg := workitem.NewRegistry()
	reg.MustRegister("echo", workitem.Func(func(_ context.Context, in string) (workitem.Result, error) {
		return workitem.Result{Output: in + ".echo"}, nil
	}), workitem.Descriptor{Description: "copies the input", Accepts: []string{"*.{mp4,mkv}"}})
	reg.MustRegister("hang", workitem.Func(func(ctx context.Context, _ string) (workitem.Result, error) {
		<-ctx.Done()
		return workitem.Result{}, ctx.Err()
	}), workitem.Descriptor{Accepts: []string{"*.wav"}})

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 1, PruneSchedule: "off"}, reg, scheduler.WithBus(bus))
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler Start: %v", err)
	}
	srv := httptest.NewServer(control.NewRouter(control.Deps{Scheduler: sched, Bus: bus}, token))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
		bus.Close()
	})
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitWaitAndList(t *testing.T) {
	addr := newDaemon(t, "")

	out, err := run(t, "--addr", addr, "submit", "--wait", "echo", "a.mp4", "b.mkv")
	if err != nil {
		t.Fatalf("submit --wait: %v\n%s", err, out)
	}
	if !strings.Contains(out, "a.mp4.echo") || !strings.Contains(out, "b.mkv.echo") || strings.Count(out, "completed") != 2 {
		t.Fatalf("submit --wait output:\n%s", out)
	}

	out, err = run(t, "--addr", addr, "--json", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var recs []jobs.Record
	if err := json.Unmarshal([]byte(out), &recs); err != nil || len(recs) != 2 {
		t.Fatalf("list --json = %v (%v):\n%s", recs, err, out)
	}

	out, err = run(t, "--addr", addr, "get", recs[0].ID)
	if err != nil || !strings.Contains(out, "status:  completed") {
		t.Fatalf("get: %v\n%s", err, out)
	}

	out, err = run(t, "--addr", addr, "clear")
	if err != nil || strings.TrimSpace(out) != "removed 2" {
		t.Fatalf("clear: %v %q", err, out)
	}
}

func TestCancelRemoveAndErrors(t *testing.T) {
	addr := newDaemon(t, "")

	out, err := run(t, "--addr", addr, "--json", "submit", "hang", "x.wav")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(out), &ids); err != nil || len(ids) != 1 {
		t.Fatalf("submit --json = %q", out)
	}
	if _, err := run(t, "--addr", addr, "cancel", ids[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		out, _ = run(t, "--addr", addr, "get", ids[0])
		if strings.Contains(out, "cancelled") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never cancelled:\n%s", out)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := run(t, "--addr", addr, "remove", ids[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := run(t, "--addr", addr, "get", ids[0]); err == nil {
		t.Fatal("get after remove succeeded")
	}

	if _, err := run(t, "--addr", addr, "submit", "nope", "x.mp4"); err == nil {
		t.Fatal("submit of unknown kind succeeded")
	}
	if _, err := run(t, "--addr", addr, "submit", "echo"); err == nil {
		t.Fatal("submit without input succeeded")
	}
	if _, err := run(t, "--addr", addr, "limit", "two"); err == nil {
		t.Fatal("limit two succeeded")
	}
}

func TestLimitAndOps(t *testing.T) {
	addr := newDaemon(t, "")

	out, err := run(t, "--addr", addr, "limit", "3")
	if err != nil || !strings.HasPrefix(out, "limit 3 ") {
		t.Fatalf("limit 3: %v %q", err, out)
	}
	out, err = run(t, "--addr", addr, "--json", "ops", "/media/clip.MKV")
	if err != nil {
		t.Fatalf("ops: %v", err)
	}
	var ops []workitem.Descriptor
	if err := json.Unmarshal([]byte(out), &ops); err != nil || len(ops) != 1 || ops[0].Kind != "echo" {
		t.Fatalf("ops = %v (%v)", ops, err)
	}
	out, err = run(t, "--addr", addr, "ops")
	if err != nil || !strings.Contains(out, "hang") || !strings.Contains(out, "copies the input") {
		t.Fatalf("ops table: %v\n%s", err, out)
	}
	out, err = run(t, "--addr", addr, "stats")
	if err != nil || !strings.Contains(out, `"scheduler"`) {
		t.Fatalf("stats: %v\n%s", err, out)
	}
}

func TestEnvFallbackAndToken(t *testing.T) {
	addr := newDaemon(t, "tok")
	t.Setenv(envAddr, addr)

	t.Setenv(envToken, "")
	if _, err := run(t, "list"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("list without token err = %v", err)
	}
	if _, err := run(t, "--token", "tok", "list"); err != nil {
		t.Fatalf("list with --token: %v", err)
	}
	t.Setenv(envToken, "tok")
	if _, err := run(t, "list"); err != nil {
		t.Fatalf("list with env token: %v", err)
	}
}
