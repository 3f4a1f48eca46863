package control

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"mediaq/internal/jobs"
)

func waitStatus(t *testing.T, c *Client, id string, want jobs.Status) jobs.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := c.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s", id, rec.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientRoundTrip(t *testing.T) {
	h := newHarness(t, "s3cret")
	c := NewClient(h.srv.URL, "s3cret")
	ctx := context.Background()

	id, err := c.Submit(ctx, "ok", "a.mp4")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec := waitStatus(t, c, id, jobs.StatusCompleted); rec.Output != "a.mp4.out" {
		t.Fatalf("output = %q", rec.Output)
	}

	blocked, err := c.Submit(ctx, "block", "b.wav")
	if err != nil {
		t.Fatalf("Submit block: %v", err)
	}
	waitStatus(t, c, blocked, jobs.StatusRunning)
	if err := c.Cancel(ctx, blocked); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, c, blocked, jobs.StatusCancelled)

	done, err := c.List(ctx, jobs.StatusCompleted)
	if err != nil || len(done) != 1 || done[0].ID != id {
		t.Fatalf("List(completed) = %v, %v", done, err)
	}
	if err := c.Remove(ctx, blocked); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n, err := c.ClearCompleted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearCompleted = %d, %v", n, err)
	}

	if err := c.SetLimit(ctx, 4); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	snap, err := c.Snapshot(ctx)
	if err != nil || snap.Limit != 4 || snap.Total != 0 {
		t.Fatalf("Snapshot = %+v, %v", snap, err)
	}

	ops, err := c.Operations(ctx, "/tmp/song.wav")
	if err != nil || len(ops) != 1 || ops[0].Kind != "block" {
		t.Fatalf("Operations = %v, %v", ops, err)
	}
}

func TestClientErrors(t *testing.T) {
	h := newHarness(t, "s3cret")
	ctx := context.Background()

	var apiErr *APIError
	_, err := NewClient(h.srv.URL, "wrong").Submit(ctx, "ok", "a.mp4")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("bad token err = %v", err)
	}

	c := NewClient(h.srv.URL, "s3cret")
	if _, err := c.Submit(ctx, "nope", "a.mp4"); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := c.Get(ctx, "missing"); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message == "" {
		t.Fatalf("missing job err = %v", err)
	}
	if err := c.SetLimit(ctx, 0); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("zero limit err = %v", err)
	}
}

func TestClientEvents(t *testing.T) {
	h := newHarness(t, "")
	c := NewClient(h.srv.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got := make(chan EventLine, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Events(ctx, "job.", func(l EventLine) error {
			got <- l
			return nil
		})
	}()

	// The subscription is registered once the handler runs; retry the submit
	// until the first event arrives.
	var first EventLine
	for first.Type == "" {
		if _, err := c.Submit(context.Background(), "ok", "e.mp4"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		select {
		case first = <-got:
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no events received")
		}
	}
	if first.Type != jobs.EventAdded && first.Type != jobs.EventStatusChanged {
		t.Fatalf("first event type = %q", first.Type)
	}
	cancel()
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Events did not return after cancel")
	}
}

func TestNewClientAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":                       "http://" + DefaultAddr,
		"127.0.0.1:9000":         "http://127.0.0.1:9000",
		"https://box.lan:7420/":  "https://box.lan:7420",
		" http://localhost:1/ ": "http://localhost:1",
	}
	for in, want := range tests {
		if got := NewClient(in, "").base; got != want {
			t.Fatalf("NewClient(%q).base = %q, want %q", in, got, want)
		}
	}
}
