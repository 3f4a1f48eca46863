package notifier

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
)

// Notifier is the subset of Service that JobWatcher needs.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// JobWatcher turns terminal job status changes into notifications.
type JobWatcher struct {
	n Notifier

	mu    sync.Mutex
	unsub func()
}

func NewJobWatcher(n Notifier) *JobWatcher { return &JobWatcher{n: n} }

// Attach subscribes to bus. Calling it again moves the subscription.
func (w *JobWatcher) Attach(bus eventbus.Bus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsub != nil {
		w.unsub()
	}
	w.unsub = bus.Subscribe("notifier.jobs", w.handle)
}

func (w *JobWatcher) Detach() {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (w *JobWatcher) handle(e eventbus.Event) {
	ev, ok := e.Data.(jobs.Event)
	if !ok || ev.Type != jobs.EventStatusChanged {
		return
	}
	n, ok := JobNotification(ev.Job)
	if !ok {
		return
	}
	_ = w.n.Notify(context.Background(), n)
}

// JobNotification renders a finished job. ok is false for non-terminal jobs.
func JobNotification(rec jobs.Record) (Notification, bool) {
	in := displayName(rec.Input)
	switch rec.Status {
	case jobs.StatusCompleted:
		return Notification{
			Title: "Completed: " + rec.Kind,
			Body:  fmt.Sprintf("%s → %s", in, displayName(rec.Output)),
			Level: LevelInfo,
		}, true
	case jobs.StatusFailed:
		return Notification{
			Title: "Failed: " + rec.Kind,
			Body:  fmt.Sprintf("%s: %s", in, rec.Error),
			Level: LevelError,
		}, true
	case jobs.StatusCancelled:
		return Notification{
			Title: "Cancelled: " + rec.Kind,
			Body:  in,
			Level: LevelInfo,
		}, true
	}
	return Notification{}, false
}

func displayName(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return "-"
	}
	return path.Base(p)
}
