package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediaq/internal/eventbus"
	"mediaq/internal/jobs"
	"mediaq/internal/scheduler"
	"mediaq/internal/workitem"
	logx "mediaq/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators behind the routes. Bus and Stats are optional.
type Deps struct {
	Scheduler Scheduler
	Bus       eventbus.Bus
	Log       logx.Logger
	// Stats adds named sections to GET /stats next to "scheduler".
	Stats map[string]func() any
}

type handlers struct {
	Deps
	// streams ends open /events responses when done is closed.
	streams <-chan struct{}
}

// NewRouter builds the control API. When token is non-empty every route
// except /healthz requires it.
func NewRouter(d Deps, token string) http.Handler {
	return newRouter(d, token, nil)
}

func newRouter(d Deps, token string, streams <-chan struct{}) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{Deps: d, streams: streams}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(d.Log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Get("/operations", h.listOperations)
		r.Get("/stats", h.stats)
		r.Get("/events", h.events)
		r.Put("/limit", h.setLimit)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.listJobs)
			r.Post("/", h.submit)
			r.Post("/clear", h.clear)
			r.Get("/{id}", h.getJob)
			r.Delete("/{id}", h.remove)
			r.Post("/{id}/cancel", h.cancel)
		})
	})
	return r
}

func (h *handlers) listOperations(w http.ResponseWriter, r *http.Request) {
	reg := h.Scheduler.Registry()
	ops := reg.Describe()
	if p := strings.TrimSpace(r.URL.Query().Get("path")); p != "" {
		ops = reg.Accepting(p)
	}
	if ops == nil {
		ops = []workitem.Descriptor{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Scheduler.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		want := jobs.Status(strings.ToLower(raw))
		if !want.Valid() {
			writeErr(w, badRequest(fmt.Errorf("invalid status: %s", raw)))
			return
		}
		out := recs[:0]
		for _, rec := range recs {
			if rec.Status == want {
				out = append(out, rec)
			}
		}
		recs = out
	}
	if recs == nil {
		recs = []jobs.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id, err := h.Scheduler.Submit(req.Kind, req.Input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Cancel(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Remove(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clear(w http.ResponseWriter, _ *http.Request) {
	n, err := h.Scheduler.ClearCompleted()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Removed: n})
}

func (h *handlers) setLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.Scheduler.SetConcurrencyLimit(req.Limit); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.Scheduler.Snapshot()
	if err != nil {
		writeErr(w, err)
		return
	}
	out := map[string]any{"scheduler": snap}
	for name, fn := range h.Stats {
		if fn != nil {
			out[name] = fn()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// events streams bus events as NDJSON until the client goes away or the
// server shuts down. ?type=job. keeps only types with that prefix.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event bus not configured"})
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	ctx := r.Context()

	ch := make(chan eventbus.Event, 64)
	quit := make(chan struct{})
	unsub := h.Bus.Subscribe("control.events", func(e eventbus.Event) {
		if prefix != "" && !strings.HasPrefix(e.Type, prefix) {
			return
		}
		select {
		case ch <- e:
		case <-quit:
		}
	})
	defer unsub()
	defer close(quit)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.streams:
			return
		case e := <-ch:
			line := EventLine{Type: e.Type, Time: e.Time.UTC().Format(time.RFC3339Nano), Data: e.Data}
			if err := enc.Encode(line); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

type httpError struct {
	code int
	err  error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(err error) error { return &httpError{code: http.StatusBadRequest, err: err} }

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

// statusCode maps scheduler sentinels onto HTTP status codes.
func statusCode(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.code
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrUnknownWorkItem),
		errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, scheduler.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), ErrorResponse{Error: err.Error()})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				got = strings.TrimSpace(got)
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
