package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediaq/internal/jobs"
	"mediaq/internal/scheduler"
	"mediaq/internal/workitem"
)

// APIError is a non-2xx reply from the control surface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("control: %d %s", e.Status, e.Message)
}

// Client talks to a running daemon's control surface.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

// NewClient accepts "host:port" or a full http(s) URL.
func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if base == "" {
		base = DefaultAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: strings.TrimSpace(token), hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) Submit(ctx context.Context, kind, input string) (string, error) {
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/jobs", SubmitRequest{Kind: kind, Input: input}, &out)
	return out.ID, err
}

// List returns every job, or only those in status when it is non-empty.
func (c *Client) List(ctx context.Context, status jobs.Status) ([]jobs.Record, error) {
	p := "/jobs"
	if status != "" {
		p += "?status=" + url.QueryEscape(string(status))
	}
	var out []jobs.Record
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (jobs.Record, error) {
	var out jobs.Record
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ClearCompleted(ctx context.Context) (int, error) {
	var out ClearResponse
	err := c.do(ctx, http.MethodPost, "/jobs/clear", nil, &out)
	return out.Removed, err
}

func (c *Client) SetLimit(ctx context.Context, n int) error {
	return c.do(ctx, http.MethodPut, "/limit", LimitRequest{Limit: n}, nil)
}

// Operations lists registered work items, filtered to those accepting path
// when it is non-empty.
func (c *Client) Operations(ctx context.Context, path string) ([]workitem.Descriptor, error) {
	p := "/operations"
	if path != "" {
		p += "?path=" + url.QueryEscape(path)
	}
	var out []workitem.Descriptor
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// Stats returns the raw sections of GET /stats.
func (c *Client) Stats(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// Snapshot decodes the scheduler section of GET /stats.
func (c *Client) Snapshot(ctx context.Context) (scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	st, err := c.Stats(ctx)
	if err != nil {
		return snap, err
	}
	raw, ok := st["scheduler"]
	if !ok {
		return snap, errors.New("control: stats without scheduler section")
	}
	err = json.Unmarshal(raw, &snap)
	return snap, err
}

// Events streams /events until ctx is done or the server closes the stream.
// typ filters by event type prefix.
func (c *Client) Events(ctx context.Context, typ string, fn func(EventLine) error) error {
	p := "/events"
	if typ != "" {
		p += "?type=" + url.QueryEscape(typ)
	}
	req, err := c.newRequest(ctx, http.MethodGet, p, nil)
	if err != nil {
		return err
	}
	// Streams outlive the request timeout.
	hc := *c.hc
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var line EventLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var er ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(b, &er) != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(b))
	}
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}
