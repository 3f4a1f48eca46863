// Package workitem defines the contract every executable operation implements
// and the explicit registry the scheduler resolves kinds against.
package workitem

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Result is what a successful run reports back.
type Result struct {
	Output  string // reference to the produced artifact (usually a file path)
	Message string
}

// WorkItem is an opaque unit of work. Execute must return promptly once ctx is
// cancelled; the scheduler never terminates it forcibly.
type WorkItem interface {
	Execute(ctx context.Context, input string) (Result, error)
}

// Func adapts a plain function to WorkItem.
type Func func(ctx context.Context, input string) (Result, error)

func (f Func) Execute(ctx context.Context, input string) (Result, error) { return f(ctx, input) }

// Descriptor is registry metadata shown to callers choosing an operation.
type Descriptor struct {
	Kind        string   `json:"kind"`
	Description string   `json:"description,omitempty"`
	Accepts     []string `json:"accepts,omitempty"` // doublestar patterns matched against the lowercased base name
}

var (
	ErrEmptyKind     = errors.New("work item kind is empty")
	ErrNilWorkItem   = errors.New("work item is nil")
	ErrDuplicateKind = errors.New("work item kind already registered")
	ErrBadPattern    = errors.New("invalid accept pattern")
)

type entry struct {
	item WorkItem
	desc Descriptor
}

// Registry maps kinds to implementations. It is built at startup and then
// only read, but registration stays safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// NormalizeKind is the canonical form kinds are registered and looked up under.
func NormalizeKind(kind string) string { return strings.ToLower(strings.TrimSpace(kind)) }

// Register adds item under kind. Kinds are case-insensitive.
func (r *Registry) Register(kind string, item WorkItem, desc Descriptor) error {
	k := NormalizeKind(kind)
	if k == "" {
		return ErrEmptyKind
	}
	if item == nil {
		return fmt.Errorf("register %s: %w", k, ErrNilWorkItem)
	}
	for _, p := range desc.Accepts {
		if !doublestar.ValidatePattern(strings.ToLower(p)) {
			return fmt.Errorf("register %s: %q: %w", k, p, ErrBadPattern)
		}
	}
	desc.Kind = k
	desc.Accepts = append([]string(nil), desc.Accepts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[k]; ok {
		return fmt.Errorf("register %s: %w", k, ErrDuplicateKind)
	}
	r.entries[k] = entry{item: item, desc: desc}
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(kind string, item WorkItem, desc Descriptor) {
	if err := r.Register(kind, item, desc); err != nil {
		panic(err)
	}
}

// Lookup returns the implementation for kind.
func (r *Registry) Lookup(kind string) (WorkItem, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	e, ok := r.entries[NormalizeKind(kind)]
	r.mu.RUnlock()
	return e.item, ok
}

// Kinds returns every registered kind, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Describe returns descriptors for every kind, sorted by kind.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Accepting returns descriptors whose patterns match the base name of input.
// A descriptor with no patterns accepts everything.
func (r *Registry) Accepting(input string) []Descriptor {
	base := strings.ToLower(path.Base(strings.ReplaceAll(input, `\`, "/")))
	var out []Descriptor
	for _, d := range r.Describe() {
		if len(d.Accepts) == 0 {
			out = append(out, d)
			continue
		}
		for _, p := range d.Accepts {
			if ok, _ := doublestar.Match(strings.ToLower(p), base); ok {
				out = append(out, d)
				break
			}
		}
	}
	return out
}
