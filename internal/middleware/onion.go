package middleware

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
)

// Handler performs one exchange for a payload. The innermost handler talks
// to the provider; every middleware wraps the handler inside it.
type Handler func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error)

// Middleware intercepts payloads on the way to the provider and replies on
// the way back.
type Middleware interface {
	Wrap(next Handler) Handler
}

// Func adapts a plain function to Middleware
type Func func(next Handler) Handler

// Wrap calls f(next)
func (f Func) Wrap(next Handler) Handler {
	return f(next)
}

var (
	// ErrNotFound is returned when a named middleware is not in the onion
	ErrNotFound = fmt.Errorf("%w: middleware not found", rpcerr.ErrConfiguration)

	// ErrDuplicate is returned when adding a name that is already present
	ErrDuplicate = fmt.Errorf("%w: middleware already exists", rpcerr.ErrConfiguration)
)

type positionKind int

const (
	outermost positionKind = iota
	innermost
	before
	after
)

// Position says where Add inserts a middleware
type Position struct {
	kind   positionKind
	anchor string
}

// Outermost places the middleware closest to the caller
func Outermost() Position { return Position{kind: outermost} }

// Innermost places the middleware closest to the provider
func Innermost() Position { return Position{kind: innermost} }

// Before places the middleware immediately outside name
func Before(name string) Position { return Position{kind: before, anchor: name} }

// After places the middleware immediately inside name
func After(name string) Position { return Position{kind: after, anchor: name} }

func (p Position) String() string {
	switch p.kind {
	case outermost:
		return "outermost"
	case innermost:
		return "innermost"
	case before:
		return "before " + p.anchor
	case after:
		return "after " + p.anchor
	default:
		return "unknown"
	}
}

// Named pairs a middleware with its onion key
type Named struct {
	Name       string
	Middleware Middleware
}

// Onion is an ordered, named set of middleware, outermost first.
// Mutations are serialized and publish a new snapshot, so Wrap always
// composes from one consistent order.
type Onion struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]Named]
}

// NewOnion creates an onion holding entries in the given order, outermost first
func NewOnion(entries ...Named) (*Onion, error) {
	o := &Onion{}
	empty := []Named{}
	o.snapshot.Store(&empty)
	for _, e := range entries {
		if err := o.Add(e.Name, e.Middleware, Innermost()); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Onion) load() []Named {
	if s := o.snapshot.Load(); s != nil {
		return *s
	}
	return nil
}

func indexOf(entries []Named, name string) int {
	for i, e := range entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Add inserts mw under name at pos
func (o *Onion) Add(name string, mw Middleware, pos Position) error {
	if name == "" {
		return rpcerr.Configurationf("middleware name is required")
	}
	if mw == nil {
		return rpcerr.Configurationf("middleware %q is nil", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cur := o.load()
	if indexOf(cur, name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}

	var at int
	switch pos.kind {
	case outermost:
		at = 0
	case innermost:
		at = len(cur)
	case before, after:
		at = indexOf(cur, pos.anchor)
		if at < 0 {
			return fmt.Errorf("%w: %q (position %s)", ErrNotFound, pos.anchor, pos)
		}
		if pos.kind == after {
			at++
		}
	default:
		return rpcerr.Configurationf("invalid position for %q", name)
	}

	next := make([]Named, 0, len(cur)+1)
	next = append(next, cur[:at]...)
	next = append(next, Named{Name: name, Middleware: mw})
	next = append(next, cur[at:]...)
	o.snapshot.Store(&next)
	return nil
}

// Remove deletes the middleware stored under name
func (o *Onion) Remove(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := o.load()
	i := indexOf(cur, name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	next := make([]Named, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	o.snapshot.Store(&next)
	return nil
}

// Replace swaps the middleware stored under name, keeping its position
func (o *Onion) Replace(name string, mw Middleware) error {
	if mw == nil {
		return rpcerr.Configurationf("middleware %q is nil", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cur := o.load()
	i := indexOf(cur, name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	next := make([]Named, len(cur))
	copy(next, cur)
	next[i] = Named{Name: name, Middleware: mw}
	o.snapshot.Store(&next)
	return nil
}

// Get returns the middleware stored under name
func (o *Onion) Get(name string) (Middleware, error) {
	cur := o.load()
	i := indexOf(cur, name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return cur[i].Middleware, nil
}

// Names returns the middleware names, outermost first
func (o *Onion) Names() []string {
	cur := o.load()
	names := make([]string, len(cur))
	for i, e := range cur {
		names[i] = e.Name
	}
	return names
}

// Middleware returns the entries, outermost first
func (o *Onion) Middleware() []Named {
	cur := o.load()
	out := make([]Named, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of middleware
func (o *Onion) Len() int {
	return len(o.load())
}

// Clear removes every middleware
func (o *Onion) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	empty := []Named{}
	o.snapshot.Store(&empty)
}

// Wrap composes the current middleware around terminal. The outermost
// middleware receives the payload first.
func (o *Onion) Wrap(terminal Handler) Handler {
	cur := o.load()
	h := terminal
	for i := len(cur) - 1; i >= 0; i-- {
		h = cur[i].Middleware.Wrap(h)
	}
	return h
}
