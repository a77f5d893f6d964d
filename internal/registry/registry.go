// Package registry holds the process-wide list of stream-type handlers.
// The registry is built once at startup, injected into the components that
// dispatch streams, and safe for concurrent lookup with rare registration.
package registry

import (
	"sync"

	"github.com/flowpbx/negotiator/internal/stream"
)

// Verdict is a handler's answer when offered a stream.
type Verdict int

const (
	// Decline passes the stream to the next handler in the chain.
	Decline Verdict = iota
	// Accept claims the stream; later offers for the same slot go only to
	// this handler until the slot is released.
	Accept
	// AcceptDefer claims the stream but needs asynchronous work before the
	// offer can be answered; the caller must hold the request and resume
	// once the handler signals completion.
	AcceptDefer
)

// Handler owns the negotiation of streams of a particular type.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string

	// Claim examines a stream being offered and returns a verdict.
	Claim(st *stream.Stream) Verdict
}

// Registry maps stream types to their ordered handler chains.
type Registry struct {
	mu       sync.RWMutex
	handlers map[stream.Type][]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[stream.Type][]Handler)}
}

// Register appends a handler to the chain for a stream type. Registration
// order is dispatch order.
func (r *Registry) Register(typ stream.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = append(r.handlers[typ], h)
}

// Handlers returns the handler chain for a stream type in registration
// order. The returned slice is a copy.
func (r *Registry) Handlers(typ stream.Type) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.handlers[typ]
	out := make([]Handler, len(chain))
	copy(out, chain)
	return out
}

// Ownership tracks which handler owns each stream slot for one session.
// Not safe for concurrent use; it lives on the session serializer.
type Ownership struct {
	owners map[int]Handler
}

// NewOwnership returns an empty per-session ownership table.
func NewOwnership() *Ownership {
	return &Ownership{owners: make(map[int]Handler)}
}

// Owner returns the handler owning a slot, or nil.
func (o *Ownership) Owner(slot int) Handler {
	return o.owners[slot]
}

// Dispatch offers a stream to its owner, or walks the registry chain until
// a handler claims it. The first handler not declining becomes the slot's
// exclusive owner; its verdict is returned. If every handler declines the
// result is (nil, Decline).
func (o *Ownership) Dispatch(reg *Registry, slot int, st *stream.Stream) (Handler, Verdict) {
	if owner := o.owners[slot]; owner != nil {
		return owner, owner.Claim(st)
	}
	for _, h := range reg.Handlers(st.Type) {
		v := h.Claim(st)
		if v == Decline {
			continue
		}
		o.owners[slot] = h
		return h, v
	}
	return nil, Decline
}

// Release drops a slot's exclusive owner so the next dispatch walks the
// full chain again.
func (o *Ownership) Release(slot int) {
	delete(o.owners, slot)
}
