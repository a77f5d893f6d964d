// Package mediastate pairs a stream topology with per-slot media sessions
// and implements the three-way merge that reconciles a delayed negotiation
// request against whatever has become active in the meantime.
package mediastate

import (
	"strings"

	"github.com/google/uuid"

	"github.com/flowpbx/negotiator/internal/stream"
)

// Transport is the runtime media binding for a stream slot: an RTP
// instance, crypto context, and whatever else the media layer attaches.
// The negotiation core treats it as opaque and only closes it when the
// last media state holding it is discarded.
type Transport interface {
	Close() error
}

// SessionMedia binds one stream slot to its transport runtime. A session
// survives renegotiation whenever the stream at its slot does: media states
// share SessionMedia pointers across clone boundaries so the RTP instance
// (sockets, crypto) is never recreated for a surviving stream.
type SessionMedia struct {
	// Type is the media type of the slot.
	Type stream.Type

	// StreamNum is the slot index. It must equal the session's position in
	// the owning media state's session vector.
	StreamNum int

	// MID is the bundle media identifier, or "" when unassigned.
	MID string

	// BundleGroup is the positional bundle group index, -1 when not
	// bundled. Group numbers identify grouping only within a single
	// negotiation pass, never across separate SDP exchanges.
	BundleGroup int

	// Bundled reports whether the slot is part of any bundle group.
	Bundled bool

	// Label and RemoteLabel carry grouping hints from the far end.
	Label       string
	RemoteLabel string

	// Transport is the media runtime bound to this slot, if any.
	Transport Transport
}

// newSessionMedia allocates a session for a slot, assigning a fresh mid
// when bundling is requested.
func newSessionMedia(typ stream.Type, slot int, bundle bool) *SessionMedia {
	sm := &SessionMedia{
		Type:        typ,
		StreamNum:   slot,
		BundleGroup: -1,
	}
	if bundle {
		sm.MID = generateMID()
	}
	return sm
}

// generateMID produces a short unique media identifier for bundling.
func generateMID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
