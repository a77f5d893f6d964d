package mediastate

import (
	"github.com/flowpbx/negotiator/internal/stream"
)

// MediaState is the unit of negotiation: a topology plus a parallel vector
// of per-slot sessions and a per-type default-session lookup. A call holds
// exactly two at a time — the active state (currently negotiated) and the
// pending state (candidate under negotiation). On success pending becomes
// active; on failure pending is discarded and active stands.
type MediaState struct {
	// Topology is the stream topology, nil after Reset.
	Topology *stream.Topology

	// Sessions parallels the topology: Sessions[i] is the media session for
	// slot i, or nil when the slot has no binding yet.
	Sessions []*SessionMedia

	defaults map[stream.Type]*SessionMedia
}

// New returns an empty media state with a zero-stream topology.
func New() *MediaState {
	return &MediaState{
		Topology: stream.NewTopology(),
		defaults: make(map[stream.Type]*SessionMedia),
	}
}

// FromTopology returns a media state over a clone of the given topology,
// with an unbound session vector of matching length.
func FromTopology(t *stream.Topology) *MediaState {
	ms := &MediaState{
		Topology: t.Clone(),
		defaults: make(map[stream.Type]*SessionMedia),
	}
	ms.growSessions(ms.Topology.Count())
	return ms
}

// Reset clears the state without destroying the container: sessions are
// released, default pointers cleared, and the topology dropped. Used when a
// speculative pending state is abandoned.
func (ms *MediaState) Reset() {
	// Sessions may still be shared with the active state, so they are
	// detached rather than closed; the media layer owns transport teardown.
	ms.Sessions = nil
	ms.defaults = make(map[stream.Type]*SessionMedia)
	ms.Topology = nil
}

// Clone copies the state: the topology is deep-copied, sessions are shared
// (the clone holds the same SessionMedia pointers so transports survive),
// and per-type defaults are recomputed against the cloned topology.
func (ms *MediaState) Clone() *MediaState {
	c := &MediaState{
		defaults: make(map[stream.Type]*SessionMedia),
	}
	if ms.Topology != nil {
		c.Topology = ms.Topology.Clone()
	}
	if ms.Sessions != nil {
		c.Sessions = make([]*SessionMedia, len(ms.Sessions))
		copy(c.Sessions, ms.Sessions)
	}
	if c.Topology != nil {
		c.growSessions(c.Topology.Count())
	}
	c.refreshDefaults()
	return c
}

// Session returns the session at slot, or nil.
func (ms *MediaState) Session(slot int) *SessionMedia {
	if slot < 0 || slot >= len(ms.Sessions) {
		return nil
	}
	return ms.Sessions[slot]
}

// Default returns the default session for a media type: the session of the
// first non-removed stream of that type, or nil.
func (ms *MediaState) Default(typ stream.Type) *SessionMedia {
	return ms.defaults[typ]
}

// AddOrReuse returns the session for a slot, creating or reusing as needed:
//
//  1. A session already present at the slot with a matching type is
//     returned unchanged.
//  2. Otherwise, if the active state has a matching-type session at the
//     slot, it is reused so the RTP instance survives the renegotiation;
//     if bundling is on and the slot was previously un-bundled, a mid is
//     assigned now.
//  3. Otherwise a new session is allocated under the bundle policy.
//
// The session is stored at the slot and becomes the type default if the
// slot is non-removed and no default exists yet.
func (ms *MediaState) AddOrReuse(active *MediaState, typ stream.Type, slot int, bundle bool) *SessionMedia {
	if sm := ms.Session(slot); sm != nil && sm.Type == typ {
		return sm
	}

	var sm *SessionMedia
	if active != nil {
		if existing := active.Session(slot); existing != nil && existing.Type == typ {
			sm = existing
			if bundle && sm.MID == "" {
				sm.MID = generateMID()
			}
		}
	}
	if sm == nil {
		sm = newSessionMedia(typ, slot, bundle)
	}

	ms.growSessions(slot + 1)
	sm.StreamNum = slot
	ms.Sessions[slot] = sm

	if st := ms.Topology.Get(slot); st != nil && !st.Removed() {
		if _, ok := ms.defaults[typ]; !ok {
			ms.defaults[typ] = sm
		}
	}
	return sm
}

// RefreshDefaults recomputes the per-type default sessions by scanning the
// topology front to back for the first non-removed stream of each type.
func (ms *MediaState) RefreshDefaults() {
	ms.refreshDefaults()
}

func (ms *MediaState) refreshDefaults() {
	ms.defaults = make(map[stream.Type]*SessionMedia)
	if ms.Topology == nil {
		return
	}
	for i := 0; i < ms.Topology.Count(); i++ {
		st := ms.Topology.Get(i)
		if st.Removed() {
			continue
		}
		if _, ok := ms.defaults[st.Type]; ok {
			continue
		}
		if sm := ms.Session(i); sm != nil {
			ms.defaults[st.Type] = sm
		}
	}
}

// growSessions extends the session vector to at least n entries.
func (ms *MediaState) growSessions(n int) {
	for len(ms.Sessions) < n {
		ms.Sessions = append(ms.Sessions, nil)
	}
}
