package mediastate

import (
	"errors"
	"fmt"
)

// ErrInvalidState is wrapped by every validator failure. State corruption
// is never silently repaired; the in-progress refresh aborts and the
// previous active state stands.
var ErrInvalidState = errors.New("invalid media state")

// Validate checks the structural invariants of a media state:
//
//   - the session vector and topology have the same length
//   - every non-nil session's StreamNum equals its slot
//   - no two non-removed streams share a name
//   - no two sessions share a non-empty label
//   - every type default points at a non-removed slot of that type
func (ms *MediaState) Validate() error {
	if ms.Topology == nil {
		return fmt.Errorf("%w: no topology", ErrInvalidState)
	}
	if len(ms.Sessions) != ms.Topology.Count() {
		return fmt.Errorf("%w: %d sessions for %d streams",
			ErrInvalidState, len(ms.Sessions), ms.Topology.Count())
	}

	names := make(map[string]int)
	labels := make(map[string]int)
	for i := 0; i < ms.Topology.Count(); i++ {
		st := ms.Topology.Get(i)
		if !st.Removed() {
			if prev, dup := names[st.Name]; dup {
				return fmt.Errorf("%w: stream name %q at slots %d and %d",
					ErrInvalidState, st.Name, prev, i)
			}
			names[st.Name] = i
		}

		sm := ms.Sessions[i]
		if sm == nil {
			continue
		}
		if sm.StreamNum != i {
			return fmt.Errorf("%w: session at slot %d has stream_num %d",
				ErrInvalidState, i, sm.StreamNum)
		}
		if sm.Label != "" {
			if prev, dup := labels[sm.Label]; dup {
				return fmt.Errorf("%w: label %q at slots %d and %d",
					ErrInvalidState, sm.Label, prev, i)
			}
			labels[sm.Label] = i
		}
	}

	for typ, sm := range ms.defaults {
		if sm == nil {
			continue
		}
		st := ms.Topology.Get(sm.StreamNum)
		if st == nil || st.Removed() || st.Type != typ {
			return fmt.Errorf("%w: default %s session points at slot %d (%s)",
				ErrInvalidState, typ, sm.StreamNum, st)
		}
	}
	return nil
}
