package mediastate

import (
	"errors"
	"fmt"

	"github.com/flowpbx/negotiator/internal/stream"
)

// Resolver errors. Both indicate corrupted input state rather than a
// transient condition; the caller must abandon the merge.
var (
	// ErrActiveWithoutPending means a delayed request's active snapshot has
	// a stream at a slot its pending snapshot lacks. An active description
	// can only come from a pending description that contained the stream,
	// so the snapshots are inconsistent.
	ErrActiveWithoutPending = errors.New("active stream has no pending counterpart")

	// ErrRemoveNonexistent means a delayed request asks to remove a stream
	// that was never active.
	ErrRemoveNonexistent = errors.New("cannot remove stream that was never active")
)

// Resolve merges a delayed negotiation request against the live state.
//
// A refresh queued behind an outstanding transaction captures the media
// states as they were at queue time (delayedPending: what was requested,
// delayedActive: what was active then). By the time the request is
// processed, other refreshes may have completed and currentActive can
// differ from delayedActive. Replacing the live state wholesale with the
// stale request would silently discard those interim changes, so Resolve
// performs a three-way merge instead:
//
//   - the result is structurally based on currentActive, preserving the
//     slot order the peer has already seen
//   - changes requested by the delayed request are applied where the live
//     state still matches what the request was based on
//   - where the live state has moved since queue time, the live value wins
//     (last-committed-wins; a stale request never stomps a newer change)
//   - streams added by the delayed request reuse removed slots where
//     possible, else append
//
// If a stream the request adds is already present by name in the live
// state, it is treated as already applied and its content is not compared.
// This mirrors the historical behavior and can mask a second concurrent
// add under the same name with different content.
//
// Resolve is deterministic: identical inputs yield structurally equal
// outputs. The returned state is validated before being returned.
func Resolve(delayedPending, delayedActive, currentActive *MediaState) (*MediaState, error) {
	newPending := currentActive.Clone()

	maxLen := delayedPending.Topology.Count()
	if n := delayedActive.Topology.Count(); n > maxLen {
		maxLen = n
	}
	if n := currentActive.Topology.Count(); n > maxLen {
		maxLen = n
	}

	for i := 0; i < maxLen; i++ {
		dp := delayedPending.Topology.Get(i)
		da := delayedActive.Topology.Get(i)
		np := newPending.Topology.Get(i)

		if dp == nil && da == nil && np == nil {
			break
		}
		if dp == nil {
			if da != nil {
				return nil, fmt.Errorf("slot %d (%s): %w", i, da.Name, ErrActiveWithoutPending)
			}
			// Nothing requested at this slot; the live stream copied from
			// currentActive stands as-is.
			continue
		}

		if da != nil && np != nil && dp.Name == da.Name && dp.Name == np.Name {
			// Same stream in the same slot everywhere.
			switch {
			case dp.State == da.State && da.State == np.State:
				// No change requested, none happened.
			case da.State != np.State:
				// The live state moved since the request was queued; keep it.
			default:
				// Live state is as the request expected; apply the change.
				np.State = dp.State
			}
			continue
		}

		// The stream moved, was added, or its slot was reused. Fall back to
		// matching by name.
		foundNP := newPending.Topology.FindByName(dp.Name)
		foundDA := delayedActive.Topology.FindByName(dp.Name)

		if foundDA == -1 {
			// Not a modification: the request adds this stream.
			if foundNP != -1 {
				// Already present live (added concurrently); nothing to do.
				continue
			}
			if dp.Removed() {
				return nil, fmt.Errorf("slot %d (%s): %w", i, dp.Name, ErrRemoveNonexistent)
			}
			addStream(newPending, dp)
			continue
		}

		// A modification of a stream that was active at queue time.
		if foundNP == -1 {
			// The stream has since vanished from the live state entirely;
			// treat it like any other interim change and defer to live.
			continue
		}
		daState := delayedActive.Topology.Get(foundDA).State
		live := newPending.Topology.Get(foundNP)
		switch {
		case dp.State == daState && live.State == daState:
			// No change requested, none happened.
		case live.State != daState:
			// Live state moved since queue time; keep it.
		default:
			live.State = dp.State
		}
	}

	newPending.growSessions(newPending.Topology.Count())
	newPending.refreshDefaults()
	if err := newPending.Validate(); err != nil {
		return nil, fmt.Errorf("resolving refresh states: %w", err)
	}
	return newPending, nil
}

// addStream inserts a copy of st into ms, reusing the first removed slot if
// one exists (discarding that slot's session binding), else appending.
func addStream(ms *MediaState, st *stream.Stream) {
	cp := st.Clone()
	if slot := ms.Topology.FirstRemoved(); slot != -1 {
		// Set on an existing slot cannot fail.
		_ = ms.Topology.Set(slot, cp)
		ms.Sessions[slot] = nil
		return
	}
	slot := ms.Topology.Append(cp)
	ms.growSessions(slot + 1)
	ms.Sessions[slot] = nil
}
