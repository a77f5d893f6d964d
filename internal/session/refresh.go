package session

import (
	"context"
	"fmt"

	"github.com/flowpbx/negotiator/internal/codec"
	"github.com/flowpbx/negotiator/internal/history"
	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/sdp"
	"github.com/flowpbx/negotiator/internal/stream"
)

// Refresh asks the session to renegotiate its media. pendingOverride, when
// non-nil, is the desired media state; with a nil override the current
// active state is re-offered (after pruning, which normally suppresses it
// as a no-op). The request may be sent immediately, queued behind an
// outstanding transaction, or suppressed with ErrNoOp when it would not
// change anything on the wire.
func (s *Session) Refresh(method Method, pendingOverride *mediastate.MediaState) error {
	var snapshot *mediastate.MediaState
	var err error
	if !s.run(func() {
		if s.active != nil {
			snapshot = s.active.Clone()
		}
		err = s.refreshLocked(method, true, pendingOverride, snapshot, false)
	}) {
		return ErrTerminated
	}
	return err
}

// Hangup sends a BYE, or queues one at the head of the delayed queue if a
// transaction is outstanding. Once queued, no further renegotiation is
// dequeued ahead of it.
func (s *Session) Hangup() error {
	var err error
	if !s.run(func() {
		if s.disconnected {
			return
		}
		if s.inviteOutstanding {
			s.queue.push(&delayedRequest{method: MethodBye})
			return
		}
		err = s.sendByeLocked()
	}) {
		return ErrTerminated
	}
	return err
}

func (s *Session) sendByeLocked() error {
	err := s.opts.Transport.Send(context.Background(), s.opts.CallID, &Message{Method: MethodBye})
	if err != nil {
		return fmt.Errorf("sending BYE: %w", err)
	}
	s.terminateLocked()
	return nil
}

// refreshLocked is the refresh decision sequence. It runs on the
// serializer. isRequeue marks attempts driven from the delayed queue;
// those never queue behind other queued requests (they are the queue) and
// re-block to the queue head to preserve FIFO order.
func (s *Session) refreshLocked(method Method, generateSDP bool, pendingOverride, activeSnapshot *mediastate.MediaState, isRequeue bool) error {
	if method == MethodBye {
		return s.sendByeLocked()
	}
	if !generateSDP {
		return ErrNothingToRefresh
	}
	if pendingOverride != nil && pendingOverride.Topology == nil {
		return ErrNothingToRefresh
	}
	if s.disconnected {
		return nil
	}

	blocked := !s.dialogEstablished ||
		s.inviteOutstanding ||
		(method == MethodInvite && !s.confirmed) ||
		!s.sdpDone
	if blocked {
		s.queueRequest(method, pendingOverride, activeSnapshot, isRequeue)
		return nil
	}

	// A fresh request never jumps ahead of older queued ones; the far end
	// would otherwise observe reordered offers.
	if pendingOverride != nil && s.queue.len() > 0 && !isRequeue {
		s.queueRequest(method, pendingOverride, activeSnapshot, false)
		return nil
	}

	resolved, err := s.resolveStates(pendingOverride, activeSnapshot)
	if err != nil {
		s.resetPending()
		return err
	}

	s.prune(resolved)

	if s.active != nil && s.active.Topology != nil && resolved.Topology.Equal(s.active.Topology) {
		s.stats.suppressed.Add(1)
		s.record(history.KindRefreshSuppress, string(method), resolved.Topology.Count())
		s.logger.Debug("refresh suppressed, topology unchanged")
		return ErrNoOp
	}

	return s.sendRefresh(method, resolved)
}

// queueRequest parks a delayed request carrying snapshots of the desired
// and active states at queue time.
func (s *Session) queueRequest(method Method, pendingOverride, activeSnapshot *mediastate.MediaState, isRequeue bool) {
	req := &delayedRequest{
		method:  method,
		pending: pendingOverride,
		active:  activeSnapshot,
	}
	if req.active == nil && s.active != nil {
		req.active = s.active.Clone()
	}
	if isRequeue {
		s.queue.pushFront(req)
	} else {
		s.queue.push(req)
	}
	s.stats.queued.Add(1)
	s.record(history.KindRefreshQueued, string(method), 0)
	s.logger.Debug("refresh queued",
		"method", method,
		"queue_len", s.queue.len(),
		"dialog_established", s.dialogEstablished,
		"invite_outstanding", s.inviteOutstanding,
	)
}

// resolveStates produces the candidate pending state, three-way merging a
// delayed request against the live state where the snapshots allow it.
func (s *Session) resolveStates(pendingOverride, activeSnapshot *mediastate.MediaState) (*mediastate.MediaState, error) {
	mergeable := pendingOverride != nil &&
		activeSnapshot != nil && activeSnapshot.Topology != nil &&
		s.active != nil && s.active.Topology != nil &&
		trackCompatible(activeSnapshot, s.active)

	if mergeable {
		resolved, err := mediastate.Resolve(pendingOverride, activeSnapshot, s.active)
		if err != nil {
			s.stats.resolveFailures.Add(1)
			s.record(history.KindResolveFailure, err.Error(), 0)
			return nil, fmt.Errorf("resolving delayed refresh: %w", err)
		}
		return resolved, nil
	}
	if pendingOverride != nil {
		return pendingOverride.Clone(), nil
	}
	return s.active.Clone(), nil
}

// trackCompatible reports whether two states describe the same kind of
// call. Switching between an image-only (fax) session and a normal one
// replaces the topology wholesale instead of merging.
func trackCompatible(a, b *mediastate.MediaState) bool {
	return imageOnly(a.Topology) == imageOnly(b.Topology)
}

func imageOnly(t *stream.Topology) bool {
	if t == nil {
		return false
	}
	live := 0
	for i := 0; i < t.Count(); i++ {
		st := t.Get(i)
		if st.Removed() {
			continue
		}
		live++
		if st.Type != stream.TypeImage {
			return false
		}
	}
	return live > 0
}

// prune trims the resolved pending topology before SDP generation. This is
// the only path allowed to truly delete slots: nothing has been put on the
// wire under this attempt's numbering yet.
func (s *Session) prune(pending *mediastate.MediaState) {
	var activeTopo *stream.Topology
	if s.active != nil {
		activeTopo = s.active.Topology
	}

	counts := make(map[stream.Type]int)
	slot := 0
	for slot < pending.Topology.Count() {
		st := pending.Topology.Get(slot)
		var act *stream.Stream
		if activeTopo != nil {
			act = activeTopo.Get(slot)
		}

		// Over the per-type stream budget: the slot goes away entirely.
		if !st.Removed() && s.opts.StreamLimit != nil &&
			counts[st.Type] >= s.opts.StreamLimit(st.Type) {
			deleteSlot(pending, slot)
			continue
		}

		// A removed stream with no active counterpart at this position was
		// never seen by the peer; dropping it keeps the offer minimal.
		if st.Removed() && act == nil {
			deleteSlot(pending, slot)
			continue
		}

		if !st.Removed() && s.opts.LocalFormats != nil {
			joint := codec.Joint(st.Formats, s.opts.LocalFormats[st.Type], s.opts.Policy)
			switch {
			case len(joint) > 0:
				st.Formats = joint
			case act == nil:
				deleteSlot(pending, slot)
				continue
			case act.Name == st.Name && act.State == st.State:
				// No common codec but the stream is unchanged: hold on to
				// the previously negotiated formats instead of offering an
				// empty set.
				st.Formats = act.Formats.Clone()
			default:
				// Slot alignment must survive, so the stream is declined
				// rather than dropped.
				st.State = stream.StateRemoved
			}
		}

		if !st.Removed() {
			counts[st.Type]++
		}
		slot++
	}

	// The offer must never be shorter than the active description; missing
	// trailing slots are declined, not dropped.
	if activeTopo != nil {
		for pending.Topology.Count() < activeTopo.Count() {
			cp := activeTopo.Get(pending.Topology.Count()).Clone()
			cp.State = stream.StateRemoved
			pending.Topology.Append(cp)
			pending.Sessions = append(pending.Sessions, nil)
		}
	}

	renumber(pending)
	pending.RefreshDefaults()
}

func deleteSlot(ms *mediastate.MediaState, slot int) {
	_ = ms.Topology.Delete(slot)
	if slot < len(ms.Sessions) {
		ms.Sessions = append(ms.Sessions[:slot], ms.Sessions[slot+1:]...)
	}
}

func renumber(ms *mediastate.MediaState) {
	for i, sm := range ms.Sessions {
		if sm != nil {
			sm.StreamNum = i
		}
	}
}

// sendRefresh commits the resolved state as the new pending state and puts
// the offer on the wire.
func (s *Session) sendRefresh(method Method, resolved *mediastate.MediaState) error {
	s.pending = resolved

	if err := s.bindTransports(resolved); err != nil {
		s.resetPending()
		return err
	}

	desc, err := s.generator.Generate(resolved, s.ports(resolved))
	if err != nil {
		s.resetPending()
		return fmt.Errorf("generating offer: %w", err)
	}
	body, err := desc.Marshal()
	if err != nil {
		s.resetPending()
		return fmt.Errorf("marshaling offer: %w", err)
	}

	msg := &Message{Method: method, Body: body}
	if s.opts.PreSend != nil {
		s.opts.PreSend(msg)
	}
	if err := s.opts.Transport.Send(context.Background(), s.opts.CallID, msg); err != nil {
		s.resetPending()
		return fmt.Errorf("sending %s: %w", method, err)
	}

	if method == MethodInvite {
		s.inviteOutstanding = true
	}
	s.sdpDone = false
	s.stats.sent.Add(1)
	s.record(history.KindOfferSent, string(method), resolved.Topology.Count())
	s.logger.Info("refresh sent", "method", method, "streams", resolved.Topology.Count())
	return nil
}

// bindTransports makes sure every non-removed slot has a session binding
// with a live media transport, reusing bindings from the active state so
// RTP instances survive renegotiation.
func (s *Session) bindTransports(ms *mediastate.MediaState) error {
	for slot := 0; slot < ms.Topology.Count(); slot++ {
		st := ms.Topology.Get(slot)
		if st.Removed() {
			continue
		}
		sm := ms.AddOrReuse(s.active, st.Type, slot, s.opts.BundleEnabled)
		if sm.Transport == nil && s.opts.Media != nil {
			tr, err := s.opts.Media.NewTransport()
			if err != nil {
				return fmt.Errorf("binding media for slot %d (%s): %w", slot, st.Name, err)
			}
			sm.Transport = tr
		}
	}
	ms.RefreshDefaults()
	return nil
}

// ports adapts a media state's transports to the SDP generator's port
// lookup. Slots without a transport advertise port 0.
func (s *Session) ports(ms *mediastate.MediaState) sdp.PortLookup {
	return func(slot int) int {
		sm := ms.Session(slot)
		if sm == nil || sm.Transport == nil {
			return 0
		}
		if p, ok := sm.Transport.(portProvider); ok {
			return p.LocalPort()
		}
		return 0
	}
}

func (s *Session) resetPending() {
	if s.pending == nil {
		return
	}
	s.pending.Reset()
	s.pending = nil
}
