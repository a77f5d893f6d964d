package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	pionsdp "github.com/pion/sdp/v3"

	"github.com/flowpbx/negotiator/internal/codec"
	"github.com/flowpbx/negotiator/internal/history"
	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/registry"
	"github.com/flowpbx/negotiator/internal/sdp"
	"github.com/flowpbx/negotiator/internal/stream"
)

// ErrMediaMismatch means a remote answer's media section count does not
// match the offer; the call must be torn down.
var ErrMediaMismatch = errors.New("answer media count does not match offer")

// Negotiation transaction states.
const (
	stateIdle             = "idle"
	stateInviteProceeding = "invite_proceeding"
	stateInviteTerminated = "invite_terminated"
	stateUpdateCompleted  = "update_completed"
	stateCollisionWait    = "collision_wait"
)

// State machine events, driven by transaction-layer notifications.
const (
	evProceeding  = "proceeding"
	evTerminated  = "terminated"
	evUpdateDone  = "update_done"
	evCollision   = "collision"
	evBackoffDone = "backoff_done"
)

// newNegotiationMachine builds the transaction-lifecycle state machine.
// Entering a state dequeues delayed requests per its rules; the callbacks
// run on the serializer because events are only ever fired from it.
func newNegotiationMachine(s *Session) *fsm.FSM {
	return fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: evProceeding, Src: []string{stateIdle, stateInviteTerminated, stateUpdateCompleted, stateCollisionWait}, Dst: stateInviteProceeding},
			{Name: evTerminated, Src: []string{stateIdle, stateInviteProceeding, stateUpdateCompleted}, Dst: stateInviteTerminated},
			{Name: evUpdateDone, Src: []string{stateIdle, stateInviteProceeding, stateInviteTerminated, stateUpdateCompleted}, Dst: stateUpdateCompleted},
			{Name: evCollision, Src: []string{stateIdle, stateInviteProceeding, stateInviteTerminated, stateUpdateCompleted}, Dst: stateCollisionWait},
			{Name: evBackoffDone, Src: []string{stateCollisionWait}, Dst: stateInviteTerminated},
		},
		fsm.Callbacks{
			"enter_" + stateInviteProceeding: func(_ context.Context, _ *fsm.Event) {
				s.dequeueOneUpdate()
			},
			"enter_" + stateInviteTerminated: func(_ context.Context, _ *fsm.Event) {
				s.drainQueue()
			},
			"enter_" + stateUpdateCompleted: func(_ context.Context, _ *fsm.Event) {
				s.drainQueue()
			},
		},
	)
}

// fireEvent drives the machine, treating invalid transitions as stale
// notifications rather than errors.
func (s *Session) fireEvent(name string) {
	if err := s.machine.Event(context.Background(), name); err != nil {
		s.logger.Debug("state machine event ignored",
			"event", name, "state", s.machine.Current(), "error", err)
	}
}

// State returns the current negotiation transaction state.
func (s *Session) State() string {
	var st string
	s.run(func() { st = s.machine.Current() })
	return st
}

// OnInviteProceeding is called by the transport when an INVITE transaction
// reports a provisional response.
func (s *Session) OnInviteProceeding() {
	s.run(func() { s.fireEvent(evProceeding) })
}

// OnInviteTerminated is called by the transport when an INVITE transaction
// fully terminates.
func (s *Session) OnInviteTerminated() {
	s.run(func() {
		s.inviteOutstanding = false
		s.fireEvent(evTerminated)
	})
}

// OnUpdateCompleted is called by the transport when an UPDATE transaction
// completes.
func (s *Session) OnUpdateCompleted() {
	s.run(func() { s.fireEvent(evUpdateDone) })
}

// OnOfferRejected is called by the transport when an outgoing refresh is
// answered with a non-491 failure response. The rejected offer is
// abandoned; negotiation stands at the previous answer.
func (s *Session) OnOfferRejected() {
	s.run(func() {
		s.resetPending()
		s.sdpDone = true
	})
}

// HandleCollision is called when an outgoing re-INVITE is answered with
// 491 Request Pending. The rejected offer is abandoned and a retry is
// queued carrying clones of the states at collision time; the backoff
// timer then re-drives the queue, merging the retry against whatever is
// active when it fires.
func (s *Session) HandleCollision() {
	s.run(func() {
		if s.disconnected {
			return
		}
		s.stats.collisions.Add(1)
		s.record(history.KindCollision, "", 0)
		s.inviteOutstanding = false

		retry := &delayedRequest{method: MethodInvite}
		if s.pending != nil {
			retry.pending = s.pending.Clone()
		}
		if s.active != nil {
			retry.active = s.active.Clone()
		}
		s.queue.push(retry)
		s.resetPending()
		// The rejected offer is dead; negotiation stands at the previous
		// answer.
		s.sdpDone = true

		backoff := s.collisionBackoff()
		s.collisionArmed = true
		s.fireEvent(evCollision)
		s.collisionTimer = time.AfterFunc(backoff, func() {
			s.run(func() {
				s.collisionArmed = false
				s.fireEvent(evBackoffDone)
			})
		})
		s.logger.Info("re-invite collision, retry queued", "backoff", backoff)
	})
}

// dequeueOneUpdate runs when an INVITE transaction starts proceeding:
// exactly one queued UPDATE may be attempted. INVITE-method requests wait
// for transaction termination; a queued BYE halts dequeuing outright.
func (s *Session) dequeueOneUpdate() {
	for i := 0; i < s.queue.len(); i++ {
		req := s.queue.at(i)
		if req.method == MethodBye {
			return
		}
		if req.method != MethodUpdate {
			continue
		}
		s.queue.removeAt(i)
		if err := s.refreshLocked(req.method, true, req.pending, req.active, true); err != nil && !errors.Is(err, ErrNoOp) {
			s.logger.Warn("delayed UPDATE failed", "error", err)
		}
		return
	}
}

// drainQueue runs when a transaction terminates: delayed requests go out
// in FIFO order, stopping at the first one actually sent. While the
// collision backoff timer runs, INVITE-method requests stay queued.
func (s *Session) drainQueue() {
	i := 0
	for i < s.queue.len() {
		req := s.queue.at(i)
		if req.method == MethodInvite && s.collisionArmed {
			i++
			continue
		}
		s.queue.removeAt(i)

		err := s.refreshLocked(req.method, true, req.pending, req.active, true)
		switch {
		case req.method == MethodBye:
			return
		case err == nil:
			// Sent, or re-blocked back onto the queue head; either way
			// this drain is done.
			return
		case errors.Is(err, ErrNoOp):
			// Nothing went on the wire; keep draining.
		default:
			s.logger.Warn("delayed request failed", "method", req.method, "error", err)
		}
	}
}

// HandleAnswer applies the remote answer to our outstanding offer and
// commits pending to active. A media-section count mismatch is fatal for
// the call; the transport tears it down on ErrMediaMismatch.
func (s *Session) HandleAnswer(body []byte) error {
	var err error
	if !s.run(func() { err = s.handleAnswerLocked(body) }) {
		return ErrTerminated
	}
	return err
}

func (s *Session) handleAnswerLocked(body []byte) error {
	if s.disconnected {
		return ErrTerminated
	}
	if s.pending == nil || s.pending.Topology == nil {
		// No offer of ours is outstanding; nothing to apply.
		s.sdpDone = true
		return nil
	}

	sd, err := sdp.Parse(body)
	if err != nil {
		return fmt.Errorf("parsing answer: %w", err)
	}
	remote, err := sdp.ParseTopology(sd)
	if err != nil {
		return fmt.Errorf("parsing answer topology: %w", err)
	}
	if remote.Count() != s.pending.Topology.Count() {
		return fmt.Errorf("answer has %d media sections, offer had %d: %w",
			remote.Count(), s.pending.Topology.Count(), ErrMediaMismatch)
	}

	connAddr := connectionAddress(sd)
	for slot := 0; slot < remote.Count(); slot++ {
		rst := remote.Get(slot)
		st := s.pending.Topology.Get(slot)

		if rst.Removed() {
			st.State = stream.StateRemoved
			continue
		}
		// Narrow to the formats the answer accepted.
		if len(rst.Formats) > 0 {
			st.Formats = rst.Formats.Clone()
		}

		sm := s.pending.Session(slot)
		if sm == nil {
			continue
		}
		sdp.SetMidAndGroup(sm, sd, sd.MediaDescriptions[slot], s.opts.BundleEnabled)
		if lbl := rst.Metavalue("label"); lbl != "" {
			sm.RemoteLabel = lbl
		}
		s.pointTransport(sm, connAddr, sd.MediaDescriptions[slot].MediaName.Port.Value)
	}

	s.commitPendingLocked()
	return nil
}

// HandleReinvite processes an incoming re-INVITE and returns the SDP
// answer to send. A nil body is an SDP-less re-INVITE, answered with the
// active state (hold directions lifted). While a deferred re-INVITE is
// held, a retransmission is reported as ErrRetransmission and any other
// re-INVITE as ErrRequestPending (answer 491).
func (s *Session) HandleReinvite(txKey string, body []byte) ([]byte, error) {
	var answer []byte
	var err error
	if !s.run(func() { answer, err = s.handleReinviteLocked(txKey, body) }) {
		return nil, ErrTerminated
	}
	return answer, err
}

func (s *Session) handleReinviteLocked(txKey string, body []byte) ([]byte, error) {
	if s.disconnected {
		return nil, ErrTerminated
	}
	if s.deferred != nil {
		if s.deferred.txKey == txKey {
			return nil, ErrRetransmission
		}
		return nil, ErrRequestPending
	}
	if len(body) == 0 {
		return s.sdplessAnswerLocked()
	}
	return s.answerOfferLocked(txKey, body)
}

// sdplessAnswerLocked answers an SDP-less re-INVITE with the active state.
// Held directions (recvonly/inactive) are lifted to sendrecv: some devices
// unhold this way, and mirroring the held direction would pin the stream
// on hold.
func (s *Session) sdplessAnswerLocked() ([]byte, error) {
	if s.active == nil || s.active.Topology == nil || s.active.Topology.Count() == 0 {
		return nil, ErrNothingToRefresh
	}
	if err := s.bindTransports(s.active); err != nil {
		return nil, err
	}
	desc, err := s.generator.Generate(s.active, s.ports(s.active))
	if err != nil {
		return nil, fmt.Errorf("generating sdp-less answer: %w", err)
	}
	sdp.FixupHoldDirections(desc)
	raw, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp-less answer: %w", err)
	}
	return raw, nil
}

// answerOfferLocked builds and commits the answer to an incoming offer.
// The answer keeps the offer's slot order exactly; anything unacceptable
// is declined (state removed, port 0), never dropped.
func (s *Session) answerOfferLocked(txKey string, body []byte) ([]byte, error) {
	sd, err := sdp.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing offer: %w", err)
	}
	remote, err := sdp.ParseTopology(sd)
	if err != nil {
		return nil, fmt.Errorf("parsing offer topology: %w", err)
	}

	pending := mediastate.FromTopology(remote)

	// First pass: decide each slot's fate before touching any resources,
	// so a handler deferral holds the request without side effects.
	counts := make(map[stream.Type]int)
	for slot := 0; slot < pending.Topology.Count(); slot++ {
		st := pending.Topology.Get(slot)
		var act *stream.Stream
		if s.active != nil && s.active.Topology != nil {
			act = s.active.Topology.Get(slot)
		}

		if act != nil {
			// A surviving slot keeps our name; the peer never sees it but
			// merges key off it.
			st.Name = act.Name
		} else if !st.Removed() && s.opts.Registry != nil {
			h, verdict := s.ownership.Dispatch(s.opts.Registry, slot, st)
			switch verdict {
			case registry.Decline:
				st.State = stream.StateRemoved
				continue
			case registry.AcceptDefer:
				s.deferred = &deferredReinvite{txKey: txKey, body: body}
				s.stats.deferredInvites.Add(1)
				s.record(history.KindDeferredReinvite, h.Name(), 0)
				s.logger.Info("re-invite deferred", "handler", h.Name(), "slot", slot)
				return nil, ErrDeferred
			}
		}
		if st.Removed() {
			continue
		}

		if s.opts.StreamLimit != nil && counts[st.Type] >= s.opts.StreamLimit(st.Type) {
			st.State = stream.StateRemoved
			continue
		}
		if s.opts.LocalFormats != nil {
			joint := codec.Joint(st.Formats, s.opts.LocalFormats[st.Type], s.opts.Policy)
			if len(joint) == 0 {
				st.State = stream.StateRemoved
				continue
			}
			st.Formats = joint
		}
		counts[st.Type]++
	}

	// Second pass: bind sessions, bundle grouping and transports.
	connAddr := connectionAddress(sd)
	for slot := 0; slot < pending.Topology.Count(); slot++ {
		st := pending.Topology.Get(slot)
		if st.Removed() {
			continue
		}
		sm := pending.AddOrReuse(s.active, st.Type, slot, s.opts.BundleEnabled)
		sdp.SetMidAndGroup(sm, sd, sd.MediaDescriptions[slot], s.opts.BundleEnabled)
		if lbl := st.Metavalue("label"); lbl != "" {
			sm.RemoteLabel = lbl
		}
		if sm.Transport == nil && s.opts.Media != nil {
			tr, err := s.opts.Media.NewTransport()
			if err != nil {
				return nil, fmt.Errorf("binding media for slot %d: %w", slot, err)
			}
			sm.Transport = tr
		}
		s.pointTransport(sm, connAddr, sd.MediaDescriptions[slot].MediaName.Port.Value)
	}
	pending.RefreshDefaults()

	answer, err := s.generator.Generate(pending, s.ports(pending))
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}
	raw, err := answer.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling answer: %w", err)
	}

	s.pending = pending
	s.commitPendingLocked()
	return raw, nil
}

// ResumeDeferred re-runs the held re-INVITE after the deferring handler
// signals completion, returning the answer to send.
func (s *Session) ResumeDeferred() ([]byte, error) {
	var answer []byte
	var err error
	if !s.run(func() {
		if s.deferred == nil {
			err = errors.New("no deferred re-invite to resume")
			return
		}
		d := s.deferred
		s.deferred = nil
		answer, err = s.answerOfferLocked(d.txKey, d.body)
	}) {
		return nil, ErrTerminated
	}
	return answer, err
}

// commitPendingLocked swaps pending to active, releases media transports
// no longer referenced, and notifies the topology-change observer.
func (s *Session) commitPendingLocked() {
	old := s.active
	changed := old == nil || old.Topology == nil || !old.Topology.Equal(s.pending.Topology)

	s.active = s.pending
	s.pending = nil
	s.sdpDone = true

	s.releaseOrphans(old, s.active)
	s.record(history.KindAnswerApplied, "", s.active.Topology.Count())

	if changed && s.opts.OnTopologyChanged != nil {
		s.opts.OnTopologyChanged(s.active.Topology.Clone())
	}
}

// releaseOrphans closes transports bound in old but absent from cur.
// Reused sessions are the same pointers in both vectors and stay open.
func (s *Session) releaseOrphans(old, cur *mediastate.MediaState) {
	if old == nil {
		return
	}
	kept := make(map[*mediastate.SessionMedia]bool)
	for _, sm := range cur.Sessions {
		if sm != nil {
			kept[sm] = true
		}
	}
	for _, sm := range old.Sessions {
		if sm == nil || kept[sm] || sm.Transport == nil {
			continue
		}
		if err := sm.Transport.Close(); err != nil {
			s.logger.Warn("closing orphaned media transport", "slot", sm.StreamNum, "error", err)
		}
		sm.Transport = nil
	}
}

// pointTransport aims a slot's transport at the peer address from an SDP
// body, when the transport supports it.
func (s *Session) pointTransport(sm *mediastate.SessionMedia, addr string, port int) {
	if sm.Transport == nil || addr == "" || port == 0 {
		return
	}
	rs, ok := sm.Transport.(remoteSetter)
	if !ok {
		return
	}
	if err := rs.SetRemote(addr, port); err != nil {
		s.logger.Warn("pointing media transport at peer", "slot", sm.StreamNum, "error", err)
	}
}

// connectionAddress extracts the session-level c= address.
func connectionAddress(sd *pionsdp.SessionDescription) string {
	if sd.ConnectionInformation == nil || sd.ConnectionInformation.Address == nil {
		return ""
	}
	return sd.ConnectionInformation.Address.Address
}
