// Package session implements per-call media negotiation: it decides when a
// re-INVITE or UPDATE goes on the wire, merges delayed refresh requests
// against the live state, and tracks the transaction lifecycle including
// collision backoff and deferred incoming re-INVITEs.
//
// Every mutation of a session runs on that session's serializer goroutine,
// so the negotiation core itself needs no locking. The transport layer and
// timers hand work in through the exported methods, which block until the
// serializer has run them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/flowpbx/negotiator/internal/codec"
	"github.com/flowpbx/negotiator/internal/history"
	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/registry"
	"github.com/flowpbx/negotiator/internal/sdp"
	"github.com/flowpbx/negotiator/internal/stream"
)

// Method is the SIP method a refresh or delayed request uses.
type Method string

const (
	MethodInvite Method = "INVITE"
	MethodUpdate Method = "UPDATE"
	MethodBye    Method = "BYE"
)

// Role says which side of the dialog this session is, which decides the
// collision backoff window.
type Role int

const (
	// RoleCaller originated the dialog (UAC).
	RoleCaller Role = iota
	// RoleCallee answered it (UAS).
	RoleCallee
)

// Message is one outbound SIP request produced by the session core. The
// transport layer owns all SIP syntax; the core only supplies the method
// and the SDP payload.
type Message struct {
	Method Method
	Body   []byte // SDP description, empty for BYE
}

// Transport sends session-level requests. Implementations must be safe for
// concurrent use across sessions.
type Transport interface {
	Send(ctx context.Context, callID string, msg *Message) error
}

// MediaFactory allocates the transport binding for one stream slot. The
// returned transport is stored on the slot's SessionMedia and survives
// renegotiation.
type MediaFactory interface {
	NewTransport() (mediastate.Transport, error)
}

// portProvider is what a media transport must expose for the advertised
// port in generated SDP.
type portProvider interface {
	LocalPort() int
}

// remoteSetter is implemented by transports that can be pointed at the
// peer address parsed from an answer.
type remoteSetter interface {
	SetRemote(ip string, port int) error
}

// Sentinel results of session operations.
var (
	// ErrNoOp reports that a refresh resolved to a topology identical to
	// the active one and no message was sent. Callers treat it as success.
	ErrNoOp = errors.New("refresh is a no-op")

	// ErrNothingToRefresh means the refresh was asked not to generate SDP,
	// or was given a pending state with no topology.
	ErrNothingToRefresh = errors.New("nothing to refresh")

	// ErrRetransmission marks an incoming re-INVITE as a retransmission of
	// the one already deferred; the transport should ignore it.
	ErrRetransmission = errors.New("retransmission of deferred re-invite")

	// ErrRequestPending means a different re-INVITE arrived while one is
	// deferred; the transport should answer 491 Request Pending.
	ErrRequestPending = errors.New("another re-invite is being processed")

	// ErrDeferred means a handler claimed a stream but needs asynchronous
	// work; the re-INVITE is held and answered on ResumeDeferred.
	ErrDeferred = errors.New("re-invite deferred by stream handler")

	// ErrTerminated is returned for operations on a session that has
	// already disconnected.
	ErrTerminated = errors.New("session terminated")
)

// deferredTerminationWindow bounds how long a termination request can be
// held back by DeferTermination before it is forced.
const deferredTerminationWindow = 60 * time.Second

// Options configures one session.
type Options struct {
	CallID string
	Role   Role
	Logger *slog.Logger

	Transport Transport
	Media     MediaFactory  // optional; slots stay portless without it
	Events    *history.Log  // optional event log
	Registry  *registry.Registry // optional stream-type handler chains

	Policy        codec.Policy
	LocalFormats  map[stream.Type]stream.FormatSet // nil disables codec pruning
	StreamLimit   func(typ stream.Type) int        // nil means unlimited
	BundleEnabled bool
	LocalIP       string
	SessionName   string

	// Backoff overrides the collision backoff computation; used by tests.
	Backoff func(Role) time.Duration

	// PreSend, if set, runs on every generated description before it is
	// handed to the transport.
	PreSend func(*Message)

	// OnTopologyChanged is notified after a negotiation commits a pending
	// state whose stream set differs from the previous active one.
	OnTopologyChanged func(*stream.Topology)

	// OnClose runs once when the session fully terminates.
	OnClose func()
}

// deferredReinvite holds an incoming re-INVITE parked behind an
// asynchronously deciding stream handler.
type deferredReinvite struct {
	txKey string
	body  []byte
}

// Session is one call's negotiation state. All fields below the serializer
// are owned by the serializer goroutine.
type Session struct {
	opts   Options
	logger *slog.Logger
	stats  *stats

	tasks *serializer

	machine   *fsm.FSM
	generator *sdp.Generator
	ownership *registry.Ownership

	active  *mediastate.MediaState
	pending *mediastate.MediaState

	queue requestQueue

	dialogEstablished bool
	confirmed         bool
	sdpDone           bool
	disconnected      bool
	inviteOutstanding bool

	collisionArmed bool
	collisionTimer *time.Timer

	deferred *deferredReinvite

	deferDepth             int
	terminateWhileDeferred bool
	terminationTimer       *time.Timer
}

// New creates a session. The dialog starts unestablished; the transport
// layer calls MarkEstablished once the dialog is confirmed.
func New(opts Options, st *stats) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if st == nil {
		st = &stats{}
	}
	s := &Session{
		opts:      opts,
		logger:    logger.With("component", "session", "call_id", opts.CallID),
		stats:     st,
		tasks:     newSerializer(),
		generator: sdp.NewGenerator(opts.LocalIP, opts.SessionName),
		ownership: registry.NewOwnership(),
		active:    mediastate.New(),
	}
	s.machine = newNegotiationMachine(s)
	s.record(history.KindSessionCreated, "", 0)
	return s
}

// CallID returns the session's SIP Call-ID.
func (s *Session) CallID() string { return s.opts.CallID }

// run executes fn on the serializer and waits for it. Returns false if the
// session is already torn down.
func (s *Session) run(fn func()) bool {
	return s.tasks.do(fn)
}

// MarkEstablished records that the dialog reached confirmed state with SDP
// negotiation complete, unblocking refreshes.
func (s *Session) MarkEstablished() {
	s.run(func() {
		s.dialogEstablished = true
		s.confirmed = true
		s.sdpDone = true
	})
}

// SetActive seeds the active media state, e.g. from the initial
// negotiation that created the call. The state is cloned.
func (s *Session) SetActive(ms *mediastate.MediaState) {
	s.run(func() {
		s.active = ms.Clone()
	})
}

// ActiveTopology returns a deep copy of the currently active topology, or
// nil when none is negotiated.
func (s *Session) ActiveTopology() *stream.Topology {
	var t *stream.Topology
	s.run(func() {
		if s.active != nil && s.active.Topology != nil {
			t = s.active.Topology.Clone()
		}
	})
	return t
}

// DeferTermination opens a window during which Terminate is recorded but
// not executed, bounded by a 60 second timer.
func (s *Session) DeferTermination() {
	s.run(func() {
		s.deferDepth++
		if s.terminationTimer == nil {
			s.terminationTimer = time.AfterFunc(deferredTerminationWindow, func() {
				s.run(func() {
					s.stats.recycled.Add(1)
					s.logger.Warn("deferred termination window expired, forcing teardown")
					s.terminateLocked()
				})
			})
		}
	})
}

// EndDeferral closes one DeferTermination window; when the last one closes
// a recorded termination request is executed.
func (s *Session) EndDeferral() {
	s.run(func() {
		if s.deferDepth == 0 {
			return
		}
		s.deferDepth--
		if s.deferDepth > 0 {
			return
		}
		if s.terminationTimer != nil {
			s.terminationTimer.Stop()
			s.terminationTimer = nil
		}
		if s.terminateWhileDeferred {
			s.terminateLocked()
		}
	})
}

// Terminate tears the session down, or records the intent if termination
// is currently deferred.
func (s *Session) Terminate() {
	s.run(func() {
		if s.deferDepth > 0 {
			s.terminateWhileDeferred = true
			return
		}
		s.terminateLocked()
	})
}

// terminateLocked runs on the serializer.
func (s *Session) terminateLocked() {
	if s.disconnected {
		return
	}
	s.disconnected = true
	s.queue.clear()
	if s.collisionTimer != nil {
		s.collisionTimer.Stop()
	}
	if s.terminationTimer != nil {
		s.terminationTimer.Stop()
	}
	s.closeTransports(s.active)
	s.closeTransports(s.pending)
	s.record(history.KindSessionEnded, "", 0)
	s.logger.Info("session terminated")

	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
	// Stop accepting work; queued tasks already submitted still run.
	s.tasks.close()
}

func (s *Session) closeTransports(ms *mediastate.MediaState) {
	if ms == nil {
		return
	}
	for _, sm := range ms.Sessions {
		if sm == nil || sm.Transport == nil {
			continue
		}
		if err := sm.Transport.Close(); err != nil {
			s.logger.Warn("closing media transport", "slot", sm.StreamNum, "error", err)
		}
		sm.Transport = nil
	}
}

// record appends an event to the history log, best effort.
func (s *Session) record(kind, detail string, streams int) {
	if s.opts.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.opts.Events.Record(ctx, &history.Event{
		CallID:      s.opts.CallID,
		Kind:        kind,
		Detail:      detail,
		StreamCount: streams,
	})
	if err != nil {
		s.logger.Debug("recording history event", "kind", kind, "error", err)
	}
}

// collisionBackoff computes the randomized retry delay after a 491. Per
// RFC 3261 the dialog owner waits 2.1-4.1s and the other side 0-2.0s so
// both ends do not retry in lockstep.
func (s *Session) collisionBackoff() time.Duration {
	if s.opts.Backoff != nil {
		return s.opts.Backoff(s.opts.Role)
	}
	jitter := time.Duration(rand.Intn(2000)) * time.Millisecond
	if s.opts.Role == RoleCaller {
		return 2100*time.Millisecond + jitter
	}
	return jitter
}

// serializer is the per-session task queue: one goroutine drains it, so
// everything posted runs strictly in order and never concurrently.
type serializer struct {
	tasks chan func()
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSerializer() *serializer {
	s := &serializer{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *serializer) loop() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			// Tasks accepted before close still run; the closed flag
			// guarantees nothing new arrives while draining.
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues fn unless the serializer is closed. Submission and close
// are serialized by the mutex, so an accepted task is always drained.
func (s *serializer) submit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks <- fn
	return true
}

// do posts fn and waits for it to run. Returns false when the serializer
// is closed and fn was not run.
func (s *serializer) do(fn func()) bool {
	ran := make(chan struct{})
	if !s.submit(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	<-ran
	return true
}

// close stops intake. Must not be awaited from within a task; tasks call
// it directly since it never blocks.
func (s *serializer) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
