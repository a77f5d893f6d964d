package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/negotiator/internal/session"
)

// ServerOptions configures the SIP front end.
type ServerOptions struct {
	// SIPPort is the UDP/TCP listen port.
	SIPPort int

	// Host is the address advertised in the Contact header.
	Host string

	// Limiter configures per-call re-INVITE rate limiting.
	Limiter ReinviteLimiterConfig

	// NewSessions builds the session manager around the server's
	// transport. Required.
	NewSessions func(t session.Transport, onClosed func(callID string)) *session.Manager

	Logger *slog.Logger
}

// heldReinvite is a deferred incoming re-INVITE whose transaction is kept
// open until a stream handler resumes it.
type heldReinvite struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// Server is the SIP front end: it terminates dialogs, feeds offers and
// transaction events into the session cores, and sends their answers.
type Server struct {
	opts     ServerOptions
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogs  *DialogStore
	sessions *session.Manager
	limiter  *ReinviteLimiter
	contact  sip.ContactHeader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu       sync.Mutex
	deferred map[string]*heldReinvite
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("negotiatord"),
		sipgo.WithUserAgentHostname(opts.Host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	var contactURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:negotiator@%s:%d", opts.Host, opts.SIPPort), &contactURI); err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("building contact uri: %w", err)
	}

	s := &Server{
		opts:     opts,
		ua:       ua,
		srv:      srv,
		client:   client,
		dialogs:  NewDialogStore(logger),
		limiter:  NewReinviteLimiter(opts.Limiter),
		contact:  sip.ContactHeader{Address: contactURI},
		logger:   logger,
		deferred: make(map[string]*heldReinvite),
	}

	transport := NewTransport(client, s.dialogs, func(callID string) *session.Session {
		return s.sessions.Get(callID)
	}, logger)
	s.sessions = opts.NewSessions(transport, s.cleanupCall)

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnUpdate(s.handleUpdate)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnOptions(s.handleOptions)
}

// Sessions returns the session manager built around this server.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Dialogs returns the dialog store, for status reporting.
func (s *Server) Dialogs() *DialogStore {
	return s.dialogs
}

// Start begins listening on UDP and TCP. It returns once the listeners are
// launched; errors from individual listeners are logged.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.opts.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the listeners, the rate limiter and every live session.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.limiter.Stop()
	s.sessions.Shutdown()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// cleanupCall drops all per-call state after a session terminates.
func (s *Server) cleanupCall(callID string) {
	s.dialogs.Remove(callID)
	s.limiter.Forget(callID)

	s.mu.Lock()
	held, ok := s.deferred[callID]
	delete(s.deferred, callID)
	s.mu.Unlock()
	if ok {
		s.respond(held.req, held.tx, 481, "Call/Transaction Does Not Exist")
	}
}

// handleInvite processes both initial INVITEs (creating a session) and
// re-INVITEs (renegotiating an existing one).
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	sess := s.sessions.Get(callID)
	if sess == nil {
		s.handleInitialInvite(req, tx, callID)
		return
	}

	if !s.limiter.Allow(callID) {
		s.logger.Warn("re-invite rate limit exceeded", "call_id", callID)
		res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "1"))
		if err := tx.Respond(res); err != nil {
			s.logger.Error("responding to rate-limited re-invite", "error", err)
		}
		return
	}

	s.answerReinvite(req, tx, sess, callID, true)
}

// handleInitialInvite sets up the dialog and session for a new call and
// answers its offer.
func (s *Server) handleInitialInvite(req *sip.Request, tx sip.ServerTransaction, callID string) {
	d := NewUASDialog(req, s.contact)
	if err := s.dialogs.Put(d); err != nil {
		s.logger.Warn("duplicate invite", "call_id", callID, "error", err)
		s.respond(req, tx, 482, "Loop Detected")
		return
	}

	sess, err := s.sessions.Create(callID, session.RoleCallee)
	if err != nil {
		s.dialogs.Remove(callID)
		s.logger.Error("creating session", "call_id", callID, "error", err)
		s.respond(req, tx, 500, "Internal Server Error")
		return
	}

	answer, err := sess.HandleReinvite(transactionKey(req), req.Body())
	if err != nil {
		if errors.Is(err, session.ErrDeferred) {
			s.hold(callID, req, tx)
			return
		}
		s.logger.Warn("rejecting initial invite", "call_id", callID, "error", err)
		sess.Terminate()
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	s.respondWithAnswer(req, tx, d, answer)
	s.logger.Info("call answered", "call_id", callID, "active", s.dialogs.Count())
}

// handleUpdate processes an incoming UPDATE carrying an offer. UPDATE
// transactions cannot be held open for asynchronous handlers, so a
// deferral is answered 491 and the peer retries.
func (s *Server) handleUpdate(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	sess := s.sessions.Get(callID)
	if sess == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if !s.limiter.Allow(callID) {
		s.logger.Warn("update rate limit exceeded", "call_id", callID)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}
	s.answerReinvite(req, tx, sess, callID, false)
}

// answerReinvite feeds an incoming renegotiation offer to the session and
// maps the outcome to a SIP response. holdable marks requests whose
// transaction may be parked behind a deferring stream handler.
func (s *Server) answerReinvite(req *sip.Request, tx sip.ServerTransaction, sess *session.Session, callID string, holdable bool) {
	answer, err := sess.HandleReinvite(transactionKey(req), req.Body())
	switch {
	case err == nil:
		d := s.dialogs.Get(callID)
		if d == nil {
			s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
		s.respondWithAnswer(req, tx, d, answer)

	case errors.Is(err, session.ErrRetransmission):
		// The transaction layer retransmits our held state on its own.

	case errors.Is(err, session.ErrRequestPending):
		s.respond(req, tx, statusRequestPending, "Request Pending")

	case errors.Is(err, session.ErrDeferred):
		if holdable {
			s.hold(callID, req, tx)
			return
		}
		s.respond(req, tx, statusRequestPending, "Request Pending")

	case errors.Is(err, session.ErrTerminated):
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")

	default:
		s.logger.Warn("rejecting renegotiation", "call_id", callID, "error", err)
		s.respond(req, tx, 488, "Not Acceptable Here")
	}
}

// hold parks a deferred re-INVITE transaction until ResumeDeferred.
func (s *Server) hold(callID string, req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	s.deferred[callID] = &heldReinvite{req: req, tx: tx}
	s.mu.Unlock()
	s.logger.Info("re-invite held for deferred handling", "call_id", callID)
}

// ResumeDeferred re-runs a held re-INVITE after its stream handler signals
// completion, and answers the parked transaction.
func (s *Server) ResumeDeferred(callID string) error {
	s.mu.Lock()
	held, ok := s.deferred[callID]
	delete(s.deferred, callID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no deferred re-invite for call %s", callID)
	}

	sess := s.sessions.Get(callID)
	if sess == nil {
		s.respond(held.req, held.tx, 481, "Call/Transaction Does Not Exist")
		return fmt.Errorf("no session for call %s", callID)
	}

	answer, err := sess.ResumeDeferred()
	if err != nil {
		s.respond(held.req, held.tx, 488, "Not Acceptable Here")
		return fmt.Errorf("resuming deferred re-invite for call %s: %w", callID, err)
	}

	d := s.dialogs.Get(callID)
	if d == nil {
		s.respond(held.req, held.tx, 481, "Call/Transaction Does Not Exist")
		return fmt.Errorf("no dialog for call %s", callID)
	}
	s.respondWithAnswer(held.req, held.tx, d, answer)
	return nil
}

// handleACK confirms the dialog after our 2xx answer.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	sess := s.sessions.Get(callID)
	if sess == nil {
		s.logger.Debug("ack for unknown call", "call_id", callID, "source", req.Source())
		return
	}
	sess.MarkEstablished()
	s.logger.Debug("dialog confirmed", "call_id", callID)
}

// handleBye terminates the call.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	s.logger.Info("bye received", "call_id", callID)

	if sess := s.sessions.Get(callID); sess != nil {
		sess.Terminate()
	}
	s.dialogs.Remove(callID)
	s.respond(req, tx, 200, "OK")
}

// handleOptions responds to keepalive pings.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, OPTIONS, UPDATE"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("responding to options", "error", err)
	}
}

// respond sends a bodyless response.
func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("sending response", "status", code, "error", err)
	}
}

// respondWithAnswer sends a 200 OK carrying the SDP answer, tagged with
// our side of the dialog.
func (s *Server) respondWithAnswer(req *sip.Request, tx sip.ServerTransaction, d *Dialog, answer []byte) {
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if len(answer) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	res.AppendHeader(&s.contact)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", d.LocalTag())
		}
	}
	if err := tx.Respond(res); err != nil {
		s.logger.Error("sending answer", "call_id", d.CallID, "error", err)
	}
}

// transactionKey identifies a request's transaction for retransmission
// detection, preferring the topmost Via branch parameter.
func transactionKey(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok && branch != "" {
			return branch
		}
	}
	if cseq := req.CSeq(); cseq != nil {
		return fmt.Sprintf("%s-%d", req.CallID().Value(), cseq.SeqNo)
	}
	return req.CallID().Value()
}
