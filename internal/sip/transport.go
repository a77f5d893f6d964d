package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/negotiator/internal/session"
)

// transactionTimeout bounds how long a response watcher waits for a final
// response before giving up on the transaction.
const transactionTimeout = 64 * time.Second

// statusRequestPending is 491 Request Pending (RFC 3261 section 14.1).
const statusRequestPending = 491

// Transport sends the session core's requests as in-dialog SIP requests
// and feeds transaction outcomes back into the session. It implements
// session.Transport.
type Transport struct {
	client   *sipgo.Client
	dialogs  *DialogStore
	sessions func(callID string) *session.Session
	logger   *slog.Logger
}

// NewTransport creates the outbound request path. sessions resolves a
// Call-ID to its live session; it is a function because the session
// manager is constructed after the transport.
func NewTransport(client *sipgo.Client, dialogs *DialogStore, sessions func(string) *session.Session, logger *slog.Logger) *Transport {
	return &Transport{
		client:   client,
		dialogs:  dialogs,
		sessions: sessions,
		logger:   logger.With("subsystem", "transport"),
	}
}

// Send implements session.Transport. The request is fired and a watcher
// goroutine consumes the transaction's responses; Send itself returns as
// soon as the request is on the wire, since it is called from the session
// serializer and must not block on the far end.
func (t *Transport) Send(ctx context.Context, callID string, msg *session.Message) error {
	d := t.dialogs.Get(callID)
	if d == nil {
		return fmt.Errorf("no dialog for call %s", callID)
	}

	method, err := sipMethod(msg.Method)
	if err != nil {
		return err
	}

	req := d.BuildRequest(method, msg.Body)
	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending %s for call %s: %w", method, callID, err)
	}

	t.logger.Debug("request sent", "call_id", callID, "method", method, "cseq", req.CSeq().SeqNo)
	go t.watch(d, msg.Method, req, tx)
	return nil
}

func sipMethod(m session.Method) (sip.RequestMethod, error) {
	switch m {
	case session.MethodInvite:
		return sip.INVITE, nil
	case session.MethodUpdate:
		return sip.UPDATE, nil
	case session.MethodBye:
		return sip.BYE, nil
	default:
		return "", fmt.Errorf("unsupported method %q", m)
	}
}

// watch consumes the responses of one client transaction and drives the
// owning session's negotiation state.
func (t *Transport) watch(d *Dialog, method session.Method, req *sip.Request, tx sip.ClientTransaction) {
	defer tx.Terminate()

	timeout := time.NewTimer(transactionTimeout)
	defer timeout.Stop()

	for {
		var res *sip.Response
		select {
		case <-timeout.C:
			t.logger.Warn("transaction timed out", "call_id", d.CallID, "method", method)
			t.finishRefresh(d.CallID, method, false)
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				t.logger.Warn("transaction ended", "call_id", d.CallID, "method", method, "error", err)
			}
			t.finishRefresh(d.CallID, method, false)
			return
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode < 200:
			if res.StatusCode != 100 && method == session.MethodInvite {
				if sess := t.sessions(d.CallID); sess != nil {
					sess.OnInviteProceeding()
				}
			}

		case res.StatusCode < 300:
			t.handleSuccess(d, method, req, res)
			return

		case res.StatusCode == statusRequestPending:
			t.logger.Info("request pending from peer", "call_id", d.CallID, "method", method)
			if sess := t.sessions(d.CallID); sess != nil {
				sess.HandleCollision()
			}
			return

		default:
			t.logger.Info("refresh rejected by peer",
				"call_id", d.CallID, "method", method, "status", res.StatusCode, "reason", res.Reason)
			t.finishRefresh(d.CallID, method, false)
			return
		}
	}
}

// handleSuccess applies a 2xx final response: the dialog state is updated,
// an INVITE is acknowledged, and the answer is handed to the session.
func (t *Transport) handleSuccess(d *Dialog, method session.Method, req *sip.Request, res *sip.Response) {
	d.UpdateFromResponse(res)

	if method == session.MethodInvite {
		ack := d.BuildACK(req, res)
		if err := t.client.WriteRequest(ack); err != nil {
			t.logger.Error("sending ack", "call_id", d.CallID, "error", err)
		}
	}
	if method == session.MethodBye {
		t.dialogs.Remove(d.CallID)
		return
	}

	sess := t.sessions(d.CallID)
	if sess == nil {
		return
	}
	if err := sess.HandleAnswer(res.Body()); err != nil {
		if errors.Is(err, session.ErrMediaMismatch) {
			t.logger.Error("answer incompatible with offer, tearing down",
				"call_id", d.CallID, "error", err)
			t.teardown(d, sess)
			return
		}
		t.logger.Warn("applying answer", "call_id", d.CallID, "error", err)
	}
	t.finishRefresh(d.CallID, method, true)
}

// finishRefresh signals transaction completion to the session. When the
// transaction failed without a usable answer, the pending offer is
// abandoned first.
func (t *Transport) finishRefresh(callID string, method session.Method, answered bool) {
	sess := t.sessions(callID)
	if sess == nil {
		return
	}
	if !answered {
		sess.OnOfferRejected()
	}
	switch method {
	case session.MethodInvite:
		sess.OnInviteTerminated()
	case session.MethodUpdate:
		sess.OnUpdateCompleted()
	}
}

// teardown ends a call whose negotiation is beyond repair: BYE the peer,
// terminate the session, drop the dialog.
func (t *Transport) teardown(d *Dialog, sess *session.Session) {
	bye := d.BuildRequest(sip.BYE, nil)
	if err := t.client.WriteRequest(bye); err != nil {
		t.logger.Error("sending teardown bye", "call_id", d.CallID, "error", err)
	}
	sess.Terminate()
	t.dialogs.Remove(d.CallID)
}
