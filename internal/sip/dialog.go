package sip

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Dialog tracks the SIP state of one established call needed to build
// in-dialog requests: the peer's target URI, both tags, and the CSeq
// counter for requests we originate.
type Dialog struct {
	// CallID is the SIP Call-ID shared by all requests in the dialog.
	CallID string

	mu           sync.Mutex
	localURI     sip.Uri
	remoteURI    sip.Uri
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	contact      sip.ContactHeader
	cseq         uint32
}

// NewUASDialog builds dialog state from an incoming INVITE we answer. The
// local tag is generated here and must be placed on the To header of every
// response in the dialog.
func NewUASDialog(req *sip.Request, contact sip.ContactHeader) *Dialog {
	d := &Dialog{
		CallID:   req.CallID().Value(),
		localTag: uuid.NewString(),
		contact:  contact,
	}
	if from := req.From(); from != nil {
		d.remoteURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if to := req.To(); to != nil {
		d.localURI = to.Address
	}
	// In-dialog requests go to the peer's Contact, falling back to the
	// request URI when the INVITE carried none.
	if ct := req.Contact(); ct != nil {
		d.remoteTarget = ct.Address
	} else {
		d.remoteTarget = req.Recipient
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	return d
}

// LocalTag returns the tag identifying our side of the dialog.
func (d *Dialog) LocalTag() string {
	return d.localTag
}

// BuildRequest constructs an in-dialog request with the dialog's routing
// headers and the next CSeq. The transport layer adds Via on send.
func (d *Dialog) BuildRequest(method sip.RequestMethod, body []byte) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := sip.NewRequest(method, d.remoteTarget)
	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)

	// As the answering side, our identity lives in the To header of the
	// original INVITE, so From/To are swapped relative to it.
	req.AppendHeader(&sip.FromHeader{
		Address: d.localURI,
		Params:  sip.HeaderParams{{K: "tag", V: d.localTag}},
	})
	to := &sip.ToHeader{
		Address: d.remoteURI,
		Params:  sip.HeaderParams{},
	}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&d.contact)

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req
}

// BuildACK constructs the ACK for a 2xx response to an INVITE we sent.
// Per RFC 3261 the ACK reuses the INVITE's CSeq number.
func (d *Dialog) BuildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := d.remoteTarget
	if ct := res.Contact(); ct != nil {
		target = ct.Address
	}

	ack := sip.NewRequest(sip.ACK, target)
	callID := sip.CallIDHeader(d.CallID)
	ack.AppendHeader(&callID)
	if from := invite.From(); from != nil {
		ack.AppendHeader(from)
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(to)
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// UpdateFromResponse refreshes the remote tag and target from a 2xx
// response to a request we sent.
func (d *Dialog) UpdateFromResponse(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			d.remoteTag = tag
		}
	}
	if ct := res.Contact(); ct != nil {
		d.remoteTarget = ct.Address
	}
}

// DialogStore tracks active dialogs in memory, keyed by Call-ID. Safe for
// concurrent use by the SIP handlers and the transport.
type DialogStore struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogStore creates an empty dialog tracker.
func NewDialogStore(logger *slog.Logger) *DialogStore {
	return &DialogStore{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog"),
	}
}

// Put registers a dialog. Registering a duplicate Call-ID is an error.
func (ds *DialogStore) Put(d *Dialog) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, exists := ds.dialogs[d.CallID]; exists {
		return fmt.Errorf("dialog for call %s already exists", d.CallID)
	}
	ds.dialogs[d.CallID] = d
	ds.logger.Debug("dialog created", "call_id", d.CallID, "active", len(ds.dialogs))
	return nil
}

// Get returns the dialog for a call, or nil.
func (ds *DialogStore) Get(callID string) *Dialog {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.dialogs[callID]
}

// Remove drops a dialog. Removing an unknown Call-ID is a no-op.
func (ds *DialogStore) Remove(callID string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, ok := ds.dialogs[callID]; !ok {
		return
	}
	delete(ds.dialogs, callID)
	ds.logger.Debug("dialog removed", "call_id", callID, "active", len(ds.dialogs))
}

// Count returns the number of active dialogs.
func (ds *DialogStore) Count() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.dialogs)
}
