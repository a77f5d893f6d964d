package sip

import (
	"io"
	"log/slog"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testContact() sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "negotiator", Host: "192.0.2.1", Port: 5060},
	}
}

func newTestInvite(callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.1", Port: 5060})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "198.51.100.7"},
		Params:  sip.HeaderParams{{K: "tag", V: "alice-tag"}},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.1"},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "198.51.100.7", Port: 5070},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "198.51.100.7",
		Port:            5070,
		Params:          sip.HeaderParams{{K: "branch", V: "z9hG4bK-test-1"}},
	})
	return req
}

func TestNewUASDialogCapturesPeerState(t *testing.T) {
	d := NewUASDialog(newTestInvite("call-1"), testContact())

	if d.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", d.CallID)
	}
	if d.remoteTag != "alice-tag" {
		t.Errorf("remote tag = %q, want alice-tag", d.remoteTag)
	}
	if d.localTag == "" {
		t.Error("local tag not generated")
	}
	// In-dialog requests must target the peer's Contact, not the request URI.
	if d.remoteTarget.Host != "198.51.100.7" || d.remoteTarget.Port != 5070 {
		t.Errorf("remote target = %s:%d, want contact address", d.remoteTarget.Host, d.remoteTarget.Port)
	}
}

func TestBuildRequestIncrementsCSeq(t *testing.T) {
	d := NewUASDialog(newTestInvite("call-2"), testContact())

	first := d.BuildRequest(sip.INVITE, []byte("v=0\r\n"))
	second := d.BuildRequest(sip.UPDATE, nil)

	cs1 := first.CSeq()
	cs2 := second.CSeq()
	if cs1 == nil || cs2 == nil {
		t.Fatal("built requests missing CSeq")
	}
	if cs2.SeqNo != cs1.SeqNo+1 {
		t.Errorf("CSeq did not increment: %d then %d", cs1.SeqNo, cs2.SeqNo)
	}

	// The answering side's identity goes in From, tagged with our tag.
	from := first.From()
	if from == nil {
		t.Fatal("built request missing From")
	}
	if tag, _ := from.Params.Get("tag"); tag != d.localTag {
		t.Errorf("From tag = %q, want local tag %q", tag, d.localTag)
	}
	to := first.To()
	if to == nil {
		t.Fatal("built request missing To")
	}
	if tag, _ := to.Params.Get("tag"); tag != "alice-tag" {
		t.Errorf("To tag = %q, want alice-tag", tag)
	}

	if ct := first.GetHeader("Content-Type"); ct == nil {
		t.Error("request with body missing Content-Type")
	}
	if ct := second.GetHeader("Content-Type"); ct != nil {
		t.Error("bodyless request should not carry Content-Type")
	}
}

func TestBuildACKReusesInviteCSeq(t *testing.T) {
	d := NewUASDialog(newTestInvite("call-3"), testContact())

	invite := d.BuildRequest(sip.INVITE, []byte("v=0\r\n"))
	res := sip.NewResponseFromRequest(newTestInvite("call-3"), 200, "OK", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", "peer-tag")
	}

	ack := d.BuildACK(invite, res)
	cseq := ack.CSeq()
	if cseq == nil {
		t.Fatal("ack missing CSeq")
	}
	if cseq.SeqNo != invite.CSeq().SeqNo {
		t.Errorf("ack CSeq = %d, want invite CSeq %d", cseq.SeqNo, invite.CSeq().SeqNo)
	}
	if cseq.MethodName != sip.ACK {
		t.Errorf("ack CSeq method = %s, want ACK", cseq.MethodName)
	}
}

func TestTransactionKeyPrefersViaBranch(t *testing.T) {
	req := newTestInvite("call-4")
	if key := transactionKey(req); key != "z9hG4bK-test-1" {
		t.Errorf("transactionKey = %q, want via branch", key)
	}
}

func TestDialogStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ds := NewDialogStore(logger)

	d := NewUASDialog(newTestInvite("call-5"), testContact())
	if err := ds.Put(d); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ds.Put(d); err == nil {
		t.Error("duplicate Put did not fail")
	}
	if got := ds.Get("call-5"); got != d {
		t.Error("Get returned wrong dialog")
	}
	if ds.Count() != 1 {
		t.Errorf("Count = %d, want 1", ds.Count())
	}

	ds.Remove("call-5")
	if ds.Get("call-5") != nil {
		t.Error("dialog still present after Remove")
	}
	// Removing twice is a no-op.
	ds.Remove("call-5")
}
