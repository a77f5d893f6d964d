package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/negotiator/internal/codec"
	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/registry"
	"github.com/flowpbx/negotiator/internal/sdp"
	"github.com/flowpbx/negotiator/internal/stream"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*Message
}

func (t *fakeTransport) Send(_ context.Context, _ string, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := &Message{Method: msg.Method, Body: append([]byte(nil), msg.Body...)}
	t.sent = append(t.sent, cp)
	return nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) message(i int) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.sent) {
		return nil
	}
	return t.sent[i]
}

// waitForSent polls until the transport has seen n messages.
func (t *fakeTransport) waitForSent(tb testing.TB, n int) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if t.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("transport saw %d messages, want %d", t.count(), n)
}

type fakeMediaTransport struct {
	port       int
	remoteIP   string
	remotePort int
	closed     bool
}

func (f *fakeMediaTransport) Close() error        { f.closed = true; return nil }
func (f *fakeMediaTransport) LocalPort() int      { return f.port }
func (f *fakeMediaTransport) SetRemote(ip string, port int) error {
	f.remoteIP = ip
	f.remotePort = port
	return nil
}

type fakeMedia struct {
	mu   sync.Mutex
	next int
}

func (m *fakeMedia) NewTransport() (mediastate.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next += 2
	return &fakeMediaTransport{port: 40000 + m.next}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func audioStream(name string, state stream.State) *stream.Stream {
	st := stream.NewStream(name, stream.TypeAudio, state)
	st.Formats = stream.FormatSet{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}}
	return st
}

func videoStream(name string, state stream.State) *stream.Stream {
	st := stream.NewStream(name, stream.TypeVideo, state)
	st.Formats = stream.FormatSet{{PayloadType: 96, Name: "H264", ClockRate: 90000}}
	return st
}

func buildState(streams ...*stream.Stream) *mediastate.MediaState {
	ms := mediastate.New()
	for i, st := range streams {
		ms.Topology.Append(st)
		ms.AddOrReuse(nil, st.Type, i, false)
	}
	ms.RefreshDefaults()
	return ms
}

func newTestSession(t *testing.T, tr *fakeTransport, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		CallID:    "test-call",
		Role:      RoleCaller,
		Logger:    testLogger(),
		Transport: tr,
		Media:     &fakeMedia{},
		Policy:    codec.DefaultPolicy(),
		LocalIP:   "192.0.2.1",
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts, nil)
	s.MarkEstablished()
	return s
}

func parseBody(t *testing.T, body []byte) *stream.Topology {
	t.Helper()
	sd, err := sdp.Parse(body)
	if err != nil {
		t.Fatalf("parsing generated sdp: %v", err)
	}
	topo, err := sdp.ParseTopology(sd)
	if err != nil {
		t.Fatalf("parsing generated topology: %v", err)
	}
	return topo
}

const answerAudioVideo = "v=0\r\n" +
	"o=- 1 1 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 6000 RTP/AVP 0\r\n" +
	"a=sendrecv\r\n" +
	"m=video 6002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=sendrecv\r\n"

const offerAudioSendonly = "v=0\r\n" +
	"o=- 2 2 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 6000 RTP/AVP 0\r\n" +
	"a=sendonly\r\n"

const offerAudioVideo = "v=0\r\n" +
	"o=- 3 3 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 6000 RTP/AVP 0\r\n" +
	"a=sendrecv\r\n" +
	"m=video 6002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=sendrecv\r\n"

func TestRefreshSuppressedWhenNothingChanged(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	err := s.Refresh(MethodInvite, nil)
	if !errors.Is(err, ErrNoOp) {
		t.Fatalf("Refresh = %v, want ErrNoOp", err)
	}
	if tr.count() != 0 {
		t.Errorf("transport saw %d messages, want none", tr.count())
	}
}

func TestRefreshSendsChangedTopology(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	override := buildState(
		audioStream("audio", stream.StateSendRecv),
		videoStream("video1", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodInvite, override); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("transport saw %d messages, want 1", tr.count())
	}

	msg := tr.message(0)
	if msg.Method != MethodInvite {
		t.Errorf("method = %s, want INVITE", msg.Method)
	}
	topo := parseBody(t, msg.Body)
	if topo.Count() != 2 {
		t.Fatalf("offer has %d sections, want 2", topo.Count())
	}
	if topo.Get(1).Type != stream.TypeVideo || topo.Get(1).Removed() {
		t.Errorf("slot 1 = %s, want live video", topo.Get(1))
	}
}

func TestStreamLimitPrunesEntireSlot(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, func(o *Options) {
		o.StreamLimit = func(stream.Type) int { return 1 }
	})
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	override := buildState(
		audioStream("audio", stream.StateSendRecv),
		videoStream("video1", stream.StateSendRecv),
		videoStream("video2", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodInvite, override); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	topo := parseBody(t, tr.message(0).Body)
	// The over-limit video slot is deleted, not marked removed.
	if topo.Count() != 2 {
		t.Fatalf("offer has %d sections, want 2", topo.Count())
	}
	if topo.CountByType(stream.TypeVideo) != 1 {
		t.Errorf("offer has %d video streams, want 1", topo.CountByType(stream.TypeVideo))
	}
}

func TestRefreshKeepsFormatsWhenNoJointCodec(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, func(o *Options) {
		// Local config shares no codec with the active PCMU stream.
		o.LocalFormats = map[stream.Type]stream.FormatSet{
			stream.TypeAudio: {{PayloadType: 8, Name: "PCMA", ClockRate: 8000}},
		}
	})
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	// Re-offering the unchanged stream must fall back to the negotiated
	// formats and then suppress as a no-op, never offer an empty set.
	err := s.Refresh(MethodInvite, buildState(audioStream("audio", stream.StateSendRecv)))
	if !errors.Is(err, ErrNoOp) {
		t.Fatalf("Refresh = %v, want ErrNoOp", err)
	}
	if tr.count() != 0 {
		t.Errorf("transport saw %d messages, want none", tr.count())
	}
}

func TestRefreshQueuedBehindOutstandingInvite(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	first := buildState(
		audioStream("audio", stream.StateSendRecv),
		videoStream("video1", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodInvite, first); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("transport saw %d messages, want 1", tr.count())
	}

	// The INVITE transaction is outstanding; the next request must queue.
	second := buildState(
		audioStream("audio", stream.StateSendOnly),
		videoStream("video1", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodUpdate, second); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("queued request was sent immediately")
	}

	if err := s.HandleAnswer([]byte(answerAudioVideo)); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	s.OnInviteTerminated()

	tr.waitForSent(t, 2)
	msg := tr.message(1)
	if msg.Method != MethodUpdate {
		t.Errorf("dequeued method = %s, want UPDATE", msg.Method)
	}
	topo := parseBody(t, msg.Body)
	if topo.Get(0).State != stream.StateSendOnly {
		t.Errorf("audio state = %s, want sendonly", topo.Get(0).State)
	}
}

func TestByeHaltsDelayedQueue(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	first := buildState(
		audioStream("audio", stream.StateSendRecv),
		videoStream("video1", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodInvite, first); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Queue an UPDATE, then request hangup; BYE must jump the queue and
	// the UPDATE must never go out.
	update := buildState(audioStream("audio", stream.StateSendOnly), videoStream("video1", stream.StateSendRecv))
	if err := s.Refresh(MethodUpdate, update); err != nil {
		t.Fatalf("Refresh UPDATE: %v", err)
	}
	if err := s.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	if err := s.HandleAnswer([]byte(answerAudioVideo)); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	s.OnInviteTerminated()

	tr.waitForSent(t, 2)
	time.Sleep(50 * time.Millisecond)
	if tr.count() != 2 {
		t.Fatalf("transport saw %d messages, want 2", tr.count())
	}
	if tr.message(1).Method != MethodBye {
		t.Errorf("second message = %s, want BYE", tr.message(1).Method)
	}
}

func TestCollisionBackoffMergesInterimChange(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, func(o *Options) {
		o.Backoff = func(Role) time.Duration { return 30 * time.Millisecond }
	})
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	// Offer adding a video stream.
	override := buildState(
		audioStream("audio", stream.StateSendRecv),
		videoStream("video1", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodInvite, override); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Peer answers 491; the retry is queued with backoff.
	s.HandleCollision()

	// Before the backoff fires, the peer renegotiates the audio direction.
	if _, err := s.HandleReinvite("tx-peer", []byte(offerAudioSendonly)); err != nil {
		t.Fatalf("HandleReinvite: %v", err)
	}

	// The retried INVITE must carry both the interim direction change and
	// the originally requested video stream.
	tr.waitForSent(t, 2)
	msg := tr.message(1)
	if msg.Method != MethodInvite {
		t.Fatalf("retry method = %s, want INVITE", msg.Method)
	}
	topo := parseBody(t, msg.Body)
	if topo.Count() != 2 {
		t.Fatalf("retry offer has %d sections, want 2", topo.Count())
	}
	if topo.Get(0).State != stream.StateSendOnly {
		t.Errorf("audio state = %s, want sendonly from interim change", topo.Get(0).State)
	}
	if topo.Get(1).Type != stream.TypeVideo || topo.Get(1).Removed() {
		t.Errorf("slot 1 = %s, want the queued video stream", topo.Get(1))
	}
}

func TestSdplessReinviteLiftsHold(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateRecvOnly)))

	answer, err := s.HandleReinvite("tx1", nil)
	if err != nil {
		t.Fatalf("HandleReinvite: %v", err)
	}
	text := string(answer)
	if strings.Contains(text, "a=recvonly") {
		t.Errorf("held direction survived in sdp-less answer:\n%s", text)
	}
	if !strings.Contains(text, "a=sendrecv") {
		t.Errorf("sendrecv not offered in sdp-less answer:\n%s", text)
	}
}

type switchableHandler struct {
	name    string
	mu      sync.Mutex
	verdict registry.Verdict
}

func (h *switchableHandler) Name() string { return h.name }

func (h *switchableHandler) Claim(*stream.Stream) registry.Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verdict
}

func (h *switchableHandler) set(v registry.Verdict) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verdict = v
}

func TestDeferredReinviteLifecycle(t *testing.T) {
	handler := &switchableHandler{name: "video-app", verdict: registry.AcceptDefer}
	reg := registry.New()
	reg.Register(stream.TypeVideo, handler)

	tr := &fakeTransport{}
	s := newTestSession(t, tr, func(o *Options) {
		o.Registry = reg
	})
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	// The new video stream defers the whole re-INVITE.
	if _, err := s.HandleReinvite("tx1", []byte(offerAudioVideo)); !errors.Is(err, ErrDeferred) {
		t.Fatalf("HandleReinvite = %v, want ErrDeferred", err)
	}

	// Retransmission of the deferred request is ignored.
	if _, err := s.HandleReinvite("tx1", []byte(offerAudioVideo)); !errors.Is(err, ErrRetransmission) {
		t.Fatalf("retransmission = %v, want ErrRetransmission", err)
	}

	// A different re-INVITE while one is held gets 491.
	if _, err := s.HandleReinvite("tx2", []byte(offerAudioSendonly)); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("conflicting re-invite = %v, want ErrRequestPending", err)
	}

	handler.set(registry.Accept)
	answer, err := s.ResumeDeferred()
	if err != nil {
		t.Fatalf("ResumeDeferred: %v", err)
	}
	topo := parseBody(t, answer)
	if topo.Count() != 2 {
		t.Fatalf("answer has %d sections, want 2", topo.Count())
	}
	if topo.Get(1).Type != stream.TypeVideo || topo.Get(1).Removed() {
		t.Errorf("slot 1 = %s, want accepted video", topo.Get(1))
	}
}

func TestReinviteDeclinesUnclaimedStream(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, func(o *Options) {
		// Registry with no video handler: the offered video is declined.
		o.Registry = registry.New()
	})
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	answer, err := s.HandleReinvite("tx1", []byte(offerAudioVideo))
	if err != nil {
		t.Fatalf("HandleReinvite: %v", err)
	}
	topo := parseBody(t, answer)
	if topo.Count() != 2 {
		t.Fatalf("answer has %d sections, want 2 (slot alignment)", topo.Count())
	}
	if !topo.Get(1).Removed() {
		t.Errorf("unclaimed video = %s, want declined", topo.Get(1))
	}
}

func TestAnswerMediaCountMismatchIsFatal(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	override := buildState(
		audioStream("audio", stream.StateSendRecv),
		videoStream("video1", stream.StateSendRecv),
	)
	if err := s.Refresh(MethodInvite, override); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// The answer only covers one of the two offered sections.
	err := s.HandleAnswer([]byte(offerAudioSendonly))
	if !errors.Is(err, ErrMediaMismatch) {
		t.Fatalf("HandleAnswer = %v, want ErrMediaMismatch", err)
	}
}

func TestDeferredTermination(t *testing.T) {
	tr := &fakeTransport{}
	closed := make(chan struct{})
	s := newTestSession(t, tr, func(o *Options) {
		o.OnClose = func() { close(closed) }
	})
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	s.DeferTermination()
	s.Terminate()

	select {
	case <-closed:
		t.Fatal("session terminated inside the deferral window")
	case <-time.After(50 * time.Millisecond):
	}

	s.EndDeferral()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after deferral ended")
	}

	if err := s.Refresh(MethodInvite, nil); !errors.Is(err, ErrTerminated) {
		t.Errorf("Refresh after termination = %v, want ErrTerminated", err)
	}
}

func TestReinviteCommitsRemoteChange(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, nil)
	defer s.Terminate()
	s.SetActive(buildState(audioStream("audio", stream.StateSendRecv)))

	if _, err := s.HandleReinvite("tx1", []byte(offerAudioSendonly)); err != nil {
		t.Fatalf("HandleReinvite: %v", err)
	}

	topo := s.ActiveTopology()
	if topo.Get(0).State != stream.StateSendOnly {
		t.Errorf("active audio state = %s, want sendonly", topo.Get(0).State)
	}
}
