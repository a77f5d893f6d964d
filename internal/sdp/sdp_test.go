package sdp

import (
	"strings"
	"testing"

	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/stream"
)

const remoteBundled = "v=0\r\n" +
	"o=- 123456 2 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE m1 m2\r\n" +
	"a=group:BUNDLE m3\r\n" +
	"m=audio 5004 RTP/AVP 0 8\r\n" +
	"a=mid:m1\r\n" +
	"a=sendrecv\r\n" +
	"m=video 5006 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=mid:m2\r\n" +
	"a=sendonly\r\n" +
	"m=video 5008 RTP/AVP 97\r\n" +
	"a=rtpmap:97 VP8/90000\r\n" +
	"a=mid:m3\r\n"

func TestParseTopology(t *testing.T) {
	sd, err := Parse([]byte(remoteBundled))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	topo, err := ParseTopology(sd)
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	if topo.Count() != 3 {
		t.Fatalf("Count = %d, want 3", topo.Count())
	}

	a := topo.Get(0)
	if a.Type != stream.TypeAudio || a.State != stream.StateSendRecv {
		t.Errorf("slot 0 = %s, want audio sendrecv", a)
	}
	if len(a.Formats) != 2 || a.Formats[0].Name != "PCMU" || a.Formats[1].Name != "PCMA" {
		t.Errorf("slot 0 formats = %s, want PCMU,PCMA", a.Formats)
	}
	if a.Metavalue("mid") != "m1" {
		t.Errorf("slot 0 mid = %q, want m1", a.Metavalue("mid"))
	}

	v := topo.Get(1)
	if v.Type != stream.TypeVideo || v.State != stream.StateSendOnly {
		t.Errorf("slot 1 = %s, want video sendonly", v)
	}
	if len(v.Formats) != 1 || v.Formats[0].Name != "H264" || v.Formats[0].PayloadType != 96 {
		t.Errorf("slot 1 formats = %s", v.Formats)
	}

	// No direction attribute defaults to sendrecv.
	if got := topo.Get(2).State; got != stream.StateSendRecv {
		t.Errorf("slot 2 state = %s, want sendrecv default", got)
	}
}

func TestParseTopologyPortZeroIsRemoved(t *testing.T) {
	raw := strings.Replace(remoteBundled, "m=video 5008", "m=video 0", 1)
	sd, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	topo, err := ParseTopology(sd)
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	if got := topo.Get(2).State; got != stream.StateRemoved {
		t.Errorf("port-zero slot state = %s, want removed", got)
	}
}

func TestMidBundleGroup(t *testing.T) {
	sd, err := Parse([]byte(remoteBundled))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		mid  string
		want int
	}{
		{"m1", 0},
		{"m2", 0},
		{"m3", 1},
		{"m4", -1},
	}
	for _, tc := range tests {
		if got := MidBundleGroup(sd, tc.mid); got != tc.want {
			t.Errorf("MidBundleGroup(%q) = %d, want %d", tc.mid, got, tc.want)
		}
	}
}

func TestSetMidAndGroupRoundTrip(t *testing.T) {
	sd, err := Parse([]byte(remoteBundled))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	sessions := make([]*mediastate.SessionMedia, 3)
	for i, media := range sd.MediaDescriptions {
		sm := &mediastate.SessionMedia{
			Type:        stream.ParseType(media.MediaName.Media),
			StreamNum:   i,
			BundleGroup: -1,
		}
		SetMidAndGroup(sm, sd, media, true)
		sessions[i] = sm
	}

	for i, want := range []int{0, 0, 1} {
		if sessions[i].BundleGroup != want || !sessions[i].Bundled {
			t.Errorf("session %d: group = %d bundled = %v, want group %d bundled",
				i, sessions[i].BundleGroup, sessions[i].Bundled, want)
		}
	}

	attrs := BundleAttributes(sessions)
	want := []string{"BUNDLE m1 m2", "BUNDLE m3"}
	if len(attrs) != len(want) {
		t.Fatalf("BundleAttributes = %v, want %v", attrs, want)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Errorf("BundleAttributes[%d] = %q, want %q", i, attrs[i], want[i])
		}
	}
}

func TestSetMidAndGroupDisabled(t *testing.T) {
	sd, err := Parse([]byte(remoteBundled))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sm := &mediastate.SessionMedia{MID: "keep", BundleGroup: 7, Bundled: true}
	SetMidAndGroup(sm, sd, sd.MediaDescriptions[0], false)
	if sm.MID != "keep" || sm.BundleGroup != 7 || !sm.Bundled {
		t.Errorf("disabled bundling must not touch the session: %+v", sm)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	ms := mediastate.New()
	a := stream.NewStream("audio", stream.TypeAudio, stream.StateSendRecv)
	a.Formats = stream.FormatSet{
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
		{PayloadType: -1, Name: "opus", ClockRate: 48000, Channels: 2},
	}
	ms.Topology.Append(a)
	v := stream.NewStream("video", stream.TypeVideo, stream.StateRemoved)
	ms.Topology.Append(v)
	ms.AddOrReuse(nil, stream.TypeAudio, 0, false)
	ms.AddOrReuse(nil, stream.TypeVideo, 1, false)

	gen := NewGenerator("203.0.113.5", "negotiator")
	sd, err := gen.Generate(ms, func(slot int) int { return 40000 + 2*slot })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	raw, err := sd.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	text := string(raw)

	if !strings.Contains(text, "m=audio 40000 RTP/AVP 0 96") {
		t.Errorf("audio m= line missing or wrong:\n%s", text)
	}
	if !strings.Contains(text, "a=rtpmap:96 opus/48000/2") {
		t.Errorf("dynamic opus rtpmap missing:\n%s", text)
	}
	if !strings.Contains(text, "m=video 0 ") {
		t.Errorf("removed video slot must advertise port 0:\n%s", text)
	}
	if !strings.Contains(text, "a=sendrecv") {
		t.Errorf("audio direction attribute missing:\n%s", text)
	}

	// The generated description must parse back to an equal topology shape.
	parsed, err := ParseTopology(sd)
	if err != nil {
		t.Fatalf("ParseTopology of generated sdp: %v", err)
	}
	if parsed.Count() != 2 {
		t.Fatalf("round-trip count = %d, want 2", parsed.Count())
	}
	if parsed.Get(1).State != stream.StateRemoved {
		t.Errorf("round-trip removed slot state = %s", parsed.Get(1).State)
	}
}

func TestGenerateBumpsSessionVersion(t *testing.T) {
	ms := mediastate.New()
	ms.Topology.Append(stream.NewStream("audio", stream.TypeAudio, stream.StateSendRecv))
	ms.AddOrReuse(nil, stream.TypeAudio, 0, false)

	gen := NewGenerator("203.0.113.5", "")
	first, err := gen.Generate(ms, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := gen.Generate(ms, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if second.Origin.SessionVersion != first.Origin.SessionVersion+1 {
		t.Errorf("session version %d -> %d, want increment",
			first.Origin.SessionVersion, second.Origin.SessionVersion)
	}
	if first.Origin.SessionID != second.Origin.SessionID {
		t.Errorf("session id changed across refreshes")
	}
}

func TestFixupHoldDirections(t *testing.T) {
	ms := mediastate.New()
	held := stream.NewStream("audio", stream.TypeAudio, stream.StateRecvOnly)
	held.Formats = stream.FormatSet{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}}
	ms.Topology.Append(held)
	ms.AddOrReuse(nil, stream.TypeAudio, 0, false)

	gen := NewGenerator("203.0.113.5", "")
	sd, err := gen.Generate(ms, func(int) int { return 40000 })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	FixupHoldDirections(sd)
	raw, err := sd.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(raw), "a=recvonly") {
		t.Errorf("recvonly survived fixup:\n%s", raw)
	}
	if !strings.Contains(string(raw), "a=sendrecv") {
		t.Errorf("sendrecv not offered after fixup:\n%s", raw)
	}
}
