package codec

import (
	"testing"

	"github.com/flowpbx/negotiator/internal/stream"
)

var (
	pcmu = stream.Format{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	pcma = stream.Format{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
	g722 = stream.Format{PayloadType: 9, Name: "G722", ClockRate: 8000}
	opus = stream.Format{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2}
)

func names(fs stream.FormatSet) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

func TestJoint(t *testing.T) {
	remote := stream.FormatSet{opus, pcmu, g722}
	local := stream.FormatSet{pcmu, pcma, opus}

	tests := []struct {
		name   string
		policy Policy
		want   []string
	}{
		{
			name:   "intersect prefer remote",
			policy: Policy{Prefer: PreferRemote, Operation: OperationIntersect, Keep: KeepAll, Transcode: TranscodeAllow},
			want:   []string{"opus", "PCMU"},
		},
		{
			name:   "intersect prefer local",
			policy: Policy{Prefer: PreferLocal, Operation: OperationIntersect, Keep: KeepAll, Transcode: TranscodeAllow},
			want:   []string{"PCMU", "opus"},
		},
		{
			name:   "union prefer local keeps both orders",
			policy: Policy{Prefer: PreferLocal, Operation: OperationUnion, Keep: KeepAll, Transcode: TranscodeAllow},
			want:   []string{"PCMU", "PCMA", "opus", "G722"},
		},
		{
			name:   "only preferred",
			policy: Policy{Prefer: PreferRemote, Operation: OperationOnlyPreferred, Keep: KeepAll, Transcode: TranscodeAllow},
			want:   []string{"opus", "PCMU", "G722"},
		},
		{
			name:   "only nonpreferred",
			policy: Policy{Prefer: PreferRemote, Operation: OperationOnlyNonpreferred, Keep: KeepAll, Transcode: TranscodeAllow},
			want:   []string{"PCMU", "PCMA", "opus"},
		},
		{
			name:   "keep first",
			policy: Policy{Prefer: PreferRemote, Operation: OperationIntersect, Keep: KeepFirst, Transcode: TranscodeAllow},
			want:   []string{"opus"},
		},
		{
			name:   "transcode prevent strips one-sided codecs from union",
			policy: Policy{Prefer: PreferRemote, Operation: OperationUnion, Keep: KeepAll, Transcode: TranscodePrevent},
			want:   []string{"opus", "PCMU"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Joint(remote, local, tc.policy)
			if len(got) != len(tc.want) {
				t.Fatalf("Joint = %v, want %v", names(got), tc.want)
			}
			for i, n := range tc.want {
				if got[i].Name != n {
					t.Fatalf("Joint = %v, want %v", names(got), tc.want)
				}
			}
		})
	}
}

func TestJointNoCommonCodec(t *testing.T) {
	remote := stream.FormatSet{g722}
	local := stream.FormatSet{pcma}

	if got := Joint(remote, local, DefaultPolicy()); len(got) != 0 {
		t.Errorf("Joint with disjoint sets = %v, want empty", names(got))
	}
}
