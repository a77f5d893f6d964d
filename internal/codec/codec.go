// Package codec computes joint codec capabilities between a remote offer
// and the locally configured codec set, under a configurable preference
// policy. An empty result means no common usable codec; the refresh engine
// decides what that implies for the stream.
package codec

import (
	"github.com/flowpbx/negotiator/internal/stream"
)

// Prefer selects whose codec list leads the result.
type Prefer string

const (
	PreferLocal  Prefer = "local"
	PreferRemote Prefer = "remote"
)

// Operation selects how the two lists combine.
type Operation string

const (
	// OperationIntersect keeps codecs present in both lists, ordered by the
	// preferred list.
	OperationIntersect Operation = "intersect"
	// OperationUnion keeps codecs from both lists, preferred list first.
	OperationUnion Operation = "union"
	// OperationOnlyPreferred keeps the preferred list as-is.
	OperationOnlyPreferred Operation = "only_preferred"
	// OperationOnlyNonpreferred keeps the non-preferred list as-is.
	OperationOnlyNonpreferred Operation = "only_nonpreferred"
)

// Keep limits how much of the combined list survives.
type Keep string

const (
	KeepAll   Keep = "all"
	KeepFirst Keep = "first"
)

// Transcode controls whether codecs absent from one side may survive.
type Transcode string

const (
	TranscodeAllow   Transcode = "allow"
	TranscodePrevent Transcode = "prevent"
)

// Policy is the full preference configuration for one negotiation.
type Policy struct {
	Prefer    Prefer
	Operation Operation
	Keep      Keep
	Transcode Transcode
}

// DefaultPolicy matches the common endpoint default: intersect with the
// remote list leading, keep everything, allow transcoding.
func DefaultPolicy() Policy {
	return Policy{
		Prefer:    PreferRemote,
		Operation: OperationIntersect,
		Keep:      KeepAll,
		Transcode: TranscodeAllow,
	}
}

// Joint computes the usable codec set for one stream given the remote
// offer's formats and the local configured formats. The result preserves
// the preferred list's ordering. An empty result means no common codec.
func Joint(remote, local stream.FormatSet, policy Policy) stream.FormatSet {
	preferred, other := local, remote
	if policy.Prefer == PreferRemote {
		preferred, other = remote, local
	}

	var out stream.FormatSet
	switch policy.Operation {
	case OperationUnion:
		out = preferred.Union(other)
	case OperationOnlyPreferred:
		out = preferred.Clone()
	case OperationOnlyNonpreferred:
		out = other.Clone()
	default: // OperationIntersect
		out = intersect(preferred, other)
	}

	// Preventing transcoding restricts the result to codecs both sides can
	// use natively, whatever the operation produced.
	if policy.Transcode == TranscodePrevent {
		out = intersect(intersect(out, remote), local)
	}

	if policy.Keep == KeepFirst && len(out) > 1 {
		out = out[:1]
	}
	return out
}

// intersect returns members of a that are also in b, in a's order.
func intersect(a, b stream.FormatSet) stream.FormatSet {
	var out stream.FormatSet
	for _, f := range a {
		if b.Contains(f) {
			out = append(out, f)
		}
	}
	return out
}
