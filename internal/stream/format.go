package stream

import (
	"strconv"
	"strings"
)

// Format is one codec capability, as carried on an SDP rtpmap line.
type Format struct {
	// PayloadType is the RTP payload type number (-1 if not yet assigned).
	PayloadType int

	// Name is the codec name, e.g. "PCMU", "opus".
	Name string

	// ClockRate is the clock rate in Hz.
	ClockRate int

	// Channels is the channel count (0 means unspecified, defaults to 1).
	Channels int

	// Fmtp holds format parameters from an a=fmtp line, if any.
	Fmtp string
}

// Matches reports whether two formats describe the same codec, ignoring
// payload type numbers, which are negotiation-local.
func (f Format) Matches(o Format) bool {
	if !strings.EqualFold(f.Name, o.Name) || f.ClockRate != o.ClockRate {
		return false
	}
	fc, oc := f.Channels, o.Channels
	if fc == 0 {
		fc = 1
	}
	if oc == 0 {
		oc = 1
	}
	return fc == oc
}

// String returns the rtpmap form of the format.
func (f Format) String() string {
	s := f.Name + "/" + strconv.Itoa(f.ClockRate)
	if f.Channels > 1 {
		s += "/" + strconv.Itoa(f.Channels)
	}
	return s
}

// FormatSet is an ordered set of codec capabilities. Order is significant:
// it expresses preference and is preserved through clone and intersection.
type FormatSet []Format

// Clone copies the set.
func (fs FormatSet) Clone() FormatSet {
	if fs == nil {
		return nil
	}
	c := make(FormatSet, len(fs))
	copy(c, fs)
	return c
}

// Contains reports whether the set holds a codec matching f.
func (fs FormatSet) Contains(f Format) bool {
	for _, g := range fs {
		if g.Matches(f) {
			return true
		}
	}
	return false
}

// Equal reports whether two sets hold the same codecs in the same order.
func (fs FormatSet) Equal(o FormatSet) bool {
	if len(fs) != len(o) {
		return false
	}
	for i := range fs {
		if !fs[i].Matches(o[i]) {
			return false
		}
	}
	return true
}

// Union returns fs plus any codecs from o not already present, preserving
// the order of both inputs.
func (fs FormatSet) Union(o FormatSet) FormatSet {
	out := fs.Clone()
	for _, f := range o {
		if !out.Contains(f) {
			out = append(out, f)
		}
	}
	return out
}

// String returns the formats joined by commas, e.g. "PCMU/8000,opus/48000/2".
func (fs FormatSet) String() string {
	if len(fs) == 0 {
		return "nothing"
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}
