// Package stream implements the media stream and topology model used by the
// negotiation core. A topology is an ordered, append-only sequence of stream
// slots: during renegotiation streams are appended, replaced in place, or
// marked removed, but slot positions never shift. Position i in a topology
// always corresponds to media line i of the SDP being built or parsed.
package stream

import (
	"fmt"
	"strings"
)

// Type classifies a media stream.
type Type string

const (
	TypeAudio   Type = "audio"
	TypeVideo   Type = "video"
	TypeImage   Type = "image" // T.38 fax
	TypeText    Type = "text"
	TypeUnknown Type = "unknown"
)

// Types lists all known stream types, used when scanning per-type state.
var Types = []Type{TypeAudio, TypeVideo, TypeImage, TypeText, TypeUnknown}

// ParseType maps an SDP media token to a stream type.
func ParseType(s string) Type {
	switch strings.ToLower(s) {
	case "audio":
		return TypeAudio
	case "video":
		return TypeVideo
	case "image":
		return TypeImage
	case "text":
		return TypeText
	default:
		return TypeUnknown
	}
}

// State is the direction state of a stream slot.
type State string

const (
	// StateRemoved marks a declined slot. The slot stays in the topology so
	// positions remain stable; it is advertised with port 0 in SDP.
	StateRemoved  State = "removed"
	StateSendRecv State = "sendrecv"
	StateSendOnly State = "sendonly"
	StateRecvOnly State = "recvonly"
	StateInactive State = "inactive"
)

// Stream describes one media line.
type Stream struct {
	// Name is unique among non-removed streams within a topology.
	Name string

	// Type is the media type of the stream.
	Type Type

	// State is the direction state of the stream.
	State State

	// Formats is the ordered codec capability set offered or negotiated
	// for this stream.
	Formats FormatSet

	// Group associates sibling streams (e.g. simulcast); -1 means none.
	Group int

	// Metadata carries opaque key/value pairs passed through to SDP
	// attributes (e.g. a label).
	Metadata map[string]string
}

// NewStream creates a stream with the given name, type and state and no
// group association.
func NewStream(name string, typ Type, state State) *Stream {
	return &Stream{
		Name:  name,
		Type:  typ,
		State: state,
		Group: -1,
	}
}

// Clone deep-copies the stream, including formats and metadata.
func (s *Stream) Clone() *Stream {
	c := &Stream{
		Name:    s.Name,
		Type:    s.Type,
		State:   s.State,
		Formats: s.Formats.Clone(),
		Group:   s.Group,
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Equal reports structural equality: same name, type, state and formats.
// Metadata is advisory and does not participate in equality.
func (s *Stream) Equal(o *Stream) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Name == o.Name &&
		s.Type == o.Type &&
		s.State == o.State &&
		s.Formats.Equal(o.Formats)
}

// Removed reports whether the stream slot is declined.
func (s *Stream) Removed() bool {
	return s.State == StateRemoved
}

// String returns a diagnostic form: "<name>:<type>:<state> (formats)".
func (s *Stream) String() string {
	return fmt.Sprintf("%s:%s:%s (%s)", s.Name, s.Type, s.State, s.Formats)
}

// Metavalue returns the metadata value for key, or "" if unset.
func (s *Stream) Metavalue(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// SetMetavalue sets a metadata key, allocating the map on first use.
func (s *Stream) SetMetavalue(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}
