// Package sdp translates between the negotiation core's media states and
// wire-ready session descriptions, using pion/sdp for syntax. The core
// itself never touches SDP text.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/flowpbx/negotiator/internal/stream"
)

// Parse unmarshals raw SDP.
func Parse(raw []byte) (*sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}
	return &sd, nil
}

// ParseTopology maps a remote description's media sections onto a stream
// topology, one slot per m= line in order. Sections with port zero become
// removed slots so positions stay aligned with the remote numbering.
func ParseTopology(sd *sdp.SessionDescription) (*stream.Topology, error) {
	topo := stream.NewTopology()
	for i, media := range sd.MediaDescriptions {
		st, err := parseStream(media, i)
		if err != nil {
			return nil, fmt.Errorf("media section %d: %w", i, err)
		}
		topo.Append(st)
	}
	return topo, nil
}

// parseStream builds one stream from a media section.
func parseStream(media *sdp.MediaDescription, slot int) (*stream.Stream, error) {
	typ := stream.ParseType(media.MediaName.Media)

	state := stream.StateSendRecv // default per RFC 3264
	if media.MediaName.Port.Value == 0 {
		state = stream.StateRemoved
	} else if dir := directionAttribute(media); dir != "" {
		state = stream.State(dir)
	}

	st := stream.NewStream("", typ, state)
	st.Name = fmt.Sprintf("%s-%d", typ, slot)

	if mid := mediaAttribute(media, attrMID); mid != "" {
		st.SetMetavalue(attrMID, mid)
	}
	if label := mediaAttribute(media, attrLabel); label != "" {
		st.SetMetavalue(attrLabel, label)
	}

	formats, err := parseFormats(media)
	if err != nil {
		return nil, err
	}
	st.Formats = formats
	return st, nil
}

// parseFormats builds the capability set from the m= format list and any
// rtpmap/fmtp attributes.
func parseFormats(media *sdp.MediaDescription) (stream.FormatSet, error) {
	rtpmap := make(map[int]stream.Format)
	fmtp := make(map[int]string)

	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap":
			pt, f, err := parseRtpmap(attr.Value)
			if err != nil {
				return nil, err
			}
			rtpmap[pt] = f
		case "fmtp":
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) == 2 {
				if pt, err := strconv.Atoi(parts[0]); err == nil {
					fmtp[pt] = parts[1]
				}
			}
		}
	}

	var out stream.FormatSet
	for _, f := range media.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			// Non-numeric format token (e.g. t38); carry it by name.
			out = append(out, stream.Format{PayloadType: -1, Name: f})
			continue
		}
		format, ok := rtpmap[pt]
		if !ok {
			format = staticPayloadFormat(pt)
			if format.Name == "" {
				continue // unknown payload type with no rtpmap
			}
		}
		format.PayloadType = pt
		format.Fmtp = fmtp[pt]
		out = append(out, format)
	}
	return out, nil
}

// parseRtpmap parses "<pt> <name>/<rate>[/<channels>]".
func parseRtpmap(value string) (int, stream.Format, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return 0, stream.Format{}, fmt.Errorf("malformed rtpmap %q", value)
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, stream.Format{}, fmt.Errorf("malformed rtpmap payload type %q", parts[0])
	}
	enc := strings.Split(parts[1], "/")
	if len(enc) < 2 {
		return 0, stream.Format{}, fmt.Errorf("malformed rtpmap encoding %q", parts[1])
	}
	rate, err := strconv.Atoi(enc[1])
	if err != nil {
		return 0, stream.Format{}, fmt.Errorf("malformed rtpmap clock rate %q", enc[1])
	}
	f := stream.Format{Name: enc[0], ClockRate: rate}
	if len(enc) >= 3 {
		if ch, err := strconv.Atoi(enc[2]); err == nil {
			f.Channels = ch
		}
	}
	return pt, f, nil
}

// staticPayloadFormat covers the common static payload types that need no
// rtpmap line.
func staticPayloadFormat(pt int) stream.Format {
	switch pt {
	case 0:
		return stream.Format{Name: "PCMU", ClockRate: 8000}
	case 3:
		return stream.Format{Name: "GSM", ClockRate: 8000}
	case 8:
		return stream.Format{Name: "PCMA", ClockRate: 8000}
	case 9:
		return stream.Format{Name: "G722", ClockRate: 8000}
	case 18:
		return stream.Format{Name: "G729", ClockRate: 8000}
	case 34:
		return stream.Format{Name: "H263", ClockRate: 90000}
	default:
		return stream.Format{}
	}
}

// directionAttribute returns the direction attribute of a media section,
// or "".
func directionAttribute(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return attr.Key
		}
	}
	return ""
}
