package sdp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/stream"
)

// PortLookup returns the local transport port for a stream slot, or 0 when
// the slot has no binding (declined slots are always advertised on port 0).
type PortLookup func(slot int) int

// Generator produces wire-ready session descriptions from resolved media
// states. One generator serves one call; it owns the o= line identity and
// bumps the session version on every generated description.
type Generator struct {
	// LocalIP is the address advertised in o=/c= lines.
	LocalIP string

	// SessionName is the s= line value.
	SessionName string

	sessionID uint64
	version   uint64
}

// NewGenerator creates a generator with a fresh session identity.
func NewGenerator(localIP, sessionName string) *Generator {
	if sessionName == "" {
		sessionName = "-"
	}
	return &Generator{
		LocalIP:     localIP,
		SessionName: sessionName,
		sessionID:   uint64(time.Now().UnixNano()),
	}
}

// Generate builds an offer or answer from a resolved media state. Media
// sections are emitted one per topology slot, in slot order; removed slots
// are emitted with port 0 so the far end sees stable stream numbering.
func (g *Generator) Generate(ms *mediastate.MediaState, ports PortLookup) (*sdp.SessionDescription, error) {
	if ms == nil || ms.Topology == nil {
		return nil, fmt.Errorf("generating description: no media state")
	}

	g.version++
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      g.sessionID,
			SessionVersion: g.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: g.LocalIP,
		},
		SessionName: sdp.SessionName(g.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: g.LocalIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	for _, value := range BundleAttributes(ms.Sessions) {
		sd.Attributes = append(sd.Attributes, sdp.Attribute{Key: attrGroup, Value: value})
	}

	for slot := 0; slot < ms.Topology.Count(); slot++ {
		st := ms.Topology.Get(slot)
		media, err := g.mediaSection(st, ms.Session(slot), ports, slot)
		if err != nil {
			return nil, fmt.Errorf("media section %d (%s): %w", slot, st.Name, err)
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, media)
	}
	return sd, nil
}

// mediaSection builds one m= section for a stream slot.
func (g *Generator) mediaSection(st *stream.Stream, sm *mediastate.SessionMedia, ports PortLookup, slot int) (*sdp.MediaDescription, error) {
	port := 0
	if !st.Removed() && ports != nil {
		port = ports(slot)
	}

	formats := assignPayloadTypes(st.Formats)
	tokens := make([]string, 0, len(formats))
	for _, f := range formats {
		tokens = append(tokens, strconv.Itoa(f.PayloadType))
	}
	if len(tokens) == 0 {
		// An m= line needs at least one format token even on declined slots.
		tokens = []string{"0"}
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(st.Type),
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: tokens,
		},
	}

	for _, f := range formats {
		if f.PayloadType >= 96 || f.Name != staticPayloadFormat(f.PayloadType).Name {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s", f.PayloadType, f),
			})
		}
		if f.Fmtp != "" {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d %s", f.PayloadType, f.Fmtp),
			})
		}
	}

	if sm != nil && sm.MID != "" {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: attrMID, Value: sm.MID})
	}
	if label := st.Metavalue(attrLabel); label != "" {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: attrLabel, Value: label})
	}

	if st.Removed() {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: string(stream.StateInactive)})
	} else {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: string(st.State)})
	}
	return media, nil
}

// assignPayloadTypes fills in payload type numbers for formats that lack
// one, allocating from the dynamic range without colliding with numbers
// already present in the set.
func assignPayloadTypes(fs stream.FormatSet) stream.FormatSet {
	out := fs.Clone()
	used := make(map[int]bool)
	for _, f := range out {
		if f.PayloadType >= 0 {
			used[f.PayloadType] = true
		}
	}
	next := 96
	for i := range out {
		if out[i].PayloadType >= 0 {
			continue
		}
		for used[next] {
			next++
		}
		out[i].PayloadType = next
		used[next] = true
	}
	return out
}

// FixupHoldDirections rewrites recvonly/inactive direction attributes to
// sendrecv in a locally generated description. Some devices unhold with an
// SDP-less re-INVITE; answering such a re-INVITE with the held recvonly
// direction would leave the stream stuck on hold (RFC 3264 obliges the
// answerer to mirror with sendonly/inactive), so the answer offers sendrecv
// and lets the peer choose.
func FixupHoldDirections(sd *sdp.SessionDescription) {
	for _, media := range sd.MediaDescriptions {
		if media.MediaName.Port.Value == 0 {
			continue
		}
		for i, attr := range media.Attributes {
			if attr.Key == "recvonly" || attr.Key == "inactive" {
				media.Attributes[i] = sdp.Attribute{Key: "sendrecv"}
			}
		}
	}
}
