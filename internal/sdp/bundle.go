package sdp

import (
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/flowpbx/negotiator/internal/mediastate"
)

// bundle group attribute handling per RFC 8843: a=group:BUNDLE <mid> <mid>...

const (
	attrGroup  = "group"
	attrMID    = "mid"
	attrLabel  = "label"
	bundleType = "BUNDLE"
)

// MidBundleGroup returns the ordinal position of the first session-level
// BUNDLE group containing mid, or -1 if the mid is ungrouped. Group numbers
// are positional within the given description only; they carry no identity
// across separate SDP exchanges.
func MidBundleGroup(sd *sdp.SessionDescription, mid string) int {
	group := 0
	for _, attr := range sd.Attributes {
		if attr.Key != attrGroup {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) == 0 || fields[0] != bundleType {
			continue
		}
		for _, m := range fields[1:] {
			if m == mid {
				return group
			}
		}
		group++
	}
	return -1
}

// SetMidAndGroup extracts the mid attribute for one media section of the
// remote description and computes the session's bundle membership. When
// bundling is disabled on the endpoint this is a no-op.
func SetMidAndGroup(sm *mediastate.SessionMedia, sd *sdp.SessionDescription, media *sdp.MediaDescription, bundleEnabled bool) {
	if !bundleEnabled {
		return
	}

	sm.MID = ""
	sm.BundleGroup = -1
	sm.Bundled = false

	mid := mediaAttribute(media, attrMID)
	if mid == "" {
		return
	}
	sm.MID = mid
	sm.BundleGroup = MidBundleGroup(sd, mid)
	sm.Bundled = sm.BundleGroup != -1
}

// BundleAttributes rebuilds the session-level BUNDLE attribute values from
// the sessions' group assignments: one "BUNDLE <mid-list>" value per group
// present, groups and mids ordered by session iteration order, duplicate
// mids dropped.
func BundleAttributes(sessions []*mediastate.SessionMedia) []string {
	var order []int
	mids := make(map[int][]string)
	seen := make(map[int]map[string]bool)

	for _, sm := range sessions {
		if sm == nil || sm.BundleGroup == -1 || sm.MID == "" {
			continue
		}
		g := sm.BundleGroup
		if seen[g] == nil {
			seen[g] = make(map[string]bool)
			order = append(order, g)
		}
		if seen[g][sm.MID] {
			continue
		}
		seen[g][sm.MID] = true
		mids[g] = append(mids[g], sm.MID)
	}

	out := make([]string, 0, len(order))
	for _, g := range order {
		out = append(out, bundleType+" "+strings.Join(mids[g], " "))
	}
	return out
}

// mediaAttribute returns the value of the first attribute with the given
// key in a media section, or "".
func mediaAttribute(media *sdp.MediaDescription, key string) string {
	for _, attr := range media.Attributes {
		if attr.Key == key {
			return attr.Value
		}
	}
	return ""
}
