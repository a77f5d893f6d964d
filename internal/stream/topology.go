package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSlotOutOfRange is returned by Topology.Set for a slot beyond the first
// unused position.
var ErrSlotOutOfRange = errors.New("stream slot out of range")

// Topology is an ordered sequence of stream slots. The negotiation path only
// ever appends, replaces in place, or marks slots removed; Delete exists for
// explicit out-of-band truncation and for pruning before any SDP has been
// generated from the topology.
type Topology struct {
	streams []*Stream
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{}
}

// Clone deep-copies every stream. Transport bindings are not part of the
// topology and are not duplicated.
func (t *Topology) Clone() *Topology {
	c := &Topology{streams: make([]*Stream, len(t.streams))}
	for i, s := range t.streams {
		c.streams[i] = s.Clone()
	}
	return c
}

// Count returns the number of slots, including removed ones.
func (t *Topology) Count() int {
	return len(t.streams)
}

// Get returns the stream at slot, or nil if the slot does not exist.
func (t *Topology) Get(slot int) *Stream {
	if slot < 0 || slot >= len(t.streams) {
		return nil
	}
	return t.streams[slot]
}

// Append adds a stream at the next free slot and returns the slot index.
// An empty name is auto-assigned as "<type>-<slot>".
func (t *Topology) Append(s *Stream) int {
	slot := len(t.streams)
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s-%d", s.Type, slot)
	}
	t.streams = append(t.streams, s)
	return slot
}

// Set overwrites an existing slot or fills the next unused one. Setting a
// slot beyond the first unused position fails with ErrSlotOutOfRange.
func (t *Topology) Set(slot int, s *Stream) error {
	if slot < 0 || slot > len(t.streams) {
		return fmt.Errorf("setting slot %d of %d: %w", slot, len(t.streams), ErrSlotOutOfRange)
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s-%d", s.Type, slot)
	}
	if slot == len(t.streams) {
		t.streams = append(t.streams, s)
		return nil
	}
	t.streams[slot] = s
	return nil
}

// Delete truly removes a slot, shifting later slots down by one. It must
// never be used on a topology whose slot numbering a peer has already seen;
// renegotiation marks streams StateRemoved instead.
func (t *Topology) Delete(slot int) error {
	if slot < 0 || slot >= len(t.streams) {
		return fmt.Errorf("deleting slot %d of %d: %w", slot, len(t.streams), ErrSlotOutOfRange)
	}
	t.streams = append(t.streams[:slot], t.streams[slot+1:]...)
	return nil
}

// Equal reports structural equality by slot: same count and, per slot in
// order, same name, type, state and formats.
func (t *Topology) Equal(o *Topology) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.streams) != len(o.streams) {
		return false
	}
	for i := range t.streams {
		if !t.streams[i].Equal(o.streams[i]) {
			return false
		}
	}
	return true
}

// FindByName returns the slot of the first stream with the given name, or -1.
func (t *Topology) FindByName(name string) int {
	for i, s := range t.streams {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// FirstByType returns the slot of the first non-removed stream of the given
// type, or -1.
func (t *Topology) FirstByType(typ Type) int {
	for i, s := range t.streams {
		if s.Type == typ && !s.Removed() {
			return i
		}
	}
	return -1
}

// FirstRemoved returns the slot of the first removed stream, or -1. Removed
// slots are candidates for in-place reuse when a new stream is added during
// a merge.
func (t *Topology) FirstRemoved() int {
	for i, s := range t.streams {
		if s.Removed() {
			return i
		}
	}
	return -1
}

// CountByType returns the number of non-removed streams of the given type.
func (t *Topology) CountByType(typ Type) int {
	n := 0
	for _, s := range t.streams {
		if s.Type == typ && !s.Removed() {
			n++
		}
	}
	return n
}

// Formats returns the union of formats across all non-removed streams. If
// typ is non-empty only streams of that type contribute.
func (t *Topology) Formats(typ Type) FormatSet {
	var out FormatSet
	for _, s := range t.streams {
		if s.Removed() {
			continue
		}
		if typ != "" && s.Type != typ {
			continue
		}
		out = out.Union(s.Formats)
	}
	return out
}

// String returns a diagnostic form listing every slot.
func (t *Topology) String() string {
	if t == nil {
		return "<nil>"
	}
	parts := make([]string, len(t.streams))
	for i, s := range t.streams {
		parts[i] = fmt.Sprintf("%d:%s", i, s)
	}
	return "{" + strings.Join(parts, " ") + "}"
}
