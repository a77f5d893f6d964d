package rtp

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	pionrtp "github.com/pion/rtp"
)

// Stats are cumulative packet counters for one instance.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	RemoteSSRC      uint32
}

// Instance is the transport for one stream slot. It owns an RTP/RTCP socket
// pair for the lifetime of the slot and keeps its local port stable across
// renegotiations.
type Instance struct {
	pool    *Pool
	sockets *SocketPair
	logger  *slog.Logger

	ssrc        uint32
	payloadType uint8
	sequence    uint16
	timestamp   uint32

	mu     sync.Mutex
	remote *net.UDPAddr
	closed bool
	done   chan struct{}

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	remoteSSRC      atomic.Uint32
}

// NewInstance allocates a socket pair from the pool and starts the inbound
// read loop.
func (p *Pool) NewInstance(logger *slog.Logger) (*Instance, error) {
	sockets, err := p.allocatePair()
	if err != nil {
		return nil, fmt.Errorf("allocating rtp instance: %w", err)
	}

	inst := &Instance{
		pool:     p,
		sockets:  sockets,
		logger:   logger.With("subsystem", "rtp", "rtp_port", sockets.Ports.RTP),
		ssrc:     rand.Uint32(),
		sequence: uint16(rand.Intn(1 << 16)),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	p.instances++
	p.mu.Unlock()

	go inst.readLoop()
	return inst, nil
}

// LocalPort returns the bound RTP port advertised in generated offers.
func (i *Instance) LocalPort() int {
	return i.sockets.Ports.RTP
}

// SSRC returns the synchronization source this instance sends with.
func (i *Instance) SSRC() uint32 {
	return i.ssrc
}

// SetRemote points outbound packets at the peer address parsed from the
// answer. Called on every renegotiation; the local port never changes.
func (i *Instance) SetRemote(ip string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("resolving remote rtp address: %w", err)
	}
	i.mu.Lock()
	i.remote = addr
	i.mu.Unlock()
	return nil
}

// SetPayloadType sets the payload type for outbound packets after each
// negotiation settles on a joint codec.
func (i *Instance) SetPayloadType(pt uint8) {
	i.mu.Lock()
	i.payloadType = pt
	i.mu.Unlock()
}

// WritePayload sends one RTP packet carrying the payload, advancing the
// sequence number and timestamp.
func (i *Instance) WritePayload(payload []byte, samples uint32) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return fmt.Errorf("rtp instance closed")
	}
	remote := i.remote
	pt := i.payloadType
	i.sequence++
	i.timestamp += samples
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: i.sequence,
			Timestamp:      i.timestamp,
			SSRC:           i.ssrc,
		},
		Payload: payload,
	}
	i.mu.Unlock()

	if remote == nil {
		return fmt.Errorf("no remote address negotiated")
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling rtp packet: %w", err)
	}
	n, err := i.sockets.RTPConn.WriteToUDP(raw, remote)
	if err != nil {
		return fmt.Errorf("sending rtp packet: %w", err)
	}
	i.packetsSent.Add(1)
	i.bytesSent.Add(uint64(n))
	return nil
}

// readLoop drains the RTP socket, parsing headers for counters. Payloads
// are not forwarded anywhere; the negotiator terminates media itself.
func (i *Instance) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := i.sockets.RTPConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-i.done:
				return
			default:
			}
			i.logger.Debug("rtp read error", "error", err)
			return
		}

		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			i.logger.Debug("discarding malformed rtp packet", "bytes", n, "error", err)
			continue
		}
		i.packetsReceived.Add(1)
		i.bytesReceived.Add(uint64(n))
		i.remoteSSRC.Store(pkt.SSRC)
	}
}

// Stats returns a snapshot of the instance counters.
func (i *Instance) Stats() Stats {
	return Stats{
		PacketsSent:     i.packetsSent.Load(),
		PacketsReceived: i.packetsReceived.Load(),
		BytesSent:       i.bytesSent.Load(),
		BytesReceived:   i.bytesReceived.Load(),
		RemoteSSRC:      i.remoteSSRC.Load(),
	}
}

// Close stops the read loop and returns the port pair to the pool.
// Safe to call more than once.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	close(i.done)
	i.mu.Unlock()

	i.pool.releasePair(i.sockets)

	i.pool.mu.Lock()
	i.pool.instances--
	i.pool.mu.Unlock()
	return nil
}
