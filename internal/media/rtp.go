package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// minRTPHeader is the fixed RTP header size per RFC 3550.
const minRTPHeader = 12

// ParseRTP validates and parses a raw datagram into an RTP packet.
// Validation errors are typed so the receive path can count them without
// raising anything to the SIP layer.
func ParseRTP(data []byte) (*rtp.Packet, error) {
	if len(data) < minRTPHeader {
		return nil, ErrPacketTooShort
	}
	if version := data[0] >> 6; version != 2 {
		return nil, ErrInvalidVersion
	}
	if data[0]&0x20 != 0 {
		// Padding bit set: the final octet carries the pad count, which
		// must fit in what follows the fixed header.
		padLen := int(data[len(data)-1])
		if padLen == 0 || padLen > len(data)-minRTPHeader {
			return nil, ErrInvalidPadding
		}
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("rtp: %w", err)
	}
	return pkt, nil
}

// MarshalRTP serializes an RTP packet to wire format.
func MarshalRTP(pkt *rtp.Packet) ([]byte, error) {
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtp: %w", err)
	}
	return data, nil
}

// GenerateSSRC returns a cryptographically random nonzero 32-bit SSRC.
func GenerateSSRC() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failing is effectively fatal elsewhere; a fixed
			// fallback keeps media alive.
			return 0x2f7b9d31
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v
		}
	}
}

// randomUint16 returns a random initial sequence number.
func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// randomUint32 returns a random timestamp base.
func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// SSRCAllocator hands out unique SSRC values across concurrent streams.
type SSRCAllocator struct {
	mu   sync.Mutex
	used map[uint32]struct{}
}

// NewSSRCAllocator creates an empty allocator.
func NewSSRCAllocator() *SSRCAllocator {
	return &SSRCAllocator{used: make(map[uint32]struct{})}
}

// Allocate returns a nonzero SSRC not currently in use.
func (a *SSRCAllocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		ssrc := GenerateSSRC()
		if _, taken := a.used[ssrc]; !taken {
			a.used[ssrc] = struct{}{}
			return ssrc
		}
	}
}

// Release returns an SSRC to the pool.
func (a *SSRCAllocator) Release(ssrc uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, ssrc)
}

// InUse reports whether an SSRC is currently allocated.
func (a *SSRCAllocator) InUse(ssrc uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.used[ssrc]
	return ok
}

// Session holds the sender-side RTP state for one media stream: SSRC,
// sequence and timestamp bases, and send counters. Counters only grow.
type Session struct {
	ssrc   uint32
	codec  Codec
	seq    atomic.Uint32 // low 16 bits are the wire sequence
	tsBase uint32

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64

	recv SequenceTracker
}

// defaultSSRCs guarantees SSRC uniqueness across all sessions in the
// process, mirroring the per-process allocator the media stack owns.
var defaultSSRCs = NewSSRCAllocator()

// NewSession creates an RTP session with a process-unique random SSRC
// and random sequence and timestamp bases for the given codec.
func NewSession(codec Codec) *Session {
	return NewSessionWithSSRC(defaultSSRCs.Allocate(), codec)
}

// ReleaseSSRC returns a session's SSRC to the process-wide allocator.
func (s *Session) ReleaseSSRC() {
	defaultSSRCs.Release(s.ssrc)
}

// NewSessionWithSSRC creates a session with a caller-chosen SSRC,
// typically from an SSRCAllocator.
func NewSessionWithSSRC(ssrc uint32, codec Codec) *Session {
	s := &Session{
		ssrc:   ssrc,
		codec:  codec,
		tsBase: randomUint32(),
	}
	s.seq.Store(uint32(randomUint16()))
	return s
}

// SSRC returns the session's synchronization source identifier.
func (s *Session) SSRC() uint32 { return s.ssrc }

// Codec returns the negotiated codec for this session.
func (s *Session) Codec() Codec { return s.codec }

// Sequence returns the current sequence number without incrementing.
func (s *Session) Sequence() uint16 {
	return uint16(s.seq.Load())
}

// Timestamp returns the RTP timestamp for the given sample offset from
// the session base, wrapping modulo 2^32.
func (s *Session) Timestamp(samples uint32) uint32 {
	return s.tsBase + samples
}

// NewPacket builds the next outbound packet for the given payload,
// incrementing the sequence counter atomically and updating the send
// counters.
func (s *Session) NewPacket(payload []byte, timestamp uint32, marker bool) *rtp.Packet {
	seq := uint16(s.seq.Add(1) - 1)

	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(len(payload)))

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
}

// ValidateInbound checks a received packet against the negotiated
// payload type and feeds the receive-side sequence tracker.
func (s *Session) ValidateInbound(pkt *rtp.Packet) error {
	if pkt.PayloadType != s.codec.PayloadType {
		return ErrInvalidPayloadType
	}
	s.recv.Update(pkt.SequenceNumber)
	return nil
}

// Stats is a snapshot of the session's counters.
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsLost     uint64
}

// Stats returns a snapshot of the send/receive counters.
func (s *Session) Stats() Stats {
	received, lost := s.recv.Totals()
	return Stats{
		PacketsSent:     s.packetsSent.Load(),
		BytesSent:       s.bytesSent.Load(),
		PacketsReceived: received,
		PacketsLost:     lost,
	}
}

// SequenceTracker follows received RTP sequence numbers across 16-bit
// rollover, maintaining an extended 32-bit count and loss statistics for
// receiver reports.
type SequenceTracker struct {
	mu          sync.Mutex
	initialized bool
	lastSeq     uint16
	cycles      uint32
	received    uint64
	lost        uint64
}

// Update records a received sequence number and returns the extended
// sequence (rollover count in the upper 16 bits).
func (t *SequenceTracker) Update(seq uint16) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.received++

	if !t.initialized {
		t.initialized = true
		t.lastSeq = seq
		return uint32(seq)
	}

	// Forward distance in uint16 arithmetic; interpret as signed for
	// direction per RFC 3550 appendix A.1.
	diff := int16(seq - t.lastSeq)
	if diff > 1 {
		t.lost += uint64(diff) - 1
	}

	if t.lastSeq > 0xF000 && seq < 0x1000 {
		t.cycles++
	}

	t.lastSeq = seq
	return t.cycles<<16 | uint32(seq)
}

// Totals returns the cumulative received and lost packet counts.
func (t *SequenceTracker) Totals() (received, lost uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received, t.lost
}

// Extended returns the highest extended sequence number observed, for
// receiver reports.
func (t *SequenceTracker) Extended() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles<<16 | uint32(t.lastSeq)
}

// LossRate returns the loss fraction in [0, 1].
func (t *SequenceTracker) LossRate() float64 {
	received, lost := t.Totals()
	if received+lost == 0 {
		return 0
	}
	return float64(lost) / float64(received+lost)
}
