package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// JitterConfig tunes the receive-side jitter buffer.
type JitterConfig struct {
	// MinDelay is how long a packet must age in the buffer before it may
	// be handed to the consumer.
	MinDelay time.Duration
	// MaxDelay bounds how long the buffer waits for a gap to fill before
	// declaring the missing packets lost.
	MaxDelay time.Duration
	// MaxPackets caps the buffer size; the oldest entry is evicted when
	// a packet arrives at capacity.
	MaxPackets int
}

// DefaultJitterConfig mirrors typical narrowband audio settings:
// one frame of minimum delay, ten frames of loss tolerance.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MinDelay:   20 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
		MaxPackets: 100,
	}
}

// JitterStats is a snapshot of buffer counters.
type JitterStats struct {
	Buffered   int
	Received   uint64
	Dropped    uint64 // evicted at capacity
	Late       uint64 // discarded as older than the expected sequence
	Duplicates uint64
}

type bufferedPacket struct {
	pkt     *rtp.Packet
	arrival time.Time
}

// JitterBuffer reorders, deduplicates, and paces inbound RTP packets.
// Sequence numbers are compared modulo 2^16 at the 2^15 boundary, so the
// buffer keeps ordering across rollover.
type JitterBuffer struct {
	mu      sync.Mutex
	cfg     JitterConfig
	entries []bufferedPacket
	nextSeq uint16
	haveSeq bool

	received   uint64
	dropped    uint64
	late       uint64
	duplicates uint64

	now func() time.Time
}

// NewJitterBuffer creates a buffer with the given configuration.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = DefaultJitterConfig().MaxPackets
	}
	return &JitterBuffer{
		cfg: cfg,
		now: time.Now,
	}
}

// seqLess reports whether a precedes b in modular 16-bit sequence space.
// The forward distance from a to b is computed modulo 2^16; a distance
// below 2^15 means a is older.
func seqLess(a, b uint16) bool {
	return a != b && b-a < 0x8000
}

// Add inserts a packet in ascending sequence order, evicting the oldest
// entry when at capacity. A packet whose sequence is already buffered is
// dropped so the earliest arrival wins.
func (jb *JitterBuffer) Add(pkt *rtp.Packet) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	jb.received++

	if len(jb.entries) >= jb.cfg.MaxPackets {
		jb.entries = jb.entries[1:]
		jb.dropped++
	}

	seq := pkt.SequenceNumber
	pos := len(jb.entries)
	for i := range jb.entries {
		have := jb.entries[i].pkt.SequenceNumber
		if have == seq {
			jb.duplicates++
			return
		}
		if seqLess(seq, have) {
			pos = i
			break
		}
	}

	entry := bufferedPacket{pkt: pkt, arrival: jb.now()}
	jb.entries = append(jb.entries, bufferedPacket{})
	copy(jb.entries[pos+1:], jb.entries[pos:])
	jb.entries[pos] = entry
}

// Pop returns the next in-order packet if one is ready, or nil.
//
// The head is ready once it has aged at least MinDelay. A head matching
// the expected sequence is yielded; a head older than expected is
// discarded as late and the next entry is tried; a newer head is yielded
// only after MaxDelay, at which point the gap is declared lost and the
// expected sequence skips forward.
func (jb *JitterBuffer) Pop() *rtp.Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	for len(jb.entries) > 0 {
		head := jb.entries[0]
		age := jb.now().Sub(head.arrival)

		if age < jb.cfg.MinDelay {
			return nil
		}

		seq := head.pkt.SequenceNumber
		if !jb.haveSeq {
			jb.haveSeq = true
			jb.nextSeq = seq
		}

		switch {
		case seq == jb.nextSeq:
			jb.entries = jb.entries[1:]
			jb.nextSeq = seq + 1
			return head.pkt

		case seqLess(seq, jb.nextSeq):
			// Already past this sequence; drop and retry.
			jb.entries = jb.entries[1:]
			jb.late++

		default:
			// Head is in the future. Only skip the gap once the packet
			// has waited out the maximum delay.
			if age > jb.cfg.MaxDelay {
				jb.entries = jb.entries[1:]
				jb.nextSeq = seq + 1
				return head.pkt
			}
			return nil
		}
	}
	return nil
}

// Len returns the number of buffered packets.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.entries)
}

// Stats returns a snapshot of the buffer counters.
func (jb *JitterBuffer) Stats() JitterStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return JitterStats{
		Buffered:   len(jb.entries),
		Received:   jb.received,
		Dropped:    jb.dropped,
		Late:       jb.late,
		Duplicates: jb.duplicates,
	}
}

// Clear resets the buffer and sequence tracking, keeping counters.
func (jb *JitterBuffer) Clear() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.entries = nil
	jb.haveSeq = false
}
