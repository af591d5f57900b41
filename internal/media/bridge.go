package media

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Bridge links the two legs of a call, forwarding audio payloads in both
// directions and transcoding when the legs settled on different G.711
// variants. A leg on hold silences the bridge on its side: frames
// arriving from a leg whose direction is not sendrecv, or bound for a
// leg that may not send, are discarded.
type Bridge struct {
	legA *Stream
	legB *Stream

	logger *slog.Logger

	active  atomic.Bool
	once    sync.Once
	dropped atomic.Uint64
}

// NewBridge pairs two streams belonging to the same dialog.
func NewBridge(legA, legB *Stream, logger *slog.Logger) *Bridge {
	return &Bridge{
		legA: legA,
		legB: legB,
		logger: logger.With(
			"subsystem", "media-bridge",
			"leg_a_port", legA.LocalRTPPort(),
			"leg_b_port", legB.LocalRTPPort(),
		),
	}
}

// Start wires the legs together and starts both streams.
func (b *Bridge) Start() {
	b.legA.SetConsumer(b.forwarder(b.legA, b.legB))
	b.legB.SetConsumer(b.forwarder(b.legB, b.legA))

	b.legA.Start()
	b.legB.Start()
	b.active.Store(true)

	b.logger.Info("media bridge active",
		"leg_a_codec", b.legA.Session().Codec().Name,
		"leg_b_codec", b.legB.Session().Codec().Name,
	)
}

// Stop tears down both legs. Idempotent; lifecycle is owned by the dialog.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		b.active.Store(false)
		b.legA.Stop()
		b.legB.Stop()
		b.logger.Info("media bridge stopped",
			"dropped", b.dropped.Load(),
		)
	})
}

// Active reports whether the bridge is currently forwarding.
func (b *Bridge) Active() bool { return b.active.Load() }

// LegA returns the caller-side stream.
func (b *Bridge) LegA() *Stream { return b.legA }

// LegB returns the callee-side stream.
func (b *Bridge) LegB() *Stream { return b.legB }

// forwarder returns the consumer that carries frames from one leg to the
// other, transcoding between µ-law and A-law when the codecs differ.
func (b *Bridge) forwarder(from, to *Stream) Consumer {
	fromPT := from.Session().Codec().PayloadType
	toPT := to.Session().Codec().PayloadType

	return func(pkt *rtp.Packet) {
		if !b.active.Load() {
			return
		}
		// A held leg silences its path through the bridge: frames from a
		// leg that is not fully sendrecv are not carried to the peer, and
		// sends toward a held leg are stopped by SendPayload's own gate.
		if from.Direction() != DirectionSendRecv {
			return
		}
		// DTMF events cross the bridge untouched.
		if pkt.PayloadType == PayloadTelephoneEvent {
			if err := to.SendEvent(pkt.Payload, pkt.Marker); err != nil {
				b.dropped.Add(1)
			}
			return
		}
		payload := pkt.Payload
		if fromPT != toPT {
			transcoded, err := Transcode(payload, fromPT, toPT)
			if err != nil {
				b.dropped.Add(1)
				return
			}
			payload = transcoded
		}
		if err := to.SendPayload(payload, pkt.Marker); err != nil {
			b.dropped.Add(1)
		}
	}
}

// BridgeStats carries RTP counters for CDR media info. All of them come
// from the caller leg (leg A) alone: sent is what leg A sent toward the
// caller, received is what leg A received from the caller. Leg B's
// counters are not included.
type BridgeStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Stats returns the caller leg's RTP counters for the bridge.
func (b *Bridge) Stats() BridgeStats {
	aStats, aRecvPkts, aRecvBytes, _ := b.legA.Stats()

	return BridgeStats{
		PacketsSent:     aStats.PacketsSent,
		PacketsReceived: aRecvPkts,
		BytesSent:       aStats.BytesSent,
		BytesReceived:   aRecvBytes,
	}
}
