package media

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// RTCP packet types handled by the core. Anything else is reported as
// ErrUnsupportedPacketType and dropped.
const (
	rtcpTypeSenderReport   = 200
	rtcpTypeReceiverReport = 201
	rtcpTypeSDES           = 202
	rtcpTypeBye            = 203
)

// minRTCPHeader is the fixed RTCP header size.
const minRTCPHeader = 4

// ntpEpochOffset is the number of seconds between the NTP epoch (1900)
// and the Unix epoch (1970).
const ntpEpochOffset = 2208988800

// NTPTime converts a wall-clock instant to the 64-bit NTP format used in
// sender reports: seconds since 1900 in the high 32 bits, fraction in
// the low 32 bits.
func NTPTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// NTPToTime converts a 64-bit NTP timestamp back to wall-clock time.
func NTPToTime(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	nanos := (ntp & 0xFFFFFFFF) * 1e9 >> 32
	return time.Unix(secs, int64(nanos))
}

// ParseRTCP parses a compound RTCP datagram into its packets. Packet
// types other than SR, RR, SDES, and BYE yield ErrUnsupportedPacketType.
func ParseRTCP(data []byte) ([]rtcp.Packet, error) {
	if len(data) < minRTCPHeader {
		return nil, fmt.Errorf("rtcp: datagram shorter than %d bytes", minRTCPHeader)
	}

	switch pt := data[1]; pt {
	case rtcpTypeSenderReport, rtcpTypeReceiverReport, rtcpTypeSDES, rtcpTypeBye:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPacketType, pt)
	}

	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("rtcp: %w", err)
	}
	return pkts, nil
}

// BuildSenderReport assembles an SR for the session's current counters.
// The RTP timestamp is derived from the session clock at sample offset
// `samples`.
func BuildSenderReport(s *Session, now time.Time, samples uint32) *rtcp.SenderReport {
	stats := s.Stats()
	return &rtcp.SenderReport{
		SSRC:        s.SSRC(),
		NTPTime:     NTPTime(now),
		RTPTime:     s.Timestamp(samples),
		PacketCount: uint32(stats.PacketsSent),
		OctetCount:  uint32(stats.BytesSent),
	}
}

// BuildReceiverReport assembles an RR describing what the session has
// seen from the remote sender identified by remoteSSRC.
func BuildReceiverReport(s *Session, remoteSSRC uint32, extendedSeq uint32) *rtcp.ReceiverReport {
	received, lost := s.recv.Totals()
	totalLost := lost
	if totalLost > 0xFFFFFF {
		totalLost = 0xFFFFFF
	}

	var fraction uint8
	if received+lost > 0 {
		fraction = uint8(s.recv.LossRate() * 256)
	}

	return &rtcp.ReceiverReport{
		SSRC: s.SSRC(),
		Reports: []rtcp.ReceptionReport{{
			SSRC:               remoteSSRC,
			FractionLost:       fraction,
			TotalLost:          uint32(totalLost),
			LastSequenceNumber: extendedSeq,
		}},
	}
}

// BuildSourceDescription assembles an SDES carrying the CNAME for a stream.
func BuildSourceDescription(ssrc uint32, cname string) *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: ssrc,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: cname,
			}},
		}},
	}
}

// BuildBye assembles a BYE for the given source.
func BuildBye(ssrc uint32, reason string) *rtcp.Goodbye {
	return &rtcp.Goodbye{
		Sources: []uint32{ssrc},
		Reason:  reason,
	}
}

// MarshalRTCP serializes RTCP packets into one compound datagram.
func MarshalRTCP(pkts ...rtcp.Packet) ([]byte, error) {
	data, err := rtcp.Marshal(pkts)
	if err != nil {
		return nil, fmt.Errorf("rtcp: %w", err)
	}
	return data, nil
}
