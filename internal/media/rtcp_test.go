package media

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/rtcp"
)

func TestNTPTimeEpoch(t *testing.T) {
	// 1970-01-01 is exactly the NTP epoch offset into the NTP era.
	ntp := NTPTime(time.Unix(0, 0))
	if secs := ntp >> 32; secs != ntpEpochOffset {
		t.Errorf("seconds = %d, want %d", secs, ntpEpochOffset)
	}
	if frac := ntp & 0xFFFFFFFF; frac != 0 {
		t.Errorf("fraction = %d, want 0", frac)
	}
}

func TestNTPTimeRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 500_000_000)
	got := NTPToTime(NTPTime(now))

	if diff := got.Sub(now); diff > time.Microsecond || diff < -time.Microsecond {
		t.Errorf("round trip drifted by %v", diff)
	}
}

func TestSenderReportRoundTrip(t *testing.T) {
	s := NewSessionWithSSRC(0xABCD, CodecPCMU)
	s.NewPacket(make([]byte, 160), s.Timestamp(0), false)
	s.NewPacket(make([]byte, 160), s.Timestamp(160), false)

	now := time.Unix(1700000000, 0)
	sr := BuildSenderReport(s, now, 320)

	data, err := MarshalRTCP(sr)
	if err != nil {
		t.Fatalf("MarshalRTCP: %v", err)
	}

	pkts, err := ParseRTCP(data)
	if err != nil {
		t.Fatalf("ParseRTCP: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}

	got, ok := pkts[0].(*rtcp.SenderReport)
	if !ok {
		t.Fatalf("packet type %T, want *rtcp.SenderReport", pkts[0])
	}
	if got.SSRC != 0xABCD {
		t.Errorf("ssrc = %#x", got.SSRC)
	}
	if got.PacketCount != 2 || got.OctetCount != 320 {
		t.Errorf("counts = %d pkts / %d octets", got.PacketCount, got.OctetCount)
	}
	if got.NTPTime != NTPTime(now) {
		t.Errorf("ntp = %d, want %d", got.NTPTime, NTPTime(now))
	}
}

func TestReceiverReportCarriesLoss(t *testing.T) {
	s := NewSessionWithSSRC(1, CodecPCMU)

	// Feed sequences with a gap of three.
	for _, seq := range []uint16{10, 11, 15} {
		pkt := testPacket(seq, uint32(seq))
		if err := s.ValidateInbound(pkt); err != nil {
			t.Fatalf("ValidateInbound(%d): %v", seq, err)
		}
	}

	rr := BuildReceiverReport(s, 0x9999, 15)
	data, err := MarshalRTCP(rr)
	if err != nil {
		t.Fatalf("MarshalRTCP: %v", err)
	}

	pkts, err := ParseRTCP(data)
	if err != nil {
		t.Fatalf("ParseRTCP: %v", err)
	}
	got, ok := pkts[0].(*rtcp.ReceiverReport)
	if !ok {
		t.Fatalf("packet type %T", pkts[0])
	}
	if len(got.Reports) != 1 || got.Reports[0].SSRC != 0x9999 {
		t.Fatalf("reports = %+v", got.Reports)
	}
	if got.Reports[0].TotalLost != 3 {
		t.Errorf("total lost = %d, want 3", got.Reports[0].TotalLost)
	}
}

func TestSDESAndByeRoundTrip(t *testing.T) {
	sdes := BuildSourceDescription(0x42, "leg-a@relaypbx")
	bye := BuildBye(0x42, "call ended")

	data, err := MarshalRTCP(sdes, bye)
	if err != nil {
		t.Fatalf("MarshalRTCP: %v", err)
	}

	pkts, err := ParseRTCP(data)
	if err != nil {
		t.Fatalf("ParseRTCP: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}

	gotSDES, ok := pkts[0].(*rtcp.SourceDescription)
	if !ok || gotSDES.Chunks[0].Items[0].Text != "leg-a@relaypbx" {
		t.Errorf("sdes = %+v", pkts[0])
	}
	gotBye, ok := pkts[1].(*rtcp.Goodbye)
	if !ok || gotBye.Reason != "call ended" || gotBye.Sources[0] != 0x42 {
		t.Errorf("bye = %+v", pkts[1])
	}
}

func TestParseRTCPRejectsUnsupportedType(t *testing.T) {
	// An APP packet (204) is valid RTCP but outside the supported set.
	data := []byte{0x80, 204, 0x00, 0x02, 0, 0, 0, 1, 'n', 'a', 'm', 'e'}

	if _, err := ParseRTCP(data); !errors.Is(err, ErrUnsupportedPacketType) {
		t.Errorf("err = %v, want ErrUnsupportedPacketType", err)
	}
}

func TestParseRTCPRejectsRunt(t *testing.T) {
	if _, err := ParseRTCP([]byte{0x80, 200}); err == nil {
		t.Error("runt datagram should fail")
	}
}
