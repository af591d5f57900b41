package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// Direction is the negotiated media direction for a stream, from the
// stream's own point of view.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

// ParseDirection maps an SDP direction attribute to a Direction.
// Unknown values default to sendrecv per RFC 3264.
func ParseDirection(attr string) Direction {
	switch attr {
	case "sendonly":
		return DirectionSendOnly
	case "recvonly":
		return DirectionRecvOnly
	case "inactive":
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// String returns the SDP attribute form of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// CanSend reports whether the stream may transmit media.
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanRecv reports whether the stream accepts inbound media.
func (d Direction) CanRecv() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Reverse mirrors the direction for the answering side of an offer:
// sendonly becomes recvonly and vice versa.
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

// Consumer receives parsed, validated inbound RTP packets from a stream.
type Consumer func(*rtp.Packet)

const (
	// maxDatagram is the largest UDP payload the receive loops handle.
	maxDatagram = 1500

	// readTimeout lets receive loops periodically observe the stop flag.
	readTimeout = 100 * time.Millisecond

	// srInterval is how often an RTCP sender report is emitted while the
	// stream direction allows sending.
	srInterval = 5 * time.Second
)

// Stream owns one leg's RTP and RTCP sockets. A background receive loop
// parses inbound RTP and hands frames to the consumer; a periodic task
// emits RTCP sender reports. Stop drains both loops and closes the
// sockets.
type Stream struct {
	session *Session
	lease   *PortLease
	logger  *slog.Logger

	remoteRTP  atomic.Pointer[net.UDPAddr]
	remoteRTCP atomic.Pointer[net.UDPAddr]
	remoteSSRC atomic.Uint32
	direction  atomic.Int32

	mu       sync.Mutex
	consumer Consumer

	samples atomic.Uint32 // sent sample clock for RTP timestamps

	recvPackets atomic.Uint64
	recvBytes   atomic.Uint64
	recvDropped atomic.Uint64

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	cname string
}

// NewStream creates a stream over a leased port pair. The stream takes
// ownership of the lease; Stop closes it, returning the pair to its pool.
func NewStream(lease *PortLease, codec Codec, cname string, logger *slog.Logger) *Stream {
	s := &Stream{
		session: NewSession(codec),
		lease:   lease,
		cname:   cname,
		stopCh:  make(chan struct{}),
		logger: logger.With(
			"subsystem", "media-stream",
			"rtp_port", lease.RTPPort,
		),
	}
	s.direction.Store(int32(DirectionInactive))
	return s
}

// Session exposes the stream's RTP session for stats and SR generation.
func (s *Stream) Session() *Session { return s.session }

// LocalRTPPort returns the local RTP port.
func (s *Stream) LocalRTPPort() int { return s.lease.RTPPort }

// SetRemote sets the far-end RTP and RTCP addresses from SDP. The RTP
// address may later be refined by symmetric RTP learning.
func (s *Stream) SetRemote(rtpAddr *net.UDPAddr) {
	s.remoteRTP.Store(rtpAddr)
	s.remoteRTCP.Store(&net.UDPAddr{IP: rtpAddr.IP, Port: rtpAddr.Port + 1})
}

// RemoteRTP returns the current far-end RTP address, or nil.
func (s *Stream) RemoteRTP() *net.UDPAddr { return s.remoteRTP.Load() }

// SetDirection updates the negotiated direction.
func (s *Stream) SetDirection(d Direction) {
	old := Direction(s.direction.Swap(int32(d)))
	if old != d {
		s.logger.Info("stream direction changed",
			"from", old.String(),
			"to", d.String(),
		)
	}
}

// Direction returns the current negotiated direction.
func (s *Stream) Direction() Direction {
	return Direction(s.direction.Load())
}

// SetConsumer installs the downstream consumer for inbound frames.
func (s *Stream) SetConsumer(c Consumer) {
	s.mu.Lock()
	s.consumer = c
	s.mu.Unlock()
}

// Start launches the receive and RTCP loops. It is a no-op if the
// stream was already started or stopped.
func (s *Stream) Start() {
	if s.stopped.Load() || !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(3)
	go s.recvLoop()
	go s.rtcpRecvLoop()
	go s.rtcpSendLoop()

	s.logger.Debug("media stream started",
		"ssrc", s.session.SSRC(),
		"codec", s.session.Codec().Name,
	)
}

// Stop terminates the background loops and closes both sockets. It is
// idempotent; concurrent callers all return after teardown completes.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
		s.wg.Wait()

		// Best-effort RTCP BYE so the far end stops expecting media.
		if remote := s.remoteRTCP.Load(); remote != nil {
			if data, err := MarshalRTCP(BuildBye(s.session.SSRC(), "session ended")); err == nil {
				s.lease.RTCPConn.WriteToUDP(data, remote)
			}
		}

		// Closing the lease also returns the port pair to the pool.
		if err := s.lease.Close(); err != nil {
			s.logger.Warn("error closing media sockets", "error", err)
		}
		s.session.ReleaseSSRC()
		stats := s.session.Stats()
		s.logger.Debug("media stream stopped",
			"packets_sent", stats.PacketsSent,
			"packets_received", s.recvPackets.Load(),
			"dropped", s.recvDropped.Load(),
		)
	})
}

// SendPayload frames and transmits one payload as the next RTP packet.
// Sends are silently skipped while the direction does not allow them or
// no remote address is known.
func (s *Stream) SendPayload(payload []byte, marker bool) error {
	if s.stopped.Load() {
		return ErrStreamClosed
	}
	if !s.Direction().CanSend() {
		return nil
	}
	remote := s.remoteRTP.Load()
	if remote == nil {
		return nil
	}

	// For G.711 one payload byte is one sample, so the timestamp clock
	// advances by the payload length.
	ts := s.session.Timestamp(s.samples.Load())
	s.samples.Add(uint32(len(payload)))

	pkt := s.session.NewPacket(payload, ts, marker)
	data, err := MarshalRTP(pkt)
	if err != nil {
		return err
	}

	_, err = s.lease.RTPConn.WriteToUDP(data, remote)
	return err
}

// SendEvent transmits an RFC 4733 telephone-event payload on the
// stream's sequence space without advancing the audio sample clock.
func (s *Stream) SendEvent(payload []byte, marker bool) error {
	if s.stopped.Load() {
		return ErrStreamClosed
	}
	if !s.Direction().CanSend() {
		return nil
	}
	remote := s.remoteRTP.Load()
	if remote == nil {
		return nil
	}

	pkt := s.session.NewPacket(payload, s.session.Timestamp(s.samples.Load()), marker)
	pkt.PayloadType = PayloadTelephoneEvent

	data, err := MarshalRTP(pkt)
	if err != nil {
		return err
	}
	_, err = s.lease.RTPConn.WriteToUDP(data, remote)
	return err
}

// Stats returns receive counters alongside the session's send counters.
func (s *Stream) Stats() (session Stats, recvPackets, recvBytes, recvDropped uint64) {
	return s.session.Stats(), s.recvPackets.Load(), s.recvBytes.Load(), s.recvDropped.Load()
}

// recvLoop reads inbound RTP, validates it, learns the remote address
// from the first valid packet (symmetric RTP, for NAT traversal), and
// hands frames to the consumer while the direction allows receiving.
func (s *Stream) recvLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	learned := false

	for !s.stopped.Load() {
		s.lease.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := s.lease.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if s.stopped.Load() {
				return
			}
			s.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt, err := ParseRTP(buf[:n])
		if err != nil {
			s.recvDropped.Add(1)
			continue
		}
		// RFC 4733 telephone-events ride alongside the audio codec and
		// stay payload-opaque; everything else must match the session.
		if pkt.PayloadType != PayloadTelephoneEvent {
			if err := s.session.ValidateInbound(pkt); err != nil {
				s.recvDropped.Add(1)
				continue
			}
		}

		s.remoteSSRC.Store(pkt.SSRC)

		if !learned {
			learned = true
			if old := s.remoteRTP.Load(); old == nil || !old.IP.Equal(srcAddr.IP) || old.Port != srcAddr.Port {
				s.remoteRTP.Store(srcAddr)
				s.logger.Info("symmetric rtp: learned remote address",
					"address", srcAddr.String(),
				)
			}
		}

		s.recvPackets.Add(1)
		s.recvBytes.Add(uint64(n))

		if !s.Direction().CanRecv() {
			continue
		}

		s.mu.Lock()
		consumer := s.consumer
		s.mu.Unlock()
		if consumer != nil {
			consumer(pkt)
		}
	}
}

// rtcpRecvLoop drains the RTCP socket so remote reports do not pile up.
func (s *Stream) rtcpRecvLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for !s.stopped.Load() {
		s.lease.RTCPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := s.lease.RTCPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if s.stopped.Load() {
				return
			}
			continue
		}

		pkts, err := ParseRTCP(buf[:n])
		if err != nil {
			s.logger.Debug("rtcp parse error", "error", err)
			continue
		}
		s.logger.Debug("rtcp received", "packets", len(pkts))
	}
}

// rtcpSendLoop emits a sender report every srInterval while the
// direction allows sending.
func (s *Stream) rtcpSendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(srInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		remote := s.remoteRTCP.Load()
		if remote == nil {
			continue
		}

		// Senders emit SR; a receive-only stream reports reception
		// quality with RR instead.
		sdes := BuildSourceDescription(s.session.SSRC(), s.cname)
		var data []byte
		var err error
		switch {
		case s.Direction().CanSend():
			sr := BuildSenderReport(s.session, time.Now(), s.samples.Load())
			data, err = MarshalRTCP(sr, sdes)
		case s.Direction().CanRecv() && s.remoteSSRC.Load() != 0:
			rr := BuildReceiverReport(s.session, s.remoteSSRC.Load(), s.session.recv.Extended())
			data, err = MarshalRTCP(rr, sdes)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn("failed to marshal rtcp report", "error", err)
			continue
		}
		if _, err := s.lease.RTCPConn.WriteToUDP(data, remote); err != nil {
			s.logger.Debug("failed to send rtcp report", "error", err)
		}
	}
}
