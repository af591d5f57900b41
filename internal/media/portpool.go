package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortLease is one RTP/RTCP socket pair checked out of a PortPool. The
// RTP socket sits on an even port and RTCP on the next odd one, per the
// BSD convention. Closing the lease shuts both sockets and hands the
// pair back to the pool, so dropping a stream is what frees its media
// ports.
type PortLease struct {
	RTPPort  int
	RTCPPort int
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn

	pool *PortPool
	once sync.Once
}

// Close releases the lease: both sockets close and the pair becomes
// allocatable again. Safe to call more than once.
func (l *PortLease) Close() error {
	var err error
	l.once.Do(func() {
		rtpErr := l.RTPConn.Close()
		rtcpErr := l.RTCPConn.Close()
		if l.pool != nil {
			l.pool.reclaim(l.RTPPort)
		}
		if rtpErr != nil {
			err = rtpErr
		} else {
			err = rtcpErr
		}
	})
	return err
}

// PortPool leases UDP port pairs for media streams out of [low, high].
// Fresh pairs come from a monotone cursor that wraps at the top of the
// range; pairs returned by closed leases sit on a reclaim stack and are
// reused ahead of the cursor. Sockets are bound at checkout, so a port
// held by another process is simply skipped. ErrPortExhausted is
// reported when no pair in the range can be leased.
type PortPool struct {
	low    int
	high   int
	logger *slog.Logger

	mu     sync.Mutex
	cursor int              // next fresh even port the scan will try
	leased map[int]struct{} // even ports currently checked out
	freed  []int            // reclaimed even ports, reused LIFO
}

// NewPortPool creates an empty pool over [low, high]. low must be even
// and the range must fit at least one RTP/RTCP pair.
func NewPortPool(low, high int, logger *slog.Logger) (*PortPool, error) {
	if low%2 != 0 {
		return nil, fmt.Errorf("port range must start on an even port, got %d", low)
	}
	if high < low+1 {
		return nil, fmt.Errorf("port range [%d, %d] has no room for an rtp/rtcp pair", low, high)
	}

	p := &PortPool{
		low:    low,
		high:   high,
		logger: logger.With("subsystem", "port-pool"),
		cursor: low,
		leased: make(map[int]struct{}),
	}

	p.logger.Info("media port pool ready",
		"range", fmt.Sprintf("%d-%d", low, high),
		"pairs", p.Capacity(),
	)
	return p, nil
}

// Capacity returns how many pairs fit in the configured range.
func (p *PortPool) Capacity() int {
	return (p.high - p.low + 1) / 2
}

// AllocatedCount returns the number of pairs currently leased out.
func (p *PortPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// Allocate leases the next available pair, binding both sockets before
// handing it out.
func (p *PortPool) Allocate() (*PortLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempts := p.Capacity(); attempts > 0; attempts-- {
		port, ok := p.candidate()
		if !ok {
			break
		}

		lease, err := p.bind(port)
		if err != nil {
			// Something outside the pool holds this port; the cursor
			// will come back around to it eventually.
			p.logger.Debug("media port unavailable, skipping",
				"rtp_port", port,
				"error", err,
			)
			continue
		}

		p.leased[port] = struct{}{}
		p.logger.Debug("media ports leased",
			"rtp_port", port,
			"rtcp_port", port+1,
			"in_use", len(p.leased),
		)
		return lease, nil
	}

	return nil, ErrPortExhausted
}

// candidate picks the next even port to try: reclaimed pairs first,
// then the monotone cursor, wrapping at the top of the range. Caller
// holds p.mu.
func (p *PortPool) candidate() (int, bool) {
	for len(p.freed) > 0 {
		port := p.freed[len(p.freed)-1]
		p.freed = p.freed[:len(p.freed)-1]
		if _, busy := p.leased[port]; !busy {
			return port, true
		}
	}

	for scanned := p.Capacity(); scanned > 0; scanned-- {
		port := p.cursor
		p.cursor += 2
		if p.cursor+1 > p.high {
			p.cursor = p.low
		}
		if _, busy := p.leased[port]; !busy {
			return port, true
		}
	}

	return 0, false
}

// bind opens the pair's sockets. Caller holds p.mu.
func (p *PortPool) bind(port int) (*PortLease, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port + 1})
	if err != nil {
		rtpConn.Close()
		return nil, err
	}

	return &PortLease{
		RTPPort:  port,
		RTCPPort: port + 1,
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
		pool:     p,
	}, nil
}

// reclaim puts a closed lease's pair back into rotation.
func (p *PortPool) reclaim(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.leased[port]; !busy {
		return
	}
	delete(p.leased, port)
	p.freed = append(p.freed, port)

	p.logger.Debug("media ports reclaimed",
		"rtp_port", port,
		"in_use", len(p.leased),
	)
}
