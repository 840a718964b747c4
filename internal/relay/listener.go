package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gmax-telemetry/relay/internal/metrics"
)

// maxDatagramSize comfortably exceeds any UDP payload the vendor sends.
const maxDatagramSize = 65536

// listener owns the UDP socket. Its receive loop does nothing but read,
// stamp and enqueue, so the socket is drained as fast as the kernel hands
// packets over; all interpretation is deferred to the dispatcher. The only
// way it can stall is a full ingestion channel, in which case it applies
// backpressure rather than dropping.
type listener struct {
	conn *net.UDPConn
	out  chan<- Datagram
	log  *zap.Logger
	m    *metrics.Metrics
}

func newListener(addr string, out chan<- Datagram, logger *zap.Logger, m *metrics.Metrics) (*listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address '%v': %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp socket on '%v': %w", addr, err)
	}
	return &listener{
		conn: conn,
		out:  out,
		log:  logger,
		m:    m,
	}, nil
}

func (l *listener) addr() net.Addr {
	return l.conn.LocalAddr()
}

// run receives until the socket is closed, then closes the ingestion
// channel to signal end-of-input to the dispatcher. Datagrams already
// accepted are always enqueued; hardStop only breaks a send blocked on a
// full channel with no consumer left.
func (l *listener) run(hardStop <-chan struct{}) {
	defer close(l.out)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Error("Socket receive failed", zap.Error(err))
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.m.Received.Inc()

		d := Datagram{Payload: payload, Addr: addr, Received: time.Now()}
		select {
		case l.out <- d:
		default:
			l.m.Backpressure.Inc()
			select {
			case l.out <- d:
			case <-hardStop:
				return
			}
		}
	}
}

// stop closes the socket, which unblocks the receive loop.
func (l *listener) stop() {
	_ = l.conn.Close()
}
