package relay

import (
	"net"
	"time"
)

// Datagram is one raw telemetry packet as received from the socket. It is
// created by the listener, read-only thereafter, and discarded once the
// dispatcher has finished with it.
type Datagram struct {
	Payload  []byte
	Addr     net.Addr
	Received time.Time
}
