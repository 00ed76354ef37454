package trunk

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// lossyRelay is a single-socket UDP hairpin relay between a known server
// endpoint and whichever client last sent to it, dropping each forwarded
// datagram independently with probability rate. It exists to drive the
// resend cache's retransmission path under real loss, the way a trunk link
// would see it on an actual lossy network, rather than asserting on the
// cache's internals directly.
type lossyRelay struct {
	rate       float64
	rng        *rand.Rand
	serverAddr *net.UDPAddr

	mu         sync.Mutex
	clientAddr *net.UDPAddr

	stop chan struct{}
}

func newLossyRelay(rate float64, seed int64, serverAddr *net.UDPAddr) *lossyRelay {
	return &lossyRelay{
		rate:       rate,
		rng:        rand.New(rand.NewSource(seed)),
		serverAddr: serverAddr,
		stop:       make(chan struct{}),
	}
}

// run reads datagrams on sock and hairpins them toward the other side,
// applying the configured drop rate, until Close is called.
func (l *lossyRelay) run(sock *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		_ = sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := sock.ReadFromUDP(buf)
		select {
		case <-l.stop:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		var to *net.UDPAddr
		if from.String() == l.serverAddr.String() {
			l.mu.Lock()
			to = l.clientAddr
			l.mu.Unlock()
		} else {
			l.mu.Lock()
			l.clientAddr = from
			l.mu.Unlock()
			to = l.serverAddr
		}
		if to == nil {
			continue // server replied before any client packet established a return path
		}

		if l.rng.Float64() < l.rate {
			continue // datagram dropped, same as a lossy network path
		}
		_, _ = sock.WriteToUDP(buf[:n], to)
	}
}

func (l *lossyRelay) Close() {
	close(l.stop)
}
