// Package outlink drives one outbound TCP socket on behalf of a virtual
// connection: either a socket already accepted from a local listener, or one
// this package dials out to a remote host:port. Inbound TCP bytes are handed
// to a Hoster to be chunked onto the trunk; chunks arriving off the trunk are
// reassembled in order and written back out to the socket.
package outlink

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/golog"

	"github.com/relaykit/bytestacker/internal/chunkpool"
	"github.com/relaykit/bytestacker/internal/trunkcfg"
	"github.com/relaykit/bytestacker/internal/wire"
)

var log = golog.LoggerFor("outlink")

// noStopChunk marks stopWriteChunkID as "no drain-close requested yet".
const noStopChunk = ^uint32(0)

// Hoster is the trunk-side object a Link reports back to: inbound TCP bytes
// to be packaged and sent over the trunk, and the final notification that
// this virtual connection's TCP side is entirely done.
type Hoster interface {
	SendData(id wire.ConnectID, data []byte)
	CloseConnect(id wire.ConnectID)
}

// Link manages one outbound TCP connection. The zero value is not usable;
// construct with New.
type Link struct {
	id     wire.ConnectID
	hoster Hoster
	cfg    *trunkcfg.Config
	pool   *chunkpool.Pool

	conn net.Conn

	mu                 sync.Mutex
	writeChunks        map[uint32][]byte
	networkBuffer      []byte
	nextWriteChunkID   uint32
	stopWriteChunkID   uint32
	stopAfterAllWrite  bool
	stopWriteImmediate bool
	writeSignal        chan struct{}

	readProcessing  atomic.Bool
	writeProcessing atomic.Bool
	closeOnce       sync.Once
}

// New builds a Link for the given virtual connection. pool supplies the
// read-side buffer for the link's lifetime; Call RunAccepted or RunDial to
// actually start it.
func New(id wire.ConnectID, hoster Hoster, cfg *trunkcfg.Config, pool *chunkpool.Pool) *Link {
	return &Link{
		id:               id,
		hoster:           hoster,
		cfg:              cfg,
		pool:             pool,
		writeChunks:      make(map[uint32][]byte),
		stopWriteChunkID: noStopChunk,
		writeSignal:      make(chan struct{}, 1),
	}
}

// RunAccepted starts the link on a connection that is already established
// (the ingress accept-loop case).
func (l *Link) RunAccepted(conn net.Conn) {
	l.conn = conn
	l.start()
}

// RunDial resolves and connects to address (the egress dial-out case) and
// starts the link on success. On failure the link reports itself closed to
// the hoster immediately, mirroring the behavior of an accepted link whose
// socket never opens.
func (l *Link) RunDial(ctx context.Context, network, address string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		log.Debugf("outlink %s: dial %s failed: %v", l.id, address, err)
		l.hoster.CloseConnect(l.id)
		return fmt.Errorf("outlink: dial %s: %w", address, err)
	}
	l.conn = conn
	l.start()
	return nil
}

func (l *Link) start() {
	l.readProcessing.Store(true)
	l.writeProcessing.Store(true)
	go l.readLoop()
	go l.writeLoop()
}

// SendData queues a chunk received off the trunk for writing out to the TCP
// socket, in chunkID order. Out-of-window, duplicate, or post-close chunks
// are silently dropped.
func (l *Link) SendData(chunkID uint32, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if chunkID < l.nextWriteChunkID {
		return
	}
	if l.stopWriteChunkID != noStopChunk && chunkID >= l.stopWriteChunkID {
		log.Debugf("outlink %s: dropping chunk %d arriving after stop at %d", l.id, chunkID, l.stopWriteChunkID)
		return
	}
	if _, exists := l.writeChunks[chunkID]; exists {
		return
	}

	if len(l.writeChunks) >= l.cfg.MaxChunkAmount {
		log.Errorf("outlink %s: write_chunks exceeded %d entries, fatal", l.id, l.cfg.MaxChunkAmount)
		l.stopWriteImmediate = true
		l.signalWriteLocked()
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	l.writeChunks[chunkID] = cp
	l.signalWriteLocked()
}

// Stop requests a drain-close: chunks with id >= stopChunk will never be
// written, and once every chunk below stopChunk has gone out the socket is
// closed. Passing the current next-chunk id (or anything at/below it) closes
// immediately once whatever is already queued has drained.
func (l *Link) Stop(stopChunk uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if stopChunk <= l.nextWriteChunkID {
		l.stopWriteChunkID = l.nextWriteChunkID
		l.stopAfterAllWrite = true
		l.writeChunks = make(map[uint32][]byte)
		l.signalWriteLocked()
		return
	}

	l.stopWriteChunkID = stopChunk
	for k := range l.writeChunks {
		if k >= stopChunk {
			delete(l.writeChunks, k)
		}
	}
	l.signalWriteLocked()
}

// Close forcibly tears the link down regardless of any pending drain, for
// fatal errors upstream (a deadline-exceeded cache entry) where no graceful
// drain is possible. It is safe to call more than once and safe to call
// after the link has already converged on its own.
func (l *Link) Close() {
	l.mu.Lock()
	l.stopWriteImmediate = true
	l.signalWriteLocked()
	l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.SetDeadline(time.Now())
	}
}

func (l *Link) signalWriteLocked() {
	select {
	case l.writeSignal <- struct{}{}:
	default:
	}
}

func (l *Link) readLoop() {
	el := l.pool.Acquire()
	defer l.pool.Release(el)
	buf := chunkpool.Bytes(el)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			l.hoster.SendData(l.id, data)
		}
		if err != nil {
			// peer close or read failure stops writing at once, without a drain
			l.readProcessing.Store(false)
			l.mu.Lock()
			l.stopWriteImmediate = true
			l.mu.Unlock()
			l.abortPending()
			l.checkReadyClose()
			return
		}
	}
}

// fillAndTake assembles as much in-order data as is currently available and
// hands it to the caller, reporting whether the link is fully drained and
// should close with nothing left to send.
func (l *Link) fillAndTake() (buf []byte, readyToClose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopWriteImmediate {
		return nil, true
	}

	if l.stopWriteChunkID != noStopChunk && l.stopWriteChunkID <= l.nextWriteChunkID {
		l.stopAfterAllWrite = true
		l.writeChunks = make(map[uint32][]byte)
	} else {
		for {
			chunk, ok := l.writeChunks[l.nextWriteChunkID]
			if !ok {
				break
			}
			l.networkBuffer = append(l.networkBuffer, chunk...)
			delete(l.writeChunks, l.nextWriteChunkID)
			l.nextWriteChunkID++
			if l.stopWriteChunkID != noStopChunk && l.stopWriteChunkID <= l.nextWriteChunkID {
				l.stopAfterAllWrite = true
				l.writeChunks = make(map[uint32][]byte)
				break
			}
		}
	}

	buf, l.networkBuffer = l.networkBuffer, nil
	if len(buf) == 0 && l.stopAfterAllWrite {
		return nil, true
	}
	return buf, false
}

func (l *Link) writeLoop() {
	idleTimer := time.NewTimer(l.cfg.WriteIdleTimeout)
	defer idleTimer.Stop()

	for {
		buf, readyToClose := l.fillAndTake()
		if len(buf) > 0 {
			if _, err := l.conn.Write(buf); err != nil {
				l.writeProcessing.Store(false)
				l.abortPending()
				l.checkReadyClose()
				return
			}
			continue
		}
		if readyToClose {
			l.writeProcessing.Store(false)
			l.abortPending()
			l.checkReadyClose()
			return
		}

		idleTimer.Reset(l.cfg.WriteIdleTimeout)
		select {
		case <-l.writeSignal:
		case <-idleTimer.C:
			log.Debugf("outlink %s: write idle timeout, nothing queued", l.id)
		}
	}
}

// abortPending unblocks a pending Read or Write on the socket without fully
// closing it, so the other direction's loop can still observe its own error
// and converge on checkReadyClose exactly once. The deadline wakes a
// blocked socket op; the write signal wakes a write loop that isn't blocked
// on the socket at all but idling in its select awaiting writeSignal, which
// a read-side error would otherwise never touch until WriteIdleTimeout.
func (l *Link) abortPending() {
	_ = l.conn.SetDeadline(time.Now())
	l.mu.Lock()
	l.signalWriteLocked()
	l.mu.Unlock()
}

func (l *Link) checkReadyClose() {
	if l.readProcessing.Load() || l.writeProcessing.Load() {
		return
	}
	l.closeOnce.Do(func() {
		_ = l.conn.Close()
		l.hoster.CloseConnect(l.id)
	})
}
