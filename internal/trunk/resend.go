package trunk

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/relaykit/bytestacker/internal/trunkcfg"
	"github.com/relaykit/bytestacker/internal/wire"
)

// entryKind distinguishes what a resendEntry is retransmitting: each kind
// acks against a different key (create/stop match on id alone, data matches
// on id+index).
type entryKind int

const (
	kindCreate entryKind = iota
	kindData
	kindStop
)

// resendEntry is one unacked outbound packet.
type resendEntry struct {
	id       wire.ConnectID
	kind     entryKind
	index    uint32
	payload  []byte
	nextSend time.Time
	deadline time.Time

	// returnAddr/socketIdx pin a kindStop entry to the endpoint observed at
	// CloseConnect time: by the time a stop is sent, the registry entry
	// that would otherwise supply the return address is already gone.
	returnAddr *net.UDPAddr
	socketIdx  int
}

// ResendCache is the single shared store of unacknowledged outbound packets
// for one TrunkLink. A single periodic Tick sweeps every entry; the cache
// lock is only ever held around map/slice mutation, never across a socket
// write.
type ResendCache struct {
	resendTimeout   time.Duration
	deadlineTimeout time.Duration

	send   func(id wire.ConnectID, payload []byte) error
	sendTo func(payload []byte, returnAddr *net.UDPAddr, socketIdx int) error
	fail   func(id wire.ConnectID)

	mu      sync.Mutex
	entries []*resendEntry
}

// NewResendCache builds a cache tuned by cfg. send transmits (or
// retransmits) one packet's raw bytes for id by looking up its current
// return endpoint; sendTo does the same but addressed explicitly, for
// packets sent after the connection has already left the registry. fail is
// invoked at most once per deadline-exceeded entry and should tear the
// connection down.
func NewResendCache(cfg *trunkcfg.Config, send func(wire.ConnectID, []byte) error, sendTo func([]byte, *net.UDPAddr, int) error, fail func(wire.ConnectID)) *ResendCache {
	return &ResendCache{
		resendTimeout:   cfg.ResendTimeout,
		deadlineTimeout: cfg.DeadlineTimeout,
		send:            send,
		sendTo:          sendTo,
		fail:            fail,
	}
}

func (c *ResendCache) addLocked(e *resendEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

// AddCreate registers a CreateConnect packet for retransmission and sends it
// once immediately.
func (c *ResendCache) AddCreate(id wire.ConnectID, payload []byte) {
	now := time.Now()
	c.addLocked(&resendEntry{
		id:       id,
		kind:     kindCreate,
		payload:  payload,
		nextSend: now.Add(c.resendTimeout),
		deadline: now.Add(c.deadlineTimeout),
	})
	_ = c.send(id, payload)
}

// AddData registers a DataOut/DataIn packet for retransmission and sends it
// once immediately.
func (c *ResendCache) AddData(id wire.ConnectID, index uint32, payload []byte) {
	now := time.Now()
	c.addLocked(&resendEntry{
		id:       id,
		kind:     kindData,
		index:    index,
		payload:  payload,
		nextSend: now.Add(c.resendTimeout),
		deadline: now.Add(c.deadlineTimeout),
	})
	_ = c.send(id, payload)
}

// AddStop registers a StopConnect notification for retransmission and sends
// it once immediately, addressed directly at returnAddr/socketIdx rather
// than through the registry, which by the time a stop is sent no longer
// holds this id.
func (c *ResendCache) AddStop(id wire.ConnectID, payload []byte, returnAddr *net.UDPAddr, socketIdx int) {
	now := time.Now()
	c.addLocked(&resendEntry{
		id:         id,
		kind:       kindStop,
		payload:    payload,
		nextSend:   now.Add(c.resendTimeout),
		deadline:   now.Add(c.deadlineTimeout),
		returnAddr: returnAddr,
		socketIdx:  socketIdx,
	})
	_ = c.sendTo(payload, returnAddr, socketIdx)
}

func (c *ResendCache) removeLocked(match func(*resendEntry) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// AckCreate removes every create-connect entry for id. A duplicate or
// unknown ack is a no-op.
func (c *ResendCache) AckCreate(id wire.ConnectID) {
	c.removeLocked(func(e *resendEntry) bool { return e.id == id && e.kind == kindCreate })
}

// AckData removes the data entry matching (id, index). A duplicate or
// unknown ack is a no-op.
func (c *ResendCache) AckData(id wire.ConnectID, index uint32) {
	c.removeLocked(func(e *resendEntry) bool { return e.id == id && e.kind == kindData && e.index == index })
}

// AckStop removes the stop entry for id. A duplicate or unknown ack is a
// no-op.
func (c *ResendCache) AckStop(id wire.ConnectID) {
	c.removeLocked(func(e *resendEntry) bool { return e.id == id && e.kind == kindStop })
}

// RemoveAll purges every entry for id, regardless of kind. Used when a
// connection closes.
func (c *ResendCache) RemoveAll(id wire.ConnectID) {
	c.removeLocked(func(e *resendEntry) bool { return e.id == id })
}

// Tick performs one sweep: entries past their deadline fail their
// connection, entries past their next-send time are retransmitted and
// rescheduled. Socket writes and fail callbacks happen after the lock is
// released.
func (c *ResendCache) Tick() {
	now := time.Now()

	type job struct {
		id         wire.ConnectID
		payload    []byte
		kind       entryKind
		returnAddr *net.UDPAddr
		socketIdx  int
	}
	var jobs []job
	var failedIDs []wire.ConnectID

	c.mu.Lock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		switch {
		case now.After(e.deadline):
			failedIDs = append(failedIDs, e.id)
		case !now.Before(e.nextSend):
			e.nextSend = e.nextSend.Add(c.resendTimeout)
			jobs = append(jobs, job{e.id, e.payload, e.kind, e.returnAddr, e.socketIdx})
			kept = append(kept, e)
		default:
			kept = append(kept, e)
		}
	}
	c.entries = kept
	c.mu.Unlock()

	for _, j := range jobs {
		if j.kind == kindStop {
			_ = c.sendTo(j.payload, j.returnAddr, j.socketIdx)
		} else {
			_ = c.send(j.id, j.payload)
		}
	}
	for _, id := range failedIDs {
		c.fail(id)
	}
}

// Run drives Tick on cfg's resend interval until ctx is cancelled.
func (c *ResendCache) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick()
		}
	}
}
