// Package chunkpool provides a ring-buffered pool of fixed-size byte chunks
// so the outbound TCP driver's read loop doesn't allocate a fresh buffer on
// every read.
package chunkpool

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var emptySlice []byte

// chunk is the pooled payload type handed to ringpool as its DataInterface.
type chunk struct {
	bytes  []byte
	length int
}

// newChunk satisfies rp.RingPool's factory signature. It is passed to
// rp.NewRingPool and invoked once per slot at pool-creation time, never
// per-acquire.
func newChunk(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		return nil
	}
	size, ok := params[0].(int)
	if !ok {
		return nil
	}
	if len(emptySlice) < size {
		emptySlice = make([]byte, size)
	}
	return &chunk{bytes: make([]byte, size)}
}

func (c *chunk) Reset() {
	copy(c.bytes, emptySlice)
	c.length = 0
}

func (c *chunk) PrintContent() {
	fmt.Println(c.bytes[:c.length])
}

func (c *chunk) Copy(src []byte) error {
	if len(src) > len(c.bytes) {
		return fmt.Errorf("chunkpool: source of %d bytes exceeds chunk size %d", len(src), len(c.bytes))
	}
	copy(c.bytes, src)
	c.length = len(src)
	return nil
}

func (c *chunk) GetSlice() []byte {
	return c.bytes[:c.length]
}

// Pool wraps a ringpool.RingPool of fixed-size chunks.
type Pool struct {
	rp *rp.RingPool
}

// New creates a pool of the given slot count, each slot sized chunkSize
// bytes. debug enables ringpool's own verbose tracing.
func New(name string, slots, chunkSize int, debug bool) *Pool {
	ring := rp.NewRingPool(name, slots, newChunk, chunkSize)
	ring.Debug = debug
	return &Pool{rp: ring}
}

// Acquire reserves one chunk slot. The caller must call Release once done
// with it; failing to do so leaks a pool slot.
func (p *Pool) Acquire() *rp.Element {
	return p.rp.GetElement()
}

// Release returns a slot acquired via Acquire back to the pool.
func (p *Pool) Release(el *rp.Element) {
	if el != nil {
		p.rp.ReturnElement(el)
	}
}

// Fill copies src into the chunk owned by el and returns the pooled slice.
// The returned slice aliases the chunk's backing array and is only valid
// until el is released.
func Fill(el *rp.Element, src []byte) ([]byte, error) {
	c := el.Data.(*chunk)
	if err := c.Copy(src); err != nil {
		return nil, err
	}
	return c.GetSlice(), nil
}

// Bytes returns the full fixed-size backing buffer owned by el, for reading
// data directly into — unlike Fill, which copies data in, this hands back
// the raw buffer so a caller like a socket Read can fill it itself. The
// returned slice aliases the chunk's backing array and is only valid until
// el is released.
func Bytes(el *rp.Element) []byte {
	return el.Data.(*chunk).bytes
}

