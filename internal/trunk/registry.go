package trunk

import (
	"net"
	"sync"

	"github.com/relaykit/bytestacker/internal/outlink"
	"github.com/relaykit/bytestacker/internal/wire"
)

// connState is the virtual connection's lifecycle stage.
type connState int

const (
	statePending connState = iota
	stateOpen
	stateDraining
	stateClosed
)

type virtualConn struct {
	id      wire.ConnectID
	pointID uint32
	state   connState
	link    *outlink.Link

	// dataCmd is the data command this side emits for bytes read off its
	// outbound TCP link: DataOut for a client-role connection, DataIn for
	// a server-role one.
	dataCmd wire.Command

	nextSendIndex uint32

	// returnAddr/socketIdx are server-role only: the last-seen UDP source
	// for this connection, and which bound socket it arrived on.
	returnAddr *net.UDPAddr
	socketIdx  int
}

// Registry is the ConnectID-keyed table of live virtual connections for one
// TrunkLink. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[wire.ConnectID]*virtualConn
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[wire.ConnectID]*virtualConn)}
}

// insert adds vc if its id is not already present. Returns false on
// collision, leaving the existing entry untouched.
func (r *Registry) insert(vc *virtualConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[vc.id]; exists {
		return false
	}
	r.conns[vc.id] = vc
	return true
}

func (r *Registry) get(id wire.ConnectID) (*virtualConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.conns[id]
	return vc, ok
}

// remove deletes id's entry, returning it if present. Idempotent: removing
// an already-absent id returns ok=false.
func (r *Registry) remove(id wire.ConnectID) (*virtualConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return vc, ok
}

func (r *Registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) setState(id wire.ConnectID, state connState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vc, ok := r.conns[id]; ok {
		vc.state = state
	}
}

// updateReturnAddr refreshes the server-side client-return-endpoint table.
// A no-op if id is not yet known (e.g. the first packet seen for it is its
// own CreateConnect, which stamps returnAddr itself on insert).
func (r *Registry) updateReturnAddr(id wire.ConnectID, addr *net.UDPAddr, socketIdx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vc, ok := r.conns[id]; ok {
		vc.returnAddr = addr
		vc.socketIdx = socketIdx
	}
}

// nextSendIndex allocates the next monotonic PacketIndex id's outbound link
// will use, per §3's gapless-prefix invariant.
func (r *Registry) nextSendIndex(id wire.ConnectID) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.conns[id]
	if !ok {
		return 0, false
	}
	idx := vc.nextSendIndex
	vc.nextSendIndex++
	return idx, true
}
