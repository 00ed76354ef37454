// Package trunk implements the trunk-link core: the virtual-connection
// registry, the retransmission cache, and the UDP dispatcher that ties both
// together in either the client (ingress) or server (egress) role.
package trunk

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/golog"

	"github.com/relaykit/bytestacker/internal/chunkpool"
	"github.com/relaykit/bytestacker/internal/outlink"
	"github.com/relaykit/bytestacker/internal/trunkcfg"
	"github.com/relaykit/bytestacker/internal/wire"
)

var log = golog.LoggerFor("trunk")

// Role distinguishes the ingress (client) side of a trunk from the egress
// (server) side; both embed the same dispatcher, parameterised by role.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

var clientRejects = map[wire.Command]bool{
	wire.CmdCreateConnect: true,
	wire.CmdDataOut:       true,
	wire.CmdAckDataIn:     true,
}

var serverRejects = map[wire.Command]bool{
	wire.CmdAckCreateConnect: true,
	wire.CmdDataIn:           true,
	wire.CmdAckDataOut:       true,
}

// LinkFactory resolves a PointID to a dial target on the server side. A
// false ok silently drops the create request; the client retries until its
// own deadline.
type LinkFactory func(pointID uint32) (address string, ok bool)

// Link is one TrunkLink: the UDP receive loop, command dispatch, role
// gating, and the registry/cache it drives. Construct with New and start
// with Run.
type Link struct {
	role    Role
	cfg     *trunkcfg.Config
	pool    *chunkpool.Pool
	conns   []*net.UDPConn
	factory LinkFactory

	registry *Registry
	cache    *ResendCache

	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64

	wg sync.WaitGroup
}

// New builds a trunk dispatcher. conns are the bound UDP sockets for this
// side: for a client, sockets dialed (via net.DialUDP) to the trunk's
// remote endpoints, sent-to via Write; for a server, sockets listening (via
// net.ListenUDP) on the trunk's local bind endpoints, sent-to via
// WriteToUDP. factory is required for RoleServer and ignored for
// RoleClient.
func New(role Role, cfg *trunkcfg.Config, pool *chunkpool.Pool, conns []*net.UDPConn, factory LinkFactory) *Link {
	t := &Link{
		role:     role,
		cfg:      cfg,
		pool:     pool,
		conns:    conns,
		factory:  factory,
		registry: NewRegistry(),
	}
	t.cache = NewResendCache(cfg, t.sendPacket, t.sendPacketTo, t.onDeadlineExceeded)
	return t
}

// Run starts the UDP receive loop for every bound socket and the
// retransmission cache's resend ticker. It returns immediately; call Wait
// to block until ctx is cancelled and everything has wound down.
func (t *Link) Run(ctx context.Context) {
	for i, c := range t.conns {
		t.wg.Add(1)
		go t.receiveLoop(ctx, i, c)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.cache.Run(ctx, t.cfg.ResendTick)
	}()
}

// Wait blocks until every goroutine started by Run has returned.
func (t *Link) Wait() {
	t.wg.Wait()
}

// BytesOut, BytesIn, and LiveConnections implement the trunk-wide
// observability counters (internal/stats.Source).
func (t *Link) BytesOut() uint64     { return t.bytesOut.Load() }
func (t *Link) BytesIn() uint64      { return t.bytesIn.Load() }
func (t *Link) LiveConnections() int { return t.registry.count() }

func (t *Link) receiveLoop(ctx context.Context, socketIdx int, conn *net.UDPConn) {
	defer t.wg.Done()

	buf := make([]byte, wire.MaxPayload+64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Debugf("trunk(%s): read error on socket %d: %v", t.role, socketIdx, err)
			continue
		}

		pkt, err := wire.Unmarshal(buf[:n])
		if err != nil {
			log.Tracef("trunk(%s): dropping malformed packet from %v: %v", t.role, addr, err)
			continue
		}
		t.dispatch(pkt, addr, socketIdx)
	}
}

func (t *Link) dispatch(pkt wire.Packet, addr *net.UDPAddr, socketIdx int) {
	reject := clientRejects
	if t.role == RoleServer {
		reject = serverRejects
	}
	if reject[pkt.Command] {
		log.Tracef("trunk(%s): dropping role-violating command %s from %v", t.role, pkt.Command, addr)
		return
	}

	if t.role == RoleServer {
		t.registry.updateReturnAddr(pkt.ConnectID, addr, socketIdx)
	}

	switch pkt.Command {
	case wire.CmdCreateConnect:
		t.onCreateConnect(pkt, addr, socketIdx)
	case wire.CmdReleaseConnect:
		// reserved wire command with no observed handler; see design notes.
	case wire.CmdAckCreateConnect:
		t.onAckCreateConnect(pkt.ConnectID)
	case wire.CmdDataOut:
		t.onData(pkt.ConnectID, pkt.PacketIndex, pkt.Payload, wire.CmdAckDataOut)
	case wire.CmdDataIn:
		t.onData(pkt.ConnectID, pkt.PacketIndex, pkt.Payload, wire.CmdAckDataIn)
	case wire.CmdAckDataOut, wire.CmdAckDataIn:
		t.cache.AckData(pkt.ConnectID, pkt.PacketIndex)
	case wire.CmdStopConnect:
		t.onStopConnect(pkt.ConnectID, pkt.PacketIndex)
	case wire.CmdAckStopConnect:
		t.cache.AckStop(pkt.ConnectID)
	case wire.CmdLive:
		log.Tracef("trunk(%s): live packet from %s", t.role, pkt.ConnectID)
	}
}

// AddConnect registers a freshly accepted TCP socket as a new virtual
// connection and begins CreateConnect retransmission. Client-role only.
func (t *Link) AddConnect(pointID uint32, conn net.Conn) (wire.ConnectID, error) {
	if t.role != RoleClient {
		return wire.ConnectID{}, fmt.Errorf("trunk: AddConnect is client-role only")
	}

	id := wire.NewConnectID()
	link := outlink.New(id, t, t.cfg, t.pool)
	vc := &virtualConn{id: id, pointID: pointID, state: statePending, link: link, dataCmd: wire.CmdDataOut}
	if !t.registry.insert(vc) {
		conn.Close()
		return wire.ConnectID{}, fmt.Errorf("trunk: connect id collision")
	}

	link.RunAccepted(conn)

	pkt := wire.NewCreateConnect(wire.CmdCreateConnect, id, pointID, uint32(t.cfg.DeadlineTimeout.Milliseconds()))
	payload, err := pkt.Marshal()
	if err != nil {
		return wire.ConnectID{}, fmt.Errorf("trunk: marshal create-connect: %w", err)
	}
	t.cache.AddCreate(id, payload)
	return id, nil
}

func (t *Link) onCreateConnect(pkt wire.Packet, addr *net.UDPAddr, socketIdx int) {
	if _, ok := t.registry.get(pkt.ConnectID); ok {
		t.ackCreate(pkt.ConnectID)
		return
	}
	if t.factory == nil {
		return
	}
	address, ok := t.factory(pkt.PointID)
	if !ok {
		log.Debugf("trunk(server): no dial target configured for point %d", pkt.PointID)
		return
	}

	link := outlink.New(pkt.ConnectID, t, t.cfg, t.pool)
	vc := &virtualConn{
		id:         pkt.ConnectID,
		pointID:    pkt.PointID,
		state:      stateOpen,
		link:       link,
		dataCmd:    wire.CmdDataIn,
		returnAddr: addr,
		socketIdx:  socketIdx,
	}
	if !t.registry.insert(vc) {
		return
	}
	t.ackCreate(pkt.ConnectID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DeadlineTimeout)
		defer cancel()
		if err := link.RunDial(ctx, "tcp", address); err != nil {
			log.Debugf("trunk(server): dial for point %d failed: %v", pkt.PointID, err)
		}
	}()
}

func (t *Link) ackCreate(id wire.ConnectID) {
	payload, err := wire.NewAckCreateConnect(id).Marshal()
	if err != nil {
		log.Errorf("trunk: marshal ack-create-connect: %v", err)
		return
	}
	if err := t.sendPacket(id, payload); err != nil {
		log.Debugf("trunk: send ack-create-connect for %s: %v", id, err)
	}
}

func (t *Link) onAckCreateConnect(id wire.ConnectID) {
	t.cache.AckCreate(id)
	t.registry.setState(id, stateOpen)
}

func (t *Link) onData(id wire.ConnectID, index uint32, payload []byte, ackCmd wire.Command) {
	if ack, err := wire.NewAckData(ackCmd, id, index).Marshal(); err != nil {
		log.Errorf("trunk: marshal ack for %s#%d: %v", id, index, err)
	} else if err := t.sendPacket(id, ack); err != nil {
		log.Debugf("trunk: send ack for %s#%d: %v", id, index, err)
	}

	vc, ok := t.registry.get(id)
	if !ok || vc.link == nil {
		return
	}
	vc.link.SendData(index, payload)
}

// SendData implements outlink.Hoster: bytes read off id's outbound TCP
// socket are packaged as the role-appropriate data command and queued for
// reliable delivery.
func (t *Link) SendData(id wire.ConnectID, data []byte) {
	vc, ok := t.registry.get(id)
	if !ok {
		return
	}
	index, ok := t.registry.nextSendIndex(id)
	if !ok {
		return
	}

	payload, err := wire.NewData(vc.dataCmd, id, index, data).Marshal()
	if err != nil {
		log.Errorf("trunk: marshal data for %s#%d: %v", id, index, err)
		return
	}

	if t.role == RoleClient {
		t.bytesOut.Add(uint64(len(data)))
	} else {
		t.bytesIn.Add(uint64(len(data)))
	}
	t.cache.AddData(id, index, payload)
}

// CloseConnect implements outlink.Hoster: removes id from the registry,
// purges its cache entries, and notifies the peer trunk so its paired link
// drains and closes too — the only mechanism by which one side's fully
// closed TCP socket propagates to the other side's. Idempotent, and must
// never call back into the link that reported it, per the one-shot
// shutdown contract of §4.6.
func (t *Link) CloseConnect(id wire.ConnectID) {
	vc, ok := t.registry.remove(id)
	if !ok {
		return
	}
	t.cache.RemoveAll(id)
	log.Debugf("trunk(%s): closed virtual connection %s", t.role, id)
	t.notifyPeerStop(id, vc.nextSendIndex, vc.returnAddr, vc.socketIdx)
}

// notifyPeerStop tells the peer that no data at or above stopIndex will
// ever arrive for id, so it should Stop its own paired link at that index.
// Sent reliably through the resend cache like a create or data packet, but
// addressed explicitly: by the time it is sent, id has already left the
// registry that would otherwise supply the return endpoint.
//
// §4.2 describes CloseConnect as purely local, and §9 forbids reusing
// ReleaseConnect's reserved, unspecified semantics for this purpose — so
// close propagation (§8, scenario 2) needs its own dedicated wire signal
// rather than overloading either of those.
func (t *Link) notifyPeerStop(id wire.ConnectID, stopIndex uint32, returnAddr *net.UDPAddr, socketIdx int) {
	payload, err := wire.NewStopConnect(id, stopIndex).Marshal()
	if err != nil {
		log.Errorf("trunk: marshal stop-connect for %s: %v", id, err)
		return
	}
	t.cache.AddStop(id, payload, returnAddr, socketIdx)
}

// onStopConnect handles the peer's notification that its half of id is
// fully closed. The ack is unconditional, so the peer's retransmission
// stops even if we no longer know this id (we already converged on our own
// and removed it); only when the connection is still live do we drain our
// paired link to match.
func (t *Link) onStopConnect(id wire.ConnectID, stopIndex uint32) {
	if payload, err := wire.NewAckStopConnect(id).Marshal(); err != nil {
		log.Errorf("trunk: marshal ack-stop-connect for %s: %v", id, err)
	} else if err := t.sendPacket(id, payload); err != nil {
		log.Debugf("trunk: send ack-stop-connect for %s: %v", id, err)
	}

	vc, ok := t.registry.get(id)
	if !ok || vc.link == nil {
		return
	}
	t.registry.setState(id, stateDraining)
	vc.link.Stop(stopIndex)
}

// onDeadlineExceeded is the resend cache's fail callback: an unacked packet
// has outlived kDeadlineTimeout. Unlike CloseConnect, this may still need to
// force an otherwise-healthy link's socket shut before the registry can be
// cleaned up, since the link itself has not observed any error yet.
func (t *Link) onDeadlineExceeded(id wire.ConnectID) {
	vc, ok := t.registry.get(id)
	if !ok {
		return
	}
	log.Debugf("trunk(%s): deadline exceeded for %s, tearing down", t.role, id)
	if vc.link != nil {
		vc.link.Close()
		return
	}
	t.CloseConnect(id)
}

func (t *Link) sendPacket(id wire.ConnectID, payload []byte) error {
	if len(t.conns) == 0 {
		return fmt.Errorf("trunk: no trunk sockets bound")
	}

	if t.role == RoleClient {
		// §9: the reference always sends to the first configured trunk
		// endpoint; the rest are reserves, not a load-balanced set.
		_, err := t.conns[0].Write(payload)
		return err
	}

	vc, ok := t.registry.get(id)
	if !ok || vc.returnAddr == nil {
		return fmt.Errorf("trunk: no known return endpoint for %s", id)
	}
	idx := vc.socketIdx
	if idx < 0 || idx >= len(t.conns) {
		idx = 0
	}
	_, err := t.conns[idx].WriteToUDP(payload, vc.returnAddr)
	return err
}

// sendPacketTo is sendPacket's address-explicit twin, for packets sent
// after id has already left the registry (returnAddr/socketIdx are instead
// whatever was last known for it at removal time).
func (t *Link) sendPacketTo(payload []byte, returnAddr *net.UDPAddr, socketIdx int) error {
	if len(t.conns) == 0 {
		return fmt.Errorf("trunk: no trunk sockets bound")
	}

	if t.role == RoleClient {
		_, err := t.conns[0].Write(payload)
		return err
	}

	if returnAddr == nil {
		return fmt.Errorf("trunk: no known return endpoint")
	}
	idx := socketIdx
	if idx < 0 || idx >= len(t.conns) {
		idx = 0
	}
	_, err := t.conns[idx].WriteToUDP(payload, returnAddr)
	return err
}
