// Package wire implements the trunk link's fixed-header UDP packet codec.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Command identifies the kind of trunk packet. Values match the wire format
// exactly; do not renumber.
type Command uint32

const (
	CmdCreateConnect    Command = 1
	CmdReleaseConnect   Command = 2
	CmdAckCreateConnect Command = 3
	CmdDataOut          Command = 11
	CmdDataIn           Command = 12
	CmdAckDataOut       Command = 21
	CmdAckDataIn        Command = 22
	CmdLive             Command = 31
	CmdStopConnect      Command = 41
	CmdAckStopConnect   Command = 42
)

func (c Command) String() string {
	switch c {
	case CmdCreateConnect:
		return "CreateConnect"
	case CmdReleaseConnect:
		return "ReleaseConnect"
	case CmdAckCreateConnect:
		return "AckCreateConnect"
	case CmdDataOut:
		return "DataOut"
	case CmdDataIn:
		return "DataIn"
	case CmdAckDataOut:
		return "AckDataOut"
	case CmdAckDataIn:
		return "AckDataIn"
	case CmdLive:
		return "Live"
	case CmdStopConnect:
		return "StopConnect"
	case CmdAckStopConnect:
		return "AckStopConnect"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

const (
	// MaxPayload is the largest DataOut/DataIn payload a chunk may carry.
	MaxPayload = 800

	headerSize      = 16 + 4 // ConnectID + Command
	createTailSize  = 4 + 4  // PointID + TimeoutMs
	dataHeaderSize  = 4 + 4  // PacketIndex + DataSize
	ackDataTailSize = 4      // PacketIndex
)

// ConnectID is the 128-bit virtual-connection identifier. The zero value is
// reserved to mean "unset".
type ConnectID = uuid.UUID

// NewConnectID generates a fresh random (v4) ConnectID.
func NewConnectID() ConnectID {
	return uuid.New()
}

// Packet is the decoded form of any wire packet type. Only the fields
// relevant to Command are meaningful; the others are zero.
type Packet struct {
	ConnectID   ConnectID
	Command     Command
	PointID     uint32 // CreateConnect, ReleaseConnect
	TimeoutMs   uint32 // CreateConnect, ReleaseConnect
	PacketIndex uint32 // DataOut, DataIn, AckDataOut, AckDataIn; StopConnect's stop index
	Payload     []byte // DataOut, DataIn
}

// Marshal serializes p into a freshly allocated byte slice.
func (p Packet) Marshal() ([]byte, error) {
	switch p.Command {
	case CmdCreateConnect, CmdReleaseConnect:
		buf := make([]byte, headerSize+createTailSize)
		p.putHeader(buf)
		binary.LittleEndian.PutUint32(buf[headerSize:], p.PointID)
		binary.LittleEndian.PutUint32(buf[headerSize+4:], p.TimeoutMs)
		return buf, nil
	case CmdAckCreateConnect, CmdLive, CmdAckStopConnect:
		buf := make([]byte, headerSize)
		p.putHeader(buf)
		return buf, nil
	case CmdDataOut, CmdDataIn:
		if len(p.Payload) > MaxPayload {
			return nil, fmt.Errorf("wire: payload of %d bytes exceeds max %d", len(p.Payload), MaxPayload)
		}
		buf := make([]byte, headerSize+dataHeaderSize+len(p.Payload))
		p.putHeader(buf)
		binary.LittleEndian.PutUint32(buf[headerSize:], p.PacketIndex)
		binary.LittleEndian.PutUint32(buf[headerSize+4:], uint32(len(p.Payload)))
		copy(buf[headerSize+dataHeaderSize:], p.Payload)
		return buf, nil
	case CmdAckDataOut, CmdAckDataIn, CmdStopConnect:
		buf := make([]byte, headerSize+ackDataTailSize)
		p.putHeader(buf)
		binary.LittleEndian.PutUint32(buf[headerSize:], p.PacketIndex)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: unknown command %d", uint32(p.Command))
	}
}

func (p *Packet) putHeader(buf []byte) {
	copy(buf[0:16], p.ConnectID[:])
	binary.LittleEndian.PutUint32(buf[16:20], uint32(p.Command))
}

// Unmarshal parses a received UDP datagram. It returns an error for any
// malformed packet (short header, length/DataSize mismatch, unknown command)
// — callers must silently drop on error, never treat it as fatal.
func Unmarshal(data []byte) (Packet, error) {
	var p Packet
	if len(data) < headerSize {
		return p, fmt.Errorf("wire: packet too short (%d bytes)", len(data))
	}
	copy(p.ConnectID[:], data[0:16])
	p.Command = Command(binary.LittleEndian.Uint32(data[16:20]))

	switch p.Command {
	case CmdCreateConnect, CmdReleaseConnect:
		if len(data) != headerSize+createTailSize {
			return p, fmt.Errorf("wire: %s length mismatch (%d bytes)", p.Command, len(data))
		}
		p.PointID = binary.LittleEndian.Uint32(data[headerSize:])
		p.TimeoutMs = binary.LittleEndian.Uint32(data[headerSize+4:])
		return p, nil
	case CmdAckCreateConnect, CmdLive, CmdAckStopConnect:
		if len(data) != headerSize {
			return p, fmt.Errorf("wire: %s length mismatch (%d bytes)", p.Command, len(data))
		}
		return p, nil
	case CmdDataOut, CmdDataIn:
		if len(data) < headerSize+dataHeaderSize {
			return p, fmt.Errorf("wire: %s truncated header (%d bytes)", p.Command, len(data))
		}
		p.PacketIndex = binary.LittleEndian.Uint32(data[headerSize:])
		dataSize := binary.LittleEndian.Uint32(data[headerSize+4:])
		if dataSize > MaxPayload {
			return p, fmt.Errorf("wire: %s DataSize %d exceeds max %d", p.Command, dataSize, MaxPayload)
		}
		want := headerSize + dataHeaderSize + int(dataSize)
		if len(data) != want {
			return p, fmt.Errorf("wire: %s length disagrees with DataSize (got %d, want %d)", p.Command, len(data), want)
		}
		p.Payload = make([]byte, dataSize)
		copy(p.Payload, data[headerSize+dataHeaderSize:])
		return p, nil
	case CmdAckDataOut, CmdAckDataIn, CmdStopConnect:
		if len(data) != headerSize+ackDataTailSize {
			return p, fmt.Errorf("wire: %s length mismatch (%d bytes)", p.Command, len(data))
		}
		p.PacketIndex = binary.LittleEndian.Uint32(data[headerSize:])
		return p, nil
	default:
		return p, fmt.Errorf("wire: unknown command %d", uint32(p.Command))
	}
}

// NewCreateConnect builds a CreateConnect/ReleaseConnect-shaped packet.
func NewCreateConnect(cmd Command, id ConnectID, pointID, timeoutMs uint32) Packet {
	return Packet{ConnectID: id, Command: cmd, PointID: pointID, TimeoutMs: timeoutMs}
}

// NewAckCreateConnect builds an AckCreateConnect packet.
func NewAckCreateConnect(id ConnectID) Packet {
	return Packet{ConnectID: id, Command: CmdAckCreateConnect}
}

// NewData builds a DataOut/DataIn-shaped packet. payload is not copied.
func NewData(cmd Command, id ConnectID, index uint32, payload []byte) Packet {
	return Packet{ConnectID: id, Command: cmd, PacketIndex: index, Payload: payload}
}

// NewAckData builds an AckDataOut/AckDataIn-shaped packet.
func NewAckData(cmd Command, id ConnectID, index uint32) Packet {
	return Packet{ConnectID: id, Command: cmd, PacketIndex: index}
}

// NewLive builds a Live (keepalive) packet.
func NewLive(id ConnectID) Packet {
	return Packet{ConnectID: id, Command: CmdLive}
}

// NewStopConnect builds a StopConnect packet: tells the peer that no data at
// or above stopIndex will ever arrive for id, so its paired link should
// drain-close at that index.
func NewStopConnect(id ConnectID, stopIndex uint32) Packet {
	return Packet{ConnectID: id, Command: CmdStopConnect, PacketIndex: stopIndex}
}

// NewAckStopConnect builds an AckStopConnect packet.
func NewAckStopConnect(id ConnectID) Packet {
	return Packet{ConnectID: id, Command: CmdAckStopConnect}
}
