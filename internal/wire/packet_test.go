package wire

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	id := NewConnectID()
	testCases := []struct {
		name   string
		packet Packet
	}{
		{"create", NewCreateConnect(CmdCreateConnect, id, 7, 2000)},
		{"release", NewCreateConnect(CmdReleaseConnect, id, 7, 2000)},
		{"ack-create", NewAckCreateConnect(id)},
		{"data-out", NewData(CmdDataOut, id, 42, []byte("hello"))},
		{"data-in-empty", NewData(CmdDataIn, id, 0, nil)},
		{"ack-data-out", NewAckData(CmdAckDataOut, id, 42)},
		{"ack-data-in", NewAckData(CmdAckDataIn, id, 0)},
		{"live", NewLive(id)},
		{"stop-connect", NewStopConnect(id, 42)},
		{"ack-stop-connect", NewAckStopConnect(id)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.packet.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Unmarshal(buf)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.ConnectID != tc.packet.ConnectID {
				t.Errorf("ConnectID mismatch: got %v, want %v", got.ConnectID, tc.packet.ConnectID)
			}
			if got.Command != tc.packet.Command {
				t.Errorf("Command mismatch: got %v, want %v", got.Command, tc.packet.Command)
			}
			if !bytes.Equal(got.Payload, tc.packet.Payload) {
				t.Errorf("Payload mismatch: got %v, want %v", got.Payload, tc.packet.Payload)
			}
			if got.PacketIndex != tc.packet.PacketIndex {
				t.Errorf("PacketIndex mismatch: got %d, want %d", got.PacketIndex, tc.packet.PacketIndex)
			}
		})
	}
}

func TestUnmarshalRejectsShortHeader(t *testing.T) {
	if _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestUnmarshalRejectsUnknownCommand(t *testing.T) {
	id := NewConnectID()
	p := NewAckCreateConnect(id)
	buf, _ := p.Marshal()
	// corrupt the command field
	buf[16] = 0xff
	buf[17] = 0xff
	if _, err := Unmarshal(buf); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestUnmarshalRejectsDataSizeMismatch(t *testing.T) {
	id := NewConnectID()
	p := NewData(CmdDataOut, id, 0, []byte("abc"))
	buf, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// truncate the payload but leave DataSize claiming 3 bytes
	short := buf[:len(buf)-1]
	if _, err := Unmarshal(short); err == nil {
		t.Fatal("expected error for DataSize/length mismatch")
	}
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	id := NewConnectID()
	p := NewData(CmdDataOut, id, 0, make([]byte, MaxPayload+1))
	if _, err := p.Marshal(); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}
