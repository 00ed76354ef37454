package trunk

import (
	"testing"

	"github.com/relaykit/bytestacker/internal/wire"
)

func TestRegistryInsertRejectsCollision(t *testing.T) {
	r := NewRegistry()
	id := wire.NewConnectID()

	if !r.insert(&virtualConn{id: id}) {
		t.Fatal("first insert should succeed")
	}
	if r.insert(&virtualConn{id: id}) {
		t.Fatal("second insert of the same id should fail")
	}
	if r.count() != 1 {
		t.Fatalf("count = %d, want 1", r.count())
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := wire.NewConnectID()
	r.insert(&virtualConn{id: id})

	if _, ok := r.remove(id); !ok {
		t.Fatal("first remove should find the entry")
	}
	if _, ok := r.remove(id); ok {
		t.Fatal("second remove should be a no-op")
	}
}

func TestRegistryNextSendIndexIsMonotonic(t *testing.T) {
	r := NewRegistry()
	id := wire.NewConnectID()
	r.insert(&virtualConn{id: id})

	for want := uint32(0); want < 5; want++ {
		got, ok := r.nextSendIndex(id)
		if !ok {
			t.Fatalf("nextSendIndex(%s): not found", id)
		}
		if got != want {
			t.Fatalf("nextSendIndex = %d, want %d", got, want)
		}
	}
}

func TestRegistryNextSendIndexUnknownID(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.nextSendIndex(wire.NewConnectID()); ok {
		t.Fatal("expected ok=false for an unregistered id")
	}
}

func TestRegistryUpdateReturnAddrIgnoresUnknownID(t *testing.T) {
	r := NewRegistry()
	// must not panic on an id that was never inserted
	r.updateReturnAddr(wire.NewConnectID(), nil, 3)
}
