package netif

import (
	"net"
	"testing"
)

func TestCachePopulatesOnConstruction(t *testing.T) {
	c := New(0, nil)

	// A freshly constructed cache must have run refresh() once, so
	// LocalAddresses/ActiveInterfaces never see a nil snapshot.
	_ = c.LocalAddresses()
	for _, iface := range c.ActiveInterfaces() {
		if iface.Flags&net.FlagLoopback != 0 {
			t.Fatalf("loopback interface leaked into cache: %+v", iface)
		}
	}
}

func TestIsLocalAddressUnknownIsFalse(t *testing.T) {
	c := New(0, nil)
	if c.IsLocalAddress("203.0.113.5") {
		t.Fatal("an address this host clearly does not own should not be local")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	c := New(0, nil)
	c.Start()
	c.Start() // second Start before Stop must be a no-op, not a panic
	c.Stop()
	c.Stop() // second Stop must also be safe
}
