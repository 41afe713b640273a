// Package netif maintains a periodically refreshed snapshot of this
// host's active network interfaces and their non-link-local
// addresses, used by C3 discovery to filter out self-originated
// broadcasts. It is a Go port of the original NetworkInterfaceCache
// service, using net.Interfaces() in the style zeromq-gyre's beacon
// already walks interfaces for its own binding decisions.
package netif

import (
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/logging"
)

// DefaultRefreshInterval matches spec.md §4.10's 30 s cadence.
const DefaultRefreshInterval = 30 * time.Second

// snapshot is the atomically-swapped cache payload. Readers load the
// whole struct at once so they never observe a torn update between
// the interface list and the address set.
type snapshot struct {
	interfaces []net.Interface
	addresses  map[string]struct{}
}

// Cache is a thread-safe, periodically refreshed view of the host's
// active network interfaces.
type Cache struct {
	log      *slog.Logger
	interval time.Duration

	snap atomic.Pointer[snapshot]

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Cache and populates it once synchronously, matching
// the original service's constructor-time refresh() call.
func New(interval time.Duration, log *slog.Logger) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if log == nil {
		log = logging.Default()
	}
	c := &Cache{log: log, interval: interval}
	c.refresh()
	return c
}

// Start launches the periodic refresh loop. Calling Start twice
// without an intervening Stop is a no-op.
func (c *Cache) Start() {
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run()
}

// Stop halts the periodic refresh loop and blocks until it has
// exited.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil
	c.doneCh = nil
}

func (c *Cache) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

// Refresh re-enumerates interfaces immediately, outside the periodic
// schedule.
func (c *Cache) Refresh() {
	c.refresh()
}

func (c *Cache) refresh() {
	all, err := net.Interfaces()
	if err != nil {
		c.log.Warn("enumerate network interfaces failed", "error", err)
		return
	}

	active := make([]net.Interface, 0, len(all))
	addrs := make(map[string]struct{})

	for _, iface := range all {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 {
			continue
		}
		active = append(active, iface)

		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifaceAddrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil {
				continue
			}
			if ip.IsLinkLocalUnicast() {
				continue
			}
			addrs[ip.String()] = struct{}{}
		}
	}

	c.snap.Store(&snapshot{interfaces: active, addresses: addrs})
	c.log.Debug("network interface cache updated", "interfaces", len(active), "addresses", len(addrs))
}

// IsLocalAddress reports whether addr belongs to one of this host's
// active interfaces.
func (c *Cache) IsLocalAddress(addr string) bool {
	s := c.snap.Load()
	if s == nil {
		return false
	}
	host := addr
	if ip := net.ParseIP(addr); ip == nil {
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
	}
	_, ok := s.addresses[host]
	return ok
}

// LocalAddresses returns every cached local address.
func (c *Cache) LocalAddresses() []string {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.addresses))
	for a := range s.addresses {
		out = append(out, a)
	}
	return out
}

// ActiveInterfaces returns the currently cached active interfaces.
func (c *Cache) ActiveInterfaces() []net.Interface {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]net.Interface, len(s.interfaces))
	copy(out, s.interfaces)
	return out
}
