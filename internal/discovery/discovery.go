// Package discovery implements the UDP peer-discovery beacon: a
// single broadcast socket that announces this node's presence,
// heartbeats on a fixed schedule, and reports peers as they appear,
// refresh, or go quiet. It follows the same listen-goroutine /
// ticker-goroutine / signal-channel shape as zeromq-gyre's
// beacon.go, adapted from a multicast group join to a plain UDP
// broadcast socket per spec.md §6.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/logging"
	"github.com/Triwalt/flykylin-chatnode/internal/netif"
	"github.com/Triwalt/flykylin-chatnode/internal/wire"
)

// DefaultPort is the fixed discovery port spec.md §4.3 names.
const DefaultPort = 45678

// DefaultBroadcastAddr is the limited broadcast address datagrams are
// sent to when no subnet-directed broadcast is known.
const DefaultBroadcastAddr = "255.255.255.255"

const (
	heartbeatInterval = 5 * time.Second
	sweepInterval     = 10 * time.Second
	peerTimeout       = 30 * time.Second
	maxDatagramSize   = 4096
)

// EventType distinguishes the three peer-table transitions C3 emits.
type EventType int

const (
	PeerDiscovered EventType = iota
	PeerHeartbeat
	PeerOffline
)

// Event is delivered on the Service's Events channel for every
// non-self-originated datagram that changes a peer's known state.
type Event struct {
	Type EventType
	Peer wire.PeerInfo
}

// Identity is the local node's self-description, used to populate
// outgoing beacons. IPAddress is advertised as-is; callers typically
// fill it from the first address netif.Cache reports.
type Identity struct {
	UserID    string
	UserName  string
	IPAddress string
	TCPPort   uint16
	OsType    string
	Version   string
}

// Service runs the discovery beacon over one UDP socket.
type Service struct {
	identity Identity
	port     int
	bcastIP  string
	loopback bool
	netifs   *netif.Cache
	log      *slog.Logger

	Events chan Event

	mu    sync.Mutex
	conn  *net.UDPConn
	peers map[string]*peerState

	stopCh chan struct{}
	doneCh chan struct{}
}

type peerState struct {
	info     wire.PeerInfo
	lastSeen time.Time
}

// Option configures a Service at construction.
type Option func(*Service)

// WithPort overrides the default discovery port.
func WithPort(port int) Option {
	return func(s *Service) { s.port = port }
}

// WithBroadcastAddr overrides the default limited-broadcast address.
func WithBroadcastAddr(addr string) Option {
	return func(s *Service) { s.bcastIP = addr }
}

// WithLoopback enables loopback mode: self-filtering against the
// interface cache is defeated so a single host can test against
// itself.
func WithLoopback(enabled bool) Option {
	return func(s *Service) { s.loopback = enabled }
}

// New builds a Service. netifs is consulted to drop self-originated
// datagrams unless loopback mode is enabled.
func New(identity Identity, netifs *netif.Cache, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Default()
	}
	s := &Service{
		identity: identity,
		port:     DefaultPort,
		bcastIP:  DefaultBroadcastAddr,
		netifs:   netifs,
		log:      log,
		Events:   make(chan Event, 64),
		peers:    make(map[string]*peerState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the discovery socket, sends one Announce, and launches
// the heartbeat, sweep, and receive loops.
func (s *Service) Start() error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(s.port))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn.(*net.UDPConn)
	s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.broadcast(wire.DiscoveryAnnounce)

	go s.receiveLoop()
	go s.timerLoop()

	return nil
}

// Stop broadcasts one Goodbye, cancels timers, closes the socket, and
// clears in-memory peer state.
func (s *Service) Stop() {
	if s.stopCh == nil {
		return
	}
	s.broadcast(wire.DiscoveryGoodbye)

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.peers = make(map[string]*peerState)
	s.mu.Unlock()
}

func (s *Service) timerLoop() {
	defer close(s.doneCh)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-heartbeat.C:
			s.broadcast(wire.DiscoveryHeartbeat)
		case <-sweep.C:
			s.sweepStale()
		}
	}
}

func (s *Service) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		n, src, err := conn.ReadFromUDP(buf)
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err != nil {
			continue
		}

		s.handleDatagram(buf[:n], src)
	}
}

func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	var msg wire.DiscoveryMessage
	if err := msg.Unmarshal(data); err != nil {
		s.log.Debug("dropping malformed discovery datagram", "from", src.String(), "error", err)
		return
	}

	if msg.Peer.UserID == s.identity.UserID && !s.loopback {
		return
	}

	if s.netifs != nil && !s.loopback && s.netifs.IsLocalAddress(src.IP.String()) {
		return
	}

	s.mu.Lock()
	_, known := s.peers[msg.Peer.UserID]
	now := time.Now()

	if msg.Type == wire.DiscoveryGoodbye {
		delete(s.peers, msg.Peer.UserID)
		s.mu.Unlock()
		s.emit(Event{Type: PeerOffline, Peer: msg.Peer})
		return
	}

	s.peers[msg.Peer.UserID] = &peerState{info: msg.Peer, lastSeen: now}
	s.mu.Unlock()

	if !known {
		s.emit(Event{Type: PeerDiscovered, Peer: msg.Peer})
	} else {
		s.emit(Event{Type: PeerHeartbeat, Peer: msg.Peer})
	}
}

func (s *Service) sweepStale() {
	now := time.Now()
	var stale []wire.PeerInfo

	s.mu.Lock()
	for id, st := range s.peers {
		if now.Sub(st.lastSeen) > peerTimeout {
			stale = append(stale, st.info)
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	for _, p := range stale {
		s.emit(Event{Type: PeerOffline, Peer: p})
	}
}

func (s *Service) broadcast(typ wire.DiscoveryType) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	msg := wire.DiscoveryMessage{
		Type: typ,
		Peer: wire.PeerInfo{
			UserID:    s.identity.UserID,
			UserName:  s.identity.UserName,
			IPAddress: s.identity.IPAddress,
			Port:      s.identity.TCPPort,
			Timestamp: time.Now().UnixMilli(),
			OsType:    s.identity.OsType,
			Version:   s.identity.Version,
		},
	}

	dst := &net.UDPAddr{IP: net.ParseIP(s.bcastIP), Port: s.port}
	if _, err := conn.WriteToUDP(msg.Marshal(), dst); err != nil {
		s.log.Warn("discovery broadcast failed", "type", typ, "error", err)
	}
}

func (s *Service) emit(e Event) {
	select {
	case s.Events <- e:
	default:
		s.log.Warn("discovery event channel full, dropping event", "type", e.Type, "peer", e.Peer.UserID)
	}
}

// KnownPeers returns a snapshot of every peer currently believed
// online.
func (s *Service) KnownPeers() []wire.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.PeerInfo, 0, len(s.peers))
	for _, st := range s.peers {
		out = append(out, st.info)
	}
	return out
}
