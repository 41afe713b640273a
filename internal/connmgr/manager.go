// Package connmgr is the process-wide connection pool: it owns every
// peer Connection, the per-peer priority send queue, idle garbage
// collection, and the translation of per-connection events into
// peer-qualified events for C6/C7. Its single-mutex-guarded map plus
// fan-in event loop is the same shape as zeromq-gyre's node.go actor
// (one place draining everything that can happen to the pool), with
// the send queue itself adapted from prxssh-rabbit's generic
// container/heap priority queue wrapper.
package connmgr

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/conn"
	"github.com/Triwalt/flykylin-chatnode/internal/logging"
)

const (
	// MaxConnections bounds the pool (spec.md §4.5).
	MaxConnections = 20
	// QueueCapacity bounds each peer's send queue.
	QueueCapacity = 1000
	// MaxRetriesPerMessage bounds requeue_for_retry attempts.
	MaxRetriesPerMessage = 3

	idleGCInterval = 60 * time.Second
	idleTimeout    = 5 * time.Minute
)

// ErrCapacityExceeded is returned when connecting to an unknown peer
// while the pool is already at MaxConnections.
var ErrCapacityExceeded = errors.New("connmgr: connection pool at capacity")

// ErrUnknownPeer is returned by operations on a peer the manager has
// never seen.
var ErrUnknownPeer = errors.New("connmgr: unknown peer")

// EventType tags the peer-qualified events the manager re-emits after
// translating raw per-connection events.
type EventType int

const (
	EventStateChanged EventType = iota
	EventMessageReceived
	EventMessageSent
	EventMessageFailed
)

// Event is one peer-qualified signal consumed by C6/C7.
type Event struct {
	Type          EventType
	PeerID        string
	State         conn.State
	Reason        string
	Payload       []byte
	LocalSequence uint64
}

type peerRecord struct {
	connection *conn.Connection
	queue      *priorityQueue
	retries    map[uint64]int
	// inFlight holds the QueuedMessage handed to conn.SendMessage for
	// each outstanding sequence number, since conn.Connection's
	// EventMessageSent/EventMessageFailed only carry the sequence back,
	// not the payload. Looked up on failure so requeueForRetry can
	// re-enqueue the real data/priority/enqueue-time instead of an
	// empty stand-in.
	inFlight map[uint64]QueuedMessage
}

// Manager is the connection pool singleton.
type Manager struct {
	log    *slog.Logger
	Events chan Event

	mu      sync.Mutex
	peers   map[string]*peerRecord
	nextSeq uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an empty Manager and starts its idle-GC loop.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{
		log:    log,
		Events: make(chan Event, 256),
		peers:  make(map[string]*peerRecord),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.idleGCLoop()
	return m
}

// Stop halts the idle-GC loop and disconnects every managed peer.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	peers := make([]*conn.Connection, 0, len(m.peers))
	for _, rec := range m.peers {
		peers = append(peers, rec.connection)
	}
	m.mu.Unlock()

	for _, c := range peers {
		c.Disconnect()
	}
}

// ConnectToPeer dials a new outbound connection, or is a no-op if one
// already exists (existing peers may always reconnect, even at
// capacity).
func (m *Manager) ConnectToPeer(peerID, ip string, port uint16) error {
	m.mu.Lock()
	if rec, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		rec.connection.Connect()
		return nil
	}
	if len(m.peers) >= MaxConnections {
		m.mu.Unlock()
		m.emit(Event{Type: EventStateChanged, PeerID: peerID, State: conn.Failed, Reason: "capacity exceeded"})
		return ErrCapacityExceeded
	}

	c := conn.New(peerID, ip, port, m.log)
	rec := &peerRecord{connection: c, queue: newPriorityQueue(), retries: make(map[uint64]int), inFlight: make(map[uint64]QueuedMessage)}
	m.peers[peerID] = rec
	m.mu.Unlock()

	go m.forwardConnectionEvents(rec)
	c.Connect()
	return nil
}

// AddIncoming adopts an inbound socket accepted by the listener as a
// connection to peerID.
func (m *Manager) AddIncoming(peerID string, netConn net.Conn) error {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	if !ok {
		if len(m.peers) >= MaxConnections {
			m.mu.Unlock()
			netConn.Close()
			m.emit(Event{Type: EventStateChanged, PeerID: peerID, State: conn.Failed, Reason: "capacity exceeded"})
			return ErrCapacityExceeded
		}
		c := conn.New(peerID, "", 0, m.log)
		rec = &peerRecord{connection: c, queue: newPriorityQueue(), retries: make(map[uint64]int), inFlight: make(map[uint64]QueuedMessage)}
		m.peers[peerID] = rec
		m.mu.Unlock()
		go m.forwardConnectionEvents(rec)
	} else {
		m.mu.Unlock()
	}

	rec.connection.Accept(netConn)
	return nil
}

// DisconnectFromPeer tears down the connection and drops its queue.
func (m *Manager) DisconnectFromPeer(peerID string) {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if ok {
		rec.connection.Disconnect()
	}
}

// State returns the current state of peerID's connection, if known.
func (m *Manager) State(peerID string) (conn.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[peerID]
	if !ok {
		return conn.Disconnected, false
	}
	return rec.connection.State(), true
}

// ActiveCount returns the number of peers with a Connected connection.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.peers {
		if rec.connection.State() == conn.Connected {
			n++
		}
	}
	return n
}

// Send enqueues data for peerID at the given priority, sending
// immediately if already Connected. It returns the local sequence
// number assigned to this send, for pending-ack bookkeeping by C6/C7.
func (m *Manager) Send(peerID string, data []byte, priority Priority) (uint64, error) {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return 0, ErrUnknownPeer
	}
	m.nextSeq++
	seq := m.nextSeq

	msg := QueuedMessage{Priority: priority, MessageID: seq, Data: data, EnqueueTime: time.Now().UnixNano()}
	connected := rec.connection.State() == conn.Connected
	if !connected {
		if rec.queue.Len() >= QueueCapacity {
			m.mu.Unlock()
			m.emit(Event{Type: EventMessageFailed, PeerID: peerID, LocalSequence: seq, Reason: "queue capacity exceeded"})
			return seq, errors.New("connmgr: send queue full")
		}
		rec.queue.Enqueue(msg)
	} else {
		rec.inFlight[seq] = msg
	}
	m.mu.Unlock()

	if connected {
		rec.connection.SendMessage(data, seq)
	}
	return seq, nil
}

// requeueForRetry re-enqueues msg after a send failure, bounded to
// MaxRetriesPerMessage attempts per message.
func (m *Manager) requeueForRetry(rec *peerRecord, msg QueuedMessage, peerID string) {
	m.mu.Lock()
	rec.retries[msg.MessageID]++
	attempts := rec.retries[msg.MessageID]
	if attempts > MaxRetriesPerMessage {
		delete(rec.retries, msg.MessageID)
		m.mu.Unlock()
		m.emit(Event{Type: EventMessageFailed, PeerID: peerID, LocalSequence: msg.MessageID, Reason: "retries exhausted"})
		return
	}
	rec.queue.Enqueue(msg)
	m.mu.Unlock()
}

// drainQueue flushes rec's queue strictly in priority/enqueue order
// once the connection transitions to Connected.
func (m *Manager) drainQueue(peerID string, rec *peerRecord) {
	for {
		m.mu.Lock()
		msg, ok := rec.queue.Dequeue()
		connected := rec.connection.State() == conn.Connected
		if ok && connected {
			rec.inFlight[msg.MessageID] = msg
		}
		m.mu.Unlock()
		if !ok || !connected {
			return
		}
		rec.connection.SendMessage(msg.Data, msg.MessageID)
	}
}

// forwardConnectionEvents is the fan-in goroutine for one peer's
// connection: it relays raw conn.Events onto the manager's Events
// channel, draining the queue on Connected and requeuing on failure.
func (m *Manager) forwardConnectionEvents(rec *peerRecord) {
	for e := range rec.connection.Events {
		switch e.Type {
		case conn.EventStateChanged:
			m.emit(Event{Type: EventStateChanged, PeerID: e.PeerID, State: e.State, Reason: e.Reason})
			if e.State == conn.Connected {
				go m.drainQueue(e.PeerID, rec)
			}
			if e.State == conn.Failed {
				m.mu.Lock()
				delete(m.peers, e.PeerID)
				m.mu.Unlock()
			}
		case conn.EventMessageReceived:
			m.emit(Event{Type: EventMessageReceived, PeerID: e.PeerID, Payload: e.Payload})
		case conn.EventMessageSent:
			m.mu.Lock()
			delete(rec.retries, e.LocalSequence)
			delete(rec.inFlight, e.LocalSequence)
			m.mu.Unlock()
			m.emit(Event{Type: EventMessageSent, PeerID: e.PeerID, LocalSequence: e.LocalSequence})
		case conn.EventMessageFailed:
			m.mu.Lock()
			msg, ok := rec.inFlight[e.LocalSequence]
			delete(rec.inFlight, e.LocalSequence)
			m.mu.Unlock()
			if !ok {
				msg = QueuedMessage{MessageID: e.LocalSequence}
			}
			m.requeueForRetry(rec, msg, e.PeerID)
		}
	}
}

// HandlePeerOffline eagerly drops peerID's connection and queue in
// response to a discovery peer_offline event.
func (m *Manager) HandlePeerOffline(peerID string) {
	m.DisconnectFromPeer(peerID)
}

func (m *Manager) idleGCLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(idleGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	var stale []*conn.Connection
	for id, rec := range m.peers {
		if rec.connection.State() == conn.Connected && now.Sub(rec.connection.LastActivity()) > idleTimeout {
			stale = append(stale, rec.connection)
			delete(m.peers, id)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.Disconnect()
	}
}

func (m *Manager) emit(e Event) {
	select {
	case m.Events <- e:
	default:
		m.log.Warn("connmgr event channel full, dropping event", "peer_id", e.PeerID, "type", e.Type)
	}
}
