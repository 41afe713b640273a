// Package conn implements a single peer TCP connection: the 5-state
// lifecycle (Disconnected/Connecting/Connected/Reconnecting/Failed),
// length-prefixed framing, heartbeats, and retry-with-backoff. It is
// a retarget of zeromq-gyre's peer.go mailbox lifecycle onto a plain
// net.Conn, with the state enum and timing constants ported from
// the original TcpConnection.h/.cpp, and its exponential-backoff
// shape borrowed from prxssh-rabbit's pkg/retry package.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/logging"
	"github.com/Triwalt/flykylin-chatnode/internal/wire"
)

// State is one of the 5 connection lifecycle states (spec.md §4.4).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	heartbeatInterval = 30 * time.Second
	idleTimeout       = 60 * time.Second

	retryBaseDelay = 1000 * time.Millisecond
	retryMaxDelay  = 30000 * time.Millisecond
	retryMaxJitter = 0.20
	maxRetries     = 5
)

// ErrNotConnected is returned by SendMessage when the connection has
// no live socket to write to.
var ErrNotConnected = errors.New("conn: not connected")

// EventType tags the union carried on a Connection's Events channel.
type EventType int

const (
	EventStateChanged EventType = iota
	EventMessageReceived
	EventMessageSent
	EventMessageFailed
	EventError
)

// Event is one observable connection event (spec.md §4.4).
type Event struct {
	Type           EventType
	PeerID         string
	State          State
	Reason         string
	Payload        []byte
	LocalSequence  uint64
	Err            error
}

// Connection is one TCP link to a single peer.
type Connection struct {
	PeerID string
	IP     string
	Port   uint16

	log    *slog.Logger
	Events chan Event

	mu           sync.Mutex
	state        State
	netConn      net.Conn
	lastActivity time.Time
	retryCount   int
	nextSeq      uint64
	frameReader  wire.FrameReader

	stopHeartbeat chan struct{}
	reconnectTmr  *time.Timer
	userClosed    bool
	generation    int
}

// New builds a Connection in the Disconnected state. Call Connect to
// begin dialing.
func New(peerID, ip string, port uint16, log *slog.Logger) *Connection {
	if log == nil {
		log = logging.Default()
	}
	return &Connection{
		PeerID: peerID,
		IP:     ip,
		Port:   port,
		log:    log,
		Events: make(chan Event, 128),
		state:  Disconnected,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the instant of the most recent byte read,
// heartbeat, or write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Accept adopts an already-established inbound socket (from
// add_incoming, spec.md §4.5) as this connection's transport, moving
// straight to Connected without dialing.
func (c *Connection) Accept(netConn net.Conn) {
	c.mu.Lock()
	c.userClosed = false
	c.retryCount = 0
	c.generation++
	gen := c.generation
	c.netConn = netConn
	c.lastActivity = time.Now()
	c.stopHeartbeat = make(chan struct{})
	c.mu.Unlock()

	c.setState(Connected, "incoming connection accepted")
	go c.readLoop(gen)
	go c.heartbeatLoop(gen)
}

// Connect initiates a connection attempt. It is non-blocking: dialing
// happens on a background goroutine and the result is reported via a
// state_changed event.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return
	}
	c.userClosed = false
	c.retryCount = 0
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.setState(Connecting, "connect requested")
	go c.dial(gen)
}

func (c *Connection) dial(gen int) {
	addr := net.JoinHostPort(c.IP, fmt.Sprintf("%d", c.Port))
	netConn, err := net.DialTimeout("tcp", addr, 10*time.Second)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		if err == nil {
			netConn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.emit(Event{Type: EventError, PeerID: c.PeerID, Err: err})
		c.scheduleReconnect(gen, "dial failed: "+err.Error())
		return
	}

	c.netConn = netConn
	c.lastActivity = time.Now()
	c.retryCount = 0
	c.stopHeartbeat = make(chan struct{})
	c.mu.Unlock()

	c.setState(Connected, "connected")
	go c.readLoop(gen)
	go c.heartbeatLoop(gen)
}

// Disconnect is a cooperative user-initiated teardown: it flips state
// to Disconnected, aborts any pending reconnect timer, and closes the
// socket.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.generation++
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
	conn := c.netConn
	c.netConn = nil
	hb := c.stopHeartbeat
	c.stopHeartbeat = nil
	c.mu.Unlock()

	if hb != nil {
		close(hb)
	}
	if conn != nil {
		conn.Close()
	}
	c.setState(Disconnected, "user disconnect")
}

// SendMessage writes one length-prefixed frame. localSequence is
// echoed back on the corresponding message_sent/message_failed event
// so the caller can reconcile its own pending-send bookkeeping.
func (c *Connection) SendMessage(payload []byte, localSequence uint64) error {
	c.mu.Lock()
	netConn := c.netConn
	state := c.state
	c.mu.Unlock()

	if state != Connected || netConn == nil {
		c.emit(Event{Type: EventMessageFailed, PeerID: c.PeerID, LocalSequence: localSequence, Err: ErrNotConnected})
		return ErrNotConnected
	}

	frame := wire.EncodeFrame(payload)
	if _, err := netConn.Write(frame); err != nil {
		c.emit(Event{Type: EventMessageFailed, PeerID: c.PeerID, LocalSequence: localSequence, Err: err})
		return err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.emit(Event{Type: EventMessageSent, PeerID: c.PeerID, LocalSequence: localSequence})
	return nil
}

// NextSequence returns and increments the per-connection outbound
// sequence counter.
func (c *Connection) NextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

func (c *Connection) readLoop(gen int) {
	c.mu.Lock()
	netConn := c.netConn
	c.mu.Unlock()
	if netConn == nil {
		return
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			if gen != c.generation {
				c.mu.Unlock()
				return
			}
			c.lastActivity = time.Now()
			c.frameReader.Feed(buf[:n])
			c.mu.Unlock()

			c.drainFrames(gen)
		}
		if err != nil {
			c.handleReadError(gen, err)
			return
		}
	}
}

func (c *Connection) drainFrames(gen int) {
	for {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		payload, ok, err := c.frameReader.Next()
		c.mu.Unlock()

		if err != nil {
			c.emit(Event{Type: EventError, PeerID: c.PeerID, Err: err})
			c.closeAndReconnect(gen, "framing error: "+err.Error())
			return
		}
		if !ok {
			return
		}
		if payload == nil {
			continue // heartbeat frame: last_activity already advanced
		}
		c.emit(Event{Type: EventMessageReceived, PeerID: c.PeerID, Payload: payload})
	}
}

func (c *Connection) handleReadError(gen int, err error) {
	c.mu.Lock()
	closedByUser := c.userClosed
	c.mu.Unlock()
	if closedByUser {
		return
	}
	c.emit(Event{Type: EventError, PeerID: c.PeerID, Err: err})
	c.closeAndReconnect(gen, "read error: "+err.Error())
}

func (c *Connection) heartbeatLoop(gen int) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.mu.Lock()
	stopCh := c.stopHeartbeat
	c.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if gen != c.generation || c.state != Connected {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			netConn := c.netConn
			c.mu.Unlock()

			if idle > idleTimeout {
				c.closeAndReconnect(gen, "heartbeat timeout")
				return
			}
			if netConn != nil {
				netConn.Write(wire.EncodeFrame(nil))
			}
		}
	}
}

func (c *Connection) closeAndReconnect(gen int, reason string) {
	c.mu.Lock()
	if gen != c.generation || c.userClosed {
		c.mu.Unlock()
		return
	}
	netConn := c.netConn
	c.netConn = nil
	hb := c.stopHeartbeat
	c.stopHeartbeat = nil
	c.mu.Unlock()

	if hb != nil {
		close(hb)
	}
	if netConn != nil {
		netConn.Close()
	}

	c.scheduleReconnect(gen, reason)
}

func (c *Connection) scheduleReconnect(gen int, reason string) {
	c.mu.Lock()
	if gen != c.generation || c.userClosed {
		c.mu.Unlock()
		return
	}
	c.retryCount++
	retryCount := c.retryCount
	c.mu.Unlock()

	if retryCount > maxRetries {
		c.setState(Failed, "retries exhausted: "+reason)
		return
	}

	c.setState(Reconnecting, reason)

	delay := backoffDelay(retryCount)
	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		stillCurrent := gen == c.generation && !c.userClosed
		c.mu.Unlock()
		if !stillCurrent {
			return
		}
		c.setState(Connecting, "retry attempt")
		go c.dial(gen)
	})

	c.mu.Lock()
	c.reconnectTmr = timer
	c.mu.Unlock()
}

// backoffDelay computes attempt N's wait: base * 2^(N-1), capped, with
// uniform ±20% jitter (spec.md §4.4).
func backoffDelay(attempt int) time.Duration {
	raw := float64(retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if raw > float64(retryMaxDelay) {
		raw = float64(retryMaxDelay)
	}
	jitter := 1 + (rand.Float64()*2-1)*retryMaxJitter
	return time.Duration(raw * jitter)
}

func (c *Connection) setState(s State, reason string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Type: EventStateChanged, PeerID: c.PeerID, State: s, Reason: reason})
}

func (c *Connection) emit(e Event) {
	select {
	case c.Events <- e:
	default:
		c.log.Warn("connection event channel full, dropping event", "peer_id", c.PeerID, "type", e.Type)
	}
}
