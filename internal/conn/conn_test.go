package conn

import (
	"net"
	"testing"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/wire"
)

func waitForEvent(t *testing.T, events chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %v", want)
		}
	}
}

func TestConnectSendAndReceive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		server, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- server
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := New("peer1", "127.0.0.1", uint16(addr.Port), nil)
	c.Connect()

	waitForEvent(t, c.Events, EventStateChanged, time.Second)
	server := <-accepted

	// Server writes a framed TextMessage to the client.
	msg := &wire.TextMessage{MessageID: "m1", FromUserID: "peer1", ToUserID: "me", Content: "hello", Timestamp: 1}
	server.Write(wire.EncodeFrame(msg.Marshal()))

	recv := waitForEvent(t, c.Events, EventMessageReceived, time.Second)
	var decoded wire.TextMessage
	if err := decoded.Unmarshal(recv.Payload); err != nil {
		t.Fatalf("decode received payload: %v", err)
	}
	if decoded.Content != "hello" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}

	// Client sends a message to the server.
	seq := c.NextSequence()
	if err := c.SendMessage(msg.Marshal(), seq); err != nil {
		t.Fatalf("send message: %v", err)
	}
	waitForEvent(t, c.Events, EventMessageSent, time.Second)

	c.Disconnect()
	waitForEvent(t, c.Events, EventStateChanged, time.Second)
	if c.State() != Disconnected {
		t.Fatalf("expected Disconnected after user disconnect, got %v", c.State())
	}
}

func TestSendMessageWithoutConnectionFails(t *testing.T) {
	c := New("peer1", "127.0.0.1", 1, nil)
	if err := c.SendMessage([]byte("x"), 1); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	first := backoffDelay(1)
	if first < 800*time.Millisecond || first > 1200*time.Millisecond {
		t.Fatalf("attempt 1 delay out of jitter range: %v", first)
	}

	capped := backoffDelay(10)
	if capped > 36*time.Second {
		t.Fatalf("attempt 10 delay should be capped near 30s, got %v", capped)
	}
}

func TestConnectToUnreachableAddressReconnects(t *testing.T) {
	c := New("peer1", "127.0.0.1", 1, nil) // port 1 is reserved, dial should fail fast
	c.Connect()

	waitForEvent(t, c.Events, EventStateChanged, time.Second) // Connecting
	e := waitForEvent(t, c.Events, EventStateChanged, 2*time.Second)
	if e.State != Reconnecting {
		t.Fatalf("expected Reconnecting after failed dial, got %v", e.State)
	}

	c.Disconnect()
}
