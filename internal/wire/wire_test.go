package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestTextMessageRoundTrip(t *testing.T) {
	m := &TextMessage{
		MessageID:  "m1",
		FromUserID: "a",
		ToUserID:   "b",
		Content:    "hi",
		Timestamp:  100,
		IsGroup:    true,
		GroupIDs:   []string{"g1", "g2"},
	}

	data := m.Marshal()

	var decoded TextMessage
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, &decoded) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, m)
	}
}

func TestFileTransferRequestRoundTrip(t *testing.T) {
	m := &FileTransferRequest{
		TransferID: "t1",
		FromUserID: "a",
		ToUserID:   "b",
		FileName:   "photo.png",
		FileSize:   4096,
		FileHash:   "",
		Timestamp:  555,
		MimeType:   "image/png",
	}

	var decoded FileTransferRequest
	if err := decoded.Unmarshal(m.Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, &decoded) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, m)
	}
}

func TestFileChunkRoundTrip(t *testing.T) {
	m := &FileChunk{
		TransferID: "t1",
		Offset:     1024,
		Data:       []byte("hello world"),
		ChunkSize:  11,
		IsLast:     true,
	}

	var decoded FileChunk
	if err := decoded.Unmarshal(m.Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, &decoded) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, m)
	}
}

func TestDiscoveryMessageRoundTrip(t *testing.T) {
	m := &DiscoveryMessage{
		Type: DiscoveryHeartbeat,
		Peer: PeerInfo{
			UserID:    "u1",
			UserName:  "alice",
			IPAddress: "192.168.1.5",
			Port:      5670,
			Timestamp: 12345,
			OsType:    "linux",
			Version:   "1.0",
		},
	}

	var decoded DiscoveryMessage
	if err := decoded.Unmarshal(m.Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, &decoded) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, m)
	}
	if !decoded.IsOnline() {
		t.Fatalf("heartbeat should be online")
	}

	goodbye := &DiscoveryMessage{Type: DiscoveryGoodbye, Peer: m.Peer}
	var decodedGoodbye DiscoveryMessage
	if err := decodedGoodbye.Unmarshal(goodbye.Marshal()); err != nil {
		t.Fatalf("unmarshal goodbye: %v", err)
	}
	if decodedGoodbye.IsOnline() {
		t.Fatalf("goodbye should be offline")
	}
}

func TestTcpMessageRoundTrip(t *testing.T) {
	inner := &TextMessage{MessageID: "m1", FromUserID: "a", ToUserID: "b", Content: "hi", Timestamp: 100}
	envelope := &TcpMessage{
		ProtocolVersion: 1,
		Type:            TcpText,
		Sequence:        7,
		Payload:         inner.Marshal(),
		Timestamp:       999,
	}

	var decoded TcpMessage
	if err := decoded.Unmarshal(envelope.Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(envelope, &decoded) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, envelope)
	}

	var innerDecoded TextMessage
	if err := innerDecoded.Unmarshal(decoded.Payload); err != nil {
		t.Fatalf("inner unmarshal: %v", err)
	}
	if !reflect.DeepEqual(inner, &innerDecoded) {
		t.Fatalf("inner round trip mismatch")
	}
}

func TestMalformedPayloadFailsClosed(t *testing.T) {
	var m TextMessage
	if err := m.Unmarshal([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected malformed payload error")
	}

	if IsValidFrame([]byte{0xFF}) {
		t.Fatalf("truncated frame payload should be invalid")
	}
	if IsValidDiscovery(nil) {
		t.Fatalf("empty discovery payload should be invalid")
	}
}

func TestFrameRoundTripAndZeroLengthHeartbeat(t *testing.T) {
	payload := []byte("frame body")
	framed := EncodeFrame(payload)

	got, err := ReadFrame(bytes.NewReader(framed))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}

	heartbeat := EncodeFrame(nil)
	if len(heartbeat) != 4 {
		t.Fatalf("heartbeat frame should be 4 bytes, got %d", len(heartbeat))
	}

	gotHeartbeat, err := ReadFrame(bytes.NewReader(heartbeat))
	if err != nil {
		t.Fatalf("ReadFrame heartbeat: %v", err)
	}
	if gotHeartbeat != nil {
		t.Fatalf("heartbeat payload should be nil, got %v", gotHeartbeat)
	}
}

func TestFrameReaderHandlesArbitrarySplits(t *testing.T) {
	m := &TextMessage{MessageID: "m1", FromUserID: "a", ToUserID: "b", Content: "hi", Timestamp: 100}
	tcpMsg := &TcpMessage{ProtocolVersion: 1, Type: TcpText, Sequence: 1, Payload: m.Marshal(), Timestamp: 1}
	framed := EncodeFrame(tcpMsg.Marshal())

	// Split into three arbitrary chunks, per spec.md §8 scenario 2.
	splits := []int{3, len(framed)/2 + 1}
	chunks := [][]byte{
		framed[:splits[0]],
		framed[splits[0]:splits[1]],
		framed[splits[1]:],
	}

	var fr FrameReader
	var got []byte
	var frames int
	for _, c := range chunks {
		fr.Feed(c)
		for {
			p, ok, err := fr.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				break
			}
			got = p
			frames++
		}
	}

	if frames != 1 {
		t.Fatalf("expected exactly one frame to be parsed, got %d", frames)
	}

	var decoded TcpMessage
	if err := decoded.Unmarshal(got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var decodedText TextMessage
	if err := decodedText.Unmarshal(decoded.Payload); err != nil {
		t.Fatalf("unmarshal text: %v", err)
	}
	if decodedText.Content != "hi" || decodedText.MessageID != "m1" {
		t.Fatalf("unexpected decoded text message: %+v", decodedText)
	}
}
