package transfer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/connmgr"
	"github.com/Triwalt/flykylin-chatnode/internal/store"
	"github.com/Triwalt/flykylin-chatnode/internal/wire"
)

type capturingSink struct {
	messages []store.Message
}

func (c *capturingSink) NotifyMessageCreated(msg store.Message) {
	c.messages = append(c.messages, msg)
}

type stubClassifier struct {
	probability float64
}

func (s stubClassifier) ClassifyImage(ctx context.Context, path string) (float64, error) {
	return s.probability, nil
}

func connectedPair(t *testing.T) (*connmgr.Manager, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c
		}
	}()

	cm := connmgr.New(nil)
	t.Cleanup(cm.Stop)

	addr := ln.Addr().(*net.TCPAddr)
	if err := cm.ConnectToPeer("peer1", "127.0.0.1", uint16(addr.Port)); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	server := <-serverCh
	t.Cleanup(func() { server.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, ok := cm.State("peer1"); ok && state.String() == "connected" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never reached connected state")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cm, server
}

func TestSendFileRejectsOversized(t *testing.T) {
	cm := connmgr.New(nil)
	defer cm.Stop()
	svc := NewService("me", cm, nil, Options{}, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(MaxFileSize + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := svc.SendFile("peer1", path, false); err != ErrFileTooLarge {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestSendFileStreamsChunksAndCompletes(t *testing.T) {
	cm, server := connectedPair(t)
	sink := &capturingSink{}
	svc := NewService("me", cm, sink, Options{}, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	content := make([]byte, 10)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	go func() {
		svc.SendFile("peer1", path, true)
	}()

	// Drain the request frame then the single data chunk.
	reqFrame, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("read request frame: %v", err)
	}
	var reqEnvelope wire.TcpMessage
	if err := reqEnvelope.Unmarshal(reqFrame); err != nil || reqEnvelope.Type != wire.TcpFileRequest {
		t.Fatalf("expected FILE_REQUEST envelope, got %+v err=%v", reqEnvelope, err)
	}

	chunkFrame, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("read chunk frame: %v", err)
	}
	var chunkEnvelope wire.TcpMessage
	if err := chunkEnvelope.Unmarshal(chunkFrame); err != nil || chunkEnvelope.Type != wire.TcpFileChunk {
		t.Fatalf("expected FILE_CHUNK envelope, got %+v err=%v", chunkEnvelope, err)
	}
	var chunk wire.FileChunk
	if err := chunk.Unmarshal(chunkEnvelope.Payload); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if !chunk.IsLast || len(chunk.Data) != len(content) {
		t.Fatalf("expected single final chunk of %d bytes, got last=%v len=%d", len(content), chunk.IsLast, len(chunk.Data))
	}

	deadline := time.After(time.Second)
	for len(sink.messages) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for NotifyMessageCreated")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if sink.messages[0].Kind != store.KindImage {
		t.Fatalf("expected KindImage, got %v", sink.messages[0].Kind)
	}
}

func TestReceiveAutoAcceptWritesFile(t *testing.T) {
	sink := &capturingSink{}
	cm := connmgr.New(nil)
	defer cm.Stop()
	dir := t.TempDir()
	svc := NewService("me", cm, sink, Options{AutoAcceptImages: true, DownloadDir: dir}, nil)

	req := wire.FileTransferRequest{TransferID: "t1", FromUserID: "peer1", ToUserID: "me", FileName: "pic.png", FileSize: 4, MimeType: "image/png"}
	svc.HandleFileRequest("peer1", req)

	chunk := wire.FileChunk{TransferID: "t1", Offset: 0, Data: []byte{1, 2, 3, 4}, ChunkSize: 4, IsLast: true}
	svc.HandleFileChunk("peer1", chunk)

	if len(sink.messages) != 1 {
		t.Fatalf("expected one completed message, got %d", len(sink.messages))
	}
	written, err := os.ReadFile(filepath.Join(dir, "pic.png"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if len(written) != 4 {
		t.Fatalf("expected 4 bytes written, got %d", len(written))
	}
	if sink.messages[0].Status != store.StatusDelivered {
		t.Fatalf("expected Delivered status, got %v", sink.messages[0].Status)
	}
}

func TestReceiveWithoutAcceptDropsChunksSilently(t *testing.T) {
	sink := &capturingSink{}
	cm := connmgr.New(nil)
	defer cm.Stop()
	dir := t.TempDir()
	svc := NewService("me", cm, sink, Options{AutoAcceptImages: false, DownloadDir: dir}, nil)

	req := wire.FileTransferRequest{TransferID: "t2", FromUserID: "peer1", ToUserID: "me", FileName: "pic.png", FileSize: 4, MimeType: "image/png"}
	svc.HandleFileRequest("peer1", req)
	svc.HandleFileChunk("peer1", wire.FileChunk{TransferID: "t2", Data: []byte{1, 2, 3, 4}, IsLast: true})

	if len(sink.messages) != 0 {
		t.Fatalf("expected no completed message without accept, got %d", len(sink.messages))
	}
	if _, err := os.Stat(filepath.Join(dir, "pic.png")); err == nil {
		t.Fatalf("expected no file written without accept")
	}
}

func TestRejectTransferKnownAndUnknownIDs(t *testing.T) {
	cm := connmgr.New(nil)
	defer cm.Stop()
	svc := NewService("me", cm, nil, Options{}, nil)

	req := wire.FileTransferRequest{TransferID: "t3", FromUserID: "peer1", ToUserID: "me", FileName: "f.bin", FileSize: 1, MimeType: "application/octet-stream"}
	svc.HandleFileRequest("peer1", req)

	if err := svc.RejectTransfer("t3", ""); err != nil {
		t.Fatalf("RejectTransfer: %v", err)
	}
	if err := svc.RejectTransfer("unknown", ""); err != ErrUnknownTransfer {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestNsfwBlockOutgoingRejectsHighProbabilityImage(t *testing.T) {
	cm := connmgr.New(nil)
	defer cm.Stop()
	opts := Options{NsfwBlockOutgoing: true, ImageClassifier: stubClassifier{probability: 0.95}}
	svc := NewService("me", cm, nil, opts, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SendFile("peer1", path, true); err != ErrNsfwBlocked {
		t.Fatalf("expected ErrNsfwBlocked, got %v", err)
	}
}
