// Package transfer implements chunked file/image transfer: the
// two-phase request/chunk protocol, accept/reject gating on the
// receive side, and download-directory resolution. Ported from
// FileTransferService.cpp's Qt-file-IO shape onto Go's os/io idiom,
// wired as message.FileHandler so internal/message can hand it
// FILE_REQUEST/FILE_CHUNK frames without either package importing the
// other directly.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Triwalt/flykylin-chatnode/internal/ai"
	"github.com/Triwalt/flykylin-chatnode/internal/connmgr"
	"github.com/Triwalt/flykylin-chatnode/internal/logging"
	"github.com/Triwalt/flykylin-chatnode/internal/store"
	"github.com/Triwalt/flykylin-chatnode/internal/wire"
)

const (
	// MaxFileSize is the largest file send_file will accept (spec.md §4.7).
	MaxFileSize = 200 * 1024 * 1024
	// ChunkSize is the size of every chunk but possibly the last.
	ChunkSize = 1 * 1024 * 1024

	nsfwThreshold = 0.8
)

// ErrFileTooLarge is returned by SendFile for files over MaxFileSize.
var ErrFileTooLarge = errors.New("transfer: file exceeds 200MB limit")

// ErrUnknownTransfer is returned by Accept/Reject for an unrecognised transfer id.
var ErrUnknownTransfer = errors.New("transfer: unknown transfer id")

// ErrNsfwBlocked is the TransferLifecycle failure when an image scores
// above the fixed NSFW threshold nsfwThreshold (0.8).
var ErrNsfwBlocked = errors.New("transfer: blocked by NSFW classifier")

// MessageSink receives the synthesized Message once a send completes
// or a receive finishes, so internal/message can store and notify
// without this package importing it back.
type MessageSink interface {
	NotifyMessageCreated(msg store.Message)
}

// EventType tags the union carried on a Service's Events channel.
type EventType int

const (
	EventIncomingTransferRequested EventType = iota
	EventTransferCompleted
	EventTransferFailed
)

// Event is one observable transfer-service occurrence.
type Event struct {
	Type       EventType
	TransferID string
	PeerID     string
	Message    store.Message
	Reason     string
}

type incomingTransfer struct {
	transferID  string
	peerID      string
	fileName    string
	fileSize    uint64
	isImage     bool
	accepted    bool
	rejected    bool
	downloadDir string
	message     store.Message
	localPath   string
	receivedLen uint64
}

// Options configures auto-accept policy and optional NSFW gating.
type Options struct {
	AutoAcceptImages bool
	AutoAcceptFiles  bool
	DownloadDir      string // explicit override; empty means platform default

	NsfwBlockOutgoing bool
	NsfwBlockIncoming bool
	ImageClassifier   ai.ImageClassifier
}

// Service is the file/image transfer component (C7).
type Service struct {
	localUserID string
	conns       *connmgr.Manager
	sink        MessageSink
	log         *slog.Logger
	Events      chan Event

	mu      sync.Mutex
	opts    Options
	pending map[string]*incomingTransfer
}

// NewService builds a transfer service. sink may be nil if the caller
// only wants transfer events, not automatic message storage.
func NewService(localUserID string, conns *connmgr.Manager, sink MessageSink, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		localUserID: localUserID,
		conns:       conns,
		sink:        sink,
		log:         log,
		Events:      make(chan Event, 64),
		opts:        opts,
		pending:     make(map[string]*incomingTransfer),
	}
}

// SetDownloadDir overrides the destination directory for future
// receives, taking precedence over the platform default.
func (s *Service) SetDownloadDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.DownloadDir = dir
}

// SendFile streams filePath to peerID as an image or a generic file,
// synthesizing a completed Message once every chunk has been sent.
func (s *Service) SendFile(peerID, filePath string, asImage bool) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("transfer: file not found: %s", filePath)
	}
	if uint64(info.Size()) > MaxFileSize {
		return "", ErrFileTooLarge
	}

	mimeType := detectMimeType(filePath, asImage)

	s.mu.Lock()
	classifier := s.opts.ImageClassifier
	blockOutgoing := s.opts.NsfwBlockOutgoing
	s.mu.Unlock()

	if asImage && blockOutgoing && classifier != nil {
		prob, err := classifier.ClassifyImage(context.Background(), filePath)
		if err == nil && prob > nsfwThreshold {
			s.emit(Event{Type: EventTransferFailed, Reason: ErrNsfwBlocked.Error()})
			return "", ErrNsfwBlocked
		}
	}

	transferID := uuid.NewString()
	now := time.Now().UnixMilli()

	req := &wire.FileTransferRequest{
		TransferID: transferID,
		FromUserID: s.localUserID,
		ToUserID:   peerID,
		FileName:   filepath.Base(filePath),
		FileSize:   uint64(info.Size()),
		Timestamp:  now,
		MimeType:   mimeType,
	}
	if err := s.sendEnvelope(peerID, wire.TcpFileRequest, req.Marshal()); err != nil {
		return "", err
	}

	f, err := os.Open(filePath)
	if err != nil {
		s.emit(Event{Type: EventTransferFailed, TransferID: transferID, Reason: "failed to open file"})
		return "", err
	}
	defer f.Close()

	buf := make([]byte, ChunkSize)
	var offset uint64
	totalSize := uint64(info.Size())
	if totalSize == 0 {
		chunk := &wire.FileChunk{TransferID: transferID, IsLast: true}
		if err := s.sendEnvelope(peerID, wire.TcpFileChunk, chunk.Marshal()); err != nil {
			s.emit(Event{Type: EventTransferFailed, TransferID: transferID, Reason: err.Error()})
			return "", err
		}
	}
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			offset += uint64(n)
			chunk := &wire.FileChunk{
				TransferID: transferID,
				Offset:     offset - uint64(n),
				Data:       append([]byte(nil), buf[:n]...),
				ChunkSize:  uint32(n),
				IsLast:     offset >= totalSize,
			}
			if err := s.sendEnvelope(peerID, wire.TcpFileChunk, chunk.Marshal()); err != nil {
				s.emit(Event{Type: EventTransferFailed, TransferID: transferID, Reason: err.Error()})
				return "", err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			s.emit(Event{Type: EventTransferFailed, TransferID: transferID, Reason: "failed to read file"})
			return "", readErr
		}
	}

	kind := store.KindFile
	if asImage {
		kind = store.KindImage
	}
	msg := store.Message{
		ID:             transferID,
		FromUserID:     s.localUserID,
		ToUserID:       peerID,
		Content:        filepath.Base(filePath),
		Timestamp:      now,
		Status:         store.StatusSent,
		Kind:           kind,
		AttachmentPath: filePath,
		AttachmentName: filepath.Base(filePath),
		AttachmentSize: uint64(info.Size()),
		MimeType:       mimeType,
	}
	if s.sink != nil {
		s.sink.NotifyMessageCreated(msg)
	}
	s.emit(Event{Type: EventTransferCompleted, TransferID: transferID, PeerID: peerID, Message: msg})
	return transferID, nil
}

func (s *Service) sendEnvelope(peerID string, typ wire.TcpMessageType, payload []byte) error {
	envelope := &wire.TcpMessage{Type: typ, Timestamp: time.Now().UnixMilli(), Payload: payload}
	_, err := s.conns.Send(peerID, envelope.Marshal(), connmgr.PriorityNormal)
	return err
}

// HandleFileRequest implements message.FileHandler.
func (s *Service) HandleFileRequest(peerID string, req wire.FileTransferRequest) {
	isImage := strings.HasPrefix(req.MimeType, "image/")

	s.mu.Lock()
	accepted := s.opts.AutoAcceptFiles
	if isImage {
		accepted = s.opts.AutoAcceptImages
	}
	s.mu.Unlock()

	msg := store.Message{
		ID:             req.TransferID,
		FromUserID:     req.FromUserID,
		ToUserID:       req.ToUserID,
		Content:        req.FileName,
		Timestamp:      req.Timestamp,
		Status:         store.StatusSending,
		Kind:           kindFor(isImage),
		AttachmentName: req.FileName,
		AttachmentSize: req.FileSize,
		MimeType:       req.MimeType,
	}

	ctx := &incomingTransfer{
		transferID: req.TransferID,
		peerID:     peerID,
		fileName:   req.FileName,
		fileSize:   req.FileSize,
		isImage:    isImage,
		accepted:   accepted,
		message:    msg,
	}

	s.mu.Lock()
	s.pending[req.TransferID] = ctx
	s.mu.Unlock()

	s.emit(Event{Type: EventIncomingTransferRequested, TransferID: req.TransferID, PeerID: peerID, Message: msg})
}

func kindFor(isImage bool) store.MessageKind {
	if isImage {
		return store.KindImage
	}
	return store.KindFile
}

// HandleFileChunk implements message.FileHandler.
func (s *Service) HandleFileChunk(peerID string, chunk wire.FileChunk) {
	s.mu.Lock()
	ctx, ok := s.pending[chunk.TransferID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if ctx.rejected {
		s.mu.Lock()
		delete(s.pending, chunk.TransferID)
		s.mu.Unlock()
		return
	}
	if !ctx.accepted {
		return
	}

	baseDir := ctx.downloadDir
	if baseDir == "" {
		var err error
		baseDir, err = s.resolveDownloadDir(ctx.isImage)
		if err != nil {
			s.finishTransferFailed(chunk.TransferID, "failed to resolve download directory")
			return
		}
	}

	path := filepath.Join(baseDir, ctx.fileName)
	flags := os.O_WRONLY | os.O_CREATE
	if ctx.receivedLen > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		s.finishTransferFailed(chunk.TransferID, "failed to open output file")
		return
	}
	n, err := out.Write(chunk.Data)
	out.Close()
	if err != nil || n != len(chunk.Data) {
		s.finishTransferFailed(chunk.TransferID, "failed to write output file")
		return
	}

	ctx.localPath = path
	ctx.receivedLen += uint64(n)
	ctx.message.AttachmentPath = path

	if chunk.IsLast {
		s.mu.Lock()
		classifier := s.opts.ImageClassifier
		blockIncoming := s.opts.NsfwBlockIncoming
		s.mu.Unlock()

		if ctx.isImage && blockIncoming && classifier != nil {
			if prob, err := classifier.ClassifyImage(context.Background(), path); err == nil && prob > nsfwThreshold {
				s.finishTransferFailed(chunk.TransferID, ErrNsfwBlocked.Error())
				return
			}
		}

		ctx.message.Status = store.StatusDelivered
		ctx.message.AttachmentSize = ctx.receivedLen

		s.mu.Lock()
		delete(s.pending, chunk.TransferID)
		s.mu.Unlock()

		if s.sink != nil {
			s.sink.NotifyMessageCreated(ctx.message)
		}
		s.emit(Event{Type: EventTransferCompleted, TransferID: chunk.TransferID, PeerID: peerID, Message: ctx.message})
	}
}

func (s *Service) finishTransferFailed(transferID, reason string) {
	s.mu.Lock()
	delete(s.pending, transferID)
	s.mu.Unlock()
	s.emit(Event{Type: EventTransferFailed, TransferID: transferID, Reason: reason})
}

// AcceptTransfer marks transferID as accepted, optionally overriding
// its destination directory.
func (s *Service) AcceptTransfer(transferID, targetDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.pending[transferID]
	if !ok {
		return ErrUnknownTransfer
	}
	ctx.accepted = true
	if targetDir != "" {
		ctx.downloadDir = targetDir
	}
	return nil
}

// RejectTransfer discards transferID; any chunks still arriving for it
// are dropped silently.
func (s *Service) RejectTransfer(transferID, reason string) error {
	s.mu.Lock()
	ctx, ok := s.pending[transferID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTransfer
	}
	ctx.rejected = true
	s.mu.Unlock()

	if reason == "" {
		reason = "rejected by receiver"
	}
	s.emit(Event{Type: EventTransferFailed, TransferID: transferID, Reason: reason})
	return nil
}

// resolveDownloadDir implements explicit setter > persisted setting (the
// Options.DownloadDir the caller supplied at construction/SetDownloadDir
// time) > platform pictures/downloads, creating the directory if
// missing. The Options field plays both the "explicit setter" and
// "persisted setting" roles since internal/config is what would persist
// it between runs.
func (s *Service) resolveDownloadDir(isImage bool) (string, error) {
	s.mu.Lock()
	override := s.opts.DownloadDir
	s.mu.Unlock()
	if override != "" {
		if err := os.MkdirAll(override, 0o755); err != nil {
			return "", err
		}
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var sub string
	switch {
	case isImage:
		sub = "Pictures"
	default:
		sub = "Downloads"
	}
	if runtime.GOOS == "windows" {
		sub = strings.ToUpper(sub[:1]) + sub[1:]
	}

	dir := filepath.Join(home, sub, "FlyKylin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func detectMimeType(filePath string, asImage bool) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if asImage {
		switch ext {
		case ".png":
			return "image/png"
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".gif":
			return "image/gif"
		default:
			return "image/*"
		}
	}
	return "application/octet-stream"
}

func (s *Service) emit(e Event) {
	select {
	case s.Events <- e:
	default:
		s.log.Warn("transfer: event channel full, dropping event", "type", e.Type)
	}
}
