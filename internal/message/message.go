// Package message owns one-to-one and group text send/receive and the
// pending-ack bookkeeping between a send and its terminal outcome. It
// is the direct analogue of zeromq-gyre/node.go's whisper/shout
// dispatch, retargeted from ZeroMQ multipart frames onto the
// connmgr/wire stack, with the pending-ack map and echo-loopback
// simulator ported from the original MessageService.
package message

import (
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Triwalt/flykylin-chatnode/internal/connmgr"
	"github.com/Triwalt/flykylin-chatnode/internal/groupchat"
	"github.com/Triwalt/flykylin-chatnode/internal/logging"
	"github.com/Triwalt/flykylin-chatnode/internal/store"
	"github.com/Triwalt/flykylin-chatnode/internal/wire"
)

// EchoPeerID is the reserved identity that, when sent to, is answered
// by the local echo-loopback simulator instead of going out over the
// network.
const EchoPeerID = "echo_bot_local"

const (
	echoDelayMin    = 500 * time.Millisecond
	echoDelaySpread = 1000 * time.Millisecond
)

// ErrEmptyContent is returned by SendText/SendGroupText for
// whitespace-only content.
var ErrEmptyContent = errors.New("message: content is empty")

// FileHandler receives frames of TcpFileRequest/TcpFileChunk type,
// decoded and handed off by dispatch. Implemented by internal/transfer;
// declared here (rather than imported) so neither package imports the
// other; transfer in turn declares the MessageSink that Service
// implements.
type FileHandler interface {
	HandleFileRequest(peerID string, req wire.FileTransferRequest)
	HandleFileChunk(peerID string, chunk wire.FileChunk)
}

type noopFileHandler struct{ log *slog.Logger }

func (h noopFileHandler) HandleFileRequest(peerID string, req wire.FileTransferRequest) {
	h.log.Warn("message: no file handler registered, dropping file request", "peer_id", peerID, "transfer_id", req.TransferID)
}

func (h noopFileHandler) HandleFileChunk(peerID string, chunk wire.FileChunk) {
	h.log.Warn("message: no file handler registered, dropping file chunk", "peer_id", peerID, "transfer_id", chunk.TransferID)
}

// EventType tags the union carried on a Service's Events channel, for
// UI/notification layers.
type EventType int

const (
	EventMessageReceived EventType = iota
	EventMessageUpdated
)

// Event is one observable message-service occurrence.
type Event struct {
	Type    EventType
	Message store.Message
}

type pendingKey struct {
	peerID string
	seq    uint64
}

// Service is the text-message send/receive/history component (C6).
type Service struct {
	localUserID string
	conns       *connmgr.Manager
	st          *store.Store
	groups      *groupchat.Manager
	log         *slog.Logger
	Events      chan Event

	mu          sync.Mutex
	pending     map[pendingKey]store.Message
	fileHandler FileHandler

	stopCh chan struct{}
}

// NewService builds a message service bound to the local identity and
// its collaborators. Call Start to begin consuming connmgr events.
func NewService(localUserID string, conns *connmgr.Manager, st *store.Store, groups *groupchat.Manager, log *slog.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	s := &Service{
		localUserID: localUserID,
		conns:       conns,
		st:          st,
		groups:      groups,
		log:         log,
		Events:      make(chan Event, 256),
		pending:     make(map[pendingKey]store.Message),
		stopCh:      make(chan struct{}),
	}
	s.fileHandler = noopFileHandler{log: log}
	return s
}

// SetFileHandler wires in the file transfer service (C7) to receive
// TcpFileRequest/TcpFileChunk frames. Call before Start.
func (s *Service) SetFileHandler(h FileHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileHandler = h
}

// Start launches the goroutine that dispatches connmgr events.
func (s *Service) Start() {
	go s.consumeConnEvents()
}

// Stop halts event consumption.
func (s *Service) Stop() {
	close(s.stopCh)
}

// SendText sends content to peerID, routing to the echo simulator for
// the reserved EchoPeerID. It returns the new message's id; when the
// send cannot be enqueued, that id is returned together with the error
// and the stored message is marked Failed.
func (s *Service) SendText(peerID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	now := time.Now().UnixMilli()
	msgID := uuid.NewString()

	if peerID == EchoPeerID {
		return s.sendEcho(msgID, content, now)
	}

	msg := store.Message{
		ID:         msgID,
		FromUserID: s.localUserID,
		ToUserID:   peerID,
		Content:    content,
		Timestamp:  now,
		Status:     store.StatusSending,
		Kind:       store.KindText,
	}
	s.st.AppendMessage(msg, s.localUserID)

	if err := s.dispatchSend(peerID, msg); err != nil {
		return msgID, err
	}
	return msgID, nil
}

// sendEcho persists the outgoing half immediately and schedules a
// delayed inbound reply through the normal receive path, the same
// single-shot-timer shape the original LocalEchoService uses.
func (s *Service) sendEcho(msgID, content string, now int64) (string, error) {
	msg := store.Message{
		ID:         msgID,
		FromUserID: s.localUserID,
		ToUserID:   EchoPeerID,
		Content:    content,
		Timestamp:  now,
		Status:     store.StatusSent,
		Kind:       store.KindText,
	}
	s.st.AppendMessage(msg, s.localUserID)

	delay := echoDelayMin + time.Duration(rand.Int63n(int64(echoDelaySpread)))
	time.AfterFunc(delay, func() {
		reply := store.Message{
			ID:         uuid.NewString(),
			FromUserID: EchoPeerID,
			ToUserID:   s.localUserID,
			Content:    "Echo: " + content,
			Timestamp:  time.Now().UnixMilli(),
			Status:     store.StatusDelivered,
			Kind:       store.KindText,
		}
		s.st.AppendMessage(reply, s.localUserID)
		s.emit(Event{Type: EventMessageReceived, Message: reply})
	})

	return msgID, nil
}

// SendGroupText fans content out to every member under one logical
// message id, marking each per-recipient send as belonging to groupID.
func (s *Service) SendGroupText(groupID string, members []string, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	now := time.Now().UnixMilli()
	msgID := uuid.NewString()

	for _, member := range members {
		if member == s.localUserID {
			continue
		}
		msg := store.Message{
			ID:         msgID,
			FromUserID: s.localUserID,
			ToUserID:   member,
			Content:    content,
			Timestamp:  now,
			Status:     store.StatusSending,
			Kind:       store.KindText,
			IsGroup:    true,
			GroupID:    groupID,
		}
		s.st.AppendMessage(msg, s.localUserID)
		if err := s.dispatchSend(member, msg); err != nil {
			s.log.Warn("message: group send failed to enqueue", "peer_id", member, "group_id", groupID, "error", err)
		}
	}
	return msgID, nil
}

// RelayGroupText rebroadcasts a message an owner received from one
// member out to relayTargets, preserving its id/from/group/content/
// timestamp and substituting a new recipient per target.
func (s *Service) RelayGroupText(original store.Message, relayTargets []string) {
	for _, target := range relayTargets {
		relay := original
		relay.ToUserID = target
		relay.Status = store.StatusSending
		if err := s.dispatchSend(target, relay); err != nil {
			s.log.Warn("message: relay send failed to enqueue", "peer_id", target, "group_id", original.GroupID, "error", err)
		}
	}
}

// dispatchSend serializes msg, enqueues it via the connection manager
// at High priority, and records it in the pending-ack map keyed by the
// local sequence connmgr assigned to the send.
func (s *Service) dispatchSend(peerID string, msg store.Message) error {
	text := &wire.TextMessage{
		MessageID:  msg.ID,
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		IsGroup:    msg.IsGroup,
	}
	if msg.IsGroup {
		text.GroupIDs = []string{msg.GroupID}
	}

	envelope := &wire.TcpMessage{
		Type:      wire.TcpText,
		Timestamp: msg.Timestamp,
		Payload:   text.Marshal(),
	}

	seq, err := s.conns.Send(peerID, envelope.Marshal(), connmgr.PriorityHigh)
	if err != nil {
		msg.Status = store.StatusFailed
		s.st.AppendMessage(msg, s.localUserID)
		s.emit(Event{Type: EventMessageUpdated, Message: msg})
		return err
	}

	s.mu.Lock()
	s.pending[pendingKey{peerID: peerID, seq: seq}] = msg
	s.mu.Unlock()
	return nil
}

// NotifyMessageCreated implements transfer.MessageSink: C7 hands this
// service the synthesized Message for a completed send or receive so
// it is stored and surfaced the same way a text message would be.
func (s *Service) NotifyMessageCreated(msg store.Message) {
	s.st.AppendMessage(msg, s.localUserID)
	s.emit(Event{Type: EventMessageUpdated, Message: msg})
}

// GetHistory prefers the persistent store, falling back to nothing
// further if empty since message.Service keeps no separate in-memory
// cache beyond the pending map already reflected in the store.
func (s *Service) GetHistory(peerID string) []store.Message {
	return s.st.LoadMessages(s.localUserID, peerID)
}

func (s *Service) consumeConnEvents() {
	for {
		select {
		case <-s.stopCh:
			return
		case e, ok := <-s.conns.Events:
			if !ok {
				return
			}
			s.handleConnEvent(e)
		}
	}
}

func (s *Service) handleConnEvent(e connmgr.Event) {
	switch e.Type {
	case connmgr.EventMessageReceived:
		s.handleInbound(e.PeerID, e.Payload)
	case connmgr.EventMessageSent:
		s.resolvePending(e.PeerID, e.LocalSequence, store.StatusSent)
	case connmgr.EventMessageFailed:
		s.resolvePending(e.PeerID, e.LocalSequence, store.StatusFailed)
	}
}

func (s *Service) resolvePending(peerID string, seq uint64, status store.MessageStatus) {
	key := pendingKey{peerID: peerID, seq: seq}
	s.mu.Lock()
	msg, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	msg.Status = status
	s.st.AppendMessage(msg, s.localUserID)
	s.emit(Event{Type: EventMessageUpdated, Message: msg})
}

func (s *Service) handleInbound(peerID string, payload []byte) {
	var envelope wire.TcpMessage
	if err := envelope.Unmarshal(payload); err != nil {
		s.log.Warn("message: malformed inbound frame", "peer_id", peerID, "error", err)
		return
	}

	switch envelope.Type {
	case wire.TcpText:
		s.handleInboundText(peerID, envelope.Payload)
	case wire.TcpFileRequest:
		var req wire.FileTransferRequest
		if err := req.Unmarshal(envelope.Payload); err != nil {
			s.log.Warn("message: malformed file request", "peer_id", peerID, "error", err)
			return
		}
		s.mu.Lock()
		fh := s.fileHandler
		s.mu.Unlock()
		fh.HandleFileRequest(peerID, req)
	case wire.TcpFileChunk:
		var chunk wire.FileChunk
		if err := chunk.Unmarshal(envelope.Payload); err != nil {
			s.log.Warn("message: malformed file chunk", "peer_id", peerID, "error", err)
			return
		}
		s.mu.Lock()
		fh := s.fileHandler
		s.mu.Unlock()
		fh.HandleFileChunk(peerID, chunk)
	}
}

func (s *Service) handleInboundText(peerID string, payload []byte) {
	var text wire.TextMessage
	if err := text.Unmarshal(payload); err != nil {
		s.log.Warn("message: malformed text payload", "peer_id", peerID, "error", err)
		return
	}

	groupID := ""
	if len(text.GroupIDs) > 0 {
		groupID = text.GroupIDs[0]
	}

	msg := store.Message{
		ID:         text.MessageID,
		FromUserID: text.FromUserID,
		ToUserID:   text.ToUserID,
		Content:    text.Content,
		Timestamp:  text.Timestamp,
		Status:     store.StatusDelivered,
		Kind:       store.KindText,
		IsGroup:    text.IsGroup,
		GroupID:    groupID,
	}
	s.st.AppendMessage(msg, s.localUserID)
	s.emit(Event{Type: EventMessageReceived, Message: msg})

	if msg.IsGroup && s.groups.GetGroupOwner(groupID) == s.localUserID {
		targets := s.groups.GetRelayTargets(groupID, s.localUserID, msg.FromUserID, msg.ToUserID)
		if len(targets) > 0 {
			s.RelayGroupText(msg, targets)
		}
	}
}

func (s *Service) emit(e Event) {
	select {
	case s.Events <- e:
	default:
		s.log.Warn("message: event channel full, dropping event", "type", e.Type)
	}
}
