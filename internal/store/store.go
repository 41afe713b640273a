// Package store is the node's persistent chat history: messages,
// sessions, known peers, and group membership, backed by an embedded
// SQLite database under the user's app-data directory. It is a direct
// port of the original chat history service's schema and query set,
// extended with group/group_member tables for membership persistence.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Triwalt/flykylin-chatnode/internal/logging"
)

// MessageStatus mirrors the Message.status lifecycle (spec.md §3).
type MessageStatus int

const (
	StatusSending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

// MessageKind mirrors Message.kind.
type MessageKind int

const (
	KindText MessageKind = iota
	KindImage
	KindFile
)

// Message is one persisted chat event.
type Message struct {
	ID              string
	LocalUserID     string
	PeerID          string
	FromUserID      string
	ToUserID        string
	Content         string
	Timestamp       int64
	Status          MessageStatus
	Kind            MessageKind
	IsRead          bool
	AttachmentPath  string
	AttachmentName  string
	AttachmentSize  uint64
	MimeType        string
	IsGroup         bool
	GroupID         string
}

// PeerInfo is a remembered peer, independent of current connectivity.
type PeerInfo struct {
	UserID    string
	UserName  string
	HostName  string
	IPAddress string
	TCPPort   uint16
	LastSeen  int64
}

// Session summarizes a conversation's recency, keyed by
// (local_user_id, peer_id).
type Session struct {
	PeerID        string
	LastTimestamp int64
}

// Store is the chat history database. Construction does not open the
// database; Init does, lazily and idempotently, matching the
// original service's ensureInitialized-on-first-use behavior.
type Store struct {
	path string
	log  *slog.Logger

	mu          sync.Mutex // serializes every operation, reads included
	db          *sql.DB
	initialized bool
	initFailed  bool
}

// New returns a Store bound to the sqlite file at path. Call Init (or
// let the first operation call it) before use.
func New(path string, log *slog.Logger) *Store {
	if log == nil {
		log = logging.Default()
	}
	return &Store{path: path, log: log}
}

// Init opens the database and creates the schema if absent. It is
// safe to call repeatedly; once initialization fails it keeps failing
// without retrying the filesystem/driver open on every call.
func (s *Store) Init() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureInitializedLocked()
}

func (s *Store) ensureInitializedLocked() bool {
	if s.initialized {
		return true
	}
	if s.initFailed {
		return false
	}
	if err := s.init(); err != nil {
		s.log.Error("store init failed", "path", s.path, "error", err)
		s.initFailed = true
		return false
	}
	s.initialized = true
	return true
}

func (s *Store) init() error {
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	schema := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			local_user_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			content TEXT,
			timestamp INTEGER NOT NULL,
			status INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			is_read INTEGER NOT NULL,
			attachment_path TEXT,
			attachment_name TEXT,
			attachment_size INTEGER,
			mime_type TEXT,
			is_group INTEGER NOT NULL DEFAULT 0,
			group_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer_ts ON messages(local_user_id, peer_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(local_user_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			local_user_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			last_timestamp INTEGER NOT NULL,
			PRIMARY KEY(local_user_id, peer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ts ON sessions(local_user_id, last_timestamp)`,
		`CREATE TABLE IF NOT EXISTS peers (
			user_id TEXT PRIMARY KEY,
			user_name TEXT,
			host_name TEXT,
			ip_address TEXT,
			tcp_port INTEGER,
			last_seen INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			group_id TEXT PRIMARY KEY,
			owner_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			PRIMARY KEY(group_id, member_id)
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	s.db = db
	s.log.Info("chat history database initialized", "path", s.path)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendMessage upserts msg by id, deriving peer_id from the message
// and touching the corresponding session. A query failure is logged
// and swallowed: persistence is never fatal to the caller (spec.md §4.2).
func (s *Store) AppendMessage(msg Message, localUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}

	peerID := msg.ToUserID
	if msg.IsGroup {
		peerID = msg.GroupID
	} else if msg.FromUserID != localUserID {
		peerID = msg.FromUserID
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages (
			id, local_user_id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
			attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, localUserID, peerID, msg.FromUserID, msg.ToUserID, msg.Content, msg.Timestamp,
		int(msg.Status), int(msg.Kind), boolToInt(msg.IsRead),
		msg.AttachmentPath, msg.AttachmentName, msg.AttachmentSize, msg.MimeType,
		boolToInt(msg.IsGroup), msg.GroupID,
	)
	if err != nil {
		s.log.Warn("append message failed", "id", msg.ID, "error", err)
		return
	}

	s.touchSessionLocked(localUserID, peerID, msg.Timestamp)
}

// LoadMessages returns the full history for (localUserID, peerID),
// ascending by timestamp then insertion order.
func (s *Store) LoadMessages(localUserID, peerID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return nil
	}

	rows, err := s.db.Query(
		`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
			attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
		 FROM messages WHERE local_user_id = ? AND peer_id = ?
		 ORDER BY timestamp ASC, rowid ASC`,
		localUserID, peerID,
	)
	if err != nil {
		s.log.Warn("load messages failed", "local_user_id", localUserID, "peer_id", peerID, "error", err)
		return nil
	}
	defer rows.Close()
	return scanMessages(rows, localUserID)
}

// LoadLatest returns the N most recent messages for the conversation,
// ascending by timestamp (oldest of the page first).
func (s *Store) LoadLatest(localUserID, peerID string, n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return nil
	}

	rows, err := s.db.Query(
		`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
			attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
		 FROM (
			SELECT * FROM messages WHERE local_user_id = ? AND peer_id = ?
			ORDER BY timestamp DESC, rowid DESC LIMIT ?
		 ) ORDER BY timestamp ASC, rowid ASC`,
		localUserID, peerID, n,
	)
	if err != nil {
		s.log.Warn("load latest failed", "local_user_id", localUserID, "peer_id", peerID, "error", err)
		return nil
	}
	defer rows.Close()
	return scanMessages(rows, localUserID)
}

// LoadBefore pages backward from beforeTs, returning up to n messages
// ascending by timestamp.
func (s *Store) LoadBefore(localUserID, peerID string, beforeTs int64, n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return nil
	}

	rows, err := s.db.Query(
		`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
			attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
		 FROM (
			SELECT * FROM messages WHERE local_user_id = ? AND peer_id = ? AND timestamp < ?
			ORDER BY timestamp DESC, rowid DESC LIMIT ?
		 ) ORDER BY timestamp ASC, rowid ASC`,
		localUserID, peerID, beforeTs, n,
	)
	if err != nil {
		s.log.Warn("load before failed", "local_user_id", localUserID, "peer_id", peerID, "error", err)
		return nil
	}
	defer rows.Close()
	return scanMessages(rows, localUserID)
}

// SearchKeyword substring-matches content, descending by timestamp.
// An empty peerID searches across all conversations.
func (s *Store) SearchKeyword(localUserID, keyword, peerID string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return nil
	}

	trimmed := strings.TrimSpace(keyword)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 {
		limit = 200
	}

	var rows *sql.Rows
	var err error
	pattern := "%" + trimmed + "%"
	if peerID != "" {
		rows, err = s.db.Query(
			`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
				attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
			 FROM messages WHERE local_user_id = ? AND content LIKE ? AND peer_id = ?
			 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
			localUserID, pattern, peerID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
				attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
			 FROM messages WHERE local_user_id = ? AND content LIKE ?
			 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
			localUserID, pattern, limit,
		)
	}
	if err != nil {
		s.log.Warn("search keyword failed", "local_user_id", localUserID, "keyword", trimmed, "error", err)
		return nil
	}
	defer rows.Close()
	return scanMessages(rows, localUserID)
}

// SearchAll returns up to limit candidates newest-first, ignoring
// content, for semantic reranking by internal/search.
func (s *Store) SearchAll(localUserID, peerID string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return nil
	}
	if limit <= 0 {
		limit = 200
	}

	var rows *sql.Rows
	var err error
	if peerID != "" {
		rows, err = s.db.Query(
			`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
				attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
			 FROM messages WHERE local_user_id = ? AND peer_id = ?
			 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
			localUserID, peerID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, peer_id, from_id, to_id, content, timestamp, status, kind, is_read,
				attachment_path, attachment_name, attachment_size, mime_type, is_group, group_id
			 FROM messages WHERE local_user_id = ?
			 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
			localUserID, limit,
		)
	}
	if err != nil {
		s.log.Warn("search all failed", "local_user_id", localUserID, "error", err)
		return nil
	}
	defer rows.Close()
	return scanMessages(rows, localUserID)
}

// TouchSession upserts the session recency row.
func (s *Store) TouchSession(localUserID, peerID string, lastTs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}
	s.touchSessionLocked(localUserID, peerID, lastTs)
}

func (s *Store) touchSessionLocked(localUserID, peerID string, lastTs int64) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (local_user_id, peer_id, last_timestamp) VALUES (?, ?, ?)`,
		localUserID, peerID, lastTs,
	)
	if err != nil {
		s.log.Warn("touch session failed", "local_user_id", localUserID, "peer_id", peerID, "error", err)
	}
}

// LoadSessions returns every conversation summary for localUserID,
// most recent first.
func (s *Store) LoadSessions(localUserID string) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return nil
	}

	rows, err := s.db.Query(
		`SELECT peer_id, last_timestamp FROM sessions WHERE local_user_id = ? ORDER BY last_timestamp DESC`,
		localUserID,
	)
	if err != nil {
		s.log.Warn("load sessions failed", "local_user_id", localUserID, "error", err)
		return nil
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.PeerID, &sess.LastTimestamp); err != nil {
			s.log.Warn("scan session failed", "error", err)
			continue
		}
		out = append(out, sess)
	}
	return out
}

// ClearHistory deletes both the message history and the session row
// for (localUserID, peerID), so the conversation disappears entirely.
func (s *Store) ClearHistory(localUserID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}

	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE local_user_id = ? AND peer_id = ?`, localUserID, peerID,
	); err != nil {
		s.log.Warn("clear history messages failed", "local_user_id", localUserID, "peer_id", peerID, "error", err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM sessions WHERE local_user_id = ? AND peer_id = ?`, localUserID, peerID,
	); err != nil {
		s.log.Warn("clear history session failed", "local_user_id", localUserID, "peer_id", peerID, "error", err)
	}
}

// UpsertPeer records or refreshes a remembered peer's last-known
// address. A zero LastSeen is filled in with the caller's clock value.
func (s *Store) UpsertPeer(info PeerInfo, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}

	ts := info.LastSeen
	if ts <= 0 {
		ts = nowMs
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO peers (user_id, user_name, host_name, ip_address, tcp_port, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		info.UserID, info.UserName, info.HostName, info.IPAddress, info.TCPPort, ts,
	)
	if err != nil {
		s.log.Warn("upsert peer failed", "user_id", info.UserID, "error", err)
	}
}

// LoadPeer returns the remembered info for userID, and whether it was
// found at all.
func (s *Store) LoadPeer(userID string) (PeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return PeerInfo{}, false
	}

	row := s.db.QueryRow(
		`SELECT user_id, user_name, host_name, ip_address, tcp_port, last_seen FROM peers WHERE user_id = ?`,
		userID,
	)
	var info PeerInfo
	if err := row.Scan(&info.UserID, &info.UserName, &info.HostName, &info.IPAddress, &info.TCPPort, &info.LastSeen); err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn("load peer failed", "user_id", userID, "error", err)
		}
		return PeerInfo{}, false
	}
	return info, true
}

// RegisterGroup persists a group and its owner (owner may be empty).
func (s *Store) RegisterGroup(groupID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO groups (group_id, owner_id) VALUES (?, ?)`, groupID, ownerID,
	); err != nil {
		s.log.Warn("register group failed", "group_id", groupID, "error", err)
	}
}

// AddGroupMember persists group_id/member_id membership.
func (s *Store) AddGroupMember(groupID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO group_members (group_id, member_id) VALUES (?, ?)`, groupID, memberID,
	); err != nil {
		s.log.Warn("add group member failed", "group_id", groupID, "member_id", memberID, "error", err)
	}
}

// RemoveGroupMember deletes one membership row.
func (s *Store) RemoveGroupMember(groupID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}
	if _, err := s.db.Exec(
		`DELETE FROM group_members WHERE group_id = ? AND member_id = ?`, groupID, memberID,
	); err != nil {
		s.log.Warn("remove group member failed", "group_id", groupID, "member_id", memberID, "error", err)
	}
}

// RemoveGroup deletes the group and all its membership rows.
func (s *Store) RemoveGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureInitializedLocked() {
		return
	}
	if _, err := s.db.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		s.log.Warn("remove group members failed", "group_id", groupID, "error", err)
	}
	if _, err := s.db.Exec(`DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
		s.log.Warn("remove group failed", "group_id", groupID, "error", err)
	}
}

// LoadGroups returns every persisted group id with its owner and
// member list, for restoring group state on startup.
func (s *Store) LoadGroups() map[string]struct {
	OwnerID string
	Members []string
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct {
		OwnerID string
		Members []string
	})
	if !s.ensureInitializedLocked() {
		return out
	}

	rows, err := s.db.Query(`SELECT group_id, owner_id FROM groups`)
	if err != nil {
		s.log.Warn("load groups failed", "error", err)
		return out
	}
	func() {
		defer rows.Close()
		for rows.Next() {
			var groupID, ownerID string
			if err := rows.Scan(&groupID, &ownerID); err != nil {
				s.log.Warn("scan group failed", "error", err)
				continue
			}
			entry := out[groupID]
			entry.OwnerID = ownerID
			out[groupID] = entry
		}
	}()

	memberRows, err := s.db.Query(`SELECT group_id, member_id FROM group_members`)
	if err != nil {
		s.log.Warn("load group members failed", "error", err)
		return out
	}
	defer memberRows.Close()
	for memberRows.Next() {
		var groupID, memberID string
		if err := memberRows.Scan(&groupID, &memberID); err != nil {
			s.log.Warn("scan group member failed", "error", err)
			continue
		}
		entry, ok := out[groupID]
		if !ok {
			continue
		}
		entry.Members = append(entry.Members, memberID)
		out[groupID] = entry
	}
	return out
}

func scanMessages(rows *sql.Rows, localUserID string) []Message {
	var out []Message
	for rows.Next() {
		var m Message
		var isRead, isGroup int
		var groupID sql.NullString
		if err := rows.Scan(
			&m.ID, &m.PeerID, &m.FromUserID, &m.ToUserID, &m.Content, &m.Timestamp,
			&m.Status, &m.Kind, &isRead,
			&m.AttachmentPath, &m.AttachmentName, &m.AttachmentSize, &m.MimeType,
			&isGroup, &groupID,
		); err != nil {
			continue
		}
		m.LocalUserID = localUserID
		m.IsRead = isRead != 0
		m.IsGroup = isGroup != 0
		m.GroupID = groupID.String
		out = append(out, m)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
