package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat_history.db")
	s := New(dbPath, nil)
	if !s.Init() {
		t.Fatal("store failed to initialize")
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLoadMessages(t *testing.T) {
	s := newTestStore(t)

	s.AppendMessage(Message{
		ID: "m1", FromUserID: "alice", ToUserID: "bob",
		Content: "hello", Timestamp: 100, Status: StatusSent, Kind: KindText,
	}, "alice")
	s.AppendMessage(Message{
		ID: "m2", FromUserID: "bob", ToUserID: "alice",
		Content: "hi back", Timestamp: 200, Status: StatusDelivered, Kind: KindText,
	}, "alice")

	msgs := s.LoadMessages("alice", "bob")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages not in ascending timestamp order: %+v", msgs)
	}

	sessions := s.LoadSessions("alice")
	if len(sessions) != 1 || sessions[0].PeerID != "bob" || sessions[0].LastTimestamp != 200 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestAppendMessageUpsertByID(t *testing.T) {
	s := newTestStore(t)

	s.AppendMessage(Message{ID: "m1", FromUserID: "alice", ToUserID: "bob", Content: "v1", Timestamp: 1, Status: StatusSending}, "alice")
	s.AppendMessage(Message{ID: "m1", FromUserID: "alice", ToUserID: "bob", Content: "v1", Timestamp: 1, Status: StatusSent}, "alice")

	msgs := s.LoadMessages("alice", "bob")
	if len(msgs) != 1 {
		t.Fatalf("expected upsert to leave 1 row, got %d", len(msgs))
	}
	if msgs[0].Status != StatusSent {
		t.Fatalf("expected status to be updated to Sent, got %v", msgs[0].Status)
	}
}

func TestLoadLatestAndLoadBeforePaging(t *testing.T) {
	s := newTestStore(t)

	for i := int64(1); i <= 5; i++ {
		s.AppendMessage(Message{
			ID: string(rune('a' + i)), FromUserID: "alice", ToUserID: "bob",
			Content: "msg", Timestamp: i * 10, Status: StatusSent,
		}, "alice")
	}

	latest := s.LoadLatest("alice", "bob", 2)
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest messages, got %d", len(latest))
	}
	if latest[0].Timestamp != 40 || latest[1].Timestamp != 50 {
		t.Fatalf("unexpected latest page: %+v", latest)
	}

	before := s.LoadBefore("alice", "bob", 40, 10)
	if len(before) != 3 {
		t.Fatalf("expected 3 messages before ts=40, got %d", len(before))
	}
}

func TestSearchKeyword(t *testing.T) {
	s := newTestStore(t)

	s.AppendMessage(Message{ID: "m1", FromUserID: "alice", ToUserID: "bob", Content: "see you at the park", Timestamp: 1, Status: StatusSent}, "alice")
	s.AppendMessage(Message{ID: "m2", FromUserID: "alice", ToUserID: "bob", Content: "lunch plans", Timestamp: 2, Status: StatusSent}, "alice")

	results := s.SearchKeyword("alice", "park", "", 10)
	if len(results) != 1 || results[0].ID != "m1" {
		t.Fatalf("unexpected keyword search results: %+v", results)
	}

	if got := s.SearchKeyword("alice", "   ", "", 10); got != nil {
		t.Fatalf("blank keyword should return no results, got %+v", got)
	}
}

func TestClearHistoryRemovesMessagesAndSession(t *testing.T) {
	s := newTestStore(t)

	s.AppendMessage(Message{ID: "m1", FromUserID: "alice", ToUserID: "bob", Content: "hi", Timestamp: 1, Status: StatusSent}, "alice")
	s.ClearHistory("alice", "bob")

	if msgs := s.LoadMessages("alice", "bob"); len(msgs) != 0 {
		t.Fatalf("expected history to be cleared, got %+v", msgs)
	}
	if sessions := s.LoadSessions("alice"); len(sessions) != 0 {
		t.Fatalf("expected session to be cleared, got %+v", sessions)
	}
}

func TestUpsertAndLoadPeer(t *testing.T) {
	s := newTestStore(t)

	s.UpsertPeer(PeerInfo{UserID: "bob", UserName: "Bob", IPAddress: "192.168.1.10", TCPPort: 5670}, 1000)

	info, ok := s.LoadPeer("bob")
	if !ok {
		t.Fatal("expected to find peer bob")
	}
	if info.UserName != "Bob" || info.LastSeen != 1000 {
		t.Fatalf("unexpected peer info: %+v", info)
	}

	if _, ok := s.LoadPeer("nobody"); ok {
		t.Fatal("expected no peer for unknown user id")
	}
}

func TestGroupPersistence(t *testing.T) {
	s := newTestStore(t)

	s.RegisterGroup("g1", "alice")
	s.AddGroupMember("g1", "bob")
	s.AddGroupMember("g1", "carol")
	s.RemoveGroupMember("g1", "carol")

	groups := s.LoadGroups()
	g, ok := groups["g1"]
	if !ok {
		t.Fatal("expected group g1 to be persisted")
	}
	if g.OwnerID != "alice" {
		t.Fatalf("unexpected owner: %q", g.OwnerID)
	}
	if len(g.Members) != 1 || g.Members[0] != "bob" {
		t.Fatalf("unexpected members: %+v", g.Members)
	}

	s.RemoveGroup("g1")
	if _, ok := s.LoadGroups()["g1"]; ok {
		t.Fatal("expected group g1 to be removed")
	}
}
