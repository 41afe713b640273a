// Package groupchat tracks group membership and derives the peer
// fan-out/relay target sets text messages need, as an in-memory mutex-
// protected map. It mirrors the shape of zeromq-gyre's group.go (a
// small struct guarded by one mutex, no actor loop needed since every
// operation is a short map read/write), with the merge/ownership rules
// themselves ported from the original GroupChatManager.
package groupchat

import (
	"log/slog"
	"sync"

	"github.com/Triwalt/flykylin-chatnode/internal/logging"
)

// Meta is one group's membership and ownership record.
type Meta struct {
	OwnerID string
	Members []string
}

// Manager is the process-wide group directory.
type Manager struct {
	log *slog.Logger

	mu     sync.Mutex
	groups map[string]*Meta
}

// New builds an empty group directory.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{log: log, groups: make(map[string]*Meta)}
}

// RegisterGroup creates group_id if unseen, or additively merges
// members into the existing record (dedup, skip empty, preserve
// insertion order). The owner is set only if previously unset; a
// mismatched re-register (supplying a different non-empty owner for an
// already-owned group) is logged and the existing owner kept.
func (m *Manager) RegisterGroup(groupID string, members []string, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		g = &Meta{}
		m.groups[groupID] = g
	}

	if owner != "" {
		if g.OwnerID == "" {
			g.OwnerID = owner
		} else if g.OwnerID != owner {
			m.log.Warn("groupchat: ignoring owner mismatch on re-register",
				"group_id", groupID, "existing_owner", g.OwnerID, "requested_owner", owner)
		}
	}

	g.Members = mergeMembers(g.Members, members)
}

func mergeMembers(existing, additions []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(additions))
	for _, id := range existing {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range additions {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// AddMember adds one member to an existing or new group.
func (m *Manager) AddMember(groupID, memberID string) {
	m.RegisterGroup(groupID, []string{memberID}, "")
}

// RemoveMember drops memberID from group_id, if present.
func (m *Manager) RemoveMember(groupID, memberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return
	}
	filtered := g.Members[:0:0]
	for _, id := range g.Members {
		if id != memberID {
			filtered = append(filtered, id)
		}
	}
	g.Members = filtered
}

// RemoveGroup forgets group_id entirely.
func (m *Manager) RemoveGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
}

// HasGroup reports whether group_id is known.
func (m *Manager) HasGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.groups[groupID]
	return ok
}

// IsGroupMember reports whether userID belongs to group_id.
func (m *Manager) IsGroupMember(groupID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	for _, id := range g.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// GetGroupMembers returns a copy of group_id's member list, or nil if
// unknown.
func (m *Manager) GetGroupMembers(groupID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]string, len(g.Members))
	copy(out, g.Members)
	return out
}

// GetGroupOwner returns group_id's owner, or "" if unknown/unowned.
func (m *Manager) GetGroupOwner(groupID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ""
	}
	return g.OwnerID
}

// GetMessageTargets returns the peers a send_group_text from
// localUserID should fan out to: all members if there is no owner or
// local is the owner; otherwise the owner alone, and only when the
// owner is listed among the members. localUserID and exclude (if
// non-empty) are always dropped from the result, which is nil when no
// target remains or the group is unknown.
func (m *Manager) GetMessageTargets(groupID, localUserID, exclude string) []string {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	var targets []string
	switch {
	case g.OwnerID == "" || g.OwnerID == localUserID:
		targets = append(targets, g.Members...)
	case g.OwnerID != "" && isMember(g.Members, g.OwnerID):
		targets = []string{g.OwnerID}
	}

	return excludeIDs(targets, localUserID, exclude)
}

// GetRelayTargets returns the peers an owner should rebroadcast a
// message to: empty unless localUserID owns group_id; otherwise every
// member except local, from, and to.
func (m *Manager) GetRelayTargets(groupID, localUserID, from, to string) []string {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	m.mu.Unlock()
	if !ok || g.OwnerID == "" || g.OwnerID != localUserID {
		return nil
	}

	out := make([]string, 0, len(g.Members))
	for _, id := range g.Members {
		if id == localUserID || id == from || id == to {
			continue
		}
		out = append(out, id)
	}
	return out
}

func isMember(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

func excludeIDs(ids []string, local, exclude string) []string {
	var out []string
	for _, id := range ids {
		if id == local || (exclude != "" && id == exclude) {
			continue
		}
		out = append(out, id)
	}
	return out
}
