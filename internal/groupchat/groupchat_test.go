package groupchat

import (
	"reflect"
	"sort"
	"testing"
)

func TestRegisterGroupMergesMembersAndSetsOwnerOnce(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"B", "C"}, "A")
	m.RegisterGroup("g1", []string{"C", "", "D"}, "")

	if got := m.GetGroupOwner("g1"); got != "A" {
		t.Fatalf("owner = %q, want A", got)
	}
	want := []string{"B", "C", "D"}
	if got := m.GetGroupMembers("g1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("members = %v, want %v", got, want)
	}
}

func TestRegisterGroupIgnoresOwnerMismatch(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"B"}, "A")
	m.RegisterGroup("g1", []string{"C"}, "Z")

	if got := m.GetGroupOwner("g1"); got != "A" {
		t.Fatalf("owner = %q, want A (mismatch should be ignored)", got)
	}
}

func TestAddMemberAndRemoveMember(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"A"}, "")
	m.AddMember("g1", "B")
	if !m.IsGroupMember("g1", "B") {
		t.Fatalf("expected B to be a member")
	}
	m.RemoveMember("g1", "A")
	if m.IsGroupMember("g1", "A") {
		t.Fatalf("expected A to be removed")
	}
}

func TestRemoveGroupForgetsIt(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"A"}, "owner")
	m.RemoveGroup("g1")
	if m.HasGroup("g1") {
		t.Fatalf("expected g1 to be forgotten")
	}
}

func TestGetMessageTargetsNoOwnerIsAllMembers(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"A", "B", "C"}, "")

	got := m.GetMessageTargets("g1", "A", "")
	sort.Strings(got)
	want := []string{"B", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
}

func TestGetMessageTargetsOwnerSendsToAllMembers(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"B", "C", "D"}, "A")

	got := m.GetMessageTargets("g1", "A", "")
	sort.Strings(got)
	want := []string{"B", "C", "D"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
}

func TestGetMessageTargetsMemberSendsToOwnerOnly(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"A", "B", "C", "D"}, "A")

	got := m.GetMessageTargets("g1", "B", "")
	want := []string{"A"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
}

func TestGetMessageTargetsNonMemberRoutesToListedOwner(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"A", "B", "C"}, "A")

	got := m.GetMessageTargets("g1", "zzz", "")
	want := []string{"A"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
}

func TestGetMessageTargetsOwnerNotListedIsEmpty(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"B", "C"}, "A")

	got := m.GetMessageTargets("g1", "B", "")
	if got != nil {
		t.Fatalf("expected no targets when owner is not a listed member, got %v", got)
	}
}

func TestGetRelayTargetsOnlyOwnerMayRelay(t *testing.T) {
	m := New(nil)
	m.RegisterGroup("g1", []string{"A", "B", "C", "D"}, "A")

	if got := m.GetRelayTargets("g1", "B", "B", "A"); got != nil {
		t.Fatalf("non-owner relay should be empty, got %v", got)
	}

	got := m.GetRelayTargets("g1", "A", "B", "A")
	sort.Strings(got)
	want := []string{"C", "D"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("relay targets = %v, want %v", got, want)
	}
}
