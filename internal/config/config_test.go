package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type stubProvider struct {
	userName, avatarPath string
}

func (p stubProvider) Profile(ctx context.Context) (string, string) {
	return p.userName, p.avatarPath
}

func TestBootstrapCreatesFreshProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_profile.json")

	p, err := Bootstrap(path, nil, 1000, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if p.UserID == "" {
		t.Fatal("expected a generated user id")
	}
	if p.DownloadDirectory == "" || p.ChatHistoryDirectory == "" {
		t.Fatal("expected default paths to be filled in")
	}

	reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.UserID != p.UserID {
		t.Fatalf("expected persisted user id %q, got %q", p.UserID, reloaded.UserID)
	}
}

func TestBootstrapAppliesProviderOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_profile.json")
	provider := stubProvider{userName: "alice", avatarPath: "/tmp/alice.png"}

	p, err := Bootstrap(path, provider, 1000, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if p.UserName != "alice" || p.AvatarPath != "/tmp/alice.png" {
		t.Fatalf("expected provider overrides applied, got %+v", p)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_profile.json")

	first, err := Bootstrap(path, nil, 1000, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	second, err := Bootstrap(path, nil, 2000, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("expected stable user id across bootstraps, got %q then %q", first.UserID, second.UserID)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("expected CreatedAt preserved, got %d then %d", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt != 2000 {
		t.Fatalf("expected UpdatedAt touched to 2000, got %d", second.UpdatedAt)
	}
}

func TestLoadFallsBackToBackupWhenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_profile.json")

	p, err := Bootstrap(path, nil, 1000, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	// A second save, now that a primary file exists, produces a backup
	// containing the first profile before we corrupt the primary.
	if err := Save(path, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt primary file: %v", err)
	}

	recovered, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if recovered.UserID != p.UserID {
		t.Fatalf("expected recovered profile from backup, got %+v", recovered)
	}
}
