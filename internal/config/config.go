// Package config is the node's persisted settings blob: a local user
// profile (stable user id, display name, avatar, bootstrap
// timestamps) plus the paths.downloadDirectory and
// paths.chatHistoryDirectory settings keys, all stored as one flat JSON
// document under the platform app-data directory.
//
// It is a Go port of ConfigManager.cpp/UserProfile.cpp: the same
// app-data-relative file path, the same corrupt-file-falls-back-to-
// backup recovery, and the same JSON field names, adapted from Qt's
// QStandardPaths/QJsonDocument to encoding/json and os.UserConfigDir.
// Default-path resolution follows the platform switch
// prxssh-rabbit/internal/config/config.go uses for its own download
// directory default, using the standard library's runtime.GOOS rather
// than that file's github.com/wailsapp/wails/v2/pkg/runtime dependency
// (see DESIGN.md).
package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"github.com/Triwalt/flykylin-chatnode/internal/identity"
	"github.com/Triwalt/flykylin-chatnode/internal/logging"
)

const (
	appDirName   = "FlyKylin"
	profileFile  = "user_profile.json"
	backupSuffix = ".bak"
)

// Profile is the persisted document: UserProfile.cpp's identity
// fields (user name and avatar path included, stored under user_name
// and avatar_path) plus the paths.* settings keys that sat alongside it
// in the original QSettings-backed store.
type Profile struct {
	UserID               string `json:"uuid"`
	UserName             string `json:"user_name"`
	HostName             string `json:"host_name"`
	AvatarPath           string `json:"avatar_path"`
	DownloadDirectory    string `json:"paths.downloadDirectory"`
	ChatHistoryDirectory string `json:"paths.chatHistoryDirectory"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

// IsValid mirrors UserProfile::isValid(): a profile is usable once it
// has an id and a name.
func (p Profile) IsValid() bool {
	return p.UserID != "" && p.UserName != ""
}

// Touch mirrors UserProfile::touch().
func (p *Profile) Touch(now int64) {
	p.UpdatedAt = now
}

// AppDataDir returns the directory this node's settings live under.
func AppDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		if home, herr := os.UserHomeDir(); herr == nil {
			base = home
		} else {
			return "", err
		}
	}
	return filepath.Join(base, appDirName), nil
}

// ProfilePath returns the full path to the persisted profile document.
func ProfilePath() (string, error) {
	dir, err := AppDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, profileFile), nil
}

// Load reads the profile at path, falling back to its ".bak" sibling
// if the primary file is missing or corrupt, mirroring
// ConfigManager::loadConfig's restoreFromBackup path. It never
// returns an error for a missing file; callers distinguish "no
// profile yet" by checking Profile.IsValid().
func Load(path string, log *slog.Logger) (Profile, error) {
	if log == nil {
		log = logging.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("config: failed reading profile, trying backup", "error", err)
		}
		return loadBackup(path, log)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil || !p.IsValid() {
		log.Warn("config: profile corrupt, trying backup", "error", err)
		return loadBackup(path, log)
	}
	return p, nil
}

func loadBackup(path string, log *slog.Logger) (Profile, error) {
	data, err := os.ReadFile(path + backupSuffix)
	if err != nil {
		return Profile{}, nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil || !p.IsValid() {
		log.Warn("config: backup profile also corrupt, starting fresh")
		return Profile{}, nil
	}
	log.Info("config: restored profile from backup")
	return p, nil
}

// Save writes the profile to path, first copying any existing file to
// its ".bak" sibling, mirroring ConfigManager::createBackup.
func Save(path string, p Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+backupSuffix, existing, 0o644)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Bootstrap loads the profile at path, creating and persisting a
// fresh one on first run, and applies any non-empty fields an
// identity.Provider supplies. now is milliseconds since epoch,
// matching the rest of the node's wire timestamps.
func Bootstrap(path string, provider identity.Provider, now int64, log *slog.Logger) (Profile, error) {
	if log == nil {
		log = logging.Default()
	}

	p, err := Load(path, log)
	if err != nil {
		return Profile{}, err
	}

	fresh := !p.IsValid()
	if fresh {
		p = Profile{
			UserID:    uuid.NewString(),
			UserName:  defaultUserName(),
			CreatedAt: now,
		}
	}
	if p.HostName == "" {
		if host, err := os.Hostname(); err == nil {
			p.HostName = host
		}
	}
	if p.DownloadDirectory == "" {
		p.DownloadDirectory = defaultDownloadDir()
	}
	if p.ChatHistoryDirectory == "" {
		dir, err := AppDataDir()
		if err == nil {
			p.ChatHistoryDirectory = filepath.Join(dir, "history")
		}
	}

	if provider != nil {
		userName, avatarPath := provider.Profile(context.Background())
		if userName != "" {
			p.UserName = userName
		}
		if avatarPath != "" {
			p.AvatarPath = avatarPath
		}
	}

	p.Touch(now)
	if err := Save(path, p); err != nil {
		return p, err
	}
	if fresh {
		log.Info("config: bootstrapped new profile", "user_id", p.UserID)
	}
	return p, nil
}

func defaultUserName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "User"
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "FlyKylin")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "flykylin", "downloads")
	}
}
