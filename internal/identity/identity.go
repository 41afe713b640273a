// Package identity declares the narrow interface a presentation layer
// implements to supply this node's human-facing profile details. The
// node has no sensible way to invent a display name or an avatar on
// its own; everything else about the local profile (a stable user id,
// bootstrap timestamps, default paths) is derived and persisted by
// internal/config without any external input.
package identity

import "context"

// Provider supplies the parts of the local user's profile that only a
// human (via a GUI, CLI prompt, or similar front end) can decide.
// Returned strings may be empty, in which case internal/config keeps
// whatever default or previously-saved value it already has.
type Provider interface {
	Profile(ctx context.Context) (userName, avatarPath string)
}
