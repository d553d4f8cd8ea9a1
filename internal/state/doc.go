// Package state provides filesystem-backed implementations of the chat
// backend: messages, profiles, notifications, realtime fan-out and kBot
// transcripts.
package state

import "github.com/user/khappy/internal/types"

// Compile-time interface compliance checks.
var _ types.MessageStore = (*MessageStore)(nil)
var _ types.Directory = (*ProfileStore)(nil)
var _ types.NotificationStore = (*NotificationStore)(nil)
var _ types.Realtime = (*Hub)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)
