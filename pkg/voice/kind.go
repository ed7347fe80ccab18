package voice

import "sync"

// Identifier supplies the server identifier a connection kind sends in
// IDENTIFY and RESUME. ok is false while the identifier is unknown.
type Identifier interface {
	SignalingIdentifier() (id string, ok bool)
}

// VoiceKind identifies a guild voice channel connection by its guild.
type VoiceKind struct {
	GuildID string
}

func (k VoiceKind) SignalingIdentifier() (string, bool) {
	return k.GuildID, k.GuildID != ""
}

// StreamKind identifies a go-live stream connection. Its server id is only
// known once the stream server update arrives, so it can be set later.
type StreamKind struct {
	mu       sync.RWMutex
	serverID string
}

// NewStreamKind returns a StreamKind, optionally with a known server id.
func NewStreamKind(serverID string) *StreamKind {
	return &StreamKind{serverID: serverID}
}

// SetServerID records the rtc server id from the stream server update.
func (k *StreamKind) SetServerID(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.serverID = id
}

func (k *StreamKind) SignalingIdentifier() (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.serverID, k.serverID != ""
}
