package voice

import (
	"context"

	"github.com/silviot/voice_session_go/pkg/gateway"
)

// Transport is the media data path the connection negotiates for. The
// connection writes the negotiated ssrcs, mode, key and readiness; the
// caller reads them after receiving the transport in the ready callback.
type Transport interface {
	// SetEncryptionMode stores the mode chosen from READY.
	SetEncryptionMode(mode gateway.EncryptionMode)
	// SetSSRCs points the audio and video packetizers at the server-assigned ssrcs.
	SetSSRCs(audio, video uint32)
	// SetSecretKey stores the session key from SELECT_PROTOCOL_ACK.
	SetSecretKey(key []byte)
	// OpenSocket opens the UDP socket towards remote and returns the local
	// endpoint the server should send to.
	OpenSocket(ctx context.Context, remote gateway.Endpoint) (gateway.Endpoint, error)
	// SetReady marks the data path usable; it is cleared on every close.
	SetReady(ready bool)
	// Ready reports the last value passed to SetReady.
	Ready() bool
	// Stop closes the socket. It is called once, when the connection stops.
	Stop() error
}

// VideoPacketizer is implemented by transports that packetize video
// themselves. The connection switches their codec to the one it advertises
// in SELECT_PROTOCOL.
type VideoPacketizer interface {
	SupportsVideoCodec(codec string) bool
	SetVideoCodec(codec string) error
}
