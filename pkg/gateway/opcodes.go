package gateway

import "fmt"

// Opcode identifies a signaling frame. Values are fixed by the server's
// versioned protocol and must not be renumbered.
type Opcode int

const (
	OpIdentify          Opcode = 0
	OpSelectProtocol    Opcode = 1
	OpReady             Opcode = 2
	OpHeartbeat         Opcode = 3
	OpSelectProtocolAck Opcode = 4
	OpSpeaking          Opcode = 5
	OpHeartbeatAck      Opcode = 6
	OpResume            Opcode = 7
	OpHello             Opcode = 8
	OpResumed           Opcode = 9
	OpVideo             Opcode = 12
	OpClientDisconnect  Opcode = 13
	OpSessionUpdate     Opcode = 14
	OpMediaSinkWants    Opcode = 15
)

// Version is the protocol version requested in the endpoint URL.
const Version = 8

// ErrorOpcodeFloor is the first opcode (and close code) of the error range.
const ErrorOpcodeFloor = 4000

// CloseVoiceServerCrashed is the one error-range close code the server uses
// to ask the client to reconnect and resume.
const CloseVoiceServerCrashed = 4015

func (op Opcode) String() string {
	switch op {
	case OpIdentify:
		return "IDENTIFY"
	case OpSelectProtocol:
		return "SELECT_PROTOCOL"
	case OpReady:
		return "READY"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpSelectProtocolAck:
		return "SELECT_PROTOCOL_ACK"
	case OpSpeaking:
		return "SPEAKING"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	case OpResume:
		return "RESUME"
	case OpHello:
		return "HELLO"
	case OpResumed:
		return "RESUMED"
	case OpVideo:
		return "VIDEO"
	case OpClientDisconnect:
		return "CLIENT_DISCONNECT"
	case OpSessionUpdate:
		return "SESSION_UPDATE"
	case OpMediaSinkWants:
		return "MEDIA_SINK_WANTS"
	}
	if op.IsError() {
		return fmt.Sprintf("ERROR(%d)", int(op))
	}
	return fmt.Sprintf("OP(%d)", int(op))
}

// IsError reports whether op falls in the server's error range.
func (op Opcode) IsError() bool {
	return op >= ErrorOpcodeFloor
}

// IsResumableClose reports whether a channel closed with code may be
// resumed with the credentials already held.
func IsResumableClose(code int) bool {
	return code == CloseVoiceServerCrashed || code < ErrorOpcodeFloor
}

// EncryptionMode names the AEAD scheme used on the media transport.
type EncryptionMode string

const (
	// ModeAES256GCM is preferred whenever the server offers it.
	ModeAES256GCM EncryptionMode = "aead_aes256_gcm_rtpsize"
	// ModeXChaCha20Poly1305 is always supported by the server.
	ModeXChaCha20Poly1305 EncryptionMode = "aead_xchacha20_poly1305_rtpsize"
)

// SelectEncryptionMode picks AES-GCM if advertised and not overridden by
// forceChacha, XChaCha20 otherwise.
func SelectEncryptionMode(advertised []string, forceChacha bool) EncryptionMode {
	if forceChacha {
		return ModeXChaCha20Poly1305
	}
	for _, m := range advertised {
		if EncryptionMode(m) == ModeAES256GCM {
			return ModeAES256GCM
		}
	}
	return ModeXChaCha20Poly1305
}
