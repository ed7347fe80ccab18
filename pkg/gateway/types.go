package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a UDP address as exchanged over the signaling channel.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// IdentifyPayload opens a fresh session
type IdentifyPayload struct {
	ServerID  string             `json:"server_id"`
	UserID    string             `json:"user_id"`
	SessionID string             `json:"session_id"`
	Token     string             `json:"token"`
	Video     bool               `json:"video"`
	Streams   []StreamDescriptor `json:"streams"`
}

// StreamDescriptor announces a simulcast layer in IDENTIFY
type StreamDescriptor struct {
	Type    string `json:"type"`
	RID     string `json:"rid"`
	Quality int    `json:"quality"`
}

// ResumePayload re-attaches to a session after a resumable close
type ResumePayload struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SelectProtocolPayload declares codecs and the local UDP endpoint.
// Address, port and mode are sent both at top level and under data; servers
// differ in which one they read.
type SelectProtocolPayload struct {
	Protocol string            `json:"protocol"`
	Codecs   []CodecDescriptor `json:"codecs"`
	Data     ProtocolData      `json:"data"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Mode     EncryptionMode    `json:"mode"`
}

// ProtocolData is the nested copy of the endpoint in SELECT_PROTOCOL
type ProtocolData struct {
	Address string         `json:"address"`
	Port    int            `json:"port"`
	Mode    EncryptionMode `json:"mode"`
}

// CodecDescriptor describes one codec capability
type CodecDescriptor struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Priority       int    `json:"priority"`
	PayloadType    int    `json:"payload_type"`
	RTXPayloadType int    `json:"rtx_payload_type,omitempty"`
	Encode         bool   `json:"encode,omitempty"`
	Decode         bool   `json:"decode,omitempty"`
}

// VideoPayload announces the video stream state
type VideoPayload struct {
	AudioSSRC uint32        `json:"audio_ssrc"`
	VideoSSRC uint32        `json:"video_ssrc"`
	RTXSSRC   uint32        `json:"rtx_ssrc"`
	Streams   []VideoStream `json:"streams"`
}

// VideoStream is the single simulcast layer in VIDEO
type VideoStream struct {
	Type          string     `json:"type"`
	RID           string     `json:"rid"`
	SSRC          uint32     `json:"ssrc"`
	Active        bool       `json:"active"`
	Quality       int        `json:"quality"`
	RTXSSRC       uint32     `json:"rtx_ssrc"`
	MaxBitrate    int        `json:"max_bitrate"`
	MaxFramerate  int        `json:"max_framerate"`
	MaxResolution Resolution `json:"max_resolution"`
}

// Resolution caps the stream resolution
type Resolution struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// SpeakingPayload flags the audio ssrc as speaking
type SpeakingPayload struct {
	Delay    int    `json:"delay"`
	Speaking int    `json:"speaking"`
	SSRC     uint32 `json:"ssrc"`
}

// Message is an inbound frame decoded by opcode.
type Message interface {
	Opcode() Opcode
}

// Ready carries the media routing parameters
type Ready struct {
	SSRC    uint32        `json:"ssrc"`
	IP      string        `json:"ip"`
	Port    int           `json:"port"`
	Modes   []string      `json:"modes"`
	Streams []ReadyStream `json:"streams"`
}

// ReadyStream is a server-assigned simulcast layer
type ReadyStream struct {
	Type    string `json:"type"`
	RID     string `json:"rid"`
	SSRC    uint32 `json:"ssrc"`
	RTXSSRC uint32 `json:"rtx_ssrc"`
	Active  bool   `json:"active"`
	Quality int    `json:"quality"`
}

// Remote returns the media server endpoint.
func (r *Ready) Remote() Endpoint {
	return Endpoint{Address: r.IP, Port: r.Port}
}

// Hello announces the heartbeat interval in milliseconds
type Hello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
	V                 int     `json:"v,omitempty"`
}

// SessionDescription acknowledges SELECT_PROTOCOL with the session key
type SessionDescription struct {
	Mode       EncryptionMode `json:"mode"`
	SecretKey  KeyBytes       `json:"secret_key"`
	AudioCodec string         `json:"audio_codec,omitempty"`
	VideoCodec string         `json:"video_codec,omitempty"`
}

// Resumed confirms a RESUME
type Resumed struct{}

// Speaking reports another user's speaking state
type Speaking struct {
	UserID   string `json:"user_id"`
	SSRC     uint32 `json:"ssrc"`
	Speaking int    `json:"speaking"`
}

// HeartbeatAck answers HEARTBEAT
type HeartbeatAck struct{}

// ProtocolError is any frame in the error opcode range
type ProtocolError struct {
	Code    Opcode
	Payload json.RawMessage
}

// Unknown is any other opcode
type Unknown struct {
	Op      Opcode
	Payload json.RawMessage
}

func (*Ready) Opcode() Opcode              { return OpReady }
func (*Hello) Opcode() Opcode              { return OpHello }
func (*SessionDescription) Opcode() Opcode { return OpSelectProtocolAck }
func (*Resumed) Opcode() Opcode            { return OpResumed }
func (*Speaking) Opcode() Opcode           { return OpSpeaking }
func (*HeartbeatAck) Opcode() Opcode       { return OpHeartbeatAck }
func (m *ProtocolError) Opcode() Opcode    { return m.Code }
func (m *Unknown) Opcode() Opcode          { return m.Op }

// KeyBytes decodes a JSON array of octets, the server's key encoding.
type KeyBytes []byte

func (k *KeyBytes) UnmarshalJSON(data []byte) error {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return fmt.Errorf("secret key byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*k = out
	return nil
}

func (k KeyBytes) MarshalJSON() ([]byte, error) {
	raw := make([]int, len(k))
	for i, b := range k {
		raw[i] = int(b)
	}
	return json.Marshal(raw)
}
