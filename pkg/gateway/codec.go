package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("gateway: malformed payload")
	ErrMissingServerID  = errors.New("gateway: missing server id")
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Frame is an outbound message before encoding.
type Frame struct {
	Op Opcode
	D  any
}

// Encode marshals the frame into its {op, d} envelope.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(struct {
		Op Opcode `json:"op"`
		D  any    `json:"d"`
	}{f.Op, f.D})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Op, err)
	}
	return data, nil
}

// Decode parses one inbound frame. Opcodes without a handler decode to
// *Unknown; frames missing required fields return ErrMalformedPayload.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if env.Op.IsError() {
		return &ProtocolError{Code: env.Op, Payload: env.D}, nil
	}

	switch env.Op {
	case OpReady:
		var m Ready
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.IP == "" || m.Port <= 0 || m.Port > 65535 {
			return nil, fmt.Errorf("%w: READY without valid ip/port", ErrMalformedPayload)
		}
		if len(m.Streams) == 0 {
			return nil, fmt.Errorf("%w: READY without streams", ErrMalformedPayload)
		}
		return &m, nil

	case OpHello:
		var m Hello
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.HeartbeatInterval <= 0 {
			return nil, fmt.Errorf("%w: HELLO without heartbeat interval", ErrMalformedPayload)
		}
		return &m, nil

	case OpSelectProtocolAck:
		var m SessionDescription
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if len(m.SecretKey) == 0 {
			return nil, fmt.Errorf("%w: SELECT_PROTOCOL_ACK without secret key", ErrMalformedPayload)
		}
		return &m, nil

	case OpResumed:
		return &Resumed{}, nil

	case OpHeartbeatAck:
		return &HeartbeatAck{}, nil

	case OpSpeaking:
		var m Speaking
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}

	return &Unknown{Op: env.Op, Payload: env.D}, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.D) == 0 || string(env.D) == "null" {
		return fmt.Errorf("%w: %s without payload", ErrMalformedPayload, env.Op)
	}
	if err := json.Unmarshal(env.D, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Op, err)
	}
	return nil
}
