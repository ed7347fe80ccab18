package voice

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionStopped  = errors.New("voice: connection stopped")
	ErrNotConnected       = errors.New("voice: signaling channel not open")
	ErrNotNegotiated      = errors.New("voice: media parameters not negotiated")
	ErrTransportRequired  = errors.New("voice: transport required")
	ErrTransportOpen      = errors.New("voice: transport socket open failed")
	ErrReconnectExhausted = errors.New("voice: reconnect attempts exhausted")
	ErrProtocolFrame      = errors.New("voice: server sent error frame")
	ErrSendQueueFull      = errors.New("voice: send queue full")
	ErrUnsupportedCodec   = errors.New("voice: transport cannot packetize video codec")
)

// EventType classifies connection events.
type EventType int

const (
	EventStateChanged EventType = iota
	EventReady
	EventResumed
	EventDisconnected
	EventError
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventReady:
		return "ready"
	case EventResumed:
		return "resumed"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is published on Connection.Events so callers can observe progress
// and stalls without waiting on the ready callback.
type Event struct {
	Type EventType
	// From and To are set for EventStateChanged.
	From State
	To   State
	// Code is the close code for EventDisconnected.
	Code int
	Err  error
}
