package voice

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the connection lifecycle state.
type State string

const (
	StateAwaitingCredentials  State = "awaiting_credentials"
	StateConnecting           State = "connecting"
	StateIdentifying          State = "identifying"
	StateResuming             State = "resuming"
	StateAwaitingReady        State = "awaiting_ready"
	StateNegotiatingTransport State = "negotiating_transport"
	StateReady                State = "ready"
	StateReconnecting         State = "reconnecting"
	// StateDisconnected follows a terminal close; fresh credentials restart it.
	StateDisconnected State = "disconnected"
	StateStopped      State = "stopped"
)

// Transition events.
const (
	evConnect    = "connect"
	evIdentify   = "identify"
	evResume     = "resume"
	evAwaitReady = "await_ready"
	evNegotiate  = "negotiate"
	evEstablish  = "establish"
	evResumed    = "resumed"
	evReconnect  = "reconnect"
	evDisconnect = "disconnect"
	evStop       = "stop"
)

// liveStates hold a signaling channel.
var liveStates = []string{
	string(StateConnecting),
	string(StateIdentifying),
	string(StateResuming),
	string(StateAwaitingReady),
	string(StateNegotiatingTransport),
	string(StateReady),
}

// newStateMachine builds the transition table. Anything not listed is
// rejected by fsm.Event.
func newStateMachine(onEnter func(from, to State)) *fsm.FSM {
	all := append([]string{
		string(StateAwaitingCredentials),
		string(StateReconnecting),
		string(StateDisconnected),
	}, liveStates...)

	return fsm.NewFSM(
		string(StateAwaitingCredentials),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StateAwaitingCredentials), string(StateReconnecting), string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: evIdentify, Src: []string{string(StateConnecting)}, Dst: string(StateIdentifying)},
			{Name: evResume, Src: []string{string(StateConnecting)}, Dst: string(StateResuming)},
			{Name: evAwaitReady, Src: []string{string(StateIdentifying)}, Dst: string(StateAwaitingReady)},
			{Name: evNegotiate, Src: []string{string(StateAwaitingReady), string(StateResuming)}, Dst: string(StateNegotiatingTransport)},
			{Name: evEstablish, Src: []string{string(StateNegotiatingTransport)}, Dst: string(StateReady)},
			{Name: evResumed, Src: []string{string(StateResuming)}, Dst: string(StateReady)},
			{Name: evReconnect, Src: liveStates, Dst: string(StateReconnecting)},
			{Name: evDisconnect, Src: append(liveStates, string(StateReconnecting)), Dst: string(StateDisconnected)},
			{Name: evStop, Src: all, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}

// Status mirrors the credential and lifecycle flags.
type Status struct {
	HasSession bool
	HasToken   bool
	Started    bool
	Resuming   bool
}
