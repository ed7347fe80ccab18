package voice

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/silviot/voice_session_go/pkg/gateway"
)

// onOpen sends IDENTIFY on a fresh session or RESUME after a resumable close.
func (c *Connection) onOpen(ch Channel) {
	c.link.ch = ch
	c.wg.Add(1)
	go c.writeLoop(c.link, ch)

	serverID, _ := c.kind.SignalingIdentifier()

	if c.status.Resuming {
		c.status.Resuming = false
		if err := c.transition(evResume); err != nil {
			c.logger.Warn("resume transition rejected", "error", err)
			return
		}
		frame, err := gateway.Resume(serverID, c.creds.sessionID, c.creds.token)
		if err != nil {
			c.logger.Error("failed to build resume", "error", err)
			c.fail("resume", err)
			c.disconnect(0, err)
			return
		}
		if err := c.send(frame); err != nil {
			c.fail("send", err)
			return
		}
		c.logger.Info("resuming session")
		return
	}

	if err := c.transition(evIdentify); err != nil {
		c.logger.Warn("identify transition rejected", "error", err)
		return
	}
	frame, err := gateway.Identify(serverID, c.userID, c.creds.sessionID, c.creds.token)
	if err != nil {
		c.logger.Error("failed to build identify", "error", err)
		c.fail("identify", err)
		c.disconnect(0, err)
		return
	}
	if err := c.send(frame); err != nil {
		c.fail("send", err)
		return
	}
	if err := c.transition(evAwaitReady); err != nil {
		c.logger.Warn("await ready transition rejected", "error", err)
	}
	c.logger.Info("identify sent", "user_id", c.userID)
}

func (c *Connection) onMessage(data []byte) {
	msg, err := gateway.Decode(data)
	if err != nil {
		c.logger.Warn("failed to decode frame", "error", err)
		c.fail("decode", err)
		return
	}

	op := msg.Opcode()
	if op.IsError() {
		c.metrics.frame("error")
	} else {
		c.metrics.frame(op.String())
	}

	switch m := msg.(type) {
	case *gateway.Hello:
		c.onHello(m)
	case *gateway.Ready:
		c.onReadyFrame(m)
	case *gateway.SessionDescription:
		c.onSessionDescription(m)
	case *gateway.Resumed:
		c.onResumed()
	case *gateway.ProtocolError:
		c.logger.Error("server sent error frame", "code", int(m.Code), "payload", string(m.Payload))
		c.fail("protocol", fmt.Errorf("%w: %d", ErrProtocolFrame, int(m.Code)))
	case *gateway.HeartbeatAck, *gateway.Speaking:
	default:
		c.logger.Debug("ignoring frame", "op", op.String())
	}
}

// onHello restarts the heartbeat at the server's interval.
func (c *Connection) onHello(m *gateway.Hello) {
	interval := time.Duration(m.HeartbeatInterval * float64(time.Millisecond))
	if interval <= 0 {
		return
	}
	c.stopHeartbeat()
	c.heartbeat = time.NewTicker(interval)
	c.logger.Debug("heartbeat started", "interval", interval)
}

// onReadyFrame records the media parameters and opens the transport socket. The
// open runs off the loop and reports back through socketOpened.
func (c *Connection) onReadyFrame(m *gateway.Ready) {
	if err := c.transition(evNegotiate); err != nil {
		c.logger.Warn("unexpected READY", "state", c.machine.Current(), "error", err)
		return
	}

	layer := m.Streams[0]
	for _, st := range m.Streams {
		if st.Active {
			layer = st
			break
		}
	}
	mode := gateway.SelectEncryptionMode(m.Modes, c.config.Load().ForceChacha20Encryption)

	c.params = Params{
		AudioSSRC: m.SSRC,
		VideoSSRC: layer.SSRC,
		RTXSSRC:   layer.RTXSSRC,
		Remote:    m.Remote(),
		Mode:      mode,
	}
	c.negotiated = true

	c.transport.SetEncryptionMode(mode)
	c.transport.SetSSRCs(m.SSRC, layer.SSRC)

	c.logger.Info("ready received",
		"audio_ssrc", m.SSRC,
		"video_ssrc", layer.SSRC,
		"rtx_ssrc", layer.RTXSSRC,
		"remote", c.params.Remote.String(),
		"mode", string(mode))

	l := c.link
	remote := c.params.Remote
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, c.openTO)
		defer cancel()
		local, err := c.transport.OpenSocket(ctx, remote)
		_ = c.post(socketOpened{gen: l.gen, local: local, err: err})
	}()
}

// onSocketOpened sends SELECT_PROTOCOL and the initial video-off status.
func (c *Connection) onSocketOpened(local gateway.Endpoint, err error) {
	if err != nil {
		c.logger.Error("failed to open transport socket", "remote", c.params.Remote.String(), "error", err)
		c.fail("transport", fmt.Errorf("%w: %w", ErrTransportOpen, err))
		return
	}
	c.params.Local = local

	cfg := c.config.Load()
	if vp, ok := c.transport.(VideoPacketizer); ok {
		if err := vp.SetVideoCodec(cfg.VideoCodec); err != nil {
			c.fail("transport", fmt.Errorf("%w: %w", ErrUnsupportedCodec, err))
			return
		}
	}

	frame, err := gateway.SelectProtocol(cfg, local, c.params.Mode)
	if err != nil {
		c.fail("select_protocol", err)
		return
	}
	if err := c.send(frame); err != nil {
		c.fail("send", err)
		return
	}
	if err := c.sendVideoStatus(false); err != nil {
		c.fail("send", err)
		return
	}
	c.logger.Info("protocol selected", "local", local.String())
}

func (c *Connection) onSessionDescription(m *gateway.SessionDescription) {
	if err := c.transition(evEstablish); err != nil {
		c.logger.Warn("unexpected SELECT_PROTOCOL_ACK", "state", c.machine.Current(), "error", err)
		return
	}
	if m.Mode != "" && m.Mode != c.params.Mode {
		c.logger.Warn("server acknowledged a different encryption mode", "requested", string(c.params.Mode), "mode", string(m.Mode))
	}

	key := bytes.Clone(m.SecretKey)
	c.params.SecretKey = key
	c.transport.SetSecretKey(key)
	c.transport.SetReady(true)
	c.attempts = 0

	c.metrics.handshake("identify")
	c.logger.Info("voice connection ready")
	c.emit(Event{Type: EventReady})

	if c.onReady != nil {
		go c.onReady(c.transport)
	}
}

func (c *Connection) onResumed() {
	if err := c.transition(evResumed); err != nil {
		c.logger.Warn("unexpected RESUMED", "state", c.machine.Current(), "error", err)
		return
	}
	c.status.Started = true
	c.transport.SetReady(true)
	c.attempts = 0

	c.metrics.handshake("resume")
	c.logger.Info("voice session resumed")
	c.emit(Event{Type: EventResumed})
}

// onClose classifies the close code: resumable closes reconnect with
// RESUME, anything else leaves the connection disconnected.
func (c *Connection) onClose(code int, err error) {
	wasStarted := c.status.Started
	opened := c.link != nil && c.link.ch != nil
	c.status.Started = false
	c.transport.SetReady(false)
	c.release()

	resumable := gateway.IsResumableClose(code)
	c.metrics.closed(resumable)
	c.logger.Warn("signaling channel closed", "code", code, "resumable", resumable, "error", err)

	if resumable && wasStarted {
		// A dial that never opened keeps the previous handshake kind.
		if opened {
			c.status.Resuming = true
		}
		c.reconnect(code)
		return
	}
	c.disconnect(code, err)
}
