package voice

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/voice_session_go/pkg/gateway"
	"github.com/silviot/voice_session_go/pkg/stream"
)

func TestNewConnectionRequiresTransport(t *testing.T) {
	_, err := NewConnection(Config{GuildID: "g"})
	assert.ErrorIs(t, err, ErrTransportRequired)
}

func TestNewConnectionRejectsInvalidStreamConfig(t *testing.T) {
	_, err := NewConnection(Config{
		Transport: newFakeTransport(),
		Stream:    stream.Overrides{FPS: stream.Int(0)},
	})
	assert.ErrorIs(t, err, stream.ErrInvalidFPS)
}

func TestNewConnectionRejectsCodecTransportCannotPacketize(t *testing.T) {
	_, err := NewConnection(Config{
		GuildID:   "guild",
		Transport: newFakeTransport(),
		Stream:    stream.Overrides{VideoCodec: stream.String("h265")},
	})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestUpdateConfigRejectsCodecTransportCannotPacketize(t *testing.T) {
	h := newHarness(t, nil)
	before := h.conn.Config()

	_, err := h.conn.UpdateConfig(stream.Overrides{VideoCodec: stream.String("hevc")})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
	assert.Equal(t, before, h.conn.Config())
}

func TestStartWaitsForBothCredentials(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.conn.SetSession("session-1"))
	h.dialer.expectNoDial(t, 50*time.Millisecond)

	status := h.conn.Status()
	assert.True(t, status.HasSession)
	assert.False(t, status.HasToken)
	assert.False(t, status.Started)
	assert.Equal(t, StateAwaitingCredentials, h.conn.State())

	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-1"))
	ch := h.dialer.next(t)
	assert.Equal(t, "wss://voice.example.test/?v=8", ch.endpoint)

	d := ch.expect(t, gateway.OpIdentify)
	assert.Equal(t, "guild-1", d["server_id"])
	assert.Equal(t, "user-1", d["user_id"])
	assert.Equal(t, "session-1", d["session_id"])
	assert.Equal(t, "token-1", d["token"])
	assert.Equal(t, true, d["video"])

	h.waitState(t, StateAwaitingReady)
	assert.True(t, h.conn.Status().Started)
}

func TestCredentialOrderDoesNotMatter(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-1"))
	h.dialer.expectNoDial(t, 50*time.Millisecond)
	require.NoError(t, h.conn.SetSession("session-1"))

	ch := h.dialer.next(t)
	ch.expect(t, gateway.OpIdentify)
}

func TestStartIsIdempotentWhileStarted(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.NoError(t, h.conn.Start())
	require.NoError(t, h.conn.SetSession("session-2"))
	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-2"))

	h.dialer.expectNoDial(t, 50*time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
}

func TestHandshakeReachesReady(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	ch.send(t, gateway.OpReady, readyPayload())
	h.waitState(t, StateNegotiatingTransport)

	sp := ch.expect(t, gateway.OpSelectProtocol)
	assert.Equal(t, "udp", sp["protocol"])
	assert.Equal(t, "203.0.113.7", sp["address"])
	assert.EqualValues(t, 50004, sp["port"])
	assert.Equal(t, string(gateway.ModeAES256GCM), sp["mode"])
	data := sp["data"].(map[string]any)
	assert.Equal(t, "203.0.113.7", data["address"])
	codecs := sp["codecs"].([]any)
	require.Len(t, codecs, 2)
	assert.Equal(t, "opus", codecs[0].(map[string]any)["name"])
	assert.Equal(t, "H264", codecs[1].(map[string]any)["name"])

	video := ch.expect(t, gateway.OpVideo)
	assert.EqualValues(t, 1111, video["audio_ssrc"])
	assert.EqualValues(t, 0, video["video_ssrc"])
	assert.EqualValues(t, 0, video["rtx_ssrc"])

	ts := h.transport.state()
	assert.Equal(t, gateway.ModeAES256GCM, ts.mode)
	assert.EqualValues(t, 1111, ts.audio)
	assert.EqualValues(t, 2222, ts.video)
	assert.Equal(t, gateway.Endpoint{Address: "198.51.100.20", Port: 50001}, ts.remote)
	assert.False(t, ts.ready)

	ch.send(t, gateway.OpSelectProtocolAck, map[string]any{
		"mode":       string(gateway.ModeAES256GCM),
		"secret_key": sessionKey(),
	})
	h.waitEvent(t, EventReady)
	h.waitState(t, StateReady)

	require.Eventually(t, func() bool { return h.readyCount() == 1 }, waitTimeout, 5*time.Millisecond)
	ts = h.transport.state()
	assert.True(t, ts.ready)
	require.Len(t, ts.key, 32)
	assert.Equal(t, byte(1), ts.key[0])
	assert.Equal(t, byte(32), ts.key[31])

	params := h.conn.Params()
	assert.EqualValues(t, 1111, params.AudioSSRC)
	assert.EqualValues(t, 2222, params.VideoSSRC)
	assert.EqualValues(t, 3333, params.RTXSSRC)
	assert.Equal(t, gateway.Endpoint{Address: "203.0.113.7", Port: 50004}, params.Local)
	assert.Len(t, params.SecretKey, 32)
}

func TestForceChachaSelectsWeakerMode(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Stream.ForceChacha20Encryption = stream.Bool(true)
	})
	ch := h.connect(t)
	ch.send(t, gateway.OpReady, readyPayload())

	sp := ch.expect(t, gateway.OpSelectProtocol)
	assert.Equal(t, string(gateway.ModeXChaCha20Poly1305), sp["mode"])
	assert.Equal(t, gateway.ModeXChaCha20Poly1305, h.transport.state().mode)
}

func TestUpdatedConfigFlowsIntoFrames(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	cfg, err := h.conn.UpdateConfig(stream.Overrides{
		VideoCodec:     stream.String("vp8"),
		MaxBitrateKbps: stream.Int(4000),
		FPS:            stream.Int(60),
	})
	require.NoError(t, err)
	assert.Equal(t, stream.CodecVP8, cfg.VideoCodec)
	assert.Equal(t, 1280, h.conn.Config().Width)

	ch.send(t, gateway.OpReady, readyPayload())
	sp := ch.expect(t, gateway.OpSelectProtocol)
	codecs := sp["codecs"].([]any)
	assert.Equal(t, "VP8", codecs[1].(map[string]any)["name"])
	assert.Equal(t, stream.CodecVP8, h.transport.state().codec)

	video := ch.expect(t, gateway.OpVideo)
	layer := video["streams"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 4000000, layer["max_bitrate"])
	assert.EqualValues(t, 60, layer["max_framerate"])
}

func TestVideoAndSpeakingAfterReady(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.conn.SetSpeaking(true), ErrNotNegotiated)
	assert.ErrorIs(t, h.conn.SetVideoStatus(true), ErrNotNegotiated)

	ch := h.handshake(t)

	require.NoError(t, h.conn.SetVideoStatus(true))
	video := ch.expect(t, gateway.OpVideo)
	assert.EqualValues(t, 2222, video["video_ssrc"])
	assert.EqualValues(t, 3333, video["rtx_ssrc"])
	layer := video["streams"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 2222, layer["ssrc"])
	assert.Equal(t, true, layer["active"])

	require.NoError(t, h.conn.SetVideoStatus(false))
	video = ch.expect(t, gateway.OpVideo)
	assert.EqualValues(t, 0, video["video_ssrc"])

	require.NoError(t, h.conn.SetSpeaking(true))
	speaking := ch.expect(t, gateway.OpSpeaking)
	assert.EqualValues(t, 1, speaking["speaking"])
	assert.EqualValues(t, 1111, speaking["ssrc"])
	assert.EqualValues(t, 0, speaking["delay"])

	// Caller's ssrcs are untouched by a video-off announcement.
	assert.EqualValues(t, 2222, h.conn.Params().VideoSSRC)
}

func TestHeartbeatFollowsHello(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	ch.send(t, gateway.OpHello, map[string]any{"heartbeat_interval": 20})
	ch.expect(t, gateway.OpHeartbeat)
	ch.expect(t, gateway.OpHeartbeat)
}

func TestSecondHelloReplacesHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	ch.send(t, gateway.OpHello, map[string]any{"heartbeat_interval": 60000})
	ch.expectQuiet(t, gateway.OpHeartbeat, 100*time.Millisecond)

	// The shorter interval takes over.
	ch.send(t, gateway.OpHello, map[string]any{"heartbeat_interval": 20})
	ch.expect(t, gateway.OpHeartbeat)
	ch.expect(t, gateway.OpHeartbeat)

	// And the 20ms ticker is gone once a longer interval arrives.
	ch.send(t, gateway.OpHello, map[string]any{"heartbeat_interval": 60000})
	time.Sleep(100 * time.Millisecond)
	ch.drain()
	ch.expectQuiet(t, gateway.OpHeartbeat, 150*time.Millisecond)
}

func TestNoHeartbeatAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	ch.send(t, gateway.OpHello, map[string]any{"heartbeat_interval": 20})
	ch.expect(t, gateway.OpHeartbeat)

	require.NoError(t, h.conn.Stop())
	ch.drain()
	ch.expectQuiet(t, gateway.OpHeartbeat, 100*time.Millisecond)
	assert.True(t, ch.isClosed())
}

func TestResumableCloseResumes(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.handshake(t)
	require.Eventually(t, func() bool { return h.readyCount() == 1 }, waitTimeout, 5*time.Millisecond)

	ch.closeWith(gateway.CloseVoiceServerCrashed)

	ch2 := h.dialer.next(t)
	d := ch2.expect(t, gateway.OpResume)
	assert.Equal(t, "guild-1", d["server_id"])
	assert.Equal(t, "session-1", d["session_id"])
	assert.Equal(t, "token-1", d["token"])
	h.waitState(t, StateResuming)
	assert.False(t, h.transport.Ready())
	assert.False(t, h.conn.Status().Resuming)

	ch2.send(t, gateway.OpResumed, nil)
	h.waitEvent(t, EventResumed)
	h.waitState(t, StateReady)

	assert.True(t, h.transport.Ready())
	assert.True(t, h.conn.Status().Started)
	assert.Equal(t, 1, h.readyCount())

	// Negotiated parameters survive the resume.
	params := h.conn.Params()
	assert.EqualValues(t, 1111, params.AudioSSRC)
	assert.Len(t, params.SecretKey, 32)
}

func TestCloseCodeClassification(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		resume bool
	}{
		{"normal closure", 1000, true},
		{"abnormal closure", 1006, true},
		{"server crashed", 4015, true},
		{"authentication failed", 4004, false},
		{"session no longer valid", 4006, false},
		{"disconnected", 4014, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ch := h.connect(t)
			ch.closeWith(tt.code)

			if tt.resume {
				next := h.dialer.next(t)
				next.expect(t, gateway.OpResume)
				h.waitState(t, StateResuming)
				return
			}

			ev := h.waitEvent(t, EventDisconnected)
			assert.Equal(t, tt.code, ev.Code)
			assert.Equal(t, StateDisconnected, h.conn.State())
			h.dialer.expectNoDial(t, 50*time.Millisecond)
		})
	}
}

func TestTerminalCloseWaitsForFreshCredentials(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.handshake(t)

	ch.closeWith(4006)
	ev := h.waitEvent(t, EventDisconnected)
	assert.Equal(t, 4006, ev.Code)

	status := h.conn.Status()
	assert.False(t, status.Started)
	assert.False(t, status.Resuming)
	assert.False(t, h.transport.Ready())
	assert.True(t, ch.isClosed())
	h.dialer.expectNoDial(t, 50*time.Millisecond)

	require.NoError(t, h.conn.SetTokens("voice2.example.test", "token-2"))
	ch2 := h.dialer.next(t)
	assert.Equal(t, "wss://voice2.example.test/?v=8", ch2.endpoint)
	d := ch2.expect(t, gateway.OpIdentify)
	assert.Equal(t, "token-2", d["token"])
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.handshake(t)

	ch.closeWith(1006)
	for i := 0; i < 3; i++ {
		next := h.dialer.next(t)
		next.expect(t, gateway.OpResume)
		next.closeWith(1006)
	}

	ev := h.waitError(t, ErrReconnectExhausted)
	assert.ErrorIs(t, ev.Err, ErrReconnectExhausted)
	dis := h.waitEvent(t, EventDisconnected)
	assert.Equal(t, 1006, dis.Code)
	assert.Equal(t, StateDisconnected, h.conn.State())
	assert.False(t, h.conn.Status().Resuming)
	h.dialer.expectNoDial(t, 50*time.Millisecond)
}

func TestReadyResetsReconnectBudget(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.handshake(t)

	// Five resumable drops, each followed by a successful resume, stay
	// within a budget of three consecutive attempts.
	for i := 0; i < 5; i++ {
		ch.closeWith(4015)
		ch = h.dialer.next(t)
		ch.expect(t, gateway.OpResume)
		ch.send(t, gateway.OpResumed, nil)
		h.waitEvent(t, EventResumed)
	}
	h.waitState(t, StateReady)
	assert.Equal(t, 6, h.dialer.count())
}

func TestDialFailureReconnectsWithIdentify(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Reconnect = BackoffConfig{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, Multiplier: 1}
	})
	dialErr := errors.New("connection refused")
	h.dialer.setErr(dialErr)

	require.NoError(t, h.conn.SetSession("session-1"))
	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-1"))
	h.waitError(t, dialErr)

	h.dialer.setErr(nil)
	ch := h.dialer.next(t)
	ch.expect(t, gateway.OpIdentify)
}

func TestMissingServerIDDisconnects(t *testing.T) {
	kind := NewStreamKind("")
	h := newHarness(t, func(cfg *Config) { cfg.Kind = kind })

	require.NoError(t, h.conn.SetSession("session-1"))
	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-1"))

	h.waitError(t, gateway.ErrMissingServerID)
	h.waitEvent(t, EventDisconnected)
	assert.Equal(t, StateDisconnected, h.conn.State())

	kind.SetServerID("rtc-server-9")
	require.NoError(t, h.conn.SetSession("session-1"))
	h.dialer.next(t)
	ch := h.dialer.next(t)
	d := ch.expect(t, gateway.OpIdentify)
	assert.Equal(t, "rtc-server-9", d["server_id"])
}

func TestTransportOpenFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.openErr = errors.New("no route to host")
	ch := h.connect(t)

	ch.send(t, gateway.OpReady, readyPayload())
	ev := h.waitError(t, ErrTransportOpen)
	assert.Contains(t, ev.Err.Error(), "no route to host")
	assert.Equal(t, StateNegotiatingTransport, h.conn.State())
}

func TestServerErrorFrameIsReported(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	ch.send(t, gateway.Opcode(4005), map[string]any{"message": "already authenticated"})
	ev := h.waitError(t, ErrProtocolFrame)
	assert.Contains(t, ev.Err.Error(), "4005")
	assert.Equal(t, StateAwaitingReady, h.conn.State())
}

func TestUnexpectedAckIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect(t)

	ch.send(t, gateway.OpSelectProtocolAck, map[string]any{"mode": "x", "secret_key": sessionKey()})
	ch.send(t, gateway.OpHeartbeatAck, nil)
	h.dialer.expectNoDial(t, 50*time.Millisecond)

	assert.Equal(t, StateAwaitingReady, h.conn.State())
	assert.False(t, h.transport.Ready())
	assert.Equal(t, 0, h.readyCount())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.handshake(t)

	require.NoError(t, h.conn.Stop())
	require.NoError(t, h.conn.Stop())

	assert.Equal(t, StateStopped, h.conn.State())
	assert.True(t, ch.isClosed())
	ts := h.transport.state()
	assert.False(t, ts.ready)
	assert.Equal(t, 1, ts.stopped)

	assert.ErrorIs(t, h.conn.SetSession("s"), ErrConnectionStopped)
	assert.ErrorIs(t, h.conn.Start(), ErrConnectionStopped)
	assert.ErrorIs(t, h.conn.SetSpeaking(true), ErrConnectionStopped)

	var last Event
	for ev := range h.conn.Events() {
		last = ev
	}
	assert.Equal(t, EventStopped, last.Type)
}

func TestStopReleasesChannelDialedDuringShutdown(t *testing.T) {
	dialer := newLateDialer()
	h := newHarness(t, func(cfg *Config) {
		cfg.Dialer = dialer
		cfg.Transport = &slowStopTransport{fakeTransport: newFakeTransport(), delay: 100 * time.Millisecond}
	})
	require.NoError(t, h.conn.SetSession("session-1"))
	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-1"))
	select {
	case <-dialer.started:
	case <-time.After(waitTimeout):
		t.Fatal("dial never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.conn.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Stop did not return")
	}

	select {
	case ch := <-dialer.dialed:
		assert.True(t, ch.isClosed())
	default:
		t.Fatal("dial did not complete before Stop returned")
	}
}

func TestStopBeforeCredentials(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.conn.Stop())
	assert.Equal(t, StateStopped, h.conn.State())
	assert.Equal(t, 0, h.dialer.count())
}

func TestStopDuringReconnectBackoff(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Reconnect = BackoffConfig{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1}
	})
	ch := h.handshake(t)

	ch.closeWith(1006)
	first := h.dialer.next(t)
	first.expect(t, gateway.OpResume)
	first.closeWith(1006)
	h.waitState(t, StateReconnecting)

	require.NoError(t, h.conn.Stop())
	assert.Equal(t, StateStopped, h.conn.State())
	assert.Equal(t, 2, h.dialer.count())
}
