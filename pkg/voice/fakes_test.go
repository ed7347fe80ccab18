package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/silviot/voice_session_go/pkg/gateway"
	"github.com/silviot/voice_session_go/pkg/stream"
)

const waitTimeout = 2 * time.Second

// fakeChannel is the server side of an in-memory signaling channel.
type fakeChannel struct {
	endpoint  string
	in        chan []byte
	remote    chan int
	closed    chan struct{}
	closeOnce sync.Once
	writes    chan gateway.Envelope
}

func newFakeChannel(endpoint string) *fakeChannel {
	return &fakeChannel{
		endpoint: endpoint,
		in:       make(chan []byte, 16),
		remote:   make(chan int, 1),
		closed:   make(chan struct{}),
		writes:   make(chan gateway.Envelope, 64),
	}
}

func (f *fakeChannel) Read() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case code := <-f.remote:
		return nil, &websocket.CloseError{Code: code}
	case <-f.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeChannel) Write(data []byte) error {
	var env gateway.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	select {
	case f.writes <- env:
	default:
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send delivers a server frame.
func (f *fakeChannel) send(t *testing.T, op gateway.Opcode, d any) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	data, err := json.Marshal(gateway.Envelope{Op: op, D: raw})
	require.NoError(t, err)
	f.in <- data
}

// closeWith closes the channel from the server side.
func (f *fakeChannel) closeWith(code int) {
	f.remote <- code
}

// drain discards client frames already written.
func (f *fakeChannel) drain() {
	for {
		select {
		case <-f.writes:
		default:
			return
		}
	}
}

// expectQuiet fails if the client writes op within d.
func (f *fakeChannel) expectQuiet(t *testing.T, op gateway.Opcode, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-f.writes:
			if env.Op == op {
				t.Fatalf("unexpected %s frame", op)
			}
		case <-deadline:
			return
		}
	}
}

// expect returns the next client frame that is not a heartbeat.
func (f *fakeChannel) expect(t *testing.T, op gateway.Opcode) map[string]any {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case env := <-f.writes:
			if env.Op == gateway.OpHeartbeat && op != gateway.OpHeartbeat {
				continue
			}
			require.Equal(t, op, env.Op, "unexpected frame: %s", string(env.D))
			var d map[string]any
			if op != gateway.OpHeartbeat {
				require.NoError(t, json.Unmarshal(env.D, &d))
			}
			return d
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return nil
		}
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	dialed  chan *fakeChannel
	dialCnt int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	d.mu.Lock()
	d.dialCnt++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := newFakeChannel(endpoint)
	d.dialed <- ch
	return ch, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCnt
}

func (d *fakeDialer) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-d.dialed:
		return ch
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (d *fakeDialer) expectNoDial(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ch := <-d.dialed:
		t.Fatalf("unexpected dial to %s", ch.endpoint)
	case <-time.After(within):
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	mode    gateway.EncryptionMode
	audio   uint32
	video   uint32
	key     []byte
	ready   bool
	stopped int
	remote  gateway.Endpoint
	local   gateway.Endpoint
	openErr error
	codec   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{local: gateway.Endpoint{Address: "203.0.113.7", Port: 50004}}
}

func (f *fakeTransport) SetEncryptionMode(mode gateway.EncryptionMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

func (f *fakeTransport) SetSSRCs(audio, video uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio, f.video = audio, video
}

func (f *fakeTransport) SetSecretKey(key []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
}

func (f *fakeTransport) OpenSocket(ctx context.Context, remote gateway.Endpoint) (gateway.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = remote
	if f.openErr != nil {
		return gateway.Endpoint{}, f.openErr
	}
	return f.local, nil
}

// The fake packetizes every codec but H265.
func (f *fakeTransport) SupportsVideoCodec(codec string) bool {
	c, err := stream.NormalizeCodec(codec)
	return err == nil && c != stream.CodecH265
}

func (f *fakeTransport) SetVideoCodec(codec string) error {
	if !f.SupportsVideoCodec(codec) {
		return fmt.Errorf("no packetizer for %s", codec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codec = codec
	return nil
}

func (f *fakeTransport) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.ready = false
	return nil
}

type transportState struct {
	mode    gateway.EncryptionMode
	audio   uint32
	video   uint32
	key     []byte
	ready   bool
	stopped int
	remote  gateway.Endpoint
	codec   string
}

func (f *fakeTransport) state() transportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transportState{mode: f.mode, audio: f.audio, video: f.video, key: f.key, ready: f.ready, stopped: f.stopped, remote: f.remote, codec: f.codec}
}

// lateDialer completes its dial only after the dial context is cancelled,
// like a handshake that finishes while the connection is being stopped.
type lateDialer struct {
	started chan struct{}
	dialed  chan *fakeChannel
}

func newLateDialer() *lateDialer {
	return &lateDialer{started: make(chan struct{}, 1), dialed: make(chan *fakeChannel, 1)}
}

func (d *lateDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	d.started <- struct{}{}
	<-ctx.Done()
	ch := newFakeChannel(endpoint)
	d.dialed <- ch
	return ch, nil
}

// slowStopTransport keeps the event loop in shutdown for a while.
type slowStopTransport struct {
	*fakeTransport
	delay time.Duration
}

func (s *slowStopTransport) Stop() error {
	time.Sleep(s.delay)
	return s.fakeTransport.Stop()
}

type harness struct {
	conn      *Connection
	dialer    *fakeDialer
	transport *fakeTransport

	mu         sync.Mutex
	readyCalls int
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), transport: newFakeTransport()}
	cfg := Config{
		GuildID:   "guild-1",
		ChannelID: "channel-1",
		UserID:    "user-1",
		Transport: h.transport,
		Dialer:    h.dialer,
		OnReady: func(Transport) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.readyCalls++
		},
		Reconnect: BackoffConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
		SendRate:  rate.Inf,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	conn, err := NewConnection(cfg)
	require.NoError(t, err)
	h.conn = conn
	t.Cleanup(func() { _ = conn.Stop() })
	return h
}

func (h *harness) readyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyCalls
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.conn.State() == want },
		waitTimeout, 5*time.Millisecond, "state never became %s (now %s)", want, h.conn.State())
}

// waitEvent drains events until one of type want arrives.
func (h *harness) waitEvent(t *testing.T, want EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.conn.Events():
			if !ok {
				t.Fatalf("event channel closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return Event{}
		}
	}
}

// waitError drains events until an error matching target arrives.
func (h *harness) waitError(t *testing.T, target error) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.conn.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if ev.Type == EventError && errors.Is(ev.Err, target) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for error %v", target)
			return Event{}
		}
	}
}

func readyPayload() map[string]any {
	return map[string]any{
		"ssrc":  1111,
		"ip":    "198.51.100.20",
		"port":  50001,
		"modes": []string{string(gateway.ModeXChaCha20Poly1305), string(gateway.ModeAES256GCM)},
		"streams": []map[string]any{
			{"type": "video", "rid": "100", "ssrc": 2222, "rtx_ssrc": 3333, "active": false, "quality": 100},
		},
	}
}

func sessionKey() []int {
	key := make([]int, 32)
	for i := range key {
		key[i] = i + 1
	}
	return key
}

// connect supplies credentials and returns the channel after IDENTIFY.
func (h *harness) connect(t *testing.T) *fakeChannel {
	t.Helper()
	require.NoError(t, h.conn.SetSession("session-1"))
	require.NoError(t, h.conn.SetTokens("voice.example.test", "token-1"))
	ch := h.dialer.next(t)
	ch.expect(t, gateway.OpIdentify)
	h.waitState(t, StateAwaitingReady)
	return ch
}

// handshake drives a fresh session to ready.
func (h *harness) handshake(t *testing.T) *fakeChannel {
	t.Helper()
	ch := h.connect(t)
	ch.send(t, gateway.OpHello, map[string]any{"heartbeat_interval": 41250, "v": 8})
	ch.send(t, gateway.OpReady, readyPayload())
	ch.expect(t, gateway.OpSelectProtocol)
	ch.expect(t, gateway.OpVideo)
	ch.send(t, gateway.OpSelectProtocolAck, map[string]any{
		"mode":       string(gateway.ModeAES256GCM),
		"secret_key": sessionKey(),
	})
	h.waitState(t, StateReady)
	return ch
}
