package voice

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/silviot/voice_session_go/pkg/gateway"
	"github.com/silviot/voice_session_go/pkg/stream"
)

const (
	inboxSize     = 64
	eventsSize    = 64
	sendQueueSize = 64
)

// Config holds connection configuration
type Config struct {
	GuildID   string
	ChannelID string
	UserID    string

	// Kind supplies the signaling identifier. Defaults to VoiceKind{GuildID}.
	Kind Identifier

	Stream    stream.Overrides // Overrides merged onto stream.Defaults
	Transport Transport        // Media transport (required)
	OnReady   func(Transport)  // Called once per completed handshake

	Dialer               Dialer        // Defaults to a websocket dialer
	Reconnect            BackoffConfig // Defaults to DefaultBackoffConfig
	TransportOpenTimeout time.Duration // Bound on Transport.OpenSocket (10s)
	SendRate             rate.Limit    // Outbound frames per second (2)
	SendBurst            int           // Outbound burst (10)
	Metrics              *Metrics
	Logger               *slog.Logger
}

// Params are the media parameters negotiated over signaling.
type Params struct {
	AudioSSRC uint32
	VideoSSRC uint32
	RTXSSRC   uint32
	Remote    gateway.Endpoint
	Local     gateway.Endpoint
	Mode      gateway.EncryptionMode
	SecretKey []byte
}

func (p Params) clone() Params {
	p.SecretKey = bytes.Clone(p.SecretKey)
	return p
}

type credentials struct {
	sessionID string
	server    string
	token     string
}

// link is the signaling channel of one start() cycle. Events tagged with
// another generation belong to a released channel and are dropped.
type link struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	ch     Channel
	out    chan []byte
}

type snapshot struct {
	state  State
	status Status
	params Params
}

// Connection drives one voice/video session: it waits for credentials,
// runs the IDENTIFY/RESUME handshake, negotiates the media transport,
// keeps the heartbeat and reconnects after resumable closes.
//
// All state is owned by a single event loop goroutine; the exported methods
// post to it and are safe for concurrent use.
type Connection struct {
	guildID   string
	channelID string
	userID    string
	kind      Identifier
	transport Transport
	dialer    Dialer
	onReady   func(Transport)
	config    *stream.Store
	backoff   BackoffConfig
	openTO    time.Duration
	limiter   *rate.Limiter
	metrics   *Metrics
	logger    *slog.Logger
	rng       *rand.Rand

	// event loop state
	machine    *fsm.FSM
	status     Status
	creds      credentials
	params     Params
	negotiated bool
	gen        uint64
	link       *link
	heartbeat  *time.Ticker
	retry      *time.Timer
	attempts   int

	snapMu sync.RWMutex
	snap   snapshot

	inbox    chan any
	events   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type setSessionCmd struct{ id string }

type setTokensCmd struct{ server, token string }

type startCmd struct{}

type callCmd struct {
	fn    func() error
	reply chan error
}

type channelOpened struct {
	gen uint64
	ch  Channel
}

type channelMessage struct {
	gen  uint64
	data []byte
}

type channelFailed struct {
	gen uint64
	err error
}

type channelClosed struct {
	gen  uint64
	code int
	err  error
}

type socketOpened struct {
	gen   uint64
	local gateway.Endpoint
	err   error
}

// NewConnection creates a connection in the awaiting-credentials state and
// starts its event loop. Call SetSession and SetTokens, in either order, to
// begin the handshake.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.Transport == nil {
		return nil, ErrTransportRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Kind == nil {
		cfg.Kind = VoiceKind{GuildID: cfg.GuildID}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer(0)
	}
	if cfg.Reconnect == (BackoffConfig{}) {
		cfg.Reconnect = DefaultBackoffConfig()
	}
	if cfg.TransportOpenTimeout <= 0 {
		cfg.TransportOpenTimeout = 10 * time.Second
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 2
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 10
	}

	store, err := stream.NewStore(cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}
	if err := checkVideoCodec(cfg.Transport, store.Load().VideoCodec); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	c := &Connection{
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		userID:    cfg.UserID,
		kind:      cfg.Kind,
		transport: cfg.Transport,
		dialer:    cfg.Dialer,
		onReady:   cfg.OnReady,
		config:    store,
		backoff:   cfg.Reconnect,
		openTO:    cfg.TransportOpenTimeout,
		limiter:   rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("guild_id", cfg.GuildID, "channel_id", cfg.ChannelID),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		inbox:     make(chan any, inboxSize),
		events:    make(chan Event, eventsSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.machine = newStateMachine(c.onStateEnter)
	c.publish()

	go c.run()

	return c, nil
}

// SetSession stores the voice session id and starts the handshake once a
// token is also present.
func (c *Connection) SetSession(sessionID string) error {
	return c.post(setSessionCmd{id: sessionID})
}

// SetTokens stores the signaling server and auth token and starts the
// handshake once a session id is also present.
func (c *Connection) SetTokens(server, token string) error {
	return c.post(setTokensCmd{server: server, token: token})
}

// Start opens the signaling channel if both credentials are held and the
// connection is not already started. It is a no-op otherwise.
func (c *Connection) Start() error {
	return c.post(startCmd{})
}

// Stop releases the channel and heartbeat, stops the transport and ends the
// event loop. Safe to call more than once and from any state.
func (c *Connection) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.done
	c.wg.Wait()
	return nil
}

// SetSpeaking announces the speaking state of the audio ssrc.
func (c *Connection) SetSpeaking(speaking bool) error {
	return c.call(func() error {
		if !c.negotiated {
			return ErrNotNegotiated
		}
		return c.send(gateway.SpeakingFrame(speaking, c.params.AudioSSRC))
	})
}

// SetVideoStatus announces whether video is being sent.
func (c *Connection) SetVideoStatus(enabled bool) error {
	return c.call(func() error {
		return c.sendVideoStatus(enabled)
	})
}

// Config returns the current stream configuration snapshot.
func (c *Connection) Config() stream.Config {
	return c.config.Load()
}

// UpdateConfig merges o onto the current stream configuration. A video
// codec the transport cannot packetize is rejected with ErrUnsupportedCodec.
func (c *Connection) UpdateConfig(o stream.Overrides) (stream.Config, error) {
	if o.VideoCodec != nil {
		if err := checkVideoCodec(c.transport, *o.VideoCodec); err != nil {
			return stream.Config{}, err
		}
	}
	return c.config.Update(o)
}

func checkVideoCodec(t Transport, codec string) error {
	vp, ok := t.(VideoPacketizer)
	if !ok || vp.SupportsVideoCodec(codec) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
}

// Events returns the channel of lifecycle events. It is closed when the
// connection stops. Events are dropped if the channel is not drained.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.state
}

// Status returns the credential and lifecycle flags.
func (c *Connection) Status() Status {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.status
}

// Params returns a copy of the negotiated media parameters.
func (c *Connection) Params() Params {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.params.clone()
}

// Transport returns the media transport handle.
func (c *Connection) Transport() Transport {
	return c.transport
}

// GuildID returns the guild the connection was created for.
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID returns the voice channel id, empty for stream connections.
func (c *Connection) ChannelID() string { return c.channelID }

func (c *Connection) post(ev any) error {
	select {
	case <-c.done:
		return ErrConnectionStopped
	default:
	}
	select {
	case c.inbox <- ev:
		return nil
	case <-c.done:
		return ErrConnectionStopped
	}
}

func (c *Connection) call(fn func() error) error {
	reply := make(chan error, 1)
	if err := c.post(callCmd{fn: fn, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrConnectionStopped
	}
}

// run is the event loop. Every state mutation happens here.
func (c *Connection) run() {
	defer close(c.done)
	defer close(c.events)

	for {
		var heartbeatC, retryC <-chan time.Time
		if c.heartbeat != nil {
			heartbeatC = c.heartbeat.C
		}
		if c.retry != nil {
			retryC = c.retry.C
		}

		select {
		case <-c.stopCh:
			c.shutdown()
			return
		case ev := <-c.inbox:
			c.handle(ev)
		case <-heartbeatC:
			c.sendHeartbeat()
		case <-retryC:
			c.retry = nil
			c.start()
		}

		c.publish()
	}
}

func (c *Connection) handle(ev any) {
	switch ev := ev.(type) {
	case setSessionCmd:
		c.creds.sessionID = ev.id
		c.status.HasSession = true
		c.start()

	case setTokensCmd:
		c.creds.server = ev.server
		c.creds.token = ev.token
		c.status.HasToken = true
		c.start()

	case startCmd:
		c.start()

	case callCmd:
		ev.reply <- ev.fn()

	case channelOpened:
		if !c.current(ev.gen) {
			_ = ev.ch.Close()
			return
		}
		c.onOpen(ev.ch)

	case channelMessage:
		if c.current(ev.gen) {
			c.onMessage(ev.data)
		}

	case channelFailed:
		if c.current(ev.gen) {
			c.logger.Error("signaling channel error", "error", ev.err)
			c.fail("channel", ev.err)
		}

	case channelClosed:
		if c.current(ev.gen) {
			c.onClose(ev.code, ev.err)
		}

	case socketOpened:
		if c.current(ev.gen) {
			c.onSocketOpened(ev.local, ev.err)
		}
	}
}

func (c *Connection) current(gen uint64) bool {
	return c.link != nil && c.link.gen == gen
}

func (c *Connection) start() {
	if !c.status.HasSession || !c.status.HasToken {
		return
	}
	if c.status.Started {
		return
	}

	endpoint, err := EndpointURL(c.creds.server)
	if err != nil {
		c.fail("endpoint", err)
		if c.machine.Can(evDisconnect) {
			c.disconnect(0, err)
		}
		return
	}

	if err := c.transition(evConnect); err != nil {
		c.logger.Warn("cannot start connection", "state", c.machine.Current(), "error", err)
		return
	}
	c.cancelRetry()

	c.status.Started = true
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.link = &link{
		gen:    c.gen,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, sendQueueSize),
	}

	c.logger.Info("opening signaling channel", "endpoint", endpoint, "resuming", c.status.Resuming)

	c.wg.Add(1)
	go c.dial(c.link, endpoint)
}

// dial opens the channel and then reads it until it closes. Results are
// posted to the event loop tagged with the link generation.
func (c *Connection) dial(l *link, endpoint string) {
	defer c.wg.Done()

	ch, err := c.dialer.Dial(l.ctx, endpoint)
	if err != nil {
		_ = c.post(channelFailed{gen: l.gen, err: err})
		_ = c.post(channelClosed{gen: l.gen, code: CloseCode(err), err: err})
		return
	}
	// The channel lives no longer than its link, even if the loop never
	// sees channelOpened.
	if l.ctx.Err() != nil {
		_ = ch.Close()
		return
	}
	stop := context.AfterFunc(l.ctx, func() { _ = ch.Close() })
	defer stop()

	if err := c.post(channelOpened{gen: l.gen, ch: ch}); err != nil {
		_ = ch.Close()
		return
	}

	for {
		data, err := ch.Read()
		if err != nil {
			_ = c.post(channelClosed{gen: l.gen, code: CloseCode(err), err: err})
			return
		}
		if err := c.post(channelMessage{gen: l.gen, data: data}); err != nil {
			return
		}
	}
}

// writeLoop is the only writer of a channel. Frames are paced by the
// connection's rate limiter.
func (c *Connection) writeLoop(l *link, ch Channel) {
	defer c.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case data := <-l.out:
			if err := c.limiter.Wait(l.ctx); err != nil {
				return
			}
			if err := ch.Write(data); err != nil {
				_ = c.post(channelFailed{gen: l.gen, err: fmt.Errorf("write: %w", err)})
				return
			}
		}
	}
}

func (c *Connection) send(f gateway.Frame) error {
	if c.link == nil || c.link.ch == nil {
		return ErrNotConnected
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case c.link.out <- data:
		c.logger.Debug("sending frame", "op", f.Op.String())
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Connection) sendVideoStatus(enabled bool) error {
	if !c.negotiated {
		return ErrNotNegotiated
	}
	f := gateway.Video(c.config.Load(), c.params.AudioSSRC, c.params.VideoSSRC, c.params.RTXSSRC, enabled)
	return c.send(f)
}

func (c *Connection) sendHeartbeat() {
	if err := c.send(gateway.Heartbeat()); err != nil {
		c.logger.Warn("failed to send heartbeat", "error", err)
		return
	}
	c.metrics.heartbeat()
}

func (c *Connection) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Connection) cancelRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// release drops the current channel and everything bound to it.
func (c *Connection) release() {
	c.stopHeartbeat()
	if c.link == nil {
		return
	}
	c.link.cancel()
	if c.link.ch != nil {
		if err := c.link.ch.Close(); err != nil {
			c.logger.Debug("error closing signaling channel", "error", err)
		}
	}
	c.link = nil
}

func (c *Connection) reconnect(code int) {
	c.attempts++
	if c.backoff.MaxAttempts > 0 && c.attempts > c.backoff.MaxAttempts {
		err := fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, c.backoff.MaxAttempts)
		c.fail("reconnect", err)
		c.disconnect(code, err)
		return
	}

	if err := c.transition(evReconnect); err != nil {
		c.logger.Warn("cannot reconnect", "state", c.machine.Current(), "error", err)
		return
	}
	c.metrics.reconnect()

	delay := nextBackoffDelay(c.backoff, c.attempts, c.rng)
	c.logger.Info("reconnecting", "attempt", c.attempts, "delay", delay)
	if delay <= 0 {
		c.start()
		return
	}
	c.retry = time.NewTimer(delay)
}

// disconnect leaves the connection stopped after a terminal close. New
// credentials from the caller restart it.
func (c *Connection) disconnect(code int, err error) {
	c.cancelRetry()
	c.release()
	c.status.Started = false
	c.status.Resuming = false
	c.attempts = 0

	if terr := c.transition(evDisconnect); terr != nil {
		c.logger.Warn("disconnect transition rejected", "state", c.machine.Current(), "error", terr)
	}
	c.emit(Event{Type: EventDisconnected, Code: code, Err: err})
}

func (c *Connection) shutdown() {
	c.cancelRetry()
	c.release()
	c.status.Started = false
	c.status.Resuming = false

	c.transport.SetReady(false)
	if err := c.transport.Stop(); err != nil {
		c.logger.Warn("failed to stop transport", "error", err)
	}

	if err := c.transition(evStop); err != nil {
		c.logger.Debug("stop transition rejected", "error", err)
	}
	c.emit(Event{Type: EventStopped})
	c.publish()
	c.logger.Info("connection stopped")
}

func (c *Connection) transition(event string) error {
	return c.machine.Event(context.Background(), event)
}

func (c *Connection) onStateEnter(from, to State) {
	c.logger.Debug("state changed", "from", from, "to", to)
	c.metrics.stateChanged(from, to)
	c.emit(Event{Type: EventStateChanged, From: from, To: to})
}

// fail records a non-fatal error. It never changes state.
func (c *Connection) fail(kind string, err error) {
	c.metrics.failed(kind)
	c.emit(Event{Type: EventError, Err: err})
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", "type", ev.Type.String())
	}
}

func (c *Connection) publish() {
	snap := snapshot{
		state:  State(c.machine.Current()),
		status: c.status,
		params: c.params.clone(),
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}
