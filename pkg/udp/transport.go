// Package udp is the reference media transport: it opens the UDP socket a
// voice connection negotiates, runs IP discovery, and sends sealed RTP and
// RTCP once the session key arrives.
package udp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/silviot/voice_session_go/pkg/gateway"
	"github.com/silviot/voice_session_go/pkg/stream"
	"github.com/silviot/voice_session_go/pkg/voice"
)

const defaultMTU = 1200

var (
	ErrNotReady    = errors.New("udp: transport not ready")
	ErrNoSocket    = errors.New("udp: socket not open")
	ErrNoVideoSSRC = errors.New("udp: no video ssrc")
)

var (
	_ voice.Transport       = (*Transport)(nil)
	_ voice.VideoPacketizer = (*Transport)(nil)
)

// Config holds transport configuration
type Config struct {
	VideoCodec    string // Codec name as accepted by stream.NormalizeCodec
	MTU           int    // RTP packet size limit (1200)
	SenderReports bool   // Send RTCP sender reports from RunSenderReports
	Logger        *slog.Logger
}

type streamStats struct {
	packets uint32
	octets  uint32
	rtpTime uint32
}

// Transport implements voice.Transport over a UDP socket.
type Transport struct {
	cfg    Config
	codec  string
	logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	mode      gateway.EncryptionMode
	key       []byte
	sealer    *sealer
	audioSSRC uint32
	videoSSRC uint32
	audio     rtp.Packetizer
	video     rtp.Packetizer
	stats     map[uint32]*streamStats
	ready     bool
}

// NewTransport creates a transport. The socket is opened by the voice
// connection through OpenSocket.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = stream.CodecH264
	}
	codec, err := stream.NormalizeCodec(cfg.VideoCodec)
	if err != nil {
		return nil, err
	}
	if _, err := videoPayloader(codec); err != nil {
		return nil, err
	}

	return &Transport{
		cfg:    cfg,
		codec:  codec,
		logger: cfg.Logger,
		stats:  make(map[uint32]*streamStats),
	}, nil
}

func videoPayloader(codec string) (rtp.Payloader, error) {
	switch codec {
	case stream.CodecH264:
		return &codecs.H264Payloader{}, nil
	case stream.CodecVP8:
		return &codecs.VP8Payloader{}, nil
	case stream.CodecVP9:
		return &codecs.VP9Payloader{}, nil
	case stream.CodecAV1:
		return &codecs.AV1Payloader{}, nil
	}
	return nil, fmt.Errorf("%w: no packetizer for %s", stream.ErrUnknownCodec, codec)
}

// SetEncryptionMode picks the AEAD used once the key arrives.
func (t *Transport) SetEncryptionMode(mode gateway.EncryptionMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	t.rebuildSealer()
}

// SetSSRCs rebuilds the packetizers for the server-assigned ssrcs.
func (t *Transport) SetSSRCs(audio, video uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.audioSSRC = audio
	t.videoSSRC = video
	mtu := uint16(t.cfg.MTU)

	t.audio = rtp.NewPacketizer(mtu, gateway.AudioPayloadType, audio,
		&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), stream.AudioCapability.ClockRate)
	t.rebuildVideo()
	t.stats = make(map[uint32]*streamStats)
}

// rebuildVideo must be called with t.mu held.
func (t *Transport) rebuildVideo() {
	t.video = nil
	if t.videoSSRC == 0 {
		return
	}
	payloader, _ := videoPayloader(t.codec)
	t.video = rtp.NewPacketizer(uint16(t.cfg.MTU), gateway.VideoPayloadType, t.videoSSRC,
		payloader, rtp.NewRandomSequencer(), stream.VideoCapability(t.codec).ClockRate)
}

// SupportsVideoCodec reports whether codec has an RTP payloader.
func (t *Transport) SupportsVideoCodec(codec string) bool {
	c, err := stream.NormalizeCodec(codec)
	if err != nil {
		return false
	}
	_, err = videoPayloader(c)
	return err == nil
}

// SetVideoCodec switches the video packetizer. The sequence restarts when
// the codec changes.
func (t *Transport) SetVideoCodec(codec string) error {
	c, err := stream.NormalizeCodec(codec)
	if err != nil {
		return err
	}
	if _, err := videoPayloader(c); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c == t.codec {
		return nil
	}
	t.logger.Info("switching video codec", "from", t.codec, "to", c)
	t.codec = c
	t.rebuildVideo()
	return nil
}

// VideoCodec returns the codec the video packetizer produces.
func (t *Transport) VideoCodec() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.codec
}

// SetSecretKey stores the session key and rebuilds the sealer.
func (t *Transport) SetSecretKey(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key = bytes.Clone(key)
	t.rebuildSealer()
}

// rebuildSealer must be called with t.mu held.
func (t *Transport) rebuildSealer() {
	t.sealer = nil
	if t.mode == "" || len(t.key) == 0 {
		return
	}
	s, err := newSealer(t.mode, t.key)
	if err != nil {
		t.logger.Error("failed to create packet sealer", "mode", string(t.mode), "error", err)
		return
	}
	t.sealer = s
}

// OpenSocket dials remote and runs IP discovery with the audio ssrc.
func (t *Transport) OpenSocket(ctx context.Context, remote gateway.Endpoint) (gateway.Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return gateway.Endpoint{}, fmt.Errorf("dial media server: %w", err)
	}

	t.mu.Lock()
	ssrc := t.audioSSRC
	t.mu.Unlock()

	local, err := discover(ctx, conn, ssrc)
	if err != nil {
		conn.Close()
		return gateway.Endpoint{}, err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("media socket open", "remote", remote.String(), "public", local.String())
	return local, nil
}

// SetReady gates WriteAudio, WriteVideo and sender reports.
func (t *Transport) SetReady(ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = ready
}

// Ready reports whether media may be sent.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && t.sealer != nil && t.conn != nil
}

// Stop closes the socket.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ready = false
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// WriteAudio sends one encoded opus frame covering samples at 48kHz.
func (t *Transport) WriteAudio(frame []byte, samples uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.audio == nil {
		return ErrNotReady
	}
	return t.writeLocked(t.audio, frame, samples)
}

// WriteVideo sends one encoded video frame covering samples at 90kHz.
func (t *Transport) WriteVideo(frame []byte, samples uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.video == nil {
		return ErrNoVideoSSRC
	}
	return t.writeLocked(t.video, frame, samples)
}

func (t *Transport) writeLocked(p rtp.Packetizer, frame []byte, samples uint32) error {
	if !t.ready || t.sealer == nil {
		return ErrNotReady
	}
	if t.conn == nil {
		return ErrNoSocket
	}

	for _, pkt := range p.Packetize(frame, samples) {
		header, err := pkt.Header.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp header: %w", err)
		}
		if _, err := t.conn.Write(t.sealer.seal(header, pkt.Payload)); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}

		st := t.stats[pkt.SSRC]
		if st == nil {
			st = &streamStats{}
			t.stats[pkt.SSRC] = st
		}
		st.packets++
		st.octets += uint32(len(pkt.Payload))
		st.rtpTime = pkt.Timestamp
	}
	return nil
}

// SendSenderReports sends one RTCP sender report per stream that has sent
// media. The 8-byte RTCP header is left in the clear.
func (t *Transport) SendSenderReports() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready || t.sealer == nil {
		return ErrNotReady
	}
	if t.conn == nil {
		return ErrNoSocket
	}

	now := time.Now()
	for ssrc, st := range t.stats {
		if st.packets == 0 {
			continue
		}
		sr := &rtcp.SenderReport{
			SSRC:        ssrc,
			NTPTime:     toNTPTime(now),
			RTPTime:     st.rtpTime,
			PacketCount: st.packets,
			OctetCount:  st.octets,
		}
		raw, err := sr.Marshal()
		if err != nil {
			return fmt.Errorf("marshal sender report: %w", err)
		}
		if _, err := t.conn.Write(t.sealer.seal(raw[:rtcpHeaderSize], raw[rtcpHeaderSize:])); err != nil {
			return fmt.Errorf("write rtcp: %w", err)
		}
	}
	return nil
}

// rtcpHeaderSize covers the common header and sender ssrc.
const rtcpHeaderSize = 8

// RunSenderReports sends sender reports every interval until ctx is done.
// It returns immediately if sender reports are disabled.
func (t *Transport) RunSenderReports(ctx context.Context, interval time.Duration) {
	if !t.cfg.SenderReports {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.SendSenderReports(); err != nil && !errors.Is(err, ErrNotReady) {
				t.logger.Debug("failed to send sender report", "error", err)
			}
		}
	}
}

// toNTPTime converts time.Time to an NTP timestamp
func toNTPTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return (secs << 32) | frac
}
