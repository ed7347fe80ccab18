package stream

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDimensions = errors.New("stream: width and height must be positive")
	ErrInvalidFPS        = errors.New("stream: fps must be positive")
	ErrInvalidBitrate    = errors.New("stream: bitrate must be positive and not exceed max bitrate")
)

// Config is an immutable snapshot of video/audio tuning parameters.
// Values are copied on every read; never mutate a Config obtained from a Store.
type Config struct {
	Width  int
	Height int
	FPS    int

	BitrateKbps    int
	MaxBitrateKbps int

	// VideoCodec holds the protocol codec name (H264, H265, VP8, VP9, AV1).
	VideoCodec string

	HardwareAcceleratedDecoding bool
	ReadAtNativeFPS             bool
	RTCPSenderReportEnabled     bool
	H26xPreset                  string
	MinimizeLatency             bool

	// ForceChacha20Encryption makes the connection choose the weaker
	// XChaCha20 mode even if the server offers AES-GCM.
	ForceChacha20Encryption bool
}

// Defaults returns the baseline configuration every connection starts from.
func Defaults() Config {
	return Config{
		Width:                       1280,
		Height:                      720,
		FPS:                         30,
		BitrateKbps:                 1000,
		MaxBitrateKbps:              2500,
		VideoCodec:                  CodecH264,
		HardwareAcceleratedDecoding: false,
		ReadAtNativeFPS:             true,
		RTCPSenderReportEnabled:     true,
		H26xPreset:                  "ultrafast",
		MinimizeLatency:             true,
		ForceChacha20Encryption:     false,
	}
}

// Overrides carries a partial update. A nil field keeps the prior value.
type Overrides struct {
	Width                       *int
	Height                      *int
	FPS                         *int
	BitrateKbps                 *int
	MaxBitrateKbps              *int
	VideoCodec                  *string
	HardwareAcceleratedDecoding *bool
	ReadAtNativeFPS             *bool
	RTCPSenderReportEnabled     *bool
	H26xPreset                  *string
	MinimizeLatency             *bool
	ForceChacha20Encryption     *bool
}

// Merge applies o onto base and validates the result. base is not modified.
func Merge(base Config, o Overrides) (Config, error) {
	cfg := base

	if o.Width != nil {
		cfg.Width = *o.Width
	}
	if o.Height != nil {
		cfg.Height = *o.Height
	}
	if o.FPS != nil {
		cfg.FPS = *o.FPS
	}
	if o.BitrateKbps != nil {
		cfg.BitrateKbps = *o.BitrateKbps
	}
	if o.MaxBitrateKbps != nil {
		cfg.MaxBitrateKbps = *o.MaxBitrateKbps
	}
	if o.VideoCodec != nil {
		codec, err := NormalizeCodec(*o.VideoCodec)
		if err != nil {
			return Config{}, err
		}
		cfg.VideoCodec = codec
	}
	if o.HardwareAcceleratedDecoding != nil {
		cfg.HardwareAcceleratedDecoding = *o.HardwareAcceleratedDecoding
	}
	if o.ReadAtNativeFPS != nil {
		cfg.ReadAtNativeFPS = *o.ReadAtNativeFPS
	}
	if o.RTCPSenderReportEnabled != nil {
		cfg.RTCPSenderReportEnabled = *o.RTCPSenderReportEnabled
	}
	if o.H26xPreset != nil {
		cfg.H26xPreset = *o.H26xPreset
	}
	if o.MinimizeLatency != nil {
		cfg.MinimizeLatency = *o.MinimizeLatency
	}
	if o.ForceChacha20Encryption != nil {
		cfg.ForceChacha20Encryption = *o.ForceChacha20Encryption
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the snapshot for values no message builder can use.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFPS, c.FPS)
	}
	if c.BitrateKbps <= 0 || c.MaxBitrateKbps < c.BitrateKbps {
		return fmt.Errorf("%w: bitrate=%d max=%d", ErrInvalidBitrate, c.BitrateKbps, c.MaxBitrateKbps)
	}
	if _, err := NormalizeCodec(c.VideoCodec); err != nil {
		return err
	}
	return nil
}

// MaxBitrate returns the max bitrate in bits per second.
func (c Config) MaxBitrate() int {
	return c.MaxBitrateKbps * 1000
}

// Int, String and Bool build Overrides fields inline.
func Int(v int) *int { return &v }

func String(v string) *string { return &v }

func Bool(v bool) *bool { return &v }
