package stream

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Width                       int    `toml:"width"`
	Height                      int    `toml:"height"`
	FPS                         int    `toml:"fps"`
	BitrateKbps                 int    `toml:"bitrate_kbps"`
	MaxBitrateKbps              int    `toml:"max_bitrate_kbps"`
	VideoCodec                  string `toml:"video_codec"`
	HardwareAcceleratedDecoding bool   `toml:"hardware_accelerated_decoding"`
	ReadAtNativeFPS             bool   `toml:"read_at_native_fps"`
	RTCPSenderReportEnabled     bool   `toml:"rtcp_sender_report_enabled"`
	H26xPreset                  string `toml:"h26x_preset"`
	MinimizeLatency             bool   `toml:"minimize_latency"`
	ForceChacha20Encryption     bool   `toml:"force_chacha20_encryption"`
}

// LoadOverrides reads a TOML file of stream settings. Only keys present in
// the file become overrides.
func LoadOverrides(path string) (Overrides, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Overrides{}, fmt.Errorf("load stream config: %w", err)
	}
	return overridesFromMeta(raw, meta), nil
}

// ParseOverrides is LoadOverrides for in-memory TOML.
func ParseOverrides(data string) (Overrides, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Overrides{}, fmt.Errorf("parse stream config: %w", err)
	}
	return overridesFromMeta(raw, meta), nil
}

func overridesFromMeta(raw fileConfig, meta toml.MetaData) Overrides {
	var o Overrides

	if meta.IsDefined("width") {
		o.Width = Int(raw.Width)
	}
	if meta.IsDefined("height") {
		o.Height = Int(raw.Height)
	}
	if meta.IsDefined("fps") {
		o.FPS = Int(raw.FPS)
	}
	if meta.IsDefined("bitrate_kbps") {
		o.BitrateKbps = Int(raw.BitrateKbps)
	}
	if meta.IsDefined("max_bitrate_kbps") {
		o.MaxBitrateKbps = Int(raw.MaxBitrateKbps)
	}
	if meta.IsDefined("video_codec") {
		o.VideoCodec = String(strings.TrimSpace(raw.VideoCodec))
	}
	if meta.IsDefined("hardware_accelerated_decoding") {
		o.HardwareAcceleratedDecoding = Bool(raw.HardwareAcceleratedDecoding)
	}
	if meta.IsDefined("read_at_native_fps") {
		o.ReadAtNativeFPS = Bool(raw.ReadAtNativeFPS)
	}
	if meta.IsDefined("rtcp_sender_report_enabled") {
		o.RTCPSenderReportEnabled = Bool(raw.RTCPSenderReportEnabled)
	}
	if meta.IsDefined("h26x_preset") {
		o.H26xPreset = String(strings.TrimSpace(raw.H26xPreset))
	}
	if meta.IsDefined("minimize_latency") {
		o.MinimizeLatency = Bool(raw.MinimizeLatency)
	}
	if meta.IsDefined("force_chacha20_encryption") {
		o.ForceChacha20Encryption = Bool(raw.ForceChacha20Encryption)
	}

	return o
}
