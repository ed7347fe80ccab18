package stream

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v4"
)

var ErrUnknownCodec = errors.New("stream: unknown video codec")

// Protocol codec names, derived from the RTP mime types.
var (
	CodecH264 = codecName(webrtc.MimeTypeH264)
	CodecH265 = codecName(webrtc.MimeTypeH265)
	CodecVP8  = codecName(webrtc.MimeTypeVP8)
	CodecVP9  = codecName(webrtc.MimeTypeVP9)
	CodecAV1  = codecName(webrtc.MimeTypeAV1)
)

var (
	h264Pattern = regexp.MustCompile(`(?i)^(video/)?(h\.?264|avc)$`)
	h265Pattern = regexp.MustCompile(`(?i)^(video/)?(h\.?265|hevc)$`)
	vp8Pattern  = regexp.MustCompile(`(?i)^(video/)?vp8$`)
	vp9Pattern  = regexp.MustCompile(`(?i)^(video/)?vp9$`)
	av1Pattern  = regexp.MustCompile(`(?i)^(video/)?av1$`)
)

func codecName(mimeType string) string {
	return strings.TrimPrefix(mimeType, "video/")
}

// NormalizeCodec maps user-facing codec spellings ("h.264", "avc", "video/VP8")
// to the name the signaling server expects.
func NormalizeCodec(codec string) (string, error) {
	c := strings.TrimSpace(codec)
	switch {
	case h264Pattern.MatchString(c):
		return CodecH264, nil
	case h265Pattern.MatchString(c):
		return CodecH265, nil
	case vp8Pattern.MatchString(c):
		return CodecVP8, nil
	case vp9Pattern.MatchString(c):
		return CodecVP9, nil
	case av1Pattern.MatchString(c):
		return CodecAV1, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
}

// MimeType returns the RTP mime type for a normalized codec name.
func MimeType(codec string) string {
	return "video/" + codec
}

// AudioCapability is the RTP capability of the fixed audio codec.
var AudioCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// VideoCapability returns the RTP capability for a normalized codec name.
func VideoCapability(codec string) webrtc.RTPCodecCapability {
	c := webrtc.RTPCodecCapability{MimeType: MimeType(codec), ClockRate: 90000}
	switch codec {
	case CodecH264:
		c.SDPFmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	case CodecVP9:
		c.SDPFmtpLine = "profile-id=0"
	}
	return c
}
