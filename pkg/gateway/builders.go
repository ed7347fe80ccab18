package gateway

import (
	"github.com/silviot/voice_session_go/pkg/stream"
)

const (
	// HeartbeatSentinel is the HEARTBEAT payload. The server checks the
	// period, not the content.
	HeartbeatSentinel = 42069

	AudioCodecName        = "opus"
	AudioPayloadType      = 120
	VideoPayloadType      = 101
	VideoRTXPayloadType   = 102
	CodecPriority         = 1000
	simulcastRID          = "100"
	simulcastQuality      = 100
	identifyStreamType    = "screen"
	videoStreamType       = "video"
	maxResolutionFixed    = "fixed"
	selectProtocolUDPName = "udp"
)

// Identify builds IDENTIFY. serverID comes from the connection kind.
func Identify(serverID, userID, sessionID, token string) (Frame, error) {
	if serverID == "" {
		return Frame{}, ErrMissingServerID
	}
	return Frame{Op: OpIdentify, D: IdentifyPayload{
		ServerID:  serverID,
		UserID:    userID,
		SessionID: sessionID,
		Token:     token,
		Video:     true,
		Streams: []StreamDescriptor{
			{Type: identifyStreamType, RID: simulcastRID, Quality: simulcastQuality},
		},
	}}, nil
}

// Resume builds RESUME.
func Resume(serverID, sessionID, token string) (Frame, error) {
	if serverID == "" {
		return Frame{}, ErrMissingServerID
	}
	return Frame{Op: OpResume, D: ResumePayload{
		ServerID:  serverID,
		SessionID: sessionID,
		Token:     token,
	}}, nil
}

// SelectProtocol builds SELECT_PROTOCOL from the transport's local endpoint
// and the negotiated mode. The video codec comes from cfg. Unlike IDENTIFY
// and RESUME it carries no server id; the server reads it from the session.
func SelectProtocol(cfg stream.Config, local Endpoint, mode EncryptionMode) (Frame, error) {
	codec, err := stream.NormalizeCodec(cfg.VideoCodec)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: OpSelectProtocol, D: SelectProtocolPayload{
		Protocol: selectProtocolUDPName,
		Codecs: []CodecDescriptor{
			{
				Name:        AudioCodecName,
				Type:        "audio",
				Priority:    CodecPriority,
				PayloadType: AudioPayloadType,
			},
			{
				Name:           codec,
				Type:           "video",
				Priority:       CodecPriority,
				PayloadType:    VideoPayloadType,
				RTXPayloadType: VideoRTXPayloadType,
				Encode:         true,
				Decode:         true,
			},
		},
		Data: ProtocolData{
			Address: local.Address,
			Port:    local.Port,
			Mode:    mode,
		},
		Address: local.Address,
		Port:    local.Port,
		Mode:    mode,
	}}, nil
}

// Video builds VIDEO. With enabled false the video and rtx ssrcs are sent as
// zero, which the server reads as "no video"; the caller's values are not
// touched.
func Video(cfg stream.Config, audioSSRC, videoSSRC, rtxSSRC uint32, enabled bool) Frame {
	if !enabled {
		videoSSRC, rtxSSRC = 0, 0
	}
	return Frame{Op: OpVideo, D: VideoPayload{
		AudioSSRC: audioSSRC,
		VideoSSRC: videoSSRC,
		RTXSSRC:   rtxSSRC,
		Streams: []VideoStream{{
			Type:         videoStreamType,
			RID:          simulcastRID,
			SSRC:         videoSSRC,
			Active:       true,
			Quality:      simulcastQuality,
			RTXSSRC:      rtxSSRC,
			MaxBitrate:   cfg.MaxBitrate(),
			MaxFramerate: cfg.FPS,
			MaxResolution: Resolution{
				Type:   maxResolutionFixed,
				Width:  cfg.Width,
				Height: cfg.Height,
			},
		}},
	}}
}

// SpeakingFrame builds SPEAKING.
func SpeakingFrame(speaking bool, ssrc uint32) Frame {
	flag := 0
	if speaking {
		flag = 1
	}
	return Frame{Op: OpSpeaking, D: SpeakingPayload{
		Delay:    0,
		Speaking: flag,
		SSRC:     ssrc,
	}}
}

// Heartbeat builds HEARTBEAT.
func Heartbeat() Frame {
	return Frame{Op: OpHeartbeat, D: HeartbeatSentinel}
}
