//go:build linux && cgo

package negotiation

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newMediaPC builds a VP8+Opus peer connection and captures local
// camera/microphone through V4L2 and malgo.
//
// GetUserMedia fails as a unit when either requested track cannot open, so
// capture is attempted in decreasing order of ambition; a busy microphone
// must not take the camera down with it. A platform permission refusal
// aborts with ErrPermissionDenied; any other total failure degrades to a
// receive-only connection.
func newMediaPC(cfg PeerConfig) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(cfg.Logger),
	}
	// Default ICE disconnect detection is too eager for NAT rebinding and
	// brief relay outages; give the transport time to recover.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, nil, err
	}

	attempts := []struct {
		video bool
		audio bool
		label string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	sawPermissionError := false
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG camera nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			if isPermissionError(err) {
				sawPermissionError = true
			}
			cfg.Logger.Warn("media capture attempt failed", "attempt", a.label, "err", err)
			continue
		}

		media := &localMedia{}
		attachFailed := false
		for _, track := range stream.GetTracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				cfg.Logger.Warn("failed to attach local track", "kind", track.Kind().String(), "err", err)
				attachFailed = true
				break
			}
			slot := &senderSlot{track: track, sender: sender}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				media.audio = slot
			case webrtc.RTPCodecTypeVideo:
				media.video = slot
			}
			media.release = append(media.release, track.Close)
		}
		if attachFailed {
			_ = media.Close()
			continue
		}

		cfg.Logger.Info("local media captured", "attempt", a.label)
		return pc, media, nil
	}

	if sawPermissionError {
		_ = pc.Close()
		return nil, nil, ErrPermissionDenied
	}

	cfg.Logger.Warn("no local media available, continuing receive-only")
	addRecvOnlyTransceivers(pc, cfg.Logger)
	return pc, nil, nil
}

func isPermissionError(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission denied")
}
