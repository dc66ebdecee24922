package negotiation

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// localMedia tracks the senders carrying locally captured audio/video.
// Mute and video-off are implemented by detaching the track from its sender
// (ReplaceTrack(nil)), which stops RTP without renegotiation; the peer sees
// silence, no signaling happens.
type localMedia struct {
	mu sync.Mutex

	audio *senderSlot
	video *senderSlot

	release []func() error
}

type senderSlot struct {
	track  webrtc.TrackLocal
	sender *webrtc.RTPSender
}

func (m *localMedia) SetAudioEnabled(enabled bool) error {
	return m.setEnabled(m.audio, enabled)
}

func (m *localMedia) SetVideoEnabled(enabled bool) error {
	return m.setEnabled(m.video, enabled)
}

func (m *localMedia) setEnabled(slot *senderSlot, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot == nil {
		return nil
	}
	if enabled {
		return slot.sender.ReplaceTrack(slot.track)
	}
	return slot.sender.ReplaceTrack(nil)
}

func (m *localMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, release := range m.release {
		if err := release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.release = nil
	return firstErr
}

// addRecvOnlyTransceivers keeps the SDP well-formed for participants without
// local capture: recvonly m-lines still carry ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, logger *slog.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			logger.Warn("failed to add recvonly transceiver", "kind", kind.String(), "err", err)
		}
	}
}
