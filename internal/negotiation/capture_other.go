//go:build !linux || !cgo

package negotiation

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newMediaPC builds a receive-only peer connection. Local capture needs
// platform drivers (V4L2/malgo) that are only wired up on Linux.
func newMediaPC(cfg PeerConfig) (*webrtc.PeerConnection, *localMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(cfg.Logger),
	}
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

	addRecvOnlyTransceivers(pc, cfg.Logger)
	return pc, nil, nil
}
