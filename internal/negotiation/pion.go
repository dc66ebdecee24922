package negotiation

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/talkio/signaling-relay/internal/signal"
)

// PeerConfig carries everything needed to build a platform peer connection.
type PeerConfig struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// Net overrides the network stack used for ICE. Tests route candidate
	// traffic through a pion vnet; production leaves this nil.
	Net transport.Net
}

// PionPeer adapts *webrtc.PeerConnection to the engine's PeerConnection
// surface, translating between wire and pion description/candidate shapes.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer builds the platform peer connection and captures local media.
// On platforms without capture drivers, or when no usable device is found,
// media is nil and the connection is receive-only. A platform-level
// permission refusal surfaces as ErrPermissionDenied.
func NewPionPeer(cfg PeerConfig) (*PionPeer, MediaSource, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pc, media, err := newMediaPC(cfg)
	if err != nil {
		return nil, nil, err
	}
	if media == nil {
		return &PionPeer{pc: pc}, nil, nil
	}
	return &PionPeer{pc: pc}, media, nil
}

func (p *PionPeer) CreateOffer() (signal.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.DescriptionFromPion(offer), nil
}

func (p *PionPeer) CreateAnswer() (signal.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.DescriptionFromPion(answer), nil
}

func (p *PionPeer) SetLocalDescription(desc signal.SessionDescription) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(pionDesc)
}

func (p *PionPeer) SetRemoteDescription(desc signal.SessionDescription) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(pionDesc)
}

func (p *PionPeer) AddICECandidate(c signal.Candidate) error {
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *PionPeer) OnLocalCandidate(f func(signal.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering; there is nothing to forward.
		if c == nil {
			return
		}
		f(signal.CandidateFromPion(c.ToJSON()))
	})
}

func (p *PionPeer) OnConnected(f func()) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			f()
		}
	})
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}

// OnRemoteTrack exposes incoming media tracks to the application layer.
func (p *PionPeer) OnRemoteTrack(f func(kind string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track.Kind().String())
	})
}

// slogLoggerFactory routes pion's internal logging through slog so the whole
// process shares one log stream.
type slogLoggerFactory struct {
	logger *slog.Logger
}

func newLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogLoggerFactory{logger: logger}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{logger: f.logger.With("scope", scope)}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l slogLeveledLogger) Trace(msg string)                  { l.logger.Debug(msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Debug(msg string)                  { l.logger.Debug(msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Info(msg string)                   { l.logger.Info(msg) }
func (l slogLeveledLogger) Infof(format string, args ...any)  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Warn(msg string)                   { l.logger.Warn(msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any)  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Error(msg string)                  { l.logger.Error(msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) { l.logger.Error(fmt.Sprintf(format, args...)) }
