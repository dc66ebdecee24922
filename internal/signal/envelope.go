package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Type identifies the variant of a signaling envelope. The names match the
// socket event names used by mobile/web clients.
type Type string

const (
	TypeJoin         Type = "join"
	TypeStartCall    Type = "start-call"
	TypeIncomingCall Type = "incoming-call"
	TypeOffer        Type = "webrtc-offer"
	TypeAnswer       Type = "webrtc-answer"
	TypeCandidate    Type = "webrtc-ice-candidate"
	TypeEndCall      Type = "end-call"
)

// SessionDescription is a minimal, JSON-friendly representation of an SDP
// offer/answer as it travels through the relay. The relay never interprets
// the SDP body.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Targets is the addressee list of an envelope. Clients may send either a
// single id or a list; both decode into a slice.
type Targets []string

func (t *Targets) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*t = Targets{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

func (t Targets) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Envelope is the tagged union carried over the signaling transport. Exactly
// one payload field is set depending on Type; Validate enforces the shape.
type Envelope struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId,omitempty"`

	From string  `json:"from,omitempty"`
	To   Targets `json:"to,omitempty"`

	// UserID is only used by join.
	UserID string `json:"userId,omitempty"`

	// SessionID groups the per-pair sessions of one call attempt.
	SessionID string `json:"sessionId,omitempty"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	// Reason is only used by end-call.
	Reason string `json:"reason,omitempty"`
}

// Parse decodes a single envelope. Unknown fields and trailing data are
// rejected so malformed or concatenated frames fail loudly instead of being
// half-applied.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		if e.RoomID == "" || e.UserID == "" {
			return fmt.Errorf("join envelope missing roomId/userId")
		}
		if e.From != "" || len(e.To) != 0 || e.hasPayload() {
			return fmt.Errorf("join envelope has unexpected fields")
		}
	case TypeStartCall:
		if e.RoomID == "" || e.From == "" {
			return fmt.Errorf("start-call envelope missing roomId/from")
		}
		if len(e.To) == 0 {
			return fmt.Errorf("start-call envelope missing to")
		}
		if e.hasPayload() {
			return fmt.Errorf("start-call envelope has unexpected fields")
		}
	case TypeIncomingCall:
		if e.From == "" {
			return fmt.Errorf("incoming-call envelope missing from")
		}
		if e.hasPayload() {
			return fmt.Errorf("incoming-call envelope has unexpected fields")
		}
	case TypeOffer:
		if e.RoomID == "" || e.From == "" {
			return fmt.Errorf("offer envelope missing roomId/from")
		}
		if e.Offer == nil {
			return fmt.Errorf("offer envelope missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("offer envelope has offer.type=%q", e.Offer.Type)
		}
		if e.Offer.SDP == "" {
			return fmt.Errorf("offer envelope missing offer.sdp")
		}
		if e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("offer envelope has unexpected fields")
		}
	case TypeAnswer:
		if e.RoomID == "" || e.From == "" {
			return fmt.Errorf("answer envelope missing roomId/from")
		}
		if e.Answer == nil {
			return fmt.Errorf("answer envelope missing answer")
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("answer envelope has answer.type=%q", e.Answer.Type)
		}
		if e.Answer.SDP == "" {
			return fmt.Errorf("answer envelope missing answer.sdp")
		}
		if e.Offer != nil || e.Candidate != nil {
			return fmt.Errorf("answer envelope has unexpected fields")
		}
	case TypeCandidate:
		if e.RoomID == "" || e.From == "" {
			return fmt.Errorf("candidate envelope missing roomId/from")
		}
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("candidate envelope missing candidate")
		}
		if e.Offer != nil || e.Answer != nil {
			return fmt.Errorf("candidate envelope has unexpected fields")
		}
	case TypeEndCall:
		if e.RoomID == "" || e.From == "" {
			return fmt.Errorf("end-call envelope missing roomId/from")
		}
		if e.hasPayload() {
			return fmt.Errorf("end-call envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

func (e Envelope) hasPayload() bool {
	return e.Offer != nil || e.Answer != nil || e.Candidate != nil
}
