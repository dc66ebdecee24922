package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talkio/signaling-relay/internal/eventbus"
	"github.com/talkio/signaling-relay/internal/metrics"
	"github.com/talkio/signaling-relay/internal/signal"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []signal.Envelope
}

func (s *fakeSender) Send(env signal.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) envelopes() []signal.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signal.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSender) byType(t signal.Type) []signal.Envelope {
	var out []signal.Envelope
	for _, env := range s.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeTimer struct {
	f       func()
	stopped bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, f func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.timers = append(s.timers, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.stopped = true
	}
}

// fire runs every armed timer that has not been cancelled.
func (s *fakeScheduler) fire() {
	s.mu.Lock()
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()
	for _, t := range timers {
		s.mu.Lock()
		stopped := t.stopped
		s.mu.Unlock()
		if !stopped {
			t.f()
		}
	}
}

type fixture struct {
	manager *Manager
	sender  *fakeSender
	sched   *fakeScheduler
	events  <-chan eventbus.Event
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, selfID string) *fixture {
	t.Helper()
	sender := &fakeSender{}
	sched := &fakeScheduler{}
	m := metrics.New()
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	return &fixture{
		manager: NewManager("room-1", selfID, sender, bus, sched, 30*time.Second, m, nil),
		sender:  sender,
		sched:   sched,
		events:  ch,
		metrics: m,
	}
}

func (f *fixture) expectEvent(t *testing.T, kind eventbus.Kind) eventbus.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		if ev.Kind != kind {
			t.Fatalf("got event %q, want %q", ev.Kind, kind)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no %q event", kind)
		return eventbus.Event{}
	}
}

func TestStartCallCreatesDialingOffererSessions(t *testing.T) {
	f := newFixture(t, "alice")

	sessionID, fresh, err := f.manager.StartCall([]string{"bob", "carol"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if sessionID == "" {
		t.Fatalf("empty session id")
	}
	if len(fresh) != 2 {
		t.Fatalf("fresh targets=%v, want both", fresh)
	}

	for _, peer := range []string{"bob", "carol"} {
		s, ok := f.manager.Lookup(peer)
		if !ok {
			t.Fatalf("no session for %s", peer)
		}
		if s.State != StateDialing || s.Role != RoleOfferer {
			t.Fatalf("%s session=%s/%s, want dialing/offerer", peer, s.State, s.Role)
		}
		if s.SessionID != sessionID {
			t.Fatalf("pair sessions must share one session id")
		}
	}

	sent := f.sender.byType(signal.TypeStartCall)
	if len(sent) != 1 {
		t.Fatalf("sent %d start-call envelopes, want 1", len(sent))
	}
	if len(sent[0].To) != 2 {
		t.Fatalf("start-call To=%v", sent[0].To)
	}
}

func TestStartCallRejectsConnectedPair(t *testing.T) {
	f := newFixture(t, "alice")

	if _, _, err := f.manager.StartCall([]string{"bob"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.manager.MarkConnected("bob")

	if _, _, err := f.manager.StartCall([]string{"bob"}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("err=%v, want ErrAlreadyInCall", err)
	}
}

func TestStartCallWhileDialingDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, "alice")

	first, _, err := f.manager.StartCall([]string{"bob"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, _, err := f.manager.StartCall([]string{"bob"}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall for duplicate dial, got %v", err)
	}

	s, _ := f.manager.Lookup("bob")
	if s.SessionID != first {
		t.Fatalf("duplicate dial replaced the original session")
	}
	if got := f.sender.byType(signal.TypeStartCall); len(got) != 1 {
		t.Fatalf("sent %d start-call envelopes, want 1", len(got))
	}
}

func TestStartCallWithExtraTargetLeavesDialingPairAlone(t *testing.T) {
	f := newFixture(t, "alice")

	first, _, err := f.manager.StartCall([]string{"bob"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	second, fresh, err := f.manager.StartCall([]string{"bob", "carol"})
	if err != nil {
		t.Fatalf("second StartCall: %v", err)
	}
	if len(fresh) != 1 || fresh[0] != "carol" {
		t.Fatalf("fresh=%v, want only carol", fresh)
	}

	bob, _ := f.manager.Lookup("bob")
	if bob.SessionID != first || bob.State != StateDialing {
		t.Fatalf("bob session=%+v, original attempt must survive", bob)
	}
	carol, _ := f.manager.Lookup("carol")
	if carol.SessionID != second || carol.State != StateDialing {
		t.Fatalf("carol session=%+v", carol)
	}
}

func TestIncomingCallRingsAndSurfacesEvent(t *testing.T) {
	f := newFixture(t, "bob")

	f.manager.HandleIncomingCall("alice", "s-1")

	s, ok := f.manager.Lookup("alice")
	if !ok || s.State != StateRinging || s.Role != RoleAnswerer {
		t.Fatalf("session=%+v, want ringing/answerer", s)
	}
	ev := f.expectEvent(t, eventbus.KindIncomingCall)
	if ev.PeerID != "alice" || ev.SessionID != "s-1" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestGlareConvergesToOneOfferer(t *testing.T) {
	// Both sides dialed each other. alice < bob, so alice keeps the
	// Offerer role and bob yields and answers.
	alice := newFixture(t, "alice")
	bob := newFixture(t, "bob")

	if _, _, err := alice.manager.StartCall([]string{"bob"}); err != nil {
		t.Fatalf("alice StartCall: %v", err)
	}
	if _, _, err := bob.manager.StartCall([]string{"alice"}); err != nil {
		t.Fatalf("bob StartCall: %v", err)
	}

	if d := alice.manager.HandleRemoteOffer("bob", "s-bob"); d != OfferIgnore {
		t.Fatalf("alice decision=%v, want OfferIgnore", d)
	}
	if d := bob.manager.HandleRemoteOffer("alice", "s-alice"); d != OfferAnswer {
		t.Fatalf("bob decision=%v, want OfferAnswer", d)
	}

	aliceSession, _ := alice.manager.Lookup("bob")
	bobSession, _ := bob.manager.Lookup("alice")
	if aliceSession.Role != RoleOfferer {
		t.Fatalf("alice role=%s, want offerer", aliceSession.Role)
	}
	if bobSession.Role != RoleAnswerer {
		t.Fatalf("bob role=%s, want answerer", bobSession.Role)
	}
	if bobSession.SessionID != "s-alice" {
		t.Fatalf("yielding side must adopt the winning session id, got %q", bobSession.SessionID)
	}
	if alice.metrics.Get(metrics.EventCallGlareResolved) != 1 || bob.metrics.Get(metrics.EventCallGlareResolved) != 1 {
		t.Fatalf("glare resolution not counted on both sides")
	}
}

func TestOfferWithoutPriorSessionRings(t *testing.T) {
	f := newFixture(t, "bob")

	if d := f.manager.HandleRemoteOffer("alice", "s-1"); d != OfferAnswer {
		t.Fatalf("decision=%v, want OfferAnswer", d)
	}
	s, ok := f.manager.Lookup("alice")
	if !ok || s.Role != RoleAnswerer || s.State != StateRinging {
		t.Fatalf("session=%+v", s)
	}
	f.expectEvent(t, eventbus.KindIncomingCall)
}

func TestUnreachableEndsWithoutRinging(t *testing.T) {
	f := newFixture(t, "alice")

	if _, _, err := f.manager.StartCall([]string{"bob"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	// The relay reports the target absent.
	f.manager.HandleRemoteEnd("bob", ReasonUnreachable)

	s, _ := f.manager.Lookup("bob")
	if s.State != StateEnded || s.EndReason != ReasonUnreachable {
		t.Fatalf("session=%+v, want ended/unreachable", s)
	}
	ev := f.expectEvent(t, eventbus.KindCallEnded)
	if ev.Reason != string(ReasonUnreachable) {
		t.Fatalf("event reason=%q", ev.Reason)
	}
	// The remote-initiated end must not be echoed back.
	if got := f.sender.byType(signal.TypeEndCall); len(got) != 0 {
		t.Fatalf("unexpected end-call echo: %v", got)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice")

	if _, _, err := f.manager.StartCall([]string{"bob"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !f.manager.EndCall("bob", ReasonHangup) {
		t.Fatalf("first EndCall should report the transition")
	}
	if f.manager.EndCall("bob", ReasonHangup) {
		t.Fatalf("second EndCall must be a no-op")
	}

	if got := f.sender.byType(signal.TypeEndCall); len(got) != 1 {
		t.Fatalf("sent %d end-call envelopes, want 1", len(got))
	}
	if n := f.metrics.Get(metrics.EventCallEnded); n != 1 {
		t.Fatalf("call_ended count=%d, want 1", n)
	}
	f.expectEvent(t, eventbus.KindCallEnded)
}

func TestRingTimeoutEndsWithNoAnswer(t *testing.T) {
	f := newFixture(t, "alice")

	if _, _, err := f.manager.StartCall([]string{"bob"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.sched.fire()

	s, _ := f.manager.Lookup("bob")
	if s.State != StateEnded || s.EndReason != ReasonNoAnswer {
		t.Fatalf("session=%+v, want ended/no-answer", s)
	}
	if got := f.sender.byType(signal.TypeEndCall); len(got) != 1 {
		t.Fatalf("timeout must notify the peer, sent=%v", got)
	}
	if n := f.metrics.Get(metrics.EventCallRingTimeout); n != 1 {
		t.Fatalf("ring timeout count=%d", n)
	}
}

func TestAcceptDisarmsRingTimer(t *testing.T) {
	f := newFixture(t, "bob")

	f.manager.HandleIncomingCall("alice", "s-1")
	if _, err := f.manager.Accept("alice"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.sched.fire()

	s, _ := f.manager.Lookup("alice")
	if s.State != StateRinging {
		t.Fatalf("accepted call timed out: state=%s", s.State)
	}
}

func TestAcceptRequiresSession(t *testing.T) {
	f := newFixture(t, "bob")
	if _, err := f.manager.Accept("alice"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v, want ErrNoSession", err)
	}
}

func TestMarkConnectedStopsTimerAndPublishes(t *testing.T) {
	f := newFixture(t, "alice")

	if _, _, err := f.manager.StartCall([]string{"bob"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.manager.MarkConnected("bob")
	f.sched.fire()

	s, _ := f.manager.Lookup("bob")
	if s.State != StateConnected {
		t.Fatalf("state=%s, want connected", s.State)
	}
	f.expectEvent(t, eventbus.KindCallConnected)
}

func TestHandleRemoteAnswerValidatesRole(t *testing.T) {
	f := newFixture(t, "bob")

	if err := f.manager.HandleRemoteAnswer("alice"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v, want ErrNoSession", err)
	}

	f.manager.HandleIncomingCall("alice", "s-1")
	if err := f.manager.HandleRemoteAnswer("alice"); err == nil {
		t.Fatalf("answerer-role session must reject an inbound answer")
	}
}

func TestEndAllOnTransportLoss(t *testing.T) {
	f := newFixture(t, "alice")

	if _, _, err := f.manager.StartCall([]string{"bob", "carol"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.manager.EndAll(ReasonPeerLost)

	for _, peer := range []string{"bob", "carol"} {
		s, _ := f.manager.Lookup(peer)
		if s.State != StateEnded || s.EndReason != ReasonPeerLost {
			t.Fatalf("%s session=%+v", peer, s)
		}
	}
	if got := f.sender.byType(signal.TypeEndCall); len(got) != 0 {
		t.Fatalf("EndAll must not emit envelopes, sent=%v", got)
	}
}

func TestNewCallAfterEndedReplacesSession(t *testing.T) {
	f := newFixture(t, "alice")

	first, _, err := f.manager.StartCall([]string{"bob"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.manager.EndCall("bob", ReasonHangup)

	second, _, err := f.manager.StartCall([]string{"bob"})
	if err != nil {
		t.Fatalf("second StartCall: %v", err)
	}
	if second == first {
		t.Fatalf("new call must get a fresh session id")
	}
	s, _ := f.manager.Lookup("bob")
	if s.State != StateDialing {
		t.Fatalf("state=%s, want dialing", s.State)
	}
}

func TestParseReason(t *testing.T) {
	if got := ParseReason("unreachable"); got != ReasonUnreachable {
		t.Fatalf("got %q", got)
	}
	if got := ParseReason(""); got != ReasonHangup {
		t.Fatalf("empty reason should default to hangup, got %q", got)
	}
	if got := ParseReason("martian"); got != ReasonHangup {
		t.Fatalf("unknown reason should default to hangup, got %q", got)
	}
}
