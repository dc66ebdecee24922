package negotiation_test

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/talkio/signaling-relay/internal/negotiation"
	"github.com/talkio/signaling-relay/internal/signal"
)

type candidateSink struct {
	mu     sync.Mutex
	engine *negotiation.Engine
}

func (s *candidateSink) set(e *negotiation.Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

func (s *candidateSink) deliver(c signal.Candidate) {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()
	if e != nil {
		e.AddRemoteCandidate(c)
	}
}

// Two real pion peer connections negotiate over a virtual network, with the
// SDP and trickled candidates ferried between the two engines the same way
// the client runtime ferries them over the relay.
func TestPionPeersConnectOverVirtualNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("full ICE/DTLS handshake")
	}

	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	logger := slog.Default()
	pcA, mediaA, err := negotiation.NewPionPeer(negotiation.PeerConfig{Logger: logger, Net: netA})
	if err != nil {
		t.Fatalf("new peer A: %v", err)
	}
	pcB, mediaB, err := negotiation.NewPionPeer(negotiation.PeerConfig{Logger: logger, Net: netB})
	if err != nil {
		t.Fatalf("new peer B: %v", err)
	}

	connectedA := make(chan struct{}, 1)
	connectedB := make(chan struct{}, 1)

	// Candidates gather only once a local description is applied, but the
	// callbacks fire from pion goroutines, so the cross-references are
	// handed over under a lock.
	var toA, toB candidateSink
	engineA := negotiation.NewEngine("b", pcA, mediaA, toB.deliver,
		func() {
			select {
			case connectedA <- struct{}{}:
			default:
			}
		}, logger)
	engineB := negotiation.NewEngine("a", pcB, mediaB, toA.deliver,
		func() {
			select {
			case connectedB <- struct{}{}:
			default:
			}
		}, logger)
	toA.set(engineA)
	toB.set(engineB)
	t.Cleanup(engineA.Teardown)
	t.Cleanup(engineB.Teardown)

	offer, err := engineA.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	answer, err := engineB.ApplyRemoteOffer(offer)
	if err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if err := engineA.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}

	for name, ch := range map[string]chan struct{}{"A": connectedA, "B": connectedB} {
		select {
		case <-ch:
		case <-time.After(30 * time.Second):
			t.Fatalf("peer %s never connected", name)
		}
	}
}
