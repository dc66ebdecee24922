package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	want := Event{Kind: KindIncomingCall, RoomID: "room-1", SessionID: "s-1", PeerID: "alice"}
	bus.Publish(want)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("subscriber %d got %+v, want %+v", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	slow, cancelSlow := bus.Subscribe()
	defer cancelSlow()
	_ = slow // never read

	fast, cancelFast := bus.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			bus.Publish(Event{Kind: KindCallEnded, SessionID: "s-1", Reason: "hangup"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}

	if bus.Dropped() == 0 {
		t.Fatalf("expected drops for the slow subscriber")
	}

	// The fast subscriber still received up to its buffer.
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatalf("fast subscriber received nothing")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	// Must not panic or deliver anywhere.
	bus.Publish(Event{Kind: KindCallConnected, SessionID: "s-2"})
}

func TestCloseUnblocksReceivers(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()

	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("receiver not unblocked by Close")
	}

	// Subscribe after close yields a closed channel.
	late, lateCancel := bus.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel from post-Close Subscribe")
	}
}
