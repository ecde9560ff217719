package agentloop

import (
	"fmt"
	"testing"
	"time"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus(16)
	sub1 := bus.Subscribe("s1")
	sub2 := bus.Subscribe("s1")
	other := bus.Subscribe("s2")

	bus.Publish("s1", EventStateThinking, map[string]interface{}{"iteration": 1})
	bus.Publish("s1", EventTurnEnd, nil)

	for name, sub := range map[string]*Subscription{"sub1": sub1, "sub2": sub2} {
		sub.Close()
		var types []EventType
		for ev := range sub.Events() {
			types = append(types, ev.Type)
		}
		if len(types) != 2 || types[0] != EventStateThinking || types[1] != EventTurnEnd {
			t.Errorf("%s received %v", name, types)
		}
	}

	other.Close()
	for range other.Events() {
		t.Error("s2 subscriber received s1 events")
	}
}

func TestBusDropsOldestOnOverflow(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("s")

	for i := 0; i < 10; i++ {
		bus.Publish("s", EventStreamTextDelta, map[string]interface{}{"seq": i})
	}

	sub.Close()
	var seqs []int
	for ev := range sub.Events() {
		seqs = append(seqs, ev.Data["seq"].(int))
	}
	if len(seqs) != 4 {
		t.Fatalf("buffered %d events, want 4", len(seqs))
	}
	// The newest events survive; the oldest are dropped.
	want := []int{6, 7, 8, 9}
	for i, seq := range seqs {
		if seq != want[i] {
			t.Errorf("seqs = %v, want %v", seqs, want)
			break
		}
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(16)
	all := bus.SubscribeAll()

	bus.Publish("a", EventTurnStart, nil)
	bus.Publish("b", EventTurnStart, nil)

	all.Close()
	sessions := map[string]bool{}
	for ev := range all.Events() {
		sessions[ev.SessionID] = true
	}
	if !sessions["a"] || !sessions["b"] {
		t.Errorf("wildcard subscriber saw %v", sessions)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("s")
	sub.Close()
	sub.Close()

	// Publishing after close must not panic or deliver.
	bus.Publish("s", EventTurnStart, nil)
	for range sub.Events() {
		t.Error("received event after close")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(2)
	_ = bus.Subscribe("s") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish("s", EventStreamTextDelta, map[string]interface{}{"i": fmt.Sprint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
