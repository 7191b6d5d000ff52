package producer

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"graphflow/event"
)

func TestGeneratorEmitsDecodablePayloads(t *testing.T) {
	g := NewGenerator(100, DefaultMix, 42)

	payloads := g.Batch(1000)
	events := event.DecodeBatch(payloads, zap.NewNop())
	if len(events) != len(payloads) {
		t.Fatalf("generator emitted %d malformed payloads", len(payloads)-len(events))
	}

	kinds := make(map[event.Kind]int)
	for _, ev := range events {
		kinds[ev.Kind()]++
	}
	for _, k := range []event.Kind{event.KindRegister, event.KindReferral, event.KindAddFriend, event.KindUnfriend} {
		if kinds[k] == 0 {
			t.Errorf("mix produced no %s events", k)
		}
	}
}

func TestGeneratorPairNamesDistinct(t *testing.T) {
	g := NewGenerator(2, Mix{AddFriendPct: 100}, 7)

	for i := 0; i < 100; i++ {
		ev, err := event.Decode(g.Next())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		af := ev.(event.AddFriend)
		if af.User1Name == af.User2Name {
			t.Fatalf("generator emitted self pair %q", af.User1Name)
		}
	}
}

func TestGeneratorDeterministicPerSeed(t *testing.T) {
	fixed := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	a := NewGenerator(50, DefaultMix, 99).WithClock(fixed)
	b := NewGenerator(50, DefaultMix, 99).WithClock(fixed)

	for i := 0; i < 20; i++ {
		if string(a.Next()) != string(b.Next()) {
			t.Fatalf("same seed diverged at event %d", i)
		}
	}
}
