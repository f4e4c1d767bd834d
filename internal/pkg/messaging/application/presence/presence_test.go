package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluffypet/chat/internal/pkg/messaging/events"
	"github.com/fluffypet/chat/internal/pkg/messaging/tests/helpers"
)

func TestTypingSelfExpires(t *testing.T) {
	b := New(helpers.NewFakeChannel(), "conv-1", "user-a", WithTTL(60*time.Millisecond))
	defer b.Close()

	b.Apply("user-b", true)
	if !b.IsTyping("user-b") {
		t.Fatalf("expected peer typing immediately after signal")
	}

	// Still inside the window.
	time.Sleep(20 * time.Millisecond)
	if !b.IsTyping("user-b") {
		t.Fatalf("typing flag expired too early")
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.IsTyping("user-b") {
		if time.Now().After(deadline) {
			t.Fatalf("typing flag never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFollowUpSignalReArmsTimer(t *testing.T) {
	b := New(helpers.NewFakeChannel(), "conv-1", "user-a", WithTTL(80*time.Millisecond))
	defer b.Close()

	b.Apply("user-b", true)
	time.Sleep(50 * time.Millisecond)
	b.Apply("user-b", true)
	time.Sleep(50 * time.Millisecond)
	// 100ms after the first signal, but only 50ms after the second.
	if !b.IsTyping("user-b") {
		t.Fatalf("re-armed timer expired from the original signal")
	}
}

func TestFalseSignalClearsImmediately(t *testing.T) {
	b := New(helpers.NewFakeChannel(), "conv-1", "user-a", WithTTL(time.Hour))
	defer b.Close()

	b.Apply("user-b", true)
	b.Apply("user-b", false)
	if b.IsTyping("user-b") {
		t.Fatalf("false signal must clear the flag immediately")
	}
	if got := b.Typing(); len(got) != 0 {
		t.Fatalf("expected empty typing set, got %v", got)
	}
}

func TestOwnSignalsAreIgnored(t *testing.T) {
	b := New(helpers.NewFakeChannel(), "conv-1", "user-a")
	defer b.Close()

	b.Apply("user-a", true)
	if b.IsTyping("user-a") {
		t.Fatalf("presence is peer-only; own signal must not apply")
	}
}

func TestSetTypingBroadcastsEnvelope(t *testing.T) {
	ch := helpers.NewFakeChannel()
	sub, err := ch.Subscribe(context.Background(), events.Topic("conv-1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	b := New(ch, "conv-1", "user-a")
	defer b.Close()
	b.SetTyping(context.Background(), true)

	select {
	case msg := <-sub.Messages():
		env, err := events.Decode(msg.Payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Kind != events.KindTyping || env.UserID != "user-a" || !env.Typing {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("no broadcast received")
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	ch := helpers.NewFakeChannel()
	ch.PublishErr = errors.New("channel gone")

	b := New(ch, "conv-1", "user-a")
	defer b.Close()
	// Fire-and-forget: nothing to assert beyond "does not panic or block".
	b.SetTyping(context.Background(), true)
	b.SetTyping(context.Background(), false)
}

func TestCloseDropsLateSignals(t *testing.T) {
	b := New(helpers.NewFakeChannel(), "conv-1", "user-a", WithTTL(time.Hour))
	b.Apply("user-b", true)
	b.Close()

	if b.IsTyping("user-b") {
		t.Fatalf("close must clear tracked peers")
	}
	b.Apply("user-c", true)
	if b.IsTyping("user-c") {
		t.Fatalf("signals after close must be dropped")
	}
}
