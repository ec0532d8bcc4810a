package sse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesOnlyEventSubscribers(t *testing.T) {
	e := NewAdmissionEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := e.Subscribe(ctx, "event-a")
	b := e.Subscribe(ctx, "event-b")

	e.Emit(AdmissionEvent{EventID: "event-a", Decision: "ALLOWED", ValidatorID: "gate-1"})

	select {
	case ev := <-a:
		assert.Equal(t, "ALLOWED", ev.Decision)
	case <-time.After(time.Second):
		t.Fatal("subscriber of event-a got nothing")
	}

	select {
	case ev := <-b:
		t.Fatalf("unexpected event for event-b: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	e := NewAdmissionEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Subscribe(ctx, "event-a")

	done := make(chan struct{})
	go func() {
		for i := 0; i < e.buffer*3; i++ {
			e.Emit(AdmissionEvent{EventID: "event-a", Decision: "ALLOWED"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	assert.Len(t, ch, e.buffer)
}

func TestUnsubscribeOnCancel(t *testing.T) {
	e := NewAdmissionEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	ch := e.Subscribe(ctx, "event-a")
	require.Equal(t, 1, e.ClientCount("event-a"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, e.ClientCount("event-a"))
}
