package daemon

import (
	"testing"
)

func TestSSESubscribeAndBroadcast(t *testing.T) {
	b := NewSSEBroadcaster()

	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("Expected 1 client, got %d", b.ClientCount())
	}

	b.Publish(SSEPromptDetected, map[string]any{"session_id": "tab-1"})

	select {
	case ev := <-ch:
		if ev.Type != SSEPromptDetected {
			t.Errorf("Expected %s event, got %s", SSEPromptDetected, ev.Type)
		}
	default:
		t.Fatal("Expected event delivered to subscriber")
	}

	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after unsubscribe, got %d", b.ClientCount())
	}
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after unsubscribe")
	}
}

func TestSSEBroadcastNeverBlocks(t *testing.T) {
	b := NewSSEBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Saturate the client buffer and keep publishing; the pipeline side must
	// not stall on a slow consumer.
	for i := 0; i < 500; i++ {
		b.Publish(SSEAutoResponse, i)
	}
	if b.ClientCount() != 1 {
		t.Errorf("Slow client should stay subscribed, got %d", b.ClientCount())
	}
}

func TestSSEStopClosesClients(t *testing.T) {
	b := NewSSEBroadcaster()
	ch := b.Subscribe()

	b.Stop()
	if b.ClientCount() != 0 {
		t.Errorf("Expected no clients after stop, got %d", b.ClientCount())
	}

	// Drain anything buffered; the channel must end up closed.
	for range ch {
	}
}
